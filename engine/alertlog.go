package engine

import (
	"time"

	"chainwatch/core"
)

// alertLog is a bounded, append-ordered alert store with an id index.
// Callers hold the engine's log lock.
type alertLog struct {
	buf   []*core.Alert
	start int
	size  int
	byID  map[string]*core.Alert

	appended int
	evicted  int
}

func newAlertLog(capacity int) *alertLog {
	if capacity <= 0 {
		capacity = DefaultMaxAlerts
	}
	return &alertLog{
		buf:  make([]*core.Alert, capacity),
		byID: make(map[string]*core.Alert, capacity),
	}
}

func (l *alertLog) append(a *core.Alert) {
	if l.size == len(l.buf) {
		oldest := l.buf[l.start]
		delete(l.byID, oldest.AlertID)
		l.buf[l.start] = a
		l.start = (l.start + 1) % len(l.buf)
		l.evicted++
	} else {
		l.buf[(l.start+l.size)%len(l.buf)] = a
		l.size++
	}
	l.byID[a.AlertID] = a
	l.appended++
}

func (l *alertLog) get(id string) (*core.Alert, bool) {
	a, ok := l.byID[id]
	return a, ok
}

// each visits alerts newest first until fn returns false.
func (l *alertLog) each(fn func(*core.Alert) bool) {
	for i := l.size - 1; i >= 0; i-- {
		if !fn(l.buf[(l.start+i)%len(l.buf)]) {
			return
		}
	}
}

// related returns copies of alerts for entity with the given type no older
// than since, oldest first.
func (l *alertLog) related(entity, alertType string, since time.Time) []core.Alert {
	var out []core.Alert
	for i := 0; i < l.size; i++ {
		a := l.buf[(l.start+i)%len(l.buf)]
		if a.Entity == entity && a.Type == alertType && !a.Timestamp.Before(since) {
			out = append(out, a.Clone())
		}
	}
	return out
}
