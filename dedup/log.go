package dedup

import (
	"encoding/csv"
	"fmt"
	"io"
	"time"

	"chainwatch/core"
)

// eventLog is a fixed-capacity ring of suppression events. Callers hold the
// store lock.
type eventLog struct {
	buf   []core.SuppressionEvent
	start int
	size  int
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = DefaultLogSize
	}
	return &eventLog{buf: make([]core.SuppressionEvent, capacity)}
}

func (l *eventLog) add(ev core.SuppressionEvent) {
	if l.size < len(l.buf) {
		l.buf[(l.start+l.size)%len(l.buf)] = ev
		l.size++
		return
	}
	l.buf[l.start] = ev
	l.start = (l.start + 1) % len(l.buf)
}

// newest returns up to limit events, newest first. limit <= 0 returns all.
func (l *eventLog) newest(limit int) []core.SuppressionEvent {
	if limit <= 0 || limit > l.size {
		limit = l.size
	}
	out := make([]core.SuppressionEvent, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, l.buf[(l.start+l.size-1-i)%len(l.buf)])
	}
	return out
}

// oldest returns every retained event in chronological order.
func (l *eventLog) oldest() []core.SuppressionEvent {
	out := make([]core.SuppressionEvent, 0, l.size)
	for i := 0; i < l.size; i++ {
		out = append(out, l.buf[(l.start+i)%len(l.buf)])
	}
	return out
}

// ExportRow is the flat, string-only form of a suppression event used for
// CSV and JSON downloads.
type ExportRow struct {
	Timestamp string `json:"timestamp"`
	Reason    string `json:"reason"`
	RuleID    string `json:"rule_id"`
	Entity    string `json:"entity"`
}

// ExportHeader is the CSV header matching ExportRow.
var ExportHeader = []string{"timestamp", "reason", "rule_id", "entity"}

func toRow(ev core.SuppressionEvent) ExportRow {
	return ExportRow{
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Reason:    string(ev.Reason),
		RuleID:    ev.RuleID,
		Entity:    ev.Entity,
	}
}

// Record returns the row as CSV fields.
func (r ExportRow) Record() []string {
	return []string{r.Timestamp, r.Reason, r.RuleID, r.Entity}
}

// WriteCSV writes rows with a header line.
func WriteCSV(w io.Writer, rows []ExportRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return fmt.Errorf("failed to write csv header: %w", err)
	}
	for _, row := range rows {
		if err := cw.Write(row.Record()); err != nil {
			return fmt.Errorf("failed to write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}
