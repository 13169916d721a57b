// Package goroutine runs long-lived goroutines with panic recovery.
package goroutine

import (
	"fmt"
	"os"
	"runtime"
	"sync"

	"chainwatch/metrics"

	"go.uber.org/zap"
)

const (
	// StackTraceBufferSize is the buffer size for stack trace collection
	StackTraceBufferSize = 4096
)

// Recover recovers from a panic, logs it with the stack and counts it.
// If logger is nil the panic goes to stderr. Use it directly with defer.
func Recover(name string, logger *zap.SugaredLogger) {
	if r := recover(); r != nil {
		report(name, r, logger)
	}
}

// Go runs fn in a goroutine tracked by wg. A panic in fn is recovered and
// logged; wg is released either way.
func Go(wg *sync.WaitGroup, name string, logger *zap.SugaredLogger, fn func()) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer Recover(name, logger)
		fn()
	}()
}

func report(name string, r interface{}, logger *zap.SugaredLogger) {
	metrics.GoroutinePanics.WithLabelValues(name).Inc()

	buf := make([]byte, StackTraceBufferSize)
	n := runtime.Stack(buf, false)

	if logger != nil {
		logger.Errorw("Goroutine panic recovered",
			"goroutine", name,
			"panic", r,
			"stack", string(buf[:n]))
		return
	}
	fmt.Fprintf(os.Stderr, "PANIC in goroutine %s (no logger): %v\n%s\n", name, r, string(buf[:n]))
}
