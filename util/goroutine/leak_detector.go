package goroutine

import (
	"runtime"
	"testing"
	"time"
)

// AssertNoLeaks registers a cleanup that fails the test if the goroutine
// count has not returned to its value at the time of the call.
//
//	func TestSomething(t *testing.T) {
//	    goroutine.AssertNoLeaks(t)
//	    // ... code that launches goroutines ...
//	}
func AssertNoLeaks(t testing.TB) {
	t.Helper()
	AssertNoLeaksWithTimeout(t, 5*time.Second, 50*time.Millisecond)
}

// AssertNoLeaksWithTimeout is AssertNoLeaks with a custom wait.
func AssertNoLeaksWithTimeout(t testing.TB, timeout, pollInterval time.Duration) {
	t.Helper()
	before := runtime.NumGoroutine()

	t.Cleanup(func() {
		if WaitForGoroutineCount(before, timeout, pollInterval) {
			return
		}
		current := runtime.NumGoroutine()
		t.Errorf("goroutine leak detected: started with %d goroutines, ended with %d (leaked %d)",
			before, current, current-before)

		buf := make([]byte, 1<<20)
		n := runtime.Stack(buf, true)
		t.Logf("Active goroutines:\n%s", string(buf[:n]))
	})
}

// WaitForGoroutineCount waits until the goroutine count drops to target.
// It reports whether the target was reached before timeout.
func WaitForGoroutineCount(target int, timeout, pollInterval time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if runtime.NumGoroutine() <= target {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(pollInterval)
	}
}
