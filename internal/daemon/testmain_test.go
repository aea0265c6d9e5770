package daemon_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies the daemon's event-loop and watcher goroutines are
// always fully drained once a test's cleanup functions have run.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
