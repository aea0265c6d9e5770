package uniqueclient_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies that Client.Close and a Buffer's async completion
// goroutine never outlive their test, including the godbus connection's own
// internal dispatch goroutines.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
