package metrics_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain runs every test in this package and checks for goroutine
// leaks afterward. Any leaked goroutine fails the test run.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}
