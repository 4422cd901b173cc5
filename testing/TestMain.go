// Package testing switches the binaries into test mode when imported by a
// test, so calling main does not dial Postgres or Redis.
package testing

import (
	"os"
	"sync"
	stdtesting "testing"
)

const testModeEnv = "SALESBUDGET_TEST_MODE"

var once sync.Once

func ensureTestMode() {
	once.Do(func() {
		_ = os.Setenv(testModeEnv, "1")
	})
}

func init() {
	ensureTestMode()
}

// TestMain can be re-exported by packages that need the flag set before
// any test runs.
func TestMain(m *stdtesting.M) {
	ensureTestMode()
	os.Exit(m.Run())
}
