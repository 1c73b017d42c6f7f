package testutil

import (
	"os"
	"testing"
)

// RequireDevice skips the test if the PATROLCOV_DEVICE_TEST environment variable
// is not set. This ensures that tests requiring a real connected device (adb,
// port forwarding) are only run in the proper environment.
func RequireDevice(t *testing.T) {
	t.Helper()
	if os.Getenv("PATROLCOV_DEVICE_TEST") == "" {
		t.Skip("Skipping test: requires PATROLCOV_DEVICE_TEST environment")
	}
}
