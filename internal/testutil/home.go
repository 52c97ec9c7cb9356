// SPDX-License-Identifier: MPL-2.0

package testutil

import (
	"runtime"
	"testing"
)

// SetHomeDir points the user home directory at dir and clears the variables
// that take precedence over it when locating the config directory
// (XDG_CONFIG_HOME, APPDATA). The returned func restores everything.
func SetHomeDir(t testing.TB, dir string) func() {
	t.Helper()

	var restore []func()
	switch runtime.GOOS {
	case "windows":
		restore = append(restore, MustSetenv(t, "USERPROFILE", dir), MustSetenv(t, "APPDATA", ""))
	default:
		restore = append(restore, MustSetenv(t, "HOME", dir), MustSetenv(t, "XDG_CONFIG_HOME", ""))
	}
	return func() {
		for i := len(restore) - 1; i >= 0; i-- {
			restore[i]()
		}
	}
}
