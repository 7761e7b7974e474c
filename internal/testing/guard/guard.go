// Package guard marks the process as running under tests so runtime side
// effects are skipped. Blank-import it from test files.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("ROLESYNC_TEST_MODE") == "" {
			_ = os.Setenv("ROLESYNC_TEST_MODE", "1")
		}
	})
}
