// Package guard switches the process into test mode when imported, so entry
// points exercised from tests skip network side effects.
package guard

import (
	"os"
	"sync"
)

var once sync.Once

func init() {
	once.Do(func() {
		if os.Getenv("SITESTOCK_TEST_MODE") == "" {
			_ = os.Setenv("SITESTOCK_TEST_MODE", "1")
		}
	})
}
