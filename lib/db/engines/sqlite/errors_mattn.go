//go:build cgo

package sqlite

import (
	"errors"
	"github.com/mattn/go-sqlite3"
)

func init() {
	resultCoders = append(resultCoders, mattnResultCode)
}

func mattnResultCode(err error) (int, bool) {
	var e sqlite3.Error
	if !errors.As(err, &e) {
		return 0, false
	}
	return int(e.Code), true
}

// MattnAvailable reports whether the cgo driver is linked into the binary
const MattnAvailable = true
