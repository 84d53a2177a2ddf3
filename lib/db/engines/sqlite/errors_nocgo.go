//go:build !cgo

package sqlite

// MattnAvailable reports whether the cgo driver is linked into the binary
const MattnAvailable = false
