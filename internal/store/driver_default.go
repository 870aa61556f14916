//go:build !(sqlite_vec && cgo)

package store

import (
	_ "modernc.org/sqlite"
)

// The pure-Go driver needs no cgo toolchain; vector search falls back
// to brute-force cosine over the plain table.
const driverName = "sqlite"
