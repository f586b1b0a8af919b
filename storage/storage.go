// Package storage holds the key/value backends a DHT node persists items in.
package storage

import "errors"

// ErrNotFound is returned (wrapped) by Get for unknown keys.
var ErrNotFound = errors.New("key not found")

// Record is one key/value pair produced by a read stream.
type Record struct {
	Key   string
	Value []byte
}
