package dht

import (
	"context"
	"iter"

	"github.com/kutluhann/overlay-dht/storage"
)

// Record is one key/value pair produced by a storage read stream.
type Record = storage.Record

// Storage is the key/value backend a Node persists items into. Get returns
// an error wrapping storage.ErrNotFound for missing keys. ReadStream yields
// every record lazily and may be called again to restart the sweep; an
// error yielded mid-stream applies to that position only.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	ReadStream(ctx context.Context) iter.Seq2[Record, error]
}
