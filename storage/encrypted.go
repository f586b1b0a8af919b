package storage

import (
	"context"
	"fmt"
	"iter"

	ecies "github.com/ecies/go/v2"
)

// Backend is the store an EncryptedStore wraps.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Del(ctx context.Context, key string) error
	ReadStream(ctx context.Context) iter.Seq2[Record, error]
}

// EncryptedStore seals every value with ECIES before it reaches the
// backend. Keys are stored in the clear.
type EncryptedStore struct {
	backend Backend
	key     *ecies.PrivateKey
}

func NewEncryptedStore(backend Backend, key *ecies.PrivateKey) (*EncryptedStore, error) {
	if backend == nil {
		return nil, fmt.Errorf("encrypted store: nil backend")
	}
	if key == nil {
		return nil, fmt.Errorf("encrypted store: nil key")
	}
	return &EncryptedStore{backend: backend, key: key}, nil
}

// NewEncryptedStoreFromHex parses a hex encoded ECIES private key.
func NewEncryptedStoreFromHex(backend Backend, keyHex string) (*EncryptedStore, error) {
	key, err := ecies.NewPrivateKeyFromHex(keyHex)
	if err != nil {
		return nil, fmt.Errorf("encrypted store: parse key: %w", err)
	}
	return NewEncryptedStore(backend, key)
}

func (s *EncryptedStore) Get(ctx context.Context, key string) ([]byte, error) {
	sealed, err := s.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := ecies.Decrypt(s.key, sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypt %q: %w", key, err)
	}
	return plain, nil
}

func (s *EncryptedStore) Put(ctx context.Context, key string, value []byte) error {
	sealed, err := ecies.Encrypt(s.key.PublicKey, value)
	if err != nil {
		return fmt.Errorf("encrypt %q: %w", key, err)
	}
	return s.backend.Put(ctx, key, sealed)
}

func (s *EncryptedStore) Del(ctx context.Context, key string) error {
	return s.backend.Del(ctx, key)
}

func (s *EncryptedStore) ReadStream(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for rec, err := range s.backend.ReadStream(ctx) {
			if err != nil {
				if !yield(rec, err) {
					return
				}
				continue
			}
			plain, err := ecies.Decrypt(s.key, rec.Value)
			if err != nil {
				err = fmt.Errorf("decrypt %q: %w", rec.Key, err)
				if !yield(Record{Key: rec.Key}, err) {
					return
				}
				continue
			}
			if !yield(Record{Key: rec.Key, Value: plain}, nil) {
				return
			}
		}
	}
}
