package storage

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"github.com/elliotchance/orderedmap/v2"
)

// MemStore keeps records in insertion order, so read streams are
// deterministic. Overwriting a key keeps its original position.
type MemStore struct {
	mu   sync.RWMutex
	data *orderedmap.OrderedMap[string, []byte]
}

func NewMemStore() *MemStore {
	return &MemStore{data: orderedmap.NewOrderedMap[string, []byte]()}
}

func (s *MemStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	value, ok := s.data.Get(key)
	if !ok {
		return nil, fmt.Errorf("get %q: %w", key, ErrNotFound)
	}
	return clone(value), nil
}

func (s *MemStore) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.data.Set(key, clone(value))
	s.mu.Unlock()
	return nil
}

// Del removes key; deleting an unknown key is not an error.
func (s *MemStore) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.data.Delete(key)
	s.mu.Unlock()
	return nil
}

func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Len()
}

// ReadStream walks a snapshot of the keys taken when iteration starts. The
// lock is not held while the consumer runs, so it may Put or Del freely;
// keys deleted before they are reached are skipped.
func (s *MemStore) ReadStream(ctx context.Context) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		s.mu.RLock()
		keys := s.data.Keys()
		s.mu.RUnlock()

		for _, key := range keys {
			if err := ctx.Err(); err != nil {
				yield(Record{Key: key}, err)
				return
			}

			s.mu.RLock()
			value, ok := s.data.Get(key)
			s.mu.RUnlock()
			if !ok {
				continue
			}
			if !yield(Record{Key: key, Value: clone(value)}, nil) {
				return
			}
		}
	}
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
