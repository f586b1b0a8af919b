package dht

import (
	"encoding/json"
	"fmt"
	"time"
)

// Item is the unit of storage. A STORE for an existing key replaces the
// whole item; items are never edited in place.
type Item struct {
	Key       string `json:"key" msgpack:"key"`
	Value     []byte `json:"value" msgpack:"value"`
	Publisher NodeID `json:"publisher" msgpack:"publisher"`
	Timestamp int64  `json:"timestamp" msgpack:"timestamp"` // unix milliseconds
}

// NewItem validates its arguments. A zero timestamp means now; timestamps
// in the future are rejected.
func NewItem(key string, value []byte, publisher NodeID, timestamp int64) (*Item, error) {
	if key == "" {
		return nil, fmt.Errorf("invalid item: empty key")
	}
	if publisher.IsZero() {
		return nil, fmt.Errorf("invalid item %q: missing publisher", key)
	}
	now := time.Now().UnixMilli()
	if timestamp == 0 {
		timestamp = now
	}
	if timestamp > now {
		return nil, fmt.Errorf("invalid item %q: timestamp in the future", key)
	}
	return &Item{Key: key, Value: value, Publisher: publisher, Timestamp: timestamp}, nil
}

func (i *Item) Time() time.Time {
	return time.UnixMilli(i.Timestamp)
}

func (i *Item) encode() ([]byte, error) {
	return json.Marshal(i)
}

func decodeItem(raw []byte) (*Item, error) {
	var item Item
	if err := json.Unmarshal(raw, &item); err != nil {
		return nil, fmt.Errorf("decode stored item: %w", err)
	}
	return NewItem(item.Key, item.Value, item.Publisher, item.Timestamp)
}
