package id_tools

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math/bits"

	"github.com/kutluhann/overlay-dht/constants"
)

// NodeID is a point in the 160-bit XOR metric space. Node identifiers and
// lookup keys share this space.
type NodeID [constants.KeySizeBytes]byte

func (id NodeID) Xor(other NodeID) NodeID {
	var result NodeID
	for i := 0; i < len(id); i++ {
		result[i] = id[i] ^ other[i]
	}
	return result
}

// PrefixLen returns the number of leading bits id and other have in common.
func (id NodeID) PrefixLen(other NodeID) int {
	for i := 0; i < len(id); i++ {
		x := id[i] ^ other[i]

		if x != 0 {
			return i*8 + bits.LeadingZeros8(x)
		}
	}
	return len(id) * 8
}

func (id NodeID) Less(other NodeID) bool {
	for i := 0; i < len(id); i++ {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// Closer reports whether a is strictly closer to id than b. Equal distances
// are broken by identifier order so sorting stays deterministic.
func (id NodeID) Closer(a, b NodeID) bool {
	da, db := id.Xor(a), id.Xor(b)
	if da != db {
		return da.Less(db)
	}
	return a.Less(b)
}

func (id NodeID) IsZero() bool {
	return id == NodeID{}
}

func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Short is the first eight hex digits, used in log lines.
func (id NodeID) Short() string {
	return id.String()[:8]
}

func (id NodeID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *NodeID) UnmarshalText(text []byte) error {
	parsed, err := FromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

func FromHex(s string) (NodeID, error) {
	var id NodeID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid node id %q: %w", s, err)
	}
	if len(b) != constants.KeySizeBytes {
		return id, fmt.Errorf("invalid node id %q: want %d bytes, got %d", s, constants.KeySizeBytes, len(b))
	}
	copy(id[:], b)
	return id, nil
}

func RandomID() NodeID {
	var id NodeID
	_, _ = rand.Read(id[:])
	return id
}

// RandomIDInBucket returns a random id whose common prefix with self is
// exactly index bits long, i.e. an id that falls into bucket index.
func RandomIDInBucket(self NodeID, index int) NodeID {
	if index < 0 {
		index = 0
	}
	if index >= constants.KeySizeBits {
		index = constants.KeySizeBits - 1
	}

	id := RandomID()
	byteIdx, bitIdx := index/8, uint(index%8)

	copy(id[:byteIdx], self[:byteIdx])

	// keep the first bitIdx bits of self, flip the next one, randomise the rest
	keep := byte(0xFF) << (8 - bitIdx)
	flip := byte(0x80) >> bitIdx
	id[byteIdx] = (self[byteIdx] & keep) | ((^self[byteIdx]) & flip) | (id[byteIdx] &^ (keep | flip))

	return id
}
