package id_tools

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	ecies "github.com/ecies/go/v2"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/kutluhann/overlay-dht/constants"
)

// PrivateKeyFileName is the file name used for the node key inside a data directory
const PrivateKeyFileName = "node.key"

// FromAddress derives a node id from the network address, SHA-1 over "address:port".
func FromAddress(address string, port int) NodeID {
	return NodeID(sha1.Sum([]byte(address + ":" + strconv.Itoa(port))))
}

// FromPublicKey derives a node id from a serialized public key: the last
// 20 bytes of its Keccak-256 hash.
func FromPublicKey(pubKey []byte) NodeID {
	var id NodeID
	hash := crypto.Keccak256(pubKey)
	copy(id[:], hash[len(hash)-constants.KeySizeBytes:])
	return id
}

// FromKey maps a storage key into the id space with SHA-1. Every key is
// hashed, including ones that look like hex ids.
func FromKey(key string) NodeID {
	return NodeID(sha1.Sum([]byte(key)))
}

func GenerateKey() (*ecies.PrivateKey, error) {
	key, err := ecies.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate node key: %w", err)
	}
	return key, nil
}

// NodeIDFromKey derives the id of the compressed public key of key.
func NodeIDFromKey(key *ecies.PrivateKey) NodeID {
	return FromPublicKey(key.PublicKey.Bytes(true))
}

func KeyPath(dataDir string) string {
	return filepath.Join(dataDir, PrivateKeyFileName)
}

func SavePrivateKey(path string, key *ecies.PrivateKey) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(key.Hex()), 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

func LoadPrivateKey(path string) (*ecies.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	key, err := ecies.NewPrivateKeyFromHex(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// LoadOrGenerateKey loads the key stored at path, creating one on first use.
func LoadOrGenerateKey(path string) (*ecies.PrivateKey, bool, error) {
	if _, err := os.Stat(path); err == nil {
		key, err := LoadPrivateKey(path)
		return key, false, err
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, false, err
	}
	if err := SavePrivateKey(path, key); err != nil {
		return nil, false, err
	}
	return key, true, nil
}

// PublicKeyHex is the compressed public key in hex, as carried by key contacts.
func PublicKeyHex(key *ecies.PrivateKey) string {
	return hex.EncodeToString(key.PublicKey.Bytes(true))
}
