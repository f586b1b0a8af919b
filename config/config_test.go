package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/kutluhann/overlay-dht/constants"
)

func TestLoadDefaults(t *testing.T) {
	for _, name := range []string{"DHT_PORT", "DHT_SEEDS", "DHT_CODEC", "DHT_RESPONSE_TIMEOUT"} {
		t.Setenv(name, "")
	}

	cfg := Load()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "json", cfg.Codec)
	assert.Empty(t, cfg.Seeds)
	assert.Equal(t, constants.ResponseTimeout, cfg.ResponseTimeout)
	assert.Equal(t, constants.DataDir, cfg.DataDir)
	assert.False(t, cfg.HasPrivateKey())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("DHT_PORT", "9100")
	t.Setenv("DHT_SEEDS", "10.0.0.1:9000, ,10.0.0.2:9000")
	t.Setenv("DHT_CODEC", "msgpack")
	t.Setenv("DHT_REPLICATE_INTERVAL", "90s")
	t.Setenv("DHT_STORAGE_ENCRYPTION_KEY", "abcd")

	cfg := Load()
	assert.Equal(t, 9100, cfg.Port)
	assert.Equal(t, []string{"10.0.0.1:9000", "10.0.0.2:9000"}, cfg.Seeds)
	assert.Equal(t, "msgpack", cfg.Codec)
	assert.Equal(t, 90*time.Second, cfg.ReplicateInterval)
	assert.Equal(t, "abcd", cfg.GetStorageEncryptionKey())
}

func TestLoadFallsBackOnInvalidValues(t *testing.T) {
	t.Setenv("DHT_PORT", "eighty")
	t.Setenv("DHT_EXPIRE_INTERVAL", "-5m")
	t.Setenv("DHT_ITEM_TTL", "soon")

	cfg := Load()
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, constants.ExpireInterval, cfg.ExpireInterval)
	assert.Equal(t, constants.ItemTTL, cfg.ItemTTL)
}
