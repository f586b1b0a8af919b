package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	ecies "github.com/ecies/go/v2"
	"github.com/ethereum/go-ethereum/log"
	"github.com/joho/godotenv"

	"github.com/kutluhann/overlay-dht/constants"
)

// Config is the runtime configuration of a node, read once from the
// environment (and a .env file when present). Flags may override fields
// after Init.
type Config struct {
	privateKey *ecies.PrivateKey

	Address  string
	Port     int
	HTTPPort int
	Seeds    []string
	LogLevel string
	Codec    string
	DataDir  string

	StorageEncryptionKey string

	ResponseTimeout   time.Duration
	ReplicateInterval time.Duration
	RepublishWindow   time.Duration
	ExpireInterval    time.Duration
	ItemTTL           time.Duration
}

var (
	config     *Config
	configOnce sync.Once
)

func Init() *Config {
	configOnce.Do(func() {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			log.Warn("could not read .env", "err", err)
		}
		config = Load()
	})
	return config
}

func GetConfig() *Config {
	if config == nil {
		return Init()
	}
	return config
}

// Load reads a fresh Config from the environment without touching the
// singleton.
func Load() *Config {
	return &Config{
		Address:  envString("DHT_ADDRESS", "127.0.0.1"),
		Port:     envInt("DHT_PORT", 8080),
		HTTPPort: envInt("DHT_HTTP_PORT", 8000),
		Seeds:    envList("DHT_SEEDS"),
		LogLevel: envString("DHT_LOG_LEVEL", "info"),
		Codec:    envString("DHT_CODEC", "json"),
		DataDir:  envString("DHT_DATA_DIR", constants.DataDir),

		StorageEncryptionKey: envString("DHT_STORAGE_ENCRYPTION_KEY", ""),

		ResponseTimeout:   envDuration("DHT_RESPONSE_TIMEOUT", constants.ResponseTimeout),
		ReplicateInterval: envDuration("DHT_REPLICATE_INTERVAL", constants.ReplicateInterval),
		RepublishWindow:   envDuration("DHT_REPUBLISH_WINDOW", constants.RepublishWindow),
		ExpireInterval:    envDuration("DHT_EXPIRE_INTERVAL", constants.ExpireInterval),
		ItemTTL:           envDuration("DHT_ITEM_TTL", constants.ItemTTL),
	}
}

func (c *Config) SetPrivateKey(key *ecies.PrivateKey) {
	c.privateKey = key
}

func (c *Config) GetPrivateKey() *ecies.PrivateKey {
	return c.privateKey
}

func (c *Config) HasPrivateKey() bool {
	return c.privateKey != nil
}

func (c *Config) GetStorageEncryptionKey() string {
	return c.StorageEncryptionKey
}

func envString(name, def string) string {
	if v, ok := os.LookupEnv(name); ok && v != "" {
		return v
	}
	return def
}

func envInt(name string, def int) int {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn("invalid integer, using default", "var", name, "value", v, "default", def)
		return def
	}
	return n
}

func envDuration(name string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(name)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Warn("invalid duration, using default", "var", name, "value", v, "default", def)
		return def
	}
	return d
}

// envList splits a comma separated variable, dropping empty entries.
func envList(name string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(name), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
