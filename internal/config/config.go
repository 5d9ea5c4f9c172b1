package config

import (
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"retailsync/internal/domain"
)

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

type Config struct {
	Port          string
	AllowedOrigin string
	DataDir       string
	StoreDriver   string

	RemoteURL      string
	RemoteUsername string
	RemotePassword string
	RemoteDBPrefix string
	RemoteTimeout  time.Duration

	SyncBatchSize      int
	SyncPollInterval   time.Duration
	SyncBackoffMin     time.Duration
	SyncBackoffMax     time.Duration
	ProbeInterval      time.Duration
	ViewCacheNamespace string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	AuthSecret            string
	AccessTokenTTLMinutes int
	AdminUsername         string
	AdminPassword         string

	LogLevel  string
	LogFormat string

	ReplicaPort        string
	ReplicaDatabaseURL string
	ReplicaUsername    string
	ReplicaPassword    string

	StoresFile string
	Stores     map[string]StoreRemote
}

// StoreRemote overrides where one entity store replicates to.
type StoreRemote struct {
	Database string `yaml:"database"`
}

type storesFile struct {
	Stores map[string]StoreRemote `yaml:"stores"`
}

// Load reads the configuration from the environment. A .env file in the
// working directory is applied first without overriding variables that are
// already set.
func Load() (Config, error) {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL, err := strconv.Atoi(getEnv("ACCESS_TOKEN_TTL_MINUTES", "480"))
	if err != nil || tokenTTL < 1 {
		tokenTTL = 480
	}
	batch, err := strconv.Atoi(getEnv("SYNC_BATCH_SIZE", "100"))
	if err != nil || batch < 1 {
		batch = 100
	}

	cfg := Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		DataDir:       getEnv("DATA_DIR", "./data"),
		StoreDriver:   strings.ToLower(getEnv("STORE_DRIVER", DriverSQLite)),

		RemoteURL:      strings.TrimSpace(os.Getenv("REMOTE_URL")),
		RemoteUsername: os.Getenv("REMOTE_USERNAME"),
		RemotePassword: os.Getenv("REMOTE_PASSWORD"),
		RemoteDBPrefix: getEnv("REMOTE_DB_PREFIX", "retailsync_"),
		RemoteTimeout:  getDuration("REMOTE_TIMEOUT", 15*time.Second),

		SyncBatchSize:      batch,
		SyncPollInterval:   getDuration("SYNC_POLL_INTERVAL", 10*time.Second),
		SyncBackoffMin:     getDuration("SYNC_BACKOFF_MIN", time.Second),
		SyncBackoffMax:     getDuration("SYNC_BACKOFF_MAX", time.Minute),
		ProbeInterval:      getDuration("CONNECTIVITY_PROBE_INTERVAL", 15*time.Second),
		ViewCacheNamespace: getEnv("VIEW_CACHE_NAMESPACE", "retailsync"),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		AdminUsername:         strings.ToLower(getEnv("BOOTSTRAP_ADMIN_USERNAME", "admin")),
		AdminPassword:         os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "console"),

		ReplicaPort:        getEnv("REPLICA_PORT", "5984"),
		ReplicaDatabaseURL: os.Getenv("REPLICA_DATABASE_URL"),
		ReplicaUsername:    os.Getenv("REPLICA_USERNAME"),
		ReplicaPassword:    os.Getenv("REPLICA_PASSWORD"),

		StoresFile: os.Getenv("STORES_FILE"),
	}

	if cfg.StoreDriver != DriverSQLite && cfg.StoreDriver != DriverMemory {
		return Config{}, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverSQLite, DriverMemory, cfg.StoreDriver)
	}
	if cfg.StoresFile != "" {
		stores, err := LoadStores(cfg.StoresFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Stores = stores
	}
	return cfg, nil
}

// LoadStores reads per-store remote overrides from a YAML file of the form
//
//	stores:
//	  items:
//	    database: shop_items
func LoadStores(path string) (map[string]StoreRemote, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read stores file: %w", err)
	}
	var f storesFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse stores file %s: %w", path, err)
	}
	for name := range f.Stores {
		if !slices.Contains(domain.AllStores, name) {
			return nil, fmt.Errorf("stores file %s: unknown store %q", path, name)
		}
	}
	return f.Stores, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) ReplicaAddress() string {
	return fmt.Sprintf(":%s", c.ReplicaPort)
}

func (c Config) AccessTokenTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

// SyncEnabled reports whether a remote replica is configured.
func (c Config) SyncEnabled() bool {
	return c.RemoteURL != ""
}

// RemoteDatabase is the remote database name the given store replicates to.
func (c Config) RemoteDatabase(store string) string {
	if o, ok := c.Stores[store]; ok && o.Database != "" {
		return o.Database
	}
	return c.RemoteDBPrefix + store
}

// RemoteDatabases maps every entity store to its remote database name.
func (c Config) RemoteDatabases() map[string]string {
	out := make(map[string]string, len(domain.AllStores))
	for _, name := range domain.AllStores {
		out[name] = c.RemoteDatabase(name)
	}
	return out
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
