package config

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

const (
	BackendRedis  = "redis"
	BackendSQL    = "sql"
	BackendMemory = "memory"

	LockBackendRedis   = "redis"
	LockBackendRedlock = "redlock"
	LockBackendMemory  = "memory"

	SQLDriverPostgres = "postgres"
	SQLDriverSQLite   = "sqlite"
)

type Config struct {
	RedisAddr    string `envconfig:"REDIS_ADDR" default:"127.0.0.1:6379"`
	UseMiniRedis bool   `envconfig:"USE_MINIREDIS"`

	Backend        string `envconfig:"TICKET_REGISTRY_BACKEND" default:"redis"`
	SQLDriver      string `envconfig:"SQL_DRIVER" default:"postgres"`
	SQLDSN         string `envconfig:"SQL_DSN"`
	SQLTable       string `envconfig:"SQL_TABLE" default:"tickets"`
	DropCollection bool   `envconfig:"TICKET_REGISTRY_DROP_COLLECTION"`
	CatalogFile    string `envconfig:"TICKET_CATALOG_FILE"`
	ScanBatchSize  int    `envconfig:"TICKET_SCAN_BATCH_SIZE" default:"500"`

	LockBackend string        `envconfig:"LOCK_BACKEND" default:"redis"`
	LockKey     string        `envconfig:"LOCK_KEY" default:"ticket-cleaner"`
	LockLease   time.Duration `envconfig:"LOCK_LEASE" default:"5m"`

	CleanerEnabled  bool          `envconfig:"CLEANER_ENABLED" default:"true"`
	CleanerInterval time.Duration `envconfig:"CLEANER_INTERVAL" default:"2m"`
	CleanerCron     string        `envconfig:"CLEANER_CRON"`

	NodeName    string `envconfig:"NODE_NAME"`
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":2112"`
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendRedis, BackendSQL, BackendMemory:
	default:
		return fmt.Errorf("unknown ticket registry backend: %q", c.Backend)
	}
	if c.Backend == BackendSQL {
		if c.SQLDriver != SQLDriverPostgres && c.SQLDriver != SQLDriverSQLite {
			return fmt.Errorf("unknown sql driver: %q", c.SQLDriver)
		}
		if c.SQLDSN == "" {
			return errors.New("SQL_DSN is required for the sql backend")
		}
	}
	switch c.LockBackend {
	case LockBackendRedis, LockBackendRedlock, LockBackendMemory:
	default:
		return fmt.Errorf("unknown lock backend: %q", c.LockBackend)
	}
	if c.ScanBatchSize <= 0 {
		return fmt.Errorf("scan batch size must be positive: %d", c.ScanBatchSize)
	}
	if c.LockLease <= 0 {
		return fmt.Errorf("lock lease must be positive: %s", c.LockLease)
	}
	if c.CleanerEnabled && c.CleanerCron == "" && c.CleanerInterval <= 0 {
		return errors.New("either CLEANER_CRON or a positive CLEANER_INTERVAL is required")
	}
	return nil
}

// Load reads the optional env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file: %w", err)
		}
	}
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("failed to process env: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Source provides the configuration snapshot components read at the start of each operation.
type Source interface {
	Current() *Config
}

// Static is a Source that never changes.
type Static Config

func (s *Static) Current() *Config {
	return (*Config)(s)
}

// Holder swaps immutable snapshots atomically on Reload.
type Holder struct {
	envFile string
	current atomic.Pointer[Config]
}

func NewHolder(envFile string) (*Holder, error) {
	c, err := Load(envFile)
	if err != nil {
		return nil, err
	}
	h := &Holder{envFile: envFile}
	h.current.Store(c)
	return h, nil
}

func (h *Holder) Current() *Config {
	return h.current.Load()
}

// Reload re-reads the env file, overriding previously loaded values, and swaps in the new snapshot.
// The previous snapshot stays in place when the new one is invalid.
func (h *Holder) Reload() (*Config, error) {
	if h.envFile != "" {
		if err := godotenv.Overload(h.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to reload env file: %w", err)
		}
	}
	c, err := Load("")
	if err != nil {
		return nil, err
	}
	h.current.Store(c)
	return c, nil
}
