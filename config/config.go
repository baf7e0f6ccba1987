// Package config loads the runtime configuration for the recovery
// host and other binaries: a TOML file with environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings
// ("30s", "5m").
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	parsed, err := time.ParseDuration(string(b))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(b), err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full runtime configuration.
type Config struct {
	// SubjectPrefix scopes every wire subject
	SubjectPrefix string `toml:"subject_prefix"`

	// DefaultQoS applies to messages without an explicit level
	// (0 at-most-once, 1 at-least-once, 2 exactly-once)
	DefaultQoS int `toml:"default_qos"`

	DataDir string `toml:"data_dir"`
	DevMode bool   `toml:"dev_mode"`

	Redis    RedisConfig    `toml:"redis"`
	NATS     NATSConfig     `toml:"nats"`
	Mongo    MongoConfig    `toml:"mongo"`
	Batch    BatchConfig    `toml:"batch"`
	Stores   StoresConfig   `toml:"stores"`
	Recovery RecoveryConfig `toml:"recovery"`
	Leader   LeaderConfig   `toml:"leader"`
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	// URL is a redis:// connection URL; empty disables Redis
	URL string `toml:"url"`
}

// NATSConfig holds the NATS connection settings.
type NATSConfig struct {
	// URL is a nats:// URL; empty disables NATS
	URL string `toml:"url"`

	// Embedded runs an in-process server instead of connecting out
	Embedded bool `toml:"embedded"`

	// DataDir is the JetStream store for the embedded server
	DataDir string `toml:"data_dir"`

	// Stream names the JetStream stream
	Stream string `toml:"stream"`
}

// MongoConfig holds the MongoDB connection settings.
type MongoConfig struct {
	URI      string `toml:"uri"`
	Database string `toml:"database"`
}

// BatchConfig holds the auto-batching scheduler settings.
type BatchConfig struct {
	MaxBatchSize   int      `toml:"max_batch_size"`
	BatchTimeout   Duration `toml:"batch_timeout"`
	MaxQueueLength int      `toml:"max_queue_length"`
	FlushDegree    int      `toml:"flush_degree"`
	MaxShards      int      `toml:"max_shards"`
}

// StoresConfig holds the durable store TTLs.
type StoresConfig struct {
	// IdempotencyTTL is how long processed command results are kept
	IdempotencyTTL Duration `toml:"idempotency_ttl"`

	// InboxRetention is how long processed inbox rows are kept
	InboxRetention Duration `toml:"inbox_retention"`

	// OutboxRetention is how long published outbox rows are kept
	OutboxRetention Duration `toml:"outbox_retention"`
}

// RecoveryConfig holds the recovery worker intervals.
type RecoveryConfig struct {
	PollInterval  Duration `toml:"poll_interval"`
	BatchSize     int      `toml:"batch_size"`
	ClaimTTL      Duration `toml:"claim_ttl"`
	MaxRetries    int      `toml:"max_retries"`
	CleanInterval Duration `toml:"clean_interval"`

	// DLQRatePerSecond and DLQBurst bound dead-letter admissions
	DLQRatePerSecond float64 `toml:"dlq_rate_per_second"`
	DLQBurst         int     `toml:"dlq_burst"`
}

// LeaderConfig holds the leader election settings.
type LeaderConfig struct {
	Enabled         bool     `toml:"enabled"`
	LockName        string   `toml:"lock_name"`
	InstanceID      string   `toml:"instance_id"`
	TTL             Duration `toml:"ttl"`
	RefreshInterval Duration `toml:"refresh_interval"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		SubjectPrefix: "catga",
		DefaultQoS:    1,
		DataDir:       "./data",
		Redis:         RedisConfig{URL: "redis://localhost:6379"},
		NATS: NATSConfig{
			DataDir: "./data/nats",
			Stream:  "CATGA",
		},
		Mongo: MongoConfig{Database: "catga"},
		Batch: BatchConfig{
			MaxBatchSize:   100,
			BatchTimeout:   Duration(10 * time.Millisecond),
			MaxQueueLength: 10000,
			FlushDegree:    4,
			MaxShards:      64,
		},
		Stores: StoresConfig{
			IdempotencyTTL:  Duration(time.Hour),
			InboxRetention:  Duration(24 * time.Hour),
			OutboxRetention: Duration(24 * time.Hour),
		},
		Recovery: RecoveryConfig{
			PollInterval:     Duration(time.Second),
			BatchSize:        100,
			ClaimTTL:         Duration(5 * time.Minute),
			MaxRetries:       3,
			CleanInterval:    Duration(time.Minute),
			DLQRatePerSecond: 10,
			DLQBurst:         20,
		},
		Leader: LeaderConfig{
			LockName:        "catga:recovery:leader",
			TTL:             Duration(30 * time.Second),
			RefreshInterval: Duration(10 * time.Second),
		},
	}
}

// ConfigPaths lists the locations searched for a config file.
var ConfigPaths = []string{
	"config.toml",
	"catga.toml",
	"./config/catga.toml",
	"/etc/catga/config.toml",
}

// LoadFromFile parses one TOML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Load resolves the configuration: defaults, then the config file
// (CATGA_CONFIG or the first of ConfigPaths that exists), then
// environment overrides.
func Load() (*Config, error) {
	path := os.Getenv("CATGA_CONFIG")
	if path == "" {
		for _, candidate := range ConfigPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	var (
		cfg *Config
		err error
	)
	if path != "" {
		cfg, err = LoadFromFile(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = Default()
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides file values from the environment.
func applyEnv(cfg *Config) {
	if v := os.Getenv("CATGA_SUBJECT_PREFIX"); v != "" {
		cfg.SubjectPrefix = v
	}
	if v := os.Getenv("CATGA_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("CATGA_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("CATGA_MONGO_URI"); v != "" {
		cfg.Mongo.URI = v
	}
	if v := os.Getenv("CATGA_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CATGA_LEADER_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Leader.Enabled = b
		}
	}
	if v := os.Getenv("CATGA_INSTANCE_ID"); v != "" {
		cfg.Leader.InstanceID = v
	}
	if v := os.Getenv("CATGA_DEV"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DevMode = b
		}
	}
	if v := os.Getenv("CATGA_POLL_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Recovery.PollInterval = Duration(d)
		}
	}
	if v := os.Getenv("CATGA_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Recovery.MaxRetries = n
		}
	}
}

// WriteExample writes a commented example configuration.
func WriteExample(path string) error {
	example := `# Catga runtime configuration
# Environment variables (CATGA_*) override these settings

subject_prefix = "catga"
default_qos = 1  # 0 at-most-once, 1 at-least-once, 2 exactly-once
data_dir = "./data"
dev_mode = false

[redis]
url = "redis://localhost:6379"

[nats]
url = ""          # nats://localhost:4222; empty disables NATS
embedded = false  # run an in-process JetStream server
data_dir = "./data/nats"
stream = "CATGA"

[mongo]
uri = ""          # mongodb://localhost:27017; empty disables Mongo
database = "catga"

[batch]
max_batch_size = 100
batch_timeout = "10ms"
max_queue_length = 10000
flush_degree = 4
max_shards = 64

[stores]
idempotency_ttl = "1h"
inbox_retention = "24h"
outbox_retention = "24h"

[recovery]
poll_interval = "1s"
batch_size = 100
claim_ttl = "5m"
max_retries = 3
clean_interval = "1m"
dlq_rate_per_second = 10.0
dlq_burst = 20

[leader]
enabled = false
lock_name = "catga:recovery:leader"
instance_id = ""  # defaults to the hostname
ttl = "30s"
refresh_interval = "10s"
`
	return os.WriteFile(path, []byte(example), 0644)
}
