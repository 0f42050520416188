package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the secindex configuration shared by all subcommands.
type Config struct {
	Domain  string        `yaml:"domain"` // sbom, vex, cve
	HTTP    HTTPConfig    `yaml:"http"`
	Bus     BusConfig     `yaml:"bus"`
	Storage StorageConfig `yaml:"storage"`
	Index   IndexConfig   `yaml:"index"`
	Retry   RetryConfig   `yaml:"retry"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// AuthConfig holds API authentication settings.
type AuthConfig struct {
	APIKeys []string `yaml:"api_keys"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	Driver            string       `yaml:"driver"`  // kafka, redis, memory (default: redis)
	Brokers           []string     `yaml:"brokers"` // kafka
	Addrs             []string     `yaml:"addrs"`   // redis
	Username          string       `yaml:"username"`
	Password          string       `yaml:"password"`
	SASLMechanism     string       `yaml:"sasl_mechanism"` // kafka: plain, scram-sha-256, scram-sha-512 (default plain with a username)
	TLS               bool         `yaml:"tls"`            // kafka
	DB                int          `yaml:"db"`
	KeyPrefix         string       `yaml:"key_prefix"`     // redis stream key prefix
	MaxLen            int64        `yaml:"max_len"`        // approximate redis stream cap, 0 = unbounded
	ClaimIdleSec      int          `yaml:"claim_idle_sec"` // redis: idle time before pending entries are reclaimed; negative disables
	Group             string       `yaml:"group"`      // default: <domain>-indexer
	Consumer          string       `yaml:"consumer"`   // default: hostname
	Partitions        int32        `yaml:"partitions"`
	ReplicationFactor int16        `yaml:"replication_factor"`
	CreateTopics      bool         `yaml:"create_topics"`
	Topics            TopicsConfig `yaml:"topics"`
}

// TopicsConfig overrides the per-domain topic names.
type TopicsConfig struct {
	Stored  string `yaml:"stored"`
	Indexed string `yaml:"indexed"`
	Failed  string `yaml:"failed"`
}

// StorageConfig holds object storage settings.
type StorageConfig struct {
	Driver      string `yaml:"driver"` // s3, fs (default: fs)
	Endpoint    string `yaml:"endpoint"`
	Bucket      string `yaml:"bucket"`
	Region      string `yaml:"region"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	UseSSL      bool   `yaml:"use_ssl"`
	Path        string `yaml:"path"`        // fs root
	Watch       bool   `yaml:"watch"`       // fs: forward filesystem notifications to the stored topic
	Compression string `yaml:"compression"` // none, zstd (default: none)
	IndexPrefix string `yaml:"index_prefix"`
}

// IndexConfig holds search index, batching and snapshot settings.
type IndexConfig struct {
	LockPath            string `yaml:"lock_path"`
	JournalPath         string `yaml:"journal_path"`
	BatchSize           int    `yaml:"batch_size"`
	BatchLingerMs       int    `yaml:"batch_linger_ms"`
	SnapshotIntervalSec int    `yaml:"snapshot_interval_sec"`
	SyncIntervalSec     int    `yaml:"sync_interval_sec"`
	QueryCacheSize      int    `yaml:"query_cache_size"`
	DefaultPageSize     int    `yaml:"default_page_size"`
	MaxPageSize         int    `yaml:"max_page_size"`
}

// BatchLinger returns how long the indexer waits to fill a batch.
func (c IndexConfig) BatchLinger() time.Duration {
	return time.Duration(c.BatchLingerMs) * time.Millisecond
}

// SnapshotInterval returns the snapshot publish interval.
func (c IndexConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalSec) * time.Second
}

// SyncInterval returns the replica poll interval.
func (c IndexConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSec) * time.Second
}

// RetryConfig holds backoff settings for transport and storage errors.
type RetryConfig struct {
	InitialDelayMs int     `yaml:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier"`
	DisableJitter  bool    `yaml:"disable_jitter"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
func Load(env string) (Config, error) {
	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}
	return Parse(data)
}

// Parse decodes YAML, expands ${VAR} references, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults() {
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		c.HTTP.WriteTimeoutSec = 10
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}

	if c.Bus.Driver == "" {
		c.Bus.Driver = "redis"
	}
	if c.Bus.KeyPrefix == "" {
		c.Bus.KeyPrefix = "secindex:"
	}
	if c.Bus.Driver == "kafka" && c.Bus.Username != "" && c.Bus.SASLMechanism == "" {
		c.Bus.SASLMechanism = "plain"
	}
	if c.Bus.ClaimIdleSec == 0 {
		c.Bus.ClaimIdleSec = 60
	}
	if c.Bus.Partitions <= 0 {
		c.Bus.Partitions = 1
	}
	if c.Bus.ReplicationFactor <= 0 {
		c.Bus.ReplicationFactor = 1
	}
	if c.Domain != "" {
		if c.Bus.Group == "" {
			c.Bus.Group = c.Domain + "-indexer"
		}
		if c.Bus.Topics.Stored == "" {
			c.Bus.Topics.Stored = c.Domain + "-stored"
		}
		if c.Bus.Topics.Indexed == "" {
			c.Bus.Topics.Indexed = c.Domain + "-indexed"
		}
		if c.Bus.Topics.Failed == "" {
			c.Bus.Topics.Failed = c.Domain + "-failed"
		}
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "fs"
	}
	if c.Storage.Compression == "" {
		c.Storage.Compression = "none"
	}
	if c.Storage.IndexPrefix == "" {
		c.Storage.IndexPrefix = ".index"
	}

	if c.Index.LockPath == "" && c.Domain != "" {
		c.Index.LockPath = filepath.Join("data", "index", c.Domain+".lock")
	}
	if c.Index.JournalPath == "" && c.Domain != "" {
		c.Index.JournalPath = filepath.Join("data", "index", c.Domain+".journal")
	}
	if c.Index.BatchSize <= 0 {
		c.Index.BatchSize = 100
	}
	if c.Index.BatchLingerMs <= 0 {
		c.Index.BatchLingerMs = 250
	}
	if c.Index.SnapshotIntervalSec <= 0 {
		c.Index.SnapshotIntervalSec = 30
	}
	if c.Index.SyncIntervalSec <= 0 {
		c.Index.SyncIntervalSec = 5
	}
	if c.Index.QueryCacheSize <= 0 {
		c.Index.QueryCacheSize = 1024
	}
	if c.Index.DefaultPageSize <= 0 {
		c.Index.DefaultPageSize = 10
	}
	if c.Index.MaxPageSize <= 0 {
		c.Index.MaxPageSize = 100
	}

	if c.Retry.InitialDelayMs <= 0 {
		c.Retry.InitialDelayMs = 500
	}
	if c.Retry.MaxDelayMs <= 0 {
		c.Retry.MaxDelayMs = 30000
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2.0
	}
}

var domainRegex = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if !domainRegex.MatchString(c.Domain) {
		return fmt.Errorf("domain must match %s, got %q", domainRegex, c.Domain)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}

	switch c.Bus.Driver {
	case "kafka":
		if len(c.Bus.Brokers) == 0 {
			return fmt.Errorf("bus.brokers is required for the kafka driver")
		}
		switch c.Bus.SASLMechanism {
		case "":
		case "plain", "scram-sha-256", "scram-sha-512":
			if c.Bus.Username == "" {
				return fmt.Errorf("bus.username is required with bus.sasl_mechanism %q", c.Bus.SASLMechanism)
			}
		default:
			return fmt.Errorf("bus.sasl_mechanism must be \"plain\", \"scram-sha-256\" or \"scram-sha-512\", got %q",
				c.Bus.SASLMechanism)
		}
	case "redis":
		if len(c.Bus.Addrs) == 0 {
			return fmt.Errorf("bus.addrs is required for the redis driver")
		}
	case "memory":
	default:
		return fmt.Errorf("bus.driver must be \"kafka\", \"redis\" or \"memory\", got %q", c.Bus.Driver)
	}

	switch c.Storage.Driver {
	case "s3":
		if c.Storage.Endpoint == "" || c.Storage.Bucket == "" {
			return fmt.Errorf("storage.endpoint and storage.bucket are required for the s3 driver")
		}
		if c.Storage.Watch {
			return fmt.Errorf("storage.watch is only supported by the fs driver")
		}
	case "fs":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the fs driver")
		}
	default:
		return fmt.Errorf("storage.driver must be \"s3\" or \"fs\", got %q", c.Storage.Driver)
	}
	switch c.Storage.Compression {
	case "none", "zstd":
	default:
		return fmt.Errorf("storage.compression must be \"none\" or \"zstd\", got %q", c.Storage.Compression)
	}
	if strings.Trim(c.Storage.IndexPrefix, "/") == "" {
		return fmt.Errorf("storage.index_prefix must not be empty")
	}

	if c.Index.DefaultPageSize > c.Index.MaxPageSize {
		return fmt.Errorf("index.default_page_size (%d) exceeds index.max_page_size (%d)",
			c.Index.DefaultPageSize, c.Index.MaxPageSize)
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1, got %v", c.Retry.Multiplier)
	}
	return nil
}

// findConfigPath locates the config file. SECINDEX_CONFIG_DIR takes precedence.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	if dir := os.Getenv("SECINDEX_CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, filename)
	}

	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// Relative to the source file, for tests and `go run` from subdirectories.
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1])
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val, ok := os.LookupEnv(varName)
		if (!ok || val == "") && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
