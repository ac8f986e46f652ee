// Package config handles configuration loading, validation, and hot reload
// for geoattestd and geoattestctl.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"geoattest/internal/security"
)

// Version is the current configuration schema version.
const Version = 1

const envPrefix = "GEOATTEST_"

// History backends.
const (
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
)

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	Server    ServerConfig    `toml:"server" json:"server" yaml:"server"`
	Storage   StorageConfig   `toml:"storage" json:"storage" yaml:"storage"`
	Engine    EngineConfig    `toml:"engine" json:"engine" yaml:"engine"`
	Biometric BiometricConfig `toml:"biometric" json:"biometric" yaml:"biometric"`
	Directory DirectoryConfig `toml:"directory" json:"directory" yaml:"directory"`
	GeoIP     GeoIPConfig     `toml:"geoip" json:"geoip" yaml:"geoip"`
	Redis     RedisConfig     `toml:"redis" json:"redis" yaml:"redis"`
	Kafka     KafkaConfig     `toml:"kafka" json:"kafka" yaml:"kafka"`
	DynamoDB  DynamoDBConfig  `toml:"dynamodb" json:"dynamodb" yaml:"dynamodb"`
	Logging   LoggingConfig   `toml:"logging" json:"logging" yaml:"logging"`
	Metrics   MetricsConfig   `toml:"metrics" json:"metrics" yaml:"metrics"`
	RateLimit RateLimitConfig `toml:"rate_limit" json:"rate_limit" yaml:"rate_limit"`

	mu sync.RWMutex `toml:"-" json:"-" yaml:"-"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	// ListenAddr is the host:port the API listens on.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`

	ReadTimeoutSec     int `toml:"read_timeout_sec" json:"read_timeout_sec" yaml:"read_timeout_sec"`
	WriteTimeoutSec    int `toml:"write_timeout_sec" json:"write_timeout_sec" yaml:"write_timeout_sec"`
	ShutdownTimeoutSec int `toml:"shutdown_timeout_sec" json:"shutdown_timeout_sec" yaml:"shutdown_timeout_sec"`

	// MaxBodyBytes bounds a request body, including the biometric image.
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes" yaml:"max_body_bytes"`
}

// StorageConfig holds persistence configuration.
type StorageConfig struct {
	// Path is the SQLite database holding history and the violation ledger.
	Path string `toml:"path" json:"path" yaml:"path"`

	// HistoryBackend is "sqlite" or "dynamodb". The ledger always uses SQLite.
	HistoryBackend string `toml:"history_backend" json:"history_backend" yaml:"history_backend"`

	// LedgerSecret is the master secret for the ledger HMAC key. Prefer
	// LedgerSecretFile or the GEOATTEST_LEDGER_SECRET environment variable.
	LedgerSecret string `toml:"ledger_secret" json:"ledger_secret" yaml:"ledger_secret"`

	// LedgerSecretFile holds the master secret, mode 0600.
	LedgerSecretFile string `toml:"ledger_secret_file" json:"ledger_secret_file" yaml:"ledger_secret_file"`
}

// EngineConfig tunes the verification engine.
type EngineConfig struct {
	CheckTimeoutMs     int `toml:"check_timeout_ms" json:"check_timeout_ms" yaml:"check_timeout_ms"`
	BiometricTimeoutMs int `toml:"biometric_timeout_ms" json:"biometric_timeout_ms" yaml:"biometric_timeout_ms"`

	// HistoryWindow is how many prior samples the movement check reads.
	HistoryWindow int `toml:"history_window" json:"history_window" yaml:"history_window"`
}

// BiometricConfig configures the face-match service.
type BiometricConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	URL     string `toml:"url" json:"url" yaml:"url"`

	// Token authenticates to the matcher. When empty the environment and
	// then the OS keychain are consulted.
	Token string `toml:"token" json:"token" yaml:"token"`

	TimeoutMs int `toml:"timeout_ms" json:"timeout_ms" yaml:"timeout_ms"`
}

// DirectoryConfig locates reference face images in S3.
type DirectoryConfig struct {
	Bucket string `toml:"bucket" json:"bucket" yaml:"bucket"`
	Prefix string `toml:"prefix" json:"prefix" yaml:"prefix"`
	Region string `toml:"region" json:"region" yaml:"region"`
}

// GeoIPConfig configures IP geolocation.
type GeoIPConfig struct {
	// DatabasePath is a MaxMind City database. Empty disables resolution.
	DatabasePath string `toml:"database_path" json:"database_path" yaml:"database_path"`
	CacheTTLSec  int    `toml:"cache_ttl_sec" json:"cache_ttl_sec" yaml:"cache_ttl_sec"`
}

// RedisConfig configures the shared cache. Empty Addr disables it.
type RedisConfig struct {
	Addr          string `toml:"addr" json:"addr" yaml:"addr"`
	Password      string `toml:"password" json:"password" yaml:"password"`
	DB            int    `toml:"db" json:"db" yaml:"db"`
	HistoryTTLSec int    `toml:"history_ttl_sec" json:"history_ttl_sec" yaml:"history_ttl_sec"`
}

// KafkaConfig configures violation event publishing. No brokers disables it.
type KafkaConfig struct {
	Brokers        []string `toml:"brokers" json:"brokers" yaml:"brokers"`
	Topic          string   `toml:"topic" json:"topic" yaml:"topic"`
	ClientID       string   `toml:"client_id" json:"client_id" yaml:"client_id"`
	WriteTimeoutMs int      `toml:"write_timeout_ms" json:"write_timeout_ms" yaml:"write_timeout_ms"`
}

// DynamoDBConfig configures the DynamoDB history backend.
type DynamoDBConfig struct {
	Table    string `toml:"table" json:"table" yaml:"table"`
	Region   string `toml:"region" json:"region" yaml:"region"`
	TTLHours int    `toml:"ttl_hours" json:"ttl_hours" yaml:"ttl_hours"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the log level: debug, info, warn, error.
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is text or json.
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is stdout, stderr, file or both.
	Output string `toml:"output" json:"output" yaml:"output"`

	FilePath   string `toml:"file_path" json:"file_path" yaml:"file_path"`
	MaxSizeMB  int    `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" json:"max_backups" yaml:"max_backups"`
	Compress   bool   `toml:"compress" json:"compress" yaml:"compress"`

	// AuditPath is the JSON-lines audit log. Empty disables auditing.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// MetricsConfig controls the /metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" json:"enabled" yaml:"enabled"`
	Path    string `toml:"path" json:"path" yaml:"path"`
}

// RateLimitConfig limits verification requests per subject.
type RateLimitConfig struct {
	Enabled           bool    `toml:"enabled" json:"enabled" yaml:"enabled"`
	RequestsPerMinute float64 `toml:"requests_per_minute" json:"requests_per_minute" yaml:"requests_per_minute"`
	Burst             int     `toml:"burst" json:"burst" yaml:"burst"`
	IdleTTLSec        int     `toml:"idle_ttl_sec" json:"idle_ttl_sec" yaml:"idle_ttl_sec"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	paths := GetDefaultPaths()
	return &Config{
		Version: Version,
		Server: ServerConfig{
			ListenAddr:         "127.0.0.1:8470",
			ReadTimeoutSec:     15,
			WriteTimeoutSec:    30,
			ShutdownTimeoutSec: 10,
			MaxBodyBytes:       8 << 20,
		},
		Storage: StorageConfig{
			Path:             paths.DatabaseFile,
			HistoryBackend:   BackendSQLite,
			LedgerSecretFile: paths.LedgerSecretFile,
		},
		Engine: EngineConfig{
			CheckTimeoutMs:     10000,
			BiometricTimeoutMs: 5000,
			HistoryWindow:      10,
		},
		Biometric: BiometricConfig{
			Enabled:   false,
			TimeoutMs: 4000,
		},
		Directory: DirectoryConfig{
			Prefix: "faces/",
		},
		GeoIP: GeoIPConfig{
			CacheTTLSec: 86400,
		},
		Redis: RedisConfig{
			HistoryTTLSec: 3600,
		},
		Kafka: KafkaConfig{
			Topic:          "geoattest.violations",
			ClientID:       "geoattestd",
			WriteTimeoutMs: 5000,
		},
		DynamoDB: DynamoDBConfig{
			Table:    "geoattest-history",
			TTLHours: 24 * 90,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stderr",
			FilePath:   paths.LogFile,
			MaxSizeMB:  100,
			MaxBackups: 5,
			Compress:   true,
			AuditPath:  paths.AuditFile,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 30,
			Burst:             5,
			IdleTTLSec:        600,
		},
	}
}

// ConfigPath returns the default configuration file path.
func ConfigPath() string {
	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		return path
	}
	if found := FindConfigFile(); found != "" {
		return found
	}
	return GetDefaultPaths().ConfigFile
}

// Load reads configuration from path. A missing file yields the defaults.
// TOML, JSON and YAML are chosen by extension. Environment overrides are
// applied last.
func Load(path string) (*Config, error) {
	if path == "" {
		path = ConfigPath()
	}
	cfg, err := loadConfigFromFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories holding daemon files.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		filepath.Dir(c.Storage.Path),
	}
	if c.Logging.Output == "file" || c.Logging.Output == "both" {
		dirs = append(dirs, filepath.Dir(c.Logging.FilePath))
	}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}

	for _, dir := range dirs {
		if dir == "" || dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

// ApplyEnvOverrides applies GEOATTEST_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	c.mu.Lock()
	defer c.mu.Unlock()

	setString := func(name string, dst *string) {
		if v := os.Getenv(envPrefix + name); v != "" {
			*dst = v
		}
	}

	setString("LISTEN_ADDR", &c.Server.ListenAddr)
	setString("DB_PATH", &c.Storage.Path)
	setString("HISTORY_BACKEND", &c.Storage.HistoryBackend)
	setString("LEDGER_SECRET", &c.Storage.LedgerSecret)
	setString("LEDGER_SECRET_FILE", &c.Storage.LedgerSecretFile)
	setString("LOG_LEVEL", &c.Logging.Level)
	setString("LOG_FORMAT", &c.Logging.Format)
	setString("MATCHER_URL", &c.Biometric.URL)
	setString("MATCHER_TOKEN", &c.Biometric.Token)
	setString("REDIS_ADDR", &c.Redis.Addr)
	setString("REDIS_PASSWORD", &c.Redis.Password)
	setString("S3_BUCKET", &c.Directory.Bucket)
	setString("AWS_REGION", &c.Directory.Region)
	setString("GEOIP_DB", &c.GeoIP.DatabasePath)
	setString("DYNAMODB_TABLE", &c.DynamoDB.Table)
	setString("KAFKA_TOPIC", &c.Kafka.Topic)

	if v := os.Getenv(envPrefix + "KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = splitList(v)
	}
	if v := os.Getenv(envPrefix + "BIOMETRIC_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Biometric.Enabled = b
		}
	}
	if c.DynamoDB.Region == "" && c.Directory.Region != "" {
		c.DynamoDB.Region = c.Directory.Region
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clone := &Config{
		Version:   c.Version,
		Server:    c.Server,
		Storage:   c.Storage,
		Engine:    c.Engine,
		Biometric: c.Biometric,
		Directory: c.Directory,
		GeoIP:     c.GeoIP,
		Redis:     c.Redis,
		Kafka:     c.Kafka,
		DynamoDB:  c.DynamoDB,
		Logging:   c.Logging,
		Metrics:   c.Metrics,
		RateLimit: c.RateLimit,
	}
	clone.Kafka.Brokers = append([]string(nil), c.Kafka.Brokers...)
	return clone
}

// ErrNoLedgerSecret is returned when no ledger secret is configured.
var ErrNoLedgerSecret = errors.New("config: no ledger secret configured")

// LedgerSecret returns the master secret: the inline value, else the
// secret file.
func (c *Config) LedgerSecret() ([]byte, error) {
	if c.Storage.LedgerSecret != "" {
		return []byte(c.Storage.LedgerSecret), nil
	}
	if c.Storage.LedgerSecretFile == "" {
		return nil, ErrNoLedgerSecret
	}
	secret, err := security.ReadSecretFile(c.Storage.LedgerSecretFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s does not exist", ErrNoLedgerSecret, c.Storage.LedgerSecretFile)
		}
		return nil, fmt.Errorf("read ledger secret: %w", err)
	}
	return secret, nil
}

// LedgerKey derives the ledger HMAC key from the configured secret.
func (c *Config) LedgerKey() ([]byte, error) {
	secret, err := c.LedgerSecret()
	if err != nil {
		return nil, err
	}
	return security.LedgerKey(secret)
}

func millis(ms int) time.Duration { return time.Duration(ms) * time.Millisecond }

func seconds(s int) time.Duration { return time.Duration(s) * time.Second }

// CheckTimeout bounds a single check.
func (e EngineConfig) CheckTimeout() time.Duration { return millis(e.CheckTimeoutMs) }

// BiometricTimeout bounds the biometric check.
func (e EngineConfig) BiometricTimeout() time.Duration { return millis(e.BiometricTimeoutMs) }

// Timeout bounds one matcher request.
func (b BiometricConfig) Timeout() time.Duration { return millis(b.TimeoutMs) }

// WriteTimeout bounds one Kafka write.
func (k KafkaConfig) WriteTimeout() time.Duration { return millis(k.WriteTimeoutMs) }

// Enabled reports whether event publishing is configured.
func (k KafkaConfig) Enabled() bool { return len(k.Brokers) > 0 }

// Enabled reports whether the Redis cache is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// HistoryTTL is the lifetime of a cached latest-history entry.
func (r RedisConfig) HistoryTTL() time.Duration { return seconds(r.HistoryTTLSec) }

// CacheTTL is the lifetime of a cached IP lookup.
func (g GeoIPConfig) CacheTTL() time.Duration { return seconds(g.CacheTTLSec) }

// TTL is the lifetime of a DynamoDB history item.
func (d DynamoDBConfig) TTL() time.Duration { return time.Duration(d.TTLHours) * time.Hour }

// Rate is the sustained request rate per second.
func (r RateLimitConfig) Rate() float64 {
	if !r.Enabled {
		return 0
	}
	return r.RequestsPerMinute / 60
}

// IdleTTL is how long an idle subject's bucket is kept.
func (r RateLimitConfig) IdleTTL() time.Duration { return seconds(r.IdleTTLSec) }
