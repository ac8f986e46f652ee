package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for i := range e {
		msgs = append(msgs, e[i].Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, 0, len(e))
	for i := range e {
		fields = append(fields, e[i].Field)
	}
	return fields
}

// ValidateConfig validates every section of the configuration.
func ValidateConfig(c *Config) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateServer(&c.Server)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateEngine(&c.Engine)...)
	errs = append(errs, validateBiometric(&c.Biometric, &c.Directory)...)
	errs = append(errs, validateGeoIP(&c.GeoIP)...)
	errs = append(errs, validateRedis(&c.Redis)...)
	errs = append(errs, validateKafka(&c.Kafka)...)
	if c.Storage.HistoryBackend == BackendDynamoDB {
		errs = append(errs, validateDynamoDB(&c.DynamoDB)...)
	}
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateRateLimit(&c.RateLimit)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateServer(s *ServerConfig) ValidationErrors {
	var errs ValidationErrors

	if _, _, err := net.SplitHostPort(s.ListenAddr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "server.listen_addr",
			Message: fmt.Sprintf("invalid listen address %q: %v", s.ListenAddr, err),
		})
	}
	if s.ReadTimeoutSec < 1 {
		errs = append(errs, RangeError("server.read_timeout_sec", 1, "unbounded"))
	}
	if s.WriteTimeoutSec < 1 {
		errs = append(errs, RangeError("server.write_timeout_sec", 1, "unbounded"))
	}
	if s.ShutdownTimeoutSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "server.shutdown_timeout_sec",
			Message: "shutdown timeout cannot be negative",
		})
	}
	if s.MaxBodyBytes < 1024 {
		errs = append(errs, ValidationError{
			Field:   "server.max_body_bytes",
			Message: "max body size must be at least 1024 bytes",
		})
	}
	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	switch s.HistoryBackend {
	case BackendSQLite, BackendDynamoDB:
	default:
		errs = append(errs, ValidationError{
			Field:   "storage.history_backend",
			Message: fmt.Sprintf("invalid history backend: %s (valid: sqlite, dynamodb)", s.HistoryBackend),
		})
	}

	if s.Path == "" {
		errs = append(errs, RequiredFieldError("storage.path"))
	} else {
		dir := filepath.Dir(expandPath(s.Path))
		if info, err := os.Stat(dir); err == nil && !info.IsDir() {
			errs = append(errs, ValidationError{
				Field:   "storage.path",
				Message: fmt.Sprintf("parent path is not a directory: %s", dir),
			})
		}
	}

	if s.LedgerSecret == "" && s.LedgerSecretFile == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.ledger_secret_file",
			Message: "a ledger secret or secret file is required",
		})
	}
	return errs
}

func validateEngine(e *EngineConfig) ValidationErrors {
	var errs ValidationErrors

	if e.CheckTimeoutMs < 1 {
		errs = append(errs, RangeError("engine.check_timeout_ms", 1, "unbounded"))
	}
	if e.BiometricTimeoutMs < 1 {
		errs = append(errs, RangeError("engine.biometric_timeout_ms", 1, "unbounded"))
	}
	if e.HistoryWindow < 2 || e.HistoryWindow > 1000 {
		errs = append(errs, RangeError("engine.history_window", 2, 1000))
	}
	return errs
}

func validateBiometric(b *BiometricConfig, d *DirectoryConfig) ValidationErrors {
	var errs ValidationErrors

	if !b.Enabled {
		return errs
	}
	if !isValidURL(b.URL) {
		errs = append(errs, ValidationError{
			Field:   "biometric.url",
			Message: fmt.Sprintf("invalid URL: %q", b.URL),
		})
	}
	if b.TimeoutMs < 1 {
		errs = append(errs, RangeError("biometric.timeout_ms", 1, "unbounded"))
	}
	if d.Bucket == "" {
		errs = append(errs, ValidationError{
			Field:   "directory.bucket",
			Message: "reference image bucket is required when biometric matching is enabled",
		})
	}
	return errs
}

func validateGeoIP(g *GeoIPConfig) ValidationErrors {
	var errs ValidationErrors

	if g.CacheTTLSec < 0 {
		errs = append(errs, ValidationError{
			Field:   "geoip.cache_ttl_sec",
			Message: "cache TTL cannot be negative",
		})
	}
	return errs
}

func validateRedis(r *RedisConfig) ValidationErrors {
	var errs ValidationErrors

	if !r.Enabled() {
		return errs
	}
	if _, _, err := net.SplitHostPort(r.Addr); err != nil {
		errs = append(errs, ValidationError{
			Field:   "redis.addr",
			Message: fmt.Sprintf("invalid address %q: %v", r.Addr, err),
		})
	}
	if r.DB < 0 || r.DB > 15 {
		errs = append(errs, RangeError("redis.db", 0, 15))
	}
	if r.HistoryTTLSec < 1 {
		errs = append(errs, RangeError("redis.history_ttl_sec", 1, "unbounded"))
	}
	return errs
}

func validateKafka(k *KafkaConfig) ValidationErrors {
	var errs ValidationErrors

	if !k.Enabled() {
		return errs
	}
	for i, broker := range k.Brokers {
		if _, _, err := net.SplitHostPort(broker); err != nil {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("kafka.brokers[%d]", i),
				Message: fmt.Sprintf("invalid broker address %q", broker),
			})
		}
	}
	if k.Topic == "" {
		errs = append(errs, RequiredFieldError("kafka.topic"))
	}
	if k.WriteTimeoutMs < 1 {
		errs = append(errs, RangeError("kafka.write_timeout_ms", 1, "unbounded"))
	}
	return errs
}

func validateDynamoDB(d *DynamoDBConfig) ValidationErrors {
	var errs ValidationErrors

	if d.Table == "" {
		errs = append(errs, RequiredFieldError("dynamodb.table"))
	}
	if d.TTLHours < 0 {
		errs = append(errs, ValidationError{
			Field:   "dynamodb.ttl_hours",
			Message: "TTL cannot be negative",
		})
	}
	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if m.Enabled && !strings.HasPrefix(m.Path, "/") {
		errs = append(errs, ValidationError{
			Field:   "metrics.path",
			Message: fmt.Sprintf("path must start with '/': %q", m.Path),
		})
	}
	return errs
}

func validateRateLimit(r *RateLimitConfig) ValidationErrors {
	var errs ValidationErrors

	if !r.Enabled {
		return errs
	}
	if r.RequestsPerMinute <= 0 {
		errs = append(errs, ValidationError{
			Field:   "rate_limit.requests_per_minute",
			Message: "rate must be positive when rate limiting is enabled",
		})
	}
	if r.Burst < 1 {
		errs = append(errs, RangeError("rate_limit.burst", 1, "unbounded"))
	}
	if r.IdleTTLSec < 1 {
		errs = append(errs, RangeError("rate_limit.idle_ttl_sec", 1, "unbounded"))
	}
	return errs
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isValidURL(rawURL string) bool {
	if rawURL == "" {
		return false
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) ValidationError {
	return ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) ValidationError {
	return ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
