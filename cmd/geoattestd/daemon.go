package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"geoattest/internal/api"
	"geoattest/internal/biometric"
	"geoattest/internal/checks"
	"geoattest/internal/config"
	"geoattest/internal/events"
	"geoattest/internal/geo"
	"geoattest/internal/health"
	"geoattest/internal/logging"
	"geoattest/internal/metrics"
	"geoattest/internal/security"
	"geoattest/internal/store"
	"geoattest/internal/verify"
)

const (
	startupTimeout = 15 * time.Second
	uptimeInterval = 15 * time.Second
	sweepInterval  = time.Minute
)

// Daemon owns every long-lived component of geoattestd.
type Daemon struct {
	version string
	loader  *config.Loader

	logger  *logging.Logger
	audit   *logging.AuditLogger
	store   *store.Store
	redis   *redis.Client
	geoip   *geo.Resolver
	kafka   *events.KafkaPublisher
	limiter *security.KeyedLimiter
	metrics *metrics.VerifierMetrics
	server  *api.Server

	ctx    context.Context
	cancel context.CancelFunc
	done   chan error
}

// NewDaemon creates a daemon for the configuration held by loader.
func NewDaemon(version string, loader *config.Loader) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())
	return &Daemon{
		version: version,
		loader:  loader,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan error, 1),
	}
}

// Done delivers the listener's exit error.
func (d *Daemon) Done() <-chan error {
	return d.done
}

// Start opens storage and the optional backends, then starts serving.
func (d *Daemon) Start() error {
	cfg := d.loader.Config()
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	d.logger = logger
	logging.SetDefault(logger)

	if cfg.Logging.AuditPath != "" {
		d.audit, err = logging.NewAuditLogger(logging.AuditConfig{
			FilePath:   cfg.Logging.AuditPath,
			MaxSizeMB:  int64(cfg.Logging.MaxSizeMB),
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
			Component:  "geoattestd",
		})
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(d.ctx, startupTimeout)
	defer cancel()

	key, err := cfg.LedgerKey()
	if err != nil {
		return err
	}
	d.store, err = store.Open(cfg.Storage.Path, key)
	switch {
	case errors.Is(err, store.ErrIntegrity) && d.store != nil:
		// Keep serving reads; the engine fails open on ledger writes.
		d.logger.Error("violation ledger failed verification on open; writes are refused until repaired",
			"path", cfg.Storage.Path, "error", err)
		_ = d.audit.LogLedgerVerified(ctx, 0, err)
	case err != nil:
		return fmt.Errorf("open store: %w", err)
	}

	if cfg.Redis.Enabled() {
		d.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	history, err := d.openHistory(ctx, cfg)
	if err != nil {
		return err
	}

	var directory checks.Directory
	var matcher checks.Matcher
	if cfg.Biometric.Enabled {
		creds, err := biometric.GetCredentials(cfg.Biometric.Token)
		if err != nil {
			return fmt.Errorf("matcher credentials: %w", err)
		}
		dir, err := biometric.OpenS3Directory(ctx, cfg.Directory.Region, cfg.Directory.Bucket, cfg.Directory.Prefix)
		if err != nil {
			return fmt.Errorf("open reference directory: %w", err)
		}
		directory = dir
		matcher = biometric.NewClient(cfg.Biometric.URL, creds.Token, biometric.WithTimeout(cfg.Biometric.Timeout()))
		d.logger.Info("biometric matching enabled", "matcher", cfg.Biometric.URL, "token_source", creds.Source)
	}

	var publisher verify.Publisher
	if cfg.Kafka.Enabled() {
		d.kafka, err = events.NewKafkaPublisher(events.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			ClientID:     cfg.Kafka.ClientID,
			WriteTimeout: cfg.Kafka.WriteTimeout(),
		})
		if err != nil {
			return fmt.Errorf("kafka publisher: %w", err)
		}
		publisher = d.kafka
	}

	var resolver api.IPResolver
	if cfg.GeoIP.DatabasePath != "" {
		var cache geo.Cache
		if d.redis != nil {
			cache = geo.NewRedisCache(d.redis, cfg.GeoIP.CacheTTL())
		}
		d.geoip, err = geo.OpenResolver(cfg.GeoIP.DatabasePath, cache)
		if err != nil {
			return fmt.Errorf("open geoip database: %w", err)
		}
		resolver = d.geoip
	}

	registry := metrics.NewRegistry("geoattest")
	d.metrics = metrics.NewVerifierMetrics(registry)
	if st, err := d.store.Stats(ctx); err == nil {
		d.metrics.UnresolvedViolations.Set(st.UnresolvedViolations)
	} else {
		d.logger.Warn("could not read store stats", "error", err)
	}

	checker := d.healthChecker(cfg)

	engine, err := verify.New(verify.Options{
		Checks:           verify.DefaultChecks(history, directory, matcher, checks.SystemClock{}, cfg.Engine.HistoryWindow),
		History:          history,
		Ledger:           d.store,
		Publisher:        publisher,
		Logger:           d.logger,
		Audit:            d.audit,
		Metrics:          d.metrics,
		CheckTimeout:     cfg.Engine.CheckTimeout(),
		BiometricTimeout: cfg.Engine.BiometricTimeout(),
	})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}

	var limiter *security.KeyedLimiter
	if cfg.RateLimit.Enabled {
		d.limiter = security.NewKeyedLimiter(cfg.RateLimit.Rate(), cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL())
		go d.limiter.Run(d.ctx, sweepInterval)
		limiter = d.limiter
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Path
	}

	d.server, err = api.NewServer(api.Options{
		Verifier:     engine,
		Ledger:       d.store,
		History:      history,
		Resolver:     resolver,
		Limiter:      limiter,
		Health:       checker,
		Metrics:      d.metrics,
		MetricsPath:  metricsPath,
		Logger:       d.logger,
		Audit:        d.audit,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	d.watchConfig()
	go d.tickUptime()

	go func() {
		err := d.server.ListenAndServe(api.ListenConfig{
			Addr:         cfg.Server.ListenAddr,
			ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
			WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		})
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		d.done <- err
	}()

	checker.SetReady(true)
	d.logger.Info("geoattestd started",
		"version", d.version,
		"listen", cfg.Server.ListenAddr,
		"history_backend", cfg.Storage.HistoryBackend,
		"biometric", cfg.Biometric.Enabled,
		"kafka", cfg.Kafka.Enabled(),
		"redis", cfg.Redis.Enabled(),
		"geoip", cfg.GeoIP.DatabasePath != "")
	_ = d.audit.LogStartup(d.ctx, d.version, map[string]any{
		"listen":          cfg.Server.ListenAddr,
		"config":          d.loader.Path(),
		"history_backend": cfg.Storage.HistoryBackend,
		"ledger_ok":       d.store.IntegrityOK(),
	})
	return nil
}

// openHistory builds the history backend, fronted by Redis when configured.
func (d *Daemon) openHistory(ctx context.Context, cfg *config.Config) (store.HistoryStore, error) {
	var history store.HistoryStore = d.store
	if cfg.Storage.HistoryBackend == config.BackendDynamoDB {
		dyn, err := store.OpenDynamoHistory(ctx, cfg.DynamoDB.Region, cfg.DynamoDB.Table, cfg.DynamoDB.TTL())
		if err != nil {
			return nil, fmt.Errorf("open dynamodb history: %w", err)
		}
		history = dyn
	}
	if d.redis != nil {
		history = store.NewCachedHistory(history, d.redis, cfg.Redis.HistoryTTL())
	}
	return history, nil
}

func (d *Daemon) healthChecker(cfg *config.Config) *health.Checker {
	checker := health.NewChecker()
	checker.RegisterFunc("database", true, health.DatabaseCheck(d.store.Ping))
	checker.RegisterFunc("ledger", true, health.LedgerCheck(d.store.IntegrityOK))
	if d.redis != nil {
		checker.RegisterFunc("redis", false, health.RedisCheck(d.redis))
	}
	if cfg.Kafka.Enabled() {
		checker.RegisterFunc("kafka", false, health.KafkaCheck(cfg.Kafka.Brokers))
	}
	return checker
}

// watchConfig applies the settings that can change without a restart: the
// log level and the rate limits.
func (d *Daemon) watchConfig() {
	d.loader.OnChange(func(old, cfg *config.Config) {
		if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
			d.logger.SetLevel(level)
		}
		if d.limiter != nil {
			d.limiter.SetLimits(cfg.RateLimit.Rate(), cfg.RateLimit.Burst)
		}
		if old.Server.ListenAddr != cfg.Server.ListenAddr || old.Storage != cfg.Storage {
			d.logger.Warn("listener and storage changes take effect after restart")
		}
		d.logger.Info("configuration reloaded", "path", d.loader.Path())
		_ = d.audit.LogConfigChange(d.ctx, d.loader.Path(), nil)
	})

	if err := d.loader.Watch(); err != nil {
		d.logger.Warn("config hot reload disabled", "error", err)
		return
	}

	go func() {
		for {
			select {
			case <-d.ctx.Done():
				return
			case err, ok := <-d.loader.Errors():
				if !ok {
					return
				}
				d.logger.Error("config reload rejected; keeping previous configuration", "error", err)
				_ = d.audit.LogConfigChange(d.ctx, d.loader.Path(), err)
			}
		}
	}()
}

func (d *Daemon) tickUptime() {
	ticker := time.NewTicker(uptimeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.metrics.UpdateUptime()
		}
	}
}

// Stop shuts the listener down gracefully and releases every backend.
// It is safe to call on a partially started daemon.
func (d *Daemon) Stop(reason string) {
	cfg := d.loader.Config()
	timeout := time.Duration(cfg.Server.ShutdownTimeoutSec) * time.Second

	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := d.server.Shutdown(ctx); err != nil && d.logger != nil {
			d.logger.Error("shutdown", "error", err)
		}
		cancel()
	}
	d.cancel()
	_ = d.loader.Close()

	if d.kafka != nil {
		_ = d.kafka.Close()
	}
	if d.geoip != nil {
		_ = d.geoip.Close()
	}
	if d.redis != nil {
		_ = d.redis.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}

	_ = d.audit.LogShutdown(context.Background(), reason)
	_ = d.audit.Close()
	if d.logger != nil {
		d.logger.Info("geoattestd stopped", "reason", reason)
		_ = d.logger.Close()
	}
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	return logging.New(&logging.Config{
		Level:      level,
		Format:     format,
		Output:     cfg.Logging.Output,
		FilePath:   cfg.Logging.FilePath,
		MaxSizeMB:  int64(cfg.Logging.MaxSizeMB),
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
}
