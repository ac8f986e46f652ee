// Package api exposes the verification engine and the violation ledger over
// HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"geoattest/internal/checks"
	"geoattest/internal/geo"
	"geoattest/internal/health"
	"geoattest/internal/logging"
	"geoattest/internal/metrics"
	"geoattest/internal/security"
	"geoattest/internal/store"
	"geoattest/internal/verify"
)

// RequestIDHeader carries the request id in both directions.
const RequestIDHeader = "X-Request-ID"

// DefaultMaxBodyBytes bounds a request body when Options leaves it unset.
const DefaultMaxBodyBytes = 8 << 20

// Verifier evaluates one request.
type Verifier interface {
	Verify(ctx context.Context, req *checks.Request) (verify.Verdict, error)
}

// Ledger is the review side of the violation store.
type Ledger interface {
	GetViolation(ctx context.Context, id string) (*store.ViolationRecord, error)
	ListViolations(ctx context.Context, f store.ViolationFilter) ([]store.ViolationRecord, error)
	ResolveViolation(ctx context.Context, id, resolverID, notes string, at time.Time) (*store.ViolationRecord, error)
}

// HistoryReader lists a subject's recent samples, oldest first.
type HistoryReader interface {
	RecentHistory(ctx context.Context, subjectID string, limit int) ([]checks.HistoryEntry, error)
}

// IPResolver fills IP coordinates from an address.
type IPResolver interface {
	Lookup(ctx context.Context, ip string) (*geo.IPLocation, error)
}

// Options wires the server's collaborators. Verifier, Ledger and History
// are required.
type Options struct {
	Verifier Verifier
	Ledger   Ledger
	History  HistoryReader

	// Resolver is optional; without it IP coordinates are only taken from
	// the request.
	Resolver IPResolver

	// Limiter is optional; nil disables per-subject rate limiting.
	Limiter *security.KeyedLimiter

	Health      *health.Checker
	Metrics     *metrics.VerifierMetrics
	MetricsPath string

	Logger *logging.Logger
	Audit  *logging.AuditLogger

	MaxBodyBytes int64
	Now          func() time.Time
}

// Server is the HTTP surface.
type Server struct {
	router *mux.Router

	mu         sync.Mutex
	httpServer *http.Server

	verifier  Verifier
	ledger    Ledger
	history   HistoryReader
	resolver  IPResolver
	limiter   *security.KeyedLimiter
	validator *RequestValidator
	health    *health.Checker
	metrics   *metrics.VerifierMetrics
	logger    *logging.Logger
	audit     *logging.AuditLogger
	maxBody   int64
	now       func() time.Time
}

// NewServer builds the router.
func NewServer(opts Options) (*Server, error) {
	if opts.Verifier == nil || opts.Ledger == nil || opts.History == nil {
		return nil, errors.New("api: verifier, ledger and history are required")
	}
	validator, err := NewRequestValidator()
	if err != nil {
		return nil, err
	}

	s := &Server{
		verifier:  opts.Verifier,
		ledger:    opts.Ledger,
		history:   opts.History,
		resolver:  opts.Resolver,
		limiter:   opts.Limiter,
		validator: validator,
		health:    opts.Health,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		audit:     opts.Audit,
		maxBody:   opts.MaxBodyBytes,
		now:       opts.Now,
	}
	if s.logger == nil {
		s.logger = logging.Default()
	}
	s.logger = s.logger.WithComponent("api")
	if s.maxBody <= 0 {
		s.maxBody = DefaultMaxBodyBytes
	}
	if s.now == nil {
		s.now = time.Now
	}

	s.router = mux.NewRouter()
	s.router.Use(s.requestID, s.recoverPanic)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/verify", s.handleVerify).Methods(http.MethodPost)
	v1.HandleFunc("/violations", s.handleListViolations).Methods(http.MethodGet)
	v1.HandleFunc("/violations/{id}", s.handleGetViolation).Methods(http.MethodGet)
	v1.HandleFunc("/violations/{id}/resolve", s.handleResolve).Methods(http.MethodPost)
	v1.HandleFunc("/history/{subject}", s.handleHistory).Methods(http.MethodGet)

	if s.health != nil {
		s.router.Handle("/healthz", s.health.LivenessHandler()).Methods(http.MethodGet)
		s.router.Handle("/readyz", s.health.ReadinessHandler()).Methods(http.MethodGet)
		s.router.Handle("/health", s.health.HealthHandler()).Methods(http.MethodGet)
	}
	if s.metrics != nil {
		path := opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		s.router.Handle(path, s.metrics.Registry().HTTPHandler()).Methods(http.MethodGet)
	}

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found", nil)
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed", nil)
	})
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenConfig holds listener settings.
type ListenConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// ListenAndServe serves until Shutdown is called.
func (s *Server) ListenAndServe(cfg ListenConfig) error {
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.router,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       2 * cfg.ReadTimeout,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.logger.Info("starting server", "addr", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	s.logger.Info("shutting down server")
	return srv.Shutdown(ctx)
}

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.ContextWithRequestID(r.Context(), id)))
	})
}

func (s *Server) recoverPanic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if p := recover(); p != nil {
				s.logger.WithContext(r.Context()).Error("handler panic",
					"method", r.Method, "path", r.URL.Path, "panic", fmt.Sprint(p))
				writeError(w, r, http.StatusInternalServerError, "internal error", nil)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
