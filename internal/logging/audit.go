package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditVerification      AuditEventType = "verification"
	AuditViolationRecorded AuditEventType = "violation_recorded"
	AuditViolationResolved AuditEventType = "violation_resolved"
	AuditFailOpen          AuditEventType = "fail_open"
	AuditRateLimited       AuditEventType = "rate_limited"
	AuditLedgerVerified    AuditEventType = "ledger_verified"
	AuditConfigChange      AuditEventType = "config_change"
	AuditStartup           AuditEventType = "startup"
	AuditShutdown          AuditEventType = "shutdown"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	SubjectID string         `json:"subject_id,omitempty"`
	ActorID   string         `json:"actor_id,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditConfig holds configuration for the audit logger.
type AuditConfig struct {
	// Writer overrides the file when set.
	Writer io.Writer

	FilePath   string
	MaxSizeMB  int64
	MaxBackups int
	Compress   bool
	Component  string
}

// AuditLogger appends JSON audit events to a rotated file.
type AuditLogger struct {
	component string
	w         io.Writer
	rotator   *FileRotator
	mu        sync.Mutex
	now       func() time.Time
}

// NewAuditLogger creates an AuditLogger.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	a := &AuditLogger{component: cfg.Component, now: time.Now}
	if a.component == "" {
		a.component = "geoattest"
	}
	if cfg.Writer != nil {
		a.w = cfg.Writer
		return a, nil
	}

	r, err := NewFileRotator(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxBackups, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}
	a.w = r
	a.rotator = r
	return a, nil
}

// Log writes an audit event. A nil AuditLogger discards events.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogVerification records the outcome of one verification.
func (a *AuditLogger) LogVerification(ctx context.Context, subjectID, action string, score int, failOpen bool) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditVerification,
		SubjectID: subjectID,
		Action:    "location_verified",
		Result:    ResultSuccess,
		Details: map[string]any{
			"action":    action,
			"score":     score,
			"fail_open": failOpen,
		},
	})
}

// LogViolationRecorded records a new ledger entry.
func (a *AuditLogger) LogViolationRecorded(ctx context.Context, subjectID, violationID, violationType string, score int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditViolationRecorded,
		SubjectID: subjectID,
		Action:    "violation_recorded",
		Resource:  violationID,
		Result:    ResultSuccess,
		Details: map[string]any{
			"type":  violationType,
			"score": score,
		},
	})
}

// LogViolationResolved records a resolution attempt.
func (a *AuditLogger) LogViolationResolved(ctx context.Context, violationID, resolverID string, err error) error {
	event := AuditEvent{
		EventType: AuditViolationResolved,
		ActorID:   resolverID,
		Action:    "violation_resolved",
		Resource:  violationID,
		Result:    ResultSuccess,
	}
	if err != nil {
		event.Result = ResultFailure
		event.Error = err.Error()
	}
	return a.Log(ctx, event)
}

// LogFailOpen records a verification that was allowed because the verifier
// itself failed.
func (a *AuditLogger) LogFailOpen(ctx context.Context, subjectID string, cause error) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditFailOpen,
		SubjectID: subjectID,
		Action:    "verification_failed_open",
		Result:    ResultFailure,
		Error:     cause.Error(),
	})
}

// LogRateLimited records a rejected request.
func (a *AuditLogger) LogRateLimited(ctx context.Context, subjectID, remoteAddr string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditRateLimited,
		SubjectID: subjectID,
		Action:    "verify_rejected",
		Result:    ResultDenied,
		Details:   map[string]any{"remote_addr": remoteAddr},
	})
}

// LogLedgerVerified records a ledger chain walk.
func (a *AuditLogger) LogLedgerVerified(ctx context.Context, records int64, err error) error {
	event := AuditEvent{
		EventType: AuditLedgerVerified,
		Action:    "ledger_verified",
		Result:    ResultSuccess,
		Details:   map[string]any{"records": records},
	}
	if err != nil {
		event.Result = ResultFailure
		event.Error = err.Error()
	}
	return a.Log(ctx, event)
}

// LogConfigChange records a configuration reload.
func (a *AuditLogger) LogConfigChange(ctx context.Context, path string, err error) error {
	event := AuditEvent{
		EventType: AuditConfigChange,
		Action:    "config_reloaded",
		Resource:  path,
		Result:    ResultSuccess,
	}
	if err != nil {
		event.Result = ResultFailure
		event.Error = err.Error()
	}
	return a.Log(ctx, event)
}

// LogStartup records daemon startup.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditStartup,
		Action:    "daemon_started",
		Result:    ResultSuccess,
		Details:   details,
	})
}

// LogShutdown records daemon shutdown.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditShutdown,
		Action:    "daemon_stopped",
		Result:    ResultSuccess,
		Details:   map[string]any{"reason": reason},
	})
}

// Close closes the audit file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.rotator == nil {
		return nil
	}
	return a.rotator.Close()
}
