package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"geoattest/internal/checks"
	"geoattest/internal/logging"
	"geoattest/internal/metrics"
	"geoattest/internal/store"
)

// Default per-check time limits.
const (
	DefaultCheckTimeout     = 10 * time.Second
	DefaultBiometricTimeout = 5 * time.Second
)

// ErrInvalidRequest marks input rejected at the boundary. Such requests are
// never evaluated.
var ErrInvalidRequest = errors.New("invalid verification request")

// Ledger persists violation records.
type Ledger interface {
	InsertViolation(ctx context.Context, rec *store.ViolationRecord) error
}

// Publisher announces persisted violation records.
type Publisher interface {
	PublishViolation(ctx context.Context, rec *store.ViolationRecord) error
}

// Options configures an Engine.
type Options struct {
	// Checks is the check table. It must hold exactly one check per name in
	// checks.Names.
	Checks []checks.Check

	History   store.HistoryStore
	Ledger    Ledger
	Publisher Publisher

	// Aggregate defaults to Aggregate.
	Aggregate AggregateFunc

	Clock   checks.Clock
	Logger  *logging.Logger
	Audit   *logging.AuditLogger
	Metrics *metrics.VerifierMetrics

	CheckTimeout     time.Duration
	BiometricTimeout time.Duration
}

// Engine evaluates verification attempts.
type Engine struct {
	checks    []checks.Check
	history   store.HistoryStore
	ledger    Ledger
	publisher Publisher
	aggregate AggregateFunc
	clock     checks.Clock
	logger    *logging.Logger
	audit     *logging.AuditLogger
	metrics   *metrics.VerifierMetrics

	checkTimeout     time.Duration
	biometricTimeout time.Duration
}

// DefaultChecks builds the standard check table.
func DefaultChecks(history checks.HistoryReader, directory checks.Directory, matcher checks.Matcher, clock checks.Clock, movementWindow int) []checks.Check {
	return []checks.Check{
		checks.MockLocationCheck{},
		checks.DeviceIntegrityCheck{},
		checks.NewSpeedCheck(history),
		checks.NetworkCheck{},
		checks.SatelliteCheck{},
		checks.NewAppStateCheck(clock),
		checks.NewBiometricCheck(directory, matcher, clock),
		checks.NewMovementCheck(history, movementWindow),
	}
}

// New creates an Engine.
func New(opts Options) (*Engine, error) {
	if opts.History == nil {
		return nil, errors.New("verify: history store required")
	}
	if opts.Ledger == nil {
		return nil, errors.New("verify: ledger required")
	}
	if err := validateTable(opts.Checks); err != nil {
		return nil, err
	}

	e := &Engine{
		checks:           opts.Checks,
		history:          opts.History,
		ledger:           opts.Ledger,
		publisher:        opts.Publisher,
		aggregate:        opts.Aggregate,
		clock:            opts.Clock,
		logger:           opts.Logger,
		audit:            opts.Audit,
		metrics:          opts.Metrics,
		checkTimeout:     opts.CheckTimeout,
		biometricTimeout: opts.BiometricTimeout,
	}
	if e.aggregate == nil {
		e.aggregate = Aggregate
	}
	if e.clock == nil {
		e.clock = checks.SystemClock{}
	}
	if e.logger == nil {
		e.logger = logging.Default()
	}
	e.logger = e.logger.WithComponent("verify")
	if e.checkTimeout <= 0 {
		e.checkTimeout = DefaultCheckTimeout
	}
	if e.biometricTimeout <= 0 {
		e.biometricTimeout = DefaultBiometricTimeout
	}
	return e, nil
}

func validateTable(table []checks.Check) error {
	seen := make(map[checks.Name]bool, len(table))
	for _, c := range table {
		if c == nil {
			return errors.New("verify: nil check in table")
		}
		if seen[c.Name()] {
			return fmt.Errorf("verify: duplicate check %s", c.Name())
		}
		seen[c.Name()] = true
	}
	for _, name := range checks.Names {
		if !seen[name] {
			return fmt.Errorf("verify: missing check %s", name)
		}
	}
	if len(seen) != len(checks.Names) {
		return errors.New("verify: unknown check in table")
	}
	return nil
}

// ValidateRequest rejects requests that cannot be evaluated at all.
func ValidateRequest(req *checks.Request) error {
	if req == nil {
		return fmt.Errorf("%w: empty request", ErrInvalidRequest)
	}
	if strings.TrimSpace(req.SubjectID) == "" {
		return fmt.Errorf("%w: subject_id is required", ErrInvalidRequest)
	}
	if !req.ActionType.Valid() {
		return fmt.Errorf("%w: unknown action_type %q", ErrInvalidRequest, req.ActionType)
	}
	if p := req.Primary; p != nil {
		if !p.Point().Valid() {
			return fmt.Errorf("%w: primary coordinate out of range", ErrInvalidRequest)
		}
		if p.Accuracy != nil && *p.Accuracy < 0 {
			return fmt.Errorf("%w: primary accuracy must not be negative", ErrInvalidRequest)
		}
	}
	if n := req.Network; n != nil && !n.Point().Valid() {
		return fmt.Errorf("%w: network coordinate out of range", ErrInvalidRequest)
	}
	if ip := req.IP; ip.HasCoordinates() && !ip.Point().Valid() {
		return fmt.Errorf("%w: ip coordinate out of range", ErrInvalidRequest)
	}
	if b := req.BiometricCapture; b != nil && len(b.Image) == 0 {
		return fmt.Errorf("%w: biometric_capture.image is empty", ErrInvalidRequest)
	}
	return nil
}

// Verify evaluates req. It only returns an error for input rejected by
// ValidateRequest; any failure inside the verifier yields a fail-open ALLOW
// verdict instead.
func (e *Engine) Verify(ctx context.Context, req *checks.Request) (Verdict, error) {
	if err := ValidateRequest(req); err != nil {
		return Verdict{}, err
	}

	start := time.Now()
	log := e.logger.WithContext(ctx).WithSubject(req.SubjectID)

	verdict, err := e.safeEvaluate(ctx, req, log)
	if err != nil {
		verdict = e.failOpen(ctx, req, log, err)
	}

	e.metrics.RecordVerification(string(verdict.Action), time.Since(start))
	e.audit.LogVerification(ctx, req.SubjectID, string(verdict.Action), verdict.Score, verdict.FailOpen)
	log.Info("verification complete",
		"action_type", string(req.ActionType),
		"score", verdict.Score,
		"action", string(verdict.Action),
		"violations", len(verdict.Violations),
		"fail_open", verdict.FailOpen,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return verdict, nil
}

func (e *Engine) safeEvaluate(ctx context.Context, req *checks.Request, log *logging.Logger) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("verifier panic: %v", r)
		}
	}()
	return e.evaluate(ctx, req, log)
}

func (e *Engine) evaluate(ctx context.Context, in *checks.Request, log *logging.Logger) (Verdict, error) {
	req := normalize(in, e.clock.Now())

	results := e.runChecks(ctx, req, log)

	verdict, err := e.aggregate(results)
	if err != nil {
		return Verdict{}, fmt.Errorf("aggregate results: %w", err)
	}

	if sample, ok := req.Sample(); ok {
		prev, err := e.history.LatestHistory(ctx, req.SubjectID)
		if err != nil {
			return Verdict{}, fmt.Errorf("load latest history: %w", err)
		}
		entry := checks.Derive(sample, prev)
		if err := e.history.AppendHistory(ctx, &entry); err != nil {
			return Verdict{}, fmt.Errorf("append history: %w", err)
		}
	} else {
		log.Warn("no primary location; history not updated")
	}

	if needsRecord(verdict) {
		rec, err := e.record(ctx, req, results, verdict)
		if err != nil {
			return Verdict{}, err
		}
		verdict.ViolationID = rec.ID
		e.publish(ctx, rec, log)
	}
	return verdict, nil
}

// normalize returns a copy of req with a capture time on the primary fix.
func normalize(req *checks.Request, now time.Time) *checks.Request {
	out := *req
	if req.Primary != nil && req.Primary.CapturedAt.IsZero() {
		p := *req.Primary
		p.CapturedAt = now
		out.Primary = &p
	}
	return &out
}

type checkOutcome struct {
	result checks.Result
	err    error
}

// runChecks evaluates every check concurrently and waits for all of them.
// A check that errors, panics or exceeds its time limit contributes a
// neutral result.
func (e *Engine) runChecks(ctx context.Context, req *checks.Request, log *logging.Logger) []checks.Result {
	results := make([]checks.Result, len(e.checks))
	done := make(chan struct{}, len(e.checks))

	for i, c := range e.checks {
		go func(i int, c checks.Check) {
			defer func() { done <- struct{}{} }()
			results[i] = e.runCheck(ctx, c, req, log)
		}(i, c)
	}
	for range e.checks {
		<-done
	}
	return results
}

func (e *Engine) runCheck(ctx context.Context, c checks.Check, req *checks.Request, log *logging.Logger) checks.Result {
	name := c.Name()
	timeout := e.checkTimeout
	if name == checks.CheckBiometric {
		timeout = e.biometricTimeout
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan checkOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- checkOutcome{err: fmt.Errorf("check panicked: %v", r)}
			}
		}()
		res, err := c.Evaluate(checkCtx, req)
		ch <- checkOutcome{result: res, err: err}
	}()

	var out checkOutcome
	select {
	case out = <-ch:
	case <-checkCtx.Done():
		out = checkOutcome{err: fmt.Errorf("check timed out: %w", checkCtx.Err())}
	}

	if name == checks.CheckBiometric && req.BiometricCapture != nil {
		e.metrics.RecordBiometric(time.Since(start), out.err)
	}
	if out.err != nil {
		e.metrics.RecordCheckFailure(string(name))
		log.Warn("check failed; using neutral result", "check", string(name), "error", out.err)
		return checks.NeutralResult(name, out.err.Error())
	}

	res := out.result
	res.Check = name
	res.Score = checks.Clamp(res.Score)
	return res
}

func (e *Engine) record(ctx context.Context, req *checks.Request, results []checks.Result, v Verdict) (*store.ViolationRecord, error) {
	snapshot, err := store.NewCheckSnapshot(results)
	if err != nil {
		return nil, fmt.Errorf("build snapshot: %w", err)
	}

	rec := &store.ViolationRecord{
		SubjectID:  req.SubjectID,
		ActionType: req.ActionType,
		Type:       recordType(results, v.Violations),
		Score:      v.Score,
		Action:     v.Action.Taken(),
		Snapshot:   snapshot,
		Violations: v.Violations,
		CreatedAt:  e.clock.Now(),
	}
	if req.Primary != nil {
		p := req.Primary.Point()
		rec.Location = &p
	}

	if err := e.ledger.InsertViolation(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert violation: %w", err)
	}
	e.metrics.RecordViolation()
	e.audit.LogViolationRecorded(ctx, rec.SubjectID, rec.ID, string(rec.Type), rec.Score)
	return rec, nil
}

func (e *Engine) publish(ctx context.Context, rec *store.ViolationRecord, log *logging.Logger) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishViolation(ctx, rec); err != nil {
		e.metrics.RecordPublishFailure()
		log.Error("publish violation", "violation_id", rec.ID, "error", err)
	}
}

func (e *Engine) failOpen(ctx context.Context, req *checks.Request, log *logging.Logger, cause error) Verdict {
	e.metrics.RecordFailOpen()
	e.audit.LogFailOpen(ctx, req.SubjectID, cause)
	log.Error("verification failed open", "error", cause)
	return Verdict{
		Score:      FailOpenScore,
		Action:     ActionAllow,
		Message:    MessageFailOpen,
		Violations: []checks.Violation{},
		Breakdown:  map[checks.Name]CheckBreakdown{},
		FailOpen:   true,
	}
}
