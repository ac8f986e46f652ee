// Package store provides SQLite-based history and violation storage for geoattest.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"geoattest/internal/checks"
	"geoattest/internal/geo"
)

// Errors
var (
	ErrNotFound        = errors.New("store: record not found")
	ErrAlreadyResolved = errors.New("store: violation already resolved")
	ErrIntegrity       = errors.New("store: ledger integrity compromised")
	ErrSnapshot        = errors.New("store: incomplete check snapshot")
)

// ActionTaken is the enforcement applied to an attempt.
type ActionTaken string

const (
	ActionAllowed ActionTaken = "ALLOWED"
	ActionFlagged ActionTaken = "FLAGGED"
	ActionBlocked ActionTaken = "BLOCKED"
)

// Valid reports whether a is a known action.
func (a ActionTaken) Valid() bool {
	switch a {
	case ActionAllowed, ActionFlagged, ActionBlocked:
		return true
	}
	return false
}

// CheckOutcome is the persisted result of one check.
type CheckOutcome struct {
	Score      int                `json:"score"`
	Passed     bool               `json:"passed"`
	Neutral    bool               `json:"neutral"`
	Violations []checks.Violation `json:"violations"`
}

// UnmarshalJSON requires score and passed to be present.
func (o *CheckOutcome) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, key := range []string{"score", "passed"} {
		if _, ok := raw[key]; !ok {
			return fmt.Errorf("%w: outcome missing %q", ErrSnapshot, key)
		}
	}

	type plain CheckOutcome
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*o = CheckOutcome(p)
	return nil
}

// CheckSnapshot holds all eight check outcomes. Every field is mandatory:
// decoding fails if any check is missing rather than defaulting to passed.
type CheckSnapshot struct {
	MockLocation    CheckOutcome `json:"mock_location"`
	DeviceIntegrity CheckOutcome `json:"device_integrity"`
	Speed           CheckOutcome `json:"speed"`
	Network         CheckOutcome `json:"network_consistency"`
	Satellite       CheckOutcome `json:"satellite"`
	AppState        CheckOutcome `json:"app_state"`
	Biometric       CheckOutcome `json:"biometric"`
	Movement        CheckOutcome `json:"movement_pattern"`
}

// UnmarshalJSON rejects snapshots that omit a check.
func (s *CheckSnapshot) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for _, name := range checks.Names {
		if _, ok := raw[string(name)]; !ok {
			return fmt.Errorf("%w: missing %s", ErrSnapshot, name)
		}
	}

	type plain CheckSnapshot
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = CheckSnapshot(p)
	return nil
}

// Outcome returns the outcome stored for name.
func (s *CheckSnapshot) Outcome(name checks.Name) (*CheckOutcome, bool) {
	switch name {
	case checks.CheckMockLocation:
		return &s.MockLocation, true
	case checks.CheckDeviceIntegrity:
		return &s.DeviceIntegrity, true
	case checks.CheckSpeed:
		return &s.Speed, true
	case checks.CheckNetwork:
		return &s.Network, true
	case checks.CheckSatellite:
		return &s.Satellite, true
	case checks.CheckAppState:
		return &s.AppState, true
	case checks.CheckBiometric:
		return &s.Biometric, true
	case checks.CheckMovement:
		return &s.Movement, true
	}
	return nil, false
}

// NewCheckSnapshot builds a snapshot from a full set of results. It fails if
// any check is missing or duplicated.
func NewCheckSnapshot(results []checks.Result) (CheckSnapshot, error) {
	var snap CheckSnapshot
	seen := make(map[checks.Name]bool, len(results))
	for _, r := range results {
		out, ok := snap.Outcome(r.Check)
		if !ok {
			return CheckSnapshot{}, fmt.Errorf("%w: unknown check %q", ErrSnapshot, r.Check)
		}
		if seen[r.Check] {
			return CheckSnapshot{}, fmt.Errorf("%w: duplicate check %q", ErrSnapshot, r.Check)
		}
		seen[r.Check] = true
		*out = CheckOutcome{
			Score:      r.Score,
			Passed:     r.Passed,
			Neutral:    r.Neutral,
			Violations: append([]checks.Violation(nil), r.Violations...),
		}
	}
	for _, name := range checks.Names {
		if !seen[name] {
			return CheckSnapshot{}, fmt.Errorf("%w: missing %s", ErrSnapshot, name)
		}
	}
	return snap, nil
}

// Resolution records how a violation was closed.
type Resolution struct {
	ResolverID string    `json:"resolver_id"`
	ResolvedAt time.Time `json:"resolved_at"`
	Notes      string    `json:"notes,omitempty"`
}

// ViolationRecord is a persisted flagged or blocked attempt.
type ViolationRecord struct {
	ID         string               `json:"id"`
	SubjectID  string               `json:"subject_id"`
	ActionType checks.ActionType    `json:"action_type"`
	Type       checks.ViolationType `json:"type"`
	Score      int                  `json:"score"`
	Action     ActionTaken          `json:"action"`
	Location   *geo.Point           `json:"location,omitempty"`
	Snapshot   CheckSnapshot        `json:"snapshot"`
	Violations []checks.Violation   `json:"violations"`
	CreatedAt  time.Time            `json:"created_at"`
	Resolution *Resolution          `json:"resolution,omitempty"`

	// Ledger chain fields, set on insert.
	Seq          int64    `json:"seq"`
	PreviousHash [32]byte `json:"-"`
	RecordHash   [32]byte `json:"-"`
}

// Resolved reports whether the record has been resolved.
func (r *ViolationRecord) Resolved() bool {
	return r.Resolution != nil
}

// ViolationFilter narrows ListViolations. Zero values match everything.
type ViolationFilter struct {
	SubjectID string
	Type      checks.ViolationType
	Action    ActionTaken
	Resolved  *bool
	Since     time.Time
	Until     time.Time
	Limit     int
	Offset    int
}

// Stats summarizes store contents.
type Stats struct {
	HistoryEntries       int64 `json:"history_entries"`
	Subjects             int64 `json:"subjects"`
	Violations           int64 `json:"violations"`
	UnresolvedViolations int64 `json:"unresolved_violations"`
}
