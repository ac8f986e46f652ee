// Package verify runs the location checks for one attempt, combines them
// into a verdict and records the outcome.
package verify

import (
	"errors"
	"fmt"

	"geoattest/internal/checks"
	"geoattest/internal/store"
)

// Action is the enforcement decision returned to the caller.
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionFlag  Action = "FLAG"
	ActionBlock Action = "BLOCK"
)

// Score thresholds. Both comparisons are strict.
const (
	FlagAbove  = 60
	BlockAbove = 85

	// FailOpenScore is reported when the verifier itself fails.
	FailOpenScore = 10
)

// Verdict messages.
const (
	MessageAllow    = "location verified"
	MessageFlag     = "location accepted and flagged for review"
	MessageBlock    = "location verification failed"
	MessageFailOpen = "verification could not be completed; accepted pending manual review"
)

// ActionFor maps a total score to an action.
func ActionFor(score int) Action {
	switch {
	case score > BlockAbove:
		return ActionBlock
	case score > FlagAbove:
		return ActionFlag
	default:
		return ActionAllow
	}
}

// Taken is the ledger form of a.
func (a Action) Taken() store.ActionTaken {
	switch a {
	case ActionBlock:
		return store.ActionBlocked
	case ActionFlag:
		return store.ActionFlagged
	default:
		return store.ActionAllowed
	}
}

func messageFor(a Action) string {
	switch a {
	case ActionBlock:
		return MessageBlock
	case ActionFlag:
		return MessageFlag
	default:
		return MessageAllow
	}
}

// CheckBreakdown is one check's contribution to a verdict.
type CheckBreakdown struct {
	Score   int  `json:"score"`
	Passed  bool `json:"passed"`
	Neutral bool `json:"neutral,omitempty"`
}

// Verdict is the response to one verification attempt.
type Verdict struct {
	Score       int                            `json:"score"`
	Action      Action                         `json:"action"`
	Message     string                         `json:"message"`
	Violations  []checks.Violation             `json:"violations"`
	Breakdown   map[checks.Name]CheckBreakdown `json:"breakdown"`
	ViolationID string                         `json:"violation_id,omitempty"`
	FailOpen    bool                           `json:"fail_open,omitempty"`
}

// AggregateFunc combines check results into a verdict.
type AggregateFunc func(results []checks.Result) (Verdict, error)

// ErrNoResults is returned when there is nothing to aggregate.
var ErrNoResults = errors.New("verify: no check results")

// Aggregate sums the clamped per-check scores, clamps the total to
// [0, 100] and maps it to an action. Violations keep check order.
func Aggregate(results []checks.Result) (Verdict, error) {
	if len(results) == 0 {
		return Verdict{}, ErrNoResults
	}

	v := Verdict{
		Violations: []checks.Violation{},
		Breakdown:  make(map[checks.Name]CheckBreakdown, len(results)),
	}
	total := 0
	for _, r := range results {
		if _, dup := v.Breakdown[r.Check]; dup {
			return Verdict{}, fmt.Errorf("aggregate: duplicate result for %s", r.Check)
		}
		score := checks.Clamp(r.Score)
		total += score
		v.Breakdown[r.Check] = CheckBreakdown{Score: score, Passed: r.Passed, Neutral: r.Neutral}
		v.Violations = append(v.Violations, r.Violations...)
	}

	v.Score = checks.Clamp(total)
	v.Action = ActionFor(v.Score)
	v.Message = messageFor(v.Action)
	return v, nil
}

// needsRecord reports whether a verdict must be written to the ledger.
func needsRecord(v Verdict) bool {
	return v.Score > FlagAbove || len(v.Violations) > 0
}

// recordType picks the single type stored on a violation record.
func recordType(results []checks.Result, violations []checks.Violation) checks.ViolationType {
	distinct := make(map[checks.ViolationType]bool)
	var only checks.ViolationType
	for _, v := range violations {
		if !distinct[v.Type] {
			distinct[v.Type] = true
			only = v.Type
		}
	}
	switch len(distinct) {
	case 0:
	case 1:
		return only
	default:
		return checks.ViolationMultiple
	}

	best := -1
	var bestName checks.Name
	for _, r := range results {
		if r.Score > best {
			best = r.Score
			bestName = r.Check
		}
	}
	return bestName.NaturalType()
}
