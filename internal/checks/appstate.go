package checks

import (
	"context"
	"fmt"
	"time"
)

// App state thresholds.
const (
	MaxIdleInteraction = 30 * time.Second
	MaxScreenOffStale  = 15 * time.Second
	missingAppStateFee = 5
)

// AppStateCheck scores soft foreground-state signals. Fields absent from a
// present payload carry no penalty.
type AppStateCheck struct {
	clock Clock
}

// NewAppStateCheck creates an app state check using clock for staleness.
func NewAppStateCheck(clock Clock) *AppStateCheck {
	if clock == nil {
		clock = SystemClock{}
	}
	return &AppStateCheck{clock: clock}
}

// Name returns CheckAppState.
func (c *AppStateCheck) Name() Name { return CheckAppState }

// Evaluate scores the app state of req.
func (c *AppStateCheck) Evaluate(ctx context.Context, req *Request) (Result, error) {
	state := req.AppState
	if state == nil {
		// Benefit of the doubt: a small fixed fee, not a violation.
		return Result{Check: CheckAppState, Score: missingAppStateFee, Passed: true}, nil
	}

	t := newTally(CheckAppState)
	if state.IsActive != nil && !*state.IsActive {
		t.add(15, Violation{
			Type:     ViolationAppStateInvalid,
			Severity: SeverityMedium,
			Message:  "app was not in the foreground",
		})
	}
	if state.IsOnline != nil && !*state.IsOnline {
		t.add(5, Violation{
			Type:     ViolationAppStateInvalid,
			Severity: SeverityLow,
			Message:  "device reported offline",
		})
	}

	var idle time.Duration
	if state.LastInteraction != nil {
		idle = c.clock.Now().Sub(*state.LastInteraction)
	}
	if idle > MaxIdleInteraction {
		t.add(10, Violation{
			Type:     ViolationAppStateInvalid,
			Severity: SeverityLow,
			Message:  fmt.Sprintf("no user interaction for %s", idle.Round(time.Second)),
			Details:  map[string]any{"idle_ms": idle.Milliseconds()},
		})
	}
	if state.ScreenOn != nil && !*state.ScreenOn && idle > MaxScreenOffStale {
		t.add(10, Violation{
			Type:     ViolationAppStateInvalid,
			Severity: SeverityLow,
			Message:  "screen off while interaction is stale",
			Details:  map[string]any{"idle_ms": idle.Milliseconds()},
		})
	}
	return t.result(), nil
}
