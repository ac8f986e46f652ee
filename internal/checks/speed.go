package checks

import (
	"context"
	"fmt"
	"math"
)

// Speed thresholds.
const (
	MaxPlausibleSpeedKmh = 500.0
	TeleportDistanceKm   = 100.0
	TeleportWindowSec    = 60.0
	msToKmh              = 3.6
)

// SpeedCheck compares the current fix with the latest history entry.
type SpeedCheck struct {
	history HistoryReader
}

// NewSpeedCheck creates a speed check reading from history.
func NewSpeedCheck(history HistoryReader) *SpeedCheck {
	return &SpeedCheck{history: history}
}

// Name returns CheckSpeed.
func (c *SpeedCheck) Name() Name { return CheckSpeed }

// Evaluate flags impossible travel since the previous sample.
func (c *SpeedCheck) Evaluate(ctx context.Context, req *Request) (Result, error) {
	if req.Primary == nil {
		return Pass(CheckSpeed), nil
	}

	prev, err := c.history.LatestHistory(ctx, req.SubjectID)
	if err != nil {
		return Result{}, fmt.Errorf("load latest history: %w", err)
	}
	if prev == nil {
		return Pass(CheckSpeed), nil
	}

	leg := MeasureLeg(prev.Sample.Point(), req.Primary.Point(), prev.Sample.CapturedAt, req.Primary.CapturedAt)
	details := map[string]any{
		"distance_km": leg.DistanceKm,
		"elapsed_ms":  leg.Elapsed.Milliseconds(),
		"speed_kmh":   finiteOr(leg.SpeedKmh, -1),
	}

	t := newTally(CheckSpeed)
	if leg.Backwards() {
		details["backwards"] = true
	}
	if !leg.Backwards() && leg.SpeedKmh > MaxPlausibleSpeedKmh {
		t.add(30, Violation{
			Type:     ViolationSpeedAnomaly,
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("implied speed exceeds %.0f km/h", MaxPlausibleSpeedKmh),
			Details:  details,
		})
	}
	if !leg.Backwards() && leg.DistanceKm > TeleportDistanceKm && leg.Elapsed.Seconds() < TeleportWindowSec {
		t.add(30, Violation{
			Type:     ViolationSpeedAnomaly,
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("moved %.1f km in %.1f s", leg.DistanceKm, leg.Elapsed.Seconds()),
			Details:  details,
		})
	}
	if req.Primary.Speed != nil {
		reported := *req.Primary.Speed * msToKmh
		if reported > MaxPlausibleSpeedKmh {
			t.add(20, Violation{
				Type:     ViolationSpeedAnomaly,
				Severity: SeverityMedium,
				Message:  fmt.Sprintf("device reported speed %.0f km/h", reported),
				Details:  map[string]any{"reported_speed_kmh": reported},
			})
		}
	}
	return t.result(), nil
}

func finiteOr(v, fallback float64) float64 {
	if math.IsInf(v, 0) || math.IsNaN(v) {
		return fallback
	}
	return v
}
