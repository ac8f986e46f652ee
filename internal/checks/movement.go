package checks

import (
	"context"
	"fmt"
	"time"

	"geoattest/internal/geo"
)

// Movement pattern thresholds.
const (
	MinPriorSamples         = 3
	DefaultMovementWindow   = 10
	MinBearingVariance      = 5.0
	MaxSpeedVariance        = 5.0
	MaxAccuracyVariance     = 1.0
	JumpDistanceKm          = 10.0
	JumpWindow              = 10 * time.Second
	MovementPassBelow       = 60
	minAccuracyObservations = 2
)

// MovementCheck looks for statistical signs of a synthetic location feed.
type MovementCheck struct {
	history HistoryReader
	window  int
}

// NewMovementCheck creates a movement check reading up to window prior entries.
func NewMovementCheck(history HistoryReader, window int) *MovementCheck {
	if window < MinPriorSamples {
		window = DefaultMovementWindow
	}
	return &MovementCheck{history: history, window: window}
}

// Name returns CheckMovement.
func (c *MovementCheck) Name() Name { return CheckMovement }

// Evaluate needs at least MinPriorSamples prior entries.
func (c *MovementCheck) Evaluate(ctx context.Context, req *Request) (Result, error) {
	current, ok := req.Sample()
	if !ok {
		return Pass(CheckMovement), nil
	}

	prior, err := c.history.RecentHistory(ctx, req.SubjectID, c.window)
	if err != nil {
		return Result{}, fmt.Errorf("load recent history: %w", err)
	}
	if len(prior) < MinPriorSamples {
		return Pass(CheckMovement), nil
	}

	samples := make([]LocationSample, 0, len(prior)+1)
	for _, e := range prior {
		samples = append(samples, e.Sample)
	}
	samples = append(samples, current)
	stats := analyzePath(samples)

	t := newTally(CheckMovement)
	if stats.bearingVariance < MinBearingVariance {
		t.add(20, Violation{
			Type:     ViolationAIAnomaly,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("path is unnaturally straight (bearing variance %.2f)", stats.bearingVariance),
			Details:  map[string]any{"bearing_variance": stats.bearingVariance},
		})
	}
	if stats.jumps > 0 {
		t.add(30, Violation{
			Type:     ViolationAIAnomaly,
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("%d jumps over %.0f km within %s", stats.jumps, JumpDistanceKm, JumpWindow),
			Details:  map[string]any{"jumps": stats.jumps},
		})
	}
	if stats.speedSamples >= 2 && stats.speedVariance <= MaxSpeedVariance {
		t.add(15, Violation{
			Type:     ViolationAIAnomaly,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("speed is unnaturally constant (variance %.2f)", stats.speedVariance),
			Details:  map[string]any{"speed_variance": stats.speedVariance},
		})
	}
	if stats.accuracySamples >= minAccuracyObservations && stats.accuracyVariance <= MaxAccuracyVariance {
		t.add(10, Violation{
			Type:     ViolationAIAnomaly,
			Severity: SeverityLow,
			Message:  fmt.Sprintf("reported accuracy shows no drift (variance %.2f)", stats.accuracyVariance),
			Details:  map[string]any{"accuracy_variance": stats.accuracyVariance},
		})
	}

	res := t.result()
	res.Passed = res.Score < MovementPassBelow
	return res, nil
}

// pathStats summarizes an oldest-first sample sequence.
type pathStats struct {
	bearingVariance  float64
	jumps            int
	speedVariance    float64
	speedSamples     int
	accuracyVariance float64
	accuracySamples  int
}

func analyzePath(samples []LocationSample) pathStats {
	var (
		stats      pathStats
		bearings   []float64
		speeds     []float64
		accuracies []float64
	)

	for i, s := range samples {
		if s.Accuracy != nil {
			accuracies = append(accuracies, *s.Accuracy)
		}
		if i == 0 {
			continue
		}
		prev := samples[i-1]
		bearings = append(bearings, geo.Bearing(prev.Point(), s.Point()))

		leg := MeasureLeg(prev.Point(), s.Point(), prev.CapturedAt, s.CapturedAt)
		if !leg.Backwards() && leg.DistanceKm > JumpDistanceKm && leg.Elapsed < JumpWindow {
			stats.jumps++
		}
		if leg.Elapsed > 0 {
			speeds = append(speeds, leg.SpeedKmh)
		}
	}

	stats.bearingVariance = variance(bearings)
	stats.speedVariance = variance(speeds)
	stats.speedSamples = len(speeds)
	stats.accuracyVariance = variance(accuracies)
	stats.accuracySamples = len(accuracies)
	return stats
}
