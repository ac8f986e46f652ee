package checks

import (
	"context"
	"fmt"
	"time"
)

// Biometric thresholds.
const (
	MaxCaptureAge     = 30 * time.Second
	MinFaceConfidence = 0.8
)

// BiometricCheck verifies a face capture against the subject's reference image.
type BiometricCheck struct {
	directory Directory
	matcher   Matcher
	clock     Clock
}

// NewBiometricCheck creates a biometric check.
func NewBiometricCheck(directory Directory, matcher Matcher, clock Clock) *BiometricCheck {
	if clock == nil {
		clock = SystemClock{}
	}
	return &BiometricCheck{directory: directory, matcher: matcher, clock: clock}
}

// Name returns CheckBiometric.
func (c *BiometricCheck) Name() Name { return CheckBiometric }

// Evaluate rejects stale captures before consulting the matcher.
func (c *BiometricCheck) Evaluate(ctx context.Context, req *Request) (Result, error) {
	capture := req.BiometricCapture
	if capture == nil {
		return Pass(CheckBiometric), nil
	}

	t := newTally(CheckBiometric)
	age := c.clock.Now().Sub(capture.CapturedAt)
	if age > MaxCaptureAge {
		t.add(20, Violation{
			Type:     ViolationFaceMismatch,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("face capture is %s old", age.Round(time.Second)),
			Details:  map[string]any{"age_ms": age.Milliseconds()},
		})
		return t.result(), nil
	}

	if c.directory == nil || c.matcher == nil {
		return Pass(CheckBiometric), nil
	}
	reference, err := c.directory.ReferenceImage(ctx, req.SubjectID)
	if err != nil {
		return Result{}, fmt.Errorf("load reference image: %w", err)
	}
	if len(reference) == 0 {
		// No baseline on file: nothing to fail against.
		return Pass(CheckBiometric), nil
	}

	confidence, err := c.matcher.Compare(ctx, reference, capture.Image)
	if err != nil {
		return Result{}, fmt.Errorf("compare faces: %w", err)
	}
	if confidence < MinFaceConfidence {
		t.add(30, Violation{
			Type:     ViolationFaceMismatch,
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("face match confidence %.2f below %.2f", confidence, MinFaceConfidence),
			Details:  map[string]any{"confidence": confidence},
		})
	}
	return t.result(), nil
}
