package checks

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureAt(at time.Time) *BiometricCapture {
	return &BiometricCapture{Image: []byte("capture"), CapturedAt: at}
}

func TestBiometricCheckNoCapture(t *testing.T) {
	m := &fakeMatcher{confidence: 0.1}
	c := NewBiometricCheck(&fakeDirectory{image: []byte("ref")}, m, fixedClock{now: baseTime})
	res, err := c.Evaluate(context.Background(), &Request{SubjectID: "emp-1"})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Zero(t, m.calls)
}

func TestBiometricCheckStaleCaptureSkipsMatcher(t *testing.T) {
	m := &fakeMatcher{confidence: 0.99}
	c := NewBiometricCheck(&fakeDirectory{image: []byte("ref")}, m, fixedClock{now: baseTime})

	res, err := c.Evaluate(context.Background(), &Request{
		SubjectID:        "emp-1",
		BiometricCapture: captureAt(baseTime.Add(-45 * time.Second)),
	})
	require.NoError(t, err)
	assert.Equal(t, 20, res.Score)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, ViolationFaceMismatch, res.Violations[0].Type)
	assert.Equal(t, SeverityMedium, res.Violations[0].Severity)
	assert.Zero(t, m.calls, "matcher must not be consulted for a stale capture")
}

func TestBiometricCheckNoReference(t *testing.T) {
	m := &fakeMatcher{confidence: 0.1}
	c := NewBiometricCheck(&fakeDirectory{}, m, fixedClock{now: baseTime})
	res, err := c.Evaluate(context.Background(), &Request{SubjectID: "emp-1", BiometricCapture: captureAt(baseTime)})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Zero(t, res.Score)
	assert.Zero(t, m.calls)
}

func TestBiometricCheckConfidence(t *testing.T) {
	tests := []struct {
		confidence float64
		wantScore  int
	}{
		{0.95, 0},
		{0.8, 0},
		{0.79, 30},
		{0.0, 30},
	}
	for _, tt := range tests {
		m := &fakeMatcher{confidence: tt.confidence}
		c := NewBiometricCheck(&fakeDirectory{image: []byte("ref")}, m, fixedClock{now: baseTime})
		res, err := c.Evaluate(context.Background(), &Request{SubjectID: "emp-1", BiometricCapture: captureAt(baseTime.Add(-10 * time.Second))})
		require.NoError(t, err)
		assert.Equal(t, tt.wantScore, res.Score, "confidence %.2f", tt.confidence)
		assert.Equal(t, 1, m.calls)
		if tt.wantScore > 0 {
			assert.Equal(t, SeverityHigh, res.Violations[0].Severity)
		}
	}
}

func TestBiometricCheckErrors(t *testing.T) {
	c := NewBiometricCheck(&fakeDirectory{err: errors.New("s3 down")}, &fakeMatcher{}, fixedClock{now: baseTime})
	_, err := c.Evaluate(context.Background(), &Request{BiometricCapture: captureAt(baseTime)})
	assert.Error(t, err)

	c = NewBiometricCheck(&fakeDirectory{image: []byte("ref")}, &fakeMatcher{err: errors.New("timeout")}, fixedClock{now: baseTime})
	_, err = c.Evaluate(context.Background(), &Request{BiometricCapture: captureAt(baseTime)})
	assert.Error(t, err)
}
