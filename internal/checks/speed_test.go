package checks

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoattest/internal/geo"
)

func TestSpeedCheckNoHistory(t *testing.T) {
	c := NewSpeedCheck(&fakeHistory{})
	res, err := c.Evaluate(context.Background(), &Request{SubjectID: "emp-1", Primary: primaryAt(10, 10, baseTime)})
	require.NoError(t, err)
	assert.Equal(t, Pass(CheckSpeed), res)
}

func TestSpeedCheckNoPrimary(t *testing.T) {
	c := NewSpeedCheck(&fakeHistory{err: errors.New("must not be called")})
	res, err := c.Evaluate(context.Background(), &Request{SubjectID: "emp-1"})
	require.NoError(t, err)
	assert.True(t, res.Passed)
}

func TestSpeedCheckTeleportation(t *testing.T) {
	// 0.135 degrees of latitude is roughly 15 km.
	history := &fakeHistory{entries: []HistoryEntry{entryAt(0, 0, baseTime, nil)}}
	c := NewSpeedCheck(history)

	res, err := c.Evaluate(context.Background(), &Request{
		SubjectID: "emp-1",
		Primary:   primaryAt(0.135, 0, baseTime.Add(5*time.Second)),
	})
	require.NoError(t, err)
	assert.Equal(t, 30, res.Score, "15 km in 5 s is impossible speed but below the 100 km teleport distance")
	assert.False(t, res.Passed)

	res, err = c.Evaluate(context.Background(), &Request{
		SubjectID: "emp-1",
		Primary:   primaryAt(1.0, 0, baseTime.Add(30*time.Second)),
	})
	require.NoError(t, err)
	assert.Equal(t, 60, res.Score)
	require.Len(t, res.Violations, 2)
	for _, v := range res.Violations {
		assert.Equal(t, ViolationSpeedAnomaly, v.Type)
		assert.Equal(t, SeverityHigh, v.Severity)
	}
}

func TestSpeedCheckReportedSpeed(t *testing.T) {
	history := &fakeHistory{entries: []HistoryEntry{entryAt(0, 0, baseTime, nil)}}
	c := NewSpeedCheck(history)

	primary := primaryAt(0, 0, baseTime.Add(time.Minute))
	primary.Speed = ptr(150.0) // 540 km/h
	res, err := c.Evaluate(context.Background(), &Request{SubjectID: "emp-1", Primary: primary})
	require.NoError(t, err)
	assert.Equal(t, 20, res.Score)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, SeverityMedium, res.Violations[0].Severity)
}

func TestSpeedCheckAllSignals(t *testing.T) {
	history := &fakeHistory{entries: []HistoryEntry{entryAt(0, 0, baseTime, nil)}}
	primary := primaryAt(2, 0, baseTime.Add(time.Second))
	primary.Speed = ptr(1000.0)
	res, err := NewSpeedCheck(history).Evaluate(context.Background(), &Request{SubjectID: "emp-1", Primary: primary})
	require.NoError(t, err)
	assert.Equal(t, 80, res.Score)
	assert.Len(t, res.Violations, 3)
}

func TestSpeedCheckPlausibleMovement(t *testing.T) {
	history := &fakeHistory{entries: []HistoryEntry{entryAt(0, 0, baseTime, nil)}}
	res, err := NewSpeedCheck(history).Evaluate(context.Background(), &Request{
		SubjectID: "emp-1",
		Primary:   primaryAt(0.01, 0, baseTime.Add(10*time.Minute)),
	})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Zero(t, res.Score)
}

func TestSpeedCheckZeroElapsed(t *testing.T) {
	history := &fakeHistory{entries: []HistoryEntry{entryAt(0, 0, baseTime, nil)}}
	c := NewSpeedCheck(history)

	res, err := c.Evaluate(context.Background(), &Request{SubjectID: "emp-1", Primary: primaryAt(0, 0, baseTime)})
	require.NoError(t, err)
	assert.True(t, res.Passed, "same place, same instant is not movement")

	res, err = c.Evaluate(context.Background(), &Request{SubjectID: "emp-1", Primary: primaryAt(0.001, 0, baseTime)})
	require.NoError(t, err)
	assert.Equal(t, 30, res.Score, "any distance in zero time is infinite speed")
}

func TestSpeedCheckBackwardsTimestamp(t *testing.T) {
	history := &fakeHistory{entries: []HistoryEntry{entryAt(0, 0, baseTime, nil)}}
	c := NewSpeedCheck(history)

	tests := []struct {
		name string
		lat  float64
		at   time.Time
	}{
		{"small skew", 0.0002, baseTime.Add(-2 * time.Second)},
		{"far and earlier", 1.35, baseTime.Add(-10 * time.Minute)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := c.Evaluate(context.Background(), &Request{SubjectID: "emp-1", Primary: primaryAt(tt.lat, 0, tt.at)})
			require.NoError(t, err)
			assert.True(t, res.Passed)
			assert.Zero(t, res.Score)
			assert.Empty(t, res.Violations)
		})
	}

	// The device-reported speed still counts on a backwards leg.
	primary := primaryAt(0.0002, 0, baseTime.Add(-time.Second))
	primary.Speed = ptr(200.0)
	res, err := c.Evaluate(context.Background(), &Request{SubjectID: "emp-1", Primary: primary})
	require.NoError(t, err)
	assert.Equal(t, 20, res.Score)
}

func TestMeasureLegBackwards(t *testing.T) {
	leg := MeasureLeg(geo.Point{Lat: 0, Lon: 0}, geo.Point{Lat: 0.1, Lon: 0}, baseTime, baseTime.Add(-time.Minute))
	assert.True(t, leg.Backwards())
	assert.Zero(t, leg.SpeedKmh)
	assert.Greater(t, leg.DistanceKm, 11.0)

	leg = MeasureLeg(geo.Point{Lat: 0, Lon: 0}, geo.Point{Lat: 0.1, Lon: 0}, baseTime, baseTime)
	assert.False(t, leg.Backwards())
	assert.True(t, math.IsInf(leg.SpeedKmh, 1))
}

func TestSpeedCheckHistoryError(t *testing.T) {
	c := NewSpeedCheck(&fakeHistory{err: errors.New("db down")})
	_, err := c.Evaluate(context.Background(), &Request{SubjectID: "emp-1", Primary: primaryAt(0, 0, baseTime)})
	assert.Error(t, err)
}

func TestDerive(t *testing.T) {
	sample := LocationSample{Lat: 0.1, Lon: 0, CapturedAt: baseTime.Add(time.Hour)}

	first := Derive(sample, nil)
	assert.Zero(t, first.DistanceKm)
	assert.Zero(t, first.SpeedKmh)
	assert.Zero(t, first.ElapsedMs)

	prev := entryAt(0, 0, baseTime, nil)
	next := Derive(sample, &prev)
	assert.InDelta(t, 11.12, next.DistanceKm, 0.01)
	assert.InDelta(t, 11.12, next.SpeedKmh, 0.01)
	assert.Equal(t, int64(time.Hour/time.Millisecond), next.ElapsedMs)

	instant := Derive(LocationSample{Lat: 0.1, CapturedAt: baseTime}, &prev)
	assert.Zero(t, instant.SpeedKmh, "infinite speed is stored as zero")
}
