package checks

import (
	"math"
	"time"

	"geoattest/internal/geo"
)

// Leg is the movement between two consecutive samples.
type Leg struct {
	DistanceKm float64
	Elapsed    time.Duration
	SpeedKmh   float64
}

// Backwards reports whether the later sample carries an earlier timestamp.
// Such a leg has no implied speed.
func (l Leg) Backwards() bool { return l.Elapsed < 0 }

// MeasureLeg computes distance, elapsed time and implied speed from a to b.
// A non-zero distance covered in no time has infinite speed. A backwards leg
// from clock skew or out-of-order delivery has zero speed.
func MeasureLeg(a, b geo.Point, from, to time.Time) Leg {
	leg := Leg{
		DistanceKm: geo.DistanceKm(a, b),
		Elapsed:    to.Sub(from),
	}
	switch {
	case leg.Elapsed > 0:
		leg.SpeedKmh = leg.DistanceKm / leg.Elapsed.Hours()
	case leg.Elapsed == 0 && leg.DistanceKm > 0:
		leg.SpeedKmh = math.Inf(1)
	}
	return leg
}

// Derive fills the derived fields of a history entry for sample against the
// previous entry. prev may be nil, in which case the derived fields stay zero.
func Derive(sample LocationSample, prev *HistoryEntry) HistoryEntry {
	entry := HistoryEntry{Sample: sample}
	if prev == nil {
		return entry
	}
	leg := MeasureLeg(prev.Sample.Point(), sample.Point(), prev.Sample.CapturedAt, sample.CapturedAt)
	entry.DistanceKm = leg.DistanceKm
	entry.ElapsedMs = leg.Elapsed.Milliseconds()
	if !math.IsInf(leg.SpeedKmh, 0) {
		entry.SpeedKmh = leg.SpeedKmh
	}
	return entry
}

// mean returns the arithmetic mean of values.
func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// variance returns the population variance of values.
func variance(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := mean(values)
	var sum float64
	for _, v := range values {
		d := v - m
		sum += d * d
	}
	return sum / float64(len(values))
}
