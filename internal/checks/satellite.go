package checks

import (
	"context"
	"fmt"
)

// Satellite thresholds.
const (
	MinSatellites = 4
	MinAverageSNR = 20.0
)

// SatelliteCheck validates raw GNSS telemetry when the platform provides it.
type SatelliteCheck struct{}

// Name returns CheckSatellite.
func (SatelliteCheck) Name() Name { return CheckSatellite }

// Evaluate skips entirely when telemetry is unavailable.
func (SatelliteCheck) Evaluate(ctx context.Context, req *Request) (Result, error) {
	sat := req.Satellite
	if sat == nil || !sat.Available {
		return Pass(CheckSatellite), nil
	}

	t := newTally(CheckSatellite)

	count := len(sat.Satellites)
	if sat.SatelliteCount != nil {
		count = *sat.SatelliteCount
	}
	if count < MinSatellites {
		t.add(15, Violation{
			Type:     ViolationSatelliteInvalid,
			Severity: SeverityHigh,
			Message:  fmt.Sprintf("only %d satellites in view", count),
			Details:  map[string]any{"satellite_count": count},
		})
	}

	var snrs []float64
	for _, s := range sat.Satellites {
		if s.SNR != nil && *s.SNR != 0 {
			snrs = append(snrs, *s.SNR)
		}
	}
	if len(sat.Satellites) > 0 && len(snrs) == 0 {
		t.add(30, Violation{
			Type:     ViolationSatelliteInvalid,
			Severity: SeverityCritical,
			Message:  "every satellite reports zero signal-to-noise ratio",
			Details:  map[string]any{"satellites": len(sat.Satellites)},
		})
	}

	avg, ok := averageSNR(sat, snrs)
	if ok && avg < MinAverageSNR {
		t.add(10, Violation{
			Type:     ViolationSatelliteInvalid,
			Severity: SeverityMedium,
			Message:  fmt.Sprintf("average SNR %.1f below %.0f", avg, MinAverageSNR),
			Details:  map[string]any{"average_snr": avg},
		})
	}
	return t.result(), nil
}

// averageSNR prefers the reported average and falls back to the per-satellite
// list, where absent values count as zero.
func averageSNR(sat *SatelliteTelemetry, nonZero []float64) (float64, bool) {
	if sat.AverageSNR != nil {
		return *sat.AverageSNR, true
	}
	if len(sat.Satellites) == 0 {
		return 0, false
	}
	var sum float64
	for _, v := range nonZero {
		sum += v
	}
	return sum / float64(len(sat.Satellites)), true
}
