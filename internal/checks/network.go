package checks

import (
	"context"
	"fmt"

	"geoattest/internal/geo"
)

// Cross-source divergence limits in meters.
const (
	MaxPrimaryNetworkMeters = 300.0
	MaxPrimaryIPMeters      = 5000.0
	MaxNetworkIPMeters      = 300.0
)

// NetworkCheck compares the GPS fix with network and IP derived positions.
type NetworkCheck struct{}

// Name returns CheckNetwork.
func (NetworkCheck) Name() Name { return CheckNetwork }

// Evaluate runs every applicable pairwise comparison independently.
func (NetworkCheck) Evaluate(ctx context.Context, req *Request) (Result, error) {
	t := newTally(CheckNetwork)
	if req.Primary == nil {
		t.add(50, Violation{
			Type:     ViolationNetworkMismatch,
			Severity: SeverityHigh,
			Message:  "no primary GPS coordinate supplied",
		})
		return t.result(), nil
	}

	primary := req.Primary.Point()
	if req.Network != nil {
		compare(t, "primary", primary, "network", req.Network.Point(), MaxPrimaryNetworkMeters, 25, SeverityMedium)
	}
	if req.IP.HasCoordinates() {
		compare(t, "primary", primary, "ip", req.IP.Point(), MaxPrimaryIPMeters, 15, SeverityLow)
	}
	if req.Network != nil && req.IP.HasCoordinates() {
		compare(t, "network", req.Network.Point(), "ip", req.IP.Point(), MaxNetworkIPMeters, 10, SeverityLow)
	}
	return t.result(), nil
}

func compare(t *tally, aName string, a geo.Point, bName string, b geo.Point, limit float64, points int, sev Severity) {
	meters := geo.DistanceMeters(a, b)
	if meters <= limit {
		return
	}
	t.add(points, Violation{
		Type:     ViolationNetworkMismatch,
		Severity: sev,
		Message:  fmt.Sprintf("%s and %s positions differ by %.0f m (limit %.0f m)", aName, bName, meters, limit),
		Details: map[string]any{
			"distance_m": meters,
			"limit_m":    limit,
			"sources":    []string{aName, bName},
		},
	})
}
