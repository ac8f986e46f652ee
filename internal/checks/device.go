package checks

import (
	"context"
	"strings"
)

// MockLocationCheck flags declared location mocking. Any single signal forces
// the maximum subtotal.
type MockLocationCheck struct{}

// Name returns CheckMockLocation.
func (MockLocationCheck) Name() Name { return CheckMockLocation }

// Evaluate inspects the device flags of req.
func (MockLocationCheck) Evaluate(ctx context.Context, req *Request) (Result, error) {
	flags := req.DeviceFlags
	if flags == nil {
		return Pass(CheckMockLocation), nil
	}

	t := newTally(CheckMockLocation)
	if flags.MockLocationEnabled {
		t.add(MaxScore, Violation{
			Type:     ViolationMockLocation,
			Severity: SeverityCritical,
			Message:  "mock location is enabled on the device",
			Details:  map[string]any{"platform": flags.Platform},
		})
	}
	if flags.DeveloperMode && strings.TrimSpace(flags.MockLocationApp) != "" {
		t.add(MaxScore, Violation{
			Type:     ViolationMockLocation,
			Severity: SeverityCritical,
			Message:  "developer mode is on with a mock location app selected",
			Details:  map[string]any{"mock_location_app": flags.MockLocationApp},
		})
	}
	if apps := nonEmpty(flags.FakeGPSApps); len(apps) > 0 {
		t.add(MaxScore, Violation{
			Type:     ViolationFakeGPSApp,
			Severity: SeverityCritical,
			Message:  "known fake GPS apps are installed",
			Details:  map[string]any{"apps": apps},
		})
	}
	return t.result(), nil
}

// DeviceIntegrityCheck flags rooted or jailbroken devices.
type DeviceIntegrityCheck struct{}

// Name returns CheckDeviceIntegrity.
func (DeviceIntegrityCheck) Name() Name { return CheckDeviceIntegrity }

// Evaluate inspects the integrity flags of req.
func (DeviceIntegrityCheck) Evaluate(ctx context.Context, req *Request) (Result, error) {
	flags := req.DeviceFlags
	if flags == nil || !(flags.IsRooted || flags.IsJailbroken) {
		return Pass(CheckDeviceIntegrity), nil
	}

	t := newTally(CheckDeviceIntegrity)
	msg := "device is rooted"
	if flags.IsJailbroken {
		msg = "device is jailbroken"
	}
	t.add(MaxScore, Violation{
		Type:     ViolationDeviceRooted,
		Severity: SeverityCritical,
		Message:  msg,
		Details: map[string]any{
			"rooted":     flags.IsRooted,
			"jailbroken": flags.IsJailbroken,
			"platform":   flags.Platform,
		},
	})
	return t.result(), nil
}

func nonEmpty(values []string) []string {
	var out []string
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}
