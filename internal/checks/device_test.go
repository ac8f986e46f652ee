package checks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockLocationCheck(t *testing.T) {
	tests := []struct {
		name       string
		flags      *DeviceFlags
		wantScore  int
		wantTypes  []ViolationType
		wantPassed bool
	}{
		{"no flags", nil, 0, nil, true},
		{"all absent", &DeviceFlags{}, 0, nil, true},
		{"mock enabled", &DeviceFlags{MockLocationEnabled: true}, 100, []ViolationType{ViolationMockLocation}, false},
		{"developer mode alone", &DeviceFlags{DeveloperMode: true}, 0, nil, true},
		{"developer mode with mock app", &DeviceFlags{DeveloperMode: true, MockLocationApp: "com.fake.gps"}, 100, []ViolationType{ViolationMockLocation}, false},
		{"fake gps apps", &DeviceFlags{FakeGPSApps: []string{"com.lexa.fakegps"}}, 100, []ViolationType{ViolationFakeGPSApp}, false},
		{"blank app names ignored", &DeviceFlags{FakeGPSApps: []string{"", "  "}}, 0, nil, true},
		{"everything", &DeviceFlags{MockLocationEnabled: true, DeveloperMode: true, MockLocationApp: "x", FakeGPSApps: []string{"y"}}, 100,
			[]ViolationType{ViolationMockLocation, ViolationMockLocation, ViolationFakeGPSApp}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := MockLocationCheck{}.Evaluate(context.Background(), &Request{DeviceFlags: tt.flags})
			require.NoError(t, err)
			assert.Equal(t, tt.wantScore, res.Score)
			assert.Equal(t, tt.wantPassed, res.Passed)
			var types []ViolationType
			for _, v := range res.Violations {
				types = append(types, v.Type)
				assert.Equal(t, SeverityCritical, v.Severity)
			}
			assert.Equal(t, tt.wantTypes, types)
		})
	}
}

func TestDeviceIntegrityCheck(t *testing.T) {
	res, err := DeviceIntegrityCheck{}.Evaluate(context.Background(), &Request{})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Zero(t, res.Score)

	for _, flags := range []*DeviceFlags{{IsRooted: true}, {IsJailbroken: true}, {IsRooted: true, IsJailbroken: true}} {
		res, err := DeviceIntegrityCheck{}.Evaluate(context.Background(), &Request{DeviceFlags: flags})
		require.NoError(t, err)
		assert.Equal(t, 100, res.Score)
		assert.False(t, res.Passed)
		require.Len(t, res.Violations, 1)
		assert.Equal(t, ViolationDeviceRooted, res.Violations[0].Type)
		assert.Equal(t, SeverityCritical, res.Violations[0].Severity)
	}
}
