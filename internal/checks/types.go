// Package checks implements the independent signal evaluators that feed the
// location attestation score.
//
// Every check is stateless apart from the collaborators it is constructed with
// and returns a Result whose Score is already clamped to [0, MaxScore].
package checks

import (
	"context"
	"time"

	"geoattest/internal/geo"
)

// MaxScore is the ceiling for a single check subtotal and for the aggregate.
const MaxScore = 100

// Name identifies one of the eight checks.
type Name string

const (
	CheckMockLocation    Name = "mock_location"
	CheckDeviceIntegrity Name = "device_integrity"
	CheckSpeed           Name = "speed"
	CheckNetwork         Name = "network_consistency"
	CheckSatellite       Name = "satellite"
	CheckAppState        Name = "app_state"
	CheckBiometric       Name = "biometric"
	CheckMovement        Name = "movement_pattern"
)

// Names lists every check in evaluation and reporting order.
var Names = []Name{
	CheckMockLocation,
	CheckDeviceIntegrity,
	CheckSpeed,
	CheckNetwork,
	CheckSatellite,
	CheckAppState,
	CheckBiometric,
	CheckMovement,
}

// Severity grades a single violation.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ViolationType categorizes a violation. The same set types persisted ledger records.
type ViolationType string

const (
	ViolationMockLocation     ViolationType = "MOCK_LOCATION"
	ViolationFakeGPSApp       ViolationType = "FAKE_GPS_APP"
	ViolationSpeedAnomaly     ViolationType = "SPEED_ANOMALY"
	ViolationNetworkMismatch  ViolationType = "NETWORK_MISMATCH"
	ViolationSatelliteInvalid ViolationType = "SATELLITE_INVALID"
	ViolationDeviceRooted     ViolationType = "DEVICE_ROOTED"
	ViolationAppStateInvalid  ViolationType = "APP_STATE_INVALID"
	ViolationFaceMismatch     ViolationType = "FACE_MISMATCH"
	ViolationAIAnomaly        ViolationType = "AI_ANOMALY"
	ViolationMultiple         ViolationType = "MULTIPLE_VIOLATIONS"
)

// ViolationTypes lists every valid violation type.
var ViolationTypes = []ViolationType{
	ViolationMockLocation,
	ViolationFakeGPSApp,
	ViolationSpeedAnomaly,
	ViolationNetworkMismatch,
	ViolationSatelliteInvalid,
	ViolationDeviceRooted,
	ViolationAppStateInvalid,
	ViolationFaceMismatch,
	ViolationAIAnomaly,
	ViolationMultiple,
}

// Valid reports whether t is a known violation type.
func (t ViolationType) Valid() bool {
	for _, known := range ViolationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// NaturalType is the violation type a check raises.
func (n Name) NaturalType() ViolationType {
	switch n {
	case CheckMockLocation:
		return ViolationMockLocation
	case CheckDeviceIntegrity:
		return ViolationDeviceRooted
	case CheckSpeed:
		return ViolationSpeedAnomaly
	case CheckNetwork:
		return ViolationNetworkMismatch
	case CheckSatellite:
		return ViolationSatelliteInvalid
	case CheckAppState:
		return ViolationAppStateInvalid
	case CheckBiometric:
		return ViolationFaceMismatch
	case CheckMovement:
		return ViolationAIAnomaly
	default:
		return ViolationMultiple
	}
}

// Violation is a single suspicious finding.
type Violation struct {
	Type     ViolationType  `json:"type"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// Result is the outcome of one check.
type Result struct {
	Check      Name        `json:"check"`
	Score      int         `json:"score"`
	Passed     bool        `json:"passed"`
	Violations []Violation `json:"violations,omitempty"`
	// Neutral marks a result substituted after the check failed internally.
	Neutral bool   `json:"neutral,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Pass returns a zero-score passing result.
func Pass(name Name) Result {
	return Result{Check: name, Score: 0, Passed: true}
}

// NeutralResult is the substitute for a check that errored, panicked or timed out.
func NeutralResult(name Name, cause string) Result {
	return Result{Check: name, Score: 0, Passed: true, Neutral: true, Error: cause}
}

// Clamp bounds score to [0, MaxScore].
func Clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// tally accumulates points and violations for one check.
type tally struct {
	name       Name
	score      int
	violations []Violation
}

func newTally(name Name) *tally {
	return &tally{name: name}
}

func (t *tally) add(points int, v Violation) {
	t.score += points
	t.violations = append(t.violations, v)
}

// result closes the tally. A check passes when it raised no violations.
func (t *tally) result() Result {
	return Result{
		Check:      t.name,
		Score:      Clamp(t.score),
		Passed:     len(t.violations) == 0,
		Violations: t.violations,
	}
}

// Check evaluates one signal category of a request.
type Check interface {
	Name() Name
	Evaluate(ctx context.Context, req *Request) (Result, error)
}

// HistoryReader is the read side of the location history store.
type HistoryReader interface {
	// LatestHistory returns nil, nil when the subject has no history.
	LatestHistory(ctx context.Context, subjectID string) (*HistoryEntry, error)
	// RecentHistory returns up to limit entries, oldest first.
	RecentHistory(ctx context.Context, subjectID string, limit int) ([]HistoryEntry, error)
}

// Matcher compares two face images and returns a confidence in [0,1].
type Matcher interface {
	Compare(ctx context.Context, reference, candidate []byte) (float64, error)
}

// Directory maps a subject to its reference face image.
type Directory interface {
	// ReferenceImage returns nil, nil when no reference is on file.
	ReferenceImage(ctx context.Context, subjectID string) ([]byte, error)
}

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now returns time.Now().
func (SystemClock) Now() time.Time { return time.Now() }

// ActionType tags why a location was submitted.
type ActionType string

const (
	ActionClockIn        ActionType = "CLOCK_IN"
	ActionClockOut       ActionType = "CLOCK_OUT"
	ActionLocationUpdate ActionType = "LOCATION_UPDATE"
)

// Valid reports whether a is a known action type.
func (a ActionType) Valid() bool {
	switch a {
	case ActionClockIn, ActionClockOut, ActionLocationUpdate:
		return true
	}
	return false
}

// PrimaryLocation is the device GPS fix.
type PrimaryLocation struct {
	Lat        float64   `json:"lat"`
	Lon        float64   `json:"lon"`
	Accuracy   *float64  `json:"accuracy,omitempty"`
	Altitude   *float64  `json:"altitude,omitempty"`
	Heading    *float64  `json:"heading,omitempty"`
	Speed      *float64  `json:"speed,omitempty"` // meters per second
	CapturedAt time.Time `json:"captured_at"`
}

// Point returns the coordinate of the fix.
func (p *PrimaryLocation) Point() geo.Point {
	return geo.Point{Lat: p.Lat, Lon: p.Lon}
}

// NetworkLocation is a cell/wifi triangulated position.
type NetworkLocation struct {
	Lat      float64  `json:"lat"`
	Lon      float64  `json:"lon"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Source   string   `json:"source,omitempty"`
}

// Point returns the coordinate of the network fix.
func (n *NetworkLocation) Point() geo.Point {
	return geo.Point{Lat: n.Lat, Lon: n.Lon}
}

// IPInfo is the IP geolocation payload. Coordinates may be absent when only
// the address is known.
type IPInfo struct {
	Lat     *float64 `json:"lat,omitempty"`
	Lon     *float64 `json:"lon,omitempty"`
	City    string   `json:"city,omitempty"`
	Region  string   `json:"region,omitempty"`
	Country string   `json:"country,omitempty"`
	IP      string   `json:"ip,omitempty"`
}

// HasCoordinates reports whether both coordinates are present.
func (i *IPInfo) HasCoordinates() bool {
	return i != nil && i.Lat != nil && i.Lon != nil
}

// Point returns the IP coordinate. Callers check HasCoordinates first.
func (i *IPInfo) Point() geo.Point {
	return geo.Point{Lat: *i.Lat, Lon: *i.Lon}
}

// DeviceFlags are self-declared device integrity signals.
type DeviceFlags struct {
	MockLocationEnabled bool     `json:"mock_location_enabled,omitempty"`
	DeveloperMode       bool     `json:"developer_mode,omitempty"`
	MockLocationApp     string   `json:"mock_location_app,omitempty"`
	FakeGPSApps         []string `json:"fake_gps_apps,omitempty"`
	IsRooted            bool     `json:"is_rooted,omitempty"`
	IsJailbroken        bool     `json:"is_jailbroken,omitempty"`
	Platform            string   `json:"platform,omitempty"`
}

// AppState describes the client application at submission time.
type AppState struct {
	IsActive        *bool      `json:"is_active,omitempty"`
	IsOnline        *bool      `json:"is_online,omitempty"`
	LastInteraction *time.Time `json:"last_interaction,omitempty"`
	ScreenOn        *bool      `json:"screen_on,omitempty"`
}

// SatelliteSignal is one tracked satellite.
type SatelliteSignal struct {
	SNR *float64 `json:"snr,omitempty"`
}

// SatelliteTelemetry is raw GNSS information, when the platform exposes it.
type SatelliteTelemetry struct {
	Available      bool              `json:"available"`
	SatelliteCount *int              `json:"satellite_count,omitempty"`
	AverageSNR     *float64          `json:"average_snr,omitempty"`
	Satellites     []SatelliteSignal `json:"satellites,omitempty"`
}

// BiometricCapture is a face image taken at submission.
type BiometricCapture struct {
	Image      []byte    `json:"image"`
	CapturedAt time.Time `json:"captured_at"`
}

// Request is one verification attempt.
type Request struct {
	SubjectID        string              `json:"subject_id"`
	ActionType       ActionType          `json:"action_type"`
	Primary          *PrimaryLocation    `json:"primary,omitempty"`
	Network          *NetworkLocation    `json:"network,omitempty"`
	IP               *IPInfo             `json:"ip,omitempty"`
	DeviceFlags      *DeviceFlags        `json:"device_flags,omitempty"`
	AppState         *AppState           `json:"app_state,omitempty"`
	Satellite        *SatelliteTelemetry `json:"satellite,omitempty"`
	BiometricCapture *BiometricCapture   `json:"biometric_capture,omitempty"`
}

// LocationSample is the immutable location part of a request.
type LocationSample struct {
	SubjectID  string              `json:"subject_id"`
	Lat        float64             `json:"lat"`
	Lon        float64             `json:"lon"`
	Accuracy   *float64            `json:"accuracy,omitempty"`
	Altitude   *float64            `json:"altitude,omitempty"`
	Heading    *float64            `json:"heading,omitempty"`
	Speed      *float64            `json:"speed,omitempty"`
	Network    *NetworkLocation    `json:"network,omitempty"`
	IP         *IPInfo             `json:"ip,omitempty"`
	Satellite  *SatelliteTelemetry `json:"satellite,omitempty"`
	CapturedAt time.Time           `json:"captured_at"`
	ActionType ActionType          `json:"action_type"`
}

// Point returns the sample coordinate.
func (s LocationSample) Point() geo.Point {
	return geo.Point{Lat: s.Lat, Lon: s.Lon}
}

// Sample extracts the location sample. It returns false when the request has
// no primary coordinate.
func (r *Request) Sample() (LocationSample, bool) {
	if r.Primary == nil {
		return LocationSample{}, false
	}
	return LocationSample{
		SubjectID:  r.SubjectID,
		Lat:        r.Primary.Lat,
		Lon:        r.Primary.Lon,
		Accuracy:   r.Primary.Accuracy,
		Altitude:   r.Primary.Altitude,
		Heading:    r.Primary.Heading,
		Speed:      r.Primary.Speed,
		Network:    r.Network,
		IP:         r.IP,
		Satellite:  r.Satellite,
		CapturedAt: r.Primary.CapturedAt,
		ActionType: r.ActionType,
	}, true
}

// HistoryEntry is a stored sample plus values derived against the previous
// entry of the same subject. Derived values are zero for a first entry.
type HistoryEntry struct {
	ID         int64          `json:"id"`
	Sample     LocationSample `json:"sample"`
	DistanceKm float64        `json:"distance_km"`
	SpeedKmh   float64        `json:"speed_kmh"`
	ElapsedMs  int64          `json:"elapsed_ms"`
	RecordedAt time.Time      `json:"recorded_at"`
}
