package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoattest/internal/checks"
	"geoattest/internal/geo"
	"geoattest/internal/health"
	"geoattest/internal/logging"
	"geoattest/internal/metrics"
	"geoattest/internal/security"
	"geoattest/internal/store"
	"geoattest/internal/verify"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

type fakeResolver struct {
	mu    sync.Mutex
	calls []string
	loc   *geo.IPLocation
	err   error
}

func (f *fakeResolver) Lookup(_ context.Context, ip string) (*geo.IPLocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ip)
	return f.loc, f.err
}

type capturingVerifier struct {
	mu   sync.Mutex
	last *checks.Request
}

func (c *capturingVerifier) Verify(_ context.Context, req *checks.Request) (verify.Verdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = req
	return verify.Verdict{Score: 5, Action: verify.ActionAllow, Message: verify.MessageAllow}, nil
}

type testEnv struct {
	server   *Server
	store    *store.Store
	metrics  *metrics.VerifierMetrics
	resolver *fakeResolver
}

func newTestEnv(t *testing.T, mutate ...func(*Options)) *testEnv {
	t.Helper()

	st, err := store.Open(t.TempDir()+"/geoattest.db", testKey)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	vm := metrics.NewVerifierMetrics(metrics.NewRegistry("geoattest"))
	engine, err := verify.New(verify.Options{
		Checks:  verify.DefaultChecks(st, nil, nil, nil, 10),
		History: st,
		Ledger:  st,
		Logger:  logging.Discard(),
		Metrics: vm,
	})
	require.NoError(t, err)

	checker := health.NewChecker()
	checker.RegisterFunc("database", true, health.DatabaseCheck(st.Ping))
	checker.SetReady(true)

	resolver := &fakeResolver{loc: &geo.IPLocation{IP: "203.0.113.9", Lat: 40.71, Lon: -74.0, City: "New York"}}
	opts := Options{
		Verifier: engine,
		Ledger:   st,
		History:  st,
		Resolver: resolver,
		Health:   checker,
		Metrics:  vm,
		Logger:   logging.Discard(),
	}
	for _, m := range mutate {
		m(&opts)
	}
	srv, err := NewServer(opts)
	require.NoError(t, err)
	return &testEnv{server: srv, store: st, metrics: vm, resolver: resolver}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func verifyBody(subject string, lat, lon float64, at time.Time) map[string]any {
	return map[string]any{
		"subject_id":  subject,
		"action_type": "CLOCK_IN",
		"primary": map[string]any{
			"lat":         lat,
			"lon":         lon,
			"captured_at": at.UTC().Format(time.RFC3339Nano),
		},
		"app_state": map[string]any{"is_active": true, "is_online": true},
	}
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestVerifyAllows(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/v1/verify", verifyBody("emp-1", 40.0, -74.0, time.Now()))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	v := decode[verify.Verdict](t, rec)
	assert.Equal(t, 0, v.Score)
	assert.Equal(t, verify.ActionAllow, v.Action)
	assert.Empty(t, v.ViolationID)
}

func TestVerifyMockLocationRecordsViolation(t *testing.T) {
	env := newTestEnv(t)

	body := verifyBody("emp-2", 40.0, -74.0, time.Now())
	body["device_flags"] = map[string]any{"mock_location_enabled": true}

	rec := env.do(t, http.MethodPost, "/v1/verify", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	v := decode[verify.Verdict](t, rec)
	assert.Equal(t, 100, v.Score)
	assert.Equal(t, verify.ActionBlock, v.Action)
	require.NotEmpty(t, v.ViolationID)

	got := env.do(t, http.MethodGet, "/v1/violations/"+v.ViolationID, nil)
	require.Equal(t, http.StatusOK, got.Code)
	stored := decode[store.ViolationRecord](t, got)
	assert.Equal(t, "emp-2", stored.SubjectID)
	assert.Equal(t, checks.ViolationMockLocation, stored.Type)
	assert.Equal(t, store.ActionBlocked, stored.Action)

	list := env.do(t, http.MethodGet, "/v1/violations?subject=emp-2&resolved=false", nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Equal(t, 1, decode[ViolationList](t, list).Count)
}

func TestVerifySchemaViolations(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name  string
		body  any
		field string
	}{
		{"malformed", `{"subject_id":`, "/"},
		{"missing action", map[string]any{"subject_id": "emp-1"}, "/"},
		{"bad action", map[string]any{"subject_id": "emp-1", "action_type": "LUNCH"}, "/action_type"},
		{"latitude range", verifyBody("emp-1", 91, 0, time.Now()), "/primary/lat"},
		{"unknown field", map[string]any{"subject_id": "emp-1", "action_type": "CLOCK_IN", "extra": 1}, "/"},
		{"bad timestamp", map[string]any{
			"subject_id": "emp-1", "action_type": "CLOCK_IN",
			"primary": map[string]any{"lat": 1, "lon": 1, "captured_at": "yesterday"},
		}, "/primary/captured_at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/v1/verify", tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			var resp struct {
				Error   string            `json:"error"`
				Details []SchemaViolation `json:"details"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			require.NotEmpty(t, resp.Details)
			fields := make([]string, 0, len(resp.Details))
			for _, d := range resp.Details {
				fields = append(fields, d.Field)
			}
			assert.Contains(t, fields, tt.field)
		})
	}

	stats, err := env.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.HistoryEntries, "rejected requests must not be evaluated")
}

func TestVerifyRateLimited(t *testing.T) {
	limiter := security.NewKeyedLimiter(0.001, 1, time.Minute)
	env := newTestEnv(t, func(o *Options) { o.Limiter = limiter })

	first := env.do(t, http.MethodPost, "/v1/verify", verifyBody("emp-3", 40, -74, time.Now()))
	require.Equal(t, http.StatusOK, first.Code)

	second := env.do(t, http.MethodPost, "/v1/verify", verifyBody("emp-3", 40, -74, time.Now()))
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, uint64(1), env.metrics.RateLimited.Value())

	other := env.do(t, http.MethodPost, "/v1/verify", verifyBody("emp-4", 40, -74, time.Now()))
	assert.Equal(t, http.StatusOK, other.Code, "limits are per subject")

	entries, err := env.store.RecentHistory(context.Background(), "emp-3", 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "a rate limited request is not evaluated")
}

func TestVerifyResolvesIPCoordinates(t *testing.T) {
	cv := &capturingVerifier{}
	env := newTestEnv(t, func(o *Options) { o.Verifier = cv })

	body := verifyBody("emp-5", 40.7, -74.0, time.Now())
	body["ip"] = map[string]any{"ip": "203.0.113.9"}
	rec := env.do(t, http.MethodPost, "/v1/verify", body)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	require.True(t, cv.last.IP.HasCoordinates())
	assert.Equal(t, 40.71, *cv.last.IP.Lat)
	assert.Equal(t, "New York", cv.last.IP.City)
	assert.Equal(t, []string{"203.0.113.9"}, env.resolver.calls)

	// Supplied coordinates are left alone.
	body["ip"] = map[string]any{"ip": "203.0.113.9", "lat": 1.0, "lon": 2.0}
	rec = env.do(t, http.MethodPost, "/v1/verify", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1.0, *cv.last.IP.Lat)
	assert.Len(t, env.resolver.calls, 1)
}

func TestVerifyIPLookupFailure(t *testing.T) {
	cv := &capturingVerifier{}
	env := newTestEnv(t, func(o *Options) { o.Verifier = cv })
	env.resolver.loc, env.resolver.err = nil, errors.New("address not in database")

	body := verifyBody("emp-6", 40.7, -74.0, time.Now())
	body["ip"] = map[string]any{"ip": "198.51.100.1"}
	rec := env.do(t, http.MethodPost, "/v1/verify", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, cv.last.IP.HasCoordinates())
}

func TestResolveViolation(t *testing.T) {
	env := newTestEnv(t)

	body := verifyBody("emp-7", 40.0, -74.0, time.Now())
	body["device_flags"] = map[string]any{"is_rooted": true}
	v := decode[verify.Verdict](t, env.do(t, http.MethodPost, "/v1/verify", body))
	require.NotEmpty(t, v.ViolationID)

	path := "/v1/violations/" + v.ViolationID + "/resolve"
	rec := env.do(t, http.MethodPost, path, ResolveRequest{ResolverID: "sup-1", Notes: "known test device"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resolved := decode[store.ViolationRecord](t, rec)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, "sup-1", resolved.Resolution.ResolverID)

	again := env.do(t, http.MethodPost, path, ResolveRequest{ResolverID: "sup-2"})
	assert.Equal(t, http.StatusConflict, again.Code)

	missing := env.do(t, http.MethodPost, "/v1/violations/nope/resolve", ResolveRequest{ResolverID: "sup-1"})
	assert.Equal(t, http.StatusNotFound, missing.Code)

	noResolver := env.do(t, http.MethodPost, path, ResolveRequest{})
	assert.Equal(t, http.StatusBadRequest, noResolver.Code)
}

func TestGetViolationNotFound(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/v1/violations/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "violation not found", resp.Error)
	assert.NotEmpty(t, resp.RequestID)
}

func TestListViolationsBadFilter(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"resolved=maybe", "action=DENIED", "since=yesterday", "limit=0", "offset=-1"} {
		rec := env.do(t, http.MethodGet, "/v1/violations?"+q, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestHistoryNewestFirst(t *testing.T) {
	env := newTestEnv(t)
	start := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		rec := env.do(t, http.MethodPost, "/v1/verify",
			verifyBody("emp-8", 40.0+float64(i)*0.001, -74.0, start.Add(time.Duration(i)*time.Minute)))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := env.do(t, http.MethodGet, "/v1/history/emp-8?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[HistoryList](t, rec)
	require.Len(t, list.Entries, 2)
	assert.True(t, list.Entries[0].Sample.CapturedAt.After(list.Entries[1].Sample.CapturedAt))
	assert.InDelta(t, 40.002, list.Entries[0].Sample.Lat, 1e-9)
}

func TestHealthAndMetricsRoutes(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/healthz", "/readyz", "/health"} {
		rec := env.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}

	env.do(t, http.MethodPost, "/v1/verify", verifyBody("emp-9", 40, -74, time.Now()))
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "geoattest_verifications_total")
}

func TestUnknownRouteAndMethod(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v2/verify", nil).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, env.do(t, http.MethodGet, "/v1/verify", nil).Code)
}

func TestRequestBodyLimit(t *testing.T) {
	env := newTestEnv(t, func(o *Options) { o.MaxBodyBytes = 128 })
	body := fmt.Sprintf(`{"subject_id":"%s","action_type":"CLOCK_IN"}`, strings.Repeat("x", 200))
	rec := env.do(t, http.MethodPost, "/v1/verify", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/violations/missing", nil)
	req.Header.Set(RequestIDHeader, "7f1d3c1e-6c1b-4a9b-8a11-2f5d0c3e9b10")
	rec := httptest.NewRecorder()
	env.server.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "7f1d3c1e-6c1b-4a9b-8a11-2f5d0c3e9b10", rec.Header().Get(RequestIDHeader))
}
