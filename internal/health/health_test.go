package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func healthy(context.Context) CheckResult { return CheckResult{Status: StatusHealthy} }

func TestCheckSettlesAll(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("db", true, healthy)
	c.RegisterFunc("panics", false, func(context.Context) CheckResult { panic("boom") })
	c.Register(&Component{
		Name:    "slow",
		Timeout: 20 * time.Millisecond,
		Check: func(ctx context.Context) CheckResult {
			<-ctx.Done()
			time.Sleep(10 * time.Millisecond)
			return CheckResult{Status: StatusHealthy}
		},
	})

	results := c.Check(context.Background())
	require.Len(t, results, 3)
	assert.Equal(t, StatusHealthy, results["db"].Status)
	assert.Equal(t, StatusUnhealthy, results["panics"].Status)
	assert.Equal(t, "boom", results["panics"].Error)
	assert.Equal(t, StatusUnhealthy, results["slow"].Status)
	assert.Equal(t, "check timed out", results["slow"].Message)

	assert.Equal(t, StatusDegraded, c.OverallStatus())
	assert.Equal(t, []string{"db", "panics", "slow"}, c.Names())
}

func TestOverallStatusCritical(t *testing.T) {
	c := NewChecker()
	assert.Equal(t, StatusHealthy, c.OverallStatus())

	c.RegisterFunc("db", true, DatabaseCheck(func(context.Context) error { return errors.New("locked") }))
	assert.Equal(t, StatusUnknown, c.OverallStatus())

	c.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, c.OverallStatus())
	res, ok := c.CheckComponent(context.Background(), "db")
	require.True(t, ok)
	assert.Equal(t, "locked", res.Error)

	_, ok = c.CheckComponent(context.Background(), "missing")
	assert.False(t, ok)
}

func TestLedgerCheck(t *testing.T) {
	ok := true
	check := LedgerCheck(func() bool { return ok })
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)
	ok = false
	assert.Equal(t, StatusUnhealthy, check(context.Background()).Status)
}

func TestRedisCheck(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	check := RedisCheck(client)
	assert.Equal(t, StatusHealthy, check(context.Background()).Status)

	mr.Close()
	res := check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestKafkaCheckNoBroker(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res := KafkaCheck([]string{"127.0.0.1:1"})(ctx)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.NotEmpty(t, res.Error)
}

func TestHandlers(t *testing.T) {
	c := NewChecker()
	c.RegisterFunc("db", true, healthy)

	rec := httptest.NewRecorder()
	c.LivenessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	c.SetReady(true)
	rec = httptest.NewRecorder()
	c.ReadinessHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	c.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health?full=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, StatusHealthy, resp.Status)
	assert.True(t, resp.Ready)
	assert.Contains(t, resp.Components, "db")
}
