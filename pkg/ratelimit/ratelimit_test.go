package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telekom/omnibus-reconciler/pkg/apiresponses"
	"github.com/telekom/omnibus-reconciler/pkg/metrics"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestDefaultConfigs(t *testing.T) {
	apiCfg := DefaultAPIConfig()
	assert.Equal(t, float64(20), apiCfg.Rate)
	assert.Equal(t, 50, apiCfg.Burst)

	triggerCfg := DefaultTriggerConfig()
	assert.Less(t, triggerCfg.Rate, apiCfg.Rate, "trigger endpoints are more restrictive")
	assert.Less(t, triggerCfg.Burst, apiCfg.Burst)
}

func TestNewSetsDefaults(t *testing.T) {
	rl := New(Config{Rate: 10, Burst: 20})
	defer rl.Stop()

	assert.Equal(t, time.Minute, rl.Config().CleanupInterval)
	assert.Equal(t, 5*time.Minute, rl.Config().MaxAge)
}

func TestAllow(t *testing.T) {
	t.Run("blocks requests exceeding burst limit", func(t *testing.T) {
		rl := New(Config{Rate: 0.001, Burst: 3, CleanupInterval: time.Hour, MaxAge: time.Hour})
		defer rl.Stop()

		for i := 0; i < 3; i++ {
			assert.True(t, rl.Allow("10.0.0.1"), "request %d should be allowed", i)
		}
		assert.False(t, rl.Allow("10.0.0.1"))
	})

	t.Run("different clients have separate limits", func(t *testing.T) {
		rl := New(Config{Rate: 0.001, Burst: 1, CleanupInterval: time.Hour, MaxAge: time.Hour})
		defer rl.Stop()

		assert.True(t, rl.Allow("10.0.0.1"))
		assert.False(t, rl.Allow("10.0.0.1"))
		assert.True(t, rl.Allow("10.0.0.2"))
		assert.Equal(t, 2, rl.Len())
	})
}

func TestMiddleware(t *testing.T) {
	rl := New(Config{Rate: 0.001, Burst: 2, CleanupInterval: time.Hour, MaxAge: time.Hour})
	defer rl.Stop()

	router := gin.New()
	router.Use(rl.Middleware())
	router.POST("/api/reconcile", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	before := testutil.ToFloat64(metrics.APIRateLimited.WithLabelValues("/api/reconcile"))
	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/reconcile", nil)
		req.RemoteAddr = "192.0.2.10:5555"
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			var body apiresponses.APIError
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, "RATE_LIMITED", body.Code)
		}
	}

	assert.Equal(t, []int{http.StatusAccepted, http.StatusAccepted, http.StatusTooManyRequests}, codes)
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.APIRateLimited.WithLabelValues("/api/reconcile")))
}

func TestMiddlewareWithKeyFunc(t *testing.T) {
	rl := New(Config{Rate: 0.001, Burst: 1, CleanupInterval: time.Hour, MaxAge: time.Hour}).
		WithKeyFunc(func(c *gin.Context) string { return c.GetHeader("X-Client") })
	defer rl.Stop()

	router := gin.New()
	router.Use(rl.Middleware())
	router.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	send := func(client string) int {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Client", client)
		router.ServeHTTP(w, req)
		return w.Code
	}
	assert.Equal(t, http.StatusOK, send("a"))
	assert.Equal(t, http.StatusTooManyRequests, send("a"))
	assert.Equal(t, http.StatusOK, send("b"))
}

func TestCleanup(t *testing.T) {
	rl := New(Config{Rate: 1, Burst: 1, CleanupInterval: time.Hour, MaxAge: time.Minute})
	defer rl.Stop()

	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.Allow("stale")
	now = now.Add(30 * time.Second)
	rl.Allow("fresh")

	now = now.Add(45 * time.Second)
	rl.cleanupStaleEntries()

	assert.Equal(t, 1, rl.Len())
	rl.mu.Lock()
	_, ok := rl.entries["fresh"]
	rl.mu.Unlock()
	assert.True(t, ok)
}

func TestStopIsIdempotent(t *testing.T) {
	rl := New(DefaultAPIConfig())
	rl.Stop()
	assert.NotPanics(t, rl.Stop)
}
