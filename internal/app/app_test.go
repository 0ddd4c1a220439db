package app

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat-backend/internal/common/errors"
	"chat-backend/internal/common/logging"
	"chat-backend/internal/common/ratelimit"
	"chat-backend/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:                    "8080",
		LogLevel:                "info",
		LimiterBackend:          "local",
		LimiterKeyPrefix:        "chat:limits:",
		LimiterFailPolicy:       "closed",
		LimiterOperationTimeout: "250ms",
		RedisDB:                 "0",
		RedisPoolSize:           "10",
	}
}

func TestLimiterConfig(t *testing.T) {
	cfg := testConfig()
	cfg.LimiterBackend = "distributed"
	cfg.LimiterFailPolicy = "open"
	cfg.LimiterOperationTimeout = "100ms"
	cfg.LimiterBreakerEnabled = true
	cfg.RedisAddress = "redis:6379"
	cfg.RedisDB = "3"
	cfg.RedisPoolSize = "20"

	lc, err := LimiterConfig(cfg)
	require.NoError(t, err)

	assert.Equal(t, ratelimit.BackendDistributed, lc.Backend)
	assert.Equal(t, ratelimit.FailOpen, lc.FailurePolicy)
	assert.Equal(t, 100*time.Millisecond, lc.OperationTimeout)
	assert.Equal(t, "redis:6379", lc.Redis.Address)
	assert.Equal(t, 3, lc.Redis.DB)
	assert.Equal(t, 20, lc.Redis.PoolSize)
	require.NotNil(t, lc.Breaker)
	assert.Equal(t, 5, lc.Breaker.MaxFailures)
}

func TestLimiterConfig_LocalIgnoresRedis(t *testing.T) {
	cfg := testConfig()
	cfg.RedisAddress = "redis:6379"
	cfg.LimiterBreakerEnabled = true

	lc, err := LimiterConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, ratelimit.BackendLocal, lc.Backend)
	assert.Empty(t, lc.Redis.Address)
	assert.Nil(t, lc.Breaker)
}

func TestNew_UnknownBackendIsFatal(t *testing.T) {
	cfg := testConfig()
	cfg.LimiterBackend = "memcached"

	app, err := New(cfg, logging.NewNopLogger())
	require.Error(t, err)
	assert.Nil(t, app)
	assert.True(t, errors.IsType(err, errors.ErrTypeConfig))
}

func TestRoutes_Local(t *testing.T) {
	app, err := New(testConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	defer app.Cleanup()

	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "local", health["backend"])

	stats, err := http.Get(srv.URL + "/api/limits/stats")
	require.NoError(t, err)
	defer stats.Body.Close()
	assert.Equal(t, http.StatusOK, stats.StatusCode)
}

func TestRoutes_MetricsExposeStoreCollectors(t *testing.T) {
	app, err := New(testConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	defer app.Cleanup()

	_, err = app.Stores.RateLimit.Hit(context.Background(), "user:1", 3, time.Minute)
	require.NoError(t, err)

	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `chat_limits_rate_limit_hits_total{backend="local",result="allowed"} 1`)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestRoutes_DistributedHealth(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.LimiterBackend = "distributed"
	cfg.RedisAddress = mr.Addr()

	app, err := New(cfg, logging.NewNopLogger())
	require.NoError(t, err)
	defer app.Cleanup()

	srv := httptest.NewServer(app.Routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	mr.Close()

	resp, err = http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "unhealthy", health["status"])
}

func TestRoutes_MatchHandlerAnnotations(t *testing.T) {
	src, err := os.ReadFile(filepath.Join("..", "handlers", "handlers.go"))
	require.NoError(t, err)

	annotated := regexp.MustCompile(`// @Router (\S+) \[(\w+)\]`).FindAllStringSubmatch(string(src), -1)
	require.Len(t, annotated, 2)

	app, err := New(testConfig(), logging.NewNopLogger())
	require.NoError(t, err)
	defer app.Cleanup()
	router := app.Routes()

	for _, m := range annotated {
		path, method := m[1], strings.ToUpper(m[2])
		t.Run(method+" "+path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, httptest.NewRequest(method, path, nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		})
	}
}

func TestRun_FailsWhenLogFileCannotOpen(t *testing.T) {
	original := logging.GetGlobalLogger()
	defer logging.SetGlobalLogger(original)

	t.Setenv("LOG_FILE", filepath.Join(t.TempDir(), "missing", "service.log"))

	err := Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open log file")
}

func TestRun_FailsOnInvalidConfig(t *testing.T) {
	original := logging.GetGlobalLogger()
	defer logging.SetGlobalLogger(original)

	t.Setenv("LOG_FILE", filepath.Join(t.TempDir(), "service.log"))
	t.Setenv("LIMITER_BACKEND", "memcached")

	err := Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LIMITER_BACKEND must be")
}
