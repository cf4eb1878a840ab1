package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/khryptorgraphics/ollamamax/internal/config"
	"github.com/khryptorgraphics/ollamamax/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func jsonBody(t *testing.T, v interface{}) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func init() {
	gin.SetMode(gin.TestMode)
}

func TestMapQueuePriority(t *testing.T) {
	cases := map[types.Priority]types.QueuePriority{
		types.PriorityCritical: types.QueuePriorityCritical,
		types.PriorityHigh:     types.QueuePriorityHigh,
		types.PriorityMedium:   types.QueuePriorityNormal,
		types.PriorityLow:      types.QueuePriorityLow,
		types.Priority("junk"): types.QueuePriorityNormal,
	}
	for in, want := range cases {
		assert.Equal(t, want, mapQueuePriority(in))
	}
}

func TestRootHandler(t *testing.T) {
	s := &Server{logger: testLogger()}
	router := gin.New()
	router.GET("/", s.rootHandler)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestSubmitTaskHandlerRejectsMissingType(t *testing.T) {
	s := &Server{logger: testLogger()}
	router := gin.New()
	router.POST("/task", s.submitTaskHandler)

	req := httptest.NewRequest(http.MethodPost, "/task", jsonBody(t, map[string]interface{}{
		"title": "no type here",
	}))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "error", body["status"])
}

func TestRateLimitConfigDefaults(t *testing.T) {
	rateLimitConfig := config.DefaultConfig().API.RateLimit
	assert.True(t, rateLimitConfig.Enabled)
	assert.Equal(t, 100, rateLimitConfig.RequestsPer)
	assert.Equal(t, time.Minute, rateLimitConfig.Duration)
}

func TestCorsConfigDefaults(t *testing.T) {
	corsConfig := config.DefaultConfig().API.Cors
	assert.True(t, corsConfig.Enabled)
	assert.NotEmpty(t, corsConfig.AllowedOrigins)
}

func TestDefaultConfigIsWellFormed(t *testing.T) {
	cfg := config.DefaultConfig()
	require.NotNil(t, cfg)
	assert.NotEmpty(t, cfg.JWT.SecretKey)
	assert.NotEmpty(t, cfg.API.Listen)
	assert.NotEmpty(t, cfg.Auth.JWTSecret)
	assert.NotEmpty(t, cfg.Database.DSN)
}
