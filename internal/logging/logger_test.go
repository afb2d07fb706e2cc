package logging

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	logger := NewLogger("test-service", "info")

	assert.NotNil(t, logger)
}

func TestNewLogger_ParseLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel}, // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logger := NewLogger("test-service", tt.level)
			assert.Equal(t, tt.expected, logger.GetLevel())
		})
	}
}

func TestNewPrettyLogger(t *testing.T) {
	logger := NewPrettyLogger("test-service", "debug")

	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := ContextWithLogger(context.Background(), logger)

	extracted := LoggerFromContext(ctx)
	extracted.Info().Msg("from context")

	assert.Contains(t, buf.String(), "from context")
}

func TestLockLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	logger := LockLogger(base, "/jobs/nightly", "zookeeper")
	logger.Warn().Msg("lock is considered lost")

	output := buf.String()
	assert.Contains(t, output, `"key":"/jobs/nightly"`)
	assert.Contains(t, output, `"backend":"zookeeper"`)
}

func TestBackendLogger(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	logger := BackendLogger(base, "redis")
	logger.Info().Msg("session started")

	assert.Contains(t, buf.String(), `"component":"lock"`)
	assert.Contains(t, buf.String(), `"backend":"redis"`)
}

func TestRequestLogger(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		statusCode int
		level      string
	}{
		{"client_error", http.StatusNotFound, "warn"},
		{"server_error", http.StatusServiceUnavailable, "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := zerolog.New(&buf)

			router := gin.New()
			router.Use(RequestLogger(logger))
			router.GET("/health", func(c *gin.Context) {
				c.Status(tt.statusCode)
			})

			req := httptest.NewRequest("GET", "/health", nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			require.Equal(t, tt.statusCode, rec.Code)
			assert.Contains(t, buf.String(), "http_request")
			assert.Contains(t, buf.String(), `"level":"`+tt.level+`"`)
			assert.Contains(t, buf.String(), "/health")
		})
	}
}
