package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kneutral-org/sessionlock/internal/lock"
	"github.com/kneutral-org/sessionlock/internal/logging"
	"github.com/kneutral-org/sessionlock/internal/metrics"
)

// newStatusRouter serves the lock and session state of a run.
// /health answers 200 only while the lock is held on a connected session.
func newStatusRouter(key, backendName, metricsPath string, lockStatus func() string, sessionState func() lock.ConnectionState, logger zerolog.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.RequestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		state := sessionState()
		status := lockStatus()

		code := http.StatusOK
		if status != statusHeld || !state.IsConnected() {
			code = http.StatusServiceUnavailable
		}

		c.JSON(code, gin.H{
			"key":     key,
			"backend": backendName,
			"lock":    status,
			"session": state.String(),
		})
	})

	metrics.RegisterMetricsEndpointWithPath(router, metricsPath)

	return router
}
