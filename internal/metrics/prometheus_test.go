package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRegisterMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	RegisterMetricsEndpointWithPath(router, DefaultPath)
	RecordAcquisition(OutcomeTimeout, 0.1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# HELP")
	assert.Contains(t, rec.Body.String(), "lock_acquisitions_total")
}

func TestRegisterMetricsEndpointWithPath(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()

	RegisterMetricsEndpointWithPath(router, "/custom/metrics")

	req := httptest.NewRequest("GET", "/custom/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRecordAcquisition_TracksHeld(t *testing.T) {
	before := testutil.ToFloat64(LocksHeld)
	acquired := testutil.ToFloat64(LockAcquisitions.WithLabelValues(OutcomeAcquired))

	RecordAcquisition(OutcomeAcquired, 0.01)
	assert.Equal(t, before+1, testutil.ToFloat64(LocksHeld))
	assert.Equal(t, acquired+1, testutil.ToFloat64(LockAcquisitions.WithLabelValues(OutcomeAcquired)))

	RecordAcquisition(OutcomeError, 0.01)
	assert.Equal(t, before+1, testutil.ToFloat64(LocksHeld))

	RecordRelease(OutcomeReleased)
	assert.Equal(t, before, testutil.ToFloat64(LocksHeld))
}

func TestRecordRelease_NoopKeepsHeld(t *testing.T) {
	before := testutil.ToFloat64(LocksHeld)

	RecordRelease(OutcomeNoop)
	RecordRelease(OutcomeLost)

	assert.Equal(t, before, testutil.ToFloat64(LocksHeld))
}

func TestRecordLockLost(t *testing.T) {
	RecordAcquisition(OutcomeAcquired, 0.01)
	held := testutil.ToFloat64(LocksHeld)
	lost := testutil.ToFloat64(LocksLost)

	RecordLockLost()

	assert.Equal(t, held-1, testutil.ToFloat64(LocksHeld))
	assert.Equal(t, lost+1, testutil.ToFloat64(LocksLost))
}

func TestRecordConnectionStateAndLeadership(t *testing.T) {
	// This should not panic
	RecordConnectionState("SUSPENDED")
	RecordConnectionState("RECONNECTED")
	RecordLeadership("acquired")
	RecordLeadership("lost")

	assert.Equal(t, 1.0, testutil.ToFloat64(ConnectionStateChanges.WithLabelValues("RECONNECTED")))
}

func TestMetricsAreRegistered(t *testing.T) {
	metrics := []prometheus.Collector{
		LockAcquisitions,
		LockAcquireDuration,
		LocksHeld,
		LockReleases,
		LocksLost,
		ConnectionStateChanges,
		LeadershipTransitions,
	}

	for _, metric := range metrics {
		assert.NotNil(t, metric)
	}
}
