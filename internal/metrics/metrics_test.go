// ABOUTME: Tests for the Prometheus collectors and their nil-safe helpers
// ABOUTME: Uses testutil to read counter values from a private registry

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveRequest(t *testing.T) {
	m := New()

	m.ObserveRequest("anonymous_allowed", "")
	m.ObserveRequest("authenticated", "")
	m.ObserveRequest("rejected", "MissingToken")
	m.ObserveRequest("rejected", "ExpiredToken")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("anonymous_allowed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("authenticated")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.requests.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("MissingToken")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("ExpiredToken")))
}

func TestAuditAndKeyCounters(t *testing.T) {
	m := New()

	m.AuditSinkFailed("sqlite")
	m.AuditDropped()
	m.AuditDropped()
	m.KeyRefresh("https://issuer.example/", true)
	m.KeyRefresh("https://issuer.example/", false)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.auditFailures.WithLabelValues("sqlite")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.auditDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keyRefreshes.WithLabelValues("https://issuer.example/", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.keyRefreshes.WithLabelValues("https://issuer.example/", "failure")))
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics

	m.ObserveRequest("rejected", "MissingToken")
	m.AuditSinkFailed("log")
	m.AuditDropped()
	m.KeyRefresh("issuer", true)
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveRequest("authenticated", "")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `mcpgate_requests_total{outcome="authenticated"} 1`))
}
