package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/tyemirov/curriculumconsole/internal/authserver"
	"github.com/tyemirov/curriculumconsole/pkg/sessionclient"
)

var (
	_ sessionclient.MetricsRecorder = (*PrometheusRecorder)(nil)
	_ authserver.MetricsRecorder    = (*PrometheusRecorder)(nil)
)

func TestPrometheusRecorderCountsEvents(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder, err := NewPrometheusRecorder(registry, "curriculumconsole", "session")
	require.NoError(t, err)

	recorder.Increment(sessionclient.EventRefreshExchange)
	recorder.Increment(sessionclient.EventRefreshExchange)
	recorder.Increment(sessionclient.EventGatewayRetry)

	require.Equal(t, 2.0, testutil.ToFloat64(recorder.events.WithLabelValues(sessionclient.EventRefreshExchange)))
	require.Equal(t, 1.0, testutil.ToFloat64(recorder.events.WithLabelValues(sessionclient.EventGatewayRetry)))
}

func TestPrometheusRecorderReusesRegisteredCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	first, err := NewPrometheusRecorder(registry, "curriculumconsole", "session")
	require.NoError(t, err)
	second, err := NewPrometheusRecorder(registry, "curriculumconsole", "session")
	require.NoError(t, err)

	first.Increment(sessionclient.EventSessionStarted)
	second.Increment(sessionclient.EventSessionStarted)
	require.Equal(t, 2.0, testutil.ToFloat64(first.events.WithLabelValues(sessionclient.EventSessionStarted)))
}

func TestHandlerExposesCounters(t *testing.T) {
	registry := prometheus.NewRegistry()
	recorder, err := NewPrometheusRecorder(registry, "curriculumconsole", "auth")
	require.NoError(t, err)
	recorder.Increment(authserver.EventLoginSuccess)

	response := httptest.NewRecorder()
	Handler(registry).ServeHTTP(response, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, response.Code)
	require.Contains(t, response.Body.String(), `curriculumconsole_auth_events_total{event="auth.login.success"} 1`)
}
