package telemetry

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	internaltelemetry "github.com/sushant-115/nvmehint/internal/telemetry"
)

func TestDisabledTelemetryIsNoop(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: false})
	require.NoError(t, err)
	require.NotNil(t, tel.Tracer)
	require.NotNil(t, tel.Meter)
	require.Nil(t, tel.Handler)
	require.NoError(t, shutdown(context.Background()))
}

func TestEnabledTelemetryExportsHintMetrics(t *testing.T) {
	tel, shutdown, err := New(Config{Enabled: true, ServiceName: "nvmehint-test"})
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	metrics, err := internaltelemetry.NewHintMetrics(tel.Meter)
	require.NoError(t, err)
	metrics.Submitted(context.Background(), "clean")

	rec := httptest.NewRecorder()
	tel.Handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "nvmehint_hints_submitted")
}

func TestMetricsEndpointServes(t *testing.T) {
	_, shutdown, err := New(Config{Enabled: true, PrometheusAddr: "127.0.0.1:0"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
