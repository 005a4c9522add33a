// Package telemetry sets up OpenTelemetry metrics and tracing for nvmehint.
// Metrics are exported in Prometheus format on /metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// Config holds all the configuration for the telemetry system.
type Config struct {
	// Enabled toggles the entire telemetry system on or off.
	Enabled bool `yaml:"enabled"`
	// ServiceName appears on every exported metric and span.
	ServiceName string `yaml:"service_name"`
	// PrometheusAddr is the listen address of the /metrics endpoint, e.g.
	// ":9464". Empty keeps the endpoint off while still collecting.
	PrometheusAddr string `yaml:"prometheus_addr"`
	// TraceSampleRatio is the fraction of hint dispatches traced. Values
	// outside (0, 1] mean 1.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// DefaultConfig returns a disabled telemetry config.
func DefaultConfig() Config {
	return Config{ServiceName: "nvmehint", TraceSampleRatio: 0.01}
}

// Telemetry represents the active telemetry components.
type Telemetry struct {
	Tracer  trace.Tracer
	Meter   metric.Meter
	Handler http.Handler // nil when disabled

	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	server         *http.Server
}

// ShutdownFunc flushes and stops the providers and the metrics endpoint.
type ShutdownFunc func(ctx context.Context) error

// New initializes metrics and tracing. When telemetry is disabled the
// returned Tracer and Meter are no-ops.
func New(config Config) (*Telemetry, ShutdownFunc, error) {
	if !config.Enabled {
		return &Telemetry{
			Tracer: nooptrace.NewTracerProvider().Tracer(""),
			Meter:  noop.NewMeterProvider().Meter(""),
		}, func(context.Context) error { return nil }, nil
	}
	if config.ServiceName == "" {
		config.ServiceName = "nvmehint"
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(config.ServiceName),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// A private registry keeps repeated New calls (tests, the shell) from
	// colliding on the global Prometheus registerer.
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	sampleRatio := config.TraceSampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1.0
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)

	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	tel := &Telemetry{
		Tracer:         tracerProvider.Tracer(config.ServiceName),
		Meter:          meterProvider.Meter(config.ServiceName),
		Handler:        mux,
		tracerProvider: tracerProvider,
		meterProvider:  meterProvider,
	}

	if config.PrometheusAddr != "" {
		ln, err := net.Listen("tcp", config.PrometheusAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to listen on %s: %w", config.PrometheusAddr, err)
		}
		tel.server = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := tel.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				otel.Handle(fmt.Errorf("prometheus http server failed: %w", err))
			}
		}()
	}

	return tel, tel.shutdown, nil
}

func (t *Telemetry) shutdown(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var errs []error
	if t.server != nil {
		if err := t.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop metrics endpoint: %w", err))
		}
	}
	if err := t.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
	}
	if err := t.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
	}
	return errors.Join(errs...)
}
