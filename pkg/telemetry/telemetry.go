// Package telemetry sets up OpenTelemetry metrics and tracing for GojoPage.
// Metrics are exported through a Prometheus scrape endpoint.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.34.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/multierr"
)

const shutdownTimeout = 5 * time.Second

// Config holds all the configuration for the telemetry system.
type Config struct {
	// Enabled toggles the entire telemetry system on or off.
	Enabled bool `yaml:"enabled"`
	// ServiceName is the name of the service that will appear in traces and metrics.
	ServiceName string `yaml:"service_name"`
	// PrometheusPort is the port serving /metrics. Zero picks a free port.
	PrometheusPort int `yaml:"prometheus_port"`
	// TraceSampleRatio is the fraction of traces to sample (e.g., 0.01 for 1%).
	// Out of range values sample everything.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// Telemetry represents the active telemetry components.
type Telemetry struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	server   *http.Server
	listener net.Listener
}

// ShutdownFunc is a function that gracefully shuts down the telemetry providers.
type ShutdownFunc func(ctx context.Context) error

// MetricsAddr returns the address of the scrape endpoint, or "" when telemetry
// is disabled.
func (t *Telemetry) MetricsAddr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// New initializes the OpenTelemetry SDK and starts the metrics endpoint. The
// returned ShutdownFunc stops the endpoint and flushes both providers.
func New(config Config) (*Telemetry, ShutdownFunc, error) {
	// Disabled telemetry still hands out working no-op providers.
	if !config.Enabled {
		return &Telemetry{
			Tracer: nooptrace.NewTracerProvider().Tracer(""),
			Meter:  noop.NewMeterProvider().Meter(""),
		}, func(ctx context.Context) error { return nil }, nil
	}

	// --- Resource ---
	// Identifies this process in every exported metric and span.
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

	// --- Metrics Setup (Prometheus) ---
	// The exporter is a pull reader: it collects when /metrics is scraped.
	exporter, err := prometheus.New()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", config.PrometheusPort))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to listen for metrics: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)

	// --- Tracing Setup ---
	// Child spans follow their parent's decision; roots are sampled by ratio.
	sampleRatio := config.TraceSampleRatio
	if sampleRatio <= 0 || sampleRatio > 1 {
		sampleRatio = 1.0
	}
	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(sampleRatio))),
	)

	// Register globally so libraries using otel pick the providers up.
	otel.SetTracerProvider(tracerProvider)
	otel.SetMeterProvider(meterProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	// --- Scrape Endpoint ---
	// Served on its own listener, apart from the admin API.
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			otel.Handle(fmt.Errorf("prometheus http server failed: %w", err))
		}
	}()

	tel := &Telemetry{
		TracerProvider: tracerProvider,
		MeterProvider:  meterProvider,
		Tracer:         tracerProvider.Tracer(config.ServiceName),
		Meter:          meterProvider.Meter(config.ServiceName),
		server:         server,
		listener:       listener,
	}

	shutdown := func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
		defer cancel()

		// Stop scraping first, then flush spans and metrics.
		var errs error
		if err := server.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to stop metrics server: %w", err))
		}
		if err := tracerProvider.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to shutdown tracer provider: %w", err))
		}
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to shutdown meter provider: %w", err))
		}
		return errs
	}

	return tel, shutdown, nil
}
