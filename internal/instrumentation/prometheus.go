package instrumentation

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsPath is where the Prometheus scrape endpoint is mounted.
const MetricsPath = "/metrics"

// PrometheusExporter backs the instruments with an SDK meter provider
// whose reader is scraped in the Prometheus text format.
type PrometheusExporter struct {
	provider *sdkmetric.MeterProvider
	handler  http.Handler
}

// NewPrometheusExporter creates an exporter with its own registry, so
// nothing is registered on the process-wide default registerer.
func NewPrometheusExporter() (*PrometheusExporter, error) {
	reg := prometheus.NewRegistry()

	reader, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	return &PrometheusExporter{
		provider: sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		handler:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}, nil
}

// MeterProvider returns the provider to pass in Config.MeterProvider.
func (e *PrometheusExporter) MeterProvider() metric.MeterProvider {
	return e.provider
}

// Handler serves the scrape endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return e.handler
}

// Shutdown flushes and stops the meter provider.
func (e *PrometheusExporter) Shutdown(ctx context.Context) error {
	return e.provider.Shutdown(ctx)
}
