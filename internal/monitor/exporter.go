package monitor

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Priya8975/sales-webhooks/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Exporter publishes delivery metrics in Prometheus format through an
// OpenTelemetry meter provider. It owns its registry so tests and multiple
// instances do not collide on the global one.
type Exporter struct {
	registry      *prometheus.Registry
	meterProvider *sdkmetric.MeterProvider
	aggregator    *Aggregator
	alerts        *AlertManager

	meter      metric.Meter
	attempts   metric.Int64Counter
	latency    metric.Float64Histogram
	queueDepth metric.Int64ObservableGauge
	errorRate  metric.Float64ObservableGauge
	active     metric.Int64ObservableGauge
}

func NewExporter(aggregator *Aggregator, alerts *AlertManager) (*Exporter, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := meterProvider.Meter(
		"sales-webhooks",
		metric.WithInstrumentationVersion("1.0.0"),
	)

	e := &Exporter{
		registry:      registry,
		meterProvider: meterProvider,
		aggregator:    aggregator,
		alerts:        alerts,
		meter:         meter,
	}
	if err := e.registerInstruments(); err != nil {
		return nil, fmt.Errorf("registering instruments: %w", err)
	}
	return e, nil
}

func (e *Exporter) registerInstruments() error {
	var err error

	e.attempts, err = e.meter.Int64Counter(
		"webhook.delivery.attempts",
		metric.WithDescription("Physical delivery attempts by outcome"),
		metric.WithUnit("{attempts}"),
	)
	if err != nil {
		return fmt.Errorf("creating attempts counter: %w", err)
	}

	e.latency, err = e.meter.Float64Histogram(
		"webhook.delivery.latency",
		metric.WithDescription("Delivery attempt latency"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000),
	)
	if err != nil {
		return fmt.Errorf("creating latency histogram: %w", err)
	}

	e.queueDepth, err = e.meter.Int64ObservableGauge(
		"webhook.retry.queue_depth",
		metric.WithDescription("Jobs waiting in the retry queue"),
		metric.WithUnit("{jobs}"),
		metric.WithInt64Callback(e.observeQueueDepth),
	)
	if err != nil {
		return fmt.Errorf("creating queue depth gauge: %w", err)
	}

	e.errorRate, err = e.meter.Float64ObservableGauge(
		"webhook.delivery.error_rate",
		metric.WithDescription("Rolling delivery error rate over the monitor window"),
		metric.WithUnit("1"),
		metric.WithFloat64Callback(e.observeErrorRate),
	)
	if err != nil {
		return fmt.Errorf("creating error rate gauge: %w", err)
	}

	e.active, err = e.meter.Int64ObservableGauge(
		"webhook.alerts.active",
		metric.WithDescription("Firing alerts by type"),
		metric.WithUnit("{alerts}"),
		metric.WithInt64Callback(e.observeActiveAlerts),
	)
	if err != nil {
		return fmt.Errorf("creating active alerts gauge: %w", err)
	}

	return nil
}

// RecordAttempt counts one attempt and records its latency.
func (e *Exporter) RecordAttempt(a domain.DeliveryAttempt) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("outcome", string(a.Outcome)))
	e.attempts.Add(ctx, 1, attrs)
	e.latency.Record(ctx, float64(a.LatencyMs), attrs)
}

func (e *Exporter) observeQueueDepth(_ context.Context, observer metric.Int64Observer) error {
	r := e.aggregator.HealthReport("", 0)
	observer.Observe(int64(r.QueueDepth))
	return nil
}

func (e *Exporter) observeErrorRate(_ context.Context, observer metric.Float64Observer) error {
	r := e.aggregator.HealthReport("", 0)
	observer.Observe(r.ErrorRate)
	return nil
}

func (e *Exporter) observeActiveAlerts(_ context.Context, observer metric.Int64Observer) error {
	counts := make(map[AlertType]int64)
	for _, a := range e.alerts.Active() {
		counts[a.Type]++
	}
	for typ, n := range counts {
		observer.Observe(n, metric.WithAttributes(attribute.String("alert.type", string(typ))))
	}
	return nil
}

// Handler serves the registry in Prometheus text format.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

func (e *Exporter) Shutdown(ctx context.Context) error {
	if e.meterProvider != nil {
		return e.meterProvider.Shutdown(ctx)
	}
	return nil
}
