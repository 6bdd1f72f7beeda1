package otel

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metrics holds the engine's instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	decisions    metric.Int64Counter
	deliveries   metric.Int64Counter
	duration     metric.Float64Histogram
	activeTables metric.Int64UpDownCounter
}

// NewMetrics creates the instruments on provider. A nil provider uses a no-op meter.
func NewMetrics(provider metric.MeterProvider) (*Metrics, error) {
	if provider == nil {
		provider = noop.NewMeterProvider()
	}
	meter := provider.Meter(instrumentationName)
	decisions, err := meter.Int64Counter("fluxbase.policy.decisions",
		metric.WithDescription("Authorization decisions by role and outcome."))
	if err != nil {
		return nil, err
	}
	deliveries, err := meter.Int64Counter("fluxbase.webhook.deliveries",
		metric.WithDescription("Webhook delivery attempts by outcome."))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("fluxbase.webhook.delivery.duration",
		metric.WithDescription("Outbound webhook request duration."), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("fluxbase.watch.active_tables",
		metric.WithDescription("Tables with an installed change hook."))
	if err != nil {
		return nil, err
	}
	return &Metrics{decisions: decisions, deliveries: deliveries, duration: duration, activeTables: active}, nil
}

// ObserveDecision counts one policy decision.
func (m *Metrics) ObserveDecision(ctx context.Context, role string, allowed bool) {
	if m == nil {
		return
	}
	m.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("role", role),
		attribute.String("allowed", strconv.FormatBool(allowed)),
	))
}

// ObserveDelivery counts one delivery attempt and records its duration.
func (m *Metrics) ObserveDelivery(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.deliveries.Add(ctx, 1, attrs)
	m.duration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
}

// HookInstalled adjusts the active table gauge by +1 or -1.
func (m *Metrics) HookInstalled(ctx context.Context, installed bool) {
	if m == nil {
		return
	}
	delta := int64(1)
	if !installed {
		delta = -1
	}
	m.activeTables.Add(ctx, delta)
}
