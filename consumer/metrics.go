package consumer

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type harnessMetrics struct {
	processed     metric.Int64Counter
	duplicates    metric.Int64Counter
	deadLettered  metric.Int64Counter
	handleLatency metric.Float64Histogram
}

func newHarnessMetrics(provider metric.MeterProvider) (harnessMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventrelay.consumer")

	var (
		metrics harnessMetrics
		err     error
	)

	metrics.processed, err = meter.Int64Counter(
		"consumer.messages.processed",
		metric.WithDescription("Number of messages handled and committed"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return harnessMetrics{}, fmt.Errorf("create consumer.messages.processed counter: %w", err)
	}

	metrics.duplicates, err = meter.Int64Counter(
		"consumer.messages.duplicates",
		metric.WithDescription("Number of redeliveries acknowledged via the idempotency ledger"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return harnessMetrics{}, fmt.Errorf("create consumer.messages.duplicates counter: %w", err)
	}

	metrics.deadLettered, err = meter.Int64Counter(
		"consumer.messages.dead_lettered",
		metric.WithDescription("Number of messages quarantined to the dead-letter store"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return harnessMetrics{}, fmt.Errorf("create consumer.messages.dead_lettered counter: %w", err)
	}

	metrics.handleLatency, err = meter.Float64Histogram(
		"consumer.handle.latency",
		metric.WithDescription("Time taken to process one delivery"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return harnessMetrics{}, fmt.Errorf("create consumer.handle.latency histogram: %w", err)
	}

	return metrics, nil
}

func (metrics harnessMetrics) addProcessed(ctx context.Context) {
	if metrics.processed == nil {
		return
	}

	metrics.processed.Add(ctx, 1)
}

func (metrics harnessMetrics) addDuplicate(ctx context.Context) {
	if metrics.duplicates == nil {
		return
	}

	metrics.duplicates.Add(ctx, 1)
}

func (metrics harnessMetrics) addDeadLettered(ctx context.Context) {
	if metrics.deadLettered == nil {
		return
	}

	metrics.deadLettered.Add(ctx, 1)
}

func (metrics harnessMetrics) recordLatency(ctx context.Context, seconds float64) {
	if metrics.handleLatency == nil {
		return
	}

	metrics.handleLatency.Record(ctx, seconds)
}
