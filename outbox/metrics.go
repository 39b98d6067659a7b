package outbox

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

type dispatcherMetrics struct {
	dispatched      metric.Int64Counter
	failed          metric.Int64Counter
	dispatchLatency metric.Float64Histogram
	queueDepth      metric.Int64Gauge
}

func newDispatcherMetrics(provider metric.MeterProvider) (dispatcherMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventrelay.outbox.dispatcher")

	var (
		metrics dispatcherMetrics
		err     error
	)

	metrics.dispatched, err = meter.Int64Counter(
		"outbox.messages.dispatched",
		metric.WithDescription("Number of outbox messages successfully published"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.dispatched counter: %w", err)
	}

	metrics.failed, err = meter.Int64Counter(
		"outbox.messages.failed",
		metric.WithDescription("Number of outbox messages that failed to publish"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.messages.failed counter: %w", err)
	}

	metrics.dispatchLatency, err = meter.Float64Histogram(
		"outbox.dispatch.latency",
		metric.WithDescription("Time taken per dispatch cycle"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.dispatch.latency histogram: %w", err)
	}

	metrics.queueDepth, err = meter.Int64Gauge(
		"outbox.queue.depth",
		metric.WithDescription("Number of undelivered outbox messages selected in a dispatch cycle"),
		metric.WithUnit("{message}"),
	)
	if err != nil {
		return dispatcherMetrics{}, fmt.Errorf("create outbox.queue.depth gauge: %w", err)
	}

	return metrics, nil
}

func (metrics dispatcherMetrics) addDispatched(ctx context.Context, count int64) {
	if metrics.dispatched == nil || count <= 0 {
		return
	}

	metrics.dispatched.Add(ctx, count)
}

func (metrics dispatcherMetrics) addFailed(ctx context.Context, count int64) {
	if metrics.failed == nil || count <= 0 {
		return
	}

	metrics.failed.Add(ctx, count)
}

func (metrics dispatcherMetrics) recordLatency(ctx context.Context, seconds float64) {
	if metrics.dispatchLatency == nil {
		return
	}

	metrics.dispatchLatency.Record(ctx, seconds)
}

func (metrics dispatcherMetrics) recordQueueDepth(ctx context.Context, depth int64) {
	if metrics.queueDepth == nil {
		return
	}

	metrics.queueDepth.Record(ctx, depth)
}
