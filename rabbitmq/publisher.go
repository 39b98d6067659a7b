package rabbitmq

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/meridianbank/lib-eventrelay/events"
	"github.com/meridianbank/lib-eventrelay/log"
)

const (
	contentTypeJSON = "application/json"

	headerCorrelationID = "X-Correlation-Id"
	headerCausationID   = "X-Causation-Id"
)

// PublisherOption configures a Publisher.
type PublisherOption func(*Publisher)

// WithLogger sets a structured logger.
func WithLogger(logger log.Logger) PublisherOption {
	return func(pub *Publisher) {
		if logger != nil {
			pub.logger = logger
		}
	}
}

// WithDialTimeout bounds the per-publish broker dial.
func WithDialTimeout(timeout time.Duration) PublisherOption {
	return func(pub *Publisher) {
		if timeout > 0 {
			pub.dialTimeout = timeout
		}
	}
}

// WithMeterProvider overrides the global OpenTelemetry meter provider.
func WithMeterProvider(provider metric.MeterProvider) PublisherOption {
	return func(pub *Publisher) {
		if provider != nil {
			pub.meterProvider = provider
		}
	}
}

// Publisher delivers envelopes to a topic exchange. Each Publish dials a
// fresh connection and channel and closes both before returning, so a broker
// restart between publishes never leaves the publisher holding a dead
// channel. Failures are returned unmodified (credentials redacted) for the
// caller to classify.
type Publisher struct {
	connectionString string
	logger           log.Logger
	dialTimeout      time.Duration
	meterProvider    metric.MeterProvider

	dial func(ctx context.Context, connectionString string, timeout time.Duration) (*amqp.Connection, error)

	publishLatency metric.Float64Histogram
}

// NewPublisher creates a broker publisher for the given AMQP connection
// string.
func NewPublisher(connectionString string, opts ...PublisherOption) (*Publisher, error) {
	if connectionString == "" {
		return nil, ErrConnectionStringRequired
	}

	pub := &Publisher{
		connectionString: connectionString,
		logger:           log.NewNop(),
		dialTimeout:      defaultDialTimeout,
		dial:             dialWithContext,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(pub)
		}
	}

	provider := pub.meterProvider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("eventrelay.rabbitmq")

	latency, err := meter.Float64Histogram(
		"rabbitmq.publish.latency",
		metric.WithDescription("Time taken to publish one message to the broker"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create rabbitmq.publish.latency histogram: %w", err)
	}

	pub.publishLatency = latency

	return pub, nil
}

// Publish declares the topic exchange and delivers one envelope with
// persistent delivery mode.
func (pub *Publisher) Publish(
	ctx context.Context,
	exchange, routingKey string,
	envelope *events.Envelope,
	headers map[string]string,
) error {
	if pub == nil {
		return ErrConnectionStringRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if exchange == "" {
		return ErrExchangeRequired
	}

	if err := events.ValidateRoutingKey(routingKey); err != nil {
		return err
	}

	body, err := envelope.Encode()
	if err != nil {
		return err
	}

	start := time.Now()

	conn, err := pub.dial(ctx, pub.connectionString, pub.dialTimeout)
	if err != nil {
		return newSanitizedError(err, pub.connectionString, "rabbitmq dial")
	}
	defer pub.closeQuietly(ctx, conn)

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	defer func() {
		if closeErr := ch.Close(); closeErr != nil {
			pub.logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq channel", log.Err(closeErr))
		}
	}()

	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", exchange, err)
	}

	err = ch.PublishWithContext(ctx, exchange, routingKey, false, false, amqp.Publishing{
		ContentType:  contentTypeJSON,
		DeliveryMode: amqp.Persistent,
		MessageId:    envelope.EventID.String(),
		Timestamp:    envelope.OccurredAt,
		Headers:      pub.buildHeaders(envelope, headers),
		Body:         body,
	})
	if err != nil {
		return newSanitizedError(err, pub.connectionString, "rabbitmq publish")
	}

	pub.recordLatency(ctx, time.Since(start).Seconds())

	return nil
}

func (pub *Publisher) buildHeaders(envelope *events.Envelope, extra map[string]string) amqp.Table {
	headers := make(amqp.Table, len(extra)+2)

	for key, value := range extra {
		headers[key] = value
	}

	if envelope.Meta.CorrelationID != "" {
		headers[headerCorrelationID] = envelope.Meta.CorrelationID
	}

	if envelope.Meta.CausationID != "" {
		headers[headerCausationID] = envelope.Meta.CausationID
	}

	if len(headers) == 0 {
		return nil
	}

	return headers
}

func (pub *Publisher) closeQuietly(ctx context.Context, conn *amqp.Connection) {
	if conn == nil || conn.IsClosed() {
		return
	}

	if err := conn.Close(); err != nil {
		pub.logger.Log(ctx, log.LevelWarn, "failed to close rabbitmq connection", log.Err(err))
	}
}

func (pub *Publisher) recordLatency(ctx context.Context, seconds float64) {
	if pub.publishLatency == nil {
		return
	}

	pub.publishLatency.Record(ctx, seconds)
}
