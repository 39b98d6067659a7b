package outbox

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/meridianbank/lib-eventrelay/events"
)

// Producer appends outbox rows in the same unit of work as the domain
// mutation that raised the event. It performs no broker I/O.
type Producer struct {
	repo        Repository
	registry    *events.Registry
	serviceName string
	exchange    string
}

// NewProducer creates an outbox producer for one service.
func NewProducer(repo Repository, registry *events.Registry, serviceName, exchange string) (*Producer, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if registry == nil {
		return nil, ErrRegistryRequired
	}

	if strings.TrimSpace(serviceName) == "" {
		return nil, ErrServiceNameRequired
	}

	if strings.TrimSpace(exchange) == "" {
		return nil, ErrExchangeRequired
	}

	return &Producer{
		repo:        repo,
		registry:    registry,
		serviceName: strings.TrimSpace(serviceName),
		exchange:    strings.TrimSpace(exchange),
	}, nil
}

type enqueueOptions struct {
	routingKey    string
	correlationID string
	causationID   string
	headers       map[string]string
}

// EnqueueOption customizes a single Enqueue call.
type EnqueueOption func(*enqueueOptions)

// WithRoutingKey overrides the registry lookup with an explicit routing key.
func WithRoutingKey(routingKey string) EnqueueOption {
	return func(opts *enqueueOptions) {
		opts.routingKey = strings.TrimSpace(routingKey)
	}
}

// WithCorrelationID sets the envelope correlation id.
func WithCorrelationID(correlationID string) EnqueueOption {
	return func(opts *enqueueOptions) {
		opts.correlationID = correlationID
	}
}

// WithCausationID sets the envelope causation id.
func WithCausationID(causationID string) EnqueueOption {
	return func(opts *enqueueOptions) {
		opts.causationID = causationID
	}
}

// WithHeaders adds extra broker headers to the queued message.
func WithHeaders(headers map[string]string) EnqueueOption {
	return func(opts *enqueueOptions) {
		opts.headers = headers
	}
}

// Enqueue wraps payload in an envelope and inserts one PENDING outbox row
// using the caller's transaction. The caller must commit the domain mutation
// and this insert atomically; the dispatcher delivers the row later.
//
// The routing key comes from the explicit option or from the event type's
// registration. A missing registration is a programming error and fails
// immediately; it is never retried.
func (producer *Producer) Enqueue(
	ctx context.Context,
	tx Tx,
	eventType string,
	payload []byte,
	opts ...EnqueueOption,
) (*Message, error) {
	if producer == nil {
		return nil, ErrRepositoryRequired
	}

	if tx == nil {
		return nil, ErrTransactionRequired
	}

	options := enqueueOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(&options)
		}
	}

	routingKey := options.routingKey
	if routingKey == "" {
		resolved, err := producer.registry.RoutingKeyFor(eventType)
		if err != nil {
			return nil, err
		}

		routingKey = resolved
	}

	eventID := uuid.New()

	envelope, err := events.NewEnvelopeWithID(
		eventID,
		producer.serviceName,
		payload,
		options.correlationID,
		options.causationID,
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", eventType, err)
	}

	body, err := envelope.Encode()
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", eventType, err)
	}

	message, err := NewMessage(eventID, producer.serviceName, producer.exchange, routingKey, body, options.headers)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", eventType, err)
	}

	if err := producer.repo.CreateWithTx(ctx, tx, message); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", eventType, err)
	}

	return message, nil
}
