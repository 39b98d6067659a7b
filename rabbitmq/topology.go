package rabbitmq

import (
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultDLXSuffix  = ".dlx"
	defaultDLQSuffix  = ".dlq"
	defaultBindingKey = "#"
)

// Channel is the subset of AMQP channel operations topology declaration
// needs.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology describes one consumer queue bound to the domain topic exchange,
// plus its dead-letter exchange and queue.
type Topology struct {
	// Exchange is the durable topic exchange events are published to.
	Exchange string
	// Queue is the consumer queue.
	Queue string
	// BindingKeys are the routing-key patterns the queue subscribes to.
	BindingKeys []string
	// DLXExchange receives messages the consumer gave up on. Defaults to
	// Queue + ".dlx".
	DLXExchange string
	// DLQ is the queue bound to the dead-letter exchange. Defaults to
	// Queue + ".dlq".
	DLQ string
	// DLQMessageTTL sets x-message-ttl on the dead-letter queue.
	DLQMessageTTL time.Duration
	// DLQMaxLength sets x-max-length on the dead-letter queue.
	DLQMaxLength int64
}

func (topo *Topology) normalize() error {
	if topo.Exchange == "" {
		return ErrExchangeRequired
	}

	if topo.Queue == "" {
		return ErrQueueRequired
	}

	if topo.DLXExchange == "" {
		topo.DLXExchange = topo.Queue + defaultDLXSuffix
	}

	if topo.DLQ == "" {
		topo.DLQ = topo.Queue + defaultDLQSuffix
	}

	if len(topo.BindingKeys) == 0 {
		topo.BindingKeys = []string{defaultBindingKey}
	}

	return nil
}

func (topo Topology) dlqDeclareArgs() amqp.Table {
	args := make(amqp.Table)

	if topo.DLQMessageTTL > 0 {
		ttlMillis := topo.DLQMessageTTL.Milliseconds()
		if ttlMillis <= 0 {
			ttlMillis = 1
		}

		args["x-message-ttl"] = ttlMillis
	}

	if topo.DLQMaxLength > 0 {
		args["x-max-length"] = topo.DLQMaxLength
	}

	if len(args) == 0 {
		return nil
	}

	return args
}

// DeclareTopology declares the topic exchange, the dead-letter exchange and
// queue, and the consumer queue with dead-lettering enabled, then binds the
// consumer queue for each binding key. All declarations are idempotent.
func DeclareTopology(ch Channel, topo Topology) error {
	if ch == nil {
		return fmt.Errorf("declare topology: %w", ErrChannelRequired)
	}

	if err := topo.normalize(); err != nil {
		return fmt.Errorf("declare topology: %w", err)
	}

	if err := ch.ExchangeDeclare(topo.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %q: %w", topo.Exchange, err)
	}

	if err := ch.ExchangeDeclare(topo.DLXExchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare dlx exchange %q: %w", topo.DLXExchange, err)
	}

	if _, err := ch.QueueDeclare(topo.DLQ, true, false, false, false, topo.dlqDeclareArgs()); err != nil {
		return fmt.Errorf("declare dlq %q: %w", topo.DLQ, err)
	}

	if err := ch.QueueBind(topo.DLQ, defaultBindingKey, topo.DLXExchange, false, nil); err != nil {
		return fmt.Errorf("bind dlq %q to dlx %q: %w", topo.DLQ, topo.DLXExchange, err)
	}

	queueArgs := amqp.Table{"x-dead-letter-exchange": topo.DLXExchange}

	if _, err := ch.QueueDeclare(topo.Queue, true, false, false, false, queueArgs); err != nil {
		return fmt.Errorf("declare queue %q: %w", topo.Queue, err)
	}

	for _, bindingKey := range topo.BindingKeys {
		if err := ch.QueueBind(topo.Queue, bindingKey, topo.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind queue %q to exchange %q with key %q: %w", topo.Queue, topo.Exchange, bindingKey, err)
		}
	}

	return nil
}
