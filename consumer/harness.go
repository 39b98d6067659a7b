package consumer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/meridianbank/lib-eventrelay/backoff"
	"github.com/meridianbank/lib-eventrelay/events"
	"github.com/meridianbank/lib-eventrelay/inbox"
	"github.com/meridianbank/lib-eventrelay/log"
	"github.com/meridianbank/lib-eventrelay/outbox"
	libPostgres "github.com/meridianbank/lib-eventrelay/postgres"
	"github.com/meridianbank/lib-eventrelay/rabbitmq"
	"github.com/meridianbank/lib-eventrelay/xruntime"
)

// session is one live broker subscription.
type session struct {
	conn       *amqp.Connection
	channel    *amqp.Channel
	deliveries <-chan amqp.Delivery
}

func (s *session) close(logger log.Logger) {
	if s == nil {
		return
	}

	if s.channel != nil && !s.channel.IsClosed() {
		if err := s.channel.Close(); err != nil {
			logger.Log(context.Background(), log.LevelWarn, "failed to close consumer channel", log.Err(err))
		}
	}

	if s.conn != nil && !s.conn.IsClosed() {
		if err := s.conn.Close(); err != nil {
			logger.Log(context.Background(), log.LevelWarn, "failed to close consumer connection", log.Err(err))
		}
	}
}

// HarnessOption configures a Harness.
type HarnessOption func(*Harness)

// WithLogger sets a structured logger.
func WithLogger(logger log.Logger) HarnessOption {
	return func(harness *Harness) {
		if logger != nil {
			harness.logger = logger
		}
	}
}

// WithAuditRecorder registers the per-delivery audit hook.
func WithAuditRecorder(recorder AuditRecorder) HarnessOption {
	return func(harness *Harness) {
		harness.audit = recorder
	}
}

// WithConfig replaces the harness configuration wholesale.
func WithConfig(cfg Config) HarnessOption {
	return func(harness *Harness) {
		harness.cfg = cfg
	}
}

// Harness subscribes one handler to the broker and drives the idempotent
// consume pipeline: parse, version check, dedup lookup, transactional handle
// with bounded retries, dead-letter quarantine.
//
// Connection state machine: Disconnected -> Connecting -> Consuming, back to
// Disconnected on any broker error. Failed connects back off min(2^n, cap)
// seconds with jitter; the counter resets on a successful connect.
type Harness struct {
	cfg        Config
	handler    Handler
	db         *libPostgres.Connection
	consumed   inbox.ConsumedStore
	deadLetter inbox.DeadLetterStore
	audit      AuditRecorder
	logger     log.Logger

	connectionString string

	// dial and beginTx are swappable for tests.
	dial    func(ctx context.Context) (*session, error)
	beginTx func(ctx context.Context) (*sql.Tx, error)

	state atomic.Int32

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	consumeWg  sync.WaitGroup

	metrics harnessMetrics
}

// NewHarness creates a consumer harness for one handler.
func NewHarness(
	cfg Config,
	handler Handler,
	db *libPostgres.Connection,
	consumed inbox.ConsumedStore,
	deadLetter inbox.DeadLetterStore,
	connectionString string,
	opts ...HarnessOption,
) (*Harness, error) {
	if handler == nil {
		return nil, ErrHandlerRequired
	}

	if db == nil {
		return nil, ErrDatabaseRequired
	}

	if consumed == nil {
		return nil, ErrConsumedStoreRequired
	}

	if deadLetter == nil {
		return nil, ErrDeadLetterStoreRequired
	}

	if connectionString == "" {
		return nil, ErrConnectionStringRequired
	}

	harness := &Harness{
		cfg:              cfg,
		handler:          handler,
		db:               db,
		consumed:         consumed,
		deadLetter:       deadLetter,
		logger:           log.NewNop(),
		connectionString: connectionString,
		stop:             make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(harness)
		}
	}

	harness.cfg.normalize()

	if err := harness.cfg.validate(); err != nil {
		return nil, err
	}

	if harness.dial == nil {
		harness.dial = harness.dialBroker
	}

	if harness.beginTx == nil {
		harness.beginTx = harness.beginPrimaryTx
	}

	metrics, err := newHarnessMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("init consumer metrics: %w", err)
	}

	harness.metrics = metrics

	return harness, nil
}

// State returns the current connection state.
func (harness *Harness) State() State {
	if harness == nil {
		return StateDisconnected
	}

	return State(harness.state.Load())
}

func (harness *Harness) setState(state State) {
	harness.state.Store(int32(state))
}

// Run connects and consumes until Stop is called or ctx is cancelled.
// Broker failures trigger reconnects with capped exponential backoff.
func (harness *Harness) Run(parentCtx context.Context) error {
	if harness == nil || harness.handler == nil {
		return ErrHarnessRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !harness.registerRun(cancel) {
		cancel()

		return ErrHarnessRunning
	}

	defer harness.clearRun()
	defer harness.setState(StateDisconnected)
	defer xruntime.Recover(ctx, harness.logger, "consumer", "harness_run", xruntime.KeepRunning)

	harness.logger.Log(ctx, log.LevelInfo, "consumer harness started",
		log.String("handler", harness.handler.Name()),
		log.String("queue", harness.cfg.Queue),
	)
	defer harness.logger.Log(context.Background(), log.LevelInfo, "consumer harness stopped",
		log.String("handler", harness.handler.Name()),
	)

	reconnects := 0

	for {
		select {
		case <-harness.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		harness.setState(StateConnecting)

		sess, err := harness.dial(ctx)
		if err != nil {
			harness.setState(StateDisconnected)

			delay := backoff.Jitter(
				backoff.Capped(time.Second, reconnects, harness.cfg.ReconnectCap),
				harness.cfg.ReconnectJitter,
			)
			reconnects++

			harness.logger.Log(ctx, log.LevelWarn, "broker connect failed; backing off",
				log.String("handler", harness.handler.Name()),
				log.Int("reconnect_attempts", reconnects),
				log.String("delay", delay.String()),
				log.Err(err),
			)

			if sleepErr := backoff.SleepWithContext(ctx, delay); sleepErr != nil {
				return nil
			}

			continue
		}

		reconnects = 0

		harness.setState(StateConsuming)
		harness.logger.Log(ctx, log.LevelInfo, "consuming",
			log.String("handler", harness.handler.Name()),
			log.String("queue", harness.cfg.Queue),
		)

		harness.consumeLoop(ctx, sess)

		sess.close(harness.logger)
		harness.setState(StateDisconnected)
	}
}

// Stop signals the harness to stop.
func (harness *Harness) Stop() {
	if harness == nil {
		return
	}

	harness.stopOnce.Do(func() {
		harness.runStateMu.Lock()
		cancel := harness.cancelFunc
		stop := harness.stop
		if stop == nil {
			stop = make(chan struct{})
			harness.stop = stop
		}
		harness.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the harness and waits for the in-flight delivery to finish.
func (harness *Harness) Shutdown(ctx context.Context) error {
	if harness == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	harness.Stop()

	done := make(chan struct{})

	xruntime.SafeGo(harness.logger, "consumer.harness_shutdown_wait", func() {
		harness.consumeWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("harness shutdown: %w", ctx.Err())
	}
}

func (harness *Harness) dialBroker(ctx context.Context) (*session, error) {
	conn, err := amqp.Dial(harness.connectionString)
	if err != nil {
		return nil, err
	}

	channel, err := conn.Channel()
	if err != nil {
		_ = conn.Close()

		return nil, fmt.Errorf("open consumer channel: %w", err)
	}

	if err := channel.Qos(harness.cfg.Prefetch, 0, false); err != nil {
		_ = channel.Close()
		_ = conn.Close()

		return nil, fmt.Errorf("set consumer qos: %w", err)
	}

	err = rabbitmq.DeclareTopology(channel, rabbitmq.Topology{
		Exchange:    harness.cfg.Exchange,
		Queue:       harness.cfg.Queue,
		BindingKeys: harness.cfg.BindingKeys,
	})
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()

		return nil, err
	}

	deliveries, err := channel.ConsumeWithContext(ctx,
		harness.cfg.Queue,
		harness.consumerTag(),
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		_ = channel.Close()
		_ = conn.Close()

		return nil, fmt.Errorf("start consuming %q: %w", harness.cfg.Queue, err)
	}

	return &session{conn: conn, channel: channel, deliveries: deliveries}, nil
}

func (harness *Harness) consumerTag() string {
	return harness.cfg.ServiceName + "." + harness.handler.Name()
}

func (harness *Harness) consumeLoop(ctx context.Context, sess *session) {
	for {
		select {
		case <-harness.stop:
			return
		case <-ctx.Done():
			return
		case delivery, ok := <-sess.deliveries:
			if !ok {
				harness.logger.Log(ctx, log.LevelWarn, "delivery channel closed; reconnecting",
					log.String("handler", harness.handler.Name()),
				)

				return
			}

			harness.handleDelivery(ctx, delivery)
		}
	}
}

func (harness *Harness) handleDelivery(ctx context.Context, delivery amqp.Delivery) {
	harness.consumeWg.Add(1)
	defer harness.consumeWg.Done()
	defer xruntime.Recover(ctx, harness.logger, "consumer", "handle_delivery", xruntime.KeepRunning)

	start := time.Now()
	defer func() {
		harness.metrics.recordLatency(ctx, time.Since(start).Seconds())
	}()

	harness.ProcessDelivery(ctx, delivery)
}

// ProcessDelivery runs the per-message pipeline for one delivery:
//
//  1. Parse failure: dead-letter and ack, never retried.
//  2. Protocol-version mismatch: dead-letter and ack, never retried.
//  3. Already in the idempotency ledger: ack without invoking the handler.
//  4. Otherwise handle inside a transaction, up to MaxAttempts times with
//     2^(attempt-1) backoff; the dedup row commits with the handler's
//     effects, and the broker ack happens only after commit. Exhausted
//     retries quarantine the message and ack.
func (harness *Harness) ProcessDelivery(ctx context.Context, delivery amqp.Delivery) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx = ContextWithRoutingKey(ctx, delivery.RoutingKey)

	receivedAt := time.Now().UTC()

	envelope, err := events.Decode(delivery.Body)
	if err != nil {
		harness.quarantine(ctx, delivery, nil, receivedAt, fmt.Errorf("parse envelope: %w", err))

		return
	}

	if err := envelope.CheckVersion(harness.handler.Version()); err != nil {
		harness.quarantine(ctx, delivery, envelope, receivedAt, err)

		return
	}

	harness.recordAudit(ctx, delivery.RoutingKey, envelope.EventID, receivedAt)

	consumed, err := harness.consumed.IsConsumed(ctx, envelope.EventID, harness.cfg.ServiceName, harness.handler.Name())
	if err != nil {
		harness.logger.Log(ctx, log.LevelError, "idempotency lookup failed; leaving message for redelivery",
			log.String("message_id", envelope.EventID.String()),
			log.Err(err),
		)
		harness.requeue(ctx, delivery)

		return
	}

	if consumed {
		harness.metrics.addDuplicate(ctx)
		harness.logger.Log(ctx, log.LevelDebug, "duplicate delivery acknowledged",
			log.String("message_id", envelope.EventID.String()),
		)
		harness.ack(ctx, delivery)

		return
	}

	harness.handleWithRetries(ctx, delivery, envelope, receivedAt)
}

func (harness *Harness) handleWithRetries(ctx context.Context, delivery amqp.Delivery, envelope *events.Envelope, receivedAt time.Time) {
	var lastErr error

	for attempt := 1; attempt <= harness.cfg.MaxAttempts; attempt++ {
		err := harness.handleOnce(ctx, envelope)
		if err == nil {
			harness.metrics.addProcessed(ctx)
			harness.ack(ctx, delivery)

			return
		}

		// A dedup collision mid-handle means the key was written by a
		// concurrent consumer after our lookup. Surfacing it as a
		// quarantined message exposes the race instead of hiding it.
		if errors.Is(err, inbox.ErrAlreadyConsumed) {
			harness.quarantine(ctx, delivery, envelope, receivedAt, err)

			return
		}

		lastErr = err

		harness.logger.Log(ctx, log.LevelWarn, "handler attempt failed",
			log.String("message_id", envelope.EventID.String()),
			log.String("handler", harness.handler.Name()),
			log.Int("attempt", attempt),
			log.Err(err),
		)

		if attempt == harness.cfg.MaxAttempts {
			break
		}

		delay := backoff.Exponential(harness.cfg.RetryBase, attempt-1)
		if sleepErr := backoff.SleepWithContext(ctx, delay); sleepErr != nil {
			// Shutdown mid-retry: leave the message unacknowledged so the
			// broker redelivers it.
			return
		}
	}

	harness.quarantine(ctx, delivery, envelope, receivedAt,
		fmt.Errorf("handler failed after %d attempts: %w", harness.cfg.MaxAttempts, lastErr))
}

func (harness *Harness) beginPrimaryTx(ctx context.Context) (*sql.Tx, error) {
	db, err := harness.db.Primary(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire database: %w", err)
	}

	return db.BeginTx(ctx, nil)
}

// handleOnce runs the handler and the dedup insert in one transaction.
func (harness *Harness) handleOnce(ctx context.Context, envelope *events.Envelope) error {
	tx, err := harness.beginTx(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := harness.handler.Handle(ctx, tx, envelope); err != nil {
		harness.rollback(ctx, tx)

		return err
	}

	if err := harness.consumed.MarkConsumed(ctx, tx, envelope.EventID, harness.cfg.ServiceName, harness.handler.Name()); err != nil {
		harness.rollback(ctx, tx)

		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

func (harness *Harness) rollback(ctx context.Context, tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		harness.logger.Log(ctx, log.LevelWarn, "transaction rollback failed", log.Err(err))
	}
}

// quarantine writes the dead-letter row and acknowledges the delivery. When
// the quarantine store itself is unreachable the delivery is rejected
// without requeue so the broker-level dead-letter exchange catches it.
func (harness *Harness) quarantine(ctx context.Context, delivery amqp.Delivery, envelope *events.Envelope, receivedAt time.Time, cause error) {
	messageID := harness.messageID(delivery, envelope)

	letter := &inbox.DeadLetter{
		MessageID:     messageID,
		ServiceName:   harness.cfg.ServiceName,
		HandlerName:   harness.handler.Name(),
		RoutingKey:    delivery.RoutingKey,
		Payload:       delivery.Body,
		Headers:       headersFromTable(delivery.Headers),
		ErrorMessage:  outbox.SanitizeErrorMessageForStorage(cause.Error()),
		ReceivedAt:    receivedAt,
		LastAttemptAt: time.Now().UTC(),
	}

	if err := harness.deadLetter.Record(ctx, letter); err != nil {
		harness.logger.Log(ctx, log.LevelError, "failed to record dead letter; rejecting to broker dlx",
			log.String("message_id", messageID.String()),
			log.Err(err),
		)

		if nackErr := delivery.Nack(false, false); nackErr != nil {
			harness.logger.Log(ctx, log.LevelError, "failed to nack delivery", log.Err(nackErr))
		}

		return
	}

	harness.metrics.addDeadLettered(ctx)
	harness.logger.Log(ctx, log.LevelWarn, "message dead-lettered",
		log.String("message_id", messageID.String()),
		log.String("routing_key", delivery.RoutingKey),
		log.Err(cause),
	)

	harness.ack(ctx, delivery)
}

func (harness *Harness) messageID(delivery amqp.Delivery, envelope *events.Envelope) uuid.UUID {
	if envelope != nil && envelope.EventID != uuid.Nil {
		return envelope.EventID
	}

	if parsed, err := uuid.Parse(delivery.MessageId); err == nil && parsed != uuid.Nil {
		return parsed
	}

	// Unparsable body without a usable message id still gets a stable
	// quarantine row, keyed by a fresh id.
	return uuid.New()
}

func (harness *Harness) recordAudit(ctx context.Context, routingKey string, messageID uuid.UUID, receivedAt time.Time) {
	if harness.audit == nil {
		return
	}

	if err := harness.audit.RecordReceived(ctx, routingKey, messageID, receivedAt); err != nil {
		harness.logger.Log(ctx, log.LevelWarn, "audit recorder failed",
			log.String("message_id", messageID.String()),
			log.Err(err),
		)
	}
}

func (harness *Harness) ack(ctx context.Context, delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		harness.logger.Log(ctx, log.LevelError, "failed to ack delivery",
			log.String("routing_key", delivery.RoutingKey),
			log.Err(err),
		)
	}
}

func (harness *Harness) requeue(ctx context.Context, delivery amqp.Delivery) {
	if err := delivery.Nack(false, true); err != nil {
		harness.logger.Log(ctx, log.LevelError, "failed to requeue delivery",
			log.String("routing_key", delivery.RoutingKey),
			log.Err(err),
		)
	}
}

func (harness *Harness) registerRun(cancel context.CancelFunc) bool {
	harness.runStateMu.Lock()
	defer harness.runStateMu.Unlock()

	if harness.running {
		return false
	}

	if harness.stop == nil || isClosedSignal(harness.stop) {
		harness.stop = make(chan struct{})
		harness.stopOnce = sync.Once{}
	}

	harness.running = true
	harness.cancelFunc = cancel

	return true
}

func (harness *Harness) clearRun() {
	harness.runStateMu.Lock()
	defer harness.runStateMu.Unlock()

	harness.running = false
	harness.cancelFunc = nil
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}

func headersFromTable(table amqp.Table) map[string]string {
	if len(table) == 0 {
		return nil
	}

	headers := make(map[string]string, len(table))

	for key, value := range table {
		if text, ok := value.(string); ok {
			headers[key] = text
		}
	}

	if len(headers) == 0 {
		return nil
	}

	return headers
}
