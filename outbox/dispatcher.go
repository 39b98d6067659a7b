package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/meridianbank/lib-eventrelay/backoff"
	"github.com/meridianbank/lib-eventrelay/events"
	"github.com/meridianbank/lib-eventrelay/log"
	"github.com/meridianbank/lib-eventrelay/xruntime"
)

// Publisher publishes one envelope to (exchange, routing key). Failures are
// propagated unmodified; the dispatcher performs the connectivity-vs-format
// classification.
type Publisher interface {
	Publish(ctx context.Context, exchange, routingKey string, envelope *events.Envelope, headers map[string]string) error
}

// DispatcherConfig controls dispatcher polling and backoff behavior.
type DispatcherConfig struct {
	// BatchSize is the max number of rows fetched per cycle.
	BatchSize int
	// BusyInterval is the poll delay after a non-empty cycle.
	BusyInterval time.Duration
	// IdleInterval is the poll delay after an empty cycle.
	IdleInterval time.Duration
	// ConnBackoffBase is the base delay after a broker-connectivity failure.
	ConnBackoffBase time.Duration
	// ConnBackoffCap bounds the connectivity backoff.
	ConnBackoffCap time.Duration
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration:
// fast draining under load (1s), low idle overhead (5s), and a capped
// exponential backoff while the broker is down (5s..60s).
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		BatchSize:       50,
		BusyInterval:    1 * time.Second,
		IdleInterval:    5 * time.Second,
		ConnBackoffBase: 5 * time.Second,
		ConnBackoffCap:  60 * time.Second,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.BusyInterval <= 0 {
		cfg.BusyInterval = defaults.BusyInterval
	}

	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = defaults.IdleInterval
	}

	if cfg.ConnBackoffBase <= 0 {
		cfg.ConnBackoffBase = defaults.ConnBackoffBase
	}

	if cfg.ConnBackoffCap <= 0 {
		cfg.ConnBackoffCap = defaults.ConnBackoffCap
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithBatchSize sets the maximum rows processed in one dispatch cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithPollIntervals sets the busy and idle poll delays.
func WithPollIntervals(busy, idle time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if busy > 0 {
			dispatcher.cfg.BusyInterval = busy
		}

		if idle > 0 {
			dispatcher.cfg.IdleInterval = idle
		}
	}
}

// WithConnectivityBackoff sets the base and cap for the broker-down backoff.
func WithConnectivityBackoff(base, capDelay time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if base > 0 {
			dispatcher.cfg.ConnBackoffBase = base
		}

		if capDelay > 0 {
			dispatcher.cfg.ConnBackoffCap = capDelay
		}
	}
}

// WithConnectivityClassifier sets the broker-connectivity error classifier.
func WithConnectivityClassifier(classifier ConnectivityClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.connClassifier = classifier
	}
}

// WithFormatClassifier sets the payload-format error classifier.
func WithFormatClassifier(classifier FormatClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.formatClassifier = classifier
	}
}

// CycleResult captures one dispatch cycle outcome.
type CycleResult struct {
	Processed           int
	Published           int
	Failed              int
	ConnectivityFailure bool
}

// Dispatcher drains undelivered outbox rows to the broker.
//
// Per-row state machine: PENDING/ERROR -> publish attempt -> SENT | ERROR |
// BLOCKED. Each row's outcome is committed independently, so a crash
// mid-batch leaves only already-processed rows advanced. A
// broker-connectivity failure halts the remainder of the batch and backs
// the whole loop off exponentially.
type Dispatcher struct {
	repo             Repository
	publisher        Publisher
	connClassifier   ConnectivityClassifier
	formatClassifier FormatClassifier
	logger           log.Logger
	cfg              DispatcherConfig

	// connFailures counts consecutive broker-connectivity failures across
	// cycles. Reset on the first successful publish.
	connFailures int

	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup

	metrics dispatcherMetrics
}

// NewDispatcher creates an outbox dispatcher.
func NewDispatcher(
	repo Repository,
	publisher Publisher,
	logger log.Logger,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if repo == nil {
		return nil, ErrRepositoryRequired
	}

	if publisher == nil {
		return nil, ErrPublisherRequired
	}

	if logger == nil {
		logger = log.NewNop()
	}

	dispatcher := &Dispatcher{
		repo:             repo,
		publisher:        publisher,
		formatClassifier: DefaultFormatClassifier(),
		logger:           logger,
		cfg:              DefaultDispatcherConfig(),
		stop:             make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	if dispatcher.formatClassifier == nil {
		dispatcher.formatClassifier = DefaultFormatClassifier()
	}

	metrics, err := newDispatcherMetrics(nil)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run starts the dispatcher loop until Stop is called or ctx is cancelled.
func (dispatcher *Dispatcher) Run(parentCtx context.Context) error {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.publisher == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()
	defer xruntime.Recover(ctx, dispatcher.logger, "outbox", "dispatcher_run", xruntime.KeepRunning)

	dispatcher.logger.Log(ctx, log.LevelInfo, "outbox dispatcher started")
	defer dispatcher.logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")

	for {
		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		default:
		}

		result := dispatcher.dispatchCycle(ctx)

		delay := dispatcher.nextDelay(result)

		timer := time.NewTimer(delay)

		select {
		case <-dispatcher.stop:
			timer.Stop()

			return nil
		case <-ctx.Done():
			timer.Stop()

			return nil
		case <-timer.C:
		}
	}
}

func (dispatcher *Dispatcher) dispatchCycle(ctx context.Context) CycleResult {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()
	defer xruntime.Recover(ctx, dispatcher.logger, "outbox", "dispatch_cycle", xruntime.KeepRunning)

	return dispatcher.DispatchOnce(ctx)
}

// nextDelay computes the inter-cycle sleep. After a connectivity failure the
// delay is min(base * 2^(failures-1), cap); otherwise 1s when the batch was
// non-empty, 5s when idle.
func (dispatcher *Dispatcher) nextDelay(result CycleResult) time.Duration {
	if result.ConnectivityFailure {
		return backoff.Capped(dispatcher.cfg.ConnBackoffBase, dispatcher.connFailures-1, dispatcher.cfg.ConnBackoffCap)
	}

	if result.Processed > 0 {
		return dispatcher.cfg.BusyInterval
	}

	return dispatcher.cfg.IdleInterval
}

// Stop signals the dispatcher loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle to finish.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	xruntime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce processes one dispatch cycle and returns its counters.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) CycleResult {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.publisher == nil {
		return CycleResult{}
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now().UTC()

	var result CycleResult

	batch, err := dispatcher.repo.FetchBatch(ctx, dispatcher.cfg.BatchSize)
	if err != nil {
		dispatcher.logger.Log(ctx, log.LevelError, "failed to fetch outbox batch", log.Err(err))

		return result
	}

	dispatcher.metrics.recordQueueDepth(ctx, int64(len(batch)))

	for _, message := range batch {
		if ctx.Err() != nil {
			break
		}

		if message == nil {
			continue
		}

		result.Processed++

		err := dispatcher.publishMessage(ctx, message)
		if err == nil {
			result.Published++

			dispatcher.connFailures = 0

			if markErr := dispatcher.repo.MarkSent(ctx, message.ID, time.Now().UTC()); markErr != nil {
				// Delivery is at-least-once: the broker has the message but
				// the row stays retryable. Consumers must remain idempotent.
				dispatcher.logger.Log(ctx, log.LevelError,
					"outbox message published but failed to persist SENT state; message may be redelivered",
					log.String("message_id", message.ID.String()),
					log.Err(markErr),
				)
			}

			continue
		}

		result.Failed++

		sanitized := sanitizeErrorForStorage(err)

		if dispatcher.isConnectivityError(err) {
			dispatcher.markFailed(ctx, message, sanitized, false)

			dispatcher.connFailures++
			result.ConnectivityFailure = true

			dispatcher.logger.Log(ctx, log.LevelWarn,
				"broker unreachable; halting dispatch cycle",
				log.String("message_id", message.ID.String()),
				log.Int("consecutive_failures", dispatcher.connFailures),
				log.Err(err),
			)

			break
		}

		dispatcher.markFailed(ctx, message, sanitized, dispatcher.formatClassifier.IsFormatError(err))
	}

	dispatcher.metrics.addDispatched(ctx, int64(result.Published))
	dispatcher.metrics.addFailed(ctx, int64(result.Failed))
	dispatcher.metrics.recordLatency(ctx, time.Since(start).Seconds())

	return result
}

func (dispatcher *Dispatcher) publishMessage(ctx context.Context, message *Message) error {
	envelope, err := events.Decode(message.Payload)
	if err != nil {
		return err
	}

	return dispatcher.publisher.Publish(ctx, message.Exchange, message.RoutingKey, envelope, message.Headers)
}

func (dispatcher *Dispatcher) markFailed(ctx context.Context, message *Message, errMsg string, formatError bool) {
	if err := dispatcher.repo.MarkFailed(ctx, message.ID, errMsg, formatError); err != nil {
		dispatcher.logger.Log(ctx, log.LevelError, "failed to mark outbox message failed",
			log.String("message_id", message.ID.String()),
			log.Err(err),
		)
	}
}

func (dispatcher *Dispatcher) isConnectivityError(err error) bool {
	if err == nil || dispatcher.connClassifier == nil {
		return false
	}

	return dispatcher.connClassifier.IsConnectivityError(err)
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
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
