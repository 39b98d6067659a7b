//go:build unit

package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/meridianbank/lib-eventrelay/events"
	"github.com/meridianbank/lib-eventrelay/log"
)

// fakeRepo mirrors the SQL store's state machine in memory so dispatcher
// cycles can be exercised end to end.
type fakeRepo struct {
	mu       sync.Mutex
	messages map[uuid.UUID]*Message

	fetchErr    error
	markSentErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{messages: make(map[uuid.UUID]*Message)}
}

func (repo *fakeRepo) add(message *Message) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	repo.messages[message.ID] = message
}

func (repo *fakeRepo) get(id uuid.UUID) *Message {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	return repo.messages[id]
}

func (repo *fakeRepo) CreateWithTx(_ context.Context, _ Tx, message *Message) error {
	repo.add(message)

	return nil
}

func (repo *fakeRepo) FetchBatch(_ context.Context, limit int) ([]*Message, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	if repo.fetchErr != nil {
		return nil, repo.fetchErr
	}

	var batch []*Message

	for _, message := range repo.messages {
		if !message.Status.IsTerminal() {
			batch = append(batch, message)
		}
	}

	sort.Slice(batch, func(i, j int) bool { return batch[i].CreatedAt.Before(batch[j].CreatedAt) })

	if len(batch) > limit {
		batch = batch[:limit]
	}

	return batch, nil
}

func (repo *fakeRepo) GetByID(_ context.Context, id uuid.UUID) (*Message, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message, ok := repo.messages[id]
	if !ok {
		return nil, errors.New("not found")
	}

	return message, nil
}

func (repo *fakeRepo) MarkSent(_ context.Context, id uuid.UUID, publishedAt time.Time) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	if repo.markSentErr != nil {
		return repo.markSentErr
	}

	message := repo.messages[id]
	message.Status = StatusSent
	message.PublishAttempts++
	message.PublishedAt = &publishedAt
	message.LastAttemptAt = &publishedAt

	return nil
}

func (repo *fakeRepo) MarkFailed(_ context.Context, id uuid.UUID, errMsg string, formatError bool) error {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	message := repo.messages[id]
	message.PublishAttempts++

	if formatError {
		message.FormatErrorCount++
	}

	now := time.Now().UTC()
	message.LastAttemptAt = &now
	message.LastError = errMsg

	if message.PublishAttempts >= BlockPublishAttempts && message.FormatErrorCount >= BlockFormatErrors {
		message.Status = StatusBlocked
	} else {
		message.Status = StatusError
	}

	return nil
}

func (repo *fakeRepo) CountUndelivered(context.Context) (int64, error) {
	repo.mu.Lock()
	defer repo.mu.Unlock()

	var count int64

	for _, message := range repo.messages {
		if !message.Status.IsTerminal() {
			count++
		}
	}

	return count, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []uuid.UUID
	err       error
}

func (pub *fakePublisher) Publish(_ context.Context, _, _ string, envelope *events.Envelope, _ map[string]string) error {
	pub.mu.Lock()
	defer pub.mu.Unlock()

	if pub.err != nil {
		return pub.err
	}

	pub.published = append(pub.published, envelope.EventID)

	return nil
}

func (pub *fakePublisher) setErr(err error) {
	pub.mu.Lock()
	defer pub.mu.Unlock()

	pub.err = err
}

var errBrokerDown = errors.New("connection refused")

func connectivityClassifier() ConnectivityClassifier {
	return ConnectivityClassifierFunc(func(err error) bool {
		return errors.Is(err, errBrokerDown)
	})
}

func newOutboxMessage(t *testing.T, createdAt time.Time) *Message {
	t.Helper()

	envelope, err := events.NewEnvelope("accounts", []byte(`{"n":1}`), "", "")
	require.NoError(t, err)

	body, err := envelope.Encode()
	require.NoError(t, err)

	message, err := NewMessage(envelope.EventID, "accounts", "bank.events", "account.closed", body, nil)
	require.NoError(t, err)

	message.CreatedAt = createdAt

	return message
}

func newTestDispatcher(t *testing.T, repo Repository, pub Publisher, opts ...DispatcherOption) *Dispatcher {
	t.Helper()

	opts = append([]DispatcherOption{WithConnectivityClassifier(connectivityClassifier())}, opts...)

	dispatcher, err := NewDispatcher(repo, pub, log.NewNop(), opts...)
	require.NoError(t, err)

	return dispatcher
}

func TestNewDispatcherValidation(t *testing.T) {
	t.Parallel()

	_, err := NewDispatcher(nil, &fakePublisher{}, log.NewNop())
	require.ErrorIs(t, err, ErrRepositoryRequired)

	_, err = NewDispatcher(newFakeRepo(), nil, log.NewNop())
	require.ErrorIs(t, err, ErrPublisherRequired)
}

func TestDispatchOncePublishesPendingRows(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	pub := &fakePublisher{}

	first := newOutboxMessage(t, time.Now().Add(-2*time.Minute))
	second := newOutboxMessage(t, time.Now().Add(-1*time.Minute))
	repo.add(first)
	repo.add(second)

	dispatcher := newTestDispatcher(t, repo, pub)

	result := dispatcher.DispatchOnce(context.Background())
	require.Equal(t, 2, result.Processed)
	require.Equal(t, 2, result.Published)
	require.Zero(t, result.Failed)
	require.False(t, result.ConnectivityFailure)

	// Oldest first.
	require.Equal(t, []uuid.UUID{first.ID, second.ID}, pub.published)

	for _, message := range []*Message{repo.get(first.ID), repo.get(second.ID)} {
		require.Equal(t, StatusSent, message.Status)
		require.Equal(t, 1, message.PublishAttempts)
		require.NotNil(t, message.PublishedAt)
	}
}

func TestSentRowsAreNeverRefetched(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	pub := &fakePublisher{}
	message := newOutboxMessage(t, time.Now())
	repo.add(message)

	dispatcher := newTestDispatcher(t, repo, pub)

	require.Equal(t, 1, dispatcher.DispatchOnce(context.Background()).Published)

	result := dispatcher.DispatchOnce(context.Background())
	require.Zero(t, result.Processed)
	require.Equal(t, 1, repo.get(message.ID).PublishAttempts)
}

func TestConnectivityFailureHaltsBatch(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	pub := &fakePublisher{err: errBrokerDown}

	first := newOutboxMessage(t, time.Now().Add(-2*time.Minute))
	second := newOutboxMessage(t, time.Now().Add(-1*time.Minute))
	repo.add(first)
	repo.add(second)

	dispatcher := newTestDispatcher(t, repo, pub)

	result := dispatcher.DispatchOnce(context.Background())
	require.True(t, result.ConnectivityFailure)
	require.Equal(t, 1, result.Processed)
	require.Equal(t, 1, result.Failed)

	// Only the first row burned an attempt; the rest of the batch waits for
	// the broker.
	require.Equal(t, StatusError, repo.get(first.ID).Status)
	require.Equal(t, 1, repo.get(first.ID).PublishAttempts)
	require.NotEmpty(t, repo.get(first.ID).LastError)
	require.Equal(t, StatusPending, repo.get(second.ID).Status)
	require.Zero(t, repo.get(second.ID).PublishAttempts)
}

func TestBrokerOutageThenRecovery(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	pub := &fakePublisher{err: errBrokerDown}
	message := newOutboxMessage(t, time.Now())
	repo.add(message)

	dispatcher := newTestDispatcher(t, repo, pub)
	ctx := context.Background()

	for range 3 {
		result := dispatcher.DispatchOnce(ctx)
		require.True(t, result.ConnectivityFailure)
	}

	stored := repo.get(message.ID)
	require.Equal(t, StatusError, stored.Status)
	require.Equal(t, 3, stored.PublishAttempts)
	require.NotEmpty(t, stored.LastError)
	require.Nil(t, stored.PublishedAt)
	require.Equal(t, 3, dispatcher.connFailures)

	pub.setErr(nil)

	result := dispatcher.DispatchOnce(ctx)
	require.Equal(t, 1, result.Published)

	stored = repo.get(message.ID)
	require.Equal(t, StatusSent, stored.Status)
	require.NotNil(t, stored.PublishedAt)
	require.Zero(t, dispatcher.connFailures)
}

func TestUnparsablePayloadBlocksAtThreshold(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	pub := &fakePublisher{}

	// Inserted directly with a body that is not a valid envelope.
	message := &Message{
		ID:          uuid.New(),
		CreatedAt:   time.Now(),
		ServiceName: "accounts",
		RoutingKey:  "account.closed",
		Exchange:    "bank.events",
		Payload:     []byte(`{"not":"an envelope"}`),
		Status:      StatusPending,
	}
	repo.add(message)

	dispatcher := newTestDispatcher(t, repo, pub)
	ctx := context.Background()

	for range BlockPublishAttempts - 1 {
		dispatcher.DispatchOnce(ctx)
	}

	stored := repo.get(message.ID)
	require.Equal(t, StatusError, stored.Status, "9/9 must not block")
	require.Equal(t, BlockPublishAttempts-1, stored.PublishAttempts)
	require.Equal(t, BlockFormatErrors-1, stored.FormatErrorCount)

	dispatcher.DispatchOnce(ctx)

	stored = repo.get(message.ID)
	require.Equal(t, StatusBlocked, stored.Status, "10/10 must block")
	require.Equal(t, BlockFormatErrors, stored.FormatErrorCount)
	require.Nil(t, stored.PublishedAt)
	require.Empty(t, pub.published)

	// Blocked rows are terminal.
	require.Zero(t, dispatcher.DispatchOnce(ctx).Processed)
}

func TestMarkSentFailureStillCountsPublish(t *testing.T) {
	t.Parallel()

	repo := newFakeRepo()
	repo.markSentErr = errors.New("db down")
	pub := &fakePublisher{}
	repo.add(newOutboxMessage(t, time.Now()))

	dispatcher := newTestDispatcher(t, repo, pub)

	result := dispatcher.DispatchOnce(context.Background())
	require.Equal(t, 1, result.Published)
	require.Len(t, pub.published, 1)
}

func TestNextDelay(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, newFakeRepo(), &fakePublisher{})

	require.Equal(t, time.Second, dispatcher.nextDelay(CycleResult{Processed: 3}))
	require.Equal(t, 5*time.Second, dispatcher.nextDelay(CycleResult{}))

	dispatcher.connFailures = 1
	require.Equal(t, 5*time.Second, dispatcher.nextDelay(CycleResult{ConnectivityFailure: true}))

	dispatcher.connFailures = 2
	require.Equal(t, 10*time.Second, dispatcher.nextDelay(CycleResult{ConnectivityFailure: true}))

	dispatcher.connFailures = 4
	require.Equal(t, 40*time.Second, dispatcher.nextDelay(CycleResult{ConnectivityFailure: true}))

	dispatcher.connFailures = 10
	require.Equal(t, 60*time.Second, dispatcher.nextDelay(CycleResult{ConnectivityFailure: true}))
}

func TestRunStopsOnStop(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, newFakeRepo(), &fakePublisher{},
		WithPollIntervals(10*time.Millisecond, 10*time.Millisecond))

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.Run(context.Background())
	}()

	time.Sleep(50 * time.Millisecond)
	dispatcher.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestRunRejectsConcurrentRun(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, newFakeRepo(), &fakePublisher{},
		WithPollIntervals(10*time.Millisecond, 10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- dispatcher.Run(ctx)
	}()

	time.Sleep(30 * time.Millisecond)
	require.ErrorIs(t, dispatcher.Run(ctx), ErrDispatcherRunning)

	cancel()
	require.NoError(t, <-done)
}

func TestShutdownWaitsForInflightCycle(t *testing.T) {
	t.Parallel()

	dispatcher := newTestDispatcher(t, newFakeRepo(), &fakePublisher{})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, dispatcher.Shutdown(ctx))
}
