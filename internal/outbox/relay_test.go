package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/pitchclub-ledger/internal/model"
	"github.com/mmeshcher/pitchclub-ledger/internal/notify"
	"github.com/mmeshcher/pitchclub-ledger/internal/repository"
	"github.com/mmeshcher/pitchclub-ledger/internal/repository/memory"
)

type fakeSender struct {
	mu   sync.Mutex
	errs []error
	sent []model.OutboxEvent
}

func (f *fakeSender) Send(_ context.Context, ev model.OutboxEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, ev)
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	f.errs = f.errs[1:]
	return err
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func enqueue(t *testing.T, store *memory.Store, eventType string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	err := store.WithTx(context.Background(), func(ctx context.Context, tx repository.Tx) error {
		return tx.EnqueueOutbox(ctx, model.OutboxEvent{
			ID:            id,
			EventType:     eventType,
			UserID:        "u1",
			Payload:       json.RawMessage(`{}`),
			Status:        model.OutboxPending,
			NextAttemptAt: baseTime,
			CreatedAt:     baseTime,
		})
	})
	require.NoError(t, err)
	return id
}

func newTestRelay(store *memory.Store, sender Sender, cfg Config) (*Relay, *time.Time) {
	r := NewRelay(store, sender, cfg, nil)
	now := baseTime
	r.now = func() time.Time { return now }
	return r, &now
}

func eventByID(t *testing.T, store *memory.Store, id uuid.UUID) model.OutboxEvent {
	t.Helper()
	for _, ev := range store.OutboxEvents() {
		if ev.ID == id {
			return ev
		}
	}
	t.Fatalf("event %s not found", id)
	return model.OutboxEvent{}
}

func TestRunOnce_DeliversPending(t *testing.T) {
	store := memory.New()
	a := enqueue(t, store, model.NotifyPointsAwarded)
	b := enqueue(t, store, model.NotifyBalanceSpent)
	sender := &fakeSender{}
	relay, _ := newTestRelay(store, sender, Config{})

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, model.OutboxDelivered, eventByID(t, store, a).Status)
	assert.Equal(t, model.OutboxDelivered, eventByID(t, store, b).Status)

	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, sender.count())
}

func TestRunOnce_RetriesWithBackoff(t *testing.T) {
	store := memory.New()
	id := enqueue(t, store, model.NotifyPointsAwarded)
	sender := &fakeSender{errs: []error{errors.New("connection refused"), errors.New("connection refused")}}
	relay, now := newTestRelay(store, sender, Config{RetryBackoff: time.Second, MaxAttempts: 5})

	_, err := relay.RunOnce(context.Background())
	require.NoError(t, err)

	ev := eventByID(t, store, id)
	assert.Equal(t, model.OutboxPending, ev.Status)
	assert.Equal(t, 1, ev.AttemptCount)
	assert.Equal(t, baseTime.Add(time.Second), ev.NextAttemptAt)
	assert.Equal(t, "connection refused", ev.LastError)

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "not due yet")

	*now = baseTime.Add(time.Second)
	_, err = relay.RunOnce(context.Background())
	require.NoError(t, err)

	ev = eventByID(t, store, id)
	assert.Equal(t, 2, ev.AttemptCount)
	assert.Equal(t, now.Add(2*time.Second), ev.NextAttemptAt)

	*now = now.Add(2 * time.Second)
	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.OutboxDelivered, eventByID(t, store, id).Status)
}

func TestRunOnce_DeadAfterMaxAttempts(t *testing.T) {
	store := memory.New()
	id := enqueue(t, store, model.NotifyPointsAwarded)
	sender := &fakeSender{errs: []error{errors.New("boom"), errors.New("boom")}}
	relay, now := newTestRelay(store, sender, Config{RetryBackoff: time.Second, MaxAttempts: 2})

	_, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	*now = now.Add(time.Hour)
	_, err = relay.RunOnce(context.Background())
	require.NoError(t, err)

	ev := eventByID(t, store, id)
	assert.Equal(t, model.OutboxDead, ev.Status)
	assert.Equal(t, 2, ev.AttemptCount)

	*now = now.Add(time.Hour)
	_, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sender.count())
}

func TestRunOnce_PermanentErrorIsDead(t *testing.T) {
	store := memory.New()
	id := enqueue(t, store, model.NotifyPointsAwarded)
	sender := &fakeSender{errs: []error{&notify.StatusError{Code: http.StatusBadRequest}}}
	relay, _ := newTestRelay(store, sender, Config{})

	_, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.OutboxDead, eventByID(t, store, id).Status)
}

func TestRunOnce_HonorsRetryAfter(t *testing.T) {
	store := memory.New()
	id := enqueue(t, store, model.NotifyPointsAwarded)
	sender := &fakeSender{errs: []error{&notify.StatusError{Code: http.StatusTooManyRequests, RetryAfter: time.Minute}}}
	relay, _ := newTestRelay(store, sender, Config{RetryBackoff: time.Second})

	_, err := relay.RunOnce(context.Background())
	require.NoError(t, err)

	ev := eventByID(t, store, id)
	assert.Equal(t, model.OutboxPending, ev.Status)
	assert.Equal(t, baseTime.Add(time.Minute), ev.NextAttemptAt)
}

func TestRunOnce_ExpiredLeaseIsRedelivered(t *testing.T) {
	store := memory.New()
	id := enqueue(t, store, model.NotifyPointsAwarded)

	leased, err := store.LeaseOutbox(context.Background(), "crashed", 10, baseTime, time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 1)

	sender := &fakeSender{}
	relay, now := newTestRelay(store, sender, Config{LeaseTTL: time.Second})

	n, err := relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n, "lease still held")

	*now = baseTime.Add(2 * time.Second)
	n, err = relay.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.OutboxDelivered, eventByID(t, store, id).Status)
}

func TestRetryDelay(t *testing.T) {
	relay := NewRelay(memory.New(), &fakeSender{}, Config{RetryBackoff: time.Second}, nil)

	assert.Equal(t, time.Second, relay.retryDelay(1))
	assert.Equal(t, 2*time.Second, relay.retryDelay(2))
	assert.Equal(t, 8*time.Second, relay.retryDelay(4))
	assert.Equal(t, maxRetryDelay, relay.retryDelay(20))
}

func TestRun_DeliversUntilCancelled(t *testing.T) {
	store := memory.New()
	enqueue(t, store, model.NotifyPointsAwarded)
	sender := &fakeSender{}
	relay := NewRelay(store, sender, Config{PollInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool { return sender.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not stop")
	}
}
