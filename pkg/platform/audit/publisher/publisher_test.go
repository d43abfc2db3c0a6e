package publisher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	id "idverify/pkg/domain"
	audit "idverify/pkg/platform/audit"
	"idverify/pkg/platform/audit/store/memory"
	"idverify/pkg/platform/circuit"
)

func TestPublisher_SyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	userID := id.UserID(uuid.New())
	event := audit.Event{
		UserID: userID,
		Action: string(audit.EventSagaStarted),
	}

	err := pub.Emit(context.Background(), event)
	require.NoError(t, err)

	events, err := pub.List(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventSagaStarted), events[0].Action)
}

func TestPublisher_AsyncMode(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(10))
	defer pub.Close()

	userID := id.UserID(uuid.New())
	event := audit.Event{
		UserID: userID,
		Action: string(audit.EventSagaCompleted),
	}

	err := pub.Emit(context.Background(), event)
	require.NoError(t, err)

	// Wait for async processing
	time.Sleep(100 * time.Millisecond)

	events, err := pub.List(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, string(audit.EventSagaCompleted), events[0].Action)
}

func TestPublisher_AsyncDrainsOnClose(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(100))

	userID := id.UserID(uuid.New())

	// Emit multiple events
	for range 10 {
		event := audit.Event{
			UserID: userID,
			Action: string(audit.EventSagaStarted),
		}
		err := pub.Emit(context.Background(), event)
		require.NoError(t, err)
	}

	// Close should drain all events
	pub.Close()

	events, err := store.ListByUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Len(t, events, 10, "all events should be drained on close")
}

func TestPublisher_BufferFull_DropsEvent(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))
	defer pub.Close()

	userID := id.UserID(uuid.New())

	// Fill the buffer with concurrent writes
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			event := audit.Event{
				UserID: userID,
				Action: string(audit.EventSagaStarted),
			}
			_ = pub.Emit(context.Background(), event)
		}()
	}
	wg.Wait()

	// Some events may have been dropped (buffer size 1); accepted plus dropped
	// must account for every emit once the buffer drains.
	pub.Close()
	events, err := store.ListByUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), int64(len(events))+pub.Dropped())
}

func TestPublisher_SetsTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	userID := id.UserID(uuid.New())
	event := audit.Event{
		UserID: userID,
		Action: string(audit.EventSagaStarted),
		// Timestamp not set
	}

	before := time.Now()
	err := pub.Emit(context.Background(), event)
	require.NoError(t, err)
	after := time.Now()

	events, err := pub.List(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, events, 1)

	assert.True(t, !events[0].Timestamp.Before(before), "timestamp should be >= before")
	assert.True(t, !events[0].Timestamp.After(after), "timestamp should be <= after")
}

func TestPublisher_PreservesExistingTimestamp(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	userID := id.UserID(uuid.New())
	customTime := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	event := audit.Event{
		UserID:    userID,
		Action:    string(audit.EventSagaStarted),
		Timestamp: customTime,
	}

	err := pub.Emit(context.Background(), event)
	require.NoError(t, err)

	events, err := pub.List(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, customTime, events[0].Timestamp)
}

func TestPublisher_ContextCancellation(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store, WithAsyncBuffer(1))
	defer pub.Close()

	// Fill buffer first
	_ = pub.Emit(context.Background(), audit.Event{
		UserID: id.UserID(uuid.New()),
		Action: string(audit.EventSagaStarted),
	})

	// Wait for the event to be processed
	time.Sleep(50 * time.Millisecond)

	// Fill buffer again
	_ = pub.Emit(context.Background(), audit.Event{
		UserID: id.UserID(uuid.New()),
		Action: string(audit.EventSagaStarted),
	})

	// Try to emit with cancelled context when buffer is full
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pub.Emit(ctx, audit.Event{
		UserID: id.UserID(uuid.New()),
		Action: string(audit.EventSagaStarted),
	})

	// Should either succeed (buffer not full) or return context error or buffer full error
	if err != nil {
		assert.True(t, errors.Is(err, context.Canceled) || errors.Is(err, ErrBufferFull),
			"expected context.Canceled or buffer full error, got: %v", err)
	}
}

func TestPublisher_MultipleEvents(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	userID := id.UserID(uuid.New())

	events := []audit.Event{
		{UserID: userID, Action: string(audit.EventSagaStarted)},
		{UserID: userID, Action: string(audit.EventSagaStepCompleted)},
		{UserID: userID, Action: string(audit.EventSagaCompleted)},
	}

	for _, event := range events {
		err := pub.Emit(context.Background(), event)
		require.NoError(t, err)
	}

	result, err := pub.List(context.Background(), userID)
	require.NoError(t, err)
	require.Len(t, result, 3)

	assert.Equal(t, string(audit.EventSagaStarted), result[0].Action)
	assert.Equal(t, string(audit.EventSagaStepCompleted), result[1].Action)
	assert.Equal(t, string(audit.EventSagaCompleted), result[2].Action)
}

func TestPublisher_DifferentUsers(t *testing.T) {
	store := memory.NewInMemoryStore()
	pub := NewPublisher(store)
	defer pub.Close()

	userID1 := id.UserID(uuid.New())
	userID2 := id.UserID(uuid.New())

	err := pub.Emit(context.Background(), audit.Event{
		UserID: userID1,
		Action: string(audit.EventSagaStarted),
	})
	require.NoError(t, err)

	err = pub.Emit(context.Background(), audit.Event{
		UserID: userID2,
		Action: string(audit.EventSagaCompleted),
	})
	require.NoError(t, err)

	events1, err := pub.List(context.Background(), userID1)
	require.NoError(t, err)
	require.Len(t, events1, 1)
	assert.Equal(t, string(audit.EventSagaStarted), events1[0].Action)

	events2, err := pub.List(context.Background(), userID2)
	require.NoError(t, err)
	require.Len(t, events2, 1)
	assert.Equal(t, string(audit.EventSagaCompleted), events2[0].Action)
}

type failingStore struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *failingStore) Append(context.Context, audit.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func TestPublisher_FallbackWhileCircuitOpen(t *testing.T) {
	primary := &failingStore{err: errors.New("audit backend down")}
	fallback := memory.NewInMemoryStore()
	breaker := circuit.New("audit", circuit.WithFailureThreshold(2))
	metrics := NewMetrics(prometheus.NewRegistry())
	pub := NewPublisher(primary, WithFallback(fallback, breaker), WithMetrics(metrics))

	userID := id.UserID(uuid.New())
	event := audit.Event{UserID: userID, Action: string(audit.EventSagaFailed)}

	// Below threshold the primary error surfaces and nothing is rerouted.
	require.Error(t, pub.Emit(context.Background(), event))

	// Threshold reached: circuit opens and the fallback takes the event.
	require.NoError(t, pub.Emit(context.Background(), event))
	require.NoError(t, pub.Emit(context.Background(), event))
	assert.True(t, breaker.IsOpen())
	assert.Equal(t, 3, primary.calls, "primary is attempted on every emit")

	events, err := fallback.ListByUser(context.Background(), userID)
	require.NoError(t, err)
	assert.Len(t, events, 2)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.FallbackWrites))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.PersistFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CircuitState))
}

func TestPublisher_CircuitClosesWhenPrimaryRecovers(t *testing.T) {
	primary := &failingStore{err: errors.New("down")}
	breaker := circuit.New("audit", circuit.WithFailureThreshold(1), circuit.WithSuccessThreshold(1))
	pub := NewPublisher(primary, WithFallback(memory.NewInMemoryStore(), breaker))

	require.NoError(t, pub.Emit(context.Background(), audit.Event{Action: string(audit.EventSagaStarted)}))
	assert.True(t, breaker.IsOpen())

	primary.err = nil
	require.NoError(t, pub.Emit(context.Background(), audit.Event{Action: string(audit.EventSagaStarted)}))
	assert.False(t, breaker.IsOpen())
}

func TestPublisher_AsyncSwallowsStoreErrors(t *testing.T) {
	primary := &failingStore{err: errors.New("down")}
	pub := NewPublisher(primary, WithAsyncBuffer(4))

	for range 3 {
		require.NoError(t, pub.Emit(context.Background(), audit.Event{Action: string(audit.EventSagaStarted)}))
	}
	pub.Close()
	assert.Equal(t, 3, primary.calls)
}

func TestPublisher_EmitAfterClose(t *testing.T) {
	pub := NewPublisher(memory.NewInMemoryStore(), WithAsyncBuffer(1))
	pub.Close()
	pub.Close()

	err := pub.Emit(context.Background(), audit.Event{Action: string(audit.EventSagaStarted)})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublisher_DroppedEventsAreCounted(t *testing.T) {
	block := make(chan struct{})
	metrics := NewMetrics(prometheus.NewRegistry())
	pub := NewPublisher(blockingStore{release: block}, WithAsyncBuffer(1), WithMetrics(metrics))

	// First event is taken by the drain goroutine and blocks there; the
	// second fills the buffer; the rest are dropped.
	_ = pub.Emit(context.Background(), audit.Event{Action: string(audit.EventSagaStarted)})
	require.Eventually(t, func() bool {
		return pub.Emit(context.Background(), audit.Event{Action: string(audit.EventSagaStarted)}) == nil
	}, time.Second, time.Millisecond)
	assert.ErrorIs(t, pub.Emit(context.Background(), audit.Event{Action: string(audit.EventSagaStarted)}), ErrBufferFull)

	assert.GreaterOrEqual(t, pub.Dropped(), int64(1))
	assert.Equal(t, float64(pub.Dropped()), testutil.ToFloat64(metrics.Dropped))
	close(block)
	pub.Close()
}

type blockingStore struct {
	release chan struct{}
}

func (b blockingStore) Append(ctx context.Context, _ audit.Event) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
