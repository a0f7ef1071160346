package queue_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bissquit/relay/internal/domain"
	"github.com/bissquit/relay/internal/queue"
	"github.com/bissquit/relay/internal/queue/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newClaimer(workerID string, store queue.Store, handlers ...queue.Handler) *queue.Claimer {
	config := queue.ClaimerConfig{
		WorkerID:       workerID,
		PollInterval:   10 * time.Millisecond,
		BatchSize:      5,
		Concurrency:    2,
		BackoffWindow:  backoff,
		ProcessTimeout: time.Second,
	}
	return queue.NewClaimer(config, store, queue.NewWorker(workerID, store, handlers...))
}

func TestDefaultClaimerConfig(t *testing.T) {
	config := queue.DefaultClaimerConfig()

	assert.NotEmpty(t, config.WorkerID)
	assert.Equal(t, 5*time.Second, config.PollInterval)
	assert.Equal(t, 10, config.BatchSize)
	assert.Equal(t, 30*time.Second, config.BackoffWindow)
}

func TestClaimerConfig_MaxClaimAge(t *testing.T) {
	config := queue.ClaimerConfig{BatchSize: 10, Concurrency: 5, ProcessTimeout: 30 * time.Second}
	// two rounds of processing plus the store calls around each item
	assert.Equal(t, 2*(30*time.Second+20*time.Second), config.MaxClaimAge())

	config.Concurrency = 1
	assert.Equal(t, 10*(30*time.Second+20*time.Second), config.MaxClaimAge())

	config.Concurrency = 20
	assert.Equal(t, 50*time.Second, config.MaxClaimAge())
}

func TestClaimer_Poll(t *testing.T) {
	store := newMemoryStore(newClock())
	claimer := newClaimer("worker-a", store, &stubHandler{kind: domain.KindSMS})
	ctx := context.Background()

	for range 7 {
		enqueue(t, store, domain.KindSMS, 3)
	}

	assert.Equal(t, 5, claimer.Poll(ctx))
	assert.Equal(t, 2, claimer.Poll(ctx))
	assert.Equal(t, 0, claimer.Poll(ctx))

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), stats.Sent)
}

func TestClaimer_PollSurvivesStoreErrors(t *testing.T) {
	mem := newMemoryStore(newClock())
	store := &failingStore{Store: mem, claimErr: errors.New("database unavailable")}
	claimer := newClaimer("worker-a", store, &stubHandler{kind: domain.KindSMS})

	enqueue(t, mem, domain.KindSMS, 3)

	assert.Equal(t, 0, claimer.Poll(context.Background()))

	store.claimErr = nil
	assert.Equal(t, 1, claimer.Poll(context.Background()))
}

func TestClaimer_StartStop(t *testing.T) {
	store := newMemoryStore(newClock())
	claimer := newClaimer("worker-a", store, &stubHandler{kind: domain.KindSMS})
	ctx := context.Background()

	item := enqueue(t, store, domain.KindSMS, 3)

	claimer.Start(ctx)
	require.Eventually(t, func() bool {
		return get(t, store, item.ID).Status == domain.StatusSent
	}, 2*time.Second, 10*time.Millisecond)

	claimer.Stop()
	claimer.Stop()
}

func TestClaimer_StopsOnContextCancel(t *testing.T) {
	store := newMemoryStore(newClock())
	claimer := newClaimer("worker-a", store, &stubHandler{kind: domain.KindSMS})

	ctx, cancel := context.WithCancel(context.Background())
	claimer.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		claimer.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("claimer did not stop after context cancel")
	}
}

func TestClaimer_ShutdownCancelsInFlightItems(t *testing.T) {
	store := newMemoryStore(newClock())
	handler := &stubHandler{kind: domain.KindSMS, block: make(chan struct{})}
	claimer := newClaimer("worker-a", store, handler)

	item := enqueue(t, store, domain.KindSMS, 3)

	claimer.Start(context.Background())
	require.Eventually(t, func() bool {
		return handler.calls.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, claimer.Shutdown(ctx))

	// the canceled attempt is settled as a transient failure
	got := get(t, store, item.ID)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Nil(t, got.LockOwner)
	assert.Equal(t, 1, got.AttemptCount)
}

// stuckHandler ignores cancellation until release is closed.
type stuckHandler struct {
	started chan struct{}
	release chan struct{}
}

func (h *stuckHandler) Kind() string { return domain.KindSMS }

func (h *stuckHandler) Handle(_ context.Context, _ *domain.WorkItem) error {
	close(h.started)
	<-h.release
	return nil
}

func TestClaimer_ShutdownRespectsDeadline(t *testing.T) {
	store := newMemoryStore(newClock())
	handler := &stuckHandler{started: make(chan struct{}), release: make(chan struct{})}
	claimer := newClaimer("worker-a", store, handler)

	item := enqueue(t, store, domain.KindSMS, 3)

	claimer.Start(context.Background())
	select {
	case <-handler.started:
	case <-time.After(2 * time.Second):
		t.Fatal("item was not picked up")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := claimer.Shutdown(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)

	// the claim stays with this worker for the reaper to recover
	got := get(t, store, item.ID)
	assert.True(t, got.OwnedBy("worker-a"))

	close(handler.release)
	claimer.Stop()
}

func TestClaimer_ConcurrentClaimersProcessEachItemOnce(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	const items = 40
	for range items {
		enqueue(t, store, domain.KindSMS, 3)
	}

	var mu sync.Mutex
	seen := make(map[string]int)
	handler := &recordingHandler{kind: domain.KindSMS, record: func(id string) {
		mu.Lock()
		defer mu.Unlock()
		seen[id]++
	}}

	var wg sync.WaitGroup
	for _, workerID := range []string{"worker-a", "worker-b", "worker-c", "worker-d"} {
		claimer := newClaimer(workerID, store, handler)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for claimer.Poll(ctx) > 0 {
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, items)
	for id, n := range seen {
		assert.Equal(t, 1, n, "item %s processed more than once", id)
	}

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(items), stats.Sent)
}

type recordingHandler struct {
	kind   string
	record func(id string)
}

func (h *recordingHandler) Kind() string { return h.kind }

func (h *recordingHandler) Handle(_ context.Context, item *domain.WorkItem) error {
	h.record(item.ID)
	return nil
}
