package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bissquit/relay/internal/domain"
	"github.com/bissquit/relay/internal/queue"
	"github.com/bissquit/relay/internal/queue/queuetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()

	store, err := Open(filepath.Join(t.TempDir(), "relay.bolt"), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_Conformance(t *testing.T) {
	queuetest.RunStoreSuite(t, func(t *testing.T) queue.Store {
		return newTestStore(t)
	})
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "relay.bolt")
	ctx := context.Background()

	store, err := Open(path)
	require.NoError(t, err)

	item := &domain.WorkItem{Kind: domain.KindKafka, Payload: []byte(`{"topic":"tasks"}`), MaxAttempts: 4}
	require.NoError(t, store.Enqueue(ctx, item))
	claimed, err := store.ClaimBatch(ctx, "worker-a", 0, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reopened.Close() })

	got, err := reopened.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClaimed, got.Status)
	require.NotNil(t, got.LockOwner)
	assert.Equal(t, "worker-a", *got.LockOwner)
	assert.Equal(t, 1, got.AttemptCount)
	assert.Equal(t, 4, got.MaxAttempts)
}

func TestStore_EnqueueDuplicateID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	item := &domain.WorkItem{ID: "fixed", Kind: domain.KindSMS, Payload: []byte(`{}`), MaxAttempts: 1}
	require.NoError(t, store.Enqueue(ctx, item))

	dup := &domain.WorkItem{ID: "fixed", Kind: domain.KindSMS, Payload: []byte(`{}`), MaxAttempts: 1}
	assert.Error(t, store.Enqueue(ctx, dup))
}

func TestStore_CanceledContext(t *testing.T) {
	store := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.ClaimBatch(ctx, "worker-a", time.Second, 1)
	assert.ErrorIs(t, err, context.Canceled)
}
