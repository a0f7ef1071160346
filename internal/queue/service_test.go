package queue_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/bissquit/relay/internal/domain"
	"github.com/bissquit/relay/internal/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newService(store queue.Store) *queue.Service {
	reaper := queue.NewReaper(queue.ReaperConfig{Interval: time.Minute, StaleAfter: 10 * time.Minute}, store)
	return queue.NewService(store, reaper, []string{domain.KindSMS, domain.KindEmail}, 4)
}

func TestService_Enqueue(t *testing.T) {
	store := newMemoryStore(newClock())
	service := newService(store)
	ctx := context.Background()

	tests := []struct {
		name        string
		input       queue.EnqueueInput
		wantErr     error
		wantAttempt int
	}{
		{
			name:        "default max attempts",
			input:       queue.EnqueueInput{Kind: domain.KindSMS, Payload: json.RawMessage(`{"to":"+15550100"}`)},
			wantAttempt: 4,
		},
		{
			name:        "explicit max attempts",
			input:       queue.EnqueueInput{Kind: domain.KindEmail, Payload: json.RawMessage(`{"to":"ops@example.com"}`), MaxAttempts: 9},
			wantAttempt: 9,
		},
		{
			name:    "unknown kind",
			input:   queue.EnqueueInput{Kind: "fax", Payload: json.RawMessage(`{}`)},
			wantErr: queue.ErrUnknownKind,
		},
		{
			name:    "empty payload",
			input:   queue.EnqueueInput{Kind: domain.KindSMS},
			wantErr: queue.ErrInvalidPayload,
		},
		{
			name:    "malformed payload",
			input:   queue.EnqueueInput{Kind: domain.KindSMS, Payload: json.RawMessage(`{"to":`)},
			wantErr: queue.ErrInvalidPayload,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item, err := service.Enqueue(ctx, tt.input)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.NotEmpty(t, item.ID)
			assert.Equal(t, domain.StatusQueued, item.Status)
			assert.Equal(t, tt.wantAttempt, item.MaxAttempts)
			assert.Zero(t, item.AttemptCount)
		})
	}
}

func TestService_Reap(t *testing.T) {
	c := newClock()
	store := newMemoryStore(c)
	service := newService(store)
	ctx := context.Background()

	enqueue(t, store, domain.KindSMS, 3)
	claimOne(t, store, "worker-a")
	c.Advance(time.Hour)

	count, err := service.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	stats, err := service.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Queued)
	assert.NoError(t, service.Ping(ctx))
}
