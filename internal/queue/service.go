package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"

	"github.com/bissquit/relay/internal/domain"
)

// EnqueueInput describes a new work item submitted by a producer.
type EnqueueInput struct {
	Kind        string
	Payload     json.RawMessage
	MaxAttempts int
}

// Service exposes queue operations to producers and operators.
type Service struct {
	store              Store
	reaper             *Reaper
	kinds              []string
	defaultMaxAttempts int
}

// NewService creates a new queue service. Only items of the given kinds
// are accepted.
func NewService(store Store, reaper *Reaper, kinds []string, defaultMaxAttempts int) *Service {
	if defaultMaxAttempts <= 0 {
		defaultMaxAttempts = 3
	}
	return &Service{
		store:              store,
		reaper:             reaper,
		kinds:              kinds,
		defaultMaxAttempts: defaultMaxAttempts,
	}
}

// Enqueue validates and stores a new QUEUED item.
func (s *Service) Enqueue(ctx context.Context, input EnqueueInput) (*domain.WorkItem, error) {
	if !slices.Contains(s.kinds, input.Kind) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKind, input.Kind)
	}
	if len(input.Payload) == 0 || !json.Valid(input.Payload) {
		return nil, ErrInvalidPayload
	}

	maxAttempts := input.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.defaultMaxAttempts
	}

	item := &domain.WorkItem{
		Kind:        input.Kind,
		Payload:     input.Payload,
		MaxAttempts: maxAttempts,
	}
	if err := s.store.Enqueue(ctx, item); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}

	slog.Debug("work item enqueued", "item_id", item.ID, "kind", item.Kind)
	return item, nil
}

// Get returns a single item.
func (s *Service) Get(ctx context.Context, id string) (*domain.WorkItem, error) {
	return s.store.Get(ctx, id)
}

// List returns items matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]*domain.WorkItem, error) {
	return s.store.List(ctx, filter)
}

// Stats returns per-status counts.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.store.Stats(ctx)
}

// Reap runs the lock reaper immediately.
func (s *Service) Reap(ctx context.Context) (int64, error) {
	return s.reaper.RunOnce(ctx)
}

// Ping checks store availability.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
