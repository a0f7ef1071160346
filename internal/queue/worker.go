package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bissquit/relay/internal/domain"
)

// ErrClaimLost is returned when the worker no longer owns the item it was
// processing, typically because the reaper recovered it first.
var ErrClaimLost = errors.New("claim no longer held by worker")

// settleTimeout bounds store calls made after the handler has returned.
const settleTimeout = 10 * time.Second

// Handler delivers work items of a single kind.
type Handler interface {
	Kind() string
	Handle(ctx context.Context, item *domain.WorkItem) error
}

// Worker processes claimed items and records their outcome in the store.
type Worker struct {
	workerID string
	store    Store
	handlers map[string]Handler
}

// NewWorker creates a worker acting as workerID.
func NewWorker(workerID string, store Store, handlers ...Handler) *Worker {
	handlerMap := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		handlerMap[h.Kind()] = h
	}
	return &Worker{
		workerID: workerID,
		store:    store,
		handlers: handlerMap,
	}
}

// HasHandler reports whether a handler is registered for kind.
func (w *Worker) HasHandler(kind string) bool {
	_, ok := w.handlers[kind]
	return ok
}

// Kinds returns the registered handler kinds.
func (w *Worker) Kinds() []string {
	kinds := make([]string, 0, len(w.handlers))
	for k := range w.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}

// Process runs the handler for item and classifies the result.
// The returned error is the failure cause and is nil on success.
func (w *Worker) Process(ctx context.Context, item *domain.WorkItem) (outcome domain.Outcome, err error) {
	handler, ok := w.handlers[item.Kind]
	if !ok {
		return domain.OutcomePermanentFailure, fmt.Errorf("%w: %s", ErrUnknownKind, item.Kind)
	}

	defer func() {
		if r := recover(); r != nil {
			outcome = domain.OutcomeTransientFailure
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	err = handler.Handle(ctx, item)
	return Classify(err), err
}

// Classify maps a handler error onto an outcome.
func Classify(err error) domain.Outcome {
	switch {
	case err == nil:
		return domain.OutcomeSuccess
	case errors.Is(err, context.DeadlineExceeded):
		return domain.OutcomeTransientFailure
	case isRetryable(err):
		return domain.OutcomeTransientFailure
	default:
		return domain.OutcomePermanentFailure
	}
}

// Execute takes a claimed item through processing and settles it in the
// store. It returns the status the item was left in.
func (w *Worker) Execute(ctx context.Context, item *domain.WorkItem) (domain.Status, error) {
	beginCtx, cancelBegin := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	began, err := w.store.BeginProcessing(beginCtx, item.ID, w.workerID)
	cancelBegin()
	if err != nil {
		recordOutcome(item.Kind, "store_error")
		return item.Status, fmt.Errorf("begin processing: %w", err)
	}
	if !began {
		recordOutcome(item.Kind, "lost")
		return item.Status, ErrClaimLost
	}
	item.Status = domain.StatusProcessing

	start := time.Now()
	outcome, procErr := w.Process(ctx, item)
	recordProcessDuration(item.Kind, time.Since(start))

	// The processing deadline may have passed; settling must still happen.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	return w.settle(settleCtx, item, outcome, procErr)
}

func (w *Worker) settle(ctx context.Context, item *domain.WorkItem, outcome domain.Outcome, procErr error) (domain.Status, error) {
	switch outcome {
	case domain.OutcomeSuccess:
		return w.complete(ctx, item, domain.StatusSent, "", "sent")

	case domain.OutcomePermanentFailure:
		slog.Warn("work item failed permanently",
			"item_id", item.ID,
			"kind", item.Kind,
			"attempt", item.AttemptCount,
			"error", procErr,
		)
		return w.complete(ctx, item, domain.StatusFailed, procErr.Error(), "failed")

	default:
		if item.Exhausted() {
			slog.Warn("work item exhausted its attempts",
				"item_id", item.ID,
				"kind", item.Kind,
				"attempt", item.AttemptCount,
				"max_attempts", item.MaxAttempts,
				"error", procErr,
			)
			return w.complete(ctx, item, domain.StatusFailed,
				fmt.Sprintf("max attempts exceeded: %v", procErr), "failed")
		}

		status, applied, err := w.store.ReleaseItem(ctx, item.ID, w.workerID, procErr.Error())
		if err != nil {
			slog.Error("failed to release work item", "item_id", item.ID, "error", err)
			recordOutcome(item.Kind, "store_error")
			return item.Status, fmt.Errorf("release item: %w", err)
		}
		if !applied {
			recordOutcome(item.Kind, "lost")
			return item.Status, ErrClaimLost
		}

		item.Status = status
		item.LockOwner = nil
		item.LastError = procErr.Error()
		recordOutcome(item.Kind, "retry")

		slog.Info("work item released for retry",
			"item_id", item.ID,
			"kind", item.Kind,
			"attempt", item.AttemptCount,
			"max_attempts", item.MaxAttempts,
			"error", procErr,
		)
		return status, nil
	}
}

func (w *Worker) complete(ctx context.Context, item *domain.WorkItem, terminal domain.Status, lastErr, result string) (domain.Status, error) {
	applied, err := w.store.CompleteItem(ctx, item.ID, w.workerID, terminal, lastErr)
	if err != nil {
		slog.Error("failed to complete work item",
			"item_id", item.ID,
			"status", terminal,
			"error", err,
		)
		recordOutcome(item.Kind, "store_error")
		return item.Status, fmt.Errorf("complete item: %w", err)
	}
	if !applied {
		slog.Warn("work item completed by another owner", "item_id", item.ID, "worker_id", w.workerID)
		recordOutcome(item.Kind, "lost")
		return item.Status, ErrClaimLost
	}

	item.Status = terminal
	item.LockOwner = nil
	item.LastError = lastErr
	recordOutcome(item.Kind, result)

	slog.Debug("work item completed",
		"item_id", item.ID,
		"kind", item.Kind,
		"status", terminal,
	)
	return terminal, nil
}
