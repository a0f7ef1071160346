package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// ReaperConfig contains lock reaper configuration.
type ReaperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
}

// DefaultReaperConfig returns default reaper configuration.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:   time.Minute,
		StaleAfter: 10 * time.Minute,
	}
}

// Reaper returns claims abandoned by crashed or stalled workers to the queue.
type Reaper struct {
	config ReaperConfig
	store  Store

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReaper creates a new lock reaper.
func NewReaper(config ReaperConfig, store Store) *Reaper {
	return &Reaper{
		config: config,
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start runs one reap immediately and then on every interval.
func (r *Reaper) Start(ctx context.Context) {
	slog.Info("starting lock reaper",
		"interval", r.config.Interval,
		"stale_after", r.config.StaleAfter,
	)

	r.wg.Add(1)
	go r.run(ctx)
}

// Stop stops the reaper loop.
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
	slog.Info("lock reaper stopped")
}

func (r *Reaper) run(ctx context.Context) {
	defer r.wg.Done()

	_, _ = r.RunOnce(ctx)

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			_, _ = r.RunOnce(ctx)
		}
	}
}

// RunOnce recovers stale claims and returns how many were recovered.
func (r *Reaper) RunOnce(ctx context.Context) (int64, error) {
	count, err := r.store.ReapStaleClaims(ctx, r.config.StaleAfter)
	if err != nil {
		slog.Error("failed to reap stale claims", "error", err)
		return 0, err
	}

	if count > 0 {
		slog.Warn("recovered stale claims",
			"count", count,
			"stale_after", r.config.StaleAfter,
		)
		recordReaped(count)
	}

	return count, nil
}
