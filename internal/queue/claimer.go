package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ClaimerConfig contains claimer configuration.
type ClaimerConfig struct {
	WorkerID       string
	PollInterval   time.Duration
	BatchSize      int
	Concurrency    int
	BackoffWindow  time.Duration
	ProcessTimeout time.Duration
}

// DefaultClaimerConfig returns default claimer configuration.
func DefaultClaimerConfig() ClaimerConfig {
	return ClaimerConfig{
		WorkerID:       DefaultWorkerID(),
		PollInterval:   5 * time.Second,
		BatchSize:      10,
		Concurrency:    5,
		BackoffWindow:  30 * time.Second,
		ProcessTimeout: 30 * time.Second,
	}
}

// MaxClaimAge is the longest a claim taken under this config can stay
// unsettled. Items beyond the concurrency limit wait for a free slot, and
// each item may spend settleTimeout on both store calls around processing.
func (c ClaimerConfig) MaxClaimAge() time.Duration {
	batch := max(c.BatchSize, 1)
	concurrency := max(c.Concurrency, 1)
	rounds := (batch + concurrency - 1) / concurrency
	return time.Duration(rounds) * (c.ProcessTimeout + 2*settleTimeout)
}

// DefaultWorkerID derives an instance identity from hostname and pid.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "relay"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// Claimer polls the store and hands claimed items to a Worker.
type Claimer struct {
	config ClaimerConfig
	store  Store
	worker *Worker

	mu       sync.Mutex
	cancel   context.CancelFunc // cancels in-flight items
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewClaimer creates a new claimer. The worker must act under the same
// identity as config.WorkerID.
func NewClaimer(config ClaimerConfig, store Store, worker *Worker) *Claimer {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	return &Claimer{
		config: config,
		store:  store,
		worker: worker,
		stopCh: make(chan struct{}),
	}
}

// Start launches the polling loop.
func (c *Claimer) Start(ctx context.Context) {
	slog.Info("starting claimer",
		"worker_id", c.config.WorkerID,
		"batch_size", c.config.BatchSize,
		"concurrency", c.config.Concurrency,
		"poll_interval", c.config.PollInterval,
		"backoff_window", c.config.BackoffWindow,
	)

	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go c.run(runCtx)
}

// Stop stops polling and waits for in-flight items to settle.
// Items still claimed are left for the reaper.
func (c *Claimer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
	slog.Info("claimer stopped", "worker_id", c.config.WorkerID)
}

// Shutdown stops polling, cancels in-flight items and waits for them to
// settle until ctx is done. Claims that have not settled by then stay
// locked under this worker until the reaper recovers them.
func (c *Claimer) Shutdown(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("claimer stopped", "worker_id", c.config.WorkerID)
		return nil
	case <-ctx.Done():
		slog.Warn("claimer stop timed out, unsettled claims left for the reaper",
			"worker_id", c.config.WorkerID)
		return fmt.Errorf("stop claimer: %w", ctx.Err())
	}
}

func (c *Claimer) run(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.Poll(ctx)
		}
	}
}

// Poll claims one batch and processes it. It returns the number of items
// claimed; claim errors are logged and reported as zero.
func (c *Claimer) Poll(ctx context.Context) int {
	items, err := c.store.ClaimBatch(ctx, c.config.WorkerID, c.config.BackoffWindow, c.config.BatchSize)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			slog.Error("failed to claim work items", "worker_id", c.config.WorkerID, "error", err)
		}
		recordClaimError()
		return 0
	}

	if len(items) == 0 {
		return 0
	}

	slog.Debug("processing work items", "worker_id", c.config.WorkerID, "count", len(items))
	recordClaimed(len(items))

	var g errgroup.Group
	g.SetLimit(c.config.Concurrency)

	for _, item := range items {
		g.Go(func() error {
			itemCtx := ctx
			if c.config.ProcessTimeout > 0 {
				var cancel context.CancelFunc
				itemCtx, cancel = context.WithTimeout(ctx, c.config.ProcessTimeout)
				defer cancel()
			}

			if _, err := c.worker.Execute(itemCtx, item); err != nil {
				slog.Warn("work item not settled",
					"item_id", item.ID,
					"worker_id", c.config.WorkerID,
					"error", err,
				)
			}
			return nil
		})
	}

	_ = g.Wait()
	return len(items)
}
