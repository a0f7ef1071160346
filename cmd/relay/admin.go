package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/bissquit/relay/internal/app"
	"github.com/bissquit/relay/internal/config"
	"github.com/bissquit/relay/internal/domain"
	"github.com/bissquit/relay/internal/queue"
	"github.com/spf13/cobra"
)

// withService opens the configured store and runs fn against a queue
// service that does not process items.
func withService(ctx context.Context, load configLoader, fn func(*queue.Service) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Database.ConnectTimeout)
	defer cancel()

	store, db, err := app.OpenStore(connectCtx, cfg.Database)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
		if db != nil {
			db.Close()
		}
	}()

	reaper := queue.NewReaper(queue.ReaperConfig{
		Interval:   cfg.Queue.ReapInterval,
		StaleAfter: cfg.Queue.StaleAfter,
	}, store)

	return fn(queue.NewService(store, reaper, enabledKinds(cfg), cfg.Queue.MaxAttempts))
}

func enabledKinds(cfg *config.Config) []string {
	var kinds []string
	if cfg.SMS.Enabled {
		kinds = append(kinds, domain.KindSMS)
	}
	if cfg.Email.Enabled {
		kinds = append(kinds, domain.KindEmail)
	}
	if cfg.Kafka.Enabled {
		kinds = append(kinds, domain.KindKafka)
	}
	return kinds
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newEnqueueCmd(load configLoader) *cobra.Command {
	var (
		kind        string
		maxAttempts int
	)

	cmd := &cobra.Command{
		Use:   "enqueue PAYLOAD_JSON",
		Short: "Add a work item to the queue",
		Example: `  relay enqueue --kind sms '{"to":"+15551234567","message":"hello"}'
  relay enqueue --kind kafka --max-attempts 5 '{"topic":"tasks","value":{"id":1}}'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := json.RawMessage(args[0])
			if !json.Valid(payload) {
				return errors.New("payload is not valid JSON")
			}

			return withService(cmd.Context(), load, func(svc *queue.Service) error {
				item, err := svc.Enqueue(cmd.Context(), queue.EnqueueInput{
					Kind:        kind,
					Payload:     payload,
					MaxAttempts: maxAttempts,
				})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), item)
			})
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", "", "work item kind (sms, email, kafka)")
	cmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "attempt limit (0 uses queue.max_attempts)")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func newReapCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Return stale claims to the queue once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), load, func(svc *queue.Service) error {
				count, err := svc.Reap(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "recovered %d stale claims\n", count)
				return nil
			})
		},
	}
}

func newStatsCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print item counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withService(cmd.Context(), load, func(svc *queue.Service) error {
				stats, err := svc.Stats(cmd.Context())
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}
