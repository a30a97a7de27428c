package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.temporal.io/sdk/worker"

	"example.com/paywall-go/internal/api"
	"example.com/paywall-go/internal/checkout"
	"example.com/paywall-go/internal/logging"
)

func workerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the Temporal worker that creates customers and subscriptions",
		Long: `Run the Temporal worker behind temporal.enabled checkouts.

The worker executes the customer and subscription workflows against the
paywall backend configured by base_url and api_key, retrying each call
with the configured http_retries_count and http_retry_delay.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			logger := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.Debug)

			c, err := dialTemporal(cfg, logger)
			if err != nil {
				return err
			}
			defer c.Close()

			backend := api.NewClient(api.Options{
				BaseURL: cfg.BaseURL,
				APIKey:  cfg.APIKey,
				Headers: cfg.Headers,
				// the workflow retry policy owns retries
				MaxAttempts: 1,
				Logger:      logger,
			})
			w := checkout.RegisterWorker(c, cfg.Temporal.TaskQueue, backend, logger)
			logger.Info("paywall worker started", "task_queue", cfg.Temporal.TaskQueue, "host", cfg.Temporal.HostPort)
			if err := w.Run(worker.InterruptCh()); err != nil {
				return fmt.Errorf("run worker: %w", err)
			}
			logger.Info("paywall worker stopped")
			return nil
		},
	}
}
