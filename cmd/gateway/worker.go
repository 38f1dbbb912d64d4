package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kostush/purchase-gateway-sub010/clients"
	"github.com/kostush/purchase-gateway-sub010/events"
	"github.com/kostush/purchase-gateway-sub010/versioning"
	"github.com/kostush/purchase-gateway-sub010/voidtx"
	"github.com/kostush/purchase-gateway-sub010/worker"
)

func workerCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Relay stored events and run the void-transactions workflow",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			tc, err := worker.Dial(cfg.Temporal.HostPort, cfg.Temporal.Namespace, logger)
			if err != nil {
				return err
			}
			defer tc.Close()

			bs := breakerSettings(cfg)
			transactions := clients.NewTransactionClient(endpoint(cfg.Services.Transaction), bs, logger)
			templates := clients.NewPaymentTemplateClient(endpoint(cfg.Services.PaymentTemplate), bs, logger)
			acts := &worker.Activities{
				Voids: voidtx.NewHandler(cfg.Features.VoidTransactions, templates, transactions, transactions, logger),
			}

			publisher := worker.NewPublisher(tc, cfg.Temporal.TaskQueue, logger)
			queue := events.NewFailedPublishQueue(pool, cfg.Events.MaxPublishAttempts)
			relay := events.NewRelay(events.RelayConfig{
				Pool:      pool,
				Source:    events.NewStore(pool),
				Tracker:   events.NewTracker(pool),
				Failures:  queue,
				Publisher: publisher,
				Converters: map[string]*versioning.Converter{
					events.TypePurchaseProcessed: versioning.NewConverter(versioning.PurchaseProcessedChain, logger),
				},
				BatchSize: cfg.Events.BatchSize,
				Logger:    logger,
			})
			republisher := events.NewRepublisher(pool, queue, publisher, cfg.Events.RepublishRate, cfg.Events.BatchSize, logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return events.Poll(gctx, cfg.Events.PollInterval, "relay", logger, relay.RunOnce)
			})
			g.Go(func() error {
				return events.Poll(gctx, cfg.Events.PollInterval, "republisher", logger, republisher.RunOnce)
			})
			g.Go(func() error {
				return worker.Run(gctx, tc, cfg.Temporal.TaskQueue, acts)
			})

			logger.Info("worker running", "task_queue", cfg.Temporal.TaskQueue, "void_transactions", cfg.Features.VoidTransactions)
			if err := g.Wait(); err != nil && !errors.Is(err, ctx.Err()) {
				return err
			}
			return nil
		},
	}
}
