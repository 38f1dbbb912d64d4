package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kostush/purchase-gateway-sub010/api"
)

func serveCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the purchase API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			pool, err := openPool(ctx, cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			gw, err := buildGateway(cfg, pool, logger)
			if err != nil {
				return err
			}
			server := api.NewServer(api.NewHandlers(gw.deps), gw.tokens, logger)
			srv := &http.Server{
				Addr:         cfg.HTTP.Addr,
				Handler:      server.Routes(),
				ReadTimeout:  cfg.HTTP.ReadTimeout,
				WriteTimeout: cfg.HTTP.WriteTimeout,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("purchase api listening", "addr", cfg.HTTP.Addr, "version", Version)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("serve: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down purchase api")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownGrace)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}
