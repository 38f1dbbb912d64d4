package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/kostush/purchase-gateway-sub010/config"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:           "gateway",
		Short:         "Purchase gateway: orchestrates billing attempts for purchase sessions",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML config file (GATEWAY_* env vars override it)")

	load := func() (config.Config, *slog.Logger, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, nil, err
		}
		logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
		slog.SetDefault(logger)
		return cfg, logger, nil
	}

	rootCmd.AddCommand(serveCmd(load))
	rootCmd.AddCommand(workerCmd(load))
	rootCmd.AddCommand(migrateCmd(load))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type loader func() (config.Config, *slog.Logger, error)
