package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/aionbuilders/helios/internal/config"
	"github.com/aionbuilders/helios/pkg/coordinator"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		addr       string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Helios server",
		Long: `Start the Helios server, loading configuration from a YAML file
(defaults + environment overrides apply on top of it).

Examples:
  heliosd serve
  heliosd serve --config helios.yaml
  heliosd serve --addr :9000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, addr)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "helios.yaml", "path to a YAML config file")
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "listen address (overrides config)")

	return cmd
}

func runServe(configPath, addr string) error {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("heliosd: %w", err)
	}
	if addr != "" {
		cfg.ListenAddr = addr
	}

	co, err := coordinator.New(coordinator.Options{
		Config: cfg,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("heliosd: %w", err)
	}

	logger.Info("helios configured",
		"listenAddr", cfg.ListenAddr,
		"sessionRecovery", cfg.SessionRecovery.Enabled,
		"healthCheck", cfg.HealthCheck.Enabled,
		"parseMode", cfg.ParseMode,
	)

	return co.Run()
}
