package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"slackbridge/pkg/bridge"
	"slackbridge/pkg/config"
	"slackbridge/pkg/logger"

	"github.com/spf13/cobra"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the Slack bridge",
	Long:  "Runs the Socket Mode transport, session registry, and backend routing loop until interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.bridge")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := bridge.NewFromConfig(cfg, slog.Default())
		if err != nil {
			log.Error("Failed to initialize bridge service", "error", err)
			return
		}
		defer func() {
			if err := svc.Registry().Close(); err != nil {
				log.Warn("Registry close failed", "error", err)
			}
		}()

		log.Info("Bridge started", "backend", cfg.BackendMode(), "registry", cfg.RegistryPath())
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Bridge runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(bridgeCmd)
}
