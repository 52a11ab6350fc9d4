package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/loqalabs/loqa-pendant/internal/config"
	"github.com/loqalabs/loqa-pendant/internal/runtime"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the daemon",
	Long: `Run the daemon in the foreground until interrupted.

The config file is optional; defaults and LOQA_* environment variables apply
when it is missing.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runDaemon(cmd.Context(), cfg)
	},
}

func runDaemon(parent context.Context, cfg config.Config) error {
	logger := newLogger(cfg.Telemetry.LogLevel)
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt := runtime.New(cfg, logger)
	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
