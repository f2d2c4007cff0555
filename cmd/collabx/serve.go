package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jiteshy/collabx/internal/app"
	"github.com/jiteshy/collabx/internal/config"
	"github.com/jiteshy/collabx/internal/logging"
)

func serveCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the collaboration gateway",
		Long: `Run the collaboration gateway until SIGINT or SIGTERM.

Settings come from the optional config file (JSON with comments, or YAML),
then COLLABX_* environment variables, then built-in defaults.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("COLLABX_CONFIG_FILE")
			}
			cfg, err := config.LoadConfigWithPrecedence(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to a JSON or YAML config file (default $COLLABX_CONFIG_FILE)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Override the configured log level")
	return cmd
}

// serve runs the application until ctx is cancelled or the server fails.
func serve(ctx context.Context, cfg *config.Config) error {
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	application, err := app.NewApplication(cfg, app.WithLogger(logger), app.WithVersion(version))
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}
	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("failed to start application: %w", err)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- application.Wait() }()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("Shutdown requested")
	case runErr = <-serveErr:
		logger.Error("Server stopped unexpectedly", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := application.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}
	return runErr
}
