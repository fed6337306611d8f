package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailstation/mailstation/internal/api"
	"github.com/mailstation/mailstation/internal/scheduler"
)

// serveCmd starts the per-account cron scheduler and the HTTP boundary,
// running until interrupted. Grounded on msgvault's cmd/msgvault/cmd/serve.go
// signal-handling/shutdown sequence, adapted from its store+OAuth wiring to
// this package's per-account engine.Engine map.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the sync scheduler and HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Server.ValidateSecure(); err != nil {
			return err
		}
		if len(cfg.Remotes) == 0 {
			return fmt.Errorf("no remote accounts configured; run 'mailstation account add' first")
		}

		engines, err := newEngines(cfg, logger)
		if err != nil {
			return err
		}
		defer func() {
			for email, eng := range engines {
				if err := eng.Close(); err != nil {
					logger.Warn("closing engine", "account", email, "error", err)
				}
			}
		}()

		syncFunc := func(ctx context.Context, email string) error {
			eng, ok := engines[email]
			if !ok {
				return fmt.Errorf("no engine configured for account %s", email)
			}
			result, err := eng.SyncOnce(ctx)
			if err != nil {
				return err
			}
			logger.Info("sync complete", "account", email, "fetched", result.Fetched, "parsed", result.Parsed)
			return nil
		}

		sched := scheduler.New(syncFunc).WithLogger(logger)
		n, errs := sched.AddAccountsFromConfig(cfg)
		for _, err := range errs {
			logger.Warn("scheduling account", "error", err)
		}
		logger.Info("scheduled accounts", "count", n)

		lookup := func(email string) (api.AccountEngine, bool) {
			eng, ok := engines[email]
			return eng, ok
		}

		apiServer := api.NewServer(cfg, lookup, sched, logger)

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

		sched.Start()

		serverErr := make(chan error, 1)
		go func() {
			if err := apiServer.Start(); err != nil {
				serverErr <- err
			}
		}()

		logger.Info("mailstation serving", "bind", cfg.Server.BindAddr, "port", cfg.Server.APIPort)

		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
		case err := <-serverErr:
			logger.Error("API server failed", "error", err)
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown", "error", err)
		}

		stopCtx := sched.Stop()
		select {
		case <-stopCtx.Done():
		case <-time.After(30 * time.Second):
			logger.Warn("scheduler stop timed out")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
