package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"model_optimizer/internal/httpapi"
	"model_optimizer/internal/utils"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := utils.NewLogger("main")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mux, deps, err := httpapi.NewRouter(cfg)
		if err != nil {
			return err
		}

		server := &http.Server{
			Addr:         ":" + cfg.HTTP.Port,
			Handler:      mux,
			ReadTimeout:  cfg.HTTP.ReadTimeout,
			WriteTimeout: cfg.HTTP.WriteTimeout,
			IdleTimeout:  4 * cfg.HTTP.ReadTimeout,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("Model optimizer listening", "addr", server.Addr, "registry_version", deps.Registry.Version())
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		var serveErr error
		select {
		case <-ctx.Done():
			logger.Info("Shutting down server")
		case serveErr = <-errCh:
			logger.Error("Server error", "error", serveErr)
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Server forced to shutdown", "error", err)
		}
		// Flushes the execution queue, the archive sink and open connections
		if err := deps.Close(shutdownCtx); err != nil {
			logger.Error("Failed to release dependencies", "error", err)
			serveErr = errors.Join(serveErr, err)
		}

		logger.Info("Server exited")
		return serveErr
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
