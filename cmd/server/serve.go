package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Brownie44l1/ensemble-api/internal/config"
	"github.com/Brownie44l1/ensemble-api/internal/handlers"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const shutdownTimeout = 10 * time.Second

// serveCmd exposes the pipeline over HTTP.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the diagnosis API over HTTP.",
	Long: `Start the HTTP API.

Endpoints:
  GET  /health   - readiness and loaded models
  POST /predict  - multipart upload under "file" or "image"`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				slog.Error("Failed to release models", "error", err)
			}
		}()
		if err := a.requireModels(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serve(ctx, a)
	},
}

func init() {
	serveCmd.Flags().Int("port", config.DefaultPort, "port to listen on")
	_ = viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
}

func serve(ctx context.Context, a *app) error {
	handler := handlers.NewHandler(a.service, a.registry)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Port),
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	models := make([]string, 0, len(a.cfg.Models))
	for _, e := range a.registry.All() {
		models = append(models, e.ID)
	}
	slog.Info("Server starting",
		"port", a.cfg.Port,
		"models", models,
		"labels", a.registry.Labels(),
		"explain_model", a.cfg.ExplainModel,
		"ready", a.registry.IsReady())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
