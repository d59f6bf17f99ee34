package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Brownie44l1/cloudai/internal/events"
	"github.com/Brownie44l1/cloudai/internal/handlers"
	"github.com/Brownie44l1/cloudai/internal/logging"
	"github.com/Brownie44l1/cloudai/internal/model"
	"github.com/Brownie44l1/cloudai/internal/session"
	"github.com/Brownie44l1/cloudai/internal/watch"
)

var serveFlags struct {
	port    string
	dropDir string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP classification service",
	Long: `Starts the HTTP API. The model loads in the background; until it is ready,
or if it fails to load, prediction endpoints answer 503 and /health reports
the model state.

With --drop-dir, images copied into that directory are classified as well and
their results are pushed to /ws subscribers.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&serveFlags.port, "port", "", "listen port (overrides config and PORT)")
	f.StringVar(&serveFlags.dropDir, "drop-dir", "", "directory to watch for dropped images")
}

func runServe(cmd *cobra.Command, _ []string) error {
	logger := logging.New("server")
	if serveFlags.port != "" {
		cfg.Port = serveFlags.port
	}
	if serveFlags.dropDir != "" {
		cfg.DropDir = serveFlags.dropDir
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader, pipeline, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer loader.Close()

	hub := events.NewHub(logging.New("events"))
	loader.OnChange(func(s model.State) {
		hub.Publish(events.Event{Type: events.TypeModel, Model: string(s)})
	})
	loader.Start(ctx)

	sessions := session.NewStore(cfg.SessionTTL, logging.New("session"))
	handler := handlers.NewHandler(pipeline, loader, sessions, hub, handlers.Options{
		UploadLimit: cfg.Upload.MaxBytes,
		PreviewSize: cfg.Upload.PreviewSize,
	}, logging.New("http"))

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", "port", cfg.Port, "labels", cfg.Labels)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return sessions.SweepLoop(ctx, time.Minute)
	})

	if cfg.DropDir != "" {
		drop := watch.NewDropDir(cfg.DropDir, pipeline, hub, cfg.Upload.MaxBytes, logging.New("dropdir"))
		g.Go(func() error {
			return drop.Run(ctx)
		})
	}

	logger.Info("endpoints",
		"health", "GET /health",
		"raw", "POST /predict",
		"upload", "POST /predict/image",
		"session", "GET|DELETE /api/session, POST /api/session/file, POST /api/session/classify",
		"events", "GET /ws",
	)

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
