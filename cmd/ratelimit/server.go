package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ratewarden/ratewarden/internal/app"
	"github.com/ratewarden/ratewarden/internal/config"
)

// runServer starts one node from cfg and blocks until it receives
// SIGINT/SIGTERM, then drains and shuts it down.
func runServer(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.NewApplication(cfg)
	if err != nil {
		return err
	}

	if err := application.Start(ctx); err != nil {
		return err
	}
	log.Printf("ratelimit node %s listening (region=%s)", cfg.NodeID, cfg.Region)

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return application.Shutdown(shutdownCtx)
}
