package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/stylelab/fitting-service/internal/app/runtime"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := runtime.NewApplication()
	if err != nil {
		log.Fatalf("gateway: %v", err)
	}

	if err := app.Run(ctx); err != nil {
		log.Fatalf("gateway: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("gateway shutdown: %v", err)
	}
}
