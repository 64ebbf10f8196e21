package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/lead-dialer/internal/app"
	"github.com/acme/lead-dialer/internal/sweeper"
	"github.com/acme/lead-dialer/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-sweeper")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	tenants, err := container.Config.Worker.TenantIDs()
	if err != nil {
		log.Fatalf("invalid tenant configuration: %v", err)
	}
	if len(tenants) == 0 {
		log.Fatal("no tenants configured for the sweeper")
	}

	svc := sweeper.New(
		container.Repositories().Runs,
		container.Logger,
		tenants,
		container.Config.Queue.SweepInterval,
		container.Config.Queue.LockTimeout,
	)

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("sweeper terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
