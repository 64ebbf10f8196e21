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
	"github.com/acme/lead-dialer/internal/telemetry"
	"github.com/acme/lead-dialer/internal/worker/dial"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	workerID := flag.String("worker-id", getEnv("WORKER_ID", ""), "stable worker identity (defaults to a random id)")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close(context.Background())

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name+"-worker")
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	tenants, err := container.Config.Worker.TenantIDs()
	if err != nil {
		log.Fatalf("invalid worker tenant configuration: %v", err)
	}
	if len(tenants) == 0 {
		log.Fatal("no tenants configured for this worker")
	}

	repos := container.Repositories()
	w := dial.New(
		*workerID,
		repos.Runs,
		repos.Jobs,
		repos.Attempts,
		container.Providers().Telephony,
		container.Limiters().Carrier,
		container.Publisher(),
		container.Logger,
		container.Config.Queue,
		container.Config.Carrier,
		container.Config.CallBridge.RequestTimeout,
	)

	if err := w.Run(ctx, tenants, container.Config.Worker.PollInterval); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("worker terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
