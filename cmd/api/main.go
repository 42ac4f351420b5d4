package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/acme/outbound-fax-dispatch/internal/api"
	"github.com/acme/outbound-fax-dispatch/internal/api/handlers"
	"github.com/acme/outbound-fax-dispatch/internal/app"
	"github.com/acme/outbound-fax-dispatch/internal/telemetry"
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

	shutdownTracing, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name, container.Config.App.Version)
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}
	defer shutdownTracing(context.Background())

	if err := container.EnsureSchema(ctx); err != nil {
		log.Fatalf("failed to ensure schema: %v", err)
	}
	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure topics: %v", err)
	}

	manager, err := container.Manager()
	if err != nil {
		log.Fatalf("failed to build plugin manager: %v", err)
	}
	if err := manager.Initialize(ctx); err != nil {
		log.Fatalf("failed to initialize providers: %v", err)
	}

	handlerSet, err := handlers.NewHandlerSet(container)
	if err != nil {
		log.Fatalf("failed to build handlers: %v", err)
	}

	server := api.NewServer(container, handlerSet)

	log.Printf("listening on port %d", container.Config.HTTP.Port)
	if err := server.Start(ctx); err != nil {
		log.Fatalf("server terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
