package main

import (
	"context"
	"log"

	"github.com/pwncollege/workspace-core/internal/api"
	"github.com/pwncollege/workspace-core/internal/config"
	"github.com/pwncollege/workspace-core/internal/devices"
	"github.com/pwncollege/workspace-core/internal/dojoclient"
	"github.com/pwncollege/workspace-core/internal/engine"
	"github.com/pwncollege/workspace-core/internal/events"
	"github.com/pwncollege/workspace-core/internal/handoff"
	"github.com/pwncollege/workspace-core/internal/jobstore"
	"github.com/pwncollege/workspace-core/internal/provision"
	"github.com/pwncollege/workspace-core/internal/workspace/build"
	"github.com/pwncollege/workspace-core/internal/workspace/install"
	"github.com/pwncollege/workspace-core/internal/workspace/ready"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	if cfg.RedisURL == "" {
		logger.Fatal("REDIS_URL is required")
	}

	store, err := jobstore.New(cfg.RedisURL, cfg.DockerJobPrefix, cfg.DockerJobTTL, logger)
	if err != nil {
		logger.Fatal("failed to connect job store", zap.Error(err))
	}
	defer store.Close()

	drv, err := engine.NewDriver(cfg.DockerHost, logger)
	if err != nil {
		logger.Fatal("failed to connect to container engine", zap.Error(err))
	}
	defer drv.Close()

	signer, err := handoff.New(cfg.WorkspaceSecret, cfg.WorkspaceHost)
	if err != nil {
		logger.Fatal("failed to initialize handoff signer", zap.Error(err))
	}

	devCache := devices.NewCache(store.Client(), drv, 0, logger)
	builder := build.New(drv, devCache, cfg, logger)
	waiter := ready.New(drv, logger)
	installer := install.New(install.NewDriverAdapter(drv), logger)
	lock := api.NewUserLock(store.Client(), cfg.UserLockLease)

	dojo := dojoclient.New(cfg.DojoAPIURL, cfg.DojoAPIKey)

	var publisher events.Publisher = events.NoopPublisher{}
	if cfg.DojoAPIURL != "" {
		publisher = events.NewHTTPPublisher(cfg.DojoAPIURL+"/internal/events", logger)
	}

	orchestrator := provision.New(
		store, drv, builder, waiter, installer, signer, dojo, publisher,
		provision.Config{
			Attempts:     cfg.ProvisionAttempts,
			RetryDelay:   cfg.ProvisionRetryDelay,
			StageTimeout: cfg.ProvisionTimeout,
			NodeCount:    cfg.WorkspaceNodeCount,
			SecretKey:    cfg.SecretKey,
		},
		logger,
	)

	baseCtx := context.Background()
	handlers := api.NewHandlers(store, lock, orchestrator, drv, dojo, dojo, baseCtx, logger)
	server := api.NewServer(handlers, logger)

	addr := ":" + cfg.APIPort
	logger.Info("starting workspace job API", zap.String("port", cfg.APIPort))
	if err := server.Run(addr); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
