package main

import (
	"log"

	"github.com/pwncollege/workspace-core/internal/config"
	"github.com/pwncollege/workspace-core/internal/jobproxy"
	"github.com/pwncollege/workspace-core/internal/jobstore"
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

	server := jobproxy.New(store, cfg.WorkspaceJobRefresh, logger)

	addr := ":" + cfg.JobProxyPort
	logger.Info("starting job proxy", zap.String("port", cfg.JobProxyPort))
	if err := server.Run(addr); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}
