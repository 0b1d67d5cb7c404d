package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sharding-system/internal/server"
	"github.com/sharding-system/pkg/catalogclient"
	"github.com/sharding-system/pkg/config"
	"github.com/sharding-system/pkg/connpool"
	"github.com/sharding-system/pkg/logging"
	"github.com/sharding-system/pkg/observability"
	"github.com/sharding-system/pkg/router"
	"github.com/sharding-system/pkg/routingcache"
	"go.uber.org/zap"
)

// @title Sharding System Router API
// @version 1.0
// @description API for routing document operations to shards based on shard keys
// @termsOfService http://swagger.io/terms/
// @contact.name API Support
// @contact.email support@sharding-system.com
// @license.name MIT
// @license.url https://opensource.org/licenses/MIT
// @host localhost:8080
// @BasePath /v1
func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/router.json"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	svcLogger, err := logging.NewServiceLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, cfg.Observability.LogFilePath)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer svcLogger.Close()
	logger := svcLogger.Logger

	catalog, err := catalogclient.NewEtcdClient(cfg.Metadata.Endpoints, logger)
	if err != nil {
		logger.Fatal("failed to initialize catalog client", zap.Error(err))
	}

	cache := routingcache.New(catalog, logger)
	pool := connpool.New(cfg.Sharding.MaxConnections, cfg.Metadata.Timeout, observability.ConnPoolHooks())
	defer pool.FlushAll()

	shardRouter := router.NewRouter(catalog, cache, pool, logger)

	srv, err := server.NewRouterServer(cfg, shardRouter, catalog, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	srv.StartAsync()

	reloader, err := config.NewHotReloader(logger, config.HotReloaderConfig{ConfigPath: configPath})
	if err != nil {
		logger.Warn("config hot-reload disabled", zap.Error(err))
	} else {
		reloader.OnReload(func(old, new *config.Config) error {
			logger.Info("router config reloaded",
				zap.Int("old_max_connections", old.Sharding.MaxConnections),
				zap.Int("new_max_connections", new.Sharding.MaxConnections),
				zap.Int("old_stale_config_retries", old.Sharding.StaleConfigRetries),
				zap.Int("new_stale_config_retries", new.Sharding.StaleConfigRetries))
			return nil
		})
		reloadCtx, stopReload := context.WithCancel(context.Background())
		defer stopReload()
		go reloader.Start(reloadCtx)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.WriteTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
}
