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
	"github.com/sharding-system/pkg/discovery"
	"github.com/sharding-system/pkg/logging"
	"github.com/sharding-system/pkg/observability"
	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/configsvr.json"
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

	pool := connpool.New(cfg.Sharding.MaxConnections, cfg.Metadata.Timeout, observability.ConnPoolHooks())
	defer pool.FlushAll()

	srv, err := server.NewConfigServer(cfg, catalog, pool, logger)
	if err != nil {
		logger.Fatal("failed to create server", zap.Error(err))
	}

	srv.StartAsync()

	if cfg.Discovery.Enabled {
		startShardDiscovery(cfg, catalog, logger)
	}

	reloader, err := config.NewHotReloader(logger, config.HotReloaderConfig{ConfigPath: configPath})
	if err != nil {
		logger.Warn("config hot-reload disabled", zap.Error(err))
	} else {
		reloader.OnReload(func(old, new *config.Config) error {
			logger.Info("config server config reloaded",
				zap.Bool("old_discovery_enabled", old.Discovery.Enabled),
				zap.Bool("new_discovery_enabled", new.Discovery.Enabled))
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

// startShardDiscovery watches shard pods in Kubernetes and registers every
// ready one with the catalog, so a shard replica starts serving traffic as
// soon as the scheduler places its pod rather than waiting on a manual
// RegisterShard call.
func startShardDiscovery(cfg *config.Config, catalog catalogclient.Client, logger *zap.Logger) {
	clientset, err := discovery.NewClientset()
	if err != nil {
		logger.Error("discovery disabled: failed to build kubernetes client", zap.Error(err))
		return
	}

	watcher := discovery.NewShardWatcher(clientset, logger, discovery.ShardWatcherConfig{
		Namespace:     cfg.Discovery.Namespace,
		LabelSelector: cfg.Discovery.LabelSelector,
		PortName:      cfg.Discovery.PortName,
	})
	watcher.OnChange(func(shards []discovery.DiscoveredShard) {
		for _, s := range shards {
			if !s.Ready {
				continue
			}
			if err := catalog.RegisterShard(context.Background(), catalogclient.ShardInfo{ID: s.ShardID, Host: s.Host()}); err != nil {
				logger.Warn("discovery: failed to register shard", zap.String("shard_id", s.ShardID), zap.Error(err))
			}
		}
	})
	go watcher.Start(context.Background())
}
