package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sharding-system/pkg/catalogclient"
	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/chunkversion"
	"github.com/sharding-system/pkg/config"
	"github.com/sharding-system/pkg/connpool"
	"github.com/sharding-system/pkg/logging"
	"github.com/sharding-system/pkg/memstore"
	"github.com/sharding-system/pkg/observability"
	"github.com/sharding-system/pkg/shard"
	"github.com/sharding-system/pkg/transport"
	"go.uber.org/zap"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/shard.json"
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	catalog, err := catalogclient.NewEtcdClient(cfg.Metadata.Endpoints, logger)
	if err != nil {
		logger.Fatal("failed to initialize catalog client", zap.Error(err))
	}

	pool := connpool.New(cfg.Sharding.MaxConnections, cfg.Metadata.Timeout, observability.ConnPoolHooks())
	defer pool.FlushAll()

	store := memstore.New()

	s := shard.New(shard.Config{
		ShardID:      cfg.Shard.ID,
		Catalog:      catalog,
		Pool:         pool,
		Storage:      store,
		Logger:       logger,
		MemoryCap:    cfg.Shard.MemoryCapMB * 1024 * 1024,
		ReplicaCount: cfg.Shard.ReplicaCount,
	})

	for _, name := range cfg.Shard.Collections {
		registerAndWatch(ctx, s, catalog, logger, name)
	}

	srv, err := transport.Listen(cfg.Shard.ListenAddr, s.Handler())
	if err != nil {
		logger.Fatal("failed to start shard RPC listener", zap.Error(err))
	}
	logger.Info("shard listening", zap.String("shard_id", cfg.Shard.ID), zap.String("addr", srv.Addr()))

	go func() {
		if err := srv.Serve(); err != nil {
			logger.Error("shard RPC server stopped", zap.Error(err))
		}
	}()

	reloader, err := config.NewHotReloader(logger, config.HotReloaderConfig{ConfigPath: configPath})
	if err != nil {
		logger.Warn("config hot-reload disabled", zap.Error(err))
	} else {
		reloader.OnReload(func(old, new *config.Config) error {
			logger.Info("shard config reloaded",
				zap.Int64("old_memory_cap_mb", old.Shard.MemoryCapMB),
				zap.Int64("new_memory_cap_mb", new.Shard.MemoryCapMB),
				zap.Int("old_replica_count", old.Shard.ReplicaCount),
				zap.Int("new_replica_count", new.Shard.ReplicaCount))
			return nil
		})
		go reloader.Start(ctx)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shard shutting down")
	srv.Close()
}

// registerAndWatch loads a collection's current chunk map and installs it on
// the shard, then follows catalogclient.Client.Watch in the background to
// keep the shard's local ownership view current as chunks move.
func registerAndWatch(ctx context.Context, s *shard.Shard, catalog catalogclient.Client, logger *zap.Logger, collection string) {
	info, err := catalog.GetCollection(ctx, collection)
	if err != nil {
		logger.Fatal("failed to load collection info", zap.String("collection", collection), zap.Error(err))
	}
	s.RegisterShardKey(collection, info.ShardKeySpec())

	cm, err := catalog.ReadChunksSince(ctx, collection, chunkversion.UNSHARDED)
	if err != nil {
		logger.Fatal("failed to load initial chunk map", zap.String("collection", collection), zap.Error(err))
	}
	s.RegisterCollection(collection, &cm)

	events, err := catalog.Watch(ctx, collection)
	if err != nil {
		logger.Fatal("failed to watch collection", zap.String("collection", collection), zap.Error(err))
	}
	go func() {
		for ev := range events {
			delta := chunkmap.NewFromChunks(ev.Chunks)
			s.RegisterCollection(collection, delta)
		}
	}()
}
