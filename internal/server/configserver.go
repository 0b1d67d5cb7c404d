package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sharding-system/internal/api"
	"github.com/sharding-system/internal/middleware"
	"github.com/sharding-system/pkg/catalogclient"
	"github.com/sharding-system/pkg/config"
	"github.com/sharding-system/pkg/connpool"
	"github.com/sharding-system/pkg/health"
	"go.uber.org/zap"
)

// ConfigServer represents the config server's admin HTTP server: shard
// inventory plus the split/merge/move-chunk operations that mutate a
// collection's chunk map. It carries no document-operation path — that is
// RouterServer's job.
type ConfigServer struct {
	server *http.Server
	probes *health.ProbeManager
	logger *zap.Logger
}

// NewConfigServer creates a new config server instance.
func NewConfigServer(
	cfg *config.Config,
	catalog catalogclient.Client,
	pool *connpool.Pool,
	logger *zap.Logger,
) (*ConfigServer, error) {
	configHandler := api.NewConfigHandler(catalog, pool, logger)
	muxRouter := mux.NewRouter()

	muxRouter.Use(middleware.CORS)
	muxRouter.Use(middleware.Recovery(logger))
	muxRouter.Use(middleware.Logging(logger))
	muxRouter.Use(middleware.RequestSizeLimit(middleware.DefaultMaxRequestSize))
	muxRouter.Use(middleware.ContentTypeValidation([]string{"application/json"}))

	api.SetupConfigRoutes(muxRouter, configHandler)

	muxRouter.Handle("/metrics", promhttp.Handler()).Methods("GET", "OPTIONS")

	probes := health.NewProbeManager(logger, health.ProbeManagerConfig{})
	probes.RegisterProbe(health.NewCatalogProbe("catalog", func(ctx context.Context) (bool, error) {
		_, err := catalog.ListShards(ctx)
		return err == nil, err
	}), true, true, true)
	muxRouter.HandleFunc("/livez", probes.LivenessHandler()).Methods("GET")
	muxRouter.HandleFunc("/readyz", probes.ReadinessHandler()).Methods("GET")

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      muxRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &ConfigServer{
		server: httpServer,
		probes: probes,
		logger: logger,
	}, nil
}

// Start starts the HTTP server.
func (s *ConfigServer) Start() error {
	s.logger.Info("starting config server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *ConfigServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down config server")
	return s.server.Shutdown(ctx)
}

// StartAsync starts the server and its probe manager in goroutines.
func (s *ConfigServer) StartAsync() {
	go s.probes.Start(context.Background())
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Fatal("config server failed", zap.Error(err))
		}
	}()
}
