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
	"github.com/sharding-system/pkg/health"
	"github.com/sharding-system/pkg/router"
	"go.uber.org/zap"
)

// RouterServer represents the router HTTP server
type RouterServer struct {
	server *http.Server
	probes *health.ProbeManager
	logger *zap.Logger
}

// NewRouterServer creates a new router server instance
func NewRouterServer(
	cfg *config.Config,
	shardRouter *router.Router,
	catalog catalogclient.Client,
	logger *zap.Logger,
) (*RouterServer, error) {
	// Setup HTTP handlers
	routerHandler := api.NewRouterHandler(shardRouter, logger)
	muxRouter := mux.NewRouter()

	// Apply middleware - CORS must be first to ensure headers are set
	muxRouter.Use(middleware.CORS)
	muxRouter.Use(middleware.Recovery(logger))
	muxRouter.Use(middleware.Logging(logger))
	muxRouter.Use(middleware.RequestSizeLimit(middleware.DefaultMaxRequestSize))
	muxRouter.Use(middleware.ContentTypeValidation([]string{"application/json"}))

	// Setup routes
	api.SetupRouterRoutes(muxRouter, routerHandler)

	// Setup metrics endpoint with CORS support
	// Prometheus metrics handler wrapped to ensure CORS headers are set
	muxRouter.Handle("/metrics", promhttp.Handler()).Methods("GET", "OPTIONS")

	probes := health.NewProbeManager(logger, health.ProbeManagerConfig{})
	probes.RegisterProbe(health.NewCatalogProbe("catalog", func(ctx context.Context) (bool, error) {
		_, err := catalog.ListShards(ctx)
		return err == nil, err
	}), true, true, true)
	muxRouter.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }).Methods("GET")
	muxRouter.HandleFunc("/livez", probes.LivenessHandler()).Methods("GET")
	muxRouter.HandleFunc("/readyz", probes.ReadinessHandler()).Methods("GET")

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      muxRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return &RouterServer{
		server: server,
		probes: probes,
		logger: logger,
	}, nil
}

// Start starts the HTTP server
func (s *RouterServer) Start() error {
	s.logger.Info("starting router server", zap.String("address", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *RouterServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down router server")
	return s.server.Shutdown(ctx)
}

// StartAsync starts the server and its probe manager in goroutines
func (s *RouterServer) StartAsync() {
	go s.probes.Start(context.Background())
	go func() {
		if err := s.Start(); err != nil {
			s.logger.Fatal("router server failed", zap.Error(err))
		}
	}()
}

