package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sharding-system/internal/errors"
	"github.com/sharding-system/pkg/models"
	"github.com/sharding-system/pkg/router"
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

// RouterHandler handles HTTP requests for the router
type RouterHandler struct {
	router *router.Router
	logger *zap.Logger
}

// NewRouterHandler creates a new router handler
func NewRouterHandler(r *router.Router, logger *zap.Logger) *RouterHandler {
	return &RouterHandler{
		router: r,
		logger: logger,
	}
}

// ExecuteOp handles document operation requests
// @Summary Execute a document operation
// @Description Targets an insert, point read, upsert, or query to the owning shard(s) and forwards it
// @Tags router
// @Accept json
// @Produce json
// @Param request body models.OpRequest true "Operation request"
// @Success 200 {object} models.QueryResponse "Operation executed successfully"
// @Failure 400 {object} map[string]interface{} "Bad request"
// @Failure 500 {object} map[string]interface{} "Internal server error"
// @Router /execute [post]
func (h *RouterHandler) ExecuteOp(w http.ResponseWriter, r *http.Request) {
	var req models.OpRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusBadRequest, "invalid request body"))
		return
	}

	if req.Collection == "" {
		h.writeError(w, errors.New(http.StatusBadRequest, "collection is required"))
		return
	}
	if req.Op == "" {
		h.writeError(w, errors.New(http.StatusBadRequest, "op is required"))
		return
	}

	resp, err := h.router.ExecuteOp(r.Context(), &req)
	if err != nil {
		h.logger.Error("operation execution failed", zap.Error(err), zap.String("collection", req.Collection), zap.String("op", req.Op))
		h.writeError(w, errors.Wrap(err, http.StatusInternalServerError, "operation execution failed"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

// writeError writes an error response in a standardized format
func (h *RouterHandler) writeError(w http.ResponseWriter, err *errors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    err.Code,
			"message": err.Message,
		},
	})
}

// SetupRouterRoutes sets up router HTTP routes
func SetupRouterRoutes(router *mux.Router, handler *RouterHandler) {
	router.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"service": "sharding-router",
			"version": "1.0.0",
			"endpoints": []string{
				"POST /v1/execute",
				"GET /v1/health",
				"GET /health",
			},
		})
	}).Methods("GET", "OPTIONS")

	router.HandleFunc("/v1/execute", handler.ExecuteOp).Methods("POST", "OPTIONS")

	router.HandleFunc("/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "healthy",
			"version": "1.0.0",
		})
	}).Methods("GET", "OPTIONS")

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods("GET", "OPTIONS")
}
