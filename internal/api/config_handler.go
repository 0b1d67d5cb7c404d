package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/sharding-system/internal/errors"
	"github.com/sharding-system/pkg/catalogclient"
	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/chunkversion"
	"github.com/sharding-system/pkg/connpool"
	"github.com/sharding-system/pkg/migration"
	"github.com/sharding-system/pkg/models"
	"github.com/sharding-system/pkg/shardkey"
	"github.com/sharding-system/pkg/transport"
	"go.uber.org/zap"
)

// ConfigHandler serves the config server's admin API: shard and collection
// inventory, and the structural operations (split, merge, move) that change
// a collection's chunk map. Unlike RouterHandler it never touches document
// traffic — everything here is metadata, persisted through catalogclient
// and, for moves, relayed to the owning shard over pkg/transport.
type ConfigHandler struct {
	catalog catalogclient.Client
	pool    *connpool.Pool
	logger  *zap.Logger
}

// NewConfigHandler creates a new config server handler.
func NewConfigHandler(catalog catalogclient.Client, pool *connpool.Pool, logger *zap.Logger) *ConfigHandler {
	return &ConfigHandler{catalog: catalog, pool: pool, logger: logger}
}

// ListShards returns every registered shard.
// @Summary List shards
// @Tags config
// @Produce json
// @Success 200 {array} models.ShardSummary
// @Router /api/v1/shards [get]
func (h *ConfigHandler) ListShards(w http.ResponseWriter, r *http.Request) {
	shards, err := h.catalog.ListShards(r.Context())
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusInternalServerError, "failed to list shards"))
		return
	}
	out := make([]models.ShardSummary, 0, len(shards))
	for _, s := range shards {
		out = append(out, models.ShardSummary{ID: s.ID, Host: s.Host})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// GetCollection returns a collection's shard-key definition and current
// chunk map.
// @Summary Get a collection's chunk map
// @Tags config
// @Produce json
// @Param name path string true "Collection name"
// @Success 200 {object} models.CollectionSummary
// @Router /api/v1/collections/{name} [get]
func (h *ConfigHandler) GetCollection(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	info, err := h.catalog.GetCollection(r.Context(), name)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusNotFound, "collection not found"))
		return
	}
	cm, err := h.catalog.ReadChunksSince(r.Context(), name, chunkversion.UNSHARDED)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusInternalServerError, "failed to read chunk map"))
		return
	}
	h.writeJSON(w, http.StatusOK, models.CollectionSummary{
		Name:       info.Name,
		ShardKey:   info.ShardKeySpec().FieldNames(),
		Epoch:      info.Epoch,
		ChunkCount: cm.Len(),
		Dropped:    info.Dropped,
	})
}

// SplitChunk splits an existing chunk into two at a caller-supplied point.
// @Summary Split a chunk
// @Tags config
// @Accept json
// @Produce json
// @Param request body models.SplitChunkRequest true "Split request"
// @Success 200 {array} chunkmap.Chunk
// @Router /api/v1/reshard/split [post]
func (h *ConfigHandler) SplitChunk(w http.ResponseWriter, r *http.Request) {
	var req models.SplitChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusBadRequest, "invalid request body"))
		return
	}
	if req.Collection == "" {
		h.writeError(w, errors.New(http.StatusBadRequest, "collection is required"))
		return
	}

	info, err := h.catalog.GetCollection(r.Context(), req.Collection)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusNotFound, "collection not found"))
		return
	}
	min, err := h.parseKey(info, req.MinKey)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusBadRequest, "invalid min_key"))
		return
	}
	max, err := h.parseKey(info, req.MaxKey)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusBadRequest, "invalid max_key"))
		return
	}
	splitAt, err := h.parseKey(info, req.SplitAt)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusBadRequest, "invalid split_at"))
		return
	}

	cm, err := h.catalog.ReadChunksSince(r.Context(), req.Collection, chunkversion.UNSHARDED)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusInternalServerError, "failed to read chunk map"))
		return
	}
	expected := cm.MaxVersion()

	children, err := cm.Split(min, max, splitAt)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusConflict, "split failed"))
		return
	}

	ops := make([]catalogclient.ChunkOp, len(children))
	for i, c := range children {
		ops[i] = catalogclient.ChunkOp{Type: catalogclient.ChunkOpUpsert, Chunk: c}
	}
	if err := h.catalog.ApplyChunkOps(r.Context(), req.Collection, expected, ops); err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusConflict, "failed to persist split"))
		return
	}
	h.catalog.LogChange(r.Context(), "split", fmt.Sprintf("%s [%v,%v) at %v", req.Collection, min, max, splitAt))
	h.writeJSON(w, http.StatusOK, children)
}

// MergeChunk collapses every chunk covering [min,max) into one, provided
// they share an owner.
// @Summary Merge chunks
// @Tags config
// @Accept json
// @Produce json
// @Param request body models.MergeChunkRequest true "Merge request"
// @Success 200 {object} chunkmap.Chunk
// @Router /api/v1/reshard/merge [post]
func (h *ConfigHandler) MergeChunk(w http.ResponseWriter, r *http.Request) {
	var req models.MergeChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusBadRequest, "invalid request body"))
		return
	}
	if req.Collection == "" {
		h.writeError(w, errors.New(http.StatusBadRequest, "collection is required"))
		return
	}

	info, err := h.catalog.GetCollection(r.Context(), req.Collection)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusNotFound, "collection not found"))
		return
	}
	min, err := h.parseKey(info, req.MinKey)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusBadRequest, "invalid min_key"))
		return
	}
	max, err := h.parseKey(info, req.MaxKey)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusBadRequest, "invalid max_key"))
		return
	}

	cm, err := h.catalog.ReadChunksSince(r.Context(), req.Collection, chunkversion.UNSHARDED)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusInternalServerError, "failed to read chunk map"))
		return
	}
	expected := cm.MaxVersion()

	before := participantsIn(cm.Chunks(), min, max)
	merged, err := cm.Merge(min, max)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusConflict, "merge failed"))
		return
	}

	ops := make([]catalogclient.ChunkOp, 0, len(before))
	ops = append(ops, catalogclient.ChunkOp{Type: catalogclient.ChunkOpUpsert, Chunk: merged})
	for _, c := range before {
		if c.Range.Max.Compare(merged.Range.Max) == 0 {
			continue // the merged chunk's key overwrites this entry's key in place
		}
		ops = append(ops, catalogclient.ChunkOp{Type: catalogclient.ChunkOpDelete, Chunk: c})
	}
	if err := h.catalog.ApplyChunkOps(r.Context(), req.Collection, expected, ops); err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusConflict, "failed to persist merge"))
		return
	}
	h.catalog.LogChange(r.Context(), "merge", fmt.Sprintf("%s [%v,%v)", req.Collection, min, max))
	h.writeJSON(w, http.StatusOK, merged)
}

// participantsIn returns the chunks of chunks whose range falls inside
// [min,max), for computing which persisted keys a merge must delete.
func participantsIn(chunks []chunkmap.Chunk, min, max shardkey.Key) []chunkmap.Chunk {
	var out []chunkmap.Chunk
	for _, c := range chunks {
		if !c.Range.Min.Less(min) && !max.Less(c.Range.Max) {
			out = append(out, c)
		}
	}
	return out
}

// MoveChunk starts a donor-side migration on the shard that currently owns
// [min,max) of a collection, handing it off to to_shard.
// @Summary Move a chunk to another shard
// @Tags config
// @Accept json
// @Produce json
// @Param request body models.MoveChunkRequest true "Move request"
// @Success 202 {object} map[string]interface{}
// @Router /api/v1/reshard/move [post]
func (h *ConfigHandler) MoveChunk(w http.ResponseWriter, r *http.Request) {
	var req models.MoveChunkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusBadRequest, "invalid request body"))
		return
	}
	if req.Collection == "" || req.ToShard == "" {
		h.writeError(w, errors.New(http.StatusBadRequest, "collection and to_shard are required"))
		return
	}

	info, err := h.catalog.GetCollection(r.Context(), req.Collection)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusNotFound, "collection not found"))
		return
	}
	min, err := h.parseKey(info, req.MinKey)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusBadRequest, "invalid min_key"))
		return
	}
	max, err := h.parseKey(info, req.MaxKey)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusBadRequest, "invalid max_key"))
		return
	}

	cm, err := h.catalog.ReadChunksSince(r.Context(), req.Collection, chunkversion.UNSHARDED)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusInternalServerError, "failed to read chunk map"))
		return
	}
	owner, ok := cm.FindChunk(min)
	if !ok || owner.Range.Max.Compare(max) != 0 {
		h.writeError(w, errors.New(http.StatusConflict, "no chunk exactly spans the requested range"))
		return
	}
	if owner.Shard == req.ToShard {
		h.writeError(w, errors.New(http.StatusConflict, "chunk is already on to_shard"))
		return
	}

	donorHost, err := h.hostForShard(r.Context(), owner.Shard)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusInternalServerError, "failed to resolve donor shard"))
		return
	}
	toHost, err := h.hostForShard(r.Context(), req.ToShard)
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusBadRequest, "failed to resolve to_shard"))
		return
	}

	state, err := h.sendAdminMoveChunk(r.Context(), donorHost, migration.AdminMoveChunkRequest{
		Collection: req.Collection,
		Min:        min,
		Max:        max,
		ToShard:    req.ToShard,
		ToHost:     toHost,
	})
	if err != nil {
		h.writeError(w, errors.Wrap(err, http.StatusInternalServerError, "failed to start migration"))
		return
	}
	h.catalog.LogChange(r.Context(), "moveChunk", fmt.Sprintf("%s [%v,%v) %s->%s", req.Collection, min, max, owner.Shard, req.ToShard))
	h.writeJSON(w, http.StatusAccepted, map[string]string{"state": state})
}

// hostForShard looks up a registered shard's host by ID.
func (h *ConfigHandler) hostForShard(ctx context.Context, shardID string) (string, error) {
	shards, err := h.catalog.ListShards(ctx)
	if err != nil {
		return "", err
	}
	for _, s := range shards {
		if s.ID == shardID {
			return s.Host, nil
		}
	}
	return "", fmt.Errorf("shard %s is not registered", shardID)
}

// sendAdminMoveChunk relays an _adminMoveChunk command to the donor shard,
// reusing the same pooled-connection discipline as the router's document
// path instead of opening a one-off dial per admin request.
func (h *ConfigHandler) sendAdminMoveChunk(ctx context.Context, host string, req migration.AdminMoveChunkRequest) (string, error) {
	handle, err := h.pool.Acquire(ctx, host)
	if err != nil {
		return "", fmt.Errorf("connect to shard at %s: %w", host, err)
	}
	body, err := json.Marshal(req)
	if err != nil {
		handle.Release()
		return "", fmt.Errorf("encode move request: %w", err)
	}
	reply, err := handle.Conn().Call(ctx, transport.Envelope{
		Command:    "_adminMoveChunk",
		Collection: req.Collection,
		Body:       body,
	})
	if err != nil {
		handle.Discard()
		return "", fmt.Errorf("call donor shard: %w", err)
	}
	handle.Release()
	if !reply.OK {
		return "", fmt.Errorf("donor shard rejected move: %s", reply.Error)
	}
	var out migration.AdminMoveChunkReply
	if err := json.Unmarshal(reply.Body, &out); err != nil {
		return "", fmt.Errorf("decode move reply: %w", err)
	}
	return out.State, nil
}

// parseKey turns an admin-request boundary string into a shardkey.Key. The
// literal sentinels "MinKey"/"MaxKey" (as mongos admin tooling accepts at
// the collection's outer edges) map to the global bounds; anything else is
// split on commas into one raw value per shard-key field, in field order.
func (h *ConfigHandler) parseKey(info catalogclient.CollectionInfo, raw string) (shardkey.Key, error) {
	switch raw {
	case "MinKey":
		return shardkey.MinKey, nil
	case "MaxKey":
		return shardkey.MaxKey, nil
	}
	spec := info.ShardKeySpec()
	values := strings.Split(raw, ",")
	return spec.KeyFromDocument(values...)
}

func (h *ConfigHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

// writeError writes an error response in the same standardized format as
// RouterHandler.
func (h *ConfigHandler) writeError(w http.ResponseWriter, err *errors.Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.HTTPStatus())
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"code":    err.Code,
			"message": err.Message,
		},
	})
}

// SetupConfigRoutes registers the config server's admin routes.
func SetupConfigRoutes(router *mux.Router, handler *ConfigHandler) {
	router.HandleFunc("/api/v1/shards", handler.ListShards).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/v1/collections/{name}", handler.GetCollection).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/v1/reshard/split", handler.SplitChunk).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/v1/reshard/merge", handler.MergeChunk).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/v1/reshard/move", handler.MoveChunk).Methods("POST", "OPTIONS")
}
