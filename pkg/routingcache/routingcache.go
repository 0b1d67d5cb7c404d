// Package routingcache is the router's view of where each collection's
// chunks live. It is grounded in catalog_cache.cpp's CatalogCache: a
// per-collection state machine (absent, being refreshed, populated, stale),
// a single in-flight refresh per collection shared by every concurrent
// caller, and a discipline of replacing the published snapshot wholesale
// rather than mutating it in place. Refresh coalescing uses
// golang.org/x/sync/singleflight instead of reimplementing the source's
// Notification<Status> type — the same "first caller schedules, everyone
// else waits on it" semantics, expressed idiomatically.
package routingcache

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"

	apperrors "github.com/sharding-system/internal/errors"
	"github.com/sharding-system/pkg/catalogclient"
	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/chunkversion"
	"github.com/sharding-system/pkg/shardkey"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// kMaxInconsistentRefreshAttempts bounds how many times a single
// GetRoutingInfo call will retry a refresh that failed with
// ConflictingOperationInProgress before giving up and surfacing the error.
const kMaxInconsistentRefreshAttempts = 3

// RoutingInfo is an immutable, fully-resolved snapshot of one collection's
// routing metadata. Callers must never mutate the embedded ChunkMap;
// refreshes always produce a new RoutingInfo and swap it in atomically.
type RoutingInfo struct {
	Collection string
	ShardKey   shardkey.Spec
	Chunks     chunkmap.ChunkMap
}

// Version returns the snapshot's highest chunk version, used by callers to
// stamp outgoing requests and by OnStaleConfigError to detect whether the
// cache has already moved past the version that was rejected.
func (r *RoutingInfo) Version() chunkversion.Version {
	if r == nil {
		return chunkversion.UNSHARDED
	}
	return r.Chunks.MaxVersion()
}

type collEntry struct {
	needsRefresh bool
	info         *RoutingInfo
}

// Cache is the per-collection routing metadata cache.
type Cache struct {
	catalog catalogclient.Client
	logger  *zap.Logger

	mu          sync.Mutex
	collections map[string]*collEntry

	sf singleflight.Group
}

// New builds a Cache backed by catalog.
func New(catalog catalogclient.Client, logger *zap.Logger) *Cache {
	return &Cache{
		catalog:     catalog,
		logger:      logger,
		collections: make(map[string]*collEntry),
	}
}

// GetRoutingInfo returns the current routing snapshot for collection,
// refreshing it first if it is absent or marked stale. Concurrent callers
// for the same collection share one refresh.
func (c *Cache) GetRoutingInfo(ctx context.Context, collection string) (*RoutingInfo, error) {
	for attempt := 1; ; attempt++ {
		c.mu.Lock()
		entry, ok := c.collections[collection]
		if !ok {
			entry = &collEntry{needsRefresh: true}
			c.collections[collection] = entry
		}
		needsRefresh := entry.needsRefresh
		current := entry.info
		c.mu.Unlock()

		if !needsRefresh {
			return current, nil
		}

		result, err, _ := c.sf.Do(collection, func() (interface{}, error) {
			return c.doRefresh(ctx, collection, current)
		})
		if err == nil {
			return result.(*RoutingInfo), nil
		}

		if stderrors.Is(err, apperrors.ErrConflictingOperationInProgress) && attempt < kMaxInconsistentRefreshAttempts {
			continue
		}
		return nil, err
	}
}

// GetRoutingInfoWithForcedRefresh invalidates collection and then resolves
// it, guaranteeing the caller observes metadata no older than the moment
// this call was made.
func (c *Cache) GetRoutingInfoWithForcedRefresh(ctx context.Context, collection string) (*RoutingInfo, error) {
	c.Invalidate(collection)
	return c.GetRoutingInfo(ctx, collection)
}

func (c *Cache) doRefresh(ctx context.Context, collection string, existing *RoutingInfo) (*RoutingInfo, error) {
	collInfo, err := c.catalog.GetCollection(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("routingcache: load collection %s: %w", collection, apperrors.ErrNamespaceNotFound)
	}

	since := chunkversion.UNSHARDED
	if existing != nil && existing.Chunks.MaxVersion().Epoch == collInfo.Epoch {
		since = existing.Chunks.MaxVersion()
	}

	chunks, err := c.catalog.ReadChunksSince(ctx, collection, since)
	if err != nil {
		return nil, fmt.Errorf("routingcache: read chunks for %s: %w", collection, err)
	}

	if existing != nil && !since.IsUnsharded() {
		merged := existing.Chunks.Clone()
		if applyErr := merged.ApplyIncrementalUpdate(chunks.Chunks()); applyErr != nil {
			if applyErr == chunkmap.ErrEpochMismatch {
				return nil, fmt.Errorf("routingcache: %w", apperrors.ErrConflictingOperationInProgress)
			}
			return nil, fmt.Errorf("routingcache: apply incremental update: %w", applyErr)
		}
		chunks = *merged
	}

	info := &RoutingInfo{
		Collection: collection,
		ShardKey:   collInfo.ShardKeySpec(),
		Chunks:     chunks,
	}

	c.mu.Lock()
	entry := c.collections[collection]
	entry.info = info
	entry.needsRefresh = false
	c.mu.Unlock()

	return info, nil
}

// OnStaleConfigError handles a StaleShardVersion response from a shard. If
// the version the caller used still matches the cache's current snapshot,
// the cache is marked stale so the next GetRoutingInfo call triggers a
// refresh; if the cache already moved on, nothing needs to happen since a
// concurrent refresh already superseded the rejected version.
func (c *Cache) OnStaleConfigError(collection string, versionUsed chunkversion.Version) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.collections[collection]
	if !ok || entry.needsRefresh {
		return
	}
	if entry.info == nil {
		entry.needsRefresh = true
		return
	}
	if cmp, err := entry.info.Version().Compare(versionUsed); err == nil && cmp == 0 {
		entry.needsRefresh = true
	}
}

// Invalidate marks collection for refresh on the next access.
func (c *Cache) Invalidate(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.collections[collection]
	if !ok {
		c.collections[collection] = &collEntry{needsRefresh: true}
		return
	}
	entry.needsRefresh = true
}

// Purge drops all cached state for collection, as when a collection is
// dropped entirely rather than merely resharded.
func (c *Cache) Purge(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.collections, collection)
}

// PurgeAll drops every cached collection.
func (c *Cache) PurgeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collections = make(map[string]*collEntry)
}
