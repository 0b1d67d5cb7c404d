package router

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/sharding-system/internal/errors"
	"github.com/sharding-system/pkg/catalogclient"
	"github.com/sharding-system/pkg/connpool"
	"github.com/sharding-system/pkg/models"
	"github.com/sharding-system/pkg/observability"
	"github.com/sharding-system/pkg/routingcache"
	"github.com/sharding-system/pkg/targeter"
	"github.com/sharding-system/pkg/transport"
	"go.uber.org/zap"
)

// kMaxStaleConfigRetries bounds how many times a single operation retries
// after a shard reports ErrStaleShardVersion before the router gives up and
// surfaces the error to the caller.
const kMaxStaleConfigRetries = 10

// Router targets document operations to shards using the routing cache and
// targeter, and forwards them over pkg/transport.
type Router struct {
	catalog catalogclient.Client
	cache   *routingcache.Cache
	pool    *connpool.Pool
	logger  *zap.Logger

	mu          sync.RWMutex
	hostByShard map[string]string
}

// NewRouter creates a new router instance.
func NewRouter(catalog catalogclient.Client, cache *routingcache.Cache, pool *connpool.Pool, logger *zap.Logger) *Router {
	return &Router{
		catalog:     catalog,
		cache:       cache,
		pool:        pool,
		logger:      logger,
		hostByShard: make(map[string]string),
	}
}

// resolveHost maps a shard ID to its current host, refreshing the cached
// mapping from the catalog on a miss.
func (r *Router) resolveHost(ctx context.Context, shard string) (string, error) {
	r.mu.RLock()
	host, ok := r.hostByShard[shard]
	r.mu.RUnlock()
	if ok {
		return host, nil
	}

	shards, err := r.catalog.ListShards(ctx)
	if err != nil {
		return "", fmt.Errorf("router: list shards: %w", err)
	}
	r.mu.Lock()
	for _, s := range shards {
		r.hostByShard[s.ID] = s.Host
	}
	host, ok = r.hostByShard[shard]
	r.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("router: unknown shard %q", shard)
	}
	return host, nil
}

// ExecuteOp routes req to the shard(s) its shard key selects and forwards
// it over the transport layer, retrying on ErrStaleShardVersion up to
// kMaxStaleConfigRetries times.
func (r *Router) ExecuteOp(ctx context.Context, req *models.OpRequest) (*models.QueryResponse, error) {
	start := time.Now()

	for attempt := 0; attempt < kMaxStaleConfigRetries; attempt++ {
		info, err := r.cache.GetRoutingInfo(ctx, req.Collection)
		if err != nil {
			return nil, fmt.Errorf("router: routing info for %s: %w", req.Collection, err)
		}
		t := targeter.New(info.Chunks, info.ShardKey)

		targets, err := r.resolveTargets(t, req)
		if err != nil {
			return nil, fmt.Errorf("router: %w", err)
		}

		results, stale, epochMismatch, err := r.forwardAll(ctx, req, targets)
		if err != nil {
			return nil, err
		}
		if epochMismatch {
			// No amount of retrying against this cached routing info will
			// help: the collection was dropped and recreated (or otherwise
			// got a new epoch) since we last loaded it. Drop it entirely
			// and rebuild from the catalog on the next attempt.
			observability.StaleConfigRetries.WithLabelValues(req.Collection).Inc()
			r.cache.Purge(req.Collection)
			continue
		}
		if stale {
			observability.StaleConfigRetries.WithLabelValues(req.Collection).Inc()
			for _, tg := range targets {
				r.cache.OnStaleConfigError(req.Collection, tg.Version)
			}
			continue
		}

		latency := time.Since(start)
		observability.OpDuration.WithLabelValues(req.Collection, req.Op).Observe(latency.Seconds())
		observability.OpTotal.WithLabelValues(req.Collection, req.Op, "ok").Inc()
		r.logger.Info("operation executed",
			zap.String("collection", req.Collection),
			zap.String("op", req.Op),
			zap.Int("shard_count", len(targets)),
			zap.Duration("latency", latency),
		)
		return &models.QueryResponse{Results: results, LatencyMs: float64(latency.Nanoseconds()) / 1e6}, nil
	}

	observability.OpTotal.WithLabelValues(req.Collection, req.Op, "exhausted_retries").Inc()
	return nil, fmt.Errorf("router: exceeded %d stale-config retries for %s", kMaxStaleConfigRetries, req.Collection)
}

func (r *Router) resolveTargets(t *targeter.Targeter, req *models.OpRequest) ([]targeter.Target, error) {
	switch req.Op {
	case "insert":
		tg, err := t.TargetInsert(req.Document)
		return []targeter.Target{tg}, err
	case "point":
		tg, err := t.TargetPoint(req.PointValues...)
		return []targeter.Target{tg}, err
	case "upsert":
		tg, err := t.TargetUpsert(req.Filter, req.Replacement)
		return []targeter.Target{tg}, err
	case "query":
		// TargetInsert's full-shard-key extraction doubles as an equality
		// check here: if the filter pins every shard-key field we can
		// route to one shard instead of scattering to all of them.
		if tg, err := t.TargetInsert(req.Filter); err == nil {
			return []targeter.Target{tg}, nil
		}
		return t.TargetQuery(targeter.Predicate{Restrictable: false}), nil
	default:
		return nil, fmt.Errorf("unknown operation %q", req.Op)
	}
}

// forwardAll dispatches req to every target concurrently. stale reports
// whether any shard rejected the request for a stale version (refresh and
// retry); epochMismatch reports whether any shard rejected it for an
// incompatible epoch (the cached routing info is for a collection that no
// longer exists in that form — purge it outright rather than refresh it).
func (r *Router) forwardAll(ctx context.Context, req *models.OpRequest, targets []targeter.Target) (results []models.OpResult, stale bool, epochMismatch bool, err error) {
	type outcome struct {
		result        models.OpResult
		stale         bool
		epochMismatch bool
		err           error
	}
	outcomes := make([]outcome, len(targets))

	var wg sync.WaitGroup
	for i, tg := range targets {
		wg.Add(1)
		go func(i int, tg targeter.Target) {
			defer wg.Done()
			res, st, em, e := r.forwardOne(ctx, req, tg)
			outcomes[i] = outcome{result: res, stale: st, epochMismatch: em, err: e}
		}(i, tg)
	}
	wg.Wait()

	for _, o := range outcomes {
		if o.err != nil {
			return nil, false, false, o.err
		}
		if o.epochMismatch {
			epochMismatch = true
			continue
		}
		if o.stale {
			stale = true
			continue
		}
		results = append(results, o.result)
	}
	return results, stale, epochMismatch, nil
}

func (r *Router) forwardOne(ctx context.Context, req *models.OpRequest, tg targeter.Target) (_ models.OpResult, stale bool, epochMismatch bool, _ error) {
	start := time.Now()

	host, err := r.resolveHost(ctx, tg.Shard)
	if err != nil {
		return models.OpResult{}, false, false, err
	}
	handle, err := r.pool.Acquire(ctx, host)
	if err != nil {
		return models.OpResult{}, false, false, fmt.Errorf("router: connect to shard %s: %w", tg.Shard, apperrors.ErrNetworkError)
	}

	body, err := json.Marshal(req)
	if err != nil {
		handle.Release()
		return models.OpResult{}, false, false, fmt.Errorf("router: encode op body: %w", err)
	}
	env := transport.Envelope{
		Command:      "_execOp",
		Collection:   req.Collection,
		VersionEpoch: tg.Version.Epoch,
		VersionMajor: tg.Version.Major,
		VersionMinor: tg.Version.Minor,
		Body:         body,
	}
	reply, err := handle.Conn().Call(ctx, env)
	if err != nil {
		handle.Discard()
		return models.OpResult{}, false, false, fmt.Errorf("router: call shard %s: %w", tg.Shard, err)
	}
	if !reply.OK {
		handle.Release()
		if reply.ErrCode == apperrors.ErrStaleShardVersion.Message {
			return models.OpResult{}, true, false, nil
		}
		if reply.ErrCode == apperrors.ErrIncompatibleEpoch.Message {
			return models.OpResult{}, false, true, nil
		}
		return models.OpResult{}, false, false, fmt.Errorf("router: shard %s rejected op: %s", tg.Shard, reply.Error)
	}
	handle.Release()

	return models.OpResult{
		Shard:     tg.Shard,
		Body:      reply.Body,
		LatencyMs: float64(time.Since(start).Nanoseconds()) / 1e6,
	}, false, false, nil
}
