// Package catalogclient is the sharding system's source of truth: the
// persisted shard list, per-collection shard-key and chunk map, and the
// best-effort changelog, all stored in etcd. It moves from a single flat
// shard map keyed by a consistent-hash ring to a collection-scoped chunk
// catalog with optimistic-concurrency chunk updates and a distributed
// lock primitive for migration coordination.
package catalogclient

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/chunkversion"
	"github.com/sharding-system/pkg/observability"
	"github.com/sharding-system/pkg/shardkey"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	shardsPrefix      = "/sharding/shards/"
	collectionsPrefix = "/sharding/collections/"
	chunksPrefix      = "/sharding/chunks/"
	changelogPrefix   = "/sharding/changelog/"
	locksPrefix       = "/sharding/locks/"
)

// ShardInfo is a registered shard's connection identity.
type ShardInfo struct {
	ID   string `json:"id"`
	Host string `json:"host"`
}

// CollectionInfo is a sharded collection's immutable shard-key definition
// plus its current epoch.
type CollectionInfo struct {
	Name     string              `json:"name"`
	Fields   []shardkey.FieldSpec `json:"fields"`
	Epoch    string              `json:"epoch"`
	Dropped  bool                `json:"dropped,omitempty"`
}

// ShardKeySpec reconstructs the collection's shardkey.Spec for key encoding.
func (c CollectionInfo) ShardKeySpec() shardkey.Spec {
	return shardkey.NewSpec(nil, c.Fields...)
}

// ChunkOpType distinguishes the kinds of structural chunk-map mutation a
// migration or split/merge commits atomically.
type ChunkOpType string

const (
	ChunkOpUpsert ChunkOpType = "upsert"
	ChunkOpDelete ChunkOpType = "delete"
)

// ChunkOp is one structural change to a collection's persisted chunk set.
type ChunkOp struct {
	Type  ChunkOpType
	Chunk chunkmap.Chunk
}

// ChangelogEntry is a best-effort operational log entry, not used for
// correctness — only for operator visibility into migrations, splits, and
// merges.
type ChangelogEntry struct {
	What    string    `json:"what"`
	Details string    `json:"details"`
	At      time.Time `json:"at"`
}

// Lock is a held distributed lock; callers must call Release exactly once,
// on every exit path, including error paths.
type Lock struct {
	client   *clientv3.Client
	leaseID  clientv3.LeaseID
	resource string
}

// Release gives up the lock by revoking its lease. Safe to call once; a
// double release is a no-op error that callers may ignore. A zero-value
// Lock (as used by test fakes that never talk to etcd) releases as a no-op.
func (l *Lock) Release(ctx context.Context) error {
	if l.client == nil {
		return nil
	}
	_, err := l.client.Revoke(ctx, l.leaseID)
	return err
}

// Event is a decoded change to the chunk catalog, delivered to Watch
// subscribers (the routing cache) so they can apply incremental updates
// without a full reload.
type Event struct {
	Collection string
	Chunks     []chunkmap.Chunk
}

// Client is the catalog's full interface. EtcdClient is the only
// implementation; it is an interface to let routing-cache and targeter
// tests substitute a fake without dragging in etcd.
type Client interface {
	ListShards(ctx context.Context) ([]ShardInfo, error)
	RegisterShard(ctx context.Context, shard ShardInfo) error
	GetCollection(ctx context.Context, name string) (CollectionInfo, error)
	ReadChunksSince(ctx context.Context, collection string, since chunkversion.Version) (chunkmap.ChunkMap, error)
	ApplyChunkOps(ctx context.Context, collection string, expected chunkversion.Version, ops []ChunkOp) error
	LogChange(ctx context.Context, what, details string)
	AcquireDistLock(ctx context.Context, resource string, ttl time.Duration) (*Lock, error)
	Watch(ctx context.Context, collection string) (<-chan Event, error)
}

// EtcdClient is the etcd-backed Client implementation.
type EtcdClient struct {
	etcd   *clientv3.Client
	logger *zap.Logger
}

// NewEtcdClient dials etcd at the given endpoints.
func NewEtcdClient(endpoints []string, logger *zap.Logger) (*EtcdClient, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("catalogclient: dial etcd: %w", err)
	}
	return &EtcdClient{etcd: cli, logger: logger}, nil
}

// Close releases the underlying etcd client.
func (c *EtcdClient) Close() error { return c.etcd.Close() }

// ListShards returns every registered shard.
func (c *EtcdClient) ListShards(ctx context.Context) ([]ShardInfo, error) {
	resp, err := c.etcd.Get(ctx, shardsPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("catalogclient: list shards: %w", err)
	}
	shards := make([]ShardInfo, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var s ShardInfo
		if err := json.Unmarshal(kv.Value, &s); err != nil {
			c.logger.Warn("catalogclient: skipping malformed shard record", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		shards = append(shards, s)
	}
	return shards, nil
}

// RegisterShard creates or overwrites a shard's connection record.
func (c *EtcdClient) RegisterShard(ctx context.Context, shard ShardInfo) error {
	data, err := json.Marshal(shard)
	if err != nil {
		return fmt.Errorf("catalogclient: marshal shard: %w", err)
	}
	_, err = c.etcd.Put(ctx, shardsPrefix+shard.ID, string(data))
	return err
}

// GetCollection returns a collection's shard-key definition and epoch.
func (c *EtcdClient) GetCollection(ctx context.Context, name string) (CollectionInfo, error) {
	resp, err := c.etcd.Get(ctx, collectionsPrefix+name)
	if err != nil {
		return CollectionInfo{}, fmt.Errorf("catalogclient: get collection %s: %w", name, err)
	}
	if len(resp.Kvs) == 0 {
		return CollectionInfo{}, fmt.Errorf("catalogclient: collection %s not found", name)
	}
	var info CollectionInfo
	if err := json.Unmarshal(resp.Kvs[0].Value, &info); err != nil {
		return CollectionInfo{}, fmt.Errorf("catalogclient: decode collection %s: %w", name, err)
	}
	return info, nil
}

// CreateCollection persists a new sharded collection's key definition,
// failing if one already exists under the same name.
func (c *EtcdClient) CreateCollection(ctx context.Context, info CollectionInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("catalogclient: marshal collection: %w", err)
	}
	key := collectionsPrefix + info.Name
	txn := c.etcd.Txn(ctx)
	txn.If(clientv3.Compare(clientv3.Version(key), "=", 0)).
		Then(clientv3.OpPut(key, string(data)))
	resp, err := txn.Commit()
	if err != nil {
		return fmt.Errorf("catalogclient: create collection: %w", err)
	}
	if !resp.Succeeded {
		return fmt.Errorf("catalogclient: collection %s already exists", info.Name)
	}
	return nil
}

// chunkKey produces the lexicographically ordered etcd key for a chunk's
// persisted record. Encoding the upper bound as the key lets a prefix range
// read recover chunks in the same order ChunkMap keeps them in memory.
func chunkKey(collection string, c chunkmap.Chunk) string {
	return fmt.Sprintf("%s%s/%s", chunksPrefix, collection, c.Range.Max.String())
}

// ReadChunksSince loads every persisted chunk for collection whose version
// is at or after since, reconstructing a ChunkMap. A zero-value since reads
// the full chunk set — the "slow path full reload" in the cache's refresh
// algorithm.
func (c *EtcdClient) ReadChunksSince(ctx context.Context, collection string, since chunkversion.Version) (chunkmap.ChunkMap, error) {
	resp, err := c.etcd.Get(ctx, chunksPrefix+collection+"/", clientv3.WithPrefix())
	if err != nil {
		return chunkmap.ChunkMap{}, fmt.Errorf("catalogclient: read chunks for %s: %w", collection, err)
	}
	var chunks []chunkmap.Chunk
	for _, kv := range resp.Kvs {
		var ch chunkmap.Chunk
		if err := json.Unmarshal(kv.Value, &ch); err != nil {
			c.logger.Warn("catalogclient: skipping malformed chunk record", zap.String("key", string(kv.Key)), zap.Error(err))
			continue
		}
		if !since.IsUnsharded() {
			if older, err := ch.Version.IsOlderThan(since); err == nil && older {
				continue
			}
		}
		chunks = append(chunks, ch)
	}
	return *chunkmap.NewFromChunks(chunks), nil
}

// collectionVersionKey stores the collection's current max chunk version,
// used as the optimistic-concurrency precondition for ApplyChunkOps via
// clientv3.Compare(Version(key), "=", 0), generalized from an existence
// check to a caller-supplied expected value.
func collectionVersionKey(collection string) string {
	return collectionsPrefix + collection + "/maxVersion"
}

// ApplyChunkOps atomically commits a batch of chunk insert/delete
// operations, gated on the collection's current max version matching
// expected. A mismatch means a concurrent writer (another migration,
// split, or merge) committed first, and the caller must refresh and retry
// rather than blindly overwrite.
func (c *EtcdClient) ApplyChunkOps(ctx context.Context, collection string, expected chunkversion.Version, ops []ChunkOp) error {
	vkey := collectionVersionKey(collection)
	resp, err := c.etcd.Get(ctx, vkey)
	if err != nil {
		return fmt.Errorf("catalogclient: read collection version: %w", err)
	}

	var cmpOp clientv3.Cmp
	if len(resp.Kvs) == 0 {
		cmpOp = clientv3.Compare(clientv3.Version(vkey), "=", 0)
	} else {
		cmpOp = clientv3.Compare(clientv3.Value(vkey), "=", versionString(expected))
	}

	thenOps := make([]clientv3.Op, 0, len(ops)+1)
	var newMax chunkversion.Version
	haveMax := false
	for _, op := range ops {
		switch op.Type {
		case ChunkOpDelete:
			thenOps = append(thenOps, clientv3.OpDelete(chunkKey(collection, op.Chunk)))
		default:
			data, merr := json.Marshal(op.Chunk)
			if merr != nil {
				return fmt.Errorf("catalogclient: marshal chunk: %w", merr)
			}
			thenOps = append(thenOps, clientv3.OpPut(chunkKey(collection, op.Chunk), string(data)))
		}
		if !haveMax {
			newMax = op.Chunk.Version
			haveMax = true
		} else if cmp, err := op.Chunk.Version.Compare(newMax); err == nil && cmp > 0 {
			newMax = op.Chunk.Version
		}
	}
	if haveMax {
		thenOps = append(thenOps, clientv3.OpPut(vkey, versionString(newMax)))
	}

	txn := c.etcd.Txn(ctx)
	txn.If(cmpOp).Then(thenOps...)
	txresp, err := txn.Commit()
	if err != nil {
		return fmt.Errorf("catalogclient: apply chunk ops: %w", err)
	}
	if !txresp.Succeeded {
		return fmt.Errorf("catalogclient: precondition failed for collection %s", collection)
	}

	if haveMax {
		observability.CatalogVersion.WithLabelValues(collection).Set(float64(newMax.Major))
	}
	for _, op := range ops {
		observability.CatalogUpdates.WithLabelValues(collection, string(op.Type)).Inc()
	}
	return nil
}

func versionString(v chunkversion.Version) string {
	return fmt.Sprintf("%s|%d|%d", v.Epoch, v.Major, v.Minor)
}

// LogChange appends a best-effort changelog entry. Failures are logged and
// swallowed — the changelog is an operational aid, never load-bearing for
// correctness.
func (c *EtcdClient) LogChange(ctx context.Context, what, details string) {
	entry := ChangelogEntry{What: what, Details: details, At: time.Now()}
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("catalogclient: failed to marshal changelog entry", zap.Error(err))
		return
	}
	key := fmt.Sprintf("%s%d-%s", changelogPrefix, time.Now().UnixNano(), what)
	if _, err := c.etcd.Put(ctx, key, string(data)); err != nil {
		c.logger.Warn("catalogclient: failed to persist changelog entry", zap.Error(err))
	}
}

// AcquireDistLock acquires a TTL-bound distributed lock on resource,
// backing off to a single immediate attempt — callers wrap this in their
// own retry loop when contention is expected (as the migration state
// machines do).
func (c *EtcdClient) AcquireDistLock(ctx context.Context, resource string, ttl time.Duration) (*Lock, error) {
	lease, err := c.etcd.Grant(ctx, int64(ttl.Seconds()))
	if err != nil {
		return nil, fmt.Errorf("catalogclient: grant lease: %w", err)
	}

	key := locksPrefix + resource
	txn := c.etcd.Txn(ctx)
	txn.If(clientv3.Compare(clientv3.Version(key), "=", 0)).
		Then(clientv3.OpPut(key, fmt.Sprintf("%d", lease.ID), clientv3.WithLease(lease.ID)))
	resp, err := txn.Commit()
	if err != nil {
		c.etcd.Revoke(ctx, lease.ID)
		return nil, fmt.Errorf("catalogclient: acquire lock %s: %w", resource, err)
	}
	if !resp.Succeeded {
		c.etcd.Revoke(ctx, lease.ID)
		return nil, fmt.Errorf("catalogclient: lock %s is held by another holder", resource)
	}
	return &Lock{client: c.etcd, leaseID: lease.ID, resource: resource}, nil
}

// Watch streams chunk catalog changes for collection. Each event carries
// the full set of changed chunks in one etcd watch batch, ready to be
// passed directly to a ChunkMap's ApplyIncrementalUpdate.
func (c *EtcdClient) Watch(ctx context.Context, collection string) (<-chan Event, error) {
	out := make(chan Event, 8)
	prefix := chunksPrefix + collection + "/"

	go func() {
		defer close(out)
		wch := c.etcd.Watch(ctx, prefix, clientv3.WithPrefix())
		for wresp := range wch {
			if wresp.Err() != nil {
				c.logger.Warn("catalogclient: watch error", zap.String("collection", collection), zap.Error(wresp.Err()))
				return
			}
			var changed []chunkmap.Chunk
			for _, ev := range wresp.Events {
				if ev.Type != clientv3.EventTypePut {
					continue
				}
				var ch chunkmap.Chunk
				if err := json.Unmarshal(ev.Kv.Value, &ch); err != nil {
					continue
				}
				changed = append(changed, ch)
			}
			if len(changed) == 0 {
				continue
			}
			select {
			case out <- Event{Collection: collection, Chunks: changed}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// collectionFromChunkPrefix extracts the collection name embedded in a
// chunk storage key, used by the janitor when sweeping without a known
// collection list.
func collectionFromChunkPrefix(key string) string {
	rest := strings.TrimPrefix(key, chunksPrefix)
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}

func unmarshalCollection(data []byte, info *CollectionInfo) error {
	return json.Unmarshal(data, info)
}
