package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sharding-system/pkg/catalogclient"
	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/chunkversion"
	"github.com/sharding-system/pkg/connpool"
	"github.com/sharding-system/pkg/models"
	"github.com/sharding-system/pkg/routingcache"
	"github.com/sharding-system/pkg/shardkey"
	"github.com/sharding-system/pkg/transport"
	"go.uber.org/zap/zaptest"
)

// fakeCatalog is a minimal in-memory catalogclient.Client backing both the
// routing cache and the router's shard-host lookups.
type fakeCatalog struct {
	mu     sync.Mutex
	shards []catalogclient.ShardInfo
	fields []shardkey.FieldSpec
	chunks map[string][]chunkmap.Chunk
}

func newFakeCatalog(shards []catalogclient.ShardInfo, fields []shardkey.FieldSpec) *fakeCatalog {
	return &fakeCatalog{shards: shards, fields: fields, chunks: make(map[string][]chunkmap.Chunk)}
}

func (f *fakeCatalog) seed(collection string, chunks []chunkmap.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks[collection] = chunks
}

func (f *fakeCatalog) ListShards(ctx context.Context) ([]catalogclient.ShardInfo, error) {
	return f.shards, nil
}

func (f *fakeCatalog) RegisterShard(ctx context.Context, shard catalogclient.ShardInfo) error {
	return nil
}

func (f *fakeCatalog) GetCollection(ctx context.Context, name string) (catalogclient.CollectionInfo, error) {
	return catalogclient.CollectionInfo{Name: name, Fields: f.fields, Epoch: "epoch-1"}, nil
}

func (f *fakeCatalog) ReadChunksSince(ctx context.Context, collection string, since chunkversion.Version) (chunkmap.ChunkMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *chunkmap.NewFromChunks(f.chunks[collection]), nil
}

func (f *fakeCatalog) ApplyChunkOps(ctx context.Context, collection string, expected chunkversion.Version, ops []catalogclient.ChunkOp) error {
	return nil
}

func (f *fakeCatalog) LogChange(ctx context.Context, what, details string) {}

func (f *fakeCatalog) AcquireDistLock(ctx context.Context, resource string, ttl time.Duration) (*catalogclient.Lock, error) {
	return &catalogclient.Lock{}, nil
}

func (f *fakeCatalog) Watch(ctx context.Context, collection string) (<-chan catalogclient.Event, error) {
	ch := make(chan catalogclient.Event)
	close(ch)
	return ch, nil
}

// fakeShardHandler answers "_execOp" with a canned reply, optionally
// rejecting the first N calls as stale to exercise the router's retry loop.
type fakeShardHandler struct {
	mu           sync.Mutex
	staleReplies int
	calls        int
}

func (h *fakeShardHandler) handle(ctx context.Context, env transport.Envelope) transport.Reply {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.staleReplies > 0 {
		h.staleReplies--
		return transport.Reply{OK: false, Error: "stale shard version", ErrCode: "stale shard version"}
	}
	return transport.Reply{OK: true, Body: []byte(`{"status":"ok"}`)}
}

func startFakeShard(t *testing.T, h *fakeShardHandler) string {
	t.Helper()
	srv, err := transport.Listen("127.0.0.1:0", h.handle)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv.Addr()
}

func keyField(name string) []shardkey.FieldSpec {
	return []shardkey.FieldSpec{{Name: name, Direction: shardkey.Ascending}}
}

func TestExecuteOpRoutesPointReadToOwningShard(t *testing.T) {
	handler := &fakeShardHandler{}
	addr := startFakeShard(t, handler)

	fields := keyField("id")
	catalog := newFakeCatalog([]catalogclient.ShardInfo{{ID: "S1", Host: addr}}, fields)
	catalog.seed("orders", []chunkmap.Chunk{{
		Collection: "orders",
		Range:      chunkmap.Range{Min: shardkey.MinKey, Max: shardkey.MaxKey},
		Shard:      "S1",
		Version:    chunkversion.New("epoch-1", 1, 0),
	}})

	cache := routingcache.New(catalog, zaptest.NewLogger(t))
	pool := connpool.New(4, time.Second, connpool.Hooks{})
	t.Cleanup(pool.FlushAll)

	r := NewRouter(catalog, cache, pool, zaptest.NewLogger(t))

	resp, err := r.ExecuteOp(context.Background(), &models.OpRequest{
		Collection:  "orders",
		Op:          "point",
		PointValues: []string{"42"},
	})
	if err != nil {
		t.Fatalf("ExecuteOp: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Shard != "S1" {
		t.Fatalf("expected one result from S1, got %+v", resp.Results)
	}
	if handler.calls != 1 {
		t.Fatalf("expected exactly one shard call, got %d", handler.calls)
	}
}

func TestExecuteOpRetriesOnStaleShardVersion(t *testing.T) {
	handler := &fakeShardHandler{staleReplies: 2}
	addr := startFakeShard(t, handler)

	fields := keyField("id")
	catalog := newFakeCatalog([]catalogclient.ShardInfo{{ID: "S1", Host: addr}}, fields)
	catalog.seed("orders", []chunkmap.Chunk{{
		Collection: "orders",
		Range:      chunkmap.Range{Min: shardkey.MinKey, Max: shardkey.MaxKey},
		Shard:      "S1",
		Version:    chunkversion.New("epoch-1", 1, 0),
	}})

	cache := routingcache.New(catalog, zaptest.NewLogger(t))
	pool := connpool.New(4, time.Second, connpool.Hooks{})
	t.Cleanup(pool.FlushAll)

	r := NewRouter(catalog, cache, pool, zaptest.NewLogger(t))

	resp, err := r.ExecuteOp(context.Background(), &models.OpRequest{
		Collection:  "orders",
		Op:          "point",
		PointValues: []string{"42"},
	})
	if err != nil {
		t.Fatalf("ExecuteOp: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected one result after retries, got %+v", resp.Results)
	}
	if handler.calls != 3 {
		t.Fatalf("expected 2 stale replies then 1 success, got %d calls", handler.calls)
	}
}

func TestExecuteOpScattersUnrestrictedQuery(t *testing.T) {
	h1, h2 := &fakeShardHandler{}, &fakeShardHandler{}
	addr1, addr2 := startFakeShard(t, h1), startFakeShard(t, h2)

	fields := keyField("id")
	catalog := newFakeCatalog([]catalogclient.ShardInfo{
		{ID: "S1", Host: addr1},
		{ID: "S2", Host: addr2},
	}, fields)
	mid := shardkey.FromFields([]byte("m"))
	catalog.seed("orders", []chunkmap.Chunk{
		{Collection: "orders", Range: chunkmap.Range{Min: shardkey.MinKey, Max: mid}, Shard: "S1", Version: chunkversion.New("epoch-1", 1, 0)},
		{Collection: "orders", Range: chunkmap.Range{Min: mid, Max: shardkey.MaxKey}, Shard: "S2", Version: chunkversion.New("epoch-1", 1, 1)},
	})

	cache := routingcache.New(catalog, zaptest.NewLogger(t))
	pool := connpool.New(4, time.Second, connpool.Hooks{})
	t.Cleanup(pool.FlushAll)

	r := NewRouter(catalog, cache, pool, zaptest.NewLogger(t))

	resp, err := r.ExecuteOp(context.Background(), &models.OpRequest{
		Collection: "orders",
		Op:         "query",
		Filter:     map[string]string{"status": "pending"},
	})
	if err != nil {
		t.Fatalf("ExecuteOp: %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("expected a scatter to both shards, got %+v", resp.Results)
	}
}

func TestExecuteOpRejectsUnknownOp(t *testing.T) {
	catalog := newFakeCatalog(nil, keyField("id"))
	catalog.seed("orders", []chunkmap.Chunk{{
		Collection: "orders",
		Range:      chunkmap.Range{Min: shardkey.MinKey, Max: shardkey.MaxKey},
		Shard:      "S1",
		Version:    chunkversion.New("epoch-1", 1, 0),
	}})
	cache := routingcache.New(catalog, zaptest.NewLogger(t))
	pool := connpool.New(4, time.Second, connpool.Hooks{})
	t.Cleanup(pool.FlushAll)

	r := NewRouter(catalog, cache, pool, zaptest.NewLogger(t))

	_, err := r.ExecuteOp(context.Background(), &models.OpRequest{Collection: "orders", Op: "delete-everything"})
	if err == nil {
		t.Fatal("expected an error for an unrecognized op")
	}
}
