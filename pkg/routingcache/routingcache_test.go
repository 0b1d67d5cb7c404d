package routingcache

import (
	"context"
	"sync"
	"testing"

	"github.com/sharding-system/pkg/catalogclient"
	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/chunkversion"
	"github.com/sharding-system/pkg/shardkey"
	"go.uber.org/zap"
)

func key(s string) shardkey.Key { return shardkey.FromFields([]byte(s)) }

func seedTwoChunkCollection(f *fakeCatalog) {
	v := chunkversion.New("epoch1", 1, 0)
	f.setCollection(
		catalogclient.CollectionInfo{Name: "db.c", Epoch: "epoch1", Fields: []shardkey.FieldSpec{{Name: "k", Direction: shardkey.Ascending}}},
		[]chunkmap.Chunk{
			{Collection: "db.c", Range: chunkmap.Range{Min: shardkey.MinKey, Max: key("100")}, Shard: "S1", Version: v},
			{Collection: "db.c", Range: chunkmap.Range{Min: key("100"), Max: shardkey.MaxKey}, Shard: "S2", Version: v},
		},
	)
}

func TestGetRoutingInfoLoadsAndCaches(t *testing.T) {
	f := newFakeCatalog()
	seedTwoChunkCollection(f)
	cache := New(f, zap.NewNop())

	info, err := cache.GetRoutingInfo(context.Background(), "db.c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if info.Chunks.Len() != 2 {
		t.Fatalf("expected 2 chunks, got %d", info.Chunks.Len())
	}

	if _, err := cache.GetRoutingInfo(context.Background(), "db.c"); err != nil {
		t.Fatalf("unexpected error on cached lookup: %v", err)
	}
	if f.reloadCount != 1 {
		t.Fatalf("expected exactly one catalog load, got %d", f.reloadCount)
	}
}

func TestConcurrentGetRoutingInfoCoalescesRefresh(t *testing.T) {
	f := newFakeCatalog()
	seedTwoChunkCollection(f)
	cache := New(f, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.GetRoutingInfo(context.Background(), "db.c"); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if f.reloadCount != 1 {
		t.Fatalf("expected singleflight to coalesce into one load, got %d", f.reloadCount)
	}
}

func TestOnStaleConfigErrorTriggersRefreshOnMatchingVersion(t *testing.T) {
	f := newFakeCatalog()
	seedTwoChunkCollection(f)
	cache := New(f, zap.NewNop())

	info, err := cache.GetRoutingInfo(context.Background(), "db.c")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cache.OnStaleConfigError("db.c", info.Version())

	cache.mu.Lock()
	needsRefresh := cache.collections["db.c"].needsRefresh
	cache.mu.Unlock()
	if !needsRefresh {
		t.Fatalf("expected matching stale version to mark the collection for refresh")
	}
}

func TestOnStaleConfigErrorIgnoresSupersededVersion(t *testing.T) {
	f := newFakeCatalog()
	seedTwoChunkCollection(f)
	cache := New(f, zap.NewNop())

	if _, err := cache.GetRoutingInfo(context.Background(), "db.c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cache.OnStaleConfigError("db.c", chunkversion.New("epoch1", 0, 0))

	cache.mu.Lock()
	needsRefresh := cache.collections["db.c"].needsRefresh
	cache.mu.Unlock()
	if needsRefresh {
		t.Fatalf("an already-superseded version must not force another refresh")
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	f := newFakeCatalog()
	seedTwoChunkCollection(f)
	cache := New(f, zap.NewNop())

	if _, err := cache.GetRoutingInfo(context.Background(), "db.c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache.Invalidate("db.c")
	if _, err := cache.GetRoutingInfo(context.Background(), "db.c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if f.reloadCount != 2 {
		t.Fatalf("expected invalidate to force a second load, got %d", f.reloadCount)
	}
}

func TestPurgeDropsCachedState(t *testing.T) {
	f := newFakeCatalog()
	seedTwoChunkCollection(f)
	cache := New(f, zap.NewNop())

	if _, err := cache.GetRoutingInfo(context.Background(), "db.c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cache.Purge("db.c")

	cache.mu.Lock()
	_, ok := cache.collections["db.c"]
	cache.mu.Unlock()
	if ok {
		t.Fatalf("expected purge to remove the collection entry entirely")
	}
}
