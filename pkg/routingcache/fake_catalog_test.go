package routingcache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sharding-system/pkg/catalogclient"
	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/chunkversion"
)

// fakeCatalog is an in-memory catalogclient.Client used to test the routing
// cache without etcd.
type fakeCatalog struct {
	mu          sync.Mutex
	collections map[string]catalogclient.CollectionInfo
	chunks      map[string][]chunkmap.Chunk
	reloadCount int
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		collections: make(map[string]catalogclient.CollectionInfo),
		chunks:      make(map[string][]chunkmap.Chunk),
	}
}

func (f *fakeCatalog) setCollection(info catalogclient.CollectionInfo, chunks []chunkmap.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collections[info.Name] = info
	f.chunks[info.Name] = chunks
}

func (f *fakeCatalog) ListShards(ctx context.Context) ([]catalogclient.ShardInfo, error) {
	return nil, nil
}

func (f *fakeCatalog) RegisterShard(ctx context.Context, shard catalogclient.ShardInfo) error {
	return nil
}

func (f *fakeCatalog) GetCollection(ctx context.Context, name string) (catalogclient.CollectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloadCount++
	info, ok := f.collections[name]
	if !ok {
		return catalogclient.CollectionInfo{}, fmt.Errorf("fakeCatalog: collection %s not found", name)
	}
	return info, nil
}

func (f *fakeCatalog) ReadChunksSince(ctx context.Context, collection string, since chunkversion.Version) (chunkmap.ChunkMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []chunkmap.Chunk
	for _, c := range f.chunks[collection] {
		if !since.IsUnsharded() {
			if older, err := c.Version.IsOlderThan(since); err == nil && older {
				continue
			}
		}
		out = append(out, c)
	}
	return *chunkmap.NewFromChunks(out), nil
}

func (f *fakeCatalog) ApplyChunkOps(ctx context.Context, collection string, expected chunkversion.Version, ops []catalogclient.ChunkOp) error {
	return nil
}

func (f *fakeCatalog) LogChange(ctx context.Context, what, details string) {}

func (f *fakeCatalog) AcquireDistLock(ctx context.Context, resource string, ttl time.Duration) (*catalogclient.Lock, error) {
	return nil, fmt.Errorf("fakeCatalog: locks not supported")
}

func (f *fakeCatalog) Watch(ctx context.Context, collection string) (<-chan catalogclient.Event, error) {
	ch := make(chan catalogclient.Event)
	close(ch)
	return ch, nil
}
