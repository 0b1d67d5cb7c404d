package shard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sharding-system/pkg/catalogclient"
	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/chunkversion"
)

// fakeCatalog is a minimal in-memory catalogclient.Client sufficient to
// drive a real Donor.Run() end to end: it tracks one collection's chunks
// and version, and hands out no-op locks.
type fakeCatalog struct {
	mu      sync.Mutex
	shards  []catalogclient.ShardInfo
	chunks  map[string][]chunkmap.Chunk
	version map[string]chunkversion.Version
	changes []string
}

func newFakeCatalog(shards []catalogclient.ShardInfo) *fakeCatalog {
	return &fakeCatalog{
		shards:  shards,
		chunks:  make(map[string][]chunkmap.Chunk),
		version: make(map[string]chunkversion.Version),
	}
}

func (f *fakeCatalog) seed(collection string, chunks []chunkmap.Chunk) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks[collection] = chunks
	f.version[collection] = chunkmap.NewFromChunks(chunks).MaxVersion()
}

func (f *fakeCatalog) ListShards(ctx context.Context) ([]catalogclient.ShardInfo, error) {
	return f.shards, nil
}

func (f *fakeCatalog) RegisterShard(ctx context.Context, shard catalogclient.ShardInfo) error {
	return nil
}

func (f *fakeCatalog) GetCollection(ctx context.Context, name string) (catalogclient.CollectionInfo, error) {
	return catalogclient.CollectionInfo{Name: name}, nil
}

func (f *fakeCatalog) ReadChunksSince(ctx context.Context, collection string, since chunkversion.Version) (chunkmap.ChunkMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *chunkmap.NewFromChunks(f.chunks[collection]), nil
}

func (f *fakeCatalog) ApplyChunkOps(ctx context.Context, collection string, expected chunkversion.Version, ops []catalogclient.ChunkOp) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	current := f.version[collection]
	if cmp, err := current.Compare(expected); err != nil || cmp != 0 {
		return fmt.Errorf("fakeCatalog: precondition failed for %s", collection)
	}

	cm := chunkmap.NewFromChunks(f.chunks[collection])
	for _, op := range ops {
		_ = cm.ApplyIncrementalUpdate([]chunkmap.Chunk{op.Chunk})
	}
	f.chunks[collection] = cm.Chunks()
	f.version[collection] = cm.MaxVersion()
	return nil
}

func (f *fakeCatalog) LogChange(ctx context.Context, what, details string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.changes = append(f.changes, what+": "+details)
}

func (f *fakeCatalog) AcquireDistLock(ctx context.Context, resource string, ttl time.Duration) (*catalogclient.Lock, error) {
	return &catalogclient.Lock{}, nil
}

func (f *fakeCatalog) Watch(ctx context.Context, collection string) (<-chan catalogclient.Event, error) {
	ch := make(chan catalogclient.Event)
	close(ch)
	return ch, nil
}
