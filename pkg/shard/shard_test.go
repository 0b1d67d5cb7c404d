package shard

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sharding-system/pkg/catalogclient"
	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/chunkversion"
	"github.com/sharding-system/pkg/connpool"
	"github.com/sharding-system/pkg/migration"
	"github.com/sharding-system/pkg/shardkey"
	"github.com/sharding-system/pkg/transport"
)

func fullKey(s string) shardkey.Key { return shardkey.FromFields([]byte(s)) }

// fakeStore is a trivial in-memory document store implementing
// StorageBackend, keyed by the raw document identity.
type fakeStore struct {
	mu            sync.Mutex
	docs          map[migration.DocID][]byte
	order         []migration.DocID
	deleteRangeN  int
	flushCalls    []int
}

func newFakeStore() *fakeStore {
	return &fakeStore{docs: make(map[migration.DocID][]byte)}
}

func (s *fakeStore) put(id migration.DocID, doc []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[id]; !exists {
		s.order = append(s.order, id)
	}
	s.docs[id] = doc
}

func (s *fakeStore) ScanRange(collection string, min, max shardkey.Key) ([]migration.DocID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]migration.DocID(nil), s.order...)
	return out, nil
}

func (s *fakeStore) LookupDocument(collection string, id migration.DocID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.docs[id], nil
}

func (s *fakeStore) DeleteRange(collection string, min, max shardkey.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteRangeN++
	return nil
}

func (s *fakeStore) Upsert(collection string, id migration.DocID, doc []byte) error {
	s.put(id, doc)
	return nil
}

func (s *fakeStore) Delete(collection string, id migration.DocID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func (s *fakeStore) FlushDurable(ctx context.Context, slaveCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushCalls = append(s.flushCalls, slaveCount)
	return nil
}

func (s *fakeStore) has(id migration.DocID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[id]
	return ok
}

func TestDonorAndRecipientShardsCompleteAMigration(t *testing.T) {
	donorStore := newFakeStore()
	donorStore.put("a", []byte(`{"x":1}`))
	donorStore.put("b", []byte(`{"x":2}`))
	recipientStore := newFakeStore()

	chunk := chunkmap.Chunk{
		Collection: "orders",
		Range:      chunkmap.Range{Min: shardkey.MinKey, Max: shardkey.MaxKey},
		Shard:      "S1",
		Version:    chunkversion.New("epoch-1", 1, 0),
	}
	catalog := newFakeCatalog(nil)
	catalog.seed("orders", []chunkmap.Chunk{chunk})

	pool := connpool.New(4, time.Second, connpool.Hooks{})
	t.Cleanup(pool.FlushAll)

	donorShard := New(Config{ShardID: "S1", Catalog: catalog, Pool: pool, Storage: donorStore, ReplicaCount: 3})
	recipientShard := New(Config{ShardID: "S2", Catalog: catalog, Pool: pool, Storage: recipientStore, ReplicaCount: 3})

	donorSrv, err := transport.Listen("127.0.0.1:0", donorShard.Handler())
	if err != nil {
		t.Fatalf("listen donor: %v", err)
	}
	go donorSrv.Serve()
	t.Cleanup(func() { donorSrv.Close() })

	recipientSrv, err := transport.Listen("127.0.0.1:0", recipientShard.Handler())
	if err != nil {
		t.Fatalf("listen recipient: %v", err)
	}
	go recipientSrv.Serve()
	t.Cleanup(func() { recipientSrv.Close() })

	catalog.shards = []catalogclient.ShardInfo{
		{ID: "S1", Host: donorSrv.Addr()},
		{ID: "S2", Host: recipientSrv.Addr()},
	}

	donorShard.RegisterCollection("orders", chunkmap.NewFromChunks([]chunkmap.Chunk{chunk}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stateCh, errCh := donorShard.StartDonor(ctx, migration.DonorConfig{
		Collection:       "orders",
		Min:              shardkey.MinKey,
		Max:              shardkey.MaxKey,
		ToShard:          "S2",
		ToHost:           recipientSrv.Addr(),
		CatchupDoneBelow: 0,
		CatchupPollEvery: 10 * time.Millisecond,
		CatchupTimeout:   2 * time.Second,
	})

	var finalState migration.DonorState
	select {
	case finalState = <-stateCh:
	case <-time.After(9 * time.Second):
		t.Fatal("donor never finished")
	}
	if err := <-errCh; err != nil {
		t.Fatalf("donor run: %v", err)
	}
	if finalState != migration.DonorDone {
		t.Fatalf("expected DonorDone, got %s", finalState)
	}

	if !recipientStore.has("a") || !recipientStore.has("b") {
		t.Fatalf("expected both documents cloned to the recipient")
	}
	if len(recipientStore.flushCalls) != 1 || recipientStore.flushCalls[0] != 2 {
		t.Fatalf("expected one durability flush with slaveCount=2, got %v", recipientStore.flushCalls)
	}

	if _, ok := donorShard.stateFor("orders"); !ok {
		t.Fatalf("expected donor collection state to remain registered")
	}
	state, _, found := donorShard.DonorStatus("orders")
	if !found || state != migration.DonorDone.String() {
		t.Fatalf("expected DonorStatus to report Done, got %q (found=%v)", state, found)
	}
}

func TestCheckVersionRejectsStaleRequest(t *testing.T) {
	catalog := newFakeCatalog(nil)
	chunk := chunkmap.Chunk{
		Collection: "orders",
		Range:      chunkmap.Range{Min: shardkey.MinKey, Max: shardkey.MaxKey},
		Shard:      "S1",
		Version:    chunkversion.New("epoch-1", 2, 0),
	}
	catalog.seed("orders", []chunkmap.Chunk{chunk})

	s := New(Config{ShardID: "S1", Catalog: catalog, Storage: newFakeStore()})
	s.RegisterCollection("orders", chunkmap.NewFromChunks([]chunkmap.Chunk{chunk}))

	if err := s.CheckVersion("orders", chunkversion.New("epoch-1", 1, 0)); err == nil {
		t.Fatalf("expected stale version to be rejected")
	}
	if err := s.CheckVersion("orders", chunkversion.New("epoch-2", 1, 0)); err == nil {
		t.Fatalf("expected cross-epoch request to be rejected")
	}
	if err := s.CheckVersion("orders", chunkversion.New("epoch-1", 2, 0)); err != nil {
		t.Fatalf("expected current version to be accepted, got %v", err)
	}
}
