package migration

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/connpool"
	"github.com/sharding-system/pkg/shardkey"
	"github.com/sharding-system/pkg/transport"
)

// fakeDonorServer answers _migrateClone with a fixed set of docs once, then
// empty; answers _transferMods from a channel-fed queue of batches so a
// test can control exactly when the recipient observes new mods.
type fakeDonorServer struct {
	mu          sync.Mutex
	cloneDocs   []ModDocument
	cloneServed bool
	modsBatches []TransferModsBatch
}

func (f *fakeDonorServer) handler(ctx context.Context, env transport.Envelope) transport.Reply {
	switch env.Command {
	case "_migrateClone":
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.cloneServed {
			body, _ := json.Marshal(MigrateCloneReply{})
			return transport.Reply{OK: true, Body: body}
		}
		f.cloneServed = true
		body, _ := json.Marshal(MigrateCloneReply{Docs: f.cloneDocs})
		return transport.Reply{OK: true, Body: body}
	case "_transferMods":
		f.mu.Lock()
		defer f.mu.Unlock()
		var batch TransferModsBatch
		if len(f.modsBatches) > 0 {
			batch = f.modsBatches[0]
			f.modsBatches = f.modsBatches[1:]
		}
		body, _ := json.Marshal(batch)
		return transport.Reply{OK: true, Body: body}
	default:
		return transport.Reply{OK: true}
	}
}

type fakeRecipientStorage struct {
	mu       sync.Mutex
	docs     map[DocID][]byte
	deletes  []DocID
	flushes  []int
	deleteRangeCalled bool
}

func newFakeRecipientStorage() *fakeRecipientStorage {
	return &fakeRecipientStorage{docs: make(map[DocID][]byte)}
}

func (s *fakeRecipientStorage) Upsert(collection string, id DocID, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = doc
	return nil
}

func (s *fakeRecipientStorage) Delete(collection string, id DocID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	s.deletes = append(s.deletes, id)
	return nil
}

func (s *fakeRecipientStorage) DeleteRange(collection string, min, max shardkey.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteRangeCalled = true
	return nil
}

func (s *fakeRecipientStorage) FlushDurable(ctx context.Context, slaveCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes = append(s.flushes, slaveCount)
	return nil
}

func (s *fakeRecipientStorage) has(id DocID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[id]
	return ok
}

func startDonorServer(t *testing.T, f *fakeDonorServer) *transport.Server {
	t.Helper()
	srv, err := transport.Listen("127.0.0.1:0", f.handler)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve()
	t.Cleanup(func() { srv.Close() })
	return srv
}

func newTestRecipient(t *testing.T, f *fakeDonorServer, storage *fakeRecipientStorage) (*Recipient, *transport.Server) {
	t.Helper()
	srv := startDonorServer(t, f)
	pool := connpool.New(4, time.Second, connpool.Hooks{})
	t.Cleanup(pool.FlushAll)

	cfg := RecipientConfig{
		Collection:   "orders",
		Min:          shardkey.MinKey,
		Max:          shardkey.MaxKey,
		FromHost:     srv.Addr(),
		Pool:         pool,
		Chunks:       chunkmap.NewGuarded(nil),
		Storage:      storage,
		ReplicaCount: 3,
		PollEvery:    10 * time.Millisecond,
	}
	return NewRecipient(cfg), srv
}

func TestRecipientClonesThenCatchesUpThenCommits(t *testing.T) {
	f := &fakeDonorServer{
		cloneDocs: []ModDocument{
			{ID: "a", Doc: json.RawMessage(`{"x":1}`)},
			{ID: "b", Doc: json.RawMessage(`{"x":2}`)},
		},
	}
	storage := newFakeRecipientStorage()
	r, _ := newTestRecipient(t, f, storage)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.State() != RecipientSteady {
		if time.Now().After(deadline) {
			t.Fatalf("recipient never reached Steady, stuck at %s", r.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if !storage.has("a") || !storage.has("b") {
		t.Fatalf("expected both cloned documents applied")
	}
	if !storage.deleteRangeCalled {
		t.Fatalf("expected defensive DeleteRange before clone")
	}

	if err := r.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if r.State() != RecipientDone {
		t.Fatalf("expected Done after commit, got %s", r.State())
	}
	if len(storage.flushes) != 1 || storage.flushes[0] != 2 {
		t.Fatalf("expected one flush with slaveCount=2 (floor(3/2)+1), got %v", storage.flushes)
	}
}

func TestRecipientAppliesTransferModsDuringCatchup(t *testing.T) {
	f := &fakeDonorServer{
		modsBatches: []TransferModsBatch{
			{Reload: []ModDocument{{ID: "c", Doc: json.RawMessage(`{"x":3}`)}}, Size: 1},
			{Deleted: []DocID{"c"}, Size: 0},
		},
	}
	storage := newFakeRecipientStorage()
	r, _ := newTestRecipient(t, f, storage)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for r.State() != RecipientSteady {
		if time.Now().After(deadline) {
			t.Fatalf("recipient never reached Steady, stuck at %s", r.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	if storage.has("c") {
		t.Fatalf("expected reloaded-then-deleted document to end up absent")
	}
}

func TestRecipientRejectsOverlappingRange(t *testing.T) {
	f := &fakeDonorServer{}
	storage := newFakeRecipientStorage()
	srv := startDonorServer(t, f)
	pool := connpool.New(4, time.Second, connpool.Hooks{})
	t.Cleanup(pool.FlushAll)

	cm := chunkmap.New()
	if err := cm.InsertChunk(chunkmap.Chunk{
		Collection: "orders",
		Range:      chunkmap.Range{Min: shardkey.MinKey, Max: shardkey.MaxKey},
		Shard:      "S1",
	}); err != nil {
		t.Fatalf("seed chunk: %v", err)
	}

	cfg := RecipientConfig{
		Collection:   "orders",
		Min:          shardkey.MinKey,
		Max:          shardkey.MaxKey,
		FromHost:     srv.Addr(),
		Pool:         pool,
		Chunks:       chunkmap.NewGuarded(cm),
		Storage:      storage,
		ReplicaCount: 3,
	}
	r := NewRecipient(cfg)

	if err := r.Start(context.Background()); err == nil {
		t.Fatalf("expected overlap rejection, got nil error")
	}
}
