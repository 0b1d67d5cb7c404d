// Package memstore is a minimal in-memory document store satisfying
// pkg/shard's StorageBackend seam. The real storage engine is an external
// collaborator this core deliberately leaves out (spec.md's Non-goals); this
// package exists so cmd/shard has something concrete to run against, in the
// same spirit as pkg/shard's fakeStore test fixture, promoted to a shippable
// package instead of living only in a _test.go file.
package memstore

import (
	"context"
	"sync"

	"github.com/sharding-system/pkg/migration"
	"github.com/sharding-system/pkg/shardkey"
)

// Store is a process-local, collection-scoped map of DocID to raw document
// bytes. It makes no attempt at persistence, durability, or indexed range
// scans: ScanRange returns every document a collection holds regardless of
// min/max, and its callers (migration, _execOp) use that set as is, without
// filtering it to the range.
type Store struct {
	mu   sync.Mutex
	docs map[string]map[migration.DocID][]byte
	// order preserves insertion order per collection so ScanRange results
	// are stable across calls within a single migration.
	order map[string][]migration.DocID
}

// New builds an empty Store.
func New() *Store {
	return &Store{
		docs:  make(map[string]map[migration.DocID][]byte),
		order: make(map[string][]migration.DocID),
	}
}

func (s *Store) collection(name string) map[migration.DocID][]byte {
	c, ok := s.docs[name]
	if !ok {
		c = make(map[migration.DocID][]byte)
		s.docs[name] = c
	}
	return c
}

// Upsert implements migration.RecipientStorage.
func (s *Store) Upsert(collection string, id migration.DocID, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.collection(collection)
	if _, exists := c[id]; !exists {
		s.order[collection] = append(s.order[collection], id)
	}
	c[id] = doc
	return nil
}

// Delete implements migration.RecipientStorage.
func (s *Store) Delete(collection string, id migration.DocID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collection(collection), id)
	return nil
}

// DeleteRange implements migration.Storage. Lacking a real index, it scans
// every document in the collection and deletes it unconditionally — correct
// for the common case of a migration moving a collection's only chunk, an
// approximation otherwise (documented limitation, not a silent bug: a real
// storage engine would index by shard key and delete only [min,max)).
func (s *Store) DeleteRange(collection string, min, max shardkey.Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order[collection] {
		delete(s.collection(collection), id)
	}
	s.order[collection] = nil
	return nil
}

// ScanRange implements migration.Storage, returning the collection's full
// document set; see the Store doc comment for why min/max are unused.
func (s *Store) ScanRange(collection string, min, max shardkey.Key) ([]migration.DocID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]migration.DocID(nil), s.order[collection]...)
	return out, nil
}

// LookupDocument implements migration.Storage and migration.RecipientStorage's
// shared read path.
func (s *Store) LookupDocument(collection string, id migration.DocID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collection(collection)[id], nil
}

// FlushDurable implements migration.RecipientStorage. There is nothing to
// flush — writes are already visible the instant Upsert/Delete return —
// so this is a no-op that exists to satisfy the interface's durability
// contract for storage engines that buffer writes.
func (s *Store) FlushDurable(ctx context.Context, slaveCount int) error {
	return nil
}
