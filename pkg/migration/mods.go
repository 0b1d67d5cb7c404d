package migration

import (
	"encoding/json"
	"fmt"
	"sync"

	apperrors "github.com/sharding-system/internal/errors"
	"github.com/sharding-system/pkg/observability"
)

// DocID identifies a document by its primary key, encoded as the raw bytes
// of its shard key value.
type DocID string

// DefaultMemoryCapBytes is the migration memory cap named in spec §4.6: a
// migration that cannot keep up with the donor's write rate aborts rather
// than risk an OOM.
const DefaultMemoryCapBytes = 500 * 1024 * 1024

// ModsTracker accumulates the reload/deleted identity sets a donor keeps for
// the range under migration from Cloning through commit. Each set holds an
// identity at most once, and recording an identity in one set removes it
// from the other, so only the latest event per identity is kept. It
// is the donor-side bookkeeping the source calls "xfermods" / reload set.
type ModsTracker struct {
	mu         sync.Mutex
	collection string
	reload     map[DocID]struct{}
	deleted    map[DocID]struct{}
	capBytes   int64
}

// NewModsTracker builds a tracker with the given memory cap; a capBytes of
// 0 uses DefaultMemoryCapBytes. collection labels the pending-mods gauge.
func NewModsTracker(collection string, capBytes int64) *ModsTracker {
	if capBytes <= 0 {
		capBytes = DefaultMemoryCapBytes
	}
	return &ModsTracker{
		collection: collection,
		reload:     make(map[DocID]struct{}),
		deleted:    make(map[DocID]struct{}),
		capBytes:   capBytes,
	}
}

func (t *ModsTracker) reportPendingLocked() {
	observability.MigrationPendingMods.WithLabelValues(t.collection).Set(float64(len(t.reload) + len(t.deleted)))
}

// RecordUpsert notes that id was inserted into or updated within the
// migrating range; an id reported deleted earlier is un-deleted, since the
// local write path's most recent event always wins.
func (t *ModsTracker) RecordUpsert(id DocID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.deleted, id)
	t.reload[id] = struct{}{}
	t.reportPendingLocked()
	return t.checkMemoryLocked()
}

// RecordDelete notes that id was deleted from the migrating range.
func (t *ModsTracker) RecordDelete(id DocID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.reload, id)
	t.deleted[id] = struct{}{}
	t.reportPendingLocked()
	return t.checkMemoryLocked()
}

func (t *ModsTracker) checkMemoryLocked() error {
	if t.memoryBytesLocked() > t.capBytes {
		return fmt.Errorf("migration: pending mods exceeded %d bytes: %w", t.capBytes, apperrors.ErrExceededMemoryLimit)
	}
	return nil
}

func (t *ModsTracker) memoryBytesLocked() int64 {
	// Each tracked identity costs roughly its string length plus map
	// bookkeeping overhead; exact accounting does not matter, only that the
	// estimate grows monotonically with backlog size.
	const overhead = 48
	var total int64
	for id := range t.reload {
		total += int64(len(id)) + overhead
	}
	for id := range t.deleted {
		total += int64(len(id)) + overhead
	}
	return total
}

// MemoryBytes returns the tracker's current estimated memory usage.
func (t *ModsTracker) MemoryBytes() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.memoryBytesLocked()
}

// Drain atomically empties the tracker, returning the identities that were
// pending. Used both by _transferMods replies and by the final commit-time
// flush.
func (t *ModsTracker) Drain() (reload, deleted []DocID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id := range t.reload {
		reload = append(reload, id)
	}
	for id := range t.deleted {
		deleted = append(deleted, id)
	}
	t.reload = make(map[DocID]struct{})
	t.deleted = make(map[DocID]struct{})
	t.reportPendingLocked()
	return reload, deleted
}

// Pending reports the number of identities currently tracked, used to
// decide whether the recipient has caught up ("small backlog").
func (t *ModsTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.reload) + len(t.deleted)
}

// TransferModsBatch is the payload of a _transferMods reply: the drained
// identities plus, for reload entries, their current document contents
// looked up at reply time so the latest version always wins.
type TransferModsBatch struct {
	Reload  []ModDocument `json:"reload"`
	Deleted []DocID       `json:"deleted"`
	Size    int           `json:"size"`
}

// ModDocument pairs a reloaded identity with its current document content.
type ModDocument struct {
	ID  DocID           `json:"id"`
	Doc json.RawMessage `json:"doc"`
}
