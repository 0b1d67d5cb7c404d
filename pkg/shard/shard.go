// Package shard implements the per-node shard process: it holds the local
// chunk ownership for each collection, validates inbound version envelopes
// against that ownership, and dispatches the migration RPC commands to a
// Donor or Recipient state machine. It is the destination every router
// forwards operations to once pkg/targeter has picked a shard.
package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/sharding-system/internal/errors"
	"github.com/sharding-system/pkg/catalogclient"
	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/chunkversion"
	"github.com/sharding-system/pkg/connpool"
	"github.com/sharding-system/pkg/migration"
	"github.com/sharding-system/pkg/shardkey"
	"github.com/sharding-system/pkg/transport"
	"go.uber.org/zap"
)

// criticalSectionPollEvery/criticalSectionWaitFor bound how long a write
// blocks waiting for an active donor's Steady-phase critical section to
// clear, per spec §4.6 phase 4 ("writes to the moving range block"). The
// critical section is expected to clear quickly — it only spans the commit
// handshake with the recipient — so a short poll interval is fine.
const (
	criticalSectionPollEvery = 10 * time.Millisecond
	criticalSectionWaitFor   = 30 * time.Second
)

// migrationOutcome records the result of a finished migration for the
// status API; kept independent of Donor/Recipient so it survives after
// those are dropped from the active map.
type migrationOutcome struct {
	state string
	err   error
}

// collectionState is everything the shard tracks per collection: its local
// view of chunk ownership and any migration currently in flight for it.
type collectionState struct {
	chunks *chunkmap.Guarded

	mu          sync.Mutex
	donor       *migration.Donor
	recipient   *migration.Recipient
	lastOutcome *migrationOutcome
	shardKey    shardkey.Spec
}

// StorageBackend is the full storage seam a shard process needs: the
// donor's range scan/lookup/delete plus the recipient's upsert/delete/
// flush. A real storage engine (left out of this core per spec.md's
// Non-goals) implements both halves; tests here use an in-memory fake.
type StorageBackend interface {
	migration.Storage
	migration.RecipientStorage
}

// Config wires a Shard to its collaborators.
type Config struct {
	ShardID string
	Catalog catalogclient.Client
	Pool    *connpool.Pool
	Storage StorageBackend
	Logger  *zap.Logger

	MemoryCap    int64
	ReplicaCount int
}

// Shard is one node's view of the documents it currently owns, keyed by
// collection. It is safe for concurrent use.
type Shard struct {
	cfg Config

	mu          sync.RWMutex
	collections map[string]*collectionState
}

// New builds an empty Shard; collections are registered lazily as chunks
// for them are first observed.
func New(cfg Config) *Shard {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Shard{cfg: cfg, collections: make(map[string]*collectionState)}
}

// RegisterCollection installs the shard's local chunk ownership for a
// collection. The first call for a collection installs chunks as given;
// a later call merges them into the registered map through
// ApplyIncrementalUpdate rather than replacing it. Callers typically do
// this once at startup from catalogclient.Client.ReadChunksSince and again
// whenever pkg/catalogclient.Watch reports a change.
func (s *Shard) RegisterCollection(collection string, chunks *chunkmap.ChunkMap) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.collections[collection]; ok {
		cs.chunks.ApplyIncrementalUpdate(chunks.Chunks())
		return
	}
	s.collections[collection] = &collectionState{chunks: chunkmap.NewGuarded(chunks)}
}

// RegisterShardKey records a collection's shard-key specification, used to
// key point lookups and inserted documents identically (see docIDForDoc /
// docIDForPoint). Callers set this once per collection at startup, alongside
// RegisterCollection.
func (s *Shard) RegisterShardKey(collection string, spec shardkey.Spec) {
	cs := s.stateForOrCreate(collection)
	cs.mu.Lock()
	cs.shardKey = spec
	cs.mu.Unlock()
}

func (s *Shard) stateFor(collection string) (*collectionState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cs, ok := s.collections[collection]
	return cs, ok
}

func (s *Shard) stateForOrCreate(collection string) *collectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.collections[collection]
	if !ok {
		cs = &collectionState{chunks: chunkmap.NewGuarded(nil)}
		s.collections[collection] = cs
	}
	return cs
}

// donorFor returns the collection's active outgoing donor, if any.
func (s *Shard) donorFor(collection string) *migration.Donor {
	cs, ok := s.stateFor(collection)
	if !ok {
		return nil
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.donor
}

// waitForCriticalSection blocks while donor is in its Steady-phase critical
// section, per spec §4.6 phase 4. A write that outlives
// criticalSectionWaitFor gives up rather than block the RPC handler forever.
func (s *Shard) waitForCriticalSection(donor *migration.Donor) error {
	if donor == nil || !donor.InCriticalSection() {
		return nil
	}
	deadline := time.Now().Add(criticalSectionWaitFor)
	for donor.InCriticalSection() {
		if time.Now().After(deadline) {
			return fmt.Errorf("shard: write blocked past critical section timeout: %w", apperrors.ErrConflictingOperationInProgress)
		}
		time.Sleep(criticalSectionPollEvery)
	}
	return nil
}

// CheckVersion validates a router-forwarded operation's version envelope
// against this shard's local ownership for the collection, per spec §6's
// version envelope. An unsharded collection (zero Version) always passes.
func (s *Shard) CheckVersion(collection string, v chunkversion.Version) error {
	if v.IsUnsharded() {
		return nil
	}
	cs, ok := s.stateFor(collection)
	if !ok {
		return fmt.Errorf("shard: no routing state for %s: %w", collection, apperrors.ErrNamespaceNotFound)
	}
	local := cs.chunks.Snapshot().ShardVersion(s.cfg.ShardID)
	if !local.SameEpoch(v) {
		return fmt.Errorf("shard: %s epoch mismatch (local %s, request %s): %w", collection, local, v, apperrors.ErrIncompatibleEpoch)
	}
	cmp, err := local.Compare(v)
	if err != nil {
		return fmt.Errorf("shard: %s version compare: %w", collection, err)
	}
	if cmp > 0 {
		return fmt.Errorf("shard: %s stale request version %s (local %s): %w", collection, v, local, apperrors.ErrStaleShardVersion)
	}
	return nil
}

// Handler returns the transport.Handler this shard's RPC server should
// serve: the shard-to-shard migration commands plus _adminMoveChunk and
// _execOp (see handle for the full dispatch).
func (s *Shard) Handler() transport.Handler {
	return s.handle
}

func (s *Shard) handle(ctx context.Context, env transport.Envelope) transport.Reply {
	switch env.Command {
	case "_recvChunkStart":
		return s.handleRecvChunkStart(ctx, env)
	case "_recvChunkStatus":
		return s.handleRecvChunkStatus(env)
	case "_recvChunkCommit":
		return s.handleRecvChunkCommit(ctx, env)
	case "_recvChunkAbort":
		return s.handleRecvChunkAbort(env)
	case "_migrateClone":
		return s.handleMigrateClone(env)
	case "_transferMods":
		return s.handleTransferMods(env)
	case "_adminMoveChunk":
		return s.handleAdminMoveChunk(ctx, env)
	case "_execOp":
		return s.handleExecOp(env)
	default:
		return errReply(apperrors.ErrNotFound, fmt.Sprintf("shard: unknown command %q", env.Command))
	}
}

func (s *Shard) handleRecvChunkStart(ctx context.Context, env transport.Envelope) transport.Reply {
	var req migration.RecvChunkStartRequest
	if err := json.Unmarshal(env.Body, &req); err != nil {
		return errReply(apperrors.ErrNotMaster, "shard: decode _recvChunkStart: "+err.Error())
	}

	shards, err := s.cfg.Catalog.ListShards(ctx)
	if err != nil {
		return errReply(apperrors.ErrNetworkError, "shard: list shards: "+err.Error())
	}
	var fromHost string
	for _, sh := range shards {
		if sh.ID == req.From {
			fromHost = sh.Host
		}
	}
	if fromHost == "" {
		return errReply(apperrors.ErrNamespaceNotFound, "shard: unknown donor shard "+req.From)
	}

	cs := s.stateForOrCreate(req.Collection)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.recipient != nil && !cs.recipient.State().Terminal() {
		return errReply(apperrors.ErrConflictingOperationInProgress, "shard: migration already in progress for "+req.Collection)
	}

	recipient := migration.NewRecipient(migration.RecipientConfig{
		Collection:   req.Collection,
		Min:          req.Min,
		Max:          req.Max,
		FromHost:     fromHost,
		Pool:         s.cfg.Pool,
		Chunks:       cs.chunks,
		Storage:      s.cfg.Storage,
		ReplicaCount: s.cfg.ReplicaCount,
	})
	if err := recipient.Start(ctx); err != nil {
		return errReply(apperrors.ErrPreconditionFailed, "shard: start recipient: "+err.Error())
	}
	cs.recipient = recipient
	return transport.Reply{OK: true}
}

func (s *Shard) handleRecvChunkStatus(env transport.Envelope) transport.Reply {
	var req migration.TransferModsRequest
	_ = json.Unmarshal(env.Body, &req)

	cs, ok := s.stateFor(env.Collection)
	if !ok {
		return errReply(apperrors.ErrNamespaceNotFound, "shard: no collection "+env.Collection)
	}
	cs.mu.Lock()
	recipient := cs.recipient
	cs.mu.Unlock()
	if recipient == nil {
		return errReply(apperrors.ErrNamespaceNotFound, "shard: no migration in progress")
	}
	return okReply(recipient.Status())
}

func (s *Shard) handleRecvChunkCommit(ctx context.Context, env transport.Envelope) transport.Reply {
	cs, ok := s.stateFor(env.Collection)
	if !ok {
		return errReply(apperrors.ErrNamespaceNotFound, "shard: no collection "+env.Collection)
	}
	cs.mu.Lock()
	recipient := cs.recipient
	cs.mu.Unlock()
	if recipient == nil {
		return errReply(apperrors.ErrNamespaceNotFound, "shard: no migration in progress")
	}
	if err := recipient.Commit(ctx); err != nil {
		return errReply(apperrors.ErrPreconditionFailed, "shard: commit: "+err.Error())
	}
	return transport.Reply{OK: true}
}

func (s *Shard) handleRecvChunkAbort(env transport.Envelope) transport.Reply {
	cs, ok := s.stateFor(env.Collection)
	if !ok {
		return transport.Reply{OK: true}
	}
	cs.mu.Lock()
	recipient := cs.recipient
	cs.mu.Unlock()
	if recipient != nil {
		recipient.Abort()
	}
	return transport.Reply{OK: true}
}

func (s *Shard) handleMigrateClone(env transport.Envelope) transport.Reply {
	var req migration.MigrateCloneRequest
	if err := json.Unmarshal(env.Body, &req); err != nil {
		return errReply(apperrors.ErrNotMaster, "shard: decode _migrateClone: "+err.Error())
	}
	cs, ok := s.stateFor(req.Collection)
	if !ok {
		return errReply(apperrors.ErrNamespaceNotFound, "shard: no collection "+req.Collection)
	}
	cs.mu.Lock()
	donor := cs.donor
	cs.mu.Unlock()
	if donor == nil {
		return errReply(apperrors.ErrNamespaceNotFound, "shard: no outgoing migration for "+req.Collection)
	}
	reply, err := donor.ServeMigrateClone(req.BatchSize)
	if err != nil {
		return errReply(apperrors.ErrNetworkError, "shard: serve clone: "+err.Error())
	}
	return okReply(reply)
}

func (s *Shard) handleTransferMods(env transport.Envelope) transport.Reply {
	var req migration.TransferModsRequest
	if err := json.Unmarshal(env.Body, &req); err != nil {
		return errReply(apperrors.ErrNotMaster, "shard: decode _transferMods: "+err.Error())
	}
	cs, ok := s.stateFor(req.Collection)
	if !ok {
		return errReply(apperrors.ErrNamespaceNotFound, "shard: no collection "+req.Collection)
	}
	cs.mu.Lock()
	donor := cs.donor
	cs.mu.Unlock()
	if donor == nil {
		return errReply(apperrors.ErrNamespaceNotFound, "shard: no outgoing migration for "+req.Collection)
	}
	batch, err := donor.ServeTransferMods()
	if err != nil {
		return errReply(apperrors.ErrNetworkError, "shard: serve transfer mods: "+err.Error())
	}
	return okReply(batch)
}

// handleExecOp is the wire entry point for the router's forwarded document
// operations: it checks the version envelope and hands off to the storage
// collaborator, which per spec.md is an external concern left out of this
// core — the narrow Upsert/LookupDocument/ScanRange seam shared with
// migration stands in for a real query planner and on-disk engine.
func (s *Shard) handleExecOp(env transport.Envelope) transport.Reply {
	v := chunkversion.New(env.VersionEpoch, env.VersionMajor, env.VersionMinor)
	if err := s.CheckVersion(env.Collection, v); err != nil {
		if errors.Is(err, apperrors.ErrStaleShardVersion) {
			return errReply(apperrors.ErrStaleShardVersion, err.Error())
		}
		if errors.Is(err, apperrors.ErrIncompatibleEpoch) {
			return errReply(apperrors.ErrIncompatibleEpoch, err.Error())
		}
		return errReply(apperrors.ErrPreconditionFailed, err.Error())
	}

	var req execOpRequest
	if err := json.Unmarshal(env.Body, &req); err != nil {
		return errReply(apperrors.ErrNotMaster, "shard: decode _execOp: "+err.Error())
	}

	switch req.Op {
	case "insert", "upsert":
		doc := req.Document
		if req.Op == "upsert" {
			doc = req.Replacement
		}
		cs, _ := s.stateFor(env.Collection)
		donor := s.donorFor(env.Collection)
		if err := s.waitForCriticalSection(donor); err != nil {
			return errReply(apperrors.ErrConflictingOperationInProgress, err.Error())
		}

		id := docIDForDoc(cs, doc)
		body, err := json.Marshal(doc)
		if err != nil {
			return errReply(apperrors.ErrNotMaster, "shard: encode document: "+err.Error())
		}
		if err := s.cfg.Storage.Upsert(env.Collection, id, body); err != nil {
			return errReply(apperrors.ErrNetworkError, "shard: upsert: "+err.Error())
		}
		if donor != nil {
			if err := donor.RecordWrite(id, false); err != nil {
				s.cfg.Logger.Warn("shard: migration mods backlog breached memory cap",
					zap.String("collection", env.Collection), zap.Error(err))
			}
		}
		return okReply(execOpReply{Matched: 1})

	case "point":
		cs, _ := s.stateFor(env.Collection)
		id := docIDForPoint(cs, req.PointValues)
		body, err := s.cfg.Storage.LookupDocument(env.Collection, id)
		if err != nil {
			return errReply(apperrors.ErrNetworkError, "shard: lookup: "+err.Error())
		}
		if body == nil {
			return okReply(execOpReply{Matched: 0})
		}
		return okReply(execOpReply{Matched: 1, Docs: []json.RawMessage{body}})

	case "query":
		ids, err := s.cfg.Storage.ScanRange(env.Collection, shardkey.MinKey, shardkey.MaxKey)
		if err != nil {
			return errReply(apperrors.ErrNetworkError, "shard: scan: "+err.Error())
		}
		docs := make([]json.RawMessage, 0, len(ids))
		for _, id := range ids {
			body, err := s.cfg.Storage.LookupDocument(env.Collection, id)
			if err != nil {
				return errReply(apperrors.ErrNetworkError, "shard: lookup: "+err.Error())
			}
			docs = append(docs, body)
		}
		return okReply(execOpReply{Matched: len(docs), Docs: docs})

	default:
		return errReply(apperrors.ErrBadRequest, fmt.Sprintf("shard: unknown op %q", req.Op))
	}
}

// handleAdminMoveChunk is the wire entry point for the config server's
// move-chunk admin API: it starts a Donor for the requested range and
// acknowledges immediately, leaving the migration to run in the background
// and report through DonorStatus.
func (s *Shard) handleAdminMoveChunk(ctx context.Context, env transport.Envelope) transport.Reply {
	var req migration.AdminMoveChunkRequest
	if err := json.Unmarshal(env.Body, &req); err != nil {
		return errReply(apperrors.ErrNotMaster, "shard: decode _adminMoveChunk: "+err.Error())
	}

	cs := s.stateForOrCreate(req.Collection)
	cs.mu.Lock()
	inProgress := cs.donor != nil && !cs.donor.State().Terminal()
	cs.mu.Unlock()
	if inProgress {
		return errReply(apperrors.ErrConflictingOperationInProgress, "shard: migration already in progress for "+req.Collection)
	}

	s.StartDonor(ctx, migration.DonorConfig{
		Collection: req.Collection,
		Min:        req.Min,
		Max:        req.Max,
		ToShard:    req.ToShard,
		ToHost:     req.ToHost,
	})
	return okReply(migration.AdminMoveChunkReply{State: migration.DonorIdle.String()})
}

// StartDonor begins moving [min,max) of collection to toShard/toHost,
// running the donor state machine in the background. It is invoked by the
// _adminMoveChunk RPC handler (handleAdminMoveChunk); within the migration
// itself the donor side is the caller, not the callee, of migration RPCs.
func (s *Shard) StartDonor(ctx context.Context, cfg migration.DonorConfig) (<-chan migration.DonorState, <-chan error) {
	cfg.LocalShard = s.cfg.ShardID
	cfg.Catalog = s.cfg.Catalog
	cfg.Pool = s.cfg.Pool
	cfg.Storage = s.cfg.Storage
	if cfg.MemoryCap == 0 {
		cfg.MemoryCap = s.cfg.MemoryCap
	}

	cs := s.stateForOrCreate(cfg.Collection)
	cfg.Chunks = cs.chunks

	donor := migration.NewDonor(cfg)

	cs.mu.Lock()
	cs.donor = donor
	cs.mu.Unlock()

	stateCh := make(chan migration.DonorState, 1)
	errCh := make(chan error, 1)
	go func() {
		state, err := donor.Run(ctx)
		cs.mu.Lock()
		cs.lastOutcome = &migrationOutcome{state: state.String(), err: err}
		cs.donor = nil
		cs.mu.Unlock()
		stateCh <- state
		errCh <- err
	}()
	return stateCh, errCh
}

// DonorStatus reports the outgoing migration state for a collection, if
// any is active or just finished: the live state while a Donor is running,
// or the terminal state and error of the most recently finished one.
func (s *Shard) DonorStatus(collection string) (state string, err error, found bool) {
	cs, ok := s.stateFor(collection)
	if !ok {
		return "", nil, false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.donor != nil {
		return cs.donor.State().String(), nil, true
	}
	if cs.lastOutcome != nil {
		return cs.lastOutcome.state, cs.lastOutcome.err, true
	}
	return "", nil, false
}

// execOpRequest is the _execOp envelope body: the router's models.OpRequest
// minus the collection name, which already travels in the envelope itself.
type execOpRequest struct {
	Op          string            `json:"op"`
	Document    map[string]string `json:"document,omitempty"`
	Filter      map[string]string `json:"filter,omitempty"`
	Replacement map[string]string `json:"replacement,omitempty"`
	PointValues []string          `json:"point_values,omitempty"`
}

// execOpReply is the _execOp reply body.
type execOpReply struct {
	Matched int               `json:"matched"`
	Docs    []json.RawMessage `json:"docs,omitempty"`
}

// docIDFor derives a stable document identity from a field map, in lieu of
// the real primary-key convention a storage engine would define. Fields are
// sorted so the same logical document always produces the same DocID
// regardless of map iteration order.
func docIDFor(fields map[string]string) migration.DocID {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
		b.WriteByte(';')
	}
	return migration.DocID(b.String())
}

// pointFields turns the positional point-lookup values the targeter expects
// into a field map docIDFor can hash, keyed by position since a point
// lookup's field names are implicit in the shard key's own ordering.
func pointFields(values []string) map[string]string {
	fields := make(map[string]string, len(values))
	for i, v := range values {
		fields[fmt.Sprintf("%d", i)] = v
	}
	return fields
}

// shardKeyFor returns the collection's registered shard-key spec, or the
// zero Spec if none was registered (e.g. an unsharded collection).
func shardKeyFor(cs *collectionState) shardkey.Spec {
	if cs == nil {
		return shardkey.Spec{}
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.shardKey
}

// docIDForDoc derives an inserted document's DocID from its shard-key
// fields, so it agrees with docIDForPoint's derivation for the same
// logical document. Falls back to keying on the whole document when the
// collection has no registered shard key.
func docIDForDoc(cs *collectionState, doc map[string]string) migration.DocID {
	names := shardKeyFor(cs).FieldNames()
	if len(names) == 0 {
		return docIDFor(doc)
	}
	fields := make(map[string]string, len(names))
	for _, n := range names {
		fields[n] = doc[n]
	}
	return docIDFor(fields)
}

// docIDForPoint derives a point lookup's DocID from the shard key's field
// names paired with the request's positional values, matching docIDForDoc's
// derivation. Falls back to positional keying if the value count doesn't
// match the registered shard key (e.g. none registered).
func docIDForPoint(cs *collectionState, values []string) migration.DocID {
	names := shardKeyFor(cs).FieldNames()
	if len(names) != len(values) {
		return docIDFor(pointFields(values))
	}
	fields := make(map[string]string, len(names))
	for i, n := range names {
		fields[n] = values[i]
	}
	return docIDFor(fields)
}

func errReply(kind *apperrors.Error, msg string) transport.Reply {
	return transport.Reply{OK: false, Error: msg, ErrCode: kind.Message}
}

func okReply(v interface{}) transport.Reply {
	body, err := json.Marshal(v)
	if err != nil {
		return errReply(apperrors.ErrNetworkError, "shard: encode reply: "+err.Error())
	}
	return transport.Reply{OK: true, Body: body}
}
