package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/sharding-system/internal/errors"
	"github.com/sharding-system/pkg/catalogclient"
	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/chunkversion"
	"github.com/sharding-system/pkg/connpool"
	"github.com/sharding-system/pkg/observability"
	"github.com/sharding-system/pkg/shardkey"
	"github.com/sharding-system/pkg/transport"
	"go.uber.org/zap"
)

// Storage is the donor's view of the underlying document store for the
// range under migration — reading the initial snapshot, looking up current
// document contents for reload entries, and deleting the moved range once
// ownership has transferred. It is a narrow seam deliberately left for the
// storage engine, which spec.md places out of scope for this core.
type Storage interface {
	ScanRange(collection string, min, max shardkey.Key) ([]DocID, error)
	LookupDocument(collection string, id DocID) ([]byte, error)
	DeleteRange(collection string, min, max shardkey.Key) error
}

// DonorConfig parameterizes one migration attempt.
type DonorConfig struct {
	Collection string
	Min, Max   shardkey.Key
	ToShard    string
	ToHost     string
	MemoryCap  int64

	Catalog    catalogclient.Client
	Pool       *connpool.Pool
	LocalShard string
	Chunks     *chunkmap.Guarded
	Storage    Storage
	Logger     *zap.Logger

	LockTTL            time.Duration
	CatchupTimeout     time.Duration
	CatchupPollEvery   time.Duration
	CatchupDoneBelow   int
	CommitAckPollEvery time.Duration
	CommitAckPollFor   time.Duration
}

func (c *DonorConfig) setDefaults() {
	if c.LockTTL == 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.CatchupTimeout == 0 {
		c.CatchupTimeout = 5 * time.Minute
	}
	if c.CatchupPollEvery == 0 {
		c.CatchupPollEvery = 200 * time.Millisecond
	}
	if c.CatchupDoneBelow == 0 {
		c.CatchupDoneBelow = 10
	}
	if c.CommitAckPollEvery == 0 {
		c.CommitAckPollEvery = time.Second
	}
	if c.CommitAckPollFor == 0 {
		c.CommitAckPollFor = 30 * time.Second
	}
}

// Donor drives the source-side migration state machine for one chunk move.
type Donor struct {
	cfg  DonorConfig
	mods *ModsTracker

	mu    sync.Mutex
	state DonorState

	inCriticalSection bool
	lock              *catalogclient.Lock
	breachErr         error

	cloneMu   sync.Mutex
	cloneIDs  []DocID
	cloneSent int
}

// NewDonor builds a Donor in the Idle state.
func NewDonor(cfg DonorConfig) *Donor {
	cfg.setDefaults()
	return &Donor{
		cfg:   cfg,
		mods:  NewModsTracker(cfg.Collection, cfg.MemoryCap),
		state: DonorIdle,
	}
}

// State returns the donor's current phase.
func (d *Donor) State() DonorState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

func (d *Donor) setState(s DonorState) {
	d.mu.Lock()
	prev := d.state
	d.state = s
	d.mu.Unlock()

	observability.MigrationPhase.WithLabelValues(d.cfg.Collection, prev.String()).Set(0)
	observability.MigrationPhase.WithLabelValues(d.cfg.Collection, s.String()).Set(1)
}

// RecordWrite is called by the shard's normal write path for every write
// that touches the migrating range while a migration is active; it feeds
// the reload/deleted identity sets that back _transferMods. If the
// pending backlog this write produces breaches the memory cap, the breach
// is latched so the donor loop aborts instead of letting the backlog grow
// unbounded.
func (d *Donor) RecordWrite(id DocID, deleted bool) error {
	var err error
	if deleted {
		err = d.mods.RecordDelete(id)
	} else {
		err = d.mods.RecordUpsert(id)
	}
	if err != nil {
		d.mu.Lock()
		if d.breachErr == nil {
			d.breachErr = err
		}
		d.mu.Unlock()
	}
	return err
}

// InCriticalSection reports whether writes to the migrating range must
// currently block, per the Steady phase's inCriticalSection flag.
func (d *Donor) InCriticalSection() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inCriticalSection
}

// checkBreach reports the memory-cap breach latched by RecordWrite, if any.
func (d *Donor) checkBreach() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.breachErr
}

// Run executes the full donor state machine to completion, returning the
// terminal state reached and any error. A non-nil error always leaves the
// donor in DonorAbort or DonorFail.
func (d *Donor) Run(ctx context.Context) (DonorState, error) {
	if err := d.prepare(ctx); err != nil {
		d.setState(DonorFail)
		return DonorFail, err
	}
	defer d.releaseLock(context.Background())

	recipient, err := d.clone(ctx)
	if err != nil {
		d.setState(DonorAbort)
		return DonorAbort, err
	}
	if err := d.checkBreach(); err != nil {
		d.setState(DonorAbort)
		return DonorAbort, err
	}

	if err := d.catchup(ctx, recipient); err != nil {
		d.setState(DonorAbort)
		return DonorAbort, err
	}

	if err := d.steadyAndCommit(ctx, recipient); err != nil {
		d.setState(DonorFail)
		return DonorFail, err
	}

	d.finish(ctx)
	return DonorDone, nil
}

func (d *Donor) prepare(ctx context.Context) error {
	d.setState(DonorPreparing)

	lock, err := d.cfg.Catalog.AcquireDistLock(ctx, "migration:"+d.cfg.Collection, d.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("migration: acquire collection lock: %w", apperrors.ErrLockBusy)
	}
	d.lock = lock

	chunk, ok := d.cfg.Chunks.FindChunk(d.cfg.Min)
	if !ok || chunk.Range.Min.Compare(d.cfg.Min) != 0 || chunk.Range.Max.Compare(d.cfg.Max) != 0 {
		d.releaseLock(ctx)
		return fmt.Errorf("migration: bounds do not match an existing owned chunk exactly")
	}
	if chunk.Shard != d.cfg.LocalShard {
		d.releaseLock(ctx)
		return fmt.Errorf("migration: this shard does not own the chunk being moved")
	}

	d.cfg.Catalog.LogChange(ctx, "moveChunk.start", fmt.Sprintf("%s: moving [%v,%v) from %s to %s",
		d.cfg.Collection, d.cfg.Min, d.cfg.Max, d.cfg.LocalShard, d.cfg.ToShard))
	return nil
}

func (d *Donor) releaseLock(ctx context.Context) {
	if d.lock == nil {
		return
	}
	if err := d.lock.Release(ctx); err != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Warn("migration: failed to release distributed lock", zap.Error(err))
	}
	d.lock = nil
}

// clone records the identities currently in the range as the clone set
// served by _migrateClone, then opens the recipient's state machine. It
// does not wait for the recipient's initial document pull; catchup polls
// for that.
func (d *Donor) clone(ctx context.Context) (*transport.Conn, error) {
	d.setState(DonorCloning)

	ids, err := d.cfg.Storage.ScanRange(d.cfg.Collection, d.cfg.Min, d.cfg.Max)
	if err != nil {
		return nil, fmt.Errorf("migration: scan range: %w", err)
	}
	d.cloneMu.Lock()
	d.cloneIDs = ids
	d.cloneMu.Unlock()

	handle, err := d.cfg.Pool.Acquire(ctx, d.cfg.ToHost)
	if err != nil {
		return nil, fmt.Errorf("migration: connect to recipient: %w", apperrors.ErrNetworkError)
	}

	startReq := RecvChunkStartRequest{
		Collection: d.cfg.Collection,
		From:       d.cfg.LocalShard,
		Min:        d.cfg.Min,
		Max:        d.cfg.Max,
	}
	if err := call(ctx, handle.Conn(), "_recvChunkStart", startReq, nil); err != nil {
		handle.Discard()
		return nil, fmt.Errorf("migration: _recvChunkStart: %w", err)
	}

	return handle.Conn(), nil
}

// catchup polls the recipient's status until it reports its backlog is
// small enough to proceed to Steady, or the catchup timeout elapses.
func (d *Donor) catchup(ctx context.Context, recipient *transport.Conn) error {
	d.setState(DonorCatchup)

	deadline := time.Now().Add(d.cfg.CatchupTimeout)
	for {
		if err := d.checkBreach(); err != nil {
			return err
		}
		if d.mods.Pending() <= d.cfg.CatchupDoneBelow {
			return nil
		}
		if time.Now().After(deadline) {
			return nil // proceed to Steady regardless; recipient keeps draining during Steady too
		}

		var status RecvChunkStatusReply
		if err := call(ctx, recipient, "_recvChunkStatus", nil, &status); err != nil {
			return fmt.Errorf("migration: _recvChunkStatus: %w", err)
		}
		if status.State == RecipientSteady.String() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.cfg.CatchupPollEvery):
		}
	}
}

// steadyAndCommit enters the critical section, bumps the local version,
// and drives the commit handshake with the recipient.
func (d *Donor) steadyAndCommit(ctx context.Context, recipient *transport.Conn) error {
	d.setState(DonorSteady)
	d.mu.Lock()
	d.inCriticalSection = true
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		d.inCriticalSection = false
		d.mu.Unlock()
	}()

	vColl := d.cfg.Chunks.Snapshot().MaxVersion()
	newVersion := vColl.IncrementMajor()
	movedChunk := chunkmap.Chunk{
		Collection: d.cfg.Collection,
		Range:      chunkmap.Range{Min: d.cfg.Min, Max: d.cfg.Max},
		Shard:      d.cfg.ToShard,
		Version:    newVersion,
	}

	ops := []catalogclient.ChunkOp{{Type: catalogclient.ChunkOpUpsert, Chunk: movedChunk}}

	// Control chunk trick: if this donor still owns another chunk, bump its
	// version too so routers see the donor's new max version even though it
	// no longer owns the moved range.
	if controlChunk, ok := d.remainingOwnedChunk(); ok {
		controlChunk.Version = newVersion.IncrementMinor()
		ops = append(ops, catalogclient.ChunkOp{Type: catalogclient.ChunkOpUpsert, Chunk: controlChunk})
	}

	d.setState(DonorCommitStart)
	if err := call(ctx, recipient, "_recvChunkCommit", nil, nil); err != nil {
		return fmt.Errorf("migration: _recvChunkCommit: %w", err)
	}

	applyErr := d.cfg.Catalog.ApplyChunkOps(ctx, d.cfg.Collection, vColl, ops)
	if applyErr == nil {
		d.cfg.Chunks.ApplyIncrementalUpdate([]chunkmap.Chunk{movedChunk})
		return nil
	}

	// The apply's ack may have been lost even though it succeeded; poll the
	// catalog rather than retry the apply blindly, since a blind retry could
	// double-apply a structural change.
	resolved, pollErr := d.pollCommitOutcome(ctx, vColl)
	if pollErr != nil {
		return fmt.Errorf("migration: commit outcome undetermined after apply error %v: %w", applyErr, pollErr)
	}
	if !resolved {
		return fmt.Errorf("migration: commit precondition failed: %w", apperrors.ErrPreconditionFailed)
	}
	d.cfg.Chunks.ApplyIncrementalUpdate([]chunkmap.Chunk{movedChunk})
	return nil
}

func (d *Donor) remainingOwnedChunk() (chunkmap.Chunk, bool) {
	for _, c := range d.cfg.Chunks.Snapshot().Chunks() {
		if c.Shard == d.cfg.LocalShard && c.Range.Min.Compare(d.cfg.Min) != 0 {
			return c, true
		}
	}
	return chunkmap.Chunk{}, false
}

// pollCommitOutcome determines whether the commit actually landed by
// re-reading the collection's chunks and checking whether the version has
// moved past vColl.
func (d *Donor) pollCommitOutcome(ctx context.Context, vColl chunkversion.Version) (bool, error) {
	deadline := time.Now().Add(d.cfg.CommitAckPollFor)
	for {
		chunks, err := d.cfg.Catalog.ReadChunksSince(ctx, d.cfg.Collection, chunkversion.UNSHARDED)
		if err == nil {
			max := chunks.MaxVersion()
			if cmp, cerr := max.Compare(vColl); cerr == nil && cmp > 0 {
				return true, nil
			}
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(d.cfg.CommitAckPollEvery):
		}
	}
}

func (d *Donor) finish(ctx context.Context) {
	d.setState(DonorDone)
	d.cfg.Catalog.LogChange(ctx, "moveChunk.commit", fmt.Sprintf("%s: moved [%v,%v) from %s to %s",
		d.cfg.Collection, d.cfg.Min, d.cfg.Max, d.cfg.LocalShard, d.cfg.ToShard))
	if err := d.cfg.Storage.DeleteRange(d.cfg.Collection, d.cfg.Min, d.cfg.Max); err != nil && d.cfg.Logger != nil {
		d.cfg.Logger.Warn("migration: failed to delete moved range after commit; orphaned but invisible",
			zap.String("collection", d.cfg.Collection), zap.Error(err))
	}
}

// call is a thin helper around transport.Conn.Call that marshals req into
// the envelope body and unmarshals the reply's body into resp, translating
// a failed Reply into a Go error.
func call(ctx context.Context, conn *transport.Conn, command string, req interface{}, resp interface{}) error {
	env := transport.Envelope{Command: command}
	if req != nil {
		data, err := marshalBody(req)
		if err != nil {
			return err
		}
		env.Body = data
	}

	reply, err := conn.Call(ctx, env)
	if err != nil {
		conn.MarkFailed()
		return err
	}
	if !reply.OK {
		return fmt.Errorf("migration: %s rejected (%s): %s", command, reply.ErrCode, reply.Error)
	}
	if resp != nil {
		return unmarshalBody(reply.Body, resp)
	}
	return nil
}
