package migration

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/connpool"
	"github.com/sharding-system/pkg/shardkey"
	"github.com/sharding-system/pkg/transport"
	"go.uber.org/zap"
)

// RecipientStorage is the recipient's narrow storage seam: applying cloned
// or reloaded documents, deleting documents, and the pre-clone defensive
// cleanup of any residual documents left by a previously aborted migration.
type RecipientStorage interface {
	Upsert(collection string, id DocID, doc []byte) error
	Delete(collection string, id DocID) error
	DeleteRange(collection string, min, max shardkey.Key) error
	// FlushDurable blocks until the applied writes are durable on at least
	// slaveCount replicas, per the commit's majority-durability requirement.
	FlushDurable(ctx context.Context, slaveCount int) error
}

// RecipientConfig parameterizes one migration's destination side.
type RecipientConfig struct {
	Collection string
	Min, Max   shardkey.Key
	FromHost   string

	Pool         *connpool.Pool
	Chunks       *chunkmap.Guarded
	Storage      RecipientStorage
	ReplicaCount int
	BatchSize    int
	Logger       *zap.Logger

	PollEvery time.Duration
}

func (c *RecipientConfig) setDefaults() {
	if c.BatchSize == 0 {
		c.BatchSize = 1000
	}
	if c.PollEvery == 0 {
		c.PollEvery = 200 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// slaveCount returns floor(replicas/2)+1, the majority-durability
// requirement spec §4.7 names explicitly.
func (c *RecipientConfig) slaveCount() int {
	return c.ReplicaCount/2 + 1
}

// Recipient drives the destination-side migration state machine. It is
// started by the shard's RPC handler when _recvChunkStart arrives, and its
// background loop is signaled to finish by Commit when _recvChunkCommit
// arrives.
type Recipient struct {
	cfg RecipientConfig

	mu      sync.Mutex
	state   RecipientState
	pending int

	commitRequested chan struct{}
	commitResult    chan error
	abortRequested  chan struct{}
	loopDone        chan struct{}
	commitOnce      sync.Once
	abortOnce       sync.Once
}

// NewRecipient builds a Recipient in the Ready state.
func NewRecipient(cfg RecipientConfig) *Recipient {
	cfg.setDefaults()
	return &Recipient{
		cfg:             cfg,
		state:           RecipientReady,
		commitRequested: make(chan struct{}),
		commitResult:    make(chan error, 1),
		abortRequested:  make(chan struct{}),
		loopDone:        make(chan struct{}),
	}
}

// State returns the recipient's current phase.
func (r *Recipient) State() RecipientState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status returns the state and backlog size for a _recvChunkStatus poll.
func (r *Recipient) Status() RecvChunkStatusReply {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RecvChunkStatusReply{State: r.state.String(), Pending: r.pending}
}

func (r *Recipient) setState(s RecipientState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Recipient) setPending(n int) {
	r.mu.Lock()
	r.pending = n
	r.mu.Unlock()
}

// Start validates preconditions, performs defensive cleanup, and launches
// the background Clone/Catchup/Steady loop. It returns once preconditions
// are validated; the loop continues asynchronously until Commit or Abort.
func (r *Recipient) Start(ctx context.Context) error {
	if existing := r.cfg.Chunks.Snapshot().ShardsForRange(r.cfg.Min, r.cfg.Max); len(existing) > 0 {
		return fmt.Errorf("migration: incoming range overlaps chunks already owned by this shard")
	}
	if err := r.cfg.Storage.DeleteRange(r.cfg.Collection, r.cfg.Min, r.cfg.Max); err != nil {
		return fmt.Errorf("migration: defensive cleanup of residual range failed: %w", err)
	}

	handle, err := r.cfg.Pool.Acquire(ctx, r.cfg.FromHost)
	if err != nil {
		return fmt.Errorf("migration: connect to donor: %w", err)
	}

	go r.runLoop(ctx, handle)
	return nil
}

func (r *Recipient) runLoop(ctx context.Context, handle *connpool.Handle) {
	defer close(r.loopDone)
	conn := handle.Conn()

	if err := r.clonePhase(ctx, conn); err != nil {
		handle.Discard()
		r.fail(err)
		return
	}

	if err := r.catchupPhase(ctx, conn); err != nil {
		handle.Discard()
		r.fail(err)
		return
	}

	r.setState(RecipientSteady)
	for {
		select {
		case <-ctx.Done():
			handle.Discard()
			r.fail(ctx.Err())
			return
		case <-r.abortRequested:
			handle.Discard()
			r.fail(fmt.Errorf("migration: aborted"))
			return
		case <-r.commitRequested:
			err := r.commitPhase(ctx, conn)
			if err != nil {
				handle.Discard()
				r.fail(err)
			} else {
				handle.Release()
				r.setState(RecipientDone)
				r.commitResult <- nil
			}
			return
		case <-time.After(r.cfg.PollEvery):
			if err := r.pullAndApplyMods(ctx, conn); err != nil {
				handle.Discard()
				r.fail(err)
				return
			}
		}
	}
}

func (r *Recipient) fail(err error) {
	r.setState(RecipientFail)
	select {
	case r.commitResult <- err:
	default:
	}
}

// clonePhase repeatedly pulls _migrateClone batches and upserts each
// document by identity until the donor replies with an empty batch.
func (r *Recipient) clonePhase(ctx context.Context, conn *transport.Conn) error {
	r.setState(RecipientClone)
	req := MigrateCloneRequest{Collection: r.cfg.Collection, BatchSize: r.cfg.BatchSize}
	for {
		var reply MigrateCloneReply
		if err := call(ctx, conn, "_migrateClone", req, &reply); err != nil {
			return fmt.Errorf("migration: _migrateClone: %w", err)
		}
		if len(reply.Docs) == 0 {
			return nil
		}
		for _, doc := range reply.Docs {
			if err := r.cfg.Storage.Upsert(r.cfg.Collection, doc.ID, doc.Doc); err != nil {
				return fmt.Errorf("migration: apply cloned document %s: %w", doc.ID, err)
			}
		}
	}
}

// catchupPhase pulls _transferMods batches and applies them until the
// reply's size is zero, i.e. the recipient has drained the backlog the
// donor accumulated during Clone.
func (r *Recipient) catchupPhase(ctx context.Context, conn *transport.Conn) error {
	r.setState(RecipientCatchup)
	for {
		size, err := r.pullAndApplyModsOnce(ctx, conn)
		if err != nil {
			return err
		}
		if size == 0 {
			return nil
		}
	}
}

// pullAndApplyMods is the Steady-phase variant: one _transferMods pull per
// call, tolerating an empty batch (there is simply nothing new yet).
func (r *Recipient) pullAndApplyMods(ctx context.Context, conn *transport.Conn) error {
	_, err := r.pullAndApplyModsOnce(ctx, conn)
	return err
}

func (r *Recipient) pullAndApplyModsOnce(ctx context.Context, conn *transport.Conn) (int, error) {
	req := TransferModsRequest{Collection: r.cfg.Collection}
	var batch TransferModsBatch
	if err := call(ctx, conn, "_transferMods", req, &batch); err != nil {
		return 0, fmt.Errorf("migration: _transferMods: %w", err)
	}
	for _, del := range batch.Deleted {
		if err := r.cfg.Storage.Delete(r.cfg.Collection, del); err != nil {
			return 0, fmt.Errorf("migration: apply deletion %s: %w", del, err)
		}
	}
	for _, doc := range batch.Reload {
		if err := r.cfg.Storage.Upsert(r.cfg.Collection, doc.ID, doc.Doc); err != nil {
			return 0, fmt.Errorf("migration: apply reload %s: %w", doc.ID, err)
		}
	}
	r.setPending(batch.Size)
	return batch.Size, nil
}

// commitPhase drains any last mods that arrived between the donor's
// _recvChunkCommit call and this point, then blocks until the applied
// writes are durable on a majority of replicas before returning success —
// the recipient must never ack commit on writes that could still vanish.
func (r *Recipient) commitPhase(ctx context.Context, conn *transport.Conn) error {
	r.setState(RecipientCommitStart)
	if _, err := r.pullAndApplyModsOnce(ctx, conn); err != nil {
		return err
	}
	if err := r.cfg.Storage.FlushDurable(ctx, r.cfg.slaveCount()); err != nil {
		return fmt.Errorf("migration: commit durability flush: %w", err)
	}
	return nil
}

// Abort signals the background loop to stop and fail cleanly; safe to call
// multiple times or after the loop has already finished.
func (r *Recipient) Abort() {
	r.abortOnce.Do(func() { close(r.abortRequested) })
}

// Commit signals the background loop to drain its final mods and flush to
// durable storage, then blocks for the result. Per spec, a reply is
// withheld until durability is confirmed, so a caller observing a nil
// return here knows the recipient now durably owns the range.
func (r *Recipient) Commit(ctx context.Context) error {
	r.commitOnce.Do(func() { close(r.commitRequested) })
	select {
	case err := <-r.commitResult:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
