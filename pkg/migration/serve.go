package migration

import (
	"fmt"

	"github.com/sharding-system/pkg/observability"
)

// ServeMigrateClone answers a _migrateClone pull from the recipient with the
// next batchSize documents from the snapshot scanned at clone start, or an
// empty reply once the snapshot is exhausted.
func (d *Donor) ServeMigrateClone(batchSize int) (MigrateCloneReply, error) {
	if batchSize <= 0 {
		batchSize = 1000
	}
	d.cloneMu.Lock()
	defer d.cloneMu.Unlock()

	if d.cloneSent >= len(d.cloneIDs) {
		return MigrateCloneReply{}, nil
	}
	end := d.cloneSent + batchSize
	if end > len(d.cloneIDs) {
		end = len(d.cloneIDs)
	}
	batchIDs := d.cloneIDs[d.cloneSent:end]
	d.cloneSent = end

	docs := make([]ModDocument, 0, len(batchIDs))
	for _, id := range batchIDs {
		doc, err := d.cfg.Storage.LookupDocument(d.cfg.Collection, id)
		if err != nil {
			return MigrateCloneReply{}, fmt.Errorf("migration: lookup document %s: %w", id, err)
		}
		docs = append(docs, ModDocument{ID: id, Doc: doc})
	}
	observability.MigrationDocsCloned.WithLabelValues(d.cfg.Collection).Add(float64(len(docs)))
	return MigrateCloneReply{Docs: docs}, nil
}

// ServeTransferMods answers a _transferMods pull with every identity
// accumulated since the last pull, each reload entry resolved against
// current document contents so the most recent write always wins.
func (d *Donor) ServeTransferMods() (TransferModsBatch, error) {
	reload, deleted := d.mods.Drain()

	batch := TransferModsBatch{Deleted: deleted}
	for _, id := range reload {
		doc, err := d.cfg.Storage.LookupDocument(d.cfg.Collection, id)
		if err != nil {
			return TransferModsBatch{}, fmt.Errorf("migration: lookup document %s: %w", id, err)
		}
		batch.Reload = append(batch.Reload, ModDocument{ID: id, Doc: doc})
	}
	batch.Size = len(batch.Reload) + len(batch.Deleted)
	return batch, nil
}
