package migration

import (
	"encoding/json"

	"github.com/sharding-system/pkg/shardkey"
)

// RecvChunkStartRequest is the _recvChunkStart payload: the donor tells the
// recipient which range of which collection to begin receiving.
type RecvChunkStartRequest struct {
	Collection string      `json:"ns"`
	From       string      `json:"from"`
	Min        shardkey.Key `json:"min"`
	Max        shardkey.Key `json:"max"`
}

// RecvChunkStatusReply is the _recvChunkStatus reply: the recipient's
// current state and backlog size, polled by the donor during Catchup.
type RecvChunkStatusReply struct {
	State   string `json:"state"`
	Pending int    `json:"pending"`
}

// MigrateCloneRequest is the _migrateClone request: the recipient asks the
// donor for the next batch of initial documents.
type MigrateCloneRequest struct {
	Collection string `json:"ns"`
	BatchSize  int    `json:"batchSize"`
}

// MigrateCloneReply is the _migrateClone reply: a batch of documents from
// the initial snapshot, empty when exhausted.
type MigrateCloneReply struct {
	Docs []ModDocument `json:"docs"`
}

// TransferModsRequest is the _transferMods request: pull the next batch of
// deltas accumulated since the last pull.
type TransferModsRequest struct {
	Collection string `json:"ns"`
}

// AdminMoveChunkRequest is the _adminMoveChunk payload: an administrative
// client (the config server's move-chunk endpoint) asks a shard to begin
// donating [Min, Max) of a collection to another shard. The target shard
// starts a Donor in the background and replies once it has accepted the
// request, not once the migration finishes.
type AdminMoveChunkRequest struct {
	Collection string       `json:"ns"`
	Min        shardkey.Key `json:"min"`
	Max        shardkey.Key `json:"max"`
	ToShard    string       `json:"toShard"`
	ToHost     string       `json:"toHost"`
}

// AdminMoveChunkReply acknowledges that a migration was started.
type AdminMoveChunkReply struct {
	State string `json:"state"`
}

func marshalBody(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}

func unmarshalBody(data json.RawMessage, v interface{}) error {
	return json.Unmarshal(data, v)
}
