// Package models holds the wire types for the router's admin and document
// APIs — distinct from pkg/transport's shard-to-shard RPC envelope and from
// pkg/catalogclient's persisted catalog records, though all three describe
// overlapping facts about the same cluster.
package models

import "time"

// OpRequest is a document operation the router targets to one or more
// shards via pkg/targeter, then forwards via pkg/transport.
type OpRequest struct {
	Collection  string            `json:"collection"`
	Op          string            `json:"op"` // "insert", "point", "upsert", "query"
	Document    map[string]string `json:"document,omitempty"`
	Filter      map[string]string `json:"filter,omitempty"`
	Replacement map[string]string `json:"replacement,omitempty"`
	PointValues []string          `json:"point_values,omitempty"`
}

// OpResult is one shard's reply to a forwarded OpRequest.
type OpResult struct {
	Shard     string          `json:"shard"`
	Body      []byte          `json:"body,omitempty"`
	LatencyMs float64         `json:"latency_ms"`
}

// QueryResponse aggregates OpResults from every shard a query was
// scattered to.
type QueryResponse struct {
	Results   []OpResult `json:"results"`
	LatencyMs float64    `json:"latency_ms"`
}

// ShardSummary is the admin API's view of one registered shard.
type ShardSummary struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	CreatedAt time.Time `json:"created_at"`
}

// CollectionSummary is the admin API's view of one sharded collection.
type CollectionSummary struct {
	Name      string   `json:"name"`
	ShardKey  []string `json:"shard_key"`
	Epoch     string   `json:"epoch"`
	ChunkCount int     `json:"chunk_count"`
	Dropped   bool     `json:"dropped"`
}

// MoveChunkRequest triggers a migration through the admin API.
type MoveChunkRequest struct {
	Collection string `json:"collection"`
	MinKey     string `json:"min_key"`
	MaxKey     string `json:"max_key"`
	ToShard    string `json:"to_shard"`
}

// SplitChunkRequest triggers a chunk split through the admin API.
type SplitChunkRequest struct {
	Collection string `json:"collection"`
	MinKey     string `json:"min_key"`
	MaxKey     string `json:"max_key"`
	SplitAt    string `json:"split_at"`
}

// MergeChunkRequest triggers a chunk merge through the admin API.
type MergeChunkRequest struct {
	Collection string `json:"collection"`
	MinKey     string `json:"min_key"`
	MaxKey     string `json:"max_key"`
}
