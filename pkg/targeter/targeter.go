// Package targeter maps a single logical document operation onto the
// (shard, sub-operation) pairs it must fan out to, given a routing
// snapshot's ChunkMap and shard-key specification. It is the Go analogue of
// ChunkManagerTargeter in the source this was distilled from, generalized
// from that type's coupling to a live mongos OperationContext into a pure
// function of (snapshot, operation) that the router can retry freely.
package targeter

import (
	"fmt"

	"github.com/sharding-system/internal/errors"
	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/chunkversion"
	"github.com/sharding-system/pkg/shardkey"
)

// Target is one shard destination for a sub-operation, stamped with the
// chunk version the targeter observed for that shard in its snapshot.
type Target struct {
	Shard   string
	Version chunkversion.Version
}

// Predicate describes how an operation's filter constrains shard-key space.
// A predicate that does not reference the shard key at all is
// Restrictable == false, forcing a fan-out to every shard.
type Predicate struct {
	Restrictable bool
	Min, Max     shardkey.Key
}

// EqualityPredicate builds a single-point predicate for an exact shard-key
// match, e.g. a point read or point delete.
func EqualityPredicate(k shardkey.Key) Predicate {
	return Predicate{Restrictable: true, Min: k, Max: k.Successor()}
}

// Targeter resolves operations against one immutable routing snapshot.
type Targeter struct {
	chunks chunkmap.ChunkMap
	key    shardkey.Spec
}

// New builds a Targeter over the given chunk map and shard-key spec —
// normally the ChunkMap and ShardKey embedded in a routingcache.RoutingInfo
// snapshot.
func New(chunks chunkmap.ChunkMap, key shardkey.Spec) *Targeter {
	return &Targeter{chunks: chunks, key: key}
}

func (t *Targeter) targetForShard(shard string) Target {
	return Target{Shard: shard, Version: t.chunks.ShardVersion(shard)}
}

// TargetPoint resolves a point read, update, or delete that identifies a
// document by an exact shard-key match. values must supply every shard-key
// field, in shard-key field order.
func (t *Targeter) TargetPoint(values ...string) (Target, error) {
	k, err := t.key.KeyFromDocument(values...)
	if err != nil {
		return Target{}, fmt.Errorf("targeter: %w: %v", errors.ErrShardKeyNotFound, err)
	}
	c, ok := t.chunks.FindChunk(k)
	if !ok {
		return Target{}, fmt.Errorf("targeter: no chunk owns the targeted key")
	}
	return t.targetForShard(c.Shard), nil
}

// TargetInsert resolves the single shard an insert must go to. doc must
// supply every shard-key field; a partial document is rejected with
// ErrShardKeyNotFound rather than silently routed anywhere.
func (t *Targeter) TargetInsert(doc map[string]string) (Target, error) {
	values, err := fieldValues(t.key, doc)
	if err != nil {
		return Target{}, fmt.Errorf("targeter: insert missing shard key fields: %w", errors.ErrShardKeyNotFound)
	}
	return t.TargetPoint(values...)
}

// TargetUpsert resolves an upsert's target shard. The shard key must be
// fully present in either the filter (point-update form) or the
// replacement document; if both are given and disagree, that is a
// shard-key-change attempt and is rejected as ShardKeyImmutable.
func (t *Targeter) TargetUpsert(filter, replacement map[string]string) (Target, error) {
	filterValues, filterErr := fieldValues(t.key, filter)
	replValues, replErr := fieldValues(t.key, replacement)

	switch {
	case filterErr == nil && replErr == nil:
		for i, name := range t.key.FieldNames() {
			if filterValues[i] != replValues[i] {
				return Target{}, fmt.Errorf("targeter: upsert changes shard key field %q: %w", name, errors.ErrShardKeyImmutable)
			}
		}
		return t.TargetPoint(filterValues...)
	case filterErr == nil:
		return t.TargetPoint(filterValues...)
	case replErr == nil:
		return t.TargetPoint(replValues...)
	default:
		return Target{}, fmt.Errorf("targeter: upsert missing shard key in both filter and replacement: %w", errors.ErrShardKeyNotFound)
	}
}

// TargetQuery resolves every shard a range/predicate query, multi-update,
// or multi-delete may touch, deduplicated by shard.
func (t *Targeter) TargetQuery(pred Predicate) []Target {
	shards := t.chunks.ShardsForQuery(pred.Restrictable, pred.Min, pred.Max)
	targets := make([]Target, len(shards))
	for i, s := range shards {
		targets[i] = t.targetForShard(s)
	}
	return targets
}

// CheckShardKeyChange reports ShardKeyImmutable if an update's modifier
// would change any shard-key field's value relative to the document's
// current values. Both maps must be complete for the fields they cover;
// fields absent from after are treated as unchanged.
func CheckShardKeyChange(key shardkey.Spec, before, after map[string]string) error {
	for _, name := range key.FieldNames() {
		newVal, touched := after[name]
		if !touched {
			continue
		}
		if before[name] != newVal {
			return fmt.Errorf("targeter: update changes shard key field %q: %w", name, errors.ErrShardKeyImmutable)
		}
	}
	return nil
}

// fieldValues extracts every shard-key field from doc in shard-key field
// order, failing if any is missing.
func fieldValues(key shardkey.Spec, doc map[string]string) ([]string, error) {
	names := key.FieldNames()
	values := make([]string, len(names))
	for i, name := range names {
		v, ok := doc[name]
		if !ok {
			return nil, fmt.Errorf("targeter: missing shard key field %q", name)
		}
		values[i] = v
	}
	return values, nil
}
