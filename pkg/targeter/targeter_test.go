package targeter

import (
	stderrors "errors"
	"testing"

	apperrors "github.com/sharding-system/internal/errors"
	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/chunkversion"
	"github.com/sharding-system/pkg/shardkey"
)

func rawKey(s string) shardkey.Key { return shardkey.FromFields([]byte(s)) }

func testSpec() shardkey.Spec {
	return shardkey.NewSpec(nil, shardkey.FieldSpec{Name: "k", Direction: shardkey.Ascending})
}

func twoShardTargeter(t *testing.T) *Targeter {
	t.Helper()
	v := chunkversion.New("epoch1", 1, 0)
	cm := chunkmap.NewFromChunks([]chunkmap.Chunk{
		{Collection: "db.c", Range: chunkmap.Range{Min: shardkey.MinKey, Max: rawKey("100")}, Shard: "S1", Version: v},
		{Collection: "db.c", Range: chunkmap.Range{Min: rawKey("100"), Max: shardkey.MaxKey}, Shard: "S2", Version: v},
	})
	return New(*cm, testSpec())
}

func TestTargetPointResolvesSingleShard(t *testing.T) {
	tg := twoShardTargeter(t)
	target, err := tg.TargetPoint("042")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Shard != "S1" {
		t.Fatalf("expected S1, got %s", target.Shard)
	}
}

func TestTargetInsertRequiresFullShardKey(t *testing.T) {
	tg := twoShardTargeter(t)
	_, err := tg.TargetInsert(map[string]string{"other": "x"})
	if !stderrors.Is(err, apperrors.ErrShardKeyNotFound) {
		t.Fatalf("expected ErrShardKeyNotFound, got %v", err)
	}
}

func TestTargetInsertResolvesShard(t *testing.T) {
	tg := twoShardTargeter(t)
	target, err := tg.TargetInsert(map[string]string{"k": "200"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Shard != "S2" {
		t.Fatalf("expected S2, got %s", target.Shard)
	}
}

func TestTargetUpsertUsesFilterWhenPresent(t *testing.T) {
	tg := twoShardTargeter(t)
	target, err := tg.TargetUpsert(map[string]string{"k": "042"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Shard != "S1" {
		t.Fatalf("expected S1, got %s", target.Shard)
	}
}

func TestTargetUpsertFallsBackToReplacement(t *testing.T) {
	tg := twoShardTargeter(t)
	target, err := tg.TargetUpsert(nil, map[string]string{"k": "200"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if target.Shard != "S2" {
		t.Fatalf("expected S2, got %s", target.Shard)
	}
}

func TestTargetUpsertRejectsMismatchedFilterAndReplacement(t *testing.T) {
	tg := twoShardTargeter(t)
	_, err := tg.TargetUpsert(map[string]string{"k": "042"}, map[string]string{"k": "200"})
	if !stderrors.Is(err, apperrors.ErrShardKeyImmutable) {
		t.Fatalf("expected ErrShardKeyImmutable, got %v", err)
	}
}

func TestTargetUpsertRequiresShardKeySomewhere(t *testing.T) {
	tg := twoShardTargeter(t)
	_, err := tg.TargetUpsert(nil, nil)
	if !stderrors.Is(err, apperrors.ErrShardKeyNotFound) {
		t.Fatalf("expected ErrShardKeyNotFound, got %v", err)
	}
}

func TestTargetQueryUnrestrictableHitsAllShards(t *testing.T) {
	tg := twoShardTargeter(t)
	targets := tg.TargetQuery(Predicate{Restrictable: false})
	if len(targets) != 2 {
		t.Fatalf("expected 2 shards, got %d", len(targets))
	}
}

func TestTargetQueryRestrictableNarrowsShards(t *testing.T) {
	tg := twoShardTargeter(t)
	targets := tg.TargetQuery(Predicate{Restrictable: true, Min: shardkey.MinKey, Max: rawKey("050")})
	if len(targets) != 1 || targets[0].Shard != "S1" {
		t.Fatalf("expected only S1, got %v", targets)
	}
}

func TestEqualityPredicateMatchesExactlyOneKey(t *testing.T) {
	tg := twoShardTargeter(t)
	targets := tg.TargetQuery(EqualityPredicate(rawKey("042")))
	if len(targets) != 1 || targets[0].Shard != "S1" {
		t.Fatalf("expected only S1 for the equality predicate, got %v", targets)
	}
}

func TestCheckShardKeyChangeDetectsMutation(t *testing.T) {
	spec := testSpec()
	err := CheckShardKeyChange(spec, map[string]string{"k": "042"}, map[string]string{"k": "999"})
	if !stderrors.Is(err, apperrors.ErrShardKeyImmutable) {
		t.Fatalf("expected ErrShardKeyImmutable, got %v", err)
	}
}

func TestCheckShardKeyChangeAllowsUntouchedFields(t *testing.T) {
	spec := testSpec()
	err := CheckShardKeyChange(spec, map[string]string{"k": "042"}, map[string]string{"other": "y"})
	if err != nil {
		t.Fatalf("expected no error when the shard key field is untouched, got %v", err)
	}
}
