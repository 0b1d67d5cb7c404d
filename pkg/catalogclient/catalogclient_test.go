package catalogclient

import (
	"testing"

	"github.com/sharding-system/pkg/chunkmap"
	"github.com/sharding-system/pkg/chunkversion"
	"github.com/sharding-system/pkg/shardkey"
)

func TestVersionStringRoundTripsOrdering(t *testing.T) {
	v1 := chunkversion.New("epoch1", 1, 0)
	v2 := chunkversion.New("epoch1", 1, 1)
	if versionString(v1) == versionString(v2) {
		t.Fatalf("expected distinct versions to produce distinct strings")
	}
}

func TestChunkKeyUsesRangeMaxForOrdering(t *testing.T) {
	c1 := chunkmap.Chunk{
		Range: chunkmap.Range{Min: shardkey.MinKey, Max: shardkey.FromFields([]byte("100"))},
		Shard: "S1",
	}
	c2 := chunkmap.Chunk{
		Range: chunkmap.Range{Min: shardkey.FromFields([]byte("100")), Max: shardkey.MaxKey},
		Shard: "S2",
	}
	k1 := chunkKey("db.c", c1)
	k2 := chunkKey("db.c", c2)
	if k1 == k2 {
		t.Fatalf("expected distinct chunk keys for distinct ranges")
	}
}

func TestCollectionInfoShardKeySpecReconstructsFields(t *testing.T) {
	info := CollectionInfo{
		Name:   "db.c",
		Fields: []shardkey.FieldSpec{{Name: "userId", Direction: shardkey.Hashed}},
		Epoch:  "epoch1",
	}
	spec := info.ShardKeySpec()
	if len(spec.FieldNames()) != 1 || spec.FieldNames()[0] != "userId" {
		t.Fatalf("expected shard key spec to carry over field names")
	}
}
