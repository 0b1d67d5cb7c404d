package shardkey

import (
	"encoding/json"
	"testing"
)

func TestMinMaxOrdering(t *testing.T) {
	real := FromFields([]byte("x"))
	if !MinKey.Less(real) {
		t.Fatalf("MinKey must be less than any real key")
	}
	if !real.Less(MaxKey) {
		t.Fatalf("real key must be less than MaxKey")
	}
	if !MinKey.Less(MaxKey) {
		t.Fatalf("MinKey must be less than MaxKey")
	}
	if MaxKey.Less(MinKey) {
		t.Fatalf("MaxKey must not be less than MinKey")
	}
}

func TestRealKeyOrdering(t *testing.T) {
	a := FromFields([]byte("apple"))
	b := FromFields([]byte("banana"))
	if !a.Less(b) {
		t.Fatalf("expected apple < banana")
	}
	if b.Less(a) {
		t.Fatalf("did not expect banana < apple")
	}
	if a.Compare(a) != 0 {
		t.Fatalf("expected equal key to compare 0")
	}
}

func TestFieldBoundaryDisambiguation(t *testing.T) {
	k1 := FromFields([]byte("ab"), []byte("c"))
	k2 := FromFields([]byte("a"), []byte("bc"))
	if k1.Compare(k2) == 0 {
		t.Fatalf("length-prefixed fields must not collide across field boundaries")
	}
}

func TestKeyFromDocumentHashed(t *testing.T) {
	spec := NewSpec(nil, FieldSpec{Name: "x", Direction: Hashed})
	k1, err := spec.KeyFromDocument("42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	k2, err := spec.KeyFromDocument("42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k1.Compare(k2) != 0 {
		t.Fatalf("hashed encoding must be deterministic for the same input")
	}

	k3, err := spec.KeyFromDocument("43")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k1.Compare(k3) == 0 {
		t.Fatalf("expected different inputs to hash differently")
	}
}

func TestKeyJSONRoundTrip(t *testing.T) {
	for _, k := range []Key{MinKey, MaxKey, FromFields([]byte("ab"), []byte("c"))} {
		data, err := json.Marshal(k)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		var got Key
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Compare(k) != 0 {
			t.Fatalf("expected round-tripped key to compare equal to original, got %v vs %v", got, k)
		}
	}
}

func TestSuccessorIsStrictlyGreater(t *testing.T) {
	k := FromFields([]byte("abc"))
	if !k.Less(k.Successor()) {
		t.Fatalf("expected successor to be strictly greater than k")
	}
}

func TestKeyFromDocumentWrongArity(t *testing.T) {
	spec := NewSpec(nil, FieldSpec{Name: "x", Direction: Ascending})
	if _, err := spec.KeyFromDocument("a", "b"); err == nil {
		t.Fatalf("expected error on field-count mismatch")
	}
}
