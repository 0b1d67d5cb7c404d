// Package shardkey defines the ordered key space documents are partitioned
// over: the shard key specification, concrete key values, and the total
// order chunk ranges are compared in.
package shardkey

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/sharding-system/pkg/hashing"
)

// boundKind distinguishes the MinKey/MaxKey sentinels from a real value so
// that the total order can place them strictly below/above every possible
// document value, including the zero value of any field type.
type boundKind int8

const (
	boundReal boundKind = iota
	boundMin
	boundMax
)

// Key is a concrete value in shard-key space, comparable by the shard key's
// total order. MinKey and MaxKey are distinct sentinels outside the range
// of any real value.
type Key struct {
	bound boundKind
	parts []byte
}

// MinKey is the global minimum sentinel.
var MinKey = Key{bound: boundMin}

// MaxKey is the global maximum sentinel.
var MaxKey = Key{bound: boundMax}

// FromFields builds a concrete Key from the already-encoded shard-key field
// values, in shard-key field order. Encode should be used to produce each
// field's bytes.
func FromFields(parts ...[]byte) Key {
	buf := make([]byte, 0)
	for _, p := range parts {
		// length-prefix each field so field boundaries can't be confused by
		// concatenation, e.g. ("ab","c") vs ("a","bc").
		var lenPrefix [8]byte
		n := len(p)
		for i := 0; i < 8; i++ {
			lenPrefix[7-i] = byte(n)
			n >>= 8
		}
		buf = append(buf, lenPrefix[:]...)
		buf = append(buf, p...)
	}
	return Key{bound: boundReal, parts: buf}
}

// Compare returns -1, 0, 1 if k is less than, equal to, or greater than o.
// MinKey compares less than every real key and MaxKey; MaxKey compares
// greater than every real key and MinKey.
func (k Key) Compare(o Key) int {
	if k.bound != o.bound {
		return int(k.bound) - int(o.bound)
	}
	if k.bound != boundReal {
		return 0
	}
	return bytes.Compare(k.parts, o.parts)
}

// Less reports whether k strictly precedes o.
func (k Key) Less(o Key) bool { return k.Compare(o) < 0 }

// Successor returns the smallest key strictly greater than k, for building
// a half-open range [k, k.Successor()) that contains exactly k — used to
// express an equality predicate as a chunk-map range lookup. Undefined for
// the MinKey/MaxKey sentinels.
func (k Key) Successor() Key {
	parts := append(append([]byte(nil), k.parts...), 0x00)
	return Key{bound: boundReal, parts: parts}
}

func (k Key) String() string {
	switch k.bound {
	case boundMin:
		return "MinKey"
	case boundMax:
		return "MaxKey"
	default:
		return fmt.Sprintf("%x", k.parts)
	}
}

// wireKey is Key's JSON wire representation — Key's fields are unexported
// so its total order can't be bypassed by constructing one from arbitrary
// bytes outside FromFields, but it still needs to round-trip through the
// catalog store and the shard RPC envelope.
type wireKey struct {
	Bound boundKind `json:"bound"`
	Parts string    `json:"parts,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (k Key) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireKey{
		Bound: k.bound,
		Parts: base64.StdEncoding.EncodeToString(k.parts),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (k *Key) UnmarshalJSON(data []byte) error {
	var w wireKey
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parts, err := base64.StdEncoding.DecodeString(w.Parts)
	if err != nil {
		return fmt.Errorf("shardkey: decode key bytes: %w", err)
	}
	k.bound = w.Bound
	k.parts = parts
	return nil
}

// Direction is the ordering marker for one shard-key field.
type Direction int8

const (
	Ascending Direction = iota
	Descending
	Hashed
)

// FieldSpec is one field of an ordered shard-key tuple.
type FieldSpec struct {
	Name      string
	Direction Direction
}

// Spec is the ordered tuple of field references defining a collection's
// partitioning order. Immutable once a collection is sharded.
type Spec struct {
	Fields   []FieldSpec
	hashFunc hashing.HashFunction
}

// NewSpec builds a shard-key spec. hashFn encodes any Hashed fields; pass
// nil to use the default (murmur3).
func NewSpec(hashFn hashing.HashFunction, fields ...FieldSpec) Spec {
	if hashFn == nil {
		hashFn = hashing.NewHashFunction("murmur3")
	}
	return Spec{Fields: fields, hashFunc: hashFn}
}

// EncodeField encodes a single field's concrete value for inclusion in a
// Key, applying the hash function when the field is marked Hashed.
func (s Spec) EncodeField(field FieldSpec, raw string) []byte {
	if field.Direction == Hashed {
		h := s.hashFunc.Hash(raw)
		b := make([]byte, 8)
		for i := 0; i < 8; i++ {
			b[7-i] = byte(h)
			h >>= 8
		}
		return b
	}
	if field.Direction == Descending {
		b := []byte(raw)
		inverted := make([]byte, len(b))
		for i, c := range b {
			inverted[i] = ^c
		}
		return inverted
	}
	return []byte(raw)
}

// KeyFromDocument builds the shard Key for a document, given the raw string
// representation of each shard-key field value in spec field order.
func (s Spec) KeyFromDocument(values ...string) (Key, error) {
	if len(values) != len(s.Fields) {
		return Key{}, fmt.Errorf("shardkey: expected %d field values, got %d", len(s.Fields), len(values))
	}
	parts := make([][]byte, len(values))
	for i, v := range values {
		parts[i] = s.EncodeField(s.Fields[i], v)
	}
	return FromFields(parts...), nil
}

// FieldNames returns the ordered field names of the shard key.
func (s Spec) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}
