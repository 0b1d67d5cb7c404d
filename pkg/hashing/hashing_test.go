package hashing

import (
	"testing"
)

func TestMurmur3Hash(t *testing.T) {
	hash := &Murmur3Hash{}

	// Test that same input produces same hash
	hash1 := hash.Hash("test-key")
	hash2 := hash.Hash("test-key")
	if hash1 != hash2 {
		t.Errorf("Expected same hash for same input, got %d and %d", hash1, hash2)
	}

	// Test that different inputs produce different hashes
	hash3 := hash.Hash("different-key")
	if hash1 == hash3 {
		t.Errorf("Expected different hashes for different inputs")
	}

	// Test empty string (should produce consistent hash)
	hash4 := hash.Hash("")
	hash5 := hash.Hash("")
	if hash4 != hash5 {
		t.Errorf("Expected same hash for empty string, got %d and %d", hash4, hash5)
	}
}

func TestXXHash(t *testing.T) {
	hash := &XXHash{}

	// Test that same input produces same hash
	hash1 := hash.Hash("test-key")
	hash2 := hash.Hash("test-key")
	if hash1 != hash2 {
		t.Errorf("Expected same hash for same input, got %d and %d", hash1, hash2)
	}

	// Test that different inputs produce different hashes
	hash3 := hash.Hash("different-key")
	if hash1 == hash3 {
		t.Errorf("Expected different hashes for different inputs")
	}
}

func TestNewHashFunction(t *testing.T) {
	// Test murmur3
	hash1 := NewHashFunction("murmur3")
	if hash1 == nil {
		t.Fatal("Expected non-nil hash function for murmur3")
	}
	if _, ok := hash1.(*Murmur3Hash); !ok {
		t.Errorf("Expected Murmur3Hash, got %T", hash1)
	}

	// Test xxhash
	hash2 := NewHashFunction("xxhash")
	if hash2 == nil {
		t.Fatal("Expected non-nil hash function for xxhash")
	}
	if _, ok := hash2.(*XXHash); !ok {
		t.Errorf("Expected XXHash, got %T", hash2)
	}

	// Test default (should be murmur3)
	hash3 := NewHashFunction("unknown")
	if hash3 == nil {
		t.Fatal("Expected non-nil hash function for unknown")
	}
	if _, ok := hash3.(*Murmur3Hash); !ok {
		t.Errorf("Expected Murmur3Hash as default, got %T", hash3)
	}
}

func BenchmarkMurmur3Hash(b *testing.B) {
	hash := &Murmur3Hash{}
	key := "benchmark-key"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hash.Hash(key)
	}
}

func BenchmarkXXHash(b *testing.B) {
	hash := &XXHash{}
	key := "benchmark-key"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hash.Hash(key)
	}
}
