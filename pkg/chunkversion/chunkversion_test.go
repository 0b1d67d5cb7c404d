package chunkversion

import "testing"

func TestIsOlderThanSameEpoch(t *testing.T) {
	a := New("e1", 1, 0)
	b := New("e1", 1, 5)
	older, err := a.IsOlderThan(b)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !older {
		t.Fatalf("expected a < b")
	}
}

func TestIsOlderThanDifferentEpoch(t *testing.T) {
	a := New("e1", 5, 0)
	b := New("e2", 0, 0)
	if _, err := a.IsOlderThan(b); err != ErrIncompatibleEpoch {
		t.Fatalf("expected ErrIncompatibleEpoch, got %v", err)
	}
}

func TestIncrementMajorResetsMinor(t *testing.T) {
	v := New("e1", 3, 7).IncrementMajor()
	if v.Major != 4 || v.Minor != 0 {
		t.Fatalf("expected (4,0), got (%d,%d)", v.Major, v.Minor)
	}
}

func TestIncrementMinor(t *testing.T) {
	v := New("e1", 3, 7).IncrementMinor()
	if v.Major != 3 || v.Minor != 8 {
		t.Fatalf("expected (3,8), got (%d,%d)", v.Major, v.Minor)
	}
}

func TestPackedRoundTrip(t *testing.T) {
	v := New("e1", 12, 34)
	combined, epoch := v.Packed()
	got := FromPacked(combined, epoch)
	if got != v {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, v)
	}
}

func TestUnsharded(t *testing.T) {
	if !UNSHARDED.IsUnsharded() {
		t.Fatalf("expected UNSHARDED to report unsharded")
	}
	if New("e1", 0, 0).IsUnsharded() {
		t.Fatalf("versioned epoch must not report unsharded")
	}
}

func TestCompare(t *testing.T) {
	a := New("e1", 1, 2)
	b := New("e1", 1, 3)
	if c, err := a.Compare(b); err != nil || c != -1 {
		t.Fatalf("expected -1, got %d err %v", c, err)
	}
	if c, err := b.Compare(a); err != nil || c != 1 {
		t.Fatalf("expected 1, got %d err %v", c, err)
	}
	if c, err := a.Compare(a); err != nil || c != 0 {
		t.Fatalf("expected 0, got %d err %v", c, err)
	}
}
