package bitfield

import "testing"

func TestSetTestClear(t *testing.T) {
	bf := New(17)
	if bf.All() {
		t.Fatal("expected empty bitfield to not be All")
	}
	bf.Set(0)
	bf.Set(16)
	if !bf.Test(0) || !bf.Test(16) {
		t.Fatal("expected bits 0 and 16 to be set")
	}
	if bf.Test(1) {
		t.Fatal("expected bit 1 to be clear")
	}
	if bf.Count() != 2 {
		t.Fatalf("expected count 2, got %d", bf.Count())
	}
	bf.Clear(0)
	if bf.Test(0) {
		t.Fatal("expected bit 0 to be cleared")
	}
}

func TestAll(t *testing.T) {
	bf := New(9)
	for i := uint32(0); i < 9; i++ {
		bf.Set(i)
	}
	if !bf.All() {
		t.Fatal("expected All() to be true")
	}
}

func TestCloneIndependence(t *testing.T) {
	bf := New(8)
	bf.Set(1)
	clone := bf.Clone()
	clone.Set(2)
	if bf.Test(2) {
		t.Fatal("mutating clone affected original")
	}
}
