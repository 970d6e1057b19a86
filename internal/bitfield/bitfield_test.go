package bitfield

import "testing"

func TestSetHasClear(t *testing.T) {
	bf := New(10)

	if bf.Has(3) {
		t.Fatalf("expected bit 3 unset")
	}
	if !bf.Set(3) {
		t.Fatalf("expected Set to report change")
	}
	if !bf.Has(3) {
		t.Fatalf("expected bit 3 set")
	}
	if bf.Set(3) {
		t.Fatalf("expected Set on already-set bit to report no change")
	}
	if !bf.Clear(3) {
		t.Fatalf("expected Clear to report change")
	}
	if bf.Has(3) {
		t.Fatalf("expected bit 3 cleared")
	}
}

func TestOutOfRange(t *testing.T) {
	bf := New(4)

	if bf.Has(100) {
		t.Fatalf("out of range Has must be false")
	}
	if bf.Set(-1) || bf.Set(100) {
		t.Fatalf("out of range Set must report no change")
	}
}

func TestCount(t *testing.T) {
	bf := New(16)
	for _, i := range []int{0, 1, 8, 15} {
		bf.Set(i)
	}

	if got := bf.Count(); got != 4 {
		t.Fatalf("Count() = %d, want 4", got)
	}
	if !bf.Any() {
		t.Fatalf("expected Any() true")
	}
}

func TestAll(t *testing.T) {
	bf := New(4)
	for i := 0; i < 4; i++ {
		bf.Set(i)
	}
	if !bf.All(4) {
		t.Fatalf("expected All(4) true")
	}
	if bf.All(5) {
		t.Fatalf("expected All(5) false, count is only 4")
	}
}

func TestAnd(t *testing.T) {
	a := New(8)
	b := New(8)
	a.Set(0)
	a.Set(1)
	b.Set(1)
	b.Set(2)

	out := And(a, b)
	if !out.Has(1) || out.Has(0) || out.Has(2) {
		t.Fatalf("And() = %v, want only bit 1 set", out)
	}
}

func TestEqualsAndClone(t *testing.T) {
	a := New(8)
	a.Set(5)
	b := a.Clone()

	if !a.Equals(b) {
		t.Fatalf("clone should equal original")
	}
	b.Set(0)
	if a.Equals(b) {
		t.Fatalf("mutating clone should not affect original")
	}
}
