package piecemap

import (
	"crypto/sha1"
	"testing"
)

func hashes(n int) [][sha1.Size]byte {
	out := make([][sha1.Size]byte, n)
	for i := range out {
		out[i][0] = byte(i)
	}
	return out
}

func TestPieceSizeLastPieceShort(t *testing.T) {
	m, err := New(40, 16, hashes(3), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if got := m.PieceSize(0); got != 16 {
		t.Errorf("PieceSize(0) = %d, want 16", got)
	}
	if got := m.PieceSize(2); got != 8 {
		t.Errorf("PieceSize(2) = %d, want 8 (40 mod 16)", got)
	}
}

func TestHaveImpliesPassed(t *testing.T) {
	m, _ := New(32, 16, hashes(2), nil)

	if m.MarkHave(0) {
		t.Fatal("MarkHave should fail before MarkPassed")
	}
	if !m.MarkPassed(0) {
		t.Fatal("MarkPassed(0) should succeed")
	}
	if !m.MarkHave(0) {
		t.Fatal("MarkHave(0) should succeed once passed")
	}
	if !m.Have(0) || !m.Passed(0) {
		t.Fatal("expected have and passed bits set")
	}
	if m.NumHave() != 1 || m.NumPassed() != 1 {
		t.Fatalf("NumHave=%d NumPassed=%d, want 1,1", m.NumHave(), m.NumPassed())
	}
}

func TestRestoreClearsBoth(t *testing.T) {
	m, _ := New(32, 16, hashes(2), nil)
	m.MarkPassed(0)
	m.MarkHave(0)

	m.Restore(0)

	if m.Have(0) || m.Passed(0) {
		t.Fatal("Restore should clear both have and passed")
	}
}

func TestBlockBytesWantedExcludesPadding(t *testing.T) {
	// Piece is 16 bytes; a padding file covers the second half.
	files := []FileSpan{
		{Start: 0, End: 8, IsPadding: false},
		{Start: 8, End: 16, IsPadding: true},
	}
	m, _ := New(16, 16, hashes(1), files)

	if got := m.BlockBytesWanted(0, 0); got != 8 {
		t.Errorf("BlockBytesWanted = %d, want 8", got)
	}
}

func TestSetPriorityIdempotent(t *testing.T) {
	m, _ := New(16, 16, hashes(1), nil)

	if !m.SetPriority(0, 5) {
		t.Fatal("first SetPriority should report change")
	}
	if m.SetPriority(0, 5) {
		t.Fatal("second SetPriority with same value should report no change")
	}
	if m.Priority(0) != 5 {
		t.Fatalf("Priority() = %d, want 5", m.Priority(0))
	}
}

func TestWantedRespectsPriorityAndHave(t *testing.T) {
	m, _ := New(16, 16, hashes(1), nil)

	if !m.Wanted(0) {
		t.Fatal("piece with default priority and not-had should be wanted")
	}
	m.SetPriority(0, 0)
	if m.Wanted(0) {
		t.Fatal("priority 0 piece should not be wanted")
	}
	m.SetPriority(0, 1)
	m.MarkPassed(0)
	m.MarkHave(0)
	if m.Wanted(0) {
		t.Fatal("already-had piece should not be wanted")
	}
}
