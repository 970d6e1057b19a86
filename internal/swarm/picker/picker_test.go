package picker

import (
	"crypto/sha1"
	"net/netip"
	"testing"
	"time"

	"github.com/quillbt/rabbit/internal/bitfield"
	"github.com/quillbt/rabbit/internal/swarm/piecemap"
)

func testMap(t *testing.T, totalSize, pieceLength int64, numPieces int) *piecemap.Map {
	t.Helper()
	hashes := make([][sha1.Size]byte, numPieces)
	m, err := piecemap.New(totalSize, pieceLength, hashes, nil)
	if err != nil {
		t.Fatalf("piecemap.New: %v", err)
	}
	return m
}

func peer(port uint16) SessionID {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), port)
}

func fullBitfield(n int) bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := 0; i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func TestPickBlocksBasic(t *testing.T) {
	m := testMap(t, 64*1024, 32*1024, 2) // 2 pieces, 2 blocks each (16KiB blocks)
	p := New(m, 50, 4, 3)

	got := p.PickBlocks(peer(1), 10, fullBitfield(2), Options{})
	if len(got) != 4 {
		t.Fatalf("PickBlocks returned %d blocks, want 4", len(got))
	}

	// A second peer should get nothing new (all blocks already requested).
	got2 := p.PickBlocks(peer(2), 10, fullBitfield(2), Options{})
	if len(got2) != 0 {
		t.Fatalf("second PickBlocks returned %d blocks, want 0 (not in endgame)", len(got2))
	}
}

func TestPickBlocksRespectsPeerHas(t *testing.T) {
	m := testMap(t, 64*1024, 32*1024, 2)
	p := New(m, 50, 4, 3)

	bf := bitfield.New(2)
	bf.Set(1) // peer only has piece 1

	got := p.PickBlocks(peer(1), 10, bf, Options{})
	for _, b := range got {
		if b.Piece != 1 {
			t.Fatalf("picked block from piece %d, peer only has piece 1", b.Piece)
		}
	}
	if len(got) != 2 {
		t.Fatalf("got %d blocks, want 2", len(got))
	}
}

func TestSequentialDownloadOrder(t *testing.T) {
	m := testMap(t, 96*1024, 32*1024, 3)
	p := New(m, 50, 4, 3)

	got := p.PickBlocks(peer(1), 1, fullBitfield(3), Options{SequentialDownload: true})
	if len(got) != 1 || got[0].Piece != 0 {
		t.Fatalf("sequential pick = %+v, want piece 0 first", got)
	}
}

func TestTimeCriticalTakesPriority(t *testing.T) {
	m := testMap(t, 96*1024, 32*1024, 3)
	p := New(m, 50, 4, 3)
	p.SetTimeCritical(2, time.Now().Add(time.Second))

	got := p.PickBlocks(peer(1), 1, fullBitfield(3), Options{})
	if len(got) != 1 || got[0].Piece != 2 {
		t.Fatalf("time-critical pick = %+v, want piece 2", got)
	}
}

func TestMarkAsFinishedThenWeHave(t *testing.T) {
	m := testMap(t, 32*1024, 32*1024, 1)
	p := New(m, 50, 4, 3)

	got := p.PickBlocks(peer(1), 10, fullBitfield(1), Options{})
	if len(got) != 2 {
		t.Fatalf("got %d blocks, want 2", len(got))
	}
	for _, b := range got {
		p.MarkAsWriting(b.Piece, b.Index)
		p.MarkAsFinished(b.Piece, b.Index)
	}

	if !m.MarkPassed(0) || !m.MarkHave(0) {
		t.Fatal("expected piece 0 to become passable and have-able")
	}
	if !p.WeHave(0) {
		t.Fatal("WeHave(0) should be true once piecemap marks it")
	}
}

func TestAbortDownloadReopensBlock(t *testing.T) {
	m := testMap(t, 32*1024, 32*1024, 1)
	p := New(m, 50, 4, 3)

	got := p.PickBlocks(peer(1), 1, fullBitfield(1), Options{})
	if len(got) != 1 {
		t.Fatalf("got %d blocks, want 1", len(got))
	}
	b := got[0]

	p.AbortDownload(b.Piece, b.Index, peer(1))

	got2 := p.PickBlocks(peer(2), 1, fullBitfield(1), Options{})
	if len(got2) != 1 || got2[0].Index != b.Index {
		t.Fatalf("expected block %d to be re-pickable, got %+v", b.Index, got2)
	}
}

func TestRestorePieceClearsProgress(t *testing.T) {
	m := testMap(t, 32*1024, 32*1024, 1)
	p := New(m, 50, 4, 3)

	got := p.PickBlocks(peer(1), 2, fullBitfield(1), Options{})
	for _, b := range got {
		p.MarkAsWriting(b.Piece, b.Index)
		p.MarkAsFinished(b.Piece, b.Index)
	}
	if p.RemainingBlocks() != 0 {
		t.Fatalf("RemainingBlocks = %d, want 0", p.RemainingBlocks())
	}

	p.RestorePiece(0)
	if p.RemainingBlocks() != 2 {
		t.Fatalf("RemainingBlocks after Restore = %d, want 2", p.RemainingBlocks())
	}
}

func TestLockedPieceSkipped(t *testing.T) {
	m := testMap(t, 32*1024, 32*1024, 1)
	p := New(m, 50, 4, 3)
	p.LockPiece(0)

	got := p.PickBlocks(peer(1), 10, fullBitfield(1), Options{})
	if len(got) != 0 {
		t.Fatalf("PickBlocks on locked piece = %+v, want none", got)
	}

	p.UnlockPiece(0)
	got2 := p.PickBlocks(peer(1), 10, fullBitfield(1), Options{})
	if len(got2) != 2 {
		t.Fatalf("PickBlocks after unlock = %d, want 2", len(got2))
	}
}

func TestEndgameAllowsDuplicates(t *testing.T) {
	m := testMap(t, 32*1024, 32*1024, 1)
	p := New(m, 50, 100, 2) // endgameThresh huge so MaybeEnterEndgame trips immediately

	p.PickBlocks(peer(1), 2, fullBitfield(1), Options{})
	p.MaybeEnterEndgame()
	if !p.Endgame() {
		t.Fatal("expected endgame mode once remaining <= threshold")
	}

	got := p.PickBlocks(peer(2), 2, fullBitfield(1), Options{})
	if len(got) != 2 {
		t.Fatalf("endgame pick = %d blocks, want 2 duplicate requests", len(got))
	}
	for _, b := range got {
		if !b.Busy {
			t.Fatalf("endgame block %+v should be marked Busy", b)
		}
	}
}

func TestSetPiecePriorityZeroDropsTimeCritical(t *testing.T) {
	m := testMap(t, 32*1024, 32*1024, 1)
	p := New(m, 50, 4, 3)
	p.SetTimeCritical(0, time.Now().Add(time.Minute))

	p.SetPiecePriority(0, 0)

	got := p.PickBlocks(peer(1), 10, fullBitfield(1), Options{})
	if len(got) != 0 {
		t.Fatalf("priority-0 piece should not be picked, got %+v", got)
	}
}

func TestCancelRedundantMarksOtherOwners(t *testing.T) {
	m := testMap(t, 32*1024, 32*1024, 1)
	p := New(m, 50, 100, 2)

	p.MarkAsDownloading(0, 0, peer(1), false)
	p.MarkAsDownloading(0, 0, peer(2), true)

	others := p.CancelRedundant(0, 0, peer(1))
	if len(others) != 1 || others[0] != peer(2) {
		t.Fatalf("CancelRedundant = %v, want [peer(2)]", others)
	}
}

func TestOnPeerGoneRetractsAvailability(t *testing.T) {
	m := testMap(t, 32*1024, 32*1024, 2)
	p := New(m, 50, 4, 3)
	bf := fullBitfield(2)

	p.OnPeerBitfield(bf)
	if p.avail.Availability(0) != 1 {
		t.Fatalf("Availability(0) = %d, want 1", p.avail.Availability(0))
	}

	p.OnPeerGone(bf)
	if p.avail.Availability(0) != 0 {
		t.Fatalf("Availability(0) after gone = %d, want 0", p.avail.Availability(0))
	}
}
