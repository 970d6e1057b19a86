package session

import (
	"crypto/sha1"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/quillbt/rabbit/internal/bitfield"
	"github.com/quillbt/rabbit/internal/config"
	"github.com/quillbt/rabbit/internal/protocol"
	"github.com/quillbt/rabbit/internal/swarm/piecemap"
	"github.com/quillbt/rabbit/internal/swarm/picker"
)

func testAddr() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, 1}), 6881)
}

func testPicker(t *testing.T) *picker.Picker {
	t.Helper()
	m, err := piecemap.New(2*piecemap.DefaultBlockSize, piecemap.DefaultBlockSize, [][sha1.Size]byte{{}, {}}, nil)
	if err != nil {
		t.Fatalf("piecemap.New: %v", err)
	}
	return picker.New(m, 4, 20, 2)
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	conn1, conn2 := net.Pipe()
	t.Cleanup(func() { conn1.Close(); conn2.Close() })

	return New(conn1, testAddr(), [20]byte{}, testPicker(t), Callbacks{}, nil)
}

func TestTargetQueueDepthClamps(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		min  int
		max  int
		want int
	}{
		{name: "below minimum floors to min", rate: 0, min: 2, max: 32, want: 2},
		{name: "scales with rate", rate: 16384 * 10, min: 2, max: 32, want: 10},
		{name: "above maximum caps to max", rate: 16384 * 1000, min: 2, max: 32, want: 32},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config.Update(func(c *config.Config) {
				c.MinInflightRequestsPerPeer = tt.min
				c.MaxInflightRequestsPerPeer = tt.max
				c.RequestQueueTime = time.Second
			})

			s := newTestSession(t)
			s.stats.DownloadRate.Store(tt.rate)

			if got := s.targetQueueDepth(); got != tt.want {
				t.Errorf("targetQueueDepth() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestChokeUnchokeOnlySendsOnChange(t *testing.T) {
	s := newTestSession(t)
	s.Unchoke() // already unchoked? no: starts choking=true

	select {
	case msg := <-s.outbox:
		if msg.ID != protocol.Unchoke {
			t.Fatalf("expected Unchoke frame, got %v", msg.ID)
		}
	default:
		t.Fatal("expected a frame to be enqueued on first Unchoke")
	}

	s.Unchoke() // no-op, already unchoked
	select {
	case msg := <-s.outbox:
		t.Fatalf("expected no frame on redundant Unchoke, got %v", msg.ID)
	default:
	}
}

func TestRecomputeInterestTransitions(t *testing.T) {
	s := newTestSession(t)

	bf := bitfield.New(1)
	bf.Set(0)
	s.bitfieldMu.Lock()
	s.haveBits = bf
	s.bitfieldMu.Unlock()

	s.RecomputeInterest(func(piece int) bool { return piece == 0 })
	if !s.AmInterested() {
		t.Fatal("expected am_interested = true once peer has a wanted piece")
	}

	select {
	case msg := <-s.outbox:
		if msg.ID != protocol.Interested {
			t.Fatalf("expected Interested frame, got %v", msg.ID)
		}
	default:
		t.Fatal("expected an Interested frame to be enqueued")
	}

	s.RecomputeInterest(func(piece int) bool { return false })
	if s.AmInterested() {
		t.Fatal("expected am_interested = false once nothing is wanted")
	}
}

func TestOnPeerChokeAbortsOutstanding(t *testing.T) {
	s := newTestSession(t)
	s.outstanding = []outstandingRequest{{block: picker.Block{Piece: 0, Index: 0}}}

	s.onPeerChoke()

	if !s.PeerChoking() {
		t.Fatal("expected peer_choking = true")
	}
	s.outstandingMu.Lock()
	n := len(s.outstanding)
	s.outstandingMu.Unlock()
	if n != 0 {
		t.Fatalf("expected outstanding requests cleared on choke, got %d", n)
	}
}

func TestHandleMessageBitfieldInvokesCallback(t *testing.T) {
	var got bitfield.Bitfield
	conn1, conn2 := net.Pipe()
	t.Cleanup(func() { conn1.Close(); conn2.Close() })

	s := New(conn1, testAddr(), [20]byte{}, testPicker(t), Callbacks{
		OnBitfield: func(_ *Session, bf bitfield.Bitfield) { got = bf },
	}, nil)

	bf := bitfield.New(1)
	bf.Set(0)
	s.handleMessage(protocol.MessageBitfield(bf.Bytes()))

	if got == nil || !got.Has(0) {
		t.Fatalf("OnBitfield callback did not observe the parsed bitfield: %v", got)
	}
}
