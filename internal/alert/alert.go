// Package alert implements the swarm engine's outward-facing event bus.
// The core never returns errors across a torrent boundary; instead it posts
// typed alerts that a host (cmd/rabbit, or any other consumer) drains at
// its own pace. This mirrors the teacher's habit of a single component
// owning a buffered channel and a slog.Logger rather than a pub/sub
// framework.
package alert

import (
	"log/slog"
	"sync"
)

// Kind identifies an alert's payload shape. The set mirrors the swarm
// engine's external alert-bus contract: metadata, piece, tracker, storage,
// peer and torrent lifecycle events.
type Kind int

const (
	MetadataReceived Kind = iota
	PieceFinished
	PieceFailed
	TrackerAnnounce
	TrackerError
	TrackerReply
	FileError
	StorageMoved
	SaveResumeData
	PeerBlocked
	PeerBanned
	ReadPiece
	FileCompleted
	TorrentFinished
	TorrentPaused
	TorrentResumed
	TorrentDeleted
	HashFailed
	PerformanceWarning
)

func (k Kind) String() string {
	switch k {
	case MetadataReceived:
		return "metadata_received"
	case PieceFinished:
		return "piece_finished"
	case PieceFailed:
		return "piece_failed"
	case TrackerAnnounce:
		return "tracker_announce"
	case TrackerError:
		return "tracker_error"
	case TrackerReply:
		return "tracker_reply"
	case FileError:
		return "file_error"
	case StorageMoved:
		return "storage_moved"
	case SaveResumeData:
		return "save_resume_data"
	case PeerBlocked:
		return "peer_blocked"
	case PeerBanned:
		return "peer_banned"
	case ReadPiece:
		return "read_piece"
	case FileCompleted:
		return "file_completed"
	case TorrentFinished:
		return "torrent_finished"
	case TorrentPaused:
		return "torrent_paused"
	case TorrentResumed:
		return "torrent_resumed"
	case TorrentDeleted:
		return "torrent_deleted"
	case HashFailed:
		return "hash_failed"
	case PerformanceWarning:
		return "performance_warning"
	default:
		return "unknown"
	}
}

// Alert is a single event posted to the bus. Fields is a free-form payload,
// named the way the teacher names its slog attribute maps.
type Alert struct {
	Kind   Kind
	Fields map[string]any
}

// Bus is a bounded, non-blocking alert channel. Posting to a full bus drops
// the alert being posted, keeping the undelivered ones (matching the "never
// block the core" rule in the concurrency model), and logs the first drop
// and every 100th drop after it.
type Bus struct {
	mu      sync.Mutex
	ch      chan Alert
	log     *slog.Logger
	dropped int
}

// New returns a Bus with the given buffer capacity.
func New(capacity int, log *slog.Logger) *Bus {
	if capacity <= 0 {
		capacity = 256
	}
	return &Bus{
		ch:  make(chan Alert, capacity),
		log: log.With("component", "alert"),
	}
}

// Post enqueues an alert. It never blocks: if the channel is full, the
// alert is dropped and a counter is incremented.
func (b *Bus) Post(kind Kind, fields map[string]any) {
	select {
	case b.ch <- Alert{Kind: kind, Fields: fields}:
	default:
		b.mu.Lock()
		b.dropped++
		n := b.dropped
		b.mu.Unlock()
		if n == 1 || n%100 == 0 {
			b.log.Warn("alert bus full, dropping", "kind", kind, "dropped_total", n)
		}
	}
}

// C returns the channel consumers should range over.
func (b *Bus) C() <-chan Alert { return b.ch }

// Dropped returns the number of alerts dropped since creation.
func (b *Bus) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
