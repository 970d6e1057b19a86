// Package config holds the swarm engine's process-wide settings object. A
// single Config value lives behind an atomic.Value (see global.go) and is
// read by every long-lived component via Load(); mutations go through
// Update so every reader always observes a fully-formed snapshot.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"net"
	"os"
	"path/filepath"
	goruntime "runtime"
	"time"
)

// PieceDownloadStrategy enumerates the high-level piece-selection policies
// the picker applies when no time-critical piece or anti-sparse boost
// overrides it.
type PieceDownloadStrategy uint8

const (
	// PieceDownloadStrategyRarestFirst prioritizes pieces with the lowest
	// availability, improving swarm health and resilience. The default.
	PieceDownloadStrategyRarestFirst PieceDownloadStrategy = iota

	// PieceDownloadStrategySequential downloads pieces in ascending index
	// order. Used for streaming/locality; bad for swarm health.
	PieceDownloadStrategySequential

	// PieceDownloadStrategyRandom samples uniformly among eligible pieces.
	PieceDownloadStrategyRandom
)

// Config defines behavior and resource limits for the swarm engine.
type Config struct {
	// ========== Identity / Paths ==========

	DefaultDownloadDir string
	ClientID           [sha1.Size]byte

	// ========== Networking ==========

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	MaxPeers     int
	EnableIPv6   bool
	HasIPV6      bool
	EnableDHT    bool
	EnablePEX    bool
	EnableLSD    bool

	// ========== Tracker / Announce ==========

	NumWant               uint32
	AnnounceInterval      time.Duration
	MinAnnounceInterval   time.Duration
	MaxAnnounceBackoff    time.Duration
	Port                  uint16
	AnnounceToAllTiers    bool
	AnnounceToAllTrackers bool

	// TrackerFailLimitDefault caps retries per tracker entry before it is
	// skipped for the rest of the tier; 0 means unlimited.
	TrackerFailLimitDefault int

	// ========== Rate Limits ==========

	MaxUploadRate            int64
	MaxDownloadRate          int64
	RateLimitRefresh         time.Duration
	PeerOutboundQueueBacklog int

	// ========== Piece Picker / Requests ==========

	PieceDownloadStrategy      PieceDownloadStrategy
	MaxInflightRequestsPerPeer int
	MinInflightRequestsPerPeer int
	RequestQueueTime           time.Duration
	RequestTimeout             time.Duration
	EndgameDupPerBlock         int
	EndgameThreshold           int
	MaxRequestsPerPiece        int

	// BusyModeMaxDuplicates caps duplicate outstanding requests per block
	// once a piece is judged stalled (spec step 6, "busy mode").
	BusyModeMaxDuplicates int

	// AntiSparseBoost enables the neighbor-of-owned-piece priority bump.
	AntiSparseBoost bool

	// ========== Seeding / Choking ==========

	UploadSlots               int
	RechokeInterval           time.Duration
	OptimisticUnchokeInterval time.Duration
	SuperSeedingRevealTimeout time.Duration

	// ========== Keepalive / Heartbeats ==========

	PeerHeartbeatInterval  time.Duration
	PeerInactivityDuration time.Duration
	KeepAliveInterval      time.Duration

	// ========== Peer list ==========

	// PeerListCapActive/PeerListCapPaused bound the KnownPeer directory
	// size; the paused cap is smaller since connect candidates aren't
	// being drawn from it.
	PeerListCapActive int
	PeerListCapPaused int
	MinReconnectTime  time.Duration

	// ========== Misc ==========

	MetricsEnabled  bool
	MetricsBindAddr string
}

func defaultConfig() (Config, error) {
	downloadDir := getDefaultDownloadDir()
	hasIPV6 := hasIPV6()

	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		DefaultDownloadDir: downloadDir,
		ClientID:           clientID,

		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		DialTimeout:  7 * time.Second,
		MaxPeers:     50,
		EnableIPv6:   hasIPV6,
		HasIPV6:      hasIPV6,
		EnableDHT:    true,
		EnablePEX:    false,
		EnableLSD:    false,

		NumWant:                 50,
		AnnounceInterval:        0,
		MinAnnounceInterval:     20 * time.Minute,
		MaxAnnounceBackoff:      10 * time.Minute,
		Port:                    6969,
		AnnounceToAllTiers:      false,
		AnnounceToAllTrackers:   false,
		TrackerFailLimitDefault: 0,

		MaxUploadRate:            0,
		MaxDownloadRate:          0,
		RateLimitRefresh:         200 * time.Millisecond,
		PeerOutboundQueueBacklog: 256,

		PieceDownloadStrategy:      PieceDownloadStrategyRarestFirst,
		MaxInflightRequestsPerPeer: 32,
		MinInflightRequestsPerPeer: 2,
		RequestQueueTime:           3 * time.Second,
		RequestTimeout:             25 * time.Second,
		EndgameDupPerBlock:         2,
		EndgameThreshold:           20,
		MaxRequestsPerPiece:        128,
		BusyModeMaxDuplicates:      2,
		AntiSparseBoost:            false,

		UploadSlots:               4,
		RechokeInterval:           10 * time.Second,
		OptimisticUnchokeInterval: 30 * time.Second,
		SuperSeedingRevealTimeout: 30 * time.Second,

		PeerHeartbeatInterval:  60 * time.Second,
		PeerInactivityDuration: 2 * time.Minute,
		KeepAliveInterval:      90 * time.Second,

		PeerListCapActive: 4000,
		PeerListCapPaused: 1000,
		MinReconnectTime:  60 * time.Second,

		MetricsEnabled:  false,
		MetricsBindAddr: ":9090",
	}, nil
}

func hasIPV6() bool {
	ifaces, _ := net.Interfaces()

	for _, ifi := range ifaces {
		if (ifi.Flags & net.FlagUp) == 0 {
			continue
		}
		addrs, _ := ifi.Addrs()
		for _, a := range addrs {
			ipNet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}

			ip := ipNet.IP
			if ip == nil || ip.To4() != nil {
				continue
			}
			if ip.IsGlobalUnicast() && !ip.IsLinkLocalUnicast() && !ip.IsLoopback() {
				return true
			}
		}
	}

	return false
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}

	switch goruntime.GOOS {
	case "windows", "darwin":
		return filepath.Join(home, "Downloads", "rabbit")
	default: // linux, bsd, etc.
		return filepath.Join(home, ".local", "share", "rabbit", "downloads")
	}
}

func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-RBBT-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
