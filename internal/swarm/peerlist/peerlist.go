// Package peerlist implements the PeerList component (spec §4.3): a bounded
// directory of every peer address the swarm has learned about, connected or
// not, with ban/failcount/trust-point bookkeeping and round-robin
// connect-candidate selection.
//
// Grounded on the teacher's internal/peer/swarm.go Swarm type, which keeps a
// netip.AddrPort-keyed, RWMutex-guarded peer map (here generalized from
// "currently connected peers" to "every peer ever learned about") and its
// AdmitPeers non-blocking-enqueue idiom. The sharded map below borrows the
// hash-sharding idea common to high-churn Go maps (bigcache, groupcache) to
// keep the round-robin cursor and per-peer bookkeeping cheap under the
// PeerListCapActive sizes spec §4.3 expects (thousands of entries).
package peerlist

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"
)

// Source records how a peer address was learned, OR'd together as more
// sources report the same address (spec §4.3 "source flags").
type Source uint8

const (
	SourceTracker Source = 1 << iota
	SourcePEX
	SourceDHT
	SourceLSD
	SourceResume
	SourceIncoming
)

func (s Source) Has(f Source) bool { return s&f != 0 }

// KnownPeer is a directory entry, distinct from an active PeerSession.
type KnownPeer struct {
	Addr netip.AddrPort

	Source Source

	FailCount   int
	TrustPoints int // spec range [-7, 8]
	HashFails   uint8

	Banned      bool
	Connectable bool
	Seed        bool
	Connected   bool

	LastConnected time.Time
	LastAttempt   time.Time

	PriorUploadBytes   int64
	PriorDownloadBytes int64
}

const (
	minTrustPoints = -7
	maxTrustPoints = 8
)

func newKnownPeer(addr netip.AddrPort, source Source) *KnownPeer {
	return &KnownPeer{Addr: addr, Source: source, Connectable: addr.Port() != 0}
}

// rank returns the eviction tuple (banned, failcount, trust_points, seed,
// last_connected), banned and higher-failcount ranked worst. Source flags
// are not part of the rank.
func (k *KnownPeer) rank() (banned bool, failcount int, trust int, seed bool, lastConnected int64) {
	return k.Banned, k.FailCount, k.TrustPoints, k.Seed, k.LastConnected.Unix()
}

// worseThan reports whether k should be evicted before other when the
// directory is over capacity.
func (k *KnownPeer) worseThan(other *KnownPeer) bool {
	kb, kf, kt, ks, kl := k.rank()
	ob, of, ot, os, ol := other.rank()

	if kb != ob {
		return kb // banned is worse
	}
	if kf != of {
		return kf > of
	}
	if kt != ot {
		return kt < ot
	}
	if ks != os {
		return !ks && os // non-seed is worse to keep than a seed, all else equal
	}
	return kl < ol
}

const shardCount = 16

type shard struct {
	mu    sync.RWMutex
	peers map[netip.AddrPort]*KnownPeer
}

// List is the bounded, sharded KnownPeer directory for one torrent.
type List struct {
	shards [shardCount]*shard

	cap int

	minReconnect time.Duration

	cursorMu sync.Mutex
	cursor   int // round-robin index into a stable ordering of shards

	filter IPFilter
}

// IPFilter decides whether an address is allowed into the directory at all.
// A nil filter admits everything.
type IPFilter interface {
	Allowed(netip.AddrPort) bool
}

// Options configures a new List.
type Options struct {
	Cap          int // PeerListCapActive or PeerListCapPaused
	MinReconnect time.Duration
	Filter       IPFilter
}

func New(opts Options) *List {
	l := &List{cap: opts.Cap, minReconnect: opts.MinReconnect, filter: opts.Filter}
	for i := range l.shards {
		l.shards[i] = &shard{peers: make(map[netip.AddrPort]*KnownPeer)}
	}
	return l
}

func (l *List) shardFor(addr netip.AddrPort) *shard {
	b, _ := addr.MarshalBinary()
	h := murmur3.Sum32(b)
	return l.shards[h%shardCount]
}

// Add records a peer address learned from source. If already present, the
// source flags are OR'd in and existing failcount/trust bookkeeping is
// preserved, per spec §4.3. Returns false if the IP filter rejected it.
func (l *List) Add(addr netip.AddrPort, source Source) bool {
	if l.filter != nil && !l.filter.Allowed(addr) {
		return false
	}

	sh := l.shardFor(addr)
	sh.mu.Lock()
	if kp, ok := sh.peers[addr]; ok {
		kp.Source |= source
		sh.mu.Unlock()
		return true
	}
	sh.mu.Unlock()

	if l.Len() >= l.cap {
		l.evictWorst()
	}

	sh.mu.Lock()
	defer sh.mu.Unlock()
	if kp, ok := sh.peers[addr]; ok {
		kp.Source |= source
		return true
	}
	sh.peers[addr] = newKnownPeer(addr, source)
	return true
}

// Get returns the KnownPeer for addr, if any.
func (l *List) Get(addr netip.AddrPort) (*KnownPeer, bool) {
	sh := l.shardFor(addr)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	kp, ok := sh.peers[addr]
	return kp, ok
}

// Len returns the total number of directory entries across all shards.
func (l *List) Len() int {
	n := 0
	for _, sh := range l.shards {
		sh.mu.RLock()
		n += len(sh.peers)
		sh.mu.RUnlock()
	}
	return n
}

// MarkConnecting records a connect attempt.
func (l *List) MarkConnecting(addr netip.AddrPort) {
	l.withPeer(addr, func(kp *KnownPeer) { kp.LastAttempt = time.Now() })
}

// MarkConnected records a successful connection and resets failcount.
func (l *List) MarkConnected(addr netip.AddrPort) {
	l.withPeer(addr, func(kp *KnownPeer) {
		kp.Connected = true
		kp.FailCount = 0
		kp.LastConnected = time.Now()
	})
}

// MarkDisconnected clears the connected flag, recording final transfer
// totals for future rank decisions.
func (l *List) MarkDisconnected(addr netip.AddrPort, uploaded, downloaded int64) {
	l.withPeer(addr, func(kp *KnownPeer) {
		kp.Connected = false
		kp.PriorUploadBytes = uploaded
		kp.PriorDownloadBytes = downloaded
	})
}

// MarkFailed records a failed connect attempt.
func (l *List) MarkFailed(addr netip.AddrPort) {
	l.withPeer(addr, func(kp *KnownPeer) {
		kp.FailCount++
		kp.LastAttempt = time.Now()
	})
}

// MarkSeed records that the peer announced a complete bitfield.
func (l *List) MarkSeed(addr netip.AddrPort, seed bool) {
	l.withPeer(addr, func(kp *KnownPeer) { kp.Seed = seed })
}

// Ban sets the ban bit and clears the connected flag (spec §4.3 ban
// policy); the record itself is retained so the address cannot re-enter.
func (l *List) Ban(addr netip.AddrPort) {
	l.withPeer(addr, func(kp *KnownPeer) {
		kp.Banned = true
		kp.Connected = false
	})
}

// RecordHashFail applies the spec §4.3 trust-point penalty for a peer whose
// data contributed to a failed piece hash, and auto-bans once trust bottoms
// out. Returns true if the peer was banned as a result.
func (l *List) RecordHashFail(addr netip.AddrPort) (banned bool) {
	sh := l.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	kp, ok := sh.peers[addr]
	if !ok {
		return false
	}

	kp.TrustPoints -= 2
	if kp.TrustPoints < minTrustPoints {
		kp.TrustPoints = minTrustPoints
	}
	if kp.HashFails < 255 {
		kp.HashFails++
	}

	if kp.TrustPoints <= minTrustPoints {
		kp.Banned = true
		kp.Connected = false
		return true
	}
	return false
}

// RecordTrust applies a positive trust adjustment, e.g. on a piece the peer
// contributed to passing verification.
func (l *List) RecordTrust(addr netip.AddrPort, delta int) {
	l.withPeer(addr, func(kp *KnownPeer) {
		kp.TrustPoints += delta
		if kp.TrustPoints > maxTrustPoints {
			kp.TrustPoints = maxTrustPoints
		}
		if kp.TrustPoints < minTrustPoints {
			kp.TrustPoints = minTrustPoints
		}
	})
}

func (l *List) withPeer(addr netip.AddrPort, fn func(*KnownPeer)) {
	sh := l.shardFor(addr)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if kp, ok := sh.peers[addr]; ok {
		fn(kp)
	}
}

// evictWorst removes the single worst-ranked entry. It takes every shard's
// lock in turn, so the caller must hold no shard lock; Add releases its own
// shard's lock before calling it.
func (l *List) evictWorst() {
	var worstAddr netip.AddrPort
	var worst *KnownPeer

	for _, sh := range l.shards {
		sh.mu.Lock()
		for addr, kp := range sh.peers {
			if worst == nil || kp.worseThan(worst) {
				worst, worstAddr = kp, addr
			}
		}
		sh.mu.Unlock()
	}

	if worst == nil {
		return
	}
	victimShard := l.shardFor(worstAddr)
	victimShard.mu.Lock()
	delete(victimShard.peers, worstAddr)
	victimShard.mu.Unlock()
}

// inBackoff returns whether kp is still inside its reconnect backoff
// window: now - last < min_reconnect_time * 2^min(failcount, 6), where last
// is the later of the last connect attempt and the last successful
// connection. A peer never attempted is not in backoff.
func (l *List) inBackoff(kp *KnownPeer, now time.Time) bool {
	if kp.LastConnected.IsZero() && kp.LastAttempt.IsZero() {
		return false
	}
	shift := kp.FailCount
	if shift > 6 {
		shift = 6
	}
	backoff := l.minReconnect * time.Duration(1<<uint(shift))
	last := kp.LastAttempt
	if kp.LastConnected.After(last) {
		last = kp.LastConnected
	}
	return now.Sub(last) < backoff
}

// NextCandidates returns up to n connect candidates using a round-robin
// cursor over a stable snapshot ordering, so repeated calls progress
// through the directory instead of favoring the same entries (spec §4.3).
// weAreSeed excludes other seeds from the result.
func (l *List) NextCandidates(n int, weAreSeed bool) []netip.AddrPort {
	snap := l.snapshotEligible(weAreSeed)
	if len(snap) == 0 {
		return nil
	}

	sort.Slice(snap, func(i, j int) bool {
		a, b := snap[i], snap[j]
		if a.FailCount != b.FailCount {
			return a.FailCount < b.FailCount
		}
		if a.TrustPoints != b.TrustPoints {
			return a.TrustPoints > b.TrustPoints
		}
		if !a.LastConnected.Equal(b.LastConnected) {
			return a.LastConnected.Before(b.LastConnected)
		}
		return a.Addr.Compare(b.Addr) < 0
	})

	l.cursorMu.Lock()
	defer l.cursorMu.Unlock()

	out := make([]netip.AddrPort, 0, n)
	for i := 0; i < len(snap) && len(out) < n; i++ {
		idx := (l.cursor + i) % len(snap)
		out = append(out, snap[idx].Addr)
	}
	l.cursor = (l.cursor + len(out)) % len(snap)
	return out
}

func (l *List) snapshotEligible(weAreSeed bool) []*KnownPeer {
	now := time.Now()
	var out []*KnownPeer
	for _, sh := range l.shards {
		sh.mu.RLock()
		for _, kp := range sh.peers {
			if kp.Banned || kp.Connected || !kp.Connectable {
				continue
			}
			if weAreSeed && kp.Seed {
				continue
			}
			if l.inBackoff(kp, now) {
				continue
			}
			cp := *kp
			out = append(out, &cp)
		}
		sh.mu.RUnlock()
	}
	return out
}

// Snapshot returns a copy of every entry, for diagnostics/persistence.
func (l *List) Snapshot() []KnownPeer {
	var out []KnownPeer
	for _, sh := range l.shards {
		sh.mu.RLock()
		for _, kp := range sh.peers {
			out = append(out, *kp)
		}
		sh.mu.RUnlock()
	}
	return out
}
