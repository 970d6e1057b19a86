// Package picker implements the PiecePicker component (spec §4.2): it
// decides which (piece, block) pairs a session should request next. It is
// a pure data structure with no I/O and no retries of its own — failures
// at the storage or transport layer are the caller's concern.
//
// Grounded on the teacher's internal/piece package (Picker,
// availabilityBucket, block/piece state machine), split from the single
// Picker type there into piecemap.Map (ownership bookkeeping) plus this
// package's Picker (selection policy), since the two are named as
// independent components.
package picker

import (
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/quillbt/rabbit/internal/bitfield"
	"github.com/quillbt/rabbit/internal/swarm/piecemap"
)

// BlockState mirrors the per-block lifecycle named in spec §3: a block is
// requested, then writing (bytes arrived, awaiting piece hash), then
// finished once its piece passes verification.
type BlockState uint8

const (
	BlockNone BlockState = iota
	BlockRequested
	BlockWriting
	BlockFinished
)

// SpeedBucket classifies a peer's recent payload rate, used to decide
// whether it may "steal" a slow peer's partially-downloaded piece (spec
// §4.2 step 4).
type SpeedBucket uint8

const (
	SpeedNone SpeedBucket = iota
	SpeedSlow
	SpeedMedium
	SpeedFast
)

// SessionID identifies the peer session requesting or holding a block. The
// swarm engine uses the remote socket address, matching the teacher's
// netip.AddrPort-keyed peer maps.
type SessionID = netip.AddrPort

// Block identifies one request unit.
type Block struct {
	Piece  int
	Index  int
	Begin  int64
	Length int64
	// Busy marks an intentional duplicate request issued during busy mode
	// or endgame.
	Busy bool
}

type pendingRequest struct {
	session     SessionID
	requestedAt time.Time
	timedOut    bool
	notWanted   bool
	busy        bool
	seq         uint64
}

type blockRec struct {
	state   BlockState
	owners  []pendingRequest
}

type pieceRec struct {
	index        int
	blocks       []blockRec
	numFinished  int
	locked       bool
	lastActivity time.Time
}

func (p *pieceRec) stalled(avgPieceTime time.Duration) bool {
	if p.lastActivity.IsZero() {
		return false
	}
	return time.Since(p.lastActivity) > avgPieceTime
}

// Options configures one PickBlocks call. Fields default to the
// zero value meaning "off".
type Options struct {
	SequentialDownload bool
	AntiSparseBoost    bool
	PeerSpeed          SpeedBucket
}

// Picker implements the selection algorithm of spec §4.2 against a shared
// piecemap.Map.
type Picker struct {
	mu sync.Mutex

	m *piecemap.Map

	pieces       []*pieceRec
	avail        *availabilityBucket
	timeCritical map[int]time.Time

	endgame         bool
	remainingBlocks int
	seq             uint64

	avgPieceTime time.Duration

	maxDuplicates   int // busy-mode / endgame duplicate cap per block
	endgameThresh   int
}

// New builds a Picker bound to m. maxPeers bounds the availability tracker
// (spec allows availability up to the configured peer cap); endgameThresh
// and maxDuplicates come from config.Config (EndgameThreshold,
// EndgameDupPerBlock / BusyModeMaxDuplicates).
func New(m *piecemap.Map, maxPeers, endgameThresh, maxDuplicates int) *Picker {
	n := m.NumPieces()
	pieces := make([]*pieceRec, n)
	total := 0
	for i := 0; i < n; i++ {
		bc := m.BlockCount(i)
		pieces[i] = &pieceRec{index: i, blocks: make([]blockRec, bc)}
		total += bc
	}

	return &Picker{
		m:               m,
		pieces:          pieces,
		avail:           newAvailabilityBucket(n, maxPeers, rand.New(rand.NewSource(rand.Int63()))),
		timeCritical:    make(map[int]time.Time),
		remainingBlocks: total,
		avgPieceTime:    30 * time.Second,
		maxDuplicates:   maxDuplicates,
		endgameThresh:   endgameThresh,
	}
}

// OnPeerHave records that a peer has announced piece i (Have or Bitfield).
func (p *Picker) OnPeerHave(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.pieces) {
		return
	}
	p.avail.Move(i, 1)
}

// OnPeerBitfield records availability for every piece set in bf.
func (p *Picker) OnPeerBitfield(bf bitfield.Bitfield) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.pieces {
		if bf.Has(i) {
			p.avail.Move(i, 1)
		}
	}
}

// OnPeerGone retracts availability for every piece in bf, called when a
// session disconnects.
func (p *Picker) OnPeerGone(bf bitfield.Bitfield) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.pieces {
		if bf.Has(i) {
			p.avail.Move(i, -1)
		}
	}
}

// SetTimeCritical marks piece i as time-critical with the given deadline,
// or clears it if zero. Step 1 of the selection algorithm.
func (p *Picker) SetTimeCritical(i int, deadline time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if deadline.IsZero() {
		delete(p.timeCritical, i)
		return
	}
	p.timeCritical[i] = deadline
}

// SetPiecePriority forwards to the underlying piecemap and, if priority
// drops to 0, drops piece i from the time-critical set (spec §4.2:
// existing outstanding blocks are left alone, but no new ones are added
// and it leaves the deadline ordering).
func (p *Picker) SetPiecePriority(i int, priority uint8) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	changed := p.m.SetPriority(i, priority)
	if priority == 0 {
		delete(p.timeCritical, i)
	}
	return changed
}

// WeHave reports whether piece i is fully downloaded.
func (p *Picker) WeHave(i int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.m.Have(i)
}

// LockPiece prevents further picks from piece i until Unlock is called
// (used while storage clears it after a hash failure).
func (p *Picker) LockPiece(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pieces[i].locked = true
}

func (p *Picker) UnlockPiece(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pieces[i].locked = false
}

// RestorePiece resets every block of piece i to BlockNone, per spec §4.2
// ("a verification failure returns it to none for all blocks and locks it
// until storage confirms a clear"). The caller is expected to have already
// called LockPiece.
func (p *Picker) RestorePiece(i int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pr := p.pieces[i]
	for b := range pr.blocks {
		if pr.blocks[b].state == BlockFinished {
			p.remainingBlocks++
		}
		pr.blocks[b] = blockRec{}
	}
	pr.numFinished = 0
}

// MarkAsDownloading transitions a block to Requested, recording the
// requesting session. Fails (returns false) if the piece is locked.
func (p *Picker) MarkAsDownloading(piece, block int, session SessionID, busy bool) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pieces[piece].locked {
		return false
	}
	return p.markDownloadingLocked(piece, block, session, busy)
}

func (p *Picker) effectiveDuplicateCap() int {
	if p.endgame {
		return max(1, p.maxDuplicates)
	}
	return 1
}

// MarkAsWriting transitions a block to Writing (bytes received, awaiting
// piece hash).
func (p *Picker) MarkAsWriting(piece, block int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pieces[piece].blocks[block].state = BlockWriting
}

// MarkAsFinished transitions a block to Finished and clears its owners.
func (p *Picker) MarkAsFinished(piece, block int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pr := p.pieces[piece]
	b := &pr.blocks[block]
	if b.state != BlockFinished {
		pr.numFinished++
		p.remainingBlocks--
	}
	b.state = BlockFinished
	b.owners = nil
}

// AbortDownload removes session's outstanding request for a block. If no
// owners remain and the block wasn't finished, it reverts to BlockNone so
// another session may pick it up.
func (p *Picker) AbortDownload(piece, block int, session SessionID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := &p.pieces[piece].blocks[block]
	for i, o := range b.owners {
		if o.session == session {
			b.owners = append(b.owners[:i], b.owners[i+1:]...)
			break
		}
	}
	if len(b.owners) == 0 && b.state != BlockFinished {
		b.state = BlockNone
	}
}

// MarkTimedOut flags session's outstanding request for a block as timed
// out, without removing it — a session gets one timeout before its
// request is abandoned (AbortDownload) and the block opened up to other
// peers, per spec §4.4's second-timeout-before-abandon rule.
func (p *Picker) MarkTimedOut(piece, block int, session SessionID) (alreadyTimedOut bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := &p.pieces[piece].blocks[block]
	for i := range b.owners {
		if b.owners[i].session == session {
			alreadyTimedOut = b.owners[i].timedOut
			b.owners[i].timedOut = true
			return alreadyTimedOut
		}
	}
	return false
}

// CancelRedundant marks every other session's outstanding request for a
// block not_wanted once one owner's data has already arrived, so the
// caller can identify and tally redundant bytes when those responses
// eventually show up (spec §4.4 endgame duplicate accounting). It returns
// the sessions whose requests were marked.
func (p *Picker) CancelRedundant(piece, block int, winner SessionID) []SessionID {
	p.mu.Lock()
	defer p.mu.Unlock()

	b := &p.pieces[piece].blocks[block]
	var others []SessionID
	for i := range b.owners {
		if b.owners[i].session == winner || b.owners[i].notWanted {
			continue
		}
		b.owners[i].notWanted = true
		others = append(others, b.owners[i].session)
	}
	return others
}

// MaybeEnterEndgame flips to endgame mode once remaining unfinished blocks
// drops to or below the configured threshold (spec §4.2 step 7).
func (p *Picker) MaybeEnterEndgame() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.endgame && p.remainingBlocks > 0 && p.remainingBlocks <= p.endgameThresh {
		p.endgame = true
	}
}

func (p *Picker) Endgame() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.endgame
}

// ObserveAvgPieceTime updates the running estimate used to decide whether
// a piece is "stalled" (spec §4.2 step 6).
func (p *Picker) ObserveAvgPieceTime(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Exponential moving average, same smoothing the teacher uses for
	// peer rate tracking (alpha = 0.2).
	const alpha = 0.2
	p.avgPieceTime = time.Duration(alpha*float64(d) + (1-alpha)*float64(p.avgPieceTime))
}

// PickBlocks returns up to wantN blocks the session may request, applying
// the selection algorithm of spec §4.2.
func (p *Picker) PickBlocks(session SessionID, wantN int, peerHas bitfield.Bitfield, opts Options) []Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	if wantN <= 0 {
		return nil
	}

	out := make([]Block, 0, wantN)

	// Step 1: time-critical pieces the peer has, sorted by deadline.
	out = p.pickTimeCritical(session, peerHas, wantN, out)
	if len(out) >= wantN {
		return out
	}

	// Step 2/3: sequential or rarest-first.
	var candidate int
	var ok bool
	if opts.SequentialDownload {
		candidate, ok = p.selectSequential(peerHas)
	} else {
		candidate, ok = p.selectRarestFirst(peerHas, opts)
	}

	for ok && len(out) < wantN {
		added := p.pickFromPiece(session, candidate, wantN-len(out), false)
		out = append(out, added...)

		if len(out) >= wantN {
			break
		}

		// Step 6: busy mode if the piece is stalled and had no free
		// blocks.
		if len(added) == 0 && p.pieces[candidate].stalled(p.avgPieceTime) {
			out = append(out, p.pickFromPiece(session, candidate, wantN-len(out), true)...)
		}

		if opts.SequentialDownload {
			candidate, ok = p.selectSequential(peerHas)
		} else {
			candidate, ok = p.selectRarestFirst(peerHas, opts)
		}
	}

	// Step 7: endgame — any wanted block from any piece the peer has.
	if p.endgame && len(out) < wantN {
		out = p.pickEndgame(session, peerHas, wantN, out)
	}

	return out
}

// timeCriticalCandidate pairs a piece index with its deadline for sorting
// in pickTimeCritical.
type timeCriticalCandidate struct {
	piece    int
	deadline time.Time
}

// selectSequential returns the lowest-indexed wanted piece the peer has
// (spec §4.2 step 2).
func (p *Picker) selectSequential(peerHas bitfield.Bitfield) (int, bool) {
	for i, pr := range p.pieces {
		if pr.locked || pr.numFinished == len(pr.blocks) {
			continue
		}
		if i < peerHas.Len() && peerHas.Has(i) && p.pieceWanted(i) {
			return i, true
		}
	}
	return 0, false
}

// selectRarestFirst implements steps 3-4: prefer a piece we're already
// partway through downloading (so it finishes and frees its peers sooner),
// unless opts.AntiSparseBoost is set and the requesting peer is SpeedFast,
// in which case rarest-first takes over. The speed of the in-progress
// piece's current owners is not checked. Falls back to the globally rarest
// wanted piece the peer has.
func (p *Picker) selectRarestFirst(peerHas bitfield.Bitfield, opts Options) (int, bool) {
	if !opts.AntiSparseBoost || opts.PeerSpeed != SpeedFast {
		if i, ok := p.continueExisting(peerHas); ok {
			return i, true
		}
	}

	for a := 0; a <= p.avail.maxAvail; a++ {
		for _, i := range p.avail.Bucket(a) {
			pr := p.pieces[i]
			if pr.locked || pr.numFinished == len(pr.blocks) {
				continue
			}
			if i < peerHas.Len() && peerHas.Has(i) && p.pieceWanted(i) {
				return i, true
			}
		}
	}
	return 0, false
}

// continueExisting looks for a piece with at least one finished block but
// not yet complete, so existing partial pieces finish
// before new ones start (spec §4.2 step 4).
func (p *Picker) continueExisting(peerHas bitfield.Bitfield) (int, bool) {
	for i, pr := range p.pieces {
		if pr.locked || pr.numFinished == 0 || pr.numFinished == len(pr.blocks) {
			continue
		}
		if i < peerHas.Len() && peerHas.Has(i) && p.pieceWanted(i) {
			return i, true
		}
	}
	return 0, false
}

func (p *Picker) pieceWanted(i int) bool {
	if !p.m.Wanted(i) {
		return false
	}
	for b := range p.pieces[i].blocks {
		if p.pieces[i].blocks[b].state == BlockNone {
			return true
		}
	}
	return false
}

func (p *Picker) pickTimeCritical(session SessionID, peerHas bitfield.Bitfield, wantN int, out []Block) []Block {
	if len(p.timeCritical) == 0 {
		return out
	}

	var list []timeCriticalCandidate
	for piece, dl := range p.timeCritical {
		if piece < peerHas.Len() && peerHas.Has(piece) && !p.pieces[piece].locked {
			list = append(list, timeCriticalCandidate{piece, dl})
		}
	}
	sortByDeadline(list)

	for _, c := range list {
		if len(out) >= wantN {
			break
		}
		out = append(out, p.pickFromPiece(session, c.piece, wantN-len(out), false)...)
	}
	return out
}

func sortByDeadline(list []timeCriticalCandidate) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].deadline.Before(list[j-1].deadline); j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
}

// pickFromPiece returns the lowest-indexed eligible block(s) of piece,
// marking them as downloading for session. If allowBusy is true, blocks
// already requested (but not finished) may be picked again up to the
// duplicate cap, preferring the block with fewest existing requesters.
func (p *Picker) pickFromPiece(session SessionID, piece, want int, allowBusy bool) []Block {
	pr := p.pieces[piece]
	if pr.locked {
		return nil
	}

	var out []Block
	for b := range pr.blocks {
		if len(out) >= want {
			break
		}
		rec := &pr.blocks[b]
		if rec.state == BlockFinished {
			continue
		}
		if rec.state == BlockNone {
			if p.markDownloadingLocked(piece, b, session, false) {
				begin, length := p.m.BlockSpan(piece, b)
				out = append(out, Block{Piece: piece, Index: b, Begin: begin, Length: length})
			}
		}
	}

	if len(out) > 0 || !allowBusy {
		return out
	}

	// Busy mode: prefer the block with the fewest requesters.
	bestBlock := -1
	bestCount := int(^uint(0) >> 1)
	for b := range pr.blocks {
		rec := &pr.blocks[b]
		if rec.state == BlockFinished {
			continue
		}
		if len(rec.owners) < p.maxDuplicates && len(rec.owners) < bestCount {
			bestBlock = b
			bestCount = len(rec.owners)
		}
	}
	if bestBlock >= 0 && p.markDownloadingLocked(piece, bestBlock, session, true) {
		begin, length := p.m.BlockSpan(piece, bestBlock)
		out = append(out, Block{Piece: piece, Index: bestBlock, Begin: begin, Length: length, Busy: true})
	}
	return out
}

// markDownloadingLocked is MarkAsDownloading without re-acquiring the
// mutex, for internal callers already holding it.
func (p *Picker) markDownloadingLocked(piece, block int, session SessionID, busy bool) bool {
	pr := p.pieces[piece]
	b := &pr.blocks[block]
	if len(b.owners) >= p.effectiveDuplicateCap() && !busy {
		return false
	}
	if busy && len(b.owners) >= p.maxDuplicates {
		return false
	}

	p.seq++
	b.owners = append(b.owners, pendingRequest{session: session, requestedAt: time.Now(), busy: busy, seq: p.seq})
	if b.state == BlockNone {
		b.state = BlockRequested
	}
	pr.lastActivity = time.Now()
	return true
}

func (p *Picker) pickEndgame(session SessionID, peerHas bitfield.Bitfield, wantN int, out []Block) []Block {
	for i, pr := range p.pieces {
		if len(out) >= wantN {
			break
		}
		if pr.locked || i >= peerHas.Len() || !peerHas.Has(i) {
			continue
		}
		for b := range pr.blocks {
			if len(out) >= wantN {
				break
			}
			rec := &pr.blocks[b]
			if rec.state == BlockFinished || len(rec.owners) >= p.maxDuplicates {
				continue
			}
			already := false
			for _, o := range rec.owners {
				if o.session == session {
					already = true
					break
				}
			}
			if already {
				continue
			}
			if p.markDownloadingLocked(i, b, session, true) {
				begin, length := p.m.BlockSpan(i, b)
				out = append(out, Block{Piece: i, Index: b, Begin: begin, Length: length, Busy: true})
			}
		}
	}
	return out
}

// RemainingBlocks reports the count of unfinished blocks across the whole
// torrent, used by the caller to drive MaybeEnterEndgame.
func (p *Picker) RemainingBlocks() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remainingBlocks
}
