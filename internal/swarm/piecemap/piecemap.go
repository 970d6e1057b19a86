// Package piecemap owns the per-torrent piece bitsets and the pure
// piece/block size arithmetic everything else in internal/swarm builds on.
// It deliberately knows nothing about peers, requests, or selection policy
// — that lives in internal/swarm/picker. Grounded on the teacher's
// internal/piece/util.go (piece/block size derivation) and the have/passed
// bitset idea implicit in internal/piece/piece.go's per-piece "verified"
// flag, generalized here into the two bitsets the spec keeps distinct.
package piecemap

import (
	"crypto/sha1"
	"fmt"

	"github.com/quillbt/rabbit/internal/bitfield"
)

// FileSpan describes one file's byte range within the concatenated torrent
// data, used to compute block_bytes_wanted around padding files.
type FileSpan struct {
	Start     int64
	End       int64
	IsPadding bool
}

// Map maintains have_bitfield and passed_bitfield (spec §4.1) plus the
// piece/block layout derived from piece length and total size.
type Map struct {
	pieceLength int64
	totalSize   int64
	blockSize   int64
	numPieces   int

	hashes []([sha1.Size]byte)
	files  []FileSpan

	have   bitfield.Bitfield
	passed bitfield.Bitfield

	priority []uint8 // 0..7, per piece
}

// DefaultBlockSize is the baseline block granularity (spec §3): 16 KiB,
// reduced for small pieces, raised if a piece would otherwise need more
// than 256 blocks.
const DefaultBlockSize = 16 * 1024

// New builds a Map for a torrent of the given total size, piece length,
// and per-piece SHA-1 hashes. files describes the byte layout used to
// compute block_bytes_wanted; pass nil for a single non-padded file
// spanning the whole torrent.
func New(totalSize, pieceLength int64, hashes [][sha1.Size]byte, files []FileSpan) (*Map, error) {
	if pieceLength <= 0 || totalSize <= 0 {
		return nil, fmt.Errorf("piecemap: invalid size piece_length=%d total_size=%d", pieceLength, totalSize)
	}
	numPieces := len(hashes)
	if numPieces == 0 {
		return nil, fmt.Errorf("piecemap: no piece hashes")
	}

	blockSize := int64(DefaultBlockSize)
	if pieceLength < blockSize {
		blockSize = pieceLength
	}
	for pieceLength/blockSize > 256 {
		blockSize *= 2
	}

	if len(files) == 0 {
		files = []FileSpan{{Start: 0, End: totalSize}}
	}

	priority := make([]uint8, numPieces)
	for i := range priority {
		priority[i] = 1
	}

	return &Map{
		pieceLength: pieceLength,
		totalSize:   totalSize,
		blockSize:   blockSize,
		numPieces:   numPieces,
		hashes:      append([][sha1.Size]byte(nil), hashes...),
		files:       files,
		have:        bitfield.New(numPieces),
		passed:      bitfield.New(numPieces),
		priority:    priority,
	}, nil
}

func (m *Map) NumPieces() int   { return m.numPieces }
func (m *Map) BlockSize() int64 { return m.blockSize }

// PieceSize returns the byte length of piece i, accounting for the final
// (possibly short) piece.
func (m *Map) PieceSize(i int) int64 {
	if i < 0 || i >= m.numPieces {
		return 0
	}
	if i == m.numPieces-1 {
		rem := m.totalSize % m.pieceLength
		if rem != 0 {
			return rem
		}
	}
	return m.pieceLength
}

// BlockCount returns the number of blocks piece i is split into.
func (m *Map) BlockCount(i int) int {
	size := m.PieceSize(i)
	if size == 0 {
		return 0
	}
	return int((size + m.blockSize - 1) / m.blockSize)
}

// BlockSpan returns the [begin, length) byte range of block within piece i.
func (m *Map) BlockSpan(i, block int) (begin, length int64) {
	pieceSize := m.PieceSize(i)
	begin = int64(block) * m.blockSize
	length = m.blockSize
	if begin+length > pieceSize {
		length = pieceSize - begin
	}
	return begin, length
}

// PieceOffset returns the absolute byte offset of the start of piece i
// within the concatenated torrent data.
func (m *Map) PieceOffset(i int) int64 { return int64(i) * m.pieceLength }

// BlockBytesWanted returns the number of bytes in the given block that
// belong to non-padding files, per spec §4.1. A block entirely covered by
// padding files returns 0, meaning it need not be requested.
func (m *Map) BlockBytesWanted(piece, block int) int64 {
	begin, length := m.BlockSpan(piece, block)
	if length <= 0 {
		return 0
	}
	blockStart := m.PieceOffset(piece) + begin
	blockEnd := blockStart + length

	var wanted int64
	for _, f := range m.files {
		if f.IsPadding {
			continue
		}
		lo := max64(blockStart, f.Start)
		hi := min64(blockEnd, f.End)
		if hi > lo {
			wanted += hi - lo
		}
	}
	return wanted
}

// Hash returns the expected SHA-1 for piece i.
func (m *Map) Hash(i int) [sha1.Size]byte { return m.hashes[i] }

// Have reports whether piece i is durably written (have ⊆ passed).
func (m *Map) Have(i int) bool { return m.have.Has(i) }

// Passed reports whether piece i has been hash-verified, regardless of
// whether it has been flushed to storage yet.
func (m *Map) Passed(i int) bool { return m.passed.Has(i) }

// NumHave returns popcount(have).
func (m *Map) NumHave() int { return m.have.Count() }

// NumPassed returns popcount(passed).
func (m *Map) NumPassed() int { return m.passed.Count() }

// MarkPassed sets the passed bit for piece i. Returns false if already set.
func (m *Map) MarkPassed(i int) bool { return m.passed.Set(i) }

// MarkHave sets the have bit for piece i, maintaining have ⊆ passed by
// requiring passed to already be set. Returns false if the invariant would
// be violated or the bit was already set.
func (m *Map) MarkHave(i int) bool {
	if !m.passed.Has(i) {
		return false
	}
	return m.have.Set(i)
}

// Restore clears both have and passed for piece i, per restore_piece in
// spec §4.2 (hash-failure recovery).
func (m *Map) Restore(i int) {
	m.have.Clear(i)
	m.passed.Clear(i)
}

// HaveBitfield returns a copy of the have bitset, suitable for a wire
// Bitfield message.
func (m *Map) HaveBitfield() bitfield.Bitfield { return m.have.Clone() }

// Priority returns piece i's priority (0..7).
func (m *Map) Priority(i int) uint8 { return m.priority[i] }

// SetPriority sets piece i's priority, clamped to [0,7]. Returns false if
// the value was already set (idempotence, spec §8 Laws).
func (m *Map) SetPriority(i int, p uint8) bool {
	if p > 7 {
		p = 7
	}
	if m.priority[i] == p {
		return false
	}
	m.priority[i] = p
	return true
}

// Wanted reports whether piece i should be downloaded at all.
func (m *Map) Wanted(i int) bool { return m.priority[i] > 0 && !m.Have(i) }

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
