// Package piecepicker decides which blocks a given peer should request
// next, keeping a torrent-wide view of piece availability and in-flight
// requests so peers never race each other outside endgame mode.
package piecepicker

import (
	"math/rand"

	"github.com/kzahel/jstorrent-sub016/internal/bitfield"
	"github.com/willf/bitset"
)

// BlockSize is the standard request unit; the final block of a piece may
// be shorter.
const BlockSize = 16 * 1024

// Priority is a per-piece download priority, inherited from per-file
// priorities.
type Priority uint8

const (
	Skip Priority = iota
	Normal
	High
)

// Block identifies one request-sized chunk of a piece.
type Block struct {
	Piece, Begin, Length uint32
}

// BlockDoneFunc reports whether a block has already been written into
// ActivePieces' buffer, independent of whether it is still in-flight.
// The picker consults it so it never re-requests a block that merely
// hasn't been cancelled yet.
type BlockDoneFunc func(piece, begin uint32) bool

type pieceBlocks struct {
	numBlocks   uint32
	lastLen     uint32
	requested   *bitset.BitSet
}

// Picker is owned by exactly one Torrent and touched only from that
// torrent's event-loop goroutine.
type Picker struct {
	numPieces       uint32
	pieceLength     int64
	totalLength     int64
	endgameThresh   int
	availability    []int32
	priority        []Priority
	verified        *bitfield.Bitfield
	pieces          []pieceBlocks
	remainingBlocks int
	totalBlocks     int
	rng             *rand.Rand
	rotation        uint32
}

// New builds a picker for a torrent with numPieces pieces of pieceLength
// bytes each (the final piece may be shorter, derived from totalLength).
// verified is the torrent's own bitfield; the picker only reads it.
func New(numPieces uint32, pieceLength, totalLength int64, verified *bitfield.Bitfield, rng *rand.Rand) *Picker {
	p := &Picker{
		numPieces:     numPieces,
		pieceLength:   pieceLength,
		totalLength:   totalLength,
		availability:  make([]int32, numPieces),
		priority:      make([]Priority, numPieces),
		verified:      verified,
		pieces:        make([]pieceBlocks, numPieces),
		rng:           rng,
	}
	for i := range p.priority {
		p.priority[i] = Normal
	}
	total := 0
	for i := uint32(0); i < numPieces; i++ {
		plen := p.pieceLen(i)
		nb := blocksIn(plen)
		p.pieces[i] = pieceBlocks{
			numBlocks: nb,
			lastLen:   lastBlockLen(plen),
			requested: bitset.New(uint(nb)),
		}
		total += int(nb)
	}
	p.totalBlocks = total
	p.remainingBlocks = total
	p.endgameThresh = maxInt(1, total/200)
	if p.rng == nil {
		p.rng = rand.New(rand.NewSource(1))
	}
	return p
}

func (p *Picker) pieceLen(i uint32) int64 {
	start := int64(i) * p.pieceLength
	end := start + p.pieceLength
	if end > p.totalLength {
		end = p.totalLength
	}
	if end < start {
		return 0
	}
	return end - start
}

func blocksIn(pieceLen int64) uint32 {
	if pieceLen <= 0 {
		return 0
	}
	return uint32((pieceLen + BlockSize - 1) / BlockSize)
}

func lastBlockLen(pieceLen int64) uint32 {
	if pieceLen <= 0 {
		return 0
	}
	n := pieceLen % BlockSize
	if n == 0 {
		return BlockSize
	}
	return uint32(n)
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// SetPriority sets a per-piece download priority; Skip pieces are never
// picked.
func (p *Picker) SetPriority(piece uint32, pr Priority) {
	if piece < p.numPieces {
		p.priority[piece] = pr
	}
}

// ApplyAvailabilityDelta adjusts every piece set in bf by delta,
// called when a peer's bitfield/HAVE is received (delta=+1) or the peer
// disconnects (delta=-1).
func (p *Picker) ApplyAvailabilityDelta(bf *bitfield.Bitfield, delta int32) {
	if bf == nil {
		return
	}
	n := bf.Len()
	if n > p.numPieces {
		n = p.numPieces
	}
	for i := uint32(0); i < n; i++ {
		if bf.Test(i) {
			p.availability[i] += delta
			if p.availability[i] < 0 {
				p.availability[i] = 0
			}
		}
	}
}

// ApplyHaveDelta adjusts a single piece's availability.
func (p *Picker) ApplyHaveDelta(piece uint32, delta int32) {
	if piece >= p.numPieces {
		return
	}
	p.availability[piece] += delta
	if p.availability[piece] < 0 {
		p.availability[piece] = 0
	}
}

// MarkBlockDone should be called once a block has been durably written
// (ActivePieces commit) so the picker's remaining-block count, and thus
// endgame eligibility, stays accurate. It is safe to call more than once
// for the same block.
func (p *Picker) MarkBlockDone(piece, begin uint32) {
	if piece >= p.numPieces {
		return
	}
	if p.remainingBlocks > 0 {
		p.remainingBlocks--
	}
}

// ReleasePiece resets the requested bitmap for a piece, used when a
// piece is evicted from ActivePieces and must be re-picked from
// scratch.
func (p *Picker) ReleasePiece(piece uint32) {
	if piece >= p.numPieces {
		return
	}
	p.pieces[piece].requested.ClearAll()
}

// ReleaseBlock returns a single block to the pool of requestable blocks,
// used on peer disconnect, CANCEL, or request timeout.
func (p *Picker) ReleaseBlock(piece, begin uint32) {
	if piece >= p.numPieces {
		return
	}
	pb := &p.pieces[piece]
	bi := begin / BlockSize
	if bi < pb.numBlocks {
		pb.requested.Clear(uint(bi))
	}
}

// Endgame reports whether duplicate requests are currently permitted.
func (p *Picker) Endgame() bool {
	return p.remainingBlocks <= p.endgameThresh
}

func (p *Picker) blockLength(piece, blockIdx uint32) uint32 {
	pb := &p.pieces[piece]
	if blockIdx == pb.numBlocks-1 {
		return pb.lastLen
	}
	return BlockSize
}

// PickBlocks selects up to max blocks the given peer (identified by
// peerHas, its bitfield) should request next. done reports whether a
// block has already been durably received, so endgame duplication never
// re-requests something already committed.
func (p *Picker) PickBlocks(peerHas *bitfield.Bitfield, max int, done BlockDoneFunc) []Block {
	if max <= 0 {
		return nil
	}
	verifiedCount := p.verified.Count()
	endgame := p.Endgame()

	var out []Block
	if verifiedCount < 4 && !endgame {
		out = p.pickRandomFirst(peerHas, max, done)
	} else {
		out = p.pickRarestFirst(peerHas, max, done, endgame)
	}
	return out
}

func (p *Picker) candidatePieces(peerHas *bitfield.Bitfield) []uint32 {
	var candidates []uint32
	for i := uint32(0); i < p.numPieces; i++ {
		if p.priority[i] == Skip {
			continue
		}
		if p.verified.Test(i) {
			continue
		}
		if peerHas != nil && i < peerHas.Len() && !peerHas.Test(i) {
			continue
		}
		candidates = append(candidates, i)
	}
	return candidates
}

func (p *Picker) pickRandomFirst(peerHas *bitfield.Bitfield, max int, done BlockDoneFunc) []Block {
	candidates := p.candidatePieces(peerHas)
	if len(candidates) == 0 {
		return nil
	}
	p.rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	var out []Block
	for _, piece := range candidates {
		out = p.pickFromPiece(piece, out, max, done, false)
		if len(out) >= max {
			break
		}
	}
	return out
}

func (p *Picker) pickRarestFirst(peerHas *bitfield.Bitfield, max int, done BlockDoneFunc, endgame bool) []Block {
	candidates := p.candidatePieces(peerHas)
	if len(candidates) == 0 {
		return nil
	}
	// Sort candidates by (availability asc, priority desc, index asc),
	// rotating the start point each call to avoid always favoring the
	// same low index among ties.
	p.rotation++
	sortCandidates(candidates, p.availability, p.priority, p.rotation)

	var out []Block
	for _, piece := range candidates {
		out = p.pickFromPiece(piece, out, max, done, endgame)
		if len(out) >= max {
			break
		}
	}
	return out
}

func sortCandidates(candidates []uint32, availability []int32, priority []Priority, rotation uint32) {
	less := func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if availability[a] != availability[b] {
			return availability[a] < availability[b]
		}
		if priority[a] != priority[b] {
			return priority[a] > priority[b]
		}
		ra := (a + rotation) % uint32(len(candidates)+1)
		rb := (b + rotation) % uint32(len(candidates)+1)
		return ra < rb
	}
	insertionSort(candidates, less)
}

func insertionSort(s []uint32, less func(i, j int) bool) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(j, j-1); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func (p *Picker) pickFromPiece(piece uint32, out []Block, max int, done BlockDoneFunc, endgame bool) []Block {
	pb := &p.pieces[piece]
	for bi := uint32(0); bi < pb.numBlocks && len(out) < max; bi++ {
		begin := bi * BlockSize
		if done != nil && done(piece, begin) {
			continue
		}
		already := pb.requested.Test(uint(bi))
		if already && !endgame {
			continue
		}
		pb.requested.Set(uint(bi))
		out = append(out, Block{Piece: piece, Begin: begin, Length: p.blockLength(piece, bi)})
	}
	return out
}

// NumBlocks reports the total number of blocks in the torrent.
func (p *Picker) NumBlocks() int { return p.totalBlocks }

// RemainingBlocks reports blocks not yet marked done.
func (p *Picker) RemainingBlocks() int { return p.remainingBlocks }
