// Package activepieces buffers in-progress pieces and verifies them once
// every block has arrived, per spec.md §4.5.
package activepieces

import (
	"context"

	"github.com/kzahel/jstorrent-sub016/internal/ports"
	"github.com/willf/bitset"
)

const blockSize = 16 * 1024

// ExpectedHashFunc returns the metainfo hash for a piece index.
type ExpectedHashFunc func(piece uint32) [20]byte

// PieceLenFunc returns the exact byte length of a piece index (the final
// piece may be shorter than the nominal piece length).
type PieceLenFunc func(piece uint32) int64

// VerifyResult is delivered on the channel returned by Results once a
// piece's hash job completes.
type VerifyResult struct {
	Piece        uint32
	OK           bool
	Data         []byte
	Contributors []string
	Err          error
}

type activePiece struct {
	length       int64
	buf          []byte
	received     *bitset.BitSet
	numBlocks    uint32
	lastLen      uint32
	receivedCnt  uint32
	contributors map[string]struct{}
}

func newActivePiece(length int64) *activePiece {
	nb := uint32((length + blockSize - 1) / blockSize)
	last := uint32(length % blockSize)
	if last == 0 {
		last = blockSize
	}
	return &activePiece{
		length:       length,
		buf:          make([]byte, length),
		received:     bitset.New(uint(nb)),
		numBlocks:    nb,
		lastLen:      last,
		contributors: make(map[string]struct{}),
	}
}

func (a *activePiece) blockLen(bi uint32) uint32 {
	if bi == a.numBlocks-1 {
		return a.lastLen
	}
	return blockSize
}

// ActivePieces holds every piece currently being assembled for one
// torrent. It is owned by that torrent and touched only from its event
// loop goroutine.
type ActivePieces struct {
	maxActive    int
	pieceLen     PieceLenFunc
	expectedHash ExpectedHashFunc
	hasher       ports.Hasher
	pieces       map[uint32]*activePiece
	resultC      chan VerifyResult
	released     func(piece uint32)
}

// New constructs an ActivePieces table. released is called whenever a
// piece is evicted or fails verification, so the caller can return its
// blocks to the picker.
func New(maxActive int, pieceLen PieceLenFunc, expectedHash ExpectedHashFunc, hasher ports.Hasher, released func(piece uint32)) *ActivePieces {
	if maxActive <= 0 {
		maxActive = 200
	}
	return &ActivePieces{
		maxActive:    maxActive,
		pieceLen:     pieceLen,
		expectedHash: expectedHash,
		hasher:       hasher,
		pieces:       make(map[uint32]*activePiece),
		resultC:      make(chan VerifyResult, 8),
		released:     released,
	}
}

// Results returns the channel the owning Torrent should select on to
// learn about completed hash jobs.
func (ap *ActivePieces) Results() <-chan VerifyResult { return ap.resultC }

// ErrOutOfRange and ErrOverlap are returned by WriteBlock.
type writeError string

func (e writeError) Error() string { return string(e) }

const (
	ErrOutOfRange = writeError("activepieces: block out of range")
	ErrOverlap    = writeError("activepieces: overlapping write")
)

// BlockDone reports whether a block has already been written into an
// in-progress piece's buffer; the picker consults this to avoid
// redundant requests.
func (ap *ActivePieces) BlockDone(piece, begin uint32) bool {
	p, ok := ap.pieces[piece]
	if !ok {
		return false
	}
	bi := begin / blockSize
	if bi >= p.numBlocks {
		return false
	}
	return p.received.Test(uint(bi))
}

// WriteBlock copies data into the piece's assembly buffer at begin,
// allocating the piece's buffer on first write and evicting the least
// complete piece if the table is already full. When the piece becomes
// fully received, a hash job is dispatched and its result later appears
// on Results().
func (ap *ActivePieces) WriteBlock(ctx context.Context, piece, begin uint32, data []byte, peerID string) error {
	p, ok := ap.pieces[piece]
	if !ok {
		if len(ap.pieces) >= ap.maxActive {
			ap.evictOne()
		}
		length := ap.pieceLen(piece)
		p = newActivePiece(length)
		ap.pieces[piece] = p
	}
	if int64(begin)+int64(len(data)) > p.length {
		return ErrOutOfRange
	}
	bi := begin / blockSize
	if bi >= p.numBlocks || uint32(len(data)) != p.blockLen(bi) {
		return ErrOutOfRange
	}
	if p.received.Test(uint(bi)) {
		return ErrOverlap
	}
	copy(p.buf[begin:], data)
	p.received.Set(uint(bi))
	p.receivedCnt++
	p.contributors[peerID] = struct{}{}

	if p.receivedCnt == p.numBlocks {
		ap.dispatchVerify(ctx, piece, p)
	}
	return nil
}

func (ap *ActivePieces) dispatchVerify(ctx context.Context, piece uint32, p *activePiece) {
	buf := p.buf
	contributors := contributorList(p.contributors)
	want := ap.expectedHash(piece)
	go func() {
		got, err := ap.hasher.Sum(ctx, buf)
		if err != nil {
			ap.resultC <- VerifyResult{Piece: piece, Err: err, Contributors: contributors}
			return
		}
		ap.resultC <- VerifyResult{
			Piece:        piece,
			OK:           got == want,
			Data:         buf,
			Contributors: contributors,
		}
	}()
}

func contributorList(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Commit removes a piece from the active table after its verification
// result (success or failure) has been handled by the caller.
func (ap *ActivePieces) Commit(piece uint32) {
	delete(ap.pieces, piece)
}

// Discard removes a failed piece and reports its blocks as released.
func (ap *ActivePieces) Discard(piece uint32) {
	delete(ap.pieces, piece)
	if ap.released != nil {
		ap.released(piece)
	}
}

// evictOne drops the piece with the fewest received blocks, returning
// its blocks to the picker. The picker itself is the source of truth for
// in-flight requests, so it reclaims them via the released callback
// rather than this table tracking request state a second time.
func (ap *ActivePieces) evictOne() {
	var victim uint32
	found := false
	var fewest uint32
	for idx, p := range ap.pieces {
		if !found || p.receivedCnt < fewest {
			victim, fewest, found = idx, p.receivedCnt, true
		}
	}
	if !found {
		return
	}
	delete(ap.pieces, victim)
	if ap.released != nil {
		ap.released(victim)
	}
}

// Active reports how many pieces are currently being assembled.
func (ap *ActivePieces) Active() int { return len(ap.pieces) }
