package piecepicker

import (
	"math/rand"
	"testing"

	"github.com/kzahel/jstorrent-sub016/internal/bitfield"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPicker(t *testing.T, numPieces uint32, pieceLen, total int64) (*Picker, *bitfield.Bitfield) {
	t.Helper()
	verified := bitfield.New(numPieces)
	p := New(numPieces, pieceLen, total, verified, rand.New(rand.NewSource(42)))
	return p, verified
}

func fullBitfield(n uint32) *bitfield.Bitfield {
	bf := bitfield.New(n)
	for i := uint32(0); i < n; i++ {
		bf.Set(i)
	}
	return bf
}

func TestPickBlocksSequentialWithinPiece(t *testing.T) {
	p, _ := newTestPicker(t, 10, BlockSize*4, BlockSize*40)
	peerHas := fullBitfield(10)
	blocks := p.PickBlocks(peerHas, 4, nil)
	require.Len(t, blocks, 4)
	assert.Equal(t, blocks[0].Piece, blocks[1].Piece)
}

func TestPickBlocksNeverRepeatsWithoutEndgame(t *testing.T) {
	p, _ := newTestPicker(t, 1, BlockSize*4, BlockSize*4)
	peerHas := fullBitfield(1)
	first := p.PickBlocks(peerHas, 4, nil)
	require.Len(t, first, 4)
	second := p.PickBlocks(peerHas, 4, nil)
	assert.Empty(t, second)
}

func TestReleaseBlockMakesItPickableAgain(t *testing.T) {
	p, _ := newTestPicker(t, 1, BlockSize, BlockSize)
	peerHas := fullBitfield(1)
	blocks := p.PickBlocks(peerHas, 1, nil)
	require.Len(t, blocks, 1)
	p.ReleaseBlock(blocks[0].Piece, blocks[0].Begin)
	again := p.PickBlocks(peerHas, 1, nil)
	require.Len(t, again, 1)
	assert.Equal(t, blocks[0], again[0])
}

func TestSkipPriorityExcludesPiece(t *testing.T) {
	p, _ := newTestPicker(t, 2, BlockSize, BlockSize*2)
	p.SetPriority(0, Skip)
	peerHas := fullBitfield(2)
	blocks := p.PickBlocks(peerHas, 10, nil)
	for _, b := range blocks {
		assert.NotEqual(t, uint32(0), b.Piece)
	}
}

func TestRarestFirstPrefersLowestAvailability(t *testing.T) {
	p, _ := newTestPicker(t, 3, BlockSize, BlockSize*3)
	// Force rarest-first path: simulate 4 verified pieces by bumping a
	// separate picker's verified count isn't trivial here, so instead
	// directly exercise pickRarestFirst via availability deltas and a
	// picker with enough remaining blocks to avoid endgame.
	p.ApplyHaveDelta(0, 5)
	p.ApplyHaveDelta(1, 1)
	p.ApplyHaveDelta(2, 3)
	peerHas := fullBitfield(3)
	blocks := p.pickRarestFirst(peerHas, 1, nil, false)
	require.Len(t, blocks, 1)
	assert.Equal(t, uint32(1), blocks[0].Piece)
}

func TestEndgameAllowsDuplicateRequests(t *testing.T) {
	p, _ := newTestPicker(t, 1, BlockSize, BlockSize)
	peerHas := fullBitfield(1)
	first := p.PickBlocks(peerHas, 1, nil)
	require.Len(t, first, 1)
	assert.True(t, p.Endgame(), "single-block torrent should start in endgame")
	dup := p.PickBlocks(peerHas, 1, func(piece, begin uint32) bool { return false })
	require.Len(t, dup, 1)
	assert.Equal(t, first[0], dup[0])
}

func TestBlockDoneFuncExcludesCompletedBlocks(t *testing.T) {
	p, _ := newTestPicker(t, 1, BlockSize*2, BlockSize*2)
	peerHas := fullBitfield(1)
	done := func(piece, begin uint32) bool { return begin == 0 }
	blocks := p.PickBlocks(peerHas, 2, done)
	require.Len(t, blocks, 1)
	assert.EqualValues(t, BlockSize, blocks[0].Begin)
}
