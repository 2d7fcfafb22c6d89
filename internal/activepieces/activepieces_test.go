package activepieces

import (
	"context"
	"crypto/sha1" //nolint:gosec
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHasher struct{}

func (fakeHasher) Sum(ctx context.Context, b []byte) ([20]byte, error) {
	return sha1.Sum(b), nil //nolint:gosec
}

func fixedLen(n int64) PieceLenFunc {
	return func(piece uint32) int64 { return n }
}

func TestWriteBlockVerifiesOnCompletion(t *testing.T) {
	data := make([]byte, blockSize*2)
	for i := range data {
		data[i] = byte(i)
	}
	want := sha1.Sum(data) //nolint:gosec
	expected := func(piece uint32) [20]byte { return want }

	var released []uint32
	ap := New(10, fixedLen(int64(len(data))), expected, fakeHasher{}, func(p uint32) { released = append(released, p) })

	require.NoError(t, ap.WriteBlock(context.Background(), 0, 0, data[:blockSize], "peerA"))
	require.NoError(t, ap.WriteBlock(context.Background(), 0, blockSize, data[blockSize:], "peerB"))

	select {
	case res := <-ap.Results():
		assert.True(t, res.OK)
		assert.ElementsMatch(t, []string{"peerA", "peerB"}, res.Contributors)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for verify result")
	}
	assert.Empty(t, released)
}

func TestWriteBlockRejectsOverlap(t *testing.T) {
	ap := New(10, fixedLen(blockSize), func(uint32) [20]byte { return [20]byte{} }, fakeHasher{}, nil)
	block := make([]byte, blockSize)
	require.NoError(t, ap.WriteBlock(context.Background(), 0, 0, block, "p1"))
	err := ap.WriteBlock(context.Background(), 0, 0, block, "p1")
	assert.ErrorIs(t, err, ErrOverlap)
}

func TestWriteBlockRejectsOutOfRange(t *testing.T) {
	ap := New(10, fixedLen(blockSize), func(uint32) [20]byte { return [20]byte{} }, fakeHasher{}, nil)
	err := ap.WriteBlock(context.Background(), 0, blockSize, []byte{1}, "p1")
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestEvictsLeastCompletePieceWhenFull(t *testing.T) {
	var released []uint32
	ap := New(1, fixedLen(blockSize*2), func(uint32) [20]byte { return [20]byte{} }, fakeHasher{}, func(p uint32) { released = append(released, p) })

	require.NoError(t, ap.WriteBlock(context.Background(), 0, 0, make([]byte, blockSize), "p1"))
	require.NoError(t, ap.WriteBlock(context.Background(), 1, 0, make([]byte, blockSize), "p2"))

	assert.Equal(t, 1, ap.Active())
	assert.Equal(t, []uint32{0}, released)
}

func TestBlockDoneReflectsReceivedBlocks(t *testing.T) {
	ap := New(10, fixedLen(blockSize*2), func(uint32) [20]byte { return [20]byte{} }, fakeHasher{}, nil)
	assert.False(t, ap.BlockDone(0, 0))
	require.NoError(t, ap.WriteBlock(context.Background(), 0, 0, make([]byte, blockSize), "p1"))
	assert.True(t, ap.BlockDone(0, 0))
	assert.False(t, ap.BlockDone(0, blockSize))
}
