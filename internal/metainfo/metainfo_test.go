package metainfo

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzahel/jstorrent-sub016/internal/bencode"
)

func buildInfo(t *testing.T, pieceLength, totalLength int64, numPieces int) []byte {
	t.Helper()
	pieces := bytes.Repeat([]byte{0xAB}, 20*numPieces)
	raw, err := bencode.Marshal(map[string]interface{}{
		"name":         "test.bin",
		"piece length": pieceLength,
		"pieces":       string(pieces),
		"length":       totalLength,
	})
	require.NoError(t, err)
	return raw
}

func TestNewInfoSinglePiece(t *testing.T) {
	raw := buildInfo(t, 16384, 10000, 1)
	info, err := NewInfo(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.NumPieces)
	assert.EqualValues(t, 10000, info.TotalLength)
	assert.EqualValues(t, 10000, info.PieceLen(0))
}

func TestNewInfoZeroLength(t *testing.T) {
	raw := buildInfo(t, 16384, 0, 1)
	info, err := NewInfo(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.NumPieces)
	assert.EqualValues(t, 0, info.TotalLength)
}

func TestNewInfoLastPieceShort(t *testing.T) {
	raw := buildInfo(t, 65536, 100000, 2)
	info, err := NewInfo(raw)
	require.NoError(t, err)
	assert.EqualValues(t, 65536, info.PieceLen(0))
	assert.EqualValues(t, 100000-65536, info.PieceLen(1))
}

func TestNewInfoRejectsMismatchedPieceCount(t *testing.T) {
	raw := buildInfo(t, 16384, 100000, 1) // should need 7 pieces, not 1
	_, err := NewInfo(raw)
	assert.Error(t, err)
}

func TestInfoHashIsDeterministic(t *testing.T) {
	raw := buildInfo(t, 16384, 10000, 1)
	info1, err := NewInfo(raw)
	require.NoError(t, err)
	info2, err := NewInfo(raw)
	require.NoError(t, err)
	assert.Equal(t, info1.Hash, info2.Hash)
}
