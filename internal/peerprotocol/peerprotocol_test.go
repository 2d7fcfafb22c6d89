package peerprotocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var ih, pid [20]byte
	copy(ih[:], "infohashinfohashinfo")
	copy(pid[:], "-RN0001-abcdefghijkl")
	enc := EncodeHandshake(ih, pid, HandshakeFlags{Extended: true, Fast: true})
	require.Len(t, enc, HandshakeLen)
	dec, err := DecodeHandshake(enc)
	require.NoError(t, err)
	assert.Equal(t, ih, dec.InfoHash)
	assert.Equal(t, pid, dec.PeerID)
	assert.True(t, dec.Flags.Extended)
	assert.True(t, dec.Flags.Fast)
}

func TestDecodeHandshakeRejectsBadLength(t *testing.T) {
	_, err := DecodeHandshake(make([]byte, 10))
	assert.ErrorIs(t, err, ErrInvalidHandshake)
}

func TestDecodeHandshakeRejectsBadProtocolString(t *testing.T) {
	b := EncodeHandshake([20]byte{}, [20]byte{}, HandshakeFlags{})
	b[1] = 'X'
	_, err := DecodeHandshake(b)
	assert.ErrorIs(t, err, ErrInvalidHandshake)
}

func TestEncodeDecodeSimpleMessages(t *testing.T) {
	cases := []Message{
		ChokeMessage{}, UnchokeMessage{}, InterestedMessage{}, NotInterestedMessage{},
		HaveAllMessage{}, HaveNoneMessage{},
		HaveMessage{Index: 7},
		BitfieldMessage{Data: []byte{0xFF, 0x00}},
		RequestMessage{Index: 1, Begin: 16384, Length: 16384},
		CancelMessage{RequestMessage{Index: 1, Begin: 0, Length: 16384}},
		RejectMessage{RequestMessage{Index: 2, Begin: 0, Length: 1}},
		PieceMessage{Index: 3, Begin: 0, Data: []byte("hello")},
		ExtensionMessage{ExtendedMessageID: 1, Payload: []byte("d1:ae")},
	}
	for _, m := range cases {
		enc := Encode(m)
		dec, consumed, err := Decode(enc)
		require.NoError(t, err)
		assert.Equal(t, len(enc), consumed)
		assert.Equal(t, m, dec)
	}
}

func TestKeepAlive(t *testing.T) {
	enc := EncodeKeepAlive()
	assert.Equal(t, []byte{0, 0, 0, 0}, enc)
	dec, consumed, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, 4, consumed)
	assert.True(t, IsKeepAlive(dec))
}

func TestDecodeIncompleteThenComplete(t *testing.T) {
	enc := Encode(HaveMessage{Index: 42})
	// Split the stream arbitrarily; Decode must report ErrIncomplete
	// until the full frame has arrived, then decode identically.
	for split := 0; split < len(enc); split++ {
		_, _, err := Decode(enc[:split])
		assert.ErrorIs(t, err, ErrIncomplete)
	}
	msg, consumed, err := Decode(enc)
	require.NoError(t, err)
	assert.Equal(t, len(enc), consumed)
	assert.Equal(t, HaveMessage{Index: 42}, msg)
}

func TestDecodeRejectsOversizedMessage(t *testing.T) {
	b := make([]byte, 4)
	// length field says far more than MaxMessageLen.
	b[0], b[1], b[2], b[3] = 0xFF, 0xFF, 0xFF, 0xFF
	_, _, err := Decode(b)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestDecodeRejectsBadRequestLength(t *testing.T) {
	b := []byte{0, 0, 0, 5, byte(Request), 1, 2, 3, 4}
	_, _, err := Decode(b)
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

func TestExtensionHandshakeRoundTrip(t *testing.T) {
	msg := NewExtensionHandshake(12345, "jstorrent/1.0", nil)
	b, err := EncodeExtensionHandshake(msg)
	require.NoError(t, err)
	dec, err := DecodeExtensionHandshake(b)
	require.NoError(t, err)
	assert.EqualValues(t, 12345, dec.MetadataSize)
	assert.Equal(t, int64(ExtensionKeyMetadataID), dec.M[ExtensionNameMetadata])
}
