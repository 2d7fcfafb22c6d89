// Package peerprotocol is the WireCodec: a pure encoder/decoder for the
// BitTorrent peer wire protocol (BEP 3), the Fast Extension (BEP 6), and
// the Extension Protocol (BEP 10). No I/O is performed here; callers
// drive it off their own connection plumbing.
package peerprotocol

import (
	"bytes"
	"errors"
)

// ProtocolString is the fixed handshake protocol identifier.
const ProtocolString = "BitTorrent protocol"

// HandshakeLen is the fixed length of an encoded handshake.
const HandshakeLen = 1 + 19 + 8 + 20 + 20

// Reserved bits, given as a byte index into the 8 reserved bytes and a
// mask within that byte (bit 0 is the least significant bit).
const (
	// Fast Extension: mask 0x04 (bit 2) of reserved byte 7 (BEP 6).
	reservedByteFast    = 7
	reservedBitFastMask = 0x04
	// Extension Protocol: mask 0x10 (bit 4) of reserved byte 5 (BEP 10).
	reservedByteExtended    = 5
	reservedBitExtendedMask = 0x10
)

// ErrInvalidHandshake is returned when a handshake fails to parse.
var ErrInvalidHandshake = errors.New("peerprotocol: invalid handshake")

// HandshakeFlags controls which reserved bits are set.
type HandshakeFlags struct {
	Extended bool // BEP 10
	Fast     bool // BEP 6
}

// EncodeHandshake encodes a 68-byte BitTorrent handshake.
func EncodeHandshake(infoHash, peerID [20]byte, flags HandshakeFlags) []byte {
	b := make([]byte, HandshakeLen)
	b[0] = 19
	copy(b[1:20], ProtocolString)
	if flags.Extended {
		b[20+reservedByteExtended] |= reservedBitExtendedMask
	}
	if flags.Fast {
		b[20+reservedByteFast] |= reservedBitFastMask
	}
	copy(b[28:48], infoHash[:])
	copy(b[48:68], peerID[:])
	return b
}

// DecodedHandshake is the result of parsing a handshake.
type DecodedHandshake struct {
	InfoHash [20]byte
	PeerID   [20]byte
	Flags    HandshakeFlags
}

// DecodeHandshake parses a 68-byte handshake.
func DecodeHandshake(b []byte) (DecodedHandshake, error) {
	var out DecodedHandshake
	if len(b) != HandshakeLen {
		return out, ErrInvalidHandshake
	}
	if b[0] != 19 {
		return out, ErrInvalidHandshake
	}
	if !bytes.Equal(b[1:20], []byte(ProtocolString)) {
		return out, ErrInvalidHandshake
	}
	out.Flags.Extended = b[20+reservedByteExtended]&reservedBitExtendedMask != 0
	out.Flags.Fast = b[20+reservedByteFast]&reservedBitFastMask != 0
	copy(out.InfoHash[:], b[28:48])
	copy(out.PeerID[:], b[48:68])
	return out, nil
}
