// Package mse implements the Message Stream Encryption / Protocol
// Encryption handshake described in spec.md §4.2: a Diffie-Hellman key
// exchange over the de-facto Vuze/MSE 768-bit MODP group, followed by an
// RC4-drop1024 stream cipher wrapping the remainder of the connection.
package mse

import (
	"bytes"
	"crypto/rc4"
	"crypto/sha1" //nolint:gosec // MSE defines its hash as SHA-1
	"encoding/binary"
	"errors"
	"io"
	"math/big"

	"github.com/kzahel/jstorrent-sub016/internal/ports"
)

// Mode controls how a socket participates in MSE negotiation.
type Mode int

const (
	Disabled Mode = iota
	Allow
	Prefer
	Required
)

// CryptoProvide / CryptoSelect bitfield, per spec.md §4.2 step 4.
const (
	CryptoPlaintext uint32 = 1 << 0
	CryptoRC4       uint32 = 1 << 1
)

// Rng is the cryptographically strong random source this package needs.
type Rng = ports.Rng

var (
	// ErrSyncExceeded is returned when the req1/VC sync window is
	// exceeded without a match (spec.md §4.2 "Sync rules").
	ErrSyncExceeded = errors.New("mse: sync window exceeded")
	// ErrUnknownInfoHash is returned by the responder when no known
	// SKEY matches the initiator's HASH("req2"||SKEY) value.
	ErrUnknownInfoHash = errors.New("mse: unknown info hash")
	// ErrNoCommonMethod is returned when crypto_provide/crypto_select
	// share no common method.
	ErrNoCommonMethod = errors.New("mse: no common crypto method")
	// ErrPlaintextNotAllowed is returned when Required mode observes a
	// plaintext BitTorrent handshake instead of an MSE negotiation.
	ErrPlaintextNotAllowed = errors.New("mse: plaintext not permitted by policy")
)

// dhP is the 768-bit MODP prime (generator 2) the de-facto MSE spec uses.
var dhP = mustHex(
	"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD1" +
		"29024E088A67CC74020BBEA63B139B22514A08798E3404DD" +
		"EF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C245" +
		"E485B576625E7EC6F44C42E9A63A3620FFFFFFFFFFFFFFFF")

var dhG = big.NewInt(2)

func mustHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("mse: bad prime constant")
	}
	return n
}

// dhKeyPair holds one side's ephemeral DH keys.
type dhKeyPair struct {
	priv *big.Int
	pub  *big.Int
}

// pubKeyLen is the fixed wire size of a DH public key: ceil(768/8).
const pubKeyLen = 96

func newKeyPair(rng Rng) dhKeyPair {
	// At least 128 random bits per spec.md §4.2 step 1; we draw 160
	// bits (20 bytes) to match common reference implementations.
	priv := new(big.Int).SetBytes(rng.Bytes(20))
	pub := new(big.Int).Exp(dhG, priv, dhP)
	return dhKeyPair{priv: priv, pub: pub}
}

func putPubKey(pub *big.Int) []byte {
	b := pub.Bytes()
	out := make([]byte, pubKeyLen)
	copy(out[pubKeyLen-len(b):], b)
	return out
}

func sharedSecret(priv *big.Int, theirPub []byte) []byte {
	y := new(big.Int).SetBytes(theirPub)
	s := new(big.Int).Exp(y, priv, dhP)
	return putPubKey(s)
}

func hash(parts ...[]byte) []byte {
	h := sha1.New() //nolint:gosec
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// maxPadding is the inclusive upper bound on random padding length, per
// spec.md §4.2 ("0-512 random padding").
const maxPadding = 512

func randomPadding(rng Rng) []byte {
	n := int(binary.BigEndian.Uint16(rng.Bytes(2))) % (maxPadding + 1)
	if n == 0 {
		return nil
	}
	return rng.Bytes(n)
}

// Stream is an established MSE session: two independent RC4 keystreams,
// one per direction, both already past the drop1024 warm-up.
type Stream struct {
	enc    *rc4.Cipher
	dec    *rc4.Cipher
	Method uint32 // CryptoPlaintext or CryptoRC4, whichever was selected
}

// EncryptInto XORs b in place with the send keystream (no-op when
// Method is CryptoPlaintext).
func (s *Stream) EncryptInto(b []byte) {
	if s.Method == CryptoRC4 {
		s.enc.XORKeyStream(b, b)
	}
}

// DecryptInto XORs b in place with the receive keystream (no-op when
// Method is CryptoPlaintext).
func (s *Stream) DecryptInto(b []byte) {
	if s.Method == CryptoRC4 {
		s.dec.XORKeyStream(b, b)
	}
}

func newRC4Pair(keyA, keyB []byte) (enc, dec *rc4.Cipher, err error) {
	encC, err := rc4.NewCipher(keyA)
	if err != nil {
		return nil, nil, err
	}
	decC, err := rc4.NewCipher(keyB)
	if err != nil {
		return nil, nil, err
	}
	drop1024(encC)
	drop1024(decC)
	return encC, decC, nil
}

func drop1024(c *rc4.Cipher) {
	var discard [1024]byte
	c.XORKeyStream(discard[:], discard[:])
}

// syncTo reads from rw until needle is found at the front of the
// accumulated buffer, consuming and discarding every byte up to and
// including the needle. maxWindow bounds total bytes scanned before the
// needle is searched for (padding length) plus len(needle).
func syncTo(rw io.Reader, needle []byte, maxWindow int) error {
	limit := maxWindow + len(needle)
	window := make([]byte, 0, limit)
	one := make([]byte, 1)
	for len(window) < limit {
		if _, err := io.ReadFull(rw, one); err != nil {
			return err
		}
		window = append(window, one[0])
		if len(window) >= len(needle) && bytes.Equal(window[len(window)-len(needle):], needle) {
			return nil
		}
	}
	return ErrSyncExceeded
}
