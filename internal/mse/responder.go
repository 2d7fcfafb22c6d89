package mse

import (
	"encoding/binary"
	"io"
)

// InfoHashLookup resolves an MSE SKEY-hash candidate back to a known
// info hash by trying every torrent this engine currently knows about;
// it returns ok=false when none match.
type InfoHashLookup func(candidate func(infoHash [20]byte) bool) (infoHash [20]byte, ok bool)

// HandshakeResponder runs the responder (incoming connection) side of
// the MSE handshake over rw. lookup is consulted to identify which of
// the engine's torrents the initiator is asking about, since the wire
// only ever carries a one-way hash of the info hash until the method is
// settled. It returns the established stream, the identified info hash,
// and any application data the initiator tucked into its step-3 payload
// (commonly the plaintext BitTorrent handshake).
func HandshakeResponder(rw io.ReadWriter, lookup InfoHashLookup, rng Rng, provide uint32, mode Mode) (*Stream, [20]byte, []byte, error) {
	var zero [20]byte

	theirPub := make([]byte, pubKeyLen)
	if _, err := io.ReadFull(rw, theirPub); err != nil {
		return nil, zero, nil, err
	}
	kp := newKeyPair(rng)
	if _, err := rw.Write(putPubKey(kp.pub)); err != nil {
		return nil, zero, nil, err
	}
	if _, err := rw.Write(randomPadding(rng)); err != nil {
		return nil, zero, nil, err
	}
	s := sharedSecret(kp.priv, theirPub)

	req1 := hash([]byte("req1"), s)
	if err := syncTo(rw, req1, maxPadding); err != nil {
		return nil, zero, nil, err
	}
	xored := make([]byte, 20)
	if _, err := io.ReadFull(rw, xored); err != nil {
		return nil, zero, nil, err
	}
	req3 := hash([]byte("req3"), s)
	infoHash, ok := lookup(func(candidate [20]byte) bool {
		req2 := hash([]byte("req2"), candidate[:])
		want := xorBytes(req2, req3)
		return bytesEqual(want, xored)
	})
	if !ok {
		return nil, zero, nil, ErrUnknownInfoHash
	}

	keyA := hash([]byte("keyA"), s, infoHash[:])
	keyB := hash([]byte("keyB"), s, infoHash[:])
	// Responder's roles are the mirror of the initiator's: it decrypts
	// with keyA (what the initiator encrypted with) and encrypts with
	// keyB (what the initiator decrypts with).
	theirEnc, theirDec, err := newRC4Pair(keyB, keyA)
	if err != nil {
		return nil, zero, nil, err
	}
	dec := theirDec
	enc := theirEnc

	header := make([]byte, 8+4+2)
	if _, err := io.ReadFull(rw, header); err != nil {
		return nil, zero, nil, err
	}
	dec.XORKeyStream(header, header)
	if !allZero(header[0:8]) {
		return nil, zero, nil, ErrSyncExceeded
	}
	cryptoProvide := binary.BigEndian.Uint32(header[8:12])
	padCLen := binary.BigEndian.Uint16(header[12:14])
	if padCLen > 0 {
		padC := make([]byte, padCLen)
		if _, err := io.ReadFull(rw, padC); err != nil {
			return nil, zero, nil, err
		}
		dec.XORKeyStream(padC, padC)
	}
	iaLenB := make([]byte, 2)
	if _, err := io.ReadFull(rw, iaLenB); err != nil {
		return nil, zero, nil, err
	}
	dec.XORKeyStream(iaLenB, iaLenB)
	iaLen := binary.BigEndian.Uint16(iaLenB)
	var ia []byte
	if iaLen > 0 {
		ia = make([]byte, iaLen)
		if _, err := io.ReadFull(rw, ia); err != nil {
			return nil, zero, nil, err
		}
		dec.XORKeyStream(ia, ia)
	}

	selected, err := selectMethod(cryptoProvide, provide, mode)
	if err != nil {
		return nil, zero, nil, err
	}

	padD := randomPadding(rng)
	resp := make([]byte, 0, 8+4+2+len(padD))
	resp = append(resp, make([]byte, 8)...)
	resp = appendU32(resp, selected)
	resp = appendU16(resp, uint16(len(padD)))
	resp = append(resp, padD...)
	enc.XORKeyStream(resp, resp)
	if _, err := rw.Write(resp); err != nil {
		return nil, zero, nil, err
	}

	if selected == CryptoPlaintext {
		return &Stream{Method: CryptoPlaintext}, infoHash, ia, nil
	}
	return &Stream{enc: enc, dec: dec, Method: CryptoRC4}, infoHash, ia, nil
}

func selectMethod(provide, preferred uint32, mode Mode) (uint32, error) {
	common := provide & preferred
	if common == 0 {
		return 0, ErrNoCommonMethod
	}
	if mode == Required && common&CryptoRC4 == 0 {
		return 0, ErrNoCommonMethod
	}
	if common&CryptoRC4 != 0 && mode != Allow {
		return CryptoRC4, nil
	}
	if common&CryptoRC4 != 0 {
		return CryptoRC4, nil
	}
	return CryptoPlaintext, nil
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
