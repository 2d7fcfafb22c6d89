package mse

import (
	"crypto/rc4"
	"encoding/binary"
	"io"
)

// HandshakeInitiator runs the initiator (outgoing connection) side of the
// MSE handshake over rw. ia is optional initial application data to
// tuck into the encrypted step-3 payload (commonly the plaintext
// BitTorrent handshake, saving a round trip); it may be nil.
//
// mode controls fallback: with Allow, a peer that never sends any
// MSE bytes back (i.e. replies with a plain BitTorrent handshake) is
// not detectable at this layer — that sniff happens one level up,
// before HandshakeInitiator is even invoked. Within this function,
// Required simply forces CryptoRC4 in crypto_provide and rejects a
// Method other than CryptoRC4 in the peer's reply.
func HandshakeInitiator(rw io.ReadWriter, infoHash [20]byte, rng Rng, mode Mode, ia []byte) (*Stream, []byte, error) {
	kp := newKeyPair(rng)
	if _, err := rw.Write(putPubKey(kp.pub)); err != nil {
		return nil, nil, err
	}
	if _, err := rw.Write(randomPadding(rng)); err != nil {
		return nil, nil, err
	}

	theirPub := make([]byte, pubKeyLen)
	if _, err := io.ReadFull(rw, theirPub); err != nil {
		return nil, nil, err
	}
	s := sharedSecret(kp.priv, theirPub)

	req1 := hash([]byte("req1"), s)
	req2 := hash([]byte("req2"), infoHash[:])
	req3 := hash([]byte("req3"), s)
	xored := xorBytes(req2, req3)

	keyA := hash([]byte("keyA"), s, infoHash[:])
	keyB := hash([]byte("keyB"), s, infoHash[:])
	enc, _, err := newRC4Pair(keyA, keyB)
	if err != nil {
		return nil, nil, err
	}

	provide := uint32(CryptoPlaintext | CryptoRC4)
	if mode == Required {
		provide = CryptoRC4
	}
	padC := randomPadding(rng)
	plain := make([]byte, 0, 8+4+2+len(padC)+2+len(ia))
	plain = append(plain, make([]byte, 8)...) // VC
	var provideB [4]byte
	binary.BigEndian.PutUint32(provideB[:], provide)
	plain = append(plain, provideB[:]...)
	plain = appendU16(plain, uint16(len(padC)))
	plain = append(plain, padC...)
	plain = appendU16(plain, uint16(len(ia)))
	plain = append(plain, ia...)
	enc.XORKeyStream(plain, plain)

	if _, err := rw.Write(req1); err != nil {
		return nil, nil, err
	}
	if _, err := rw.Write(xored); err != nil {
		return nil, nil, err
	}
	if _, err := rw.Write(plain); err != nil {
		return nil, nil, err
	}

	respDec, err := syncDecryptVC(rw, keyB, maxPadding)
	if err != nil {
		return nil, nil, err
	}
	rest := make([]byte, 4+2)
	if _, err := io.ReadFull(rw, rest); err != nil {
		return nil, nil, err
	}
	respDec.XORKeyStream(rest, rest)
	cryptoSelect := binary.BigEndian.Uint32(rest[0:4])
	padDLen := binary.BigEndian.Uint16(rest[4:6])
	padD := make([]byte, padDLen)
	if padDLen > 0 {
		if _, err := io.ReadFull(rw, padD); err != nil {
			return nil, nil, err
		}
		respDec.XORKeyStream(padD, padD)
	}

	switch cryptoSelect {
	case CryptoPlaintext:
		if mode == Required {
			return nil, nil, ErrNoCommonMethod
		}
		return &Stream{Method: CryptoPlaintext}, nil, nil
	case CryptoRC4:
		return &Stream{enc: enc, dec: respDec, Method: CryptoRC4}, nil, nil
	default:
		return nil, nil, ErrNoCommonMethod
	}
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

// syncDecryptVC consumes an unknown-length cleartext padding window
// followed by an RC4 ciphertext whose first 8 decrypted bytes are VC (8
// zero bytes), per spec.md §4.2 sync rules. It returns a cipher
// primed to decrypt whatever immediately follows VC in the stream.
func syncDecryptVC(rw io.Reader, key []byte, maxPad int) (*rc4.Cipher, error) {
	buf := make([]byte, 0, maxPad+8)
	one := make([]byte, 1)
	for len(buf) < maxPad+8 {
		if _, err := io.ReadFull(rw, one); err != nil {
			return nil, err
		}
		buf = append(buf, one[0])
		if len(buf) < 8 {
			continue
		}
		offset := len(buf) - 8
		c, err := rc4.NewCipher(key)
		if err != nil {
			return nil, err
		}
		drop1024(c)
		vc := make([]byte, 8)
		copy(vc, buf[offset:])
		c.XORKeyStream(vc, vc)
		if allZero(vc) {
			return c, nil
		}
	}
	return nil, ErrSyncExceeded
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
