package mse

import (
	"bytes"
	"io"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipe implements io.ReadWriter over a pair of in-memory buffers, one per
// direction, so the initiator and responder can run concurrently in a
// single test process without a real socket.
// Writes never block: they are queued and copied into the peer's side in
// order. Close ends this side's outgoing direction, so the peer's reads
// return io.EOF once the queued bytes are consumed.
type pipe struct {
	r *io.PipeReader
	w chan []byte
}

func (p *pipe) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *pipe) Write(b []byte) (int, error) {
	p.w <- append([]byte(nil), b...)
	return len(b), nil
}
func (p *pipe) Close() { close(p.w) }

func pump(w *io.PipeWriter) chan []byte {
	c := make(chan []byte, 64)
	go func() {
		for b := range c {
			w.Write(b)
		}
		w.Close()
	}()
	return c
}

func newPipePair() (a, b *pipe) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return &pipe{r: r1, w: pump(w2)}, &pipe{r: r2, w: pump(w1)}
}

// fakeRng draws from a fixed byte source so tests are deterministic
// without needing crypto/rand.
type fakeRng struct {
	mu  sync.Mutex
	src *bytes.Reader
}

func newFakeRng(seed byte) *fakeRng {
	buf := make([]byte, 1<<16)
	for i := range buf {
		buf[i] = seed ^ byte(i)
	}
	return &fakeRng{src: bytes.NewReader(buf)}
}

func (f *fakeRng) Bytes(n int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := make([]byte, n)
	if _, err := f.src.Read(b); err != nil {
		f.src.Seek(0, io.SeekStart)
		f.src.Read(b)
	}
	return b
}

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash [20]byte
	copy(infoHash[:], "infohashinfohashinfo")

	initSide, respSide := newPipePair()

	var (
		clientStream *Stream
		clientErr    error
		clientIA     []byte
	)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		clientStream, clientIA, clientErr = HandshakeInitiator(initSide, infoHash, newFakeRng(0x11), Prefer, []byte("hello-ia"))
	}()

	lookup := func(candidate func([20]byte) bool) ([20]byte, bool) {
		if candidate(infoHash) {
			return infoHash, true
		}
		var zero [20]byte
		return zero, false
	}
	serverStream, gotHash, serverIA, serverErr := HandshakeResponder(respSide, lookup, newFakeRng(0x22), CryptoPlaintext|CryptoRC4, Prefer)
	wg.Wait()

	require.NoError(t, clientErr)
	require.NoError(t, serverErr)
	assert.Equal(t, infoHash, gotHash)
	assert.Equal(t, []byte("hello-ia"), serverIA)
	assert.Nil(t, clientIA)
	assert.Equal(t, CryptoRC4, clientStream.Method)
	assert.Equal(t, CryptoRC4, serverStream.Method)

	plain := []byte("the quick brown fox")
	msg := append([]byte(nil), plain...)
	clientStream.EncryptInto(msg)
	serverStream.DecryptInto(msg)
	assert.Equal(t, plain, msg)

	reply := []byte("jumps over the lazy dog")
	msg2 := append([]byte(nil), reply...)
	serverStream.EncryptInto(msg2)
	clientStream.DecryptInto(msg2)
	assert.Equal(t, reply, msg2)
}

func TestHandshakeUnknownInfoHash(t *testing.T) {
	var infoHash, other [20]byte
	copy(infoHash[:], "infohashinfohashinfo")
	copy(other[:], "differenthashdifferen")

	initSide, respSide := newPipePair()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		HandshakeInitiator(initSide, infoHash, newFakeRng(0x33), Prefer, nil)
	}()

	lookup := func(candidate func([20]byte) bool) ([20]byte, bool) {
		if candidate(other) {
			return other, true
		}
		var zero [20]byte
		return zero, false
	}
	_, _, _, err := HandshakeResponder(respSide, lookup, newFakeRng(0x44), CryptoPlaintext|CryptoRC4, Prefer)
	respSide.Close()
	wg.Wait()

	assert.ErrorIs(t, err, ErrUnknownInfoHash)
}

func TestSelectMethodRequiredRejectsPlaintextOnly(t *testing.T) {
	_, err := selectMethod(CryptoPlaintext, CryptoPlaintext|CryptoRC4, Required)
	assert.ErrorIs(t, err, ErrNoCommonMethod)
}

func TestSelectMethodPrefersRC4(t *testing.T) {
	m, err := selectMethod(CryptoPlaintext|CryptoRC4, CryptoPlaintext|CryptoRC4, Prefer)
	require.NoError(t, err)
	assert.EqualValues(t, CryptoRC4, m)
}
