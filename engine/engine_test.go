package engine

import (
	"bufio"
	"io"
	"net"
	"testing"
	"time"

	jstorrent "github.com/kzahel/jstorrent-sub016"
	"github.com/stretchr/testify/require"
)

func newTestEngine() *Engine {
	return &Engine{
		cfg:      &jstorrent.Config{HandshakeBanMin: 10},
		torrents: make(map[[20]byte]*managedTorrent),
		banned:   make(map[string]ban),
	}
}

func TestBanHandshakeFailure(t *testing.T) {
	e := newTestEngine()
	require.False(t, e.isBanned("1.2.3.4"))
	e.banHandshakeFailure("1.2.3.4")
	require.True(t, e.isBanned("1.2.3.4"))
}

func TestBanExpires(t *testing.T) {
	e := newTestEngine()
	e.mu.Lock()
	e.banned["1.2.3.4"] = ban{until: time.Now().Add(-time.Second)}
	e.mu.Unlock()
	require.False(t, e.isBanned("1.2.3.4"))

	e.mu.Lock()
	_, stillPresent := e.banned["1.2.3.4"]
	e.mu.Unlock()
	require.False(t, stillPresent, "isBanned should evict expired entries")
}

func TestIsBannedEmptyKey(t *testing.T) {
	e := newTestEngine()
	require.False(t, e.isBanned(""))
}

func TestLookupInfoHash(t *testing.T) {
	e := newTestEngine()
	var ih [20]byte
	ih[0] = 0xAA
	e.torrents[ih] = &managedTorrent{}

	got, ok := e.lookupInfoHash(func(c [20]byte) bool { return c == ih })
	require.True(t, ok)
	require.Equal(t, ih, got)

	_, ok = e.lookupInfoHash(func(c [20]byte) bool { return false })
	require.False(t, ok)
}

func TestLookupManaged(t *testing.T) {
	e := newTestEngine()
	var ih [20]byte
	ih[0] = 0x01
	mt := &managedTorrent{}
	e.torrents[ih] = mt
	require.Same(t, mt, e.lookupManaged(ih))

	var other [20]byte
	other[0] = 0x02
	require.Nil(t, e.lookupManaged(other))
}

func TestCryptoProvideAdvertisesPlaintextAndRC4(t *testing.T) {
	require.Equal(t, uint32(0b11), cryptoProvide())
}

type fakeSocket struct{ net.Conn }

func (fakeSocket) Secure(string, bool) error { return nil }

// TestPeekedSocketPreservesPeekedByte verifies that sniffing the first
// byte of an inbound stream (spec.md §6 "first byte 0x13") doesn't lose
// it: a peekedSocket's Read must still yield every byte the peer sent,
// starting with the one already Peek'd.
func TestPeekedSocketPreservesPeekedByte(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	go func() {
		_, _ = client.Write([]byte("hello"))
		client.Close()
	}()

	sock := fakeSocket{Conn: server}
	br := bufio.NewReader(sock)
	first, err := br.Peek(1)
	require.NoError(t, err)
	require.Equal(t, byte('h'), first[0])

	pc := &peekedSocket{TcpSocket: sock, br: br}
	buf := make([]byte, 5)
	n, err := io.ReadFull(pc, buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}
