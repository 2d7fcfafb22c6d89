// Package ports declares the capability interfaces the engine core
// consumes for everything host-specific (spec.md §6): sockets, the file
// system, hashing, HTTP, wall time, and randomness. No package under
// internal/ or the module root reaches for a real net.Conn, os.File, or
// crypto/rand directly; they take one of these instead, so the same core
// runs unmodified behind a browser bridge, an Android service, or a test
// harness.
package ports

import (
	"context"
	"net"
	"time"
)

// TcpSocket is a single outgoing or incoming TCP connection, consumed by
// internal/peerconn and internal/mse.
type TcpSocket interface {
	net.Conn
	// Secure upgrades the connection to TLS, used only for https trackers.
	Secure(hostname string, skipValidation bool) error
}

// TcpListener accepts inbound peer connections on the engine's single
// listening port.
type TcpListener interface {
	Accept() (TcpSocket, error)
	Close() error
	Addr() net.Addr
}

// UdpSocket is consumed by the UDP tracker client (BEP 15).
type UdpSocket interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
	ReadFromUDP(b []byte) (int, *net.UDPAddr, error)
	SetDeadline(t time.Time) error
	Close() error
}

// FileHandle is a single open file supporting positional I/O, as
// ContentStorage requires (spec.md §4.6).
type FileHandle interface {
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error
}

// FileSystem is the host storage port.
type FileSystem interface {
	Open(path string, create bool) (FileHandle, error)
	Stat(path string) (size int64, exists bool, err error)
	Mkdir(path string) error
	Remove(path string) error
}

// Hasher computes SHA-1 digests, kept as a port so piece verification can
// be dispatched to a worker pool (spec.md §5).
type Hasher interface {
	Sum(ctx context.Context, b []byte) ([20]byte, error)
}

// HttpClient is the tracker announce transport.
type HttpClient interface {
	Get(ctx context.Context, url string, headers map[string]string) (status int, body []byte, err error)
}

// Clock abstracts wall time so tests can drive ticks deterministically.
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

// Rng is the cryptographically strong random source used by MSE and for
// peer id / transaction id generation.
type Rng interface {
	Bytes(n int) []byte
}

// RealClock is the default Clock backed by the standard library.
type RealClock struct{}

func (RealClock) Now() time.Time        { return time.Now() }
func (RealClock) Sleep(d time.Duration) { time.Sleep(d) }
