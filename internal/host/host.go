// Package host implements the internal/ports capability interfaces
// against the real operating system: TCP/UDP sockets, the local
// filesystem, SHA-1 hashing and outgoing HTTP. It is the one place this
// module is allowed to touch net, os or crypto/sha1 directly; every
// other package takes a ports.* interface instead (spec.md §6). This is
// the concrete edge of this module's own plugin boundary, not a
// teacher-supplied abstraction, so there is no third-party library to
// ground it on: see DESIGN.md.
package host

import (
	"context"
	"crypto/rand"
	"crypto/sha1" //nolint:gosec // BitTorrent piece/info hashes are SHA-1
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/kzahel/jstorrent-sub016/internal/ports"
)

// Socket wraps a net.Conn to satisfy ports.TcpSocket, adding on-demand
// TLS upgrade for https trackers dialed manually (spec.md §4.7).
type Socket struct {
	net.Conn
}

// DialTCP connects to addr; ctx bounds how long the dial may take.
func DialTCP(ctx context.Context, addr net.Addr) (*Socket, error) {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, err
	}
	return &Socket{Conn: conn}, nil
}

// Secure upgrades the connection in place to TLS.
func (s *Socket) Secure(hostname string, skipValidation bool) error {
	tlsConn := tls.Client(s.Conn, &tls.Config{ServerName: hostname, InsecureSkipVerify: skipValidation}) //nolint:gosec // skipValidation is an explicit opt-in
	if err := tlsConn.Handshake(); err != nil {
		return err
	}
	s.Conn = tlsConn
	return nil
}

// Listener wraps a net.Listener to satisfy ports.TcpListener.
type Listener struct {
	ln net.Listener
}

// ListenTCP opens the engine's single inbound listening port.
func ListenTCP(port uint16) (*Listener, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Accept() (ports.TcpSocket, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return &Socket{Conn: conn}, nil
}

func (l *Listener) Close() error   { return l.ln.Close() }
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// UDPSocket wraps a *net.UDPConn to satisfy ports.UdpSocket.
type UDPSocket struct {
	*net.UDPConn
}

// DialUDP opens an unconnected UDP socket suitable for one UDP tracker
// announce (spec.md §4.7 BEP 15).
func DialUDP() (*UDPSocket, error) {
	conn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, err
	}
	return &UDPSocket{UDPConn: conn}, nil
}

// FileSystem implements ports.FileSystem against the local disk.
type FileSystem struct{}

func (FileSystem) Open(path string, create bool) (ports.FileHandle, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, err
	}
	return &File{f: f}, nil
}

func (FileSystem) Stat(path string) (size int64, exists bool, err error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return info.Size(), true, nil
}

func (FileSystem) Mkdir(path string) error { return os.MkdirAll(path, 0o755) }
func (FileSystem) Remove(path string) error {
	err := os.RemoveAll(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// File implements ports.FileHandle over *os.File.
type File struct {
	f *os.File
}

func (fh *File) ReadAt(b []byte, off int64) (int, error)  { return fh.f.ReadAt(b, off) }
func (fh *File) WriteAt(b []byte, off int64) (int, error) { return fh.f.WriteAt(b, off) }
func (fh *File) Truncate(size int64) error                { return fh.f.Truncate(size) }
func (fh *File) Sync() error                              { return fh.f.Sync() }
func (fh *File) Close() error                              { return fh.f.Close() }

// SHA1Hasher implements ports.Hasher with the standard library's SHA-1,
// matching BEP 3's choice of digest. It is a port (rather than a direct
// crypto/sha1 call from activepieces) purely so piece verification can
// be swapped for a worker-pool or hardware-accelerated implementation
// without touching activepieces itself (spec.md §5).
type SHA1Hasher struct{}

func (SHA1Hasher) Sum(ctx context.Context, b []byte) ([20]byte, error) {
	select {
	case <-ctx.Done():
		return [20]byte{}, ctx.Err()
	default:
	}
	return sha1.Sum(b), nil //nolint:gosec
}

// HTTPClient implements ports.HttpClient with the standard library's
// http.Client.
type HTTPClient struct {
	Client *http.Client
}

// NewHTTPClient builds an HTTPClient with a sane default timeout for
// tracker announces (spec.md §4.7's 60s deadline is enforced by the
// caller's context, this is just a safety net).
func NewHTTPClient() *HTTPClient {
	return &HTTPClient{Client: &http.Client{Timeout: 60 * time.Second}}
}

func (c *HTTPClient) Get(ctx context.Context, url string, headers map[string]string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, nil, err
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.Client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// Rng implements ports.Rng with crypto/rand, as MSE requires a
// cryptographically strong source for its DH exchange (spec.md §4.2).
type Rng struct{}

func (Rng) Bytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(fmt.Sprintf("host: crypto/rand failed: %s", err))
	}
	return b
}
