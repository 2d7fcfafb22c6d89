// Package peerconn implements the PeerConnection entity (spec.md §4.3):
// per-peer connection state, the handshake→bitfield→active→closed
// lifecycle, request pipelining and timeouts. Protocol *decisions*
// (choking, interest, what to request) are made by the owning Torrent's
// single event-loop goroutine, which is the only caller permitted to
// touch a Peer's exported fields or call its methods — this package's
// own goroutines (reader/writer, grounded on the teacher's
// torrent/internal/peerconn/peer.go reader/writer pair) only move bytes
// and forward decoded messages, never interpret them.
package peerconn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/kzahel/jstorrent-sub016/internal/bitfield"
	"github.com/kzahel/jstorrent-sub016/internal/mse"
	"github.com/kzahel/jstorrent-sub016/internal/peerprotocol"
	"github.com/kzahel/jstorrent-sub016/internal/ports"
)

// Direction records which side initiated the TCP connection.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

// WireState is the linear lifecycle spec.md §4.3 describes.
type WireState int

const (
	Handshaking WireState = iota
	ExchangingBitfield
	Active
	Closed
)

// Request identifies one outstanding block request, timestamped so the
// owning Torrent can apply the 30s timeout (spec.md §4.3).
type Request struct {
	Piece, Begin, Length uint32
	Sent                 time.Time
}

func (r Request) key() uint64 { return uint64(r.Piece)<<32 | uint64(r.Begin) }

// EventKind tags what an Event carries.
type EventKind int

const (
	EventMessage EventKind = iota
	EventDisconnected
)

// Event is pushed onto the shared channel the owning Torrent selects on.
// One channel is shared by every peer of a torrent, mirroring the
// teacher's single `messages`/`pieceMessages` fan-in channels.
type Event struct {
	Peer    *Peer
	Kind    EventKind
	Message peerprotocol.Message
	Err     error // set on EventDisconnected when the close was an error
}

// HandshakeInfo is what either side of the handshake learns about the
// other.
type HandshakeInfo struct {
	PeerID       [20]byte
	SupportsFast bool
	Extended     bool
}

const (
	sendQueueDepth  = 64
	maxOutgoingSend = 17 * 1024 * 1024 // mirrors peerprotocol.MaxMessageLen
)

// Peer is one PeerConnection. Every exported field is owned by the
// Torrent event loop; this package's goroutines never write to them.
type Peer struct {
	Remote    net.Addr
	Direction Direction
	PeerID    [20]byte

	State WireState

	AmChoking     bool
	AmInterested  bool
	PeerChoking   bool
	PeerInterested bool

	TheirBitfield *bitfield.Bitfield

	SupportsFast     bool
	SupportsExtended bool
	ExtendedIDs      map[string]byte // extension name -> their chosen id
	MetadataSize     uint32

	EncryptionRC4 bool

	PipelineDepth    int
	MaxPipelineDepth int

	LastSent time.Time
	LastRecv time.Time

	OutgoingPieceSends int // PIECE messages queued to this peer since the Torrent's last one-second reset (capped at MaxOutgoingPieces)

	FailureCount int // hash-mismatch contributions, for the 3-strike ban (spec.md §4.5)

	log logFn

	conn       io.ReadWriteCloser
	stream     *mse.Stream
	br         *bufio.Reader
	sendC      chan outboundFrame
	closeOnce  sync.Once
	closed     chan struct{}
	writerDone chan struct{}

	inflightMu sync.Mutex // guards inflight only against the rare cross-goroutine read in QueuedBytes/Requests from non-owner code (tests); owner goroutine does not need it
	inflight   []Request
}

type logFn func(format string, args ...interface{})

// newPeer builds a Peer wrapping an established (and, if negotiated,
// MSE-wrapped) connection, not yet started.
func newPeer(conn io.ReadWriteCloser, stream *mse.Stream, remote net.Addr, dir Direction, hs HandshakeInfo, maxPipeline int, log logFn) *Peer {
	if log == nil {
		log = func(string, ...interface{}) {}
	}
	return &Peer{
		Remote:           remote,
		Direction:        dir,
		PeerID:           hs.PeerID,
		State:            ExchangingBitfield,
		AmChoking:        true,
		PeerChoking:      true,
		SupportsFast:     hs.SupportsFast,
		SupportsExtended: hs.Extended,
		ExtendedIDs:      make(map[string]byte),
		EncryptionRC4:    stream != nil && stream.Method == mse.CryptoRC4,
		PipelineDepth:    4,
		MaxPipelineDepth: maxPipeline,
		log:              log,
		conn:             conn,
		stream:           stream,
		br:               bufio.NewReaderSize(&streamReader{conn: conn, stream: stream}, 64*1024),
		sendC:            make(chan outboundFrame, sendQueueDepth),
		closed:           make(chan struct{}),
		writerDone:       make(chan struct{}),
	}
}

// streamReader decrypts bytes read from conn through stream (a no-op
// when stream is nil or plaintext).
type streamReader struct {
	conn   io.Reader
	stream *mse.Stream
}

func (r *streamReader) Read(p []byte) (int, error) {
	n, err := r.conn.Read(p)
	if n > 0 && r.stream != nil {
		r.stream.DecryptInto(p[:n])
	}
	return n, err
}

// DialOutgoing performs a full outgoing connect sequence: TCP dial
// (caller-provided), optional MSE initiator negotiation, and the plain
// BitTorrent handshake, per spec.md §4.2-§4.3. mode controls MSE: a
// Disabled/Allow-without-encryption caller should pass mse.Disabled to
// skip straight to plaintext.
func DialOutgoing(ctx context.Context, sock ports.TcpSocket, infoHash [20]byte, peerID [20]byte, rng ports.Rng, mode mse.Mode, maxPipeline int) (*Peer, error) {
	var rw io.ReadWriteCloser = sock
	var stream *mse.Stream
	plainHandshake := peerprotocol.EncodeHandshake(infoHash, peerID, peerprotocol.HandshakeFlags{Extended: true, Fast: true})

	if mode != mse.Disabled {
		// plainHandshake rides as MSE step-3 initial application data, so
		// it reaches the peer regardless of which method is ultimately
		// selected; no separate write is needed either way.
		s, _, err := mse.HandshakeInitiator(sock, infoHash, rng, mode, plainHandshake)
		if err != nil {
			return nil, fmt.Errorf("peerconn: mse handshake: %w", err)
		}
		stream = s
	} else {
		if _, err := rw.Write(plainHandshake); err != nil {
			return nil, err
		}
	}

	hs, err := readHandshake(&streamReader{conn: rw, stream: stream})
	if err != nil {
		return nil, err
	}
	if hs.InfoHash != infoHash {
		return nil, peerprotocol.ErrInvalidHandshake
	}
	info := HandshakeInfo{PeerID: hs.PeerID, SupportsFast: hs.Flags.Fast, Extended: hs.Flags.Extended}
	return newPeer(rw, stream, sock.RemoteAddr(), Outbound, info, maxPipeline, nil), nil
}

// AcceptPlaintext completes the responder side of a plain (non-MSE)
// inbound connection whose first 19+ handshake bytes are already known
// to start with the plain protocol string (the engine has peeked byte
// 0x13 before dispatching here, per spec.md §6).
func AcceptPlaintext(conn ports.TcpSocket, peerID [20]byte, maxPipeline int) (*Peer, [20]byte, error) {
	hs, err := readHandshake(conn)
	if err != nil {
		return nil, [20]byte{}, err
	}
	reply := peerprotocol.EncodeHandshake(hs.InfoHash, peerID, peerprotocol.HandshakeFlags{Extended: true, Fast: true})
	if _, err := conn.Write(reply); err != nil {
		return nil, [20]byte{}, err
	}
	info := HandshakeInfo{PeerID: hs.PeerID, SupportsFast: hs.Flags.Fast, Extended: hs.Flags.Extended}
	return newPeer(conn, nil, conn.RemoteAddr(), Inbound, info, maxPipeline, nil), hs.InfoHash, nil
}

// AcceptEncrypted completes the responder side of an MSE-negotiated
// inbound connection. lookup resolves the SKEY candidate to a known
// info hash (spec.md §4.2 step 5); peerID is this engine's own id sent
// in the reply handshake.
func AcceptEncrypted(conn ports.TcpSocket, lookup mse.InfoHashLookup, rng ports.Rng, provide uint32, mode mse.Mode, peerID [20]byte, maxPipeline int) (*Peer, [20]byte, error) {
	stream, infoHash, ia, err := mse.HandshakeResponder(conn, lookup, rng, provide, mode)
	if err != nil {
		return nil, [20]byte{}, err
	}
	var hs peerprotocol.DecodedHandshake
	if len(ia) >= peerprotocol.HandshakeLen {
		hs, err = peerprotocol.DecodeHandshake(ia[:peerprotocol.HandshakeLen])
	} else {
		hs, err = readHandshake(&streamReader{conn: conn, stream: stream})
	}
	if err != nil {
		return nil, [20]byte{}, err
	}
	if hs.InfoHash != infoHash {
		return nil, [20]byte{}, peerprotocol.ErrInvalidHandshake
	}
	reply := peerprotocol.EncodeHandshake(infoHash, peerID, peerprotocol.HandshakeFlags{Extended: true, Fast: true})
	stream.EncryptInto(reply)
	if _, err := conn.Write(reply); err != nil {
		return nil, [20]byte{}, err
	}
	info := HandshakeInfo{PeerID: hs.PeerID, SupportsFast: hs.Flags.Fast, Extended: hs.Flags.Extended}
	return newPeer(conn, stream, conn.RemoteAddr(), Inbound, info, maxPipeline, nil), infoHash, nil
}

func readHandshake(r io.Reader) (peerprotocol.DecodedHandshake, error) {
	buf := make([]byte, peerprotocol.HandshakeLen)
	if _, err := io.ReadFull(r, buf); err != nil {
		return peerprotocol.DecodedHandshake{}, err
	}
	return peerprotocol.DecodeHandshake(buf)
}

// Run starts the writer goroutine and the reader goroutine; the reader
// decodes frames off the connection and pushes them as Events onto out
// until the connection closes or a protocol error occurs. It returns
// immediately; the caller
// (Torrent) observes results via out.
func (p *Peer) Run(out chan<- Event) {
	go p.writeLoop()
	go p.readLoop(out)
}

func (p *Peer) readLoop(out chan<- Event) {
	var pending []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := p.br.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			for {
				msg, consumed, derr := peerprotocol.Decode(pending)
				if derr == peerprotocol.ErrIncomplete {
					break
				}
				if derr != nil {
					p.disconnect(out, derr)
					return
				}
				pending = pending[consumed:]
				if !peerprotocol.IsKeepAlive(msg) {
					select {
					case out <- Event{Peer: p, Kind: EventMessage, Message: msg}:
					case <-p.closed:
						return
					}
				}
			}
		}
		if err != nil {
			p.disconnect(out, err)
			return
		}
	}
}

func (p *Peer) disconnect(out chan<- Event, err error) {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
	select {
	case out <- Event{Peer: p, Kind: EventDisconnected, Err: err}:
	default:
		// Torrent already tore this peer down via Close(); drop.
	}
}

// outboundFrame is one queued wire frame. pooled marks frames drawn from
// peerprotocol's REQUEST/CANCEL/REJECT buffer pool, which the writer
// returns to the pool right after the socket write so the per-block
// request path stays allocation-free end to end (spec.md §4.1).
type outboundFrame struct {
	data   []byte
	pooled bool
}

func (p *Peer) writeLoop() {
	defer close(p.writerDone)
	for {
		select {
		case f, ok := <-p.sendC:
			if !ok {
				return
			}
			if p.stream != nil {
				p.stream.EncryptInto(f.data)
			}
			_, err := p.conn.Write(f.data)
			if f.pooled {
				peerprotocol.PutRequestBuf(f.data)
			}
			if err != nil {
				return
			}
		case <-p.closed:
			return
		}
	}
}

var errQueueFull = errors.New("peerconn: send queue full")

// SendMessage encodes and enqueues msg for transmission. It never
// blocks: a full queue (the peer is badly backed up) returns
// errQueueFull immediately so the caller can close the connection
// rather than stall the whole Torrent's single event loop.
func (p *Peer) SendMessage(msg peerprotocol.Message) error {
	frame := peerprotocol.Encode(msg)
	return p.enqueue(frame, peerprotocol.IsRequestLike(msg))
}

// SendKeepAlive sends the four zero-byte keep-alive frame.
func (p *Peer) SendKeepAlive() error {
	return p.enqueue(peerprotocol.EncodeKeepAlive(), false)
}

func (p *Peer) enqueue(frame []byte, pooled bool) error {
	select {
	case p.sendC <- outboundFrame{data: frame, pooled: pooled}:
		p.LastSent = time.Now()
		return nil
	default:
		if pooled {
			peerprotocol.PutRequestBuf(frame)
		}
		return errQueueFull
	}
}

// Close tears down the connection and both goroutines. Safe to call
// more than once.
func (p *Peer) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.conn.Close()
	})
	p.State = Closed
}

// --- Request pipeline bookkeeping (spec.md §4.3) ---

// AddRequest records a newly-sent REQUEST.
func (p *Peer) AddRequest(r Request) {
	r.Sent = time.Now()
	p.inflightMu.Lock()
	p.inflight = append(p.inflight, r)
	p.inflightMu.Unlock()
}

// RemoveRequest removes and returns the inflight request matching
// (piece, begin), used on PIECE receipt, CANCEL, or timeout.
func (p *Peer) RemoveRequest(piece, begin uint32) (Request, bool) {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	for i, r := range p.inflight {
		if r.Piece == piece && r.Begin == begin {
			p.inflight = append(p.inflight[:i], p.inflight[i+1:]...)
			return r, true
		}
	}
	return Request{}, false
}

// Requests returns a copy of the currently outstanding requests.
func (p *Peer) Requests() []Request {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	out := make([]Request, len(p.inflight))
	copy(out, p.inflight)
	return out
}

// TimedOutRequests removes and returns every inflight request older
// than timeout as of now (spec.md §4.3 30s request timeout).
func (p *Peer) TimedOutRequests(now time.Time, timeout time.Duration) []Request {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	var timedOut []Request
	kept := p.inflight[:0]
	for _, r := range p.inflight {
		if now.Sub(r.Sent) > timeout {
			timedOut = append(timedOut, r)
		} else {
			kept = append(kept, r)
		}
	}
	p.inflight = kept
	return timedOut
}

// ClearRequests empties the inflight set, returning what was cleared
// (used on CHOKE and on disconnect).
func (p *Peer) ClearRequests() []Request {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	out := p.inflight
	p.inflight = nil
	return out
}

// PipelineRoom reports how many more requests may be issued right now.
func (p *Peer) PipelineRoom() int {
	p.inflightMu.Lock()
	defer p.inflightMu.Unlock()
	room := p.PipelineDepth - len(p.inflight)
	if room < 0 {
		return 0
	}
	return room
}

// GrowPipeline additively increases pipeline depth on a completed block,
// capped at MaxPipelineDepth (spec.md §4.3).
func (p *Peer) GrowPipeline() {
	if p.PipelineDepth < p.MaxPipelineDepth {
		p.PipelineDepth++
	}
}

// ShrinkPipeline resets to the floor of 4 on timeout, stall, or choke.
func (p *Peer) ShrinkPipeline() { p.PipelineDepth = 4 }

// NeedsKeepAlive reports whether more than idle has elapsed since the last
// send (spec.md §4.3: send KEEP_ALIVE if no message sent in 2 minutes).
func (p *Peer) NeedsKeepAlive(now time.Time, idle time.Duration) bool {
	return !p.LastSent.IsZero() && now.Sub(p.LastSent) > idle
}

// IdleTooLong reports whether idle has elapsed since the last receipt
// (spec.md §4.3: drop connection if no message received in 2 minutes).
func (p *Peer) IdleTooLong(now time.Time, idle time.Duration) bool {
	return !p.LastRecv.IsZero() && now.Sub(p.LastRecv) > idle
}

// Touch marks a message as having just been received, for idle-timeout
// bookkeeping (spec.md §4.3).
func (p *Peer) Touch(now time.Time) { p.LastRecv = now }
