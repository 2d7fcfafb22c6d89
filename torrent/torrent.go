// Package torrent implements the Torrent entity (spec.md §4.10): one
// torrent's metadata acquisition, checking, peer set, choking algorithm
// and tracker fan-out, all driven from a single event-loop goroutine
// per the cooperative concurrency model of spec.md §5. Grounded on the
// teacher's session/torrent.go bookkeeping and session/run.go select
// loop (github.com/cenkalti/rain), generalized to the ut_metadata
// acquisition, encryption and resume-checkpoint features this spec
// adds.
package torrent

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/rand"
	"net"
	"time"

	jstorrent "github.com/kzahel/jstorrent-sub016"
	"github.com/kzahel/jstorrent-sub016/internal/activepieces"
	"github.com/kzahel/jstorrent-sub016/internal/addrlist"
	"github.com/kzahel/jstorrent-sub016/internal/bandwidth"
	"github.com/kzahel/jstorrent-sub016/internal/bitfield"
	"github.com/kzahel/jstorrent-sub016/internal/logger"
	"github.com/kzahel/jstorrent-sub016/internal/metainfo"
	"github.com/kzahel/jstorrent-sub016/internal/mse"
	"github.com/kzahel/jstorrent-sub016/internal/peerconn"
	"github.com/kzahel/jstorrent-sub016/internal/peerprotocol"
	"github.com/kzahel/jstorrent-sub016/internal/peersource"
	"github.com/kzahel/jstorrent-sub016/internal/piecepicker"
	"github.com/kzahel/jstorrent-sub016/internal/ports"
	"github.com/kzahel/jstorrent-sub016/internal/resumer"
	"github.com/kzahel/jstorrent-sub016/internal/storage"
	"github.com/kzahel/jstorrent-sub016/internal/tracker"
)

// State is the user-visible activityState spec.md §7 calls for.
type State int

const (
	StateStopped State = iota
	StateChecking
	StateDownloadingMetadata
	StateDownloading
	StateSeeding
	StateError
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateChecking:
		return "checking"
	case StateDownloadingMetadata:
		return "downloadingMetadata"
	case StateDownloading:
		return "downloading"
	case StateSeeding:
		return "seeding"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// UDPDialer abstracts resolving+dialing a UDP tracker endpoint, mirrored
// from internal/tracker's unexported udpDialer so Deps can be built
// without importing tracker's internals.
type UDPDialer interface {
	Dial(ctx context.Context, hostport string) (*tracker.UDPClient, func(), error)
}

// Deps bundles the host ports and shared infrastructure a Torrent
// needs, all supplied by the owning Engine so Torrent itself never
// touches a concrete socket/file/hash implementation (spec.md §6).
type Deps struct {
	FS     ports.FileSystem
	Hasher ports.Hasher
	Dialer func(ctx context.Context, addr net.Addr) (ports.TcpSocket, error)
	HTTP   ports.HttpClient
	UDP    UDPDialer
	Rng    ports.Rng
	Clock  ports.Clock
	PeerID [20]byte
	Port   uint16

	Resumer   resumer.Resumer
	Bandwidth *bandwidth.Tracker // per-torrent token buckets/speed (spec.md §4.9)
	// GlobalBandwidth is the Engine-wide token buckets shared by every
	// torrent, checked in addition to the per-torrent buckets above.
	GlobalBandwidth *bandwidth.Tracker
	Sources         []peersource.Source
}

// Stats is the user-visible snapshot spec.md §4.7/§4.10 expose.
type Stats struct {
	State        State
	ErrorMessage string
	Downloaded   int64
	Uploaded     int64
	Left         int64
	NumPeers     int
	NumSeeds     int
	DownloadBPS  int64
	UploadBPS    int64
	Trackers     []tracker.Stats
}

// Torrent owns one info hash's worth of state: metadata acquisition,
// checking, the peer set, choking and tracker fan-out. Every method
// except Stats/AddPeer/AddAddrs/Close is intended to run only on the
// goroutine started by Run; the others hand off through channels so
// they are safe to call from any goroutine.
type Torrent struct {
	cfg  *jstorrent.Config
	deps Deps
	log  logger.Logger

	infoHash [20]byte
	name     string
	dest     string
	trackers [][]string
	rng      *rand.Rand

	info   *metainfo.Info
	have   *bitfield.Bitfield
	picker *piecepicker.Picker
	active *activepieces.ActivePieces
	store  *storage.Storage

	trackerMgr *tracker.Manager
	addrs      *addrlist.AddrList
	sources    []peersource.Source
	sourceFan  chan []*net.TCPAddr

	peers map[string]*peerconn.Peer
	meta  *metadataAcquisition

	state         State
	errMsg        string
	started       bool
	completedSent bool

	downloaded, uploaded                 int64
	lastTickDownloaded, lastTickUploaded int64

	events   chan peerconn.Event
	commands chan func(*Torrent)
	statsReq chan chan Stats
	closeC   chan struct{}
	doneC    chan struct{}

	nextChoke      time.Time
	nextOptimistic time.Time
	optimistic     *peerconn.Peer
	contribution   map[string]int64
	uploadedTo     map[string]int64
}

// New constructs a Torrent around an already-parsed MetaInfo (the
// common case of adding a .torrent file). Use NewFromMagnet when only
// the info hash is known and metadata must be fetched from peers.
func New(cfg *jstorrent.Config, mi *metainfo.MetaInfo, dest string, deps Deps) (*Torrent, error) {
	t := newTorrent(cfg, mi.Info.Hash, dest, mi.GetTrackers(), deps)
	if err := t.setInfo(mi.Info); err != nil {
		return nil, err
	}
	return t, nil
}

// NewFromMagnet constructs a Torrent that must first acquire metadata
// via ut_metadata (spec.md §4.10) before it can check or download
// anything.
func NewFromMagnet(cfg *jstorrent.Config, infoHash [20]byte, name string, trackers [][]string, dest string, deps Deps) *Torrent {
	t := newTorrent(cfg, infoHash, dest, trackers, deps)
	t.name = name
	t.state = StateDownloadingMetadata
	t.meta = newMetadataAcquisition()
	return t
}

func newTorrent(cfg *jstorrent.Config, infoHash [20]byte, dest string, trackers [][]string, deps Deps) *Torrent {
	var seed int64 = 1
	if deps.Rng != nil {
		seed = int64(binary.BigEndian.Uint64(deps.Rng.Bytes(8)))
	}
	t := &Torrent{
		cfg:      cfg,
		deps:     deps,
		log:      logger.New(fmt.Sprintf("torrent %x", infoHash[:4])),
		infoHash: infoHash,
		dest:     dest,
		trackers: trackers,
		rng:      rand.New(rand.NewSource(seed)),
		peers:        make(map[string]*peerconn.Peer),
		contribution: make(map[string]int64),
		uploadedTo:   make(map[string]int64),
		addrs:        addrlist.New(),
		sources:  deps.Sources,
		events:   make(chan peerconn.Event, 256),
		commands: make(chan func(*Torrent), 64),
		statsReq: make(chan chan Stats),
		closeC:   make(chan struct{}),
		doneC:    make(chan struct{}),
	}
	t.trackerMgr = tracker.New(trackers, deps.HTTP, deps.UDP, cfg.TrackerMinIntervalSec, cfg.TrackerStoppedCapSec)
	return t
}

// setInfo adopts known metadata, building the picker, active-piece set
// and storage. It is called either synchronously from New, or from the
// event loop once ut_metadata acquisition completes.
func (t *Torrent) setInfo(info *metainfo.Info) error {
	t.info = info
	if t.name == "" {
		t.name = info.Name
	}
	specs := make([]storage.FileSpec, len(info.Files))
	for i, f := range info.Files {
		specs[i] = storage.FileSpec{Path: f.Path, Length: f.Length}
	}
	t.store = storage.New(t.deps.FS, t.dest, info.PieceLength, specs)
	t.have = bitfield.New(info.NumPieces)
	t.picker = piecepicker.New(info.NumPieces, info.PieceLength, info.TotalLength, t.have, t.rng)
	t.active = activepieces.New(
		t.cfg.MaxActivePieces,
		func(piece uint32) int64 { return info.PieceLen(piece) },
		func(piece uint32) [20]byte {
			var h [20]byte
			copy(h[:], info.PieceHash(piece))
			return h
		},
		t.deps.Hasher,
		func(piece uint32) { t.picker.ReleasePiece(piece) },
	)
	return nil
}

// Run starts the single event-loop goroutine and blocks until ctx is
// canceled or Close is called.
func (t *Torrent) Run(ctx context.Context) {
	defer close(t.doneC)

	if t.info != nil && t.resumeIncomplete() {
		t.state = StateChecking
		t.runCheck()
	}
	t.updateState()

	for _, s := range t.sources {
		s.Start(t.infoHash, t.deps.Port)
	}
	t.sourceFan = fanInAddrs(t.sources)

	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	fastTick := time.NewTicker(time.Duration(t.cfg.TickMs) * time.Millisecond)
	defer fastTick.Stop()

	t.announce(ctx, tracker.EventStarted)
	t.started = true

	for {
		select {
		case <-ctx.Done():
			t.shutdown()
			return
		case <-t.closeC:
			t.shutdown()
			return
		case ev := <-t.events:
			t.handleEvent(ev)
		case cmd := <-t.commands:
			cmd(t)
		case reply := <-t.statsReq:
			reply <- t.snapshotStats()
		case addrs := <-t.sourceFan:
			t.addrs.Push(addrs, addrlist.DHT)
		case res := <-t.resultsChan():
			t.handleVerifyResult(res)
		case now := <-tick.C:
			t.onSecondTick(ctx, now)
		case <-fastTick.C:
			t.onFastTick()
		}
	}
}

func (t *Torrent) resultsChan() <-chan activepieces.VerifyResult {
	if t.active == nil {
		return nil
	}
	return t.active.Results()
}

func (t *Torrent) shutdown() {
	if t.started {
		t.trackerMgr.Stopped(t.trackerSnapshot())
	}
	for _, p := range t.peers {
		p.Close()
	}
	for _, s := range t.sources {
		s.Stop()
	}
	if t.store != nil {
		_ = t.store.Close()
	}
}

// resumeIncomplete reports whether a resume checkpoint exists but did
// not record a complete bitfield, meaning checking must run (spec.md
// §4.10 "Run checking at startup if a bitfield was not persisted").
func (t *Torrent) resumeIncomplete() bool {
	if t.deps.Resumer == nil {
		return true
	}
	spec, err := t.deps.Resumer.Read()
	if err != nil || spec == nil || len(spec.Bitfield) == 0 {
		return true
	}
	bf, err := bitfield.NewBytes(spec.Bitfield, t.info.NumPieces)
	if err != nil {
		return true
	}
	for i := uint32(0); i < t.info.NumPieces; i++ {
		if bf.Test(i) {
			t.have.Set(i)
		}
	}
	return !t.have.All()
}

// runCheck hashes, one piece at a time, every piece the persisted (or
// absent) local bitfield does not already mark as verified. Run calls it
// before the event loop starts (spec.md §4.10).
func (t *Torrent) runCheck() {
	for i := uint32(0); i < t.info.NumPieces; i++ {
		if t.have.Test(i) {
			continue
		}
		var want [20]byte
		copy(want[:], t.info.PieceHash(i))
		ok, err := t.store.Verify(i, want)
		if err != nil {
			t.fail(err)
			return
		}
		if ok {
			t.have.Set(i)
			t.picker.ApplyHaveDelta(i, 1)
		}
	}
}

func (t *Torrent) fail(err error) {
	t.state = StateError
	t.errMsg = err.Error()
	t.log.Errorln("torrent error:", err)
}

func (t *Torrent) updateState() {
	if t.state == StateError {
		return
	}
	if t.info == nil {
		t.state = StateDownloadingMetadata
		return
	}
	if t.have.All() {
		t.state = StateSeeding
		if !t.completedSent {
			t.completedSent = true
			t.announce(context.Background(), tracker.EventCompleted)
		}
		return
	}
	t.state = StateDownloading
}

func (t *Torrent) announce(ctx context.Context, event tracker.Event) {
	outcomes := t.trackerMgr.AnnounceAll(ctx, t.trackerSnapshot(), event)
	for _, o := range outcomes {
		if o.Err != nil {
			continue
		}
		t.addrs.Push(tcpAddrs(o.Result.Peers), addrlist.Tracker)
	}
}

func (t *Torrent) trackerSnapshot() tracker.Torrent {
	return tracker.Torrent{
		BytesUploaded:   t.uploaded,
		BytesDownloaded: t.downloaded,
		BytesLeft:       t.bytesLeft(),
		InfoHash:        t.infoHash,
		PeerID:          t.deps.PeerID,
		Port:            int(t.deps.Port),
	}
}

func (t *Torrent) bytesLeft() int64 {
	if t.info == nil {
		return 0
	}
	return t.info.TotalLength - t.haveBytes()
}

func (t *Torrent) haveBytes() int64 {
	if t.info == nil {
		return 0
	}
	var n int64
	for i := uint32(0); i < t.info.NumPieces; i++ {
		if t.have.Test(i) {
			n += t.info.PieceLen(i)
		}
	}
	return n
}

func tcpAddrs(peers []tracker.PeerAddr) []*net.TCPAddr {
	out := make([]*net.TCPAddr, 0, len(peers))
	for _, p := range peers {
		ip := net.ParseIP(p.IP)
		if ip == nil {
			continue
		}
		out = append(out, &net.TCPAddr{IP: ip, Port: int(p.Port)})
	}
	return out
}

func fanInAddrs(sources []peersource.Source) chan []*net.TCPAddr {
	out := make(chan []*net.TCPAddr, 16)
	for _, s := range sources {
		go func(s peersource.Source) {
			for addrs := range s.Addrs() {
				out <- addrs
			}
		}(s)
	}
	return out
}

// --- External, thread-safe API ---

// Stats returns a snapshot of the torrent's current state, safe to call
// from any goroutine.
func (t *Torrent) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case t.statsReq <- reply:
		return <-reply
	case <-t.doneC:
		return Stats{State: StateStopped}
	}
}

func (t *Torrent) snapshotStats() Stats {
	s := Stats{
		State:        t.state,
		ErrorMessage: t.errMsg,
		Downloaded:   t.downloaded,
		Uploaded:     t.uploaded,
		Left:         t.bytesLeft(),
		NumPeers:     len(t.peers),
		Trackers:     t.trackerMgr.Get(),
	}
	if t.deps.Bandwidth != nil {
		s.DownloadBPS = t.deps.Bandwidth.DownloadRate()
		s.UploadBPS = t.deps.Bandwidth.UploadRate()
	}
	if t.info != nil {
		for _, p := range t.peers {
			if p.TheirBitfield != nil && p.TheirBitfield.Count() == t.info.NumPieces {
				s.NumSeeds++
			}
		}
	}
	return s
}

// AddPeer registers an already-handshaken connection (inbound from the
// Engine's listener, or outbound once DialOutgoing succeeds).
func (t *Torrent) AddPeer(p *peerconn.Peer) {
	select {
	case t.commands <- func(t *Torrent) { t.addPeer(p) }:
	case <-t.doneC:
		p.Close()
	}
}

// AddAddrs enqueues candidate peer addresses discovered outside the
// event loop (e.g. a magnet link's x.pe hints).
func (t *Torrent) AddAddrs(addrs []*net.TCPAddr, source addrlist.Source) {
	select {
	case t.commands <- func(t *Torrent) { t.addrs.Push(addrs, source) }:
	case <-t.doneC:
	}
}

// Close stops the torrent's event loop and waits for it to exit.
func (t *Torrent) Close() {
	select {
	case <-t.closeC:
	default:
		close(t.closeC)
	}
	<-t.doneC
}

// InfoHash returns this torrent's 20-byte identity. Immutable for the
// lifetime of the Torrent, so safe to call from any goroutine.
func (t *Torrent) InfoHash() [20]byte { return t.infoHash }

// Name returns the torrent's display name, empty until metadata has
// been acquired for a magnet-added torrent.
func (t *Torrent) Name() string { return t.name }

// DeleteData removes every file this torrent's metainfo describes, via
// its ContentStorage (spec.md §4.6 deleteAll). A no-op if metadata was
// never acquired. Must only be called after Close has returned, since
// the storage handle is not safe for concurrent use with the event
// loop.
func (t *Torrent) DeleteData() error {
	if t.store == nil {
		return nil
	}
	return t.store.DeleteAll()
}

func (t *Torrent) addPeer(p *peerconn.Peer) {
	if len(t.peers) >= t.cfg.MaxPeersPerTorrent {
		p.Close()
		return
	}
	key := p.Remote.String()
	if _, dup := t.peers[key]; dup {
		p.Close()
		return
	}
	t.peers[key] = p
	p.Run(t.events)
	if t.info != nil {
		t.sendBitfieldOrHaves(p)
	}
	t.sendExtendedHandshake(p)
}

func (t *Torrent) sendBitfieldOrHaves(p *peerconn.Peer) {
	if p.SupportsFast && t.have.Count() == 0 {
		_ = p.SendMessage(peerprotocol.HaveNoneMessage{})
		return
	}
	if p.SupportsFast && t.have.Count() == t.info.NumPieces {
		_ = p.SendMessage(peerprotocol.HaveAllMessage{})
		return
	}
	_ = p.SendMessage(peerprotocol.BitfieldMessage{Data: t.have.Bytes()})
}

func (t *Torrent) sendExtendedHandshake(p *peerconn.Peer) {
	var metadataSize uint32
	if t.info != nil {
		metadataSize = t.info.InfoSize
	}
	hs := peerprotocol.NewExtensionHandshake(metadataSize, "jstorrent", ipFromAddr(p.Remote))
	payload, err := peerprotocol.EncodeExtensionHandshake(hs)
	if err != nil {
		return
	}
	_ = p.SendMessage(peerprotocol.ExtensionMessage{ExtendedMessageID: peerprotocol.ExtensionIDHandshake, Payload: payload})
}

func ipFromAddr(a net.Addr) net.IP {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}

// dialOutgoing pops addresses from the addr queue, starting at most as
// many dials as the torrent has free peer slots (maxPeersPerTorrent),
// and dials each candidate in its own goroutine so a slow handshake
// never stalls the event loop.
func (t *Torrent) dialOutgoing(ctx context.Context) {
	for budget := t.cfg.MaxPeersPerTorrent - len(t.peers); budget > 0; {
		addr := t.addrs.Pop()
		if addr == nil {
			return
		}
		if _, dup := t.peers[addr.String()]; dup {
			continue
		}
		budget--
		go t.dialOne(ctx, addr)
	}
}

func (t *Torrent) dialOne(ctx context.Context, addr *net.TCPAddr) {
	hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	sock, err := t.deps.Dialer(hctx, addr)
	if err != nil {
		return
	}
	mode := mse.Allow
	switch {
	case t.cfg.Encryption.DisableOutgoing:
		mode = mse.Disabled
	case t.cfg.Encryption.ForceOutgoing:
		mode = mse.Required
	}
	p, err := peerconn.DialOutgoing(hctx, sock, t.infoHash, t.deps.PeerID, t.deps.Rng, mode, t.cfg.MaxPipelineDepth)
	if err != nil {
		_ = sock.Close()
		return
	}
	t.AddPeer(p)
}
