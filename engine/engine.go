// Package engine implements the Engine (spec.md §4.10): the global
// scheduler that owns the PeerId, the single listening port, the
// torrent registry keyed by info hash, and the engine-wide bandwidth
// limiters. It accepts inbound sockets, sniffs plaintext-vs-MSE on the
// first byte, and dispatches the negotiated (infoHash, peer) to the
// matching Torrent, dropping the connection if the info hash is
// unknown. Grounded on the teacher's session/session.go (`Session`
// struct, `New`, `AddTorrent`, `RemoveTorrent`, boltdb-backed registry
// persistence, go-homedir path expansion, shared DHT node) generalized
// to the Engine/Torrent ownership split spec.md §3 describes.
package engine

import (
	"bufio"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	homedir "github.com/mitchellh/go-homedir"
	uuid "github.com/satori/go.uuid"

	jstorrent "github.com/kzahel/jstorrent-sub016"
	"github.com/kzahel/jstorrent-sub016/internal/addrlist"
	"github.com/kzahel/jstorrent-sub016/internal/bandwidth"
	"github.com/kzahel/jstorrent-sub016/internal/host"
	"github.com/kzahel/jstorrent-sub016/internal/logger"
	"github.com/kzahel/jstorrent-sub016/internal/magnet"
	"github.com/kzahel/jstorrent-sub016/internal/metainfo"
	"github.com/kzahel/jstorrent-sub016/internal/mse"
	"github.com/kzahel/jstorrent-sub016/internal/peerconn"
	"github.com/kzahel/jstorrent-sub016/internal/peersource"
	"github.com/kzahel/jstorrent-sub016/internal/ports"
	"github.com/kzahel/jstorrent-sub016/internal/resumer"
	"github.com/kzahel/jstorrent-sub016/internal/resumer/boltdbresumer"
	"github.com/kzahel/jstorrent-sub016/internal/tracker"
	"github.com/kzahel/jstorrent-sub016/torrent"
)

var (
	torrentsBucket = []byte("torrents")

	// ErrUnknownTorrent is returned by operations addressing an info hash
	// the Engine has no registry entry for.
	ErrUnknownTorrent = errors.New("engine: unknown torrent")
	// ErrAlreadyAdded is returned by AddTorrent/AddMagnet when the info
	// hash is already registered.
	ErrAlreadyAdded = errors.New("engine: torrent already added")
)

// managedTorrent bundles a running Torrent with the bookkeeping the
// Engine needs to stop and forget it.
type managedTorrent struct {
	t        *torrent.Torrent
	cancel   context.CancelFunc
	done     chan struct{}
	resumer  *boltdbresumer.Resumer
	handleID string // opaque local handle, also the resumer bucket key (and dest dir name for unnamed torrents)
}

// ban records a handshake failure's cooldown, keyed by remote IP
// (spec.md §4.3 "Peers that close with hadError=true during handshake
// are banned for 10 minutes").
type ban struct {
	until time.Time
}

// Engine owns the PeerId, the listening port, the global limiter and
// the torrent registry (spec.md §4.10). Every exported method is safe
// to call from any goroutine; per-torrent state is only ever touched
// from that Torrent's own event loop.
type Engine struct {
	cfg *jstorrent.Config
	log logger.Logger

	peerID [20]byte

	fs     ports.FileSystem
	hasher ports.Hasher
	http   ports.HttpClient
	rng    ports.Rng
	clock  ports.Clock

	listener ports.TcpListener
	db       *bolt.DB
	dhtNode  *peersource.DHTNode

	globalBandwidth *bandwidth.Tracker

	mu       sync.Mutex
	torrents map[[20]byte]*managedTorrent
	banned   map[string]ban

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// Deps bundles the host ports an Engine is constructed with; host.*
// provides the real OS-backed implementations, tests substitute fakes.
type Deps struct {
	FS     ports.FileSystem
	Hasher ports.Hasher
	HTTP   ports.HttpClient
	Rng    ports.Rng
	Clock  ports.Clock
}

// New builds an Engine: expands and opens the resume database and opens
// the single listening port. The shared DHT node is started separately
// by EnableDHT. New does not re-add torrents checkpointed in the resume
// database.
func New(cfg *jstorrent.Config, peerID [20]byte, deps Deps) (*Engine, error) {
	dbPath, err := homedir.Expand(cfg.ResumeDB)
	if err != nil {
		return nil, fmt.Errorf("engine: expand resume db path: %w", err)
	}
	dataDir, err := homedir.Expand(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("engine: expand data dir: %w", err)
	}
	cfg.DataDir = dataDir
	if err := deps.FS.Mkdir(filepath.Dir(dbPath)); err != nil {
		return nil, fmt.Errorf("engine: create resume db dir: %w", err)
	}
	db, err := bolt.Open(dbPath, 0o640, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("engine: open resume db: %w", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(torrentsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}

	ln, err := host.ListenTCP(cfg.Port)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: listen on port %d: %w", cfg.Port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:             cfg,
		log:             logger.New("engine"),
		peerID:          peerID,
		fs:              deps.FS,
		hasher:          deps.Hasher,
		http:            deps.HTTP,
		rng:             deps.Rng,
		clock:           deps.Clock,
		listener:        ln,
		db:              db,
		globalBandwidth: bandwidth.New(cfg.GlobalUploadRateBytes, cfg.GlobalDownloadRateBytes, cfg.SpeedSampleWindow),
		torrents:        make(map[[20]byte]*managedTorrent),
		banned:          make(map[string]ban),
		ctx:             ctx,
		cancel:          cancel,
	}

	e.wg.Add(1)
	go e.acceptLoop()

	return e, nil
}

// EnableDHT starts a shared DHT node used as a peersource.Source factory
// for every torrent subsequently added. Optional: spec.md §1 keeps DHT
// itself out of the core's scope, consumed only through the Source
// port (internal/peersource).
func (e *Engine) EnableDHT(cfg peersource.DHTConfig) error {
	node, err := peersource.NewDHTNode(cfg)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.dhtNode = node
	e.mu.Unlock()
	return nil
}

// Port returns the engine's listening TCP port.
func (e *Engine) Port() uint16 { return e.cfg.Port }

// PeerID returns this engine instance's 20-byte self identifier.
func (e *Engine) PeerID() [20]byte { return e.peerID }

// acceptLoop accepts inbound sockets until the listener is closed,
// handing each one to handleAccept in its own goroutine so a slow or
// hostile handshake never blocks subsequent accepts.
func (e *Engine) acceptLoop() {
	defer e.wg.Done()
	for {
		sock, err := e.listener.Accept()
		if err != nil {
			select {
			case <-e.ctx.Done():
				return
			default:
				e.log.Warningln("accept error:", err)
				return
			}
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.handleAccept(sock)
		}()
	}
}

// peekedSocket lets the Engine sniff the first byte of an inbound
// stream (spec.md §6 "incoming stream is either plain BitTorrent (first
// byte 0x13) or MSE") without losing it: Read is served from a buffered
// reader seeded by the peek, everything else passes through untouched.
type peekedSocket struct {
	ports.TcpSocket
	br *bufio.Reader
}

func (p *peekedSocket) Read(b []byte) (int, error) { return p.br.Read(b) }

// handleAccept completes the handshake for one inbound connection and
// dispatches it to the matching Torrent, applying the 30s handshake
// deadline and the handshake-failure ban list (spec.md §4.2, §4.3).
func (e *Engine) handleAccept(sock ports.TcpSocket) {
	remoteKey := ""
	if a := sock.RemoteAddr(); a != nil {
		if tcp, ok := a.(*net.TCPAddr); ok {
			remoteKey = tcp.IP.String()
		} else {
			remoteKey = a.String()
		}
	}
	if e.isBanned(remoteKey) {
		sock.Close()
		return
	}

	_ = sock.SetDeadline(time.Now().Add(30 * time.Second))
	defer sock.SetDeadline(time.Time{})

	br := bufio.NewReader(sock)
	first, err := br.Peek(1)
	if err != nil {
		sock.Close()
		return
	}
	pc := &peekedSocket{TcpSocket: sock, br: br}

	var (
		peer     *peerconn.Peer
		infoHash [20]byte
	)
	if first[0] == 0x13 {
		if e.cfg.Encryption.ForceIncoming {
			err = mse.ErrPlaintextNotAllowed
		} else {
			peer, infoHash, err = peerconn.AcceptPlaintext(pc, e.peerID, e.cfg.MaxPipelineDepth)
		}
	} else {
		mode := mse.Allow
		if e.cfg.Encryption.ForceIncoming {
			mode = mse.Required
		}
		peer, infoHash, err = peerconn.AcceptEncrypted(pc, e.lookupInfoHash, e.rng, cryptoProvide(), mode, e.peerID, e.cfg.MaxPipelineDepth)
	}
	if err != nil {
		e.banHandshakeFailure(remoteKey)
		sock.Close()
		return
	}

	mt := e.lookupManaged(infoHash)
	if mt == nil {
		e.log.Warningf("rejecting inbound handshake for unknown infohash %x", infoHash)
		peer.Close()
		return
	}
	mt.t.AddPeer(peer)
}

// cryptoProvide advertises both plaintext and RC4 as acceptable
// incoming encryption methods (spec.md §4.2 crypto_provide bitfield);
// the peer's own policy (spec.md's mode param) decides whether plaintext
// is actually accepted.
func cryptoProvide() uint32 { return 1<<0 | 1<<1 }

func (e *Engine) lookupInfoHash(candidate func(infoHash [20]byte) bool) (infoHash [20]byte, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ih := range e.torrents {
		if candidate(ih) {
			return ih, true
		}
	}
	return [20]byte{}, false
}

func (e *Engine) lookupManaged(infoHash [20]byte) *managedTorrent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.torrents[infoHash]
}

func (e *Engine) isBanned(key string) bool {
	if key == "" {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.banned[key]
	if !ok {
		return false
	}
	if time.Now().After(b.until) {
		delete(e.banned, key)
		return false
	}
	return true
}

func (e *Engine) banHandshakeFailure(key string) {
	if key == "" {
		return
	}
	e.mu.Lock()
	e.banned[key] = ban{until: time.Now().Add(time.Duration(e.cfg.HandshakeBanMin) * time.Minute)}
	e.mu.Unlock()
}

// udpDialer adapts host UDP sockets to torrent.UDPDialer, opening one
// ephemeral socket per announce attempt (BEP 15 connection ids are
// short-lived enough that pooling isn't worthwhile here).
type udpDialer struct{ rng ports.Rng }

func (d udpDialer) Dial(_ context.Context, _ string) (*tracker.UDPClient, func(), error) {
	sock, err := host.DialUDP()
	if err != nil {
		return nil, nil, err
	}
	client := tracker.NewUDPClient(sock, d.rng)
	return client, func() { sock.Close() }, nil
}

// dialer adapts host.DialTCP to the ports.TcpSocket-returning signature
// torrent.Deps.Dialer requires.
func (e *Engine) dialer(ctx context.Context, addr net.Addr) (ports.TcpSocket, error) {
	return host.DialTCP(ctx, addr)
}

// buildDeps assembles the torrent.Deps every managed Torrent shares,
// wiring the engine-wide bandwidth tracker alongside a fresh per-torrent
// one (spec.md §4.9 "Per-torrent and global token buckets").
func (e *Engine) buildDeps(res resumer.Resumer, sources []peersource.Source) torrent.Deps {
	return torrent.Deps{
		FS:              e.fs,
		Hasher:          e.hasher,
		Dialer:          e.dialer,
		HTTP:            e.http,
		UDP:             udpDialer{rng: e.rng},
		Rng:             e.rng,
		Clock:           e.clock,
		PeerID:          e.peerID,
		Port:            e.cfg.Port,
		Resumer:         res,
		Bandwidth:       bandwidth.New(0, 0, e.cfg.SpeedSampleWindow),
		GlobalBandwidth: e.globalBandwidth,
		Sources:         sources,
	}
}

// newHandleID mints an opaque per-torrent handle, used as the resume
// database's bucket key so it is not tied to the info hash, and as the
// destination directory name when the torrent has no name (see destDir;
// a magnet without dn has none until metadata arrives). Grounded on the
// teacher's session.add(),
// which derives the same kind of handle via uuid.NewV1() before it
// ever resolves an info hash.
func newHandleID() string {
	u1 := uuid.NewV1()
	return base64.RawURLEncoding.EncodeToString(u1[:])
}

func (e *Engine) destDir(name, handleID string) string {
	if name == "" {
		name = handleID
	}
	return filepath.Join(e.cfg.DataDir, name)
}

func (e *Engine) sourcesFor() []peersource.Source {
	e.mu.Lock()
	node := e.dhtNode
	e.mu.Unlock()
	if node == nil {
		return nil
	}
	return []peersource.Source{node.NewSource()}
}

// AddTorrent parses a .torrent file and registers it, starting its
// event loop goroutine immediately.
func (e *Engine) AddTorrent(r io.Reader) (*torrent.Torrent, error) {
	mi, err := metainfo.New(r)
	if err != nil {
		return nil, err
	}
	return e.addWithInfo(mi, nil)
}

// AddMagnet registers a torrent from a magnet URI; metadata is fetched
// from peers via ut_metadata once any peer connects (spec.md §4.10).
func (e *Engine) AddMagnet(uri string) (*torrent.Torrent, error) {
	m, err := magnet.New(uri)
	if err != nil {
		return nil, err
	}
	return e.addMagnet(m)
}

func (e *Engine) addWithInfo(mi *metainfo.MetaInfo, peerHints []*net.TCPAddr) (*torrent.Torrent, error) {
	infoHash := mi.Info.Hash
	e.mu.Lock()
	if _, dup := e.torrents[infoHash]; dup {
		e.mu.Unlock()
		return nil, ErrAlreadyAdded
	}
	e.mu.Unlock()

	handleID := newHandleID()
	res, err := boltdbresumer.New(e.db, torrentsBucket, []byte(handleID))
	if err != nil {
		return nil, err
	}
	dest := e.destDir(mi.Info.Name, handleID)
	if err := e.fs.Mkdir(dest); err != nil {
		return nil, err
	}
	deps := e.buildDeps(res, e.sourcesFor())
	t, err := torrent.New(e.cfg, mi, dest, deps)
	if err != nil {
		return nil, err
	}
	if len(peerHints) > 0 {
		t.AddAddrs(peerHints, addrlist.Manual)
	}
	e.register(infoHash, handleID, t, res)
	return t, nil
}

func (e *Engine) addMagnet(m *magnet.Magnet) (*torrent.Torrent, error) {
	e.mu.Lock()
	if _, dup := e.torrents[m.InfoHash]; dup {
		e.mu.Unlock()
		return nil, ErrAlreadyAdded
	}
	e.mu.Unlock()

	handleID := newHandleID()
	res, err := boltdbresumer.New(e.db, torrentsBucket, []byte(handleID))
	if err != nil {
		return nil, err
	}
	dest := e.destDir(m.Name, handleID)
	if err := e.fs.Mkdir(dest); err != nil {
		return nil, err
	}
	deps := e.buildDeps(res, e.sourcesFor())
	trackers := [][]string{m.Trackers}
	t := torrent.NewFromMagnet(e.cfg, m.InfoHash, m.Name, trackers, dest, deps)
	if len(m.Peers) > 0 {
		t.AddAddrs(m.Peers, addrlist.Manual)
	}
	e.register(m.InfoHash, handleID, t, res)
	return t, nil
}

func (e *Engine) register(infoHash [20]byte, handleID string, t *torrent.Torrent, res *boltdbresumer.Resumer) {
	ctx, cancel := context.WithCancel(e.ctx)
	mt := &managedTorrent{t: t, cancel: cancel, done: make(chan struct{}), resumer: res, handleID: handleID}
	e.mu.Lock()
	e.torrents[infoHash] = mt
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(mt.done)
		t.Run(ctx)
	}()
}

// RemoveTorrent stops a torrent's event loop, removes it from the
// registry and drops its resume checkpoint; if withData is true, every
// file listed in its metainfo is deleted as well (spec.md §4.10
// removeTorrent(withData?), spec.md §8 "After removeTorrent(withData=
// false): storage files unchanged. With withData=true: every file...
// is deleted").
func (e *Engine) RemoveTorrent(infoHash [20]byte, withData bool) error {
	e.mu.Lock()
	mt, ok := e.torrents[infoHash]
	if ok {
		delete(e.torrents, infoHash)
	}
	e.mu.Unlock()
	if !ok {
		return ErrUnknownTorrent
	}

	mt.cancel()
	mt.t.Close()
	<-mt.done

	if withData {
		if err := mt.t.DeleteData(); err != nil {
			e.log.Errorln("delete torrent data:", err)
		}
	}
	return boltdbresumer.Delete(e.db, torrentsBucket, []byte(mt.handleID))
}

// ResetTorrent stops, then re-adds, a torrent from its own persisted
// metainfo (spec.md §4.10 "resetTorrent"), discarding the resume
// checkpoint entirely so the re-added torrent runs a fresh checking
// pass. Only valid once metadata has been acquired at least once.
func (e *Engine) ResetTorrent(infoHash [20]byte) error {
	e.mu.Lock()
	mt, ok := e.torrents[infoHash]
	e.mu.Unlock()
	if !ok {
		return ErrUnknownTorrent
	}
	spec, err := mt.resumer.Read()
	if err != nil {
		return err
	}
	if spec == nil || len(spec.Info) == 0 {
		return errors.New("engine: cannot reset a torrent with no acquired metadata")
	}
	if err := e.RemoveTorrent(infoHash, false); err != nil {
		return err
	}
	mi := &metainfo.MetaInfo{AnnounceList: spec.Trackers}
	info, err := metainfo.NewInfo(spec.Info)
	if err != nil {
		return err
	}
	mi.Info = info
	_, err = e.addWithInfo(mi, nil)
	return err
}

// Torrents returns the info hashes of every currently registered
// torrent.
func (e *Engine) Torrents() [][20]byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([][20]byte, 0, len(e.torrents))
	for ih := range e.torrents {
		out = append(out, ih)
	}
	return out
}

// Torrent looks up a registered torrent by info hash.
func (e *Engine) Torrent(infoHash [20]byte) (*torrent.Torrent, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mt, ok := e.torrents[infoHash]
	if !ok {
		return nil, false
	}
	return mt.t, true
}

// Close stops accepting new connections, stops every torrent and closes
// the resume database and shared DHT node, if any.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		_ = e.listener.Close()

		e.mu.Lock()
		ihs := make([][20]byte, 0, len(e.torrents))
		for ih := range e.torrents {
			ihs = append(ihs, ih)
		}
		dht := e.dhtNode
		e.mu.Unlock()

		for _, ih := range ihs {
			e.mu.Lock()
			mt := e.torrents[ih]
			e.mu.Unlock()
			if mt != nil {
				mt.t.Close()
			}
		}
		e.wg.Wait()

		if dht != nil {
			dht.Stop()
		}
		err = e.db.Close()
	})
	return err
}
