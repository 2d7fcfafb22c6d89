// DHT peer-source plugin backed by github.com/nictuku/dht, grounded on
// the teacher's own `dht.New`/`dhtNode.Start()`/`PeersRequestResults`
// call shape (session/session.go). This is adapter code living beside
// the core: it is the only file in this module that imports the dht
// package, and the core consumes it exclusively through the Source
// interface, so DHT protocol logic is never smuggled into torrent/
// or engine/ (out of scope per spec.md §1).
package peersource

import (
	"net"
	"time"

	"github.com/nictuku/dht"
)

// DHTConfig mirrors the subset of dht.Config callers typically need to
// override; zero value uses nictuku/dht's own defaults plus the
// well-known bootstrap routers.
type DHTConfig struct {
	Address string
	Port    int
}

// DHTNode wraps one shared *dht.DHT across every torrent's DHT source,
// since nictuku/dht multiplexes a single UDP socket across infohashes
// internally.
type DHTNode struct {
	node *dht.DHT
}

// NewDHTNode starts a shared DHT node. The returned *DHTNode should be
// constructed once per Engine; its NewSource method yields one Source per
// torrent.
func NewDHTNode(cfg DHTConfig) (*DHTNode, error) {
	dhtConfig := dht.NewConfig()
	if cfg.Address != "" {
		dhtConfig.Address = cfg.Address
	}
	if cfg.Port != 0 {
		dhtConfig.Port = cfg.Port
	}
	dhtConfig.DHTRouters = "router.bittorrent.com:6881,dht.transmissionbt.com:6881," +
		"router.utorrent.com:6881,dht.libtorrent.org:25401,dht.aelitis.com:6881"
	dhtConfig.SaveRoutingTable = false
	node, err := dht.New(dhtConfig)
	if err != nil {
		return nil, err
	}
	if err := node.Start(); err != nil {
		return nil, err
	}
	return &DHTNode{node: node}, nil
}

// Stop shuts down the shared DHT node.
func (n *DHTNode) Stop() { n.node.Stop() }

// NewSource returns a peersource.Source for one torrent's info hash,
// backed by this shared node.
func (n *DHTNode) NewSource() Source {
	return &dhtSource{node: n.node, addrsC: make(chan []*net.TCPAddr, 4), stopC: make(chan struct{})}
}

type dhtSource struct {
	node     *dht.DHT
	infoHash dht.InfoHash
	addrsC   chan []*net.TCPAddr
	stopC    chan struct{}
	need     bool
}

func (s *dhtSource) Start(infoHash [20]byte, port uint16) {
	s.infoHash = dht.InfoHash(infoHash[:])
	go s.run()
}

func (s *dhtSource) Addrs() <-chan []*net.TCPAddr { return s.addrsC }

func (s *dhtSource) NeedMore(need bool) { s.need = need }

func (s *dhtSource) Stop() { close(s.stopC) }

// run polls PeersRequestResults for this source's own infohash, issuing
// a fresh PeersRequest roughly once per tick when the torrent still
// needs more peers (mirrors the teacher's session-wide dhtLimiter
// ticker, narrowed to one torrent here since this module gives each
// torrent its own Source rather than a shared session-level fan-out).
func (s *dhtSource) run() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.need {
				s.node.PeersRequest(string(s.infoHash), true)
			}
		case res := <-s.node.PeersRequestResults:
			peers, ok := res[s.infoHash]
			if !ok {
				continue
			}
			addrs := parsePeers(peers)
			if len(addrs) == 0 {
				continue
			}
			select {
			case s.addrsC <- addrs:
			case <-s.stopC:
				return
			}
		case <-s.stopC:
			return
		}
	}
}

func parsePeers(peers []string) []*net.TCPAddr {
	var addrs []*net.TCPAddr
	for _, peer := range peers {
		if len(peer) != 6 {
			continue // IPv6 compact peers unsupported by nictuku/dht
		}
		addrs = append(addrs, &net.TCPAddr{
			IP:   net.IP([]byte(peer[:4])),
			Port: int(uint16(peer[4])<<8 | uint16(peer[5])),
		})
	}
	return addrs
}
