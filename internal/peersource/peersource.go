// Package peersource is the plugin boundary spec.md §1 calls for: DHT,
// UPnP, LPD and PEX are all "treated as peer-source plugins" rather than
// in-core protocol logic. A Source is anything that can occasionally
// push a batch of candidate peer addresses for one info hash; the core
// (Torrent) only ever touches this interface, never a concrete DHT or
// PEX implementation directly (SPEC_FULL.md "PEER-SOURCE PLUGIN
// BOUNDARY").
package peersource

import "net"

// Source produces peer addresses for a single torrent, asynchronously.
type Source interface {
	// Start begins producing addresses for infoHash on port (the
	// engine's own listening port, announced to other speakers of this
	// source's protocol). Results arrive on Addrs().
	Start(infoHash [20]byte, port uint16)
	// Addrs is read by the owning Torrent's event loop.
	Addrs() <-chan []*net.TCPAddr
	// NeedMore is a hint from the Torrent that it would like more peers
	// soon; sources that support on-demand queries (like DHT) use this
	// to pace their own request rate.
	NeedMore(bool)
	// Stop releases any resources associated with this torrent's
	// subscription. The Source instance itself may be shared/reused
	// across torrents depending on the concrete implementation.
	Stop()
}
