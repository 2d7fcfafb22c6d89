// Package addrlist keeps the pending peer-address queue a Torrent dials
// from, deduplicating across peer sources (tracker, DHT, manual/magnet
// x.pe hints, PEX) so the same address is never queued twice while still
// letting Torrent cap each tick's outgoing dials at its free peer slots.
package addrlist

import "net"

// Source identifies where an address came from, for stats/debugging
// only; it has no effect on dial order.
type Source int

const (
	Tracker Source = iota
	DHT
	Manual
	PEX
)

func (s Source) String() string {
	switch s {
	case Tracker:
		return "tracker"
	case DHT:
		return "dht"
	case Manual:
		return "manual"
	case PEX:
		return "pex"
	default:
		return "unknown"
	}
}

type entry struct {
	addr   *net.TCPAddr
	source Source
}

// AddrList is a FIFO queue of not-yet-dialed peer addresses, deduped by
// "ip:port" string. It is owned by exactly one Torrent.
type AddrList struct {
	queue []entry
	seen  map[string]struct{}
}

// New returns an empty AddrList.
func New() *AddrList {
	return &AddrList{seen: make(map[string]struct{})}
}

// Push enqueues addrs from source, skipping any already seen since the
// last Reset.
func (l *AddrList) Push(addrs []*net.TCPAddr, source Source) {
	for _, a := range addrs {
		if a == nil {
			continue
		}
		key := a.String()
		if _, ok := l.seen[key]; ok {
			continue
		}
		l.seen[key] = struct{}{}
		l.queue = append(l.queue, entry{addr: a, source: source})
	}
}

// Pop removes and returns the next address to dial, or nil if the queue
// is empty.
func (l *AddrList) Pop() *net.TCPAddr {
	if len(l.queue) == 0 {
		return nil
	}
	e := l.queue[0]
	l.queue = l.queue[1:]
	return e.addr
}

// Len reports the number of addresses still queued.
func (l *AddrList) Len() int { return len(l.queue) }

// Reset drops every queued address and forgets the dedup set.
func (l *AddrList) Reset() {
	l.queue = nil
	l.seen = make(map[string]struct{})
}
