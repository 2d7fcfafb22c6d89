package torrent

import (
	"sort"
	"time"

	"github.com/kzahel/jstorrent-sub016/internal/peerconn"
	"github.com/kzahel/jstorrent-sub016/internal/peerprotocol"
)

// runChoke re-evaluates which peers are unchoked, per spec.md §4.10:
// every ChokeIntervalSec, unchoke the top UploadSlots peers ranked by
// recent contribution (download rate from them while leeching, upload
// rate to them while seeding) plus one rotating optimistic unchoke.
func (t *Torrent) runChoke(now time.Time) {
	t.nextChoke = now.Add(time.Duration(t.cfg.ChokeIntervalSec) * time.Second)

	seeding := t.info != nil && t.have.All()
	scored := t.rankedPeers(seeding)

	slots := t.cfg.UploadSlots
	unchoked := make(map[*peerconn.Peer]bool, slots+1)
	for i := 0; i < len(scored) && i < slots; i++ {
		unchoked[scored[i]] = true
	}

	if !now.Before(t.nextOptimistic) || t.optimistic == nil || unchoked[t.optimistic] {
		t.optimistic = t.pickOptimistic(unchoked)
		t.nextOptimistic = now.Add(time.Duration(t.cfg.OptimisticUnchokeSec) * time.Second)
	}
	if t.optimistic != nil {
		unchoked[t.optimistic] = true
	}

	for _, p := range t.peers {
		want := unchoked[p]
		if want == !p.AmChoking {
			continue
		}
		p.AmChoking = !want
		if want {
			_ = p.SendMessage(peerprotocol.UnchokeMessage{})
		} else {
			_ = p.SendMessage(peerprotocol.ChokeMessage{})
		}
	}

	t.contribution = make(map[string]int64)
	t.uploadedTo = make(map[string]int64)
}

// rankedPeers returns interested-in-us peers ordered best-contribution
// first.
func (t *Torrent) rankedPeers(seeding bool) []*peerconn.Peer {
	var candidates []*peerconn.Peer
	for _, p := range t.peers {
		if p.PeerInterested {
			candidates = append(candidates, p)
		}
	}
	scoreOf := func(p *peerconn.Peer) int64 {
		if seeding {
			return t.uploadedTo[p.Remote.String()]
		}
		return t.contribution[p.Remote.String()]
	}
	sort.Slice(candidates, func(i, j int) bool {
		return scoreOf(candidates[i]) > scoreOf(candidates[j])
	})
	return candidates
}

// pickOptimistic rotates the optimistic-unchoke slot among interested
// peers not already unchoked through the ranked slots.
func (t *Torrent) pickOptimistic(unchoked map[*peerconn.Peer]bool) *peerconn.Peer {
	var candidates []*peerconn.Peer
	for _, p := range t.peers {
		if p.PeerInterested && !unchoked[p] {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	return candidates[t.rng.Intn(len(candidates))]
}
