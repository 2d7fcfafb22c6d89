package torrent

import (
	"bytes"
	"context"
	"io"
	"time"

	"github.com/kzahel/jstorrent-sub016/internal/activepieces"
	"github.com/kzahel/jstorrent-sub016/internal/bencode"
	"github.com/kzahel/jstorrent-sub016/internal/bitfield"
	"github.com/kzahel/jstorrent-sub016/internal/metainfo"
	"github.com/kzahel/jstorrent-sub016/internal/peerconn"
	"github.com/kzahel/jstorrent-sub016/internal/peerprotocol"
	"github.com/kzahel/jstorrent-sub016/internal/tracker"
)

// handleEvent dispatches one decoded message (or disconnect) from a
// peer's reader goroutine. This is the only place protocol decisions
// get made; peerconn itself never interprets a message.
func (t *Torrent) handleEvent(ev peerconn.Event) {
	p := ev.Peer
	if ev.Kind == peerconn.EventDisconnected {
		t.removePeer(p)
		return
	}
	p.Touch(time.Now())
	switch m := ev.Message.(type) {
	case peerprotocol.ChokeMessage:
		p.PeerChoking = true
		for _, r := range p.ClearRequests() {
			if t.picker != nil {
				t.picker.ReleaseBlock(r.Piece, r.Begin)
			}
		}
		p.ShrinkPipeline()
	case peerprotocol.UnchokeMessage:
		p.PeerChoking = false
		t.fillPipeline(p)
	case peerprotocol.InterestedMessage:
		p.PeerInterested = true
	case peerprotocol.NotInterestedMessage:
		p.PeerInterested = false
	case peerprotocol.HaveMessage:
		t.onHave(p, m.Index)
	case peerprotocol.HaveAllMessage:
		if t.info != nil {
			bf := bitfield.New(t.info.NumPieces)
			for i := uint32(0); i < t.info.NumPieces; i++ {
				bf.Set(i)
			}
			t.setPeerBitfield(p, bf)
		}
	case peerprotocol.HaveNoneMessage:
		if t.info != nil {
			t.setPeerBitfield(p, bitfield.New(t.info.NumPieces))
		}
	case peerprotocol.BitfieldMessage:
		if t.info != nil {
			if bf, err := bitfield.NewBytes(m.Data, t.info.NumPieces); err == nil {
				t.setPeerBitfield(p, bf)
			}
		}
	case peerprotocol.RequestMessage:
		t.onRequest(p, m)
	case peerprotocol.CancelMessage:
		// Ignored: onRequest reads and queues the PIECE reply as soon as
		// the REQUEST arrives, and queued sends are not individually
		// cancellable, so a CANCEL withdraws nothing.
	case peerprotocol.RejectMessage:
		if r, ok := p.RemoveRequest(m.Index, m.Begin); ok && t.picker != nil {
			t.picker.ReleaseBlock(r.Piece, r.Begin)
		}
	case peerprotocol.PieceMessage:
		t.onPiece(p, m)
	case peerprotocol.ExtensionMessage:
		t.onExtended(p, m)
	}
}

func (t *Torrent) removePeer(p *peerconn.Peer) {
	key := p.Remote.String()
	delete(t.peers, key)
	delete(t.contribution, key)
	delete(t.uploadedTo, key)
	if t.picker != nil && p.TheirBitfield != nil {
		t.picker.ApplyAvailabilityDelta(p.TheirBitfield, -1)
	}
	if t.picker != nil {
		for _, r := range p.Requests() {
			t.picker.ReleaseBlock(r.Piece, r.Begin)
		}
	}
	if t.meta != nil && t.meta.peer == p {
		t.meta.peer = nil
	}
	if t.optimistic == p {
		t.optimistic = nil
	}
}

func (t *Torrent) onHave(p *peerconn.Peer, piece uint32) {
	if t.info == nil {
		return
	}
	if piece >= t.info.NumPieces {
		p.Close()
		return
	}
	if p.TheirBitfield == nil {
		p.TheirBitfield = bitfield.New(t.info.NumPieces)
	}
	if !p.TheirBitfield.Test(piece) {
		p.TheirBitfield.Set(piece)
		if t.picker != nil {
			t.picker.ApplyHaveDelta(piece, 1)
		}
	}
	t.updateInterest(p)
}

func (t *Torrent) setPeerBitfield(p *peerconn.Peer, bf *bitfield.Bitfield) {
	p.TheirBitfield = bf
	if t.picker != nil {
		t.picker.ApplyAvailabilityDelta(bf, 1)
	}
	t.updateInterest(p)
}

func (t *Torrent) updateInterest(p *peerconn.Peer) {
	interested := t.info != nil && p.TheirBitfield != nil && t.peerHasNeeded(p.TheirBitfield)
	if interested == p.AmInterested {
		return
	}
	p.AmInterested = interested
	if interested {
		_ = p.SendMessage(peerprotocol.InterestedMessage{})
	} else {
		_ = p.SendMessage(peerprotocol.NotInterestedMessage{})
	}
}

func (t *Torrent) peerHasNeeded(bf *bitfield.Bitfield) bool {
	for i := uint32(0); i < t.info.NumPieces; i++ {
		if !t.have.Test(i) && bf.Test(i) {
			return true
		}
	}
	return false
}

func (t *Torrent) onRequest(p *peerconn.Peer, m peerprotocol.RequestMessage) {
	if p.AmChoking || t.info == nil || !t.have.Test(m.Index) {
		return
	}
	if p.OutgoingPieceSends >= t.cfg.MaxOutgoingPieces {
		return
	}
	if !t.uploadTokensAvailable(int(m.Length)) {
		return
	}
	data, err := t.store.Read(m.Index, int64(m.Begin), int64(m.Length))
	if err != nil {
		return
	}
	if err := p.SendMessage(peerprotocol.PieceMessage{Index: m.Index, Begin: m.Begin, Data: data}); err != nil {
		return
	}
	p.OutgoingPieceSends++
	t.uploaded += int64(len(data))
	t.uploadedTo[p.Remote.String()] += int64(len(data))
	if t.deps.Bandwidth != nil {
		t.deps.Bandwidth.CreditUpload(int64(len(data)))
	}
	if t.deps.GlobalBandwidth != nil {
		t.deps.GlobalBandwidth.CreditUpload(int64(len(data)))
	}
}

func (t *Torrent) uploadTokensAvailable(n int) bool {
	if t.deps.Bandwidth != nil && !t.deps.Bandwidth.Upload.Allow(n) {
		return false
	}
	if t.deps.GlobalBandwidth != nil && !t.deps.GlobalBandwidth.Upload.Allow(n) {
		return false
	}
	return true
}

func (t *Torrent) onPiece(p *peerconn.Peer, m peerprotocol.PieceMessage) {
	if _, ok := p.RemoveRequest(m.Index, m.Begin); !ok {
		return // unsolicited or already-timed-out block; ignore the data
	}
	p.GrowPipeline()
	t.downloaded += int64(len(m.Data))
	t.contribution[p.Remote.String()] += int64(len(m.Data))
	if t.deps.Bandwidth != nil {
		t.deps.Bandwidth.CreditDownload(int64(len(m.Data)))
	}
	if t.deps.GlobalBandwidth != nil {
		t.deps.GlobalBandwidth.CreditDownload(int64(len(m.Data)))
	}
	if t.active == nil {
		return
	}
	err := t.active.WriteBlock(context.Background(), m.Index, m.Begin, m.Data, p.Remote.String())
	if err == nil {
		if t.picker != nil {
			t.picker.MarkBlockDone(m.Index, m.Begin)
		}
		t.cancelDuplicateRequests(m.Index, m.Begin, p)
	}
	t.fillPipeline(p)
}

// cancelDuplicateRequests cancels every other peer's outstanding request
// for a block that has just completed, per spec.md §4.3 endgame mode:
// "first completion wins, others receive CANCEL" (only ever matters once
// endgame duplication is active; in normal operation a block is only
// ever requested from one peer at a time).
func (t *Torrent) cancelDuplicateRequests(piece, begin uint32, winner *peerconn.Peer) {
	for _, other := range t.peers {
		if other == winner {
			continue
		}
		r, ok := other.RemoveRequest(piece, begin)
		if !ok {
			continue
		}
		_ = other.SendMessage(peerprotocol.CancelMessage{RequestMessage: peerprotocol.RequestMessage{
			Index: r.Piece, Begin: r.Begin, Length: r.Length,
		}})
		other.ShrinkPipeline()
	}
}

func (t *Torrent) handleVerifyResult(res activepieces.VerifyResult) {
	if res.Err != nil {
		t.active.Discard(res.Piece)
		t.log.Warningln("piece hash job failed:", res.Err)
		return
	}
	if !res.OK {
		t.active.Discard(res.Piece)
		for _, key := range res.Contributors {
			t.blamePeer(key)
		}
		return
	}
	if err := t.store.Write(res.Piece, res.Data); err != nil {
		t.fail(err)
		return
	}
	t.active.Commit(res.Piece)
	t.have.Set(res.Piece)
	t.broadcastHave(res.Piece)
	t.updateState()
	if t.deps.Resumer != nil {
		_ = t.deps.Resumer.WriteBitfield(t.have.Bytes())
	}
}

func (t *Torrent) blamePeer(key string) {
	p, ok := t.peers[key]
	if !ok {
		return
	}
	p.FailureCount++
	if p.FailureCount >= t.cfg.MaxPieceFailures {
		p.Close()
	}
}

func (t *Torrent) broadcastHave(piece uint32) {
	for _, p := range t.peers {
		_ = p.SendMessage(peerprotocol.HaveMessage{Index: piece})
	}
}

// fillPipeline tops up p's outstanding requests up to its current
// pipeline depth (spec.md §4.3). Download rate limiting is enforced here
// by simply deferring new REQUESTs once either the per-torrent or global
// download bucket is drained (spec.md §4.9), rather than limiting
// already-arrived PIECE data.
func (t *Torrent) fillPipeline(p *peerconn.Peer) {
	if t.picker == nil || t.active == nil || p.PeerChoking || !p.AmInterested {
		return
	}
	room := p.PipelineRoom()
	if room <= 0 {
		return
	}
	blocks := t.picker.PickBlocks(p.TheirBitfield, room, t.active.BlockDone)
	for _, b := range blocks {
		if !t.downloadTokensAvailable(int(b.Length)) {
			t.picker.ReleaseBlock(b.Piece, b.Begin)
			break
		}
		if err := p.SendMessage(peerprotocol.RequestMessage{Index: b.Piece, Begin: b.Begin, Length: b.Length}); err != nil {
			t.picker.ReleaseBlock(b.Piece, b.Begin)
			continue
		}
		p.AddRequest(peerconn.Request{Piece: b.Piece, Begin: b.Begin, Length: b.Length})
	}
}

func (t *Torrent) downloadTokensAvailable(n int) bool {
	if t.deps.Bandwidth != nil && !t.deps.Bandwidth.Download.Allow(n) {
		return false
	}
	if t.deps.GlobalBandwidth != nil && !t.deps.GlobalBandwidth.Download.Allow(n) {
		return false
	}
	return true
}

// onExtended dispatches a BEP 10 extended message: id 0 is always the
// handshake; any other id is looked up against what this engine itself
// advertised (ExtensionKeyMetadataID for ut_metadata).
func (t *Torrent) onExtended(p *peerconn.Peer, m peerprotocol.ExtensionMessage) {
	switch m.ExtendedMessageID {
	case peerprotocol.ExtensionIDHandshake:
		t.onExtendedHandshake(p, m.Payload)
	case peerprotocol.ExtensionKeyMetadataID:
		t.onMetadataMessage(p, m.Payload)
	}
}

func (t *Torrent) onExtendedHandshake(p *peerconn.Peer, payload []byte) {
	hs, err := peerprotocol.DecodeExtensionHandshake(payload)
	if err != nil {
		return
	}
	if id, ok := hs.M[peerprotocol.ExtensionNameMetadata]; ok {
		p.ExtendedIDs[peerprotocol.ExtensionNameMetadata] = byte(id)
		p.MetadataSize = hs.MetadataSize
	}
	if t.info == nil && t.meta != nil && hs.MetadataSize > 0 {
		t.meta.init(hs.MetadataSize)
		if t.meta.peer == nil {
			t.meta.peer = p
			t.requestNextMetadataPiece()
		}
	}
}

func decodeMetadataMessage(payload []byte) (peerprotocol.ExtensionMetadataMessage, []byte, error) {
	r := bytes.NewReader(payload)
	var msg peerprotocol.ExtensionMetadataMessage
	if err := bencode.NewDecoder(r).Decode(&msg); err != nil {
		return msg, nil, err
	}
	rest := make([]byte, r.Len())
	_, _ = io.ReadFull(r, rest)
	return msg, rest, nil
}

func (t *Torrent) requestNextMetadataPiece() {
	p := t.meta.peer
	if p == nil {
		return
	}
	id, ok := p.ExtendedIDs[peerprotocol.ExtensionNameMetadata]
	if !ok {
		return
	}
	piece, done := t.meta.nextMissing()
	if done {
		return
	}
	req := peerprotocol.ExtensionMetadataMessage{Type: peerprotocol.ExtensionMetadataMessageTypeRequest, Piece: piece}
	body, err := peerprotocol.EncodeExtensionMetadataMessage(req)
	if err != nil {
		return
	}
	_ = p.SendMessage(peerprotocol.ExtensionMessage{ExtendedMessageID: id, Payload: body})
}

func (t *Torrent) onMetadataMessage(p *peerconn.Peer, payload []byte) {
	if t.meta == nil || t.info != nil {
		return
	}
	msg, rest, err := decodeMetadataMessage(payload)
	if err != nil {
		return
	}
	switch msg.Type {
	case peerprotocol.ExtensionMetadataMessageTypeData:
		if t.meta.peer != p {
			return
		}
		t.meta.onData(msg.Piece, rest)
		if raw, complete := t.meta.assemble(); complete {
			info, err := metainfo.NewInfo(raw)
			if err != nil || info.Hash != t.infoHash {
				// Corrupt or mismatched metadata from this peer: discard
				// it and drop the peer. The next peer whose extension
				// handshake advertises metadata_size takes over; peers
				// that already sent their handshake are not reconsidered.
				t.meta = newMetadataAcquisition()
				p.Close()
				return
			}
			if err := t.setInfo(info); err != nil {
				t.fail(err)
				return
			}
			t.meta = nil
			t.updateState()
			for _, peer := range t.peers {
				t.sendBitfieldOrHaves(peer)
			}
			return
		}
		t.requestNextMetadataPiece()
	case peerprotocol.ExtensionMetadataMessageTypeReject:
		if t.meta.peer == p {
			t.meta.peer = nil
		}
	case peerprotocol.ExtensionMetadataMessageTypeRequest:
		// Serving ut_metadata to others before we have it ourselves is
		// impossible; silently ignore (spec.md §4.10 scope is acquiring
		// metadata, not serving it while still incomplete elsewhere).
	}
}

// onSecondTick drives trackers, choking and keep-alives (spec.md §4.10
// "global tick at 1 Hz").
func (t *Torrent) onSecondTick(ctx context.Context, now time.Time) {
	if t.deps.Bandwidth != nil {
		t.deps.Bandwidth.Tick(t.uploaded-t.lastTickUploaded, t.downloaded-t.lastTickDownloaded)
		t.lastTickUploaded, t.lastTickDownloaded = t.uploaded, t.downloaded
	}
	if t.trackerMgr.AnyDue(now) {
		t.announce(ctx, tracker.EventNone)
	}
	if !now.Before(t.nextChoke) {
		t.runChoke(now)
	}
	for _, p := range t.peers {
		if p.NeedsKeepAlive(now, time.Duration(t.cfg.PeerKeepAliveSec)*time.Second) {
			_ = p.SendKeepAlive()
		}
		if p.IdleTooLong(now, time.Duration(t.cfg.PeerIdleTimeoutSec)*time.Second) {
			p.Close()
		}
		for _, r := range p.TimedOutRequests(now, time.Duration(t.cfg.RequestTimeoutSec)*time.Second) {
			_ = p.SendMessage(peerprotocol.CancelMessage{RequestMessage: peerprotocol.RequestMessage{
				Index: r.Piece, Begin: r.Begin, Length: r.Length,
			}})
			if t.picker != nil {
				t.picker.ReleaseBlock(r.Piece, r.Begin)
			}
			p.ShrinkPipeline()
		}
		// OutgoingPieceSends throttles how many PIECE messages we hand a
		// single peer per second; reset it each tick rather than tracking
		// true write completion, since the writer goroutine drains its
		// queue well within a second under normal load.
		p.OutgoingPieceSends = 0
	}
	t.dialOutgoing(ctx)
}

// onFastTick drives pipeline refill (spec.md §4.10 "faster tick at 100
// Hz", every TickMs); bandwidth accounting runs in onSecondTick.
func (t *Torrent) onFastTick() {
	if t.picker == nil {
		return
	}
	for _, p := range t.peers {
		t.fillPipeline(p)
	}
}
