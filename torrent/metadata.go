package torrent

import "github.com/kzahel/jstorrent-sub016/internal/peerconn"

const metadataPieceSize = 16 * 1024

// metadataAcquisition assembles an info dict from ut_metadata DATA
// messages (BEP 9), one piece at a time from a single peer. If that
// peer disconnects or rejects, the pieces received so far are kept and
// the next peer whose extension handshake advertises metadata_size
// takes over; peers that already sent their handshake are not
// reconsidered (spec.md §4.10).
type metadataAcquisition struct {
	size      uint32
	numPieces int
	pieces    [][]byte
	have      []bool
	haveCount int
	peer      *peerconn.Peer
}

func newMetadataAcquisition() *metadataAcquisition {
	return &metadataAcquisition{}
}

// init records the advertised metadata size the first time it is seen,
// sizing the piece table. A later handshake with a different size from
// another peer is ignored; the first peer to announce a size wins.
func (m *metadataAcquisition) init(size uint32) {
	if m.size != 0 {
		return
	}
	m.size = size
	m.numPieces = int((size + metadataPieceSize - 1) / metadataPieceSize)
	m.pieces = make([][]byte, m.numPieces)
	m.have = make([]bool, m.numPieces)
}

// nextMissing returns the lowest-indexed piece not yet received. done is
// true once every piece has arrived (nothing left to request).
func (m *metadataAcquisition) nextMissing() (piece uint32, done bool) {
	for i, got := range m.have {
		if !got {
			return uint32(i), false
		}
	}
	return 0, true
}

// onData records one DATA message's raw piece bytes.
func (m *metadataAcquisition) onData(piece uint32, data []byte) {
	if m.pieces == nil || int(piece) >= m.numPieces || m.have[piece] {
		return
	}
	m.pieces[piece] = data
	m.have[piece] = true
	m.haveCount++
}

// assemble concatenates every received piece once all have arrived.
// Verifying the result against the torrent's info hash is the caller's
// responsibility (metainfo.NewInfo recomputes it from raw bytes).
func (m *metadataAcquisition) assemble() (raw []byte, complete bool) {
	if m.pieces == nil || m.haveCount != m.numPieces {
		return nil, false
	}
	raw = make([]byte, 0, m.size)
	for _, p := range m.pieces {
		raw = append(raw, p...)
	}
	return raw, true
}
