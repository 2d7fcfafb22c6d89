// Package metainfo parses .torrent files (magnet links are parsed by
// internal/magnet) into the
// immutable Metainfo data spec.md §3 describes: piece length, total
// length, ordered file list, and the piece hash table.
package metainfo

import (
	"crypto/sha1" //nolint:gosec // infohash is defined as SHA-1 by BEP 3
	"errors"
	"io"

	"github.com/kzahel/jstorrent-sub016/internal/bencode"
)

// File is one entry in the ordered file list.
type File struct {
	Path   []string `bencode:"path"`
	Length int64    `bencode:"length"`
}

// rawInfo mirrors the bencoded "info" dictionary.
type rawInfo struct {
	PieceLength int64  `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Name        string `bencode:"name"`
	Length      int64  `bencode:"length"`
	Files       []File `bencode:"files"`
	Private     int64  `bencode:"private"`
}

// Info is the parsed, immutable "info" dictionary of a torrent.
type Info struct {
	Name        string
	PieceLength int64
	Hash        [20]byte
	Private     int64
	Files       []File
	TotalLength int64
	NumPieces   uint32
	pieceHashes []byte // NumPieces * 20 bytes

	// Bytes is the raw bencoded info dict. Its length is advertised as
	// metadata_size, but the Torrent does not answer ut_metadata requests
	// from peers with these bytes.
	Bytes []byte
	// InfoSize is len(Bytes), sent in the BEP 10 extension handshake.
	InfoSize uint32
}

// NewInfo parses raw into an Info. raw must be the exact bytes of the
// bencoded "info" dictionary (InfoHash is SHA-1 of these bytes, BEP 3).
func NewInfo(raw []byte) (*Info, error) {
	var ri rawInfo
	if err := bencode.Unmarshal(raw, &ri); err != nil {
		return nil, err
	}
	if ri.PieceLength <= 0 {
		return nil, errors.New("metainfo: invalid piece length")
	}
	if len(ri.Pieces)%20 != 0 {
		return nil, errors.New("metainfo: invalid piece hash table length")
	}
	info := &Info{
		Name:        ri.Name,
		PieceLength: ri.PieceLength,
		Private:     ri.Private,
		pieceHashes: []byte(ri.Pieces),
		NumPieces:   uint32(len(ri.Pieces) / 20),
		Bytes:       raw,
		InfoSize:    uint32(len(raw)),
	}
	info.Hash = sha1.Sum(raw)
	if len(ri.Files) > 0 {
		info.Files = ri.Files
		for _, f := range ri.Files {
			info.TotalLength += f.Length
		}
	} else {
		info.Files = []File{{Path: []string{ri.Name}, Length: ri.Length}}
		info.TotalLength = ri.Length
	}
	wantPieces := (info.TotalLength + info.PieceLength - 1) / info.PieceLength
	if info.TotalLength == 0 {
		wantPieces = 1
	}
	if uint32(wantPieces) != info.NumPieces {
		return nil, errors.New("metainfo: piece count does not match total length")
	}
	return info, nil
}

// PieceHash returns the expected SHA-1 hash of piece i.
func (info *Info) PieceHash(i uint32) []byte {
	return info.pieceHashes[i*20 : i*20+20]
}

// PieceLen returns the length in bytes of piece i (the last piece may be
// shorter than PieceLength).
func (info *Info) PieceLen(i uint32) int64 {
	if i == info.NumPieces-1 {
		rem := info.TotalLength - int64(i)*info.PieceLength
		if rem > 0 {
			return rem
		}
		return info.PieceLength
	}
	return info.PieceLength
}

// MetaInfo is the top-level .torrent file structure.
type MetaInfo struct {
	Info         *Info              `bencode:"-"`
	RawInfo      bencode.RawMessage `bencode:"info" json:"-"`
	Announce     string             `bencode:"announce"`
	AnnounceList [][]string         `bencode:"announce-list"`
	CreationDate int64              `bencode:"creation date"`
	Comment      string             `bencode:"comment"`
	CreatedBy    string             `bencode:"created by"`
	Encoding     string             `bencode:"encoding"`
}

// New parses a .torrent file from r.
func New(r io.Reader) (*MetaInfo, error) {
	var mi MetaInfo
	if err := bencode.NewDecoder(r).Decode(&mi); err != nil {
		return nil, err
	}
	if len(mi.RawInfo) == 0 {
		return nil, errors.New("metainfo: no info dict in torrent file")
	}
	var err error
	mi.Info, err = NewInfo(mi.RawInfo)
	if err != nil {
		return nil, err
	}
	return &mi, nil
}

// GetTrackers returns the announce-list tiers when present, ignoring
// Announce as BEP 12 specifies; otherwise Announce (if set) forms the
// single tier.
func (mi *MetaInfo) GetTrackers() [][]string {
	if len(mi.AnnounceList) > 0 {
		return mi.AnnounceList
	}
	if mi.Announce != "" {
		return [][]string{{mi.Announce}}
	}
	return nil
}
