// Package magnet parses magnet URIs as specified in spec.md §6:
// magnet:?xt=urn:btih:<40-hex or 32-base32>&dn=...&tr=...&x.pe=host:port
package magnet

import (
	"encoding/base32"
	"encoding/hex"
	"errors"
	"net"
	"net/url"
	"strings"
)

// Magnet is a parsed magnet link.
type Magnet struct {
	InfoHash [20]byte
	Name     string
	Trackers []string
	// Peers holds x.pe hints: host:port peers to seed the peer set with
	// immediately, without waiting on a tracker or DHT response.
	Peers []*net.TCPAddr
}

// New parses a magnet: URI.
func New(link string) (*Magnet, error) {
	u, err := url.Parse(link)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "magnet" {
		return nil, errors.New("magnet: not a magnet link")
	}
	q := u.Query()
	var m Magnet
	found := false
	for _, xt := range q["xt"] {
		const prefix = "urn:btih:"
		if !strings.HasPrefix(xt, prefix) {
			continue
		}
		hash := xt[len(prefix):]
		ih, err := decodeInfoHash(hash)
		if err != nil {
			return nil, err
		}
		m.InfoHash = ih
		found = true
		break
	}
	if !found {
		return nil, errors.New("magnet: missing xt=urn:btih: parameter")
	}
	m.Name = q.Get("dn")
	m.Trackers = q["tr"]
	for _, pe := range q["x.pe"] {
		addr, err := net.ResolveTCPAddr("tcp", pe)
		if err != nil {
			continue
		}
		m.Peers = append(m.Peers, addr)
	}
	return &m, nil
}

func decodeInfoHash(s string) ([20]byte, error) {
	var ih [20]byte
	switch len(s) {
	case 40:
		b, err := hex.DecodeString(s)
		if err != nil {
			return ih, err
		}
		copy(ih[:], b)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return ih, err
		}
		copy(ih[:], b)
	default:
		return ih, errors.New("magnet: invalid info hash encoding")
	}
	return ih, nil
}
