package tracker

import (
	"context"
	"fmt"
	"net/url"
	"strconv"

	"github.com/kzahel/jstorrent-sub016/internal/bencode"
	"github.com/kzahel/jstorrent-sub016/internal/ports"
)

// Event is the tracker announce event parameter (spec.md §4.7).
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// AnnounceResult is what both the HTTP and UDP tracker variants return.
type AnnounceResult struct {
	Interval int
	Peers    []PeerAddr
	Seeders  int32
	Leechers int32
}

// PeerAddr is one tracker-returned peer, kept as host/port rather than a
// resolved net.Addr since the caller (Torrent) dials lazily.
type PeerAddr struct {
	IP   string
	Port uint16
}

type httpAnnounceResponse struct {
	FailureReason string      `bencode:"failure reason"`
	Interval      int         `bencode:"interval"`
	Peers         interface{} `bencode:"peers"`
	Peers6        string      `bencode:"peers6"`
	Complete      int32       `bencode:"complete"`
	Incomplete    int32       `bencode:"incomplete"`
}

// HTTPClient announces over BEP 3 / BEP 23 (compact peer lists).
type HTTPClient struct {
	http ports.HttpClient
}

// NewHTTPClient builds an HTTPClient over the given HTTP port.
func NewHTTPClient(http ports.HttpClient) *HTTPClient {
	return &HTTPClient{http: http}
}

// Announce performs one GET announce request against trackerURL.
func (c *HTTPClient) Announce(ctx context.Context, trackerURL string, t Torrent, event Event) (AnnounceResult, error) {
	u, err := url.Parse(trackerURL)
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("tracker: bad url: %s", err)
	}
	q := u.Query()
	q.Set("info_hash", string(t.InfoHash[:]))
	q.Set("peer_id", string(t.PeerID[:]))
	q.Set("port", strconv.Itoa(t.Port))
	q.Set("uploaded", strconv.FormatInt(t.BytesUploaded, 10))
	q.Set("downloaded", strconv.FormatInt(t.BytesDownloaded, 10))
	q.Set("left", strconv.FormatInt(t.BytesLeft, 10))
	q.Set("compact", "1")
	if event != EventNone {
		q.Set("event", string(event))
	}
	u.RawQuery = q.Encode()

	status, body, err := c.http.Get(ctx, u.String(), nil)
	if err != nil {
		return AnnounceResult{}, fmt.Errorf("tracker: request failed: %s", err)
	}
	if status < 200 || status >= 300 {
		return AnnounceResult{}, fmt.Errorf("tracker: http status %d", status)
	}

	var resp httpAnnounceResponse
	if err := bencode.Unmarshal(body, &resp); err != nil {
		return AnnounceResult{}, fmt.Errorf("tracker: bad bencode response: %s", err)
	}
	if resp.FailureReason != "" {
		return AnnounceResult{}, fmt.Errorf("tracker: failure reason: %s", resp.FailureReason)
	}

	peers, err := decodePeers(resp.Peers)
	if err != nil {
		return AnnounceResult{}, err
	}
	return AnnounceResult{
		Interval: resp.Interval,
		Peers:    peers,
		Seeders:  resp.Complete,
		Leechers: resp.Incomplete,
	}, nil
}

func decodePeers(raw interface{}) ([]PeerAddr, error) {
	switch v := raw.(type) {
	case string:
		return decodeCompactPeers([]byte(v))
	case bencode.RawMessage:
		return decodeCompactPeers([]byte(v))
	case []byte:
		return decodeCompactPeers(v)
	case []interface{}:
		return decodeDictPeers(v)
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("tracker: unrecognized peers field type %T", raw)
	}
}

func decodeCompactPeers(b []byte) ([]PeerAddr, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peers length %d not a multiple of 6", len(b))
	}
	out := make([]PeerAddr, 0, len(b)/6)
	for i := 0; i < len(b); i += 6 {
		ip := fmt.Sprintf("%d.%d.%d.%d", b[i], b[i+1], b[i+2], b[i+3])
		port := uint16(b[i+4])<<8 | uint16(b[i+5])
		out = append(out, PeerAddr{IP: ip, Port: port})
	}
	return out, nil
}

func decodeDictPeers(list []interface{}) ([]PeerAddr, error) {
	out := make([]PeerAddr, 0, len(list))
	for _, item := range list {
		d, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		ip, _ := d["ip"].(string)
		var port uint16
		switch p := d["port"].(type) {
		case int64:
			port = uint16(p)
		case int:
			port = uint16(p)
		}
		if ip != "" {
			out = append(out, PeerAddr{IP: ip, Port: port})
		}
	}
	return out, nil
}
