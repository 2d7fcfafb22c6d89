package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kzahel/jstorrent-sub016/internal/ports"
)

const udpProtocolMagic uint64 = 0x41727101980

const (
	udpActionConnect  uint32 = 0
	udpActionAnnounce uint32 = 1
)

// udpEventCode maps Event onto the BEP 15 wire values.
func udpEventCode(e Event) uint32 {
	switch e {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	default:
		return 0
	}
}

// ErrUDPTimeout is returned once all retransmit attempts are exhausted.
var ErrUDPTimeout = errors.New("tracker: udp announce timed out")

// UDPClient announces over BEP 15. One instance should be reused across
// announces to the same tracker so its session key stays stable.
type UDPClient struct {
	conn ports.UdpSocket
	rng  ports.Rng
	key  uint32
}

// NewUDPClient wraps an already-bound UdpSocket. rng seeds the per-session
// "key" value and per-request transaction ids.
func NewUDPClient(conn ports.UdpSocket, rng ports.Rng) *UDPClient {
	return &UDPClient{conn: conn, rng: rng, key: binary.BigEndian.Uint32(rng.Bytes(4))}
}

func (c *UDPClient) transactionID() uint32 {
	return binary.BigEndian.Uint32(c.rng.Bytes(4))
}

// retransmit runs attempt with the 15·2^n second retry schedule (n=0..8)
// spec.md §4.7 calls for, using the cenkalti/backoff exponential curve
// clamped to exactly that doubling sequence.
func retransmit(ctx context.Context, attempt func() error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 15 * time.Second
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	withCtx := backoff.WithContext(backoff.WithMaxRetries(policy, 8), ctx)
	err := backoff.Retry(attempt, withCtx)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUDPTimeout, err)
	}
	return nil
}

// connect performs the BEP 15 connect handshake, returning a connection
// id valid for 60 seconds.
func (c *UDPClient) connect(ctx context.Context, addr *net.UDPAddr) (uint64, error) {
	var connID uint64
	err := retransmit(ctx, func() error {
		txID := c.transactionID()
		req := make([]byte, 16)
		binary.BigEndian.PutUint64(req[0:8], udpProtocolMagic)
		binary.BigEndian.PutUint32(req[8:12], udpActionConnect)
		binary.BigEndian.PutUint32(req[12:16], txID)
		if _, err := c.conn.WriteToUDP(req, addr); err != nil {
			return err
		}
		if err := c.conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return err
		}
		resp := make([]byte, 16)
		n, _, err := c.conn.ReadFromUDP(resp)
		if err != nil {
			return err
		}
		if n < 16 {
			return errors.New("tracker: short connect response")
		}
		if binary.BigEndian.Uint32(resp[0:4]) != udpActionConnect {
			return errors.New("tracker: unexpected connect action")
		}
		if binary.BigEndian.Uint32(resp[4:8]) != txID {
			return errors.New("tracker: transaction id mismatch")
		}
		connID = binary.BigEndian.Uint64(resp[8:16])
		return nil
	})
	return connID, err
}

// Announce performs a full connect+announce exchange against addr.
func (c *UDPClient) Announce(ctx context.Context, addr *net.UDPAddr, t Torrent, event Event) (AnnounceResult, error) {
	connID, err := c.connect(ctx, addr)
	if err != nil {
		return AnnounceResult{}, err
	}

	var result AnnounceResult
	err = retransmit(ctx, func() error {
		txID := c.transactionID()
		req := make([]byte, 98)
		binary.BigEndian.PutUint64(req[0:8], connID)
		binary.BigEndian.PutUint32(req[8:12], udpActionAnnounce)
		binary.BigEndian.PutUint32(req[12:16], txID)
		copy(req[16:36], t.InfoHash[:])
		copy(req[36:56], t.PeerID[:])
		binary.BigEndian.PutUint64(req[56:64], uint64(t.BytesDownloaded))
		binary.BigEndian.PutUint64(req[64:72], uint64(t.BytesLeft))
		binary.BigEndian.PutUint64(req[72:80], uint64(t.BytesUploaded))
		binary.BigEndian.PutUint32(req[80:84], udpEventCode(event))
		binary.BigEndian.PutUint32(req[84:88], 0) // ip = 0 (use sender's)
		binary.BigEndian.PutUint32(req[88:92], c.key)
		binary.BigEndian.PutUint32(req[92:96], 0xFFFFFFFF) // num_want = -1
		binary.BigEndian.PutUint16(req[96:98], uint16(t.Port))

		if _, err := c.conn.WriteToUDP(req, addr); err != nil {
			return err
		}
		if err := c.conn.SetDeadline(time.Now().Add(5 * time.Second)); err != nil {
			return err
		}
		resp := make([]byte, 20+6*128)
		n, _, err := c.conn.ReadFromUDP(resp)
		if err != nil {
			return err
		}
		if n < 20 {
			return errors.New("tracker: short announce response")
		}
		if binary.BigEndian.Uint32(resp[0:4]) != udpActionAnnounce {
			return errors.New("tracker: unexpected announce action")
		}
		if binary.BigEndian.Uint32(resp[4:8]) != txID {
			return errors.New("tracker: transaction id mismatch")
		}
		interval := binary.BigEndian.Uint32(resp[8:12])
		leechers := binary.BigEndian.Uint32(resp[12:16])
		seeders := binary.BigEndian.Uint32(resp[16:20])
		peers, perr := decodeCompactPeers(resp[20:n])
		if perr != nil {
			return perr
		}
		result = AnnounceResult{
			Interval: int(interval),
			Peers:    peers,
			Seeders:  int32(seeders),
			Leechers: int32(leechers),
		}
		return nil
	})
	return result, err
}
