package peerprotocol

import (
	"encoding/binary"
	"errors"
	"sync"
)

// MessageID is the single byte BitTorrent message type tag.
type MessageID byte

// Message IDs per BEP 3, BEP 6 and BEP 10.
const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	// Fast Extension (BEP 6).
	HaveAll      MessageID = 0x0E
	HaveNone     MessageID = 0x0F
	Reject       MessageID = 0x10
	AllowedFast  MessageID = 0x11
	SuggestPiece MessageID = 0x0D
	// Extension Protocol (BEP 10).
	Extended MessageID = 20
)

// ErrIncomplete is returned by Decode when buf does not yet hold a full
// message frame; the caller should read more bytes and retry.
var ErrIncomplete = errors.New("peerprotocol: incomplete message")

// ErrInvalidMessage is returned on a structurally malformed frame
// (inconsistent length/type, oversized payload).
var ErrInvalidMessage = errors.New("peerprotocol: invalid message")

// MaxMessageLen bounds a single message frame (spec.md §4.3: "oversized
// message (>17 MiB)" closes the connection).
const MaxMessageLen = 17 * 1024 * 1024

// Message is any decoded wire message.
type Message interface {
	ID() MessageID
}

type ChokeMessage struct{}
type UnchokeMessage struct{}
type InterestedMessage struct{}
type NotInterestedMessage struct{}
type HaveAllMessage struct{}
type HaveNoneMessage struct{}

func (ChokeMessage) ID() MessageID         { return Choke }
func (UnchokeMessage) ID() MessageID       { return Unchoke }
func (InterestedMessage) ID() MessageID    { return Interested }
func (NotInterestedMessage) ID() MessageID { return NotInterested }
func (HaveAllMessage) ID() MessageID       { return HaveAll }
func (HaveNoneMessage) ID() MessageID      { return HaveNone }

type HaveMessage struct{ Index uint32 }

func (HaveMessage) ID() MessageID { return Have }

type BitfieldMessage struct{ Data []byte }

func (BitfieldMessage) ID() MessageID { return Bitfield }

// RequestMessage is also used to decode CancelMessage and RejectMessage,
// all three sharing the (index, begin, length) layout.
type RequestMessage struct {
	Index, Begin, Length uint32
}

func (RequestMessage) ID() MessageID { return Request }

type CancelMessage struct{ RequestMessage }

func (CancelMessage) ID() MessageID { return Cancel }

type RejectMessage struct{ RequestMessage }

func (RejectMessage) ID() MessageID { return Reject }

type AllowedFastMessage struct{ Index uint32 }

func (AllowedFastMessage) ID() MessageID { return AllowedFast }

type SuggestPieceMessage struct{ Index uint32 }

func (SuggestPieceMessage) ID() MessageID { return SuggestPiece }

// PieceMessage carries one block of piece data. Data aliases the decode
// buffer; callers that retain it across a tick boundary must copy it
// (ActivePieces.WriteBlock copies once into the piece buffer, which is
// the single handoff spec.md §4.1 calls for).
type PieceMessage struct {
	Index, Begin uint32
	Data         []byte
}

func (PieceMessage) ID() MessageID { return Piece }

// ExtensionMessage carries a BEP 10 extended message. Payload is the raw
// bencoded body; id=0 is the extension handshake, other ids are
// dispatched by the peer connection's extended-id table.
type ExtensionMessage struct {
	ExtendedMessageID byte
	Payload           []byte
}

func (ExtensionMessage) ID() MessageID { return Extended }

// requestBufPool pools the 17-byte frames used to encode REQUEST,
// CANCEL and REJECT messages, keeping the per-block request path
// allocation-free (spec.md §4.1). A frame handed out by
// encodeRequestLike must be returned via PutRequestBuf once the caller
// is done with it (peerconn's writer goroutine does this right after
// the socket write), or the pool degrades to an ordinary allocator.
var requestBufPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, 17)
		return &b
	},
}

// IsRequestLike reports whether msg's wire frame was drawn from
// requestBufPool, so callers know to return it via PutRequestBuf once
// they are done writing it.
func IsRequestLike(msg Message) bool {
	switch msg.(type) {
	case RequestMessage, CancelMessage, RejectMessage:
		return true
	default:
		return false
	}
}

// PutRequestBuf returns a frame previously obtained from
// encodeRequestLike to the pool. Safe to call with any frame; frames
// not sized/capped like a pooled buffer are dropped rather than pooled.
func PutRequestBuf(frame []byte) {
	if cap(frame) != 17 {
		return
	}
	frame = frame[:17]
	requestBufPool.Put(&frame)
}

// EncodeKeepAlive returns the four zero-byte keep-alive frame.
func EncodeKeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

// Encode serializes msg into a wire frame: [4:len][1:type][payload].
func Encode(msg Message) []byte {
	switch m := msg.(type) {
	case ChokeMessage, UnchokeMessage, InterestedMessage, NotInterestedMessage,
		HaveAllMessage, HaveNoneMessage:
		return simpleFrame(msg.ID())
	case HaveMessage:
		b := make([]byte, 4+1+4)
		binary.BigEndian.PutUint32(b[0:4], 5)
		b[4] = byte(Have)
		binary.BigEndian.PutUint32(b[5:9], m.Index)
		return b
	case BitfieldMessage:
		b := make([]byte, 4+1+len(m.Data))
		binary.BigEndian.PutUint32(b[0:4], uint32(1+len(m.Data)))
		b[4] = byte(Bitfield)
		copy(b[5:], m.Data)
		return b
	case RequestMessage:
		return encodeRequestLike(Request, m)
	case CancelMessage:
		return encodeRequestLike(Cancel, m.RequestMessage)
	case RejectMessage:
		return encodeRequestLike(Reject, m.RequestMessage)
	case AllowedFastMessage:
		b := make([]byte, 4+1+4)
		binary.BigEndian.PutUint32(b[0:4], 5)
		b[4] = byte(AllowedFast)
		binary.BigEndian.PutUint32(b[5:9], m.Index)
		return b
	case SuggestPieceMessage:
		b := make([]byte, 4+1+4)
		binary.BigEndian.PutUint32(b[0:4], 5)
		b[4] = byte(SuggestPiece)
		binary.BigEndian.PutUint32(b[5:9], m.Index)
		return b
	case PieceMessage:
		b := make([]byte, 4+1+8+len(m.Data))
		binary.BigEndian.PutUint32(b[0:4], uint32(9+len(m.Data)))
		b[4] = byte(Piece)
		binary.BigEndian.PutUint32(b[5:9], m.Index)
		binary.BigEndian.PutUint32(b[9:13], m.Begin)
		copy(b[13:], m.Data)
		return b
	case ExtensionMessage:
		b := make([]byte, 4+1+1+len(m.Payload))
		binary.BigEndian.PutUint32(b[0:4], uint32(2+len(m.Payload)))
		b[4] = byte(Extended)
		b[5] = m.ExtendedMessageID
		copy(b[6:], m.Payload)
		return b
	default:
		panic("peerprotocol: unknown message type")
	}
}

func simpleFrame(id MessageID) []byte {
	return []byte{0, 0, 0, 1, byte(id)}
}

// encodeRequestLike encodes the shared (index,begin,length) 17-byte
// frame shape used by REQUEST, CANCEL and REJECT, drawing its backing
// array from requestBufPool and handing it back to the caller as-is:
// the caller owns the buffer until it returns it via PutRequestBuf.
func encodeRequestLike(id MessageID, m RequestMessage) []byte {
	bp := requestBufPool.Get().(*[]byte)
	b := *bp
	binary.BigEndian.PutUint32(b[0:4], 13)
	b[4] = byte(id)
	binary.BigEndian.PutUint32(b[5:9], m.Index)
	binary.BigEndian.PutUint32(b[9:13], m.Begin)
	binary.BigEndian.PutUint32(b[13:17], m.Length)
	return b
}

// Decode parses one message from the front of buf. It returns the
// number of bytes consumed. If buf does not yet contain a full frame,
// it returns ErrIncomplete and the caller should read more and retry.
func Decode(buf []byte) (Message, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrIncomplete
	}
	length := binary.BigEndian.Uint32(buf[0:4])
	if length == 0 {
		return keepAlive{}, 4, nil
	}
	if length > MaxMessageLen {
		return nil, 0, ErrInvalidMessage
	}
	total := 4 + int(length)
	if len(buf) < total {
		return nil, 0, ErrIncomplete
	}
	id := MessageID(buf[4])
	payload := buf[5:total]
	msg, err := decodePayload(id, payload)
	if err != nil {
		return nil, 0, err
	}
	return msg, total, nil
}

// keepAlive is returned by Decode for the zero-length frame. Keep-alive
// has no message type byte on the wire; its ID() returns the
// placeholder 0xFF so it still satisfies Message, and callers detect it
// with IsKeepAlive.
type keepAlive struct{}

// IsKeepAlive reports whether msg is the sentinel returned for a
// zero-length keep-alive frame.
func IsKeepAlive(msg Message) bool {
	_, ok := msg.(keepAlive)
	return ok
}

func (keepAlive) ID() MessageID { return 0xFF }

func decodePayload(id MessageID, payload []byte) (Message, error) {
	switch id {
	case Choke:
		return ChokeMessage{}, nil
	case Unchoke:
		return UnchokeMessage{}, nil
	case Interested:
		return InterestedMessage{}, nil
	case NotInterested:
		return NotInterestedMessage{}, nil
	case HaveAll:
		return HaveAllMessage{}, nil
	case HaveNone:
		return HaveNoneMessage{}, nil
	case Have:
		if len(payload) != 4 {
			return nil, ErrInvalidMessage
		}
		return HaveMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case Bitfield:
		data := make([]byte, len(payload))
		copy(data, payload)
		return BitfieldMessage{Data: data}, nil
	case Request, Cancel, Reject:
		if len(payload) != 12 {
			return nil, ErrInvalidMessage
		}
		rm := RequestMessage{
			Index:  binary.BigEndian.Uint32(payload[0:4]),
			Begin:  binary.BigEndian.Uint32(payload[4:8]),
			Length: binary.BigEndian.Uint32(payload[8:12]),
		}
		switch id {
		case Cancel:
			return CancelMessage{rm}, nil
		case Reject:
			return RejectMessage{rm}, nil
		default:
			return rm, nil
		}
	case AllowedFast:
		if len(payload) != 4 {
			return nil, ErrInvalidMessage
		}
		return AllowedFastMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case SuggestPiece:
		if len(payload) != 4 {
			return nil, ErrInvalidMessage
		}
		return SuggestPieceMessage{Index: binary.BigEndian.Uint32(payload)}, nil
	case Piece:
		if len(payload) < 8 {
			return nil, ErrInvalidMessage
		}
		return PieceMessage{
			Index: binary.BigEndian.Uint32(payload[0:4]),
			Begin: binary.BigEndian.Uint32(payload[4:8]),
			Data:  payload[8:],
		}, nil
	case Extended:
		if len(payload) < 1 {
			return nil, ErrInvalidMessage
		}
		p := make([]byte, len(payload)-1)
		copy(p, payload[1:])
		return ExtensionMessage{ExtendedMessageID: payload[0], Payload: p}, nil
	default:
		return nil, ErrInvalidMessage
	}
}
