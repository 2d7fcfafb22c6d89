package peerprotocol

import (
	"net"

	"github.com/kzahel/jstorrent-sub016/internal/bencode"
)

// ExtensionIDHandshake is the reserved extended message id for the
// extension handshake itself (BEP 10).
const ExtensionIDHandshake = 0

// ExtensionNameMetadata is the ut_metadata extension name advertised in
// the "m" dict of the extension handshake (BEP 9).
const ExtensionNameMetadata = "ut_metadata"

// ExtensionHandshakeMessage is the bencoded dict sent as extended
// message id 0.
type ExtensionHandshakeMessage struct {
	M            map[string]int64 `bencode:"m"`
	MetadataSize uint32           `bencode:"metadata_size,omitempty"`
	Version      string           `bencode:"v,omitempty"`
	YourIP       string           `bencode:"yourip,omitempty"`
}

// NewExtensionHandshake builds the outgoing extension handshake dict,
// advertising ut_metadata at a locally fixed id and, when metadataSize
// is known, the metadata size (spec.md §4.3).
func NewExtensionHandshake(metadataSize uint32, clientVersion string, theirIP net.IP) ExtensionHandshakeMessage {
	msg := ExtensionHandshakeMessage{
		M:       map[string]int64{ExtensionNameMetadata: ExtensionKeyMetadataID},
		Version: clientVersion,
	}
	if metadataSize > 0 {
		msg.MetadataSize = metadataSize
	}
	if theirIP != nil {
		msg.YourIP = string(theirIP.To4())
		if msg.YourIP == "" {
			msg.YourIP = string(theirIP.To16())
		}
	}
	return msg
}

// ExtensionKeyMetadataID is the locally-chosen extended message id this
// engine advertises for ut_metadata.
const ExtensionKeyMetadataID = 3

// DecodeExtensionHandshake parses the BEP 10 handshake dict.
func DecodeExtensionHandshake(b []byte) (ExtensionHandshakeMessage, error) {
	var msg ExtensionHandshakeMessage
	err := bencode.Unmarshal(b, &msg)
	return msg, err
}

// EncodeExtensionHandshake bencodes msg.
func EncodeExtensionHandshake(msg ExtensionHandshakeMessage) ([]byte, error) {
	return bencode.Marshal(msg)
}

// ut_metadata (BEP 9) message types.
const (
	ExtensionMetadataMessageTypeRequest = 0
	ExtensionMetadataMessageTypeData    = 1
	ExtensionMetadataMessageTypeReject  = 2
)

// ExtensionMetadataMessage is the bencoded dict prefix of a ut_metadata
// message; for type=data the raw piece bytes follow the dict in the
// same extended-message payload and are handled by the caller, not
// bencoded themselves.
type ExtensionMetadataMessage struct {
	Type      int   `bencode:"msg_type"`
	Piece     uint32 `bencode:"piece"`
	TotalSize int64 `bencode:"total_size,omitempty"`
}

// EncodeExtensionMetadataMessage bencodes the dict prefix.
func EncodeExtensionMetadataMessage(msg ExtensionMetadataMessage) ([]byte, error) {
	return bencode.Marshal(msg)
}
