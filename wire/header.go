// Package wire implements the node's fixed-header framing and the typed
// payload codecs layered on top of it: handshake, FIND_NODE response, and
// mutable-record serialization. It mirrors the teacher's cell package
// (buffered Reader/Writer over raw byte slices, accessor methods instead of
// parsed structs) generalized from Tor's variable/fixed cell split to a
// single fixed 16-byte header with a declared payload length.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/hermit-net/hermit/cryptoutil"
	"github.com/hermit-net/hermit/hermiterr"
)

// Message-type codes (§4.1).
const (
	TypeHandshake        uint8 = 0x01
	TypeOnionLayer       uint8 = 0x02
	TypeFindNodeRequest  uint8 = 0x03
	TypeFindNodeResponse uint8 = 0x04
	TypeStoreRequest     uint8 = 0x05
	TypeStoreResponse    uint8 = 0x06
	TypeFetchRequest     uint8 = 0x07
	TypeFetchResponse    uint8 = 0x08
	TypeFetchNotFound    uint8 = 0x09 // resolves Open Question 2
	TypePutValue         uint8 = 0x10
	TypeGetValueRequest  uint8 = 0x11
	TypeGetValueResponse uint8 = 0x12

	TypeAddProvider          uint8 = 0x13
	TypeGetProvidersRequest  uint8 = 0x14
	TypeGetProvidersResponse uint8 = 0x15
)

// HeaderLen is the fixed wire header size in bytes (§4.1).
const HeaderLen = 16

const wireVersion = 1

// Header is the 16-byte fixed frame header, backed by a byte slice like the
// teacher's cell.Cell — field accessors read directly from the backing
// array rather than a parsed struct.
type Header [HeaderLen]byte

// NewHeader builds a header for the given message type, request id and
// payload, computing the CRC32 checksum over payload.
func NewHeader(msgType uint8, requestID uint32, payload []byte) Header {
	var h Header
	h[0] = wireVersion
	h[1] = 0 // flags, reserved
	h[2] = msgType
	h[3] = 0 // reserved
	binary.BigEndian.PutUint32(h[4:8], requestID)
	binary.BigEndian.PutUint32(h[8:12], uint32(len(payload)))
	binary.BigEndian.PutUint32(h[12:16], cryptoutil.CRC32IEEE(payload))
	return h
}

func (h Header) Version() uint8      { return h[0] }
func (h Header) Flags() uint8        { return h[1] }
func (h Header) MessageType() uint8  { return h[2] }
func (h Header) RequestID() uint32   { return binary.BigEndian.Uint32(h[4:8]) }
func (h Header) PayloadLength() uint32 {
	return binary.BigEndian.Uint32(h[8:12])
}
func (h Header) Checksum() uint32 { return binary.BigEndian.Uint32(h[12:16]) }

// DecodeHeader parses a 16-byte slice into a Header, rejecting any input
// that is not exactly HeaderLen bytes.
func DecodeHeader(b []byte) (Header, error) {
	var h Header
	if len(b) != HeaderLen {
		return h, fmt.Errorf("%w: header must be %d bytes, got %d", hermiterr.ErrMalformedFrame, HeaderLen, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// Bytes returns the raw 16-byte encoding.
func (h Header) Bytes() []byte {
	out := make([]byte, HeaderLen)
	copy(out, h[:])
	return out
}

// VerifyChecksum recomputes CRC32 over payload and compares it to the
// header's declared checksum.
func (h Header) VerifyChecksum(payload []byte) error {
	if uint32(len(payload)) != h.PayloadLength() {
		return fmt.Errorf("%w: declared length %d, got %d bytes", hermiterr.ErrMalformedFrame, h.PayloadLength(), len(payload))
	}
	if cryptoutil.CRC32IEEE(payload) != h.Checksum() {
		return hermiterr.ErrChecksumMismatch
	}
	return nil
}
