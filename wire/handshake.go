package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/hermit-net/hermit/hermiterr"
)

// HandshakePayloadLen is the fixed 136-byte handshake payload size (§4.1).
const HandshakePayloadLen = 32 + 32 + 8 + 64

// HandshakeSignablePrefixLen is the number of leading bytes the signature
// covers: identity_key || onion_key || timestamp_ms.
const HandshakeSignablePrefixLen = 32 + 32 + 8

// HandshakePayload is the decoded handshake message.
type HandshakePayload struct {
	IdentityKey [32]byte
	OnionKey    [32]byte
	TimestampMs uint64
	Signature   [64]byte
}

// EncodeHandshake writes identityKey || onionKey || timestampMs || signature
// into a fresh 136-byte buffer. signature must already cover the 72-byte
// signable prefix.
func EncodeHandshake(identityKey, onionKey [32]byte, timestampMs uint64, signature [64]byte) []byte {
	b := make([]byte, HandshakePayloadLen)
	copy(b[0:32], identityKey[:])
	copy(b[32:64], onionKey[:])
	binary.BigEndian.PutUint64(b[64:72], timestampMs)
	copy(b[72:136], signature[:])
	return b
}

// SignablePrefix returns the first 72 bytes of an encoded handshake payload.
func SignablePrefix(b []byte) ([]byte, error) {
	if len(b) < HandshakeSignablePrefixLen {
		return nil, fmt.Errorf("%w: handshake payload too short for signable prefix", hermiterr.ErrMalformedFrame)
	}
	return b[:HandshakeSignablePrefixLen], nil
}

// DecodeHandshake parses a 136-byte handshake payload.
func DecodeHandshake(b []byte) (HandshakePayload, error) {
	var hp HandshakePayload
	if len(b) != HandshakePayloadLen {
		return hp, fmt.Errorf("%w: handshake payload must be %d bytes, got %d", hermiterr.ErrMalformedFrame, HandshakePayloadLen, len(b))
	}
	copy(hp.IdentityKey[:], b[0:32])
	copy(hp.OnionKey[:], b[32:64])
	hp.TimestampMs = binary.BigEndian.Uint64(b[64:72])
	copy(hp.Signature[:], b[72:136])
	return hp, nil
}
