// Package hermiterr holds the sentinel errors shared across the node's
// components. Handlers compare against these with errors.Is; nothing here
// carries request-specific context, which callers add via fmt.Errorf("...: %w").
package hermiterr

import "errors"

var (
	// ErrMalformedFrame is returned when a header or payload decoder hits
	// truncated input or an implausible declared length.
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrChecksumMismatch is returned when a payload's CRC32 does not match
	// the header's declared checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrStaleHandshake is returned when a handshake timestamp is outside
	// the allowed clock-skew window.
	ErrStaleHandshake = errors.New("stale handshake timestamp")

	// ErrInvalidSignature is returned when an Ed25519 signature fails to
	// verify against the declared public key.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrMalformedOnion is returned when an onion payload is shorter than
	// the minimum ephemeral-key-plus-AEAD-overhead size.
	ErrMalformedOnion = errors.New("malformed onion payload")

	// ErrDecryptFailure is returned when AEAD authentication fails.
	ErrDecryptFailure = errors.New("decrypt failure")

	// ErrBlobNotFound is returned when a requested digest has no file on disk.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrBlobTooLarge is returned when a FETCH target exceeds the configured
	// maximum fetch payload size.
	ErrBlobTooLarge = errors.New("blob too large")

	// ErrRequestTimeout is returned when a ledger slot's deadline fires
	// before a response arrives.
	ErrRequestTimeout = errors.New("request timeout")

	// ErrManifestParseError is returned when a manifest blob does not parse
	// as valid JSON in the expected shape.
	ErrManifestParseError = errors.New("manifest parse error")

	// ErrChunkUnavailable is returned when a file chunk could not be
	// retrieved locally or from any DHT-discovered holder.
	ErrChunkUnavailable = errors.New("chunk unavailable")

	// ErrQueueClosed is returned when a send or receive is attempted on a
	// closed inbound/outbound queue.
	ErrQueueClosed = errors.New("queue closed")
)
