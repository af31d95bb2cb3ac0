package wire

import (
	"bufio"
	"fmt"
	"io"

	"github.com/hermit-net/hermit/hermiterr"
)

// MaxPayloadBytes is the default ceiling on an inbound frame's declared
// payload length, preventing a malicious declared length from driving an
// unbounded allocation. Overridable per Reader for components (FETCH
// responses) that permit larger payloads.
const MaxPayloadBytes = 5 * 1024 * 1024

// FetchMaxPayloadBytes is the larger ceiling FETCH responses are allowed
// (§4.9's fetch_max_payload_bytes), since a blob chunk can exceed
// MaxPayloadBytes. A connection's reader must admit this ceiling for every
// frame it reads, since the frame type isn't known until after decoding.
const FetchMaxPayloadBytes = 10 * 1024 * 1024

// Frame is a fully decoded wire message: header plus payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// Reader reads length-prefixed frames from a buffered byte stream.
type Reader struct {
	r          *bufio.Reader
	maxPayload int
}

// NewReader wraps r with the default MaxPayloadBytes ceiling.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r), maxPayload: MaxPayloadBytes}
}

// NewReaderMax wraps r with an explicit payload-size ceiling (used by the
// FETCH response path, which permits up to fetch_max_payload_bytes).
func NewReaderMax(r io.Reader, maxPayload int) *Reader {
	return &Reader{r: bufio.NewReader(r), maxPayload: maxPayload}
}

// ReadFrame reads one header-plus-payload frame and verifies its checksum.
func (fr *Reader) ReadFrame() (Frame, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return Frame{}, fmt.Errorf("read header: %w", err)
	}
	h, err := DecodeHeader(hdr[:])
	if err != nil {
		return Frame{}, err
	}
	plen := h.PayloadLength()
	if int(plen) > fr.maxPayload {
		return Frame{}, fmt.Errorf("%w: declared payload length %d exceeds ceiling %d", hermiterr.ErrMalformedFrame, plen, fr.maxPayload)
	}
	payload := make([]byte, plen)
	if plen > 0 {
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return Frame{}, fmt.Errorf("read payload: %w", err)
		}
	}
	if err := h.VerifyChecksum(payload); err != nil {
		return Frame{}, err
	}
	return Frame{Header: h, Payload: payload}, nil
}

// Writer writes length-prefixed frames.
type Writer struct {
	w io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteFrame writes a header followed by its payload as one logical
// message. Callers building outbound messages should have already rented
// the payload buffer from the shared pool; WriteFrame does not take
// ownership of it.
func (fw *Writer) WriteFrame(msgType uint8, requestID uint32, payload []byte) error {
	h := NewHeader(msgType, requestID, payload)
	if _, err := fw.w.Write(h.Bytes()); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := fw.w.Write(payload); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}
	return nil
}

// Encode returns a single contiguous byte slice (header || payload),
// the shape the outgoing-message queue element expects as framed_bytes.
func Encode(msgType uint8, requestID uint32, payload []byte) []byte {
	h := NewHeader(msgType, requestID, payload)
	out := make([]byte, 0, HeaderLen+len(payload))
	out = append(out, h[:]...)
	out = append(out, payload...)
	return out
}
