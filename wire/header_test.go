package wire

import (
	"bytes"
	"testing"
)

func TestHeaderRoundTripWithCRC32(t *testing.T) {
	payload := []byte{0x10, 0x20, 0x30, 0x40}
	h := NewHeader(TypeHandshake, 0x12345678, payload)

	want := []byte{
		0x01, 0x00, 0x01, 0x00,
		0x12, 0x34, 0x56, 0x78,
		0x00, 0x00, 0x00, 0x04,
		0x3D, 0x4B, 0x1F, 0x52,
	}
	if !bytes.Equal(h.Bytes(), want) {
		t.Fatalf("header bytes = % x, want % x", h.Bytes(), want)
	}

	decoded, err := DecodeHeader(h.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Version() != 1 {
		t.Fatalf("version = %d, want 1", decoded.Version())
	}
	if decoded.MessageType() != TypeHandshake {
		t.Fatalf("message type mismatch")
	}
	if decoded.RequestID() != 0x12345678 {
		t.Fatalf("request id mismatch")
	}
	if decoded.PayloadLength() != uint32(len(payload)) {
		t.Fatalf("payload length mismatch")
	}
	if err := decoded.VerifyChecksum(payload); err != nil {
		t.Fatalf("checksum verify: %v", err)
	}
}

func TestHeaderFieldsRoundTripForArbitraryValues(t *testing.T) {
	payloads := [][]byte{nil, {0x00}, bytes.Repeat([]byte{0xAB}, 509), []byte("hello world")}
	for _, p := range payloads {
		h := NewHeader(TypeOnionLayer, 42, p)
		decoded, err := DecodeHeader(h.Bytes())
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if decoded.Version() != h.Version() || decoded.Flags() != h.Flags() ||
			decoded.MessageType() != h.MessageType() || decoded.RequestID() != h.RequestID() ||
			decoded.PayloadLength() != h.PayloadLength() || decoded.Checksum() != h.Checksum() {
			t.Fatalf("all seven fields must round-trip byte-exactly for payload len %d", len(p))
		}
		if err := decoded.VerifyChecksum(p); err != nil {
			t.Fatalf("checksum mismatch for payload len %d: %v", len(p), err)
		}
	}
}

func TestVerifyChecksumDetectsMismatch(t *testing.T) {
	payload := []byte("payload")
	h := NewHeader(TypeStoreRequest, 7, payload)
	tampered := append([]byte(nil), payload...)
	tampered[0] ^= 0xFF
	if err := h.VerifyChecksum(tampered); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}

func TestDecodeHeaderRejectsWrongLength(t *testing.T) {
	if _, err := DecodeHeader(make([]byte, HeaderLen-1)); err == nil {
		t.Fatal("expected error for short header")
	}
	if _, err := DecodeHeader(make([]byte, HeaderLen+1)); err == nil {
		t.Fatal("expected error for long header")
	}
}

func FuzzDecodeHeaderReencodesExactly(f *testing.F) {
	f.Add(NewHeader(TypeHandshake, 1, []byte("seed")).Bytes())
	f.Fuzz(func(t *testing.T, b []byte) {
		h, err := DecodeHeader(b)
		if err != nil {
			return
		}
		// A successfully decoded header's encoding must match the input exactly.
		if !bytes.Equal(h.Bytes(), b) {
			t.Fatalf("decoded header re-encodes differently: in=% x out=% x", b, h.Bytes())
		}
	})
}
