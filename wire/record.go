package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/hermit-net/hermit/hermiterr"
)

// RecordFixedLen is the number of bytes before the variable-length value:
// owner_pub(32) | sequence(8) | signature(64) | value_len(2).
const RecordFixedLen = 32 + 8 + 64 + 2

// EncodedRecord is the decoded wire form of a mutable record, before
// signature verification (record.Record owns the verified/authored form).
type EncodedRecord struct {
	Owner     [32]byte
	Sequence  uint64
	Signature [64]byte
	Value     []byte
}

// EncodeRecord serializes owner_pub(32) | sequence(8 BE) | signature(64) |
// value_len(2 BE) | value.
func EncodeRecord(r EncodedRecord) ([]byte, error) {
	if len(r.Value) > 0xFFFF {
		return nil, fmt.Errorf("record value too large: %d bytes", len(r.Value))
	}
	out := make([]byte, 0, RecordFixedLen+len(r.Value))
	out = append(out, r.Owner[:]...)
	var seqBuf [8]byte
	binary.BigEndian.PutUint64(seqBuf[:], r.Sequence)
	out = append(out, seqBuf[:]...)
	out = append(out, r.Signature[:]...)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(r.Value)))
	out = append(out, lenBuf[:]...)
	out = append(out, r.Value...)
	return out, nil
}

// DecodeRecord parses the layout produced by EncodeRecord.
func DecodeRecord(b []byte) (EncodedRecord, error) {
	var r EncodedRecord
	if len(b) < RecordFixedLen {
		return r, fmt.Errorf("%w: record too short: %d bytes", hermiterr.ErrMalformedFrame, len(b))
	}
	copy(r.Owner[:], b[0:32])
	r.Sequence = binary.BigEndian.Uint64(b[32:40])
	copy(r.Signature[:], b[40:104])
	valueLen := binary.BigEndian.Uint16(b[104:106])
	if len(b) != RecordFixedLen+int(valueLen) {
		return r, fmt.Errorf("%w: declared value_len %d does not match remaining %d bytes", hermiterr.ErrMalformedFrame, valueLen, len(b)-RecordFixedLen)
	}
	r.Value = append([]byte(nil), b[RecordFixedLen:]...)
	return r, nil
}

// SignaturePayload returns sequence(8 BE) || value, the bytes the owner's
// Ed25519 signature covers (§3, §4.11).
func SignaturePayload(sequence uint64, value []byte) []byte {
	out := make([]byte, 8+len(value))
	binary.BigEndian.PutUint64(out[0:8], sequence)
	copy(out[8:], value)
	return out
}
