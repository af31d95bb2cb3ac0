package wire

import (
	"testing"
)

func FuzzDecodeHeader(f *testing.F) {
	h := NewHeader(TypeHandshake, 7, []byte("payload"))
	f.Add(h.Bytes())
	f.Add([]byte{})
	f.Add(make([]byte, HeaderLen-1))
	f.Add(make([]byte, HeaderLen+1))

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeHeader(data)
	})
}

func FuzzDecodeHandshake(f *testing.F) {
	f.Add(make([]byte, HandshakePayloadLen))
	f.Add([]byte{})
	f.Add(make([]byte, HandshakePayloadLen-1))

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeHandshake(data)
	})
}

func FuzzDecodeFindNodeResponse(f *testing.F) {
	payload, _ := EncodeFindNodeResponse(nil)
	f.Add(payload)
	f.Add([]byte{})
	f.Add([]byte{1})
	f.Add(make([]byte, 40))

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeFindNodeResponse(data)
	})
}

func FuzzDecodeRecord(f *testing.F) {
	encoded, _ := EncodeRecord(EncodedRecord{Value: []byte("hello")})
	f.Add(encoded)
	f.Add([]byte{})
	f.Add(make([]byte, RecordFixedLen-1))

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeRecord(data)
	})
}

func FuzzDecodeGetProvidersResponse(f *testing.F) {
	payload, _ := EncodeGetProvidersResponse(nil)
	f.Add(payload)
	f.Add([]byte{})
	f.Add([]byte{1})

	f.Fuzz(func(t *testing.T, data []byte) {
		_, _ = DecodeGetProvidersResponse(data)
	})
}
