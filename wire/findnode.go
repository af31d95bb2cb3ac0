package wire

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/hermiterr"
)

// EncodeFindNodeRequest returns the 32-byte target node ID payload.
func EncodeFindNodeRequest(target contact.ID) []byte {
	b := make([]byte, contact.IDLen)
	copy(b, target[:])
	return b
}

// DecodeFindNodeRequest parses a FIND_NODE request payload.
func DecodeFindNodeRequest(b []byte) (contact.ID, error) {
	var id contact.ID
	if len(b) != contact.IDLen {
		return id, fmt.Errorf("%w: FIND_NODE request must be %d bytes, got %d", hermiterr.ErrMalformedFrame, contact.IDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// EncodeFindNodeResponse serializes a list of contacts:
// count(1) | count × { node_id(32) | ip_len(1) | ip(ip_len) | port(2 BE) }.
func EncodeFindNodeResponse(contacts []contact.Contact) ([]byte, error) {
	if len(contacts) > 255 {
		return nil, fmt.Errorf("cannot encode more than 255 contacts, got %d", len(contacts))
	}
	out := make([]byte, 0, 1+len(contacts)*(32+1+16+2))
	out = append(out, byte(len(contacts)))
	for _, c := range contacts {
		ip := c.Endpoint.IP
		var ipBytes []byte
		if v4 := ip.To4(); v4 != nil {
			ipBytes = v4
		} else {
			ipBytes = ip.To16()
		}
		if ipBytes == nil {
			return nil, fmt.Errorf("contact %s has invalid IP", c.ID)
		}
		out = append(out, c.ID[:]...)
		out = append(out, byte(len(ipBytes)))
		out = append(out, ipBytes...)
		var portBuf [2]byte
		binary.BigEndian.PutUint16(portBuf[:], c.Endpoint.Port)
		out = append(out, portBuf[:]...)
	}
	return out, nil
}

// DecodeFindNodeResponse parses the contact list produced by
// EncodeFindNodeResponse.
func DecodeFindNodeResponse(b []byte) ([]contact.Contact, error) {
	if len(b) < 1 {
		return nil, fmt.Errorf("%w: FIND_NODE response empty", hermiterr.ErrMalformedFrame)
	}
	count := int(b[0])
	off := 1
	out := make([]contact.Contact, 0, count)
	for i := 0; i < count; i++ {
		if off+32+1 > len(b) {
			return nil, fmt.Errorf("%w: FIND_NODE response truncated at contact %d", hermiterr.ErrMalformedFrame, i)
		}
		var id contact.ID
		copy(id[:], b[off:off+32])
		off += 32
		ipLen := int(b[off])
		off++
		if ipLen != 4 && ipLen != 16 {
			return nil, fmt.Errorf("%w: implausible ip_len %d", hermiterr.ErrMalformedFrame, ipLen)
		}
		if off+ipLen+2 > len(b) {
			return nil, fmt.Errorf("%w: FIND_NODE response truncated in address of contact %d", hermiterr.ErrMalformedFrame, i)
		}
		ip := net.IP(append([]byte(nil), b[off:off+ipLen]...))
		off += ipLen
		port := binary.BigEndian.Uint16(b[off : off+2])
		off += 2
		out = append(out, contact.Contact{ID: id, Endpoint: contact.Endpoint{IP: ip, Port: port}})
	}
	return out, nil
}
