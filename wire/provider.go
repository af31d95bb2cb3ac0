package wire

import (
	"fmt"

	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/cryptoutil"
	"github.com/hermit-net/hermit/hermiterr"
)

// EncodeAddProvider and EncodeGetProvidersRequest both carry a bare 32-byte
// digest, identical in shape to a FIND_NODE request's target ID.

// EncodeAddProvider returns the 32-byte digest payload for an ADD_PROVIDER
// announcement.
func EncodeAddProvider(digest cryptoutil.Digest32) []byte {
	b := make([]byte, cryptoutil.Digest32Len)
	copy(b, digest[:])
	return b
}

// DecodeAddProvider parses an ADD_PROVIDER payload.
func DecodeAddProvider(b []byte) (cryptoutil.Digest32, error) {
	return cryptoutil.DigestFromBytes(b)
}

// EncodeGetProvidersRequest returns the 32-byte digest payload for a
// GET_PROVIDERS request.
func EncodeGetProvidersRequest(digest cryptoutil.Digest32) []byte {
	b := make([]byte, cryptoutil.Digest32Len)
	copy(b, digest[:])
	return b
}

// DecodeGetProvidersRequest parses a GET_PROVIDERS request payload.
func DecodeGetProvidersRequest(b []byte) (cryptoutil.Digest32, error) {
	return cryptoutil.DigestFromBytes(b)
}

// EncodeGetProvidersResponse reuses the FIND_NODE response's contact-list
// layout: a provider is just a contact known to hold the requested digest.
func EncodeGetProvidersResponse(providers []contact.Contact) ([]byte, error) {
	return EncodeFindNodeResponse(providers)
}

// DecodeGetProvidersResponse parses the contact list produced by
// EncodeGetProvidersResponse.
func DecodeGetProvidersResponse(b []byte) ([]contact.Contact, error) {
	if len(b) == 0 {
		return nil, nil
	}
	contacts, err := DecodeFindNodeResponse(b)
	if err != nil {
		return nil, fmt.Errorf("%w: decode GET_PROVIDERS response: %w", hermiterr.ErrMalformedFrame, err)
	}
	return contacts, nil
}
