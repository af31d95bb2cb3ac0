package cryptoutil

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// Seal encrypts plaintext with key under a fresh random 12-byte nonce and
// returns nonce || ciphertext || tag, matching the on-wire and on-disk
// layout used by the onion handler and the blob store.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new chacha20poly1305: %w", err)
	}
	nonce := make([]byte, AEADNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+AEADTagLen)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// Open reverses Seal: sealed is nonce || ciphertext || tag. On
// authentication failure it returns an error wrapping the underlying
// chacha20poly1305 error; it does not wrap hermiterr.ErrDecryptFailure,
// which callers add themselves as needed.
func Open(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new chacha20poly1305: %w", err)
	}
	if len(sealed) < AEADNonceLen+AEADTagLen {
		return nil, fmt.Errorf("sealed blob too short: %d bytes", len(sealed))
	}
	nonce := sealed[:AEADNonceLen]
	ciphertext := sealed[AEADNonceLen:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

// OpenWithNonce decrypts ciphertext (which includes its trailing tag) using
// an explicit nonce — used by the onion handler, which receives the
// ephemeral key and nonce||ciphertext||tag as separate wire fields.
func OpenWithNonce(key, nonce, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new chacha20poly1305: %w", err)
	}
	if len(nonce) != AEADNonceLen {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", AEADNonceLen, len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("aead open: %w", err)
	}
	return plaintext, nil
}

// SealWithNonce encrypts plaintext with an explicit nonce, returning
// ciphertext||tag without the nonce prefix — used by the onion packet
// builder, which lays the nonce out itself per §4.5.
func SealWithNonce(key, nonce, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new chacha20poly1305: %w", err)
	}
	if len(nonce) != AEADNonceLen {
		return nil, fmt.Errorf("nonce must be %d bytes, got %d", AEADNonceLen, len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

// RandomNonce returns a fresh random 12-byte AEAD nonce.
func RandomNonce() ([]byte, error) {
	nonce := make([]byte, AEADNonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, nil
}
