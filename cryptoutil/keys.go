// Package cryptoutil wraps the primitives used throughout the node:
// Ed25519 sign/verify, X25519 ECDH, HKDF-SHA256 derivation, ChaCha20-Poly1305
// AEAD, SHA-256, and CRC32. It holds no protocol knowledge — callers in
// wire, onionrelay, onionbuild, blobstore and record compose these.
package cryptoutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	NodeIDLen     = 32
	AEADNonceLen  = 12
	AEADTagLen    = 16
	Ed25519PubLen = ed25519.PublicKeySize
	Ed25519SigLen = ed25519.SignatureSize
	X25519KeyLen  = 32
)

// IdentityKeyPair is a long-lived Ed25519 signing keypair.
type IdentityKeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateIdentityKeyPair creates a fresh Ed25519 keypair from crypto/rand.
func GenerateIdentityKeyPair() (*IdentityKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return &IdentityKeyPair{Public: pub, Private: priv}, nil
}

// IdentityKeyPairFromSeed reconstructs a keypair from a 32-byte seed (the
// on-disk raw private key format used by identity.key).
func IdentityKeyPairFromSeed(seed []byte) (*IdentityKeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &IdentityKeyPair{Public: priv.Public().(ed25519.PublicKey), Private: priv}, nil
}

// Seed returns the 32-byte seed suitable for persisting to disk.
func (k *IdentityKeyPair) Seed() []byte {
	return k.Private.Seed()
}

// Sign signs msg with the identity private key.
func (k *IdentityKeyPair) Sign(msg []byte) []byte {
	return ed25519.Sign(k.Private, msg)
}

// VerifySignature verifies sig over msg against the given Ed25519 public key.
func VerifySignature(pub []byte, msg, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}

// X25519KeyPair is an ephemeral or per-lifetime Curve25519 keypair used for
// onion session-key agreement.
type X25519KeyPair struct {
	Public  [X25519KeyLen]byte
	private [X25519KeyLen]byte
}

// GenerateX25519KeyPair creates a fresh keypair from crypto/rand.
func GenerateX25519KeyPair() (*X25519KeyPair, error) {
	var priv [X25519KeyLen]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("generate x25519 private key: %w", err)
	}
	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("derive x25519 public key: %w", err)
	}
	kp := &X25519KeyPair{private: priv}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Close zeroes the ephemeral private key. Safe to call multiple times.
func (k *X25519KeyPair) Close() {
	clear(k.private[:])
}

// SharedSecret performs X25519 agreement between this keypair's private key
// and peerPublic, returning the raw ECDH output (not yet KDF-expanded).
func (k *X25519KeyPair) SharedSecret(peerPublic [X25519KeyLen]byte) ([]byte, error) {
	secret, err := curve25519.X25519(k.private[:], peerPublic[:])
	if err != nil {
		return nil, fmt.Errorf("x25519 agreement: %w", err)
	}
	return secret, nil
}

// DeriveSessionKey runs the shared secret through HKDF-SHA256 with an empty
// salt and empty info, then reads a chacha20poly1305.KeySize-byte key — the
// derivation used by both the onion handler (§4.4) and the onion packet
// builder (§4.5).
func DeriveSessionKey(sharedSecret []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, sharedSecret, nil, nil)
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("hkdf expand session key: %w", err)
	}
	return key, nil
}
