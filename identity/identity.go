// Package identity holds the node's per-instance identity: its 256-bit node
// ID, its long-lived Ed25519 signing identity key (persisted to disk), its
// ephemeral X25519 onion key, and its in-memory ChaCha20-Poly1305 storage
// key (§3).
package identity

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/cryptoutil"
)

// identityKeyFileMode matches the teacher's convention for sensitive
// key-material files (link/certs.go style: owner read/write only).
const identityKeyFileMode = 0o600

// Identity bundles everything that uniquely identifies this node instance.
type Identity struct {
	NodeID   contact.ID
	Identity *cryptoutil.IdentityKeyPair
	OnionKey *cryptoutil.X25519KeyPair
	Storage  [32]byte // ChaCha20-Poly1305 storage key, held in memory only
}

// New generates a fresh random node ID, a fresh Ed25519 identity keypair, a
// fresh X25519 onion keypair, and a fresh storage key. Used when no
// identity.key exists yet.
func New() (*Identity, error) {
	idKP, err := cryptoutil.GenerateIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	return finishIdentity(idKP)
}

// LoadOrCreate reads identity.key from dataDir, generating and persisting a
// fresh one on first run (§6 filesystem layout). The onion key, storage
// key, and node ID are freshly generated every process lifetime — only the
// signing identity survives restarts.
func LoadOrCreate(dataDir string) (*Identity, error) {
	path := filepath.Join(dataDir, "identity.key")
	seed, err := os.ReadFile(path)
	if err == nil {
		idKP, err := cryptoutil.IdentityKeyPairFromSeed(seed)
		if err != nil {
			return nil, fmt.Errorf("parse identity.key: %w", err)
		}
		return finishIdentity(idKP)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read identity.key: %w", err)
	}

	idKP, err := cryptoutil.GenerateIdentityKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate identity key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, idKP.Seed(), identityKeyFileMode); err != nil {
		return nil, fmt.Errorf("write identity.key: %w", err)
	}
	return finishIdentity(idKP)
}

func finishIdentity(idKP *cryptoutil.IdentityKeyPair) (*Identity, error) {
	onionKP, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate onion key: %w", err)
	}
	var storageKey [32]byte
	if _, err := rand.Read(storageKey[:]); err != nil {
		return nil, fmt.Errorf("generate storage key: %w", err)
	}
	var nodeID contact.ID
	if _, err := rand.Read(nodeID[:]); err != nil {
		return nil, fmt.Errorf("generate node id: %w", err)
	}
	return &Identity{
		NodeID:   nodeID,
		Identity: idKP,
		OnionKey: onionKP,
		Storage:  storageKey,
	}, nil
}

// PublicIdentityKey returns the 32-byte Ed25519 public key.
func (id *Identity) PublicIdentityKey() [32]byte {
	var k [32]byte
	copy(k[:], id.Identity.Public)
	return k
}
