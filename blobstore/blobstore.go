// Package blobstore implements the content-addressed, AEAD-encrypted, atomic
// local blob persistence of §4.9. Every blob is named by the lowercase hex
// SHA-256 of its plaintext; files are written to a temporary path and
// atomically renamed into place so a reader never observes a partially
// written file.
package blobstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/hermit-net/hermit/cryptoutil"
	"github.com/hermit-net/hermit/hermiterr"
)

// Store owns the on-disk blob directory exclusively (§3 "Ownership in
// design terms").
type Store struct {
	dir    string
	key    [32]byte
	logger *slog.Logger
}

// New creates a Store rooted at dir, creating the directory if absent. key
// is the ChaCha20-Poly1305 storage key held in memory for the process
// lifetime.
func New(dir string, key [32]byte, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Store{dir: dir, key: key, logger: logger}, nil
}

func (s *Store) pathFor(digest cryptoutil.Digest32) string {
	return filepath.Join(s.dir, digest.Hex())
}

// StoreAsync computes the SHA-256 digest of plaintext, writes the encrypted
// blob if it does not already exist, and returns the digest. Idempotent:
// storing the same plaintext twice yields the same digest and leaves one
// file on disk (§8 "Storing the same plaintext twice is idempotent").
func (s *Store) StoreAsync(plaintext []byte) (cryptoutil.Digest32, error) {
	digest := cryptoutil.SHA256(plaintext)
	finalPath := s.pathFor(digest)

	if _, err := os.Stat(finalPath); err == nil {
		return digest, nil
	}

	sealed, err := cryptoutil.Seal(s.key[:], plaintext)
	if err != nil {
		return digest, fmt.Errorf("seal blob: %w", err)
	}

	tmpPath := filepath.Join(s.dir, ".tmp-"+uuid.NewString())
	if err := os.WriteFile(tmpPath, sealed, 0o600); err != nil {
		return digest, fmt.Errorf("write temp blob: %w", err)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		_ = os.Remove(tmpPath)
		if _, statErr := os.Stat(finalPath); statErr == nil {
			// Another writer won the race to the same digest; the content is
			// identical by construction, so the write is safely discarded.
			return digest, nil
		}
		if isCrossDeviceRename(err) {
			return digest, fmt.Errorf("rename temp blob into place: storage dir spans a different filesystem than its temp path (EXDEV): %w", err)
		}
		return digest, fmt.Errorf("rename temp blob into place: %w", err)
	}
	return digest, nil
}

// isCrossDeviceRename classifies a rename failure as EXDEV: the temp path
// and final path must share a filesystem for rename(2) to be atomic, and a
// storage directory remounted onto a different device is the one rename
// failure mode this store cannot recover from by retrying.
func isCrossDeviceRename(err error) bool {
	var errno unix.Errno
	return errors.As(err, &errno) && errno == unix.EXDEV
}

// RetrieveBytesAsync reads and decrypts the entire blob for digest. Intended
// for small blobs (manifests); returns absence rather than an error, per
// §4.9/§7 ("Blob-store read failures return absence").
func (s *Store) RetrieveBytesAsync(digest cryptoutil.Digest32) ([]byte, bool) {
	sealed, err := os.ReadFile(s.pathFor(digest))
	if err != nil {
		return nil, false
	}
	plaintext, err := cryptoutil.Open(s.key[:], sealed)
	if err != nil {
		s.logger.Warn("blob authentication failed", "digest", digest.Hex(), "error", err)
		return nil, false
	}
	return plaintext, true
}

// RetrieveToBufferAsync decrypts directly into dest, returning the number
// of bytes written, or 0 if the blob is absent or fails to authenticate.
func (s *Store) RetrieveToBufferAsync(digest cryptoutil.Digest32, dest []byte) int {
	plaintext, ok := s.RetrieveBytesAsync(digest)
	if !ok {
		return 0
	}
	return copy(dest, plaintext)
}

// RetrieveToStreamAsync decrypts the blob and writes its plaintext to w.
// The MVP contract performs a whole-file decrypt (§9 open question 4);
// large-blob chunked decryption is out of scope for this core.
func (s *Store) RetrieveToStreamAsync(digest cryptoutil.Digest32, w Writer) error {
	plaintext, ok := s.RetrieveBytesAsync(digest)
	if !ok {
		return hermiterr.ErrBlobNotFound
	}
	if _, err := w.Write(plaintext); err != nil {
		return fmt.Errorf("write plaintext to stream: %w", err)
	}
	return nil
}

// Writer is the minimal sink RetrieveToStreamAsync writes into — an alias
// kept narrow so callers can pass *bytes.Buffer, a file, or a pipe without
// pulling in io directly here beyond this one method.
type Writer interface {
	Write(p []byte) (int, error)
}

// HasBlob reports whether digest has a file on disk.
func (s *Store) HasBlob(digest cryptoutil.Digest32) bool {
	_, err := os.Stat(s.pathFor(digest))
	return err == nil
}

// GetBlobSize returns the plaintext size of the blob for digest, or -1 if
// absent. The on-disk file is nonce(12) || ciphertext || tag(16), so
// plaintext size is file size minus 28.
func (s *Store) GetBlobSize(digest cryptoutil.Digest32) int64 {
	info, err := os.Stat(s.pathFor(digest))
	if err != nil {
		return -1
	}
	return info.Size() - int64(cryptoutil.AEADNonceLen+cryptoutil.AEADTagLen)
}
