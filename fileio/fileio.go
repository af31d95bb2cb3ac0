// Package fileio implements the file ingestor and reassembler of §4.10: it
// chunks a stream into content-addressed blobs, propagates each chunk (and
// the manifest describing them) to the DHT, and reverses the process on
// reassembly with a local-then-network fallback per chunk.
package fileio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/cenkalti/backoff/v4"

	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/cryptoutil"
	"github.com/hermit-net/hermit/dht"
	"github.com/hermit-net/hermit/dispatcher"
	"github.com/hermit-net/hermit/hermiterr"
)

// chunkFetchRetries bounds the resend attempts against a single candidate
// holder before moving on to the next one (§4.10 supplement: a chunk fetch
// failure is retried with backoff rather than abandoning that holder after
// one try).
const chunkFetchRetries = 2

// ChunkSize is the fixed read size used to split an ingested stream; the
// final chunk may be shorter (§4.10).
const ChunkSize = 256 * 1024

// PropagationFanout is how many of the closest nodes each chunk and the
// manifest are fire-and-forget STOREd to (§4.10 "top 3").
const PropagationFanout = 3

// BlobStore is the narrow subset of blobstore.Store the ingestor and
// reassembler need.
type BlobStore interface {
	StoreAsync(plaintext []byte) (cryptoutil.Digest32, error)
	RetrieveBytesAsync(digest cryptoutil.Digest32) ([]byte, bool)
}

// Manifest describes an ingested file as an ordered list of chunk digests.
type Manifest struct {
	FileName    string   `json:"file_name"`
	ContentType string   `json:"content_type"`
	TotalSize   int64    `json:"total_size"`
	Chunks      []string `json:"chunks"`
}

// Service ties the local blob store to the DHT service for chunk and
// manifest propagation/lookup.
type Service struct {
	blobs  BlobStore
	dht    *dht.Service
	logger *slog.Logger
}

// New creates a Service.
func New(blobs BlobStore, d *dht.Service, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{blobs: blobs, dht: d, logger: logger}
}

// IngestAsync reads stream to completion in ChunkSize chunks, stores each
// chunk locally and propagates it to the DHT, then assembles, stores, and
// propagates a JSON manifest. It returns the manifest's hex digest (§4.10).
func (s *Service) IngestAsync(ctx context.Context, stream io.Reader, fileName, contentType string, out dispatcher.Sender) (string, error) {
	manifest := Manifest{FileName: fileName, ContentType: contentType}

	buf := make([]byte, ChunkSize)
	for {
		n, readErr := io.ReadFull(stream, buf)
		if n > 0 {
			digest, err := s.blobs.StoreAsync(buf[:n])
			if err != nil {
				return "", fmt.Errorf("store chunk: %w", err)
			}
			manifest.Chunks = append(manifest.Chunks, digest.Hex())
			manifest.TotalSize += int64(n)
			s.propagate(ctx, digest, buf[:n], out)
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("read stream: %w", readErr)
		}
	}

	encoded, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	manifestDigest, err := s.blobs.StoreAsync(encoded)
	if err != nil {
		return "", fmt.Errorf("store manifest: %w", err)
	}
	s.propagate(ctx, manifestDigest, encoded, out)

	return manifestDigest.Hex(), nil
}

// propagate looks up the nodes closest to digest (reinterpreted as a 256-bit
// node ID) and fire-and-forgets a STORE of plaintext to the closest
// PropagationFanout of them (§4.10 step 3).
func (s *Service) propagate(ctx context.Context, digest cryptoutil.Digest32, plaintext []byte, out dispatcher.Sender) {
	target := contact.ID(digest)
	closest := s.dht.IterativeLookup(ctx, target, out)
	if len(closest) > PropagationFanout {
		closest = closest[:PropagationFanout]
	}
	for _, c := range closest {
		if err := s.dht.StoreRemote(ctx, c, plaintext, out); err != nil {
			s.logger.Debug("chunk propagation store failed", "peer", c.Endpoint, "digest", digest.Hex(), "error", err)
		}
	}
	s.dht.AnnounceProviderTo(ctx, closest, digest, out)
}

// ReassembleFileAsync decodes manifestHex, fetches and parses the manifest,
// then writes each chunk's plaintext to output in order: first trying the
// local blob store, then a DHT lookup followed by FETCH against discovered
// holders, caching the first success locally (§4.10).
func (s *Service) ReassembleFileAsync(ctx context.Context, manifestHex string, output io.Writer, out dispatcher.Sender) error {
	manifestDigest, err := cryptoutil.DigestFromHex(manifestHex)
	if err != nil {
		return fmt.Errorf("decode manifest digest: %w", err)
	}
	manifestBytes, ok := s.blobs.RetrieveBytesAsync(manifestDigest)
	if !ok {
		return hermiterr.ErrBlobNotFound
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return fmt.Errorf("%w: %v", hermiterr.ErrManifestParseError, err)
	}

	for _, chunkHex := range manifest.Chunks {
		digest, err := cryptoutil.DigestFromHex(chunkHex)
		if err != nil {
			return fmt.Errorf("%w: %v", hermiterr.ErrManifestParseError, err)
		}
		plaintext, err := s.resolveChunk(ctx, digest, out)
		if err != nil {
			return err
		}
		if _, err := output.Write(plaintext); err != nil {
			return fmt.Errorf("write chunk: %w", err)
		}
	}
	return nil
}

// resolveChunk returns digest's plaintext from the local store, or else
// queries provider records for digest and issues FETCH against them; when no
// provider records exist yet it falls back to treating digest as a DHT
// target ID directly (the original lookup path), caching the first
// successful response locally before returning it (§4.10 supplement).
func (s *Service) resolveChunk(ctx context.Context, digest cryptoutil.Digest32, out dispatcher.Sender) ([]byte, error) {
	if plaintext, ok := s.blobs.RetrieveBytesAsync(digest); ok {
		return plaintext, nil
	}
	if out == nil {
		return nil, hermiterr.ErrChunkUnavailable
	}

	candidates := s.dht.FindProviders(ctx, digest, out)
	if len(candidates) == 0 {
		target := contact.ID(digest)
		candidates = s.dht.IterativeLookup(ctx, target, out)
	}
	for _, c := range candidates {
		plaintext, ok := s.fetchWithRetry(ctx, c, digest, out)
		if !ok {
			continue
		}
		if _, err := s.blobs.StoreAsync(plaintext); err != nil {
			s.logger.Debug("cache fetched chunk failed", "digest", digest.Hex(), "error", err)
		}
		return plaintext, nil
	}
	return nil, hermiterr.ErrChunkUnavailable
}

// fetchWithRetry resends a FETCH to a single candidate holder up to
// chunkFetchRetries times with exponential backoff before giving up on it,
// distinguishing a transient failure (dropped packet, momentarily busy
// peer) from that holder genuinely not having the chunk.
func (s *Service) fetchWithRetry(ctx context.Context, c contact.Contact, digest cryptoutil.Digest32, out dispatcher.Sender) ([]byte, bool) {
	var plaintext []byte
	var found bool
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), chunkFetchRetries), ctx)
	_ = backoff.Retry(func() error {
		pt, ok := s.dht.FetchRemote(ctx, c, digest, out)
		if !ok {
			return hermiterr.ErrChunkUnavailable
		}
		plaintext, found = pt, true
		return nil
	}, b)
	return plaintext, found
}
