package fileio

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"testing"

	"github.com/hermit-net/hermit/blobstore"
	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/cryptoutil"
	"github.com/hermit-net/hermit/dht"
	"github.com/hermit-net/hermit/dispatcher"
	"github.com/hermit-net/hermit/peertable"
	"github.com/hermit-net/hermit/record"
	"github.com/hermit-net/hermit/routingtable"
)

// noopSender discards every outbound send and closes AwaitResponse channels
// immediately, simulating a node with no reachable peers: propagation and
// remote-fallback lookups degrade to no-ops rather than blocking.
type noopSender struct{ next uint32 }

func (n *noopSender) Send(context.Context, dispatcher.OutboundMessage) error { return nil }
func (n *noopSender) NextRequestID() uint32                                 { n.next++; return n.next }
func (n *noopSender) AwaitResponse(uint32, int) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func newTestSystem(t *testing.T) (*Service, *blobstore.Store) {
	t.Helper()
	var key [32]byte
	store, err := blobstore.New(t.TempDir(), key, nil)
	if err != nil {
		t.Fatalf("blobstore: %v", err)
	}
	var self contact.ID
	if _, err := rand.Read(self[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	svc := dht.New(self, routingtable.New(self), peertable.New(), store, record.NewStore(), nil)
	return New(store, svc, nil), store
}

func TestIngestThenReassembleRoundTrip(t *testing.T) {
	fio, _ := newTestSystem(t)
	content := bytes.Repeat([]byte("abcdefgh"), 100000) // > one chunk, exercises multi-chunk path

	manifestHex, err := fio.IngestAsync(context.Background(), bytes.NewReader(content), "big.bin", "application/octet-stream", &noopSender{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	var out bytes.Buffer
	if err := fio.ReassembleFileAsync(context.Background(), manifestHex, &out, &noopSender{}); err != nil {
		t.Fatalf("reassemble: %v", err)
	}
	if !bytes.Equal(out.Bytes(), content) {
		t.Fatalf("reassembled content mismatch: got %d bytes, want %d", out.Len(), len(content))
	}
}

func TestIngestEmptyStreamProducesManifestWithNoChunks(t *testing.T) {
	fio, _ := newTestSystem(t)
	manifestHex, err := fio.IngestAsync(context.Background(), bytes.NewReader(nil), "empty.txt", "text/plain", &noopSender{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	var out bytes.Buffer
	if err := fio.ReassembleFileAsync(context.Background(), manifestHex, &out, &noopSender{}); err != nil {
		t.Fatalf("reassemble: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("expected empty reassembly, got %d bytes", out.Len())
	}
}

func TestIngestSmallerThanChunkSizeSingleChunk(t *testing.T) {
	fio, store := newTestSystem(t)
	content := []byte("a small file")

	manifestHex, err := fio.IngestAsync(context.Background(), bytes.NewReader(content), "small.txt", "text/plain", &noopSender{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	digest, err := cryptoutil.DigestFromHex(manifestHex)
	if err != nil {
		t.Fatalf("decode manifest digest: %v", err)
	}
	manifestBytes, ok := store.RetrieveBytesAsync(digest)
	if !ok {
		t.Fatal("expected manifest to be stored locally")
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	if len(manifest.Chunks) != 1 {
		t.Fatalf("expected exactly 1 chunk, got %d", len(manifest.Chunks))
	}
	if manifest.TotalSize != int64(len(content)) {
		t.Fatalf("manifest total size = %d, want %d", manifest.TotalSize, len(content))
	}
}

func TestReassembleAgainstEmptyStoreFailsWithNoReachablePeers(t *testing.T) {
	fio, _ := newTestSystem(t)
	content := []byte("some content")

	manifestHex, err := fio.IngestAsync(context.Background(), bytes.NewReader(content), "f.bin", "application/octet-stream", &noopSender{})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// A second node with an empty local store and no routing-table contacts:
	// even the manifest lookup misses, since nothing was ever ingested there.
	fio2, _ := newTestSystem(t)
	var out bytes.Buffer
	if err := fio2.ReassembleFileAsync(context.Background(), manifestHex, &out, &noopSender{}); err == nil {
		t.Fatal("expected reassembly against an empty store to fail")
	}
}
