package dht

import (
	"context"
	"crypto/rand"
	"net"
	"testing"
	"time"

	"github.com/hermit-net/hermit/blobstore"
	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/cryptoutil"
	"github.com/hermit-net/hermit/dispatcher"
	"github.com/hermit-net/hermit/peertable"
	"github.com/hermit-net/hermit/record"
	"github.com/hermit-net/hermit/routingtable"
	"github.com/hermit-net/hermit/wire"
)

func randID(t *testing.T) contact.ID {
	t.Helper()
	var id contact.ID
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatalf("rand: %v", err)
	}
	return id
}

// fakeSender records outbound messages and synthesizes responses for
// assertions that don't need a live dispatcher loop.
type fakeSender struct {
	sent []dispatcher.OutboundMessage
	next uint32
}

func (f *fakeSender) Send(ctx context.Context, msg dispatcher.OutboundMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeSender) NextRequestID() uint32 {
	f.next++
	return f.next
}
func (f *fakeSender) AwaitResponse(uint32, int) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch) // no response; findNodeRemote/getValueRemote treat this as timeout
	return ch, nil
}

func newTestService(t *testing.T) (*Service, contact.ID) {
	t.Helper()
	self := randID(t)
	var key [32]byte
	store, err := blobstore.New(t.TempDir(), key, nil)
	if err != nil {
		t.Fatalf("blobstore: %v", err)
	}
	return New(self, routingtable.New(self), peertable.New(), store, record.NewStore(), nil), self
}

func TestFindNodeElicitsResponse(t *testing.T) {
	svc, _ := newTestService(t)
	target := randID(t)
	svc.routing.AddContact(contact.Contact{ID: target, Endpoint: contact.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 12345}})

	pkt := dispatcher.InboundPacket{
		Origin:      contact.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 40000},
		MessageType: wire.TypeFindNodeRequest,
		Payload:     wire.EncodeFindNodeRequest(target),
	}
	snd := &fakeSender{}
	if err := svc.HandleFindNode(context.Background(), pkt, snd); err != nil {
		t.Fatalf("handle find_node: %v", err)
	}
	if len(snd.sent) != 1 {
		t.Fatalf("expected 1 outgoing message, got %d", len(snd.sent))
	}
	if snd.sent[0].FramedBytes[2] != wire.TypeFindNodeResponse {
		t.Fatalf("response message type = %#x, want %#x", snd.sent[0].FramedBytes[2], wire.TypeFindNodeResponse)
	}
}

func TestStoreThenFetchRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	origin := contact.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}
	plaintext := []byte("dht-stored blob")

	snd := &fakeSender{}
	storePkt := dispatcher.InboundPacket{Origin: origin, MessageType: wire.TypeStoreRequest, Payload: plaintext}
	if err := svc.HandleStore(context.Background(), storePkt, snd); err != nil {
		t.Fatalf("handle store: %v", err)
	}
	if len(snd.sent) != 1 {
		t.Fatalf("expected store response sent")
	}
	digestPayload := snd.sent[0].FramedBytes[16:]

	fetchPkt := dispatcher.InboundPacket{Origin: origin, MessageType: wire.TypeFetchRequest, Payload: digestPayload}
	if err := svc.HandleFetch(context.Background(), fetchPkt, snd); err != nil {
		t.Fatalf("handle fetch: %v", err)
	}
	if len(snd.sent) != 2 {
		t.Fatalf("expected fetch response sent")
	}
	if snd.sent[1].FramedBytes[2] != wire.TypeFetchResponse {
		t.Fatalf("fetch response type = %#x, want %#x", snd.sent[1].FramedBytes[2], wire.TypeFetchResponse)
	}
	got := snd.sent[1].FramedBytes[16:]
	if string(got) != string(plaintext) {
		t.Fatalf("fetched plaintext = %q, want %q", got, plaintext)
	}
}

func TestFetchMissingBlobRepliesNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	origin := contact.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}
	var missing [32]byte

	snd := &fakeSender{}
	fetchPkt := dispatcher.InboundPacket{Origin: origin, MessageType: wire.TypeFetchRequest, Payload: missing[:]}
	if err := svc.HandleFetch(context.Background(), fetchPkt, snd); err != nil {
		t.Fatalf("handle fetch: %v", err)
	}
	if len(snd.sent) != 1 || snd.sent[0].FramedBytes[2] != wire.TypeFetchNotFound {
		t.Fatalf("expected FETCH_NOT_FOUND response")
	}
}

func TestPutValueThenGetValueHandlers(t *testing.T) {
	svc, _ := newTestService(t)
	identity, err := cryptoutil.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	r := record.Sign(identity, 7, []byte("manifest digest"))
	encoded, err := r.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	origin := contact.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}
	putPkt := dispatcher.InboundPacket{Origin: origin, MessageType: wire.TypePutValue, Payload: encoded}
	if err := svc.HandlePutValue(context.Background(), putPkt, &fakeSender{}); err != nil {
		t.Fatalf("handle put_value: %v", err)
	}

	var owner [32]byte
	copy(owner[:], identity.Public)
	snd := &fakeSender{}
	getPkt := dispatcher.InboundPacket{Origin: origin, MessageType: wire.TypeGetValueRequest, Payload: owner[:]}
	if err := svc.HandleGetValue(context.Background(), getPkt, snd); err != nil {
		t.Fatalf("handle get_value: %v", err)
	}
	if len(snd.sent) != 1 {
		t.Fatalf("expected get_value response sent")
	}
	respPayload := snd.sent[0].FramedBytes[16:]
	decoded, err := record.Decode(respPayload)
	if err != nil {
		t.Fatalf("decode response record: %v", err)
	}
	if decoded.Sequence != 7 || !decoded.Verify() {
		t.Fatal("expected returned record to match the stored one")
	}
}

func TestAddProviderThenGetProvidersRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	origin := contact.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}
	var onionKey, identityKey [32]byte
	copy(onionKey[:], "provider-onion-key-32-bytes-long")
	svc.peers.Upsert(origin, identityKey, onionKey, time.Now())

	digest := cryptoutil.SHA256([]byte("chunk contents"))
	snd := &fakeSender{}
	addPkt := dispatcher.InboundPacket{Origin: origin, MessageType: wire.TypeAddProvider, Payload: wire.EncodeAddProvider(digest)}
	if err := svc.HandleAddProvider(context.Background(), addPkt, snd); err != nil {
		t.Fatalf("handle add_provider: %v", err)
	}
	if len(snd.sent) != 0 {
		t.Fatalf("add_provider must not reply, got %d messages", len(snd.sent))
	}

	getPkt := dispatcher.InboundPacket{Origin: origin, MessageType: wire.TypeGetProvidersRequest, Payload: wire.EncodeGetProvidersRequest(digest)}
	if err := svc.HandleGetProviders(context.Background(), getPkt, snd); err != nil {
		t.Fatalf("handle get_providers: %v", err)
	}
	if len(snd.sent) != 1 {
		t.Fatalf("expected 1 get_providers response, got %d", len(snd.sent))
	}
	providers, err := wire.DecodeGetProvidersResponse(snd.sent[0].FramedBytes[16:])
	if err != nil {
		t.Fatalf("decode providers: %v", err)
	}
	if len(providers) != 1 || !providers[0].Endpoint.IP.Equal(origin.IP) || providers[0].Endpoint.Port != origin.Port {
		t.Fatalf("expected origin returned as sole provider, got %+v", providers)
	}
}

func TestGetProvidersEmptyWhenUnknown(t *testing.T) {
	svc, _ := newTestService(t)
	origin := contact.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 1}
	digest := cryptoutil.SHA256([]byte("never stored"))
	snd := &fakeSender{}
	getPkt := dispatcher.InboundPacket{Origin: origin, MessageType: wire.TypeGetProvidersRequest, Payload: wire.EncodeGetProvidersRequest(digest)}
	if err := svc.HandleGetProviders(context.Background(), getPkt, snd); err != nil {
		t.Fatalf("handle get_providers: %v", err)
	}
	providers, err := wire.DecodeGetProvidersResponse(snd.sent[0].FramedBytes[16:])
	if err != nil {
		t.Fatalf("decode providers: %v", err)
	}
	if len(providers) != 0 {
		t.Fatalf("expected no providers, got %d", len(providers))
	}
}

func TestIterativeLookupTerminatesWithNoPeers(t *testing.T) {
	svc, _ := newTestService(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	result := svc.IterativeLookup(ctx, randID(t), &fakeSender{})
	if len(result) != 0 {
		t.Fatalf("expected empty result with no known contacts, got %d", len(result))
	}
}
