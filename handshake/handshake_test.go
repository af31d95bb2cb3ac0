package handshake

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/cryptoutil"
	"github.com/hermit-net/hermit/dispatcher"
	"github.com/hermit-net/hermit/hermiterr"
	"github.com/hermit-net/hermit/ledger"
	"github.com/hermit-net/hermit/peertable"
)

func testOrigin() contact.Endpoint {
	return contact.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 40321}
}

func TestHandshakeRoundTripVerifiesAndRegistersPeer(t *testing.T) {
	identity, err := cryptoutil.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	onionKP, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("generate onion key: %v", err)
	}

	payload := Build(identity, onionKP.Public, time.Now())

	table := peertable.New()
	h := New(table, nil)

	pkt := dispatcher.InboundPacket{Origin: testOrigin(), Payload: payload}
	if err := h.Handle(context.Background(), pkt, nil); err != nil {
		t.Fatalf("handle: %v", err)
	}

	if !table.IsAuthenticated(testOrigin()) {
		t.Fatal("expected peer authenticated after handshake")
	}
	gotKey, ok := table.TryGetPeerKey(testOrigin())
	if !ok || gotKey != onionKP.Public {
		t.Fatal("onion key mismatch in peer table")
	}
}

func TestHandshakeRejectsStaleTimestamp(t *testing.T) {
	identity, _ := cryptoutil.GenerateIdentityKeyPair()
	onionKP, _ := cryptoutil.GenerateX25519KeyPair()

	stale := time.Now().Add(-65 * time.Second)
	payload := Build(identity, onionKP.Public, stale)

	h := New(peertable.New(), nil)
	pkt := dispatcher.InboundPacket{Origin: testOrigin(), Payload: payload}
	err := h.Handle(context.Background(), pkt, nil)
	if err == nil {
		t.Fatal("expected error for stale handshake")
	}
	if !errors.Is(err, hermiterr.ErrStaleHandshake) {
		t.Fatalf("expected ErrStaleHandshake, got %v", err)
	}
}

func TestHandshakeRejectsTamperedSignature(t *testing.T) {
	identity, _ := cryptoutil.GenerateIdentityKeyPair()
	onionKP, _ := cryptoutil.GenerateX25519KeyPair()

	payload := Build(identity, onionKP.Public, time.Now())
	payload[len(payload)-1] ^= 0xFF // flip a bit of the signature

	h := New(peertable.New(), nil)
	pkt := dispatcher.InboundPacket{Origin: testOrigin(), Payload: payload}
	err := h.Handle(context.Background(), pkt, nil)
	if !errors.Is(err, hermiterr.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestHandshakeRejectsWrongLengthPayload(t *testing.T) {
	h := New(peertable.New(), nil)
	pkt := dispatcher.InboundPacket{Origin: testOrigin(), Payload: []byte("too short")}
	if err := h.Handle(context.Background(), pkt, nil); err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestRegisterPeerViaDispatcher(t *testing.T) {
	identity, _ := cryptoutil.GenerateIdentityKeyPair()
	onionKP, _ := cryptoutil.GenerateX25519KeyPair()
	payload := Build(identity, onionKP.Public, time.Now())

	table := peertable.New()
	h := New(table, nil)

	d := dispatcher.New(ledger.New(), nil)
	d.Register(0x01, h.Handle)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.In <- dispatcher.InboundPacket{Origin: testOrigin(), MessageType: 0x01, Payload: payload}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if table.IsAuthenticated(testOrigin()) {
			if key, ok := table.TryGetPeerKey(testOrigin()); ok && key == onionKP.Public {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("peer was not authenticated within deadline")
}

