package onionrelay

import (
	"bytes"
	"context"
	"net"
	"testing"

	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/cryptoutil"
	"github.com/hermit-net/hermit/dispatcher"
	"github.com/hermit-net/hermit/onionbuild"
)

// fakeSender records outbound messages instead of requiring a real dispatcher.
type fakeSender struct {
	sent []dispatcher.OutboundMessage
}

func (f *fakeSender) Send(ctx context.Context, msg dispatcher.OutboundMessage) error {
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeSender) NextRequestID() uint32 { return 0 }
func (f *fakeSender) AwaitResponse(uint32, int) (<-chan []byte, error) {
	return nil, nil
}

func buildInboundPayload(t *testing.T, hopKP *cryptoutil.X25519KeyPair, clientEphemeral *cryptoutil.X25519KeyPair, message []byte) []byte {
	t.Helper()
	layered, err := onionbuild.Build(message, []onionbuild.Hop{{IP: net.ParseIP("127.0.0.1"), Port: 20000, PublicKey: hopKP.Public}}, clientEphemeral)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return onionbuild.Framed(layered, clientEphemeral.Public)
}

func TestHandleTerminalDeliversMessage(t *testing.T) {
	hopKP, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		t.Fatalf("generate hop key: %v", err)
	}
	clientEphemeral, _ := cryptoutil.GenerateX25519KeyPair()
	message := []byte("hello onion")

	payload := buildInboundPayload(t, hopKP, clientEphemeral, message)

	var delivered []byte
	h := New(hopKP, func(ctx context.Context, origin contact.Endpoint, msg []byte) {
		delivered = msg
	}, nil)

	pkt := dispatcher.InboundPacket{Payload: payload}
	if err := h.Handle(context.Background(), pkt, &fakeSender{}); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if !bytes.Equal(delivered, message) {
		t.Fatalf("delivered = %q, want %q", delivered, message)
	}
}

func TestHandleRelayForwardsWithEphemeralPrefix(t *testing.T) {
	hop0KP, _ := cryptoutil.GenerateX25519KeyPair()
	hop1KP, _ := cryptoutil.GenerateX25519KeyPair()
	clientEphemeral, _ := cryptoutil.GenerateX25519KeyPair()
	message := []byte("final content for multi-hop")

	hops := []onionbuild.Hop{
		{IP: net.ParseIP("127.0.0.1"), Port: 20000, PublicKey: hop0KP.Public},
		{IP: net.ParseIP("127.0.0.1"), Port: 20001, PublicKey: hop1KP.Public},
	}
	layered, err := onionbuild.Build(message, hops, clientEphemeral)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	payload := onionbuild.Framed(layered, clientEphemeral.Public)

	h0 := New(hop0KP, nil, nil)
	snd := &fakeSender{}
	pkt := dispatcher.InboundPacket{Payload: payload}
	if err := h0.Handle(context.Background(), pkt, snd); err != nil {
		t.Fatalf("hop0 handle: %v", err)
	}
	if len(snd.sent) != 1 {
		t.Fatalf("expected 1 forwarded message, got %d", len(snd.sent))
	}
	forwarded := snd.sent[0]
	if forwarded.Target.Port != 20001 {
		t.Fatalf("forwarded port = %d, want 20001", forwarded.Target.Port)
	}

	forwardedPayload := forwarded.FramedBytes[16:] // skip wire header
	if !bytes.Equal(forwardedPayload[:32], clientEphemeral.Public[:]) {
		t.Fatal("forwarded payload missing client ephemeral key prefix")
	}

	var delivered []byte
	h1 := New(hop1KP, func(ctx context.Context, origin contact.Endpoint, msg []byte) {
		delivered = msg
	}, nil)
	pkt1 := dispatcher.InboundPacket{Payload: forwardedPayload}
	if err := h1.Handle(context.Background(), pkt1, &fakeSender{}); err != nil {
		t.Fatalf("hop1 handle: %v", err)
	}
	if !bytes.Equal(delivered, message) {
		t.Fatalf("final delivered = %q, want %q", delivered, message)
	}
}

func TestHandleRejectsShortPayload(t *testing.T) {
	hopKP, _ := cryptoutil.GenerateX25519KeyPair()
	h := New(hopKP, nil, nil)
	pkt := dispatcher.InboundPacket{Payload: []byte("too short")}
	if err := h.Handle(context.Background(), pkt, &fakeSender{}); err == nil {
		t.Fatal("expected error for short onion payload")
	}
}

func TestHandleRejectsTamperedCiphertext(t *testing.T) {
	hopKP, _ := cryptoutil.GenerateX25519KeyPair()
	clientEphemeral, _ := cryptoutil.GenerateX25519KeyPair()
	payload := buildInboundPayload(t, hopKP, clientEphemeral, []byte("hello onion"))
	payload[len(payload)-1] ^= 0xFF

	h := New(hopKP, nil, nil)
	pkt := dispatcher.InboundPacket{Payload: payload}
	if err := h.Handle(context.Background(), pkt, &fakeSender{}); err == nil {
		t.Fatal("expected decrypt failure for tampered ciphertext")
	}
}
