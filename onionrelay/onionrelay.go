// Package onionrelay implements the inbound onion-layer handler of §4.4: peel
// one layer off an onion packet, then either surface the terminal message or
// forward the remaining layers to the next hop.
package onionrelay

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"net"

	"github.com/hermit-net/hermit/bufpool"
	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/cryptoutil"
	"github.com/hermit-net/hermit/dispatcher"
	"github.com/hermit-net/hermit/hermiterr"
	"github.com/hermit-net/hermit/wire"
)

const (
	ephemeralKeyLen = 32
	minLayerLen     = ephemeralKeyLen + cryptoutil.AEADNonceLen + cryptoutil.AEADTagLen // 60

	cmdTerminal uint8 = 0x00
	cmdRelay    uint8 = 0x01
)

// Deliver receives a fully peeled terminal message addressed to this node.
// The concrete sink (profile/message ingestion) lives upstream and outside
// this core (§1 "out of scope").
type Deliver func(ctx context.Context, origin contact.Endpoint, message []byte)

// Handler peels one onion layer per inbound TypeOnionLayer packet.
type Handler struct {
	onionKey *cryptoutil.X25519KeyPair
	deliver  Deliver
	logger   *slog.Logger
}

// New creates an onion Handler using this node's onion keypair. deliver is
// invoked for terminal (fully peeled) messages.
func New(onionKey *cryptoutil.X25519KeyPair, deliver Deliver, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{onionKey: onionKey, deliver: deliver, logger: logger}
}

// Handle implements dispatcher.Handler for wire.TypeOnionLayer packets (§4.4).
func (h *Handler) Handle(ctx context.Context, pkt dispatcher.InboundPacket, out dispatcher.Sender) error {
	if len(pkt.Payload) < minLayerLen {
		return fmt.Errorf("%w: onion payload must be at least %d bytes, got %d", hermiterr.ErrMalformedOnion, minLayerLen, len(pkt.Payload))
	}

	var senderEphemeral [32]byte
	copy(senderEphemeral[:], pkt.Payload[:ephemeralKeyLen])
	encryptedLayer := pkt.Payload[ephemeralKeyLen:]

	sessionKey, err := deriveSessionKey(h.onionKey, senderEphemeral)
	if err != nil {
		return err
	}

	plaintext, err := cryptoutil.Open(sessionKey, encryptedLayer)
	if err != nil {
		return fmt.Errorf("%w: %v", hermiterr.ErrDecryptFailure, err)
	}
	if len(plaintext) == 0 {
		return hermiterr.ErrMalformedOnion
	}

	switch plaintext[0] {
	case cmdTerminal:
		if h.deliver != nil {
			h.deliver(ctx, pkt.Origin, plaintext[1:])
		}
		return nil
	case cmdRelay:
		return h.relay(ctx, plaintext[1:], senderEphemeral, out)
	default:
		return fmt.Errorf("%w: unknown onion command byte %#x", hermiterr.ErrMalformedOnion, plaintext[0])
	}
}

// relay parses the next-hop address and forwards a packet to it whose
// payload is the client's original ephemeral public key (the one observed
// on this incoming packet) prepended to inner_payload verbatim — the next
// hop peels it exactly as this hop did (§4.4, §9 open question resolution).
func (h *Handler) relay(ctx context.Context, body []byte, clientEphemeral [32]byte, out dispatcher.Sender) error {
	if len(body) < 1 {
		return fmt.Errorf("%w: relay body missing ip_len", hermiterr.ErrMalformedOnion)
	}
	ipLen := int(body[0])
	if len(body) < 1+ipLen+2 {
		return fmt.Errorf("%w: relay body truncated", hermiterr.ErrMalformedOnion)
	}
	ip := net.IP(body[1 : 1+ipLen])
	port := binary.BigEndian.Uint16(body[1+ipLen : 1+ipLen+2])
	inner := body[1+ipLen+2:]

	buf := bufpool.Default.Get(ephemeralKeyLen + len(inner))
	copy(buf[:ephemeralKeyLen], clientEphemeral[:])
	copy(buf[ephemeralKeyLen:], inner)

	framed := wire.Encode(wire.TypeOnionLayer, 0, buf)
	return out.Send(ctx, dispatcher.OutboundMessage{
		Target:        contact.Endpoint{IP: ip, Port: port},
		FramedBytes:   framed,
		BackingBuffer: buf,
	})
}

func deriveSessionKey(onionKey *cryptoutil.X25519KeyPair, senderEphemeral [32]byte) ([]byte, error) {
	shared, err := onionKey.SharedSecret(senderEphemeral)
	if err != nil {
		return nil, fmt.Errorf("onion layer x25519 agreement: %w", err)
	}
	return cryptoutil.DeriveSessionKey(shared)
}
