// Package handshake implements the authenticated peer handshake handler of
// §4.3: verify a signed identity/onion-key binding and register the sender
// in the peer table.
package handshake

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/cryptoutil"
	"github.com/hermit-net/hermit/dispatcher"
	"github.com/hermit-net/hermit/hermiterr"
	"github.com/hermit-net/hermit/peertable"
	"github.com/hermit-net/hermit/wire"
)

// ClockSkew is the maximum allowed difference between a handshake's
// timestamp and the local wall clock (§6 handshake_clock_skew_ms).
const ClockSkew = 60 * time.Second

// Handler validates inbound handshake packets and upserts the peer table.
type Handler struct {
	table  *peertable.Table
	logger *slog.Logger
	now    func() time.Time
}

// New creates a handshake Handler writing into table.
func New(table *peertable.Table, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{table: table, logger: logger, now: time.Now}
}

// Handle implements dispatcher.Handler for wire.TypeHandshake packets (§4.3).
// There is no reply; a successful handshake is an observable side effect on
// the peer table.
func (h *Handler) Handle(ctx context.Context, pkt dispatcher.InboundPacket, out dispatcher.Sender) error {
	hp, err := wire.DecodeHandshake(pkt.Payload)
	if err != nil {
		return err
	}

	nowMs := uint64(h.now().UnixMilli())
	if absDiffMs(nowMs, hp.TimestampMs) > uint64(ClockSkew.Milliseconds()) {
		return fmt.Errorf("%w: handshake timestamp %d differs from local clock by more than %s", hermiterr.ErrStaleHandshake, hp.TimestampMs, ClockSkew)
	}

	prefix, err := wire.SignablePrefix(pkt.Payload)
	if err != nil {
		return err
	}
	if !cryptoutil.VerifySignature(hp.IdentityKey[:], prefix, hp.Signature[:]) {
		return hermiterr.ErrInvalidSignature
	}

	h.table.Upsert(pkt.Origin, hp.IdentityKey, hp.OnionKey, h.now())
	h.logger.Debug("handshake accepted", "origin", pkt.Origin, "identity_key", hp.IdentityKey)
	return nil
}

func absDiffMs(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}

// Build constructs a signed outbound handshake payload using identity's keys
// and the given onion public key, timestamped at the current wall clock
// (§4.3 "Outgoing handshake").
func Build(identity *cryptoutil.IdentityKeyPair, onionPublicKey [32]byte, now time.Time) []byte {
	var idKey [32]byte
	copy(idKey[:], identity.Public)

	nowMs := uint64(now.UnixMilli())
	unsigned := wire.EncodeHandshake(idKey, onionPublicKey, nowMs, [64]byte{})
	prefix, _ := wire.SignablePrefix(unsigned)
	sig := identity.Sign(prefix)

	var sigArr [64]byte
	copy(sigArr[:], sig)
	return wire.EncodeHandshake(idKey, onionPublicKey, nowMs, sigArr)
}
