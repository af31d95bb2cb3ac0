// Package dispatcher implements the central packet-routing state machine of
// §4.2: it reads framed packets from an incoming-packet queue and routes each
// to the handler registered for its message type. Checksums are verified
// before packets reach the queue, by the transport's wire.Reader.
// It owns no domain state itself — it holds shared-reference access to the
// peer table, routing table, request ledger, and blob store for the handlers
// it dispatches to (§5 "Ownership in design terms").
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/hermit-net/hermit/bufpool"
	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/hermiterr"
	"github.com/hermit-net/hermit/ledger"
	"github.com/hermit-net/hermit/wire"
)

// inboundQueueCapacity and outboundQueueCapacity match §5's specified queue
// depth: bounded, block-on-full.
const (
	inboundQueueCapacity  = 2000
	outboundQueueCapacity = 2000
)

// InboundPacket is one element read from the incoming-packet queue (§5).
type InboundPacket struct {
	Origin        contact.Endpoint
	MessageType   uint8
	RequestID     uint32
	Payload       []byte
	BackingBuffer []byte // released to bufpool.Default after handling
}

// OutboundMessage is one element pushed to the outgoing-message queue (§5).
// FramedBytes is header||payload; the transport collaborator releases
// BackingBuffer after transmission.
type OutboundMessage struct {
	Target        contact.Endpoint
	FramedBytes   []byte
	BackingBuffer []byte
}

// Handler processes one verified inbound packet, optionally sending
// responses via Sender. Handlers that need to forward payload bytes onward
// must rent a fresh buffer and copy — the dispatcher does not transfer
// incoming buffer ownership to handlers (§4.2).
type Handler func(ctx context.Context, pkt InboundPacket, out Sender) error

// Sender is the narrow outbound-queue interface passed to handlers, per §9's
// note to avoid handlers holding a reference back to the dispatcher itself.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) error
	NextRequestID() uint32
	AwaitResponse(requestID uint32, timeoutMs int) (<-chan []byte, error)
}

// Dispatcher reads InboundPacket values (already checksum-verified by the
// transport's frame reader) from In and routes them to registered handlers. It is single-consumer on In: packets are
// processed strictly sequentially, preserving per-source order when the
// transport preserves it (§5 "Scheduling model").
type Dispatcher struct {
	In  chan InboundPacket
	Out chan OutboundMessage

	logger   *slog.Logger
	ledger   *ledger.Ledger
	handlers map[uint8]Handler
}

// New creates a Dispatcher with queues sized per §5 and an empty handler
// table. Register handlers with Register before calling Run.
func New(l *ledger.Ledger, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		In:       make(chan InboundPacket, inboundQueueCapacity),
		Out:      make(chan OutboundMessage, outboundQueueCapacity),
		logger:   logger,
		ledger:   l,
		handlers: make(map[uint8]Handler),
	}
}

// Register installs the handler for msgType, overwriting any prior handler.
func (d *Dispatcher) Register(msgType uint8, h Handler) {
	d.handlers[msgType] = h
}

// Sender returns the Sender client-side operations (DHT lookups, onion
// sends, bootstrap) address outbound messages and correlated responses
// through.
func (d *Dispatcher) Sender() Sender {
	return sender{d: d}
}

// responseTypes lists message types the dispatcher treats as ledger-matched
// responses before falling through to a registered handler (§4.6 "Ordering").
var responseTypes = map[uint8]bool{
	wire.TypeFindNodeResponse:     true,
	wire.TypeStoreResponse:        true,
	wire.TypeFetchResponse:        true,
	wire.TypeFetchNotFound:        true,
	wire.TypeGetValueResponse:     true,
	wire.TypeGetProvidersResponse: true,
}

// sender adapts a Dispatcher to the Handler-facing Sender interface.
type sender struct {
	d *Dispatcher
}

func (s sender) Send(ctx context.Context, msg OutboundMessage) error {
	select {
	case s.d.Out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s sender) NextRequestID() uint32 {
	return s.d.ledger.NextID()
}

func (s sender) AwaitResponse(requestID uint32, timeoutMs int) (<-chan []byte, error) {
	if s.d.ledger == nil {
		return nil, hermiterr.ErrQueueClosed
	}
	ch := s.d.ledger.Register(requestID, msToDuration(timeoutMs))
	return ch, nil
}

// Run drains In until ctx is cancelled or In is closed, dispatching each
// packet and releasing its backing buffer afterward regardless of handler
// outcome (§4.2 "release the underlying buffer to the shared pool").
func (d *Dispatcher) Run(ctx context.Context) {
	snd := sender{d: d}
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-d.In:
			if !ok {
				return
			}
			d.handleOne(ctx, pkt, snd)
		}
	}
}

func (d *Dispatcher) handleOne(ctx context.Context, pkt InboundPacket, snd Sender) {
	defer func() {
		if pkt.BackingBuffer != nil {
			bufpool.Default.Put(pkt.BackingBuffer)
		}
	}()

	if responseTypes[pkt.MessageType] && d.ledger != nil {
		if d.ledger.Complete(pkt.RequestID, clone(pkt.Payload)) {
			return
		}
		d.logger.Debug("response with unmatched request id discarded",
			"message_type", pkt.MessageType, "request_id", pkt.RequestID, "origin", pkt.Origin)
		return
	}

	h, ok := d.handlers[pkt.MessageType]
	if !ok {
		d.logger.Warn("no handler registered for message type", "message_type", pkt.MessageType, "origin", pkt.Origin)
		return
	}
	if err := h(ctx, pkt, snd); err != nil {
		d.logger.Warn("handler error", "message_type", pkt.MessageType, "origin", pkt.Origin, "error", err)
	}
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
