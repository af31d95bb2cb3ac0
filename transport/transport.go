// Package transport carries framed wire messages over plain TCP connections
// between nodes, feeding decoded frames into the dispatcher's inbound queue
// and draining its outbound queue onto per-peer connections. Unlike the
// teacher's link package, no TLS is layered underneath — peer authenticity
// is established by the application-level handshake (§4.3), not by
// transport-level certificates.
package transport

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/hermit-net/hermit/bufpool"
	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/dispatcher"
	"github.com/hermit-net/hermit/wire"
)

// DialTimeout bounds establishing a new outbound connection to a peer.
const DialTimeout = 10 * time.Second

// Transport owns the listening socket and the set of live peer connections,
// dialing on demand and reusing connections across sends (§5 "Ownership in
// design terms" — the transport owns its sockets exclusively).
type Transport struct {
	in     chan<- dispatcher.InboundPacket
	logger *slog.Logger

	mu       sync.Mutex
	conns    map[string]*peerConn
	listener net.Listener
}

// peerConn is one live connection to a peer, with writes serialized so
// concurrent Send calls don't interleave frames on the wire.
type peerConn struct {
	conn   net.Conn
	writer *wire.Writer
	mu     sync.Mutex
}

// New creates a Transport that pushes decoded inbound frames onto in.
func New(in chan<- dispatcher.InboundPacket, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{in: in, logger: logger, conns: make(map[string]*peerConn)}
}

// Listen binds port and accepts connections until ctx is cancelled, reading
// frames from each into the inbound queue.
func (t *Transport) Listen(ctx context.Context, port uint16) error {
	ln, err := net.Listen("tcp", ":"+strconv.Itoa(int(port)))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", port, err)
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go t.acceptLoop(ctx, ln)
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("accept failed", "error", err)
			continue
		}
		go t.readLoop(ctx, conn)
	}
}

// ListenerAddr returns the address Listen bound to, or nil if not yet
// listening.
func (t *Transport) ListenerAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Dial establishes an outbound connection to endpoint ahead of first use
// (e.g. to reach a bootstrap seed before any inbound packet has arrived
// from it).
func (t *Transport) Dial(endpoint contact.Endpoint) error {
	_, err := t.getOrDial(endpoint)
	return err
}

func (t *Transport) getOrDial(endpoint contact.Endpoint) (*peerConn, error) {
	key := endpoint.String()

	t.mu.Lock()
	if pc, ok := t.conns[key]; ok {
		t.mu.Unlock()
		return pc, nil
	}
	t.mu.Unlock()

	conn, err := net.DialTimeout("tcp", key, DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", key, err)
	}
	pc := &peerConn{conn: conn, writer: wire.NewWriter(conn)}

	t.mu.Lock()
	if existing, ok := t.conns[key]; ok {
		t.mu.Unlock()
		_ = conn.Close()
		return existing, nil
	}
	t.conns[key] = pc
	t.mu.Unlock()

	go t.readLoop(context.Background(), conn)
	return pc, nil
}

// readLoop decodes frames from conn until it errors or closes, pushing each
// onto the inbound queue with a fresh pool-rented backing buffer.
func (t *Transport) readLoop(ctx context.Context, conn net.Conn) {
	origin := endpointOf(conn.RemoteAddr())
	// The reader must admit the largest legal frame on the connection —
	// FETCH responses carry blob chunks up to FetchMaxPayloadBytes, larger
	// than the default MaxPayloadBytes ceiling — since a frame's type isn't
	// known until after it's decoded.
	fr := wire.NewReaderMax(bufio.NewReader(conn), wire.FetchMaxPayloadBytes)
	defer func() { _ = conn.Close() }()

	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Debug("connection read ended", "peer", origin, "error", err)
			}
			return
		}

		buf := bufpool.Default.Get(len(frame.Payload))
		copy(buf, frame.Payload)

		pkt := dispatcher.InboundPacket{
			Origin:        origin,
			MessageType:   frame.Header.MessageType(),
			RequestID:     frame.Header.RequestID(),
			Payload:       buf,
			BackingBuffer: buf,
		}
		select {
		case t.in <- pkt:
		case <-ctx.Done():
			return
		}
	}
}

// Send writes framedBytes to target, dialing a fresh connection if none
// is open yet.
func (t *Transport) Send(ctx context.Context, target contact.Endpoint, framedBytes []byte) error {
	pc, err := t.getOrDial(target)
	if err != nil {
		return err
	}
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if _, err := pc.conn.Write(framedBytes); err != nil {
		t.mu.Lock()
		delete(t.conns, target.String())
		t.mu.Unlock()
		return fmt.Errorf("write to %s: %w", target, err)
	}
	return nil
}

// Run drains out, writing each message to its target via Send and releasing
// its backing buffer afterward.
func (t *Transport) Run(ctx context.Context, out <-chan dispatcher.OutboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-out:
			if !ok {
				return
			}
			if err := t.Send(ctx, msg.Target, msg.FramedBytes); err != nil {
				t.logger.Debug("outbound send failed", "target", msg.Target, "error", err)
			}
			if msg.BackingBuffer != nil {
				bufpool.Default.Put(msg.BackingBuffer)
			}
		}
	}
}

// Close closes the listener and every open peer connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		_ = t.listener.Close()
	}
	for _, pc := range t.conns {
		_ = pc.conn.Close()
	}
	return nil
}

func endpointOf(addr net.Addr) contact.Endpoint {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return contact.Endpoint{}
	}
	return contact.Endpoint{IP: tcpAddr.IP, Port: uint16(tcpAddr.Port)}
}
