package dispatcher

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/hermit-net/hermit/bufpool"
	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/ledger"
	"github.com/hermit-net/hermit/wire"
)

func testOrigin() contact.Endpoint {
	return contact.Endpoint{IP: net.ParseIP("127.0.0.1"), Port: 40321}
}

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	d := New(ledger.New(), nil)
	called := make(chan uint8, 1)
	d.Register(wire.TypeHandshake, func(ctx context.Context, pkt InboundPacket, out Sender) error {
		called <- pkt.MessageType
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.In <- InboundPacket{Origin: testOrigin(), MessageType: wire.TypeHandshake, Payload: []byte("x")}

	select {
	case mt := <-called:
		if mt != wire.TypeHandshake {
			t.Fatalf("got message type %d", mt)
		}
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestUnregisteredMessageTypeDoesNotPanic(t *testing.T) {
	d := New(ledger.New(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.In <- InboundPacket{Origin: testOrigin(), MessageType: 0xFE, Payload: nil}
	// No handler registered; Run must not panic or block. Give it a moment
	// and then confirm the dispatcher is still responsive.
	time.Sleep(10 * time.Millisecond)
	d.In <- InboundPacket{Origin: testOrigin(), MessageType: 0xFE, Payload: nil}
}

func TestResponseTypeCompletesLedgerBeforeHandler(t *testing.T) {
	l := ledger.New()
	d := New(l, nil)
	handlerCalled := false
	d.Register(wire.TypeFindNodeResponse, func(ctx context.Context, pkt InboundPacket, out Sender) error {
		handlerCalled = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	reqID := l.NextID()
	ch := l.Register(reqID, time.Second)

	d.In <- InboundPacket{Origin: testOrigin(), MessageType: wire.TypeFindNodeResponse, RequestID: reqID, Payload: []byte("response")}

	select {
	case resp := <-ch:
		if string(resp) != "response" {
			t.Fatalf("got %q", resp)
		}
	case <-time.After(time.Second):
		t.Fatal("ledger was not completed")
	}
	time.Sleep(10 * time.Millisecond)
	if handlerCalled {
		t.Fatal("expected registered handler to be bypassed for a matched response")
	}
}

func TestPacketWithPooledBackingBufferIsHandled(t *testing.T) {
	d := New(ledger.New(), nil)
	done := make(chan struct{})
	d.Register(wire.TypeHandshake, func(ctx context.Context, pkt InboundPacket, out Sender) error {
		close(done)
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	buf := bufpool.Default.Get(64)
	d.In <- InboundPacket{Origin: testOrigin(), MessageType: wire.TypeHandshake, Payload: buf, BackingBuffer: buf}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestHandlerErrorDoesNotStopDispatcher(t *testing.T) {
	d := New(ledger.New(), nil)
	calls := 0
	done := make(chan struct{}, 2)
	d.Register(wire.TypeHandshake, func(ctx context.Context, pkt InboundPacket, out Sender) error {
		calls++
		done <- struct{}{}
		return errBoom
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	d.In <- InboundPacket{Origin: testOrigin(), MessageType: wire.TypeHandshake}
	d.In <- InboundPacket{Origin: testOrigin(), MessageType: wire.TypeHandshake}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("dispatcher stopped after handler error")
		}
	}
	if calls != 2 {
		t.Fatalf("calls = %d, want 2", calls)
	}
}

var errBoom = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }
