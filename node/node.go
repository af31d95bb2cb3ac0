// Package node wires every component into one running instance: it builds
// the dispatcher, registers every packet handler, starts the transport's
// listen and outbound-drain loops, and exposes the handshake/onion-send
// operations a caller needs to participate in the network (§5).
package node

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hermit-net/hermit/blobstore"
	"github.com/hermit-net/hermit/config"
	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/cryptoutil"
	"github.com/hermit-net/hermit/dht"
	"github.com/hermit-net/hermit/dispatcher"
	"github.com/hermit-net/hermit/fileio"
	"github.com/hermit-net/hermit/handshake"
	"github.com/hermit-net/hermit/identity"
	"github.com/hermit-net/hermit/ledger"
	"github.com/hermit-net/hermit/onionbuild"
	"github.com/hermit-net/hermit/onionrelay"
	"github.com/hermit-net/hermit/pathselect"
	"github.com/hermit-net/hermit/peertable"
	"github.com/hermit-net/hermit/record"
	"github.com/hermit-net/hermit/routingtable"
	"github.com/hermit-net/hermit/transport"
	"github.com/hermit-net/hermit/wire"
)

// Node bundles every subsystem of a running instance and the goroutines
// that drive them.
type Node struct {
	Config   config.Config
	Identity *identity.Identity
	Logger   *slog.Logger

	Peers   *peertable.Table
	Routing *routingtable.Table
	Blobs   *blobstore.Store
	Records *record.Store

	Dispatcher *dispatcher.Dispatcher
	DHT        *dht.Service
	Files      *fileio.Service
	Transport  *transport.Transport
}

// Deliver is invoked with a fully-peeled terminal onion message addressed to
// this node. Wiring an application-level consumer is the caller's concern —
// Node only guarantees the message reaches it (§1 "out of scope").
type Deliver = onionrelay.Deliver

// New constructs a Node: loads or creates the identity, opens the blob
// store, and wires every handler into a fresh dispatcher. The returned Node
// has not started listening yet — call Run.
func New(cfg config.Config, logger *slog.Logger, deliver Deliver) (*Node, error) {
	if logger == nil {
		logger = slog.Default()
	}

	id, err := identity.LoadOrCreate(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	blobs, err := blobstore.New(cfg.DataDir, id.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("open blob store: %w", err)
	}

	peers := peertable.New()
	routing := routingtable.New(id.NodeID)
	records := record.NewStore()

	l := ledger.New()
	disp := dispatcher.New(l, logger)

	dhtSvc := dht.New(id.NodeID, routing, peers, blobs, records, logger)
	files := fileio.New(blobs, dhtSvc, logger)

	hs := handshake.New(peers, logger)
	onion := onionrelay.New(id.OnionKey, deliver, logger)

	disp.Register(wire.TypeHandshake, hs.Handle)
	disp.Register(wire.TypeOnionLayer, onion.Handle)
	disp.Register(wire.TypeFindNodeRequest, dhtSvc.HandleFindNode)
	disp.Register(wire.TypeStoreRequest, dhtSvc.HandleStore)
	disp.Register(wire.TypeFetchRequest, dhtSvc.HandleFetch)
	disp.Register(wire.TypePutValue, dhtSvc.HandlePutValue)
	disp.Register(wire.TypeGetValueRequest, dhtSvc.HandleGetValue)
	disp.Register(wire.TypeAddProvider, dhtSvc.HandleAddProvider)
	disp.Register(wire.TypeGetProvidersRequest, dhtSvc.HandleGetProviders)

	tr := transport.New(disp.In, logger)

	n := &Node{
		Config:     cfg,
		Identity:   id,
		Logger:     logger,
		Peers:      peers,
		Routing:    routing,
		Blobs:      blobs,
		Records:    records,
		Dispatcher: disp,
		DHT:        dhtSvc,
		Files:      files,
		Transport:  tr,
	}
	return n, nil
}

// Run starts listening on cfg.Port and drives the dispatcher's inbound loop
// and the transport's outbound drain loop until ctx is cancelled.
func (n *Node) Run(ctx context.Context) error {
	if err := n.Transport.Listen(ctx, n.Config.Port); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	go n.Dispatcher.Run(ctx)
	go n.Transport.Run(ctx, n.Dispatcher.Out)
	return nil
}

// Sender returns the dispatcher.Sender handlers and client-side operations
// (DHT lookups, onion sends) address outbound messages through.
func (n *Node) Sender() dispatcher.Sender {
	return n.Dispatcher.Sender()
}

// Handshake sends a signed handshake to target, authenticating this node to
// it (§4.3 "Outgoing handshake").
func (n *Node) Handshake(ctx context.Context, target contact.Endpoint) error {
	var onionPub [32]byte
	copy(onionPub[:], n.Identity.OnionKey.Public)
	payload := handshake.Build(n.Identity.Identity, onionPub, time.Now())
	framed := wire.Encode(wire.TypeHandshake, 0, payload)
	return n.Transport.Send(ctx, target, framed)
}

// SendOnion builds a layered onion packet addressed through hops and sends
// its outermost layer to the first hop (§4.5 "Client-side onion
// construction").
func (n *Node) SendOnion(ctx context.Context, message []byte, hops []onionbuild.Hop) error {
	if len(hops) == 0 {
		return fmt.Errorf("send onion: no hops given")
	}
	ephemeral, err := onionEphemeral()
	if err != nil {
		return err
	}
	layered, err := onionbuild.Build(message, hops, ephemeral)
	if err != nil {
		return fmt.Errorf("build onion: %w", err)
	}
	var ephemeralPub [32]byte
	copy(ephemeralPub[:], ephemeral.Public)
	payload := onionbuild.Framed(layered, ephemeralPub)
	framed := wire.Encode(wire.TypeOnionLayer, 0, payload)
	firstHop := contact.Endpoint{IP: hops[0].IP, Port: hops[0].Port}
	return n.Transport.Send(ctx, firstHop, framed)
}

// SelectHops picks hopCount onion hops from this node's authenticated peers,
// weighted by reputation and constrained to distinct /16 subnets, for
// callers of SendOnion that don't want to assemble a hop list themselves.
func (n *Node) SelectHops(hopCount int) ([]onionbuild.Hop, error) {
	return pathselect.SelectHops(n.Peers.ListAuthenticated(), hopCount)
}

// SendOnionAuto selects hopCount hops via SelectHops and sends message
// through them with SendOnion.
func (n *Node) SendOnionAuto(ctx context.Context, message []byte, hopCount int) error {
	hops, err := n.SelectHops(hopCount)
	if err != nil {
		return fmt.Errorf("send onion auto: %w", err)
	}
	return n.SendOnion(ctx, message, hops)
}

// Bootstrap joins the network via a known seed peer: handshakes with it,
// then runs a DHT bootstrap lookup to populate the routing table (§4.6
// "Bootstrap").
func (n *Node) Bootstrap(ctx context.Context, seed contact.Endpoint, seedNodeID contact.ID) error {
	if err := n.Handshake(ctx, seed); err != nil {
		return fmt.Errorf("bootstrap handshake: %w", err)
	}
	seedContact := contact.Contact{ID: seedNodeID, Endpoint: seed, LastSeen: time.Now()}
	return n.DHT.Bootstrap(ctx, seedContact, n.Sender())
}

// Close shuts down the transport's sockets.
func (n *Node) Close() error {
	return n.Transport.Close()
}

func onionEphemeral() (*cryptoutil.X25519KeyPair, error) {
	kp, err := cryptoutil.GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate onion ephemeral key: %w", err)
	}
	return kp, nil
}
