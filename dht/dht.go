// Package dht implements the distributed hash table service of §4.6:
// server-side FIND_NODE/STORE/FETCH/PUT_VALUE/GET_VALUE handlers, the
// client-side iterative parallel lookup, and bootstrap.
package dht

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/cryptoutil"
	"github.com/hermit-net/hermit/dispatcher"
	"github.com/hermit-net/hermit/hermiterr"
	"github.com/hermit-net/hermit/peertable"
	"github.com/hermit-net/hermit/record"
	"github.com/hermit-net/hermit/routingtable"
	"github.com/hermit-net/hermit/wire"
)

// Tuning constants from §6's recognized options.
const (
	Alpha              = 3
	ReplicationPut     = 5
	FindNodeTimeout    = 5 * time.Second
	FetchMaxPayloadLen = wire.FetchMaxPayloadBytes

	visitedSetCapacity = 4096 // bounds iterative-lookup memory on pathological responses

	// ProviderTTL bounds how long a provider announcement is trusted before
	// it is treated as stale, matching the pack's dep2p DHT doc default.
	ProviderTTL = 24 * time.Hour
)

// Service bundles the routing table, peer table, blob store, and mutable
// record store the DHT handlers consult and mutate (§5 "Ownership in
// design terms").
type Service struct {
	self      contact.ID
	routing   *routingtable.Table
	peers     *peertable.Table
	blobs     BlobStore
	records   *record.Store
	providers *providerStore
	logger    *slog.Logger
}

// BlobStore is the narrow subset of blobstore.Store the DHT's STORE/FETCH
// handlers need.
type BlobStore interface {
	StoreAsync(plaintext []byte) (cryptoutil.Digest32, error)
	RetrieveBytesAsync(digest cryptoutil.Digest32) ([]byte, bool)
	GetBlobSize(digest cryptoutil.Digest32) int64
}

// New creates a DHT Service rooted at the local node ID self.
func New(self contact.ID, routing *routingtable.Table, peers *peertable.Table, blobs BlobStore, records *record.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{self: self, routing: routing, peers: peers, blobs: blobs, records: records, providers: newProviderStore(), logger: logger}
}

// originNodeID derives the node ID the routing table indexes an authenticated
// peer under: SHA-256 of its onion key (§4.6 "identity derived as SHA-256 of
// its onion key").
func originNodeID(onionKey [32]byte) contact.ID {
	return contact.ID(cryptoutil.SHA256(onionKey[:]))
}

// HandleFindNode serves an inbound FIND_NODE request (0x03): it learns the
// origin as a routing-table contact if authenticated, then replies with up
// to k contacts closest to the requested target.
func (s *Service) HandleFindNode(ctx context.Context, pkt dispatcher.InboundPacket, out dispatcher.Sender) error {
	target, err := wire.DecodeFindNodeRequest(pkt.Payload)
	if err != nil {
		return err
	}

	if peer, ok := s.peers.Get(pkt.Origin); ok && peer.HasKeys {
		s.routing.AddContact(contact.Contact{
			ID:       originNodeID(peer.OnionKey),
			Endpoint: pkt.Origin,
			LastSeen: time.Now(),
		})
	}

	closest := s.routing.FindClosest(target, routingtable.BucketSize)
	payload, err := wire.EncodeFindNodeResponse(closest)
	if err != nil {
		return fmt.Errorf("encode find_node response: %w", err)
	}
	framed := wire.Encode(wire.TypeFindNodeResponse, pkt.RequestID, payload)
	return out.Send(ctx, dispatcher.OutboundMessage{Target: pkt.Origin, FramedBytes: framed})
}

// HandleStore serves an inbound STORE request (0x05): persist the payload as
// a blob and reply with its digest.
func (s *Service) HandleStore(ctx context.Context, pkt dispatcher.InboundPacket, out dispatcher.Sender) error {
	digest, err := s.blobs.StoreAsync(pkt.Payload)
	if err != nil {
		return fmt.Errorf("store blob: %w", err)
	}
	framed := wire.Encode(wire.TypeStoreResponse, pkt.RequestID, digest[:])
	return out.Send(ctx, dispatcher.OutboundMessage{Target: pkt.Origin, FramedBytes: framed})
}

// HandleFetch serves an inbound FETCH request (0x07): the payload is a
// 32-byte digest. Absence replies FETCH_NOT_FOUND (§9 open question
// resolution); oversized blobs are refused rather than flooding the wire.
func (s *Service) HandleFetch(ctx context.Context, pkt dispatcher.InboundPacket, out dispatcher.Sender) error {
	digest, err := cryptoutil.DigestFromBytes(pkt.Payload)
	if err != nil {
		return err
	}
	size := s.blobs.GetBlobSize(digest)
	if size < 0 {
		framed := wire.Encode(wire.TypeFetchNotFound, pkt.RequestID, nil)
		return out.Send(ctx, dispatcher.OutboundMessage{Target: pkt.Origin, FramedBytes: framed})
	}
	if size > FetchMaxPayloadLen {
		return hermiterr.ErrBlobTooLarge
	}
	plaintext, ok := s.blobs.RetrieveBytesAsync(digest)
	if !ok {
		framed := wire.Encode(wire.TypeFetchNotFound, pkt.RequestID, nil)
		return out.Send(ctx, dispatcher.OutboundMessage{Target: pkt.Origin, FramedBytes: framed})
	}
	framed := wire.Encode(wire.TypeFetchResponse, pkt.RequestID, plaintext)
	return out.Send(ctx, dispatcher.OutboundMessage{Target: pkt.Origin, FramedBytes: framed})
}

// HandlePutValue serves an inbound PUT_VALUE (0x10): verify and, if newer,
// install the record. Fire-and-forget — no reply (§4.6).
func (s *Service) HandlePutValue(ctx context.Context, pkt dispatcher.InboundPacket, out dispatcher.Sender) error {
	r, err := record.Decode(pkt.Payload)
	if err != nil {
		return err
	}
	s.records.Put(r) // invalid or stale records are dropped silently
	return nil
}

// HandleGetValue serves an inbound GET_VALUE request (0x11): payload is the
// 32-byte owner public key. Replies with the encoded record, or an empty
// payload if this node holds none for that owner.
func (s *Service) HandleGetValue(ctx context.Context, pkt dispatcher.InboundPacket, out dispatcher.Sender) error {
	if len(pkt.Payload) != 32 {
		return fmt.Errorf("%w: GET_VALUE request must be 32 bytes, got %d", hermiterr.ErrMalformedFrame, len(pkt.Payload))
	}
	var owner [32]byte
	copy(owner[:], pkt.Payload)

	r, ok := s.records.Get(owner)
	var payload []byte
	if ok {
		encoded, err := r.Encode()
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
		payload = encoded
	}
	framed := wire.Encode(wire.TypeGetValueResponse, pkt.RequestID, payload)
	return out.Send(ctx, dispatcher.OutboundMessage{Target: pkt.Origin, FramedBytes: framed})
}

// providerStore is the local bounded-TTL table of "node X has blob digest D"
// announcements (§4.6 supplement), kept distinct from record.Store's
// owner-keyed mutable records: a provider entry has no signature, no
// sequence number, and expires outright rather than being superseded.
type providerStore struct {
	mu    sync.Mutex
	byKey map[cryptoutil.Digest32]map[string]providerEntry
}

type providerEntry struct {
	contact.Contact
	expiresAt time.Time
}

func newProviderStore() *providerStore {
	return &providerStore{byKey: make(map[cryptoutil.Digest32]map[string]providerEntry)}
}

func (p *providerStore) add(digest cryptoutil.Digest32, c contact.Contact, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.byKey[digest]
	if !ok {
		set = make(map[string]providerEntry)
		p.byKey[digest] = set
	}
	set[c.Endpoint.String()] = providerEntry{Contact: c, expiresAt: now.Add(ProviderTTL)}
}

func (p *providerStore) get(digest cryptoutil.Digest32, now time.Time) []contact.Contact {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.byKey[digest]
	if !ok {
		return nil
	}
	var out []contact.Contact
	for k, e := range set {
		if now.After(e.expiresAt) {
			delete(set, k)
			continue
		}
		out = append(out, e.Contact)
	}
	if len(set) == 0 {
		delete(p.byKey, digest)
	}
	return out
}

// HandleAddProvider serves an inbound ADD_PROVIDER (0x13): record the
// origin peer as a provider of the announced digest. Fire-and-forget, no
// reply, mirroring PUT_VALUE.
func (s *Service) HandleAddProvider(ctx context.Context, pkt dispatcher.InboundPacket, out dispatcher.Sender) error {
	digest, err := wire.DecodeAddProvider(pkt.Payload)
	if err != nil {
		return err
	}
	onionKey, ok := s.peers.TryGetPeerKey(pkt.Origin)
	if !ok {
		return nil // only authenticated peers are recorded as providers
	}
	s.providers.add(digest, contact.Contact{ID: originNodeID(onionKey), Endpoint: pkt.Origin}, time.Now())
	return nil
}

// HandleGetProviders serves an inbound GET_PROVIDERS request (0x14):
// replies with every non-expired provider contact known locally for the
// requested digest.
func (s *Service) HandleGetProviders(ctx context.Context, pkt dispatcher.InboundPacket, out dispatcher.Sender) error {
	digest, err := wire.DecodeGetProvidersRequest(pkt.Payload)
	if err != nil {
		return err
	}
	providers := s.providers.get(digest, time.Now())
	payload, err := wire.EncodeGetProvidersResponse(providers)
	if err != nil {
		return fmt.Errorf("encode get_providers response: %w", err)
	}
	framed := wire.Encode(wire.TypeGetProvidersResponse, pkt.RequestID, payload)
	return out.Send(ctx, dispatcher.OutboundMessage{Target: pkt.Origin, FramedBytes: framed})
}

// Provide announces to the ReplicationPut closest nodes to digest (treated
// as a DHT target ID, as PutRecord does with its key) that this node holds
// it (§4.6 supplement).
func (s *Service) Provide(ctx context.Context, digest cryptoutil.Digest32, out dispatcher.Sender) {
	target := contact.ID(digest)
	closest := s.IterativeLookup(ctx, target, out)
	if len(closest) > ReplicationPut {
		closest = closest[:ReplicationPut]
	}
	s.AnnounceProviderTo(ctx, closest, digest, out)
}

// AnnounceProviderTo fire-and-forgets an ADD_PROVIDER announcement for
// digest to each given hop, without running its own lookup — for callers
// (the file propagator) that already hold a closest-contacts list from a
// prior lookup for the same target.
func (s *Service) AnnounceProviderTo(ctx context.Context, hops []contact.Contact, digest cryptoutil.Digest32, out dispatcher.Sender) {
	payload := wire.EncodeAddProvider(digest)
	for _, hop := range hops {
		framed := wire.Encode(wire.TypeAddProvider, 0, payload)
		if err := out.Send(ctx, dispatcher.OutboundMessage{Target: hop.Endpoint, FramedBytes: framed}); err != nil {
			s.logger.Debug("add_provider send failed", "peer", hop.Endpoint, "error", err)
		}
	}
}

// getProvidersRemote issues one GET_PROVIDERS request to hop and awaits its
// response, bounded by FindNodeTimeout.
func (s *Service) getProvidersRemote(ctx context.Context, hop contact.Contact, digest cryptoutil.Digest32, out dispatcher.Sender) ([]contact.Contact, error) {
	reqID := out.NextRequestID()
	ch, err := out.AwaitResponse(reqID, int(FindNodeTimeout.Milliseconds()))
	if err != nil {
		return nil, err
	}
	payload := wire.EncodeGetProvidersRequest(digest)
	framed := wire.Encode(wire.TypeGetProvidersRequest, reqID, payload)
	if err := out.Send(ctx, dispatcher.OutboundMessage{Target: hop.Endpoint, FramedBytes: framed}); err != nil {
		return nil, err
	}
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, hermiterr.ErrRequestTimeout
		}
		return wire.DecodeGetProvidersResponse(resp)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// FindProviders layers a provider-set query on top of the same iterative
// lookup used for FIND_NODE (§4.6 supplement): it walks toward digest as a
// DHT target, then queries each node in the lookup's closest result for its
// locally known provider records for digest, and returns the union of every
// provider contact it collects.
func (s *Service) FindProviders(ctx context.Context, digest cryptoutil.Digest32, out dispatcher.Sender) []contact.Contact {
	target := contact.ID(digest)
	closest := s.IterativeLookup(ctx, target, out)

	seen := make(map[string]bool)
	var providers []contact.Contact
	for _, hop := range closest {
		found, err := s.getProvidersRemote(ctx, hop, digest, out)
		if err != nil {
			s.logger.Debug("get_providers lookup request failed", "peer", hop.Endpoint, "error", err)
			continue
		}
		for _, p := range found {
			key := p.Endpoint.String()
			if seen[key] {
				continue
			}
			seen[key] = true
			providers = append(providers, p)
		}
	}
	return providers
}

// findNodeRemote issues one FIND_NODE request to hop and awaits its
// response, bounded by FindNodeTimeout (§4.6 "5-second per-request
// timeout").
func (s *Service) findNodeRemote(ctx context.Context, hop contact.Contact, target contact.ID, out dispatcher.Sender) ([]contact.Contact, error) {
	reqID := out.NextRequestID()
	ch, err := out.AwaitResponse(reqID, int(FindNodeTimeout.Milliseconds()))
	if err != nil {
		return nil, err
	}
	payload := wire.EncodeFindNodeRequest(target)
	framed := wire.Encode(wire.TypeFindNodeRequest, reqID, payload)
	if err := out.Send(ctx, dispatcher.OutboundMessage{Target: hop.Endpoint, FramedBytes: framed}); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, hermiterr.ErrRequestTimeout
		}
		return wire.DecodeFindNodeResponse(resp)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shortlistEntry pairs a contact with its XOR distance to the lookup target
// for cheap re-sorting as new contacts arrive.
type shortlistEntry struct {
	contact.Contact
	distance contact.Distance
}

// IterativeLookup implements §4.6's iterative parallel Kademlia lookup: seed
// from the local routing table, then repeatedly query the alpha closest
// unvisited contacts until an iteration adds nothing new.
func (s *Service) IterativeLookup(ctx context.Context, target contact.ID, out dispatcher.Sender) []contact.Contact {
	visited, _ := lru.New[string, bool](visitedSetCapacity)

	shortlist := s.newShortlist(target, s.routing.FindClosest(target, routingtable.BucketSize))

	for {
		candidates := pickUnvisited(shortlist, visited, Alpha)
		if len(candidates) == 0 {
			break
		}
		for _, c := range candidates {
			visited.Add(c.ID.String(), true)
		}

		results := s.queryParallel(ctx, candidates, target, out)

		added := false
		for _, contacts := range results {
			for _, c := range contacts {
				if c.ID.Equal(s.self) {
					continue
				}
				if mergeIntoShortlist(&shortlist, target, c) {
					added = true
				}
			}
		}
		if !added {
			break
		}
	}

	out2 := make([]contact.Contact, 0, len(shortlist))
	for _, e := range shortlist {
		out2 = append(out2, e.Contact)
	}
	return out2
}

func (s *Service) newShortlist(target contact.ID, initial []contact.Contact) []shortlistEntry {
	shortlist := make([]shortlistEntry, 0, len(initial))
	for _, c := range initial {
		shortlist = append(shortlist, shortlistEntry{Contact: c, distance: target.Distance(c.ID)})
	}
	return shortlist
}

func pickUnvisited(shortlist []shortlistEntry, visited *lru.Cache[string, bool], n int) []contact.Contact {
	var out []contact.Contact
	for _, e := range shortlist {
		if visited.Contains(e.ID.String()) {
			continue
		}
		out = append(out, e.Contact)
		if len(out) == n {
			break
		}
	}
	return out
}

func (s *Service) queryParallel(ctx context.Context, candidates []contact.Contact, target contact.ID, out dispatcher.Sender) [][]contact.Contact {
	results := make([][]contact.Contact, len(candidates))
	var wg sync.WaitGroup
	for i, c := range candidates {
		wg.Add(1)
		go func(i int, c contact.Contact) {
			defer wg.Done()
			contacts, err := s.findNodeRemote(ctx, c, target, out)
			if err != nil {
				s.logger.Debug("find_node lookup request failed", "peer", c.Endpoint, "error", err)
				return
			}
			results[i] = contacts
		}(i, c)
	}
	wg.Wait()
	return results
}

// mergeIntoShortlist inserts c into shortlist (sorted ascending by distance
// to target) if not already present, truncates to k entries, and reports
// whether c was newly added.
func mergeIntoShortlist(shortlist *[]shortlistEntry, target contact.ID, c contact.Contact) bool {
	for _, e := range *shortlist {
		if e.ID.Equal(c.ID) {
			return false
		}
	}
	entry := shortlistEntry{Contact: c, distance: target.Distance(c.ID)}
	list := append(*shortlist, entry)
	for i := len(list) - 1; i > 0 && list[i].distance.Less(list[i-1].distance); i-- {
		list[i], list[i-1] = list[i-1], list[i]
	}
	if len(list) > routingtable.BucketSize {
		list = list[:routingtable.BucketSize]
	}
	*shortlist = list
	return true
}
