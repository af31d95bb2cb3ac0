package dht

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hermit-net/hermit/contact"
	"github.com/hermit-net/hermit/cryptoutil"
	"github.com/hermit-net/hermit/dispatcher"
	"github.com/hermit-net/hermit/record"
	"github.com/hermit-net/hermit/wire"
)

// GetValueTimeout bounds each sequential GET_VALUE request during record
// retrieval.
const GetValueTimeout = 5 * time.Second

// BootstrapMaxRetries bounds the seed-contact retry loop in Bootstrap.
const BootstrapMaxRetries = 5

// PutRecord publishes r to the DHT: looks up the nodes closest to
// SHA-256(r.Owner) and fire-and-forgets a PUT_VALUE to the closest
// ReplicationPut of them (§4.6).
func (s *Service) PutRecord(ctx context.Context, r record.Record, out dispatcher.Sender) error {
	target := contact.ID(cryptoutil.SHA256(r.Owner[:]))
	closest := s.IterativeLookup(ctx, target, out)
	if len(closest) > ReplicationPut {
		closest = closest[:ReplicationPut]
	}

	payload, err := r.Encode()
	if err != nil {
		return err
	}
	framed := wire.Encode(wire.TypePutValue, 0, payload)
	for _, c := range closest {
		if err := out.Send(ctx, dispatcher.OutboundMessage{Target: c.Endpoint, FramedBytes: framed}); err != nil {
			s.logger.Debug("put_value send failed", "peer", c.Endpoint, "error", err)
		}
	}
	return nil
}

// GetRecord retrieves the record published under owner: looks up the nodes
// closest to SHA-256(owner), issues GET_VALUE to each sequentially, and
// returns the highest-sequence validly-signed record observed (§4.6).
func (s *Service) GetRecord(ctx context.Context, owner [32]byte, out dispatcher.Sender) (record.Record, bool) {
	target := contact.ID(cryptoutil.SHA256(owner[:]))
	closest := s.IterativeLookup(ctx, target, out)

	var best record.Record
	found := false
	for _, c := range closest {
		r, ok := s.getValueRemote(ctx, c, owner, out)
		if !ok || !r.Verify() {
			continue
		}
		if !found || r.Sequence > best.Sequence {
			best = r
			found = true
		}
	}
	return best, found
}

func (s *Service) getValueRemote(ctx context.Context, hop contact.Contact, owner [32]byte, out dispatcher.Sender) (record.Record, bool) {
	reqID := out.NextRequestID()
	ch, err := out.AwaitResponse(reqID, int(GetValueTimeout.Milliseconds()))
	if err != nil {
		return record.Record{}, false
	}
	framed := wire.Encode(wire.TypeGetValueRequest, reqID, owner[:])
	if err := out.Send(ctx, dispatcher.OutboundMessage{Target: hop.Endpoint, FramedBytes: framed}); err != nil {
		return record.Record{}, false
	}

	select {
	case resp, ok := <-ch:
		if !ok || len(resp) == 0 {
			return record.Record{}, false
		}
		r, err := record.Decode(resp)
		if err != nil {
			return record.Record{}, false
		}
		return r, true
	case <-ctx.Done():
		return record.Record{}, false
	}
}

// StoreRemote fire-and-forgets a STORE of plaintext to hop, with no response
// ledger slot reserved (§4.10 "fire-and-forget" chunk/manifest propagation).
func (s *Service) StoreRemote(ctx context.Context, hop contact.Contact, plaintext []byte, out dispatcher.Sender) error {
	framed := wire.Encode(wire.TypeStoreRequest, 0, plaintext)
	return out.Send(ctx, dispatcher.OutboundMessage{Target: hop.Endpoint, FramedBytes: framed})
}

// FetchTimeout bounds each sequential FETCH request during chunk retrieval.
const FetchTimeout = 5 * time.Second

// FetchRemote issues one FETCH request to hop for digest and awaits its
// response. Returns false on timeout, transport error, or FETCH_NOT_FOUND.
func (s *Service) FetchRemote(ctx context.Context, hop contact.Contact, digest cryptoutil.Digest32, out dispatcher.Sender) ([]byte, bool) {
	reqID := out.NextRequestID()
	ch, err := out.AwaitResponse(reqID, int(FetchTimeout.Milliseconds()))
	if err != nil {
		return nil, false
	}
	framed := wire.Encode(wire.TypeFetchRequest, reqID, digest[:])
	if err := out.Send(ctx, dispatcher.OutboundMessage{Target: hop.Endpoint, FramedBytes: framed}); err != nil {
		return nil, false
	}

	select {
	case resp, ok := <-ch:
		if !ok || len(resp) == 0 {
			return nil, false
		}
		return resp, true
	case <-ctx.Done():
		return nil, false
	}
}

// Bootstrap populates the routing table by looking up the local node ID,
// starting from an externally-injected seed contact (§4.6 "Bootstrap").
// Seeding the routing table itself is retried with backoff since the seed
// peer may not have completed its handshake yet.
func (s *Service) Bootstrap(ctx context.Context, seed contact.Contact, out dispatcher.Sender) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), BootstrapMaxRetries), ctx)
	err := backoff.Retry(func() error {
		contacts, err := s.findNodeRemote(ctx, seed, s.self, out)
		if err != nil {
			return err
		}
		for _, c := range contacts {
			if !c.ID.Equal(s.self) {
				s.routing.AddContact(c)
			}
		}
		return nil
	}, b)
	if err != nil {
		return err
	}

	s.routing.AddContact(seed)
	s.IterativeLookup(ctx, s.self, out)
	return nil
}
