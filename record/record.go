// Package record implements the signed, sequence-numbered mutable record of
// §4.11/§3: an owner-keyed updatable pointer (typically a manifest digest)
// published and retrieved through the DHT.
package record

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/hermit-net/hermit/cryptoutil"
	"github.com/hermit-net/hermit/wire"
)

// MaxOwners bounds the number of distinct owners the local mutable-record
// store retains at once; beyond this the least-recently-used owner's
// record is evicted to make room (§4.6 "local store", generalized with an
// explicit cap rather than growing unbounded).
const MaxOwners = 100_000

// Record is the verified, in-memory form of a mutable record.
type Record struct {
	Owner     [32]byte
	Sequence  uint64
	Value     []byte
	Signature [64]byte
}

// Sign produces a Record by signing sequence||value with identity's private
// key (§4.11).
func Sign(identity *cryptoutil.IdentityKeyPair, sequence uint64, value []byte) Record {
	var owner [32]byte
	copy(owner[:], identity.Public)
	sig := identity.Sign(wire.SignaturePayload(sequence, value))
	var sigArr [64]byte
	copy(sigArr[:], sig)
	return Record{Owner: owner, Sequence: sequence, Value: value, Signature: sigArr}
}

// Verify reports whether r's signature is valid for its declared owner.
func (r Record) Verify() bool {
	return cryptoutil.VerifySignature(r.Owner[:], wire.SignaturePayload(r.Sequence, r.Value), r.Signature[:])
}

// Encode serializes r to the wire layout of §4.1.
func (r Record) Encode() ([]byte, error) {
	return wire.EncodeRecord(wire.EncodedRecord{
		Owner:     r.Owner,
		Sequence:  r.Sequence,
		Signature: r.Signature,
		Value:     r.Value,
	})
}

// Decode parses the wire layout into a Record without verifying it — callers
// must call Verify before trusting the result.
func Decode(b []byte) (Record, error) {
	er, err := wire.DecodeRecord(b)
	if err != nil {
		return Record{}, fmt.Errorf("decode record: %w", err)
	}
	return Record{Owner: er.Owner, Sequence: er.Sequence, Value: er.Value, Signature: er.Signature}, nil
}

// Store is the local mutable-record store of §4.6: keyed by the owner's
// public key, it retains only the highest-sequence valid record per owner,
// bounded to MaxOwners via LRU eviction of the least-recently-touched
// owner.
type Store struct {
	mu      sync.Mutex
	records *lru.Cache[[32]byte, Record]
}

// NewStore creates an empty mutable-record store.
func NewStore() *Store {
	c, err := lru.New[[32]byte, Record](MaxOwners)
	if err != nil {
		// Only returned for a non-positive size, which MaxOwners never is.
		panic(err)
	}
	return &Store{records: c}
}

// Put validates r (signature + sequence monotonicity) and, if valid and
// newer than any record already held for r.Owner, installs it. Invalid or
// stale records are dropped silently, reporting false (§4.6 "On failure,
// drop silently").
func (s *Store) Put(r Record) bool {
	if !r.Verify() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.records.Get(r.Owner)
	if ok && r.Sequence <= existing.Sequence {
		return false
	}
	s.records.Add(r.Owner, r)
	return true
}

// Get returns the highest-sequence record held for owner, if any.
func (s *Store) Get(owner [32]byte) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Get(owner)
}

// RotatingLookupKey derives a time-rotating pseudonymous DHT lookup key for
// owner, valid for one cryptoutil.DefaultBlindPeriodMinutes window around
// now. A record's wire identity and signature always use the real owner
// key; this is an alternate GET_VALUE target a publisher may advertise
// out-of-band so repeated lookups for the same long-term owner need not
// always target the same DHT key.
func RotatingLookupKey(owner [32]byte, now time.Time) ([32]byte, error) {
	period := cryptoutil.TimePeriod(now, cryptoutil.DefaultBlindPeriodMinutes)
	return cryptoutil.BlindPublicKey(owner, period, cryptoutil.DefaultBlindPeriodMinutes)
}
