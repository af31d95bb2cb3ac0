// Package routingtable implements the Kademlia-style routing table of §3/§4.7:
// 256 k-buckets indexed by the highest differing bit between a contact's ID
// and this node's own ID, each holding up to k contacts in least-recently-seen
// order.
package routingtable

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/hermit-net/hermit/contact"
)

// BucketSize is k, the maximum number of contacts held per bucket (§3).
const BucketSize = 20

// NumBuckets is one per possible bit position in a 256-bit ID.
const NumBuckets = contact.IDLen * 8

// bucket holds its contacts in least-recently-seen-first order: Front is
// stalest, Back is freshest, mirroring the teacher's doubly-linked-list
// discipline for ordered eviction candidates.
type bucket struct {
	mu sync.Mutex
	l  *list.List // elements are contact.Contact
}

func newBucket() *bucket {
	return &bucket{l: list.New()}
}

// Table is the full set of k-buckets for a single local node ID.
type Table struct {
	self    contact.ID
	buckets [NumBuckets]*bucket

	// PingHead, if set, is consulted by AddContact when a bucket is full:
	// it is given the stalest (front) contact and reports whether that
	// contact is still alive. A live head keeps its slot and the new
	// contact is discarded, matching the MVP eviction policy (§9 open
	// question 3); a dead head is evicted and the new contact takes its
	// place. Left nil, AddContact always discards the new contact on a
	// full bucket — the documented MVP behavior.
	PingHead func(contact.Contact) bool
}

// New creates a routing table for the given local node ID.
func New(self contact.ID) *Table {
	t := &Table{self: self}
	for i := range t.buckets {
		t.buckets[i] = newBucket()
	}
	return t
}

func (t *Table) bucketIndex(id contact.ID) int {
	return t.self.Distance(id).HighestDifferingBit()
}

// AddContact inserts or refreshes c in its bucket. If the bucket is full and
// c is not already present, PingHead decides: with PingHead nil, or when it
// reports the stalest contact alive, c is discarded (the MVP eviction policy
// of §9 open question 3); when it reports that contact dead, the stalest
// contact is evicted and c is appended.
func (t *Table) AddContact(c contact.Contact) {
	idx := t.bucketIndex(c.ID)
	if idx < 0 {
		return // c.ID equals self; never added
	}
	b := t.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()

	for e := b.l.Front(); e != nil; e = e.Next() {
		existing := e.Value.(contact.Contact)
		if existing.ID.Equal(c.ID) {
			b.l.MoveToBack(e)
			e.Value = c
			return
		}
	}
	if b.l.Len() >= BucketSize {
		if t.PingHead == nil {
			return
		}
		head := b.l.Front()
		if t.PingHead(head.Value.(contact.Contact)) {
			return // head still alive, new contact discarded
		}
		b.l.Remove(head)
	}
	b.l.PushBack(c)
}

// Remove drops id from the routing table, if present.
func (t *Table) Remove(id contact.ID) {
	idx := t.bucketIndex(id)
	if idx < 0 {
		return
	}
	b := t.buckets[idx]
	b.mu.Lock()
	defer b.mu.Unlock()
	for e := b.l.Front(); e != nil; e = e.Next() {
		if e.Value.(contact.Contact).ID.Equal(id) {
			b.l.Remove(e)
			return
		}
	}
}

// FindClosest enumerates all known contacts across every bucket, sorts by
// XOR distance to target ascending, and returns the first n (§4.7).
func (t *Table) FindClosest(target contact.ID, n int) []contact.Contact {
	var candidates []contact.Contact
	for _, b := range t.buckets {
		b.mu.Lock()
		for e := b.l.Front(); e != nil; e = e.Next() {
			candidates = append(candidates, e.Value.(contact.Contact))
		}
		b.mu.Unlock()
	}

	sort.Slice(candidates, func(i, j int) bool {
		return target.Distance(candidates[i].ID).Less(target.Distance(candidates[j].ID))
	})
	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates
}

// Prune drops every contact last seen more than maxAge ago. It never
// evicts a contact younger than maxAge regardless of bucket occupancy, so
// it only tightens staleness and never alters the bucket-full eviction
// behavior AddContact implements.
func (t *Table) Prune(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, b := range t.buckets {
		b.mu.Lock()
		for e := b.l.Front(); e != nil; {
			next := e.Next()
			if e.Value.(contact.Contact).LastSeen.Before(cutoff) {
				b.l.Remove(e)
				removed++
			}
			e = next
		}
		b.mu.Unlock()
	}
	return removed
}

// Count returns the total number of contacts held across all buckets.
func (t *Table) Count() int {
	total := 0
	for _, b := range t.buckets {
		b.mu.Lock()
		total += b.l.Len()
		b.mu.Unlock()
	}
	return total
}
