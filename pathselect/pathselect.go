// Package pathselect picks the relay hops for an onion-routed message: a
// reputation-weighted, subnet-diverse sample of the authenticated peers in
// §3's peer table, for callers of onionbuild.Build (§4.5) that would rather
// not hand-pick hops themselves.
package pathselect

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"

	"github.com/hermit-net/hermit/onionbuild"
	"github.com/hermit-net/hermit/peertable"
)

// minReputation excludes peers that have been penalized below half the
// starting reputation (50) from selection; a peer must re-earn trust before acting as a
// relay hop again.
const minReputation = 25

// SelectHops picks hopCount hops from candidates, weighted by reputation and
// constrained so no two selected hops share a /16 subnet. It returns an
// error if fewer than hopCount eligible, subnet-diverse candidates exist.
func SelectHops(candidates []peertable.AuthenticatedPeer, hopCount int) ([]onionbuild.Hop, error) {
	if hopCount <= 0 {
		return nil, fmt.Errorf("hop count must be positive")
	}

	pool := make([]peertable.AuthenticatedPeer, 0, len(candidates))
	for _, c := range candidates {
		if c.Reputation >= minReputation {
			pool = append(pool, c)
		}
	}

	usedSubnets := make(map[string]bool)
	hops := make([]onionbuild.Hop, 0, hopCount)
	for len(hops) < hopCount {
		var remaining []peertable.AuthenticatedPeer
		var weights []int64
		for _, c := range pool {
			if usedSubnets[subnet16(c.Endpoint.IP.String())] {
				continue
			}
			remaining = append(remaining, c)
			weights = append(weights, int64(c.Reputation)+1)
		}
		if len(remaining) == 0 {
			return nil, fmt.Errorf("select hops: need %d subnet-diverse eligible peers, found %d", hopCount, len(hops))
		}

		idx, err := weightedRandom(weights)
		if err != nil {
			return nil, err
		}
		picked := remaining[idx]
		hops = append(hops, onionbuild.Hop{IP: picked.Endpoint.IP, Port: picked.Endpoint.Port, PublicKey: picked.OnionKey})
		usedSubnets[subnet16(picked.Endpoint.IP.String())] = true
		pool = removePeer(pool, picked)
	}
	return hops, nil
}

func removePeer(pool []peertable.AuthenticatedPeer, picked peertable.AuthenticatedPeer) []peertable.AuthenticatedPeer {
	out := make([]peertable.AuthenticatedPeer, 0, len(pool))
	for _, c := range pool {
		if c.Endpoint.String() == picked.Endpoint.String() {
			continue
		}
		out = append(out, c)
	}
	return out
}

// subnet16 returns the /16 prefix of an IPv4 address, or the address itself
// for IPv6 (subnet diversity is only enforced over the v4 space here).
func subnet16(addr string) string {
	ip := net.ParseIP(addr)
	if ip == nil {
		return addr
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return addr
	}
	return fmt.Sprintf("%d.%d", ip4[0], ip4[1])
}

// weightedRandom selects an index proportional to the given non-negative
// weights using crypto/rand, avoiding modulo bias.
func weightedRandom(weights []int64) (int, error) {
	if len(weights) == 0 {
		return 0, fmt.Errorf("empty weights")
	}

	var total int64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(weights))))
		if err != nil {
			return 0, fmt.Errorf("crypto/rand: %w", err)
		}
		return int(n.Int64()), nil
	}

	n, err := rand.Int(rand.Reader, big.NewInt(total))
	if err != nil {
		return 0, fmt.Errorf("crypto/rand: %w", err)
	}
	r := n.Int64()

	var cumulative int64
	for i, w := range weights {
		if w < 0 {
			w = 0
		}
		cumulative += w
		if r < cumulative {
			return i, nil
		}
	}
	return len(weights) - 1, nil
}
