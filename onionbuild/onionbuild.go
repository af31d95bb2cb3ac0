// Package onionbuild implements the client-side onion packet builder of
// §4.5: layer a final message under one ChaCha20-Poly1305 encryption per hop,
// built in reverse so each relay peels exactly one layer.
package onionbuild

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/hermit-net/hermit/cryptoutil"
)

const (
	cmdTerminal uint8 = 0x00
	cmdRelay    uint8 = 0x01
)

// Hop is one relay in the path: its endpoint and its long-lived onion public
// key, used for per-hop X25519 session-key agreement.
type Hop struct {
	IP        net.IP
	Port      uint16
	PublicKey [32]byte
}

// Build constructs the onion payload for message, routed through hops in
// order (hops[0] is the first hop the packet is sent to). clientEphemeral is
// a fresh per-message X25519 keypair; its private key is used for every
// hop's session-key agreement, and its public key must be prepended by the
// caller before framing (§4.5 "the caller prepends client_ephemeral_public").
func Build(message []byte, hops []Hop, clientEphemeral *cryptoutil.X25519KeyPair) ([]byte, error) {
	if len(hops) == 0 {
		return nil, fmt.Errorf("onion build requires at least one hop")
	}

	current := append([]byte{cmdTerminal}, message...)
	for i := len(hops) - 1; i >= 0; i-- {
		hop := hops[i]

		shared, err := clientEphemeral.SharedSecret(hop.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("hop %d x25519 agreement: %w", i, err)
		}
		sessionKey, err := cryptoutil.DeriveSessionKey(shared)
		if err != nil {
			return nil, fmt.Errorf("hop %d session key derivation: %w", i, err)
		}

		var layerContent []byte
		if i == len(hops)-1 {
			layerContent = current
		} else {
			next := hops[i+1]
			layerContent = encodeRelayLayer(next, current)
		}

		nonce, err := cryptoutil.RandomNonce()
		if err != nil {
			return nil, fmt.Errorf("hop %d nonce: %w", i, err)
		}
		ciphertext, err := cryptoutil.SealWithNonce(sessionKey, nonce, layerContent)
		if err != nil {
			return nil, fmt.Errorf("hop %d seal: %w", i, err)
		}
		current = append(append([]byte{}, nonce...), ciphertext...)
	}
	return current, nil
}

// encodeRelayLayer lays out 0x01 || ip_len(1) || ip || port(2 BE) || inner,
// the body a relay parses to find the next hop (§4.4/§4.5).
func encodeRelayLayer(next Hop, inner []byte) []byte {
	ip := next.IP
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	out := make([]byte, 0, 1+1+len(ip)+2+len(inner))
	out = append(out, cmdRelay, byte(len(ip)))
	out = append(out, ip...)
	var portBuf [2]byte
	binary.BigEndian.PutUint16(portBuf[:], next.Port)
	out = append(out, portBuf[:]...)
	out = append(out, inner...)
	return out
}

// Framed returns the full onion packet payload ready to place after a
// header: client_ephemeral_public (32) || the layered bytes from Build.
func Framed(layered []byte, clientEphemeralPublic [32]byte) []byte {
	out := make([]byte, 0, 32+len(layered))
	out = append(out, clientEphemeralPublic[:]...)
	out = append(out, layered...)
	return out
}
