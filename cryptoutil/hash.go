package cryptoutil

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/crc32"

	"golang.org/x/crypto/sha3"
)

// Digest32 is a SHA-256 digest of plaintext, used as the blob store's
// content address and as DHT target IDs.
type Digest32 [32]byte

// Digest32Len is the byte length of a Digest32.
const Digest32Len = 32

// SHA256 computes the SHA-256 digest of data.
func SHA256(data []byte) Digest32 {
	return sha256.Sum256(data)
}

// Hex returns the lowercase hex encoding of the digest, matching the blob
// store's on-disk filenames.
func (d Digest32) Hex() string {
	return hex.EncodeToString(d[:])
}

// DigestFromHex parses a lowercase (or any-case) hex digest string.
func DigestFromHex(s string) (Digest32, error) {
	var d Digest32
	b, err := hex.DecodeString(s)
	if err != nil {
		return d, err
	}
	if len(b) != 32 {
		return d, errShortDigest
	}
	copy(d[:], b)
	return d, nil
}

// DigestFromBytes copies a 32-byte slice into a Digest32, rejecting any
// other length.
func DigestFromBytes(b []byte) (Digest32, error) {
	var d Digest32
	if len(b) != 32 {
		return d, errShortDigest
	}
	copy(d[:], b)
	return d, nil
}

// SHA3OwnerID derives an alternate owner identifier for a mutable record's
// public key using SHA3-256 rather than SHA-256. Kept available alongside
// the default SHA-256 owner/content hash for owners that want a distinct
// hash family for their published key fingerprint; record.Store keys records
// by the raw public key, not by this derived ID, so choosing this variant
// never changes PUT_VALUE/GET_VALUE wire behavior.
func SHA3OwnerID(publicKey []byte) Digest32 {
	return sha3.Sum256(publicKey)
}

var errShortDigest = &digestLenError{}

type digestLenError struct{}

func (*digestLenError) Error() string { return "digest must decode to 32 bytes" }

// CRC32IEEE computes the canonical IEEE CRC32 checksum used by the wire
// header.
func CRC32IEEE(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}
