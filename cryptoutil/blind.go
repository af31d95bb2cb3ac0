package cryptoutil

import (
	"encoding/binary"
	"time"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/sha3"
)

// DefaultBlindPeriodMinutes is the default rotation period for
// BlindPublicKey, matching the teacher's one-day hidden-service-v3 time
// period.
const DefaultBlindPeriodMinutes = 1440

// blindString and ed25519Basepoint are the fixed inputs to the blinding
// nonce, carried over unchanged from the teacher's derivation so a blinded
// key computed here is reproducible by anyone following the same formula.
var blindString = []byte("Derive temporary signing key\x00")
var ed25519Basepoint = []byte("(15112221349535400772501151409588531511454012693041857206046113283949847762202, 46316835694926478169428394003475163141307993866256225615783033603165251855960)")

// TimePeriod computes the rotation period number for t, for a given period
// length in minutes.
func TimePeriod(t time.Time, periodLengthMinutes int64) int64 {
	if periodLengthMinutes <= 0 {
		periodLengthMinutes = DefaultBlindPeriodMinutes
	}
	minutesSinceEpoch := t.Unix() / 60
	return minutesSinceEpoch / periodLengthMinutes
}

// BlindPublicKey derives a rotating pseudonymous public identifier
// A' = h*A from an Ed25519 public key, where h is a SHA3-256-derived
// scalar bound to the given time period. A mutable record's real owner
// key (and its signature) are unaffected; a blinded key is meant to serve
// as an alternate, time-rotating DHT lookup key so republishing a record
// under the same long-term owner key does not require always using the
// same GET_VALUE lookup target.
func BlindPublicKey(pubkey [32]byte, periodNumber, periodLengthMinutes int64) ([32]byte, error) {
	var blinded [32]byte
	if periodLengthMinutes <= 0 {
		periodLengthMinutes = DefaultBlindPeriodMinutes
	}

	nonce := buildBlindNonce(periodNumber, periodLengthMinutes)

	h := sha3.New256()
	h.Write(blindString)
	h.Write(pubkey[:])
	h.Write(ed25519Basepoint)
	h.Write(nonce)
	hBytes := h.Sum(nil)

	hScalar, err := new(edwards25519.Scalar).SetBytesWithClamping(hBytes)
	if err != nil {
		return blinded, err
	}
	A, err := new(edwards25519.Point).SetBytes(pubkey[:])
	if err != nil {
		return blinded, err
	}
	Aprime := new(edwards25519.Point).ScalarMult(hScalar, A)
	copy(blinded[:], Aprime.Bytes())
	return blinded, nil
}

func buildBlindNonce(periodNumber, periodLengthMinutes int64) []byte {
	nonce := make([]byte, 0, 9+8+8)
	nonce = append(nonce, []byte("key-blind")...)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(periodNumber))
	nonce = append(nonce, buf[:]...)
	binary.BigEndian.PutUint64(buf[:], uint64(periodLengthMinutes))
	nonce = append(nonce, buf[:]...)
	return nonce
}
