// Package bt2ccrypto provides the hashing, signing, and address-derivation
// primitives shared by the block/transaction model, the consensus engine,
// and the P2P wire codec.
package bt2ccrypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/sha3"
)

// Hash256 is a 32-byte digest produced by either Sha256 or Sha3_256.
type Hash256 [32]byte

// Sha256 returns the SHA-256 digest of data. Used for transaction hashing
// and for the VRF (HMAC-SHA256) in the pos package.
func Sha256(data []byte) Hash256 {
	return sha256.Sum256(data)
}

// Sha3_256 returns the SHA3-256 digest of data. Used for Merkle node
// pairing, block hashing, and the empty-tree sentinel; Merkle leaves are
// the transactions' SHA-256 hashes.
func Sha3_256(data []byte) Hash256 {
	return sha3.Sum256(data)
}

// HMACSha256 returns HMAC-SHA256(key, msg), the VRF primitive used by
// ProofOfScale selection.
func HMACSha256(key, msg []byte) Hash256 {
	mac := hmac.New(sha256.New, key)
	mac.Write(msg)
	var out Hash256
	copy(out[:], mac.Sum(nil))
	return out
}

// Bytes returns a copy of the digest as a byte slice.
func (h Hash256) Bytes() []byte {
	b := make([]byte, len(h))
	copy(b, h[:])
	return b
}

// IsZero reports whether h is the all-zero sentinel used for the genesis
// block's previous_hash.
func (h Hash256) IsZero() bool {
	for _, b := range h {
		if b != 0 {
			return false
		}
	}
	return true
}

// MarshalJSON encodes the digest as a hex string so canonical encodings and
// wire messages carry hashes the way explorers and peers expect, rather
// than as a raw JSON byte array.
func (h Hash256) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h[:]))
}

// UnmarshalJSON decodes a hex-encoded digest.
func (h *Hash256) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(b) != len(h) {
		return fmt.Errorf("bt2ccrypto: hash must be %d bytes, got %d", len(h), len(b))
	}
	copy(h[:], b)
	return nil
}
