package bt2ccrypto

import (
	"crypto/ed25519"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
)

// Address is the 20-byte on-chain identity of a wallet or validator,
// reusing go-ethereum's Address shape rather than inventing a parallel one.
type Address = common.Address

// DeriveAddress computes the address for an Ed25519 public key as the
// low 20 bytes of its SHA3-256 digest.
func DeriveAddress(pub ed25519.PublicKey) Address {
	digest := Sha3_256(pub)
	var addr Address
	copy(addr[:], digest[len(digest)-len(addr):])
	return addr
}

// ParseAddress decodes a hex-encoded (optionally "bt2c"-prefixed) address.
func ParseAddress(s string) (Address, error) {
	if len(s) >= 4 && s[:4] == "bt2c" {
		s = s[4:]
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Address{}, err
	}
	var addr Address
	copy(addr[len(addr)-len(b):], b)
	return addr, nil
}

// AddressString renders an address with the display prefix used by wallets and
// explorers ("bt2c" + hex), kept distinct from the plain hex Address.Hex().
func AddressString(a Address) string {
	return "bt2c" + hex.EncodeToString(a[:])
}
