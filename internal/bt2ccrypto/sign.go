package bt2ccrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
)

// ErrKeySize is returned when a private or public key byte slice does not
// match the expected Ed25519 size.
var ErrKeySize = errors.New("bt2ccrypto: unexpected ed25519 key size")

// GenerateKey creates a new random Ed25519 key pair, grounded on the
// teacher's loadOrGenerateEd25519Key fallback path.
func GenerateKey() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// KeyFromSeed derives a deterministic Ed25519 key pair from a 32-byte seed,
// grounded on the teacher's generateDeterministicValidatorKey.
func KeyFromSeed(seed []byte) (ed25519.PublicKey, ed25519.PrivateKey, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, nil, ErrKeySize
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return priv.Public().(ed25519.PublicKey), priv, nil
}

// Sign signs msg with priv and returns the signature bytes.
func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

// Verify reports whether sig is a valid Ed25519 signature over msg by pub.
// Malformed keys or signatures return false rather than panicking or
// propagating an error, matching spec.md's "no propagation out of validity
// checks" contract.
func Verify(pub ed25519.PublicKey, msg, sig []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, msg, sig)
}
