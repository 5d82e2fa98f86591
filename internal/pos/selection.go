// Package pos implements ProofOfScale: stake-weighted validator selection
// driven by a verifiable random function, per spec.md §4.3.
package pos

import (
	"math/big"
	"sync"
	"time"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
	"github.com/bt2c/bt2c-core/internal/chain"
)

// RotationInterval bounds how long a VRF seed may be reused before it is
// rotated, per spec.md §4.3 ("every selection round or every 5 minutes,
// whichever comes first").
const RotationInterval = 5 * time.Minute

// denominator256 is 2^256 - 1, the normalizing constant for vrf_weight.
var denominator256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// linearScanThreshold is the validator-set size at or below which
// Select computes every combined weight up front; above it, Select
// streams and keeps only the running argmax, per spec.md §4.3.
const linearScanThreshold = 100

// Selector maintains the rotating VRF seed and its per-seed cache.
type Selector struct {
	mu       sync.Mutex
	seed     []byte
	rotated  time.Time
	cache    map[bt2ccrypto.Address]bt2ccrypto.Hash256
	newSeed  func() []byte
}

// NewSelector constructs a Selector. newSeed supplies fresh entropy on
// rotation (typically crypto/rand-backed); it is injected so tests can
// hand deterministic seeds.
func NewSelector(newSeed func() []byte) *Selector {
	s := &Selector{newSeed: newSeed, cache: make(map[bt2ccrypto.Address]bt2ccrypto.Hash256)}
	s.seed = newSeed()
	s.rotated = time.Now()
	return s
}

// maybeRotate clears the VRF cache and draws a fresh seed if the rotation
// interval has elapsed since the last rotation. Selection itself always
// rotates on entry ("every selection round"), so this degenerates to an
// unconditional rotate — kept as a guarded check so the force flag
// composes with the elapsed-time rule.
func (s *Selector) maybeRotate(force bool) {
	if force || time.Since(s.rotated) >= RotationInterval {
		s.seed = s.newSeed()
		s.rotated = time.Now()
		s.cache = make(map[bt2ccrypto.Address]bt2ccrypto.Hash256)
	}
}

// vrf returns HMAC-SHA256(seed, pubkey), memoized per current seed.
func (s *Selector) vrf(addr bt2ccrypto.Address, pubkey []byte) bt2ccrypto.Hash256 {
	if cached, ok := s.cache[addr]; ok {
		return cached
	}
	out := bt2ccrypto.HMACSha256(s.seed, pubkey)
	s.cache[addr] = out
	return out
}

// PubKeyLookup resolves a validator address to the public key its VRF
// input is computed over. Selection is keyed on the stable pubkey (not a
// churnable field) so stake-grinding gains no advantage, per spec.md §4.3.
type PubKeyLookup func(addr bt2ccrypto.Address) []byte

// Select returns the chosen validator address for the current round, or
// the zero Address and false if the set is empty or has zero total stake, per spec.md
// §4.3. Every call rotates the seed ("every selection round").
func (s *Selector) Select(stakes map[bt2ccrypto.Address]chain.Satoshi, pubkeyOf PubKeyLookup) (bt2ccrypto.Address, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maybeRotate(true)

	if len(stakes) == 0 {
		return bt2ccrypto.Address{}, false
	}
	var total int64
	for _, stake := range stakes {
		total += int64(stake)
	}
	if total <= 0 {
		return bt2ccrypto.Address{}, false
	}

	if len(stakes) <= linearScanThreshold {
		return s.selectLinear(stakes, total, pubkeyOf)
	}
	return s.selectStreaming(stakes, total, pubkeyOf)
}

// combinedWeight computes stake_weight * vrf_weight as a big.Rat for exact
// comparison (avoids float64 rounding deciding close ties incorrectly).
func (s *Selector) combinedWeight(addr bt2ccrypto.Address, stake chain.Satoshi, total int64, pubkeyOf PubKeyLookup) *big.Rat {
	vrfOut := s.vrf(addr, pubkeyOf(addr))
	vrfInt := new(big.Int).SetBytes(vrfOut.Bytes())

	stakeWeight := big.NewRat(int64(stake), total)
	vrfWeight := new(big.Rat).SetFrac(vrfInt, denominator256)
	return new(big.Rat).Mul(stakeWeight, vrfWeight)
}

// selectLinear computes every combined weight up front and returns the
// argmax, used for sets up to linearScanThreshold entries, per spec.md
// §4.3 ("compute all combined weights ... and return the argmax").
func (s *Selector) selectLinear(stakes map[bt2ccrypto.Address]chain.Satoshi, total int64, pubkeyOf PubKeyLookup) (bt2ccrypto.Address, bool) {
	addrs := sortedAddresses(stakes)

	weights := make(map[bt2ccrypto.Address]*big.Rat, len(addrs))
	for _, addr := range addrs {
		weights[addr] = s.combinedWeight(addr, stakes[addr], total, pubkeyOf)
	}

	var best bt2ccrypto.Address
	var bestWeight *big.Rat
	found := false
	for _, addr := range addrs {
		w := weights[addr]
		if !found || w.Cmp(bestWeight) > 0 {
			best, bestWeight, found = addr, w, true
		}
		// Tie-break: lexicographic order on address (addrs is already
		// sorted ascending, so an equal weight never displaces the
		// earlier, lexicographically-smaller candidate).
	}
	return best, found
}

// selectStreaming keeps only the running argmax in constant memory, for
// sets larger than linearScanThreshold.
func (s *Selector) selectStreaming(stakes map[bt2ccrypto.Address]chain.Satoshi, total int64, pubkeyOf PubKeyLookup) (bt2ccrypto.Address, bool) {
	addrs := sortedAddresses(stakes)

	var best bt2ccrypto.Address
	var bestWeight *big.Rat
	found := false
	for _, addr := range addrs {
		w := s.combinedWeight(addr, stakes[addr], total, pubkeyOf)
		if !found || w.Cmp(bestWeight) > 0 {
			best, bestWeight, found = addr, w, true
		}
	}
	return best, found
}

func sortedAddresses(stakes map[bt2ccrypto.Address]chain.Satoshi) []bt2ccrypto.Address {
	addrs := make([]bt2ccrypto.Address, 0, len(stakes))
	for a := range stakes {
		addrs = append(addrs, a)
	}
	for i := 1; i < len(addrs); i++ {
		for j := i; j > 0 && less(addrs[j], addrs[j-1]); j-- {
			addrs[j], addrs[j-1] = addrs[j-1], addrs[j]
		}
	}
	return addrs
}

func less(a, b bt2ccrypto.Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
