package consensus

import (
	"bytes"
	"time"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
	"github.com/bt2c/bt2c-core/internal/chain"
)

// ResolveFork picks the winning chain between chainA and chainB, per
// spec.md §4.4's eight-step cascade, memoizing by the concatenation of the
// two chains' hashes. Returns nil if both chains are invalid.
//
// Step 6's "cumulative difficulty" has no PoS-native meaning in the source
// this was distilled from; it is defined here as the sum of the stake each
// suffix block's producer held at resolution time (including repeats, one
// term per block) — distinct from step 5's distinct-validator stake sum.
func (e *Engine) ResolveFork(chainA, chainB []*chain.Block, lookup ValidatorStatusLookup, txValidate chain.TxValidateFunc, now time.Time, stakeOf StakeLookup) []*chain.Block {
	if e.metrics != nil {
		e.metrics.ForksResolved.Inc()
	}
	validA := e.ValidateChain(chainA, lookup, txValidate, now)
	validB := e.ValidateChain(chainB, lookup, txValidate, now)

	if !validA && !validB {
		return nil
	}
	if validA != validB {
		if validA {
			return chainA
		}
		return chainB
	}

	keyA, errA := chainKey(chainA)
	keyB, errB := chainKey(chainB)
	memoize := errA == nil && errB == nil
	var key string
	if memoize {
		key = keyA + "||" + keyB
		if cached, ok := e.forkCache.Get(key); ok {
			if cached == nil {
				return nil
			}
			return cached.([]*chain.Block)
		}
	}

	winner := e.resolveForkUncached(chainA, chainB, stakeOf)
	if memoize {
		e.forkCache.Set(key, winner)
	}
	return winner
}

func (e *Engine) resolveForkUncached(chainA, chainB []*chain.Block, stakeOf StakeLookup) []*chain.Block {
	n, err := commonPrefixLen(chainA, chainB)
	var suffixA, suffixB []*chain.Block
	if err == nil && n > 0 {
		suffixA, suffixB = chainA[n:], chainB[n:]
	} else {
		suffixA, suffixB = chainA, chainB
	}

	if len(suffixA) == 0 && len(suffixB) == 0 {
		return chainA
	}

	// 4. Primary: longer suffix wins.
	if len(suffixA) != len(suffixB) {
		if len(suffixA) > len(suffixB) {
			return chainA
		}
		return chainB
	}

	// 5. Tie -> higher cumulative stake of (distinct) suffix validators wins.
	stakeA := distinctValidatorStake(suffixA, stakeOf)
	stakeB := distinctValidatorStake(suffixB, stakeOf)
	if stakeA != stakeB {
		if stakeA > stakeB {
			return chainA
		}
		return chainB
	}

	// 6. Tie -> higher cumulative difficulty wins.
	diffA := cumulativeDifficulty(suffixA, stakeOf)
	diffB := cumulativeDifficulty(suffixB, stakeOf)
	if diffA != diffB {
		if diffA > diffB {
			return chainA
		}
		return chainB
	}

	// 7. Tie -> earlier first-block timestamp wins.
	if suffixA[0].Timestamp != suffixB[0].Timestamp {
		if suffixA[0].Timestamp < suffixB[0].Timestamp {
			return chainA
		}
		return chainB
	}

	// 8. Still tied -> deterministic tie-break on first divergent block
	// hash, lexicographically smaller wins.
	hashA, errA := suffixA[0].Hash()
	hashB, errB := suffixB[0].Hash()
	if errA == nil && errB == nil && bytes.Compare(hashA.Bytes(), hashB.Bytes()) > 0 {
		return chainB
	}
	return chainA
}

// commonPrefixLen returns the length of the longest shared prefix of a and
// b, compared by block hash.
func commonPrefixLen(a, b []*chain.Block) (int, error) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n {
		ha, err := a[i].Hash()
		if err != nil {
			return i, err
		}
		hb, err := b[i].Hash()
		if err != nil {
			return i, err
		}
		if ha != hb {
			break
		}
		i++
	}
	return i, nil
}

func distinctValidatorStake(blocks []*chain.Block, stakeOf StakeLookup) chain.Satoshi {
	seen := make(map[bt2ccrypto.Address]bool, len(blocks))
	var total chain.Satoshi
	for _, b := range blocks {
		if seen[b.Validator] {
			continue
		}
		seen[b.Validator] = true
		total += stakeOf(b.Validator)
	}
	return total
}

func cumulativeDifficulty(blocks []*chain.Block, stakeOf StakeLookup) chain.Satoshi {
	var total chain.Satoshi
	for _, b := range blocks {
		total += stakeOf(b.Validator)
	}
	return total
}
