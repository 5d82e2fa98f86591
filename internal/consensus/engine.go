// Package consensus implements block and chain validation and
// multi-criterion fork resolution, per spec.md §4.4. Its bounded-cache
// discipline and struct shape (mutex-guarded config + logger) are grounded
// on pkg/consensus/health_monitor.go.
package consensus

import (
	"crypto/ed25519"
	"encoding/hex"
	"log"
	"time"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
	"github.com/bt2c/bt2c-core/internal/chain"
	"github.com/bt2c/bt2c-core/internal/logging"
	"github.com/bt2c/bt2c-core/internal/metrics"
	"github.com/bt2c/bt2c-core/internal/pos"
)

const (
	blockCacheCapacity     = 1000
	chainCacheCapacity     = 100
	forkCacheCapacity      = 100
	maxMemoizedChainLength = 100
)

// ValidatorStatusLookup resolves a validator address to the public key its
// signature must verify against, and whether it is currently eligible to
// have produced a block (selected this round, or at least ACTIVE), per
// spec.md §4.4's "validator is selected or at least ACTIVE" clause. It
// decouples the engine from internal/validator the same way
// chain.TxValidateFunc decouples internal/chain.
type ValidatorStatusLookup func(addr bt2ccrypto.Address) (pubkey []byte, eligible bool)

// StakeLookup resolves a validator's current stake, used by fork
// resolution's stake- and difficulty-based tie-breaks.
type StakeLookup func(addr bt2ccrypto.Address) chain.Satoshi

// Engine is the consensus core: validator selection, block/chain
// validation, and fork resolution, per spec.md §4.4.
type Engine struct {
	network   string
	clockSkew time.Duration

	selector *pos.Selector

	blockCache *boundedCache
	chainCache *boundedCache
	forkCache  *boundedCache

	logger  *log.Logger
	metrics *metrics.Registry
}

// SetMetrics attaches a metrics.Registry the engine reports through;
// nil (the default) disables instrumentation entirely.
func (e *Engine) SetMetrics(m *metrics.Registry) {
	e.metrics = m
}

// NewEngine constructs an Engine for network, tolerating clockSkew of clock
// drift on incoming block timestamps. newSeed supplies VRF seed entropy,
// forwarded to pos.NewSelector.
func NewEngine(network string, clockSkew time.Duration, newSeed func() []byte) *Engine {
	return &Engine{
		network:    network,
		clockSkew:  clockSkew,
		selector:   pos.NewSelector(newSeed),
		blockCache: newBoundedCache(blockCacheCapacity),
		chainCache: newBoundedCache(chainCacheCapacity),
		forkCache:  newBoundedCache(forkCacheCapacity),
		logger:     logging.New("Consensus"),
	}
}

// SelectValidator picks the block producer for this round from activeSet,
// per spec.md §4.3.
func (e *Engine) SelectValidator(activeSet map[bt2ccrypto.Address]chain.Satoshi, pubkeyOf pos.PubKeyLookup) (bt2ccrypto.Address, bool) {
	addr, ok := e.selector.Select(activeSet, pubkeyOf)
	if ok && e.metrics != nil {
		e.metrics.ValidatorSelections.WithLabelValues(bt2ccrypto.AddressString(addr)).Inc()
	}
	return addr, ok
}

func blockCacheKey(blockHash, prevKey string) string {
	return blockHash + "|" + prevKey
}

// ValidateBlock checks block against prev (nil for genesis), per spec.md
// §4.4, memoizing the result by (block.hash, prev.hash|"genesis").
func (e *Engine) ValidateBlock(block *chain.Block, prev *chain.Block, lookup ValidatorStatusLookup, txValidate chain.TxValidateFunc, now time.Time) bool {
	blockHash, err := block.Hash()
	if err != nil {
		return false
	}
	prevKey := "genesis"
	if prev != nil {
		prevHash, err := prev.Hash()
		if err != nil {
			return false
		}
		prevKey = hex.EncodeToString(prevHash.Bytes())
	}
	key := blockCacheKey(hex.EncodeToString(blockHash.Bytes()), prevKey)

	if cached, ok := e.blockCache.Get(key); ok {
		return cached.(bool)
	}
	result := e.validateBlock(block, prev, lookup, txValidate, now)
	e.blockCache.Set(key, result)
	if e.metrics != nil {
		outcome := "accepted"
		if !result {
			outcome = "rejected"
		}
		e.metrics.BlocksValidated.WithLabelValues(outcome).Inc()
	}
	return result
}

func (e *Engine) validateBlock(block *chain.Block, prev *chain.Block, lookup ValidatorStatusLookup, txValidate chain.TxValidateFunc, now time.Time) bool {
	if prev == nil {
		if block.Index != 0 {
			return false
		}
		if block.PreviousHash != chain.ZeroHash {
			return false
		}
	} else {
		if block.Index != prev.Index+1 {
			return false
		}
		prevHash, err := prev.Hash()
		if err != nil || block.PreviousHash != prevHash {
			return false
		}
		if block.Timestamp < prev.Timestamp {
			return false
		}
		if block.Timestamp > now.Add(e.clockSkew).Unix() {
			return false
		}
	}

	pubkey, eligible := lookup(block.Validator)
	if !eligible || len(pubkey) == 0 {
		e.logger.Printf("reject block %d: validator %s not eligible", block.Index, bt2ccrypto.AddressString(block.Validator))
		return false
	}
	if !block.VerifySignature(ed25519.PublicKey(pubkey)) {
		e.logger.Printf("reject block %d: signature verification failed", block.Index)
		return false
	}
	if !block.IsValid(txValidate) {
		return false
	}
	return true
}

func chainKey(blocks []*chain.Block) (string, error) {
	key := make([]byte, 0, len(blocks)*64)
	for _, b := range blocks {
		h, err := b.Hash()
		if err != nil {
			return "", err
		}
		key = append(key, []byte(hex.EncodeToString(h.Bytes()))...)
		key = append(key, ',')
	}
	return string(key), nil
}

// ValidateChain validates blocks from genesis onward, short-circuiting on
// the first failure, and memoizes whole-chain results only for chains of
// length ≤100, per spec.md §4.4.
func (e *Engine) ValidateChain(blocks []*chain.Block, lookup ValidatorStatusLookup, txValidate chain.TxValidateFunc, now time.Time) bool {
	memoize := len(blocks) <= maxMemoizedChainLength
	var key string
	if memoize {
		k, err := chainKey(blocks)
		if err != nil {
			memoize = false
		} else {
			key = k
			if cached, ok := e.chainCache.Get(key); ok {
				return cached.(bool)
			}
		}
	}

	ok := true
	var prev *chain.Block
	for _, b := range blocks {
		if !e.ValidateBlock(b, prev, lookup, txValidate, now) {
			ok = false
			break
		}
		prev = b
	}

	if memoize {
		e.chainCache.Set(key, ok)
	}
	return ok
}
