package chain

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
)

// MaxBlockSize is the hard cap on a block's serialized size, per spec.md §3.
const MaxBlockSize = 10 * 1024 * 1024 // 10 MiB

// MaxTransactionsPerBlock is the hard cap on a block's transaction count.
const MaxTransactionsPerBlock = 1000

// ZeroHash is the sentinel previous_hash carried by the genesis block.
var ZeroHash bt2ccrypto.Hash256

var (
	ErrBlockFinalized    = errors.New("chain: block already finalized")
	ErrBlockFull         = errors.New("chain: block is at transaction capacity")
	ErrBlockTooLarge     = errors.New("chain: block exceeds max size")
	ErrTooManyTxs        = errors.New("chain: too many transactions")
	ErrTxNetworkMismatch = errors.New("chain: transaction network tag differs from block")
	ErrMerkleMismatch    = errors.New("chain: merkle root does not match recomputation")
	ErrInvalidTx         = errors.New("chain: block contains an invalid transaction")
)

// TxValidateFunc validates a single transaction against whatever external
// state (sender public key, current min stake) the caller has available.
// Block validation is decoupled from the validator registry through this
// callback rather than importing it directly, avoiding a dependency cycle
// between the chain and validator packages.
type TxValidateFunc func(tx *Transaction) error

// Block is the chain's unit of finality, per spec.md §3.
type Block struct {
	Index            int64               `json:"index"`
	PreviousHash      bt2ccrypto.Hash256  `json:"previous_hash"`
	Timestamp        int64               `json:"timestamp"`
	Transactions     []*Transaction      `json:"transactions"`
	MerkleRoot       bt2ccrypto.Hash256  `json:"merkle_root"`
	Validator        bt2ccrypto.Address `json:"validator"`
	Signature        []byte              `json:"signature,omitempty"`
	Nonce            uint64              `json:"nonce"`
	Network          string              `json:"network"`
	Size             int                 `json:"size"`
	Finalized        bool                `json:"finalized"`
	FinalizedAt      int64               `json:"finalized_at,omitempty"`
	Confirmations    int                 `json:"confirmations"`
}

// blockHashFields mirrors the exact field set spec.md §4.1 names for the
// block hash, excluding the signature.
type blockHashFields struct {
	Index        int64              `json:"index"`
	Timestamp    int64              `json:"timestamp"`
	Transactions []string           `json:"transactions"`
	PreviousHash bt2ccrypto.Hash256 `json:"previous_hash"`
	Validator    bt2ccrypto.Address `json:"validator"`
	Nonce        uint64             `json:"nonce"`
	MerkleRoot   bt2ccrypto.Hash256 `json:"merkle_root"`
}

// Hash returns the SHA3-256 digest of the block's canonical encoding, per
// spec.md §4.1.
func (b *Block) Hash() (bt2ccrypto.Hash256, error) {
	txHashes := make([]string, len(b.Transactions))
	for i, tx := range b.Transactions {
		txHashes[i] = tx.HashHex()
	}
	raw, err := CanonicalJSON(blockHashFields{
		Index: b.Index, Timestamp: b.Timestamp, Transactions: txHashes,
		PreviousHash: b.PreviousHash, Validator: b.Validator, Nonce: b.Nonce,
		MerkleRoot: b.MerkleRoot,
	})
	if err != nil {
		return bt2ccrypto.Hash256{}, err
	}
	return bt2ccrypto.Sha3_256(raw), nil
}

// HashHex returns the block hash hex-encoded, or "" if hashing fails.
func (b *Block) HashHex() string {
	h, err := b.Hash()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(h.Bytes())
}

// RecomputeMerkleRoot rebuilds MerkleRoot from the current transaction set.
// The leaves are the transactions' SHA-256 hashes (Transaction.Hash), not
// SHA3-256 digests of their encodings.
func (b *Block) RecomputeMerkleRoot() error {
	leaves := make([][]byte, len(b.Transactions))
	for i, tx := range b.Transactions {
		h, err := tx.Hash()
		if err != nil {
			return err
		}
		leaves[i] = h.Bytes()
	}
	root, err := bt2ccrypto.BuildMerkleRoot(leaves)
	if err != nil {
		return err
	}
	b.MerkleRoot = root
	return nil
}

// recomputeSize serializes the block to its canonical form and records the
// byte length, used by AddTransaction to keep Size current.
func (b *Block) recomputeSize() error {
	raw, err := CanonicalJSON(b)
	if err != nil {
		return err
	}
	b.Size = len(raw)
	return nil
}

// AddTransaction appends tx to the block if it is eligible, per spec.md
// §4.1: fails if the block is finalized, full, the transaction is invalid,
// or its network tag differs. On success the Merkle root, hash-derived
// state, and serialized size are recomputed.
func (b *Block) AddTransaction(tx *Transaction, validate TxValidateFunc) error {
	if b.Finalized {
		return ErrBlockFinalized
	}
	if len(b.Transactions) >= MaxTransactionsPerBlock {
		return ErrBlockFull
	}
	if tx.Network != b.Network {
		return ErrTxNetworkMismatch
	}
	if validate != nil {
		if err := validate(tx); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTx, err)
		}
	}

	b.Transactions = append(b.Transactions, tx)
	if err := b.RecomputeMerkleRoot(); err != nil {
		return err
	}
	return b.recomputeSize()
}

// IsValid checks a block's structural invariants: size, transaction count,
// per-transaction validity and network tag, the Merkle root, and that the
// hash can be computed (there is no stored hash to compare it with). Any
// failure returns false rather than propagating an error, including a
// failure inside validate.
func (b *Block) IsValid(validate TxValidateFunc) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	if err := b.recomputeSize(); err != nil {
		return false
	}
	if b.Size > MaxBlockSize {
		return false
	}
	if len(b.Transactions) > MaxTransactionsPerBlock {
		return false
	}
	for _, tx := range b.Transactions {
		if tx.Network != b.Network {
			return false
		}
		if validate != nil {
			if err := validate(tx); err != nil {
				return false
			}
		}
	}

	leaves := make([][]byte, len(b.Transactions))
	for i, tx := range b.Transactions {
		h, err := tx.Hash()
		if err != nil {
			return false
		}
		leaves[i] = h.Bytes()
	}
	wantRoot, err := bt2ccrypto.BuildMerkleRoot(leaves)
	if err != nil || wantRoot != b.MerkleRoot {
		return false
	}

	// Hash is recomputed implicitly by callers comparing b.Hash() against
	// a stored value; IsValid only confirms the block is internally
	// consistent, which the caller re-verifies via Hash() equality.
	if _, err := b.Hash(); err != nil {
		return false
	}
	return true
}

// Sign computes the block hash and signs it with priv, storing the result
// in Signature. Block must not change afterward, or the signature will no
// longer verify.
func (b *Block) Sign(priv ed25519.PrivateKey) error {
	h, err := b.Hash()
	if err != nil {
		return err
	}
	b.Signature = bt2ccrypto.Sign(priv, h.Bytes())
	return nil
}

// VerifySignature reports whether Signature is a valid Ed25519 signature
// over the block hash, under pub.
func (b *Block) VerifySignature(pub ed25519.PublicKey) bool {
	h, err := b.Hash()
	if err != nil {
		return false
	}
	return bt2ccrypto.Verify(pub, h.Bytes(), b.Signature)
}

// Finalize marks the block finalized and idempotently records the
// finalization timestamp, per spec.md §4.1.
func (b *Block) Finalize(now time.Time) {
	if b.Finalized {
		return
	}
	b.Finalized = true
	b.FinalizedAt = now.Unix()
}

// AddConfirmation monotonically increments the confirmation counter.
func (b *Block) AddConfirmation() {
	b.Confirmations++
}

// RewardForHeight implements the halving schedule named in spec.md §6:
// initial reward 21, halving every halvingIntervalSeconds of chain time
// (approximated here as halving every halvingIntervalSeconds/targetBlockTime
// blocks), floored at MinBlockReward.
func RewardForHeight(height int64) Satoshi {
	const (
		halvingIntervalSeconds = 126_144_000 // ~4 years
		targetBlockTime        = 300         // seconds
	)
	blocksPerHalving := int64(halvingIntervalSeconds / targetBlockTime)
	halvings := height / blocksPerHalving

	reward := NewSatoshi(21)
	for i := int64(0); i < halvings && reward > MinBlockReward; i++ {
		reward /= 2
	}
	if reward < MinBlockReward {
		reward = MinBlockReward
	}
	return reward
}

// MinBlockReward is the reward floor, per spec.md §6 ("minimum reward
// 10⁻⁸"), i.e. one satoshi.
const MinBlockReward Satoshi = 1
