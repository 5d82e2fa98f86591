package chain

import (
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
)

// TxType enumerates the kinds of transaction the chain accepts, per
// spec.md §3.
type TxType string

const (
	TxTransfer TxType = "TRANSFER"
	TxStake    TxType = "STAKE"
	TxUnstake  TxType = "UNSTAKE"
	TxReward   TxType = "REWARD"
	TxFee      TxType = "FEE"
	TxSystem   TxType = "SYSTEM"
)

// ClockSkewTolerance bounds how far into the future a transaction or block
// timestamp may sit relative to the validating node's clock.
const ClockSkewTolerance = 60 * time.Second

// MaxTotalSupply is the hard cap on circulating BT2C, per spec.md §6.
var MaxTotalSupply = NewSatoshi(21_000_000)

// MaxTxAmount bounds a single transaction's amount. spec.md names the
// constant without pinning a value distinct from total supply; a single
// transaction cannot plausibly move more than the entire supply, so the
// two are kept equal rather than inventing an unspecified smaller cap.
var MaxTxAmount = MaxTotalSupply

// MaxFee is the fee ceiling named in spec.md §3 ("fee ... ≤ 1000").
var MaxFee = NewSatoshi(1000)

// Sentinel validation errors, grounded on the teacher's
// pkg/ledger/errors.go sentinel-error style.
var (
	ErrAmountNotPositive  = errors.New("chain: amount must be positive")
	ErrAmountTooLarge     = errors.New("chain: amount exceeds maximum")
	ErrFeeOutOfRange      = errors.New("chain: fee out of range")
	ErrTimestampInFuture  = errors.New("chain: timestamp too far in the future")
	ErrSenderEqualsRecipient = errors.New("chain: sender equals recipient")
	ErrUnknownTxType      = errors.New("chain: unknown transaction type")
	ErrStakeBelowMinimum  = errors.New("chain: stake amount below minimum")
	ErrBadSignature       = errors.New("chain: signature does not verify")
	ErrUnknownNetwork     = errors.New("chain: unrecognized network tag")
)

// Transaction is the unit of value transfer and stake management, per
// spec.md §3.
type Transaction struct {
	Sender    bt2ccrypto.Address `json:"sender"`
	Recipient bt2ccrypto.Address `json:"recipient"`
	Amount    Satoshi            `json:"amount"`
	Fee       Satoshi            `json:"fee"`
	Timestamp int64              `json:"timestamp"`
	Nonce     uint64             `json:"nonce"`
	Expiry    int64              `json:"expiry"`
	Type      TxType             `json:"type"`
	Network   string             `json:"network"`
	Signature []byte             `json:"signature,omitempty"`
}

// txHashFields mirrors Transaction but omits Signature, matching the exact
// field set spec.md §6 names for the transaction hash.
type txHashFields struct {
	Sender    bt2ccrypto.Address `json:"sender"`
	Recipient bt2ccrypto.Address `json:"recipient"`
	Amount    Satoshi            `json:"amount"`
	Fee       Satoshi            `json:"fee"`
	Timestamp int64              `json:"timestamp"`
	Nonce     uint64             `json:"nonce"`
	Expiry    int64              `json:"expiry"`
	Type      TxType             `json:"type"`
	Network   string             `json:"network"`
}

// Hash returns the SHA-256 digest of the transaction's canonical encoding
// with the signature omitted, per spec.md §3/§4.1.
func (tx *Transaction) Hash() (bt2ccrypto.Hash256, error) {
	raw, err := CanonicalJSON(txHashFields{
		Sender: tx.Sender, Recipient: tx.Recipient, Amount: tx.Amount,
		Fee: tx.Fee, Timestamp: tx.Timestamp, Nonce: tx.Nonce,
		Expiry: tx.Expiry, Type: tx.Type, Network: tx.Network,
	})
	if err != nil {
		return bt2ccrypto.Hash256{}, err
	}
	return bt2ccrypto.Sha256(raw), nil
}

// HashHex returns the transaction hash hex-encoded, or "" if hashing fails.
func (tx *Transaction) HashHex() string {
	h, err := tx.Hash()
	if err != nil {
		return ""
	}
	return hex.EncodeToString(h.Bytes())
}

// Sign signs the transaction hash with priv and stores the signature.
func (tx *Transaction) Sign(priv ed25519.PrivateKey) error {
	h, err := tx.Hash()
	if err != nil {
		return err
	}
	tx.Signature = bt2ccrypto.Sign(priv, h.Bytes())
	return nil
}

// Validate checks every structural invariant from spec.md §3/§4.1 and
// returns the first violation encountered. minStake is the registry's
// current minimum stake, required only for STAKE transactions.
func (tx *Transaction) Validate(senderPub ed25519.PublicKey, minStake Satoshi, knownNetwork string) error {
	if tx.Amount <= 0 {
		return ErrAmountNotPositive
	}
	if tx.Amount > MaxTxAmount || tx.Amount > MaxTotalSupply {
		return ErrAmountTooLarge
	}
	if tx.Fee <= 0 || tx.Fee > MaxFee {
		return ErrFeeOutOfRange
	}
	if tx.Sender == tx.Recipient {
		return ErrSenderEqualsRecipient
	}
	switch tx.Type {
	case TxTransfer, TxStake, TxUnstake, TxReward, TxFee, TxSystem:
	default:
		return ErrUnknownTxType
	}
	if tx.Network != knownNetwork {
		return ErrUnknownNetwork
	}
	if time.Unix(tx.Timestamp, 0).After(time.Now().Add(ClockSkewTolerance)) {
		return ErrTimestampInFuture
	}
	if tx.Type == TxStake && tx.Amount < minStake {
		return ErrStakeBelowMinimum
	}

	h, err := tx.Hash()
	if err != nil {
		return fmt.Errorf("chain: hashing transaction: %w", err)
	}
	if !bt2ccrypto.Verify(senderPub, h.Bytes(), tx.Signature) {
		return ErrBadSignature
	}
	return nil
}

// IsValid runs Validate and converts any error (including a panic inside
// signature verification) into false, matching spec.md §4.1's "exceptions
// are caught and converted to false" contract.
func (tx *Transaction) IsValid(senderPub ed25519.PublicKey, minStake Satoshi, network string) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return tx.Validate(senderPub, minStake, network) == nil
}
