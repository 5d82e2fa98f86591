package chain

import (
	"testing"
	"time"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
)

func signedTx(t *testing.T, nonce uint64, amount Satoshi) (*Transaction, ed25519PubFunc) {
	t.Helper()
	pub, priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	sender := bt2ccrypto.DeriveAddress(pub)
	tx := &Transaction{
		Sender: sender, Recipient: bt2ccrypto.Address{0xAA}, Amount: amount,
		Fee: NewSatoshi(1) / 1000, Timestamp: time.Now().Unix(), Nonce: nonce,
		Expiry: time.Now().Add(time.Hour).Unix(), Type: TxTransfer, Network: "testnet",
	}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return tx, func() []byte { return pub }
}

type ed25519PubFunc func() []byte

func alwaysValid(tx *Transaction) error { return nil }

func TestBlockAddTransactionRecomputesState(t *testing.T) {
	b := &Block{Index: 1, Network: "testnet", PreviousHash: ZeroHash}
	tx1, _ := signedTx(t, 1, NewSatoshi(100))
	tx2, _ := signedTx(t, 1, NewSatoshi(200))
	tx3, _ := signedTx(t, 1, NewSatoshi(300))

	for _, tx := range []*Transaction{tx1, tx2, tx3} {
		if err := b.AddTransaction(tx, alwaysValid); err != nil {
			t.Fatalf("add transaction failed: %v", err)
		}
	}
	if len(b.Transactions) != 3 {
		t.Errorf("expected 3 transactions, got %d", len(b.Transactions))
	}
	if b.MerkleRoot == ZeroHash {
		t.Errorf("expected merkle root to be recomputed")
	}
	if b.Size == 0 {
		t.Errorf("expected size to be recomputed")
	}
}

func TestBlockAddTransaction_RejectsAfterFinalize(t *testing.T) {
	b := &Block{Index: 1, Network: "testnet"}
	tx, _ := signedTx(t, 1, NewSatoshi(1))
	b.Finalize(time.Now())
	if err := b.AddTransaction(tx, alwaysValid); err != ErrBlockFinalized {
		t.Errorf("expected ErrBlockFinalized, got %v", err)
	}
}

func TestBlockAddTransaction_RejectsNetworkMismatch(t *testing.T) {
	b := &Block{Index: 1, Network: "mainnet"}
	tx, _ := signedTx(t, 1, NewSatoshi(1))
	if err := b.AddTransaction(tx, alwaysValid); err != ErrTxNetworkMismatch {
		t.Errorf("expected ErrTxNetworkMismatch, got %v", err)
	}
}

func TestBlockIsValid_EmptyBlockUsesSentinelRoot(t *testing.T) {
	b := &Block{Index: 0, Network: "testnet", PreviousHash: ZeroHash, MerkleRoot: bt2ccrypto.EmptyTreeRoot}
	if !b.IsValid(alwaysValid) {
		t.Errorf("expected empty block with sentinel merkle root to be valid")
	}
}

func TestBlockIsValid_DetectsMerkleTamper(t *testing.T) {
	b := &Block{Index: 1, Network: "testnet"}
	tx, _ := signedTx(t, 1, NewSatoshi(1))
	if err := b.AddTransaction(tx, alwaysValid); err != nil {
		t.Fatalf("add transaction failed: %v", err)
	}
	b.MerkleRoot[0] ^= 0xFF
	if b.IsValid(alwaysValid) {
		t.Errorf("expected tampered merkle root to invalidate block")
	}
}

func TestBlockFinalizeIsIdempotent(t *testing.T) {
	b := &Block{Index: 1}
	now := time.Now()
	b.Finalize(now)
	first := b.FinalizedAt
	b.Finalize(now.Add(time.Hour))
	if b.FinalizedAt != first {
		t.Errorf("expected finalize to be idempotent")
	}
}

func TestAddConfirmationMonotonic(t *testing.T) {
	b := &Block{}
	b.AddConfirmation()
	b.AddConfirmation()
	if b.Confirmations != 2 {
		t.Errorf("expected 2 confirmations, got %d", b.Confirmations)
	}
}

func TestRewardForHeightHalves(t *testing.T) {
	blocksPerHalving := int64(126_144_000 / 300)
	r0 := RewardForHeight(0)
	r1 := RewardForHeight(blocksPerHalving)
	if r0 != NewSatoshi(21) {
		t.Errorf("expected initial reward 21, got %s", r0)
	}
	if r1 != r0/2 {
		t.Errorf("expected reward to halve after one interval: got %s, want %s", r1, r0/2)
	}
}
