package chain

import (
	"testing"
	"time"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
)

func newTestTx(t *testing.T, sender bt2ccrypto.Address, recipient bt2ccrypto.Address, amount Satoshi) *Transaction {
	t.Helper()
	return &Transaction{
		Sender: sender, Recipient: recipient, Amount: amount, Fee: NewSatoshi(1) / 1000,
		Timestamp: time.Now().Unix(), Nonce: 1, Expiry: time.Now().Add(time.Hour).Unix(),
		Type: TxTransfer, Network: "testnet",
	}
}

func TestTransactionSignAndValidate(t *testing.T) {
	pub, priv, err := bt2ccrypto.GenerateKey()
	if err != nil {
		t.Fatalf("key generation failed: %v", err)
	}
	sender := bt2ccrypto.DeriveAddress(pub)
	_, recipientPriv, _ := bt2ccrypto.GenerateKey()
	_ = recipientPriv
	recipient := bt2ccrypto.Address{0x01}

	tx := newTestTx(t, sender, recipient, NewSatoshi(10))
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if err := tx.Validate(pub, NewSatoshi(1), "testnet"); err != nil {
		t.Errorf("expected transaction to validate, got %v", err)
	}
}

func TestTransactionHashExcludesSignature(t *testing.T) {
	pub, priv, _ := bt2ccrypto.GenerateKey()
	sender := bt2ccrypto.DeriveAddress(pub)
	tx := newTestTx(t, sender, bt2ccrypto.Address{0x02}, NewSatoshi(5))
	h1, err := tx.Hash()
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	h2, err := tx.Hash()
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("expected hash to be unaffected by signature")
	}
}

func TestTransactionHashChangesOnTamper(t *testing.T) {
	pub, _, _ := bt2ccrypto.GenerateKey()
	sender := bt2ccrypto.DeriveAddress(pub)
	tx := newTestTx(t, sender, bt2ccrypto.Address{0x03}, NewSatoshi(5))
	h1, _ := tx.Hash()
	tx.Amount = NewSatoshi(6)
	h2, _ := tx.Hash()
	if h1 == h2 {
		t.Errorf("expected hash to change when amount is tampered")
	}
}

func TestTransactionValidate_NegativeAmount(t *testing.T) {
	pub, _, _ := bt2ccrypto.GenerateKey()
	sender := bt2ccrypto.DeriveAddress(pub)
	tx := newTestTx(t, sender, bt2ccrypto.Address{0x04}, -1)
	if err := tx.Validate(pub, 0, "testnet"); err != ErrAmountNotPositive {
		t.Errorf("expected ErrAmountNotPositive, got %v", err)
	}
}

func TestTransactionValidate_StakeBelowMinimum(t *testing.T) {
	pub, priv, _ := bt2ccrypto.GenerateKey()
	sender := bt2ccrypto.DeriveAddress(pub)
	tx := newTestTx(t, sender, bt2ccrypto.Address{0x05}, NewSatoshi(1)/2)
	tx.Type = TxStake
	if err := tx.Sign(priv); err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	if err := tx.Validate(pub, NewSatoshi(1), "testnet"); err != ErrStakeBelowMinimum {
		t.Errorf("expected ErrStakeBelowMinimum, got %v", err)
	}
}

func TestTransactionValidate_FutureTimestamp(t *testing.T) {
	pub, _, _ := bt2ccrypto.GenerateKey()
	sender := bt2ccrypto.DeriveAddress(pub)
	tx := newTestTx(t, sender, bt2ccrypto.Address{0x06}, NewSatoshi(1))
	tx.Timestamp = time.Now().Add(time.Hour).Unix()
	if err := tx.Validate(pub, 0, "testnet"); err != ErrTimestampInFuture {
		t.Errorf("expected ErrTimestampInFuture, got %v", err)
	}
}

func TestSatoshiStringRoundTrip(t *testing.T) {
	cases := []string{"0.00000001", "21.00000000", "1000.12345678"}
	for _, c := range cases {
		v, err := ParseSatoshi(c)
		if err != nil {
			t.Fatalf("parse %q failed: %v", c, err)
		}
		if got := v.String(); got != c {
			t.Errorf("round trip mismatch: got %q, want %q", got, c)
		}
	}
}

func TestParseSatoshi_RejectsExcessPrecision(t *testing.T) {
	if _, err := ParseSatoshi("1.123456789"); err == nil {
		t.Errorf("expected error for amount exceeding 8 fractional digits")
	}
}
