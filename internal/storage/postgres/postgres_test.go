package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	_ "github.com/lib/pq"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
	"github.com/bt2c/bt2c-core/internal/chain"
	"github.com/bt2c/bt2c-core/internal/validator"
)

var testClient *Client

func TestMain(m *testing.M) {
	connStr := os.Getenv("BT2C_TEST_DB")
	if connStr == "" {
		os.Exit(0)
	}

	c, err := NewClient(Config{DatabaseURL: connStr})
	if err != nil {
		panic("connect to test database: " + err.Error())
	}
	if err := c.Migrate(context.Background()); err != nil {
		panic("migrate test database: " + err.Error())
	}
	testClient = c

	code := m.Run()
	c.Close()
	os.Exit(code)
}

func testAddress(t *testing.T, seed byte) bt2ccrypto.Address {
	t.Helper()
	var addr bt2ccrypto.Address
	for i := range addr {
		addr[i] = seed
	}
	return addr
}

func TestBlockRepository_InsertAndQuery(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	repo := NewBlockRepository(testClient)
	ctx := context.Background()

	b := &chain.Block{Index: 1, Network: "bt2c-test", Timestamp: time.Now().Unix()}
	if err := b.RecomputeMerkleRoot(); err != nil {
		t.Fatalf("merkle root: %v", err)
	}
	if err := repo.Insert(ctx, b); err != nil {
		t.Fatalf("insert: %v", err)
	}
	defer func() {
		hash, _ := b.Hash()
		_, _ = testClient.db.ExecContext(ctx, "DELETE FROM blocks WHERE hash = $1", hash.Bytes())
	}()

	max, err := repo.MaxHeight(ctx)
	if err != nil {
		t.Fatalf("max height: %v", err)
	}
	if max < 1 {
		t.Errorf("expected max height >= 1, got %d", max)
	}
}

func TestTransactionRepository_InsertIsIdempotent(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	repo := NewTransactionRepository(testClient)
	ctx := context.Background()

	tx := &chain.Transaction{
		Sender:    testAddress(t, 1),
		Recipient: testAddress(t, 2),
		Amount:    chain.Satoshi(1000),
		Timestamp: time.Now().Unix(),
		Nonce:     1,
		Type:      chain.TxTransfer,
		Network:   "bt2c-test",
		Signature: make([]byte, 64),
	}

	if err := repo.Insert(ctx, tx, ""); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := repo.Insert(ctx, tx, ""); err != nil {
		t.Fatalf("second insert should be a no-op, not an error: %v", err)
	}
}

func TestValidatorRepository_UpsertOverwrites(t *testing.T) {
	if testClient == nil {
		t.Skip("test database not configured")
	}
	repo := NewValidatorRepository(testClient)
	ctx := context.Background()

	v := validator.NewValidator(testAddress(t, 3), make([]byte, 32), chain.Satoshi(100_000_000), time.Now())
	if err := repo.Upsert(ctx, v, "bt2c-test"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	defer func() {
		_, _ = testClient.db.ExecContext(ctx, "DELETE FROM validators WHERE address = $1", bt2ccrypto.AddressString(v.Address))
	}()

	v.Status = validator.StatusJailed
	if err := repo.Upsert(ctx, v, "bt2c-test"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	status, err := repo.StatusOf(ctx, bt2ccrypto.AddressString(v.Address))
	if err != nil {
		t.Fatalf("status of: %v", err)
	}
	if status != string(validator.StatusJailed) {
		t.Errorf("expected JAILED after overwrite, got %s", status)
	}
}
