package postgres

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
	"github.com/bt2c/bt2c-core/internal/chain"
)

// TransactionRepository persists transactions into the relational
// mirror, keyed by hash per spec.md §6.
type TransactionRepository struct {
	client *Client
}

// NewTransactionRepository constructs a TransactionRepository over client.
func NewTransactionRepository(client *Client) *TransactionRepository {
	return &TransactionRepository{client: client}
}

// Insert writes tx, associated with blockHashHex ("" for still-pending
// transactions not yet included in a block).
func (r *TransactionRepository) Insert(ctx context.Context, tx *chain.Transaction, blockHashHex string) error {
	hashHex := tx.HashHex()
	if hashHex == "" {
		return fmt.Errorf("postgres: hash transaction: encoding failed")
	}
	const query = `
		INSERT INTO transactions (
			hash, type, sender, recipient, amount, timestamp, signature, nonce, block_hash, network, is_pending
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (hash) DO NOTHING`
	_, err := r.client.db.ExecContext(ctx, query,
		hashHex, string(tx.Type),
		bt2ccrypto.AddressString(tx.Sender), bt2ccrypto.AddressString(tx.Recipient),
		tx.Amount.String(), tx.Timestamp, hex.EncodeToString(tx.Signature), tx.Nonce,
		nullableText(blockHashHex), tx.Network, blockHashHex == "",
	)
	if err != nil {
		return fmt.Errorf("postgres: insert transaction: %w", err)
	}
	return nil
}

// MarkIncluded updates a pending transaction's block_hash once it is
// mined into a block.
func (r *TransactionRepository) MarkIncluded(ctx context.Context, txHashHex, blockHashHex string) error {
	const query = `UPDATE transactions SET block_hash = $1, is_pending = false WHERE hash = $2`
	_, err := r.client.db.ExecContext(ctx, query, blockHashHex, txHashHex)
	if err != nil {
		return fmt.Errorf("postgres: mark transaction %s included: %w", txHashHex, err)
	}
	return nil
}

func nullableText(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
