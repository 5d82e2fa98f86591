package postgres

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/bt2c/bt2c-core/internal/chain"
)

// BlockRepository persists finalized blocks, mirroring internal/chain's
// Block into the relational schema spec.md §6 names.
type BlockRepository struct {
	client *Client
}

// NewBlockRepository constructs a BlockRepository over client.
func NewBlockRepository(client *Client) *BlockRepository {
	return &BlockRepository{client: client}
}

// Insert writes one block row, grounded on the teacher's
// INSERT-with-numbered-placeholders style (pkg/database/repository_anchor.go).
func (r *BlockRepository) Insert(ctx context.Context, b *chain.Block) error {
	hash, err := b.Hash()
	if err != nil {
		return fmt.Errorf("postgres: hash block %d: %w", b.Index, err)
	}
	const query = `
		INSERT INTO blocks (hash, previous_hash, timestamp, nonce, merkle_root, height, network)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (hash) DO NOTHING`
	_, err = r.client.db.ExecContext(ctx, query,
		hex.EncodeToString(hash.Bytes()), hex.EncodeToString(b.PreviousHash.Bytes()),
		b.Timestamp, b.Nonce, hex.EncodeToString(b.MerkleRoot.Bytes()), b.Index, b.Network,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert block %d: %w", b.Index, err)
	}
	return nil
}

// HeightOf returns the stored height for a block hash, or
// sql.ErrNoRows-wrapped error if absent.
func (r *BlockRepository) HeightOf(ctx context.Context, hashHex string) (int64, error) {
	const query = `SELECT height FROM blocks WHERE hash = $1`
	var height int64
	if err := r.client.db.QueryRowContext(ctx, query, hashHex).Scan(&height); err != nil {
		return 0, fmt.Errorf("postgres: height of %s: %w", hashHex, err)
	}
	return height, nil
}

// MaxHeight returns the greatest stored block height, or -1 if empty.
func (r *BlockRepository) MaxHeight(ctx context.Context) (int64, error) {
	const query = `SELECT COALESCE(MAX(height), -1) FROM blocks`
	var height int64
	if err := r.client.db.QueryRowContext(ctx, query).Scan(&height); err != nil {
		return 0, fmt.Errorf("postgres: max height: %w", err)
	}
	return height, nil
}
