package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bt2c/bt2c-core/internal/bt2ccrypto"
	"github.com/bt2c/bt2c-core/internal/validator"
)

// ValidatorRepository mirrors the validator registry into the relational
// schema spec.md §6 names, for external read access (explorer, analytics).
type ValidatorRepository struct {
	client *Client
}

// NewValidatorRepository constructs a ValidatorRepository over client.
func NewValidatorRepository(client *Client) *ValidatorRepository {
	return &ValidatorRepository{client: client}
}

// Upsert writes v's current state, overwriting any existing row for the
// same address.
func (r *ValidatorRepository) Upsert(ctx context.Context, v *validator.Validator, network string) error {
	const query = `
		INSERT INTO validators (
			address, stake, status, joined_at, uptime, response_time,
			validation_accuracy, total_blocks, rewards_earned, network,
			last_block, last_updated
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (address) DO UPDATE SET
			stake               = EXCLUDED.stake,
			status              = EXCLUDED.status,
			uptime              = EXCLUDED.uptime,
			response_time       = EXCLUDED.response_time,
			validation_accuracy = EXCLUDED.validation_accuracy,
			total_blocks        = EXCLUDED.total_blocks,
			rewards_earned      = EXCLUDED.rewards_earned,
			last_block          = EXCLUDED.last_block,
			last_updated        = EXCLUDED.last_updated`
	_, err := r.client.db.ExecContext(ctx, query,
		bt2ccrypto.AddressString(v.Address), v.Stake.String(), string(v.Status), v.JoinedAt,
		v.Uptime, v.ResponseTime, v.ValidationAccuracy, v.TotalBlocks, v.RewardsEarned.String(),
		network, v.LastBlockTime, v.JoinedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert validator %s: %w", bt2ccrypto.AddressString(v.Address), err)
	}
	return nil
}

// StatusOf returns the stored status string for address, or
// sql.ErrNoRows if the validator has never been persisted.
func (r *ValidatorRepository) StatusOf(ctx context.Context, address string) (string, error) {
	const query = `SELECT status FROM validators WHERE address = $1`
	var status string
	if err := r.client.db.QueryRowContext(ctx, query, address).Scan(&status); err != nil {
		if err == sql.ErrNoRows {
			return "", err
		}
		return "", fmt.Errorf("postgres: status of %s: %w", address, err)
	}
	return status, nil
}
