// Package postgres is a relational persistence adapter over the
// blocks/transactions/validators tables spec.md §6 names, for the
// external collaborators (explorer, analytics) that need SQL access
// alongside the core's own KV-backed internal/validator registry.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"

	"github.com/bt2c/bt2c-core/internal/logging"
)

// Config configures a Client's connection pool.
type Config struct {
	DatabaseURL    string
	MaxOpenConns   int
	MaxIdleConns   int
	ConnMaxLifetime time.Duration
}

// Client wraps a pooled connection to the relational mirror.
type Client struct {
	db     *sql.DB
	logger *log.Logger
}

// NewClient opens and pings a Postgres connection pool per cfg.
func NewClient(cfg Config) (*Client, error) {
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("postgres: DatabaseURL is required")
	}
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	lifetime := cfg.ConnMaxLifetime
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(lifetime)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}

	return &Client{db: db, logger: logging.New("Postgres")}, nil
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.db.Close()
}

// Migrate creates the blocks/transactions/validators tables if they do
// not already exist, per spec.md §6's exact column lists.
func (c *Client) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS blocks (
			hash          TEXT PRIMARY KEY,
			previous_hash TEXT NOT NULL,
			timestamp     BIGINT NOT NULL,
			nonce         BIGINT NOT NULL,
			merkle_root   TEXT NOT NULL,
			height        BIGINT NOT NULL,
			network       TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blocks_height ON blocks (height)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			hash       TEXT PRIMARY KEY,
			type       TEXT NOT NULL,
			sender     TEXT NOT NULL,
			recipient  TEXT NOT NULL,
			amount     TEXT NOT NULL,
			timestamp  BIGINT NOT NULL,
			signature  TEXT NOT NULL,
			nonce      BIGINT NOT NULL,
			block_hash TEXT REFERENCES blocks (hash),
			network    TEXT NOT NULL,
			is_pending BOOLEAN NOT NULL DEFAULT false
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transactions_block_hash ON transactions (block_hash)`,
		`CREATE TABLE IF NOT EXISTS validators (
			address             TEXT PRIMARY KEY,
			stake               TEXT NOT NULL,
			status              TEXT NOT NULL,
			joined_at           BIGINT NOT NULL,
			uptime              DOUBLE PRECISION NOT NULL DEFAULT 0,
			response_time       DOUBLE PRECISION NOT NULL DEFAULT 0,
			validation_accuracy DOUBLE PRECISION NOT NULL DEFAULT 0,
			total_blocks        BIGINT NOT NULL DEFAULT 0,
			rewards_earned      TEXT NOT NULL DEFAULT '0',
			network             TEXT NOT NULL,
			last_block          BIGINT NOT NULL DEFAULT 0,
			last_updated        BIGINT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
