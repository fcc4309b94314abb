package store

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
		address    TEXT PRIMARY KEY,
		balance    NUMERIC(38, 18) NOT NULL DEFAULT 0 CHECK (balance >= 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS processed_deposits (
		address     TEXT NOT NULL REFERENCES accounts (address),
		coin_type   TEXT NOT NULL,
		tx_id       TEXT NOT NULL,
		amount      NUMERIC(38, 18) NOT NULL,
		credited    NUMERIC(38, 18) NOT NULL,
		observed_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (address, coin_type, tx_id)
	)`,
	`CREATE TABLE IF NOT EXISTS generation_jobs (
		request_id TEXT PRIMARY KEY,
		address    TEXT NOT NULL REFERENCES accounts (address),
		state      TEXT NOT NULL,
		progress   INT NOT NULL DEFAULT 0 CHECK (progress BETWEEN 0 AND 100),
		stages     JSONB NOT NULL DEFAULT '[]',
		params     JSONB NOT NULL DEFAULT '{}',
		cost       NUMERIC(38, 18) NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_generation_jobs_state ON generation_jobs (state)`,
}

// Migrate creates the ledger tables if they do not exist.
func (s *Postgres) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.Db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
