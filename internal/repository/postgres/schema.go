package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS dispatch_jobs (
		id                 text PRIMARY KEY,
		destination        text NOT NULL,
		payload_ref        text NOT NULL,
		status             text NOT NULL,
		backend            text,
		provider_sid       text,
		pages              integer,
		last_error         text,
		updates_suppressed boolean NOT NULL DEFAULT false,
		created_at         timestamptz NOT NULL DEFAULT now(),
		updated_at         timestamptz NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS dispatch_jobs_status_idx
		ON dispatch_jobs (status, created_at)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS dispatch_jobs_correlation_idx
		ON dispatch_jobs (backend, provider_sid)
		WHERE provider_sid IS NOT NULL`,
}

// EnsureSchema creates the ledger tables if they do not exist.
func EnsureSchema(ctx context.Context, db *sqlx.DB) error {
	return withTx(ctx, db, func(tx *sqlx.Tx) error {
		for _, stmt := range schemaStatements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("job ledger: ensure schema: %w", err)
			}
		}
		return nil
	})
}
