package pgxsession

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// Setup initializes the session audit table.
// It uses a PostgreSQL advisory lock to prevent concurrent setup attempts.
// If the table already exists, it does nothing.
// This function should be called once at application startup.
func Setup(ctx context.Context, pool *pgxpool.Pool) error {
	// Lock ID 48151 is arbitrary but must be consistent across all processes
	const lockID int64 = 48151

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", lockID); err != nil {
			return fmt.Errorf("failed to acquire advisory lock: %w", err)
		}

		var exists bool
		err := tx.QueryRow(ctx,
			`SELECT EXISTS (
				SELECT FROM pg_tables
				WHERE schemaname = current_schema() AND tablename = 'reqscope_sessions'
			)`,
		).Scan(&exists)
		if err != nil {
			return fmt.Errorf("failed to check if session table exists: %w", err)
		}
		if exists {
			return nil // Table already exists, no need to set up
		}

		if _, err := tx.Exec(ctx, schemaSQL); err != nil {
			return fmt.Errorf("failed to create session table: %w", err)
		}
		return nil
	})
}

// Cleanup drops the session audit table. It is used to clean up the database
// schema when the library is no longer needed.
func Cleanup(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, "DROP TABLE IF EXISTS reqscope_sessions"); err != nil {
		return fmt.Errorf("failed to drop session table: %w", err)
	}
	return nil
}
