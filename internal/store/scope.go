package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// withScope begins a transaction on pool and sets the session-scoped
// app.project_id and app.is_admin variables that row-level security checks
// against, per the per-transaction reset rule: pool connections are reused
// across callers, so the scope must never leak between transactions.
func withScope(ctx context.Context, pool *pgxpool.Pool, projectID uuid.UUID, fn func(tx pgx.Tx) error) error {
	return withTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "select set_config('app.project_id', $1, true), set_config('app.is_admin', 'false', true)", projectID.String()); err != nil {
			return fmt.Errorf("set project scope: %w", err)
		}
		return fn(tx)
	})
}

// withAdminScope is used by background reconcilers and the dispatcher,
// which must cross tenant boundaries. The admin flag is transaction-scoped
// only (the third argument to set_config), never persisted on the
// connection beyond this transaction.
func withAdminScope(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	return withTx(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "select set_config('app.project_id', '', true), set_config('app.is_admin', 'true', true)"); err != nil {
			return fmt.Errorf("set admin scope: %w", err)
		}
		return fn(tx)
	})
}

func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(tx pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
