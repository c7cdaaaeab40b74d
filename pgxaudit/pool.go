// Package pgxaudit stores audit outbox entries in PostgreSQL and runs
// business transactions with change capture attached.
package pgxaudit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kafeiih/audit-trail/internal/retry"
)

// DB abstracts the query methods shared by *pgxpool.Pool, pgx.Tx and *Tx.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Beginner starts transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Open connects a pool to url and waits until the database answers a ping.
func Open(ctx context.Context, url string, ready retry.Readiness, logger *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("creating pgx pool: %w", err)
	}

	err = ready.Wait(ctx, pool.Ping, func(attempt int, err error) {
		logger.Warn("database not ready", "attempt", attempt, "error", err)
	})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("waiting for database: %w", err)
	}
	return pool, nil
}
