package pgx

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is the subset of connection behavior the engine needs. It is
// satisfied by *pgx.Conn, *pgxpool.Pool, *pgxpool.Conn and pgx.Tx, so
// callers decide whether an operation runs on the pool, a dedicated
// connection, or inside a transaction they already hold.
type Conn interface {
	// Exec executes a SQL statement and returns its command tag.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	// Query executes a SQL query and returns the result rows.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// QueryRow executes a query expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
