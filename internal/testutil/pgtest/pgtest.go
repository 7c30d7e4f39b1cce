// Package pgtest holds shared helpers for integration tests that need
// a real PostgreSQL database. Tests are gated on the TEST_DATABASE
// environment variable and skip when it is unset.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// Skip skips t unless TEST_DATABASE is set.
func Skip(t testing.TB) {
	if os.Getenv("TEST_DATABASE") == "" {
		t.Skip("TEST_DATABASE not set")
	}
}

// Connect creates a database connection for testing, closed on cleanup.
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	Skip(t)

	config, err := pgx.ParseConfig(os.Getenv("TEST_DATABASE"))
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}

	conn, err := pgx.ConnectConfig(ctx, config)
	require.NoError(t, err)

	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, conn.Close(closeCtx))
	})

	return conn
}

// Pool creates a connection pool for testing, closed on cleanup.
func Pool(ctx context.Context, t testing.TB) *pgxpool.Pool {
	Skip(t)

	pool, err := pgxpool.New(ctx, os.Getenv("TEST_DATABASE"))
	require.NoError(t, err)

	t.Cleanup(pool.Close)
	return pool
}

// TempSchema creates a uniquely named schema dropped on cleanup, so
// tests can create fixture tables without colliding.
func TempSchema(ctx context.Context, t testing.TB, pool *pgxpool.Pool) string {
	name := fmt.Sprintf("tablekit_test_%d", time.Now().UnixNano())
	_, err := pool.Exec(ctx, "CREATE SCHEMA "+name)
	require.NoError(t, err)

	t.Cleanup(func() {
		_, err := pool.Exec(context.Background(), "DROP SCHEMA "+name+" CASCADE")
		require.NoError(t, err)
	})
	return name
}
