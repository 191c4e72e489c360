//go:build integration

package postgres_test

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/warp/stock-ledger/stock"
	"github.com/warp/stock-ledger/stock/stocktest"
	"github.com/warp/stock-ledger/store/postgres"
)

// startPostgres starts one container for the whole test and returns its DSN.
func startPostgres(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("stock_test"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err, "Failed to start PostgreSQL container")
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err, "Failed to get connection string")
	return dsn
}

func TestLedgerSuite_Postgres(t *testing.T) {
	dsn := startPostgres(t)

	var n int64
	stocktest.Run(t, func(t *testing.T) stock.TxStore {
		// Each scenario gets its own schema so ids and FIFO listings
		// never see rows from another scenario.
		schema := fmt.Sprintf("scenario_%d", atomic.AddInt64(&n, 1))

		admin, err := postgres.Open(postgres.Options{DSN: dsn})
		require.NoError(t, err)
		require.NoError(t, admin.Exec(context.Background(), "CREATE SCHEMA "+schema))
		require.NoError(t, admin.Close())

		s, err := postgres.Open(postgres.Options{
			DSN:          dsn + "&search_path=" + schema,
			MaxOpenConns: 10,
		})
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}
