//go:build integration

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestPostgresStore_Integration(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase("orderflow"),
		postgres.WithUsername("orderflow"),
		postgres.WithPassword("orderflow"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := NewPostgres(ctx, dsn, &PoolConfig{MaxConns: 4, MinConns: 1})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(ctx))
	// Migrate is idempotent.
	require.NoError(t, s.Migrate(ctx))

	newStore := func(t *testing.T) Store {
		t.Helper()
		_, err := s.pool.Exec(ctx, `TRUNCATE order_tracking, order_sku_items, order_steps, order_emails, order_user_actions, ai_threads, orders`)
		require.NoError(t, err)
		return s
	}

	storeTestSuite(t, newStore)

	t.Run("TrackingIsAppendOnly", func(t *testing.T) {
		st := newStore(t).(*PostgresStore)
		o := newOrder("PO-AO")
		require.NoError(t, st.CreateOrder(ctx, o))
		_, err := st.pool.Exec(ctx, `INSERT INTO order_tracking (id, order_id, status, category, message, details, created_at) VALUES ('t1', $1, 'ORDER_UPLOADED', 'file_processing', '', 'null', 0)`, o.ID)
		require.NoError(t, err)

		_, err = st.pool.Exec(ctx, `UPDATE order_tracking SET message = 'edited'`)
		require.ErrorContains(t, err, "append-only")
		_, err = st.pool.Exec(ctx, `DELETE FROM order_tracking`)
		require.ErrorContains(t, err, "append-only")
	})
}
