package store

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orderflow/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return newPostgresStore(mock), mock
}

func TestPostgresStore_GetOrder_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM orders WHERE id = \$1`).
		WithArgs("nonexistent").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetOrder(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetOrder(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM orders WHERE id = \$1`).
		WithArgs("o-1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"id":"o-1","order_number":"PO-1","status":"VALIDATED","version":4}`)))

	o, err := s.GetOrder(context.Background(), "o-1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidated, o.Status)
	assert.Equal(t, int64(4), o.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateOrder_UniqueViolation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO orders \(id, tenant_id, order_number, status, priority, version, data, created_at, updated_at\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7, \$8, \$9\)`).
		WithArgs("o-1", "acme", "PO-1", "UPLOADED", "NORMAL", int64(1), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value"})

	o := &model.Order{ID: "o-1", TenantID: "acme", OrderNumber: "PO-1", Status: model.StatusUploaded, Priority: model.PriorityNormal}
	err := s.CreateOrder(context.Background(), o)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateOrder_Stale(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE orders SET order_number = \$1, status = \$2, priority = \$3, version = \$4, data = \$5, updated_at = \$6 WHERE id = \$7 AND version = \$8`).
		WithArgs("PO-1", "PROCESSING", "", int64(3), pgxmock.AnyArg(), pgxmock.AnyArg(), "o-1", int64(2)).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery(`SELECT data FROM orders WHERE id = \$1`).
		WithArgs("o-1").
		WillReturnRows(pgxmock.NewRows([]string{"data"}).AddRow([]byte(`{"id":"o-1","version":5}`)))

	o := &model.Order{ID: "o-1", OrderNumber: "PO-1", Status: model.StatusProcessing, Version: 2}
	err := s.UpdateOrder(context.Background(), o)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.Equal(t, int64(2), o.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendTracking(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`INSERT INTO order_tracking \(id, order_id, status, category, message, details, created_at\) VALUES \(\$1, \$2, \$3, \$4, \$5, \$6, \$7\) RETURNING seq`).
		WithArgs("t-1", "o-1", "FILE_PARSING_COMPLETED", "file_processing", "parsed 3 items", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"seq"}).AddRow(int64(17)))

	e := &model.TrackingEntry{ID: "t-1", OrderID: "o-1", Status: "FILE_PARSING_COMPLETED",
		Category: model.CategoryFileProcessing, Message: "parsed 3 items"}
	require.NoError(t, s.AppendTracking(context.Background(), e))
	assert.Equal(t, int64(17), e.Seq)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListTracking(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT seq, id, order_id, status, category, message, details, created_at FROM order_tracking WHERE order_id = \$1 AND seq > \$2 ORDER BY seq LIMIT \$3`).
		WithArgs("o-1", int64(5), 2).
		WillReturnRows(pgxmock.NewRows([]string{"seq", "id", "order_id", "status", "category", "message", "details", "created_at"}).
			AddRow(int64(6), "t-6", "o-1", "VALIDATION_FAILED", "validation", "score 0.65", []byte(`{"kind":"validation","data":{"score":0.65,"band":"significant_gaps","blocking":true}}`), int64(1760000000000)).
			AddRow(int64(7), "t-7", "o-1", "EMAIL_DRAFT_CREATED", "communication", "draft", []byte(`null`), int64(1760000001000)))

	entries, err := s.ListTracking(context.Background(), "o-1", 5, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, model.KindValidation, entries[0].Details.Kind)
	assert.InDelta(t, 0.65, entries[0].Details.Validation.Score, 0.0001)
	assert.Equal(t, model.CategoryCommunication, entries[1].Category)
	assert.Empty(t, entries[1].Details.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_Rollback(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM order_sku_items WHERE order_id = \$1`).
		WithArgs("o-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`INSERT INTO order_sku_items`).
		WithArgs("s-1", "o-1", 1, pgxmock.AnyArg()).
		WillReturnError(errors.New("connection lost"))
	mock.ExpectRollback()

	err := s.InTx(context.Background(), func(r Repo) error {
		return r.ReplaceSKUItems(context.Background(), "o-1", []model.SKUItem{{ID: "s-1", LineNumber: 1}})
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert sku item")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InTx_Commit(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE order_steps SET status = \$1, data = \$2 WHERE id = \$3`).
		WithArgs("completed", pgxmock.AnyArg(), "st-1").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), func(r Repo) error {
		return r.UpdateStep(context.Background(), &model.ProcessingStep{ID: "st-1", Status: model.StepCompleted})
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListOrders(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT data FROM orders WHERE 1=1 AND status = \$1 ORDER BY created_at DESC, id LIMIT \$2 OFFSET \$3`).
		WithArgs("FAILED", 100, 0).
		WillReturnRows(pgxmock.NewRows([]string{"data"}).
			AddRow([]byte(`{"id":"a","status":"FAILED"}`)).
			AddRow([]byte(`{"id":"b","status":"FAILED"}`)))

	orders, err := s.ListOrders(context.Background(), OrderFilter{Status: model.StatusFailed})
	require.NoError(t, err)
	assert.Len(t, orders, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_Migrate(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`CREATE TABLE IF NOT EXISTS orders`).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.Migrate(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}
