package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orderflow/internal/model"
)

func newTestSQLite(t *testing.T) Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newOrder(number string) *model.Order {
	return &model.Order{
		ID:              uuid.NewString(),
		TenantID:        "acme",
		OrderNumber:     number,
		Status:          model.StatusUploaded,
		Priority:        model.PriorityNormal,
		DeliveryAddress: "12 Dock Rd, Leeds",
		Strategy:        model.StrategyDeterministic,
	}
}

func storeTestSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("CreateAndGetOrder", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		o := newOrder("PO-1001")
		o.RetailerInfo = &model.RetailerInfo{Name: "Corner Shop", Email: "buyer@corner.example"}
		require.NoError(t, s.CreateOrder(ctx, o))
		assert.Equal(t, int64(1), o.Version)

		got, err := s.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, "PO-1001", got.OrderNumber)
		assert.Equal(t, "buyer@corner.example", got.RetailerInfo.Email)

		byNum, err := s.GetOrderByNumber(ctx, "acme", "PO-1001")
		require.NoError(t, err)
		assert.Equal(t, o.ID, byNum.ID)
	})

	t.Run("GetOrderNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetOrder(context.Background(), "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("DuplicateOrderNumber", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.CreateOrder(ctx, newOrder("PO-7")))
		err := s.CreateOrder(ctx, newOrder("PO-7"))
		assert.True(t, errors.Is(err, ErrConflict))

		// Unresolved order numbers do not collide.
		require.NoError(t, s.CreateOrder(ctx, newOrder("")))
		require.NoError(t, s.CreateOrder(ctx, newOrder("")))
	})

	t.Run("UpdateOrderVersion", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		o := newOrder("PO-2")
		require.NoError(t, s.CreateOrder(ctx, o))

		stale := *o
		o.Status = model.StatusProcessing
		require.NoError(t, s.UpdateOrder(ctx, o))
		assert.Equal(t, int64(2), o.Version)

		stale.Status = model.StatusCancelled
		err := s.UpdateOrder(ctx, &stale)
		assert.True(t, errors.Is(err, ErrConflict))
		assert.Equal(t, int64(1), stale.Version)

		got, err := s.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusProcessing, got.Status)
	})

	t.Run("ListOrdersFilter", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		for i := range 3 {
			o := newOrder(fmt.Sprintf("PO-%d", i))
			if i == 0 {
				o.Status = model.StatusFailed
			}
			require.NoError(t, s.CreateOrder(ctx, o))
		}
		all, err := s.ListOrders(ctx, OrderFilter{TenantID: "acme"})
		require.NoError(t, err)
		assert.Len(t, all, 3)

		failed, err := s.ListOrders(ctx, OrderFilter{Status: model.StatusFailed})
		require.NoError(t, err)
		require.Len(t, failed, 1)
		assert.Equal(t, "PO-0", failed[0].OrderNumber)

		page, err := s.ListOrders(ctx, OrderFilter{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, page, 2)
	})

	t.Run("ReplaceSKUItems", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		o := newOrder("PO-3")
		require.NoError(t, s.CreateOrder(ctx, o))

		items := []model.SKUItem{
			{ID: uuid.NewString(), LineNumber: 2, ProductName: "Oat milk", QuantityOrdered: model.Float(6)},
			{ID: uuid.NewString(), LineNumber: 1, ProductName: "Rye bread", QuantityOrdered: model.Float(2)},
		}
		require.NoError(t, s.InTx(ctx, func(r Repo) error { return r.ReplaceSKUItems(ctx, o.ID, items) }))
		require.NoError(t, s.InTx(ctx, func(r Repo) error { return r.ReplaceSKUItems(ctx, o.ID, items) }))

		got, err := s.ListSKUItems(ctx, o.ID)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "Rye bread", got[0].ProductName)
		assert.Equal(t, o.ID, got[1].OrderID)
	})

	t.Run("Steps", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		o := newOrder("PO-4")
		require.NoError(t, s.CreateOrder(ctx, o))

		st := &model.ProcessingStep{ID: uuid.NewString(), OrderID: o.ID, Category: model.CategoryFileProcessing,
			Name: "parse_file", Attempt: 1, Status: model.StepPending}
		require.NoError(t, s.CreateStep(ctx, st))

		st.Status = model.StepCompleted
		st.AddCheckpoint("file_parsed", true, "3 items")
		require.NoError(t, s.UpdateStep(ctx, st))

		dup := *st
		dup.ID = uuid.NewString()
		assert.True(t, errors.Is(s.CreateStep(ctx, &dup), ErrConflict))

		steps, err := s.ListSteps(ctx, o.ID)
		require.NoError(t, err)
		require.Len(t, steps, 1)
		assert.Equal(t, model.StepCompleted, steps[0].Status)
		assert.Equal(t, "3 items", steps[0].Checkpoints[0].Value)

		missing := &model.ProcessingStep{ID: "nope"}
		assert.True(t, errors.Is(s.UpdateStep(ctx, missing), ErrNotFound))
	})

	t.Run("TrackingOrderedBySeq", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		o := newOrder("PO-5")
		require.NoError(t, s.CreateOrder(ctx, o))

		for i := range 5 {
			e := &model.TrackingEntry{
				ID: uuid.NewString(), OrderID: o.ID, Status: fmt.Sprintf("EVENT_%d", i),
				Category: model.CategoryValidation, Message: "m",
				Details: model.Details{Kind: model.KindError, Error: &model.ErrorDetail{Step: "validate_order", Error: "x"}},
			}
			require.NoError(t, s.AppendTracking(ctx, e))
			assert.Positive(t, e.Seq)
		}

		first, err := s.ListTracking(ctx, o.ID, 0, 2)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, "EVENT_0", first[0].Status)
		require.NotNil(t, first[0].Details.Error)
		assert.Equal(t, "validate_order", first[0].Details.Error.Step)

		rest, err := s.ListTracking(ctx, o.ID, first[1].Seq, 10)
		require.NoError(t, err)
		require.Len(t, rest, 3)
		assert.Equal(t, "EVENT_2", rest[0].Status)
		assert.Greater(t, rest[0].Seq, first[1].Seq)
	})

	t.Run("TxRollback", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		o := newOrder("PO-6")
		require.NoError(t, s.CreateOrder(ctx, o))

		boom := errors.New("boom")
		err := s.InTx(ctx, func(r Repo) error {
			if err := r.AppendTracking(ctx, &model.TrackingEntry{ID: uuid.NewString(), OrderID: o.ID,
				Status: "ORDER_VALIDATION_COMPLETED", Category: model.CategoryValidation}); err != nil {
				return err
			}
			got, err := r.GetOrder(ctx, o.ID)
			if err != nil {
				return err
			}
			got.Status = model.StatusValidated
			if err := r.UpdateOrder(ctx, got); err != nil {
				return err
			}
			return boom
		})
		assert.ErrorIs(t, err, boom)

		entries, err := s.ListTracking(ctx, o.ID, 0, 10)
		require.NoError(t, err)
		assert.Empty(t, entries)
		got, err := s.GetOrder(ctx, o.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusUploaded, got.Status)
	})

	t.Run("EmailsAndActions", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		o := newOrder("PO-8")
		require.NoError(t, s.CreateOrder(ctx, o))

		em := &model.EmailCommunication{ID: uuid.NewString(), OrderID: o.ID, Type: model.EmailMissingInfo,
			Subject: "Missing details", Recipient: "buyer@x.example", Status: model.EmailDraft}
		require.NoError(t, s.CreateEmail(ctx, em))
		em.Status = model.EmailPending
		require.NoError(t, s.UpdateEmail(ctx, em))

		pending, err := s.ListEmailsByStatus(ctx, model.EmailPending, time.Now().Add(time.Minute))
		require.NoError(t, err)
		require.Len(t, pending, 1)
		none, err := s.ListEmailsByStatus(ctx, model.EmailPending, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Empty(t, none)

		a := &model.UserAction{ID: uuid.NewString(), OrderID: o.ID, Type: model.ActionApproveEmail,
			Status: model.ActionPending, CurrentData: model.ActionData{EmailID: em.ID}}
		require.NoError(t, s.CreateUserAction(ctx, a))
		a.Status = model.ActionCompleted
		require.NoError(t, s.UpdateUserAction(ctx, a))

		acts, err := s.ListUserActions(ctx, o.ID)
		require.NoError(t, err)
		require.Len(t, acts, 1)
		assert.Equal(t, model.ActionCompleted, acts[0].Status)
		assert.Equal(t, em.ID, acts[0].CurrentData.EmailID)
	})

	t.Run("Threads", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		o := newOrder("PO-9")
		require.NoError(t, s.CreateOrder(ctx, o))

		th := &model.AIThread{ID: uuid.NewString(), OrderID: o.ID, Status: model.ThreadCreated, Instruction: "extract"}
		require.NoError(t, s.CreateThread(ctx, th))
		th.Status = model.ThreadRunning
		require.NoError(t, s.UpdateThread(ctx, th))

		running, err := s.ListThreadsByStatus(ctx, model.ThreadRunning)
		require.NoError(t, err)
		require.Len(t, running, 1)

		got, err := s.GetThread(ctx, th.ID)
		require.NoError(t, err)
		assert.Equal(t, "extract", got.Instruction)
	})
}

func TestSQLiteStore(t *testing.T) {
	storeTestSuite(t, newTestSQLite)
}

func TestSQLiteStore_TrackingIsAppendOnly(t *testing.T) {
	s := newTestSQLite(t).(*SQLiteStore)
	ctx := context.Background()
	o := newOrder("PO-AO")
	require.NoError(t, s.CreateOrder(ctx, o))
	require.NoError(t, s.AppendTracking(ctx, &model.TrackingEntry{ID: uuid.NewString(), OrderID: o.ID,
		Status: "ORDER_UPLOADED", Category: model.CategoryFileProcessing}))

	_, err := s.db.ExecContext(ctx, `UPDATE order_tracking SET message = 'edited'`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")

	_, err = s.db.ExecContext(ctx, `DELETE FROM order_tracking`)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append-only")
}

func TestRebind(t *testing.T) {
	assert.Equal(t, "SELECT 1", rebind("SELECT 1"))
	assert.Equal(t, "UPDATE t SET a = $1, b = $2 WHERE id = $3", rebind("UPDATE t SET a = ?, b = ? WHERE id = ?"))
}
