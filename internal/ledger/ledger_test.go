package ledger

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/store"
)

func newTestStore(t testing.TB) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func newTestOrder(t testing.TB, s store.Store) string {
	t.Helper()
	o := &model.Order{ID: uuid.NewString(), OrderNumber: "PO-" + uuid.NewString()[:8], Status: model.StatusUploaded}
	require.NoError(t, s.CreateOrder(context.Background(), o))
	return o.ID
}

func TestAppend(t *testing.T) {
	s := newTestStore(t)
	l := New(s)
	ctx := context.Background()
	orderID := newTestOrder(t, s)

	e, err := l.Append(ctx, nil, orderID, FileParsingCompleted, model.CategoryFileProcessing, "parsed 3 items",
		model.Details{Kind: model.KindParse, Parse: &model.ParseDetail{Format: "csv", Items: 3, Confidence: 1}})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Positive(t, e.Seq)

	all, err := l.All(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, FileParsingCompleted, all[0].Status)
	require.NotNil(t, all[0].Details.Parse)
	assert.Equal(t, 3, all[0].Details.Parse.Items)
}

func TestAppend_RequiresStatus(t *testing.T) {
	s := newTestStore(t)
	l := New(s)

	_, err := l.Append(context.Background(), nil, newTestOrder(t, s), "", model.CategoryValidation, "", model.Details{})
	require.Error(t, err)
}

func TestAppend_UnknownOrderFails(t *testing.T) {
	s := newTestStore(t)
	l := New(s)

	_, err := l.Append(context.Background(), nil, "missing", OrderUploaded, model.CategoryFileProcessing, "", model.Details{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger: append ORDER_UPLOADED")
}

func TestAppend_RolledBackWithTransaction(t *testing.T) {
	s := newTestStore(t)
	l := New(s)
	ctx := context.Background()
	orderID := newTestOrder(t, s)

	boom := errors.New("step update failed")
	err := s.InTx(ctx, func(r store.Repo) error {
		if _, err := l.Append(ctx, r, orderID, ValidationCompleted, model.CategoryValidation, "", model.Details{}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	all, err := l.All(ctx, orderID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestListSince_PagesAndResumes(t *testing.T) {
	s := newTestStore(t)
	l := New(s)
	ctx := context.Background()
	orderID := newTestOrder(t, s)
	other := newTestOrder(t, s)

	total := pageSize + 15
	for i := range total {
		_, err := l.Append(ctx, nil, orderID, fmt.Sprintf("EVENT_%03d", i), model.CategorySystemProcess, "", model.Details{})
		require.NoError(t, err)
	}
	_, err := l.Append(ctx, nil, other, OrderUploaded, model.CategoryFileProcessing, "", model.Details{})
	require.NoError(t, err)

	var seen []model.TrackingEntry
	for e, err := range l.ListSince(ctx, orderID, 0) {
		require.NoError(t, err)
		seen = append(seen, e)
	}
	require.Len(t, seen, total)
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i].Seq, seen[i-1].Seq)
	}
	assert.Equal(t, "EVENT_000", seen[0].Status)

	// Stop after ten entries, then resume from the last cursor.
	var cursor int64
	n := 0
	for e, err := range l.ListSince(ctx, orderID, 0) {
		require.NoError(t, err)
		cursor = e.Seq
		n++
		if n == 10 {
			break
		}
	}
	var rest int
	for e, err := range l.ListSince(ctx, orderID, cursor) {
		require.NoError(t, err)
		assert.Greater(t, e.Seq, cursor)
		rest++
	}
	assert.Equal(t, total-10, rest)
}

func TestListSince_CancelledContext(t *testing.T) {
	s := newTestStore(t)
	l := New(s)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var gotErr error
	for _, err := range l.ListSince(ctx, "any", 0) {
		gotErr = err
	}
	require.ErrorIs(t, gotErr, context.Canceled)
}

func TestLatest(t *testing.T) {
	s := newTestStore(t)
	l := New(s)
	ctx := context.Background()
	orderID := newTestOrder(t, s)

	first, err := l.Append(ctx, nil, orderID, FileParsingFailed, model.CategoryFileProcessing, "first", model.Details{})
	require.NoError(t, err)
	_, err = l.Append(ctx, nil, orderID, FileParsingCompleted, model.CategoryFileProcessing, "", model.Details{})
	require.NoError(t, err)
	second, err := l.Append(ctx, nil, orderID, FileParsingFailed, model.CategoryFileProcessing, "second", model.Details{})
	require.NoError(t, err)

	got, err := l.Latest(ctx, orderID, FileParsingFailed)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
	assert.NotEqual(t, first.ID, got.ID)

	n, err := l.Count(ctx, orderID, FileParsingFailed)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = l.Latest(ctx, orderID, SubmissionCompleted)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestCodes(t *testing.T) {
	for _, c := range model.PipelineOrder {
		assert.NotEmpty(t, CompletedCode(c), c)
		assert.NotEmpty(t, FailedCode(c), c)
	}
	assert.Equal(t, FileParsingFailed, FailedCode(model.CategoryFileProcessing))
	assert.Equal(t, ValidationCompleted, CompletedCode(model.CategoryValidation))
}
