package engine

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orderflow/internal/ledger"
	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/store"
)

// assertOrdered checks that want appear in codes in this order.
func assertOrdered(t *testing.T, codes []string, want ...string) {
	t.Helper()
	from := 0
	for _, w := range want {
		i := slices.Index(codes[from:], w)
		if !assert.GreaterOrEqual(t, i, 0, "%s missing after position %d in %v", w, from, codes) {
			return
		}
		from += i + 1
	}
}

func TestProcess_HappyPathSubmits(t *testing.T) {
	f := newFixture(t, withAutoSubmit())
	ctx := context.Background()
	o := f.upload(t, completeOrder)
	assert.Equal(t, model.StatusUploaded, o.Status)
	assert.Equal(t, model.PriorityNormal, o.Priority)

	res, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, HaltDone, res.Halt)
	assert.Equal(t, []model.StepCategory{
		model.CategoryFileProcessing, model.CategoryValidation, model.CategorySKUProcessing, model.CategorySystemProcess,
	}, res.Ran)

	got := res.Order
	require.NotNil(t, got)
	assert.Equal(t, model.StatusSubmitted, got.Status)
	assert.Equal(t, "PO-1001", got.OrderNumber)
	assert.Equal(t, "12 Dock Rd, Leeds", got.DeliveryAddress)
	assert.Contains(t, got.SupplierReference, "LOG-")
	require.NotNil(t, got.LatestValidation)
	assert.InDelta(t, 1.0, got.LatestValidation.Score, 1e-9)
	assert.Equal(t, model.BandReady, got.LatestValidation.Band)
	assert.Equal(t, 3, got.Totals.SKUCount)
	assert.InDelta(t, 22.5, got.Totals.Subtotal, 1e-9)

	items, err := f.eng.GetItems(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "A-1", items[0].SKUCode)
	assert.Equal(t, "Widget One", items[0].ProductName)
	assert.Equal(t, "drinks", items[2].Category)
	require.NotNil(t, items[0].VolumeM3)
	assert.Contains(t, items[0].ProcessingRemarks, "volume_m3 estimated as 0.01 (default)")

	assertOrdered(t, f.codes(t, o.ID),
		ledger.OrderUploaded,
		ledger.FileParsingCompleted,
		ledger.ValidationCompleted,
		ledger.SKUProcessingCompleted,
		ledger.SubmissionCompleted,
	)
	assert.Zero(t, f.count(t, o.ID, ledger.ValidationFailed))
	assert.Equal(t, int64(4), f.sum(t, "orderflow.stage.runs"))
}

func TestProcess_StopsBeforeSubmission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.upload(t, completeOrder)

	res, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, HaltAwaitingSubmission, res.Halt)
	assert.Equal(t, model.StatusValidated, res.Order.Status)
	assert.Equal(t, model.StepPending, f.current(t, o.ID)[model.CategorySystemProcess].Status)

	res, err = f.eng.Advance(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, []model.StepCategory{model.CategorySystemProcess}, res.Ran)
	assert.Equal(t, model.StatusSubmitted, res.Order.Status)
}

func TestProcess_MissingInfoLoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.upload(t, missingPrices)

	res, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, HaltWaitingUser, res.Halt)
	assert.Equal(t, model.StatusMissingInfo, res.Order.Status)
	require.NotNil(t, res.Order.LatestValidation)
	assert.InDelta(t, 0.65, res.Order.LatestValidation.Score, 1e-9)
	assert.True(t, res.Order.LatestValidation.Blocking)
	assert.Contains(t, res.Order.LatestValidation.MissingFields, "sku_items[2].unit_price")
	assert.Contains(t, res.Order.LatestValidation.MissingFields, "sku_items[4].unit_price")

	emails, err := f.eng.GetEmails(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, emails, 1)
	assert.Equal(t, model.EmailDraft, emails[0].Status)
	assert.Equal(t, "buyer@corner.example", emails[0].Recipient)

	open, err := f.eng.GetUserActions(ctx, o.ID, true)
	require.NoError(t, err)
	require.Len(t, open, 2)
	types := []model.ActionType{open[0].Type, open[1].Type}
	assert.ElementsMatch(t, []model.ActionType{model.ActionCorrectFields, model.ActionApproveEmail}, types)

	status, err := f.eng.GetStatus(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CategoryUserInteraction, status.Stage)
	assert.Equal(t, 2, status.OpenActions)

	cr, err := f.eng.CorrectMissingFields(ctx, o.ID, map[string]string{
		"sku_items[2].unit_price": "3.40",
		"sku_items[4].unit_price": "2.10",
		"delivery_address":        "elsewhere",
	})
	require.NoError(t, err)
	assert.Len(t, cr.Changes, 2)
	assert.Equal(t, []string{"delivery_address"}, cr.Ignored)
	require.NotNil(t, cr.Run)
	assert.Equal(t, HaltAwaitingSubmission, cr.Run.Halt)
	assert.Equal(t, model.StatusValidated, cr.Run.Order.Status)
	assert.Equal(t, "4 Mill Lane, York", cr.Run.Order.DeliveryAddress)

	codes := f.codes(t, o.ID)
	assert.Equal(t, 1, f.count(t, o.ID, ledger.ValidationFailed))
	assert.Equal(t, 1, f.count(t, o.ID, ledger.MissingFieldsCorrected))
	assertOrdered(t, codes, ledger.ValidationFailed, ledger.EmailDraftCreated, ledger.MissingFieldsCorrected, ledger.ValidationCompleted)

	items, err := f.eng.GetItems(ctx, o.ID)
	require.NoError(t, err)
	require.NotNil(t, items[1].UnitPrice)
	assert.InDelta(t, 3.40, *items[1].UnitPrice, 1e-9)
	assert.NotEmpty(t, items[1].ProcessingRemarks)

	open, err = f.eng.GetUserActions(ctx, o.ID, true)
	require.NoError(t, err)
	assert.Empty(t, open)

	summary, err := f.eng.GetValidationSummary(ctx, o.ID)
	require.NoError(t, err)
	require.Len(t, summary.History, 2)
	assert.InDelta(t, 0.65, summary.History[0].Score, 1e-9)
	assert.InDelta(t, 1.0, summary.History[1].Score, 1e-9)

	m, err := f.eng.GetProcessingMetrics(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Attempts[model.CategoryValidation])
	assert.Equal(t, []float64{0.65, 1}, m.Scores)
	assert.Equal(t, 1, m.Emails[model.EmailDraft])
	assert.Equal(t, len(codes), m.LedgerEntries)
}

func TestCorrectMissingFields_RejectsUnflagged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.upload(t, missingPrices)
	_, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)

	_, err = f.eng.CorrectMissingFields(ctx, o.ID, map[string]string{"sku_items[1].unit_price": "9"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.eng.CorrectMissingFields(ctx, o.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Zero(t, f.count(t, o.ID, ledger.MissingFieldsCorrected))
}

func TestCorrectValidationErrors_BeforeValidation(t *testing.T) {
	f := newFixture(t)
	o := f.upload(t, missingPrices)
	_, err := f.eng.CorrectValidationErrors(context.Background(), o.ID, map[string]string{"sku_items[1].quantity_ordered": "1"})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUploadCorrectionFile(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.upload(t, missingPrices)
	_, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)

	cr, err := f.eng.UploadCorrectionFile(ctx, o.ID, CorrectionFile{
		Filename: "prices.csv",
		Format:   "csv",
		Data:     []byte("line,unit_price\n2,3.40\n4,2.10\n"),
	})
	require.NoError(t, err)
	assert.Len(t, cr.Changes, 2)
	assert.Equal(t, model.StatusValidated, cr.Run.Order.Status)

	entry, err := f.eng.Ledger().Latest(ctx, o.ID, ledger.CorrectionFileIngested)
	require.NoError(t, err)
	require.NotNil(t, entry.Details.Correction)
	assert.Equal(t, "file:acme/"+o.ID+"/correction/prices.csv", entry.Details.Correction.Source)

	_, err = f.eng.UploadCorrectionFile(ctx, o.ID, CorrectionFile{Filename: "empty.csv"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestCompleteUserAction_SkipRequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.upload(t, missingPrices)
	_, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)

	open, err := f.eng.GetUserActions(ctx, o.ID, true)
	require.NoError(t, err)
	var correctID string
	for _, a := range open {
		if a.Type == model.ActionCorrectFields {
			correctID = a.ID
		}
	}
	require.NotEmpty(t, correctID)

	a, err := f.eng.CompleteUserAction(ctx, o.ID, correctID, ActionPayload{Skip: true, Resolution: "retailer unreachable"})
	require.NoError(t, err)
	assert.Equal(t, model.ActionSkipped, a.Status)

	// Nothing changed, so validation blocks again and a new loop starts.
	got, err := f.eng.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusMissingInfo, got.Status)
	assert.Equal(t, 2, f.count(t, o.ID, ledger.ValidationFailed))
	assert.Equal(t, 2, f.current(t, o.ID)[model.CategoryUserInteraction].Attempt)

	_, err = f.eng.CompleteUserAction(ctx, o.ID, correctID, ActionPayload{})
	assert.ErrorIs(t, err, ErrActionClosed)
	_, err = f.eng.CompleteUserAction(ctx, "other-order", correctID, ActionPayload{})
	assert.Error(t, err)
}

func TestWaitForUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.upload(t, completeOrder)
	_, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)

	a, err := f.eng.WaitForUser(ctx, o.ID, model.ActionSpec{Type: model.ActionManualIntervention, Title: "Confirm pallet count"})
	require.NoError(t, err)
	assert.Equal(t, model.ActionPending, a.Status)
	assert.Equal(t, model.PriorityNormal, a.Priority)

	res, err := f.eng.Advance(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, HaltWaitingUser, res.Halt)
	assert.Empty(t, res.Ran)

	_, err = f.eng.WaitForUser(ctx, o.ID, model.ActionSpec{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestProcess_ConcurrentCallsAreBusy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.upload(t, completeOrder)

	entered, release := f.files.hold()
	var wg sync.WaitGroup
	var firstErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, firstErr = f.eng.Process(ctx, o.ID)
	}()
	<-entered

	const others = 4
	var busy int
	var mu sync.Mutex
	var inner sync.WaitGroup
	for range others {
		inner.Add(1)
		go func() {
			defer inner.Done()
			_, err := f.eng.Process(ctx, o.ID)
			if errors.Is(err, ErrOrderBusy) {
				mu.Lock()
				busy++
				mu.Unlock()
			}
		}()
	}
	inner.Wait()
	_, err := f.eng.Reprocess(ctx, o.ID)
	assert.ErrorIs(t, err, ErrOrderBusy)

	release()
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, others, busy)
	assert.Equal(t, int64(others+1), f.sum(t, "orderflow.order.busy"))

	got, err := f.eng.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidated, got.Status)
	assert.Equal(t, 1, f.count(t, o.ID, ledger.FileParsingCompleted))
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.upload(t, missingPrices)
	_, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)

	got, err := f.eng.Cancel(ctx, o.ID, "retailer withdrew")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	open, err := f.eng.GetUserActions(ctx, o.ID, true)
	require.NoError(t, err)
	assert.Empty(t, open)
	assert.Equal(t, model.StepSkipped, f.current(t, o.ID)[model.CategoryUserInteraction].Status)

	entry, err := f.eng.Ledger().Latest(ctx, o.ID, ledger.OrderCancelled)
	require.NoError(t, err)
	assert.Equal(t, "retailer withdrew", entry.Message)

	_, err = f.eng.Cancel(ctx, o.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	res, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, HaltDone, res.Halt)
	assert.Empty(t, res.Ran)
}

func TestCancel_SubmittedOrder(t *testing.T) {
	f := newFixture(t, withAutoSubmit())
	ctx := context.Background()
	o := f.upload(t, completeOrder)
	_, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)

	_, err = f.eng.Cancel(ctx, o.ID, "too late")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateFulfillmentStatus(t *testing.T) {
	f := newFixture(t, withAutoSubmit())
	ctx := context.Background()
	o := f.upload(t, completeOrder)
	_, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)

	_, err = f.eng.UpdateFulfillmentStatus(ctx, o.ID, model.StatusDelivered, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.eng.UpdateFulfillmentStatus(ctx, o.ID, model.StatusValidated, "")
	assert.ErrorIs(t, err, ErrInvalidInput)

	for _, to := range []model.OrderStatus{model.StatusConfirmed, model.StatusInTransit, model.StatusDelivered} {
		got, err := f.eng.UpdateFulfillmentStatus(ctx, o.ID, to, "carrier update")
		require.NoError(t, err)
		assert.Equal(t, to, got.Status)
	}
	assert.Equal(t, 3, f.count(t, o.ID, ledger.FulfillmentUpdated))
}

func TestUpload_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.Upload(ctx, UploadRequest{Filename: "x.csv"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.eng.Upload(ctx, UploadRequest{Filename: "x.csv", Data: []byte("a"), Priority: "SOON"})
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.eng.Upload(ctx, UploadRequest{Filename: "x.csv", Data: []byte("a"), Strategy: "magic"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	o, err := f.eng.Upload(ctx, UploadRequest{Filename: "x.csv", Data: []byte("a")})
	require.NoError(t, err)
	assert.Equal(t, "default", o.TenantID)
	assert.Equal(t, "default/"+o.ID+"/upload/x.csv", o.Source.Key)
	assert.Equal(t, model.StepPending, f.current(t, o.ID)[model.CategoryFileProcessing].Status)
}

func TestProcess_UnparseableFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.upload(t, "   \n")

	res, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, HaltFailed, res.Halt)
	assert.Equal(t, model.StatusFailed, res.Order.Status)

	entry, err := f.eng.Ledger().Latest(ctx, o.ID, ledger.FileParsingFailed)
	require.NoError(t, err)
	require.NotNil(t, entry.Details.Error)
	assert.Equal(t, classInput, entry.Details.Error.Class)
	assert.False(t, entry.Details.Error.Retryable)

	// Input failures raise no manual intervention.
	open, err := f.eng.GetUserActions(ctx, o.ID, true)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestQueries_UnknownOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.eng.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.eng.GetStatus(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, _, err = f.eng.GetTracking(ctx, "missing", 0, 10)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetTracking_Pages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.upload(t, completeOrder)
	_, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)

	all, err := f.eng.Ledger().All(ctx, o.ID)
	require.NoError(t, err)
	require.Greater(t, len(all), 4)

	page, cursor, err := f.eng.GetTracking(ctx, o.ID, 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, all[2].Seq, cursor)

	rest, next, err := f.eng.GetTracking(ctx, o.ID, cursor, 100)
	require.NoError(t, err)
	assert.Len(t, rest, len(all)-3)
	assert.Equal(t, all[len(all)-1].Seq, next)

	empty, same, err := f.eng.GetTracking(ctx, o.ID, next, 100)
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, next, same)

	_, err = f.eng.GetValidationSummary(ctx, f.upload(t, completeOrder).ID)
	assert.ErrorIs(t, err, ErrNoValidation)
}

func TestListOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.upload(t, completeOrder)
	f.upload(t, missingPrices)

	orders, err := f.eng.ListOrders(ctx, store.OrderFilter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Len(t, orders, 2)

	orders, err = f.eng.ListOrders(ctx, store.OrderFilter{TenantID: "acme", Status: model.StatusValidated})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestProcess_DuplicateOrderNumberFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.upload(t, completeOrder)
	_, err := f.eng.Process(ctx, first.ID)
	require.NoError(t, err)

	dup := f.upload(t, completeOrder)
	res, err := f.eng.Process(ctx, dup.ID)
	require.NoError(t, err)
	assert.Equal(t, HaltFailed, res.Halt)
	assert.Equal(t, model.StatusFailed, res.Order.Status)
	assert.Empty(t, res.Order.OrderNumber)

	file := f.current(t, dup.ID)[model.CategoryFileProcessing]
	assert.Equal(t, model.StepFailed, file.Status)
	assert.Contains(t, file.ErrorMessage, "PO-1001")

	entry, err := f.eng.Ledger().Latest(ctx, dup.ID, ledger.FileParsingFailed)
	require.NoError(t, err)
	require.NotNil(t, entry.Details.Error)
	assert.Equal(t, classInput, entry.Details.Error.Class)
	assert.False(t, entry.Details.Error.Retryable)

	// Later runs stop on the recorded failure.
	res, err = f.eng.Process(ctx, dup.ID)
	require.NoError(t, err)
	assert.Equal(t, HaltFailed, res.Halt)
	assert.Equal(t, 1, f.count(t, dup.ID, ledger.FileParsingFailed))

	// The number is only unique within a tenant.
	other, err := f.eng.Upload(ctx, UploadRequest{
		TenantID:    "beta",
		Filename:    "order.csv",
		ContentType: "text/csv",
		Data:        []byte(completeOrder),
	})
	require.NoError(t, err)
	res, err = f.eng.Process(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, HaltAwaitingSubmission, res.Halt)
	assert.Equal(t, "PO-1001", res.Order.OrderNumber)
}
