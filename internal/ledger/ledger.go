// Package ledger is the append-only event log of every order. Ledger
// entries are written in the same store transaction as the state change they
// describe and are never mutated.
package ledger

import (
	"context"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/store"
)

// Event codes.
const (
	OrderUploaded          = "ORDER_UPLOADED"
	OrderCancelled         = "ORDER_CANCELLED"
	OrderStatusChanged     = "ORDER_STATUS_CHANGED"
	OrderProcessingTimeout = "ORDER_PROCESSING_TIMEOUT"

	FileParsingCompleted = "FILE_PARSING_COMPLETED"
	FileParsingFailed    = "FILE_PARSING_FAILED"

	ValidationCompleted = "ORDER_VALIDATION_COMPLETED"
	ValidationStageFail = "ORDER_VALIDATION_FAILED"
	ValidationFailed    = "VALIDATION_FAILED"

	EmailDraftCreated   = "EMAIL_DRAFT_CREATED"
	EmailSent           = "EMAIL_SENT"
	EmailSendFailed     = "EMAIL_SEND_FAILED"
	EmailResponse       = "EMAIL_RESPONSE_RECEIVED"
	EmailBounced        = "EMAIL_BOUNCED"
	CommunicationFailed = "COMMUNICATION_FAILED"

	UserActionCreated   = "USER_ACTION_CREATED"
	UserActionCompleted = "USER_ACTION_COMPLETED"

	MissingFieldsCorrected    = "MISSING_FIELDS_CORRECTED"
	ValidationErrorsCorrected = "VALIDATION_ERRORS_CORRECTED"
	CorrectionFileIngested    = "CORRECTION_FILE_INGESTED"

	SKUProcessingCompleted = "SKU_PROCESSING_COMPLETED"
	SKUProcessingFailed    = "SKU_PROCESSING_FAILED"

	SubmissionCompleted = "ORDER_SUBMISSION_COMPLETED"
	SubmissionFailed    = "ORDER_SUBMISSION_FAILED"

	AIThreadCreated   = "AI_THREAD_CREATED"
	AIThreadCompleted = "AI_THREAD_COMPLETED"
	AIThreadFailed    = "AI_THREAD_FAILED"
	AIThreadTimeout   = "AI_THREAD_TIMEOUT"

	StageRetried       = "STAGE_RETRY_REQUESTED"
	CheckpointRestart  = "CHECKPOINT_RESTART_REQUESTED"
	OrderReprocessing  = "ORDER_REPROCESS_REQUESTED"
	FulfillmentUpdated = "FULFILLMENT_STATUS_UPDATED"
)

var completed = map[model.StepCategory]string{
	model.CategoryFileProcessing:  FileParsingCompleted,
	model.CategoryValidation:      ValidationCompleted,
	model.CategoryCommunication:   EmailDraftCreated,
	model.CategoryUserInteraction: UserActionCompleted,
	model.CategorySKUProcessing:   SKUProcessingCompleted,
	model.CategorySystemProcess:   SubmissionCompleted,
}

var failed = map[model.StepCategory]string{
	model.CategoryFileProcessing:  FileParsingFailed,
	model.CategoryValidation:      ValidationStageFail,
	model.CategoryCommunication:   CommunicationFailed,
	model.CategoryUserInteraction: CommunicationFailed,
	model.CategorySKUProcessing:   SKUProcessingFailed,
	model.CategorySystemProcess:   SubmissionFailed,
}

// CompletedCode returns the event code recorded when a stage of category c
// succeeds.
func CompletedCode(c model.StepCategory) string { return completed[c] }

// FailedCode returns the event code recorded when a stage of category c fails.
func FailedCode(c model.StepCategory) string { return failed[c] }

// pageSize bounds each store read made by ListSince.
const pageSize = 200

// Ledger appends and reads tracking entries.
type Ledger struct {
	store store.Repo
	now   func() time.Time
}

// New returns a Ledger reading from s. Appends are made through the Repo
// passed to Append so they join the caller's transaction.
func New(s store.Repo) *Ledger {
	return &Ledger{store: s, now: time.Now}
}

// Append writes one entry through r. A failed append is returned as is; the
// caller's transaction must roll back so no state change goes unrecorded.
func (l *Ledger) Append(ctx context.Context, r store.Repo, orderID, status string, category model.StepCategory, message string, details model.Details) (*model.TrackingEntry, error) {
	if orderID == "" || status == "" {
		return nil, eris.New("ledger: order id and status are required")
	}
	if r == nil {
		r = l.store
	}
	e := &model.TrackingEntry{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Status:    status,
		Category:  category,
		Message:   message,
		Details:   details,
		CreatedAt: l.now().UTC(),
	}
	if err := r.AppendTracking(ctx, e); err != nil {
		return nil, eris.Wrapf(err, "ledger: append %s for order %s", status, orderID)
	}
	return e, nil
}

// ListSince yields the order's entries with Seq greater than cursor, in Seq
// order. Pages are read lazily; stopping early stops reading. Passing the
// Seq of the last entry seen resumes where a previous iteration stopped.
func (l *Ledger) ListSince(ctx context.Context, orderID string, cursor int64) iter.Seq2[model.TrackingEntry, error] {
	return func(yield func(model.TrackingEntry, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(model.TrackingEntry{}, eris.Wrap(err, "ledger: list"))
				return
			}
			page, err := l.store.ListTracking(ctx, orderID, cursor, pageSize)
			if err != nil {
				yield(model.TrackingEntry{}, eris.Wrapf(err, "ledger: list order %s after %d", orderID, cursor))
				return
			}
			for _, e := range page {
				if !yield(e, nil) {
					return
				}
				cursor = e.Seq
			}
			if len(page) < pageSize {
				return
			}
		}
	}
}

// All collects every entry of the order.
func (l *Ledger) All(ctx context.Context, orderID string) ([]model.TrackingEntry, error) {
	var out []model.TrackingEntry
	for e, err := range l.ListSince(ctx, orderID, 0) {
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Latest returns the most recent entry of the order with the given status.
func (l *Ledger) Latest(ctx context.Context, orderID, status string) (*model.TrackingEntry, error) {
	var found *model.TrackingEntry
	for e, err := range l.ListSince(ctx, orderID, 0) {
		if err != nil {
			return nil, err
		}
		if e.Status == status {
			found = &e
		}
	}
	if found == nil {
		return nil, eris.Wrapf(store.ErrNotFound, "ledger: no %s entry for order %s", status, orderID)
	}
	return found, nil
}

// Count returns how many entries of the order carry the given status.
func (l *Ledger) Count(ctx context.Context, orderID, status string) (int, error) {
	n := 0
	for e, err := range l.ListSince(ctx, orderID, 0) {
		if err != nil {
			return 0, err
		}
		if e.Status == status {
			n++
		}
	}
	return n, nil
}
