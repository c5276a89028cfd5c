package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orderflow/internal/aithread"
	"github.com/sells-group/orderflow/internal/ledger"
	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/resilience"
	"github.com/sells-group/orderflow/internal/storage"
	"github.com/sells-group/orderflow/internal/store"
)

// UploadRequest is a new order file.
type UploadRequest struct {
	TenantID    string
	OrderNumber string
	Filename    string
	ContentType string
	// Format forces the file format instead of detecting it.
	Format   string
	Data     []byte
	Priority model.Priority
	// Strategy overrides the configured extraction strategy.
	Strategy     model.Strategy
	RetailerInfo *model.RetailerInfo
}

// Upload stores the file and creates the order in UPLOADED with a pending
// file_processing step. It does not run the pipeline.
func (e *Engine) Upload(ctx context.Context, req UploadRequest) (*model.Order, error) {
	if len(req.Data) == 0 {
		return nil, eris.Wrap(ErrInvalidInput, "upload has no content")
	}
	if req.Priority != "" && !req.Priority.Valid() {
		return nil, eris.Wrapf(ErrInvalidInput, "unknown priority %q", req.Priority)
	}
	tenant := strings.TrimSpace(req.TenantID)
	if tenant == "" {
		tenant = "default"
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = e.cfg.Strategy
	}
	if strategy != model.StrategyDeterministic && strategy != model.StrategyAIAssisted {
		return nil, eris.Wrapf(ErrInvalidInput, "unknown strategy %q", strategy)
	}

	now := e.now().UTC()
	o := &model.Order{
		ID:           uuid.NewString(),
		TenantID:     tenant,
		OrderNumber:  strings.TrimSpace(req.OrderNumber),
		Status:       model.StatusUploaded,
		Priority:     req.Priority,
		RetailerInfo: req.RetailerInfo,
		Strategy:     strategy,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if o.Priority == "" {
		o.Priority = model.PriorityNormal
	}
	key := storage.Key(tenant, o.ID, "upload", req.Filename)
	o.Source = model.SourceFile{Key: key, Filename: req.Filename, ContentType: req.ContentType, Format: req.Format}

	if err := resilience.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		return e.files.Put(ctx, key, req.Data, req.ContentType)
	}); err != nil {
		return nil, eris.Wrapf(err, "engine: store upload for %s", o.ID)
	}

	err := e.store.InTx(ctx, func(r store.Repo) error {
		if err := r.CreateOrder(ctx, o); err != nil {
			return eris.Wrapf(err, "engine: create order %s", orderLabel(o))
		}
		msg := fmt.Sprintf("uploaded %s (%d bytes)", req.Filename, len(req.Data))
		details := model.Details{Kind: model.KindTransition, Transition: &model.TransitionDetail{To: model.StatusUploaded}}
		if _, err := e.ledger.Append(ctx, r, o.ID, ledger.OrderUploaded, model.CategoryFileProcessing, msg, details); err != nil {
			return err
		}
		_, err := e.createStep(ctx, r, o.ID, model.CategoryFileProcessing, 1, model.StepPending)
		return err
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("engine: order uploaded",
		zap.String("order_id", o.ID),
		zap.String("tenant_id", tenant),
		zap.String("key", key),
	)
	return o, nil
}

// Cancel aborts any run of the order, waits for the lock and moves the
// order to CANCELLED. Open steps and actions are skipped and a running AI
// thread is cancelled.
func (e *Engine) Cancel(ctx context.Context, orderID, reason string) (*model.Order, error) {
	if reason == "" {
		reason = "cancelled by user"
	}
	e.abort(orderID)
	release, err := e.wait(ctx, orderID)
	if err != nil {
		return nil, err
	}
	o, thread, err := e.cancelLocked(ctx, orderID, reason)
	release()
	if err != nil {
		return nil, err
	}
	// The thread records its final state through the lock, so it is
	// cancelled after the lock is released.
	if thread != "" {
		if err := e.threads.Cancel(ctx, thread); err != nil && !errors.Is(err, aithread.ErrFinished) {
			zap.L().Warn("engine: cancel ai thread", zap.String("thread_id", thread), zap.Error(err))
		}
	}
	return o, nil
}

// cancelLocked commits the cancellation and returns the AI thread still
// running for the order, if any.
func (e *Engine) cancelLocked(ctx context.Context, orderID, reason string) (*model.Order, string, error) {
	o, err := e.getOrder(ctx, e.store, orderID)
	if err != nil {
		return nil, "", err
	}
	if o.Status == model.StatusCancelled || !model.CanTransition(o.Status, model.StatusCancelled) {
		return nil, "", eris.Wrapf(ErrInvalidTransition, "order %s is %s", orderID, o.Status)
	}
	steps, err := e.store.ListSteps(ctx, orderID)
	if err != nil {
		return nil, "", eris.Wrapf(err, "engine: list steps of %s", orderID)
	}
	cur := model.CurrentSteps(steps)
	var thread string
	if fs, ok := cur[model.CategoryFileProcessing]; ok && e.threads != nil && fs.Status == model.StepRunning {
		thread = threadID(fs)
	}

	err = e.store.InTx(ctx, func(r store.Repo) error {
		details := model.Details{Kind: model.KindTransition, Transition: &model.TransitionDetail{
			From: o.Status, To: model.StatusCancelled, Reason: reason,
		}}
		if _, err := e.ledger.Append(ctx, r, orderID, ledger.OrderCancelled, "", reason, details); err != nil {
			return err
		}
		for _, c := range model.PipelineOrder {
			st, ok := cur[c]
			if !ok || !st.Active() {
				continue
			}
			st.Status = model.StepSkipped
			st.ErrorMessage = reason
			if err := e.updateStep(ctx, r, &st); err != nil {
				return err
			}
		}
		if err := e.closeActions(ctx, r, orderID, "", reason); err != nil {
			return err
		}
		o.Status = model.StatusCancelled
		return e.updateOrder(ctx, r, o)
	})
	if err != nil {
		return nil, "", err
	}
	return o, thread, nil
}

// UpdateFulfillmentStatus records a post-submission status reported by the
// supplier.
func (e *Engine) UpdateFulfillmentStatus(ctx context.Context, orderID string, to model.OrderStatus, note string) (*model.Order, error) {
	switch to {
	case model.StatusConfirmed, model.StatusInTransit, model.StatusDelivered:
	default:
		return nil, eris.Wrapf(ErrInvalidInput, "%s is not a fulfillment status", to)
	}
	release, err := e.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	o, err := e.getOrder(ctx, e.store, orderID)
	if err != nil {
		return nil, err
	}
	if !model.CanTransition(o.Status, to) {
		return nil, eris.Wrapf(ErrInvalidTransition, "order %s: %s -> %s", orderID, o.Status, to)
	}
	err = e.store.InTx(ctx, func(r store.Repo) error {
		details := model.Details{Kind: model.KindTransition, Transition: &model.TransitionDetail{From: o.Status, To: to, Reason: note}}
		msg := fmt.Sprintf("fulfillment %s -> %s", o.Status, to)
		if _, err := e.ledger.Append(ctx, r, orderID, ledger.FulfillmentUpdated, model.CategorySystemProcess, msg, details); err != nil {
			return err
		}
		o.Status = to
		return e.updateOrder(ctx, r, o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}
