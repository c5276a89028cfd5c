package engine

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/ledger"
	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/store"
)

// Process runs pending stages until the order waits on a user or an AI
// thread, fails, or is validated with auto-submit off. A concurrent call for
// the same order fails with ErrOrderBusy.
func (e *Engine) Process(ctx context.Context, orderID string) (*Result, error) {
	release, err := e.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()
	return e.driveTracked(ctx, orderID, e.cfg.AutoSubmit)
}

// Advance runs the next runnable stage only. Unlike Process it also runs a
// pending submission.
func (e *Engine) Advance(ctx context.Context, orderID string) (*Result, error) {
	release, err := e.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	c, halt, err := e.step(ctx, orderID, true)
	res := &Result{OrderID: orderID, Halt: halt}
	if c != "" {
		res.Ran = []model.StepCategory{c}
	}
	return e.settle(ctx, res), err
}

// Retry re-runs exactly the named stage as a new attempt. Other stages are
// left as they are; the attempt it replaces is superseded.
func (e *Engine) Retry(ctx context.Context, orderID, stepName string) (*Result, error) {
	c, ok := model.CategoryForStep(stepName)
	if !ok {
		return nil, eris.Wrapf(ErrUnknownStep, "%q", stepName)
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
	steps, err := e.store.ListSteps(ctx, orderID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: list steps of %s", orderID)
	}
	prev, ok := model.CurrentSteps(steps)[c]
	if !ok {
		return nil, eris.Wrapf(ErrUnknownStep, "order %s has no %s step", orderID, stepName)
	}
	if id := threadID(prev); prev.Status == model.StepRunning && id != "" {
		return nil, eris.Wrapf(ErrOrderBusy, "order %s: ai thread %s is running", orderID, id)
	}

	var st *model.ProcessingStep
	msg := "retry " + stepName
	err = e.store.InTx(ctx, func(r store.Repo) error {
		if err := e.supersede(ctx, r, orderID, c); err != nil {
			return err
		}
		var err error
		st, err = e.createStep(ctx, r, orderID, c, model.NextAttempt(steps, c), model.StepPending)
		if err != nil {
			return err
		}
		details := model.Details{Kind: model.KindRestart, Restart: &model.RestartDetail{From: c, Categories: []model.StepCategory{c}}}
		if _, err := e.ledger.Append(ctx, r, orderID, ledger.StageRetried, c, msg, details); err != nil {
			return err
		}
		if err := e.reopen(ctx, r, o, reopenStatus(c), c, msg); err != nil {
			return err
		}
		return e.updateOrder(ctx, r, o)
	})
	if err != nil {
		return nil, err
	}

	halt, err := e.run(ctx, o, st)
	res := &Result{OrderID: orderID, Ran: []model.StepCategory{c}, Halt: halt}
	return e.settle(ctx, res), err
}

// RestartFromCheckpoint re-runs the pipeline from the stage of the latest
// ledger entry with the given status. Upstream stages are not touched.
func (e *Engine) RestartFromCheckpoint(ctx context.Context, orderID, checkpoint string) (*Result, error) {
	release, err := e.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	entry, err := e.ledger.Latest(ctx, orderID, checkpoint)
	if err != nil {
		return nil, err
	}
	if !entry.Category.Valid() {
		return nil, eris.Wrapf(ErrUnknownStep, "checkpoint %s is not tied to a stage", checkpoint)
	}
	if err := e.restart(ctx, orderID, entry.Category, ledger.CheckpointRestart, checkpoint); err != nil {
		return nil, err
	}
	return e.driveTracked(ctx, orderID, e.cfg.AutoSubmit)
}

// Reprocess runs the whole pipeline again from file_processing.
func (e *Engine) Reprocess(ctx context.Context, orderID string) (*Result, error) {
	release, err := e.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := e.restart(ctx, orderID, model.CategoryFileProcessing, ledger.OrderReprocessing, ""); err != nil {
		return nil, err
	}
	return e.driveTracked(ctx, orderID, e.cfg.AutoSubmit)
}

// restart supersedes the current steps from c onward and queues c.
func (e *Engine) restart(ctx context.Context, orderID string, from model.StepCategory, code, checkpoint string) error {
	o, err := e.getOrder(ctx, e.store, orderID)
	if err != nil {
		return err
	}
	steps, err := e.store.ListSteps(ctx, orderID)
	if err != nil {
		return eris.Wrapf(err, "engine: list steps of %s", orderID)
	}
	cats := model.Downstream(from)
	cur := model.CurrentSteps(steps)
	for _, c := range cats {
		if st, ok := cur[c]; ok && st.Status == model.StepRunning && threadID(st) != "" {
			return eris.Wrapf(ErrOrderBusy, "order %s: ai thread %s is running", orderID, threadID(st))
		}
	}
	msg := fmt.Sprintf("restart from %s", from)
	return e.store.InTx(ctx, func(r store.Repo) error {
		if err := e.supersede(ctx, r, orderID, cats...); err != nil {
			return err
		}
		if _, err := e.createStep(ctx, r, orderID, from, model.NextAttempt(steps, from), model.StepPending); err != nil {
			return err
		}
		details := model.Details{Kind: model.KindRestart, Restart: &model.RestartDetail{Checkpoint: checkpoint, From: from, Categories: cats}}
		if _, err := e.ledger.Append(ctx, r, orderID, code, from, msg, details); err != nil {
			return err
		}
		if err := e.reopen(ctx, r, o, reopenStatus(from), from, msg); err != nil {
			return err
		}
		return e.updateOrder(ctx, r, o)
	})
}

// Validate scores the order's current data and commits the result as a new
// validation attempt. The score is computed without the lock and recomputed
// if the order changed before the lock was taken.
func (e *Engine) Validate(ctx context.Context, orderID string) (*model.ValidationResult, error) {
	snap, err := e.getOrder(ctx, e.store, orderID)
	if err != nil {
		return nil, err
	}
	items, err := e.store.ListSKUItems(ctx, orderID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: list items of %s", orderID)
	}
	res, err := e.validator.Validate(*snap, items)
	if err != nil {
		return nil, err
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
	switch o.Status {
	case model.StatusProcessing, model.StatusMissingInfo, model.StatusInfoReceived, model.StatusValidated:
	default:
		return nil, eris.Wrapf(ErrInvalidTransition, "order %s is %s", orderID, o.Status)
	}
	if o.Version != snap.Version {
		if items, err = e.store.ListSKUItems(ctx, orderID); err != nil {
			return nil, eris.Wrapf(err, "engine: list items of %s", orderID)
		}
		if res, err = e.validator.Validate(*o, items); err != nil {
			return nil, err
		}
	}

	steps, err := e.store.ListSteps(ctx, orderID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: list steps of %s", orderID)
	}
	var st *model.ProcessingStep
	err = e.store.InTx(ctx, func(r store.Repo) error {
		if err := e.supersede(ctx, r, orderID, model.CategoryValidation); err != nil {
			return err
		}
		var err error
		st, err = e.createStep(ctx, r, orderID, model.CategoryValidation,
			model.NextAttempt(steps, model.CategoryValidation), model.StepRunning)
		return err
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.commitValidation(ctx, o, st, res); err != nil {
		return nil, err
	}
	return &res, nil
}
