package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/ledger"
	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/store"
)

// ActionPayload resolves a UserAction.
type ActionPayload struct {
	// Corrections maps field paths such as "sku_items[2].unit_price" to
	// corrected values.
	Corrections map[string]string `json:"corrections,omitempty"`
	Resolution  string            `json:"resolution,omitempty"`
	// Skip closes the action without acting on it.
	Skip bool `json:"skip,omitempty"`
}

func (e *Engine) raiseAction(ctx context.Context, r store.Repo, o *model.Order, stepID string, c model.StepCategory, spec model.ActionSpec) (*model.UserAction, error) {
	now := e.now().UTC()
	prio := spec.Priority
	if !prio.Valid() {
		prio = o.Priority
	}
	if !prio.Valid() {
		prio = model.PriorityNormal
	}
	due := now.Add(e.dueIn(spec.DueIn))
	a := &model.UserAction{
		ID:             uuid.NewString(),
		OrderID:        o.ID,
		StepID:         stepID,
		Type:           spec.Type,
		Category:       c,
		Priority:       prio,
		Status:         model.ActionPending,
		Title:          spec.Title,
		Description:    spec.Description,
		DueDate:        &due,
		CurrentData:    spec.Data,
		ExpectedFormat: spec.ExpectedFormat,
		CreatedAt:      now,
	}
	if err := r.CreateUserAction(ctx, a); err != nil {
		return nil, eris.Wrapf(err, "engine: create %s action", spec.Type)
	}
	details := model.Details{Kind: model.KindUserAction, Action: &model.ActionDetail{
		ActionID: a.ID, Type: a.Type, Status: string(a.Status), Fields: spec.Data.MissingFields,
	}}
	if _, err := e.ledger.Append(ctx, r, o.ID, ledger.UserActionCreated, c, a.Title, details); err != nil {
		return nil, err
	}
	return a, nil
}

// waitForUser parks the current user_interaction step in waiting_user and
// raises the given actions on it. A new attempt is created when there is no
// open step.
func (e *Engine) waitForUser(ctx context.Context, r store.Repo, o *model.Order, specs ...model.ActionSpec) ([]model.UserAction, error) {
	steps, err := r.ListSteps(ctx, o.ID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: list steps of %s", o.ID)
	}
	var st *model.ProcessingStep
	if cur, ok := model.CurrentSteps(steps)[model.CategoryUserInteraction]; ok && cur.Active() {
		st = &cur
	} else {
		st, err = e.createStep(ctx, r, o.ID, model.CategoryUserInteraction,
			model.NextAttempt(steps, model.CategoryUserInteraction), model.StepWaitingUser)
		if err != nil {
			return nil, err
		}
	}
	now := e.now().UTC()
	st.Status = model.StepWaitingUser
	st.LastExecution = &now
	if err := e.updateStep(ctx, r, st); err != nil {
		return nil, err
	}
	out := make([]model.UserAction, 0, len(specs))
	for _, spec := range specs {
		a, err := e.raiseAction(ctx, r, o, st.ID, model.CategoryUserInteraction, spec)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, nil
}

func (e *Engine) resolveAction(ctx context.Context, r store.Repo, a *model.UserAction, status model.ActionStatus, resolution string) error {
	now := e.now().UTC()
	a.Status = status
	a.Resolution = resolution
	a.CompletedAt = &now
	if err := r.UpdateUserAction(ctx, a); err != nil {
		return eris.Wrapf(err, "engine: update action %s", a.ID)
	}
	details := model.Details{Kind: model.KindUserAction, Action: &model.ActionDetail{
		ActionID: a.ID, Type: a.Type, Status: string(status),
	}}
	msg := fmt.Sprintf("%s action %s", a.Type, status)
	_, err := e.ledger.Append(ctx, r, a.OrderID, ledger.UserActionCompleted, a.Category, msg, details)
	return err
}

// closeActions skips the open actions of step stepID, or of the whole order
// when stepID is empty.
func (e *Engine) closeActions(ctx context.Context, r store.Repo, orderID, stepID, resolution string) error {
	actions, err := r.ListUserActions(ctx, orderID)
	if err != nil {
		return eris.Wrapf(err, "engine: list actions of %s", orderID)
	}
	for i := range actions {
		a := &actions[i]
		if !a.Status.Open() || (stepID != "" && a.StepID != stepID) {
			continue
		}
		if err := e.resolveAction(ctx, r, a, model.ActionSkipped, resolution); err != nil {
			return err
		}
	}
	return nil
}

// requeueValidation closes the current correspondence loop and queues a new
// validation attempt. Earlier validation and downstream attempts are
// superseded.
func (e *Engine) requeueValidation(ctx context.Context, r store.Repo, o *model.Order, resolution string) error {
	steps, err := r.ListSteps(ctx, o.ID)
	if err != nil {
		return eris.Wrapf(err, "engine: list steps of %s", o.ID)
	}
	if us, ok := model.CurrentSteps(steps)[model.CategoryUserInteraction]; ok && us.Active() {
		if err := e.closeActions(ctx, r, o.ID, us.ID, resolution); err != nil {
			return err
		}
		us.AddCheckpoint("resolution", true, resolution)
		if err := e.complete(ctx, r, &us); err != nil {
			return err
		}
	}
	if err := e.supersede(ctx, r, o.ID, model.CategoryValidation, model.CategorySKUProcessing, model.CategorySystemProcess); err != nil {
		return err
	}
	if _, err := e.createStep(ctx, r, o.ID, model.CategoryValidation, model.NextAttempt(steps, model.CategoryValidation), model.StepPending); err != nil {
		return err
	}
	if o.Status == model.StatusMissingInfo {
		if err := e.moveTo(ctx, r, o, model.StatusInfoReceived, model.CategoryUserInteraction, resolution); err != nil {
			return err
		}
	}
	return e.updateOrder(ctx, r, o)
}

// WaitForUser raises a user action and halts the order until it is resolved.
func (e *Engine) WaitForUser(ctx context.Context, orderID string, spec model.ActionSpec) (*model.UserAction, error) {
	if spec.Type == "" || strings.TrimSpace(spec.Title) == "" {
		return nil, eris.Wrap(ErrInvalidInput, "action type and title are required")
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
	if o.Status.Terminal() {
		return nil, eris.Wrapf(ErrInvalidTransition, "order %s is %s", orderID, o.Status)
	}
	var out []model.UserAction
	err = e.store.InTx(ctx, func(r store.Repo) error {
		var err error
		out, err = e.waitForUser(ctx, r, o, spec)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

// CompleteUserAction resolves an open action. Corrections in the payload are
// merged into the order and re-queue validation, as does closing the last
// open correction action of a loop. Completing an approve_email action sends
// the email.
func (e *Engine) CompleteUserAction(ctx context.Context, orderID, actionID string, p ActionPayload) (*model.UserAction, error) {
	release, err := e.acquire(ctx, orderID)
	if err != nil {
		return nil, err
	}
	locked := true
	defer func() {
		if locked {
			release()
		}
	}()

	a, err := e.store.GetUserAction(ctx, actionID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: get action %s", actionID)
	}
	if a.OrderID != orderID {
		return nil, eris.Wrapf(store.ErrNotFound, "action %s on order %s", actionID, orderID)
	}
	if !a.Status.Open() {
		return nil, eris.Wrapf(ErrActionClosed, "action %s is %s", actionID, a.Status)
	}
	o, err := e.getOrder(ctx, e.store, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status.Terminal() {
		return nil, eris.Wrapf(ErrInvalidTransition, "order %s is %s", orderID, o.Status)
	}

	status := model.ActionCompleted
	if p.Skip {
		status = model.ActionSkipped
	}
	resolution := p.Resolution
	if resolution == "" {
		resolution = string(status) + " by user"
	}
	approve := a.Type == model.ActionApproveEmail && !p.Skip && a.CurrentData.EmailID != ""
	correction := a.Type == model.ActionCorrectFields || a.Type == model.ActionUploadCorrection

	requeue := false
	err = e.store.InTx(ctx, func(r store.Repo) error {
		if len(p.Corrections) > 0 {
			items, err := r.ListSKUItems(ctx, orderID)
			if err != nil {
				return eris.Wrapf(err, "engine: list items of %s", orderID)
			}
			source := "user_action:" + string(a.Type)
			changes, ignored := e.merge(o, items, p.Corrections, nil, source)
			if len(changes) == 0 {
				return eris.Wrapf(ErrInvalidInput, "no applicable corrections (ignored %s)", strings.Join(ignored, ", "))
			}
			code := ledger.ValidationErrorsCorrected
			for _, ch := range changes {
				if slices.Contains(a.CurrentData.MissingFields, ch.Path) {
					code = ledger.MissingFieldsCorrected
					break
				}
			}
			if err := e.saveCorrections(ctx, r, o, items, code, source, changes, ignored); err != nil {
				return err
			}
			requeue = true
		}
		if err := e.resolveAction(ctx, r, a, status, resolution); err != nil {
			return err
		}
		if !requeue && correction && a.StepID != "" {
			open, err := e.openCorrections(ctx, r, orderID, a.StepID)
			if err != nil {
				return err
			}
			requeue = open == 0
		}
		if requeue {
			return e.requeueValidation(ctx, r, o, resolution)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if requeue {
		if _, err := e.driveTracked(ctx, orderID, e.cfg.AutoSubmit); err != nil {
			return a, err
		}
	}
	locked = false
	release()
	if approve {
		if _, err := e.ApproveEmail(ctx, orderID, a.CurrentData.EmailID); err != nil {
			return a, err
		}
	}
	return a, nil
}

// openCorrections counts open correction actions on a step.
func (e *Engine) openCorrections(ctx context.Context, r store.Repo, orderID, stepID string) (int, error) {
	actions, err := r.ListUserActions(ctx, orderID)
	if err != nil {
		return 0, eris.Wrapf(err, "engine: list actions of %s", orderID)
	}
	n := 0
	for _, a := range actions {
		if a.StepID == stepID && a.Status.Open() &&
			(a.Type == model.ActionCorrectFields || a.Type == model.ActionUploadCorrection) {
			n++
		}
	}
	return n, nil
}
