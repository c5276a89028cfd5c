package engine

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/store"
)

// StatusView is an order with its current stage attempts.
type StatusView struct {
	Order       *model.Order           `json:"order"`
	Steps       []model.ProcessingStep `json:"steps"`
	Stage       model.StepCategory     `json:"current_stage,omitempty"`
	OpenActions int                    `json:"open_actions"`
}

// ValidationView is the latest validation with the history of scores
// recorded in the ledger.
type ValidationView struct {
	Latest  model.ValidationResult    `json:"latest"`
	History []model.ValidationSummary `json:"history"`
}

// OrderMetrics summarizes an order's processing.
type OrderMetrics struct {
	OrderID       string                                  `json:"order_id"`
	Status        model.OrderStatus                       `json:"status"`
	Attempts      map[model.StepCategory]int              `json:"attempts"`
	Failures      map[model.StepCategory]int              `json:"failures"`
	StageTime     map[model.StepCategory]float64          `json:"stage_seconds"`
	Current       map[model.StepCategory]model.StepStatus `json:"current"`
	Emails        map[model.EmailStatus]int               `json:"emails"`
	OpenActions   int                                     `json:"open_actions"`
	LedgerEntries int                                     `json:"ledger_entries"`
	Scores        []float64                               `json:"validation_scores"`
	Elapsed       time.Duration                           `json:"elapsed_ns"`
}

// GetOrder returns an order.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return e.getOrder(ctx, e.store, orderID)
}

// ListOrders lists orders by filter.
func (e *Engine) ListOrders(ctx context.Context, f store.OrderFilter) ([]model.Order, error) {
	orders, err := e.store.ListOrders(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "engine: list orders")
	}
	return orders, nil
}

// GetStatus returns the order and its current step per stage.
func (e *Engine) GetStatus(ctx context.Context, orderID string) (*StatusView, error) {
	o, err := e.getOrder(ctx, e.store, orderID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, orderID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: list steps of %s", orderID)
	}
	actions, err := e.store.ListUserActions(ctx, orderID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: list actions of %s", orderID)
	}
	v := &StatusView{Order: o}
	cur := model.CurrentSteps(steps)
	for _, c := range model.PipelineOrder {
		st, ok := cur[c]
		if !ok {
			continue
		}
		v.Steps = append(v.Steps, st)
		if v.Stage == "" && (st.Active() || st.Status == model.StepFailed) {
			v.Stage = c
		}
	}
	for _, a := range actions {
		if a.Status.Open() {
			v.OpenActions++
		}
	}
	return v, nil
}

// GetSteps returns every step attempt of the order, superseded ones
// included.
func (e *Engine) GetSteps(ctx context.Context, orderID string) ([]model.ProcessingStep, error) {
	if _, err := e.getOrder(ctx, e.store, orderID); err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, orderID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: list steps of %s", orderID)
	}
	return steps, nil
}

// GetTracking returns up to limit ledger entries after cursor and the
// cursor to resume from.
func (e *Engine) GetTracking(ctx context.Context, orderID string, cursor int64, limit int) ([]model.TrackingEntry, int64, error) {
	if _, err := e.getOrder(ctx, e.store, orderID); err != nil {
		return nil, cursor, err
	}
	if limit <= 0 {
		limit = 100
	}
	out := make([]model.TrackingEntry, 0, limit)
	next := cursor
	for entry, err := range e.ledger.ListSince(ctx, orderID, cursor) {
		if err != nil {
			return nil, cursor, err
		}
		out = append(out, entry)
		next = entry.Seq
		if len(out) == limit {
			break
		}
	}
	return out, next, nil
}

// GetValidationSummary returns the latest validation and the scored history.
func (e *Engine) GetValidationSummary(ctx context.Context, orderID string) (*ValidationView, error) {
	o, err := e.getOrder(ctx, e.store, orderID)
	if err != nil {
		return nil, err
	}
	if o.LatestValidation == nil {
		return nil, eris.Wrapf(ErrNoValidation, "order %s", orderID)
	}
	v := &ValidationView{Latest: *o.LatestValidation}
	for entry, err := range e.ledger.ListSince(ctx, orderID, 0) {
		if err != nil {
			return nil, err
		}
		if entry.Details.Kind == model.KindValidation && entry.Details.Validation != nil {
			v.History = append(v.History, *entry.Details.Validation)
		}
	}
	return v, nil
}

// GetUserActions lists the order's actions, optionally only open ones.
func (e *Engine) GetUserActions(ctx context.Context, orderID string, openOnly bool) ([]model.UserAction, error) {
	if _, err := e.getOrder(ctx, e.store, orderID); err != nil {
		return nil, err
	}
	actions, err := e.store.ListUserActions(ctx, orderID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: list actions of %s", orderID)
	}
	if !openOnly {
		return actions, nil
	}
	open := actions[:0]
	for _, a := range actions {
		if a.Status.Open() {
			open = append(open, a)
		}
	}
	return open, nil
}

// GetEmails lists the order's emails.
func (e *Engine) GetEmails(ctx context.Context, orderID string) ([]model.EmailCommunication, error) {
	if _, err := e.getOrder(ctx, e.store, orderID); err != nil {
		return nil, err
	}
	emails, err := e.store.ListEmails(ctx, orderID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: list emails of %s", orderID)
	}
	return emails, nil
}

// GetItems lists the order's SKU items.
func (e *Engine) GetItems(ctx context.Context, orderID string) ([]model.SKUItem, error) {
	if _, err := e.getOrder(ctx, e.store, orderID); err != nil {
		return nil, err
	}
	items, err := e.store.ListSKUItems(ctx, orderID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: list items of %s", orderID)
	}
	return items, nil
}

// GetProcessingMetrics derives per-order processing figures from steps,
// emails, actions and the ledger.
func (e *Engine) GetProcessingMetrics(ctx context.Context, orderID string) (*OrderMetrics, error) {
	o, err := e.getOrder(ctx, e.store, orderID)
	if err != nil {
		return nil, err
	}
	steps, err := e.store.ListSteps(ctx, orderID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: list steps of %s", orderID)
	}
	emails, err := e.store.ListEmails(ctx, orderID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: list emails of %s", orderID)
	}
	actions, err := e.store.ListUserActions(ctx, orderID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: list actions of %s", orderID)
	}

	m := &OrderMetrics{
		OrderID:   orderID,
		Status:    o.Status,
		Attempts:  make(map[model.StepCategory]int),
		Failures:  make(map[model.StepCategory]int),
		StageTime: make(map[model.StepCategory]float64),
		Emails:    make(map[model.EmailStatus]int),
		Current:   make(map[model.StepCategory]model.StepStatus),
	}
	for _, st := range steps {
		m.Attempts[st.Category]++
		if st.Status == model.StepFailed {
			m.Failures[st.Category]++
		}
		if st.LastExecution != nil && !st.Active() {
			m.StageTime[st.Category] += st.LastExecution.Sub(st.CreatedAt).Seconds()
		}
	}
	for c, st := range model.CurrentSteps(steps) {
		m.Current[c] = st.Status
	}
	for _, em := range emails {
		m.Emails[em.Status]++
	}
	for _, a := range actions {
		if a.Status.Open() {
			m.OpenActions++
		}
	}

	var first, last time.Time
	for entry, err := range e.ledger.ListSince(ctx, orderID, 0) {
		if err != nil {
			return nil, err
		}
		if first.IsZero() {
			first = entry.CreatedAt
		}
		last = entry.CreatedAt
		m.LedgerEntries++
		if entry.Details.Kind == model.KindValidation && entry.Details.Validation != nil {
			m.Scores = append(m.Scores, entry.Details.Validation.Score)
		}
	}
	m.Elapsed = last.Sub(first)
	return m, nil
}
