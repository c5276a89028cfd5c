// Package engine drives orders through the processing pipeline. It owns the
// order state machine and sequences stages as ProcessingStep attempts. Every
// state change is committed in one store transaction together with the ledger
// entries that describe it, and every mutating operation holds an
// order-scoped lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sells-group/orderflow/internal/aithread"
	"github.com/sells-group/orderflow/internal/config"
	"github.com/sells-group/orderflow/internal/correspond"
	"github.com/sells-group/orderflow/internal/extract"
	"github.com/sells-group/orderflow/internal/ledger"
	"github.com/sells-group/orderflow/internal/lock"
	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/resilience"
	"github.com/sells-group/orderflow/internal/storage"
	"github.com/sells-group/orderflow/internal/store"
	"github.com/sells-group/orderflow/internal/supplier"
	"github.com/sells-group/orderflow/internal/validate"
)

var (
	// ErrOrderBusy is returned when another operation holds the order.
	ErrOrderBusy = eris.New("engine: order is busy")
	// ErrInvalidTransition is returned for a status change the state machine
	// does not allow.
	ErrInvalidTransition = eris.New("engine: invalid status transition")
	// ErrUnknownStep is returned for a step name or checkpoint that maps to no
	// stage of the order.
	ErrUnknownStep = eris.New("engine: unknown step")
	// ErrNoValidation is returned when an operation needs a validation result
	// the order does not have yet.
	ErrNoValidation = eris.New("engine: order has not been validated")
	// ErrActionClosed is returned when resolving an action that is no longer
	// open.
	ErrActionClosed = eris.New("engine: user action is closed")
	// ErrEmailState is returned when an email is not in the state an
	// operation requires.
	ErrEmailState = eris.New("engine: email is not in the required state")
	// ErrInvalidInput is returned for malformed requests.
	ErrInvalidInput = eris.New("engine: invalid input")
	// ErrProcessingTimeout is returned when a run exceeds the processing
	// timeout.
	ErrProcessingTimeout = eris.New("engine: processing timeout")
	// ErrCancelled is returned by a run aborted by Cancel.
	ErrCancelled = eris.New("engine: processing cancelled")
)

var (
	errCancelRequested = errors.New("engine: cancel requested")
	errThreadFailed    = errors.New("engine: ai thread did not complete")
)

// maxStages bounds one drive loop. A healthy pipeline settles well below it.
const maxStages = 32

// Halt says why a run stopped.
type Halt string

const (
	// HaltNone means the last stage completed and more may follow.
	HaltNone Halt = ""
	// HaltWaitingUser means the order waits on open user actions.
	HaltWaitingUser Halt = "waiting_user"
	// HaltAIThread means the order waits on a running AI thread.
	HaltAIThread Halt = "ai_thread"
	// HaltFailed means a stage failed.
	HaltFailed Halt = "failed"
	// HaltAwaitingSubmission means the order is validated and auto-submit is
	// off.
	HaltAwaitingSubmission Halt = "awaiting_submission"
	// HaltDone means nothing is left to run.
	HaltDone Halt = "done"
)

// Result reports one run of the pipeline.
type Result struct {
	OrderID string               `json:"order_id"`
	Ran     []model.StepCategory `json:"ran"`
	Halt    Halt                 `json:"halt"`
	Order   *model.Order         `json:"order,omitempty"`
}

// Options tunes pipeline behavior.
type Options struct {
	Strategy          model.Strategy
	AutoSubmit        bool
	ProcessingTimeout time.Duration
	TaxRate           float64
	DefaultWeightKG   float64
	DefaultVolumeM3   float64
	ActionDueIn       time.Duration
	// Retry governs file storage reads and writes.
	Retry resilience.RetryConfig
}

// OptionsFromConfig maps pipeline configuration to Options.
func OptionsFromConfig(c config.PipelineConfig) Options {
	return Options{
		Strategy:          model.Strategy(c.Strategy),
		AutoSubmit:        c.AutoSubmit,
		ProcessingTimeout: time.Duration(c.ProcessingTimeoutS) * time.Second,
		TaxRate:           c.TaxRate,
		DefaultWeightKG:   c.DefaultWeightKG,
		DefaultVolumeM3:   c.DefaultVolumeM3,
		ActionDueIn:       time.Duration(c.ActionDueHours) * time.Hour,
		Retry:             resilience.FromPipelineConfig(c).For("storage", "file"),
	}
}

func (o Options) withDefaults() Options {
	if o.Strategy != model.StrategyAIAssisted {
		o.Strategy = model.StrategyDeterministic
	}
	if o.ActionDueIn <= 0 {
		o.ActionDueIn = 48 * time.Hour
	}
	if o.Retry.MaxAttempts <= 0 {
		o.Retry = resilience.DefaultRetryConfig()
	}
	return o
}

// Deps are the collaborators of an Engine. Threads and Meter are optional.
type Deps struct {
	Store     store.Store
	Locks     lock.Locker
	Files     storage.Store
	Extractor *extract.Extractor
	Validator *validate.Validator
	Composer  *correspond.Composer
	Mail      *correspond.Dispatcher
	Submitter supplier.Submitter
	Threads   *aithread.Supervisor
	Meter     metric.MeterProvider
}

// Engine is the stage orchestrator.
type Engine struct {
	store     store.Store
	ledger    *ledger.Ledger
	locks     lock.Locker
	files     storage.Store
	extractor *extract.Extractor
	validator *validate.Validator
	composer  *correspond.Composer
	mail      *correspond.Dispatcher
	submitter supplier.Submitter
	threads   *aithread.Supervisor
	cfg       Options
	metrics   *metrics
	now       func() time.Time

	mu     sync.Mutex
	active map[string]context.CancelCauseFunc
}

// New builds an Engine and registers it for AI thread completions.
func New(d Deps, opts Options) (*Engine, error) {
	switch {
	case d.Store == nil:
		return nil, eris.New("engine: store is required")
	case d.Locks == nil:
		return nil, eris.New("engine: locker is required")
	case d.Files == nil:
		return nil, eris.New("engine: file storage is required")
	case d.Extractor == nil || d.Validator == nil:
		return nil, eris.New("engine: extractor and validator are required")
	case d.Composer == nil || d.Mail == nil:
		return nil, eris.New("engine: composer and dispatcher are required")
	case d.Submitter == nil:
		return nil, eris.New("engine: submitter is required")
	}
	m, err := newMetrics(d.Meter)
	if err != nil {
		return nil, err
	}
	e := &Engine{
		store:     d.Store,
		ledger:    ledger.New(d.Store),
		locks:     d.Locks,
		files:     d.Files,
		extractor: d.Extractor,
		validator: d.Validator,
		composer:  d.Composer,
		mail:      d.Mail,
		submitter: d.Submitter,
		threads:   d.Threads,
		cfg:       opts.withDefaults(),
		metrics:   m,
		now:       time.Now,
		active:    make(map[string]context.CancelCauseFunc),
	}
	if e.threads != nil {
		e.threads.OnFinish(e.onThreadFinish)
	}
	return e, nil
}

// Ledger exposes the tracking ledger for read access.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

func lockKey(orderID string) string { return "order:" + orderID }

// acquire takes the order lock without waiting.
func (e *Engine) acquire(ctx context.Context, orderID string) (func(), error) {
	release, err := e.locks.TryLock(ctx, lockKey(orderID))
	if errors.Is(err, lock.ErrBusy) {
		e.metrics.busy.Add(ctx, 1)
		return nil, eris.Wrapf(ErrOrderBusy, "order %s", orderID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "engine: lock order %s", orderID)
	}
	return release, nil
}

// wait takes the order lock, waiting for the current holder.
func (e *Engine) wait(ctx context.Context, orderID string) (func(), error) {
	release, err := e.locks.Lock(ctx, lockKey(orderID))
	if err != nil {
		return nil, eris.Wrapf(err, "engine: lock order %s", orderID)
	}
	return release, nil
}

// track registers a cancellable run of the order bounded by the processing
// timeout. The returned func must be called when the run ends.
func (e *Engine) track(ctx context.Context, orderID string) (context.Context, func()) {
	ctx, cancel := context.WithCancelCause(ctx)
	stop := func() {}
	if e.cfg.ProcessingTimeout > 0 {
		ctx, stop = context.WithTimeout(ctx, e.cfg.ProcessingTimeout)
	}
	e.mu.Lock()
	e.active[orderID] = cancel
	e.mu.Unlock()
	return ctx, func() {
		e.mu.Lock()
		delete(e.active, orderID)
		e.mu.Unlock()
		stop()
		cancel(nil)
	}
}

// abort stops the order's active run at its next stage boundary.
func (e *Engine) abort(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.active[orderID]; ok {
		cancel(errCancelRequested)
	}
}

// interrupted maps a run error caused by the run context.
func (e *Engine) interrupted(ctx context.Context, orderID string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(context.Cause(ctx), errCancelRequested) {
		return eris.Wrapf(ErrCancelled, "order %s", orderID)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		msg := fmt.Sprintf("processing exceeded %s", e.cfg.ProcessingTimeout)
		details := model.Details{Kind: model.KindError, Error: &model.ErrorDetail{
			Step: "process", Error: msg, Class: classTimeout, Retryable: true,
		}}
		if _, lerr := e.ledger.Append(context.WithoutCancel(ctx), nil, orderID, ledger.OrderProcessingTimeout, "", msg, details); lerr != nil {
			zap.L().Error("engine: record processing timeout", zap.String("order_id", orderID), zap.Error(lerr))
		}
		return eris.Wrapf(ErrProcessingTimeout, "order %s", orderID)
	}
	return err
}

// driveTracked runs the pipeline as a tracked run. The caller holds the lock.
func (e *Engine) driveTracked(ctx context.Context, orderID string, allowSubmit bool) (*Result, error) {
	runCtx, done := e.track(ctx, orderID)
	defer done()
	res, err := e.drive(runCtx, orderID, allowSubmit)
	return res, e.interrupted(runCtx, orderID, err)
}

func (e *Engine) getOrder(ctx context.Context, r store.Repo, orderID string) (*model.Order, error) {
	o, err := r.GetOrder(ctx, orderID)
	if err != nil {
		return nil, eris.Wrapf(err, "engine: get order %s", orderID)
	}
	return o, nil
}

func (e *Engine) updateOrder(ctx context.Context, r store.Repo, o *model.Order) error {
	return eris.Wrapf(r.UpdateOrder(ctx, o), "engine: update order %s", o.ID)
}

// record appends a status change and applies it to o. The caller persists o.
func (e *Engine) record(ctx context.Context, r store.Repo, o *model.Order, to model.OrderStatus, c model.StepCategory, reason string) error {
	details := model.Details{Kind: model.KindTransition, Transition: &model.TransitionDetail{From: o.Status, To: to, Reason: reason}}
	if _, err := e.ledger.Append(ctx, r, o.ID, ledger.OrderStatusChanged, c, fmt.Sprintf("status %s -> %s", o.Status, to), details); err != nil {
		return err
	}
	o.Status = to
	return nil
}

// moveTo follows the state machine to status to, passing through PROCESSING
// when there is no direct transition.
func (e *Engine) moveTo(ctx context.Context, r store.Repo, o *model.Order, to model.OrderStatus, c model.StepCategory, reason string) error {
	if o.Status == to {
		return nil
	}
	if !model.CanTransition(o.Status, to) {
		if !model.CanTransition(o.Status, model.StatusProcessing) || !model.CanTransition(model.StatusProcessing, to) {
			return eris.Wrapf(ErrInvalidTransition, "order %s: %s -> %s", o.ID, o.Status, to)
		}
		if err := e.record(ctx, r, o, model.StatusProcessing, c, reason); err != nil {
			return err
		}
	}
	return e.record(ctx, r, o, to, c, reason)
}

// reopen moves a failed or pre-submission order back into the pipeline.
func (e *Engine) reopen(ctx context.Context, r store.Repo, o *model.Order, to model.OrderStatus, c model.StepCategory, reason string) error {
	if o.Status == to {
		return nil
	}
	if !model.CanReopen(o.Status, to) {
		return eris.Wrapf(ErrInvalidTransition, "order %s: cannot reopen %s as %s", o.ID, o.Status, to)
	}
	return e.record(ctx, r, o, to, c, reason)
}

// reopenStatus is the status an order resumes in when stage c is re-run.
func reopenStatus(c model.StepCategory) model.OrderStatus {
	switch c {
	case model.CategoryFileProcessing, model.CategoryValidation:
		return model.StatusProcessing
	case model.CategoryCommunication, model.CategoryUserInteraction:
		return model.StatusMissingInfo
	}
	return model.StatusValidated
}

func (e *Engine) createStep(ctx context.Context, r store.Repo, orderID string, c model.StepCategory, attempt int, status model.StepStatus) (*model.ProcessingStep, error) {
	st := &model.ProcessingStep{
		ID:        uuid.NewString(),
		OrderID:   orderID,
		Category:  c,
		Name:      c.StepName(),
		Attempt:   attempt,
		Status:    status,
		CreatedAt: e.now().UTC(),
	}
	if err := r.CreateStep(ctx, st); err != nil {
		return nil, eris.Wrapf(err, "engine: create %s step", c)
	}
	return st, nil
}

func (e *Engine) updateStep(ctx context.Context, r store.Repo, st *model.ProcessingStep) error {
	return eris.Wrapf(r.UpdateStep(ctx, st), "engine: update %s step", st.Category)
}

// complete marks st completed.
func (e *Engine) complete(ctx context.Context, r store.Repo, st *model.ProcessingStep) error {
	now := e.now().UTC()
	st.Status = model.StepCompleted
	st.LastExecution = &now
	st.ErrorMessage = ""
	return e.updateStep(ctx, r, st)
}

// queue creates a pending step for c unless c already has a current step.
func (e *Engine) queue(ctx context.Context, r store.Repo, orderID string, c model.StepCategory) error {
	steps, err := r.ListSteps(ctx, orderID)
	if err != nil {
		return eris.Wrapf(err, "engine: list steps of %s", orderID)
	}
	if _, ok := model.CurrentSteps(steps)[c]; ok {
		return nil
	}
	_, err = e.createStep(ctx, r, orderID, c, model.NextAttempt(steps, c), model.StepPending)
	return err
}

// supersede retires the current steps of cats. Open steps are skipped and
// open actions raised on an open or failed step are closed.
func (e *Engine) supersede(ctx context.Context, r store.Repo, orderID string, cats ...model.StepCategory) error {
	steps, err := r.ListSteps(ctx, orderID)
	if err != nil {
		return eris.Wrapf(err, "engine: list steps of %s", orderID)
	}
	cur := model.CurrentSteps(steps)
	for _, c := range cats {
		st, ok := cur[c]
		if !ok {
			continue
		}
		if st.Active() || st.Status == model.StepFailed {
			if err := e.closeActions(ctx, r, orderID, st.ID, "superseded"); err != nil {
				return err
			}
		}
		if st.Active() {
			st.Status = model.StepSkipped
		}
		st.Superseded = true
		if err := e.updateStep(ctx, r, &st); err != nil {
			return err
		}
	}
	return nil
}

func sourceHint(o *model.Order) extract.Hint {
	return extract.Hint{Format: o.Source.Format, Filename: o.Source.Filename, ContentType: o.Source.ContentType}
}

// readSource reads the order's uploaded file.
func (e *Engine) readSource(ctx context.Context, o *model.Order) ([]byte, error) {
	if o.Source.Key == "" {
		return nil, eris.Wrapf(ErrInvalidInput, "order %s has no source file", o.ID)
	}
	return resilience.DoVal(ctx, e.cfg.Retry, func(ctx context.Context) ([]byte, error) {
		data, err := storage.ReadAll(ctx, e.files, o.Source.Key)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, resilience.Permanent(err)
		}
		return data, err
	})
}

func orderLabel(o *model.Order) string {
	if o.OrderNumber != "" {
		return o.OrderNumber
	}
	return o.ID
}
