package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/orderflow/internal/extract"
	"github.com/sells-group/orderflow/internal/ledger"
	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/resilience"
	"github.com/sells-group/orderflow/internal/store"
	"github.com/sells-group/orderflow/internal/supplier"
)

// Failure classes recorded on stage errors.
const (
	classInput     = "input"
	classTransient = "transient"
	classFatal     = "fatal"
	classTimeout   = "timeout"
	classAIThread  = "ai_thread"
	classConflict  = "conflict"
)

func failureClass(err error) string {
	switch {
	case errors.Is(err, errThreadFailed):
		return classAIThread
	case errors.Is(err, store.ErrConflict):
		return classConflict
	case errors.Is(err, extract.ErrUnparseable), errors.Is(err, ErrInvalidInput), errors.Is(err, ErrNoValidation):
		return classInput
	case errors.Is(err, context.DeadlineExceeded):
		return classTimeout
	case resilience.IsTransient(err):
		return classTransient
	}
	return classFatal
}

// retryable reports whether a stage failing with class may succeed when
// retried unchanged.
func retryable(class string) bool {
	switch class {
	case classTransient, classTimeout, classAIThread, classConflict:
		return true
	}
	return false
}

func interventionText(class, msg string) string {
	switch class {
	case classAIThread:
		return "The AI thread did not resolve the order; retrying extracts it deterministically: " + msg
	case classTimeout:
		return "The stage timed out: " + msg
	case classConflict:
		return "The stage result conflicted with stored data: " + msg
	}
	return "The stage kept failing with a transient error after automatic retries: " + msg
}

// drive runs pending stages until one halts. The caller holds the order lock.
// The context is checked before each stage; a stage in flight is never
// interrupted.
func (e *Engine) drive(ctx context.Context, orderID string, allowSubmit bool) (*Result, error) {
	res := &Result{OrderID: orderID}
	for range maxStages {
		if err := ctx.Err(); err != nil {
			return e.settle(ctx, res), err
		}
		c, halt, err := e.step(ctx, orderID, allowSubmit)
		if c != "" {
			res.Ran = append(res.Ran, c)
		}
		if err != nil {
			return e.settle(ctx, res), err
		}
		if halt != HaltNone {
			res.Halt = halt
			return e.settle(ctx, res), nil
		}
	}
	return e.settle(ctx, res), eris.Errorf("engine: order %s did not settle after %d stages", orderID, maxStages)
}

func (e *Engine) settle(ctx context.Context, res *Result) *Result {
	if o, err := e.store.GetOrder(context.WithoutCancel(ctx), res.OrderID); err == nil {
		res.Order = o
	}
	return res
}

// step runs the next runnable stage of the order, if any.
func (e *Engine) step(ctx context.Context, orderID string, allowSubmit bool) (model.StepCategory, Halt, error) {
	o, err := e.getOrder(ctx, e.store, orderID)
	if err != nil {
		return "", HaltNone, err
	}
	switch o.Status {
	case model.StatusFailed:
		return "", HaltFailed, nil
	case model.StatusCancelled, model.StatusDelivered:
		return "", HaltDone, nil
	}
	steps, err := e.store.ListSteps(ctx, orderID)
	if err != nil {
		return "", HaltNone, eris.Wrapf(err, "engine: list steps of %s", orderID)
	}
	cur := model.CurrentSteps(steps)

	var next *model.ProcessingStep
	for _, c := range model.PipelineOrder {
		st, ok := cur[c]
		if !ok {
			continue
		}
		switch {
		case st.Status == model.StepFailed:
			return "", HaltFailed, nil
		case st.Status == model.StepWaitingUser || st.Status == model.StepPaused:
			return "", HaltWaitingUser, nil
		case st.Status == model.StepRunning && threadID(st) != "":
			return "", HaltAIThread, nil
		case next == nil && (st.Status == model.StepPending || st.Status == model.StepRunning):
			next = &st
		}
	}
	if next == nil {
		return "", HaltDone, nil
	}
	if next.Category == model.CategorySystemProcess && !allowSubmit {
		return "", HaltAwaitingSubmission, nil
	}
	halt, err := e.run(ctx, o, next)
	return next.Category, halt, err
}

// run executes one stage attempt. Only commit failures are returned as
// errors; stage failures are recorded and reported as HaltFailed.
func (e *Engine) run(ctx context.Context, o *model.Order, st *model.ProcessingStep) (Halt, error) {
	ctx = context.WithoutCancel(ctx)
	log := zap.L().With(
		zap.String("order_id", o.ID),
		zap.String("stage", string(st.Category)),
		zap.Int("attempt", st.Attempt),
	)
	start := e.now()
	if err := e.markRunning(ctx, o, st); err != nil {
		return HaltNone, err
	}

	var halt Halt
	var err error
	switch st.Category {
	case model.CategoryFileProcessing:
		halt, err = e.runFile(ctx, o, st)
	case model.CategoryValidation:
		halt, err = e.runValidation(ctx, o, st)
	case model.CategoryCommunication:
		halt, err = e.runCommunication(ctx, o, st)
	case model.CategoryUserInteraction:
		halt, err = e.runUserInteraction(ctx, o, st)
	case model.CategorySKUProcessing:
		halt, err = e.runSKU(ctx, o, st)
	case model.CategorySystemProcess:
		halt, err = e.runSubmission(ctx, o, st)
	default:
		err = eris.Wrapf(ErrUnknownStep, "category %q", st.Category)
	}

	if errors.Is(err, store.ErrConflict) {
		log.Warn("engine: stage commit conflicted", zap.Error(err))
		halt, err = e.failCommit(ctx, o.ID, st.ID, err, nil)
	}

	elapsed := e.now().Sub(start)
	e.metrics.stage(ctx, st.Category, halt, err, elapsed)
	if err != nil {
		log.Error("engine: stage commit failed", zap.Error(err), zap.Int64("duration_ms", elapsed.Milliseconds()))
		return halt, err
	}
	log.Info("engine: stage finished",
		zap.String("halt", string(halt)),
		zap.Int64("duration_ms", elapsed.Milliseconds()),
	)
	return halt, nil
}

func (e *Engine) markRunning(ctx context.Context, o *model.Order, st *model.ProcessingStep) error {
	return e.store.InTx(ctx, func(r store.Repo) error {
		if st.Category == model.CategoryFileProcessing && o.Status != model.StatusProcessing {
			if err := e.moveTo(ctx, r, o, model.StatusProcessing, st.Category, "file processing started"); err != nil {
				return err
			}
			if err := e.updateOrder(ctx, r, o); err != nil {
				return err
			}
		}
		now := e.now().UTC()
		st.Status = model.StepRunning
		st.LastExecution = &now
		st.ErrorMessage = ""
		return e.updateStep(ctx, r, st)
	})
}

// failStage records a stage failure: the error entry first, then the failed
// step and the FAILED order. extra runs first in the same transaction.
func (e *Engine) failStage(ctx context.Context, o *model.Order, st *model.ProcessingStep, cause error, extra func(store.Repo) error) (Halt, error) {
	class := failureClass(cause)
	msg := cause.Error()
	zap.L().Warn("engine: stage failed",
		zap.String("order_id", o.ID),
		zap.String("stage", string(st.Category)),
		zap.String("class", class),
		zap.Error(cause),
	)
	err := e.store.InTx(ctx, func(r store.Repo) error {
		if extra != nil {
			if err := extra(r); err != nil {
				return err
			}
		}
		details := model.Details{Kind: model.KindError, Error: &model.ErrorDetail{
			Step:      st.Name,
			Error:     msg,
			Class:     class,
			Attempt:   st.Attempt,
			Retryable: retryable(class),
		}}
		if _, err := e.ledger.Append(ctx, r, o.ID, ledger.FailedCode(st.Category), st.Category, msg, details); err != nil {
			return err
		}
		now := e.now().UTC()
		st.Status = model.StepFailed
		st.ErrorMessage = msg
		st.LastExecution = &now
		if err := e.updateStep(ctx, r, st); err != nil {
			return err
		}
		if retryable(class) {
			spec := model.ActionSpec{
				Type:        model.ActionManualIntervention,
				Priority:    model.PriorityHigh,
				Title:       fmt.Sprintf("Retry %s for order %s", st.Name, orderLabel(o)),
				Description: interventionText(class, msg),
				Data:        model.ActionData{Error: msg},
			}
			if _, err := e.raiseAction(ctx, r, o, st.ID, st.Category, spec); err != nil {
				return err
			}
		}
		if err := e.moveTo(ctx, r, o, model.StatusFailed, st.Category, msg); err != nil {
			return err
		}
		return e.updateOrder(ctx, r, o)
	})
	if err != nil {
		return HaltNone, err
	}
	return HaltFailed, nil
}

// failCommit records a stage whose commit transaction was rejected. The
// order and step are reloaded since the rejected commit changed them in
// memory only.
func (e *Engine) failCommit(ctx context.Context, orderID, stepID string, cause error, extra func(store.Repo) error) (Halt, error) {
	o, err := e.getOrder(ctx, e.store, orderID)
	if err != nil {
		return HaltNone, cause
	}
	steps, err := e.store.ListSteps(ctx, orderID)
	if err != nil {
		return HaltNone, cause
	}
	for i := range steps {
		if steps[i].ID == stepID && steps[i].Status == model.StepRunning {
			return e.failStage(ctx, o, &steps[i], cause, extra)
		}
	}
	return HaltNone, cause
}

func (e *Engine) runFile(ctx context.Context, o *model.Order, st *model.ProcessingStep) (Halt, error) {
	raw, err := e.readSource(ctx, o)
	if err != nil {
		return e.failStage(ctx, o, st, err, nil)
	}
	res, err := e.extractor.Extract(ctx, raw, sourceHint(o))
	if err != nil {
		return e.failStage(ctx, o, st, err, nil)
	}
	if o.Strategy == model.StrategyAIAssisted && e.threads != nil && len(res.Unresolved) > 0 {
		return e.startThread(ctx, o, st, raw, res)
	}
	return e.commitFile(ctx, o, st, res, nil)
}

// commitFile stores an extraction result: order fields, SKU items and totals,
// then queues validation.
func (e *Engine) commitFile(ctx context.Context, o *model.Order, st *model.ProcessingStep, res *extract.Result, extra func(store.Repo) error) (Halt, error) {
	if err := e.checkOrderNumber(ctx, o, res.Candidate.Order.OrderNumber); err != nil {
		if errors.Is(err, ErrInvalidInput) {
			return e.failStage(ctx, o, st, err, extra)
		}
		return HaltNone, err
	}
	items := make([]model.SKUItem, len(res.Candidate.Items))
	copy(items, res.Candidate.Items)
	for i := range items {
		items[i].ID = uuid.NewString()
		items[i].OrderID = o.ID
	}
	msg := fmt.Sprintf("parsed %d item(s) from %s", len(items), res.Format)
	err := e.store.InTx(ctx, func(r store.Repo) error {
		if extra != nil {
			if err := extra(r); err != nil {
				return err
			}
		}
		mergeCandidate(o, res.Candidate.Order)
		o.Source.Format = string(res.Format)
		if err := r.ReplaceSKUItems(ctx, o.ID, items); err != nil {
			return eris.Wrapf(err, "engine: store items of %s", o.ID)
		}
		o.Totals = model.ComputeTotals(items, e.cfg.TaxRate)
		details := model.Details{Kind: model.KindParse, Parse: res.ParseDetail()}
		if _, err := e.ledger.Append(ctx, r, o.ID, ledger.FileParsingCompleted, st.Category, msg, details); err != nil {
			return err
		}
		st.AddSubStep("extract", model.StepCompleted, string(res.Strategy))
		st.AddCheckpoint("format", true, string(res.Format))
		st.AddCheckpoint("items", len(items) > 0, strconv.Itoa(len(items)))
		st.AddCheckpoint("confidence", len(res.Unresolved) == 0, strconv.FormatFloat(res.Confidence, 'f', 4, 64))
		if err := e.complete(ctx, r, st); err != nil {
			return err
		}
		if err := e.moveTo(ctx, r, o, model.StatusProcessing, st.Category, msg); err != nil {
			return err
		}
		if err := e.updateOrder(ctx, r, o); err != nil {
			return err
		}
		// Results downstream were computed from the replaced items.
		if err := e.supersede(ctx, r, o.ID, model.Downstream(model.CategoryValidation)...); err != nil {
			return err
		}
		return e.queue(ctx, r, o.ID, model.CategoryValidation)
	})
	if err != nil {
		return HaltNone, err
	}
	return HaltNone, nil
}

// checkOrderNumber rejects an extracted order number already used by
// another order of the tenant.
func (e *Engine) checkOrderNumber(ctx context.Context, o *model.Order, number string) error {
	if number == "" || number == o.OrderNumber {
		return nil
	}
	other, err := e.store.GetOrderByNumber(ctx, o.TenantID, number)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return eris.Wrapf(err, "engine: look up order number %s", number)
	case other.ID != o.ID:
		return eris.Wrapf(ErrInvalidInput, "order number %s is already used by order %s in tenant %s", number, other.ID, o.TenantID)
	}
	return nil
}

// mergeCandidate copies the extracted order fields onto o.
func mergeCandidate(o *model.Order, c model.Order) {
	if c.OrderNumber != "" {
		o.OrderNumber = c.OrderNumber
	}
	if c.DeliveryAddress != "" {
		o.DeliveryAddress = c.DeliveryAddress
	}
	if c.Priority != "" {
		o.Priority = c.Priority
	}
	if c.SpecialInstructions != "" {
		o.SpecialInstructions = c.SpecialInstructions
	}
	if c.RetailerInfo == nil {
		return
	}
	var ri model.RetailerInfo
	if o.RetailerInfo != nil {
		ri = *o.RetailerInfo
	}
	if c.RetailerInfo.Name != "" {
		ri.Name = c.RetailerInfo.Name
	}
	if c.RetailerInfo.Email != "" {
		ri.Email = c.RetailerInfo.Email
	}
	if c.RetailerInfo.Phone != "" {
		ri.Phone = c.RetailerInfo.Phone
	}
	o.RetailerInfo = &ri
}

func (e *Engine) runValidation(ctx context.Context, o *model.Order, st *model.ProcessingStep) (Halt, error) {
	items, err := e.store.ListSKUItems(ctx, o.ID)
	if err != nil {
		return HaltNone, eris.Wrapf(err, "engine: list items of %s", o.ID)
	}
	res, err := e.validator.Validate(*o, items)
	if err != nil {
		return e.failStage(ctx, o, st, err, nil)
	}
	return e.commitValidation(ctx, o, st, res)
}

// commitValidation stores res on the order and routes it: a blocking result
// opens a correspondence loop, a passing one queues sku_processing.
func (e *Engine) commitValidation(ctx context.Context, o *model.Order, st *model.ProcessingStep, res model.ValidationResult) (Halt, error) {
	e.metrics.validation(ctx, res)
	summary := res.Summary()
	msg := fmt.Sprintf("validation score %.2f (%s)", res.Score, res.Band)
	err := e.store.InTx(ctx, func(r store.Repo) error {
		code := ledger.ValidationCompleted
		if res.Blocking {
			code = ledger.ValidationFailed
		}
		if _, err := e.ledger.Append(ctx, r, o.ID, code, st.Category, msg, model.Details{Kind: model.KindValidation, Validation: &summary}); err != nil {
			return err
		}
		o.LatestValidation = &res
		if res.Band == model.BandUrgent {
			o.Priority = model.PriorityUrgent
		}
		st.AddCheckpoint("score", !res.Blocking, strconv.FormatFloat(res.Score, 'f', 4, 64))
		st.AddCheckpoint("band", !res.Blocking, string(res.Band))
		st.AddCheckpoint("fingerprint", true, res.Fingerprint)
		if err := e.complete(ctx, r, st); err != nil {
			return err
		}

		next, to := model.CategorySKUProcessing, model.StatusValidated
		if res.Blocking {
			next, to = model.CategoryCommunication, model.StatusMissingInfo
			if err := e.supersede(ctx, r, o.ID, model.CategoryCommunication, model.CategoryUserInteraction,
				model.CategorySKUProcessing, model.CategorySystemProcess); err != nil {
				return err
			}
		}
		if err := e.moveTo(ctx, r, o, to, st.Category, msg); err != nil {
			return err
		}
		if err := e.updateOrder(ctx, r, o); err != nil {
			return err
		}
		return e.queue(ctx, r, o.ID, next)
	})
	if err != nil {
		return HaltNone, err
	}
	return HaltNone, nil
}

func (e *Engine) runCommunication(ctx context.Context, o *model.Order, st *model.ProcessingStep) (Halt, error) {
	if o.LatestValidation == nil {
		return e.failStage(ctx, o, st, eris.Wrapf(ErrNoValidation, "order %s", o.ID), nil)
	}
	res := *o.LatestValidation
	email, err := e.composer.Compose(*o, res)
	if err != nil {
		return e.failStage(ctx, o, st, err, nil)
	}
	err = e.store.InTx(ctx, func(r store.Repo) error {
		if err := e.saveDraft(ctx, r, email, st.Category); err != nil {
			return err
		}
		st.AddCheckpoint("email_type", true, string(email.Type))
		st.AddCheckpoint("recipient", email.Recipient != "", email.Recipient)
		if err := e.complete(ctx, r, st); err != nil {
			return err
		}
		_, err := e.waitForUser(ctx, r, o, e.loopActions(o, res, email.ID)...)
		return err
	})
	if err != nil {
		return HaltNone, err
	}
	return HaltWaitingUser, nil
}

// runUserInteraction re-raises the correction actions of a re-run
// user_interaction stage.
func (e *Engine) runUserInteraction(ctx context.Context, o *model.Order, st *model.ProcessingStep) (Halt, error) {
	if o.LatestValidation == nil {
		return e.failStage(ctx, o, st, eris.Wrapf(ErrNoValidation, "order %s", o.ID), nil)
	}
	res := *o.LatestValidation
	err := e.store.InTx(ctx, func(r store.Repo) error {
		_, err := e.waitForUser(ctx, r, o, e.loopActions(o, res, "")...)
		return err
	})
	if err != nil {
		return HaltNone, err
	}
	return HaltWaitingUser, nil
}

func (e *Engine) runSKU(ctx context.Context, o *model.Order, st *model.ProcessingStep) (Halt, error) {
	if o.Status != model.StatusValidated {
		return e.failStage(ctx, o, st, eris.Wrapf(ErrInvalidTransition, "order %s is %s, not VALIDATED", o.ID, o.Status), nil)
	}
	items, err := e.store.ListSKUItems(ctx, o.ID)
	if err != nil {
		return HaltNone, eris.Wrapf(err, "engine: list items of %s", o.ID)
	}
	estimated := e.materialize(items)
	msg := fmt.Sprintf("materialized %d SKU(s), %d estimate(s)", len(items), estimated)
	err = e.store.InTx(ctx, func(r store.Repo) error {
		if err := r.ReplaceSKUItems(ctx, o.ID, items); err != nil {
			return eris.Wrapf(err, "engine: store items of %s", o.ID)
		}
		o.Totals = model.ComputeTotals(items, e.cfg.TaxRate)
		if _, err := e.ledger.Append(ctx, r, o.ID, ledger.SKUProcessingCompleted, st.Category, msg, model.Details{}); err != nil {
			return err
		}
		st.AddCheckpoint("items", len(items) > 0, strconv.Itoa(len(items)))
		st.AddCheckpoint("estimated", estimated == 0, strconv.Itoa(estimated))
		if err := e.complete(ctx, r, st); err != nil {
			return err
		}
		if err := e.updateOrder(ctx, r, o); err != nil {
			return err
		}
		return e.queue(ctx, r, o.ID, model.CategorySystemProcess)
	})
	if err != nil {
		return HaltNone, err
	}
	return HaltNone, nil
}

// materialize normalizes items in place and fills logistics defaults. It
// returns how many values were estimated.
func (e *Engine) materialize(items []model.SKUItem) int {
	title := cases.Title(language.English, cases.NoLower)
	lower := cases.Lower(language.English)
	estimated := 0
	for i := range items {
		it := &items[i]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		it.SKUCode = strings.ToUpper(strings.TrimSpace(it.SKUCode))
		it.ProductName = title.String(strings.TrimSpace(it.ProductName))
		it.Category = lower.String(strings.TrimSpace(it.Category))
		it.Brand = strings.TrimSpace(it.Brand)
		if it.WeightKG == nil && e.cfg.DefaultWeightKG > 0 {
			it.WeightKG = model.Float(e.cfg.DefaultWeightKG)
			it.AddRemark(fmt.Sprintf("weight_kg estimated as %g (default)", e.cfg.DefaultWeightKG))
			estimated++
		}
		if it.VolumeM3 == nil && e.cfg.DefaultVolumeM3 > 0 {
			it.VolumeM3 = model.Float(e.cfg.DefaultVolumeM3)
			it.AddRemark(fmt.Sprintf("volume_m3 estimated as %g (default)", e.cfg.DefaultVolumeM3))
			estimated++
		}
	}
	return estimated
}

func (e *Engine) runSubmission(ctx context.Context, o *model.Order, st *model.ProcessingStep) (Halt, error) {
	if o.Status != model.StatusValidated {
		return e.failStage(ctx, o, st, eris.Wrapf(ErrInvalidTransition, "order %s is %s, not VALIDATED", o.ID, o.Status), nil)
	}
	items, err := e.store.ListSKUItems(ctx, o.ID)
	if err != nil {
		return HaltNone, eris.Wrapf(err, "engine: list items of %s", o.ID)
	}
	receipt, err := e.submitter.Submit(ctx, supplier.Submission{Order: *o, Items: items})
	if err != nil {
		return e.failStage(ctx, o, st, err, nil)
	}
	msg := fmt.Sprintf("submitted to %s as %s", receipt.Supplier, receipt.Reference)
	err = e.store.InTx(ctx, func(r store.Repo) error {
		details := model.Details{Kind: model.KindSubmission, Submission: &model.SubmissionDetail{Supplier: receipt.Supplier, Reference: receipt.Reference}}
		if _, err := e.ledger.Append(ctx, r, o.ID, ledger.SubmissionCompleted, st.Category, msg, details); err != nil {
			return err
		}
		st.AddCheckpoint("supplier_reference", receipt.Reference != "", receipt.Reference)
		if err := e.complete(ctx, r, st); err != nil {
			return err
		}
		o.SupplierReference = receipt.Reference
		if err := e.moveTo(ctx, r, o, model.StatusSubmitted, st.Category, msg); err != nil {
			return err
		}
		return e.updateOrder(ctx, r, o)
	})
	if err != nil {
		return HaltNone, err
	}
	return HaltNone, nil
}

// loopActions are the user actions of one correspondence loop iteration.
func (e *Engine) loopActions(o *model.Order, res model.ValidationResult, emailID string) []model.ActionSpec {
	prio := o.Priority
	if res.Band == model.BandUrgent {
		prio = model.PriorityUrgent
	}
	issues := append(append([]model.Issue{}, res.ValidationErrors...), res.BusinessRuleViolations...)
	issues = append(issues, res.DataQualityIssues...)
	flagged := res.FlaggedFields()
	specs := []model.ActionSpec{{
		Type:     model.ActionCorrectFields,
		Priority: prio,
		Title:    fmt.Sprintf("Complete order %s", orderLabel(o)),
		Description: fmt.Sprintf("Validation scored %.2f (%s). Supply the %d flagged field(s) or upload a correction file.",
			res.Score, res.Band, len(flagged)),
		DueIn:          e.cfg.ActionDueIn,
		Data:           model.ActionData{MissingFields: res.MissingFields, Issues: issues, Score: res.Score},
		ExpectedFormat: expectedFormat(flagged),
	}}
	if emailID != "" {
		specs = append(specs, model.ActionSpec{
			Type:        model.ActionApproveEmail,
			Priority:    prio,
			Title:       fmt.Sprintf("Review the correction request for order %s", orderLabel(o)),
			Description: "Approve the drafted email to send it to the retailer.",
			DueIn:       e.cfg.ActionDueIn,
			Data:        model.ActionData{EmailID: emailID, Score: res.Score},
		})
	}
	return specs
}

// expectedFormat describes the corrections payload for the flagged fields.
func expectedFormat(fields []string) map[string]any {
	corrections := make(map[string]any, len(fields))
	for _, f := range fields {
		kind := "string"
		if p, err := extract.ParsePath(f); err == nil {
			switch p.Field {
			case extract.ItemQuantityOrdered, extract.ItemUnitPrice, extract.ItemTotalPrice,
				extract.ItemWeightKG, extract.ItemVolumeM3:
				kind = "number"
			case extract.ItemFragile:
				kind = "boolean"
			}
		}
		corrections[f] = kind
	}
	return map[string]any{
		"corrections":     corrections,
		"correction_file": "CSV with a line column and one column per flagged item field",
	}
}

func (e *Engine) dueIn(d time.Duration) time.Duration {
	if d <= 0 {
		return e.cfg.ActionDueIn
	}
	return d
}
