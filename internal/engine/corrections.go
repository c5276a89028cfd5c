package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/extract"
	"github.com/sells-group/orderflow/internal/ledger"
	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/resilience"
	"github.com/sells-group/orderflow/internal/storage"
	"github.com/sells-group/orderflow/internal/store"
)

// CorrectionResult reports merged corrections and the run that followed.
type CorrectionResult struct {
	Changes []model.FieldChange `json:"changes"`
	Ignored []string            `json:"ignored,omitempty"`
	Run     *Result             `json:"run,omitempty"`
}

// CorrectionFile is an uploaded file of corrected values. Item rows are
// matched to order lines by a line column.
type CorrectionFile struct {
	Filename    string
	ContentType string
	Format      string
	Data        []byte
}

// merge applies corrections to o and items. Paths outside allowed (when
// non-nil), unknown paths and unparseable values are ignored. Item
// corrections leave a processing remark.
func (e *Engine) merge(o *model.Order, items []model.SKUItem, corrections map[string]string, allowed map[string]bool, source string) ([]model.FieldChange, []string) {
	var changes []model.FieldChange
	var ignored []string
	for _, path := range slices.Sorted(maps.Keys(corrections)) {
		value := strings.TrimSpace(corrections[path])
		if value == "" || (allowed != nil && !allowed[path]) {
			ignored = append(ignored, path)
			continue
		}
		p, err := extract.ParsePath(path)
		if err != nil {
			ignored = append(ignored, path)
			continue
		}
		old, err := extract.Set(o, items, path, value)
		if err != nil {
			ignored = append(ignored, path)
			continue
		}
		applied, _ := extract.Get(*o, items, path)
		if p.Item() {
			for i := range items {
				if items[i].LineNumber == p.Line {
					items[i].AddRemark(fmt.Sprintf("%s corrected from %q to %q (%s)", p.Field, old, applied, source))
					break
				}
			}
		}
		changes = append(changes, model.FieldChange{Path: path, Old: old, New: applied})
	}
	return changes, ignored
}

func (e *Engine) saveCorrections(ctx context.Context, r store.Repo, o *model.Order, items []model.SKUItem, code, source string, changes []model.FieldChange, ignored []string) error {
	if err := r.ReplaceSKUItems(ctx, o.ID, items); err != nil {
		return eris.Wrapf(err, "engine: store items of %s", o.ID)
	}
	o.Totals = model.ComputeTotals(items, e.cfg.TaxRate)
	details := model.Details{Kind: model.KindCorrection, Correction: &model.CorrectionDetail{
		Source: source, Changes: changes, Ignored: ignored,
	}}
	msg := fmt.Sprintf("%d field(s) corrected via %s", len(changes), source)
	if _, err := e.ledger.Append(ctx, r, o.ID, code, model.CategoryUserInteraction, msg, details); err != nil {
		return err
	}
	return e.updateOrder(ctx, r, o)
}

// correctable checks that o can take corrections.
func correctable(o *model.Order) error {
	switch o.Status {
	case model.StatusProcessing, model.StatusMissingInfo, model.StatusInfoReceived, model.StatusValidated:
	default:
		return eris.Wrapf(ErrInvalidTransition, "order %s is %s", o.ID, o.Status)
	}
	if o.LatestValidation == nil {
		return eris.Wrapf(ErrNoValidation, "order %s", o.ID)
	}
	return nil
}

func issueFields(res model.ValidationResult) []string {
	var out []string
	for _, list := range [][]model.Issue{res.ValidationErrors, res.BusinessRuleViolations, res.DataQualityIssues} {
		for _, is := range list {
			if is.Field != "" && !slices.Contains(out, is.Field) {
				out = append(out, is.Field)
			}
		}
	}
	return out
}

func fieldSet(fields []string) map[string]bool {
	out := make(map[string]bool, len(fields))
	for _, f := range fields {
		out[f] = true
	}
	return out
}

// CorrectMissingFields merges values for the fields the latest validation
// reported missing, then re-runs validation.
func (e *Engine) CorrectMissingFields(ctx context.Context, orderID string, corrections map[string]string) (*CorrectionResult, error) {
	return e.correct(ctx, orderID, corrections, ledger.MissingFieldsCorrected, "missing_fields",
		func(res model.ValidationResult) []string { return res.MissingFields })
}

// CorrectValidationErrors merges values for fields with validation errors,
// business rule violations or data quality issues, then re-runs validation.
func (e *Engine) CorrectValidationErrors(ctx context.Context, orderID string, corrections map[string]string) (*CorrectionResult, error) {
	return e.correct(ctx, orderID, corrections, ledger.ValidationErrorsCorrected, "validation_errors", issueFields)
}

func (e *Engine) correct(ctx context.Context, orderID string, corrections map[string]string, code, source string, flagged func(model.ValidationResult) []string) (*CorrectionResult, error) {
	if len(corrections) == 0 {
		return nil, eris.Wrap(ErrInvalidInput, "no corrections given")
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
	if err := correctable(o); err != nil {
		return nil, err
	}
	return e.applyCorrections(ctx, o, corrections, fieldSet(flagged(*o.LatestValidation)), code, source)
}

// applyCorrections merges, records and re-validates. The caller holds the
// lock.
func (e *Engine) applyCorrections(ctx context.Context, o *model.Order, corrections map[string]string, allowed map[string]bool, code, source string) (*CorrectionResult, error) {
	var out CorrectionResult
	err := e.store.InTx(ctx, func(r store.Repo) error {
		items, err := r.ListSKUItems(ctx, o.ID)
		if err != nil {
			return eris.Wrapf(err, "engine: list items of %s", o.ID)
		}
		out.Changes, out.Ignored = e.merge(o, items, corrections, allowed, source)
		if len(out.Changes) == 0 {
			return eris.Wrapf(ErrInvalidInput, "no correction matches a flagged field (ignored %s)", strings.Join(out.Ignored, ", "))
		}
		if err := e.saveCorrections(ctx, r, o, items, code, source, out.Changes, out.Ignored); err != nil {
			return err
		}
		if err := e.completeCorrectionActions(ctx, r, o.ID, source); err != nil {
			return err
		}
		return e.requeueValidation(ctx, r, o, "corrected via "+source)
	})
	if err != nil {
		return nil, err
	}
	out.Run, err = e.driveTracked(ctx, o.ID, e.cfg.AutoSubmit)
	return &out, err
}

// completeCorrectionActions completes the open correction actions of the
// order.
func (e *Engine) completeCorrectionActions(ctx context.Context, r store.Repo, orderID, source string) error {
	actions, err := r.ListUserActions(ctx, orderID)
	if err != nil {
		return eris.Wrapf(err, "engine: list actions of %s", orderID)
	}
	for i := range actions {
		a := &actions[i]
		if !a.Status.Open() || (a.Type != model.ActionCorrectFields && a.Type != model.ActionUploadCorrection) {
			continue
		}
		if err := e.resolveAction(ctx, r, a, model.ActionCompleted, "corrected via "+source); err != nil {
			return err
		}
	}
	return nil
}

// UploadCorrectionFile stores a correction file, reads the flagged fields
// from it and merges them like CorrectMissingFields.
func (e *Engine) UploadCorrectionFile(ctx context.Context, orderID string, f CorrectionFile) (*CorrectionResult, error) {
	if len(f.Data) == 0 {
		return nil, eris.Wrap(ErrInvalidInput, "empty correction file")
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
	if err := correctable(o); err != nil {
		return nil, err
	}
	key := storage.Key(o.TenantID, o.ID, "correction", f.Filename)
	if err := resilience.Do(ctx, e.cfg.Retry, func(ctx context.Context) error {
		return e.files.Put(ctx, key, f.Data, f.ContentType)
	}); err != nil {
		return nil, eris.Wrapf(err, "engine: store correction file for %s", o.ID)
	}

	flagged := o.LatestValidation.FlaggedFields()
	hint := extract.Hint{Format: f.Format, Filename: f.Filename, ContentType: f.ContentType}
	values, err := e.extractor.ExtractFields(ctx, f.Data, hint, flagged)
	if err != nil {
		return nil, eris.Wrapf(ErrInvalidInput, "correction file %s: %v", f.Filename, err)
	}
	return e.applyCorrections(ctx, o, values, fieldSet(flagged), ledger.CorrectionFileIngested, "file:"+key)
}
