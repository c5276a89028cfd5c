// Package extract turns an uploaded order file into a candidate order and its
// SKU items. Structured formats are mapped deterministically through a
// configurable header mapping; free text is read with key/value heuristics
// and may be handed to an AI Assistant for the fields that remain unresolved.
// Unresolved fields stay unset; extraction never invents a value.
package extract

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/sells-group/orderflow/internal/fetcher"
	"github.com/sells-group/orderflow/internal/model"
)

// ErrUnparseable is returned when nothing recognizable could be read from
// the input.
var ErrUnparseable = eris.New("extract: unparseable input")

// Hint carries what is known about the upload besides its bytes.
type Hint struct {
	Format      string
	Filename    string
	ContentType string
	Charset     string
}

// Candidate is an extracted order. Only the extracted fields of Order are
// set; identity, status and bookkeeping are left to the caller.
type Candidate struct {
	Order model.Order
	Items []model.SKUItem
}

// Result is the outcome of one extraction.
type Result struct {
	Candidate  Candidate
	Format     fetcher.Format
	Strategy   model.Strategy
	Confidence float64
	// Unresolved lists the expected field paths that were not found.
	Unresolved []string
	// FieldConfidence holds per-field confidence for fields resolved by the
	// assistant.
	FieldConfidence map[string]float64
}

// ParseDetail projects the result for the ledger.
func (r *Result) ParseDetail() *model.ParseDetail {
	return &model.ParseDetail{
		Format:     string(r.Format),
		Strategy:   r.Strategy,
		Items:      len(r.Candidate.Items),
		Confidence: r.Confidence,
		Unresolved: r.Unresolved,
	}
}

// Options tunes an Extractor.
type Options struct {
	// Assistant resolves fields free text leaves open. Optional.
	Assistant Assistant
	// AssistText delegates unresolved text fields to Assistant during Extract.
	AssistText bool
	// MinConfidence drops assistant fields below this confidence.
	MinConfidence float64
	// TextConfidence scales the confidence of heuristic text extraction.
	TextConfidence float64
}

// Extractor extracts orders using one Mapping.
type Extractor struct {
	mapping *Mapping
	opts    Options
	schema  *jsonschema.Schema
}

// New builds an Extractor. A nil mapping uses DefaultMapping.
func New(m *Mapping, opts Options) (*Extractor, error) {
	if m == nil {
		m = DefaultMapping()
	}
	if opts.TextConfidence <= 0 || opts.TextConfidence > 1 {
		opts.TextConfidence = 0.85
	}
	schema, err := compileDocumentSchema(m.ItemsKey)
	if err != nil {
		return nil, err
	}
	return &Extractor{mapping: m, opts: opts, schema: schema}, nil
}

// Mapping returns the extractor's field mapping.
func (e *Extractor) Mapping() *Mapping { return e.mapping }

// Extract reads raw as an order document.
func (e *Extractor) Extract(ctx context.Context, raw []byte, hint Hint) (*Result, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, eris.Wrap(ErrUnparseable, "empty file")
	}
	format := fetcher.DetectFormat(hint.Format, hint.Filename, hint.ContentType, head(raw))
	log := zap.L().With(zap.String("format", string(format)), zap.String("filename", hint.Filename))

	var (
		c   *Candidate
		err error
	)
	switch format {
	case fetcher.FormatCSV, fetcher.FormatDelimited:
		c, err = e.fromDelimited(ctx, raw, hint.Charset, format)
	case fetcher.FormatXLSX:
		c, err = e.fromXLSX(raw)
	case fetcher.FormatXML:
		c, err = e.fromXML(ctx, raw)
	case fetcher.FormatJSON:
		c, err = e.fromJSON(raw, hint.Charset)
	case fetcher.FormatText:
		c, err = e.fromText(raw, hint.Charset)
	default:
		return nil, eris.Wrap(ErrUnparseable, "unrecognized format")
	}
	if err != nil {
		if !errors.Is(err, ErrUnparseable) {
			err = eris.Wrapf(ErrUnparseable, "%s: %v", format, err)
		}
		return nil, err
	}
	numberLines(c.Items)

	res := &Result{Candidate: *c, Format: format, Strategy: model.StrategyDeterministic}
	e.score(res)

	if format == fetcher.FormatText && e.opts.AssistText && e.opts.Assistant != nil && len(res.Unresolved) > 0 {
		fields, err := e.opts.Assistant.Resolve(ctx, AssistRequest{Text: string(raw), Fields: res.Unresolved, Candidate: res.Candidate})
		if err != nil {
			log.Warn("extract: assistant failed, keeping heuristic result", zap.Error(err))
		} else {
			e.Apply(res, fields)
		}
	}

	log.Debug("extract: done",
		zap.Int("items", len(res.Candidate.Items)),
		zap.Float64("confidence", res.Confidence),
		zap.Int("unresolved", len(res.Unresolved)),
	)
	return res, nil
}

// ExtractFields extracts raw and keeps only the requested field paths that
// the document sets. It is used to read correction files.
func (e *Extractor) ExtractFields(ctx context.Context, raw []byte, hint Hint, fields []string) (map[string]string, error) {
	res, err := e.Extract(ctx, raw, hint)
	if err != nil {
		return nil, err
	}
	all := Paths(res.Candidate)
	out := make(map[string]string)
	for _, f := range fields {
		if v, ok := all[f]; ok {
			out[f] = v
		}
	}
	return out, nil
}

// Apply merges assistant fields into res. Fields below MinConfidence, and
// fields the document already set, are skipped. Confidence is recomputed.
func (e *Extractor) Apply(res *Result, fields []model.ExtractedField) []string {
	if res.FieldConfidence == nil {
		res.FieldConfidence = make(map[string]float64)
	}
	var applied []string
	c := &res.Candidate
	for _, f := range fields {
		if f.Confidence < e.opts.MinConfidence || strings.TrimSpace(f.Value) == "" {
			continue
		}
		if cur, err := Get(c.Order, c.Items, f.Path); err == nil && cur != "" && cur != "false" {
			continue
		}
		p, err := ParsePath(f.Path)
		if err != nil {
			continue
		}
		if p.Item() && lineIndex(c.Items, p.Line) < 0 {
			c.Items = append(c.Items, model.SKUItem{LineNumber: p.Line})
		}
		if _, err := Set(&c.Order, c.Items, f.Path, f.Value); err != nil {
			continue
		}
		res.FieldConfidence[f.Path] = f.Confidence
		applied = append(applied, f.Path)
	}
	if len(applied) > 0 {
		slices.SortFunc(c.Items, func(a, b model.SKUItem) int { return a.LineNumber - b.LineNumber })
		res.Strategy = model.StrategyAIAssisted
		e.score(res)
	}
	return applied
}

// score sets Confidence and Unresolved from the expected fields: order
// number, delivery address, priority, and per item its SKU code, quantity
// and unit price.
func (e *Extractor) score(res *Result) {
	c := res.Candidate
	var unresolved []string
	expected, found := 0, 0.0
	check := func(path, value string, weight float64) {
		expected++
		if value == "" {
			unresolved = append(unresolved, path)
			return
		}
		found += weight
	}
	for _, f := range []string{FieldOrderNumber, FieldDeliveryAddress, FieldPriority} {
		check(f, orderFieldValue(c.Order, f), e.fieldWeight(res, f))
	}
	for _, it := range c.Items {
		for _, f := range []string{ItemSKUCode, ItemQuantityOrdered, ItemUnitPrice} {
			p := Path{Line: it.LineNumber, Field: f}.String()
			check(p, itemFieldValue(it, f), e.fieldWeight(res, p))
		}
	}
	if len(c.Items) == 0 {
		expected++
		unresolved = append(unresolved, "sku_items")
	}
	conf := found / float64(expected)
	if res.Format == fetcher.FormatText {
		conf *= e.opts.TextConfidence
	}
	res.Confidence = math.Round(conf*1e4) / 1e4
	res.Unresolved = unresolved
}

func (e *Extractor) fieldWeight(res *Result, path string) float64 {
	if c, ok := res.FieldConfidence[path]; ok {
		return c
	}
	return 1
}

// numberLines gives items without a usable line number the next free one,
// keeping document order.
func numberLines(items []model.SKUItem) {
	used := make(map[int]bool)
	for i := range items {
		if n := items[i].LineNumber; n > 0 && !used[n] {
			used[n] = true
			continue
		}
		items[i].LineNumber = 0
	}
	next := 1
	for i := range items {
		if items[i].LineNumber > 0 {
			continue
		}
		for used[next] {
			next++
		}
		items[i].LineNumber = next
		used[next] = true
	}
}

// recordBuilder accumulates one document's fields.
type recordBuilder struct {
	mapping *Mapping
	c       Candidate
}

// orderValue sets an order field unless it is already set.
func (b *recordBuilder) orderValue(field, raw string) {
	if strings.TrimSpace(raw) == "" || orderFieldValue(b.c.Order, field) != "" {
		return
	}
	if err := setOrderField(&b.c.Order, field, raw); err != nil {
		zap.L().Debug("extract: skipping order value", zap.String("field", field), zap.Error(err))
	}
}

// item builds an item from key/value pairs. Keys that map to no item field
// are kept as attributes; keys that map to an order field fill the order.
func (b *recordBuilder) item(rec map[string]string) (model.SKUItem, bool) {
	var it model.SKUItem
	set := false
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		v := strings.TrimSpace(rec[k])
		if v == "" {
			continue
		}
		if f, ok := b.mapping.ItemField(k); ok {
			if err := setItemField(&it, f, v); err != nil {
				it.AddRemark(remark(f, v))
			} else if f != ItemLineNumber {
				set = true
			}
			continue
		}
		if f, ok := b.mapping.OrderField(k); ok {
			b.orderValue(f, v)
			continue
		}
		if it.Attributes == nil {
			it.Attributes = make(map[string]string)
		}
		it.Attributes[NormalizeKey(k)] = v
	}
	return it, set
}

func head(raw []byte) []byte {
	if len(raw) > 512 {
		return raw[:512]
	}
	return raw
}

func readAllUTF8(raw []byte, charset string) ([]byte, error) {
	r, err := fetcher.UTF8Reader(raw, charset)
	if err != nil {
		return nil, err
	}
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "extract: decode")
	}
	return b, nil
}
