package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/sells-group/orderflow/internal/fetcher"
)

const documentSchemaURL = "https://orderflow.local/schemas/order-document.schema.json"

// compileDocumentSchema compiles the accepted shape of JSON order documents:
// an array of item objects, or an object whose itemsKey, when present, is an
// array of item objects.
func compileDocumentSchema(itemsKey string) (*jsonschema.Schema, error) {
	key, err := json.Marshal(itemsKey)
	if err != nil {
		return nil, eris.Wrap(err, "extract: encode items key")
	}
	schema := fmt.Sprintf(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "anyOf": [
    {"type": "array", "items": {"type": "object"}},
    {"type": "object", "properties": {%s: {"type": "array", "items": {"type": "object"}}}}
  ]
}`, key)

	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(documentSchemaURL, strings.NewReader(schema)); err != nil {
		return nil, eris.Wrap(err, "extract: load document schema")
	}
	compiled, err := c.Compile(documentSchemaURL)
	if err != nil {
		return nil, eris.Wrap(err, "extract: compile document schema")
	}
	return compiled, nil
}

func (e *Extractor) fromJSON(raw []byte, charset string) (*Candidate, error) {
	text, err := readAllUTF8(raw, charset)
	if err != nil {
		return nil, err
	}
	doc, err := fetcher.ReadJSONDocument(bytes.NewReader(text), e.mapping.ItemsKey)
	if err != nil {
		return nil, err
	}
	if err := e.schema.Validate(doc.Raw); err != nil {
		return nil, eris.Wrapf(ErrUnparseable, "json document shape: %v", err)
	}

	b := &recordBuilder{mapping: e.mapping}
	b.header(fetcher.Flatten(doc.Header))
	for _, obj := range doc.Items {
		if it, ok := b.item(fetcher.Flatten(obj)); ok {
			b.c.Items = append(b.c.Items, it)
		}
	}
	return b.done()
}

func (e *Extractor) fromXML(ctx context.Context, raw []byte) (*Candidate, error) {
	doc, err := fetcher.ReadXMLDocument(ctx, bytes.NewReader(raw), e.mapping.ItemElement)
	if err != nil {
		return nil, err
	}

	b := &recordBuilder{mapping: e.mapping}
	b.header(doc.Header)
	for _, rec := range doc.Items {
		if it, ok := b.item(rec); ok {
			b.c.Items = append(b.c.Items, it)
		}
	}
	return b.done()
}

// header fills order fields from document-level keys in key order.
func (b *recordBuilder) header(rec map[string]string) {
	for _, k := range slices.Sorted(maps.Keys(rec)) {
		if f, ok := b.mapping.OrderField(k); ok {
			b.orderValue(f, rec[k])
		}
	}
}

// done fails when the document yielded neither an order field nor an item.
func (b *recordBuilder) done() (*Candidate, error) {
	if len(b.c.Items) == 0 && len(Paths(b.c)) == 0 {
		return nil, eris.Wrap(ErrUnparseable, "no order fields or items")
	}
	return &b.c, nil
}
