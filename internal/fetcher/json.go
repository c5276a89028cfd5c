package fetcher

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"

	"github.com/rotisserie/eris"
)

// JSONDocument is an order document decoded from JSON. A top-level array is
// treated as the item list of an order with no header.
type JSONDocument struct {
	Header map[string]any
	Items  []map[string]any
	// Raw is the decoded top-level value, for schema validation.
	Raw any
}

// ReadJSONDocument decodes r. Numbers are kept as json.Number so that
// quantities and prices are not rounded through float64 before mapping.
func ReadJSONDocument(r io.Reader, itemsKey string) (*JSONDocument, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, eris.Wrap(err, "json: decode document")
	}
	if dec.More() {
		return nil, eris.New("json: trailing data after document")
	}

	doc := &JSONDocument{Raw: raw}
	switch v := raw.(type) {
	case []any:
		items, err := objects(v)
		if err != nil {
			return nil, err
		}
		doc.Header = map[string]any{}
		doc.Items = items
	case map[string]any:
		doc.Header = maps.Clone(v)
		if list, ok := v[itemsKey].([]any); ok {
			items, err := objects(list)
			if err != nil {
				return nil, err
			}
			doc.Items = items
		}
		delete(doc.Header, itemsKey)
	default:
		return nil, eris.Errorf("json: expected an object or array, got %T", raw)
	}
	return doc, nil
}

func objects(list []any) ([]map[string]any, error) {
	out := make([]map[string]any, 0, len(list))
	for i, el := range list {
		m, ok := el.(map[string]any)
		if !ok {
			return nil, eris.Errorf("json: item %d is %T, want object", i, el)
		}
		out = append(out, m)
	}
	return out, nil
}

// Flatten turns nested objects into dotted keys with string values.
// Arrays are skipped.
func Flatten(m map[string]any) map[string]string {
	out := make(map[string]string, len(m))
	flatten("", m, out)
	return out
}

func flatten(prefix string, m map[string]any, out map[string]string) {
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		switch t := v.(type) {
		case map[string]any:
			flatten(key, t, out)
		case []any:
		case nil:
		case string:
			out[key] = t
		case json.Number:
			out[key] = t.String()
		case bool:
			if t {
				out[key] = "true"
			} else {
				out[key] = "false"
			}
		default:
			out[key] = fmt.Sprint(t)
		}
	}
}
