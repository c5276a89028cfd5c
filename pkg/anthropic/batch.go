package anthropic

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// Batch processing statuses.
const (
	BatchInProgress = "in_progress"
	BatchCanceling  = "canceling"
	BatchEnded      = "ended"
)

// Batch result types.
const (
	ResultSucceeded = "succeeded"
	ResultErrored   = "errored"
	ResultCanceled  = "canceled"
	ResultExpired   = "expired"
)

// ErrResultMissing is returned when a batch ended without a result for the
// requested custom id.
var ErrResultMissing = eris.New("anthropic: batch result missing")

// ResultFor drains it and returns the result with the given custom id.
func ResultFor(it BatchResultIterator, customID string) (*BatchResultItem, error) {
	defer it.Close() //nolint:errcheck
	var found *BatchResultItem
	for it.Next() {
		item := it.Item()
		if item.CustomID == customID && found == nil {
			found = &item
		}
	}
	if err := it.Err(); err != nil {
		return nil, eris.Wrap(err, "anthropic: read batch results")
	}
	if found == nil {
		return nil, eris.Wrapf(ErrResultMissing, "custom id %s", customID)
	}
	return found, nil
}

// Text joins the text blocks of the response.
func (r *MessageResponse) Text() string {
	if r == nil {
		return ""
	}
	var b strings.Builder
	for _, c := range r.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// DecodeJSON decodes the first JSON object in the response text into v.
// Markdown code fences around the object are tolerated.
func (r *MessageResponse) DecodeJSON(v any) error {
	text := r.Text()
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return eris.New("anthropic: response contains no JSON object")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return eris.Wrap(err, "anthropic: decode response JSON")
	}
	return nil
}
