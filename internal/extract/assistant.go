package extract

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/pkg/anthropic"
)

// Assistant resolves order fields from text that heuristics could not read.
type Assistant interface {
	Resolve(ctx context.Context, req AssistRequest) ([]model.ExtractedField, error)
}

// AssistRequest is one resolution request.
type AssistRequest struct {
	Text string
	// Fields are the field paths to resolve.
	Fields []string
	// Candidate is what was extracted so far.
	Candidate Candidate
}

// maxPromptText caps the document text sent to the model.
const maxPromptText = 24000

// SystemPrompt instructs the model how to answer.
const SystemPrompt = `You extract purchase order fields from retailer documents.
Answer with a single JSON object: {"fields": [{"path": "...", "value": "...", "confidence": 0.0}]}.
Only return fields that appear in the document. Never guess a value that is not written there.
confidence is 0..1. Item paths look like sku_items[<line>].<field>.`

// Prompt builds the user message for req.
func Prompt(req AssistRequest) string {
	text := req.Text
	if len(text) > maxPromptText {
		text = text[:maxPromptText]
	}
	var b strings.Builder
	b.WriteString("Fields to resolve:\n")
	for _, f := range req.Fields {
		fmt.Fprintf(&b, "- %s\n", f)
	}
	if known := Paths(req.Candidate); len(known) > 0 {
		b.WriteString("\nAlready known:\n")
		data, _ := json.Marshal(known)
		b.Write(data)
		b.WriteString("\n")
	}
	b.WriteString("\nDocument:\n<<<\n")
	b.WriteString(text)
	b.WriteString("\n>>>\n")
	return b.String()
}

type fieldsAnswer struct {
	Fields []model.ExtractedField `json:"fields"`
}

// ParseAnswer decodes a model answer, keeping only fields that were asked
// for and have a known path.
func ParseAnswer(resp *anthropic.MessageResponse, asked []string) ([]model.ExtractedField, error) {
	var ans fieldsAnswer
	if err := resp.DecodeJSON(&ans); err != nil {
		return nil, eris.Wrap(err, "extract: decode assistant answer")
	}
	want := make(map[string]bool, len(asked))
	for _, f := range asked {
		want[f] = true
	}
	out := make([]model.ExtractedField, 0, len(ans.Fields))
	for _, f := range ans.Fields {
		if _, err := ParsePath(f.Path); err != nil {
			continue
		}
		if len(want) > 0 && !want[f.Path] && !strings.HasPrefix(f.Path, "sku_items[") {
			continue
		}
		if f.Confidence < 0 || f.Confidence > 1 {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// AIAssistant resolves fields with the Anthropic Messages API.
type AIAssistant struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	limiter   *rate.Limiter
}

// NewAIAssistant creates an AIAssistant. ratePerSecond <= 0 disables rate
// limiting.
func NewAIAssistant(client anthropic.Client, model string, maxTokens int64, ratePerSecond float64) *AIAssistant {
	lim := rate.NewLimiter(rate.Inf, 1)
	if ratePerSecond > 0 {
		lim = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &AIAssistant{client: client, model: model, maxTokens: maxTokens, limiter: lim}
}

// Request builds the Messages API request for req.
func (a *AIAssistant) Request(req AssistRequest) anthropic.MessageRequest {
	temp := 0.0
	return anthropic.MessageRequest{
		Model:       a.model,
		MaxTokens:   a.maxTokens,
		System:      SystemPrompt,
		Messages:    []anthropic.Message{{Role: "user", Content: Prompt(req)}},
		Temperature: &temp,
	}
}

// Resolve implements Assistant.
func (a *AIAssistant) Resolve(ctx context.Context, req AssistRequest) ([]model.ExtractedField, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "extract: assistant rate limit")
	}
	resp, err := a.client.CreateMessage(ctx, a.Request(req))
	if err != nil {
		return nil, eris.Wrap(err, "extract: assistant call")
	}
	resp.Usage.LogCost(a.model, "extract")
	fields, err := ParseAnswer(resp, req.Fields)
	if err != nil {
		return nil, err
	}
	zap.L().Debug("extract: assistant resolved fields",
		zap.Int("asked", len(req.Fields)),
		zap.Int("resolved", len(fields)),
	)
	return fields, nil
}
