package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	return NewClient("test-key", option.WithBaseURL(ts.URL), option.WithMaxRetries(0))
}

func batchJSON(id, status string) map[string]any {
	return map[string]any{
		"id":                id,
		"type":              "message_batch",
		"processing_status": status,
		"request_counts": map[string]any{
			"processing": 0, "succeeded": 1, "errored": 0, "canceled": 0, "expired": 0,
		},
		"created_at": "2026-01-01T00:00:00Z",
		"expires_at": "2026-01-02T00:00:00Z",
	}
}

func TestCreateMessage(t *testing.T) {
	var body map[string]any
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/messages"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-haiku-4-5-20251001",
			"stop_reason": "end_turn",
			"content":     []map[string]any{{"type": "text", "text": "```json\n{\"order_number\":\"PO-1\"}\n```"}},
			"usage":       map[string]any{"input_tokens": 120, "output_tokens": 30},
		})
	})

	temp := 0.0
	resp, err := client.CreateMessage(context.Background(), MessageRequest{
		Model:       "claude-haiku-4-5-20251001",
		MaxTokens:   512,
		System:      "extract order fields",
		Messages:    []Message{{Role: "user", Content: "Order PO-1"}},
		Temperature: &temp,
	})
	require.NoError(t, err)
	assert.Equal(t, "msg_1", resp.ID)
	assert.Equal(t, int64(120), resp.Usage.InputTokens)
	assert.Equal(t, "claude-haiku-4-5-20251001", body["model"])
	assert.NotNil(t, body["system"])

	var out struct {
		OrderNumber string `json:"order_number"`
	}
	require.NoError(t, resp.DecodeJSON(&out))
	assert.Equal(t, "PO-1", out.OrderNumber)
}

func TestCreateMessage_Error(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"type":"error","error":{"type":"invalid_request_error","message":"bad"}}`) //nolint:errcheck
	})

	_, err := client.CreateMessage(context.Background(), MessageRequest{Model: "m", MaxTokens: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic: create message")
}

func TestBatchLifecycle(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/batches"):
			json.NewEncoder(w).Encode(batchJSON("msgbatch_1", BatchInProgress)) //nolint:errcheck
		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/cancel"):
			json.NewEncoder(w).Encode(batchJSON("msgbatch_1", BatchCanceling)) //nolint:errcheck
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(batchJSON("msgbatch_1", BatchEnded)) //nolint:errcheck
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
	ctx := context.Background()

	created, err := client.CreateBatch(ctx, BatchRequest{Requests: []BatchRequestItem{{
		CustomID: "thread-1",
		Params:   MessageRequest{Model: "claude-haiku-4-5-20251001", MaxTokens: 256, Messages: []Message{{Role: "user", Content: "x"}}},
	}}})
	require.NoError(t, err)
	assert.Equal(t, "msgbatch_1", created.ID)
	assert.Equal(t, BatchInProgress, created.ProcessingStatus)

	got, err := client.GetBatch(ctx, "msgbatch_1")
	require.NoError(t, err)
	assert.Equal(t, BatchEnded, got.ProcessingStatus)
	assert.Equal(t, int64(1), got.RequestCounts.Succeeded)

	cancelled, err := client.CancelBatch(ctx, "msgbatch_1")
	require.NoError(t, err)
	assert.Equal(t, BatchCanceling, cancelled.ProcessingStatus)
}

type sliceIterator struct {
	items  []BatchResultItem
	i      int
	err    error
	closed bool
}

func (s *sliceIterator) Next() bool {
	if s.i >= len(s.items) {
		return false
	}
	s.i++
	return true
}
func (s *sliceIterator) Item() BatchResultItem { return s.items[s.i-1] }
func (s *sliceIterator) Err() error            { return s.err }
func (s *sliceIterator) Close() error          { s.closed = true; return nil }

func TestResultFor(t *testing.T) {
	it := &sliceIterator{items: []BatchResultItem{
		{CustomID: "a", Type: ResultErrored},
		{CustomID: "b", Type: ResultSucceeded, Message: &MessageResponse{Content: []ContentBlock{{Type: "text", Text: "hi"}}}},
	}}
	got, err := ResultFor(it, "b")
	require.NoError(t, err)
	assert.Equal(t, "hi", got.Message.Text())
	assert.True(t, it.closed)

	_, err = ResultFor(&sliceIterator{}, "zzz")
	require.ErrorIs(t, err, ErrResultMissing)

	_, err = ResultFor(&sliceIterator{err: errors.New("stream broke")}, "a")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stream broke")
}

func TestDecodeJSON_NoObject(t *testing.T) {
	resp := &MessageResponse{Content: []ContentBlock{{Type: "text", Text: "no json here"}}}
	var v map[string]any
	require.Error(t, resp.DecodeJSON(&v))

	var nilResp *MessageResponse
	assert.Empty(t, nilResp.Text())
}

func TestEstimateCost(t *testing.T) {
	u := TokenUsage{InputTokens: 1_000_000, OutputTokens: 1_000_000}
	assert.InDelta(t, 6.0, u.EstimateCost("claude-haiku-4-5-20251001"), 1e-9)
	assert.Zero(t, u.EstimateCost("unknown"))
	assert.NotPanics(t, func() { u.LogCost("claude-haiku-4-5-20251001", "test") })
}
