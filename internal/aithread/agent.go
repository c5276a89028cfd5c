package aithread

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/orderflow/internal/extract"
	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/pkg/anthropic"
)

// BatchAgent runs each request as a one-item Anthropic message batch.
type BatchAgent struct {
	client    anthropic.Client
	assistant *extract.AIAssistant
	model     string
}

// NewBatchAgent creates a BatchAgent. assistant builds the request and
// parses the answer.
func NewBatchAgent(client anthropic.Client, assistant *extract.AIAssistant, model string) *BatchAgent {
	return &BatchAgent{client: client, assistant: assistant, model: model}
}

// Name implements Agent.
func (a *BatchAgent) Name() string { return "message_batches" }

// batchID and customID are packed into the external id as "<batch>/<custom>".
func packID(batchID, customID string) string { return batchID + "/" + customID }

func unpackID(ext string) (string, string, error) {
	for i := len(ext) - 1; i >= 0; i-- {
		if ext[i] == '/' {
			return ext[:i], ext[i+1:], nil
		}
	}
	return "", "", eris.Errorf("aithread: malformed external id %q", ext)
}

// Start implements Agent.
func (a *BatchAgent) Start(ctx context.Context, req Request) (string, error) {
	resp, err := a.client.CreateBatch(ctx, anthropic.BatchRequest{
		Requests: []anthropic.BatchRequestItem{{
			CustomID: req.ThreadID,
			Params:   a.assistant.Request(req.Assist),
		}},
	})
	if err != nil {
		return "", eris.Wrap(err, "aithread: create batch")
	}
	return packID(resp.ID, req.ThreadID), nil
}

// Poll implements Agent.
func (a *BatchAgent) Poll(ctx context.Context, externalID string) (Progress, error) {
	batchID, customID, err := unpackID(externalID)
	if err != nil {
		return Progress{}, err
	}
	b, err := a.client.GetBatch(ctx, batchID)
	if err != nil {
		return Progress{}, eris.Wrapf(err, "aithread: get batch %s", batchID)
	}
	if b.ProcessingStatus != anthropic.BatchEnded {
		return Progress{}, nil
	}
	it, err := a.client.GetBatchResults(ctx, batchID)
	if err != nil {
		return Progress{}, eris.Wrapf(err, "aithread: get batch results %s", batchID)
	}
	item, err := anthropic.ResultFor(it, customID)
	if err != nil {
		return Progress{Done: true, Err: err}, nil
	}
	if item.Type != anthropic.ResultSucceeded || item.Message == nil {
		return Progress{Done: true, Err: eris.Errorf("aithread: batch request %s", item.Type)}, nil
	}
	item.Message.Usage.LogCost(a.model, "thread")
	p := Progress{
		Done:     true,
		Messages: []model.ThreadMessage{{Role: "assistant", Content: item.Message.Text()}},
	}
	p.Output, p.Err = extract.ParseAnswer(item.Message, nil)
	return p, nil
}

// Cancel implements Agent.
func (a *BatchAgent) Cancel(ctx context.Context, externalID string) error {
	batchID, _, err := unpackID(externalID)
	if err != nil {
		return err
	}
	_, err = a.client.CancelBatch(ctx, batchID)
	return eris.Wrapf(err, "aithread: cancel batch %s", batchID)
}

// AssistantAgent runs requests through a synchronous extract.Assistant in the
// background.
type AssistantAgent struct {
	assistant extract.Assistant

	mu   sync.Mutex
	jobs map[string]*assistJob
}

type assistJob struct {
	done   chan struct{}
	cancel context.CancelFunc
	out    []model.ExtractedField
	err    error
}

// NewAssistantAgent creates an AssistantAgent.
func NewAssistantAgent(assistant extract.Assistant) *AssistantAgent {
	return &AssistantAgent{assistant: assistant, jobs: make(map[string]*assistJob)}
}

// Name implements Agent.
func (a *AssistantAgent) Name() string { return "messages" }

// Start implements Agent.
func (a *AssistantAgent) Start(ctx context.Context, req Request) (string, error) {
	id := uuid.NewString()
	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	j := &assistJob{done: make(chan struct{}), cancel: cancel}
	a.mu.Lock()
	a.jobs[id] = j
	a.mu.Unlock()
	go func() {
		defer close(j.done)
		j.out, j.err = a.assistant.Resolve(jctx, req.Assist)
	}()
	return id, nil
}

// Poll implements Agent.
func (a *AssistantAgent) Poll(_ context.Context, externalID string) (Progress, error) {
	a.mu.Lock()
	j, ok := a.jobs[externalID]
	a.mu.Unlock()
	if !ok {
		return Progress{}, eris.Errorf("aithread: unknown job %s", externalID)
	}
	select {
	case <-j.done:
	default:
		return Progress{}, nil
	}
	a.mu.Lock()
	delete(a.jobs, externalID)
	a.mu.Unlock()
	j.cancel()
	return Progress{Done: true, Output: j.out, Err: j.err}, nil
}

// Cancel implements Agent.
func (a *AssistantAgent) Cancel(_ context.Context, externalID string) error {
	a.mu.Lock()
	j, ok := a.jobs[externalID]
	delete(a.jobs, externalID)
	a.mu.Unlock()
	if ok {
		j.cancel()
	}
	return nil
}
