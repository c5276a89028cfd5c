package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orderflow/internal/extract"
	"github.com/sells-group/orderflow/internal/ledger"
	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/store"
)

const checkpointThread = "ai_thread"

// threadID returns the AI thread a file_processing step waits on.
func threadID(st model.ProcessingStep) string {
	for _, c := range st.Checkpoints {
		if c.Name == checkpointThread {
			return c.Value
		}
	}
	return ""
}

func threadDetails(t *model.AIThread) model.Details {
	return model.Details{Kind: model.KindAIThread, Thread: &model.ThreadDetail{
		ThreadID:   t.ID,
		Status:     t.Status,
		ExternalID: t.ExternalID,
		ToolsUsed:  t.ToolsUsed,
		Messages:   t.Messages,
		Error:      t.Error,
	}}
}

func threadCode(s model.ThreadStatus) string {
	switch s {
	case model.ThreadCompleted:
		return ledger.AIThreadCompleted
	case model.ThreadTimeout:
		return ledger.AIThreadTimeout
	}
	return ledger.AIThreadFailed
}

// startThread hands the unresolved fields to the AI thread supervisor. The
// step stays running until the thread finishes.
func (e *Engine) startThread(ctx context.Context, o *model.Order, st *model.ProcessingStep, raw []byte, res *extract.Result) (Halt, error) {
	instruction := fmt.Sprintf("Resolve %s in order %s from the uploaded document.",
		strings.Join(res.Unresolved, ", "), orderLabel(o))
	assist := extract.AssistRequest{Text: string(raw), Fields: res.Unresolved, Candidate: res.Candidate}
	t, err := e.threads.CreateThread(ctx, o.ID, instruction, assist)
	if err != nil {
		return e.failStage(ctx, o, st, err, nil)
	}
	err = e.store.InTx(ctx, func(r store.Repo) error {
		if _, err := e.ledger.Append(ctx, r, o.ID, ledger.AIThreadCreated, st.Category, instruction, threadDetails(t)); err != nil {
			return err
		}
		st.AddCheckpoint(checkpointThread, true, t.ID)
		st.AddSubStep("ai_thread", model.StepRunning, t.ID)
		return e.updateStep(ctx, r, st)
	})
	if err != nil {
		return HaltNone, err
	}
	if err := e.threads.Run(ctx, t.ID); err != nil {
		return e.failStage(ctx, o, st, err, nil)
	}
	return HaltAIThread, nil
}

// onThreadFinish resumes file_processing when an AI thread ends. A
// completed thread's fields are merged and the pipeline continues; a failed
// or timed-out thread fails the stage, and the order falls back to
// deterministic extraction for its next attempt.
func (e *Engine) onThreadFinish(ctx context.Context, t *model.AIThread) error {
	wait := e.cfg.ProcessingTimeout
	if wait <= 0 {
		wait = 15 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	release, err := e.wait(ctx, t.OrderID)
	if err != nil {
		return err
	}
	defer release()

	log := zap.L().With(zap.String("order_id", t.OrderID), zap.String("thread_id", t.ID), zap.String("status", string(t.Status)))
	recordThread := func(r store.Repo) error {
		if err := r.UpdateThread(ctx, t); err != nil {
			return eris.Wrapf(err, "engine: update thread %s", t.ID)
		}
		msg := fmt.Sprintf("ai thread %s", strings.ToLower(string(t.Status)))
		if t.Error != "" {
			msg += ": " + t.Error
		}
		_, err := e.ledger.Append(ctx, r, t.OrderID, threadCode(t.Status), model.CategoryFileProcessing, msg, threadDetails(t))
		return err
	}

	o, err := e.getOrder(ctx, e.store, t.OrderID)
	if err != nil {
		return err
	}
	steps, err := e.store.ListSteps(ctx, t.OrderID)
	if err != nil {
		return eris.Wrapf(err, "engine: list steps of %s", t.OrderID)
	}
	st, ok := model.CurrentSteps(steps)[model.CategoryFileProcessing]
	if !ok || st.Status != model.StepRunning || threadID(st) != t.ID || o.Status.Terminal() {
		log.Info("engine: ai thread no longer awaited")
		return e.store.InTx(ctx, recordThread)
	}

	if t.Status != model.ThreadCompleted {
		o.Strategy = model.StrategyDeterministic
		cause := eris.Wrapf(errThreadFailed, "thread %s %s: %s", t.ID, t.Status, t.Error)
		_, err := e.failStage(ctx, o, &st, cause, recordThread)
		return err
	}

	raw, err := e.readSource(ctx, o)
	if err != nil {
		_, ferr := e.failStage(ctx, o, &st, err, recordThread)
		return ferr
	}
	res, err := e.extractor.Extract(ctx, raw, sourceHint(o))
	if err != nil {
		_, ferr := e.failStage(ctx, o, &st, err, recordThread)
		return ferr
	}
	applied := e.extractor.Apply(res, t.Output)
	st.AddSubStep("apply_ai_fields", model.StepCompleted, fmt.Sprintf("%d field(s)", len(applied)))
	halt, err := e.commitFile(ctx, o, &st, res, recordThread)
	if errors.Is(err, store.ErrConflict) {
		halt, err = e.failCommit(ctx, o.ID, st.ID, err, recordThread)
	}
	if err != nil || halt == HaltFailed {
		return err
	}
	log.Info("engine: ai thread merged", zap.Int("fields", len(applied)))

	_, err = e.driveTracked(ctx, o.ID, e.cfg.AutoSubmit)
	return err
}
