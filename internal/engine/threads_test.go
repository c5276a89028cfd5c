package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/orderflow/internal/ledger"
	"github.com/sells-group/orderflow/internal/model"
)

// awaitThread waits for the order's latest AI thread, including the engine's
// handling of its outcome.
func awaitThread(t *testing.T, f *fixture, orderID string) *model.AIThread {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	entry, err := f.eng.Ledger().Latest(ctx, orderID, ledger.AIThreadCreated)
	require.NoError(t, err)
	require.NotNil(t, entry.Details.Thread)
	th, err := f.threads.Await(ctx, entry.Details.Thread.ThreadID)
	require.NoError(t, err)
	return th
}

func TestAIThread_CompletesAndResumesPipeline(t *testing.T) {
	agent := agentScript{output: []model.ExtractedField{
		{Path: "sku_items[2].unit_price", Value: "3.40", Confidence: 0.9},
		{Path: "sku_items[4].unit_price", Value: "2.10", Confidence: 0.8},
	}}
	f := newFixture(t, withAgent(agent, time.Minute))
	ctx := context.Background()
	o := f.upload(t, missingPrices)
	assert.Equal(t, model.StrategyAIAssisted, o.Strategy)

	res, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, HaltAIThread, res.Halt)
	assert.Equal(t, []model.StepCategory{model.CategoryFileProcessing}, res.Ran)

	th := awaitThread(t, f, o.ID)
	assert.Equal(t, model.ThreadCompleted, th.Status)

	got, err := f.eng.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusValidated, got.Status)
	assert.Equal(t, 1, f.count(t, o.ID, ledger.AIThreadCompleted))

	parsed, err := f.eng.Ledger().Latest(ctx, o.ID, ledger.FileParsingCompleted)
	require.NoError(t, err)
	require.NotNil(t, parsed.Details.Parse)
	assert.Equal(t, model.StrategyAIAssisted, parsed.Details.Parse.Strategy)

	file := f.current(t, o.ID)[model.CategoryFileProcessing]
	assert.Equal(t, model.StepCompleted, file.Status)
	assert.Equal(t, th.ID, threadID(file))

	stored, err := f.threads.GetState(ctx, th.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ThreadCompleted, stored.Status)
}

func TestAIThread_TimeoutFailsThenRetryIsDeterministic(t *testing.T) {
	f := newFixture(t, withAgent(agentScript{hang: true}, 50*time.Millisecond))
	ctx := context.Background()
	o := f.upload(t, missingPrices)

	res, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, HaltAIThread, res.Halt)

	th := awaitThread(t, f, o.ID)
	assert.Equal(t, model.ThreadTimeout, th.Status)

	got, err := f.eng.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.Status)
	assert.Equal(t, model.StrategyDeterministic, got.Strategy)
	assertOrdered(t, f.codes(t, o.ID), ledger.AIThreadCreated, ledger.AIThreadTimeout, ledger.FileParsingFailed)

	failed, err := f.eng.Ledger().Latest(ctx, o.ID, ledger.FileParsingFailed)
	require.NoError(t, err)
	assert.Equal(t, classAIThread, failed.Details.Error.Class)
	assert.True(t, failed.Details.Error.Retryable)
	require.Len(t, openOf(t, f, o.ID, model.ActionManualIntervention), 1)

	res, err = f.eng.Retry(ctx, o.ID, "parse_file")
	require.NoError(t, err)
	assert.Equal(t, []model.StepCategory{model.CategoryFileProcessing}, res.Ran)
	assert.Equal(t, model.StatusProcessing, res.Order.Status)

	parsed, err := f.eng.Ledger().Latest(ctx, o.ID, ledger.FileParsingCompleted)
	require.NoError(t, err)
	assert.Equal(t, model.StrategyDeterministic, parsed.Details.Parse.Strategy)
	assert.Equal(t, 1, f.count(t, o.ID, ledger.AIThreadCreated))

	res, err = f.eng.Process(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, HaltWaitingUser, res.Halt)
	assert.Equal(t, model.StatusMissingInfo, res.Order.Status)
	assert.Empty(t, openOf(t, f, o.ID, model.ActionManualIntervention))
}

func TestAIThread_CancelOrder(t *testing.T) {
	f := newFixture(t, withAgent(agentScript{hang: true}, time.Minute))
	ctx := context.Background()
	o := f.upload(t, missingPrices)

	res, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)
	require.Equal(t, HaltAIThread, res.Halt)

	got, err := f.eng.Cancel(ctx, o.ID, "duplicate order")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)

	th := awaitThread(t, f, o.ID)
	assert.Equal(t, model.ThreadCancelled, th.Status)

	// The thread's end is recorded but does not reopen the order.
	got, err = f.eng.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, got.Status)
	assert.Equal(t, 1, f.count(t, o.ID, ledger.AIThreadFailed))
}

func TestAIThread_CompleteOrderSkipsThread(t *testing.T) {
	f := newFixture(t, withAgent(agentScript{}, time.Minute))
	ctx := context.Background()
	o := f.upload(t, completeOrder)

	res, err := f.eng.Process(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, HaltAwaitingSubmission, res.Halt)
	assert.Zero(t, f.count(t, o.ID, ledger.AIThreadCreated))
	assert.Equal(t, model.StrategyAIAssisted, res.Order.Strategy)
}
