// Package aithread supervises bounded-lifetime AI assistance sessions. A
// thread is submitted to an Agent and polled until it finishes, times out or
// is cancelled. Only a COMPLETED thread keeps its output.
package aithread

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/orderflow/internal/extract"
	"github.com/sells-group/orderflow/internal/model"
	"github.com/sells-group/orderflow/internal/store"
)

var (
	// ErrNotRunning is returned by Await for a thread this process is not
	// running and that has not finished.
	ErrNotRunning = eris.New("aithread: thread not running")
	// ErrFinished is returned when running or cancelling a finished thread.
	ErrFinished = eris.New("aithread: thread already finished")

	errCancelled = errors.New("aithread: cancelled")
)

// Request is the work handed to an Agent.
type Request struct {
	ThreadID    string
	OrderID     string
	Instruction string
	Assist      extract.AssistRequest
}

// Progress is an Agent's report on a submitted request.
type Progress struct {
	Done     bool
	Output   []model.ExtractedField
	Messages []model.ThreadMessage
	// Err is set when the agent finished without a usable answer.
	Err error
}

// Agent runs requests asynchronously.
type Agent interface {
	Name() string
	Start(ctx context.Context, req Request) (externalID string, err error)
	Poll(ctx context.Context, externalID string) (Progress, error)
	Cancel(ctx context.Context, externalID string) error
}

// Config bounds polling and thread lifetime.
type Config struct {
	PollInitial time.Duration
	PollMax     time.Duration
	Timeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInitial <= 0 {
		c.PollInitial = 2 * time.Second
	}
	if c.PollMax < c.PollInitial {
		c.PollMax = max(15*time.Second, c.PollInitial)
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Minute
	}
	return c
}

// FinishFunc records a thread's final state. It replaces the default
// store write so callers can persist the thread with related changes.
type FinishFunc func(ctx context.Context, t *model.AIThread) error

type run struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
	result *model.AIThread
}

// Supervisor creates and runs threads.
type Supervisor struct {
	store store.Repo
	agent Agent
	cfg   Config
	now   func() time.Time

	mu       sync.Mutex
	onFinish FinishFunc
	pending  map[string]Request
	runs     map[string]*run
}

// New creates a Supervisor.
func New(s store.Repo, agent Agent, cfg Config) *Supervisor {
	return &Supervisor{
		store:   s,
		agent:   agent,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		pending: make(map[string]Request),
		runs:    make(map[string]*run),
	}
}

// OnFinish sets the function that records final thread states.
func (s *Supervisor) OnFinish(fn FinishFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onFinish = fn
}

// Timeout is the maximum lifetime of a thread.
func (s *Supervisor) Timeout() time.Duration { return s.cfg.Timeout }

// CreateThread persists a CREATED thread for order.
func (s *Supervisor) CreateThread(ctx context.Context, orderID, instruction string, assist extract.AssistRequest) (*model.AIThread, error) {
	now := s.now().UTC()
	t := &model.AIThread{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		Status:      model.ThreadCreated,
		Instruction: instruction,
		Messages: []model.ThreadMessage{
			{Role: "user", Content: instruction},
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateThread(ctx, t); err != nil {
		return nil, eris.Wrap(err, "aithread: create thread")
	}
	s.mu.Lock()
	s.pending[t.ID] = Request{ThreadID: t.ID, OrderID: orderID, Instruction: instruction, Assist: assist}
	s.mu.Unlock()
	return t, nil
}

// Run starts the thread in the background and returns at once. The run is
// detached from ctx; use Cancel to stop it.
func (s *Supervisor) Run(ctx context.Context, threadID string) error {
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return eris.Wrapf(err, "aithread: load thread %s", threadID)
	}
	if t.Status.Finished() {
		return eris.Wrapf(ErrFinished, "thread %s is %s", threadID, t.Status)
	}

	s.mu.Lock()
	req, ok := s.pending[threadID]
	if _, running := s.runs[threadID]; running || !ok {
		s.mu.Unlock()
		if running {
			return nil
		}
		return eris.Errorf("aithread: no request for thread %s in this process", threadID)
	}
	delete(s.pending, threadID)
	base, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	r := &run{cancel: cancel, done: make(chan struct{})}
	s.runs[threadID] = r
	s.mu.Unlock()

	go s.execute(base, cancel, r, t, req)
	return nil
}

// Await blocks until the thread finishes or ctx is done.
func (s *Supervisor) Await(ctx context.Context, threadID string) (*model.AIThread, error) {
	s.mu.Lock()
	r, ok := s.runs[threadID]
	s.mu.Unlock()
	if !ok {
		t, err := s.store.GetThread(ctx, threadID)
		if err != nil {
			return nil, eris.Wrapf(err, "aithread: load thread %s", threadID)
		}
		if t.Status.Finished() {
			return t, nil
		}
		return nil, eris.Wrapf(ErrNotRunning, "thread %s", threadID)
	}
	select {
	case <-r.done:
		return r.result, nil
	case <-ctx.Done():
		return nil, eris.Wrapf(ctx.Err(), "aithread: await thread %s", threadID)
	}
}

// GetState returns the stored thread.
func (s *Supervisor) GetState(ctx context.Context, threadID string) (*model.AIThread, error) {
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return nil, eris.Wrapf(err, "aithread: load thread %s", threadID)
	}
	return t, nil
}

// Cancel abandons a running thread; it finishes as CANCELLED. A thread that
// was created but never run is finished directly.
func (s *Supervisor) Cancel(ctx context.Context, threadID string) error {
	s.mu.Lock()
	r, running := s.runs[threadID]
	_, pending := s.pending[threadID]
	delete(s.pending, threadID)
	s.mu.Unlock()
	if running {
		r.cancel(errCancelled)
		return nil
	}
	t, err := s.store.GetThread(ctx, threadID)
	if err != nil {
		return eris.Wrapf(err, "aithread: load thread %s", threadID)
	}
	if t.Status.Finished() {
		return eris.Wrapf(ErrFinished, "thread %s is %s", threadID, t.Status)
	}
	if !pending && t.Status == model.ThreadRunning {
		// Running in another process or orphaned; the sweeper owns it.
		return eris.Wrapf(ErrNotRunning, "thread %s", threadID)
	}
	s.finish(ctx, t, model.ThreadCancelled, nil, "cancelled before start")
	return nil
}

// Sweep times out threads left RUNNING or CREATED longer than the thread
// timeout by a process that no longer runs them. It returns how many were
// finished.
func (s *Supervisor) Sweep(ctx context.Context) (int, error) {
	n := 0
	for _, status := range []model.ThreadStatus{model.ThreadRunning, model.ThreadCreated} {
		threads, err := s.store.ListThreadsByStatus(ctx, status)
		if err != nil {
			return n, eris.Wrapf(err, "aithread: list %s threads", status)
		}
		for i := range threads {
			t := &threads[i]
			s.mu.Lock()
			_, running := s.runs[t.ID]
			_, pending := s.pending[t.ID]
			s.mu.Unlock()
			if running || pending {
				continue
			}
			started := t.CreatedAt
			if t.StartedAt != nil {
				started = *t.StartedAt
			}
			if s.now().Sub(started) < s.cfg.Timeout {
				continue
			}
			s.finish(ctx, t, model.ThreadTimeout, nil, "thread orphaned past its timeout")
			n++
		}
	}
	return n, nil
}

func (s *Supervisor) execute(base context.Context, cancel context.CancelCauseFunc, r *run, t *model.AIThread, req Request) {
	defer cancel(nil)
	log := zap.L().With(zap.String("thread_id", t.ID), zap.String("order_id", t.OrderID), zap.String("agent", s.agent.Name()))

	ctx, stop := context.WithTimeout(base, s.cfg.Timeout)
	defer stop()

	now := s.now().UTC()
	t.Status = model.ThreadRunning
	t.StartedAt = &now
	t.ToolsUsed = appendUnique(t.ToolsUsed, s.agent.Name())
	if err := s.store.UpdateThread(ctx, t); err != nil {
		log.Warn("aithread: mark running failed", zap.Error(err))
	}

	status, output, msg := s.drive(ctx, base, t, req, log)
	r.result = s.finish(context.WithoutCancel(base), t, status, output, msg)

	s.mu.Lock()
	delete(s.runs, t.ID)
	s.mu.Unlock()
	close(r.done)
}

// drive submits req and polls until it resolves.
func (s *Supervisor) drive(ctx, base context.Context, t *model.AIThread, req Request, log *zap.Logger) (model.ThreadStatus, []model.ExtractedField, string) {
	extID, err := s.agent.Start(ctx, req)
	if err != nil {
		if st, msg, stopped := s.stopped(ctx, base); stopped {
			return st, nil, msg
		}
		return model.ThreadFailed, nil, eris.Wrap(err, "aithread: start").Error()
	}
	t.ExternalID = extID
	if err := s.store.UpdateThread(ctx, t); err != nil {
		log.Warn("aithread: record external id failed", zap.Error(err))
	}

	interval := s.cfg.PollInitial
	for {
		p, err := s.agent.Poll(ctx, extID)
		switch {
		case err != nil:
			if st, msg, stopped := s.stopped(ctx, base); stopped {
				s.abandon(base, extID, log)
				return st, nil, msg
			}
			log.Warn("aithread: poll failed", zap.Error(err))
		case p.Done:
			t.Messages = append(t.Messages, p.Messages...)
			if p.Err != nil {
				return model.ThreadFailed, nil, p.Err.Error()
			}
			return model.ThreadCompleted, p.Output, ""
		default:
			t.Messages = append(t.Messages, p.Messages...)
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			st, msg, _ := s.stopped(ctx, base)
			s.abandon(base, extID, log)
			return st, nil, msg
		case <-timer.C:
		}
		interval = min(interval*2, s.cfg.PollMax)
	}
}

// stopped reports whether the run ended by cancellation or timeout.
func (s *Supervisor) stopped(ctx, base context.Context) (model.ThreadStatus, string, bool) {
	if errors.Is(context.Cause(base), errCancelled) {
		return model.ThreadCancelled, "cancelled", true
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return model.ThreadTimeout, "thread exceeded " + s.cfg.Timeout.String(), true
	}
	return "", "", false
}

func (s *Supervisor) abandon(base context.Context, extID string, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(base), 10*time.Second)
	defer cancel()
	if err := s.agent.Cancel(ctx, extID); err != nil {
		log.Debug("aithread: agent cancel failed", zap.Error(err))
	}
}

// finish sets the final state and records it. Output survives only on
// COMPLETED; messages are kept for audit.
func (s *Supervisor) finish(ctx context.Context, t *model.AIThread, status model.ThreadStatus, output []model.ExtractedField, msg string) *model.AIThread {
	now := s.now().UTC()
	t.Status = status
	t.FinishedAt = &now
	t.Error = msg
	t.Output = nil
	if status == model.ThreadCompleted {
		t.Output = output
	}

	s.mu.Lock()
	fn := s.onFinish
	s.mu.Unlock()
	var err error
	if fn != nil {
		err = fn(ctx, t)
	} else {
		err = s.store.UpdateThread(ctx, t)
	}
	if err != nil {
		zap.L().Error("aithread: record final state failed",
			zap.String("thread_id", t.ID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
	return t
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}
