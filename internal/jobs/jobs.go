// Package jobs runs the periodic maintenance work of a long-lived process:
// redispatching correspondence stuck in pending and timing out orphaned AI
// threads.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// EmailRedispatcher resends emails left pending longer than olderThan.
type EmailRedispatcher interface {
	RedispatchStaleEmails(ctx context.Context, olderThan time.Duration) (int, error)
}

// ThreadSweeper finishes AI threads no live process is running.
type ThreadSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Config holds cron specs (with a seconds field). An empty spec disables
// that job.
type Config struct {
	EmailRedispatch string
	ThreadSweep     string
	StalePending    time.Duration
	// RunTimeout bounds one run of a job.
	RunTimeout time.Duration
}

// Scheduler owns the cron runner and the jobs registered on it.
type Scheduler struct {
	emails  EmailRedispatcher
	threads ThreadSweeper
	cfg     Config
	cron    *cron.Cron

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// New builds a scheduler. Runs of the same job never overlap.
func New(emails EmailRedispatcher, threads ThreadSweeper, cfg Config) *Scheduler {
	if cfg.StalePending <= 0 {
		cfg.StalePending = 10 * time.Minute
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	return &Scheduler{
		emails:  emails,
		threads: threads,
		cfg:     cfg,
		cron:    cron.New(cron.WithSeconds(), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start registers the configured jobs and starts the runner. Jobs run until
// ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return eris.New("jobs: scheduler already started")
	}

	if s.cfg.EmailRedispatch != "" && s.emails != nil {
		if _, err := s.cron.AddFunc(s.cfg.EmailRedispatch, func() { s.run("email_redispatch", s.RedispatchEmails) }); err != nil {
			return eris.Wrapf(err, "jobs: schedule email redispatch %q", s.cfg.EmailRedispatch)
		}
	}
	if s.cfg.ThreadSweep != "" && s.threads != nil {
		if _, err := s.cron.AddFunc(s.cfg.ThreadSweep, func() { s.run("thread_sweep", s.SweepThreads) }); err != nil {
			return eris.Wrapf(err, "jobs: schedule thread sweep %q", s.cfg.ThreadSweep)
		}
	}

	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	s.cron.Start()
	zap.L().Info("jobs: scheduler started",
		zap.String("email_redispatch", s.cfg.EmailRedispatch),
		zap.String("thread_sweep", s.cfg.ThreadSweep),
	)
	return nil
}

// Stop halts the runner and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return
	}
	s.started = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	zap.L().Info("jobs: scheduler stopped")
}

func (s *Scheduler) run(name string, fn func(context.Context) (int, error)) {
	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()
	if base == nil || base.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(base, s.cfg.RunTimeout)
	defer cancel()

	start := time.Now()
	n, err := fn(ctx)
	if err != nil {
		zap.L().Error("jobs: run failed", zap.String("job", name), zap.Error(err))
		return
	}
	if n > 0 {
		zap.L().Info("jobs: run complete",
			zap.String("job", name),
			zap.Int("handled", n),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

// RedispatchEmails runs the email redispatch job once.
func (s *Scheduler) RedispatchEmails(ctx context.Context) (int, error) {
	n, err := s.emails.RedispatchStaleEmails(ctx, s.cfg.StalePending)
	if err != nil {
		return n, eris.Wrap(err, "jobs: redispatch stale emails")
	}
	return n, nil
}

// SweepThreads runs the thread sweep once.
func (s *Scheduler) SweepThreads(ctx context.Context) (int, error) {
	n, err := s.threads.Sweep(ctx)
	if err != nil {
		return n, eris.Wrap(err, "jobs: sweep threads")
	}
	return n, nil
}
