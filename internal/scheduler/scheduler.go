// Package scheduler drains the command mailbox and executes one pipeline
// run at a time for the lifetime of the process.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/buckleypaul/flashloop/internal/logger"
	"github.com/buckleypaul/flashloop/internal/mailbox"
	"github.com/buckleypaul/flashloop/internal/pipeline"
	"github.com/buckleypaul/flashloop/internal/runstate"
)

// DefaultPollInterval is the idle wait between mailbox checks.
const DefaultPollInterval = time.Second

// Runner executes one command synchronously.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (pipeline.Report, error)
}

// History records finished runs. Failures to record are logged and ignored.
type History interface {
	RecordRun(rep pipeline.Report, runErr error) error
}

// Event is published to the Notifier as runs progress.
type Event interface {
	event()
}

// RunStartedEvent is published before the pipeline is invoked.
type RunStartedEvent struct {
	RunID string
	Image string
	At    time.Time
}

// RunChunkEvent carries one telemetry chunk of the in-flight run.
type RunChunkEvent struct {
	Chunk pipeline.Chunk
}

// RunFinishedEvent is published after the pipeline returns.
type RunFinishedEvent struct {
	Report pipeline.Report
	Err    error
	Count  uint64 // success counter after this run
}

// StopEvent is published when a Stop command is taken.
type StopEvent struct {
	At time.Time
}

func (RunStartedEvent) event()  {}
func (RunChunkEvent) event()    {}
func (RunFinishedEvent) event() {}
func (StopEvent) event()        {}

// Notifier receives events on the scheduler goroutine. It must not block.
type Notifier func(Event)

// Scheduler owns the consumer side of a mailbox.
type Scheduler struct {
	mb       *mailbox.Mailbox
	runner   Runner
	state    *runstate.State
	log      *logger.Logger
	interval time.Duration
	wake     bool
	notify   Notifier
	history  History
	newID    func() string
	now      func() time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *logger.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithPollInterval sets the fixed wait between cycles.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithWakeOnSubmit ends the idle wait early when a command is submitted.
func WithWakeOnSubmit() Option {
	return func(s *Scheduler) { s.wake = true }
}

func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notify = n }
}

func WithHistory(h History) Option {
	return func(s *Scheduler) { s.history = h }
}

// New creates a scheduler. The mailbox must be the one handed to producers.
func New(mb *mailbox.Mailbox, runner Runner, state *runstate.State, opts ...Option) *Scheduler {
	s := &Scheduler{
		mb:       mb,
		runner:   runner,
		state:    state,
		log:      logger.Nop(),
		interval: DefaultPollInterval,
		notify:   func(Event) {},
		newID:    uuid.NewString,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run executes cycles until ctx is canceled. It returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Infow("scheduler started", "poll_interval", s.interval)
	for {
		s.Tick(ctx)

		t := time.NewTimer(s.interval)
		var ready <-chan struct{}
		if s.wake {
			ready = s.mb.Ready()
		}
		select {
		case <-ctx.Done():
			t.Stop()
			s.log.Infow("scheduler stopped")
			return ctx.Err()
		case <-t.C:
		case <-ready:
			t.Stop()
		}
	}
}

// Tick performs one cycle: take a command and, if present, execute it to
// completion. It reports whether a command was taken.
func (s *Scheduler) Tick(ctx context.Context) bool {
	cmd, ok := s.mb.Take()
	if !ok {
		return false
	}

	switch c := cmd.(type) {
	case mailbox.Stop:
		s.stop(ctx, c)
		return true
	case mailbox.Start:
		s.execute(ctx, c)
		return true
	default:
		s.log.Errorw("ignoring unknown command", "command", cmd)
		return true
	}
}

// stop hands a Stop to the runner, which acknowledges it without touching
// the probe. It is counted apart from successes and failures.
func (s *Scheduler) stop(ctx context.Context, cmd mailbox.Stop) {
	_, err := s.runner.Run(ctx, pipeline.Request{ID: s.newID(), Command: cmd})
	if err != nil && !errors.Is(err, pipeline.ErrStopped) {
		s.log.Warnw("runner did not acknowledge stop", "err", err)
	}
	s.state.RecordStop()
	s.log.Infow("stop acknowledged; no run in progress is affected")
	s.notify(StopEvent{At: s.now()})
}

func (s *Scheduler) execute(ctx context.Context, cmd mailbox.Start) {
	runID := s.newID()
	started := s.now()
	s.state.MarkRunning(cmd.Image, started)
	s.notify(RunStartedEvent{RunID: runID, Image: cmd.Image, At: started})
	s.log.Infow("run started", "run_id", runID, "image", cmd.Image)

	rep, err := s.runner.Run(ctx, pipeline.Request{
		ID:      runID,
		Command: cmd,
		OnChunk: func(c pipeline.Chunk) { s.notify(RunChunkEvent{Chunk: c}) },
	})

	finished := s.now()
	if err == nil {
		s.state.RecordSuccess(finished)
		s.log.Infow("run succeeded", "run_id", runID, "count", s.state.Succeeded(), "duration", rep.Duration)
	} else {
		// Failures never stop the loop; the next Start is the only retry.
		s.state.RecordFailure(err, finished)
		s.log.Errorw("run failed", "run_id", runID, "kind", pipeline.KindOf(err).String(), "err", err)
	}

	if s.history != nil {
		if herr := s.history.RecordRun(rep, err); herr != nil {
			s.log.Warnw("recording run history", "run_id", runID, "err", herr)
		}
	}

	s.notify(RunFinishedEvent{Report: rep, Err: err, Count: s.state.Succeeded()})
}
