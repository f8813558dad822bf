// Package runstate holds the process-lifetime run counters and the last
// known outcome shown by the presentation layer.
package runstate

import (
	"sync"
	"sync/atomic"
	"time"
)

// State is safe for concurrent reads. Only the scheduler mutates it.
type State struct {
	succeeded atomic.Uint64
	failed    atomic.Uint64
	stopped   atomic.Uint64

	mu        sync.RWMutex
	running   string
	startedAt time.Time
	lastErr   error
	lastRunAt time.Time
}

// Snapshot is a consistent copy of State for display.
type Snapshot struct {
	Succeeded uint64
	Failed    uint64
	Stopped   uint64
	Running   string // image of the in-flight run, empty when idle
	StartedAt time.Time
	LastError error
	LastRunAt time.Time
}

// New returns a State with all counters at zero.
func New() *State {
	return &State{}
}

func (s *State) Succeeded() uint64 { return s.succeeded.Load() }
func (s *State) Failed() uint64    { return s.failed.Load() }

// LastError returns the error of the most recent failed run, or nil if the
// most recent run succeeded or no run has finished yet.
func (s *State) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Running reports the image of the in-flight run.
func (s *State) Running() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running, s.running != ""
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Succeeded: s.succeeded.Load(),
		Failed:    s.failed.Load(),
		Stopped:   s.stopped.Load(),
		Running:   s.running,
		StartedAt: s.startedAt,
		LastError: s.lastErr,
		LastRunAt: s.lastRunAt,
	}
}

// MarkRunning records that a run of image has started.
func (s *State) MarkRunning(image string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = image
	s.startedAt = at
}

// RecordSuccess increments the success counter by exactly one.
func (s *State) RecordSuccess(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.succeeded.Add(1)
	s.lastErr = nil
	s.finishLocked(at)
}

// RecordFailure keeps err as the last error. The success counter is untouched.
func (s *State) RecordFailure(err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed.Add(1)
	s.lastErr = err
	s.finishLocked(at)
}

// RecordStop counts an acknowledged Stop command.
func (s *State) RecordStop() {
	s.stopped.Add(1)
}

func (s *State) finishLocked(at time.Time) {
	s.running = ""
	s.startedAt = time.Time{}
	s.lastRunAt = at
}
