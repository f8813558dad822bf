package mailbox

import (
	"sync"
	"sync/atomic"
)

// Policy decides what Submit does when a command is already pending.
type Policy int

const (
	// Overwrite replaces the pending command. The replaced command is
	// counted as dropped and never observed by Take.
	Overwrite Policy = iota
	// KeepPending rejects the new command while one is pending.
	KeepPending
)

// Mailbox is a single-slot hand-off between any number of producers and
// one consumer. Submit never blocks; Take is destructive.
type Mailbox struct {
	policy Policy

	mu      sync.Mutex // serializes producers
	slot    chan Command
	ready   chan struct{}
	dropped atomic.Uint64
}

// Option configures a Mailbox.
type Option func(*Mailbox)

// WithPolicy sets the full-slot policy. The default is Overwrite.
func WithPolicy(p Policy) Option {
	return func(m *Mailbox) { m.policy = p }
}

// New creates an empty mailbox.
func New(opts ...Option) *Mailbox {
	m := &Mailbox{
		slot:  make(chan Command, 1),
		ready: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit stores cmd. It reports whether cmd was accepted, which is always
// true under Overwrite.
func (m *Mailbox) Submit(cmd Command) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.slot) > 0 && m.policy == KeepPending {
		m.dropped.Add(1)
		return false
	}

	// Only producers fill the slot and they hold mu, so after the drain
	// the send below cannot block.
	select {
	case <-m.slot:
		m.dropped.Add(1)
	default:
	}
	m.slot <- cmd

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return true
}

// Take removes and returns the pending command, if any.
func (m *Mailbox) Take() (Command, bool) {
	select {
	case cmd := <-m.slot:
		return cmd, true
	default:
		return nil, false
	}
}

// Ready is signalled after every accepted Submit. A consumer may use it to
// wake before its next poll; the command itself must still be read with Take.
func (m *Mailbox) Ready() <-chan struct{} {
	return m.ready
}

// Pending reports whether a command is waiting.
func (m *Mailbox) Pending() bool {
	return len(m.slot) > 0
}

// Dropped returns how many commands were discarded without being taken.
func (m *Mailbox) Dropped() uint64 {
	return m.dropped.Load()
}
