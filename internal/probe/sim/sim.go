// Package sim provides an in-process probe backend that emulates a debug
// probe and a target running telemetry-enabled firmware. It is used by the
// --simulate mode and by tests, and every step can be made to fail.
package sim

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/buckleypaul/flashloop/internal/firmware"
	"github.com/buckleypaul/flashloop/internal/probe"
)

// ErrBusy is returned by Open while another session holds the probe.
var ErrBusy = errors.New("sim: probe already open")

// Script configures the simulated hardware.
type Script struct {
	Probes []probe.Info

	ListErr      error
	OpenErr      error
	AttachErr    error
	DownloadErr  error
	CoreErr      error
	TelemetryErr error
	ResetErr     error
	RunErr       error
	HaltErr      error
	ReadErr      error

	// HaltHangs makes Halt wait for its full timeout and then report
	// probe.ErrTimeout.
	HaltHangs bool
	// NoUpChannel hides up-channel 0 from the attached telemetry block.
	NoUpChannel bool
	// ValidateELF makes Download reject files that are not ELF executables.
	ValidateELF bool

	// Chunks are returned by successive reads of up-channel 0. Once
	// exhausted, reads return zero bytes. A successful Download rewinds
	// them, as a freshly flashed target boots again.
	Chunks [][]byte
	// Chips lists the chip identifiers Attach accepts. Empty accepts any.
	Chips []string
}

// DefaultProbe is the single probe listed when Script.Probes is nil.
var DefaultProbe = probe.Info{
	Index:      0,
	Identifier: "Simulated CMSIS-DAP",
	Serial:     "SIM0001",
	VID:        "2e8a",
	PID:        "000c",
}

// Demo returns a script that boots cleanly and prints a short log.
func Demo() Script {
	return Script{
		ValidateELF: true,
		Chunks: [][]byte{
			[]byte("[00:00:00.000] INFO  boot: firmware started\n"),
			[]byte("[00:00:00.010] INFO  clocks: sys=125MHz\n"),
			nil,
			[]byte("[00:00:01.000] INFO  heartbeat 1\n"),
		},
	}
}

// Backend is a probe.Backend over a Script. It records every call.
type Backend struct {
	mu       sync.Mutex
	script   Script
	calls    []string
	open     bool
	maxOpen  int
	curOpen  int
	readNext int
}

var _ probe.Backend = (*Backend)(nil)

// New creates a simulated backend.
func New(script Script) *Backend {
	if script.Probes == nil {
		script.Probes = []probe.Info{DefaultProbe}
	}
	return &Backend{script: script}
}

// SetScript replaces the script. Read position is reset.
func (b *Backend) SetScript(script Script) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if script.Probes == nil {
		script.Probes = []probe.Info{DefaultProbe}
	}
	b.script = script
	b.readNext = 0
}

// Calls returns the recorded call log.
func (b *Backend) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

// ResetCalls clears the call log and rewinds scripted telemetry.
func (b *Backend) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
	b.readNext = 0
}

// Open takes the simulated probe. A second Open before Close fails with ErrBusy.
func (b *Backend) Open(ctx context.Context, info probe.Info) (probe.Probe, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("open %s", info.Serial)
	if b.script.OpenErr != nil {
		return nil, b.script.OpenErr
	}
	if b.open {
		return nil, ErrBusy
	}
	b.open = true
	b.curOpen++
	if b.curOpen > b.maxOpen {
		b.maxOpen = b.curOpen
	}
	return &simProbe{b: b, info: info}, nil
}

func (b *Backend) List(ctx context.Context) ([]probe.Info, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record("list")
	if b.script.ListErr != nil {
		return nil, b.script.ListErr
	}
	return append([]probe.Info(nil), b.script.Probes...), nil
}

// Held reports whether a probe is currently open.
func (b *Backend) Held() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// MaxConcurrentOpen returns the highest number of simultaneously open probes.
func (b *Backend) MaxConcurrentOpen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxOpen
}

func (b *Backend) record(format string, args ...any) {
	b.calls = append(b.calls, fmt.Sprintf(format, args...))
}

func (b *Backend) step(format string, args ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.record(format, args...)
}

func (b *Backend) scriptCopy() Script {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.script
}

type simProbe struct {
	b      *Backend
	info   probe.Info
	closed bool
}

func (p *simProbe) Info() probe.Info { return p.info }

func (p *simProbe) Attach(ctx context.Context, target string, perm probe.Permissions) (probe.Session, error) {
	p.b.step("attach %s %s", target, perm)
	s := p.b.scriptCopy()
	if s.AttachErr != nil {
		return nil, s.AttachErr
	}
	if len(s.Chips) > 0 && !contains(s.Chips, target) {
		return nil, fmt.Errorf("sim: chip %q not found", target)
	}
	return &simSession{b: p.b, target: target}, nil
}

func (p *simProbe) Close() error {
	p.b.mu.Lock()
	defer p.b.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.b.record("close probe")
	p.b.open = false
	p.b.curOpen--
	return nil
}

type simSession struct {
	b      *Backend
	target string
}

func (s *simSession) Target() string { return s.target }

func (s *simSession) Download(ctx context.Context, path string, format probe.Format) error {
	s.b.step("download %s %s", path, format)
	sc := s.b.scriptCopy()
	if sc.DownloadErr != nil {
		return sc.DownloadErr
	}
	if _, err := os.Stat(path); err != nil {
		return err
	}
	if sc.ValidateELF && format == probe.FormatELF {
		if err := firmware.CheckELF(path); err != nil {
			return err
		}
	}
	s.b.mu.Lock()
	s.b.readNext = 0
	s.b.mu.Unlock()
	return nil
}

func (s *simSession) Core(index int) (probe.Core, error) {
	s.b.step("core %d", index)
	if err := s.b.scriptCopy().CoreErr; err != nil {
		return nil, err
	}
	if index != 0 {
		return nil, fmt.Errorf("sim: core %d does not exist", index)
	}
	return &simCore{b: s.b}, nil
}

func (s *simSession) Close() error {
	s.b.step("close session")
	return nil
}

type simCore struct {
	b *Backend
}

func (c *simCore) AttachTelemetry(ctx context.Context) (probe.Telemetry, error) {
	c.b.step("attach telemetry")
	sc := c.b.scriptCopy()
	if sc.TelemetryErr != nil {
		return nil, sc.TelemetryErr
	}
	return &simTelemetry{b: c.b, hidden: sc.NoUpChannel}, nil
}

func (c *simCore) Reset(ctx context.Context) error {
	c.b.step("reset")
	return c.b.scriptCopy().ResetErr
}

func (c *simCore) Run(ctx context.Context) error {
	c.b.step("run")
	return c.b.scriptCopy().RunErr
}

func (c *simCore) Halt(ctx context.Context, timeout time.Duration) error {
	c.b.step("halt")
	sc := c.b.scriptCopy()
	if sc.HaltHangs {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-t.C:
			return fmt.Errorf("sim: core did not halt within %s: %w", timeout, probe.ErrTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return sc.HaltErr
}

type simTelemetry struct {
	b      *Backend
	hidden bool
}

func (t *simTelemetry) UpChannel(n int) (probe.UpChannel, bool) {
	if n != 0 || t.hidden {
		return nil, false
	}
	return &simChannel{b: t.b}, true
}

type simChannel struct {
	b *Backend
}

func (c *simChannel) Read(ctx context.Context, buf []byte) (int, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	c.b.record("read")
	if c.b.script.ReadErr != nil {
		return 0, c.b.script.ReadErr
	}
	if c.b.readNext >= len(c.b.script.Chunks) {
		return 0, nil
	}
	chunk := c.b.script.Chunks[c.b.readNext]
	c.b.readNext++
	return copy(buf, chunk), nil
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}
