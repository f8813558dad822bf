// Package pipeline runs one flash-and-monitor cycle against a debug probe:
// attach, flash, reset, run, capture telemetry for a fixed window, halt.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
	"unicode/utf8"

	"github.com/buckleypaul/flashloop/internal/logger"
	"github.com/buckleypaul/flashloop/internal/mailbox"
	"github.com/buckleypaul/flashloop/internal/probe"
)

// Defaults used when a Config field is zero.
const (
	DefaultTarget      = "rp2040"
	DefaultIterations  = 10
	DefaultInterval    = 5 * time.Second
	DefaultBufferSize  = 1024
	DefaultHaltTimeout = 5 * time.Second
)

// Config fixes the parameters of every run.
type Config struct {
	Target      string
	ProbeSerial string
	ProbeIndex  int
	Core        int
	Channel     int
	Format      probe.Format
	Iterations  int
	Interval    time.Duration
	BufferSize  int
	HaltTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Target == "" {
		c.Target = DefaultTarget
	}
	if c.Iterations <= 0 {
		c.Iterations = DefaultIterations
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.HaltTimeout <= 0 {
		c.HaltTimeout = DefaultHaltTimeout
	}
	return c
}

// Window is the longest the capture loop can take.
func (c Config) Window() time.Duration {
	c = c.withDefaults()
	return time.Duration(c.Iterations) * c.Interval
}

// Chunk is one decoded read from the telemetry channel.
type Chunk struct {
	RunID     string
	Iteration int
	Text      string
	At        time.Time
}

// ChunkHandler receives chunks as they are read. It runs on the pipeline's
// goroutine and must not block.
type ChunkHandler func(Chunk)

// Request is one invocation of Run.
type Request struct {
	ID      string
	Command mailbox.Command
	OnChunk ChunkHandler
}

// Report describes a finished Start run, successful or not.
type Report struct {
	RunID    string
	Image    string
	Target   string
	Probe    probe.Info
	Chunks   []Chunk
	Started  time.Time
	Duration time.Duration
}

// TelemetryOpener establishes the telemetry link for a run. The default
// attaches to the target's RTT control block through the core.
type TelemetryOpener func(ctx context.Context, info probe.Info, core probe.Core) (probe.Telemetry, error)

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Pipeline executes commands against a probe backend. Runs are fully
// synchronous; callers must not invoke Run concurrently for one probe.
type Pipeline struct {
	backend       probe.Backend
	cfg           Config
	log           *logger.Logger
	sleep         Sleeper
	openTelemetry TelemetryOpener
	now           func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

func WithLogger(l *logger.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

func WithSleeper(s Sleeper) Option {
	return func(p *Pipeline) { p.sleep = s }
}

func WithTelemetryOpener(o TelemetryOpener) Option {
	return func(p *Pipeline) { p.openTelemetry = o }
}

// New creates a pipeline. Zero Config fields take the package defaults.
func New(backend probe.Backend, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		backend: backend,
		cfg:     cfg.withDefaults(),
		log:     logger.Nop(),
		sleep:   sleepCtx,
		openTelemetry: func(ctx context.Context, _ probe.Info, core probe.Core) (probe.Telemetry, error) {
			return core.AttachTelemetry(ctx)
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the effective configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// Run executes one command. A Stop returns ErrStopped without touching the
// probe. A Start returns nil only if every step succeeded.
func (p *Pipeline) Run(ctx context.Context, req Request) (Report, error) {
	switch cmd := req.Command.(type) {
	case mailbox.Start:
		return p.flashAndMonitor(ctx, req.ID, cmd.Image, req.OnChunk)
	case mailbox.Stop:
		return Report{RunID: req.ID}, ErrStopped
	default:
		return Report{RunID: req.ID}, fmt.Errorf("unsupported command %T", req.Command)
	}
}

func (p *Pipeline) flashAndMonitor(ctx context.Context, runID, image string, onChunk ChunkHandler) (rep Report, err error) {
	rep = Report{RunID: runID, Image: image, Target: p.cfg.Target, Started: p.now()}
	defer func() { rep.Duration = p.now().Sub(rep.Started) }()

	log := p.log.With("run_id", runID, "image", image)

	if err := ctx.Err(); err != nil {
		return rep, fail(Canceled, "start", err)
	}

	probes, err := p.backend.List(ctx)
	if err != nil {
		return rep, fail(NoProbeFound, "list probes", err)
	}
	if len(probes) == 0 {
		return rep, fail(NoProbeFound, "list probes", nil)
	}

	info, err := probe.Select(probes, p.cfg.ProbeSerial, p.cfg.ProbeIndex)
	if err != nil {
		return rep, fail(ProbeOpen, "select probe", err)
	}
	rep.Probe = info

	dev, err := p.backend.Open(ctx, info)
	if err != nil {
		return rep, fail(ProbeOpen, "open "+info.String(), err)
	}
	defer func() {
		if cerr := dev.Close(); cerr != nil {
			log.Warnw("closing probe", "err", cerr)
		}
	}()

	sess, err := dev.Attach(ctx, p.cfg.Target, probe.PermissionsDefault)
	if err != nil {
		return rep, fail(Attach, "attach "+p.cfg.Target, err)
	}
	defer func() {
		if cerr := sess.Close(); cerr != nil {
			log.Warnw("closing session", "err", cerr)
		}
	}()

	log.Infow("flashing", "probe", info.String(), "target", p.cfg.Target, "format", p.cfg.Format)
	if _, err := os.Stat(image); err != nil {
		return rep, fail(Flash, "open image", err)
	}
	if err := sess.Download(ctx, image, p.cfg.Format); err != nil {
		return rep, fail(Flash, "download", err)
	}

	core, err := sess.Core(p.cfg.Core)
	if err != nil {
		return rep, fail(TelemetryAttach, fmt.Sprintf("select core %d", p.cfg.Core), err)
	}
	tel, err := p.openTelemetry(ctx, info, core)
	if err != nil {
		return rep, fail(TelemetryAttach, "attach telemetry", err)
	}
	// Transports with their own handle (a UART port) release it per run.
	if c, ok := tel.(io.Closer); ok {
		defer func() {
			if cerr := c.Close(); cerr != nil {
				log.Warnw("closing telemetry", "err", cerr)
			}
		}()
	}

	if err := core.Reset(ctx); err != nil {
		return rep, fail(TargetControl, "reset", err)
	}
	if err := core.Run(ctx); err != nil {
		return rep, fail(TargetControl, "run", err)
	}

	chunks, err := p.capture(ctx, log, runID, tel, onChunk)
	rep.Chunks = chunks
	if err != nil {
		return rep, err
	}

	if err := core.Halt(ctx, p.cfg.HaltTimeout); err != nil {
		if errors.Is(err, probe.ErrTimeout) {
			return rep, fail(HaltTimeout, "halt", err)
		}
		return rep, fail(TargetControl, "halt", err)
	}

	log.Infow("run complete", "chunks", len(rep.Chunks))
	return rep, nil
}

// capture polls the up-channel for exactly cfg.Iterations rounds, sleeping
// cfg.Interval after each. It never exits early on data or on silence.
func (p *Pipeline) capture(ctx context.Context, log *logger.Logger, runID string, tel probe.Telemetry, onChunk ChunkHandler) ([]Chunk, error) {
	buf := make([]byte, p.cfg.BufferSize)
	var chunks []Chunk

	for i := 0; i < p.cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return chunks, fail(Canceled, fmt.Sprintf("capture iteration %d", i), err)
		}

		if ch, ok := tel.UpChannel(p.cfg.Channel); ok {
			n, err := ch.Read(ctx, buf)
			if err != nil {
				return chunks, fail(TelemetryRead, fmt.Sprintf("read up-channel %d", p.cfg.Channel), err)
			}
			if !utf8.Valid(buf[:n]) {
				return chunks, fail(Decode, fmt.Sprintf("decode iteration %d", i),
					fmt.Errorf("%d bytes are not valid UTF-8", n))
			}
			text := string(buf[:n])
			if n > 0 {
				c := Chunk{RunID: runID, Iteration: i, Text: text, At: p.now()}
				chunks = append(chunks, c)
				if onChunk != nil {
					onChunk(c)
				}
				log.Infow("telemetry", "iteration", i, "data", text)
			} else {
				log.Debugw("telemetry", "iteration", i, "data", "")
			}
		} else {
			log.Debugw("no up-channel", "channel", p.cfg.Channel, "iteration", i)
		}

		if err := p.sleep(ctx, p.cfg.Interval); err != nil {
			return chunks, fail(Canceled, fmt.Sprintf("capture iteration %d", i), err)
		}
	}
	return chunks, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
