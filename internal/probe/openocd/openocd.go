// Package openocd drives real debug probes through an OpenOCD process.
// Probes are discovered from their USB CDC-ACM ports; every session
// launches OpenOCD bound to one adapter serial and talks to it over
// TCL-RPC. RTT data is read from OpenOCD's RTT TCP server.
package openocd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial/enumerator"

	"github.com/buckleypaul/flashloop/internal/logger"
	"github.com/buckleypaul/flashloop/internal/probe"
)

// Options configures how OpenOCD is launched.
type Options struct {
	Path           string // openocd executable
	Interface      string // fallback adapter driver for unknown probes
	TCLPort        int
	RTTPort        int
	RTTChannel     int
	RTTSearchAddr  uint32
	RTTSearchSize  uint32
	AdapterSpeed   int // kHz, 0 leaves the adapter default
	StartupTimeout time.Duration
	ExtraArgs      []string
}

func (o Options) withDefaults() Options {
	if o.Path == "" {
		o.Path = "openocd"
	}
	if o.Interface == "" {
		o.Interface = "cmsis-dap"
	}
	if o.TCLPort == 0 {
		o.TCLPort = 6666
	}
	if o.RTTPort == 0 {
		o.RTTPort = 9090
	}
	if o.RTTSearchAddr == 0 {
		o.RTTSearchAddr = 0x20000000
	}
	if o.RTTSearchSize == 0 {
		o.RTTSearchSize = 0x42000
	}
	if o.StartupTimeout == 0 {
		o.StartupTimeout = 10 * time.Second
	}
	return o
}

// Backend implements probe.Backend on top of OpenOCD.
type Backend struct {
	opts   Options
	lister PortLister
	log    *logger.Logger
}

var _ probe.Backend = (*Backend)(nil)

// New creates an OpenOCD backend.
func New(opts Options, log *logger.Logger) *Backend {
	if log == nil {
		log = logger.Nop()
	}
	return &Backend{
		opts:   opts.withDefaults(),
		lister: enumerator.GetDetailedPortsList,
		log:    log,
	}
}

// WithPortLister replaces USB enumeration, for tests.
func (b *Backend) WithPortLister(l PortLister) *Backend {
	b.lister = l
	return b
}

func (b *Backend) List(ctx context.Context) ([]probe.Info, error) {
	return enumerate(b.lister)
}

// Open checks that OpenOCD is runnable. The process itself is started by
// Attach, since its target configuration depends on the chip.
func (b *Backend) Open(ctx context.Context, info probe.Info) (probe.Probe, error) {
	path, err := exec.LookPath(b.opts.Path)
	if err != nil {
		return nil, fmt.Errorf("openocd not found: %w", err)
	}
	return &Probe{opts: b.opts, path: path, info: info, log: b.log}, nil
}

// Probe is an opened adapter. At most one Session is active at a time.
type Probe struct {
	opts Options
	path string
	info probe.Info
	log  *logger.Logger

	mu   sync.Mutex
	sess *Session
}

func (p *Probe) Info() probe.Info { return p.info }

// Args returns the OpenOCD command line for attaching to target.
func (p *Probe) Args(target string) []string {
	args := []string{
		"-f", "interface/" + adapterFor(p.info, p.opts.Interface) + ".cfg",
	}
	if p.info.Serial != "" {
		args = append(args, "-c", "adapter serial "+p.info.Serial)
	}
	args = append(args, "-f", "target/"+target+".cfg")
	if p.opts.AdapterSpeed > 0 {
		args = append(args, "-c", "adapter speed "+strconv.Itoa(p.opts.AdapterSpeed))
	}
	args = append(args,
		"-c", "tcl_port "+strconv.Itoa(p.opts.TCLPort),
		"-c", "gdb_port disabled",
		"-c", "telnet_port disabled",
	)
	return append(args, p.opts.ExtraArgs...)
}

// Attach launches OpenOCD for target and connects to its TCL port.
// perm is accepted for interface compatibility; OpenOCD has no notion of
// elevated attach, so only PermissionsDefault is supported.
func (p *Probe) Attach(ctx context.Context, target string, perm probe.Permissions) (probe.Session, error) {
	if perm != probe.PermissionsDefault {
		return nil, fmt.Errorf("openocd: permissions %s not supported", perm)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sess != nil {
		return nil, errors.New("openocd: probe already has an active session")
	}

	var stderr bytes.Buffer
	cmd := exec.Command(p.path, p.Args(target)...)
	cmd.Stdout = &stderr
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting openocd: %w", err)
	}
	p.log.Debugw("openocd started", "pid", cmd.Process.Pid, "args", cmd.Args)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	dialCtx, cancel := context.WithTimeout(ctx, p.opts.StartupTimeout)
	defer cancel()
	type dialResult struct {
		tcl *TCL
		err error
	}
	dialed := make(chan dialResult, 1)
	go func() {
		tcl, err := DialTCL(dialCtx, "127.0.0.1:"+strconv.Itoa(p.opts.TCLPort))
		dialed <- dialResult{tcl, err}
	}()

	select {
	case err := <-exited:
		cancel()
		return nil, fmt.Errorf("openocd exited during attach (%v): %s", err, lastLines(stderr.String(), 5))
	case r := <-dialed:
		if r.err != nil {
			cmd.Process.Kill()
			<-exited
			return nil, fmt.Errorf("%w: %s", r.err, lastLines(stderr.String(), 5))
		}
		p.sess = &Session{
			tcl:    r.tcl,
			target: target,
			opts:   p.opts,
			proc:   &process{cmd: cmd, exited: exited},
			onClose: func() {
				p.mu.Lock()
				p.sess = nil
				p.mu.Unlock()
			},
		}
		return p.sess, nil
	}
}

// Close ends any session still open.
func (p *Probe) Close() error {
	p.mu.Lock()
	sess := p.sess
	p.mu.Unlock()
	if sess != nil {
		return sess.Close()
	}
	return nil
}

type process struct {
	cmd    *exec.Cmd
	exited chan error
}

// stop waits for a graceful exit and kills OpenOCD after grace.
func (pr *process) stop(grace time.Duration) {
	select {
	case <-pr.exited:
	case <-time.After(grace):
		pr.cmd.Process.Kill()
		<-pr.exited
	}
}

// Session is an OpenOCD instance attached to one target.
type Session struct {
	tcl     *TCL
	target  string
	opts    Options
	proc    *process
	onClose func()

	mu  sync.Mutex
	rtt net.Conn

	closeOnce sync.Once
	closeErr  error
}

// NewSession wraps an existing TCL connection. The caller owns the
// OpenOCD process.
func NewSession(tcl *TCL, target string, opts Options) *Session {
	return &Session{tcl: tcl, target: target, opts: opts.withDefaults()}
}

func (s *Session) Target() string { return s.target }

func (s *Session) Download(ctx context.Context, path string, format probe.Format) error {
	if format != probe.FormatELF {
		return fmt.Errorf("openocd: format %s needs a load address", format)
	}
	_, err := s.tcl.Exec(ctx, "program "+quote(path)+" verify")
	return err
}

func (s *Session) Core(index int) (probe.Core, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	names, err := s.tcl.Exec(ctx, "target names")
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(names)
	if index < 0 || index >= len(fields) {
		return nil, fmt.Errorf("openocd: core %d not in [%s]", index, names)
	}
	name := fields[index]
	if _, err := s.tcl.Exec(ctx, "targets "+name); err != nil {
		return nil, err
	}
	return &Core{s: s, name: name}, nil
}

// Close shuts OpenOCD down. It is safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// shutdown closes the connection before replying.
		s.tcl.Raw(ctx, "shutdown")
		s.closeErr = s.tcl.Close()
		s.mu.Lock()
		if s.rtt != nil {
			s.rtt.Close()
		}
		s.mu.Unlock()
		if s.proc != nil {
			s.proc.stop(3 * time.Second)
		}
		if s.onClose != nil {
			s.onClose()
		}
	})
	return s.closeErr
}

// Core is one target in OpenOCD's target list.
type Core struct {
	s    *Session
	name string
}

// AttachTelemetry configures RTT and starts OpenOCD's RTT server for the
// configured channel. The control block is located on first read, once
// the firmware has had a chance to initialise it.
func (c *Core) AttachTelemetry(ctx context.Context) (probe.Telemetry, error) {
	o := c.s.opts
	setup := fmt.Sprintf("rtt setup 0x%x 0x%x {SEGGER RTT}", o.RTTSearchAddr, o.RTTSearchSize)
	if _, err := c.s.tcl.Exec(ctx, setup); err != nil {
		return nil, err
	}
	server := fmt.Sprintf("rtt server start %d %d", o.RTTPort, o.RTTChannel)
	if _, err := c.s.tcl.Exec(ctx, server); err != nil {
		return nil, err
	}
	return &rttTelemetry{c: c}, nil
}

func (c *Core) Reset(ctx context.Context) error {
	_, err := c.s.tcl.Exec(ctx, "reset halt")
	return err
}

func (c *Core) Run(ctx context.Context) error {
	_, err := c.s.tcl.Exec(ctx, "resume")
	return err
}

// haltReplyGrace is how long OpenOCD may take to answer a halt beyond
// the halt timeout itself.
var haltReplyGrace = 2 * time.Second

func (c *Core) Halt(ctx context.Context, timeout time.Duration) error {
	ms := strconv.FormatInt(timeout.Milliseconds(), 10)
	hctx, cancel := context.WithTimeout(ctx, timeout+haltReplyGrace)
	defer cancel()

	if _, err := c.s.tcl.Exec(hctx, "halt "+ms); err != nil {
		var ce *CommandError
		if errors.As(err, &ce) && strings.Contains(strings.ToLower(ce.Msg), "timed out") {
			return fmt.Errorf("%v: %w", err, probe.ErrTimeout)
		}
		return haltError(hctx, err)
	}
	state, err := c.s.tcl.Exec(hctx, c.name+" curstate")
	if err != nil {
		return haltError(hctx, err)
	}
	if state != "halted" {
		return fmt.Errorf("core %s is %s after %sms: %w", c.name, state, ms, probe.ErrTimeout)
	}
	return nil
}

// haltError wraps err with probe.ErrTimeout when OpenOCD did not reply
// before the halt deadline.
func haltError(hctx context.Context, err error) error {
	var ne net.Error
	if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(hctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%v: %w", err, probe.ErrTimeout)
	}
	return err
}

type rttTelemetry struct {
	c  *Core
	mu sync.Mutex
	ch *rttChannel
}

func (t *rttTelemetry) UpChannel(n int) (probe.UpChannel, bool) {
	if n != t.c.s.opts.RTTChannel {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.ch == nil {
		t.ch = &rttChannel{c: t.c}
	}
	return t.ch, true
}

// rttReadTimeout bounds a single read from the RTT server.
const rttReadTimeout = 50 * time.Millisecond

type rttChannel struct {
	c       *Core
	started bool
	conn    net.Conn
}

// Read returns buffered RTT bytes. Until the control block is found it
// returns zero bytes without error.
func (r *rttChannel) Read(ctx context.Context, buf []byte) (int, error) {
	if !r.started {
		if _, err := r.c.s.tcl.Exec(ctx, "rtt start"); err != nil {
			return 0, nil
		}
		r.started = true
	}
	if r.conn == nil {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", "127.0.0.1:"+strconv.Itoa(r.c.s.opts.RTTPort))
		if err != nil {
			return 0, fmt.Errorf("rtt server: %w", err)
		}
		r.conn = conn
		r.c.s.mu.Lock()
		r.c.s.rtt = conn
		r.c.s.mu.Unlock()
	}

	r.conn.SetReadDeadline(time.Now().Add(rttReadTimeout))
	n, err := r.conn.Read(buf)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return n, nil
	}
	return n, err
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
