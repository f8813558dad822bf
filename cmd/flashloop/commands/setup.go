package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/buckleypaul/flashloop/internal/config"
	"github.com/buckleypaul/flashloop/internal/logger"
	"github.com/buckleypaul/flashloop/internal/pipeline"
	"github.com/buckleypaul/flashloop/internal/printer"
	"github.com/buckleypaul/flashloop/internal/probe"
	"github.com/buckleypaul/flashloop/internal/probe/openocd"
	"github.com/buckleypaul/flashloop/internal/probe/sim"
	"github.com/buckleypaul/flashloop/internal/scheduler"
	"github.com/buckleypaul/flashloop/internal/serial"
	"github.com/buckleypaul/flashloop/internal/store"
	"github.com/buckleypaul/flashloop/internal/workspace"
)

// env is everything a command needs, built from the workspace, config
// files and overrides.
type env struct {
	ws      *workspace.Workspace
	cfg     config.Config
	log     *logger.Logger
	backend probe.Backend
	store   *store.Store // nil when history is disabled

	closeLog func() error
}

// logTo selects where setup sends log output.
type logTo int

const (
	logToFile logTo = iota
	logToStderr
)

func setup(dest logTo) (*env, error) {
	start := v.GetString("workspace")
	if start == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, err
		}
		start = cwd
	}
	ws, err := workspace.Detect(start)
	if err != nil {
		return nil, printer.Error("Cannot determine workspace", err.Error(), nil)
	}

	cfg := config.Load(ws.Root)
	config.ApplyOverrides(&cfg, v)
	if v.GetBool("simulate") {
		cfg.Backend = config.BackendSim
	}

	e := &env{ws: ws, cfg: cfg, closeLog: func() error { return nil }}

	switch dest {
	case logToStderr:
		e.log = logger.NewStderr(cfg.LogLevel)
	default:
		path := cfg.LogFile
		if path == "" {
			path = filepath.Join(ws.StateDir(), "flashloop.log")
		}
		l, closeFn, err := logger.NewFile(cfg.LogLevel, path)
		if err != nil {
			return nil, printer.Error("Cannot open log file", err.Error(),
				[]string{"Pass --log-file with a writable path"})
		}
		e.log, e.closeLog = l, closeFn
	}

	e.backend, err = newBackend(cfg, e.log)
	if err != nil {
		e.close()
		return nil, printer.Error("Invalid configuration", err.Error(),
			[]string{"Set backend to openocd or sim"})
	}

	if !cfg.DisableHistory {
		e.store = store.New(ws.StateDir())
	}

	e.log.Debugw("environment ready",
		"workspace", ws.Root,
		"target", cfg.Target,
		"backend", cfg.Backend,
		"transport", cfg.TelemetryTransport,
	)
	return e, nil
}

func (e *env) close() {
	_ = e.closeLog()
}

func newBackend(cfg config.Config, log *logger.Logger) (probe.Backend, error) {
	switch cfg.Backend {
	case config.BackendSim:
		return sim.New(sim.Demo()), nil
	case config.BackendOpenOCD, "":
		return openocd.New(openocd.Options{
			Path:       cfg.OpenOCDPath,
			Interface:  cfg.OpenOCDInterface,
			TCLPort:    cfg.OpenOCDTCLPort,
			RTTPort:    cfg.OpenOCDRTTPort,
			RTTChannel: cfg.TelemetryChannel,
		}, log), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

// newPipeline builds the flash-and-monitor pipeline for the configured
// transport.
func (e *env) newPipeline() (*pipeline.Pipeline, error) {
	opts := []pipeline.Option{pipeline.WithLogger(e.log)}
	switch e.cfg.TelemetryTransport {
	case config.TransportRTT, "":
	case config.TransportUART:
		opts = append(opts, pipeline.WithTelemetryOpener(serial.Opener(nil, e.cfg.UARTBaudRate)))
	default:
		return nil, printer.Error("Invalid configuration",
			fmt.Sprintf("unknown telemetry transport %q", e.cfg.TelemetryTransport),
			[]string{"Set telemetry_transport to rtt or uart"})
	}
	return pipeline.New(e.backend, e.cfg.Pipeline(), opts...), nil
}

// schedulerOptions returns the options shared by every command that runs
// a scheduler.
func (e *env) schedulerOptions() []scheduler.Option {
	opts := []scheduler.Option{
		scheduler.WithLogger(e.log),
		scheduler.WithPollInterval(time.Duration(e.cfg.PollInterval)),
	}
	if e.store != nil {
		opts = append(opts, scheduler.WithHistory(e.store))
	}
	return opts
}
