package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/buckleypaul/flashloop/internal/pipeline"
	"github.com/buckleypaul/flashloop/internal/probe"
)

const (
	DirName             = ".flashloop"
	DefaultTarget       = pipeline.DefaultTarget
	DefaultBackend      = BackendOpenOCD
	DefaultOpenOCDPath  = "openocd"
	DefaultInterface    = "cmsis-dap"
	DefaultTCLPort      = 6666
	DefaultRTTPort      = 9090
	DefaultTransport    = TransportRTT
	DefaultUARTBaudRate = 115200
	DefaultLogLevel     = "info"
)

// Probe backends.
const (
	BackendOpenOCD = "openocd"
	BackendSim     = "sim"
)

// Telemetry transports.
const (
	TransportRTT  = "rtt"
	TransportUART = "uart"
)

// Duration is a time.Duration stored as a string such as "5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config holds all flashloop configuration.
type Config struct {
	Target      string `json:"target,omitempty"`
	ProbeSerial string `json:"probe_serial,omitempty"`
	ProbeIndex  int    `json:"probe_index,omitempty"`
	Backend     string `json:"backend,omitempty"`

	OpenOCDPath      string `json:"openocd_path,omitempty"`
	OpenOCDInterface string `json:"openocd_interface,omitempty"`
	OpenOCDTCLPort   int    `json:"openocd_tcl_port,omitempty"`
	OpenOCDRTTPort   int    `json:"openocd_rtt_port,omitempty"`

	TelemetryTransport string `json:"telemetry_transport,omitempty"`
	TelemetryChannel   int    `json:"telemetry_channel,omitempty"`
	UARTBaudRate       int    `json:"uart_baud_rate,omitempty"`

	CaptureIterations int      `json:"capture_iterations,omitempty"`
	CaptureInterval   Duration `json:"capture_interval,omitempty"`
	CaptureBuffer     int      `json:"capture_buffer,omitempty"`
	HaltTimeout       Duration `json:"halt_timeout,omitempty"`
	PollInterval      Duration `json:"poll_interval,omitempty"`

	LogLevel       string `json:"log_level,omitempty"`
	LogFile        string `json:"log_file,omitempty"`
	DisableHistory bool   `json:"disable_history,omitempty"`
	LastImage      string `json:"last_image,omitempty"`
}

// Defaults returns a Config with default values.
func Defaults() Config {
	return Config{
		Target:             DefaultTarget,
		Backend:            DefaultBackend,
		OpenOCDPath:        DefaultOpenOCDPath,
		OpenOCDInterface:   DefaultInterface,
		OpenOCDTCLPort:     DefaultTCLPort,
		OpenOCDRTTPort:     DefaultRTTPort,
		TelemetryTransport: DefaultTransport,
		UARTBaudRate:       DefaultUARTBaudRate,
		CaptureIterations:  pipeline.DefaultIterations,
		CaptureInterval:    Duration(pipeline.DefaultInterval),
		CaptureBuffer:      pipeline.DefaultBufferSize,
		HaltTimeout:        Duration(pipeline.DefaultHaltTimeout),
		PollInterval:       Duration(time.Second),
		LogLevel:           DefaultLogLevel,
	}
}

// Load reads and merges global and workspace configs.
// Order: defaults → global (~/.config/flashloop/config.json) → workspace (.flashloop/config.json).
func Load(workspaceRoot string) Config {
	cfg := Defaults()

	if home, err := os.UserHomeDir(); err == nil {
		globalPath := filepath.Join(home, ".config", "flashloop", "config.json")
		mergeFromFile(&cfg, globalPath)
	}

	if workspaceRoot != "" {
		wsPath := filepath.Join(workspaceRoot, DirName, "config.json")
		mergeFromFile(&cfg, wsPath)
	}

	return cfg
}

// Save writes the config to the workspace .flashloop/config.json by default,
// or to the global config if global is true.
func Save(cfg Config, workspaceRoot string, global bool) error {
	var dir string
	if global {
		home, err := os.UserHomeDir()
		if err != nil {
			return err
		}
		dir = filepath.Join(home, ".config", "flashloop")
	} else {
		dir = filepath.Join(workspaceRoot, DirName)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, "config.json"), data, 0o644)
}

// Update applies fn to the workspace config file alone and writes it
// back. Defaults, the global file and flag or env overrides held in an
// effective Config never reach disk this way.
func Update(workspaceRoot string, fn func(*Config)) error {
	path := filepath.Join(workspaceRoot, DirName, "config.json")

	var fileCfg Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &fileCfg); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return err
	}

	fn(&fileCfg)
	return Save(fileCfg, workspaceRoot, false)
}

// ApplyOverrides copies every key explicitly set in v (flag, env var) over cfg.
// Keys are the JSON field names.
func ApplyOverrides(cfg *Config, v *viper.Viper) {
	str := func(key string, dst *string) {
		if v.IsSet(key) {
			*dst = v.GetString(key)
		}
	}
	num := func(key string, dst *int) {
		if v.IsSet(key) {
			*dst = v.GetInt(key)
		}
	}
	dur := func(key string, dst *Duration) {
		if v.IsSet(key) {
			*dst = Duration(v.GetDuration(key))
		}
	}

	str("target", &cfg.Target)
	str("probe_serial", &cfg.ProbeSerial)
	num("probe_index", &cfg.ProbeIndex)
	str("backend", &cfg.Backend)
	str("openocd_path", &cfg.OpenOCDPath)
	str("openocd_interface", &cfg.OpenOCDInterface)
	num("openocd_tcl_port", &cfg.OpenOCDTCLPort)
	num("openocd_rtt_port", &cfg.OpenOCDRTTPort)
	str("telemetry_transport", &cfg.TelemetryTransport)
	num("telemetry_channel", &cfg.TelemetryChannel)
	num("uart_baud_rate", &cfg.UARTBaudRate)
	num("capture_iterations", &cfg.CaptureIterations)
	dur("capture_interval", &cfg.CaptureInterval)
	num("capture_buffer", &cfg.CaptureBuffer)
	dur("halt_timeout", &cfg.HaltTimeout)
	dur("poll_interval", &cfg.PollInterval)
	str("log_level", &cfg.LogLevel)
	str("log_file", &cfg.LogFile)
	if v.IsSet("disable_history") {
		cfg.DisableHistory = v.GetBool("disable_history")
	}
}

// Pipeline converts the capture settings into a pipeline configuration.
func (c Config) Pipeline() pipeline.Config {
	return pipeline.Config{
		Target:      c.Target,
		ProbeSerial: c.ProbeSerial,
		ProbeIndex:  c.ProbeIndex,
		Channel:     c.TelemetryChannel,
		Format:      probe.FormatELF,
		Iterations:  c.CaptureIterations,
		Interval:    time.Duration(c.CaptureInterval),
		BufferSize:  c.CaptureBuffer,
		HaltTimeout: time.Duration(c.HaltTimeout),
	}
}

func mergeFromFile(cfg *Config, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}

	var fileCfg Config
	if err := json.Unmarshal(data, &fileCfg); err != nil {
		return
	}

	if fileCfg.Target != "" {
		cfg.Target = fileCfg.Target
	}
	if fileCfg.ProbeSerial != "" {
		cfg.ProbeSerial = fileCfg.ProbeSerial
	}
	if fileCfg.ProbeIndex != 0 {
		cfg.ProbeIndex = fileCfg.ProbeIndex
	}
	if fileCfg.Backend != "" {
		cfg.Backend = fileCfg.Backend
	}
	if fileCfg.OpenOCDPath != "" {
		cfg.OpenOCDPath = fileCfg.OpenOCDPath
	}
	if fileCfg.OpenOCDInterface != "" {
		cfg.OpenOCDInterface = fileCfg.OpenOCDInterface
	}
	if fileCfg.OpenOCDTCLPort != 0 {
		cfg.OpenOCDTCLPort = fileCfg.OpenOCDTCLPort
	}
	if fileCfg.OpenOCDRTTPort != 0 {
		cfg.OpenOCDRTTPort = fileCfg.OpenOCDRTTPort
	}
	if fileCfg.TelemetryTransport != "" {
		cfg.TelemetryTransport = fileCfg.TelemetryTransport
	}
	if fileCfg.TelemetryChannel != 0 {
		cfg.TelemetryChannel = fileCfg.TelemetryChannel
	}
	if fileCfg.UARTBaudRate != 0 {
		cfg.UARTBaudRate = fileCfg.UARTBaudRate
	}
	if fileCfg.CaptureIterations != 0 {
		cfg.CaptureIterations = fileCfg.CaptureIterations
	}
	if fileCfg.CaptureInterval != 0 {
		cfg.CaptureInterval = fileCfg.CaptureInterval
	}
	if fileCfg.CaptureBuffer != 0 {
		cfg.CaptureBuffer = fileCfg.CaptureBuffer
	}
	if fileCfg.HaltTimeout != 0 {
		cfg.HaltTimeout = fileCfg.HaltTimeout
	}
	if fileCfg.PollInterval != 0 {
		cfg.PollInterval = fileCfg.PollInterval
	}
	if fileCfg.LogLevel != "" {
		cfg.LogLevel = fileCfg.LogLevel
	}
	if fileCfg.LogFile != "" {
		cfg.LogFile = fileCfg.LogFile
	}
	if fileCfg.DisableHistory {
		cfg.DisableHistory = true
	}
	if fileCfg.LastImage != "" {
		cfg.LastImage = fileCfg.LastImage
	}
}
