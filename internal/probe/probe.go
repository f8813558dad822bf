package probe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout is returned by Core.Halt when the core did not acknowledge
// the halt request within the allotted time.
var ErrTimeout = errors.New("probe: operation timed out")

// ErrNoChannel is returned when a requested telemetry channel does not exist.
var ErrNoChannel = errors.New("probe: telemetry channel not found")

// Permissions is the access level requested when attaching to a chip.
type Permissions int

const (
	// PermissionsDefault is the backend's default level. No erase-all or
	// debug-unlock operations are allowed.
	PermissionsDefault Permissions = iota
	PermissionsEraseAll
)

func (p Permissions) String() string {
	switch p {
	case PermissionsDefault:
		return "default"
	case PermissionsEraseAll:
		return "erase-all"
	default:
		return fmt.Sprintf("Permissions(%d)", int(p))
	}
}

// Format is the on-disk format of a firmware image handed to Download.
type Format int

const (
	FormatELF Format = iota
	FormatBin
	FormatHex
)

func (f Format) String() string {
	switch f {
	case FormatELF:
		return "elf"
	case FormatBin:
		return "bin"
	case FormatHex:
		return "hex"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// Info describes one enumerated debug probe.
type Info struct {
	Index      int    `json:"index"`
	Identifier string `json:"identifier"`
	Serial     string `json:"serial,omitempty"`
	VID        string `json:"vid,omitempty"`
	PID        string `json:"pid,omitempty"`
	// Port is the CDC-ACM port exposed by the probe, if any. Used by the
	// UART telemetry transport.
	Port string `json:"port,omitempty"`
}

func (i Info) String() string {
	s := fmt.Sprintf("#%d %s", i.Index, i.Identifier)
	if i.Serial != "" {
		s += " (" + i.Serial + ")"
	}
	return s
}

// Backend enumerates and opens debug probes.
type Backend interface {
	List(ctx context.Context) ([]Info, error)
	Open(ctx context.Context, info Info) (Probe, error)
}

// Probe is an opened probe with exclusive access to the adapter.
type Probe interface {
	Info() Info
	Attach(ctx context.Context, target string, perm Permissions) (Session, error)
	Close() error
}

// Session is a debug session with a single target chip.
type Session interface {
	Target() string
	Download(ctx context.Context, path string, format Format) error
	Core(index int) (Core, error)
	Close() error
}

// Core controls one processor core of the attached target.
type Core interface {
	AttachTelemetry(ctx context.Context) (Telemetry, error)
	Reset(ctx context.Context) error
	Run(ctx context.Context) error
	// Halt stops the core and waits up to timeout for it to acknowledge.
	// It returns ErrTimeout (possibly wrapped) when the wait expires.
	Halt(ctx context.Context, timeout time.Duration) error
}

// Telemetry is an attached telemetry control block on the running target.
type Telemetry interface {
	UpChannel(n int) (UpChannel, bool)
}

// UpChannel is a target-to-host byte stream. Read returns whatever bytes
// are currently buffered, possibly zero, and never waits for data beyond
// the backend's own short read timeout.
type UpChannel interface {
	Read(ctx context.Context, buf []byte) (int, error)
}

// Select picks a probe from an enumerated list. A non-empty serial wins;
// otherwise index is used.
func Select(probes []Info, serial string, index int) (Info, error) {
	if serial != "" {
		for _, p := range probes {
			if p.Serial == serial {
				return p, nil
			}
		}
		return Info{}, fmt.Errorf("no probe with serial %q", serial)
	}
	if index < 0 || index >= len(probes) {
		return Info{}, fmt.Errorf("probe index %d out of range (%d available)", index, len(probes))
	}
	return probes[index], nil
}
