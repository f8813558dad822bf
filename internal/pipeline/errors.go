package pipeline

import (
	"errors"
	"fmt"
)

// Kind classifies why a run failed.
type Kind int

const (
	KindUnknown Kind = iota
	NoProbeFound
	ProbeOpen
	Attach
	Flash
	TelemetryAttach
	TelemetryRead
	TargetControl
	Decode
	HaltTimeout
	Canceled
)

var kindNames = map[Kind]string{
	KindUnknown:     "Unknown",
	NoProbeFound:    "NoProbeFound",
	ProbeOpen:       "ProbeOpenError",
	Attach:          "AttachError",
	Flash:           "FlashError",
	TelemetryAttach: "TelemetryAttachError",
	TelemetryRead:   "TelemetryReadError",
	TargetControl:   "TargetControlError",
	Decode:          "DecodeError",
	HaltTimeout:     "HaltTimeout",
	Canceled:        "Canceled",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is returned by Run for every failed Start. Step names the probe
// operation that failed.
type Error struct {
	Kind Kind
	Step string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Step)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Step, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so callers can write
// errors.Is(err, pipeline.ErrAttach).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Step == "" && t.Err == nil
}

// Sentinels for errors.Is, one per Kind.
var (
	ErrNoProbeFound    = &Error{Kind: NoProbeFound}
	ErrProbeOpen       = &Error{Kind: ProbeOpen}
	ErrAttach          = &Error{Kind: Attach}
	ErrFlash           = &Error{Kind: Flash}
	ErrTelemetryAttach = &Error{Kind: TelemetryAttach}
	ErrTelemetryRead   = &Error{Kind: TelemetryRead}
	ErrTargetControl   = &Error{Kind: TargetControl}
	ErrDecode          = &Error{Kind: Decode}
	ErrHaltTimeout     = &Error{Kind: HaltTimeout}
	ErrCanceled        = &Error{Kind: Canceled}
)

// ErrStopped is returned for a Stop command. It is an acknowledgement,
// not a failure: nothing touched the probe.
var ErrStopped = errors.New("stop acknowledged")

// KindOf extracts the Kind of a pipeline error.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

func fail(kind Kind, step string, err error) error {
	return &Error{Kind: kind, Step: step, Err: err}
}
