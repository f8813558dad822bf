package store

import "time"

// RunRecord captures the outcome of one flash-and-monitor run.
type RunRecord struct {
	ID        string    `json:"id"`
	Image     string    `json:"image"`
	Target    string    `json:"target"`
	Probe     string    `json:"probe,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Success   bool      `json:"success"`
	Duration  string    `json:"duration"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Chunks    int       `json:"chunks"`
	LogFile   string    `json:"log_file,omitempty"`
}

// ProbeSnapshot records a probe enumeration, kept for diagnosing flaky USB.
type ProbeSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Probes    []string  `json:"probes"`
	Error     string    `json:"error,omitempty"`
}
