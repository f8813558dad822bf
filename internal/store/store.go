package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/buckleypaul/flashloop/internal/pipeline"
)

// Store keeps an append-only history of runs and their telemetry
// transcripts. Nothing in it is read back into the run counters.
type Store struct {
	root string
	mu   sync.Mutex
}

// New creates a Store rooted at the given directory (typically .flashloop/).
func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) historyDir() string {
	return filepath.Join(s.root, "history")
}

func (s *Store) logsDir() string {
	return filepath.Join(s.root, "logs")
}

// AddRun appends a run record.
func (s *Store) AddRun(r RunRecord) error {
	return s.appendRecord("runs.json", r)
}

// Runs returns all run records, oldest first.
func (s *Store) Runs() ([]RunRecord, error) {
	var records []RunRecord
	err := s.loadRecords("runs.json", &records)
	return records, err
}

// AddProbeSnapshot appends a probe enumeration result.
func (s *Store) AddProbeSnapshot(r ProbeSnapshot) error {
	return s.appendRecord("probes.json", r)
}

// ProbeSnapshots returns all probe enumeration results.
func (s *Store) ProbeSnapshots() ([]ProbeSnapshot, error) {
	var records []ProbeSnapshot
	err := s.loadRecords("probes.json", &records)
	return records, err
}

// LogsDir returns the path to the logs directory, creating it if needed.
func (s *Store) LogsDir() (string, error) {
	dir := s.logsDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// RecordRun stores a finished pipeline run and writes its telemetry
// transcript to logs/<run id>.log.
func (s *Store) RecordRun(rep pipeline.Report, runErr error) error {
	rec := RunRecord{
		ID:        rep.RunID,
		Image:     rep.Image,
		Target:    rep.Target,
		Probe:     rep.Probe.Serial,
		Timestamp: rep.Started,
		Success:   runErr == nil,
		Duration:  rep.Duration.String(),
		Chunks:    len(rep.Chunks),
	}
	if runErr != nil {
		rec.Error = runErr.Error()
		if kind := pipeline.KindOf(runErr); kind != pipeline.KindUnknown {
			rec.ErrorKind = kind.String()
		}
	}

	if len(rep.Chunks) > 0 && rep.RunID != "" {
		path, err := s.writeTranscript(rep)
		if err != nil {
			return err
		}
		rec.LogFile = path
	}
	return s.AddRun(rec)
}

// Transcript returns the telemetry text captured for a run.
func (s *Store) Transcript(runID string) (string, error) {
	data, err := os.ReadFile(filepath.Join(s.logsDir(), runID+".log"))
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (s *Store) writeTranscript(rep pipeline.Report) (string, error) {
	dir, err := s.LogsDir()
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range rep.Chunks {
		b.WriteString(c.Text)
	}
	path := filepath.Join(dir, rep.RunID+".log")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("writing transcript: %w", err)
	}
	return path, nil
}

func (s *Store) appendRecord(filename string, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.historyDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	path := filepath.Join(dir, filename)

	// Read existing records. A corrupt file is left alone rather than
	// overwritten.
	var records []json.RawMessage
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &records); err != nil {
			return fmt.Errorf("%s is corrupt, not appending: %w", path, err)
		}
	case !os.IsNotExist(err):
		return err
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	records = append(records, raw)

	data, err = json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *Store) loadRecords(filename string, dest any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.historyDir(), filename)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, dest)
}
