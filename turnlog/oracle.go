package turnlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/DanielWarg/AliceV2-sub000/guardian"
)

// OracleSample is one polled oracle observation.
type OracleSample struct {
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state"`
	RAMPct    float64   `json:"ram_pct"`
	CPUPct    float64   `json:"cpu_pct"`
}

// OracleSink appends oracle samples to <dir>/<YYYY-MM-DD>/guardian.jsonl.
// Unlike turn events, samples rotate into a per-day subdirectory.
type OracleSink struct {
	dir string

	mu      sync.Mutex
	file    *os.File
	day     string
	nowFunc func() time.Time
}

// NewOracleSink opens the oracle telemetry sink.
func NewOracleSink(dir string) (*OracleSink, error) {
	if dir == "" {
		return nil, errors.New("turnlog: log directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("turnlog: create log dir: %w", err)
	}
	return &OracleSink{dir: dir, nowFunc: time.Now}, nil
}

// Record appends a sample built from the oracle snapshot.
func (s *OracleSink) Record(snap guardian.Snapshot) error {
	sample := OracleSample{
		Timestamp: s.nowFunc().UTC(),
		State:     string(snap.State),
		RAMPct:    snap.RAMPct,
		CPUPct:    snap.CPUPct,
	}
	line, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("turnlog: marshal oracle sample: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := s.fileForLocked(sample.Timestamp)
	if err != nil {
		return fmt.Errorf("turnlog: open guardian log: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("turnlog: append oracle sample: %w", err)
	}
	return nil
}

func (s *OracleSink) fileForLocked(at time.Time) (*os.File, error) {
	day := at.Format("2006-01-02")
	if s.file != nil && day == s.day {
		return s.file, nil
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	dir := filepath.Join(s.dir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(filepath.Join(dir, "guardian.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s.file = file
	s.day = day
	return file, nil
}

// Close closes the current file.
func (s *OracleSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
