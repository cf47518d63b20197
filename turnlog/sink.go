package turnlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"
)

type (
	// Options configures the turn-event sink.
	Options struct {
		// Dir is the log directory. Required.
		Dir string
		// Redis enables the Pulse stream mirror when non-nil.
		Redis *redis.Client
		// StreamName is the Pulse stream for the mirror. Defaults to "turns".
		StreamName string
		// StreamMaxLen bounds the mirrored stream. Defaults to 10000 entries.
		StreamMaxLen int
	}

	// Sink appends turn events to <dir>/events_YYYY-MM-DD.jsonl, rotating at
	// the date boundary. Writes are serialized; the mirror is best-effort.
	Sink struct {
		dir    string
		stream *streaming.Stream

		mu      sync.Mutex
		file    *os.File
		day     string
		nowFunc func() time.Time
	}
)

// NewSink opens the sink, creating the directory if needed.
func NewSink(ctx context.Context, opts Options) (*Sink, error) {
	if opts.Dir == "" {
		return nil, errors.New("turnlog: log directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("turnlog: create log dir: %w", err)
	}
	s := &Sink{dir: opts.Dir, nowFunc: time.Now}
	if opts.Redis != nil {
		name := opts.StreamName
		if name == "" {
			name = "turns"
		}
		maxLen := opts.StreamMaxLen
		if maxLen <= 0 {
			maxLen = 10000
		}
		stream, err := streaming.NewStream(name, opts.Redis, streamopts.WithStreamMaxLen(maxLen))
		if err != nil {
			// The JSONL file is the contract; a broken mirror only loses the
			// live view.
			log.Warn(ctx, log.KV{K: "msg", V: "turn stream mirror disabled"}, log.KV{K: "err", V: err.Error()})
		} else {
			s.stream = stream
		}
	}
	return s, nil
}

// Write appends one event. File errors are returned so callers can log them;
// mirror errors are swallowed after a warning.
func (s *Sink) Write(ctx context.Context, event TurnEvent) error {
	if event.Version == "" {
		event.Version = EventVersion
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.nowFunc().UTC()
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("turnlog: marshal event: %w", err)
	}

	s.mu.Lock()
	file, err := s.fileForLocked(event.Timestamp)
	if err == nil {
		_, err = file.Write(append(line, '\n'))
		if err == nil {
			err = file.Sync()
		}
	}
	s.mu.Unlock()
	if err != nil {
		return fmt.Errorf("turnlog: append event: %w", err)
	}

	if s.stream != nil {
		if _, mirrorErr := s.stream.Add(ctx, "turn", line); mirrorErr != nil {
			log.Warn(ctx, log.KV{K: "msg", V: "turn stream mirror failed"}, log.KV{K: "err", V: mirrorErr.Error()})
		}
	}
	return nil
}

func (s *Sink) fileForLocked(at time.Time) (*os.File, error) {
	day := at.Format("2006-01-02")
	if s.file != nil && day == s.day {
		return s.file, nil
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	path := filepath.Join(s.dir, "events_"+day+".jsonl")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	s.file = file
	s.day = day
	return file, nil
}

// Close flushes and closes the current file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
