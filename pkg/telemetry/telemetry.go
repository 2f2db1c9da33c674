// Package telemetry appends structured usage records to JSONL streams
// so query behavior, latency and failures can be analysed offline.
package telemetry

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	queriesFile     = "queries.jsonl"
	performanceFile = "performance.jsonl"
	errorsFile      = "errors.jsonl"
)

// QueryRecord captures one answered utterance.
type QueryRecord struct {
	Time        time.Time `json:"time"`
	RequestID   string    `json:"request_id"`
	SessionID   string    `json:"session_id,omitempty"`
	Query       string    `json:"query"`
	Source      string    `json:"source"`
	Type        string    `json:"type"`
	TokensUsed  int       `json:"tokens_used"`
	TokensSaved int       `json:"tokens_saved"`
	ElapsedMs   int64     `json:"elapsed_ms"`
}

// PerformanceRecord captures the latency of one named operation.
type PerformanceRecord struct {
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id,omitempty"`
	Operation string    `json:"operation"`
	ElapsedMs int64     `json:"elapsed_ms"`
}

// ErrorRecord captures one failure with its user-facing message.
type ErrorRecord struct {
	Time      time.Time `json:"time"`
	RequestID string    `json:"request_id,omitempty"`
	Query     string    `json:"query,omitempty"`
	Message   string    `json:"message"`
}

// Config holds the recorder configuration.
type Config struct {
	Logger *slog.Logger

	// Dir is where the streams live. Empty disables recording.
	Dir string

	// Clock is swappable for tests. Nil means the real clock.
	Clock clockwork.Clock
}

func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Recorder appends records to the three streams. Safe for concurrent
// use; a disabled recorder (no dir) silently drops everything.
type Recorder struct {
	log   *slog.Logger
	dir   string
	clock clockwork.Clock

	mu    sync.Mutex
	files map[string]*os.File
}

func New(cfg *Config) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate telemetry config: %w", err)
	}
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create telemetry dir: %w", err)
		}
	}
	return &Recorder{
		log:   cfg.Logger,
		dir:   cfg.Dir,
		clock: cfg.Clock,
		files: map[string]*os.File{},
	}, nil
}

// Close flushes and closes the open streams.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for name, f := range r.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(r.files, name)
	}
	return firstErr
}

// RecordQuery appends to queries.jsonl. The timestamp is filled in when
// the record carries none.
func (r *Recorder) RecordQuery(record QueryRecord) {
	if record.Time.IsZero() {
		record.Time = r.clock.Now().UTC()
	}
	r.append(queriesFile, record)
}

// RecordPerformance appends to performance.jsonl.
func (r *Recorder) RecordPerformance(record PerformanceRecord) {
	if record.Time.IsZero() {
		record.Time = r.clock.Now().UTC()
	}
	r.append(performanceFile, record)
}

// RecordError appends to errors.jsonl.
func (r *Recorder) RecordError(record ErrorRecord) {
	if record.Time.IsZero() {
		record.Time = r.clock.Now().UTC()
	}
	r.append(errorsFile, record)
}

func (r *Recorder) append(name string, record any) {
	if r.dir == "" {
		return
	}
	data, err := json.Marshal(record)
	if err != nil {
		r.log.Warn("telemetry: failed to marshal record", "stream", name, "error", err)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	f, err := r.stream(name)
	if err != nil {
		r.log.Warn("telemetry: failed to open stream", "stream", name, "error", err)
		return
	}
	if _, err := f.Write(append(data, '\n')); err != nil {
		r.log.Warn("telemetry: failed to append record", "stream", name, "error", err)
	}
}

// stream opens a file lazily in append mode. Callers hold mu.
func (r *Recorder) stream(name string) (*os.File, error) {
	if f, ok := r.files[name]; ok {
		return f, nil
	}
	f, err := os.OpenFile(filepath.Join(r.dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	r.files[name] = f
	return f, nil
}
