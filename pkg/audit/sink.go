package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/rs/zerolog"
)

// JSONLSink writes one JSON object per entry using zerolog's allocation-free encoder.
type JSONLSink struct {
	mu     sync.Mutex
	logger zerolog.Logger
}

// NewJSONLSink creates a sink writing to w.
func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{logger: zerolog.New(w)}
}

// Write implements Sink.
func (s *JSONLSink) Write(entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Log() bypasses zerolog's level filter; audit entries carry their own level.
	event := s.logger.Log().
		Str("level", string(entry.Level)).
		Uint64("sequence", entry.Sequence).
		Time("timestamp", entry.Timestamp).
		Str("event", entry.Event).
		Str("session_id", entry.SessionID)
	if entry.NodeID != "" {
		event = event.Str("node_id", entry.NodeID)
	}
	if entry.ExecutionID != "" {
		event = event.Str("execution_id", entry.ExecutionID)
	}
	if len(entry.Details) > 0 {
		event = event.Interface("details", entry.Details)
	}
	event.Send()
	return nil
}

// FileSink appends JSON lines to a file.
type FileSink struct {
	*JSONLSink
	file *os.File
}

// NewFileSink opens (or creates) path for appending.
func NewFileSink(path string) (*FileSink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create audit directory: %w", err)
		}
	}
	f, err := os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	return &FileSink{JSONLSink: NewJSONLSink(f), file: f}, nil
}

// Close flushes and closes the file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(domain.AuditEntry) error

// Write calls f.
func (f SinkFunc) Write(entry domain.AuditEntry) error {
	return f(entry)
}
