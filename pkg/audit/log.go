// Package audit implements the per-session, append-only audit trail read by external security
// monitoring. Appends never fail and never block the caller.
package audit

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/polisai/polis-flow/pkg/domain"
	"github.com/polisai/polis-flow/pkg/telemetry"
)

// Logger is the handle passed to the graph, validators and execution engine.
type Logger interface {
	Log(level domain.AuditLevel, event string, details map[string]any, opts ...EntryOption) domain.AuditEntry
}

// Sink receives every appended entry, e.g. to persist it as JSON lines.
type Sink interface {
	Write(entry domain.AuditEntry) error
}

// Redactor scrubs sensitive values from entry details before they are stored.
type Redactor interface {
	RedactDetails(details map[string]any) map[string]any
}

// EntryOption sets optional correlation fields on a single entry.
type EntryOption func(*domain.AuditEntry)

// ForNode associates the entry with a node.
func ForNode(nodeID string) EntryOption {
	return func(e *domain.AuditEntry) { e.NodeID = nodeID }
}

// ForExecution associates the entry with an execution.
func ForExecution(executionID string) EntryOption {
	return func(e *domain.AuditEntry) { e.ExecutionID = executionID }
}

// Option configures a Log.
type Option func(*Log)

// WithSink adds a sink. Sinks are written by a background goroutine so a slow sink never
// delays Log; errors are reported through slog and otherwise ignored.
func WithSink(s Sink) Option {
	return func(l *Log) {
		if s != nil {
			l.sinks = append(l.sinks, s)
		}
	}
}

// WithRedactor scrubs details before they are stored.
func WithRedactor(r Redactor) Option {
	return func(l *Log) { l.redactor = r }
}

// WithLogger sets the slog logger entries are mirrored to.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithSinkBuffer sets how many entries may wait for the sinks before new ones are dropped.
func WithSinkBuffer(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.sinkBuffer = n
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		if now != nil {
			l.now = now
		}
	}
}

// Log is an in-memory append-only audit sequence for one session.
type Log struct {
	sessionID string

	mu      sync.Mutex
	entries []domain.AuditEntry
	seq     uint64
	subs    map[int]chan domain.AuditEntry
	nextSub int
	dropped uint64

	sinks       []Sink
	sinkBuffer  int
	queue       chan domain.AuditEntry
	pending     int
	idle        *sync.Cond
	sinkDropped uint64
	closed      bool
	writerDone  chan struct{}

	redactor Redactor
	logger   *slog.Logger
	now      func() time.Time
}

const defaultSinkBuffer = 1024

// New creates an empty log for a session. A log with sinks owns a writer goroutine that
// is stopped by Close.
func New(sessionID string, opts ...Option) *Log {
	l := &Log{
		sessionID:  sessionID,
		subs:       make(map[int]chan domain.AuditEntry),
		sinkBuffer: defaultSinkBuffer,
		logger:     slog.Default(),
		now:        time.Now,
	}
	l.idle = sync.NewCond(&l.mu)
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("session_id", sessionID)
	if len(l.sinks) > 0 {
		l.queue = make(chan domain.AuditEntry, l.sinkBuffer)
		l.writerDone = make(chan struct{})
		go l.writeSinks()
	}
	return l
}

// SessionID returns the session the log belongs to.
func (l *Log) SessionID() string {
	return l.sessionID
}

// Log appends an entry and returns the stored copy.
func (l *Log) Log(level domain.AuditLevel, event string, details map[string]any, opts ...EntryOption) domain.AuditEntry {
	if l.redactor != nil && len(details) > 0 {
		details = l.redactor.RedactDetails(details)
	} else {
		details = domain.CloneProperties(details)
	}

	l.mu.Lock()
	l.seq++
	entry := domain.AuditEntry{
		Sequence:  l.seq,
		Timestamp: l.now().UTC(),
		Level:     level,
		Event:     event,
		Details:   details,
		SessionID: l.sessionID,
	}
	for _, opt := range opts {
		opt(&entry)
	}
	l.entries = append(l.entries, entry)

	if l.queue != nil && !l.closed {
		select {
		case l.queue <- cloneEntry(entry):
			l.pending++
		default:
			l.sinkDropped++
		}
	}
	for _, ch := range l.subs {
		select {
		case ch <- cloneEntry(entry):
		default:
			l.dropped++
		}
	}
	l.mu.Unlock()

	l.mirror(entry)
	telemetry.RecordAuditEntry(context.Background(), string(level))
	return cloneEntry(entry)
}

// Entries returns a copy of every entry in append order.
func (l *Log) Entries() []domain.AuditEntry {
	return l.Since(0)
}

// Since returns entries whose sequence is greater than seq, for polling sinks.
func (l *Log) Since(seq uint64) []domain.AuditEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	// sequences are dense and start at 1
	if seq >= uint64(len(l.entries)) {
		return nil
	}
	start := int(seq)
	out := make([]domain.AuditEntry, 0, len(l.entries)-start)
	for _, e := range l.entries[start:] {
		out = append(out, cloneEntry(e))
	}
	return out
}

// Len reports the number of entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Filter returns entries at or above the given level.
func (l *Log) Filter(min domain.AuditLevel) []domain.AuditEntry {
	var out []domain.AuditEntry
	for _, e := range l.Entries() {
		if e.Level.Rank() >= min.Rank() {
			out = append(out, e)
		}
	}
	return out
}

// ForExecution returns the entries correlated with an execution.
func (l *Log) ForExecution(executionID string) []domain.AuditEntry {
	var out []domain.AuditEntry
	for _, e := range l.Entries() {
		if e.ExecutionID == executionID {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe streams future entries. A slow subscriber misses entries instead of blocking
// appends; the miss count is reported by Dropped. The returned func cancels the subscription.
func (l *Log) Subscribe(buffer int) (<-chan domain.AuditEntry, func()) {
	if buffer < 1 {
		buffer = 64
	}
	ch := make(chan domain.AuditEntry, buffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.subs, id)
			l.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped reports how many entries subscribers missed.
func (l *Log) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// SinkDropped reports how many entries never reached the sinks because the queue was full.
func (l *Log) SinkDropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sinkDropped
}

// Flush waits until every queued entry has been handed to the sinks.
func (l *Log) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for l.pending > 0 {
		l.idle.Wait()
	}
}

// Close flushes the sinks and stops the writer. Entries logged afterwards are still
// stored and streamed to subscribers but no longer reach the sinks.
func (l *Log) Close() {
	l.Flush()
	l.mu.Lock()
	if l.closed || l.queue == nil {
		l.closed = true
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()
	<-l.writerDone
}

func (l *Log) writeSinks() {
	defer close(l.writerDone)
	for entry := range l.queue {
		for _, sink := range l.sinks {
			if err := sink.Write(cloneEntry(entry)); err != nil {
				l.logger.Warn("audit sink write failed", "error", err, "sequence", entry.Sequence)
			}
		}
		l.mu.Lock()
		l.pending--
		if l.pending == 0 {
			l.idle.Broadcast()
		}
		l.mu.Unlock()
	}
}

func (l *Log) mirror(entry domain.AuditEntry) {
	attrs := []any{"sequence", entry.Sequence, "event", entry.Event}
	if entry.NodeID != "" {
		attrs = append(attrs, "node_id", entry.NodeID)
	}
	if entry.ExecutionID != "" {
		attrs = append(attrs, "execution_id", entry.ExecutionID)
	}
	keys := make([]string, 0, len(entry.Details))
	for k := range entry.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, k, entry.Details[k])
	}
	l.logger.Log(context.Background(), slogLevel(entry.Level), "audit", attrs...)
}

func slogLevel(level domain.AuditLevel) slog.Level {
	switch level {
	case domain.AuditWarn:
		return slog.LevelWarn
	case domain.AuditError:
		return slog.LevelError
	case domain.AuditCritical:
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

func cloneEntry(e domain.AuditEntry) domain.AuditEntry {
	e.Details = domain.CloneProperties(e.Details)
	return e
}

// Discard is a Logger that records nothing; useful where auditing is optional.
type Discard struct{}

// Log implements Logger.
func (Discard) Log(level domain.AuditLevel, event string, details map[string]any, opts ...EntryOption) domain.AuditEntry {
	entry := domain.AuditEntry{Level: level, Event: event, Details: details}
	for _, opt := range opts {
		opt(&entry)
	}
	return entry
}
