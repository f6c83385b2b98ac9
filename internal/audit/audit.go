package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ducminhle1904/trade-guard/internal/logger"
	"github.com/ducminhle1904/trade-guard/internal/monitoring"
)

// Common decision values
const (
	DecisionAllowed = "allowed"
	DecisionDenied  = "denied"
)

// Entry is one write-once gate decision record
type Entry struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Component string            `json:"component"`
	Decision  string            `json:"decision"`
	Context   map[string]string `json:"context,omitempty"`
}

// Sink is an append-only destination for audit entries
type Sink interface {
	Name() string
	Write(ctx context.Context, entry Entry) error
	Close() error
}

// Recorder stamps entries and fans them out to every sink. Delivery failures are
// logged and counted but never returned, so a broken sink cannot alter a decision.
// A nil *Recorder builds entries without writing them.
type Recorder struct {
	sinks []Sink
	log   *zap.Logger
	now   func() time.Time
	mu    sync.Mutex
}

// NewRecorder creates a recorder writing to the given sinks
func NewRecorder(log *zap.Logger, sinks ...Sink) *Recorder {
	return &Recorder{
		sinks: sinks,
		log:   logger.OrNop(log).With(zap.String("component", "audit")),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the timestamp source
func (r *Recorder) WithClock(now func() time.Time) *Recorder {
	r.now = now
	return r
}

// Record appends one entry to every sink and returns it
func (r *Recorder) Record(ctx context.Context, component, decision string, fields map[string]string) Entry {
	return r.Append(ctx, r.NewEntry(component, decision, fields))
}

// NewEntry stamps an entry without writing it, for callers that must persist
// their own state before the entry is published
func (r *Recorder) NewEntry(component, decision string, fields map[string]string) Entry {
	entry := Entry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Component: component,
		Decision:  decision,
		Context:   copyFields(fields),
	}
	if r != nil {
		entry.Timestamp = r.now()
	}
	return entry
}

// Append writes a prepared entry to every sink
func (r *Recorder) Append(ctx context.Context, entry Entry) Entry {
	if r == nil {
		return entry
	}

	monitoring.RecordGateDecision(entry.Component, entry.Decision)

	// Serialized so every sink sees entries in the same order
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sink := range r.sinks {
		if err := sink.Write(ctx, entry); err != nil {
			monitoring.RecordSinkFailure("audit", sink.Name())
			r.log.Warn("audit sink write failed",
				zap.String("sink", sink.Name()),
				zap.String("audit_component", entry.Component),
				zap.String("decision", entry.Decision),
				zap.Error(err))
		}
	}
	return entry
}

// Close closes every sink, returning the first error
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var first error
	for _, sink := range r.sinks {
		if err := sink.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func copyFields(fields map[string]string) map[string]string {
	if len(fields) == 0 {
		return nil
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// MemorySink keeps entries in memory, mostly for tests and status views
type MemorySink struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemorySink creates an empty in-memory sink
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Name implements Sink
func (m *MemorySink) Name() string { return "memory" }

// Write implements Sink
func (m *MemorySink) Write(_ context.Context, entry Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.Context = copyFields(entry.Context)
	m.entries = append(m.entries, entry)
	return nil
}

// Close implements Sink
func (m *MemorySink) Close() error { return nil }

// Entries returns a copy of all recorded entries in write order
func (m *MemorySink) Entries() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// ByComponent returns the entries written by one component
func (m *MemorySink) ByComponent(component string) []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Component == component {
			out = append(out, e)
		}
	}
	return out
}
