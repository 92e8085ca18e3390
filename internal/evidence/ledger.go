// Package evidence provides the audit ledger collaborator: one entry per
// primitive execution and per operator event, tagged with a session ID.
// Writes are best-effort; the engine never blocks or fails a run because
// evidence could not be recorded.
package evidence

import (
	"context"
	"sync"
	"time"

	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

// Entry is one ledger record.
type Entry struct {
	SessionID   string               `json:"session_id"`
	ExecutionID string               `json:"execution_id,omitempty"`
	PrimitiveID string               `json:"primitive_id,omitempty"`
	OperatorID  string               `json:"operator_id,omitempty"`
	Event       string               `json:"event"` // start, branch, retry, checkpoint, skip, terminate, escalate, coverage_gap, primitive
	Evidence    schema.EvidenceEntry `json:"evidence,omitempty"`
	Timestamp   time.Time            `json:"timestamp"`
}

// Ledger receives entries. Implementations must tolerate concurrent writes
// and should never return an error the caller has to act on — failures are
// swallowed upstream.
type Ledger interface {
	Record(ctx context.Context, e Entry) error
}

// DefaultMaxEntries bounds the in-memory ledger.
const DefaultMaxEntries = 10000

// Memory is a bounded in-memory Ledger, oldest entries evicted first.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
	max     int
}

// NewMemory creates a Memory ledger. max <= 0 uses DefaultMaxEntries.
func NewMemory(max int) *Memory {
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Memory{max: max}
}

// Record appends an entry, evicting the oldest when full.
func (m *Memory) Record(_ context.Context, e Entry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.mu.Lock()
	m.entries = append(m.entries, e)
	if len(m.entries) > m.max {
		m.entries = m.entries[len(m.entries)-m.max:]
	}
	m.mu.Unlock()
	return nil
}

// Entries returns a snapshot of all recorded entries in arrival order.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// BySession returns the entries tagged with the given session ID.
func (m *Memory) BySession(sessionID string) []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

var _ Ledger = (*Memory)(nil)
