package store

import (
	"context"
	"sync"

	"github.com/nateschmiedehaus/conduct/internal/sanitize"
	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

// Default bounds for the in-memory store.
const (
	DefaultMaxPerRun = 100
	DefaultMaxTotal  = 1000
)

// MemoryStore is a volatile CheckpointStore bounded per run and in total,
// with oldest-first eviction. Intended for tests and for runs that opt into
// non-durable checkpointing.
type MemoryStore struct {
	mu        sync.Mutex
	byID      map[string]*schema.ExecutionCheckpoint
	order     []string // checkpoint IDs, oldest first
	byRun     map[string][]string
	maxPerRun int
	maxTotal  int
}

// NewMemoryStore creates a MemoryStore; non-positive bounds use the defaults.
func NewMemoryStore(maxPerRun, maxTotal int) *MemoryStore {
	if maxPerRun <= 0 {
		maxPerRun = DefaultMaxPerRun
	}
	if maxTotal <= 0 {
		maxTotal = DefaultMaxTotal
	}
	return &MemoryStore{
		byID:      make(map[string]*schema.ExecutionCheckpoint),
		byRun:     make(map[string][]string),
		maxPerRun: maxPerRun,
		maxTotal:  maxTotal,
	}
}

// SaveCheckpoint stores a deep copy of the checkpoint. Saving the same ID
// twice overwrites in place (idempotent snapshots).
func (m *MemoryStore) SaveCheckpoint(_ context.Context, cp *schema.ExecutionCheckpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	clone := cloneCheckpoint(cp)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byID[clone.ID]; exists {
		m.byID[clone.ID] = clone
		return nil
	}

	m.byID[clone.ID] = clone
	m.order = append(m.order, clone.ID)
	m.byRun[clone.ExecutionID] = append(m.byRun[clone.ExecutionID], clone.ID)

	// Per-run bound: evict this run's oldest.
	if ids := m.byRun[clone.ExecutionID]; len(ids) > m.maxPerRun {
		m.evictLocked(ids[0])
	}
	// Total bound: evict the globally oldest.
	for len(m.order) > m.maxTotal {
		m.evictLocked(m.order[0])
	}
	return nil
}

func (m *MemoryStore) evictLocked(id string) {
	cp, ok := m.byID[id]
	if !ok {
		return
	}
	delete(m.byID, id)
	m.order = removeID(m.order, id)
	m.byRun[cp.ExecutionID] = removeID(m.byRun[cp.ExecutionID], id)
	if len(m.byRun[cp.ExecutionID]) == 0 {
		delete(m.byRun, cp.ExecutionID)
	}
}

// GetCheckpoint returns a deep copy of the named checkpoint.
func (m *MemoryStore) GetCheckpoint(_ context.Context, id string) (*schema.ExecutionCheckpoint, error) {
	m.mu.Lock()
	cp, ok := m.byID[id]
	m.mu.Unlock()
	if !ok {
		return nil, schema.NewErrorf(schema.CodeCheckpointNotFound, "checkpoint %s not found", id)
	}
	return cloneCheckpoint(cp), nil
}

// ListCheckpoints returns deep copies of a run's checkpoints, oldest first.
func (m *MemoryStore) ListCheckpoints(_ context.Context, executionID string) ([]*schema.ExecutionCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byRun[executionID]
	out := make([]*schema.ExecutionCheckpoint, 0, len(ids))
	for _, id := range ids {
		if cp, ok := m.byID[id]; ok {
			out = append(out, cloneCheckpoint(cp))
		}
	}
	return out, nil
}

// IsDurable is false: memory checkpoints do not survive a restart.
func (m *MemoryStore) IsDurable() bool { return false }

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }

// AllCheckpoints returns deep copies of every stored checkpoint, oldest
// first across runs.
func (m *MemoryStore) AllCheckpoints() []*schema.ExecutionCheckpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*schema.ExecutionCheckpoint, 0, len(m.order))
	for _, id := range m.order {
		if cp, ok := m.byID[id]; ok {
			out = append(out, cloneCheckpoint(cp))
		}
	}
	return out
}

// Len returns the total number of stored checkpoints.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.byID)
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// cloneCheckpoint deep-copies a checkpoint so store contents never alias a
// live run's composition or state.
func cloneCheckpoint(cp *schema.ExecutionCheckpoint) *schema.ExecutionCheckpoint {
	out := *cp
	out.Order = sanitize.DeepCopyStrings(cp.Order)
	out.MissingKeys = sanitize.DeepCopyStrings(cp.MissingKeys)
	out.State = sanitize.DeepCopyMap(cp.State)
	out.Composition = cloneComposition(&cp.Composition)
	return &out
}

func cloneComposition(c *schema.Composition) schema.Composition {
	out := *c
	out.Primitives = make([]schema.Primitive, len(c.Primitives))
	copy(out.Primitives, c.Primitives)
	out.Relationships = make([]schema.Relationship, len(c.Relationships))
	copy(out.Relationships, c.Relationships)
	out.Operators = make([]schema.Operator, len(c.Operators))
	for i, op := range c.Operators {
		cp := op
		cp.Inputs = sanitize.DeepCopyStrings(op.Inputs)
		cp.Outputs = sanitize.DeepCopyStrings(op.Outputs)
		cp.Conditions = sanitize.DeepCopyStrings(op.Conditions)
		cp.Params = sanitize.DeepCopyMap(op.Params)
		out.Operators[i] = cp
	}
	return out
}

var _ CheckpointStore = (*MemoryStore)(nil)
