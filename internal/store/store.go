// Package store defines the checkpoint persistence contract and its two
// reference implementations: a bounded in-memory store and a durable
// libSQL-backed store.
package store

import (
	"context"

	"github.com/nateschmiedehaus/conduct/pkg/schema"
)

// CheckpointStore persists execution checkpoints. Implementations must be
// safe for concurrent use across runs.
//
// IsDurable tells the engine whether saved checkpoints survive a process
// restart; the engine refuses checkpoint-enabled runs on a volatile store
// unless explicitly overridden.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, cp *schema.ExecutionCheckpoint) error
	GetCheckpoint(ctx context.Context, id string) (*schema.ExecutionCheckpoint, error)
	ListCheckpoints(ctx context.Context, executionID string) ([]*schema.ExecutionCheckpoint, error)
	IsDurable() bool
	Close() error
}

// LatestCheckpoint returns the most recently created checkpoint for a run,
// or nil when the run has none.
func LatestCheckpoint(ctx context.Context, s CheckpointStore, executionID string) (*schema.ExecutionCheckpoint, error) {
	cps, err := s.ListCheckpoints(ctx, executionID)
	if err != nil {
		return nil, err
	}
	var latest *schema.ExecutionCheckpoint
	for _, cp := range cps {
		if latest == nil || cp.CreatedAt.After(latest.CreatedAt) {
			latest = cp
		}
	}
	return latest, nil
}
