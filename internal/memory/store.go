// Package memory is the persistence boundary: an external key-value store of
// task snapshots keyed by thread id, consulted for context and written after
// each step. It is best-effort — failures are logged and ignored, and never
// block a run's completion.
package memory

import (
	"context"

	"github.com/refinelab/refinery/internal/task"
)

// ThreadStore persists snapshots per thread. Writes are append-only per
// thread id to avoid write conflicts between resumed sessions.
type ThreadStore interface {
	// Save appends a snapshot to the thread's history.
	Save(ctx context.Context, threadID string, snap task.Snapshot) error
	// History returns up to limit snapshots, most recent last.
	History(ctx context.Context, threadID string, limit int) ([]task.Snapshot, error)
	// Clear discards the thread's history entirely.
	Clear(ctx context.Context, threadID string) error
	Close() error
}

// Noop is the store used when persistence is disabled; every run is then a
// fresh thread.
type Noop struct{}

func (Noop) Save(context.Context, string, task.Snapshot) error { return nil }

func (Noop) History(context.Context, string, int) ([]task.Snapshot, error) { return nil, nil }

func (Noop) Clear(context.Context, string) error { return nil }

func (Noop) Close() error { return nil }
