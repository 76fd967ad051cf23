// Package store defines the lifecycle audit ledger used by sandboxd.
package store

import (
	"context"
	"errors"

	"github.com/jxucoder/sandboxd/pkg/model"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Store persists sandboxes, snapshots and their lifecycle events. It is an
// audit record only: the runtime stays the source of truth for liveness.
type Store interface {
	// PutSandbox inserts or replaces a sandbox record.
	PutSandbox(ctx context.Context, sb *model.Sandbox) error
	GetSandbox(ctx context.Context, id string) (*model.Sandbox, error)
	ListSandboxes(ctx context.Context) ([]*model.Sandbox, error)
	// SetState updates a sandbox's state and last error.
	SetState(ctx context.Context, id string, state model.State, errMsg string) error

	AddSnapshot(ctx context.Context, snap *model.Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*model.Snapshot, error)
	// ListSnapshots returns the snapshots captured from sandboxID.
	ListSnapshots(ctx context.Context, sandboxID string) ([]*model.Snapshot, error)

	AddEvent(ctx context.Context, ev *model.Event) error
	GetEvents(ctx context.Context, sandboxID string, afterID int64) ([]*model.Event, error)

	Close() error
}
