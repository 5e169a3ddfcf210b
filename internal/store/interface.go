package store

import (
	"context"

	"github.com/openai118/flowslide-core/internal/record"
)

// Adapter is the uniform capability set over the local embedded store, the
// external relational store, and the object store. Operations are
// idempotent on identical inputs. Put of a record older than the stored
// copy leaves the stored copy intact and returns record.ErrSuperseded.
type Adapter interface {
	// Get returns the stored copy, or nil when no record exists.
	Get(ctx context.Context, dataType, id string) (*record.Record, error)

	// Put upserts rec, refusing stale versions with ErrSuperseded.
	Put(ctx context.Context, rec record.Record) error

	// ForcePut upserts rec unconditionally. The master_slave strategy and
	// restore reseeding use it; everything else goes through Put.
	ForcePut(ctx context.Context, rec record.Record) error

	// Delete writes a tombstone stamped at the given time.
	Delete(ctx context.Context, dataType, id string, at int64) error

	// ListSince returns records with updated_at strictly greater than
	// cursor, ordered by updated_at, plus the next cursor value. A next
	// cursor equal to the input means the feed is drained.
	ListSince(ctx context.Context, dataType string, cursor int64, limit int) ([]record.Record, int64, error)

	Ping(ctx context.Context) error

	// BeginBatch opens a write batch; adapters without native transactions
	// return a pass-through batch.
	BeginBatch(ctx context.Context) (Batch, error)

	Close() error
}

// Batch groups writes so a worker can apply one sync batch atomically
// where the backing store supports it.
type Batch interface {
	Put(ctx context.Context, rec record.Record) error
	Delete(ctx context.Context, dataType, id string, at int64) error
	Commit() error
	Rollback() error
}

// SyncCursor is the per-(type, direction) watermark of applied changes.
type SyncCursor struct {
	DataType  string   `json:"data_type"`
	Direction string   `json:"direction"`
	HighWater int64    `json:"high_water"`
	InFlight  []string `json:"in_flight"`
	UpdatedAt int64    `json:"updated_at"`
}

// TransitionRecord is one immutable entry of the mode transition log.
type TransitionRecord struct {
	ID         string `json:"id"`
	FromMode   string `json:"from_mode"`
	ToMode     string `json:"to_mode"`
	StartedAt  int64  `json:"started_at"`
	FinishedAt int64  `json:"finished_at"`
	Status     string `json:"status"`
	Reason     string `json:"reason"`
	Actor      string `json:"actor"`
	Error      string `json:"error"`
	SnapshotID string `json:"snapshot_id,omitempty"`
}

// Transition statuses.
const (
	TransitionSucceeded  = "succeeded"
	TransitionRolledBack = "rolled_back"
	TransitionFailed     = "failed"
	TransitionInProgress = "in_progress"
)
