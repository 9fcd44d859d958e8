// Package checkpoint creates and restores atomic snapshots spanning
// orchestrator state and the states of all active workers.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/helmsman-dev/helmsman/internal/decision"
	"github.com/helmsman-dev/helmsman/internal/graph"
	"github.com/helmsman-dev/helmsman/internal/phase"
)

var (
	// ErrNotFound is returned when a checkpoint ID is unknown.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrNotRestorable is returned when restoring a checkpoint whose
	// snapshot failed integrity verification.
	ErrNotRestorable = errors.New("checkpoint is not restorable")

	// ErrPartialRestore is wrapped by PartialError when one or more
	// workers failed to snapshot or restore.
	ErrPartialRestore = errors.New("partial checkpoint failure")

	// ErrCorrupt is returned when a checkpoint's orchestrator snapshot no
	// longer matches its recorded hash. This is fatal for the checkpoint;
	// it is marked non-restorable.
	ErrCorrupt = errors.New("checkpoint state hash mismatch")
)

// PartialError reports the workers that failed during a checkpoint create
// or restore. It unwraps to ErrPartialRestore.
type PartialError struct {
	CheckpointID  string
	FailedWorkers []string
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("checkpoint %s: workers failed: %v", e.CheckpointID, e.FailedWorkers)
}

func (e *PartialError) Unwrap() error { return ErrPartialRestore }

// WorkerCheckpointer is the worker-side checkpoint interface. Token
// contents are opaque to the orchestrator.
type WorkerCheckpointer interface {
	RequestCheckpoint(ctx context.Context, workerID string) (token string, err error)
	Restore(ctx context.Context, workerID string, token string) error
}

// State is the orchestrator's own snapshot: task graph, phase state and
// decision log.
type State struct {
	Graph     *graph.Snapshot      `json:"graph"`
	Phases    *phase.Snapshot      `json:"phases"`
	Decisions []*decision.Decision `json:"decisions"`
}

// Checkpoint is one immutable cross-component snapshot. FailedWorkers
// records scope members that did not deliver a token; restoring such a
// checkpoint reports them as a partial failure.
type Checkpoint struct {
	ID            string            `json:"id"`
	Trigger       string            `json:"trigger"`
	CreatedAt     time.Time         `json:"created_at"`
	WorkerTokens  map[string]string `json:"worker_tokens"`
	FailedWorkers []string          `json:"failed_workers,omitempty"`
	State         *State            `json:"state"`
	StateHash     uint64            `json:"state_hash"`
	Restorable    bool              `json:"restorable"`
}

// Entry is a checkpoint index row: the pointer without the payload.
type Entry struct {
	ID         string    `json:"id"`
	Trigger    string    `json:"trigger"`
	CreatedAt  time.Time `json:"created_at"`
	Workers    int       `json:"workers"`
	Restorable bool      `json:"restorable"`
}

// Store persists checkpoints and the checkpoint index.
type Store interface {
	SaveCheckpoint(ctx context.Context, cp *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	ListCheckpoints(ctx context.Context) ([]Entry, error)
	MarkCheckpointNotRestorable(ctx context.Context, id string) error
}
