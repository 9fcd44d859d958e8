package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
	"golang.org/x/sync/errgroup"
)

// CoordinatorConfig configures checkpoint behavior.
type CoordinatorConfig struct {
	// Timeout bounds the whole worker fan-out of one create or restore.
	// A worker that misses it counts as a partial failure, never silently
	// ignored.
	Timeout time.Duration
	// FanOut limits concurrent worker requests (default 8).
	FanOut int
}

// DefaultCoordinatorConfig returns the default configuration.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		Timeout: 30 * time.Second,
		FanOut:  8,
	}
}

// Coordinator assembles and restores checkpoints. It keeps an in-memory
// index and writes through to a Store when one is configured.
type Coordinator struct {
	cfg     CoordinatorConfig
	workers WorkerCheckpointer
	store   Store // optional

	mu          sync.RWMutex
	checkpoints map[string]*Checkpoint
	order       []string
}

// NewCoordinator creates a coordinator. store may be nil for purely
// in-memory operation.
func NewCoordinator(cfg CoordinatorConfig, workers WorkerCheckpointer, store Store) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultCoordinatorConfig().Timeout
	}
	if cfg.FanOut <= 0 {
		cfg.FanOut = DefaultCoordinatorConfig().FanOut
	}
	return &Coordinator{
		cfg:         cfg,
		workers:     workers,
		store:       store,
		checkpoints: make(map[string]*Checkpoint),
	}
}

// Create requests a state token from every worker in scope, assembles them
// with the orchestrator's own snapshot into an immutable checkpoint, and
// indexes it. Workers that fail or time out are recorded on the checkpoint
// and reported through a PartialError alongside the (still usable)
// checkpoint.
func (c *Coordinator) Create(ctx context.Context, trigger string, scope []string, state *State) (*Checkpoint, error) {
	hash, err := hashstructure.Hash(state, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, fmt.Errorf("hashing orchestrator state: %w", err)
	}

	cp := &Checkpoint{
		ID:           uuid.NewString(),
		Trigger:      trigger,
		CreatedAt:    time.Now(),
		WorkerTokens: make(map[string]string, len(scope)),
		State:        state,
		StateHash:    hash,
		Restorable:   true,
	}

	fanCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(fanCtx)
	g.SetLimit(c.cfg.FanOut)
	for _, workerID := range scope {
		id := workerID
		g.Go(func() error {
			token, err := c.workers.RequestCheckpoint(gctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				cp.FailedWorkers = append(cp.FailedWorkers, id)
				return nil // Collect failures, don't abort the fan-out
			}
			cp.WorkerTokens[id] = token
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(cp.FailedWorkers)

	c.index(cp)
	if c.store != nil {
		if err := c.store.SaveCheckpoint(ctx, cp); err != nil {
			return cp, fmt.Errorf("persisting checkpoint %s: %w", cp.ID, err)
		}
	}

	if len(cp.FailedWorkers) > 0 {
		return cp, &PartialError{CheckpointID: cp.ID, FailedWorkers: cp.FailedWorkers}
	}
	return cp, nil
}

// Restore brings every referenced worker back to its token from the
// checkpoint and returns the orchestrator state for the caller to apply.
// The caller must auto-save current state first (the loop does) and must
// stay in its restoring status when a PartialError is returned.
//
// The snapshot's integrity is verified against the recorded hash before
// any worker is touched; a mismatch marks the checkpoint non-restorable
// and fails with ErrCorrupt.
func (c *Coordinator) Restore(ctx context.Context, id string) (*Checkpoint, error) {
	cp, err := c.Get(id)
	if err != nil {
		return nil, err
	}
	if !cp.Restorable {
		return nil, fmt.Errorf("%w: %s", ErrNotRestorable, id)
	}

	hash, err := hashstructure.Hash(cp.State, hashstructure.FormatV2, nil)
	if err != nil {
		return nil, fmt.Errorf("hashing checkpoint state: %w", err)
	}
	if hash != cp.StateHash {
		c.markNotRestorable(ctx, id)
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, id)
	}

	fanCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	// Workers that never snapshotted cannot be restored; they are partial
	// failures from the start.
	failed := append([]string(nil), cp.FailedWorkers...)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(fanCtx)
	g.SetLimit(c.cfg.FanOut)
	for workerID, token := range cp.WorkerTokens {
		id, tok := workerID, token
		g.Go(func() error {
			if err := c.workers.Restore(gctx, id, tok); err != nil {
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(failed) > 0 {
		sort.Strings(failed)
		return cp, &PartialError{CheckpointID: cp.ID, FailedWorkers: failed}
	}
	return cp, nil
}

// Get returns a checkpoint by ID, falling back to the store for
// checkpoints created before a restart.
func (c *Coordinator) Get(id string) (*Checkpoint, error) {
	c.mu.RLock()
	cp, ok := c.checkpoints[id]
	c.mu.RUnlock()
	if ok {
		return cp, nil
	}

	if c.store != nil {
		cp, err := c.store.GetCheckpoint(context.Background(), id)
		if err == nil && cp != nil {
			c.index(cp)
			return cp, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Latest returns the most recently created checkpoint, or nil.
func (c *Coordinator) Latest() *Checkpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.order) == 0 {
		return nil
	}
	return c.checkpoints[c.order[len(c.order)-1]]
}

// List returns index entries in creation order.
func (c *Coordinator) List() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.order))
	for _, id := range c.order {
		cp := c.checkpoints[id]
		out = append(out, Entry{
			ID:         cp.ID,
			Trigger:    cp.Trigger,
			CreatedAt:  cp.CreatedAt,
			Workers:    len(cp.WorkerTokens),
			Restorable: cp.Restorable,
		})
	}
	return out
}

func (c *Coordinator) index(cp *Checkpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.checkpoints[cp.ID]; !exists {
		c.order = append(c.order, cp.ID)
	}
	c.checkpoints[cp.ID] = cp
}

func (c *Coordinator) markNotRestorable(ctx context.Context, id string) {
	c.mu.Lock()
	if cp, ok := c.checkpoints[id]; ok {
		cp.Restorable = false
	}
	c.mu.Unlock()

	if c.store != nil {
		_ = c.store.MarkCheckpointNotRestorable(ctx, id)
	}
}
