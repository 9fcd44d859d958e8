// Package decision records the rationale behind state-changing choices made
// by the orchestration core, with enough original data to reverse them.
package decision

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision is one recorded choice.
type Decision struct {
	ID            string            `json:"id"`
	Question      string            `json:"question"`
	Choice        string            `json:"choice"`
	Rationale     string            `json:"rationale"`
	Alternatives  []string          `json:"alternatives,omitempty"`
	AffectedTasks []string          `json:"affected_tasks,omitempty"`
	Reversible    bool              `json:"reversible"`
	Original      map[string]string `json:"original,omitempty"` // Pre-change values keyed by task ID
	Reversed      bool              `json:"reversed,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
}

// Log is an append-only in-memory decision log. The orchestrator loop is
// the single writer; reads may come from the query surface.
type Log struct {
	mu        sync.RWMutex
	decisions []*Decision
	byID      map[string]*Decision
}

// NewLog creates an empty decision log.
func NewLog() *Log {
	return &Log{byID: make(map[string]*Decision)}
}

// Record appends a decision, assigning an ID and timestamp if unset, and
// returns the stored copy.
func (l *Log) Record(d *Decision) *Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	cp := cloneDecision(d)
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	l.decisions = append(l.decisions, cp)
	l.byID[cp.ID] = cp
	return cloneDecision(cp)
}

// Get returns a decision by ID.
func (l *Log) Get(id string) (*Decision, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	d, ok := l.byID[id]
	if !ok {
		return nil, false
	}
	return cloneDecision(d), true
}

// List returns all decisions in record order.
func (l *Log) List() []*Decision {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*Decision, 0, len(l.decisions))
	for _, d := range l.decisions {
		out = append(out, cloneDecision(d))
	}
	return out
}

// Reverse marks a reversible decision as reversed and hands back its
// original values so the caller can undo the change.
func (l *Log) Reverse(id string) (map[string]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	d, ok := l.byID[id]
	if !ok {
		return nil, fmt.Errorf("decision %q not found", id)
	}
	if !d.Reversible {
		return nil, fmt.Errorf("decision %q is not reversible", id)
	}
	if d.Reversed {
		return nil, fmt.Errorf("decision %q already reversed", id)
	}

	d.Reversed = true
	original := make(map[string]string, len(d.Original))
	for k, v := range d.Original {
		original[k] = v
	}
	return original, nil
}

// Snapshot returns a deep copy of the log contents for checkpointing.
func (l *Log) Snapshot() []*Decision {
	return l.List()
}

// Restore replaces the log contents with the snapshot.
func (l *Log) Restore(decisions []*Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.decisions = make([]*Decision, 0, len(decisions))
	l.byID = make(map[string]*Decision, len(decisions))
	for _, d := range decisions {
		cp := cloneDecision(d)
		l.decisions = append(l.decisions, cp)
		l.byID[cp.ID] = cp
	}
}

func cloneDecision(d *Decision) *Decision {
	cp := *d
	if d.Alternatives != nil {
		cp.Alternatives = append([]string(nil), d.Alternatives...)
	}
	if d.AffectedTasks != nil {
		cp.AffectedTasks = append([]string(nil), d.AffectedTasks...)
	}
	if d.Original != nil {
		cp.Original = make(map[string]string, len(d.Original))
		for k, v := range d.Original {
			cp.Original[k] = v
		}
	}
	return &cp
}
