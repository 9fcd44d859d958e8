package orchestrator

import (
	"context"
	"time"
)

// DirectiveKind discriminates human directives to the loop.
type DirectiveKind int

const (
	DirectivePriority          DirectiveKind = iota // Override a task's priority (with optional cascade)
	DirectivePause                                  // Halt dispatch, keep reconciling
	DirectiveResume                                 // Resume dispatch
	DirectiveCancelWorkflow                         // Cancel every non-terminal task and stop
	DirectiveCancelTask                             // Cancel one task (cascades to exclusive dependents)
	DirectiveApproveTask                            // Pass a task waiting at its review gate
	DirectiveApproveSuggestion                      // Admit a suggested task into the graph
	DirectiveRejectSuggestion                       // Drop a suggested task
	DirectiveApproveCriterion                       // Manually approve a phase criterion
	DirectiveWaiveCriterion                         // Waive a phase criterion
	DirectiveCheckpoint                             // Create a checkpoint now
	DirectiveRestore                                // Restore a checkpoint by ID
	DirectiveNudge                                  // Free-form operator note attached to a task
)

// Directive is one timestamped, targeted instruction from a human operator.
// Directives are drained at the top of every reaction cycle, before worker
// events.
type Directive struct {
	Kind         DirectiveKind
	TaskID       string
	Priority     int
	Cascade      bool
	Phase        string
	Criterion    string
	CheckpointID string
	Note         string
	At           time.Time

	responseCh chan error
}

// DirectiveChannel carries directives from operators to the loop. Send is
// synchronous: it returns once the loop has applied (or rejected) the
// directive.
type DirectiveChannel struct {
	ch chan Directive
}

// NewDirectiveChannel creates a directive channel with the given buffer.
func NewDirectiveChannel(bufferSize int) *DirectiveChannel {
	if bufferSize <= 0 {
		bufferSize = 16
	}
	return &DirectiveChannel{ch: make(chan Directive, bufferSize)}
}

// Send queues a directive and waits for the loop's acknowledgement.
// It respects context cancellation at both the send and receive stages.
func (dc *DirectiveChannel) Send(ctx context.Context, d Directive) error {
	d.responseCh = make(chan error, 1)
	if d.At.IsZero() {
		d.At = time.Now()
	}

	select {
	case dc.ch <- d:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-d.responseCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// respond delivers the loop's verdict to a waiting sender.
func (d Directive) respond(err error) {
	if d.responseCh != nil {
		d.responseCh <- err
	}
}
