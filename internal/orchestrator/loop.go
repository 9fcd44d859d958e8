// Package orchestrator contains the reaction loop that drives the workflow:
// it reconciles worker reports, dispatches ready tasks under concurrency
// ceilings, applies human directives, detects stuck work and triggers
// checkpoints. Only the loop goroutine mutates graph, phase, priority and
// checkpoint state.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helmsman-dev/helmsman/internal/checkpoint"
	"github.com/helmsman-dev/helmsman/internal/config"
	"github.com/helmsman-dev/helmsman/internal/decision"
	"github.com/helmsman-dev/helmsman/internal/events"
	"github.com/helmsman-dev/helmsman/internal/failure"
	"github.com/helmsman-dev/helmsman/internal/graph"
	"github.com/helmsman-dev/helmsman/internal/persistence"
	"github.com/helmsman-dev/helmsman/internal/phase"
	"github.com/helmsman-dev/helmsman/internal/priority"
)

// State is the workflow state machine.
type State int

const (
	StateIdle      State = iota // No work started yet
	StateActive                 // Dispatching and reconciling
	StatePaused                 // Dispatch halted, reconciliation continues
	StateRestoring              // Checkpoint restore in flight or partially failed
	StateCompleted              // All tasks terminal, phases complete
	StateCancelled              // Workflow cancelled
)

// String returns the wire/storage name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateRestoring:
		return "restoring"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	}
	return "unknown"
}

func parseState(s string) (State, bool) {
	for _, st := range []State{StateIdle, StateActive, StatePaused, StateRestoring, StateCompleted, StateCancelled} {
		if st.String() == s {
			return st, true
		}
	}
	return StateIdle, false
}

// validStateTransitions encodes the workflow state machine.
var validStateTransitions = map[State][]State{
	StateIdle:      {StateActive, StateCancelled},
	StateActive:    {StatePaused, StateRestoring, StateCompleted, StateCancelled},
	StatePaused:    {StateActive, StateRestoring, StateCancelled},
	StateRestoring: {StateActive, StatePaused, StateCancelled},
}

// ErrInvalidState is returned for a directive that does not apply in the
// current workflow state.
var ErrInvalidState = errors.New("invalid workflow state transition")

// LoopConfig wires the loop's collaborators.
type LoopConfig struct {
	Config     *config.Config
	Dispatcher Dispatcher
	Context    ContextProvider
	Workers    checkpoint.WorkerCheckpointer // nil disables worker checkpoint fan-out
	Store      persistence.Store             // nil for purely in-memory operation
	Bus        *events.Bus                   // Created if nil
	Plan       []*phase.Phase                // nil disables phase gating

	IntakeBuffer    int // Default 64
	DirectiveBuffer int // Default 16
}

// Loop is the orchestration core.
type Loop struct {
	cfg         *config.Config
	dispatcher  Dispatcher
	ctxProvider ContextProvider
	store       persistence.Store
	bus         *events.Bus

	graph       *graph.Graph
	phases      *phase.Manager
	decisions   *decision.Log
	priorities  *priority.Manager
	classifier  *failure.Classifier
	router      *failure.Router
	coordinator *checkpoint.Coordinator
	breakers    *BreakerRegistry
	retryCfg    RetryConfig

	directives *DirectiveChannel
	intake     chan WorkerEvent

	mu          sync.RWMutex
	state       State
	suggestions map[string]*graph.Task

	// Loop-goroutine-only bookkeeping.
	retryAfter        map[string]string // Corrective task ID -> failed task to retry
	lastActivity      map[string]time.Time
	riskyCheckpointed map[string]bool
	lastCheckpoint    time.Time
	taskCompleted     bool
	pendingEvents     []WorkerEvent
	pendingDirectives []Directive
}

// noopCheckpointer is used when no worker checkpoint integration exists:
// checkpoints then cover orchestrator state only.
type noopCheckpointer struct{}

func (noopCheckpointer) RequestCheckpoint(context.Context, string) (string, error) { return "", nil }
func (noopCheckpointer) Restore(context.Context, string, string) error { return nil }

// NewLoop creates the loop and its owned components.
func NewLoop(lc LoopConfig) (*Loop, error) {
	if lc.Config == nil {
		lc.Config = config.DefaultConfig()
	}
	if lc.Dispatcher == nil {
		return nil, fmt.Errorf("orchestrator: dispatcher is required")
	}
	if lc.Context == nil {
		return nil, fmt.Errorf("orchestrator: context provider is required")
	}
	if lc.Bus == nil {
		lc.Bus = events.NewBus()
	}
	if lc.IntakeBuffer <= 0 {
		lc.IntakeBuffer = 64
	}

	phases, err := phase.NewManager(lc.Plan)
	if err != nil {
		return nil, fmt.Errorf("loading phase plan: %w", err)
	}

	var cpStore checkpoint.Store
	if lc.Store != nil {
		cpStore = lc.Store
	}
	workers := checkpoint.WorkerCheckpointer(noopCheckpointer{})
	if lc.Workers != nil {
		workers = lc.Workers
	}

	g := graph.New()
	decisions := decision.NewLog()

	l := &Loop{
		cfg:         lc.Config,
		dispatcher:  lc.Dispatcher,
		ctxProvider: lc.Context,
		store:       lc.Store,
		bus:         lc.Bus,

		graph:      g,
		phases:     phases,
		decisions:  decisions,
		priorities: priority.NewManager(g, decisions, lc.Config.Priority.CascadeIterationCap),
		classifier: failure.NewClassifier(0),
		router: failure.NewRouter(failure.RouterConfig{
			MaxAttempts: lc.Config.Retry.MaxAttempts,
		}),
		coordinator: checkpoint.NewCoordinator(checkpoint.CoordinatorConfig{
			Timeout: lc.Config.Checkpoints.Timeout(),
		}, workers, cpStore),
		breakers: NewBreakerRegistry(BreakerSettings{
			FailureThreshold: uint32(lc.Config.Breaker.FailureThreshold),
			Cooldown:         lc.Config.Breaker.Cooldown(),
		}),
		retryCfg: RetryConfig{
			InitialInterval:     lc.Config.Retry.InitialBackoff(),
			MaxInterval:         lc.Config.Retry.MaxBackoff(),
			MaxElapsedTime:      2 * time.Minute,
			Multiplier:          2.0,
			RandomizationFactor: 0.5,
		},

		directives: NewDirectiveChannel(lc.DirectiveBuffer),
		intake:     make(chan WorkerEvent, lc.IntakeBuffer),

		state:             StateIdle,
		suggestions:       make(map[string]*graph.Task),
		retryAfter:        make(map[string]string),
		lastActivity:      make(map[string]time.Time),
		riskyCheckpointed: make(map[string]bool),
	}
	return l, nil
}

// Intake returns the worker event queue. Safe for concurrent senders.
func (l *Loop) Intake() chan<- WorkerEvent { return l.intake }

// Directives returns the operator directive channel.
func (l *Loop) Directives() *DirectiveChannel { return l.directives }

// Bus returns the event bus for subscribers.
func (l *Loop) Bus() *events.Bus { return l.bus }

// State returns the current workflow state.
func (l *Loop) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// AddTask admits a task into the graph.
func (l *Loop) AddTask(task *graph.Task) error {
	if err := l.graph.AddTask(task); err != nil {
		return err
	}
	l.publish(events.TaskCreatedEvent{
		ID: task.ID, Title: task.Title, Role: task.Role,
		Priority: task.Priority, Timestamp: time.Now(),
	})
	l.persistTask(task.ID)
	return nil
}

// AddDependency records that from depends on to. A cycle is rejected with
// the graph untouched.
func (l *Loop) AddDependency(from, to string) error {
	if err := l.graph.AddDependency(from, to); err != nil {
		return err
	}
	l.persistTask(from)
	l.persistTask(to)
	return nil
}

// RemoveTask removes a task under the given policy. Dependents the policy
// cancelled are announced and persisted; reparented dependents are persisted
// with their new edges.
func (l *Loop) RemoveTask(taskID string, policy graph.RemovePolicy) error {
	affected, err := l.graph.Remove(taskID, policy)
	if err != nil {
		return err
	}
	if l.store != nil {
		if err := l.store.DeleteTask(context.Background(), taskID); err != nil {
			log.Printf("WARNING: failed to delete task %q from store: %v", taskID, err)
		}
	}
	for _, id := range affected {
		task, ok := l.graph.Get(id)
		if !ok {
			continue
		}
		if task.Status == graph.StatusCancelled || task.Status == graph.StatusSkipped {
			l.publish(events.TaskCancelledEvent{ID: id, Reason: task.Reason, Timestamp: time.Now()})
		}
		l.persistTask(id)
	}
	return nil
}

// SuggestTask records a proposed task. It enters the graph only after an
// approval directive.
func (l *Loop) SuggestTask(task *graph.Task, proposer string) string {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	l.mu.Lock()
	l.suggestions[task.ID] = task
	l.mu.Unlock()

	l.publish(events.TaskSuggestedEvent{
		ID: task.ID, Title: task.Title, Proposer: proposer, Timestamp: time.Now(),
	})
	return task.ID
}

// RecordDecision appends a decision to the log, announcing and persisting
// it. The returned copy carries the assigned ID and timestamp.
func (l *Loop) RecordDecision(d *decision.Decision) *decision.Decision {
	recorded := l.decisions.Record(d)
	l.publish(events.DecisionRecordedEvent{
		DecisionID: recorded.ID, Question: recorded.Question, Choice: recorded.Choice, Timestamp: time.Now(),
	})
	l.persistDecision(recorded)
	return recorded
}

// Suggestions returns pending task proposals.
func (l *Loop) Suggestions() []*graph.Task {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]*graph.Task, 0, len(l.suggestions))
	for _, t := range l.suggestions {
		out = append(out, t)
	}
	return out
}

// Query surface. Side-effect-free, safe for concurrent readers.

// Tasks returns all tasks in insertion order.
func (l *Loop) Tasks() []*graph.Task { return l.graph.Tasks() }

// Task returns one task by ID.
func (l *Loop) Task(id string) (*graph.Task, bool) { return l.graph.Get(id) }

// CurrentPhase returns the active phase ID, or "" without a phase plan.
func (l *Loop) CurrentPhase() string {
	if cur := l.phases.Current(); cur != nil {
		return cur.ID
	}
	return ""
}

// ReadyTasks returns dispatchable-by-dependency tasks in dispatch order.
func (l *Loop) ReadyTasks() []*graph.Task { return l.graph.Ready() }

// BlockedTasks returns tasks waiting on dependencies.
func (l *Loop) BlockedTasks() []*graph.Task { return l.graph.Blocked() }

// InProgress returns dispatched tasks whose workers have not reported back.
func (l *Loop) InProgress() []*graph.Task { return l.graph.InProgress() }

// NeedsReview returns tasks held at the review gate.
func (l *Loop) NeedsReview() []*graph.Task { return l.graph.NeedsReview() }

// CriticalPath returns the longest incomplete dependency chain.
func (l *Loop) CriticalPath() []string { return l.graph.CriticalPath() }

// Decisions returns the recorded decision log.
func (l *Loop) Decisions() []*decision.Decision { return l.decisions.List() }

// Checkpoints returns checkpoint index entries.
func (l *Loop) Checkpoints() []checkpoint.Entry { return l.coordinator.List() }

// PhaseProgress reports per-phase task counts.
func (l *Loop) PhaseProgress() []phase.Progress { return l.phases.Progress(l.graph) }

// Recover reloads state persisted by a previous run. A workflow that was
// active is recovered paused: its workers are gone and the operator decides
// when to resume.
func (l *Loop) Recover(ctx context.Context) error {
	if l.store == nil {
		return nil
	}

	tasks, err := l.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("recovering tasks: %w", err)
	}
	if len(tasks) > 0 {
		l.graph.Restore(&graph.Snapshot{Tasks: tasks})
	}

	decisions, err := l.store.ListDecisions(ctx)
	if err != nil {
		return fmt.Errorf("recovering decisions: %w", err)
	}
	if len(decisions) > 0 {
		l.decisions.Restore(decisions)
	}

	status, phases, err := l.store.GetWorkflowState(ctx)
	if err != nil {
		return fmt.Errorf("recovering workflow state: %w", err)
	}
	if phases != nil {
		l.phases.Restore(phases)
	}
	if st, ok := parseState(status); ok {
		if st == StateActive || st == StateRestoring {
			st = StatePaused
		}
		l.mu.Lock()
		l.state = st
		l.mu.Unlock()
	}
	return nil
}

// Run drives the reaction cycle until the workflow completes, is cancelled,
// or the context ends. It is the single writer for all orchestration state.
func (l *Loop) Run(ctx context.Context) error {
	if l.State() == StateIdle {
		l.transition(StateActive)
	}
	if l.lastCheckpoint.IsZero() {
		l.lastCheckpoint = time.Now()
	}

	tick := l.cfg.Dispatch.Tick()
	if tick <= 0 {
		tick = 5 * time.Second
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		l.cycle(ctx)

		switch l.State() {
		case StateCompleted, StateCancelled:
			return nil
		}

		select {
		case <-ctx.Done():
			l.transition(StateCancelled)
			return ctx.Err()
		case <-ticker.C:
		case ev := <-l.intake:
			l.pendingEvents = append(l.pendingEvents, ev)
		case d := <-l.directives.ch:
			l.pendingDirectives = append(l.pendingDirectives, d)
		}
	}
}

// cycle runs one reaction: directives, worker events, dispatch, stuck scan,
// phase evaluation, checkpoint triggers, completion check - in that order.
func (l *Loop) cycle(ctx context.Context) {
	l.drainDirectives(ctx)
	l.reconcile(ctx)
	if l.State() == StateActive {
		l.dispatch(ctx)
	}
	l.scanStuck()
	l.evaluatePhases(ctx)
	l.checkpointTriggers(ctx)
	l.checkCompletion()
}

// Step 1: human directives, drained before anything else reacts.
func (l *Loop) drainDirectives(ctx context.Context) {
	pending := l.pendingDirectives
	l.pendingDirectives = nil
	for _, d := range pending {
		l.applyDirective(ctx, d)
	}
	for {
		select {
		case d := <-l.directives.ch:
			l.applyDirective(ctx, d)
		default:
			return
		}
	}
}

func (l *Loop) applyDirective(ctx context.Context, d Directive) {
	var err error
	switch d.Kind {
	case DirectivePriority:
		err = l.updatePriority(d.TaskID, d.Priority, d.Cascade)
	case DirectivePause:
		err = l.transition(StatePaused)
	case DirectiveResume:
		err = l.transition(StateActive)
	case DirectiveCancelWorkflow:
		l.cancelWorkflow(d.Note)
	case DirectiveCancelTask:
		err = l.cancelTask(d.TaskID, d.Note)
	case DirectiveApproveTask:
		err = l.approveReview(d.TaskID)
	case DirectiveApproveSuggestion:
		err = l.approveSuggestion(d.TaskID)
	case DirectiveRejectSuggestion:
		l.mu.Lock()
		delete(l.suggestions, d.TaskID)
		l.mu.Unlock()
	case DirectiveApproveCriterion:
		err = l.phases.Approve(d.Phase, d.Criterion)
	case DirectiveWaiveCriterion:
		err = l.phases.Waive(d.Phase, d.Criterion)
	case DirectiveCheckpoint:
		_, err = l.createCheckpoint(ctx, "manual")
	case DirectiveRestore:
		err = l.restoreCheckpoint(ctx, d.CheckpointID)
	case DirectiveNudge:
		l.publish(events.TaskProgressEvent{ID: d.TaskID, Note: d.Note, Timestamp: time.Now()})
	default:
		err = fmt.Errorf("unknown directive kind %d", d.Kind)
	}
	d.respond(err)
}

func (l *Loop) updatePriority(taskID string, newPriority int, cascade bool) error {
	changes, err := l.priorities.Update(taskID, newPriority, cascade)
	for _, ch := range changes {
		l.publish(events.PriorityChangedEvent{
			ID: ch.TaskID, Old: ch.Old, New: ch.New, Cascade: cascade, Timestamp: time.Now(),
		})
		if d, ok := l.decisions.Get(ch.DecisionID); ok {
			l.publish(events.DecisionRecordedEvent{
				DecisionID: d.ID, Question: d.Question, Choice: d.Choice, Timestamp: time.Now(),
			})
			l.persistDecision(d)
		}
		l.persistTask(ch.TaskID)
	}
	return err
}

func (l *Loop) cancelWorkflow(reason string) {
	if reason == "" {
		reason = "workflow cancelled"
	}
	for _, task := range l.graph.Tasks() {
		current, ok := l.graph.Get(task.ID)
		if !ok || current.Status.Terminal() {
			continue
		}
		affected, err := l.graph.CancelTask(task.ID, reason, graph.CancelCascade)
		if err != nil {
			log.Printf("WARNING: failed to cancel task %q: %v", task.ID, err)
			continue
		}
		for _, id := range affected {
			l.publish(events.TaskCancelledEvent{ID: id, Reason: reason, Timestamp: time.Now()})
			l.persistTask(id)
		}
	}
	l.transition(StateCancelled)
}

func (l *Loop) cancelTask(taskID, reason string) error {
	affected, err := l.graph.CancelTask(taskID, reason, graph.CancelCascade)
	if err != nil {
		return err
	}
	for _, id := range affected {
		l.publish(events.TaskCancelledEvent{ID: id, Reason: reason, Timestamp: time.Now()})
		l.persistTask(id)
	}
	return nil
}

func (l *Loop) approveReview(taskID string) error {
	task, ok := l.graph.Get(taskID)
	if !ok {
		return fmt.Errorf("%w: %q", graph.ErrNotFound, taskID)
	}
	if task.Status != graph.StatusNeedsReview {
		return fmt.Errorf("%w: %q %s -> completed", graph.ErrInvalidTransition, taskID, task.Status)
	}
	l.completeTask(taskID, task.Result)
	return nil
}

func (l *Loop) approveSuggestion(taskID string) error {
	l.mu.Lock()
	task, ok := l.suggestions[taskID]
	delete(l.suggestions, taskID)
	l.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending suggestion %q", taskID)
	}
	return l.AddTask(task)
}

// Step 2: worker events.
func (l *Loop) reconcile(ctx context.Context) {
	pending := l.pendingEvents
	l.pendingEvents = nil
	for _, ev := range pending {
		l.applyWorkerEvent(ev)
	}
	for {
		select {
		case ev := <-l.intake:
			l.applyWorkerEvent(ev)
		case <-ctx.Done():
			return
		default:
			return
		}
	}
}

func (l *Loop) applyWorkerEvent(ev WorkerEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	switch ev.Kind {
	case WorkerProgress:
		l.lastActivity[ev.TaskID] = ev.At
		l.publish(events.TaskProgressEvent{ID: ev.TaskID, Note: ev.Note, Timestamp: ev.At})

	case WorkerCompleted:
		task, ok := l.graph.Get(ev.TaskID)
		if !ok {
			log.Printf("WARNING: completion report for unknown task %q", ev.TaskID)
			return
		}
		if task.ReviewRequired && task.Status == graph.StatusInProgress {
			if err := l.graph.MarkNeedsReview(ev.TaskID, ev.Result); err != nil {
				log.Printf("ERROR: failed to park task %q for review: %v", ev.TaskID, err)
				return
			}
			l.persistTask(ev.TaskID)
			l.publish(events.TaskProgressEvent{ID: ev.TaskID, Note: "awaiting review", Timestamp: ev.At})
			return
		}
		l.completeTask(ev.TaskID, ev.Result)

	case WorkerFailed:
		l.handleFailure(ev.TaskID, failure.Signal{
			TaskID:   ev.TaskID,
			Output:   ev.Output,
			Err:      ev.Err,
			TimedOut: ev.TimedOut,
		})

	case WorkerSuggestion:
		if ev.Proposed != nil {
			l.SuggestTask(ev.Proposed, ev.Worker)
		}
	}
}

func (l *Loop) completeTask(taskID, result string) {
	if err := l.graph.CompleteTask(taskID, result); err != nil {
		log.Printf("ERROR: failed to complete task %q: %v", taskID, err)
		return
	}
	delete(l.lastActivity, taskID)
	l.taskCompleted = true

	task, _ := l.graph.Get(taskID)
	var dur time.Duration
	if task != nil && !task.StartedAt.IsZero() {
		dur = task.FinishedAt.Sub(task.StartedAt)
	}
	l.publish(events.TaskCompletedEvent{ID: taskID, Result: result, Duration: dur, Timestamp: time.Now()})
	l.persistTask(taskID)

	// A finished corrective task sends the original failure back to pending.
	if original, ok := l.retryAfter[taskID]; ok {
		delete(l.retryAfter, taskID)
		if err := l.graph.RetryTask(original); err != nil {
			log.Printf("WARNING: failed to retry task %q after corrective fix: %v", original, err)
			return
		}
		l.persistTask(original)
		l.publish(events.TaskProgressEvent{
			ID: original, Note: fmt.Sprintf("returned to pending after corrective task %s", taskID),
			Timestamp: time.Now(),
		})
	}
}

// handleFailure marks the task failed, classifies the evidence and routes
// the verdict: a corrective task for fixable classes, an escalation
// otherwise.
func (l *Loop) handleFailure(taskID string, sig failure.Signal) {
	task, ok := l.graph.Get(taskID)
	if !ok {
		log.Printf("WARNING: failure report for unknown task %q", taskID)
		return
	}

	reason := sig.Err
	if reason == "" {
		reason = sig.Output
	}
	if err := l.graph.FailTask(taskID, reason); err != nil {
		log.Printf("ERROR: failed to mark task %q failed: %v", taskID, err)
		return
	}
	delete(l.lastActivity, taskID)
	l.persistTask(taskID)
	l.publish(events.TaskFailedEvent{ID: taskID, Reason: reason, Timestamp: time.Now()})

	cls := l.classifier.Classify(sig)
	l.publish(events.FailureClassifiedEvent{
		ID: taskID, Class: cls.Class.String(), Confidence: cls.Confidence,
		Action: cls.Action.String(), Timestamp: time.Now(),
	})

	outcome := l.router.Route(cls, task.Role, task.Attempts)
	if outcome.Escalation != nil {
		l.publish(events.FailureEscalatedEvent{
			ID: taskID, Class: outcome.Escalation.Class.String(),
			Reason: outcome.Escalation.Reason, Timestamp: time.Now(),
		})
		return
	}
	if outcome.Corrective != nil {
		if err := l.AddTask(outcome.Corrective); err != nil {
			log.Printf("ERROR: failed to add corrective task for %q: %v", taskID, err)
			return
		}
		if outcome.RetryOriginal {
			l.retryAfter[outcome.Corrective.ID] = taskID
		}
	}
}

// Step 3: dispatch ready tasks under the global and per-role ceilings,
// ordered by priority descending with creation order as the tie-break.
func (l *Loop) dispatch(ctx context.Context) {
	inProgress := l.graph.InProgress()
	capacity := l.cfg.Dispatch.MaxConcurrent - len(inProgress)
	if capacity <= 0 {
		return
	}

	roleActive := make(map[string]int)
	for _, task := range inProgress {
		roleActive[task.Role]++
	}

	ready := l.graph.Ready()
	ids := make([]string, 0, len(ready))
	byID := make(map[string]*graph.Task, len(ready))
	for _, task := range ready {
		ids = append(ids, task.ID)
		byID[task.ID] = task
	}

	for _, id := range l.phases.Dispatchable(ids, l.graph) {
		if capacity <= 0 {
			return
		}
		task := byID[id]
		if ceiling := l.roleCeiling(task.Role); ceiling > 0 && roleActive[task.Role] >= ceiling {
			continue
		}

		if task.Risky && l.cfg.Checkpoints.OnRiskyTask && !l.riskyCheckpointed[task.ID] {
			if _, err := l.createCheckpoint(ctx, "risky_task"); err != nil && !errors.Is(err, checkpoint.ErrPartialRestore) {
				log.Printf("WARNING: pre-dispatch checkpoint for risky task %q failed: %v", task.ID, err)
			}
			l.riskyCheckpointed[task.ID] = true
		}

		worker := uuid.NewString()
		if err := l.graph.Start(task.ID, worker); err != nil {
			log.Printf("ERROR: failed to start task %q: %v", task.ID, err)
			continue
		}
		capacity--
		roleActive[task.Role]++
		l.lastActivity[task.ID] = time.Now()
		l.persistTask(task.ID)
		l.publish(events.TaskStartedEvent{
			ID: task.ID, Title: task.Title, Role: task.Role, Worker: worker, Timestamp: time.Now(),
		})

		started, _ := l.graph.Get(task.ID)
		go l.dispatchAsync(ctx, started)
	}
}

// dispatchAsync hands the task to the dispatcher off the loop goroutine.
// Dispatch failures come back through the intake queue like any worker
// failure.
func (l *Loop) dispatchAsync(ctx context.Context, task *graph.Task) {
	bundle, err := l.ctxProvider.BuildContext(ctx, task)
	if err == nil {
		err = dispatchWithRetry(ctx, l.dispatcher, task, bundle, l.breakers.Get(task.Role), l.retryCfg)
	}
	if err != nil {
		select {
		case l.intake <- WorkerEvent{
			Kind: WorkerFailed, TaskID: task.ID, Worker: task.Worker,
			Err: fmt.Sprintf("dispatch failed: %v", err), At: time.Now(),
		}:
		case <-ctx.Done():
		}
	}
}

func (l *Loop) roleCeiling(role string) int {
	if rc, ok := l.cfg.Roles[role]; ok {
		return rc.MaxConcurrent
	}
	return 0
}

// Step 4: stuck-task scan. An in-progress task with no activity inside the
// threshold is failed with a timeout signal and routed like any failure.
func (l *Loop) scanStuck() {
	threshold := l.cfg.Dispatch.StuckAfter()
	if threshold <= 0 {
		return
	}

	now := time.Now()
	for _, task := range l.graph.InProgress() {
		since := task.StartedAt
		if act, ok := l.lastActivity[task.ID]; ok && act.After(since) {
			since = act
		}
		if since.IsZero() || now.Sub(since) < threshold {
			continue
		}

		l.publish(events.TaskStuckEvent{ID: task.ID, Since: since, Timestamp: now})
		l.handleFailure(task.ID, failure.Signal{
			TaskID:   task.ID,
			TimedOut: true,
			Duration: now.Sub(since),
		})
	}
}

// Step 5: phase evaluation.
func (l *Loop) evaluatePhases(ctx context.Context) {
	for _, tr := range l.phases.Evaluate(l.graph) {
		switch tr.Kind {
		case phase.TransitionStarted:
			l.publish(events.PhaseStartedEvent{Phase: tr.Phase, Timestamp: time.Now()})
		case phase.TransitionBlocked:
			l.publish(events.PhaseBlockedEvent{Phase: tr.Phase, Unmet: tr.Unmet, Timestamp: time.Now()})
		case phase.TransitionCompleted:
			for _, warn := range tr.Warn {
				log.Printf("WARNING: phase %q completed with unmet advisory criterion %q", tr.Phase, warn)
			}
			next := ""
			if cur := l.phases.Current(); cur != nil && cur.ID != tr.Phase {
				next = cur.ID
			}
			l.publish(events.PhaseAdvancedEvent{Completed: tr.Phase, Next: next, Timestamp: time.Now()})
			if l.cfg.Checkpoints.OnPhaseComplete {
				if _, err := l.createCheckpoint(ctx, "phase_complete"); err != nil && !errors.Is(err, checkpoint.ErrPartialRestore) {
					log.Printf("WARNING: phase-complete checkpoint failed: %v", err)
				}
			}
		}
		l.persistWorkflowState()
	}
}

// Step 6: remaining checkpoint triggers (task completion, fixed interval).
func (l *Loop) checkpointTriggers(ctx context.Context) {
	if l.State() == StateRestoring {
		return
	}

	if l.taskCompleted {
		l.taskCompleted = false
		if l.cfg.Checkpoints.OnTaskComplete {
			if _, err := l.createCheckpoint(ctx, "task_complete"); err != nil && !errors.Is(err, checkpoint.ErrPartialRestore) {
				log.Printf("WARNING: task-complete checkpoint failed: %v", err)
			}
			return
		}
	}

	interval := l.cfg.Checkpoints.Interval()
	if interval > 0 && !l.lastCheckpoint.IsZero() && time.Since(l.lastCheckpoint) >= interval {
		if _, err := l.createCheckpoint(ctx, "interval"); err != nil && !errors.Is(err, checkpoint.ErrPartialRestore) {
			log.Printf("WARNING: interval checkpoint failed: %v", err)
		}
	}
}

func (l *Loop) checkCompletion() {
	if l.State() != StateActive {
		return
	}
	tasks := l.graph.Tasks()
	if len(tasks) == 0 {
		return
	}
	for _, task := range tasks {
		if !task.Status.Terminal() {
			return
		}
	}
	if cur := l.phases.Current(); cur != nil && cur.Status != phase.StatusComplete {
		return
	}
	l.transition(StateCompleted)
}

// createCheckpoint snapshots orchestrator state plus every active worker.
func (l *Loop) createCheckpoint(ctx context.Context, trigger string) (*checkpoint.Checkpoint, error) {
	var scope []string
	for _, task := range l.graph.InProgress() {
		if task.Worker != "" {
			scope = append(scope, task.Worker)
		}
	}

	state := &checkpoint.State{
		Graph:     l.graph.Snapshot(),
		Phases:    l.phases.Snapshot(),
		Decisions: l.decisions.Snapshot(),
	}

	cp, err := l.coordinator.Create(ctx, trigger, scope, state)
	if cp != nil {
		l.lastCheckpoint = time.Now()
	}

	var partial *checkpoint.PartialError
	switch {
	case errors.As(err, &partial):
		log.Printf("WARNING: checkpoint %s created with failed workers: %v", partial.CheckpointID, partial.FailedWorkers)
		l.publish(events.CheckpointPartialEvent{
			CheckpointID: partial.CheckpointID, FailedWorkers: partial.FailedWorkers, Timestamp: time.Now(),
		})
	case err != nil:
		return nil, err
	}

	l.publish(events.CheckpointCreatedEvent{
		CheckpointID: cp.ID, Trigger: trigger, Workers: scope, Timestamp: time.Now(),
	})
	return cp, err
}

// restoreCheckpoint auto-saves current state, halts dispatch and restores
// the named checkpoint. A partial worker restore leaves the workflow in
// Restoring; only a full restore resumes dispatch.
func (l *Loop) restoreCheckpoint(ctx context.Context, id string) error {
	if _, err := l.createCheckpoint(ctx, "auto_save"); err != nil && !errors.Is(err, checkpoint.ErrPartialRestore) {
		return fmt.Errorf("auto-save before restore: %w", err)
	}

	previous := l.State()
	if err := l.transition(StateRestoring); err != nil {
		return err
	}

	cp, err := l.coordinator.Restore(ctx, id)
	if err != nil {
		var partial *checkpoint.PartialError
		if errors.As(err, &partial) {
			// Orchestrator state is restored; the workflow stays in
			// Restoring until the failed workers are resolved.
			l.applyState(cp.State)
			l.publish(events.CheckpointPartialEvent{
				CheckpointID: partial.CheckpointID, FailedWorkers: partial.FailedWorkers, Timestamp: time.Now(),
			})
			return err
		}
		log.Printf("ERROR: restore of checkpoint %q failed: %v", id, err)
		l.transition(previous)
		return err
	}

	l.applyState(cp.State)
	l.publish(events.CheckpointRestoredEvent{CheckpointID: cp.ID, Timestamp: time.Now()})
	l.transition(StateActive)
	return nil
}

func (l *Loop) applyState(state *checkpoint.State) {
	if state == nil {
		return
	}
	if state.Graph != nil {
		l.graph.Restore(state.Graph)
	}
	if state.Phases != nil {
		l.phases.Restore(state.Phases)
	}
	l.decisions.Restore(state.Decisions)
	l.retryAfter = make(map[string]string)
	l.lastActivity = make(map[string]time.Time)
	if l.store != nil {
		for _, task := range l.graph.Tasks() {
			l.persistTask(task.ID)
		}
	}
}

// transition moves the workflow state machine, rejecting transitions absent
// from the table.
func (l *Loop) transition(to State) error {
	l.mu.Lock()
	from := l.state
	if from == to {
		l.mu.Unlock()
		return nil
	}
	allowed := false
	for _, s := range validStateTransitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	l.state = to
	l.mu.Unlock()

	l.publish(events.WorkflowStateEvent{From: from.String(), To: to.String(), Timestamp: time.Now()})
	l.persistWorkflowState()
	return nil
}

func (l *Loop) publish(ev events.Event) {
	l.bus.Publish(ev)
	if l.store != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			payload = nil
		}
		if err := l.store.AppendEvent(context.Background(), ev.EventType(), ev.TaskID(), string(payload)); err != nil {
			log.Printf("WARNING: failed to append event %s to store: %v", ev.EventType(), err)
		}
	}
}

func (l *Loop) persistTask(taskID string) {
	if l.store == nil {
		return
	}
	task, ok := l.graph.Get(taskID)
	if !ok {
		return
	}
	if err := l.store.SaveTask(context.Background(), task); err != nil {
		log.Printf("WARNING: failed to persist task %q: %v", taskID, err)
	}
}

func (l *Loop) persistDecision(d *decision.Decision) {
	if l.store == nil {
		return
	}
	if err := l.store.SaveDecision(context.Background(), d); err != nil {
		log.Printf("WARNING: failed to persist decision %q: %v", d.ID, err)
	}
}

func (l *Loop) persistWorkflowState() {
	if l.store == nil {
		return
	}
	if err := l.store.SaveWorkflowState(context.Background(), l.State().String(), l.phases.Snapshot()); err != nil {
		log.Printf("WARNING: failed to persist workflow state: %v", err)
	}
}
