package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/helmsman-dev/helmsman/internal/checkpoint"
	"github.com/helmsman-dev/helmsman/internal/config"
	"github.com/helmsman-dev/helmsman/internal/decision"
	"github.com/helmsman-dev/helmsman/internal/events"
	"github.com/helmsman-dev/helmsman/internal/graph"
	"github.com/helmsman-dev/helmsman/internal/persistence"
	"github.com/helmsman-dev/helmsman/internal/phase"
)

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched []string
	fail       map[string]error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, task *graph.Task, _ ContextBundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, task.ID)
	if f.fail != nil {
		return f.fail[task.ID]
	}
	return nil
}

type fakeContextProvider struct{}

func (fakeContextProvider) BuildContext(_ context.Context, task *graph.Task) (ContextBundle, error) {
	return ContextBundle{Task: task}, nil
}

// fakeWorkers checkpoints successfully but fails restores for the listed
// workers.
type fakeWorkers struct {
	failRestore map[string]bool
}

func (f *fakeWorkers) RequestCheckpoint(_ context.Context, workerID string) (string, error) {
	return "token-" + workerID, nil
}

func (f *fakeWorkers) Restore(_ context.Context, workerID, _ string) error {
	if f.failRestore[workerID] {
		return errors.New("worker unreachable")
	}
	return nil
}

type loopOptions struct {
	cfg     func(*config.Config)
	plan    []*phase.Phase
	workers checkpoint.WorkerCheckpointer
	store   persistence.Store
}

func newTestLoop(t *testing.T, opts loopOptions) (*Loop, *fakeDispatcher) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Checkpoints.OnPhaseComplete = false
	if opts.cfg != nil {
		opts.cfg(cfg)
	}

	disp := &fakeDispatcher{}
	l, err := NewLoop(LoopConfig{
		Config:     cfg,
		Dispatcher: disp,
		Context:    fakeContextProvider{},
		Workers:    opts.workers,
		Store:      opts.store,
		Plan:       opts.plan,
	})
	if err != nil {
		t.Fatalf("NewLoop: %v", err)
	}
	if err := l.transition(StateActive); err != nil {
		t.Fatalf("activating loop: %v", err)
	}
	return l, disp
}

func newTask(id string, priority int) *graph.Task {
	return &graph.Task{ID: id, Title: "task " + id, Role: "builder", Priority: priority}
}

func inProgressIDs(l *Loop) map[string]bool {
	out := make(map[string]bool)
	for _, task := range l.graph.InProgress() {
		out[task.ID] = true
	}
	return out
}

func TestDispatchRespectsGlobalCeiling(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{cfg: func(c *config.Config) {
		c.Dispatch.MaxConcurrent = 2
		c.Roles = map[string]config.RoleConfig{}
	}})

	for _, id := range []string{"low", "mid", "high"} {
		pri := map[string]int{"low": 1, "mid": 5, "high": 9}[id]
		if err := l.AddTask(newTask(id, pri)); err != nil {
			t.Fatalf("AddTask(%s): %v", id, err)
		}
	}

	l.cycle(context.Background())

	got := inProgressIDs(l)
	if len(got) != 2 {
		t.Fatalf("in progress = %v, want 2 tasks", got)
	}
	if !got["high"] || !got["mid"] {
		t.Errorf("dispatched %v, want the two highest-priority tasks", got)
	}
}

func TestDispatchRespectsRoleCeiling(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{cfg: func(c *config.Config) {
		c.Dispatch.MaxConcurrent = 4
		c.Roles = map[string]config.RoleConfig{"builder": {MaxConcurrent: 1}}
	}})

	if err := l.AddTask(newTask("b1", 5)); err != nil {
		t.Fatal(err)
	}
	if err := l.AddTask(newTask("b2", 4)); err != nil {
		t.Fatal(err)
	}
	tester := &graph.Task{ID: "t1", Title: "test", Role: "tester", Priority: 1}
	if err := l.AddTask(tester); err != nil {
		t.Fatal(err)
	}

	l.cycle(context.Background())

	got := inProgressIDs(l)
	if !got["b1"] || got["b2"] {
		t.Errorf("builder dispatches = %v, want b1 only (ceiling 1)", got)
	}
	if !got["t1"] {
		t.Errorf("tester task not dispatched: %v", got)
	}
}

func TestPauseHaltsDispatchResumeRestarts(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{})
	if err := l.AddTask(newTask("a", 1)); err != nil {
		t.Fatal(err)
	}

	l.applyDirective(context.Background(), Directive{Kind: DirectivePause})
	if l.State() != StatePaused {
		t.Fatalf("state = %v, want paused", l.State())
	}
	l.cycle(context.Background())
	if len(l.graph.InProgress()) != 0 {
		t.Fatal("paused loop dispatched a task")
	}

	l.applyDirective(context.Background(), Directive{Kind: DirectiveResume})
	l.cycle(context.Background())
	if len(l.graph.InProgress()) != 1 {
		t.Fatal("resumed loop did not dispatch")
	}
}

func TestCompletionReportFinishesWorkflow(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{})
	if err := l.AddTask(newTask("only", 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.graph.Start("only", "w1"); err != nil {
		t.Fatal(err)
	}

	l.pendingEvents = append(l.pendingEvents, WorkerEvent{
		Kind: WorkerCompleted, TaskID: "only", Worker: "w1", Result: "done",
	})
	l.cycle(context.Background())

	task, _ := l.graph.Get("only")
	if task.Status != graph.StatusCompleted || task.Result != "done" {
		t.Fatalf("task = %v %q, want completed with result", task.Status, task.Result)
	}
	if l.State() != StateCompleted {
		t.Errorf("state = %v, want completed", l.State())
	}
}

func TestReviewGateHoldsCompletionUntilApproval(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{})
	task := newTask("gated", 1)
	task.ReviewRequired = true
	if err := l.AddTask(task); err != nil {
		t.Fatal(err)
	}
	if err := l.graph.Start("gated", "w1"); err != nil {
		t.Fatal(err)
	}

	l.pendingEvents = append(l.pendingEvents, WorkerEvent{
		Kind: WorkerCompleted, TaskID: "gated", Result: "patch ready",
	})
	l.cycle(context.Background())

	got, _ := l.graph.Get("gated")
	if got.Status != graph.StatusNeedsReview {
		t.Fatalf("status = %v, want needs_review", got.Status)
	}
	if l.State() == StateCompleted {
		t.Fatal("workflow completed past an unapproved review gate")
	}

	l.applyDirective(context.Background(), Directive{Kind: DirectiveApproveTask, TaskID: "gated"})
	got, _ = l.graph.Get("gated")
	if got.Status != graph.StatusCompleted || got.Result != "patch ready" {
		t.Fatalf("after approval: %v %q, want completed with original result", got.Status, got.Result)
	}
}

func TestFailureSpawnsCorrectiveAndRetries(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{})
	if err := l.AddTask(newTask("impl", 3)); err != nil {
		t.Fatal(err)
	}
	if err := l.graph.Start("impl", "w1"); err != nil {
		t.Fatal(err)
	}

	l.pendingEvents = append(l.pendingEvents, WorkerEvent{
		Kind: WorkerFailed, TaskID: "impl",
		Err: "assertion failed: expected 5, got 3",
	})
	l.cycle(context.Background())

	failed, _ := l.graph.Get("impl")
	if failed.Status != graph.StatusFailed {
		t.Fatalf("status = %v, want failed", failed.Status)
	}

	var corrective *graph.Task
	for _, task := range l.graph.Tasks() {
		if strings.HasPrefix(task.ID, "fix-") {
			corrective = task
		}
	}
	if corrective == nil {
		t.Fatal("no corrective task created for an assertion failure")
	}
	if l.retryAfter[corrective.ID] != "impl" {
		t.Fatalf("retryAfter[%s] = %q, want impl", corrective.ID, l.retryAfter[corrective.ID])
	}

	// The cycle's dispatch step already started the corrective; finishing
	// it sends the original back to pending.
	if corrective.Status != graph.StatusInProgress {
		t.Fatalf("corrective status = %v, want in_progress after dispatch", corrective.Status)
	}
	l.completeTask(corrective.ID, "root cause fixed")

	retried, _ := l.graph.Get("impl")
	if retried.Status != graph.StatusPending {
		t.Errorf("original status = %v, want pending after corrective completion", retried.Status)
	}
}

func TestTimeoutFailureEscalates(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{})
	sub := l.Bus().Subscribe(events.EventTypeFailureEscalated, 4)
	defer l.Bus().Unsubscribe(sub)

	if err := l.AddTask(newTask("slow", 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.graph.Start("slow", "w1"); err != nil {
		t.Fatal(err)
	}

	l.pendingEvents = append(l.pendingEvents, WorkerEvent{
		Kind: WorkerFailed, TaskID: "slow", TimedOut: true,
	})
	l.cycle(context.Background())

	if l.graph.Len() != 1 {
		t.Errorf("graph has %d tasks, want 1 (timeouts never get automatic fixes)", l.graph.Len())
	}
	select {
	case ev := <-sub.C():
		esc := ev.(events.FailureEscalatedEvent)
		if esc.ID != "slow" || esc.Class != "timeout_error" {
			t.Errorf("escalation = %+v, want slow/timeout_error", esc)
		}
	default:
		t.Error("no escalation event published")
	}
}

func TestStuckTaskFailsAfterThreshold(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{cfg: func(c *config.Config) {
		c.Dispatch.StuckAfterSeconds = 1
	}})
	if err := l.AddTask(newTask("wedged", 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.graph.Start("wedged", "w1"); err != nil {
		t.Fatal(err)
	}
	delete(l.lastActivity, "wedged")

	l.scanStuck()
	if task, _ := l.graph.Get("wedged"); task.Status != graph.StatusInProgress {
		t.Fatalf("task failed before the stuck threshold elapsed")
	}

	time.Sleep(1100 * time.Millisecond)
	l.scanStuck()

	task, _ := l.graph.Get("wedged")
	if task.Status != graph.StatusFailed {
		t.Fatalf("status = %v, want failed after stuck threshold", task.Status)
	}
}

func TestProgressSignalResetsStuckClock(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{cfg: func(c *config.Config) {
		c.Dispatch.StuckAfterSeconds = 600
	}})
	if err := l.AddTask(newTask("busy", 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.graph.Start("busy", "w1"); err != nil {
		t.Fatal(err)
	}

	l.applyWorkerEvent(WorkerEvent{Kind: WorkerProgress, TaskID: "busy", Note: "still compiling"})
	if l.lastActivity["busy"].IsZero() {
		t.Fatal("progress signal did not record activity")
	}

	l.scanStuck()
	if task, _ := l.graph.Get("busy"); task.Status != graph.StatusInProgress {
		t.Fatal("task with recent activity was failed as stuck")
	}
}

func TestCheckpointRestoreRewindsState(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{})
	if err := l.AddTask(newTask("a", 2)); err != nil {
		t.Fatal(err)
	}
	if err := l.AddTask(newTask("b", 1)); err != nil {
		t.Fatal(err)
	}

	cp, err := l.createCheckpoint(context.Background(), "manual")
	if err != nil {
		t.Fatalf("createCheckpoint: %v", err)
	}

	if err := l.graph.Start("a", "w1"); err != nil {
		t.Fatal(err)
	}
	l.completeTask("a", "done before rewind")

	if err := l.restoreCheckpoint(context.Background(), cp.ID); err != nil {
		t.Fatalf("restoreCheckpoint: %v", err)
	}

	task, _ := l.graph.Get("a")
	if task.Status != graph.StatusPending {
		t.Errorf("status = %v, want pending after rewind", task.Status)
	}
	if l.State() != StateActive {
		t.Errorf("state = %v, want active after full restore", l.State())
	}

	// Rewind auto-saves first, so both checkpoints are indexed.
	entries := l.Checkpoints()
	triggers := make(map[string]bool, len(entries))
	for _, e := range entries {
		triggers[e.Trigger] = true
	}
	if !triggers["manual"] || !triggers["auto_save"] {
		t.Errorf("checkpoint triggers = %v, want manual and auto_save", triggers)
	}
}

func TestPartialRestoreKeepsWorkflowRestoring(t *testing.T) {
	workers := &fakeWorkers{failRestore: map[string]bool{"w1": true}}
	l, _ := newTestLoop(t, loopOptions{workers: workers})

	if err := l.AddTask(newTask("a", 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.AddTask(newTask("other", 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.graph.Start("a", "w1"); err != nil {
		t.Fatal(err)
	}

	cp, err := l.createCheckpoint(context.Background(), "manual")
	if err != nil {
		t.Fatalf("createCheckpoint: %v", err)
	}

	err = l.restoreCheckpoint(context.Background(), cp.ID)
	if !errors.Is(err, checkpoint.ErrPartialRestore) {
		t.Fatalf("restore error = %v, want partial restore", err)
	}
	if l.State() != StateRestoring {
		t.Fatalf("state = %v, want restoring after partial restore", l.State())
	}

	// A partially restored workflow must not dispatch.
	l.cycle(context.Background())
	if got := inProgressIDs(l); got["other"] {
		t.Error("dispatched a task while partially restored")
	}
}

func TestSuggestionLifecycle(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{})

	approved := l.SuggestTask(&graph.Task{Title: "add cache layer", Role: "builder"}, "w1")
	rejected := l.SuggestTask(&graph.Task{Title: "rewrite everything", Role: "builder"}, "w1")
	if len(l.Suggestions()) != 2 {
		t.Fatalf("suggestions = %d, want 2", len(l.Suggestions()))
	}

	l.applyDirective(context.Background(), Directive{Kind: DirectiveApproveSuggestion, TaskID: approved})
	l.applyDirective(context.Background(), Directive{Kind: DirectiveRejectSuggestion, TaskID: rejected})

	if len(l.Suggestions()) != 0 {
		t.Errorf("suggestions not drained: %d left", len(l.Suggestions()))
	}
	if _, ok := l.graph.Get(approved); !ok {
		t.Error("approved suggestion missing from graph")
	}
	if _, ok := l.graph.Get(rejected); ok {
		t.Error("rejected suggestion entered the graph")
	}
}

func TestPriorityDirectiveCascadesToBlockers(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{})
	if err := l.AddTask(newTask("dep", 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.AddTask(newTask("main", 2)); err != nil {
		t.Fatal(err)
	}
	if err := l.AddDependency("main", "dep"); err != nil {
		t.Fatal(err)
	}

	l.applyDirective(context.Background(), Directive{
		Kind: DirectivePriority, TaskID: "main", Priority: 50, Cascade: true,
	})

	main, _ := l.graph.Get("main")
	dep, _ := l.graph.Get("dep")
	if main.Priority != 50 {
		t.Errorf("main priority = %d, want 50", main.Priority)
	}
	if dep.Priority < 50 {
		t.Errorf("blocker priority = %d, want >= 50 after cascade", dep.Priority)
	}
	if len(l.Decisions()) == 0 {
		t.Error("priority override recorded no decision")
	}
}

func TestCancelWorkflowTerminatesEverything(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{})
	if err := l.AddTask(newTask("a", 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.AddTask(newTask("b", 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.graph.Start("a", "w1"); err != nil {
		t.Fatal(err)
	}

	l.applyDirective(context.Background(), Directive{Kind: DirectiveCancelWorkflow, Note: "operator abort"})

	if l.State() != StateCancelled {
		t.Fatalf("state = %v, want cancelled", l.State())
	}
	for _, task := range l.graph.Tasks() {
		if !task.Status.Terminal() {
			t.Errorf("task %s left non-terminal: %v", task.ID, task.Status)
		}
	}
}

func TestPhaseGatingHoldsLaterPhaseTasks(t *testing.T) {
	plan := []*phase.Phase{
		{ID: "build", Tasks: []string{"a"}},
		{ID: "verify", Tasks: []string{"b"}},
	}
	l, _ := newTestLoop(t, loopOptions{plan: plan})
	if err := l.AddTask(newTask("a", 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.AddTask(newTask("b", 9)); err != nil {
		t.Fatal(err)
	}

	// First cycle activates the build phase; the second dispatches within it.
	l.cycle(context.Background())
	l.cycle(context.Background())

	got := inProgressIDs(l)
	if !got["a"] || got["b"] {
		t.Fatalf("dispatched %v, want only the active phase's task despite b's priority", got)
	}

	l.completeTask("a", "built")
	l.cycle(context.Background())
	l.cycle(context.Background())

	if got := inProgressIDs(l); !got["b"] {
		t.Errorf("next phase task not dispatched after phase completion: %v", got)
	}
}

func TestRiskyTaskCheckpointsBeforeDispatch(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{})
	task := newTask("dangerous", 1)
	task.Risky = true
	if err := l.AddTask(task); err != nil {
		t.Fatal(err)
	}

	l.cycle(context.Background())

	entries := l.Checkpoints()
	if len(entries) != 1 || entries[0].Trigger != "risky_task" {
		t.Fatalf("checkpoints = %+v, want one risky_task checkpoint", entries)
	}
	if !inProgressIDs(l)["dangerous"] {
		t.Error("risky task not dispatched after its checkpoint")
	}
}

func TestInvalidStateTransitionRejected(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{})
	if err := l.AddTask(newTask("only", 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.graph.Start("only", "w1"); err != nil {
		t.Fatal(err)
	}
	l.completeTask("only", "done")
	l.checkCompletion()
	if l.State() != StateCompleted {
		t.Fatalf("state = %v, want completed", l.State())
	}

	if err := l.transition(StateActive); !errors.Is(err, ErrInvalidState) {
		t.Errorf("transition out of completed = %v, want ErrInvalidState", err)
	}
}

func TestRecoverResumesPaused(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	l, _ := newTestLoop(t, loopOptions{store: store})
	if err := l.AddTask(newTask("a", 3)); err != nil {
		t.Fatal(err)
	}
	if err := l.AddTask(newTask("b", 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.AddDependency("b", "a"); err != nil {
		t.Fatal(err)
	}
	if err := l.graph.Start("a", "w1"); err != nil {
		t.Fatal(err)
	}
	l.completeTask("a", "done")

	recovered, _ := newTestLoop(t, loopOptions{store: store})
	if err := recovered.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if recovered.graph.Len() != 2 {
		t.Fatalf("recovered %d tasks, want 2", recovered.graph.Len())
	}
	a, _ := recovered.graph.Get("a")
	if a.Status != graph.StatusCompleted {
		t.Errorf("recovered a = %v, want completed", a.Status)
	}
	ready := recovered.graph.Ready()
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Errorf("recovered ready = %v, want [b]", ready)
	}
	// An interrupted active workflow comes back paused: its workers are gone.
	if recovered.State() != StatePaused {
		t.Errorf("recovered state = %v, want paused", recovered.State())
	}
}

func TestRemoveCascadePersistsCancelledDependents(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	l, _ := newTestLoop(t, loopOptions{store: store})
	sub := l.Bus().Subscribe(events.EventTypeTaskCancelled, 4)
	defer l.Bus().Unsubscribe(sub)

	if err := l.AddTask(newTask("base", 3)); err != nil {
		t.Fatal(err)
	}
	if err := l.AddTask(newTask("dependent", 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.AddDependency("dependent", "base"); err != nil {
		t.Fatal(err)
	}

	if err := l.RemoveTask("base", graph.RemoveCascadeCancel); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}

	select {
	case ev := <-sub.C():
		if cancelled := ev.(events.TaskCancelledEvent); cancelled.ID != "dependent" {
			t.Errorf("cancelled event for %q, want dependent", cancelled.ID)
		}
	default:
		t.Error("no cancellation event for the cascaded dependent")
	}

	// A restart must see the cascade, not a resurrected pending task.
	recovered, _ := newTestLoop(t, loopOptions{store: store})
	if err := recovered.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if recovered.graph.Len() != 1 {
		t.Fatalf("recovered %d tasks, want 1", recovered.graph.Len())
	}
	dep, _ := recovered.graph.Get("dependent")
	if dep.Status != graph.StatusCancelled {
		t.Errorf("recovered dependent = %v, want cancelled", dep.Status)
	}
	if ready := recovered.graph.Ready(); len(ready) != 0 {
		t.Errorf("recovered ready = %v, want none", ready)
	}
}

func TestRemoveReparentPersistsNewEdges(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	l, _ := newTestLoop(t, loopOptions{store: store})
	for _, id := range []string{"root", "middle", "leaf"} {
		if err := l.AddTask(newTask(id, 1)); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.AddDependency("middle", "root"); err != nil {
		t.Fatal(err)
	}
	if err := l.AddDependency("leaf", "middle"); err != nil {
		t.Fatal(err)
	}

	if err := l.RemoveTask("middle", graph.RemoveReparent); err != nil {
		t.Fatalf("RemoveTask: %v", err)
	}

	recovered, _ := newTestLoop(t, loopOptions{store: store})
	if err := recovered.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	leaf, _ := recovered.graph.Get("leaf")
	if len(leaf.DependsOn) != 1 || leaf.DependsOn[0] != "root" {
		t.Errorf("recovered leaf.DependsOn = %v, want [root]", leaf.DependsOn)
	}
}

func TestInProgressAndNeedsReviewSurfaces(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{})
	gated := newTask("gated", 2)
	gated.ReviewRequired = true
	if err := l.AddTask(gated); err != nil {
		t.Fatal(err)
	}
	if err := l.AddTask(newTask("busy", 1)); err != nil {
		t.Fatal(err)
	}
	if err := l.graph.Start("busy", "w1"); err != nil {
		t.Fatal(err)
	}
	if err := l.graph.Start("gated", "w2"); err != nil {
		t.Fatal(err)
	}

	l.pendingEvents = append(l.pendingEvents, WorkerEvent{
		Kind: WorkerCompleted, TaskID: "gated", Result: "patch ready",
	})
	l.cycle(context.Background())

	if got := l.InProgress(); len(got) != 1 || got[0].ID != "busy" {
		t.Errorf("InProgress() = %v, want [busy]", got)
	}
	if got := l.NeedsReview(); len(got) != 1 || got[0].ID != "gated" {
		t.Errorf("NeedsReview() = %v, want [gated]", got)
	}
}

func TestRecordDecisionPublishesAndPersists(t *testing.T) {
	store, err := persistence.NewMemoryStore(context.Background())
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	l, _ := newTestLoop(t, loopOptions{store: store})
	sub := l.Bus().Subscribe(events.EventTypeDecisionRecorded, 4)
	defer l.Bus().Unsubscribe(sub)

	d := l.RecordDecision(&decision.Decision{
		Question:   "split the migration?",
		Choice:     "yes",
		Rationale:  "rollback stays cheap",
		Reversible: true,
	})
	if d.ID == "" {
		t.Fatal("recorded decision has no ID")
	}

	select {
	case ev := <-sub.C():
		if rec := ev.(events.DecisionRecordedEvent); rec.DecisionID != d.ID {
			t.Errorf("event decision = %q, want %q", rec.DecisionID, d.ID)
		}
	default:
		t.Error("no decision event published")
	}

	persisted, err := store.ListDecisions(context.Background())
	if err != nil {
		t.Fatalf("ListDecisions: %v", err)
	}
	if len(persisted) != 1 || persisted[0].ID != d.ID {
		t.Errorf("persisted decisions = %v, want the recorded one", persisted)
	}
}

func TestRunCompletesWorkflow(t *testing.T) {
	l, _ := newTestLoop(t, loopOptions{cfg: func(c *config.Config) {
		c.Dispatch.TickSeconds = 1
	}})
	if err := l.AddTask(newTask("job", 1)); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	// Wait until the loop dispatches, then report completion like a worker.
	deadline := time.After(3 * time.Second)
	for {
		if len(l.graph.InProgress()) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("loop never dispatched the task")
		case <-time.After(10 * time.Millisecond):
		}
	}
	l.Intake() <- WorkerEvent{Kind: WorkerCompleted, TaskID: "job", Result: "ok"}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v, want nil on completion", err)
		}
	case <-time.After(4 * time.Second):
		t.Fatal("Run did not return after workflow completion")
	}
	if l.State() != StateCompleted {
		t.Errorf("state = %v, want completed", l.State())
	}
}
