package worker

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/helmsman-dev/helmsman/internal/graph"
	"github.com/helmsman-dev/helmsman/internal/orchestrator"
)

func collect(t *testing.T, events <-chan orchestrator.WorkerEvent, want orchestrator.WorkerEventKind) orchestrator.WorkerEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %v event within deadline", want)
		}
	}
}

func TestDispatchReportsCompletion(t *testing.T) {
	events := make(chan orchestrator.WorkerEvent, 16)
	pool := NewPool(Config{
		Default: Command{Name: "sh", Args: []string{"-c", "echo step one; echo all done"}},
	}, events)

	task := &graph.Task{ID: "t1", Role: "builder", Worker: "w1"}
	if err := pool.Dispatch(context.Background(), task, orchestrator.ContextBundle{Task: task}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	progress := collect(t, events, orchestrator.WorkerProgress)
	if progress.Note != "step one" {
		t.Errorf("progress note = %q, want first stdout line", progress.Note)
	}

	done := collect(t, events, orchestrator.WorkerCompleted)
	if done.TaskID != "t1" || !strings.HasSuffix(done.Result, "all done") {
		t.Errorf("completion = %+v, want t1 with stdout tail result", done)
	}
}

func TestDispatchReportsFailureWithStderr(t *testing.T) {
	events := make(chan orchestrator.WorkerEvent, 16)
	pool := NewPool(Config{
		Default: Command{Name: "sh", Args: []string{"-c", "echo partial output; echo broken pipe >&2; exit 3"}},
	}, events)

	task := &graph.Task{ID: "t2", Role: "builder", Worker: "w1"}
	if err := pool.Dispatch(context.Background(), task, orchestrator.ContextBundle{Task: task}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	failed := collect(t, events, orchestrator.WorkerFailed)
	if !strings.Contains(failed.Err, "exit status 3") || !strings.Contains(failed.Err, "broken pipe") {
		t.Errorf("failure reason = %q, want exit status and stderr", failed.Err)
	}
	if !strings.Contains(failed.Output, "partial output") {
		t.Errorf("failure output = %q, want stdout tail", failed.Output)
	}
}

func TestDispatchRejectsUnknownRole(t *testing.T) {
	events := make(chan orchestrator.WorkerEvent, 1)
	pool := NewPool(Config{
		Commands: map[string]Command{"builder": {Name: "true"}},
	}, events)

	task := &graph.Task{ID: "t3", Role: "mystery"}
	if err := pool.Dispatch(context.Background(), task, orchestrator.ContextBundle{Task: task}); err == nil {
		t.Fatal("Dispatch accepted a role with no command and no default")
	}
}

func TestKillAllTerminatesWorkers(t *testing.T) {
	events := make(chan orchestrator.WorkerEvent, 16)
	pool := NewPool(Config{
		Default: Command{Name: "sleep", Args: []string{"60"}},
	}, events)

	task := &graph.Task{ID: "t4", Role: "builder", Worker: "w1"}
	if err := pool.Dispatch(context.Background(), task, orchestrator.ContextBundle{Task: task}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if pool.Active() != 1 {
		t.Fatalf("active = %d, want 1", pool.Active())
	}

	if err := pool.KillAll(); err != nil {
		t.Fatalf("KillAll: %v", err)
	}

	failed := collect(t, events, orchestrator.WorkerFailed)
	if failed.TaskID != "t4" {
		t.Errorf("failure for task %q, want t4", failed.TaskID)
	}
	if pool.Active() != 0 {
		t.Errorf("active = %d after KillAll, want 0", pool.Active())
	}
}

func TestTailKeepsOnlyRecentOutput(t *testing.T) {
	var tl tail
	tl.max = 16
	tl.writeLine("aaaaaaaaaa")
	tl.writeLine("bbbbbbbbbb")
	got := tl.String()
	if len(got) > 16 {
		t.Fatalf("tail length = %d, want <= 16", len(got))
	}
	if !strings.HasSuffix(got, "bbbbbbbbbb") {
		t.Errorf("tail = %q, want most recent line kept", got)
	}
}
