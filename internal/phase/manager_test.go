package phase

import (
	"reflect"
	"testing"

	"github.com/helmsman-dev/helmsman/internal/graph"
)

func buildGraph(t *testing.T, ids ...string) *graph.Graph {
	t.Helper()
	g := graph.New()
	for _, id := range ids {
		if err := g.AddTask(&graph.Task{ID: id}); err != nil {
			t.Fatalf("AddTask(%s): %v", id, err)
		}
	}
	return g
}

func complete(t *testing.T, g *graph.Graph, id, result string) {
	t.Helper()
	if err := g.Start(id, "w"); err != nil {
		t.Fatalf("Start(%s): %v", id, err)
	}
	if err := g.CompleteTask(id, result); err != nil {
		t.Fatalf("CompleteTask(%s): %v", id, err)
	}
}

func kinds(ts []Transition) []TransitionKind {
	out := []TransitionKind{}
	for _, tr := range ts {
		out = append(out, tr.Kind)
	}
	return out
}

func TestEvaluateActivatesFirstPhase(t *testing.T) {
	g := buildGraph(t, "a")
	m, err := NewManager([]*Phase{{ID: "build", Tasks: []string{"a"}}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	trs := m.Evaluate(g)
	if !reflect.DeepEqual(kinds(trs), []TransitionKind{TransitionStarted}) {
		t.Fatalf("transitions = %+v, want started", trs)
	}
	if m.Current().Status != StatusActive {
		t.Errorf("status = %s, want active", m.Current().Status)
	}
}

func TestPhaseOrderWithPreconditions(t *testing.T) {
	g := buildGraph(t, "a", "b")
	m, err := NewManager([]*Phase{
		{ID: "design", Tasks: []string{"a"}},
		{
			ID:            "build",
			Tasks:         []string{"b"},
			Preconditions: []Precondition{{RequiresPhase: "design"}, {RequiresTask: "a"}},
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	m.Evaluate(g) // design active

	// build may not dispatch yet.
	if got := m.Dispatchable([]string{"a", "b"}, g); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("Dispatchable = %v, want [a]", got)
	}

	complete(t, g, "a", "ok")
	trs := m.Evaluate(g)
	want := []TransitionKind{TransitionCompleted, TransitionStarted}
	if !reflect.DeepEqual(kinds(trs), want) {
		t.Fatalf("transitions = %+v, want completed then started", trs)
	}
	if cur := m.Current(); cur.ID != "build" || cur.Status != StatusActive {
		t.Errorf("current = %s/%s, want build/active", cur.ID, cur.Status)
	}
}

func TestRequiredCriterionBlocksAdvisoryWarns(t *testing.T) {
	g := buildGraph(t, "a")
	m, err := NewManager([]*Phase{{
		ID:    "build",
		Tasks: []string{"a"},
		Criteria: []Criterion{
			{ID: "review", Method: MethodManual, Required: true},
			{ID: "style", Method: MethodManual, Required: false},
		},
	}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	m.Evaluate(g)
	complete(t, g, "a", "ok")

	trs := m.Evaluate(g)
	if len(trs) != 1 || trs[0].Kind != TransitionBlocked {
		t.Fatalf("transitions = %+v, want blocked", trs)
	}
	if !reflect.DeepEqual(trs[0].Unmet, []string{"review"}) {
		t.Errorf("Unmet = %v, want [review]", trs[0].Unmet)
	}
	if !reflect.DeepEqual(trs[0].Warn, []string{"style"}) {
		t.Errorf("Warn = %v, want [style]", trs[0].Warn)
	}

	// Approval unblocks; the advisory criterion only warns.
	if err := m.Approve("build", "review"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	trs = m.Evaluate(g)
	if len(trs) != 1 || trs[0].Kind != TransitionCompleted {
		t.Fatalf("transitions = %+v, want completed", trs)
	}
}

func TestWaiveRequiredCriterion(t *testing.T) {
	g := buildGraph(t, "a")
	m, _ := NewManager([]*Phase{{
		ID:       "build",
		Tasks:    []string{"a"},
		Criteria: []Criterion{{ID: "review", Method: MethodManual, Required: true}},
	}})

	m.Evaluate(g)
	complete(t, g, "a", "ok")
	m.Evaluate(g) // blocked

	if err := m.Waive("build", "review"); err != nil {
		t.Fatalf("Waive: %v", err)
	}
	trs := m.Evaluate(g)
	if len(trs) != 1 || trs[0].Kind != TransitionCompleted {
		t.Fatalf("transitions = %+v, want completed after waiver", trs)
	}
}

func TestArtifactAndDelegatedCriteria(t *testing.T) {
	g := buildGraph(t, "impl", "review-task")
	m, _ := NewManager([]*Phase{{
		ID:    "build",
		Tasks: []string{"impl", "review-task"},
		Criteria: []Criterion{
			{ID: "artifact", Method: MethodArtifact, Required: true, TargetTask: "impl", Contains: "PASS"},
			{ID: "delegated", Method: MethodDelegated, Required: true, TargetTask: "review-task"},
		},
	}})

	m.Evaluate(g)
	complete(t, g, "impl", "result: FAIL")
	complete(t, g, "review-task", "looks good")

	trs := m.Evaluate(g)
	if len(trs) != 1 || trs[0].Kind != TransitionBlocked {
		t.Fatalf("transitions = %+v, want blocked on artifact assertion", trs)
	}
	if !reflect.DeepEqual(trs[0].Unmet, []string{"artifact"}) {
		t.Errorf("Unmet = %v, want [artifact]", trs[0].Unmet)
	}
}

func TestParallelGroupGating(t *testing.T) {
	g := buildGraph(t, "a1", "a2", "b1", "c1")
	m, err := NewManager([]*Phase{{
		ID:    "build",
		Tasks: []string{"a1", "a2", "b1", "c1"},
		Groups: []Group{
			{ID: "ga", Tasks: []string{"a1", "a2"}},
			{ID: "gb", Tasks: []string{"b1"}, DependsOn: []string{"ga"}},
			{ID: "gc", Tasks: []string{"c1"}},
		},
	}})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.Evaluate(g)

	all := []string{"a1", "a2", "b1", "c1"}

	// gb held back until ga fully terminal; gc is independent.
	want := []string{"a1", "a2", "c1"}
	if got := m.Dispatchable(all, g); !reflect.DeepEqual(got, want) {
		t.Errorf("Dispatchable = %v, want %v", got, want)
	}

	complete(t, g, "a1", "ok")
	if got := m.Dispatchable(all, g); !reflect.DeepEqual(got, want) {
		t.Errorf("Dispatchable with ga half done = %v, want %v", got, want)
	}

	complete(t, g, "a2", "ok")
	want = []string{"a1", "a2", "b1", "c1"}
	if got := m.Dispatchable(all, g); !reflect.DeepEqual(got, want) {
		t.Errorf("Dispatchable after ga = %v, want %v", got, want)
	}
}

func TestProgress(t *testing.T) {
	g := buildGraph(t, "a", "b", "c")
	m, _ := NewManager([]*Phase{{ID: "build", Tasks: []string{"a", "b", "c"}}})
	m.Evaluate(g)

	complete(t, g, "a", "ok")
	g.Start("b", "w")

	prog := m.Progress(g)
	if len(prog) != 1 {
		t.Fatalf("Progress() = %d phases, want 1", len(prog))
	}
	p := prog[0]
	if p.Total != 3 || p.Completed != 1 || p.InProgress != 1 || p.Pending != 1 {
		t.Errorf("Progress = %+v", p)
	}
}

func TestSnapshotRestore(t *testing.T) {
	g := buildGraph(t, "a", "b")
	m, _ := NewManager([]*Phase{
		{ID: "one", Tasks: []string{"a"}},
		{ID: "two", Tasks: []string{"b"}},
	})
	m.Evaluate(g)
	complete(t, g, "a", "ok")
	m.Evaluate(g) // one complete, two active

	snap := m.Snapshot()

	m.Waive("two", "nope") // no-op, error ignored
	m2, _ := NewManager([]*Phase{{ID: "placeholder", Tasks: nil}})
	m2.Restore(snap)

	if cur := m2.Current(); cur.ID != "two" || cur.Status != StatusActive {
		t.Errorf("restored current = %s/%s, want two/active", cur.ID, cur.Status)
	}
	if !reflect.DeepEqual(m2.Snapshot(), snap) {
		t.Error("snapshot of restored manager differs")
	}
}

func TestParsePlan(t *testing.T) {
	data := []byte(`
phases:
  - id: design
    name: Design
    tasks: [spec]
    criteria:
      - id: design-review
        method: manual
        required: true
  - id: build
    tasks: [impl, tests]
    preconditions:
      - requires_phase: design
    groups:
      - id: impl-group
        tasks: [impl]
      - id: test-group
        tasks: [tests]
        depends_on: [impl-group]
    criteria:
      - id: tests-pass
        method: artifact
        required: true
        target_task: tests
        contains: PASS
`)

	plan, err := ParsePlan(data)
	if err != nil {
		t.Fatalf("ParsePlan: %v", err)
	}
	if len(plan.Phases) != 2 {
		t.Fatalf("phases = %d, want 2", len(plan.Phases))
	}
	if plan.Phases[1].Groups[1].DependsOn[0] != "impl-group" {
		t.Errorf("group dependency not parsed: %+v", plan.Phases[1].Groups)
	}
	if _, err := NewManager(plan.Phases); err != nil {
		t.Fatalf("NewManager on parsed plan: %v", err)
	}
}

func TestParsePlanErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"empty", "   "},
		{"bad yaml", "phases: ["},
		{"artifact missing assertion", `
phases:
  - id: p
    tasks: [a]
    criteria:
      - id: c
        method: artifact
        required: true
`},
		{"unknown method", `
phases:
  - id: p
    tasks: [a]
    criteria:
      - id: c
        method: telepathy
`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePlan([]byte(tt.data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}
