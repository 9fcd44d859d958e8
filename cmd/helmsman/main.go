// Command helmsman runs the orchestration core: it loads configuration and
// an optional phase plan, seeds the task graph from a workflow file,
// recovers persisted state, and drives the loop until the workflow finishes.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/helmsman-dev/helmsman/internal/config"
	"github.com/helmsman-dev/helmsman/internal/events"
	"github.com/helmsman-dev/helmsman/internal/graph"
	"github.com/helmsman-dev/helmsman/internal/orchestrator"
	"github.com/helmsman-dev/helmsman/internal/persistence"
	"github.com/helmsman-dev/helmsman/internal/phase"
	"github.com/helmsman-dev/helmsman/internal/worker"
)

func main() {
	var (
		workflowPath = flag.String("workflow", "", "YAML workflow file with the tasks to run")
		planPath     = flag.String("plan", "", "YAML phase plan (overrides config)")
		dbPath       = flag.String("db", "", "SQLite database path (overrides config)")
		workerCmd    = flag.String("worker", "", "default worker command, e.g. 'my-agent --stdin'")
		quiet        = flag.Bool("quiet", false, "suppress the event tail on stdout")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *workflowPath, *planPath, *dbPath, *workerCmd, *quiet); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, workflowPath, planPath, dbPath, workerCmd string, quiet bool) error {
	cfg, err := config.LoadDefault()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if planPath != "" {
		cfg.PlanPath = planPath
	}
	if dbPath != "" {
		cfg.DatabasePath = dbPath
	}

	var plan []*phase.Phase
	if cfg.PlanPath != "" {
		loaded, err := phase.LoadPlan(cfg.PlanPath)
		if err != nil {
			return err
		}
		plan = loaded.Phases
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("creating database directory: %w", err)
	}
	store, err := persistence.NewSQLiteStore(ctx, cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer store.Close()

	bus := events.NewBus()
	defer bus.Close()

	// The pool reports into the loop's intake and the provider reads the
	// loop's query surface, so both are bound after the loop exists.
	dispatcher := &lateDispatcher{}
	provider := &lateProvider{}

	loop, err := orchestrator.NewLoop(orchestrator.LoopConfig{
		Config:     cfg,
		Dispatcher: dispatcher,
		Context:    provider,
		Store:      store,
		Bus:        bus,
		Plan:       plan,
	})
	if err != nil {
		return err
	}

	pool := worker.NewPool(workerConfig(workerCmd), loop.Intake())
	dispatcher.d = pool
	provider.p = worker.NewBundleProvider(loop)
	defer func() {
		if err := pool.KillAll(); err != nil {
			log.Printf("WARNING: %v", err)
		}
	}()

	if !quiet {
		tailEvents(bus)
	}

	if err := loop.Recover(ctx); err != nil {
		return fmt.Errorf("recovering previous run: %w", err)
	}
	if workflowPath != "" {
		if err := seedWorkflow(loop, workflowPath); err != nil {
			return err
		}
	}
	if loop.State() == orchestrator.StatePaused {
		// A recovered run resumes once the loop is draining directives.
		go func() {
			if err := loop.Directives().Send(ctx, orchestrator.Directive{Kind: orchestrator.DirectiveResume}); err == nil {
				log.Println("resumed recovered workflow")
			}
		}()
	}

	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	log.Printf("workflow finished: %s", loop.State())
	return nil
}

// workerConfig builds the pool configuration from the -worker flag. Roles
// all share the default command; per-role commands belong in a wrapper
// script that inspects HELMSMAN_TASK_ROLE.
func workerConfig(workerCmd string) worker.Config {
	cfg := worker.Config{}
	if fields := strings.Fields(workerCmd); len(fields) > 0 {
		cfg.Default = worker.Command{Name: fields[0], Args: fields[1:]}
	}
	return cfg
}

// tailEvents prints the full event stream, one line per event.
func tailEvents(bus *events.Bus) {
	sub := bus.SubscribeAll(256)
	go func() {
		for ev := range sub.C() {
			if id := ev.TaskID(); id != "" {
				log.Printf("%-24s %s", ev.EventType(), id)
			} else {
				log.Printf("%-24s", ev.EventType())
			}
		}
	}()
}

type lateDispatcher struct{ d orchestrator.Dispatcher }

func (l *lateDispatcher) Dispatch(ctx context.Context, task *graph.Task, bundle orchestrator.ContextBundle) error {
	return l.d.Dispatch(ctx, task, bundle)
}

type lateProvider struct{ p orchestrator.ContextProvider }

func (l *lateProvider) BuildContext(ctx context.Context, task *graph.Task) (orchestrator.ContextBundle, error) {
	return l.p.BuildContext(ctx, task)
}
