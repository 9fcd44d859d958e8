// Package worker runs tasks as subprocesses and reports outcomes into the
// orchestration loop's intake queue. It is the reference Dispatcher; anything
// satisfying the orchestrator interfaces can replace it.
package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/helmsman-dev/helmsman/internal/graph"
	"github.com/helmsman-dev/helmsman/internal/orchestrator"
)

// Command is one worker invocation. The context bundle arrives as JSON on
// the worker's stdin; each stdout line is reported as a progress note, and
// the final stdout tail becomes the task result.
type Command struct {
	Name string
	Args []string
}

// Config configures the pool.
type Config struct {
	Commands  map[string]Command // Per-role worker command
	Default   Command            // Used when a role has no entry
	TailBytes int                // Output kept for results/classification (default 4096)
}

// Pool launches one subprocess per dispatched task, each in its own process
// group so the whole tree can be terminated on shutdown.
type Pool struct {
	cfg    Config
	events chan<- orchestrator.WorkerEvent

	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewPool creates a pool reporting into the given intake queue.
func NewPool(cfg Config, events chan<- orchestrator.WorkerEvent) *Pool {
	if cfg.TailBytes <= 0 {
		cfg.TailBytes = 4096
	}
	return &Pool{
		cfg:    cfg,
		events: events,
		procs:  make(map[int]*exec.Cmd),
	}
}

// Dispatch starts the worker subprocess for a task and returns once it is
// running; the outcome arrives later through the intake queue.
func (p *Pool) Dispatch(ctx context.Context, task *graph.Task, bundle orchestrator.ContextBundle) error {
	spec, ok := p.cfg.Commands[task.Role]
	if !ok {
		spec = p.cfg.Default
	}
	if spec.Name == "" {
		return fmt.Errorf("no worker command configured for role %q", task.Role)
	}

	payload, err := json.Marshal(bundle)
	if err != nil {
		return fmt.Errorf("encoding context bundle for task %q: %w", task.ID, err)
	}

	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	// Own process group, so killing the worker takes its subtree with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"HELMSMAN_TASK_ID="+task.ID,
		"HELMSMAN_TASK_ROLE="+task.Role,
		"HELMSMAN_WORKER_ID="+task.Worker,
	)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting worker for task %q: %w", task.ID, err)
	}
	p.track(cmd)

	go p.watch(ctx, cmd, task, stdoutPipe, stderrPipe)
	return nil
}

// watch drains both pipes concurrently before waiting on the process, so a
// chatty worker can never deadlock on a full pipe buffer.
func (p *Pool) watch(ctx context.Context, cmd *exec.Cmd, task *graph.Task, stdout, stderr io.Reader) {
	var wg sync.WaitGroup
	var outTail, errTail tail
	outTail.max = p.cfg.TailBytes
	errTail.max = p.cfg.TailBytes

	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			outTail.writeLine(line)
			p.report(ctx, orchestrator.WorkerEvent{
				Kind: orchestrator.WorkerProgress, TaskID: task.ID, Worker: task.Worker,
				Note: line, At: time.Now(),
			})
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			errTail.writeLine(scanner.Text())
		}
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	p.untrack(cmd)

	if waitErr != nil {
		reason := waitErr.Error()
		if s := errTail.String(); s != "" {
			reason = fmt.Sprintf("%v: %s", waitErr, s)
		}
		p.report(ctx, orchestrator.WorkerEvent{
			Kind: orchestrator.WorkerFailed, TaskID: task.ID, Worker: task.Worker,
			Err: reason, Output: outTail.String(),
			TimedOut: errors.Is(ctx.Err(), context.DeadlineExceeded),
			At:       time.Now(),
		})
		return
	}

	p.report(ctx, orchestrator.WorkerEvent{
		Kind: orchestrator.WorkerCompleted, TaskID: task.ID, Worker: task.Worker,
		Result: strings.TrimSpace(outTail.String()), At: time.Now(),
	})
}

func (p *Pool) report(ctx context.Context, ev orchestrator.WorkerEvent) {
	select {
	case p.events <- ev:
	case <-ctx.Done():
		select {
		case p.events <- ev:
		default:
			log.Printf("WARNING: dropping worker event for task %q during shutdown", ev.TaskID)
		}
	}
}

func (p *Pool) track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.procs[cmd.Process.Pid] = cmd
}

func (p *Pool) untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.procs, cmd.Process.Pid)
}

// Active returns the number of running worker subprocesses.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.procs)
}

// KillAll terminates every tracked worker subprocess group. Called on
// shutdown so no worker outlives the orchestrator.
func (p *Pool) KillAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for pid, cmd := range p.procs {
		if cmd.Process == nil {
			continue
		}
		// Negative PID targets the whole process group.
		if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
			errs = append(errs, fmt.Errorf("killing worker %d: %w", pid, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("killing workers: %v", errs)
	}
	return nil
}

// tail keeps the last max bytes of line-oriented output.
type tail struct {
	buf bytes.Buffer
	max int
}

func (t *tail) writeLine(line string) {
	if t.buf.Len() > 0 {
		t.buf.WriteByte('\n')
	}
	t.buf.WriteString(line)
	if t.buf.Len() > t.max {
		b := t.buf.Bytes()
		t.buf = *bytes.NewBuffer(append([]byte(nil), b[len(b)-t.max:]...))
	}
}

func (t *tail) String() string { return t.buf.String() }
