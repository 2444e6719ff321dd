// ============================================================================
// GridMW Multicore Backend
// ============================================================================
//
// Package: pkg/backend/multicore
// File: multicore.go
// Purpose: Runs one worker subprocess per task on the local host, with as
// many concurrent slots as the machine has cores.
//
// Function tasks are executed through the worker program (by default the
// current binary re-invoked in worker mode) with the bundle manifest and
// the input/output bindings as positional arguments. External-program
// tasks run the program directly with the input and output paths.
//
// A worker that exits non-zero produces a TaskExecutionError carrying the
// exit code and the captured stderr. Cleanup kills any subprocess still
// running at shutdown.
//
// ============================================================================

package multicore

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/gridmw/gridmw/pkg/master"
	"github.com/gridmw/gridmw/pkg/types"
)

// Config configures the multicore backend.
type Config struct {
	// Workers is the number of concurrent subprocess slots.
	// Default: runtime.NumCPU().
	Workers int

	// WorkerCommand is the command prefix that runs a bundle manifest.
	// Default: the current executable in worker mode.
	WorkerCommand []string

	// Logger for subprocess lifecycle events. Default slog.Default().
	Logger *slog.Logger
}

// Backend executes tasks as local subprocesses.
type Backend struct {
	workerCmd []string
	log       *slog.Logger

	mu      sync.Mutex
	total   int
	avail   map[int]struct{}
	running map[*exec.Cmd]struct{}
}

// New creates a multicore backend.
func New(cfg Config) *Backend {
	n := cfg.Workers
	if n <= 0 {
		n = runtime.NumCPU()
	}
	cmd := cfg.WorkerCommand
	if len(cmd) == 0 {
		cmd = []string{os.Args[0], "worker"}
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	b := &Backend{
		workerCmd: cmd,
		log:       log,
		total:     n,
		avail:     make(map[int]struct{}, n),
		running:   make(map[*exec.Cmd]struct{}),
	}
	for i := 0; i < n; i++ {
		b.avail[i] = struct{}{}
	}
	return b
}

// GetAvailableWorkers lists the currently free subprocess slots.
func (b *Backend) GetAvailableWorkers() []master.Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	workers := make([]master.Worker, 0, len(b.avail))
	for slot := range b.avail {
		workers = append(workers, slot)
	}
	return workers
}

// ReserveWorker removes a slot from the available pool.
func (b *Backend) ReserveWorker(w master.Worker) {
	slot, ok := w.(int)
	if !ok {
		return
	}
	b.mu.Lock()
	delete(b.avail, slot)
	b.mu.Unlock()
}

// WorkerFinished returns a slot to the pool.
func (b *Backend) WorkerFinished(w master.Worker) {
	slot, ok := w.(int)
	if !ok {
		return
	}
	b.mu.Lock()
	if slot >= 0 && slot < b.total {
		b.avail[slot] = struct{}{}
	}
	b.mu.Unlock()
}

// ExecuteTask spawns the worker subprocess for the task, waits for it and
// finishes the task. Runs on the dispatcher goroutine.
func (b *Backend) ExecuteTask(task *master.Task, w master.Worker) error {
	argv := b.argv(task)
	cmd := exec.Command(argv[0], argv[1:]...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	b.log.Debug("Spawning worker", "task", task.Name(), "cmd", argv[0])

	b.mu.Lock()
	b.running[cmd] = struct{}{}
	b.mu.Unlock()

	err := cmd.Run()

	b.mu.Lock()
	delete(b.running, cmd)
	b.mu.Unlock()

	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		task.Finish(&master.TaskExecutionError{
			TaskName: task.Name(),
			ExitCode: exitCode,
			Stderr:   stderr.String(),
			Err:      err,
		})
		return nil
	}

	task.Finish(nil)
	return nil
}

// argv builds the subprocess command line: worker-mode for bundle
// manifests, the program itself for external executables.
func (b *Backend) argv(task *master.Task) []string {
	if task.Entry() != nil {
		argv := make([]string, 0, len(b.workerCmd)+3)
		argv = append(argv, b.workerCmd...)
		return append(argv, task.ExecutablePath(), task.InputPath(), task.OutputPath())
	}
	return []string{task.ExecutablePath(), task.InputPath(), task.OutputPath()}
}

// GetStatus reports slot occupancy.
func (b *Backend) GetStatus() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		types.StatusKeyTotalWorkers:  b.total,
		types.StatusKeyActiveWorkers: b.total - len(b.avail),
	}
}

// Cleanup kills subprocesses still running at shutdown. Their tasks are
// finished by the dispatcher observing the kill.
func (b *Backend) Cleanup() {
	b.mu.Lock()
	cmds := make([]*exec.Cmd, 0, len(b.running))
	for cmd := range b.running {
		cmds = append(cmds, cmd)
	}
	b.mu.Unlock()

	for _, cmd := range cmds {
		if cmd.Process != nil {
			b.log.Warn("Killing worker at shutdown", "pid", cmd.Process.Pid)
			cmd.Process.Kill()
		}
	}
}
