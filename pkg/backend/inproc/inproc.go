// ============================================================================
// GridMW In-Process Backend
// ============================================================================
//
// Package: pkg/backend/inproc
// File: inproc.go
// Purpose: Executes tasks inside the master process on a fixed number of
// goroutine slots, through the same bundle manifest and file protocol the
// subprocess backends use.
//
// Suits drivers whose task functions are compiled into the master binary,
// and the test suite. External-program tasks need a process boundary and
// are rejected.
//
// Slot accounting follows the standard reservation contract: the
// scheduler reserves a slot before dispatch and the task completion path
// returns it.
//
// ============================================================================

package inproc

import (
	"fmt"
	"sync"

	"github.com/gridmw/gridmw/internal/worker"
	"github.com/gridmw/gridmw/pkg/master"
	"github.com/gridmw/gridmw/pkg/types"
)

// Backend runs tasks on in-process execution slots.
type Backend struct {
	mu    sync.Mutex
	total int
	avail map[int]struct{}
}

// New creates a backend with n execution slots. n defaults to 1 when not
// positive.
func New(n int) *Backend {
	if n <= 0 {
		n = 1
	}
	b := &Backend{
		total: n,
		avail: make(map[int]struct{}, n),
	}
	for i := 0; i < n; i++ {
		b.avail[i] = struct{}{}
	}
	return b
}

// GetAvailableWorkers lists the currently free slots.
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

// ExecuteTask runs the task's bundle synchronously on the dispatcher
// goroutine and finishes the task.
func (b *Backend) ExecuteTask(task *master.Task, w master.Worker) error {
	if task.Entry() == nil {
		return fmt.Errorf("inproc backend cannot run external program %q", task.ExecutablePath())
	}

	stderr, err := worker.Run(task.ExecutablePath(), task.InputPath(), task.OutputPath())
	if err != nil {
		task.Finish(&master.TaskExecutionError{
			TaskName: task.Name(),
			ExitCode: 1,
			Stderr:   stderr,
			Err:      err,
		})
		return nil
	}
	task.Finish(nil)
	return nil
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
