// ============================================================================
// GridMW Simulator Backend
// ============================================================================
//
// Package: pkg/backend/sim
// File: sim.go
// Purpose: Virtual-time simulator for experimenting with scheduling
// policies and heterogeneous worker pools without a real execution
// substrate.
//
// Each simulated worker has a speed factor. Tasks execute in-process
// (through the normal worker harness); the measured wall time divided by
// the worker's speed becomes the simulated duration, and the worker is
// busy in virtual time until then. When no worker is free the simulator
// asks the scheduler to re-poll immediately and advances the virtual
// clock to the next completion instead of sleeping.
//
// GetStatus exposes num_executed_tasks, cur_sim_time and
// total/mean/median/stddev statistics over wall and CPU times.
//
// ============================================================================

package sim

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/gridmw/gridmw/internal/worker"
	"github.com/gridmw/gridmw/pkg/master"
	"github.com/gridmw/gridmw/pkg/types"
)

// SimWorker is a simulated worker with a relative speed factor.
type SimWorker struct {
	Name  string
	Speed float64

	busyUntil float64
}

func (w *SimWorker) String() string { return w.Name }

// Backend simulates task execution over a heterogeneous worker pool.
type Backend struct {
	mu       sync.Mutex
	workers  []*SimWorker
	simTime  float64
	executed int
	wall     []float64
	cpu      []float64
}

// New creates a simulator with the given worker speed factors. With no
// speeds, a single unit-speed worker is created.
func New(speeds ...float64) *Backend {
	if len(speeds) == 0 {
		speeds = []float64{1.0}
	}
	b := &Backend{}
	for i, speed := range speeds {
		if speed <= 0 {
			speed = 1.0
		}
		b.workers = append(b.workers, &SimWorker{
			Name:  fmt.Sprintf("sim-worker-%d", i),
			Speed: speed,
		})
	}
	return b
}

// GetAvailableWorkers lists workers free at the current virtual time.
func (b *Backend) GetAvailableWorkers() []master.Worker {
	b.mu.Lock()
	defer b.mu.Unlock()
	var free []master.Worker
	for _, w := range b.workers {
		if w.busyUntil <= b.simTime {
			free = append(free, w)
		}
	}
	return free
}

// ReserveWorker marks a worker busy until its simulated completion is
// known; ExecuteTask refines the busy horizon.
func (b *Backend) ReserveWorker(w master.Worker) {
	sw, ok := w.(*SimWorker)
	if !ok {
		return
	}
	b.mu.Lock()
	sw.busyUntil = math.Inf(1)
	b.mu.Unlock()
}

// WorkerFinished is a no-op: simulated workers free themselves when the
// virtual clock passes their busy horizon.
func (b *Backend) WorkerFinished(w master.Worker) {}

// TryAvailCheckAgain advances virtual time to the next worker completion
// and asks the scheduler to re-poll immediately.
func (b *Backend) TryAvailCheckAgain() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := math.Inf(1)
	for _, w := range b.workers {
		if w.busyUntil > b.simTime && w.busyUntil < next {
			next = w.busyUntil
		}
	}
	if math.IsInf(next, 1) {
		return false
	}
	b.simTime = next
	return true
}

// ExecuteTask runs the task in-process, charges its wall time against the
// worker's speed in virtual time and finishes the task.
func (b *Backend) ExecuteTask(task *master.Task, w master.Worker) error {
	if task.Entry() == nil {
		return fmt.Errorf("simulator cannot run external program %q", task.ExecutablePath())
	}

	start := time.Now()
	stderr, err := worker.Run(task.ExecutablePath(), task.InputPath(), task.OutputPath())
	wall := time.Since(start).Seconds()

	b.mu.Lock()
	speed := 1.0
	if sw, ok := w.(*SimWorker); ok {
		speed = sw.Speed
		sw.busyUntil = b.simTime + wall/speed
	}
	b.executed++
	b.wall = append(b.wall, wall/speed)
	b.cpu = append(b.cpu, wall)
	b.mu.Unlock()

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

// GetStatus reports simulation counters and timing statistics.
func (b *Backend) GetStatus() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()

	status := map[string]interface{}{
		types.StatusKeyTotalWorkers:  len(b.workers),
		types.StatusKeyExecutedTasks: b.executed,
		types.StatusKeySimTime:       b.simTime,
	}
	addStats(status, "wall_time", b.wall)
	addStats(status, "cpu_time", b.cpu)
	return status
}

// addStats merges total/mean/median/stddev statistics for one metric.
func addStats(status map[string]interface{}, name string, samples []float64) {
	if len(samples) == 0 {
		return
	}

	var total float64
	for _, s := range samples {
		total += s
	}
	mean := total / float64(len(samples))

	var variance float64
	for _, s := range samples {
		variance += (s - mean) * (s - mean)
	}
	stddev := math.Sqrt(variance / float64(len(samples)))

	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	var median float64
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		median = sorted[mid]
	} else {
		median = (sorted[mid-1] + sorted[mid]) / 2
	}

	status["total_"+name] = total
	status["mean_"+name] = mean
	status["median_"+name] = median
	status["stddev_"+name] = stddev
}
