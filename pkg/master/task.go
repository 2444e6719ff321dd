// ============================================================================
// GridMW Task Record
// ============================================================================
//
// Package: pkg/master
// File: task.go
// Purpose: Per-task state, timing, file bindings and the one-shot
// completion latch.
//
// Lifecycle invariants:
//   - a task enters Submitted exactly once
//   - transitions Submitted -> Running -> (Finished | Error) are monotonic
//   - the completion latch fires exactly once, on any terminal transition
//   - the output slot is set iff the state is Finished; the error slot is
//     set iff the state is Error
//   - the task is appended to the owning master's finished list exactly
//     when its latch fires
//
// Mutation discipline: state and execute time are written by the
// scheduler thread; output, error and finish time by the backend
// completion path; everything is read by callers only after they observe
// a terminal state through the latch or the finished list.
//
// ============================================================================

package master

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/gridmw/gridmw/pkg/registry"
	"github.com/gridmw/gridmw/pkg/types"
)

// Task represents one submitted unit of work.
type Task struct {
	master *Master
	name   string

	// Payload descriptor: exactly one of entry/program is set, except for
	// the synthetic MapReduce composite task which has neither.
	entry   *registry.Entry
	program string

	manifestPath  string
	dataArchive   string
	moduleArchive string
	fileInput     bool

	inputPath  string
	outputPath string

	mu             sync.Mutex
	state          types.TaskState
	submitTime     time.Time
	executeTime    time.Time
	finishTime     time.Time
	err            error
	output         interface{}
	stdout         string
	stderr         string
	assignedWorker Worker
	releaseWorker  func(Worker)

	finishOnce sync.Once
	done       chan struct{}
}

func (t *Task) String() string { return t.name }

// Name returns the stable task name: function name plus the master's
// start-time tag plus a monotonic counter.
func (t *Task) Name() string { return t.name }

// ExecutablePath returns what the worker process should run for this
// task: the generated bundle manifest for function tasks, or the external
// program path.
func (t *Task) ExecutablePath() string {
	if t.manifestPath != "" {
		return t.manifestPath
	}
	return t.program
}

// Entry returns the registered task function, or nil for external-program
// and composite tasks.
func (t *Task) Entry() *registry.Entry { return t.entry }

// InputPath returns the path of the serialized input blob.
func (t *Task) InputPath() string { return t.inputPath }

// OutputPath returns the path the worker writes its result triple to.
func (t *Task) OutputPath() string { return t.outputPath }

// State returns the current lifecycle state.
func (t *Task) State() types.TaskState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Progress returns the coarse progress of the task: 1 when finished, 0
// otherwise.
func (t *Task) Progress() float64 {
	if t.State() == types.StateFinished {
		return 1.0
	}
	return 0.0
}

// SubmitTime returns when the task was submitted.
func (t *Task) SubmitTime() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.submitTime
}

// TotalTime returns the duration from submission to completion. The
// second return is false until the task reaches a terminal state.
func (t *Task) TotalTime() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Terminal() {
		return 0, false
	}
	return t.finishTime.Sub(t.submitTime), true
}

// ExecutionTime returns the duration from dispatch to completion. This
// is wall time, which may differ from CPU time. The second return is
// false until the task reaches a terminal state.
func (t *Task) ExecutionTime() (time.Duration, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.Terminal() {
		return 0, false
	}
	start := t.executeTime
	if start.IsZero() {
		// Never dispatched (completed synthetically or failed up front).
		start = t.finishTime
	}
	return t.finishTime.Sub(start), true
}

// Await blocks until the completion latch fires or ctx is cancelled. The
// latch fires on every terminal transition, success or failure, so
// waiters never hang on task-level errors.
func (t *Task) Await(ctx context.Context) error {
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done returns the completion latch.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task error, if the task reached the Error state.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Result returns the deserialized task output. It is set iff the task
// finished successfully.
func (t *Task) Result() interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.output
}

// Stdout returns everything the task function printed to stdout on the
// worker.
func (t *Task) Stdout() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stdout
}

// Stderr returns everything the task function printed to stderr on the
// worker.
func (t *Task) Stderr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stderr
}

// Finish is called by the backend exactly once when execution completes.
// A nil taskErr means the worker produced an output file at the output
// binding; Finish reads and deserializes it. Calling Finish more than
// once is tolerated: only the first call takes effect.
func (t *Task) Finish(taskErr error) {
	t.finish(taskErr, nil, false)
}

// finishExplicit completes the task with an explicit result instead of
// reading the output binding. Used by the MapReduce orchestrator for the
// composite task.
func (t *Task) finishExplicit(result interface{}) {
	t.finish(nil, result, true)
}

func (t *Task) finish(taskErr error, result interface{}, explicit bool) {
	t.finishOnce.Do(func() {
		t.mu.Lock()
		t.err = taskErr
		if t.err == nil {
			if explicit {
				t.output = result
			} else {
				res, rerr := t.master.backend.masterCodec().ReadResult(t.outputPath)
				if rerr != nil {
					t.err = &SerializationError{Path: t.outputPath, Read: true, Err: rerr}
				} else {
					t.output = res.Value
					t.stdout = res.Stdout
					t.stderr = res.Stderr
				}
			}
		}

		t.finishTime = time.Now()
		if t.err != nil {
			t.state = types.StateError
		} else {
			t.state = types.StateFinished
		}
		worker := t.assignedWorker
		release := t.releaseWorker
		t.mu.Unlock()

		t.master.taskFinished(t)
		close(t.done)

		if release != nil {
			release(worker)
		}
	})
}

// markAssigned records the assigned worker and the release callback.
// Called by the scheduler with the interface lock held; the execute time
// is recorded later by markRunning on the dispatcher goroutine.
func (t *Task) markAssigned(w Worker, release func(Worker)) {
	t.mu.Lock()
	t.assignedWorker = w
	t.releaseWorker = release
	t.mu.Unlock()
}

func (t *Task) markRunning() {
	t.mu.Lock()
	if t.state == types.StateSubmitted {
		t.state = types.StateRunning
		t.executeTime = time.Now()
	}
	t.mu.Unlock()
}

// cleanup removes the task's input and output files. Missing files are
// not an error.
func (t *Task) cleanup(deleteFiles bool) {
	if !deleteFiles {
		return
	}
	os.Remove(t.inputPath)
	os.Remove(t.outputPath)
}
