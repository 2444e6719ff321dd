// ============================================================================
// GridMW Scheduler
// ============================================================================
//
// Package: pkg/master
// File: scheduler.go
// Purpose: The long-running loop that matches queued tasks to available
// workers and dispatches them.
//
// Loop body, with the interface lock held from worker poll through
// reservation:
//   1. Exit when the queued list is empty; the loop is restarted on the
//      next submission.
//   2. Poll the backend for available workers. None -> wait for a
//      worker-finished signal or 1 second, whichever comes first.
//   3. Snapshot the queued list and call the matching policy.
//   4. Rewrite an invalid worker pick to the first offered worker; if the
//      picked task was drained by another popper, retry next cycle.
//   5. Record the assignment and release callback on the task, reserve
//      the worker, release the lock.
//   6. Dispatch on a per-task goroutine with a catch-all that converts
//      any backend failure into task.Finish, so waiters never deadlock.
//
// Shutdown is a nil sentinel on the queued list; popping it ends the
// loop for good.
//
// ============================================================================

package master

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// MatchPolicy chooses which queued task runs on which available worker.
// It is called with a snapshot of the queued tasks and the offered
// workers; it may return any pairing from the two lists. Returning a nil
// task declares that nothing matches right now.
type MatchPolicy func(tasks []*Task, workers []Worker) (*Task, Worker)

// defaultMatchPolicy pairs the head of each list.
func defaultMatchPolicy(tasks []*Task, workers []Worker) (*Task, Worker) {
	return tasks[0], workers[0]
}

// maxLiveDispatchers bounds the number of concurrently live per-task
// dispatcher goroutines before the scheduler throttles.
const maxLiveDispatchers = 100

type scheduler struct {
	m      *Master
	policy MatchPolicy

	// mu is the interface lock: it serializes worker poll, match and
	// reservation against worker release and status queries.
	mu   sync.Mutex
	wake chan struct{}

	runMu   sync.Mutex
	running bool
	stopped bool

	live atomic.Int64
}

func newScheduler(m *Master, policy MatchPolicy) *scheduler {
	if policy == nil {
		policy = defaultMatchPolicy
	}
	return &scheduler{
		m:      m,
		policy: policy,
		wake:   make(chan struct{}, 1),
	}
}

// ensureStarted starts the scheduler goroutine unless it is already
// running or the master has shut down. Called on every submission.
func (s *scheduler) ensureStarted() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running || s.stopped {
		return
	}
	s.running = true
	s.m.log.Debug("Scheduler started")
	go s.loop()
}

// stop appends the shutdown sentinel and prevents restarts.
func (s *scheduler) stop() {
	s.runMu.Lock()
	alreadyStopped := s.stopped
	s.stopped = true
	s.runMu.Unlock()
	if alreadyStopped {
		return
	}
	s.m.queued.Append(nil)
	s.signalWake()
}

func (s *scheduler) loop() {
	for {
		// Exit when the queue drains; re-check under runMu so a submission
		// racing with the exit either sees a running scheduler or restarts
		// one.
		if s.m.queued.Len() == 0 {
			s.runMu.Lock()
			if s.m.queued.Len() == 0 {
				s.running = false
				s.runMu.Unlock()
				s.m.log.Debug("Scheduler finished")
				return
			}
			s.runMu.Unlock()
		}

		// Shutdown sentinel.
		if _, ok := s.m.queued.PopSpecific([]*Task{nil}, false); ok {
			s.runMu.Lock()
			s.running = false
			s.stopped = true
			s.runMu.Unlock()
			s.m.log.Debug("Scheduler stopped")
			return
		}

		task, worker, ok := s.matchOne()
		if !ok {
			s.waitForWorker()
			continue
		}

		s.throttle()
		s.live.Add(1)
		go s.dispatch(task, worker)
	}
}

// matchOne performs one poll-match-reserve cycle under the interface
// lock.
func (s *scheduler) matchOne() (*Task, Worker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	workers := s.m.backend.availableWorkers()
	if len(workers) == 0 {
		return nil, nil, false
	}

	tasks := queuedTasks(s.m.queued.Snapshot())
	if len(tasks) == 0 {
		return nil, nil, false
	}

	task, worker := s.match(tasks, workers)
	if task == nil {
		return nil, nil, false
	}

	// Another popper may have drained the picked task; retry next cycle.
	popped, ok := s.m.queued.PopSpecific([]*Task{task}, false)
	if !ok {
		return nil, nil, false
	}

	popped.markAssigned(worker, s.workerFinished)
	s.m.backend.reserveWorker(worker)
	return popped, worker, true
}

// match calls the policy under a catch-all; a panicking or invalid policy
// degrades to the default head/head pairing.
func (s *scheduler) match(tasks []*Task, workers []Worker) (task *Task, worker Worker) {
	defer func() {
		if recover() != nil {
			task, worker = tasks[0], workers[0]
		}
	}()

	task, worker = s.policy(tasks, workers)
	if task == nil {
		return nil, nil
	}
	if !containsWorker(workers, worker) {
		worker = workers[0]
	}
	return task, worker
}

// dispatch runs one task on the backend. Any error or panic escaping the
// backend is converted into a task error so waiters always wake.
func (s *scheduler) dispatch(task *Task, worker Worker) {
	defer s.live.Add(-1)
	defer func() {
		if r := recover(); r != nil {
			task.Finish(&BackendError{Op: "execute_task", Err: fmt.Errorf("panic: %v", r)})
		}
	}()

	s.m.log.Debug("Executing task", "task", task.Name())
	task.markRunning()
	s.m.metrics.RecordDispatch()

	if err := s.m.backend.executeTask(task, worker); err != nil {
		task.Finish(&BackendError{Op: "execute_task", Err: err})
	}
}

// workerFinished returns a worker to the backend pool and wakes the
// scheduler. It is installed on every dispatched task as the release
// callback.
func (s *scheduler) workerFinished(w Worker) {
	s.mu.Lock()
	s.m.backend.workerFinished(w)
	s.mu.Unlock()
	s.signalWake()
}

func (s *scheduler) signalWake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// waitForWorker blocks until a worker finishes or 1 second passes, so
// backends without an explicit worker-finished signal still make
// progress. A backend may instead request an immediate re-poll.
func (s *scheduler) waitForWorker() {
	if s.m.backend.tryAvailCheckAgain() {
		return
	}
	select {
	case <-s.wake:
	case <-time.After(time.Second):
	}
}

// throttle sleeps while too many dispatchers are live, to bound thread
// pressure from slow synchronous backends.
func (s *scheduler) throttle() {
	for s.live.Load() >= maxLiveDispatchers {
		time.Sleep(100 * time.Millisecond)
	}
}

// queuedTasks filters the shutdown sentinel out of a queue snapshot.
func queuedTasks(snapshot []*Task) []*Task {
	tasks := snapshot[:0]
	for _, t := range snapshot {
		if t != nil {
			tasks = append(tasks, t)
		}
	}
	return tasks
}

func containsWorker(workers []Worker, w Worker) bool {
	for _, cand := range workers {
		if cand == w {
			return true
		}
	}
	return false
}
