// ============================================================================
// GridMW Backend Contract
// ============================================================================
//
// Package: pkg/master
// File: backend.go
// Purpose: The interface the core calls into to run tasks on an execution
// substrate, plus the capability wrapper that supplies safe defaults for
// every optional operation.
//
// A backend must implement ExecuteTask. Everything else is optional and
// declared as a capability interface; the core never introspects for
// method presence beyond a single type assertion per capability, and a
// panicking backend never takes down the scheduler.
//
// Defaults when a capability is absent:
//   - worker pool: the single-slot list [nil]
//   - reservation and release: no-ops
//   - status: empty map
//   - availability re-check: false
//   - serialization: file-based gob codec
//
// ============================================================================

package master

import (
	"fmt"

	"github.com/gridmw/gridmw/pkg/codec"
)

// Worker is an opaque execution slot handle chosen by the backend. The
// core only compares workers for equality and lists them, so backend
// worker values must be comparable.
type Worker interface{}

// Backend runs tasks. ExecuteTask must arrange for the task's executable
// to run with its input binding and produce its output binding, then call
// task.Finish exactly once on every path — or return an error, which the
// dispatcher converts into a Finish itself. It may run synchronously or
// asynchronously.
type Backend interface {
	ExecuteTask(task *Task, w Worker) error
}

// WorkerProvider advertises execution slots. A nil or empty list means no
// worker is currently available.
type WorkerProvider interface {
	GetAvailableWorkers() []Worker
}

// WorkerReserver removes a worker from the available pool at dispatch and
// returns it after task completion.
type WorkerReserver interface {
	ReserveWorker(w Worker)
	WorkerFinished(w Worker)
}

// StatusReporter exposes a key/value snapshot merged into
// Master.GetStatus.
type StatusReporter interface {
	GetStatus() map[string]interface{}
}

// AvailRechecker lets a backend ask the scheduler to re-poll immediately
// after a failed match instead of sleeping. The simulator uses this to
// advance virtual time.
type AvailRechecker interface {
	TryAvailCheckAgain() bool
}

// Cleaner releases external backend resources at shutdown.
type Cleaner interface {
	Cleanup()
}

// CodecProvider overrides the master-side serialization. A backend that
// provides this must run its workers with the matching worker-side codec.
type CodecProvider interface {
	MasterCodec() codec.Codec
}

// caps wraps a backend with defaulted optional operations. The optional
// operations are panic-safe: a misbehaving backend degrades to the
// defaults instead of killing a scheduler or waiter goroutine.
// executeTask is not wrapped; the scheduler's dispatcher recovers its
// panics and turns them into task errors.
type caps struct {
	b Backend
}

func (c caps) availableWorkers() (ws []Worker) {
	defer func() {
		if recover() != nil {
			ws = []Worker{nil}
		}
	}()
	wp, ok := c.b.(WorkerProvider)
	if !ok {
		return []Worker{nil}
	}
	return wp.GetAvailableWorkers()
}

func (c caps) reserveWorker(w Worker) {
	defer func() { recover() }()
	if wr, ok := c.b.(WorkerReserver); ok {
		wr.ReserveWorker(w)
	}
}

func (c caps) workerFinished(w Worker) {
	defer func() { recover() }()
	if wr, ok := c.b.(WorkerReserver); ok {
		wr.WorkerFinished(w)
	}
}

func (c caps) status() (st map[string]interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			st, err = nil, fmt.Errorf("status panic: %v", r)
		}
	}()
	sr, ok := c.b.(StatusReporter)
	if !ok {
		return map[string]interface{}{}, nil
	}
	st = sr.GetStatus()
	if st == nil {
		st = map[string]interface{}{}
	}
	return st, nil
}

func (c caps) tryAvailCheckAgain() (again bool) {
	defer func() {
		if recover() != nil {
			again = false
		}
	}()
	ar, ok := c.b.(AvailRechecker)
	if !ok {
		return false
	}
	return ar.TryAvailCheckAgain()
}

func (c caps) cleanup() {
	defer func() { recover() }()
	if cl, ok := c.b.(Cleaner); ok {
		cl.Cleanup()
	}
}

func (c caps) masterCodec() (mc codec.Codec) {
	defer func() {
		if recover() != nil {
			mc = codec.Gob{}
		}
	}()
	if cp, ok := c.b.(CodecProvider); ok {
		if mc := cp.MasterCodec(); mc != nil {
			return mc
		}
	}
	return codec.Gob{}
}

func (c caps) executeTask(t *Task, w Worker) error {
	return c.b.ExecuteTask(t, w)
}
