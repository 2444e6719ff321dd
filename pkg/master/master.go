// ============================================================================
// GridMW Master Facade
// ============================================================================
//
// Package: pkg/master
// File: master.go
// Purpose: Public entry point of the framework: task submission, result
// retrieval, status, progress and shutdown.
//
// Control flow: SubmitTask serializes the input to the task's input
// binding, generates (or reuses) the worker bundle, appends the task
// record to the submitted and queued lists and starts the scheduler. The
// scheduler dispatches to the backend; completed tasks land on the
// finished list, where GetResult waiters pick them up.
//
// A Master owns a task directory used as a scratch area; it is fully
// recoverable by deletion. With delete-files enabled (the default),
// Shutdown removes every generated input, output, manifest and archive
// and then the directory itself if it is empty.
//
// ============================================================================

package master

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/gridmw/gridmw/internal/bundle"
	"github.com/gridmw/gridmw/internal/metrics"
	"github.com/gridmw/gridmw/internal/tasklist"
	"github.com/gridmw/gridmw/pkg/registry"
	"github.com/gridmw/gridmw/pkg/types"
)

// DefaultTaskDir is the task directory used when none is configured.
const DefaultTaskDir = "tasks"

// Master distributes submitted tasks over the workers of a backend.
type Master struct {
	backend     caps
	taskDir     string
	startTag    string
	deleteFiles bool
	log         *slog.Logger
	metrics     *metrics.Collector
	gen         *bundle.Generator

	queued   *tasklist.List[*Task]
	finished *tasklist.List[*Task]
	sched    *scheduler

	mu        sync.Mutex
	submitted []*Task
	taskNum   int

	shutdownOnce sync.Once
}

// Option configures a Master.
type Option func(*config)

type config struct {
	taskDir     string
	deleteFiles bool
	policy      MatchPolicy
	log         *slog.Logger
	registerer  prometheus.Registerer
}

// WithTaskDir sets the directory for input/output blobs, generated
// manifests and archives. Default "tasks" under the working directory.
func WithTaskDir(dir string) Option {
	return func(c *config) { c.taskDir = dir }
}

// WithKeepFiles disables deletion of task files at shutdown.
func WithKeepFiles() Option {
	return func(c *config) { c.deleteFiles = false }
}

// WithMatchPolicy injects a custom task/worker matching policy.
func WithMatchPolicy(policy MatchPolicy) Option {
	return func(c *config) { c.policy = policy }
}

// WithLogger sets the structured logger. Default slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(c *config) { c.log = log }
}

// WithMetrics registers the master's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}

// New creates a Master on top of backend. The task directory is created
// if it does not exist.
func New(backend Backend, opts ...Option) (*Master, error) {
	if backend == nil {
		return nil, &BackendError{Op: "init", Err: fmt.Errorf("backend must not be nil")}
	}

	cfg := config{
		taskDir:     DefaultTaskDir,
		deleteFiles: true,
		log:         slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	if err := os.MkdirAll(cfg.taskDir, 0o755); err != nil {
		return nil, fmt.Errorf("master: create task dir: %w", err)
	}

	m := &Master{
		backend:     caps{b: backend},
		taskDir:     cfg.taskDir,
		startTag:    strconv.FormatInt(time.Now().Unix(), 10),
		deleteFiles: cfg.deleteFiles,
		log:         cfg.log,
		metrics:     metrics.NewCollector(cfg.registerer),
		queued:      tasklist.New[*Task](),
		finished:    tasklist.New[*Task](),
	}
	m.gen = bundle.NewGenerator(cfg.taskDir, m.startTag)
	m.sched = newScheduler(m, cfg.policy)
	return m, nil
}

// SubmitOption configures one submission.
type SubmitOption func(*submitConfig)

type submitConfig struct {
	modules   []string
	deps      []*registry.Entry
	dataFiles []string
	fileInput bool
}

// WithModules names module files to bundle alongside the worker. Missing
// module files are skipped with a warning.
func WithModules(modules ...string) SubmitOption {
	return func(c *submitConfig) { c.modules = append(c.modules, modules...) }
}

// WithDeps declares helper functions the task function depends on; they
// become part of the bundle identity.
func WithDeps(deps ...*registry.Entry) SubmitOption {
	return func(c *submitConfig) { c.deps = append(c.deps, deps...) }
}

// WithDataFiles bundles auxiliary data files into an archive the worker
// extracts into its working directory. An unreadable data file fails the
// submission.
func WithDataFiles(files ...string) SubmitOption {
	return func(c *submitConfig) { c.dataFiles = append(c.dataFiles, files...) }
}

// WithFileInput marks the task input as file descriptors rather than
// in-band values; MapReduce then partitions by byte ranges.
func WithFileInput() SubmitOption {
	return func(c *submitConfig) { c.fileInput = true }
}

// SubmitTask creates and enqueues a task for execution and returns its
// record. executable is either a *registry.Entry (a registered task
// function) or a string path to an external worker program; anything
// else fails with BadExecutableError. input is the tuple of positional
// arguments passed to the function on the worker.
func (m *Master) SubmitTask(executable interface{}, input []interface{}, opts ...SubmitOption) (*Task, error) {
	var cfg submitConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	var (
		entry *registry.Entry
		prog  string
		base  string
	)
	switch e := executable.(type) {
	case *registry.Entry:
		if e == nil {
			return nil, &BadExecutableError{Value: executable}
		}
		entry = e
		base = e.Name()
	case string:
		prog = e
		base = filepath.Base(e)
	default:
		return nil, &BadExecutableError{Value: executable}
	}

	task := &Task{
		master:    m,
		entry:     entry,
		program:   prog,
		fileInput: cfg.fileInput,
		state:     types.StateSubmitted,
		done:      make(chan struct{}),
	}

	m.mu.Lock()
	task.name = fmt.Sprintf("%s_%s_%d", base, m.startTag, m.taskNum)
	m.taskNum++
	m.mu.Unlock()

	if entry != nil {
		spec := bundle.Spec{
			Func:      entry.Name(),
			Deps:      depNames(cfg.deps),
			Modules:   cfg.modules,
			DataFiles: cfg.dataFiles,
			FileInput: cfg.fileInput,
		}
		b, err := m.gen.Generate(spec)
		if err != nil {
			return nil, err
		}
		task.manifestPath = b.ManifestPath
		task.dataArchive = b.DataArchive
		task.moduleArchive = b.ModuleArchive
	}

	task.inputPath = filepath.Join(m.taskDir, "in_"+task.name+".dat")
	task.outputPath = filepath.Join(m.taskDir, "out_"+task.name+".dat")

	// Remove any stale output left over from a previous run.
	os.Remove(task.outputPath)

	m.log.Debug("Storing task input", "task", task.name, "path", task.inputPath)
	if err := m.backend.masterCodec().WriteInput(task.inputPath, input); err != nil {
		return nil, &SerializationError{Path: task.inputPath, Err: err}
	}

	task.submitTime = time.Now()

	m.mu.Lock()
	m.submitted = append(m.submitted, task)
	m.mu.Unlock()

	m.queued.Append(task)
	m.sched.ensureStarted()
	m.metrics.RecordSubmit()
	m.metrics.SetQueued(m.queued.Len())

	return task, nil
}

// GetResult retrieves a completed task and its result.
//
// sel selects which tasks are acceptable: nil (any task), a single
// *Task, or a []*Task. Every selected task must have been submitted
// through this master.
//
// With blocking set, the call waits until an acceptable task completes.
// Otherwise it returns (nil, nil, nil) when nothing is ready. A task
// that completed with an error surfaces that error to the caller.
func (m *Master) GetResult(sel interface{}, blocking bool) (*Task, interface{}, error) {
	candidates, err := m.selectTasks(sel)
	if err != nil {
		return nil, nil, err
	}

	task, ok := m.finished.PopSpecific(candidates, blocking)
	if !ok {
		return nil, nil, nil
	}
	if terr := task.Err(); terr != nil {
		return task, nil, terr
	}
	return task, task.Result(), nil
}

// GetProgress returns the coarse progress of the selected tasks, each in
// [0, 1].
func (m *Master) GetProgress(sel interface{}) ([]float64, error) {
	candidates, err := m.selectTasks(sel)
	if err != nil {
		return nil, err
	}
	progress := make([]float64, len(candidates))
	for i, t := range candidates {
		progress[i] = t.Progress()
	}
	return progress, nil
}

// selectTasks normalizes a task selector and validates ownership.
func (m *Master) selectTasks(sel interface{}) ([]*Task, error) {
	var candidates []*Task
	switch s := sel.(type) {
	case nil:
	case *Task:
		if s == nil {
			break
		}
		candidates = []*Task{s}
	case []*Task:
		candidates = append(candidates, s...)
	default:
		return nil, fmt.Errorf("task selector must be nil, a task or a list of tasks, got %T", sel)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.submitted) == 0 {
		return nil, ErrNoSubmissions
	}

	owned := make(map[*Task]struct{}, len(m.submitted))
	for _, t := range m.submitted {
		owned[t] = struct{}{}
	}
	for _, t := range candidates {
		if _, ok := owned[t]; !ok {
			return nil, &UnknownTaskError{Task: t}
		}
	}
	return candidates, nil
}

// GetStatus returns a key/value snapshot of the backend merged with the
// submitted-task list. A failing backend status operation degrades to
// interface_status=error without affecting running tasks.
func (m *Master) GetStatus() map[string]interface{} {
	m.sched.mu.Lock()
	status, err := m.backend.status()
	m.sched.mu.Unlock()
	if err != nil {
		m.log.Warn("Backend status failed", "error", err)
		status = map[string]interface{}{types.StatusKeyInterfaceStatus: "error"}
	}

	m.mu.Lock()
	tasks := make([]*Task, len(m.submitted))
	copy(tasks, m.submitted)
	m.mu.Unlock()

	status[types.StatusKeyTasks] = tasks
	return status
}

// taskFinished places a completed task on the finished list, waking
// GetResult waiters. Called from the task finish path.
func (m *Master) taskFinished(t *Task) {
	m.finished.Append(t)
	m.metrics.SetQueued(m.queued.Len())

	state := t.State()
	if total, ok := t.TotalTime(); ok {
		m.metrics.RecordFinished(state == types.StateFinished, total.Seconds())
	}
	if state == types.StateError {
		m.log.Info("Task had an error", "task", t.Name(), "error", t.Err())
	} else {
		m.log.Debug("Task finished", "task", t.Name())
	}
}

// Shutdown stops the scheduler, cleans up the backend and removes
// generated files if deletion is enabled. It is idempotent and safe to
// call from a defer in the driver; tasks still executing inside the
// backend are the backend's responsibility.
func (m *Master) Shutdown() {
	m.shutdownOnce.Do(func() {
		m.sched.stop()
		m.backend.cleanup()

		m.mu.Lock()
		tasks := make([]*Task, len(m.submitted))
		copy(tasks, m.submitted)
		m.mu.Unlock()

		for _, t := range tasks {
			t.cleanup(m.deleteFiles)
		}

		if m.deleteFiles {
			for _, path := range m.gen.Paths() {
				os.Remove(path)
			}
			// Succeeds only when the scratch area is fully drained.
			os.Remove(m.taskDir)
		}
		m.log.Info("Master shut down", "tasks", len(tasks))
	})
}

func depNames(deps []*registry.Entry) []string {
	if len(deps) == 0 {
		return nil
	}
	names := make([]string, len(deps))
	for i, d := range deps {
		names[i] = d.Name()
	}
	return names
}
