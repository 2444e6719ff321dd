// ============================================================================
// GridMW CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra-based command line interface for the gridmw binary.
//
// Command Structure:
//   gridmw
//   ├── run                        # Run the demo driver (Monte Carlo pi)
//   │   ├── --config, -c           # Config file path
//   │   ├── --tasks, -n            # Number of tasks to submit
//   │   └── --samples, -s          # Samples per task
//   ├── worker <manifest> <in> <out>  # Worker harness mode
//   ├── status                     # Show configuration overview
//   ├── --version                  # Version information
//   └── --help
//
// Configuration (YAML, default configs/default.yaml):
//   master:  task directory, delete-files behavior
//   backend: kind (multicore|inproc|sim), worker count
//   metrics: Prometheus endpoint toggle and port
//
// The worker subcommand is how the multicore backend re-invokes this
// binary on the worker side of a task: it runs the harness for one
// bundle manifest and exits non-zero on failure.
//
// ============================================================================

package cli

import (
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gridmw/gridmw/internal/metrics"
	"github.com/gridmw/gridmw/internal/worker"
	"github.com/gridmw/gridmw/pkg/backend/inproc"
	"github.com/gridmw/gridmw/pkg/backend/multicore"
	"github.com/gridmw/gridmw/pkg/backend/sim"
	"github.com/gridmw/gridmw/pkg/master"
	"github.com/gridmw/gridmw/pkg/registry"
)

// Config is the YAML configuration for the gridmw binary.
type Config struct {
	Master struct {
		TaskDir     string `yaml:"task_dir"`
		DeleteFiles *bool  `yaml:"delete_files"`
	} `yaml:"master"`

	Backend struct {
		Kind    string    `yaml:"kind"`
		Workers int       `yaml:"workers"`
		Speeds  []float64 `yaml:"speeds"`
	} `yaml:"backend"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// piSample is the demo task function: it draws n random points in the
// unit square and returns how many fall inside the quarter circle.
var piSample = registry.Register("pi_sample", func(args ...interface{}) (interface{}, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("pi_sample expects (seed, samples), got %d args", len(args))
	}
	seed, ok := args[0].(int64)
	if !ok {
		return nil, fmt.Errorf("pi_sample seed must be int64, got %T", args[0])
	}
	samples, ok := args[1].(int)
	if !ok {
		return nil, fmt.Errorf("pi_sample samples must be int, got %T", args[1])
	}

	rng := rand.New(rand.NewSource(seed))
	inside := 0
	for i := 0; i < samples; i++ {
		x, y := rng.Float64(), rng.Float64()
		if x*x+y*y <= 1.0 {
			inside++
		}
	}
	return inside, nil
})

var configFile string

// BuildCLI constructs the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "gridmw",
		Short: "GridMW: a master-worker task distribution framework",
		Long: `GridMW distributes coarse-grained computational tasks over a pool of
local or remote workers behind a pluggable backend.`,
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	var numTasks, samples int

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the Monte Carlo pi demo driver",
		Long:  "Submit pi-estimation tasks to the configured backend and aggregate the results.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(numTasks, samples)
		},
	}

	cmd.Flags().IntVarP(&numTasks, "tasks", "n", 8, "number of tasks to submit")
	cmd.Flags().IntVarP(&samples, "samples", "s", 100000, "random samples per task")

	return cmd
}

func buildWorkerCommand() *cobra.Command {
	return &cobra.Command{
		Use:    "worker <manifest> <input> <output>",
		Short:  "Run the worker harness for one task bundle",
		Hidden: true,
		Args:   cobra.ExactArgs(3),
		Run: func(cmd *cobra.Command, args []string) {
			os.Exit(worker.Main(args))
		},
	}
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the configuration overview",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus()
		},
	}
}

func runDemo(numTasks, samples int) error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := slog.Default()

	backend, err := BuildBackend(cfg)
	if err != nil {
		return err
	}

	opts := []master.Option{master.WithLogger(log)}
	if cfg.Master.TaskDir != "" {
		opts = append(opts, master.WithTaskDir(cfg.Master.TaskDir))
	}
	if cfg.Master.DeleteFiles != nil && !*cfg.Master.DeleteFiles {
		opts = append(opts, master.WithKeepFiles())
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, master.WithMetrics(prometheus.DefaultRegisterer))
		go func() {
			port := cfg.Metrics.Port
			if port == 0 {
				port = 9090
			}
			log.Info("Starting metrics server", "port", port)
			if err := metrics.StartServer(port); err != nil {
				log.Error("Metrics server failed", "error", err)
			}
		}()
	}

	m, err := master.New(backend, opts...)
	if err != nil {
		return err
	}
	defer m.Shutdown()

	log.Info("Submitting pi estimation tasks", "tasks", numTasks, "samples", samples)

	start := time.Now()
	tasks := make([]*master.Task, 0, numTasks)
	for i := 0; i < numTasks; i++ {
		t, err := m.SubmitTask(piSample, []interface{}{int64(i + 1), samples})
		if err != nil {
			return err
		}
		tasks = append(tasks, t)
	}

	inside := 0
	for range tasks {
		_, result, err := m.GetResult(tasks, true)
		if err != nil {
			return err
		}
		inside += result.(int)
	}

	total := numTasks * samples
	pi := 4.0 * float64(inside) / float64(total)
	fmt.Printf("pi ≈ %.6f (%d samples, %s, backend=%s)\n",
		pi, total, time.Since(start).Round(time.Millisecond), cfg.Backend.Kind)
	return nil
}

func showStatus() error {
	cfg, err := LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	fmt.Println("GridMW configuration")
	fmt.Printf("  config file:  %s\n", configFile)
	fmt.Printf("  task dir:     %s\n", orDefault(cfg.Master.TaskDir, master.DefaultTaskDir))
	fmt.Printf("  backend:      %s\n", orDefault(cfg.Backend.Kind, "multicore"))
	fmt.Printf("  workers:      %d\n", cfg.Backend.Workers)
	if cfg.Metrics.Enabled {
		fmt.Printf("  metrics:      enabled on :%d\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  metrics:      disabled")
	}
	fmt.Printf("  registered task functions: %v\n", registry.Names())
	return nil
}

// BuildBackend constructs the backend named by the config.
func BuildBackend(cfg *Config) (master.Backend, error) {
	switch cfg.Backend.Kind {
	case "", "multicore":
		return multicore.New(multicore.Config{Workers: cfg.Backend.Workers}), nil
	case "inproc":
		return inproc.New(cfg.Backend.Workers), nil
	case "sim":
		return sim.New(cfg.Backend.Speeds...), nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Backend.Kind)
	}
}

// LoadConfig reads and parses the YAML config file. A missing file yields
// the zero config, so the binary runs with defaults out of the box.
func LoadConfig(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return &cfg, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
