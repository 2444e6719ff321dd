package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmw/gridmw/pkg/backend/inproc"
	"github.com/gridmw/gridmw/pkg/backend/multicore"
	"github.com/gridmw/gridmw/pkg/backend/sim"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
master:
  task_dir: /tmp/gridmw-tasks
  delete_files: false
backend:
  kind: inproc
  workers: 4
metrics:
  enabled: true
  port: 9191
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/gridmw-tasks", cfg.Master.TaskDir)
	require.NotNil(t, cfg.Master.DeleteFiles)
	assert.False(t, *cfg.Master.DeleteFiles)
	assert.Equal(t, "inproc", cfg.Backend.Kind)
	assert.Equal(t, 4, cfg.Backend.Workers)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9191, cfg.Metrics.Port)
}

func TestLoadConfigMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Backend.Kind)
	assert.Nil(t, cfg.Master.DeleteFiles)
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend: [unclosed"), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestBuildBackendKinds(t *testing.T) {
	var cfg Config

	cfg.Backend.Kind = "multicore"
	b, err := BuildBackend(&cfg)
	require.NoError(t, err)
	assert.IsType(t, &multicore.Backend{}, b)

	cfg.Backend.Kind = "inproc"
	b, err = BuildBackend(&cfg)
	require.NoError(t, err)
	assert.IsType(t, &inproc.Backend{}, b)

	cfg.Backend.Kind = "sim"
	cfg.Backend.Speeds = []float64{1.0, 2.0}
	b, err = BuildBackend(&cfg)
	require.NoError(t, err)
	assert.IsType(t, &sim.Backend{}, b)

	cfg.Backend.Kind = "teleport"
	_, err = BuildBackend(&cfg)
	assert.Error(t, err)
}

func TestBuildBackendDefaultsToMulticore(t *testing.T) {
	var cfg Config
	b, err := BuildBackend(&cfg)
	require.NoError(t, err)
	assert.IsType(t, &multicore.Backend{}, b)
}

func TestCLIStructure(t *testing.T) {
	root := BuildCLI()
	assert.Equal(t, "gridmw", root.Use)

	names := map[string]bool{}
	for _, cmd := range root.Commands() {
		names[cmd.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["worker"])
	assert.True(t, names["status"])
}

func TestPiSampleFunction(t *testing.T) {
	result, err := piSample.Call(int64(7), 1000)
	require.NoError(t, err)

	inside := result.(int)
	assert.Greater(t, inside, 0)
	assert.LessOrEqual(t, inside, 1000)

	// Deterministic for a fixed seed.
	again, err := piSample.Call(int64(7), 1000)
	require.NoError(t, err)
	assert.Equal(t, inside, again)

	_, err = piSample.Call("not a seed", 10)
	assert.Error(t, err)
}
