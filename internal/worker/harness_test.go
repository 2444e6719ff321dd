package worker

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmw/gridmw/internal/bundle"
	"github.com/gridmw/gridmw/pkg/codec"
	"github.com/gridmw/gridmw/pkg/registry"
)

var (
	harnessEcho = registry.Register("harness_test_echo", func(args ...interface{}) (interface{}, error) {
		fmt.Print("stdout test")
		fmt.Fprint(os.Stderr, "stderr test")
		return args[0], nil
	})

	harnessFail = registry.Register("harness_test_fail", func(args ...interface{}) (interface{}, error) {
		fmt.Fprint(os.Stderr, "about to fail")
		return nil, errors.New("intentional failure")
	})

	harnessPanic = registry.Register("harness_test_panic", func(args ...interface{}) (interface{}, error) {
		var zero int
		return 1 / zero, nil
	})

	harnessReadData = registry.Register("harness_test_read_data", func(args ...interface{}) (interface{}, error) {
		data, err := os.ReadFile(args[0].(string))
		if err != nil {
			return nil, err
		}
		return string(data), nil
	})
)

func setupTask(t *testing.T, funcName string, args []interface{}, dataFiles []string) (manifest, in, out string) {
	t.Helper()
	dir := t.TempDir()

	g := bundle.NewGenerator(dir, "test")
	b, err := g.Generate(bundle.Spec{Func: funcName, DataFiles: dataFiles})
	require.NoError(t, err)

	in = filepath.Join(dir, "in.dat")
	out = filepath.Join(dir, "out.dat")
	require.NoError(t, codec.Gob{}.WriteInput(in, args))
	return b.ManifestPath, in, out
}

func TestRunCapturesResultAndStreams(t *testing.T) {
	manifest, in, out := setupTask(t, harnessEcho.Name(), []interface{}{"payload"}, nil)

	stderr, err := Run(manifest, in, out)
	require.NoError(t, err)
	assert.Empty(t, stderr)

	res, err := codec.Gob{}.ReadResult(out)
	require.NoError(t, err)
	assert.Equal(t, "payload", res.Value)
	assert.Equal(t, "stdout test", res.Stdout)
	assert.Equal(t, "stderr test", res.Stderr)
}

func TestRunFailingFunctionReturnsStderr(t *testing.T) {
	manifest, in, out := setupTask(t, harnessFail.Name(), nil, nil)

	stderr, err := Run(manifest, in, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intentional failure")
	assert.Equal(t, "about to fail", stderr)

	_, rerr := codec.Gob{}.ReadResult(out)
	assert.Error(t, rerr, "no output must be written on failure")
}

func TestRunPanickingFunctionIsAnError(t *testing.T) {
	manifest, in, out := setupTask(t, harnessPanic.Name(), nil, nil)

	_, err := Run(manifest, in, out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Contains(t, err.Error(), "divide by zero")
}

func TestRunUnknownFunction(t *testing.T) {
	dir := t.TempDir()
	g := bundle.NewGenerator(dir, "test")
	b, err := g.Generate(bundle.Spec{Func: "harness_test_not_registered"})
	require.NoError(t, err)

	in := filepath.Join(dir, "in.dat")
	require.NoError(t, codec.Gob{}.WriteInput(in, nil))

	_, err = Run(b.ManifestPath, in, filepath.Join(dir, "out.dat"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not registered")
}

func TestRunExtractsDataArchive(t *testing.T) {
	srcDir := t.TempDir()
	dataFile := filepath.Join(srcDir, "aux.txt")
	require.NoError(t, os.WriteFile(dataFile, []byte("booga"), 0o644))

	manifest, in, out := setupTask(t, harnessReadData.Name(), []interface{}{"aux.txt"}, []string{dataFile})

	// The worker extracts into its working directory and reads by
	// basename.
	workDir := t.TempDir()
	restore := chdir(t, workDir)
	defer restore()

	_, err := Run(manifest, in, out)
	require.NoError(t, err)

	res, err := codec.Gob{}.ReadResult(out)
	require.NoError(t, err)
	assert.Equal(t, "booga", res.Value)
}

func TestMainBadUsage(t *testing.T) {
	assert.Equal(t, 2, Main([]string{"only", "two"}))
}

func chdir(t *testing.T, dir string) func() {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	return func() { os.Chdir(old) }
}
