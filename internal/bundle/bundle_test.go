package bundle

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDataFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestGenerateManifest(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(dir, "1700000000")

	b, err := g.Generate(Spec{Func: "square", Deps: []string{"helper"}})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "square_1700000000.json"), b.ManifestPath)
	assert.Empty(t, b.DataArchive)
	assert.Empty(t, b.ModuleArchive)

	man, err := ReadManifest(b.ManifestPath)
	require.NoError(t, err)
	assert.Equal(t, "square", man.Func)
	assert.Equal(t, []string{"helper"}, man.Deps)
	assert.False(t, man.FileInput)
}

func TestGenerateIsContentAddressed(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(dir, "tag")

	data := writeDataFile(t, dir, "aux.txt", "booga")

	spec := Spec{Func: "square", DataFiles: []string{data}}
	first, err := g.Generate(spec)
	require.NoError(t, err)
	second, err := g.Generate(spec)
	require.NoError(t, err)

	assert.Same(t, first, second, "identical specs must share one bundle")

	// A different tuple produces a different bundle with its own
	// manifest, but the shared data file set maps to one archive.
	other, err := g.Generate(Spec{Func: "square", DataFiles: []string{data}, FileInput: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.ManifestPath, other.ManifestPath)
	assert.Equal(t, first.DataArchive, other.DataArchive,
		"same data file set must share one archive across bundles")
}

func TestGenerateDataArchive(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(dir, "tag")

	a := writeDataFile(t, dir, "one.txt", "first")
	b := writeDataFile(t, dir, "two.txt", "second")

	bun, err := g.Generate(Spec{Func: "reader", DataFiles: []string{a, b}})
	require.NoError(t, err)
	require.NotEmpty(t, bun.DataArchive)

	out := t.TempDir()
	require.NoError(t, Unpack(bun.DataArchive, out))

	got, err := os.ReadFile(filepath.Join(out, "one.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first", string(got))
	got, err = os.ReadFile(filepath.Join(out, "two.txt"))
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestMissingDataFileFailsGeneration(t *testing.T) {
	g := NewGenerator(t.TempDir(), "tag")
	_, err := g.Generate(Spec{Func: "reader", DataFiles: []string{"/no/such/file.txt"}})
	assert.Error(t, err)
}

func TestMissingModuleIsSkipped(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(dir, "tag")

	present := writeDataFile(t, dir, "mod.bin", "module payload")

	b, err := g.Generate(Spec{Func: "worker", Modules: []string{"/no/such/module", present}})
	require.NoError(t, err, "missing modules are best effort")
	require.NotEmpty(t, b.ModuleArchive)

	out := t.TempDir()
	require.NoError(t, Unpack(b.ModuleArchive, out))
	_, err = os.Stat(filepath.Join(out, "mod.bin"))
	assert.NoError(t, err)
}

func TestPathsListsEverything(t *testing.T) {
	dir := t.TempDir()
	g := NewGenerator(dir, "tag")

	data := writeDataFile(t, dir, "aux.txt", "x")
	_, err := g.Generate(Spec{Func: "a", DataFiles: []string{data}})
	require.NoError(t, err)
	_, err = g.Generate(Spec{Func: "b"})
	require.NoError(t, err)

	paths := g.Paths()
	assert.Len(t, paths, 3) // two manifests plus one archive
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.NoError(t, err, "path %s should exist", p)
	}
}
