package master

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gridmw/gridmw/pkg/types"
)

func TestSplitFileSpans(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "a.dat")
	fileB := filepath.Join(dir, "b.dat")
	require.NoError(t, os.WriteFile(fileA, make([]byte, 100), 0o644))
	require.NoError(t, os.WriteFile(fileB, make([]byte, 50), 0o644))

	chunks, err := splitFileSpans([]interface{}{fileA, fileB}, 4)
	require.NoError(t, err)
	require.Len(t, chunks, 4)

	// Spans are contiguous per file, disjoint, and cover every byte.
	var total int64
	covered := map[string]int64{}
	for _, chunk := range chunks {
		for _, span := range chunk {
			assert.Equal(t, covered[span.Path], span.Start,
				"span start must continue where the previous span of %s ended", span.Path)
			assert.Greater(t, span.End, span.Start)
			covered[span.Path] = span.End
			total += span.End - span.Start
		}
	}
	assert.Equal(t, int64(150), total)
	assert.Equal(t, int64(100), covered[fileA])
	assert.Equal(t, int64(50), covered[fileB])

	// 150 bytes over 4 chunks: the leading chunks absorb the remainder.
	sizes := make([]int64, 4)
	for i, chunk := range chunks {
		for _, span := range chunk {
			sizes[i] += span.End - span.Start
		}
	}
	assert.Equal(t, []int64{38, 38, 37, 37}, sizes)
}

func TestSplitFileSpansCrossesFileBoundary(t *testing.T) {
	dir := t.TempDir()
	fileA := filepath.Join(dir, "a.dat")
	fileB := filepath.Join(dir, "b.dat")
	require.NoError(t, os.WriteFile(fileA, make([]byte, 10), 0o644))
	require.NoError(t, os.WriteFile(fileB, make([]byte, 10), 0o644))

	chunks, err := splitFileSpans([]interface{}{fileA, fileB}, 1)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, []types.FileSpan{
		{Path: fileA, Start: 0, End: 10},
		{Path: fileB, Start: 0, End: 10},
	}, chunks[0])
}

func TestSplitFileSpansRejectsNonPath(t *testing.T) {
	_, err := splitFileSpans([]interface{}{42}, 2)
	assert.Error(t, err)
}

func TestFlatten(t *testing.T) {
	assert.Equal(t, []interface{}{1, 2}, flatten([]interface{}{1, 2}))
	assert.Equal(t, []interface{}{"scalar"}, flatten("scalar"))
}

func TestSubmitMapReduceValidation(t *testing.T) {
	m := newTestMaster(t, newFakeBackend("w"))

	_, err := m.SubmitMapReduce(nil, schedNoop, 2, nil, nil)
	var badExec *BadExecutableError
	assert.ErrorAs(t, err, &badExec)

	_, err = m.SubmitMapReduce(schedNoop, nil, 2, nil, nil)
	assert.ErrorAs(t, err, &badExec)

	_, err = m.SubmitMapReduce(schedNoop, schedNoop, 0, nil, nil)
	assert.Error(t, err)
}
