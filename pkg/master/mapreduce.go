// ============================================================================
// GridMW MapReduce Orchestrator
// ============================================================================
//
// Package: pkg/master
// File: mapreduce.go
// Purpose: Map-reduce built directly on the task primitive.
//
// SubmitMapReduce returns a synthetic composite task immediately; a
// background goroutine partitions the input, runs the map tasks, feeds
// their results into reduce tasks and completes the composite with the
// aggregated list of reduce outputs. Any inner task error is bound to
// the composite task and transitions it to Error.
//
// Partitioning is balanced: chunks are contiguous, their concatenation
// equals the input, and the first len(input)%n chunks carry one extra
// element. In file-input mode the partition is by byte count across file
// boundaries, emitting per-chunk lists of (path, start, end) spans.
//
// ============================================================================

package master

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gridmw/gridmw/pkg/registry"
	"github.com/gridmw/gridmw/pkg/types"
)

// MapReduceConfig configures one map-reduce submission.
type MapReduceConfig struct {
	// NumReduce is the number of reduce tasks. The default -1 feeds each
	// map result into its own reduce task.
	NumReduce int

	// FileInput partitions the input by byte ranges over the named files
	// instead of splitting the value list.
	FileInput bool

	// Submit options forwarded to every inner map and reduce task.
	Modules []string
	Deps    []*registry.Entry
}

// SubmitMapReduce submits a map-reduce computation: numMap map tasks over
// balanced partitions of input, whose results feed the reduce tasks. The
// returned composite task completes when every reduce task has; its
// result is the list of reduce outputs in completion order.
func (m *Master) SubmitMapReduce(mapEntry, reduceEntry *registry.Entry, numMap int, input []interface{}, cfg *MapReduceConfig) (*Task, error) {
	if mapEntry == nil {
		return nil, &BadExecutableError{Value: mapEntry}
	}
	if reduceEntry == nil {
		return nil, &BadExecutableError{Value: reduceEntry}
	}
	if numMap <= 0 {
		return nil, fmt.Errorf("map-reduce requires at least one map task, got %d", numMap)
	}
	if cfg == nil {
		cfg = &MapReduceConfig{NumReduce: -1}
	}

	composite := &Task{
		master: m,
		state:  types.StateSubmitted,
		done:   make(chan struct{}),
	}
	m.mu.Lock()
	composite.name = fmt.Sprintf("%s_%s_MR_%s_%d", mapEntry.Name(), reduceEntry.Name(), m.startTag, m.taskNum)
	m.taskNum++
	m.submitted = append(m.submitted, composite)
	m.mu.Unlock()

	composite.inputPath = filepath.Join(m.taskDir, "in_"+composite.name+".dat")
	composite.outputPath = filepath.Join(m.taskDir, "out_"+composite.name+".dat")
	composite.submitTime = time.Now()

	go m.runMapReduce(composite, mapEntry, reduceEntry, numMap, input, cfg)

	return composite, nil
}

func (m *Master) runMapReduce(composite *Task, mapEntry, reduceEntry *registry.Entry, numMap int, input []interface{}, cfg *MapReduceConfig) {
	defer func() {
		if r := recover(); r != nil {
			composite.Finish(fmt.Errorf("map-reduce orchestration panicked: %v", r))
		}
	}()

	opts := innerOptions(cfg)

	// Partition the input and submit the map wave.
	var chunks []interface{}
	if cfg.FileInput {
		spans, err := splitFileSpans(input, numMap)
		if err != nil {
			composite.Finish(err)
			return
		}
		for _, spanChunk := range spans {
			chunks = append(chunks, spanChunk)
		}
	} else {
		for _, chunk := range splitBalanced(input, numMap) {
			chunks = append(chunks, chunk)
		}
	}

	mapTasks := make([]*Task, 0, len(chunks))
	for _, chunk := range chunks {
		t, err := m.SubmitTask(mapEntry, []interface{}{chunk}, opts...)
		if err != nil {
			composite.Finish(err)
			return
		}
		mapTasks = append(mapTasks, t)
	}

	// Collect map results in completion order. With NumReduce == -1 each
	// map result feeds its own reduce task straight away; otherwise the
	// results pool up for re-partitioning.
	var (
		reduceTasks []*Task
		pooled      []interface{}
	)
	remaining := mapTasks
	for len(remaining) > 0 {
		t, result, err := m.GetResult(remaining, true)
		if err != nil {
			composite.Finish(err)
			return
		}
		remaining = removeTask(remaining, t)

		if cfg.NumReduce == -1 {
			rt, err := m.SubmitTask(reduceEntry, []interface{}{result}, opts...)
			if err != nil {
				composite.Finish(err)
				return
			}
			reduceTasks = append(reduceTasks, rt)
		} else {
			pooled = append(pooled, flatten(result)...)
		}
	}

	if cfg.NumReduce != -1 {
		for _, chunk := range splitBalanced(pooled, cfg.NumReduce) {
			rt, err := m.SubmitTask(reduceEntry, []interface{}{chunk}, opts...)
			if err != nil {
				composite.Finish(err)
				return
			}
			reduceTasks = append(reduceTasks, rt)
		}
	}

	// Aggregate the reduce outputs in completion order.
	results := make([]interface{}, 0, len(reduceTasks))
	remaining = reduceTasks
	for len(remaining) > 0 {
		t, result, err := m.GetResult(remaining, true)
		if err != nil {
			composite.Finish(err)
			return
		}
		remaining = removeTask(remaining, t)
		results = append(results, result)
	}

	composite.finishExplicit(results)
}

func innerOptions(cfg *MapReduceConfig) []SubmitOption {
	var opts []SubmitOption
	if len(cfg.Modules) > 0 {
		opts = append(opts, WithModules(cfg.Modules...))
	}
	if len(cfg.Deps) > 0 {
		opts = append(opts, WithDeps(cfg.Deps...))
	}
	if cfg.FileInput {
		opts = append(opts, WithFileInput())
	}
	return opts
}

// splitBalanced partitions data into n contiguous chunks whose sizes
// differ by at most one; the leading chunks absorb the remainder.
func splitBalanced(data []interface{}, n int) [][]interface{} {
	if n <= 0 {
		return nil
	}
	size := len(data) / n
	extra := len(data) % n

	chunks := make([][]interface{}, 0, n)
	pos := 0
	for i := 0; i < n; i++ {
		length := size
		if extra > 0 {
			length++
			extra--
		}
		chunks = append(chunks, data[pos:pos+length])
		pos += length
	}
	return chunks
}

// splitFileSpans partitions the named files into n byte-balanced chunks,
// crossing file boundaries where needed. Each chunk is a list of
// (path, start, end) spans.
func splitFileSpans(input []interface{}, n int) ([][]types.FileSpan, error) {
	paths := make([]string, 0, len(input))
	sizes := make([]int64, 0, len(input))
	var total int64
	for _, v := range input {
		path, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("file input requires file paths, got %T", v)
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("map-reduce input file: %w", err)
		}
		paths = append(paths, path)
		sizes = append(sizes, info.Size())
		total += info.Size()
	}

	// Byte budget per chunk, balanced the same way as value splits.
	budget := make([]int64, n)
	size := total / int64(n)
	extra := total % int64(n)
	for i := range budget {
		budget[i] = size
		if extra > 0 {
			budget[i]++
			extra--
		}
	}

	chunks := make([][]types.FileSpan, n)
	chunk := 0
	rest := budget[0]
	for i, path := range paths {
		var pos int64
		for pos < sizes[i] {
			if chunk >= n {
				break
			}
			span := types.FileSpan{Path: path, Start: pos}
			if sizes[i]-pos < rest {
				span.End = sizes[i]
				rest -= sizes[i] - pos
				pos = sizes[i]
				chunks[chunk] = append(chunks[chunk], span)
			} else {
				span.End = pos + rest
				pos += rest
				chunks[chunk] = append(chunks[chunk], span)
				chunk++
				if chunk < n {
					rest = budget[chunk]
				}
			}
		}
	}
	return chunks, nil
}

// flatten appends the elements of a slice result, or the value itself
// when the map function returned a scalar.
func flatten(result interface{}) []interface{} {
	if list, ok := result.([]interface{}); ok {
		return list
	}
	return []interface{}{result}
}

func removeTask(tasks []*Task, t *Task) []*Task {
	for i, cand := range tasks {
		if cand == t {
			return append(tasks[:i], tasks[i+1:]...)
		}
	}
	return tasks
}
