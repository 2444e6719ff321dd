// ============================================================================
// GridMW Worker Harness
// ============================================================================
//
// Package: internal/worker
// File: harness.go
// Purpose: Worker-side entry point shared by the subprocess worker mode
// and the in-process backend.
//
// Execution protocol, per task:
//   1. Redirect stdout and stderr into in-memory buffers.
//   2. Extract the data archive (if the bundle has one) into the working
//      directory.
//   3. Read the input tuple from the input binding.
//   4. Invoke the registered entry function with the deserialized
//      arguments.
//   5. Capture the return value and the contents of both buffers.
//   6. Write the (result, stdout, stderr) triple to the output binding.
//   7. On any failure: restore the original streams, print the error to
//      the original stderr, and exit non-zero (subprocess mode).
//
// Stream capture swaps the process-wide os.Stdout/os.Stderr, so user
// function invocations are serialized under a package lock. Task-level
// parallelism across processes is unaffected.
//
// ============================================================================

package worker

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"

	"github.com/gridmw/gridmw/internal/bundle"
	"github.com/gridmw/gridmw/pkg/codec"
	"github.com/gridmw/gridmw/pkg/registry"
	"github.com/gridmw/gridmw/pkg/types"
)

var stdioMu sync.Mutex

// Run executes one task described by the manifest at manifestPath,
// reading the input tuple from inPath and writing the result triple to
// outPath. On failure it returns the stderr captured from the task
// function alongside the error, for the backend to attach to the task.
func Run(manifestPath, inPath, outPath string) (string, error) {
	return run(manifestPath, inPath, outPath, codec.Gob{})
}

// RunWithCodec is Run with an overridden worker-side codec, for backends
// that replace the file protocol in tandem on both sides.
func RunWithCodec(manifestPath, inPath, outPath string, c codec.Codec) (string, error) {
	return run(manifestPath, inPath, outPath, c)
}

func run(manifestPath, inPath, outPath string, c codec.Codec) (string, error) {
	man, err := bundle.ReadManifest(manifestPath)
	if err != nil {
		return "", err
	}

	entry, ok := registry.Lookup(man.Func)
	if !ok {
		return "", fmt.Errorf("worker: task function %q is not registered in this binary", man.Func)
	}

	if man.DataArchive != "" {
		if err := bundle.Unpack(man.DataArchive, "."); err != nil {
			return "", err
		}
	}

	args, err := c.ReadInput(inPath)
	if err != nil {
		return "", err
	}

	value, stdout, stderr, err := capture(func() (interface{}, error) {
		return entry.Call(args...)
	})
	if err != nil {
		return stderr, err
	}

	return "", c.WriteResult(outPath, types.Result{
		Value:  value,
		Stdout: stdout,
		Stderr: stderr,
	})
}

// Main is the subprocess entry point behind `gridmw worker`. It returns
// the process exit code.
func Main(args []string) int {
	if len(args) != 3 {
		fmt.Fprintln(os.Stderr, "usage: worker <manifest> <input> <output>")
		return 2
	}
	stderr, err := Run(args[0], args[1], args[2])
	if err != nil {
		// Forward the task function's captured stderr on the real stderr
		// so the subprocess backend can carry it across the process
		// boundary, then the failure itself.
		if stderr != "" {
			fmt.Fprint(os.Stderr, stderr)
		}
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

// capture runs fn with os.Stdout and os.Stderr redirected into buffers
// and returns whatever fn returned together with both captured streams.
// A panic inside fn is converted into an error carrying the stack trace.
func capture(fn func() (interface{}, error)) (value interface{}, stdout, stderr string, err error) {
	stdioMu.Lock()
	defer stdioMu.Unlock()

	origOut, origErr := os.Stdout, os.Stderr

	outR, outW, perr := os.Pipe()
	if perr != nil {
		return nil, "", "", fmt.Errorf("worker: redirect stdout: %w", perr)
	}
	errR, errW, perr := os.Pipe()
	if perr != nil {
		outR.Close()
		outW.Close()
		return nil, "", "", fmt.Errorf("worker: redirect stderr: %w", perr)
	}

	var outBuf, errBuf bytes.Buffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&outBuf, outR)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&errBuf, errR)
	}()

	os.Stdout, os.Stderr = outW, errW

	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("worker: task function panicked: %v\n%s", r, debug.Stack())
			}
		}()
		value, err = fn()
	}()

	os.Stdout, os.Stderr = origOut, origErr
	outW.Close()
	errW.Close()
	wg.Wait()
	outR.Close()
	errR.Close()

	return value, outBuf.String(), errBuf.String(), err
}
