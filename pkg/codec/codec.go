// ============================================================================
// GridMW Task I/O Codec
// ============================================================================
//
// Package: pkg/codec
// File: codec.go
// Purpose: Default file-based serialization between master and worker.
//
// Protocol:
//   - The master writes the task input as a tuple of positional arguments
//     to the input binding.
//   - The worker writes a (result, stdout, stderr) triple to the output
//     binding.
//   - Both sides use gob, a self-describing binary encoding. Backends may
//     override both sides in tandem to carry inputs and outputs in-band.
//
// Values stored in interface slots must have their concrete types
// registered with Register. Common builtin shapes are pre-registered.
//
// ============================================================================

package codec

import (
	"encoding/gob"
	"fmt"
	"os"

	"github.com/gridmw/gridmw/pkg/types"
)

// Codec encodes task inputs and decodes task outputs on the master side.
// The worker-side counterpart lives in the worker harness; a backend that
// overrides one side must override the other in tandem.
type Codec interface {
	// WriteInput persists the tuple of positional arguments at path.
	WriteInput(path string, args []interface{}) error

	// ReadInput loads the tuple of positional arguments from path.
	ReadInput(path string) ([]interface{}, error)

	// WriteResult persists the worker result triple at path.
	WriteResult(path string, res types.Result) error

	// ReadResult loads the worker result triple from path.
	ReadResult(path string) (types.Result, error)
}

// Register makes a concrete type encodable inside interface-typed slots
// of task inputs and results.
func Register(value interface{}) {
	gob.Register(value)
}

func init() {
	for _, v := range []interface{}{
		int(0), int8(0), int16(0), int32(0), int64(0),
		uint(0), uint8(0), uint16(0), uint32(0), uint64(0),
		float32(0), float64(0),
		"", false,
		[]interface{}{}, []int{}, []int64{}, []float64{}, []string{}, []bool{},
		[]byte{},
		map[string]interface{}{},
		[][]interface{}{},
		types.Result{},
		types.FileSpan{},
		[]types.FileSpan{},
	} {
		gob.Register(v)
	}
}

// Gob is the default file codec.
type Gob struct{}

// input is the on-disk envelope for a task input tuple.
type input struct {
	Args []interface{}
}

// output is the on-disk envelope for a task result triple.
type output struct {
	Result types.Result
}

func (Gob) WriteInput(path string, args []interface{}) error {
	return writeFile(path, input{Args: args})
}

func (Gob) ReadInput(path string) ([]interface{}, error) {
	var in input
	if err := readFile(path, &in); err != nil {
		return nil, err
	}
	return in.Args, nil
}

func (Gob) WriteResult(path string, res types.Result) error {
	return writeFile(path, output{Result: res})
}

func (Gob) ReadResult(path string) (types.Result, error) {
	var out output
	if err := readFile(path, &out); err != nil {
		return types.Result{}, err
	}
	return out.Result, nil
}

func writeFile(path string, v interface{}) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("codec: create %s: %w", path, err)
	}

	if err := gob.NewEncoder(f).Encode(v); err != nil {
		f.Close()
		return fmt.Errorf("codec: encode %s: %w", path, err)
	}
	return f.Close()
}

func readFile(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("codec: open %s: %w", path, err)
	}
	defer f.Close()

	if err := gob.NewDecoder(f).Decode(v); err != nil {
		return fmt.Errorf("codec: decode %s: %w", path, err)
	}
	return nil
}
