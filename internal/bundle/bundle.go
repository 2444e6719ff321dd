// ============================================================================
// GridMW Worker Bundle Generator
// ============================================================================
//
// Package: internal/bundle
// File: bundle.go
// Purpose: Produces the self-contained worker bundle for a task function:
// a manifest file naming the entry function and its closure, plus zip
// archives of auxiliary data files and bundled modules.
//
// Bundles are content-addressed: the (function, dependency functions,
// modules, data files) tuple is hashed, and repeated submissions with the
// same tuple reuse the same manifest and archives. The generator is
// idempotent.
//
// Manifest writes are atomic (temp file + rename) so a concurrently
// submitting thread never observes a half-written bundle.
//
// Failure policy:
//   - a named module that cannot be found on disk is skipped with a
//     warning (best effort)
//   - an unreadable data file fails bundle generation, and with it the
//     submission, before the task is enqueued
//
// ============================================================================

package bundle

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

var log = slog.Default()

// Manifest is the generated worker entry file. The worker harness reads
// it to learn which registered function to run and which archives to
// unpack before running it.
type Manifest struct {
	Func          string   `json:"func"`
	Deps          []string `json:"deps,omitempty"`
	Modules       []string `json:"modules,omitempty"`
	DataArchive   string   `json:"data_archive,omitempty"`
	ModuleArchive string   `json:"module_archive,omitempty"`
	FileInput     bool     `json:"file_input,omitempty"`
}

// Bundle is a generated worker bundle on disk.
type Bundle struct {
	ManifestPath  string
	DataArchive   string
	ModuleArchive string
}

// Generator builds and caches worker bundles inside a task directory.
type Generator struct {
	mu       sync.Mutex
	dir      string
	startTag string
	bundles  map[uint64]*Bundle
	archives map[uint64]string
	names    map[string]struct{}
}

// NewGenerator creates a generator rooted at dir. startTag is the owning
// master's start-time tag; it becomes part of every manifest file name.
func NewGenerator(dir, startTag string) *Generator {
	return &Generator{
		dir:      dir,
		startTag: startTag,
		bundles:  make(map[uint64]*Bundle),
		archives: make(map[uint64]string),
		names:    make(map[string]struct{}),
	}
}

// Spec identifies a function bundle.
type Spec struct {
	Func      string
	Deps      []string
	Modules   []string
	DataFiles []string
	FileInput bool
}

func (s Spec) hash() uint64 {
	h := xxhash.New()
	writePart := func(kind string, parts []string) {
		io.WriteString(h, kind)
		for _, p := range parts {
			io.WriteString(h, "\x00")
			io.WriteString(h, p)
		}
		io.WriteString(h, "\x01")
	}
	writePart("func", []string{s.Func})
	writePart("deps", s.Deps)
	writePart("modules", s.Modules)
	writePart("data", s.DataFiles)
	if s.FileInput {
		io.WriteString(h, "file_input")
	}
	return h.Sum64()
}

// Generate returns the bundle for spec, building it on first use.
func (g *Generator) Generate(spec Spec) (*Bundle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	key := spec.hash()
	if b, ok := g.bundles[key]; ok {
		return b, nil
	}

	b := &Bundle{}
	var err error

	if len(spec.DataFiles) > 0 {
		b.DataArchive, err = g.archive("data_", spec.DataFiles, false)
		if err != nil {
			return nil, err
		}
	}
	if len(spec.Modules) > 0 {
		b.ModuleArchive, err = g.archive("modules_", spec.Modules, true)
		if err != nil {
			return nil, err
		}
	}

	man := Manifest{
		Func:          spec.Func,
		Deps:          spec.Deps,
		Modules:       spec.Modules,
		DataArchive:   b.DataArchive,
		ModuleArchive: b.ModuleArchive,
		FileInput:     spec.FileInput,
	}
	// The first bundle of a function gets the plain name; a later bundle
	// of the same function with a different closure gets a hash suffix so
	// the two manifests never collide.
	name := fmt.Sprintf("%s_%s.json", spec.Func, g.startTag)
	if _, taken := g.names[name]; taken {
		name = fmt.Sprintf("%s_%s_%x.json", spec.Func, g.startTag, key)
	}
	g.names[name] = struct{}{}

	b.ManifestPath = filepath.Join(g.dir, name)
	if err := writeManifest(b.ManifestPath, man); err != nil {
		return nil, err
	}

	g.bundles[key] = b
	return b, nil
}

// archive packs files into a zip under the task directory and caches the
// result per file set. Module files are best effort; data files are not.
func (g *Generator) archive(prefix string, files []string, bestEffort bool) (string, error) {
	key := xxhash.Sum64String(prefix + "\x00" + joinNul(files))
	if path, ok := g.archives[key]; ok {
		return path, nil
	}

	path := filepath.Join(g.dir, fmt.Sprintf("%s%s.zip", prefix, uuid.NewString()))
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("bundle: create archive: %w", err)
	}
	zw := zip.NewWriter(f)

	for _, name := range files {
		src, err := os.Open(name)
		if err != nil {
			if bestEffort {
				log.Warn("Skipping missing module file", "module", name)
				continue
			}
			zw.Close()
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("bundle: read data file %s: %w", name, err)
		}

		w, err := zw.Create(filepath.Base(name))
		if err == nil {
			_, err = io.Copy(w, src)
		}
		src.Close()
		if err != nil {
			zw.Close()
			f.Close()
			os.Remove(path)
			return "", fmt.Errorf("bundle: archive %s: %w", name, err)
		}
	}

	if err := zw.Close(); err != nil {
		f.Close()
		os.Remove(path)
		return "", fmt.Errorf("bundle: finalize archive: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("bundle: finalize archive: %w", err)
	}

	g.archives[key] = path
	return path, nil
}

// Paths returns every file the generator has produced, for shutdown
// cleanup.
func (g *Generator) Paths() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []string
	for _, b := range g.bundles {
		out = append(out, b.ManifestPath)
	}
	for _, path := range g.archives {
		out = append(out, path)
	}
	return out
}

// ReadManifest loads a worker manifest from disk.
func ReadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("bundle: read manifest: %w", err)
	}
	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return Manifest{}, fmt.Errorf("bundle: parse manifest %s: %w", path, err)
	}
	return man, nil
}

// writeManifest writes the manifest atomically: temp file, then rename.
func writeManifest(path string, man Manifest) error {
	data, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return fmt.Errorf("bundle: encode manifest: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("bundle: write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("bundle: write manifest: %w", err)
	}
	return nil
}

// Unpack extracts a zip archive into dir, flattening entries to their
// base names the way the worker expects to read them.
func Unpack(archive, dir string) error {
	zr, err := zip.OpenReader(archive)
	if err != nil {
		return fmt.Errorf("bundle: open archive %s: %w", archive, err)
	}
	defer zr.Close()

	for _, entry := range zr.File {
		rc, err := entry.Open()
		if err != nil {
			return fmt.Errorf("bundle: extract %s: %w", entry.Name, err)
		}

		dst := filepath.Join(dir, filepath.Base(entry.Name))
		out, err := os.Create(dst)
		if err == nil {
			_, err = io.Copy(out, rc)
			if cerr := out.Close(); err == nil {
				err = cerr
			}
		}
		rc.Close()
		if err != nil {
			return fmt.Errorf("bundle: extract %s: %w", entry.Name, err)
		}
	}
	return nil
}

func joinNul(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "\x00"
		}
		out += p
	}
	return out
}
