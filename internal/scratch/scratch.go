package scratch

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// filePrefix marks files owned by this package so that orphan cleanup never
// touches anything else living in the directory.
const filePrefix = "run-"

// Dir is the scratch directory shared by all process-based runs. Every run
// gets its own uniquely named file, so no locking is needed.
type Dir struct {
	path string
}

// File is a transient source file owned by exactly one run.
type File struct {
	path string
}

// New creates the scratch directory if needed and returns a handle to it.
func New(path string) (*Dir, error) {
	if path == "" {
		path = filepath.Join(os.TempDir(), "coderunner")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving scratch dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o700); err != nil {
		return nil, fmt.Errorf("creating scratch dir: %w", err)
	}
	return &Dir{path: abs}, nil
}

// Path returns the absolute directory path.
func (d *Dir) Path() string {
	return d.path
}

// Create writes data to a new file named run-<random><ext>. The file is
// created with O_EXCL, so names never collide. On a write failure the
// partial file is removed before returning.
func (d *Dir) Create(data []byte, ext string) (*File, error) {
	f, err := os.CreateTemp(d.path, filePrefix+"*"+ext)
	if err != nil {
		return nil, fmt.Errorf("creating run file: %w", err)
	}
	name := f.Name()

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return nil, fmt.Errorf("writing run file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return nil, fmt.Errorf("closing run file: %w", err)
	}

	return &File{path: name}, nil
}

// Path returns the absolute file path.
func (f *File) Path() string {
	return f.path
}

// Remove deletes the file. Removing an already deleted file is not an error.
func (f *File) Remove() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing run file %s: %w", f.path, err)
	}
	return nil
}

// CleanupOrphaned removes run files left behind by a previous process that
// exited before its runs finished. It must only be called before any run
// starts.
func (d *Dir) CleanupOrphaned() (int, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return 0, fmt.Errorf("listing scratch dir: %w", err)
	}

	var cleaned int
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) {
			continue
		}

		p := filepath.Join(d.path, e.Name())
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Error().Err(err).Str("path", p).Msg("failed to remove orphaned run file")
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		log.Info().Int("count", cleaned).Str("dir", d.path).Msg("cleaned up orphaned run files")
	}
	return cleaned, nil
}

// Count returns the number of run files currently present.
func (d *Dir) Count() (int, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return 0, fmt.Errorf("listing scratch dir: %w", err)
	}
	var n int
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), filePrefix) {
			n++
		}
	}
	return n, nil
}
