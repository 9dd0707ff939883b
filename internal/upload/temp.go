package upload

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/google/uuid"
)

// TempRegistry tracks files an Uploader created to materialize streams.
// Each Uploader owns one, so releasing a path in one worker never touches
// another worker's in-flight file.
type TempRegistry struct {
	dir   string
	mu    sync.Mutex
	paths map[string]struct{}
}

func NewTempRegistry(dir string) *TempRegistry {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "splore-uploads")
	}
	return &TempRegistry{dir: dir, paths: make(map[string]struct{})}
}

func (r *TempRegistry) Dir() string { return r.dir }

// Create makes an empty, uniquely named file in the registry's directory
// and tracks it. ext is appended as given (".pdf").
func (r *TempRegistry) Create(ext string) (*os.File, error) {
	if err := os.MkdirAll(r.dir, 0o700); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(r.dir, uuid.NewString()+ext), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.paths[f.Name()] = struct{}{}
	r.mu.Unlock()
	return f, nil
}

// Owns reports whether path was created by this registry and not yet released.
func (r *TempRegistry) Owns(path string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.paths[path]
	return ok
}

// Release deletes path if the registry owns it. A file that is already gone
// counts as released.
func (r *TempRegistry) Release(path string) error {
	r.mu.Lock()
	_, ok := r.paths[path]
	delete(r.paths, path)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Paths returns the tracked paths in sorted order.
func (r *TempRegistry) Paths() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.paths))
	for p := range r.paths {
		out = append(out, p)
	}
	r.mu.Unlock()
	slices.Sort(out)
	return out
}

// Cleanup releases every tracked file, ignoring deletion errors.
func (r *TempRegistry) Cleanup() {
	for _, p := range r.Paths() {
		_ = r.Release(p)
	}
}
