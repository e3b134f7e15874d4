// Package media wraps ffmpeg and ffprobe for the video and audio strategies.
package media

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// Workspace is a private scratch directory for one strategy run.
type Workspace struct {
	dir  string
	once sync.Once
	err  error

	mu  sync.Mutex
	seq int
}

// NewWorkspace creates <root>/automator/<uuid>. An empty root uses the
// system temp directory.
func NewWorkspace(root string) (*Workspace, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "automator", uuid.NewString())
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, eris.Wrapf(err, "media: create workspace %s", dir)
	}
	return &Workspace{dir: dir}, nil
}

// Dir returns the workspace directory.
func (w *Workspace) Dir() string { return w.dir }

// Path joins name onto the workspace directory.
func (w *Workspace) Path(name string) string {
	return filepath.Join(w.dir, name)
}

// Unique returns a path that no earlier Unique call on w handed out, of
// the form <prefix>-<n><ext>.
func (w *Workspace) Unique(prefix, ext string) string {
	w.mu.Lock()
	w.seq++
	n := w.seq
	w.mu.Unlock()
	return w.Path(fmt.Sprintf("%s-%d%s", prefix, n, ext))
}

// Glob returns the sorted workspace files matching pattern.
func (w *Workspace) Glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(w.dir, pattern))
	if err != nil {
		return nil, eris.Wrapf(err, "media: glob %s", pattern)
	}
	sort.Strings(matches)
	return matches, nil
}

// Clear removes the files with the given extension (without the dot).
func (w *Workspace) Clear(ext string) error {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return eris.Wrap(err, "media: read workspace")
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), "."+ext) {
			continue
		}
		if err := os.Remove(w.Path(e.Name())); err != nil {
			return eris.Wrapf(err, "media: remove %s", e.Name())
		}
	}
	return nil
}

// Close removes the workspace and everything in it. Safe to call more than
// once.
func (w *Workspace) Close() error {
	w.once.Do(func() {
		if err := os.RemoveAll(w.dir); err != nil {
			w.err = eris.Wrapf(err, "media: remove workspace %s", w.dir)
		}
	})
	return w.err
}
