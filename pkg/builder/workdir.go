package builder

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/pkg/archive"
	"github.com/google/uuid"
)

// Workdir is a per-request directory holding the extracted source and the
// toolchain's credential store.
type Workdir struct {
	path string
}

// NewWorkdir creates a fresh directory under root.
func NewWorkdir(root string) (*Workdir, error) {
	w := &Workdir{path: filepath.Join(root, uuid.NewString())}
	for _, dir := range []string{w.SourceDir(), w.ConfigDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			_ = os.RemoveAll(w.path)
			return nil, fmt.Errorf("creating workdir: %w", err)
		}
	}
	return w, nil
}

// Path returns the workdir root.
func (w *Workdir) Path() string { return w.path }

// SourceDir is where the build context is extracted.
func (w *Workdir) SourceDir() string { return filepath.Join(w.path, "source") }

// ConfigDir holds the toolchain login state.
func (w *Workdir) ConfigDir() string { return filepath.Join(w.path, ".toolchain") }

// Extract unpacks a tar stream, optionally compressed, into SourceDir.
func (w *Workdir) Extract(r io.Reader) error {
	if err := archive.Untar(r, w.SourceDir(), &archive.TarOptions{NoLchown: true}); err != nil {
		return fmt.Errorf("extracting source: %w", err)
	}
	return nil
}

// Remove deletes the workdir and everything in it.
func (w *Workdir) Remove() error {
	return os.RemoveAll(w.path)
}
