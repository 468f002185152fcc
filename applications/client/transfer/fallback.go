package transfer

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
)

// LocalWriter persists a whole recording when it could not be delivered.
type LocalWriter interface {
	Write(name string, data []byte) (string, error)
}

// Fallback writes recordings into a local directory.
type Fallback struct {
	fs  afero.Fs
	dir string
}

func NewFallback(fs afero.Fs, dir string) *Fallback {
	return &Fallback{fs: fs, dir: dir}
}

// Write stores data under dir/name and returns name as the fallback id. The
// file only appears under its final name once fully written.
func (f *Fallback) Write(name string, data []byte) (string, error) {
	if err := f.fs.MkdirAll(f.dir, 0o755); err != nil {
		return "", fmt.Errorf("can't create fallback dir %s: %w", f.dir, err)
	}

	final := filepath.Join(f.dir, name)
	tmp := final + ".tmp"

	if err := afero.WriteFile(f.fs, tmp, data, 0o644); err != nil {
		_ = f.fs.Remove(tmp)
		return "", fmt.Errorf("can't write fallback file: %w", err)
	}

	if err := f.fs.Rename(tmp, final); err != nil {
		_ = f.fs.Remove(tmp)
		return "", fmt.Errorf("can't move fallback file into place: %w", err)
	}

	return name, nil
}
