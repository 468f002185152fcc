package filesystem

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
)

const (
	chunkSuffix = ".part"
	tmpPattern  = ".incoming-*"
)

// StagingStore stages chunks on an afero filesystem, one directory per
// transfer and one file per chunk index.
type StagingStore struct {
	fs  afero.Fs
	dir string
	log log.Logger
	now func() time.Time
}

func NewStagingStore(fs afero.Fs, dir string, logger log.Logger) (*StagingStore, error) {
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("can't create staging dir %s: %w", dir, err)
	}

	return &StagingStore{
		fs:  fs,
		dir: dir,
		log: logger,
		now: time.Now,
	}, nil
}

func (s *StagingStore) transferDir(transferID string) string {
	return filepath.Join(s.dir, transferID)
}

func (s *StagingStore) chunkPath(transferID string, index int) string {
	return filepath.Join(s.transferDir(transferID), strconv.Itoa(index)+chunkSuffix)
}

// Put writes the chunk next to its final name and renames it into place, so
// a re-delivered chunk replaces the old one whole.
func (s *StagingStore) Put(ctx context.Context, transferID string, index int, body io.Reader) error {
	dir := s.transferDir(transferID)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("can't create transfer dir: %w", err)
	}

	tmp, err := afero.TempFile(s.fs, dir, tmpPattern)
	if err != nil {
		return fmt.Errorf("can't create staging file: %w", err)
	}

	n, err := io.Copy(tmp, body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = s.fs.Remove(tmp.Name())
		return fmt.Errorf("can't write staging file: %w", err)
	}

	if err = s.fs.Rename(tmp.Name(), s.chunkPath(transferID, index)); err != nil {
		_ = s.fs.Remove(tmp.Name())
		return fmt.Errorf("can't move staging file into place: %w", err)
	}

	level.Debug(s.log).Log("msg", "chunk staged",
		"transfer_id", transferID,
		"index", index,
		"size", humanize.IBytes(uint64(n)),
	)

	return nil
}

func (s *StagingStore) ListIndices(ctx context.Context, transferID string) ([]int, error) {
	sizes, err := s.ChunkSizes(ctx, transferID)
	if err != nil {
		return nil, err
	}

	indices := make([]int, 0, len(sizes))
	for i := range sizes {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	return indices, nil
}

func (s *StagingStore) ChunkSizes(ctx context.Context, transferID string) (map[int]int64, error) {
	entries, err := afero.ReadDir(s.fs, s.transferDir(transferID))
	if os.IsNotExist(err) {
		return map[int]int64{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("can't list staged chunks: %w", err)
	}

	sizes := make(map[int]int64, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, chunkSuffix) {
			continue
		}
		i, err := strconv.Atoi(strings.TrimSuffix(name, chunkSuffix))
		if err != nil || i < 0 {
			continue
		}
		sizes[i] = e.Size()
	}

	return sizes, nil
}

func (s *StagingStore) ReadAndDelete(ctx context.Context, transferID string, index int, w io.Writer) (int64, error) {
	path := s.chunkPath(transferID, index)

	f, err := s.fs.Open(path)
	if err != nil {
		return 0, fmt.Errorf("can't open staged chunk %d: %w", index, err)
	}

	n, err := io.Copy(w, f)
	f.Close()
	if err != nil {
		return n, fmt.Errorf("can't copy staged chunk %d: %w", index, err)
	}

	if err = s.fs.Remove(path); err != nil {
		return n, fmt.Errorf("can't remove staged chunk %d: %w", index, err)
	}

	s.removeIfEmpty(s.transferDir(transferID))

	return n, nil
}

func (s *StagingStore) removeIfEmpty(dir string) {
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil || len(entries) > 0 {
		return
	}

	if err = s.fs.Remove(dir); err != nil {
		level.Warn(s.log).Log("msg", "can't remove empty transfer dir", "dir", dir, "err", err)
	}
}

// Sweep removes transfer directories whose newest entry is older than
// olderThan.
func (s *StagingStore) Sweep(ctx context.Context, olderThan time.Duration) (int, error) {
	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		return 0, fmt.Errorf("can't list staging dir: %w", err)
	}

	deadline := s.now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if err = ctx.Err(); err != nil {
			return removed, err
		}
		if !e.IsDir() {
			continue
		}

		dir := filepath.Join(s.dir, e.Name())
		if s.lastModified(dir, e.ModTime()).After(deadline) {
			continue
		}

		if err = s.fs.RemoveAll(dir); err != nil {
			level.Error(s.log).Log("msg", "can't remove orphaned transfer", "dir", dir, "err", err)
			continue
		}

		level.Info(s.log).Log("msg", "orphaned transfer removed", "transfer_id", e.Name())
		removed++
	}

	return removed, nil
}

func (s *StagingStore) lastModified(dir string, dirMod time.Time) time.Time {
	latest := dirMod

	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		return latest
	}
	for _, e := range entries {
		if e.ModTime().After(latest) {
			latest = e.ModTime()
		}
	}

	return latest
}
