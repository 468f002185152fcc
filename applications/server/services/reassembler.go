package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/donmikel/chunkrelay/applications/protocol"
	"github.com/donmikel/chunkrelay/applications/server/domain"
	"github.com/donmikel/chunkrelay/applications/server/interfaces"
)

const defaultBaseName = "recording"

// reassembler concatenates staged chunks into an artifact under root.
type reassembler struct {
	staging interfaces.StagingStore
	fs      afero.Fs
	root    string
	prefix  string
	maxSize int64
	now     func() time.Time
	newID   func() string
	logger  log.Logger
}

// reassemble builds the artifact of t. It returns domain.ErrAlreadyCompleted
// when nothing is staged for the transfer.
func (r *reassembler) reassemble(ctx context.Context, t domain.Transfer) (domain.Artifact, error) {
	indices, err := r.staging.ListIndices(ctx, t.ID)
	if err != nil {
		return domain.Artifact{}, fmt.Errorf("can't list staged chunks: %w", err)
	}
	if len(indices) == 0 {
		return domain.Artifact{}, domain.ErrAlreadyCompleted
	}

	if missing := missingIndices(indices, t.TotalChunks); len(missing) > 0 {
		return domain.Artifact{}, fmt.Errorf("%w: transfer %s lacks indices %v of %d", domain.ErrMissingChunk, t.ID, missing, t.TotalChunks)
	}

	name := r.artifactName(t.Filename)
	final := filepath.Join(r.root, name)
	tmp := filepath.Join(r.root, "."+name+".partial")

	written, err := r.concat(ctx, t, tmp)
	if err != nil {
		_ = r.fs.Remove(tmp)
		return domain.Artifact{}, err
	}

	mimeType, size, err := r.verify(t, tmp, written)
	if err != nil {
		_ = r.fs.Remove(tmp)
		return domain.Artifact{}, err
	}

	if err = r.fs.Rename(tmp, final); err != nil {
		_ = r.fs.Remove(tmp)
		return domain.Artifact{}, fmt.Errorf("can't move artifact into place: %w", err)
	}

	artifact := domain.Artifact{
		ID:           r.newID(),
		TransferID:   t.ID,
		Filename:     name,
		RelativePath: path.Join(r.prefix, name),
		MimeType:     mimeType,
		Size:         size,
		UserID:       t.UserID,
		BranchID:     t.BranchID,
		Type:         t.Type,
		Description:  t.Description,
		CreatedAt:    r.now().UTC(),
	}

	level.Info(r.logger).Log("msg", "artifact stored",
		"transfer_id", t.ID,
		"file_id", artifact.ID,
		"filename", name,
		"mime_type", mimeType,
		"size", humanize.IBytes(uint64(size)),
	)

	return artifact, nil
}

// concat appends every staged chunk in index order. A chunk leaves staging
// only once it was appended.
func (r *reassembler) concat(ctx context.Context, t domain.Transfer, dst string) (int64, error) {
	if err := r.fs.MkdirAll(r.root, 0o755); err != nil {
		return 0, fmt.Errorf("can't create upload root: %w", err)
	}

	f, err := r.fs.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, fmt.Errorf("can't create artifact: %w", err)
	}

	var written int64
	for i := 0; i < t.TotalChunks; i++ {
		n, err := r.staging.ReadAndDelete(ctx, t.ID, i, f)
		written += n
		if err != nil {
			f.Close()
			return written, fmt.Errorf("can't append chunk %d: %w", i, err)
		}
		if written > r.maxSize {
			f.Close()
			return written, tooLarge(written, r.maxSize)
		}
	}

	if err = f.Sync(); err != nil {
		f.Close()
		return written, fmt.Errorf("can't sync artifact: %w", err)
	}
	if err = f.Close(); err != nil {
		return written, fmt.Errorf("can't close artifact: %w", err)
	}

	return written, nil
}

// verify checks the written file against what was appended, the size ceiling
// and the content signature.
func (r *reassembler) verify(t domain.Transfer, p string, written int64) (string, int64, error) {
	info, err := r.fs.Stat(p)
	if err != nil {
		return "", 0, fmt.Errorf("can't stat artifact: %w", err)
	}

	size := info.Size()
	if size != written {
		return "", 0, fmt.Errorf("artifact size %d differs from %d bytes appended", size, written)
	}
	if size > r.maxSize {
		return "", 0, tooLarge(size, r.maxSize)
	}
	if t.FileSize > 0 && size != t.FileSize {
		return "", 0, fmt.Errorf("%w: reassembled %d bytes, announced %d", domain.ErrInvalidInput, size, t.FileSize)
	}

	head, err := r.head(p)
	if err != nil {
		return "", 0, err
	}

	mimeType, ok := DetectContentType(head, t.Filename)
	if !ok {
		return "", 0, fmt.Errorf("%w: %s is not a recognised video", domain.ErrUnsupportedContent, t.Filename)
	}

	return mimeType, size, nil
}

func (r *reassembler) head(p string) ([]byte, error) {
	f, err := r.fs.Open(p)
	if err != nil {
		return nil, fmt.Errorf("can't open artifact: %w", err)
	}
	defer f.Close()

	buf := make([]byte, sniffLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, fmt.Errorf("can't read artifact header: %w", err)
	}

	return buf[:n], nil
}

// artifactName derives a collision resistant name from a time token, a random
// suffix and the sanitized original name.
func (r *reassembler) artifactName(original string) string {
	original = filepath.Base(strings.ReplaceAll(original, `\`, "/"))
	ext := strings.ToLower(filepath.Ext(original))
	if e, ok := protocol.SanitizeToken(ext); ok {
		ext = e
	} else {
		ext = ""
	}

	base, ok := protocol.SanitizeToken(strings.TrimSuffix(original, filepath.Ext(original)))
	if !ok {
		base = defaultBaseName
	}

	token := strconv.FormatInt(r.now().UnixNano(), 36)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	return fmt.Sprintf("%s_%s_%s", token, suffix, protocol.ShortenName(base+ext))
}

func missingIndices(staged []int, total int) []int {
	present := make(map[int]struct{}, len(staged))
	for _, i := range staged {
		present[i] = struct{}{}
	}

	var missing []int
	for i := 0; i < total; i++ {
		if _, ok := present[i]; !ok {
			missing = append(missing, i)
		}
	}

	return missing
}

func tooLarge(size, limit int64) error {
	return fmt.Errorf("%w: %d bytes exceeds the limit of %d bytes (%s)", domain.ErrTooLarge, size, limit, humanize.IBytes(uint64(limit)))
}
