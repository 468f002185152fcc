package transfer

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/afero"
)

// MetadataSink records an upload the receiver stored.
type MetadataSink interface {
	RecordUpload(ctx context.Context, result Result) error
}

type logSink struct {
	logger log.Logger
}

// NewLogSink returns a sink that only logs the record.
func NewLogSink(logger log.Logger) MetadataSink {
	return &logSink{logger: logger}
}

func (s *logSink) RecordUpload(ctx context.Context, r Result) error {
	level.Info(s.logger).Log("msg", "upload recorded",
		"file_id", r.FileID,
		"filename", r.Filename,
		"relative_path", r.RelativePath,
		"mime_type", r.MimeType,
		"size", humanize.IBytes(uint64(r.Size)),
	)
	return nil
}

// Record is one line of a ledger file.
type Record struct {
	FileID       string    `json:"fileId"`
	TransferID   string    `json:"transferId"`
	Filename     string    `json:"filename"`
	RelativePath string    `json:"relativePath"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
	UserID       string    `json:"userId"`
	BranchID     string    `json:"brId"`
	RecordedAt   time.Time `json:"recordedAt"`
}

// LedgerSink appends one JSON record per stored upload to a file.
type LedgerSink struct {
	fs    afero.Fs
	path  string
	now   func() time.Time
	mutex sync.Mutex
}

func NewLedgerSink(fs afero.Fs, path string) *LedgerSink {
	return &LedgerSink{fs: fs, path: path, now: time.Now}
}

func (s *LedgerSink) RecordUpload(ctx context.Context, r Result) error {
	line, err := json.Marshal(Record{
		FileID:       r.FileID,
		TransferID:   r.TransferID,
		Filename:     r.Filename,
		RelativePath: r.RelativePath,
		MimeType:     r.MimeType,
		Size:         r.Size,
		UserID:       r.UserID,
		BranchID:     r.BranchID,
		RecordedAt:   s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("can't encode record: %w", err)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if err = s.fs.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("can't create ledger dir: %w", err)
	}

	f, err := s.fs.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("can't open ledger: %w", err)
	}

	if _, err = f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("can't append record: %w", err)
	}

	return f.Close()
}
