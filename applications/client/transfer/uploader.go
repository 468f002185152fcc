package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"github.com/donmikel/chunkrelay/applications/client/splitter"
	"github.com/donmikel/chunkrelay/applications/protocol"
)

const (
	DefaultMaxAttempts = 3
	DefaultBackoffStep = 2 * time.Second
)

// State is where a transfer is in its lifecycle.
type State int

const (
	StatePending State = iota
	StateSending
	StateFinalizing
	StateDone
	StateFailed
	StateFallbackWritten
	StateFallbackFailed
)

var stateNames = map[State]string{
	StatePending:         "pending",
	StateSending:         "sending",
	StateFinalizing:      "finalizing",
	StateDone:            "done",
	StateFailed:          "failed",
	StateFallbackWritten: "fallback_written",
	StateFallbackFailed:  "fallback_failed",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

// Upload is one recording handed over by the producer.
type Upload struct {
	Data        []byte
	Filename    string
	UserID      string
	BranchID    string
	Description string
}

// Result is the outcome of one transfer. Err and FallbackErr are kept apart
// so a lost recording reports both causes.
type Result struct {
	Success    bool
	State      State
	TransferID string

	FileID       string
	Filename     string
	RelativePath string
	MimeType     string
	Size         int64
	UserID       string
	BranchID     string

	// Attempts holds the number of attempts per chunk index.
	Attempts         []int
	FinalizeAttempts int

	FallbackID  string
	Err         error
	FallbackErr error
	SinkErr     error
	Message     string
}

// Report is the JSON rendition of a Result.
type Report struct {
	Success       bool   `json:"success"`
	ID            string `json:"id,omitempty"`
	FileID        string `json:"fileId,omitempty"`
	Filename      string `json:"filename,omitempty"`
	RelativePath  string `json:"relativePath,omitempty"`
	Size          int64  `json:"size,omitempty"`
	MimeType      string `json:"mimeType,omitempty"`
	Error         string `json:"error,omitempty"`
	FallbackError string `json:"fallbackError,omitempty"`
	Message       string `json:"message"`
}

func (r Result) Report() Report {
	rep := Report{
		Success:      r.Success,
		ID:           r.FallbackID,
		FileID:       r.FileID,
		Filename:     r.Filename,
		RelativePath: r.RelativePath,
		Size:         r.Size,
		MimeType:     r.MimeType,
		Message:      r.Message,
	}
	if r.Err != nil {
		rep.Error = r.Err.Error()
	}
	if r.FallbackErr != nil {
		rep.FallbackError = r.FallbackErr.Error()
	}
	return rep
}

// Options tunes chunking and the retry policy.
type Options struct {
	ChunkSize   int
	MaxAttempts int
	// Backoff returns the pause after the failed attempt with the given
	// zero based number.
	Backoff func(attempt int) time.Duration
}

// LinearBackoff waits step, 2*step, 3*step, ... between attempts.
func LinearBackoff(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt+1)
	}
}

// Uploader runs transfers one chunk at a time in index order.
type Uploader struct {
	sender   Sender
	fallback LocalWriter
	sink     MetadataSink
	opts     Options
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
	logger   log.Logger
}

func NewUploader(sender Sender, fallback LocalWriter, sink MetadataSink, opts Options, logger log.Logger) *Uploader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = splitter.DefaultChunkSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff == nil {
		opts.Backoff = LinearBackoff(DefaultBackoffStep)
	}
	if sink == nil {
		sink = NewLogSink(logger)
	}

	return &Uploader{
		sender:   sender,
		fallback: fallback,
		sink:     sink,
		opts:     opts,
		sleep:    sleep,
		now:      time.Now,
		logger:   logger,
	}
}

// Upload delivers up and never fails outright: a transfer that can't be
// delivered ends in the local fallback and the returned Result says so.
func (u *Uploader) Upload(ctx context.Context, up Upload) Result {
	transferID := NewTransferID(up.Filename, u.now())
	chunks := splitter.Split(up.Data, u.opts.ChunkSize)
	total := len(chunks)

	result := Result{
		State:      StatePending,
		TransferID: transferID,
		UserID:     up.UserID,
		BranchID:   up.BranchID,
		Attempts:   make([]int, total),
	}

	meta := protocol.Meta{
		TransferID:  transferID,
		Filename:    up.Filename,
		UserID:      up.UserID,
		BranchID:    up.BranchID,
		Type:        protocol.TypeRecording,
		Description: up.Description,
		FileSize:    int64(len(up.Data)),
	}

	level.Info(u.logger).Log("msg", "transfer started",
		"transfer_id", transferID,
		"filename", up.Filename,
		"size", humanize.IBytes(uint64(len(up.Data))),
		"chunks", total,
	)

	var stored protocol.Response
	for _, c := range chunks {
		result.State = StateSending

		resp, attempts, err := u.deliver(ctx, protocol.NewChunk(meta, c.Index, total, c.Payload))
		result.Attempts[c.Index] = attempts
		if err != nil {
			return u.fail(up, result, fmt.Errorf("chunk %d of %d: %w", c.Index, total, err))
		}
		if resp.Completed() {
			stored = resp
		}
	}

	result.State = StateFinalizing
	resp, attempts, err := u.deliver(ctx, protocol.NewFinalize(meta, total))
	result.FinalizeAttempts = attempts
	if err != nil {
		return u.fail(up, result, fmt.Errorf("finalize: %w", err))
	}
	if !stored.Completed() {
		stored = resp
	}
	if !stored.Completed() {
		return u.fail(up, result, errors.New("receiver acknowledged the transfer without a file id"))
	}

	result.State = StateDone
	result.Success = true
	result.FileID = stored.FileID
	result.Filename = stored.Filename
	result.RelativePath = stored.RelativePath
	result.MimeType = stored.MimeType
	result.Size = stored.Size
	result.Message = "upload completed"

	level.Info(u.logger).Log("msg", "transfer completed",
		"transfer_id", transferID,
		"file_id", result.FileID,
		"relative_path", result.RelativePath,
	)

	if err = u.sink.RecordUpload(ctx, result); err != nil {
		result.SinkErr = err
		level.Error(u.logger).Log("msg", "can't record upload", "file_id", result.FileID, "err", err)
	}

	return result
}

// deliver sends req until it succeeds, fails permanently or runs out of
// attempts. It returns the number of attempts made.
func (u *Uploader) deliver(ctx context.Context, req protocol.Request) (protocol.Response, int, error) {
	var lastErr error
	for attempt := 0; attempt < u.opts.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := u.sleep(ctx, u.opts.Backoff(attempt-1)); err != nil {
				return protocol.Response{}, attempt, errors.Join(lastErr, err)
			}
		}

		resp, err := u.sender.Send(ctx, req)
		if err == nil {
			return resp, attempt + 1, nil
		}
		lastErr = err

		if !retryable(ctx, err) {
			return protocol.Response{}, attempt + 1, err
		}

		level.Warn(u.logger).Log("msg", "request failed",
			"kind", req.Kind,
			"transfer_id", req.Meta.TransferID,
			"index", req.Index,
			"attempt", attempt+1,
			"max_attempts", u.opts.MaxAttempts,
			"err", err,
		)
	}

	return protocol.Response{}, u.opts.MaxAttempts, fmt.Errorf("%d attempts exhausted: %w", u.opts.MaxAttempts, lastErr)
}

func (u *Uploader) fail(up Upload, result Result, err error) Result {
	result.State = StateFailed
	result.Err = err

	level.Error(u.logger).Log("msg", "transfer failed, writing local fallback",
		"transfer_id", result.TransferID,
		"err", err,
	)

	if u.fallback == nil {
		result.State = StateFallbackFailed
		result.FallbackErr = errors.New("no local fallback configured")
		result.Message = "upload failed and the recording could not be kept locally"
		return result
	}

	id, ferr := u.fallback.Write(result.TransferID, up.Data)
	if ferr != nil {
		result.State = StateFallbackFailed
		result.FallbackErr = ferr
		result.Message = "upload failed and the recording could not be kept locally"
		level.Error(u.logger).Log("msg", "recording lost",
			"transfer_id", result.TransferID,
			"err", errors.Join(err, ferr),
		)
		return result
	}

	result.State = StateFallbackWritten
	result.FallbackID = id
	result.Message = "upload failed, recording kept locally"
	level.Warn(u.logger).Log("msg", "recording kept locally",
		"transfer_id", result.TransferID,
		"id", id,
	)

	return result
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return reqErr.Temporary()
	}

	return true
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// NewTransferID builds an id from a millisecond timestamp, a random suffix and
// the sanitized base name of filename.
func NewTransferID(filename string, now time.Time) string {
	base, ok := protocol.SanitizeToken(filepath.Base(strings.ReplaceAll(filename, `\`, "/")))
	if !ok {
		base = "recording"
	}
	base = protocol.ShortenName(base)

	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]

	return strconv.FormatInt(now.UnixMilli(), 10) + "_" + suffix + "_" + base
}
