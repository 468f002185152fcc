package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/spf13/afero"
	"golang.org/x/sync/singleflight"

	"github.com/donmikel/chunkrelay/applications/protocol"
	"github.com/donmikel/chunkrelay/applications/server"
	"github.com/donmikel/chunkrelay/applications/server/domain"
	"github.com/donmikel/chunkrelay/applications/server/interfaces"
)

const (
	defaultPublicPrefix = "uploads"
	maxTotalChunks      = 1 << 20
)

// Options configures where artifacts land and how large they may be.
type Options struct {
	UploadRoot   string
	PublicPrefix string
	MaxFileSize  int64
}

type service struct {
	staging     interfaces.StagingStore
	index       interfaces.ArtifactIndex
	fs          afero.Fs
	root        string
	maxFileSize int64
	reassembler *reassembler
	// completions runs at most one completion per transfer id at a time.
	completions singleflight.Group
	logger      log.Logger
}

func NewService(staging interfaces.StagingStore, index interfaces.ArtifactIndex, fs afero.Fs, opts Options, logger log.Logger) server.ChunkService {
	if opts.PublicPrefix == "" {
		opts.PublicPrefix = defaultPublicPrefix
	}

	return &service{
		staging:     staging,
		index:       index,
		fs:          fs,
		root:        opts.UploadRoot,
		maxFileSize: opts.MaxFileSize,
		reassembler: &reassembler{
			staging: staging,
			fs:      fs,
			root:    opts.UploadRoot,
			prefix:  opts.PublicPrefix,
			maxSize: opts.MaxFileSize,
			now:     time.Now,
			newID:   uuid.NewString,
			logger:  logger,
		},
		logger: logger,
	}
}

func (s *service) MaxFileSize() int64 {
	return s.maxFileSize
}

func (s *service) PutChunk(ctx context.Context, chunk domain.Chunk) (domain.Receipt, error) {
	t, err := s.validate(chunk.Transfer)
	if err != nil {
		return domain.Receipt{}, err
	}
	chunk.Transfer = t

	if chunk.Index < 0 || chunk.Index >= t.TotalChunks {
		return domain.Receipt{}, fmt.Errorf("%w: chunk index %d outside 0..%d", domain.ErrInvalidInput, chunk.Index, t.TotalChunks-1)
	}
	if size := int64(len(chunk.Payload)); size > s.maxFileSize {
		return domain.Receipt{}, tooLarge(size, s.maxFileSize)
	}
	if err = s.checkStagedSize(ctx, chunk); err != nil {
		return domain.Receipt{}, err
	}

	if err = s.staging.Put(ctx, t.ID, chunk.Index, bytes.NewReader(chunk.Payload)); err != nil {
		return domain.Receipt{}, fmt.Errorf("can't stage chunk %d: %w", chunk.Index, err)
	}

	if !chunk.IsLast() {
		return domain.Receipt{Message: fmt.Sprintf("Chunk %d saved", chunk.Index)}, nil
	}

	return s.complete(ctx, t)
}

func (s *service) Finalize(ctx context.Context, transfer domain.Transfer) (domain.Receipt, error) {
	t, err := s.validate(transfer)
	if err != nil {
		return domain.Receipt{}, err
	}

	return s.complete(ctx, t)
}

// complete reassembles t. Concurrent completions of one transfer share a
// single run, so a retried last chunk arriving mid-reassembly gets the same
// answer as the request that started it.
func (s *service) complete(ctx context.Context, t domain.Transfer) (domain.Receipt, error) {
	v, err, shared := s.completions.Do(t.ID, func() (interface{}, error) {
		return s.completeOnce(context.WithoutCancel(ctx), t)
	})
	if err != nil {
		return domain.Receipt{}, err
	}

	receipt := v.(domain.Receipt)
	if shared && receipt.Artifact != nil {
		// A chunk staged while the shared run was already past it.
		s.discard(ctx, t.ID)
	}

	return receipt, nil
}

// completeOnce answers a transfer the index already knows, or one with
// nothing left in staging, with success again.
func (s *service) completeOnce(ctx context.Context, t domain.Transfer) (domain.Receipt, error) {
	if prev, err := s.index.FindByTransfer(ctx, t.ID); err == nil {
		level.Info(s.logger).Log("msg", "late chunk for completed transfer dropped", "transfer_id", t.ID, "file_id", prev.ID)
		s.discard(ctx, t.ID)
		return domain.Receipt{Message: "Upload already completed", Artifact: &prev}, nil
	}

	artifact, err := s.reassembler.reassemble(ctx, t)
	switch {
	case err == nil:
		if err = s.index.Put(ctx, artifact); err != nil {
			level.Error(s.logger).Log("msg", "can't index artifact",
				"transfer_id", t.ID,
				"file_id", artifact.ID,
				"err", err,
			)
		}
		return domain.Receipt{Message: "Upload completed", Artifact: &artifact}, nil

	case errors.Is(err, domain.ErrAlreadyCompleted):
		level.Info(s.logger).Log("msg", "nothing staged, transfer already completed", "transfer_id", t.ID)
		return domain.Receipt{Message: "Upload already completed"}, nil

	default:
		return domain.Receipt{}, err
	}
}

// checkStagedSize rejects a chunk that would push the staged total of its
// transfer past the ceiling, and drops what was staged since the transfer
// can't complete any more.
func (s *service) checkStagedSize(ctx context.Context, chunk domain.Chunk) error {
	sizes, err := s.staging.ChunkSizes(ctx, chunk.Transfer.ID)
	if err != nil {
		return fmt.Errorf("can't size staged chunks: %w", err)
	}

	total := int64(len(chunk.Payload))
	for i, n := range sizes {
		if i != chunk.Index {
			total += n
		}
	}
	if total <= s.maxFileSize {
		return nil
	}

	level.Warn(s.logger).Log("msg", "transfer exceeds the size limit, dropping staged chunks",
		"transfer_id", chunk.Transfer.ID,
		"staged", humanize.IBytes(uint64(total)),
	)
	s.discard(ctx, chunk.Transfer.ID)

	return tooLarge(total, s.maxFileSize)
}

func (s *service) discard(ctx context.Context, transferID string) {
	indices, err := s.staging.ListIndices(ctx, transferID)
	if err != nil {
		level.Warn(s.logger).Log("msg", "can't list late chunks", "transfer_id", transferID, "err", err)
		return
	}

	for _, i := range indices {
		if _, err = s.staging.ReadAndDelete(ctx, transferID, i, io.Discard); err != nil {
			level.Warn(s.logger).Log("msg", "can't drop late chunk", "transfer_id", transferID, "index", i, "err", err)
		}
	}
}

func (s *service) validate(t domain.Transfer) (domain.Transfer, error) {
	id, ok := protocol.SanitizeToken(t.ID)
	if !ok {
		return domain.Transfer{}, fmt.Errorf("%w: transfer id %q", domain.ErrInvalidInput, t.ID)
	}
	if len(id) > protocol.MaxTransferIDLen {
		return domain.Transfer{}, fmt.Errorf("%w: transfer id longer than %d bytes", domain.ErrInvalidInput, protocol.MaxTransferIDLen)
	}
	t.ID = id

	if t.TotalChunks < 1 || t.TotalChunks > maxTotalChunks {
		return domain.Transfer{}, fmt.Errorf("%w: total chunks %d", domain.ErrInvalidInput, t.TotalChunks)
	}
	if t.Filename == "" {
		return domain.Transfer{}, fmt.Errorf("%w: missing filename", domain.ErrInvalidInput)
	}
	if t.FileSize < 0 {
		return domain.Transfer{}, fmt.Errorf("%w: file size %d", domain.ErrInvalidInput, t.FileSize)
	}
	if t.FileSize > s.maxFileSize {
		return domain.Transfer{}, tooLarge(t.FileSize, s.maxFileSize)
	}

	return t, nil
}

func (s *service) GetFile(ctx context.Context, id string) (domain.File, error) {
	meta, err := s.index.Get(ctx, id)
	if err != nil {
		return domain.File{}, fmt.Errorf("can't get artifact metadata, error: %w", err)
	}

	body, err := s.fs.Open(filepath.Join(s.root, meta.Filename))
	if err != nil {
		return domain.File{}, fmt.Errorf("can't open artifact, error: %w", err)
	}

	return domain.File{
		Meta: meta,
		Body: body,
	}, nil
}
