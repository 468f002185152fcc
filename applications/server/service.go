package server

import (
	"context"

	"github.com/donmikel/chunkrelay/applications/server/domain"
)

// ChunkService receives chunked uploads and serves the stored artifacts.
type ChunkService interface {
	PutChunk(ctx context.Context, chunk domain.Chunk) (domain.Receipt, error)
	Finalize(ctx context.Context, transfer domain.Transfer) (domain.Receipt, error)
	GetFile(ctx context.Context, id string) (domain.File, error)
	// MaxFileSize is the largest artifact the service accepts.
	MaxFileSize() int64
}
