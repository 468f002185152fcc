package interfaces

import (
	"context"
	"io"
	"time"
)

// StagingStore keeps chunks between receipt and reassembly. All state of a
// transfer lives in the store, keyed by transfer id and chunk index.
type StagingStore interface {
	// Put stores the chunk, replacing one already staged under the same key.
	Put(ctx context.Context, transferID string, index int, body io.Reader) error
	// ListIndices returns the staged indices in ascending order. An unknown
	// transfer yields an empty list.
	ListIndices(ctx context.Context, transferID string) ([]int, error)
	// ChunkSizes returns the size in bytes of every staged chunk by index.
	ChunkSizes(ctx context.Context, transferID string) (map[int]int64, error)
	// ReadAndDelete copies the chunk into w and removes it once the copy
	// succeeded.
	ReadAndDelete(ctx context.Context, transferID string, index int, w io.Writer) (int64, error)
}

// Sweeper removes staged transfers nobody touched for a while.
type Sweeper interface {
	Sweep(ctx context.Context, olderThan time.Duration) (int, error)
}
