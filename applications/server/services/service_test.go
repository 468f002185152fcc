package services

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/donmikel/chunkrelay/applications/protocol"
	"github.com/donmikel/chunkrelay/applications/server"
	"github.com/donmikel/chunkrelay/applications/server/adapters/inmemory"
	"github.com/donmikel/chunkrelay/applications/server/domain"
	"github.com/donmikel/chunkrelay/applications/server/interfaces"
)

const (
	testRoot      = "/srv/uploads"
	testChunkSize = 16
)

type fixture struct {
	svc     server.ChunkService
	fs      afero.Fs
	staging interfaces.StagingStore
}

func newFixture(t *testing.T, maxFileSize int64) fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	staging := inmemory.NewStagingStore(0, log.NewNopLogger())
	svc := NewService(staging, inmemory.NewArtifactIndex(), fs, Options{
		UploadRoot:  testRoot,
		MaxFileSize: maxFileSize,
	}, log.NewNopLogger())

	return fixture{svc: svc, fs: fs, staging: staging}
}

func (f fixture) artifacts(t *testing.T) []string {
	t.Helper()
	entries, err := afero.ReadDir(f.fs, testRoot)
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func transfer(id, filename string, total int, size int64) domain.Transfer {
	return domain.Transfer{
		ID:          id,
		Filename:    filename,
		UserID:      "42",
		BranchID:    "7",
		Type:        "recording",
		Description: "test",
		TotalChunks: total,
		FileSize:    size,
	}
}

func slices(buf []byte, size int) [][]byte {
	if len(buf) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for len(buf) > 0 {
		n := min(size, len(buf))
		out = append(out, buf[:n])
		buf = buf[n:]
	}
	return out
}

func TestRoundTrip(t *testing.T) {
	rnd := rand.New(rand.NewSource(1))
	sizes := []int{0, 1, testChunkSize - 1, testChunkSize, testChunkSize + 1, 10*testChunkSize + 7}

	for _, n := range sizes {
		t.Run(fmt.Sprintf("size_%d", n), func(t *testing.T) {
			ctx := context.Background()
			f := newFixture(t, 1<<20)

			buf := make([]byte, n)
			rnd.Read(buf)
			parts := slices(buf, testChunkSize)
			tr := transfer("t-roundtrip", "clip.webm", len(parts), int64(n))

			var receipt domain.Receipt
			for i, p := range parts {
				var err error
				receipt, err = f.svc.PutChunk(ctx, domain.Chunk{Transfer: tr, Index: i, Payload: p})
				require.NoError(t, err)
				if i < len(parts)-1 {
					assert.Equal(t, fmt.Sprintf("Chunk %d saved", i), receipt.Message)
					assert.Nil(t, receipt.Artifact)
				}
			}

			require.NotNil(t, receipt.Artifact)
			a := receipt.Artifact
			assert.Equal(t, int64(n), a.Size)
			assert.Equal(t, "video/webm", a.MimeType)
			assert.True(t, strings.HasPrefix(a.RelativePath, "uploads/"))
			assert.NotContains(t, a.RelativePath, testRoot)
			assert.True(t, strings.HasSuffix(a.Filename, "_clip.webm"))
			assert.NotEmpty(t, a.ID)

			got, err := afero.ReadFile(f.fs, testRoot+"/"+a.Filename)
			require.NoError(t, err)
			assert.Equal(t, buf, got)
			assert.Equal(t, []string{a.Filename}, f.artifacts(t))

			indices, err := f.staging.ListIndices(ctx, tr.ID)
			require.NoError(t, err)
			assert.Empty(t, indices)
		})
	}
}

func TestMissingChunkFailsReassembly(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1<<20)
	tr := transfer("t-gap", "clip.webm", 3, 0)

	_, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: tr, Index: 0, Payload: []byte("aaa")})
	require.NoError(t, err)

	_, err = f.svc.PutChunk(ctx, domain.Chunk{Transfer: tr, Index: 2, Payload: []byte("ccc")})
	assert.ErrorIs(t, err, domain.ErrMissingChunk)

	indices, err := f.staging.ListIndices(ctx, tr.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 2}, indices)
	assert.Empty(t, f.artifacts(t))
}

func TestIdempotentChunkRedelivery(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1<<20)
	tr := transfer("t-dup", "clip.mp4", 2, 0)

	for _, p := range []string{"first", "final"} {
		_, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: tr, Index: 0, Payload: []byte(p)})
		require.NoError(t, err)
	}

	receipt, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: tr, Index: 1, Payload: []byte("-tail")})
	require.NoError(t, err)
	require.NotNil(t, receipt.Artifact)

	got, err := afero.ReadFile(f.fs, testRoot+"/"+receipt.Artifact.Filename)
	require.NoError(t, err)
	assert.Equal(t, "final-tail", string(got))
	assert.Len(t, f.artifacts(t), 1)
}

func TestFinalizeAfterCompletion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1<<20)
	tr := transfer("t-fin", "clip.webm", 1, 4)

	first, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: tr, Index: 0, Payload: []byte("data")})
	require.NoError(t, err)
	require.NotNil(t, first.Artifact)

	again, err := f.svc.Finalize(ctx, tr)
	require.NoError(t, err)
	require.NotNil(t, again.Artifact)
	assert.Equal(t, first.Artifact.ID, again.Artifact.ID)

	late, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: tr, Index: 0, Payload: []byte("data")})
	require.NoError(t, err)
	require.NotNil(t, late.Artifact)
	assert.Equal(t, first.Artifact.ID, late.Artifact.ID)

	assert.Len(t, f.artifacts(t), 1)
	indices, err := f.staging.ListIndices(ctx, tr.ID)
	require.NoError(t, err)
	assert.Empty(t, indices)
}

func TestLateEarlierIndexDoesNotReassemble(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1<<20)
	tr := transfer("t-late", "clip.webm", 2, 0)

	for i, p := range []string{"ab", "cd"} {
		_, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: tr, Index: i, Payload: []byte(p)})
		require.NoError(t, err)
	}

	receipt, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: tr, Index: 0, Payload: []byte("ab")})
	require.NoError(t, err)
	assert.Equal(t, "Chunk 0 saved", receipt.Message)
	assert.Len(t, f.artifacts(t), 1)
}

func TestFinalizeUnknownTransfer(t *testing.T) {
	f := newFixture(t, 1<<20)

	receipt, err := f.svc.Finalize(context.Background(), transfer("t-unknown", "clip.webm", 3, 0))
	require.NoError(t, err)
	assert.Nil(t, receipt.Artifact)
	assert.Equal(t, "Upload already completed", receipt.Message)
}

func TestUnsupportedContentIsDiscarded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1<<20)
	tr := transfer("t-txt", "notes.txt", 1, 0)

	_, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: tr, Index: 0, Payload: []byte("just some words")})
	assert.ErrorIs(t, err, domain.ErrUnsupportedContent)
	assert.Empty(t, f.artifacts(t))
}

func TestSignatureWinsOverExtension(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1<<20)
	tr := transfer("t-sig", "capture.bin", 1, 0)

	receipt, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: tr, Index: 0, Payload: []byte("\x00\x00\x00\x18ftypisom")})
	require.NoError(t, err)
	require.NotNil(t, receipt.Artifact)
	assert.Equal(t, "video/mp4", receipt.Artifact.MimeType)
}

func TestSizeCeiling(t *testing.T) {
	ctx := context.Background()
	const limit = 32
	f := newFixture(t, limit)

	exact := transfer("t-exact", "clip.webm", 1, limit)
	receipt, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: exact, Index: 0, Payload: make([]byte, limit)})
	require.NoError(t, err)
	require.NotNil(t, receipt.Artifact)
	assert.Equal(t, int64(limit), receipt.Artifact.Size)

	over := transfer("t-over", "clip.webm", 1, limit+1)
	_, err = f.svc.PutChunk(ctx, domain.Chunk{Transfer: over, Index: 0, Payload: make([]byte, limit+1)})
	assert.ErrorIs(t, err, domain.ErrTooLarge)
	assert.Contains(t, err.Error(), "limit of 32 bytes")

	undeclared := transfer("t-undeclared", "clip.webm", 2, 0)
	_, err = f.svc.PutChunk(ctx, domain.Chunk{Transfer: undeclared, Index: 0, Payload: make([]byte, limit)})
	require.NoError(t, err)
	_, err = f.svc.PutChunk(ctx, domain.Chunk{Transfer: undeclared, Index: 1, Payload: []byte{1}})
	assert.ErrorIs(t, err, domain.ErrTooLarge)
	assert.Len(t, f.artifacts(t), 1)

	indices, err := f.staging.ListIndices(ctx, undeclared.ID)
	require.NoError(t, err)
	assert.Empty(t, indices)
}

func TestStagedTotalIsBounded(t *testing.T) {
	ctx := context.Background()
	const limit = 32
	f := newFixture(t, limit)

	many := transfer("t-many", "clip.webm", 10, 0)
	for i := 0; i < 2; i++ {
		_, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: many, Index: i, Payload: make([]byte, 16)})
		require.NoError(t, err)
	}

	_, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: many, Index: 2, Payload: make([]byte, 16)})
	assert.ErrorIs(t, err, domain.ErrTooLarge)
	assert.Contains(t, err.Error(), "48 bytes exceeds the limit of 32 bytes")

	indices, err := f.staging.ListIndices(ctx, many.ID)
	require.NoError(t, err)
	assert.Empty(t, indices)
	assert.Empty(t, f.artifacts(t))
}

func TestRedeliveredChunkIsNotCountedTwice(t *testing.T) {
	ctx := context.Background()
	const limit = 32
	f := newFixture(t, limit)

	tr := transfer("t-again", "clip.webm", 2, 0)
	for i := 0; i < 2; i++ {
		_, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: tr, Index: 0, Payload: make([]byte, 16)})
		require.NoError(t, err)
	}

	receipt, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: tr, Index: 1, Payload: make([]byte, 16)})
	require.NoError(t, err)
	require.NotNil(t, receipt.Artifact)
	assert.Equal(t, int64(limit), receipt.Artifact.Size)
}

// gatedStaging holds the first ReadAndDelete until release is closed.
type gatedStaging struct {
	interfaces.StagingStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStaging) ReadAndDelete(ctx context.Context, transferID string, index int, w io.Writer) (int64, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.StagingStore.ReadAndDelete(ctx, transferID, index, w)
}

func TestRetriedLastChunkDuringReassembly(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	staging := &gatedStaging{
		StagingStore: inmemory.NewStagingStore(0, log.NewNopLogger()),
		entered:      make(chan struct{}),
		release:      make(chan struct{}),
	}
	index := inmemory.NewArtifactIndex()
	svc := NewService(staging, index, fs, Options{UploadRoot: testRoot, MaxFileSize: 1 << 20}, log.NewNopLogger())
	f := fixture{svc: svc, fs: fs, staging: staging}

	tr := transfer("t-slow", "clip.webm", 3, 0)
	for i := 0; i < 2; i++ {
		_, err := svc.PutChunk(ctx, domain.Chunk{Transfer: tr, Index: i, Payload: []byte("chunk-" + fmt.Sprint(i))})
		require.NoError(t, err)
	}
	last := domain.Chunk{Transfer: tr, Index: 2, Payload: []byte("tail")}

	type outcome struct {
		receipt domain.Receipt
		err     error
	}
	deliver := func(out chan<- outcome) {
		r, err := svc.PutChunk(ctx, last)
		out <- outcome{r, err}
	}

	first := make(chan outcome, 1)
	go deliver(first)
	<-staging.entered

	retried := make(chan outcome, 1)
	go deliver(retried)
	time.Sleep(50 * time.Millisecond)
	close(staging.release)

	a, b := <-first, <-retried
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	require.NotNil(t, a.receipt.Artifact)
	require.NotNil(t, b.receipt.Artifact)
	assert.Equal(t, a.receipt.Artifact.ID, b.receipt.Artifact.ID)

	got, err := afero.ReadFile(fs, testRoot+"/"+a.receipt.Artifact.Filename)
	require.NoError(t, err)
	assert.Equal(t, "chunk-0chunk-1tail", string(got))
	assert.Len(t, f.artifacts(t), 1)

	indices, err := staging.ListIndices(ctx, tr.ID)
	require.NoError(t, err)
	assert.Empty(t, indices)
}

func TestLongFilenameIsShortened(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1<<20)

	tr := transfer("t-long", strings.Repeat("a", 300)+".WebM", 1, 0)
	receipt, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: tr, Index: 0, Payload: []byte("video")})
	require.NoError(t, err)
	require.NotNil(t, receipt.Artifact)

	name := receipt.Artifact.Filename
	assert.LessOrEqual(t, len(name), 128)
	assert.True(t, strings.HasSuffix(name, ".webm"))
	assert.Equal(t, []string{name}, f.artifacts(t))
}

func TestValidation(t *testing.T) {
	f := newFixture(t, 1<<20)
	ctx := context.Background()

	tests := []struct {
		name  string
		chunk domain.Chunk
	}{
		{"bad transfer id", domain.Chunk{Transfer: transfer("///", "a.webm", 1, 0)}},
		{"zero chunks", domain.Chunk{Transfer: transfer("t", "a.webm", 0, 0)}},
		{"index too large", domain.Chunk{Transfer: transfer("t", "a.webm", 2, 0), Index: 2}},
		{"negative index", domain.Chunk{Transfer: transfer("t", "a.webm", 2, 0), Index: -1}},
		{"missing filename", domain.Chunk{Transfer: transfer("t", "", 1, 0)}},
		{"transfer id too long", domain.Chunk{Transfer: transfer(strings.Repeat("a", protocol.MaxTransferIDLen+1), "a.webm", 1, 0)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.PutChunk(ctx, tt.chunk)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}

func TestTransferIDIsSanitized(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1<<20)

	_, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: transfer("../evil id", "a.webm", 2, 0), Index: 0, Payload: []byte("x")})
	require.NoError(t, err)

	indices, err := f.staging.ListIndices(ctx, "..evilid")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, indices)
}

func TestGetFile(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 1<<20)

	receipt, err := f.svc.PutChunk(ctx, domain.Chunk{Transfer: transfer("t-get", "clip.webm", 1, 0), Index: 0, Payload: []byte("video")})
	require.NoError(t, err)

	file, err := f.svc.GetFile(ctx, receipt.Artifact.ID)
	require.NoError(t, err)
	defer file.Body.Close()

	body, err := io.ReadAll(file.Body)
	require.NoError(t, err)
	assert.Equal(t, "video", string(body))
	assert.Equal(t, *receipt.Artifact, file.Meta)

	_, err = f.svc.GetFile(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
