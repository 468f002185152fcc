package transfer

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFallbackWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	f := NewFallback(fs, "/data/recordings")
	payload := []byte("recording body")

	id, err := f.Write("1700000000000_abcd1234_clip.webm", payload)
	require.NoError(t, err)
	assert.Equal(t, "1700000000000_abcd1234_clip.webm", id)

	got, err := afero.ReadFile(fs, "/data/recordings/"+id)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	entries, err := afero.ReadDir(fs, "/data/recordings")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFallbackWriteEmpty(t *testing.T) {
	fs := afero.NewMemMapFs()

	id, err := NewFallback(fs, "rec").Write("empty.webm", nil)
	require.NoError(t, err)

	info, err := fs.Stat("rec/" + id)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestFallbackWriteReadOnly(t *testing.T) {
	_, err := NewFallback(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/data").Write("x", []byte("y"))
	assert.ErrorContains(t, err, "can't create fallback dir")
}
