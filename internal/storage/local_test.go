package storage

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutMovesFile(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(filepath.Join(dir, "media"), "https://sermons.example.org/")
	require.NoError(t, err)

	src := filepath.Join(dir, "assembled.wav")
	require.NoError(t, os.WriteFile(src, []byte("RIFF...."), 0644))

	u, size, err := l.Put(context.Background(), src, "Morning Service.MP3")
	require.NoError(t, err)
	assert.Equal(t, int64(8), size)
	assert.True(t, strings.HasPrefix(u, "https://sermons.example.org/media/"), u)
	assert.True(t, strings.HasSuffix(u, ".mp3"), u)
	assert.NoFileExists(t, src)

	data, err := os.ReadFile(filepath.Join(l.Dir, path.Base(u)))
	require.NoError(t, err)
	assert.Equal(t, "RIFF....", string(data))
}

func TestPutFallsBackToSourceExtension(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(filepath.Join(dir, "media"), "http://localhost:3001")
	require.NoError(t, err)

	src := filepath.Join(dir, "x.mp3")
	require.NoError(t, os.WriteFile(src, []byte("ID3"), 0644))

	u, _, err := l.Put(context.Background(), src, "")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(u, ".mp3"))
}

func TestPutMissingSource(t *testing.T) {
	l, err := NewLocal(t.TempDir(), "http://localhost:3001")
	require.NoError(t, err)

	_, _, err = l.Put(context.Background(), filepath.Join(t.TempDir(), "nope.mp3"), "nope.mp3")
	assert.Error(t, err)
	entries, err := os.ReadDir(l.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteRemovesStoredFile(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(filepath.Join(dir, "media"), "http://localhost:3001")
	require.NoError(t, err)

	src := filepath.Join(dir, "a.wav")
	require.NoError(t, os.WriteFile(src, []byte("RIFF"), 0644))
	u, _, err := l.Put(context.Background(), src, "a.wav")
	require.NoError(t, err)

	require.NoError(t, l.Delete(context.Background(), u))
	entries, err := os.ReadDir(l.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.NoError(t, l.Delete(context.Background(), u), "deleting twice is fine")
	assert.Error(t, l.Delete(context.Background(), "http://elsewhere/media/a.wav"))
	assert.Error(t, l.Delete(context.Background(), "http://localhost:3001/media/..%2Fsecret"))
}
