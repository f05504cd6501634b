package compress

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const mb = 1000 * 1000

// fakeEncoder writes outputs of a fixed size per tier name, or fails for tiers in fail.
type fakeEncoder struct {
	mu    sync.Mutex
	sizes map[string]int64
	fail  map[string]bool
	calls []Tier
	ins   []string
}

func (f *fakeEncoder) Encode(in, out string, t Tier) error {
	f.mu.Lock()
	f.calls = append(f.calls, t)
	f.ins = append(f.ins, in)
	f.mu.Unlock()
	if f.fail[t.Name] {
		return &EncodeError{Tier: t, ExitCode: 1, Stderr: "Invalid data found when processing input", Err: errors.New("exit status 1")}
	}
	fh, err := os.Create(out)
	if err != nil {
		return err
	}
	defer fh.Close()
	return fh.Truncate(f.sizes[t.Name])
}

func sparseFile(t *testing.T, size int64) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.wav")
	fh, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, fh.Truncate(size))
	require.NoError(t, fh.Close())
	return path
}

func newTestEngine(t *testing.T, enc Encoder) *Engine {
	t.Helper()
	e, err := NewEngine(enc, filepath.Join(t.TempDir(), "work"), hclog.NewNullLogger())
	require.NoError(t, err)
	return e
}

func TestSelectTier(t *testing.T) {
	tests := []struct {
		input, target int64
		want          string
	}{
		{40 * mb, 25 * mb, "medium"}, // 0.625
		{30 * mb, 25 * mb, "light"},  // 0.833
		{26 * mb, 25 * mb, "light"},  // 0.96
		{35 * mb, 25 * mb, "light"},  // 0.714
		{50 * mb, 25 * mb, "medium"}, // 0.5
		{51 * mb, 25 * mb, "heavy"},
		{500 * mb, 25 * mb, "heavy"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SelectTier(tt.input, tt.target).Name, "input=%d target=%d", tt.input, tt.target)
	}
}

func TestCompressNoOpWithinTarget(t *testing.T) {
	enc := &fakeEncoder{}
	e := newTestEngine(t, enc)

	for _, size := range []int64{1, 25 * mb} {
		in := sparseFile(t, size)
		res, err := e.CompressToTarget(in, 25*mb)
		require.NoError(t, err)
		assert.Equal(t, in, res.Path)
		assert.Equal(t, size, res.SizeBytes)
		assert.False(t, res.Compressed)
		assert.Empty(t, res.Attempts)
	}
	assert.Empty(t, enc.calls, "encoder must not run for inputs within budget")
}

func TestCompressSinglePass(t *testing.T) {
	enc := &fakeEncoder{sizes: map[string]int64{"medium": 20 * mb}}
	e := newTestEngine(t, enc)
	in := sparseFile(t, 40*mb)

	res, err := e.CompressToTarget(in, 25*mb)
	require.NoError(t, err)

	require.Len(t, enc.calls, 1)
	assert.Equal(t, Tiers[1], enc.calls[0])
	assert.Equal(t, int64(20*mb), res.SizeBytes)
	assert.True(t, res.Compressed)
	assert.NotEqual(t, in, res.Path)
	assert.FileExists(t, res.Path)

	info, err := os.Stat(in)
	require.NoError(t, err)
	assert.Equal(t, int64(40*mb), info.Size(), "input must be untouched")
}

func TestCompressSecondPass(t *testing.T) {
	enc := &fakeEncoder{sizes: map[string]int64{"heavy": 30 * mb, "aggressive": 24 * mb}}
	e := newTestEngine(t, enc)
	in := sparseFile(t, 100*mb)

	res, err := e.CompressToTarget(in, 25*mb)
	require.NoError(t, err)

	require.Len(t, enc.calls, 2)
	assert.Equal(t, "heavy", enc.calls[0].Name)
	assert.Equal(t, Aggressive, enc.calls[1])
	assert.Equal(t, in, enc.ins[0])
	assert.NotEqual(t, in, enc.ins[1], "second pass encodes the first pass output")
	assert.NoFileExists(t, enc.ins[1], "intermediate output is removed")

	assert.Equal(t, int64(24*mb), res.SizeBytes)
	require.Len(t, res.Attempts, 2)
	assert.True(t, res.Attempts[1].Succeeded)
	assert.Equal(t, int64(30*mb), res.Attempts[1].InputSizeBytes)
}

func TestCompressSecondPassStillTooBig(t *testing.T) {
	enc := &fakeEncoder{sizes: map[string]int64{"heavy": 40 * mb, "aggressive": 30 * mb}}
	e := newTestEngine(t, enc)

	res, err := e.CompressToTarget(sparseFile(t, 100*mb), 25*mb)
	require.NoError(t, err)
	assert.Equal(t, int64(30*mb), res.SizeBytes, "second pass output is returned even when over target")
	assert.Len(t, enc.calls, 2, "no third pass")
}

func TestCompressSecondPassFailureKeepsFirst(t *testing.T) {
	enc := &fakeEncoder{sizes: map[string]int64{"light": 27 * mb}, fail: map[string]bool{"aggressive": true}}
	e := newTestEngine(t, enc)

	res, err := e.CompressToTarget(sparseFile(t, 30*mb), 25*mb)
	require.NoError(t, err)
	assert.Equal(t, int64(27*mb), res.SizeBytes)
	assert.FileExists(t, res.Path)
	require.Len(t, res.Attempts, 2)
	assert.False(t, res.Attempts[1].Succeeded)
}

func TestCompressFirstPassFailure(t *testing.T) {
	enc := &fakeEncoder{fail: map[string]bool{"medium": true}}
	e := newTestEngine(t, enc)
	in := sparseFile(t, 40*mb)

	res, err := e.CompressToTarget(in, 25*mb)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, ErrCompressionFailed)
	assert.Len(t, enc.calls, 1)
	assert.FileExists(t, in)

	entries, err := os.ReadDir(e.workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "failed pass leaves nothing behind")
}

func TestCompressEmptyOutputIsFailure(t *testing.T) {
	enc := &fakeEncoder{sizes: map[string]int64{"medium": 0}}
	e := newTestEngine(t, enc)

	_, err := e.CompressToTarget(sparseFile(t, 40*mb), 25*mb)
	assert.ErrorIs(t, err, ErrCompressionFailed)
}

func TestFFmpegArgs(t *testing.T) {
	f := FFmpeg{}
	assert.Equal(t,
		[]string{"-y", "-i", "in.wav", "-vn", "-codec:a", "libmp3lame", "-b:a", "80k", "-ar", "22050", "out.mp3"},
		f.args("in.wav", "out.mp3", Tiers[0]))
	assert.Equal(t,
		[]string{"-y", "-i", "in.wav", "-vn", "-codec:a", "libmp3lame", "-b:a", "32k", "-ac", "1", "-ar", "8000", "out.mp3"},
		f.args("in.wav", "out.mp3", Aggressive))
}

func TestFFmpegMissingBinary(t *testing.T) {
	f := FFmpeg{Path: filepath.Join(t.TempDir(), "no-such-ffmpeg")}
	err := f.Encode("in.wav", filepath.Join(t.TempDir(), "out.mp3"), Tiers[0])
	var encErr *EncodeError
	require.ErrorAs(t, err, &encErr)
	assert.Equal(t, -1, encErr.ExitCode)
}
