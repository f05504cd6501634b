package upload

import (
	"bytes"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestStore(t *testing.T, memThreshold int64) *Store {
	t.Helper()
	root := t.TempDir()
	st, err := NewStore(Options{
		Dir:               filepath.Join(root, "uploads"),
		AssembledDir:      filepath.Join(root, "assembled"),
		InMemoryThreshold: memThreshold,
		MaxChunks:         1000,
	})
	require.NoError(t, err)
	return st
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func split(data []byte, chunkSize int) [][]byte {
	var chunks [][]byte
	for off := 0; off < len(data); off += chunkSize {
		end := off + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[off:end])
	}
	return chunks
}

func chunkReq(id string, index, total int, data []byte) ChunkRequest {
	return ChunkRequest{
		UploadID:         id,
		ChunkIndex:       index,
		TotalChunks:      total,
		OriginalFileName: "sermon.mp3",
		Body:             bytes.NewReader(data),
	}
}

func TestRegisterChunkProgress(t *testing.T) {
	st := newTestStore(t, 1<<20)

	p, err := st.RegisterChunk(chunkReq("up1", 0, 3, []byte("aaa")))
	require.NoError(t, err)
	assert.Equal(t, Progress{Received: 1, Total: 3, Complete: false}, p)

	p, err = st.RegisterChunk(chunkReq("up1", 2, 3, []byte("ccc")))
	require.NoError(t, err)
	assert.Equal(t, 2, p.Received)

	p, err = st.RegisterChunk(chunkReq("up1", 1, 3, []byte("bbb")))
	require.NoError(t, err)
	assert.Equal(t, Progress{Received: 3, Total: 3, Complete: true}, p)
}

func TestRegisterChunkValidation(t *testing.T) {
	st := newTestStore(t, 1<<20)

	tests := []struct {
		name  string
		req   ChunkRequest
		field string
	}{
		{"empty body", chunkReq("up1", 0, 2, nil), "chunk"},
		{"nil body", ChunkRequest{UploadID: "up1", ChunkIndex: 0, TotalChunks: 2}, "chunk"},
		{"negative index", chunkReq("up1", -1, 2, []byte("x")), "chunkIndex"},
		{"index past total", chunkReq("up1", 2, 2, []byte("x")), "chunkIndex"},
		{"zero total", chunkReq("up1", 0, 0, []byte("x")), "totalChunks"},
		{"too many chunks", chunkReq("up1", 0, 1001, []byte("x")), "totalChunks"},
		{"missing upload id", chunkReq("", 0, 2, []byte("x")), "uploadId"},
		{"path traversal id", chunkReq("../etc", 0, 2, []byte("x")), "uploadId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := st.RegisterChunk(tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	_, err := st.Status("up1")
	assert.ErrorIs(t, err, ErrSessionNotFound, "rejected chunks must not create a session")
}

func TestEmptyChunkDoesNotCount(t *testing.T) {
	st := newTestStore(t, 1<<20)

	_, err := st.RegisterChunk(chunkReq("up1", 0, 2, []byte("a")))
	require.NoError(t, err)

	_, err = st.RegisterChunk(chunkReq("up1", 1, 2, []byte{}))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	status, err := st.Status("up1")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, status.Received)
	assert.Equal(t, []int{1}, status.Missing)
}

func TestResubmittedChunkLastWriteWins(t *testing.T) {
	st := newTestStore(t, 1<<20)

	_, err := st.RegisterChunk(chunkReq("up1", 0, 2, []byte("first")))
	require.NoError(t, err)
	p, err := st.RegisterChunk(chunkReq("up1", 0, 2, []byte("second!")))
	require.NoError(t, err)
	assert.Equal(t, 1, p.Received, "duplicate index must not be counted twice")

	_, err = st.RegisterChunk(chunkReq("up1", 1, 2, []byte("-tail")))
	require.NoError(t, err)

	out, err := st.Finalize(FinalizeRequest{UploadID: "up1", TotalChunks: 2, OriginalFileName: "sermon.mp3"})
	require.NoError(t, err)
	data, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.Equal(t, "second!-tail", string(data))
	assert.Equal(t, int64(len("second!-tail")), out.SizeBytes)
}

func TestExtraFieldsFixedByFirstChunk(t *testing.T) {
	st := newTestStore(t, 1<<20)

	first := chunkReq("up1", 1, 2, []byte("b"))
	first.ExtraFields = map[string]string{"title": "Advent", "speaker": "Ruth"}
	_, err := st.RegisterChunk(first)
	require.NoError(t, err)

	second := chunkReq("up1", 0, 2, []byte("a"))
	second.ExtraFields = map[string]string{"title": "Overwritten"}
	_, err = st.RegisterChunk(second)
	require.NoError(t, err)

	out, err := st.Finalize(FinalizeRequest{UploadID: "up1", TotalChunks: 2})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"title": "Advent", "speaker": "Ruth"}, out.ExtraFields)
	assert.Equal(t, "sermon.mp3", out.OriginalFileName)
}

func TestTotalChunksMismatch(t *testing.T) {
	st := newTestStore(t, 1<<20)

	_, err := st.RegisterChunk(chunkReq("up1", 0, 3, []byte("a")))
	require.NoError(t, err)

	_, err = st.RegisterChunk(chunkReq("up1", 1, 4, []byte("b")))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "totalChunks", verr.Field)
}

func TestConcurrentChunksSameUpload(t *testing.T) {
	st := newTestStore(t, 1<<20)
	data := randomBytes(t, 64*1024)
	chunks := split(data, 1024)

	var g errgroup.Group
	for i, c := range chunks {
		i, c := i, c
		g.Go(func() error {
			_, err := st.RegisterChunk(chunkReq("concurrent", i, len(chunks), c))
			return err
		})
	}
	require.NoError(t, g.Wait())

	status, err := st.Status("concurrent")
	require.NoError(t, err)
	assert.Len(t, status.Received, len(chunks))
	assert.Empty(t, status.Missing)

	out, err := st.Finalize(FinalizeRequest{UploadID: "concurrent", TotalChunks: len(chunks)})
	require.NoError(t, err)
	got, err := os.ReadFile(out.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestConcurrentUploadsAreIndependent(t *testing.T) {
	st := newTestStore(t, 1<<20)

	var g errgroup.Group
	for u := 0; u < 8; u++ {
		id := fmt.Sprintf("upload-%d", u)
		for i := 0; i < 4; i++ {
			i := i
			g.Go(func() error {
				_, err := st.RegisterChunk(chunkReq(id, i, 4, []byte{byte(i + 1)}))
				return err
			})
		}
	}
	require.NoError(t, g.Wait())

	for u := 0; u < 8; u++ {
		status, err := st.Status(fmt.Sprintf("upload-%d", u))
		require.NoError(t, err)
		assert.Equal(t, []int{0, 1, 2, 3}, status.Received)
	}
}

func TestReapExpired(t *testing.T) {
	st := newTestStore(t, 1<<20)

	_, err := st.RegisterChunk(chunkReq("fresh", 0, 2, []byte("a")))
	require.NoError(t, err)

	st.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	_, err = st.RegisterChunk(chunkReq("older", 0, 2, []byte("a")))
	require.NoError(t, err)
	st.now = time.Now

	n, err := st.ReapExpired(30 * time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.Status("older")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	_, err = st.Status("fresh")
	assert.NoError(t, err)
}

func TestReapSkipsLockedSession(t *testing.T) {
	st := newTestStore(t, 1<<20)

	st.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	_, err := st.RegisterChunk(chunkReq("busy", 0, 2, []byte("a")))
	require.NoError(t, err)
	st.now = time.Now

	unlock := st.locks.Lock("busy")
	n, err := st.ReapExpired(time.Minute)
	unlock()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = st.ReapExpired(time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestKeyedMutexReleasesEntries(t *testing.T) {
	k := newKeyedMutex()
	unlock := k.Lock("a")
	_, ok := k.TryLock("a")
	assert.False(t, ok)
	unlock()

	unlock2, ok := k.TryLock("a")
	require.True(t, ok)
	unlock2()
	assert.Empty(t, k.locks)
}

func shuffled(n int) []int {
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	for i := n - 1; i > 0; i-- {
		jBig, _ := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		j := int(jBig.Int64())
		order[i], order[j] = order[j], order[i]
	}
	return order
}

func TestErrorTypesMatch(t *testing.T) {
	err := error(&ReassemblyError{UploadID: "x", Phase: PhaseConcatenating, Err: errors.New("disk full")})
	assert.ErrorIs(t, err, ErrReassemblyFailed)
	assert.Contains(t, err.Error(), "disk full")
}
