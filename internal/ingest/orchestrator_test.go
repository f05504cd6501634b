package ingest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coah80/ingest/internal/compress"
	"github.com/coah80/ingest/internal/jobs"
	"github.com/coah80/ingest/internal/records"
	"github.com/coah80/ingest/internal/storage"
	"github.com/coah80/ingest/internal/upload"
)

type fakeCompressor struct {
	dir     string
	outSize int64
	err     error
	inputs  []string
}

func (f *fakeCompressor) CompressToTarget(input string, target int64) (*compress.Result, error) {
	f.inputs = append(f.inputs, input)
	if f.err != nil {
		return nil, fmt.Errorf("%w: %v", compress.ErrCompressionFailed, f.err)
	}
	info, err := os.Stat(input)
	if err != nil {
		return nil, err
	}
	if info.Size() <= target {
		return &compress.Result{Path: input, SizeBytes: info.Size()}, nil
	}
	out := filepath.Join(f.dir, "compressed.mp3")
	if err := os.WriteFile(out, bytes.Repeat([]byte{'c'}, int(f.outSize)), 0644); err != nil {
		return nil, err
	}
	return &compress.Result{Path: out, SizeBytes: f.outSize, Compressed: true}, nil
}

type fakeRecords struct {
	created []*records.MediaRecord
	err     error
}

func (f *fakeRecords) Create(ctx context.Context, rec *records.MediaRecord) error {
	if f.err != nil {
		return f.err
	}
	rec.ID = fmt.Sprintf("rec-%d", len(f.created)+1)
	f.created = append(f.created, rec)
	return nil
}

type fakeJobs struct {
	started [][3]string
	err     error
}

func (f *fakeJobs) Start(jobID, recordID, audioURL string) (jobs.Job, error) {
	if f.err != nil {
		return jobs.Job{}, f.err
	}
	f.started = append(f.started, [3]string{jobID, recordID, audioURL})
	return jobs.Job{ID: jobID, RecordID: recordID, State: jobs.StateStarted}, nil
}

type fakeAlerter struct {
	mu          sync.Mutex
	reassembly  []string
	compression []string
}

func (a *fakeAlerter) ReassemblyFailed(uploadID string, err error) {
	a.mu.Lock()
	a.reassembly = append(a.reassembly, uploadID)
	a.mu.Unlock()
}

func (a *fakeAlerter) CompressionFailed(uploadID string, err error) {
	a.mu.Lock()
	a.compression = append(a.compression, uploadID)
	a.mu.Unlock()
}

type fixture struct {
	uploads    *upload.Store
	compressor *fakeCompressor
	media      *storage.Local
	records    *fakeRecords
	jobs       *fakeJobs
	alerts     *fakeAlerter
	orch       *Orchestrator
	assembled  string
}

func newFixture(t *testing.T, target int64, auto bool) *fixture {
	t.Helper()
	root := t.TempDir()
	f := &fixture{
		compressor: &fakeCompressor{dir: root, outSize: 10},
		records:    &fakeRecords{},
		jobs:       &fakeJobs{},
		alerts:     &fakeAlerter{},
		assembled:  filepath.Join(root, "assembled"),
	}
	var err error
	f.uploads, err = upload.NewStore(upload.Options{
		Dir:               filepath.Join(root, "uploads"),
		AssembledDir:      f.assembled,
		InMemoryThreshold: 1 << 20,
	})
	require.NoError(t, err)
	f.media, err = storage.NewLocal(filepath.Join(root, "media"), "http://localhost:3001")
	require.NoError(t, err)
	f.orch, err = New(Options{
		Uploads:         f.uploads,
		Compressor:      f.compressor,
		Media:           f.media,
		Records:         f.records,
		Jobs:            f.jobs,
		Alerter:         f.alerts,
		TargetSizeBytes: target,
		AutoTranscribe:  auto,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) upload(t *testing.T, id string, chunks []string, extra map[string]string) {
	t.Helper()
	for i, c := range chunks {
		_, err := f.uploads.RegisterChunk(upload.ChunkRequest{
			UploadID:         id,
			ChunkIndex:       i,
			TotalChunks:      len(chunks),
			OriginalFileName: "Morning Service.wav",
			ExtraFields:      extra,
			Body:             strings.NewReader(c),
		})
		require.NoError(t, err)
	}
}

func assertDirEmpty(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIngestWithinTarget(t *testing.T) {
	f := newFixture(t, 1000, true)
	f.upload(t, "u1", []string{"abc", "def"}, map[string]string{"title": "Advent I", "speaker": "Ruth", "date": "2026-11-29"})

	res, err := f.orch.Ingest(context.Background(), upload.FinalizeRequest{UploadID: "u1", TotalChunks: 2, OriginalFileName: "Morning Service.wav"})
	require.NoError(t, err)

	assert.False(t, res.Compressed)
	assert.Equal(t, int64(6), res.SizeBytes)
	assert.True(t, strings.HasPrefix(res.URL, "http://localhost:3001/media/"))
	assert.True(t, strings.HasSuffix(res.URL, ".wav"))
	assert.Equal(t, "rec-1", res.RecordID)
	assert.NotEmpty(t, res.JobID)

	require.Len(t, f.records.created, 1)
	rec := f.records.created[0]
	assert.Equal(t, "Advent I", rec.Title)
	assert.Equal(t, "Ruth", rec.Speaker)
	assert.Equal(t, "2026-11-29", rec.RecordedOn)
	assert.Equal(t, res.URL, rec.AudioURL)

	require.Len(t, f.jobs.started, 1)
	assert.Equal(t, [3]string{res.JobID, "rec-1", res.URL}, f.jobs.started[0])
	assertDirEmpty(t, f.assembled)
}

func TestIngestCompresses(t *testing.T) {
	f := newFixture(t, 4, false)
	f.upload(t, "u1", []string{"0123456789", "0123456789"}, nil)

	res, err := f.orch.Ingest(context.Background(), upload.FinalizeRequest{UploadID: "u1", TotalChunks: 2})
	require.NoError(t, err)

	assert.True(t, res.Compressed)
	assert.Equal(t, int64(10), res.SizeBytes)
	assert.True(t, strings.HasSuffix(res.URL, ".mp3"))
	assert.Empty(t, res.JobID, "auto transcription is off")
	assert.Equal(t, "Morning Service", f.records.created[0].Title)
	assertDirEmpty(t, f.assembled)
}

func TestIngestCompressionFailure(t *testing.T) {
	f := newFixture(t, 4, true)
	f.compressor.err = errors.New("exit status 1")
	f.upload(t, "u1", []string{"0123456789"}, nil)

	_, err := f.orch.Ingest(context.Background(), upload.FinalizeRequest{UploadID: "u1", TotalChunks: 1})
	assert.ErrorIs(t, err, compress.ErrCompressionFailed)
	assert.Equal(t, []string{"u1"}, f.alerts.compression)
	assert.Empty(t, f.records.created)
	assert.Empty(t, f.jobs.started)
	assertDirEmpty(t, f.assembled)
}

func TestIngestIncompletePassesThrough(t *testing.T) {
	f := newFixture(t, 1000, true)
	_, err := f.uploads.RegisterChunk(upload.ChunkRequest{UploadID: "u1", ChunkIndex: 1, TotalChunks: 3, Body: strings.NewReader("x")})
	require.NoError(t, err)

	_, err = f.orch.Ingest(context.Background(), upload.FinalizeRequest{UploadID: "u1", TotalChunks: 3})
	var incomplete *upload.IncompleteUploadError
	require.ErrorAs(t, err, &incomplete)
	assert.Equal(t, []int{0, 2}, incomplete.Missing)
	assert.Empty(t, f.alerts.reassembly)
	assert.Empty(t, f.compressor.inputs)
}

func TestIngestJobStartFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, 1000, true)
	f.jobs.err = jobs.ErrJobExists
	f.upload(t, "u1", []string{"abc"}, nil)

	res, err := f.orch.Ingest(context.Background(), upload.FinalizeRequest{UploadID: "u1", TotalChunks: 1})
	require.NoError(t, err)
	assert.Empty(t, res.JobID)
	assert.Len(t, f.records.created, 1)
}

func TestIngestRecordFailure(t *testing.T) {
	f := newFixture(t, 1000, true)
	f.records.err = errors.New("database is locked")
	f.upload(t, "u1", []string{"abc"}, nil)

	_, err := f.orch.Ingest(context.Background(), upload.FinalizeRequest{UploadID: "u1", TotalChunks: 1})
	assert.EqualError(t, err, "database is locked")
	assert.Empty(t, f.jobs.started)
	assertDirEmpty(t, f.media.Dir)
	assertDirEmpty(t, f.assembled)
}

func TestIngestRecordFailureAfterCompression(t *testing.T) {
	f := newFixture(t, 4, true)
	f.records.err = errors.New("database is locked")
	f.upload(t, "u1", []string{"0123456789"}, nil)

	_, err := f.orch.Ingest(context.Background(), upload.FinalizeRequest{UploadID: "u1", TotalChunks: 1})
	assert.Error(t, err)
	assertDirEmpty(t, f.media.Dir)
	assertDirEmpty(t, f.assembled)
}

func TestNewRecordDefaults(t *testing.T) {
	rec := newRecord(&upload.Assembled{OriginalFileName: "dir/Evening: Prayer.m4a", ExtraFields: map[string]string{"recordedOn": "2026-10-01"}}, "u", 5, false)
	assert.Equal(t, "Evening_ Prayer", rec.Title)
	assert.Equal(t, "2026-10-01", rec.RecordedOn)
}
