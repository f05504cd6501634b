package upload

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/coah80/ingest/internal/metrics"
)

type Options struct {
	// Dir holds one sub-directory per upload id.
	Dir string
	// AssembledDir receives finalized files.
	AssembledDir string
	// InMemoryThreshold is the total size below which finalize concatenates in a single buffer.
	InMemoryThreshold int64
	MaxChunks         int
	Logger            hclog.Logger
}

// Store is the on-disk upload session store. It is safe for concurrent use; metadata
// mutation is serialized per upload id, unrelated uploads never contend.
type Store struct {
	dir          string
	assembledDir string
	memThreshold int64
	maxChunks    int
	locks        *keyedMutex
	log          hclog.Logger
	now          func() time.Time
}

func NewStore(opts Options) (*Store, error) {
	if opts.Dir == "" || opts.AssembledDir == "" {
		return nil, fmt.Errorf("upload store needs both a session and an assembled directory")
	}
	for _, dir := range []string{opts.Dir, opts.AssembledDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Store{
		dir:          opts.Dir,
		assembledDir: opts.AssembledDir,
		memThreshold: opts.InMemoryThreshold,
		maxChunks:    opts.MaxChunks,
		locks:        newKeyedMutex(),
		log:          logger,
		now:          time.Now,
	}, nil
}

type ChunkRequest struct {
	UploadID         string
	ChunkIndex       int
	TotalChunks      int
	OriginalFileName string
	// ExtraFields are kept only when this chunk creates the session.
	ExtraFields map[string]string
	Body        io.Reader
}

type Progress struct {
	Received int  `json:"received"`
	Total    int  `json:"total"`
	Complete bool `json:"complete"`
}

func (st *Store) validateChunk(req ChunkRequest) error {
	if err := validateUploadID(req.UploadID); err != nil {
		return err
	}
	if req.TotalChunks < 1 {
		return invalid("totalChunks", "must be at least 1, got %d", req.TotalChunks)
	}
	if st.maxChunks > 0 && req.TotalChunks > st.maxChunks {
		return invalid("totalChunks", "must be at most %d, got %d", st.maxChunks, req.TotalChunks)
	}
	if req.ChunkIndex < 0 || req.ChunkIndex >= req.TotalChunks {
		return invalid("chunkIndex", "%d is outside [0, %d)", req.ChunkIndex, req.TotalChunks)
	}
	if req.Body == nil {
		return invalid("chunk", "body is required")
	}
	return nil
}

// RegisterChunk stores one chunk and records it in the session, creating the session
// on first sight of the upload id. Resubmitting an index replaces its bytes.
func (st *Store) RegisterChunk(req ChunkRequest) (Progress, error) {
	if err := st.validateChunk(req); err != nil {
		metrics.ChunksRejected.Inc()
		return Progress{}, err
	}

	body := bufio.NewReader(req.Body)
	if _, err := body.Peek(1); err != nil {
		if errors.Is(err, io.EOF) {
			metrics.ChunksRejected.Inc()
			return Progress{}, invalid("chunk", "body is empty")
		}
		return Progress{}, fmt.Errorf("read chunk %d: %w", req.ChunkIndex, err)
	}

	dir := st.sessionDir(req.UploadID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Progress{}, fmt.Errorf("create session dir: %w", err)
	}

	// Bytes land in a private temp file first so concurrent chunks of the same
	// upload write in parallel; only the rename and metadata update are serialized.
	tmp, err := os.CreateTemp(dir, fmt.Sprintf("chunk-%05d-*.part", req.ChunkIndex))
	if err != nil {
		return Progress{}, fmt.Errorf("create chunk %d: %w", req.ChunkIndex, err)
	}
	size, err := io.Copy(tmp, body)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return Progress{}, fmt.Errorf("write chunk %d: %w", req.ChunkIndex, err)
	}

	unlock := st.locks.Lock(req.UploadID)
	defer unlock()

	sess, err := st.load(req.UploadID)
	switch {
	case errors.Is(err, ErrSessionNotFound):
		sess = newSession(req.UploadID, req.OriginalFileName, req.TotalChunks, req.ExtraFields, st.now())
		st.log.Info("upload session created", "upload_id", req.UploadID, "total_chunks", req.TotalChunks, "file_name", req.OriginalFileName)
	case err != nil:
		os.Remove(tmp.Name())
		return Progress{}, err
	case sess.TotalChunks != req.TotalChunks:
		os.Remove(tmp.Name())
		metrics.ChunksRejected.Inc()
		return Progress{}, invalid("totalChunks", "session declared %d chunks, got %d", sess.TotalChunks, req.TotalChunks)
	}

	if err := os.Rename(tmp.Name(), st.chunkPath(req.UploadID, req.ChunkIndex)); err != nil {
		os.Remove(tmp.Name())
		return Progress{}, fmt.Errorf("store chunk %d: %w", req.ChunkIndex, err)
	}

	sess.markChunk(req.ChunkIndex, size)
	sess.UpdatedAt = st.now()
	if err := st.save(sess); err != nil {
		return Progress{}, err
	}

	metrics.ChunksReceived.Inc()
	metrics.ChunkBytes.Add(float64(size))
	st.log.Debug("chunk stored", "upload_id", req.UploadID, "chunk", req.ChunkIndex, "bytes", size,
		"received", len(sess.ReceivedChunks), "total", sess.TotalChunks)

	return Progress{
		Received: len(sess.ReceivedChunks),
		Total:    sess.TotalChunks,
		Complete: sess.complete(),
	}, nil
}

type SessionStatus struct {
	UploadID         string `json:"uploadId"`
	OriginalFileName string `json:"originalFileName"`
	Received         []int  `json:"received"`
	Missing          []int  `json:"missing"`
	Total            int    `json:"total"`
}

// Status reports which chunks a client still has to send.
func (st *Store) Status(uploadID string) (*SessionStatus, error) {
	if err := validateUploadID(uploadID); err != nil {
		return nil, err
	}
	unlock := st.locks.Lock(uploadID)
	defer unlock()

	sess, err := st.load(uploadID)
	if err != nil {
		return nil, err
	}
	received := make([]int, len(sess.ReceivedChunks))
	copy(received, sess.ReceivedChunks)
	missing := sess.missing(sess.TotalChunks)
	if missing == nil {
		missing = []int{}
	}
	return &SessionStatus{
		UploadID:         sess.UploadID,
		OriginalFileName: sess.OriginalFileName,
		Received:         received,
		Missing:          missing,
		Total:            sess.TotalChunks,
	}, nil
}

// ReapExpired removes sessions that have not been touched for ttl. Sessions that are
// locked by an in-flight chunk or finalize are skipped until the next sweep.
func (st *Store) ReapExpired(ttl time.Duration) (int, error) {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return 0, fmt.Errorf("list sessions: %w", err)
	}

	now := st.now()
	reaped := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id := e.Name()
		unlock, ok := st.locks.TryLock(id)
		if !ok {
			continue
		}

		lastActivity, err := st.lastActivity(id)
		if err != nil {
			unlock()
			st.log.Warn("cannot inspect upload session", "upload_id", id, "error", err)
			continue
		}
		if now.Sub(lastActivity) > ttl {
			if err := os.RemoveAll(filepath.Join(st.dir, id)); err != nil {
				st.log.Warn("failed to remove expired upload session", "upload_id", id, "error", err)
			} else {
				reaped++
				metrics.SessionsReaped.Inc()
				st.log.Info("upload session expired", "upload_id", id, "idle", now.Sub(lastActivity).Round(time.Second))
			}
		}
		unlock()
	}
	return reaped, nil
}

// lastActivity prefers the metadata timestamp and falls back to the directory mtime for
// sessions whose first chunk never completed.
func (st *Store) lastActivity(uploadID string) (time.Time, error) {
	sess, err := st.load(uploadID)
	if err == nil {
		return sess.UpdatedAt, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return time.Time{}, err
	}
	info, err := os.Stat(st.sessionDir(uploadID))
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}

// StartReaper sweeps abandoned sessions every interval until stop is closed.
func (st *Store) StartReaper(interval, ttl time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if _, err := st.ReapExpired(ttl); err != nil {
					st.log.Warn("upload session sweep failed", "error", err)
				}
			}
		}
	}()
}
