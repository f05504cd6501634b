package upload

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/coah80/ingest/internal/metrics"
	"github.com/coah80/ingest/internal/util"
)

// Phase is the finalize state machine: Open -> Verifying -> Concatenating -> Persisted | Failed.
type Phase string

const (
	PhaseOpen          Phase = "open"
	PhaseVerifying     Phase = "verifying"
	PhaseConcatenating Phase = "concatenating"
	PhasePersisted     Phase = "persisted"
	PhaseFailed        Phase = "failed"
)

type FinalizeRequest struct {
	UploadID         string
	TotalChunks      int
	OriginalFileName string
}

// Assembled is the reassembled artifact. It lives until the caller hands it off.
type Assembled struct {
	UploadID         string
	Path             string
	SizeBytes        int64
	OriginalFileName string
	ExtraFields      map[string]string
}

// Finalize verifies the session, concatenates its chunks in index order and removes
// the session. Missing or corrupt chunks leave the session untouched so the client can
// re-upload and finalize again.
func (st *Store) Finalize(req FinalizeRequest) (*Assembled, error) {
	if err := validateUploadID(req.UploadID); err != nil {
		metrics.Finalizations.WithLabelValues("invalid").Inc()
		return nil, err
	}
	if req.TotalChunks < 1 {
		metrics.Finalizations.WithLabelValues("invalid").Inc()
		return nil, invalid("totalChunks", "must be at least 1, got %d", req.TotalChunks)
	}

	unlock := st.locks.Lock(req.UploadID)
	defer unlock()

	sess, err := st.verify(req)
	if err != nil {
		metrics.Finalizations.WithLabelValues(resultLabel(err)).Inc()
		st.log.Warn("finalize rejected", "upload_id", req.UploadID, "phase", PhaseVerifying, "error", err)
		return nil, err
	}

	name := req.OriginalFileName
	if name == "" {
		name = sess.OriginalFileName
	}
	safeName := util.SanitizeFilename(filepath.Base(name))
	if safeName == "" || safeName == "." {
		safeName = "upload"
	}
	outPath := filepath.Join(st.assembledDir, sess.UploadID+"-"+safeName)
	totalSize := sess.totalSize()

	st.log.Info("reassembling upload", "upload_id", sess.UploadID, "chunks", sess.TotalChunks,
		"bytes", totalSize, "in_memory", totalSize < st.memThreshold)

	if err := st.concatenate(sess, outPath, totalSize); err != nil {
		metrics.Finalizations.WithLabelValues("reassembly_failed").Inc()
		st.log.Error("reassembly failed", "upload_id", sess.UploadID, "phase", PhaseFailed, "error", err)
		return nil, err
	}

	if err := os.RemoveAll(st.sessionDir(sess.UploadID)); err != nil {
		st.log.Warn("failed to clean up upload session", "upload_id", sess.UploadID, "error", err)
	}

	metrics.Finalizations.WithLabelValues("persisted").Inc()
	metrics.AssembledBytes.Observe(float64(totalSize))
	st.log.Info("upload assembled", "upload_id", sess.UploadID, "phase", PhasePersisted, "path", outPath, "bytes", totalSize)

	return &Assembled{
		UploadID:         sess.UploadID,
		Path:             outPath,
		SizeBytes:        totalSize,
		OriginalFileName: name,
		ExtraFields:      sess.ExtraFields,
	}, nil
}

func (st *Store) verify(req FinalizeRequest) (*Session, error) {
	sess, err := st.load(req.UploadID)
	if err != nil {
		return nil, err
	}
	if sess.TotalChunks != req.TotalChunks {
		return nil, invalid("totalChunks", "session declared %d chunks, got %d", sess.TotalChunks, req.TotalChunks)
	}
	if missing := sess.missing(req.TotalChunks); len(missing) > 0 {
		return nil, &IncompleteUploadError{UploadID: req.UploadID, Missing: missing}
	}
	for i := 0; i < sess.TotalChunks; i++ {
		info, err := os.Stat(st.chunkPath(sess.UploadID, i))
		switch {
		case err != nil:
			return nil, &CorruptChunkError{UploadID: sess.UploadID, Index: i, Reason: "chunk file is missing"}
		case info.Size() == 0:
			return nil, &CorruptChunkError{UploadID: sess.UploadID, Index: i, Reason: "chunk file is empty"}
		case info.Size() != sess.ChunkSizes[i]:
			return nil, &CorruptChunkError{UploadID: sess.UploadID, Index: i,
				Reason: fmt.Sprintf("chunk file has %d bytes, recorded %d", info.Size(), sess.ChunkSizes[i])}
		}
	}
	return sess, nil
}

// concatenate writes the chunks to a temporary file, verifies its length and renames it
// into place. Any failure removes the partial output.
func (st *Store) concatenate(sess *Session, outPath string, totalSize int64) error {
	partPath := outPath + ".part"
	fail := func(phase Phase, err error) error {
		os.Remove(partPath)
		return &ReassemblyError{UploadID: sess.UploadID, Phase: phase, Err: err}
	}

	var err error
	if totalSize < st.memThreshold {
		err = st.concatInMemory(sess, partPath, totalSize)
	} else {
		err = st.concatStreaming(sess, partPath)
	}
	if err != nil {
		return fail(PhaseConcatenating, err)
	}

	info, err := os.Stat(partPath)
	if err != nil {
		return fail(PhaseConcatenating, fmt.Errorf("assembled file missing after write: %w", err))
	}
	if info.Size() == 0 || info.Size() != totalSize {
		return fail(PhaseConcatenating, fmt.Errorf("assembled file has %d bytes, expected %d", info.Size(), totalSize))
	}
	if err := os.Rename(partPath, outPath); err != nil {
		return fail(PhaseConcatenating, err)
	}
	return nil
}

// concatInMemory copies every chunk into its offset of one pre-sized buffer.
func (st *Store) concatInMemory(sess *Session, outPath string, totalSize int64) error {
	buf := make([]byte, totalSize)
	var offset int64
	for i := 0; i < sess.TotalChunks; i++ {
		size := sess.ChunkSizes[i]
		if err := readChunkInto(st.chunkPath(sess.UploadID, i), buf[offset:offset+size]); err != nil {
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		offset += size
	}
	return os.WriteFile(outPath, buf, 0644)
}

func readChunkInto(path string, dst []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.ReadFull(f, dst)
	return err
}

func (st *Store) concatStreaming(sess *Session, outPath string) error {
	out, err := os.Create(outPath)
	if err != nil {
		return err
	}
	for i := 0; i < sess.TotalChunks; i++ {
		n, err := copyChunk(out, st.chunkPath(sess.UploadID, i))
		if err != nil {
			out.Close()
			return fmt.Errorf("chunk %d: %w", i, err)
		}
		if n != sess.ChunkSizes[i] {
			out.Close()
			return fmt.Errorf("chunk %d: copied %d bytes, recorded %d", i, n, sess.ChunkSizes[i])
		}
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyChunk(dst io.Writer, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return io.Copy(dst, f)
}

func resultLabel(err error) string {
	switch err.(type) {
	case *ValidationError:
		return "invalid"
	case *IncompleteUploadError:
		return "incomplete"
	case *CorruptChunkError:
		return "corrupt_chunk"
	}
	if errors.Is(err, ErrSessionNotFound) {
		return "not_found"
	}
	return "error"
}
