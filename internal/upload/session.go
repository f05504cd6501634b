package upload

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"
)

const metaFileName = "session.json"

var uploadIDRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Session is the metadata persisted next to the chunk files of one upload.
type Session struct {
	UploadID         string            `json:"uploadId"`
	OriginalFileName string            `json:"originalFileName"`
	TotalChunks      int               `json:"totalChunks"`
	ReceivedChunks   []int             `json:"receivedChunks"`
	ChunkSizes       map[int]int64     `json:"chunkSizes"`
	ExtraFields      map[string]string `json:"extraFields,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

func newSession(uploadID, fileName string, total int, extra map[string]string, now time.Time) *Session {
	fields := make(map[string]string, len(extra))
	for k, v := range extra {
		fields[k] = v
	}
	return &Session{
		UploadID:         uploadID,
		OriginalFileName: fileName,
		TotalChunks:      total,
		ReceivedChunks:   []int{},
		ChunkSizes:       make(map[int]int64),
		ExtraFields:      fields,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// markChunk records index with its byte length. Re-marking an index only replaces the size.
func (s *Session) markChunk(index int, size int64) {
	s.ChunkSizes[index] = size
	i := sort.SearchInts(s.ReceivedChunks, index)
	if i < len(s.ReceivedChunks) && s.ReceivedChunks[i] == index {
		return
	}
	s.ReceivedChunks = append(s.ReceivedChunks, 0)
	copy(s.ReceivedChunks[i+1:], s.ReceivedChunks[i:])
	s.ReceivedChunks[i] = index
}

func (s *Session) hasChunk(index int) bool {
	i := sort.SearchInts(s.ReceivedChunks, index)
	return i < len(s.ReceivedChunks) && s.ReceivedChunks[i] == index
}

// missing returns the indices in [0, total) that have not been received, ascending.
func (s *Session) missing(total int) []int {
	var out []int
	for i := 0; i < total; i++ {
		if !s.hasChunk(i) {
			out = append(out, i)
		}
	}
	return out
}

func (s *Session) complete() bool {
	return len(s.ReceivedChunks) == s.TotalChunks && len(s.missing(s.TotalChunks)) == 0
}

func (s *Session) totalSize() int64 {
	var total int64
	for i := 0; i < s.TotalChunks; i++ {
		total += s.ChunkSizes[i]
	}
	return total
}

func (st *Store) sessionDir(uploadID string) string {
	return filepath.Join(st.dir, uploadID)
}

func (st *Store) chunkPath(uploadID string, index int) string {
	return filepath.Join(st.sessionDir(uploadID), fmt.Sprintf("chunk-%05d", index))
}

func (st *Store) metaPath(uploadID string) string {
	return filepath.Join(st.sessionDir(uploadID), metaFileName)
}

func (st *Store) load(uploadID string) (*Session, error) {
	data, err := os.ReadFile(st.metaPath(uploadID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", uploadID, err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", uploadID, err)
	}
	if sess.ChunkSizes == nil {
		sess.ChunkSizes = make(map[int]int64)
	}
	sort.Ints(sess.ReceivedChunks)
	return &sess, nil
}

// save replaces the metadata file atomically so a crash never leaves it half written.
func (st *Store) save(sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.UploadID, err)
	}
	tmp, err := os.CreateTemp(st.sessionDir(sess.UploadID), metaFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.UploadID, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("save session %s: %w", sess.UploadID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save session %s: %w", sess.UploadID, err)
	}
	if err := os.Rename(tmp.Name(), st.metaPath(sess.UploadID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save session %s: %w", sess.UploadID, err)
	}
	return nil
}

func validateUploadID(uploadID string) error {
	if uploadID == "" {
		return invalid("uploadId", "is required")
	}
	if !uploadIDRe.MatchString(uploadID) {
		return invalid("uploadId", "must be 1-128 letters, digits, '-' or '_'")
	}
	return nil
}
