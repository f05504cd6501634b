package upload

import (
	"errors"
	"fmt"
)

var (
	ErrSessionNotFound  = errors.New("upload session not found")
	ErrReassemblyFailed = errors.New("reassembly failed")
)

// ValidationError rejects a request before any state is changed.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IncompleteUploadError lists the chunk indices that were never received.
type IncompleteUploadError struct {
	UploadID string
	Missing  []int
}

func (e *IncompleteUploadError) Error() string {
	return fmt.Sprintf("upload %s is incomplete: missing chunks %v", e.UploadID, e.Missing)
}

// CorruptChunkError is raised for a chunk that was registered but whose bytes are
// missing, empty or a different length than recorded.
type CorruptChunkError struct {
	UploadID string
	Index    int
	Reason   string
}

func (e *CorruptChunkError) Error() string {
	return fmt.Sprintf("upload %s chunk %d is corrupt: %s", e.UploadID, e.Index, e.Reason)
}

// ReassemblyError is fatal for the session; the client has to restart from chunk 0.
type ReassemblyError struct {
	UploadID string
	Phase    Phase
	Err      error
}

func (e *ReassemblyError) Error() string {
	return fmt.Sprintf("upload %s reassembly failed during %s: %v", e.UploadID, e.Phase, e.Err)
}

func (e *ReassemblyError) Unwrap() error {
	return e.Err
}

func (e *ReassemblyError) Is(target error) bool {
	return target == ErrReassemblyFailed
}
