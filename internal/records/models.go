package records

import (
	"time"
)

type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// MediaRecord is one ingested recording and its transcription outcome
type MediaRecord struct {
	ID               string    `gorm:"primaryKey;type:text" json:"id"`
	Title            string    `json:"title"`
	Speaker          string    `json:"speaker,omitempty"`
	RecordedOn       string    `json:"recordedOn,omitempty"`
	OriginalFileName string    `json:"originalFileName"`
	AudioURL         string    `gorm:"not null" json:"audioUrl"`
	SizeBytes        int64     `json:"sizeBytes"`
	Compressed       bool      `json:"compressed"`
	Status           Status    `gorm:"index;not null" json:"status"`
	Transcript       string    `json:"transcript,omitempty"`
	ErrorMessage     string    `json:"errorMessage,omitempty"` // set only when Status is failed
	CreatedAt        time.Time `json:"createdAt"`
	UpdatedAt        time.Time `gorm:"index" json:"updatedAt"`
}
