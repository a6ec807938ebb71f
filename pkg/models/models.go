package models

import (
	"time"

	"github.com/google/uuid"
)

// Fragment is one uploaded chunk of a voice recording, keyed by
// (SessionID, Index). A retried upload for the same key replaces this
// record instead of creating a second one.
type Fragment struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Index       int       `json:"index"`
	DeviceID    string    `json:"device_id,omitempty"`
	Filename    string    `json:"filename"`
	SizeBytes   int64     `json:"size"`
	Duration    float64   `json:"duration"`
	RecordingID uint64    `json:"recording_id,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
	Processed   bool      `json:"processed"`
}

type RecordingStatus string

const (
	RecordingStarted     RecordingStatus = "started"
	RecordingCompleted   RecordingStatus = "completed"
	RecordingTranscribed RecordingStatus = "transcribed"
	RecordingError       RecordingStatus = "error"
)

// Recording is the logical voice memo. Filename is empty until a merge
// succeeds; Status completed implies Filename is set and the file exists.
type Recording struct {
	ID             uint64          `json:"id"`
	SessionID      string          `json:"session_id"`
	Filename       string          `json:"filename,omitempty"`
	FileSize       int64           `json:"file_size,omitempty"`
	Duration       float64         `json:"duration,omitempty"`
	Status         RecordingStatus `json:"status"`
	Transcription  string          `json:"transcription,omitempty"`
	SenderUsername string          `json:"sender_username,omitempty"`
	TargetUsername string          `json:"target_username,omitempty"`
	SentAt         *time.Time      `json:"sent_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CanMergeFragments reports whether the recording still needs a merge:
// fragments may exist for its session but no merged file does yet.
func (r *Recording) CanMergeFragments() bool {
	return r.Filename == ""
}

func NewFragment(sessionID string, index int, deviceID string, size int64, duration float64) *Fragment {
	return &Fragment{
		ID:         uuid.New().String(),
		SessionID:  sessionID,
		Index:      index,
		DeviceID:   deviceID,
		SizeBytes:  size,
		Duration:   duration,
		ReceivedAt: time.Now().UTC(),
	}
}

func NewRecording(sessionID, targetUsername string) *Recording {
	now := time.Now().UTC()
	return &Recording{
		SessionID:      sessionID,
		Status:         RecordingStarted,
		TargetUsername: targetUsername,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
