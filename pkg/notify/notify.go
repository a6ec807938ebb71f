package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"memo-relay/pkg/config"
	"memo-relay/pkg/models"
)

// Notifier hands a finished memo to the delivery sidecar (the Telegram
// relay). Failures are the sidecar's problem to retry; the coordinator
// only logs them.
type Notifier interface {
	Deliver(ctx context.Context, rec *models.Recording, filePath string) error
}

// Memo is the delivery payload the notifier service expects.
type Memo struct {
	RecordingID    uint64  `json:"recording_id"`
	FilePath       string  `json:"file_path"`
	Duration       float64 `json:"duration"`
	TargetUsername string  `json:"target_username,omitempty"`
	SenderUsername string  `json:"sender_username,omitempty"`
	Transcription  string  `json:"transcription,omitempty"`
}

type HTTPNotifier struct {
	url    string
	client *http.Client
}

func NewHTTPNotifier(cfg config.NotifyConfig) *HTTPNotifier {
	return &HTTPNotifier{
		url:    cfg.URL,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (n *HTTPNotifier) Deliver(ctx context.Context, rec *models.Recording, filePath string) error {
	memo := Memo{
		RecordingID:    rec.ID,
		FilePath:       filePath,
		Duration:       rec.Duration,
		TargetUsername: rec.TargetUsername,
		SenderUsername: rec.SenderUsername,
		Transcription:  rec.Transcription,
	}

	body, err := json.Marshal(memo)
	if err != nil {
		return fmt.Errorf("failed to marshal memo: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notifier returned %d", resp.StatusCode)
	}
	return nil
}
