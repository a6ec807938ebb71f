package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"memo-relay/pkg/config"
)

type Result struct {
	Text            string  `json:"text"`
	Cost            float64 `json:"cost,omitempty"`
	TokensProcessed int     `json:"tokens_processed,omitempty"`
}

// Transcriber turns a merged audio file into text. Implementations are
// best-effort collaborators: the coordinator logs their failures and
// moves on.
type Transcriber interface {
	Transcribe(ctx context.Context, path string) (*Result, error)
}

// WhisperClient calls the OpenAI audio transcription endpoint with a
// multipart file upload.
type WhisperClient struct {
	apiKey string
	url    string
	model  string
	client *http.Client
}

func NewWhisperClient(cfg config.TranscribeConfig) *WhisperClient {
	return &WhisperClient{
		apiKey: cfg.APIKey,
		url:    cfg.URL,
		model:  cfg.Model,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *WhisperClient) Transcribe(ctx context.Context, path string) (*Result, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audio file: %w", err)
	}
	defer file.Close()

	var requestBody bytes.Buffer
	writer := multipart.NewWriter(&requestBody)

	fileWriter, err := writer.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := io.Copy(fileWriter, file); err != nil {
		return nil, fmt.Errorf("failed to copy file data: %w", err)
	}

	writer.WriteField("model", c.model)
	writer.WriteField("response_format", "json")
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var payload struct {
		Text  string `json:"text"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &Result{
		Text:            payload.Text,
		TokensProcessed: payload.Usage.TotalTokens,
	}, nil
}
