package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"memo-relay/pkg/coordinator"
	"memo-relay/pkg/merge"
	"memo-relay/pkg/models"
	"memo-relay/pkg/session"
	"memo-relay/pkg/storage"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeMerger struct {
	outDir string
	mu     sync.Mutex
	merges int
}

func (m *fakeMerger) Merge(ctx context.Context, sessionID string, paths []string) (*merge.Result, error) {
	m.mu.Lock()
	m.merges++
	n := m.merges
	m.mu.Unlock()

	if len(paths) == 0 {
		return nil, merge.ErrNoFragments
	}
	path := filepath.Join(m.outDir, fmt.Sprintf("%s_%d.m4a", sessionID, n))
	if err := os.WriteFile(path, []byte("merged-audio"), 0644); err != nil {
		return nil, err
	}
	return &merge.Result{Path: path, SizeBytes: int64(len("merged-audio"))}, nil
}

func (m *fakeMerger) ProbeDuration(ctx context.Context, path string) (float64, error) {
	return 0, fmt.Errorf("ffprobe not available in tests")
}

const testMaxFragmentBytes = 1024

func newTestRouter(t *testing.T) (*mux.Router, *storage.Store) {
	t.Helper()

	store, err := storage.NewStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	merger := &fakeMerger{outDir: store.RecordingsDir()}
	coord := coordinator.New(store, store, merger, nil, nil)
	handlers := NewHandlers(coord, store, store, NewHub(), testMaxFragmentBytes)

	router := mux.NewRouter()
	router.HandleFunc("/fragments", handlers.UploadFragmentHandler).Methods("POST")
	router.HandleFunc("/recordings/finalize", handlers.FinalizeHandler).Methods("POST")
	router.HandleFunc("/recordings", handlers.ListRecordingsHandler).Methods("GET")
	router.HandleFunc("/recordings/{id}", handlers.GetRecordingHandler).Methods("GET")
	router.HandleFunc("/recordings/{id}", handlers.DeleteRecordingHandler).Methods("DELETE")
	router.HandleFunc("/recordings/{id}/audio", handlers.RecordingAudioHandler).Methods("GET")
	router.HandleFunc("/sessions/{session_id}/fragments", handlers.SessionFragmentsHandler).Methods("GET")
	router.HandleFunc("/health", handlers.HealthHandler).Methods("GET")

	return router, store
}

func uploadRequest(t *testing.T, fields map[string]string, payload []byte) *http.Request {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	if payload != nil {
		fw, err := writer.CreateFormFile("audio", "chunk.m4a")
		require.NoError(t, err)
		_, err = fw.Write(payload)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	req := httptest.NewRequest(http.MethodPost, "/fragments", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func doJSON(t *testing.T, router *mux.Router, req *http.Request) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	var body map[string]interface{}
	if rr.Body.Len() > 0 && rr.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	}
	return rr, body
}

func TestHealthEndpoint(t *testing.T) {
	router, _ := newTestRouter(t)

	rr, body := doJSON(t, router, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, ServiceName, body["service"])
}

func TestUploadFragmentValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	tests := []struct {
		name    string
		fields  map[string]string
		payload []byte
	}{
		{"missing session id", map[string]string{"index": "0"}, []byte("audio")},
		{"bad session id", map[string]string{"session_id": "../etc", "index": "0"}, []byte("audio")},
		{"missing index", map[string]string{"session_id": "s1"}, []byte("audio")},
		{"negative index", map[string]string{"session_id": "s1", "index": "-1"}, []byte("audio")},
		{"missing audio part", map[string]string{"session_id": "s1", "index": "0"}, nil},
		{"empty audio part", map[string]string{"session_id": "s1", "index": "0"}, []byte{}},
		{"oversized payload", map[string]string{"session_id": "s1", "index": "0"}, bytes.Repeat([]byte("a"), testMaxFragmentBytes+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr, body := doJSON(t, router, uploadRequest(t, tt.fields, tt.payload))
			assert.Equal(t, http.StatusBadRequest, rr.Code)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestUploadFragmentRetryKeepsOneRecord(t *testing.T) {
	router, _ := newTestRouter(t)

	fields := map[string]string{"session_id": "s1", "index": "0", "device_id": "watch-1", "duration": "10"}

	rr, first := doJSON(t, router, uploadRequest(t, fields, []byte("take-one")))
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, "s1", first["session_id"])
	assert.Equal(t, float64(0), first["index"])
	assert.NotEmpty(t, first["id"])

	rr, second := doJSON(t, router, uploadRequest(t, fields, []byte("take-two")))
	require.Equal(t, http.StatusCreated, rr.Code)
	assert.Equal(t, first["id"], second["id"], "a retried upload keeps the fragment id")

	rr, view := doJSON(t, router, httptest.NewRequest(http.MethodGet, "/sessions/s1/fragments", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(1), view["count"])
	assert.Equal(t, string(session.StateRecording), view["state"])
}

func TestFinalizeFlow(t *testing.T) {
	router, store := newTestRouter(t)

	for _, index := range []string{"2", "0", "1"} {
		fields := map[string]string{"session_id": "abc123", "index": index, "duration": "10"}
		rr, _ := doJSON(t, router, uploadRequest(t, fields, []byte("audio-"+index)))
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	payload := `{"session_id":"abc123","fragment_count":3,"total_duration":30,"target_username":"bob"}`
	req := httptest.NewRequest(http.MethodPost, "/recordings/finalize", bytes.NewBufferString(payload))
	rr, body := doJSON(t, router, req)
	require.Equal(t, http.StatusOK, rr.Code)

	recording := body["recording"].(map[string]interface{})
	assert.Equal(t, string(models.RecordingCompleted), recording["status"])
	assert.Equal(t, float64(30), recording["duration"])
	assert.NotEmpty(t, recording["filename"])

	id := uint64(recording["id"].(float64))

	frags, err := store.ListBySession("abc123")
	require.NoError(t, err)
	require.Len(t, frags, 3)
	for _, frag := range frags {
		assert.True(t, frag.Processed)
	}

	rr, body = doJSON(t, router, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/recordings/%d", id), nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr, body = doJSON(t, router, httptest.NewRequest(http.MethodGet, "/recordings", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(1), body["count"])

	audioReq := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/recordings/%d/audio", id), nil)
	audioRR := httptest.NewRecorder()
	router.ServeHTTP(audioRR, audioReq)
	require.Equal(t, http.StatusOK, audioRR.Code)
	assert.Equal(t, "merged-audio", audioRR.Body.String())

	rr, _ = doJSON(t, router, httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/recordings/%d", id), nil))
	require.Equal(t, http.StatusOK, rr.Code)

	rr, _ = doJSON(t, router, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/recordings/%d", id), nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	frags, err = store.ListBySession("abc123")
	require.NoError(t, err)
	assert.Empty(t, frags)
}

func TestFinalizeValidation(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/recordings/finalize", bytes.NewBufferString("{not json"))
	rr, _ := doJSON(t, router, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/recordings/finalize", bytes.NewBufferString(`{"session_id":""}`))
	rr, _ = doJSON(t, router, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestFinalizeUnknownSession(t *testing.T) {
	router, _ := newTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/recordings/finalize", bytes.NewBufferString(`{"session_id":"ghost"}`))
	rr, body := doJSON(t, router, req)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.NotEmpty(t, body["error"])
}

func TestFinalizeIncompleteSession(t *testing.T) {
	router, _ := newTestRouter(t)

	fields := map[string]string{"session_id": "s1", "index": "0", "duration": "10"}
	rr, _ := doJSON(t, router, uploadRequest(t, fields, []byte("audio")))
	require.Equal(t, http.StatusCreated, rr.Code)

	req := httptest.NewRequest(http.MethodPost, "/recordings/finalize", bytes.NewBufferString(`{"session_id":"s1","fragment_count":3}`))
	rr, body := doJSON(t, router, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.NotEmpty(t, body["error"])
}

func TestGetRecordingNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	rr, _ := doJSON(t, router, httptest.NewRequest(http.MethodGet, "/recordings/999", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr, _ = doJSON(t, router, httptest.NewRequest(http.MethodGet, "/recordings/not-a-number", nil))
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSessionFragmentsViewReportsGaps(t *testing.T) {
	router, _ := newTestRouter(t)

	for _, index := range []string{"0", "1", "3"} {
		fields := map[string]string{"session_id": "s1", "index": index}
		rr, _ := doJSON(t, router, uploadRequest(t, fields, []byte("audio")))
		require.Equal(t, http.StatusCreated, rr.Code)
	}

	rr, view := doJSON(t, router, httptest.NewRequest(http.MethodGet, "/sessions/s1/fragments", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, float64(3), view["count"])
	assert.Equal(t, []interface{}{float64(2)}, view["missing_indexes"])
}
