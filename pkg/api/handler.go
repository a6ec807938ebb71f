package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"path/filepath"
	"strconv"

	"memo-relay/pkg/coordinator"
	"memo-relay/pkg/merge"
	"memo-relay/pkg/models"
	"memo-relay/pkg/storage"

	"github.com/gorilla/mux"
)

const ServiceName = "memo-relay"

type Handlers struct {
	coord            *coordinator.Coordinator
	frags            storage.FragmentStore
	recs             storage.RecordingStore
	hub              *Hub
	maxFragmentBytes int64
}

func NewHandlers(coord *coordinator.Coordinator, frags storage.FragmentStore, recs storage.RecordingStore, hub *Hub, maxFragmentBytes int64) *Handlers {
	return &Handlers{
		coord:            coord,
		frags:            frags,
		recs:             recs,
		hub:              hub,
		maxFragmentBytes: maxFragmentBytes,
	}
}

// UploadFragmentHandler ingests one fragment. Re-uploading the same
// (session, index) is a safe retry: the stored fragment is replaced,
// never duplicated.
func (h *Handlers) UploadFragmentHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFragmentBytes+64*1024)
	if err := r.ParseMultipartForm(h.maxFragmentBytes + 64*1024); err != nil {
		writeError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}

	sessionID := r.FormValue("session_id")
	if !storage.ValidSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, "session_id is required and may only contain letters, digits, '-' and '_'")
		return
	}

	index, err := strconv.Atoi(r.FormValue("index"))
	if err != nil || index < 0 {
		writeError(w, http.StatusBadRequest, "index must be a non-negative integer")
		return
	}

	duration, _ := strconv.ParseFloat(r.FormValue("duration"), 64)

	file, header, err := r.FormFile("audio")
	if err != nil {
		writeError(w, http.StatusBadRequest, "audio part is required")
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read audio part")
		return
	}
	if len(payload) == 0 {
		writeError(w, http.StatusBadRequest, "audio part is empty")
		return
	}
	if int64(len(payload)) > h.maxFragmentBytes {
		writeError(w, http.StatusBadRequest, "fragment exceeds maximum size")
		return
	}

	frag := models.NewFragment(sessionID, index, r.FormValue("device_id"), int64(len(payload)), duration)
	frag.Filename = filepath.Base(header.Filename)

	frag, err = h.frags.PutFragment(frag, payload)
	if err != nil {
		log.Printf("Ingestion Gateway: failed to store fragment (session %s, index %d): %v", sessionID, index, err)
		writeError(w, http.StatusInternalServerError, "failed to store fragment")
		return
	}

	log.Printf("Ingestion Gateway: stored fragment %s (session %s, index %d, %d bytes)",
		frag.ID, sessionID, index, frag.SizeBytes)

	h.hub.Publish(Event{
		Type:       "fragment_received",
		SessionID:  sessionID,
		FragmentID: frag.ID,
	})

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id":         frag.ID,
		"filename":   frag.Filename,
		"size":       frag.SizeBytes,
		"index":      frag.Index,
		"session_id": frag.SessionID,
	})
}

// FinalizeHandler accepts the device's "recording finished" signal and
// drives the merge.
func (h *Handlers) FinalizeHandler(w http.ResponseWriter, r *http.Request) {
	var req coordinator.FinalizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if !storage.ValidSessionID(req.SessionID) {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	rec, err := h.coord.Finalize(r.Context(), req)
	if err != nil {
		h.hub.Publish(Event{
			Type:      "recording_failed",
			SessionID: req.SessionID,
			Error:     err.Error(),
		})
		switch {
		case errors.Is(err, coordinator.ErrMergeInProgress):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, coordinator.ErrSessionIncomplete):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, merge.ErrNoFragments):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			log.Printf("Ingestion Gateway: finalize failed for session %s: %v", req.SessionID, err)
			writeError(w, http.StatusInternalServerError, "finalize failed")
		}
		return
	}

	h.hub.Publish(Event{
		Type:        "recording_completed",
		SessionID:   req.SessionID,
		RecordingID: rec.ID,
		Status:      string(rec.Status),
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{"recording": rec})
}

func (h *Handlers) GetRecordingHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := recordingID(w, r)
	if !ok {
		return
	}

	rec, err := h.recs.GetRecording(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load recording")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"recording": rec})
}

func (h *Handlers) ListRecordingsHandler(w http.ResponseWriter, r *http.Request) {
	recs, err := h.recs.ListRecordings()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list recordings")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recordings": recs,
		"count":      len(recs),
	})
}

// RecordingAudioHandler serves the merged file for playback in the
// admin panel.
func (h *Handlers) RecordingAudioHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := recordingID(w, r)
	if !ok {
		return
	}

	rec, err := h.recs.GetRecording(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load recording")
		return
	}
	if rec.Filename == "" {
		writeError(w, http.StatusNotFound, "recording has no merged audio yet")
		return
	}

	http.ServeFile(w, r, filepath.Join(h.recs.RecordingsDir(), filepath.Base(rec.Filename)))
}

func (h *Handlers) DeleteRecordingHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := recordingID(w, r)
	if !ok {
		return
	}

	if err := h.coord.DeleteRecording(id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, "recording not found")
			return
		}
		log.Printf("Ingestion Gateway: failed to delete recording %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to delete recording")
		return
	}

	h.hub.Publish(Event{Type: "recording_deleted", RecordingID: id})

	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": id})
}

func (h *Handlers) SessionFragmentsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["session_id"]
	if !storage.ValidSessionID(sessionID) {
		writeError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	view, err := h.coord.SessionView(sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}

	writeJSON(w, http.StatusOK, view)
}

func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": ServiceName,
	})
}

func recordingID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid recording id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
