package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"memo-relay/pkg/merge"
	"memo-relay/pkg/models"
	"memo-relay/pkg/notify"
	"memo-relay/pkg/session"
	"memo-relay/pkg/storage"
	"memo-relay/pkg/transcribe"
)

var (
	ErrMergeInProgress   = fmt.Errorf("a merge is already in progress for this session")
	ErrSessionIncomplete = fmt.Errorf("declared fragment count does not match stored fragments")
)

// Merger is the slice of the reassembly engine the coordinator needs.
type Merger interface {
	Merge(ctx context.Context, sessionID string, paths []string) (*merge.Result, error)
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

type FinalizeRequest struct {
	SessionID      string  `json:"session_id"`
	DeviceID       string  `json:"device_id,omitempty"`
	FragmentCount  int     `json:"fragment_count,omitempty"`
	TotalDuration  float64 `json:"total_duration,omitempty"`
	TargetUsername string  `json:"target_username,omitempty"`
	Force          bool    `json:"force,omitempty"`
}

// Coordinator runs end-of-session processing: it serializes merges per
// session, drives the recording through its status lifecycle and fires
// the best-effort downstream collaborators.
type Coordinator struct {
	frags       storage.FragmentStore
	recs        storage.RecordingStore
	engine      Merger
	transcriber transcribe.Transcriber
	notifier    notify.Notifier

	mu       sync.Mutex
	inFlight map[string]bool
}

// New wires a coordinator. transcriber and notifier may be nil when the
// collaborator is not configured.
func New(frags storage.FragmentStore, recs storage.RecordingStore, engine Merger, transcriber transcribe.Transcriber, notifier notify.Notifier) *Coordinator {
	return &Coordinator{
		frags:       frags,
		recs:        recs,
		engine:      engine,
		transcriber: transcriber,
		notifier:    notifier,
		inFlight:    make(map[string]bool),
	}
}

func (c *Coordinator) acquire(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[sessionID] {
		return false
	}
	c.inFlight[sessionID] = true
	return true
}

func (c *Coordinator) release(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, sessionID)
}

// SessionView computes the derived state of a session from the store.
func (c *Coordinator) SessionView(sessionID string) (session.View, error) {
	frags, err := c.frags.ListBySession(sessionID)
	if err != nil {
		return session.View{}, err
	}
	return session.Build(sessionID, frags), nil
}

// Finalize merges a session's fragments into its recording. At most one
// merge runs per session at a time; a concurrent caller gets
// ErrMergeInProgress instead of a second merge. Retrying after a failed
// merge is always safe: the recording keeps its last good state, and
// retrying after success returns the existing result without touching
// the merged file.
func (c *Coordinator) Finalize(ctx context.Context, req FinalizeRequest) (*models.Recording, error) {
	if !c.acquire(req.SessionID) {
		return nil, ErrMergeInProgress
	}
	defer c.release(req.SessionID)

	view, err := c.SessionView(req.SessionID)
	if err != nil {
		return nil, err
	}

	rec, err := c.recs.GetRecordingBySession(req.SessionID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	if rec != nil && !rec.CanMergeFragments() && !req.Force {
		log.Printf("Coordinator: session %s already merged into recording %d, returning existing result", req.SessionID, rec.ID)
		return rec, nil
	}

	if view.Count == 0 {
		if rec == nil {
			rec = models.NewRecording(req.SessionID, req.TargetUsername)
			if rec, err = c.recs.CreateRecording(rec); err != nil {
				return nil, err
			}
		}
		if rec.CanMergeFragments() {
			rec.Status = models.RecordingError
			if err := c.recs.UpdateRecording(rec); err != nil {
				log.Printf("Coordinator: failed to mark recording %d as error: %v", rec.ID, err)
			}
		}
		return nil, fmt.Errorf("session %s: %w", req.SessionID, merge.ErrNoFragments)
	}

	// A caller that declares no count is trusted to mean "merge what
	// arrived"; only an explicit mismatching count blocks the merge.
	force := req.Force || req.FragmentCount == 0
	if !view.ReadyToMerge(req.FragmentCount, force) {
		return nil, fmt.Errorf("session %s has %d fragments, %d declared: %w",
			req.SessionID, view.Count, req.FragmentCount, ErrSessionIncomplete)
	}

	if view.HasGaps() {
		log.Printf("Coordinator: session %s has missing fragment indexes %v, merging what exists", req.SessionID, view.MissingIndexes)
	}

	if rec == nil {
		rec = models.NewRecording(req.SessionID, req.TargetUsername)
		rec.SenderUsername = req.DeviceID
		if rec, err = c.recs.CreateRecording(rec); err != nil {
			return nil, err
		}
	}

	duration := c.sumDurations(ctx, view.Fragments)
	if duration == 0 && req.TotalDuration > 0 {
		duration = req.TotalDuration
	}

	paths := make([]string, 0, len(view.Fragments))
	for _, frag := range view.Fragments {
		paths = append(paths, c.frags.FragmentPath(frag))
	}

	result, err := c.engine.Merge(ctx, req.SessionID, paths)
	if err != nil {
		// The recording keeps whatever state it had; a retry can still
		// succeed once the fragments are readable again.
		log.Printf("Coordinator: merge failed for session %s (recording %d): %v", req.SessionID, rec.ID, err)
		return nil, err
	}

	rec.Filename = filepath.Base(result.Path)
	rec.FileSize = result.SizeBytes
	rec.Duration = duration
	rec.Status = models.RecordingCompleted
	if err := c.recs.UpdateRecording(rec); err != nil {
		return nil, fmt.Errorf("merged file written but recording update failed: %w", err)
	}

	if err := c.frags.MarkSessionProcessed(req.SessionID, rec.ID); err != nil {
		log.Printf("Coordinator: failed to mark session %s fragments processed: %v", req.SessionID, err)
	}

	c.transcribeAndDeliver(ctx, rec, result.Path)

	return rec, nil
}

// sumDurations adds up per-fragment durations, probing any fragment the
// device did not report one for. The merged file itself is never
// probed.
func (c *Coordinator) sumDurations(ctx context.Context, frags []*models.Fragment) float64 {
	var total float64
	for _, frag := range frags {
		d := frag.Duration
		if d == 0 {
			probed, err := c.engine.ProbeDuration(ctx, c.frags.FragmentPath(frag))
			if err != nil {
				log.Printf("Coordinator: could not probe duration of fragment %s (session %s, index %d): %v",
					frag.ID, frag.SessionID, frag.Index, err)
				continue
			}
			d = probed
		}
		total += d
	}
	return total
}

// transcribeAndDeliver runs the downstream collaborators. Both are
// strictly best-effort: a transcription or delivery failure never
// downgrades a completed recording.
func (c *Coordinator) transcribeAndDeliver(ctx context.Context, rec *models.Recording, mergedPath string) {
	if c.transcriber != nil {
		res, err := c.transcriber.Transcribe(ctx, mergedPath)
		if err != nil {
			log.Printf("Coordinator: transcription failed for recording %d, keeping it completed: %v", rec.ID, err)
		} else {
			rec.Transcription = res.Text
			rec.Status = models.RecordingTranscribed
			if err := c.recs.UpdateRecording(rec); err != nil {
				log.Printf("Coordinator: failed to store transcription for recording %d: %v", rec.ID, err)
			}
		}
	}

	if c.notifier != nil {
		if err := c.notifier.Deliver(ctx, rec, mergedPath); err != nil {
			log.Printf("Coordinator: delivery failed for recording %d: %v", rec.ID, err)
		} else {
			now := time.Now().UTC()
			rec.SentAt = &now
			if err := c.recs.UpdateRecording(rec); err != nil {
				log.Printf("Coordinator: failed to store delivery time for recording %d: %v", rec.ID, err)
			}
		}
	}
}

// DeleteRecording cascades: merged file, fragment payloads and
// metadata, then the recording row itself.
func (c *Coordinator) DeleteRecording(id uint64) error {
	rec, err := c.recs.GetRecording(id)
	if err != nil {
		return err
	}

	if err := c.recs.RemoveRecordingFile(rec.Filename); err != nil {
		log.Printf("Coordinator: could not remove merged file for recording %d: %v", id, err)
	}
	if rec.SessionID != "" {
		if err := c.frags.DeleteBySession(rec.SessionID); err != nil {
			return err
		}
	} else if err := c.frags.DeleteByRecording(id); err != nil {
		return err
	}
	return c.recs.DeleteRecording(id)
}
