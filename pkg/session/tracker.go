package session

import (
	"memo-relay/pkg/models"
)

type State string

const (
	StateEmpty     State = "empty"
	StateRecording State = "recording"
	StateMerged    State = "merged"
)

// View is the derived picture of one session: whatever fragments the
// store currently holds for its id, classified. Sessions are never
// stored, the device has no reliable close signal, so this projection
// is the only session state there is.
type View struct {
	SessionID      string             `json:"session_id"`
	Fragments      []*models.Fragment `json:"fragments"`
	Count          int                `json:"count"`
	MissingIndexes []int              `json:"missing_indexes,omitempty"`
	TotalBytes     int64              `json:"total_bytes"`
	KnownDuration  float64            `json:"known_duration"`
	State          State              `json:"state"`
}

// Build computes a session view from fragments already sorted by index,
// as ListBySession returns them.
func Build(sessionID string, frags []*models.Fragment) View {
	v := View{
		SessionID: sessionID,
		Fragments: frags,
		Count:     len(frags),
		State:     StateEmpty,
	}
	if len(frags) == 0 {
		return v
	}

	v.State = StateRecording
	allProcessed := true
	next := 0
	for _, frag := range frags {
		for next < frag.Index {
			v.MissingIndexes = append(v.MissingIndexes, next)
			next++
		}
		next = frag.Index + 1
		v.TotalBytes += frag.SizeBytes
		v.KnownDuration += frag.Duration
		if !frag.Processed {
			allProcessed = false
		}
	}
	if allProcessed {
		v.State = StateMerged
	}

	return v
}

// ReadyToMerge applies the finalize intent: fragments exist and either
// the device's declared count matches what arrived or the caller forces
// the merge. Gaps alone never block a merge; lost fragments on the
// wireless link are expected and the rest of the audio is still wanted.
func (v View) ReadyToMerge(declaredCount int, force bool) bool {
	if v.Count == 0 {
		return false
	}
	if force {
		return true
	}
	return declaredCount == v.Count
}

// HasGaps reports whether any index between 0 and the highest seen is
// missing.
func (v View) HasGaps() bool {
	return len(v.MissingIndexes) > 0
}
