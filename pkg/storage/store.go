package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"memo-relay/pkg/models"

	"github.com/dgraph-io/badger/v3"
)

var (
	ErrNotFound       = fmt.Errorf("record not found")
	ErrEmptyPayload   = fmt.Errorf("empty fragment payload")
	ErrInvalidSession = fmt.Errorf("session id required")
	ErrInvalidIndex   = fmt.Errorf("fragment index must be non-negative")
)

type FragmentStore interface {
	PutFragment(frag *models.Fragment, payload []byte) (*models.Fragment, error)
	ListBySession(sessionID string) ([]*models.Fragment, error)
	ListByRecording(recordingID uint64) ([]*models.Fragment, error)
	MarkProcessed(id string) error
	MarkSessionProcessed(sessionID string, recordingID uint64) error
	DeleteBySession(sessionID string) error
	DeleteByRecording(recordingID uint64) error
	FragmentPath(frag *models.Fragment) string
}

type RecordingStore interface {
	CreateRecording(rec *models.Recording) (*models.Recording, error)
	GetRecording(id uint64) (*models.Recording, error)
	GetRecordingBySession(sessionID string) (*models.Recording, error)
	UpdateRecording(rec *models.Recording) error
	DeleteRecording(id uint64) error
	ListRecordings() ([]*models.Recording, error)
	RecordingsDir() string
	RemoveRecordingFile(filename string) error
}

// Store keeps fragment and recording metadata in badger and the audio
// payloads on the filesystem, namespaced per session. Metadata is only
// committed after the payload bytes are safely on disk.
type Store struct {
	db   *badger.DB
	seq  *badger.Sequence
	root string
}

func NewStore(root string) (*Store, error) {
	for _, dir := range []string{root, filepath.Join(root, "sessions"), filepath.Join(root, "recordings")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	opts := badger.DefaultOptions(filepath.Join(root, "badger"))
	opts.Logger = nil // Disable badger logging

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	seq, err := db.GetSequence([]byte("seq:recordings"), 16)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open recording id sequence: %w", err)
	}

	return &Store{db: db, seq: seq, root: root}, nil
}

func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// SessionDir returns the directory holding a session's fragment payloads.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.root, "sessions", sessionID)
}

func (s *Store) FragmentPath(frag *models.Fragment) string {
	return filepath.Join(s.SessionDir(frag.SessionID), frag.Filename)
}

// RecordingsDir is where merged outputs are written.
func (s *Store) RecordingsDir() string {
	return filepath.Join(s.root, "recordings")
}

func fragmentKey(sessionID string, index int) []byte {
	// Zero-padded index keeps badger's lexicographic key order equal to
	// the merge order.
	return []byte(fmt.Sprintf("frag:%s:%010d", sessionID, index))
}

func fragmentPrefix(sessionID string) []byte {
	return []byte(fmt.Sprintf("frag:%s:", sessionID))
}

// fragmentIDKey maps a fragment id to its primary key, so id lookups
// need no prefix scan.
func fragmentIDKey(id string) []byte {
	return []byte("fragid:" + id)
}

func recordingKey(id uint64) []byte {
	return []byte(fmt.Sprintf("rec:%010d", id))
}

func recordingSessionKey(sessionID string) []byte {
	return []byte("recsess:" + sessionID)
}
