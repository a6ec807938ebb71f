package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"memo-relay/pkg/models"

	"github.com/dgraph-io/badger/v3"
)

// PutFragment persists one fragment: payload bytes first, metadata
// second. Calling it again for the same (session, index) replaces the
// previous payload and record but keeps the original fragment id, so a
// retried upload never double-counts.
func (s *Store) PutFragment(frag *models.Fragment, payload []byte) (*models.Fragment, error) {
	if frag.SessionID == "" {
		return nil, ErrInvalidSession
	}
	if frag.Index < 0 {
		return nil, ErrInvalidIndex
	}
	if len(payload) == 0 {
		return nil, ErrEmptyPayload
	}

	prevFilename := ""
	if prev, err := s.getFragment(frag.SessionID, frag.Index); err == nil {
		frag.ID = prev.ID
		prevFilename = prev.Filename
	} else if err != ErrNotFound {
		return nil, err
	}

	ext := filepath.Ext(frag.Filename)
	if ext == "" {
		ext = ".m4a"
	}
	frag.Filename = fmt.Sprintf("fragment_%05d%s", frag.Index, ext)
	frag.SizeBytes = int64(len(payload))

	dir := s.SessionDir(frag.SessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create session directory: %w", err)
	}

	// Stage the payload in a temp file and rename it into place, so a
	// failed retry can never clobber a previously committed payload.
	path := filepath.Join(dir, frag.Filename)
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return nil, fmt.Errorf("failed to stage fragment payload: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write fragment payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write fragment payload: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to move fragment payload into place: %w", err)
	}

	data, err := json.Marshal(frag)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fragment: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(fragmentKey(frag.SessionID, frag.Index), data); err != nil {
			return err
		}
		return txn.Set(fragmentIDKey(frag.ID), fragmentKey(frag.SessionID, frag.Index))
	})
	if err != nil {
		// The payload file is now an orphan. That is garbage, not a
		// correctness hazard, so log it and surface the commit failure.
		log.Printf("Fragment Store: orphan payload left at %s after failed commit: %v", path, err)
		return nil, fmt.Errorf("failed to commit fragment metadata: %w", err)
	}

	// A retry can legitimately change the container extension; drop the
	// payload the record no longer points at.
	if prevFilename != "" && prevFilename != frag.Filename {
		old := filepath.Join(dir, prevFilename)
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			log.Printf("Fragment Store: could not remove superseded payload %s: %v", old, err)
		}
	}

	return frag, nil
}

func (s *Store) getFragment(sessionID string, index int) (*models.Fragment, error) {
	var frag models.Fragment

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fragmentKey(sessionID, index))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &frag)
		})
	})

	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fragment: %w", err)
	}

	return &frag, nil
}

// ListBySession returns a session's fragments in ascending index order.
func (s *Store) ListBySession(sessionID string) ([]*models.Fragment, error) {
	var frags []*models.Fragment

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = fragmentPrefix(sessionID)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var frag models.Fragment
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &frag)
			})
			if err != nil {
				return err
			}
			frags = append(frags, &frag)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list session fragments: %w", err)
	}

	return frags, nil
}

func (s *Store) ListByRecording(recordingID uint64) ([]*models.Fragment, error) {
	var frags []*models.Fragment

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("frag:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var frag models.Fragment
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &frag)
			})
			if err != nil {
				return err
			}
			if frag.RecordingID == recordingID {
				frags = append(frags, &frag)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recording fragments: %w", err)
	}

	return frags, nil
}

// MarkProcessed flips a single fragment's processed flag by fragment
// id, resolved through the id index rather than a table scan.
func (s *Store) MarkProcessed(id string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(fragmentIDKey(id))
		if err != nil {
			return err
		}
		var key []byte
		if err := item.Value(func(val []byte) error {
			key = append([]byte(nil), val...)
			return nil
		}); err != nil {
			return err
		}

		item, err = txn.Get(key)
		if err != nil {
			return err
		}
		var frag models.Fragment
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &frag)
		}); err != nil {
			return err
		}

		frag.Processed = true
		data, err := json.Marshal(&frag)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to mark fragment processed: %w", err)
	}
	return nil
}

// MarkSessionProcessed marks every fragment of a session as consumed by
// a merge and binds it to the recording, in one transaction.
func (s *Store) MarkSessionProcessed(sessionID string, recordingID uint64) error {
	frags, err := s.ListBySession(sessionID)
	if err != nil {
		return err
	}

	return s.db.Update(func(txn *badger.Txn) error {
		for _, frag := range frags {
			frag.Processed = true
			frag.RecordingID = recordingID
			data, err := json.Marshal(frag)
			if err != nil {
				return fmt.Errorf("failed to marshal fragment: %w", err)
			}
			if err := txn.Set(fragmentKey(frag.SessionID, frag.Index), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteBySession removes a session's fragment records and payload
// files. Missing files are logged and skipped, never fatal.
func (s *Store) DeleteBySession(sessionID string) error {
	frags, err := s.ListBySession(sessionID)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, frag := range frags {
			if err := txn.Delete(fragmentKey(frag.SessionID, frag.Index)); err != nil {
				return err
			}
			if err := txn.Delete(fragmentIDKey(frag.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete session fragments: %w", err)
	}

	dir := s.SessionDir(sessionID)
	if err := os.RemoveAll(dir); err != nil {
		log.Printf("Fragment Store: could not remove session directory %s: %v", dir, err)
	}

	return nil
}

// DeleteByRecording removes the fragment records and payload files
// bound to a recording. Used when a recording was pre-registered
// without a session id; the usual cascade goes through DeleteBySession.
func (s *Store) DeleteByRecording(recordingID uint64) error {
	frags, err := s.ListByRecording(recordingID)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		for _, frag := range frags {
			if err := txn.Delete(fragmentKey(frag.SessionID, frag.Index)); err != nil {
				return err
			}
			if err := txn.Delete(fragmentIDKey(frag.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete recording fragments: %w", err)
	}

	for _, frag := range frags {
		path := s.FragmentPath(frag)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("Fragment Store: could not remove payload %s: %v", path, err)
		}
	}

	return nil
}

// ValidSessionID reports whether a session id is safe to use as a
// storage key and path component.
func ValidSessionID(sessionID string) bool {
	if sessionID == "" || strings.HasPrefix(sessionID, "-") {
		return false
	}
	for _, r := range sessionID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}
