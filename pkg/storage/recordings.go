package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"memo-relay/pkg/models"

	"github.com/dgraph-io/badger/v3"
)

// CreateRecording assigns the next id from the persisted sequence and
// stores the row plus a session -> recording index entry.
func (s *Store) CreateRecording(rec *models.Recording) (*models.Recording, error) {
	n, err := s.seq.Next()
	if err != nil {
		return nil, fmt.Errorf("failed to allocate recording id: %w", err)
	}
	rec.ID = n + 1

	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal recording: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(recordingKey(rec.ID), data); err != nil {
			return err
		}
		if rec.SessionID != "" {
			return txn.Set(recordingSessionKey(rec.SessionID), []byte(strconv.FormatUint(rec.ID, 10)))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to store recording: %w", err)
	}

	return rec, nil
}

func (s *Store) GetRecording(id uint64) (*models.Recording, error) {
	var rec models.Recording

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordingKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})

	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recording: %w", err)
	}

	return &rec, nil
}

func (s *Store) GetRecordingBySession(sessionID string) (*models.Recording, error) {
	var id uint64

	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordingSessionKey(sessionID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, err := strconv.ParseUint(string(val), 10, 64)
			if err != nil {
				return err
			}
			id = parsed
			return nil
		})
	})

	if err == badger.ErrKeyNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session recording: %w", err)
	}

	return s.GetRecording(id)
}

func (s *Store) UpdateRecording(rec *models.Recording) error {
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal recording: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(recordingKey(rec.ID)); err != nil {
			return err
		}
		return txn.Set(recordingKey(rec.ID), data)
	})
	if err == badger.ErrKeyNotFound {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update recording: %w", err)
	}

	return nil
}

func (s *Store) DeleteRecording(id uint64) error {
	rec, err := s.GetRecording(id)
	if err != nil {
		return err
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(recordingKey(id)); err != nil {
			return err
		}
		if rec.SessionID != "" {
			return txn.Delete(recordingSessionKey(rec.SessionID))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete recording: %w", err)
	}

	return nil
}

func (s *Store) ListRecordings() ([]*models.Recording, error) {
	var recs []*models.Recording

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("rec:")
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var rec models.Recording
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return err
			}
			recs = append(recs, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}

	return recs, nil
}

// RemoveRecordingFile deletes a merged output file. A file that is
// already gone is logged and ignored.
func (s *Store) RemoveRecordingFile(filename string) error {
	if filename == "" {
		return nil
	}
	path := filepath.Join(s.RecordingsDir(), filepath.Base(filename))
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			log.Printf("Recording Store: merged file already missing: %s", path)
			return nil
		}
		return fmt.Errorf("failed to remove merged file: %w", err)
	}
	return nil
}
