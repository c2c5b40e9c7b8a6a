package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/timshannon/badgerhold/v4"
)

// badgerRecordKey is the single key the record lives under.
const badgerRecordKey = "job"

// BadgerMirror stores the record in an embedded Badger database.
type BadgerMirror struct {
	store *badgerhold.Store
	path  string
}

// OpenBadgerMirror opens (or creates) the database directory at path.
// The database is locked for the life of the mirror; call Close when done.
func OpenBadgerMirror(path string) (*BadgerMirror, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil // badger's own logger is noisy on stderr

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	return &BadgerMirror{store: store, path: path}, nil
}

// Load returns the stored record, or nil if there is none.
func (m *BadgerMirror) Load() (*Record, error) {
	var rec Record
	err := m.store.Get(badgerRecordKey, &rec)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session state: %w", err)
	}
	if rec.Version > RecordVersion {
		return nil, fmt.Errorf("session state %s has unsupported version %d", m.path, rec.Version)
	}
	return &rec, nil
}

// Save upserts the record.
func (m *BadgerMirror) Save(rec Record) error {
	rec.Version = RecordVersion
	if err := m.store.Upsert(badgerRecordKey, &rec); err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}

// Clear deletes the record. Clearing an empty mirror is not an error.
func (m *BadgerMirror) Clear() error {
	err := m.store.Delete(badgerRecordKey, &Record{})
	if err != nil && !errors.Is(err, badgerhold.ErrNotFound) {
		return fmt.Errorf("failed to clear session state: %w", err)
	}
	return nil
}

// Close closes the database.
func (m *BadgerMirror) Close() error {
	if m.store != nil {
		return m.store.Close()
	}
	return nil
}
