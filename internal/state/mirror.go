package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/airstrike/airstrike/internal/models"
)

// RecordVersion is the current persisted record layout.
const RecordVersion = 1

// Record is the persisted mirror of the tracked job. It survives process
// restarts and is cleared on dismiss or when a new job replaces it.
type Record struct {
	Version   int             `json:"version"`
	JobID     string          `json:"jobId,omitempty"`
	Kind      models.Kind     `json:"kind"`
	Target    models.Target   `json:"target"`
	RunState  models.RunState `json:"runState"`
	Progress  int             `json:"progress"`
	Reason    string          `json:"reason,omitempty"`
	StartedAt time.Time       `json:"startedAt"`
	SavedAt   time.Time       `json:"savedAt"`
}

// Mirror persists a single Record.
type Mirror interface {
	// Load returns the stored record, or nil if there is none.
	Load() (*Record, error)
	Save(rec Record) error
	Clear() error
}

// FileMirror stores the record as a JSON file.
type FileMirror struct {
	mu   sync.Mutex
	path string
}

// NewFileMirror creates a mirror backed by the JSON file at path.
func NewFileMirror(path string) *FileMirror {
	return &FileMirror{path: path}
}

// Path returns the backing file path.
func (m *FileMirror) Path() string {
	return m.path
}

// Load reads the record. A missing file is not an error.
func (m *FileMirror) Load() (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read session state: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse session state %s: %w", m.path, err)
	}
	if rec.Version > RecordVersion {
		return nil, fmt.Errorf("session state %s has unsupported version %d", m.path, rec.Version)
	}
	return &rec, nil
}

// Save writes the record atomically (temp file + rename).
func (m *FileMirror) Save(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec.Version = RecordVersion
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	tmpFile := m.path + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write session state: %w", err)
	}
	if err := os.Rename(tmpFile, m.path); err != nil {
		os.Remove(tmpFile)
		return fmt.Errorf("failed to save session state: %w", err)
	}
	return nil
}

// Clear removes the file.
func (m *FileMirror) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear session state: %w", err)
	}
	return nil
}

// MemoryMirror keeps the record in memory. A record saved to one instance
// is visible to every Store constructed over the same instance.
type MemoryMirror struct {
	mu    sync.Mutex
	rec   *Record
	saves int
}

// NewMemoryMirror creates an empty in-memory mirror.
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{}
}

func (m *MemoryMirror) Load() (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rec == nil {
		return nil, nil
	}
	rec := *m.rec
	rec.Target = m.rec.Target.Clone()
	return &rec, nil
}

func (m *MemoryMirror) Save(rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.Version = RecordVersion
	rec.Target = rec.Target.Clone()
	m.rec = &rec
	m.saves++
	return nil
}

func (m *MemoryMirror) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rec = nil
	return nil
}

// Saves returns how many times the record was written.
func (m *MemoryMirror) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
