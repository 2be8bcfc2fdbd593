package state

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const envelopeVersion = 1

// ErrChecksumMismatch is returned when the stored state fails verification
var ErrChecksumMismatch = errors.New("state checksum verification failed: data corruption detected")

// Store loads and saves the process state
type Store interface {
	Load(ctx context.Context) (*State, error)
	Save(ctx context.Context, st *State) error
}

type envelope struct {
	Version  int             `json:"version"`
	Checksum string          `json:"checksum"`
	State    json.RawMessage `json:"state"`
}

// FileStore persists state as a checksummed JSON envelope with atomic replace
type FileStore struct {
	path string
}

// NewFileStore creates a file-backed store, creating the parent directory
func NewFileStore(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state dir: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the state file location
func (s *FileStore) Path() string { return s.path }

// Load reads the state; a missing file yields an empty state
func (s *FileStore) Load(ctx context.Context) (*State, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return New(), nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	return decode(data)
}

// LoadBackup reads the previous good state kept next to the live file
func (s *FileStore) LoadBackup(ctx context.Context) (*State, error) {
	data, err := os.ReadFile(s.path + ".bak")
	if err != nil {
		return nil, fmt.Errorf("failed to read state backup: %w", err)
	}
	return decode(data)
}

// Save writes the state atomically, keeping the previous file as .bak
func (s *FileStore) Save(ctx context.Context, st *State) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	sum := sha256.Sum256(raw)
	data, err := json.MarshalIndent(envelope{
		Version:  envelopeVersion,
		Checksum: hex.EncodeToString(sum[:]),
		State:    raw,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state envelope: %w", err)
	}

	// best-effort .bak of the last good file
	if prev, err := os.ReadFile(s.path); err == nil {
		if _, derr := decode(prev); derr == nil {
			_ = WriteFileAtomic(s.path+".bak", prev, 0o600)
		}
	}

	if err := WriteFileAtomic(s.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	return nil
}

func decode(data []byte) (*State, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse state envelope: %w", err)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("unsupported state version %d", env.Version)
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.State); err != nil {
		return nil, fmt.Errorf("failed to parse state body: %w", err)
	}
	sum := sha256.Sum256(compact.Bytes())
	if hex.EncodeToString(sum[:]) != env.Checksum {
		return nil, ErrChecksumMismatch
	}
	st := New()
	if err := json.Unmarshal(compact.Bytes(), st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return st, nil
}

// WriteFileAtomic writes data to path atomically (tmp file + fsync + rename)
// and fsyncs the parent directory to harden the rename.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}

	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// MemoryStore keeps a JSON copy of the state in memory
type MemoryStore struct {
	mu    sync.Mutex
	data  []byte
	Saves int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Load returns a fresh copy of the last saved state
func (m *MemoryStore) Load(ctx context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := New()
	if m.data == nil {
		return st, nil
	}
	if err := json.Unmarshal(m.data, st); err != nil {
		return nil, err
	}
	return st, nil
}

// Save stores a JSON copy of st
func (m *MemoryStore) Save(ctx context.Context, st *State) error {
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
	m.Saves++
	return nil
}
