// ABOUTME: JSON file state store with atomic writes
// ABOUTME: Quarantines corrupt payloads aside instead of crashing startup
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"
)

// FileStore persists state as a single JSON document, written atomically via
// a temp file rename.
type FileStore struct {
	path string
	mu   stdsync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (s *FileStore) Load() (*SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.loadLocked()
	if err != nil {
		return NewSyncState(), err
	}
	return st, nil
}

func (s *FileStore) loadLocked() (*SyncState, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewSyncState(), nil
		}
		return nil, fmt.Errorf("failed to read state file: %w", err)
	}
	var st SyncState
	if err := json.Unmarshal(data, &st); err != nil {
		// A corrupt payload is moved aside so the bytes survive for
		// inspection, and sync starts over from defaults.
		quarantine := fmt.Sprintf("%s.corrupt-%d", s.path, time.Now().Unix())
		_ = os.Rename(s.path, quarantine)
		return NewSyncState(), nil
	}
	if st.MemberModifiedAt == nil {
		st.MemberModifiedAt = map[string]string{}
	}
	return &st, nil
}

func (s *FileStore) Save(st *SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prior, err := s.loadLocked(); err == nil {
		st.merge(prior)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to commit state file: %w", err)
	}
	committed = true
	return nil
}

func (s *FileStore) Reset() (*SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove state file: %w", err)
	}
	return NewSyncState(), nil
}

func (s *FileStore) Close() error {
	return nil
}
