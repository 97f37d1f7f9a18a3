// ABOUTME: In-memory state store for tests and ephemeral deployments
// ABOUTME: Round-trips through JSON so callers never share the stored pointer
package state

import (
	"encoding/json"
	stdsync "sync"
)

// MemoryStore keeps state for the process lifetime only.
type MemoryStore struct {
	mu       stdsync.Mutex
	snapshot []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load() (*SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot == nil {
		return NewSyncState(), nil
	}
	var out SyncState
	if err := json.Unmarshal(s.snapshot, &out); err != nil {
		// Corrupt in-memory state cannot really happen, but mirror the
		// durable stores: fall back to defaults instead of failing.
		return NewSyncState(), nil
	}
	if out.MemberModifiedAt == nil {
		out.MemberModifiedAt = map[string]string{}
	}
	return &out, nil
}

func (s *MemoryStore) Save(st *SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshot != nil {
		var prior SyncState
		if err := json.Unmarshal(s.snapshot, &prior); err == nil {
			st.merge(&prior)
		}
	}
	data, err := json.Marshal(st)
	if err != nil {
		return err
	}
	s.snapshot = data
	return nil
}

func (s *MemoryStore) Reset() (*SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshot = nil
	return NewSyncState(), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
