// ABOUTME: Store interface and DSN factory for sync-state persistence
// ABOUTME: Selects between in-memory, JSON file, and SQLite backends
package state

import (
	"fmt"
	"strings"
)

// Store persists SyncState between runs. The reconciler is agnostic to which
// implementation is active; all three are interchangeable.
type Store interface {
	// Load returns the persisted state, or a fresh default when nothing
	// usable is persisted. A corrupt payload is quarantined, never fatal.
	Load() (*SyncState, error)
	// Save flushes the state. Member revisions recorded by earlier runs
	// and untouched by this one must survive the write.
	Save(state *SyncState) error
	// Reset discards all persisted state and returns a fresh default.
	Reset() (*SyncState, error)
	Close() error
}

// Open builds a store from a DSN: "memory://" for in-memory, "file://path"
// or a .json path for the JSON file store, "sqlite://path" or any other
// bare path for SQLite.
func Open(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("state dsn is required")
	}
	switch {
	case dsn == "memory://" || dsn == "memory" || dsn == "mem://":
		return NewMemoryStore(), nil
	case strings.HasPrefix(dsn, "file://"):
		return NewFileStore(strings.TrimPrefix(dsn, "file://")), nil
	case strings.HasSuffix(dsn, ".json"):
		return NewFileStore(dsn), nil
	case strings.HasPrefix(dsn, "sqlite://"):
		return NewSQLiteStore(strings.TrimPrefix(dsn, "sqlite://"))
	default:
		return NewSQLiteStore(dsn)
	}
}
