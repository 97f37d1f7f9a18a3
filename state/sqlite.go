// ABOUTME: SQLite-backed durable state store with WAL mode
// ABOUTME: Upsert-only saves preserve revisions recorded by earlier runs
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	stdsync "sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harperreed/membersync/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS sync_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	last_full_sync TEXT,
	last_incremental_sync TEXT,
	sync_count INTEGER NOT NULL DEFAULT 0,
	last_error_message TEXT,
	last_error_time TEXT
);

CREATE TABLE IF NOT EXISTS member_revisions (
	member_id TEXT PRIMARY KEY,
	modified_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS run_history (
	id TEXT PRIMARY KEY,
	kind TEXT NOT NULL,
	successful INTEGER NOT NULL DEFAULT 0,
	failed INTEGER NOT NULL DEFAULT 0,
	archived INTEGER NOT NULL DEFAULT 0,
	archive_failed INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	no_changes INTEGER NOT NULL DEFAULT 0,
	started_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	error TEXT
);
`

// SQLiteStore is the durable production store.
type SQLiteStore struct {
	db *sql.DB
	mu stdsync.Mutex
}

// NewSQLiteStore opens (or creates) the state database. An unreadable
// database file is quarantined aside and recreated rather than aborting
// startup.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := openSQLite(path)
	if err != nil {
		quarantine := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, quarantine); renameErr != nil {
			return nil, fmt.Errorf("failed to open state database: %w", err)
		}
		db, err = openSQLite(path)
		if err != nil {
			return nil, fmt.Errorf("failed to recreate state database: %w", err)
		}
	}
	return &SQLiteStore{db: db}, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}
	// Single connection avoids SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (s *SQLiteStore) Load() (*SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := NewSyncState()

	var lastFull, lastIncremental, errMessage, errTime sql.NullString
	err := s.db.QueryRow(`
		SELECT last_full_sync, last_incremental_sync, sync_count, last_error_message, last_error_time
		FROM sync_state WHERE id = 1
	`).Scan(&lastFull, &lastIncremental, &st.SyncCount, &errMessage, &errTime)
	if err != nil && err != sql.ErrNoRows {
		return NewSyncState(), fmt.Errorf("failed to load sync state: %w", err)
	}

	st.LastFullSync = parseNullTime(lastFull)
	st.LastIncrementalSync = parseNullTime(lastIncremental)
	if errMessage.Valid {
		syncErr := &SyncError{Message: errMessage.String}
		if ts := parseNullTime(errTime); ts != nil {
			syncErr.Time = *ts
		}
		st.LastError = syncErr
	}

	rows, err := s.db.Query(`SELECT member_id, modified_at FROM member_revisions`)
	if err != nil {
		return NewSyncState(), fmt.Errorf("failed to load member revisions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var id, modifiedAt string
		if err := rows.Scan(&id, &modifiedAt); err != nil {
			return NewSyncState(), fmt.Errorf("failed to scan member revision: %w", err)
		}
		st.MemberModifiedAt[id] = modifiedAt
	}
	if err := rows.Err(); err != nil {
		return NewSyncState(), fmt.Errorf("error iterating member revisions: %w", err)
	}

	history, err := s.loadHistory()
	if err != nil {
		return NewSyncState(), err
	}
	st.History = history

	return st, nil
}

func (s *SQLiteStore) loadHistory() ([]RunRecord, error) {
	// ULIDs sort lexicographically by creation time.
	rows, err := s.db.Query(`
		SELECT id, kind, successful, failed, archived, archive_failed, skipped, no_changes, started_at, duration_ms, error
		FROM run_history ORDER BY id DESC LIMIT ?
	`, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load run history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var history []RunRecord
	for rows.Next() {
		var rec RunRecord
		var kind, startedAt string
		var noChanges int
		var durationMS int64
		var errText sql.NullString
		if err := rows.Scan(&rec.ID, &kind, &rec.Successful, &rec.Failed, &rec.Archived,
			&rec.ArchiveFailed, &rec.Skipped, &noChanges, &startedAt, &durationMS, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan run record: %w", err)
		}
		rec.Kind = models.SyncKind(kind)
		rec.NoChanges = noChanges != 0
		if ts, err := time.Parse(time.RFC3339Nano, startedAt); err == nil {
			rec.StartedAt = ts
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		if errText.Valid {
			rec.Error = errText.String
		}
		history = append(history, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run history: %w", err)
	}

	// Oldest first, matching the JSON store.
	for i, j := 0, len(history)-1; i < j; i, j = i+1, j-1 {
		history[i], history[j] = history[j], history[i]
	}
	return history, nil
}

func (s *SQLiteStore) Save(st *SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin state save: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var errMessage, errTime any
	if st.LastError != nil {
		errMessage = st.LastError.Message
		errTime = st.LastError.Time.UTC().Format(time.RFC3339Nano)
	}
	_, err = tx.Exec(`
		INSERT INTO sync_state (id, last_full_sync, last_incremental_sync, sync_count, last_error_message, last_error_time)
		VALUES (1, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			last_full_sync = excluded.last_full_sync,
			last_incremental_sync = excluded.last_incremental_sync,
			sync_count = excluded.sync_count,
			last_error_message = excluded.last_error_message,
			last_error_time = excluded.last_error_time
	`, formatNullTime(st.LastFullSync), formatNullTime(st.LastIncrementalSync), st.SyncCount, errMessage, errTime)
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}

	// Upsert-only: revisions untouched by this run keep their rows.
	for id, modifiedAt := range st.MemberModifiedAt {
		_, err = tx.Exec(`
			INSERT INTO member_revisions (member_id, modified_at)
			VALUES (?, ?)
			ON CONFLICT(member_id) DO UPDATE SET modified_at = excluded.modified_at
		`, id, modifiedAt)
		if err != nil {
			return fmt.Errorf("failed to save member revision %s: %w", id, err)
		}
	}

	for _, rec := range st.History {
		var recErr any
		if rec.Error != "" {
			recErr = rec.Error
		}
		_, err = tx.Exec(`
			INSERT OR REPLACE INTO run_history
				(id, kind, successful, failed, archived, archive_failed, skipped, no_changes, started_at, duration_ms, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, rec.ID, string(rec.Kind), rec.Successful, rec.Failed, rec.Archived, rec.ArchiveFailed,
			rec.Skipped, boolToInt(rec.NoChanges), rec.StartedAt.UTC().Format(time.RFC3339Nano),
			rec.Duration.Milliseconds(), recErr)
		if err != nil {
			return fmt.Errorf("failed to save run record %s: %w", rec.ID, err)
		}
	}
	_, err = tx.Exec(`
		DELETE FROM run_history WHERE id NOT IN (
			SELECT id FROM run_history ORDER BY id DESC LIMIT ?
		)
	`, historyLimit)
	if err != nil {
		return fmt.Errorf("failed to prune run history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit state save: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Reset() (*SyncState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, table := range []string{"sync_state", "member_revisions", "run_history"} {
		if _, err := s.db.Exec("DELETE FROM " + table); err != nil {
			return nil, fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return NewSyncState(), nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func parseNullTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value.String)
	if err != nil {
		return nil
	}
	return &ts
}

func formatNullTime(value *time.Time) any {
	if value == nil {
		return nil
	}
	return value.UTC().Format(time.RFC3339Nano)
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
