// ABOUTME: Durable sync-state record shared by every store implementation
// ABOUTME: Tracks last sync times, per-member revisions, and recent run history
package state

import (
	"time"

	"github.com/harperreed/membersync/models"
)

// historyLimit caps the retained run history.
const historyLimit = 50

// SyncError captures the last run-level failure.
type SyncError struct {
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// RunRecord is one completed reconciliation run in the history.
type RunRecord struct {
	ID            string          `json:"id"`
	Kind          models.SyncKind `json:"kind"`
	Successful    int             `json:"successful"`
	Failed        int             `json:"failed"`
	Archived      int             `json:"archived"`
	ArchiveFailed int             `json:"archiveFailed"`
	Skipped       int             `json:"skipped"`
	NoChanges     bool            `json:"noChanges"`
	StartedAt     time.Time       `json:"startedAt"`
	Duration      time.Duration   `json:"duration"`
	Error         string          `json:"error,omitempty"`
}

// SyncState is the persisted bookkeeping for the sync engine. It is loaded
// at run start, mutated in memory through the run, and flushed at run end.
// A MemberModifiedAt entry is written only after a confirmed-successful
// upsert; failed items keep their prior value so they retry next run.
type SyncState struct {
	LastFullSync        *time.Time        `json:"lastFullSync"`
	LastIncrementalSync *time.Time        `json:"lastIncrementalSync"`
	SyncCount           int               `json:"syncCount"`
	LastError           *SyncError        `json:"lastError,omitempty"`
	MemberModifiedAt    map[string]string `json:"memberModifiedAt"`
	History             []RunRecord       `json:"history,omitempty"`
}

// NewSyncState returns the default state used when nothing is persisted.
func NewSyncState() *SyncState {
	return &SyncState{
		MemberModifiedAt: map[string]string{},
	}
}

// RecordSuccess stamps the appropriate sync timestamp, bumps the counter,
// and clears the last error.
func (s *SyncState) RecordSuccess(kind models.SyncKind, at time.Time) {
	switch kind {
	case models.KindFull:
		t := at
		s.LastFullSync = &t
	case models.KindIncremental:
		t := at
		s.LastIncrementalSync = &t
	}
	s.SyncCount++
	s.LastError = nil
}

// RecordError stores the run-level failure. Member revisions are left
// untouched so nothing gets spuriously marked as synced.
func (s *SyncState) RecordError(err error, at time.Time) {
	if err == nil {
		return
	}
	s.LastError = &SyncError{Message: err.Error(), Time: at}
}

// NeedsUpdate reports whether a member should be upserted given its current
// candidate modification timestamp. Missing or unparseable timestamps err on
// the side of re-syncing. Comparison always happens on parsed instants; the
// raw strings differ in sub-second precision across registry fields and
// cannot be compared directly.
func (s *SyncState) NeedsUpdate(memberID, candidate string) bool {
	stored, ok := s.MemberModifiedAt[memberID]
	if !ok {
		return true
	}
	storedTS, err := models.ParseTimestamp(stored)
	if err != nil {
		return true
	}
	candidateTS, err := models.ParseTimestamp(candidate)
	if err != nil {
		return true
	}
	return candidateTS.After(storedTS)
}

// SetModified records a confirmed-successful upsert.
func (s *SyncState) SetModified(memberID, raw string) {
	if raw == "" {
		return
	}
	if s.MemberModifiedAt == nil {
		s.MemberModifiedAt = map[string]string{}
	}
	s.MemberModifiedAt[memberID] = raw
}

// AppendRun adds a run record, trimming history to the retention cap.
func (s *SyncState) AppendRun(rec RunRecord) {
	s.History = append(s.History, rec)
	if len(s.History) > historyLimit {
		s.History = s.History[len(s.History)-historyLimit:]
	}
}

// merge folds previously persisted entries into s without overwriting
// anything the current run touched. Stores call it on save so a partial run
// can never erase revisions recorded by earlier runs.
func (s *SyncState) merge(prior *SyncState) {
	if prior == nil {
		return
	}
	if s.MemberModifiedAt == nil {
		s.MemberModifiedAt = map[string]string{}
	}
	for id, raw := range prior.MemberModifiedAt {
		if _, ok := s.MemberModifiedAt[id]; !ok {
			s.MemberModifiedAt[id] = raw
		}
	}
}
