// ABOUTME: Core data types for registry members, CMS items, and sync results
// ABOUTME: Includes the modification-timestamp heuristics shared by the sync engine
package models

import (
	"fmt"
	"strings"
	"time"
)

// SyncKind distinguishes full reconciliation runs from incremental ones.
type SyncKind string

const (
	KindFull        SyncKind = "full"
	KindIncremental SyncKind = "incremental"
)

// Member is a directory entry in the member registry, the source of truth.
// The registry exposes several competing modification-timestamp fields whose
// presence varies by record age; BestModifiedAt picks among them.
type Member struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Status        string `json:"status"`
	VisibleOnSite bool   `json:"visibleOnSite"`
	EffectiveTo   string `json:"effectiveTo,omitempty"`
	Sector        string `json:"sector,omitempty"`
	Website       string `json:"website,omitempty"`
	City          string `json:"city,omitempty"`
	Description   string `json:"description,omitempty"`

	UpdatedAt    string `json:"updatedAt,omitempty"`
	LastModified string `json:"lastModified,omitempty"`
	ModifiedOn   string `json:"modifiedOn,omitempty"`
	PublishedAt  string `json:"publishedAt,omitempty"`
}

// modificationCandidates lists the raw timestamp fields in scan order.
func (m Member) modificationCandidates() []string {
	return []string{m.UpdatedAt, m.LastModified, m.ModifiedOn, m.PublishedAt}
}

// BestModifiedAt returns the most recent parseable modification instant
// across all candidate fields. The second return is false when no candidate
// parses; callers treat such members as always-changed.
func (m Member) BestModifiedAt() (time.Time, bool) {
	var best time.Time
	found := false
	for _, raw := range m.modificationCandidates() {
		ts, err := ParseTimestamp(raw)
		if err != nil {
			continue
		}
		if !found || ts.After(best) {
			best = ts
			found = true
		}
	}
	return best, found
}

// BestModifiedRaw returns the raw string form of the field BestModifiedAt
// selected, preserved verbatim so stored revisions survive format quirks.
func (m Member) BestModifiedRaw() string {
	best, ok := m.BestModifiedAt()
	if !ok {
		return ""
	}
	for _, raw := range m.modificationCandidates() {
		ts, err := ParseTimestamp(raw)
		if err == nil && ts.Equal(best) {
			return raw
		}
	}
	return ""
}

// Item is a mirrored entry in the CMS collection. MemberID is the
// de-duplication key back to the registry; archiving is a reversible
// soft-delete, the CMS never hard-deletes through this system.
type Item struct {
	ID        string         `json:"id"`
	MemberID  string         `json:"memberId"`
	Archived  bool           `json:"archived"`
	FieldData map[string]any `json:"fieldData,omitempty"`
}

// ChangeSet is the transient per-run diff between registry and CMS.
type ChangeSet struct {
	ToUpsert  []Member
	ToArchive []Item
}

// SyncResult summarizes one reconciliation run.
type SyncResult struct {
	RunID         string        `json:"runId"`
	Kind          SyncKind      `json:"kind"`
	Successful    int           `json:"successful"`
	Failed        int           `json:"failed"`
	Archived      int           `json:"archived"`
	ArchiveFailed int           `json:"archiveFailed"`
	Skipped       int           `json:"skipped"`
	Discrepancies int           `json:"discrepancies"`
	NoChanges     bool          `json:"noChanges"`
	StartedAt     time.Time     `json:"startedAt"`
	Duration      time.Duration `json:"duration"`
}

// Summary renders the one-line human summary used for publish reasons and
// CLI output.
func (r SyncResult) Summary() string {
	if r.NoChanges {
		return fmt.Sprintf("%s sync: no changes", r.Kind)
	}
	return fmt.Sprintf("%s sync: %d upserted, %d failed, %d archived, %d skipped",
		r.Kind, r.Successful, r.Failed, r.Archived, r.Skipped)
}

// timestampLayouts covers the formats observed in registry payloads. The
// registry mixes RFC3339 with and without sub-second precision, plus a
// legacy space-separated form and bare dates.
var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses a registry timestamp into a real instant. Callers
// must always compare parsed instants, never raw string prefixes: differing
// sub-second precision or timezone suffixes make string comparison lie.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
