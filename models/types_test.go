// ABOUTME: Tests for timestamp parsing and modification heuristics
// ABOUTME: Covers mixed formats, missing fields, and raw preservation
package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestamp(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    time.Time
		wantErr bool
	}{
		{
			name: "rfc3339 with nanos",
			raw:  "2026-03-01T10:00:00.123456789Z",
			want: time.Date(2026, 3, 1, 10, 0, 0, 123456789, time.UTC),
		},
		{
			name: "rfc3339 seconds",
			raw:  "2026-03-01T10:00:00Z",
			want: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "no zone",
			raw:  "2026-03-01T10:00:00",
			want: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "space separated",
			raw:  "2026-03-01 10:00:00",
			want: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		{
			name: "bare date",
			raw:  "2026-03-01",
			want: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		},
		{name: "empty", raw: "", wantErr: true},
		{name: "garbage", raw: "yesterday-ish", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
		})
	}
}

func TestBestModifiedAtPicksMostRecent(t *testing.T) {
	m := Member{
		UpdatedAt:    "2026-01-01T00:00:00Z",
		LastModified: "2026-02-01T00:00:00Z",
		ModifiedOn:   "not a timestamp",
		PublishedAt:  "2025-12-01T00:00:00Z",
	}
	got, ok := m.BestModifiedAt()
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), got.UTC())
}

func TestBestModifiedAtNoCandidates(t *testing.T) {
	m := Member{ModifiedOn: "garbage"}
	_, ok := m.BestModifiedAt()
	assert.False(t, ok)
}

func TestBestModifiedRawPreservesOriginalString(t *testing.T) {
	// Differing sub-second precision means raw strings must be stored
	// verbatim, never reformatted.
	m := Member{
		UpdatedAt:    "2026-02-01T00:00:00.500Z",
		LastModified: "2026-01-15T00:00:00Z",
	}
	assert.Equal(t, "2026-02-01T00:00:00.500Z", m.BestModifiedRaw())
}

func TestBestModifiedRawEmptyWhenUnparseable(t *testing.T) {
	m := Member{UpdatedAt: "garbage"}
	assert.Equal(t, "", m.BestModifiedRaw())
}

func TestSyncResultSummary(t *testing.T) {
	r := SyncResult{Kind: KindFull, Successful: 3, Failed: 1, Archived: 2}
	assert.Equal(t, "full sync: 3 upserted, 1 failed, 2 archived, 0 skipped", r.Summary())

	r = SyncResult{Kind: KindIncremental, NoChanges: true}
	assert.Equal(t, "incremental sync: no changes", r.Summary())
}
