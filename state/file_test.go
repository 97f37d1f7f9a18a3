// ABOUTME: JSON file store tests for round-trips, merging, and quarantine
// ABOUTME: Uses temp dirs; no fixtures on disk
package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/membersync/models"
)

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path)

	st := NewSyncState()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	st.RecordSuccess(models.KindFull, at)
	st.SetModified("a", "2026-03-01T10:00:00Z")
	st.AppendRun(RunRecord{ID: "01ARZ", Kind: models.KindFull, Successful: 3, StartedAt: at})
	require.NoError(t, store.Save(st))

	loaded, err := store.Load()
	require.NoError(t, err)
	require.NotNil(t, loaded.LastFullSync)
	assert.True(t, loaded.LastFullSync.Equal(at))
	assert.Equal(t, "2026-03-01T10:00:00Z", loaded.MemberModifiedAt["a"])
	require.Len(t, loaded.History, 1)
	assert.Equal(t, 3, loaded.History[0].Successful)
}

func TestFileStoreMissingFileYieldsDefaults(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "absent.json"))
	st, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, st.SyncCount)
	assert.Empty(t, st.MemberModifiedAt)
}

func TestFileStoreQuarantinesCorruptPayload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{definitely not json"), 0644))

	store := NewFileStore(path)
	st, err := store.Load()
	require.NoError(t, err, "a corrupt payload must not be fatal")
	assert.Equal(t, 0, st.SyncCount)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	found := false
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt-") {
			found = true
		}
	}
	assert.True(t, found, "the corrupt bytes must be preserved aside for inspection")
}

func TestFileStoreSavePreservesOtherRunsEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path)

	first := NewSyncState()
	first.SetModified("from-earlier-run", "2026-01-01T00:00:00Z")
	require.NoError(t, store.Save(first))

	// A later partial run that never touched the earlier member.
	second := NewSyncState()
	second.SetModified("from-this-run", "2026-03-01T00:00:00Z")
	require.NoError(t, store.Save(second))

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, "2026-01-01T00:00:00Z", loaded.MemberModifiedAt["from-earlier-run"])
	assert.Equal(t, "2026-03-01T00:00:00Z", loaded.MemberModifiedAt["from-this-run"])
}

func TestFileStoreReset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	store := NewFileStore(path)

	st := NewSyncState()
	st.SetModified("a", "2026-03-01T00:00:00Z")
	require.NoError(t, store.Save(st))

	fresh, err := store.Reset()
	require.NoError(t, err)
	assert.Empty(t, fresh.MemberModifiedAt)

	loaded, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, loaded.MemberModifiedAt)
}
