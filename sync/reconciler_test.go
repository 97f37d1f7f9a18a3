// ABOUTME: End-to-end reconciler tests against fake registry and CMS
// ABOUTME: Covers idempotence, failure isolation, archiving, and bookkeeping
package sync

import (
	"context"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/membersync/cms"
	"github.com/harperreed/membersync/models"
	"github.com/harperreed/membersync/state"
)

type fakeCMS struct {
	mu          stdsync.Mutex
	items       map[string]models.Item // keyed by member id
	sectors     map[string]string
	failUpsert  map[string]error
	failArchive map[string]error

	upsertCalls  []string
	archiveCalls []string
}

func newFakeCMS() *fakeCMS {
	return &fakeCMS{
		items:       map[string]models.Item{},
		sectors:     map[string]string{},
		failUpsert:  map[string]error{},
		failArchive: map[string]error{},
	}
}

func (f *fakeCMS) FetchAllMirrored(ctx context.Context) ([]models.Item, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Item, 0, len(f.items))
	for _, item := range f.items {
		out = append(out, item)
	}
	return out, nil
}

func (f *fakeCMS) FetchSectors(ctx context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sectors, nil
}

func (f *fakeCMS) Upsert(ctx context.Context, memberID string, fields map[string]any) (cms.UpsertResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upsertCalls = append(f.upsertCalls, memberID)
	if err := f.failUpsert[memberID]; err != nil {
		return cms.UpsertResult{}, err
	}
	action := "updated"
	if _, exists := f.items[memberID]; !exists {
		action = "created"
	}
	f.items[memberID] = models.Item{
		ID:        "item-" + memberID,
		MemberID:  memberID,
		Archived:  false,
		FieldData: fields,
	}
	return cms.UpsertResult{ID: "item-" + memberID, Action: action}, nil
}

func (f *fakeCMS) Archive(ctx context.Context, itemID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archiveCalls = append(f.archiveCalls, itemID)
	if err := f.failArchive[itemID]; err != nil {
		return err
	}
	for memberID, item := range f.items {
		if item.ID == itemID {
			item.Archived = true
			f.items[memberID] = item
		}
	}
	return nil
}

func (f *fakeCMS) Publish(ctx context.Context, reason string) (time.Time, error) {
	return time.Now(), nil
}

func onlineMember(id, updatedAt string) models.Member {
	return models.Member{
		ID:            id,
		Name:          "Member " + id,
		Status:        "Online",
		VisibleOnSite: true,
		UpdatedAt:     updatedAt,
	}
}

type harness struct {
	registry     *fakeRegistry
	cms          *fakeCMS
	store        state.Store
	reconciler   *Reconciler
	publishCount *atomic.Int32
	publishErr   error
}

func newHarness(t *testing.T, opts func(*Options)) *harness {
	t.Helper()
	h := &harness{
		registry:     &fakeRegistry{},
		cms:          newFakeCMS(),
		store:        state.NewMemoryStore(),
		publishCount: &atomic.Int32{},
	}
	throttle := cms.NewThrottle(cms.ThrottleOptions{
		Enabled: true,
		Publish: func(ctx context.Context, reason string) error {
			h.publishCount.Add(1)
			return h.publishErr
		},
	})
	o := Options{
		Registry: h.registry,
		CMS:      h.cms,
		Store:    h.store,
		Throttle: throttle,
	}
	if opts != nil {
		opts(&o)
	}
	reconciler, err := NewReconciler(o)
	require.NoError(t, err)
	h.reconciler = reconciler
	return h
}

func TestFullRunCreatesMissingMembers(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.all = []models.Member{
		onlineMember("a", "2026-03-01T00:00:00Z"),
		onlineMember("b", "2026-03-01T00:00:00Z"),
		onlineMember("c", "2026-03-01T00:00:00Z"),
	}

	result, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, result.Successful)
	assert.Equal(t, 0, result.Failed)
	assert.False(t, result.NoChanges)
	assert.Len(t, h.cms.items, 3)
	assert.Equal(t, int32(1), h.publishCount.Load())
}

func TestFullRunIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.all = []models.Member{
		onlineMember("a", "2026-03-01T00:00:00Z"),
		onlineMember("b", "2026-03-01T00:00:00Z"),
	}

	first, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Successful)

	second, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err)
	assert.True(t, second.NoChanges, "unchanged source must produce a no-op run")
	assert.Equal(t, 0, second.Successful)
	assert.Len(t, h.cms.upsertCalls, 2, "no additional writes on the second run")
}

func TestFullRunReupsertsNewerMember(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.all = []models.Member{onlineMember("a", "2026-03-01T00:00:00Z")}

	_, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err)

	h.registry.all = []models.Member{onlineMember("a", "2026-03-02T00:00:00Z")}
	result, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful)
}

func TestPartialFailureIsolation(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 10; i++ {
		h.registry.all = append(h.registry.all, onlineMember(fmt.Sprintf("m%d", i), "2026-03-01T00:00:00Z"))
	}
	h.cms.failUpsert["m5"] = &cms.ValidationError{StatusCode: 400, Detail: "bad field"}

	result, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err, "item-level failures must not fail the run")
	assert.Equal(t, 9, result.Successful)
	assert.Equal(t, 1, result.Failed)

	st, err := h.store.Load()
	require.NoError(t, err)
	assert.Len(t, st.MemberModifiedAt, 9, "only confirmed successes update revisions")
	_, tracked := st.MemberModifiedAt["m5"]
	assert.False(t, tracked)
	require.NotNil(t, st.LastFullSync)
}

func TestFailedMemberRetriesNextRun(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.all = []models.Member{onlineMember("a", "2026-03-01T00:00:00Z")}
	h.cms.failUpsert["a"] = &cms.ValidationError{StatusCode: 422, Detail: "nope"}

	result, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	delete(h.cms.failUpsert, "a")
	result, err = h.reconciler.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful, "a failed member must be retried, not remembered as synced")
}

func TestFullRunArchivesDisqualifiedMembers(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.all = []models.Member{onlineMember("a", "2026-03-01T00:00:00Z")}
	// Mirrored item whose member went offline, and one with no member at all.
	h.cms.items["gone-offline"] = models.Item{ID: "item-gone-offline", MemberID: "gone-offline"}
	h.cms.items["vanished"] = models.Item{ID: "item-vanished", MemberID: "vanished"}
	h.registry.all = append(h.registry.all, models.Member{ID: "gone-offline", Status: "Offline", VisibleOnSite: true})

	result, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Archived)
	assert.True(t, h.cms.items["gone-offline"].Archived)
	assert.True(t, h.cms.items["vanished"].Archived)
	assert.False(t, h.cms.items["a"].Archived)
}

func TestArchiveSkipsAlreadyArchived(t *testing.T) {
	h := newHarness(t, nil)
	h.cms.items["old"] = models.Item{ID: "item-old", MemberID: "old", Archived: true}

	result, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Archived)
	assert.Empty(t, h.cms.archiveCalls)
}

func TestArchiveNotFoundCountsAsArchived(t *testing.T) {
	h := newHarness(t, nil)
	h.cms.items["ghost"] = models.Item{ID: "item-ghost", MemberID: "ghost"}
	h.cms.failArchive["item-ghost"] = &cms.NotFoundError{ItemID: "item-ghost"}

	result, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Archived, "already-gone items are the desired end state")
	assert.Equal(t, 0, result.ArchiveFailed)
}

func TestArchiveFailureIsIsolated(t *testing.T) {
	h := newHarness(t, nil)
	h.cms.items["bad"] = models.Item{ID: "item-bad", MemberID: "bad"}
	h.cms.items["good"] = models.Item{ID: "item-good", MemberID: "good"}
	h.cms.failArchive["item-bad"] = fmt.Errorf("cms exploded")

	result, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Archived)
	assert.Equal(t, 1, result.ArchiveFailed)
}

func TestIncrementalRunWithoutBaseline(t *testing.T) {
	h := newHarness(t, nil)
	recent := time.Now().Add(-time.Hour).Format(time.RFC3339)
	h.registry.filtered = []models.Member{onlineMember("a", recent)}

	// No prior state at all; the run must still work off the fallback window.
	result, err := h.reconciler.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful)

	st, err := h.store.Load()
	require.NoError(t, err)
	assert.NotNil(t, st.LastIncrementalSync)
	assert.Nil(t, st.LastFullSync)
}

func TestIncrementalRunDoesNotArchive(t *testing.T) {
	h := newHarness(t, nil)
	recent := time.Now().Add(-time.Hour).Format(time.RFC3339)
	h.registry.filtered = []models.Member{onlineMember("a", recent)}
	h.cms.items["stale"] = models.Item{ID: "item-stale", MemberID: "stale"}

	result, err := h.reconciler.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Archived)
	assert.False(t, h.cms.items["stale"].Archived, "archiving is reserved for full runs")
}

func TestIncrementalUnpublishScanUsesFullPicture(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.IncrementalUnpublishScan = true
	})
	recent := time.Now().Add(-time.Hour).Format(time.RFC3339)
	wentDark := models.Member{ID: "went-dark", Status: "Offline", VisibleOnSite: true, UpdatedAt: recent}
	h.registry.filtered = []models.Member{wentDark}
	// The scan re-fetches the whole registry: "kept" still qualifies,
	// "vanished" is gone entirely.
	h.registry.all = []models.Member{wentDark, onlineMember("kept", recent)}
	h.cms.items["went-dark"] = models.Item{ID: "item-went-dark", MemberID: "went-dark"}
	h.cms.items["kept"] = models.Item{ID: "item-kept", MemberID: "kept"}
	h.cms.items["vanished"] = models.Item{ID: "item-vanished", MemberID: "vanished"}

	result, err := h.reconciler.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Archived)
	assert.True(t, h.cms.items["went-dark"].Archived)
	assert.True(t, h.cms.items["vanished"].Archived)
	assert.False(t, h.cms.items["kept"].Archived)
}

func TestIncrementalNoChanges(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.filtered = nil
	h.registry.all = nil

	result, err := h.reconciler.RunIncremental(context.Background())
	require.NoError(t, err)
	assert.True(t, result.NoChanges)
	assert.Equal(t, int32(0), h.publishCount.Load(), "no-op runs must not publish")

	st, err := h.store.Load()
	require.NoError(t, err)
	assert.NotNil(t, st.LastIncrementalSync, "a successful no-op run still advances the baseline")
}

func TestPublishFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t, nil)
	h.publishErr = fmt.Errorf("publish quota exhausted")
	h.registry.all = []models.Member{onlineMember("a", "2026-03-01T00:00:00Z")}

	result, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err, "publish failures must never fail the data sync")
	assert.Equal(t, 1, result.Successful)

	st, err := h.store.Load()
	require.NoError(t, err)
	assert.Nil(t, st.LastError)
}

func TestRunFailureRecordsError(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.allErr = fmt.Errorf("registry unreachable")

	_, err := h.reconciler.RunFull(context.Background())
	require.Error(t, err)

	st, loadErr := h.store.Load()
	require.NoError(t, loadErr)
	require.NotNil(t, st.LastError)
	assert.Contains(t, st.LastError.Message, "registry unreachable")
	assert.Nil(t, st.LastFullSync)
}

func TestRunHistoryRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.all = []models.Member{onlineMember("a", "2026-03-01T00:00:00Z")}

	result, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err)

	st, err := h.store.Load()
	require.NoError(t, err)
	require.Len(t, st.History, 1)
	assert.Equal(t, result.RunID, st.History[0].ID)
	assert.Equal(t, models.KindFull, st.History[0].Kind)
	assert.Equal(t, 1, st.History[0].Successful)
}

func TestPolicyFilterSkipsHiddenMembers(t *testing.T) {
	h := newHarness(t, nil)
	h.registry.all = []models.Member{
		onlineMember("visible", "2026-03-01T00:00:00Z"),
		{ID: "hidden", Status: "Online", VisibleOnSite: false, UpdatedAt: "2026-03-01T00:00:00Z"},
	}

	result, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful)
	_, exists := h.cms.items["hidden"]
	assert.False(t, exists)
}

func TestReupsertUnarchivesMember(t *testing.T) {
	h := newHarness(t, nil)
	h.cms.items["back"] = models.Item{ID: "item-back", MemberID: "back", Archived: true}
	h.registry.all = []models.Member{onlineMember("back", "2026-03-01T00:00:00Z")}

	result, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful)
	assert.False(t, h.cms.items["back"].Archived)
}

func TestHookFailureFailsOnlyThatMember(t *testing.T) {
	failing := HookFunc(func(ctx context.Context, m models.Member, fields map[string]any) error {
		if m.ID == "poisoned" {
			return fmt.Errorf("mapping blew up")
		}
		fields["extra"] = true
		return nil
	})
	h := newHarness(t, func(o *Options) {
		o.Hooks = []Hook{failing}
	})
	h.registry.all = []models.Member{
		onlineMember("fine", "2026-03-01T00:00:00Z"),
		onlineMember("poisoned", "2026-03-01T00:00:00Z"),
	}

	result, err := h.reconciler.RunFull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Successful)
	assert.Equal(t, 1, result.Failed)
	assert.Equal(t, true, h.cms.items["fine"].FieldData["extra"])
}
