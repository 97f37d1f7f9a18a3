// ABOUTME: One-way reconciliation engine keeping the CMS consistent with the registry
// ABOUTME: Runs full and incremental passes with bounded workers and per-item isolation
package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	stdsync "sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harperreed/membersync/cms"
	"github.com/harperreed/membersync/models"
	"github.com/harperreed/membersync/registry"
	"github.com/harperreed/membersync/state"
)

// ErrRunInProgress is returned when a run is requested while another is
// still active.
var ErrRunInProgress = errors.New("sync run already in progress")

// Reconciler drives one-way synchronization from the registry into the CMS.
// The registry is never written; the CMS is never read as a source of truth,
// only diffed against.
type Reconciler struct {
	registry registry.Client
	cms      cms.Client
	store    state.Store
	throttle *cms.Throttle
	detector *ChangeDetector
	hooks    []Hook
	notifier Notifier

	concurrency      int
	fallbackLookback time.Duration
	unpublishOnIncr  bool
	now              func() time.Time

	mu      stdsync.Mutex
	running bool
}

// Options configures NewReconciler. Registry, CMS, and Store are required.
type Options struct {
	Registry registry.Client
	CMS      cms.Client
	Store    state.Store
	Throttle *cms.Throttle
	Hooks    []Hook
	Notifier Notifier

	// Concurrency bounds the upsert worker pool. Defaults to 5.
	Concurrency int
	// FallbackLookback is the change window used when an incremental run
	// has no baseline to work from. Defaults to 24h.
	FallbackLookback time.Duration
	// IncrementalUnpublishScan makes incremental runs archive items whose
	// members no longer qualify. Off by default: archiving belongs to full
	// runs, where the complete picture is available.
	IncrementalUnpublishScan bool
}

func NewReconciler(opts Options) (*Reconciler, error) {
	if opts.Registry == nil || opts.CMS == nil || opts.Store == nil {
		return nil, fmt.Errorf("registry, cms, and store are required")
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	lookback := opts.FallbackLookback
	if lookback <= 0 {
		lookback = 24 * time.Hour
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NotifierFunc(func(Event) {})
	}
	return &Reconciler{
		registry:         opts.Registry,
		cms:              opts.CMS,
		store:            opts.Store,
		throttle:         opts.Throttle,
		detector:         NewChangeDetector(opts.Registry),
		hooks:            opts.Hooks,
		notifier:         notifier,
		concurrency:      concurrency,
		fallbackLookback: lookback,
		unpublishOnIncr:  opts.IncrementalUnpublishScan,
		now:              time.Now,
	}, nil
}

// RunFull reconciles the entire registry against the CMS, including the
// archive pass for members that no longer qualify.
func (r *Reconciler) RunFull(ctx context.Context) (models.SyncResult, error) {
	return r.run(ctx, models.KindFull)
}

// RunIncremental reconciles only members changed since the last run.
func (r *Reconciler) RunIncremental(ctx context.Context) (models.SyncResult, error) {
	return r.run(ctx, models.KindIncremental)
}

// State returns the current persisted state.
func (r *Reconciler) State() (*state.SyncState, error) {
	return r.store.Load()
}

// ResetState discards all persisted state. The next full run rebuilds it.
func (r *Reconciler) ResetState() (*state.SyncState, error) {
	return r.store.Reset()
}

func (r *Reconciler) run(ctx context.Context, kind models.SyncKind) (models.SyncResult, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return models.SyncResult{}, ErrRunInProgress
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	startedAt := r.now()
	result := models.SyncResult{
		RunID:     ulid.Make().String(),
		Kind:      kind,
		StartedAt: startedAt,
	}

	st, err := r.store.Load()
	if err != nil {
		// Corrupt payloads already fall back to defaults inside Load; an
		// error here means the backend itself is struggling. The run still
		// proceeds on a fresh state, at worst redoing work.
		r.notify(Event{RunID: result.RunID, Stage: StageFetchSource, Err: fmt.Errorf("failed to load sync state: %w", err)})
		st = state.NewSyncState()
	}

	result, runErr := r.reconcile(ctx, kind, st, result)
	result.Duration = r.now().Sub(startedAt)

	if runErr != nil {
		st.RecordError(runErr, r.now())
	} else {
		st.RecordSuccess(kind, r.now())
	}
	rec := state.RunRecord{
		ID:            result.RunID,
		Kind:          kind,
		Successful:    result.Successful,
		Failed:        result.Failed,
		Archived:      result.Archived,
		ArchiveFailed: result.ArchiveFailed,
		Skipped:       result.Skipped,
		NoChanges:     result.NoChanges,
		StartedAt:     startedAt,
		Duration:      result.Duration,
	}
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	st.AppendRun(rec)

	r.notify(Event{RunID: result.RunID, Stage: StageCommit, Message: "saving state"})
	if saveErr := r.store.Save(st); saveErr != nil {
		// The run itself succeeded or failed on its own terms; a state
		// flush failure only means some items re-sync next time.
		r.notify(Event{RunID: result.RunID, Stage: StageCommit, Err: saveErr})
	}

	r.notify(Event{RunID: result.RunID, Stage: StageDone, Message: result.Summary(), Result: &result, Err: runErr})
	return result, runErr
}

func (r *Reconciler) reconcile(ctx context.Context, kind models.SyncKind, st *state.SyncState, result models.SyncResult) (models.SyncResult, error) {
	now := r.now()

	r.notify(Event{RunID: result.RunID, Stage: StageFetchSource, Message: "fetching registry members"})
	var members []models.Member
	switch kind {
	case models.KindFull:
		all, err := r.registry.FetchAll(ctx)
		if err != nil {
			return result, fmt.Errorf("failed to fetch registry: %w", err)
		}
		members = all
	case models.KindIncremental:
		since := incrementalBaseline(st, now, r.fallbackLookback)
		change, err := r.detector.ChangedSince(ctx, since)
		if err != nil {
			return result, err
		}
		if change.Discrepancy {
			result.Discrepancies++
		}
		if change.NoChanges {
			result.NoChanges = true
			return result, nil
		}
		members = change.Members
	default:
		return result, fmt.Errorf("unknown sync kind %q", kind)
	}

	r.notify(Event{RunID: result.RunID, Stage: StageFilter, Message: fmt.Sprintf("filtering %d members", len(members))})
	var publishable []models.Member
	for _, m := range members {
		if ShouldPublish(m, now) {
			publishable = append(publishable, m)
		}
	}

	r.notify(Event{RunID: result.RunID, Stage: StageFetchTarget, Message: "fetching mirrored items"})
	items, err := r.cms.FetchAllMirrored(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to fetch mirrored items: %w", err)
	}
	byMember := make(map[string]models.Item, len(items))
	for _, item := range items {
		byMember[item.MemberID] = item
	}

	// The archive pass needs the complete registry picture: full runs have
	// it already; incremental runs get it only when the unpublish scan is
	// enabled, at the cost of one extra full fetch.
	archiveUniverse := members
	if kind == models.KindIncremental {
		archiveUniverse = nil
		if r.unpublishOnIncr {
			all, err := r.registry.FetchAll(ctx)
			if err != nil {
				r.notify(Event{RunID: result.RunID, Stage: StageArchive, Err: fmt.Errorf("unpublish scan skipped: %w", err)})
			} else {
				archiveUniverse = all
			}
		}
	}

	r.notify(Event{RunID: result.RunID, Stage: StageMatch, Message: "matching members against items"})
	changes := r.match(st, now, publishable, archiveUniverse, byMember)

	if len(changes.ToUpsert) == 0 && len(changes.ToArchive) == 0 {
		result.NoChanges = true
		return result, nil
	}

	r.upsertAll(ctx, st, changes.ToUpsert, &result)
	r.archiveAll(ctx, changes.ToArchive, &result)

	if result.Successful > 0 || result.Archived > 0 {
		if r.throttle != nil {
			r.notify(Event{RunID: result.RunID, Stage: StagePublish, Message: "requesting site publish"})
			r.throttle.PublishIfEnabled(ctx, result.Summary())
		}
	}

	return result, nil
}

// match builds the per-run change set. A publishable member is upserted when
// it is missing from the CMS, sits there archived, or carries a newer
// modification timestamp than the one recorded for it. Archive candidates
// are judged against archiveUniverse, the complete registry picture; a nil
// universe means this run cannot safely archive anything.
func (r *Reconciler) match(st *state.SyncState, now time.Time, publishable, archiveUniverse []models.Member, byMember map[string]models.Item) models.ChangeSet {
	var changes models.ChangeSet

	for _, m := range publishable {
		item, exists := byMember[m.ID]
		switch {
		case !exists, item.Archived:
			changes.ToUpsert = append(changes.ToUpsert, m)
		case st.NeedsUpdate(m.ID, m.BestModifiedRaw()):
			changes.ToUpsert = append(changes.ToUpsert, m)
		}
	}

	if archiveUniverse != nil {
		qualified := make(map[string]bool, len(archiveUniverse))
		for _, m := range archiveUniverse {
			if ShouldPublish(m, now) {
				qualified[m.ID] = true
			}
		}
		// Items whose member vanished from the registry or no longer
		// qualifies get soft-deleted; already-archived ones stay put.
		for memberID, item := range byMember {
			if item.Archived || qualified[memberID] {
				continue
			}
			changes.ToArchive = append(changes.ToArchive, item)
		}
	}

	return changes
}

// upsertAll pushes the change set through a bounded worker pool. Failures are
// isolated per item: a bad member never stops the rest of the batch, and only
// confirmed successes update the stored revision.
func (r *Reconciler) upsertAll(ctx context.Context, st *state.SyncState, members []models.Member, result *models.SyncResult) {
	if len(members) == 0 {
		return
	}

	total := len(members)
	jobs := make(chan models.Member)

	var mu stdsync.Mutex
	done := 0

	var wg stdsync.WaitGroup
	workers := r.concurrency
	if workers > total {
		workers = total
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for m := range jobs {
				err := r.upsertOne(ctx, m)

				mu.Lock()
				done++
				current := done
				var notFound *cms.NotFoundError
				switch {
				case err == nil:
					result.Successful++
					st.SetModified(m.ID, m.BestModifiedRaw())
				case errors.As(err, &notFound):
					// The item vanished between fetch and upsert; the
					// next full run recreates it.
					result.Skipped++
				default:
					result.Failed++
				}
				mu.Unlock()

				r.notify(Event{
					RunID:   result.RunID,
					Stage:   StageUpsert,
					Message: m.Name,
					Current: current,
					Total:   total,
					Err:     err,
				})
			}
		}()
	}

	for _, m := range members {
		jobs <- m
	}
	close(jobs)
	wg.Wait()
}

// upsertOne maps one member and writes it to the CMS. A hook or CMS panic is
// converted into an error so one bad record cannot take down the pool.
func (r *Reconciler) upsertOne(ctx context.Context, m models.Member) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("upsert panic for member %s: %v", m.ID, rec)
		}
	}()

	fields := BaseFields(m)
	for _, hook := range r.hooks {
		if hookErr := hook.Apply(ctx, m, fields); hookErr != nil {
			return fmt.Errorf("hook failed for member %s: %w", m.ID, hookErr)
		}
	}
	if _, upsertErr := r.cms.Upsert(ctx, m.ID, fields); upsertErr != nil {
		return fmt.Errorf("upsert failed for member %s: %w", m.ID, upsertErr)
	}
	return nil
}

// archiveAll soft-deletes the archive candidates sequentially. Archive volume
// is tiny compared to upserts and the gateway serializes the calls anyway.
func (r *Reconciler) archiveAll(ctx context.Context, items []models.Item, result *models.SyncResult) {
	total := len(items)
	for i, item := range items {
		err := r.cms.Archive(ctx, item.ID)
		var notFound *cms.NotFoundError
		switch {
		case err == nil:
			result.Archived++
		case errors.As(err, &notFound):
			// Already gone, which is the state we wanted.
			result.Archived++
		default:
			result.ArchiveFailed++
		}
		r.notify(Event{
			RunID:   result.RunID,
			Stage:   StageArchive,
			Message: item.MemberID,
			Current: i + 1,
			Total:   total,
			Err:     err,
		})
	}
}

func incrementalBaseline(st *state.SyncState, now time.Time, lookback time.Duration) time.Time {
	baseline := time.Time{}
	if st.LastIncrementalSync != nil {
		baseline = *st.LastIncrementalSync
	}
	if st.LastFullSync != nil && st.LastFullSync.After(baseline) {
		baseline = *st.LastFullSync
	}
	if baseline.IsZero() {
		return now.Add(-lookback)
	}
	return baseline
}

func (r *Reconciler) notify(e Event) {
	r.notifier.Notify(e)
}

// Jitter returns a random duration in [0, max) used by the daemon loop to
// avoid thundering-herd syncs across deployments.
func Jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(max)))
}
