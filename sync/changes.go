// ABOUTME: Change detection over the registry with distrust of server filters
// ABOUTME: Verifies empty filtered results client-side before declaring no changes
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/harperreed/membersync/models"
	"github.com/harperreed/membersync/registry"
)

// ChangeResult is the outcome of one change-detection pass.
type ChangeResult struct {
	Members []models.Member
	// NoChanges is true only when detection ran successfully and found
	// nothing. A failed fetch is an error, never a quiet NoChanges.
	NoChanges bool
	// Discrepancy is set when the server-side filter claimed no changes but
	// the client-side verification pass found some.
	Discrepancy bool
}

// ChangeDetector finds registry members modified since a baseline. The
// registry's modifiedSince filter has been observed to silently no-op, so a
// non-empty server answer is filtered client-side and an empty one is
// verified with a full fetch before being believed.
type ChangeDetector struct {
	registry registry.Client
}

func NewChangeDetector(client registry.Client) *ChangeDetector {
	return &ChangeDetector{registry: client}
}

// ChangedSince returns the members modified after since.
func (d *ChangeDetector) ChangedSince(ctx context.Context, since time.Time) (ChangeResult, error) {
	filtered, err := d.registry.FetchChangedSince(ctx, since)
	if err != nil {
		return ChangeResult{}, fmt.Errorf("change detection failed: %w", err)
	}

	if len(filtered) > 0 {
		// The server may have ignored the filter and returned everything;
		// narrow its answer client-side either way.
		changed := filterModifiedSince(filtered, since)
		if len(changed) == 0 {
			return ChangeResult{NoChanges: true}, nil
		}
		return ChangeResult{Members: changed}, nil
	}

	// An empty filtered result is suspicious: verify against the full
	// collection before concluding nothing changed.
	all, err := d.registry.FetchAll(ctx)
	if err != nil {
		return ChangeResult{}, fmt.Errorf("change verification failed: %w", err)
	}
	changed := filterModifiedSince(all, since)
	if len(changed) == 0 {
		return ChangeResult{NoChanges: true}, nil
	}
	return ChangeResult{Members: changed, Discrepancy: true}, nil
}

// filterModifiedSince keeps members whose best modification instant is after
// since. Members with no parseable timestamp at all are kept: missing the
// change would leave the site stale, while re-syncing an unchanged member is
// harmless.
func filterModifiedSince(members []models.Member, since time.Time) []models.Member {
	var out []models.Member
	for _, m := range members {
		ts, ok := m.BestModifiedAt()
		if !ok || ts.After(since) {
			out = append(out, m)
		}
	}
	return out
}
