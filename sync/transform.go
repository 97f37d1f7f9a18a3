// ABOUTME: Member-to-CMS field mapping with sector lookup resolution
// ABOUTME: Hooks let deployments extend the mapped fields without forking the engine
package sync

import (
	"context"
	"strings"
	stdsync "sync"

	"github.com/harperreed/membersync/cms"
	"github.com/harperreed/membersync/models"
)

// Hook mutates the outgoing field map for one member. Hooks run after the
// base mapping, in registration order.
type Hook interface {
	Apply(ctx context.Context, m models.Member, fields map[string]any) error
}

// HookFunc adapts a plain function to the Hook interface.
type HookFunc func(ctx context.Context, m models.Member, fields map[string]any) error

func (f HookFunc) Apply(ctx context.Context, m models.Member, fields map[string]any) error {
	return f(ctx, m, fields)
}

// BaseFields maps a member onto the CMS field schema.
func BaseFields(m models.Member) map[string]any {
	fields := map[string]any{
		"name":     m.Name,
		"memberId": m.ID,
	}
	if m.Website != "" {
		fields["website"] = m.Website
	}
	if m.City != "" {
		fields["city"] = m.City
	}
	if m.Description != "" {
		fields["description"] = m.Description
	}
	return fields
}

// SectorResolver resolves registry sector names to CMS lookup item ids. The
// lookup collection is fetched at most once per run; a sector with no match
// simply leaves the reference unset rather than failing the member.
type SectorResolver struct {
	cms cms.Client

	mu      stdsync.Mutex
	sectors map[string]string
	fetched bool
}

func NewSectorResolver(client cms.Client) *SectorResolver {
	return &SectorResolver{cms: client}
}

// Apply sets the sector reference field when the member's sector matches a
// lookup item.
func (r *SectorResolver) Apply(ctx context.Context, m models.Member, fields map[string]any) error {
	if m.Sector == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.fetched {
		sectors, err := r.cms.FetchSectors(ctx)
		if err != nil {
			return err
		}
		r.sectors = sectors
		r.fetched = true
	}
	if id, ok := r.sectors[strings.ToLower(strings.TrimSpace(m.Sector))]; ok {
		fields["sector"] = id
	}
	return nil
}

// Reset clears the per-run sector cache so the next run refetches.
func (r *SectorResolver) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sectors = nil
	r.fetched = false
}
