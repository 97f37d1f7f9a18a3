// ABOUTME: Tests for field mapping and sector lookup resolution
// ABOUTME: Verifies the per-run sector cache and graceful unknown-sector handling
package sync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harperreed/membersync/models"
)

func TestBaseFields(t *testing.T) {
	m := models.Member{
		ID:      "a",
		Name:    "Acme",
		Website: "https://acme.example.com",
		City:    "Chicago",
	}
	fields := BaseFields(m)
	assert.Equal(t, "Acme", fields["name"])
	assert.Equal(t, "a", fields["memberId"])
	assert.Equal(t, "Chicago", fields["city"])
	_, hasDescription := fields["description"]
	assert.False(t, hasDescription, "empty optional fields stay unset")
}

type countingCMS struct {
	*fakeCMS
	sectorFetches int
}

func (c *countingCMS) FetchSectors(ctx context.Context) (map[string]string, error) {
	c.sectorFetches++
	return c.fakeCMS.FetchSectors(ctx)
}

func TestSectorResolverCachesPerRun(t *testing.T) {
	fake := &countingCMS{fakeCMS: newFakeCMS()}
	fake.sectors["manufacturing"] = "sector-1"
	r := NewSectorResolver(fake)

	for i := 0; i < 5; i++ {
		fields := map[string]any{}
		err := r.Apply(context.Background(), models.Member{ID: "a", Sector: "Manufacturing"}, fields)
		require.NoError(t, err)
		assert.Equal(t, "sector-1", fields["sector"])
	}
	assert.Equal(t, 1, fake.sectorFetches, "the lookup collection is fetched once per run")

	r.Reset()
	err := r.Apply(context.Background(), models.Member{ID: "a", Sector: "Manufacturing"}, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 2, fake.sectorFetches)
}

func TestSectorResolverUnknownSectorLeavesFieldUnset(t *testing.T) {
	fake := &countingCMS{fakeCMS: newFakeCMS()}
	r := NewSectorResolver(fake)

	fields := map[string]any{}
	err := r.Apply(context.Background(), models.Member{ID: "a", Sector: "Cryptozoology"}, fields)
	require.NoError(t, err)
	_, ok := fields["sector"]
	assert.False(t, ok, "an unmatched sector must not fail the member")
}

func TestSectorResolverSkipsEmptySector(t *testing.T) {
	fake := &countingCMS{fakeCMS: newFakeCMS()}
	r := NewSectorResolver(fake)

	err := r.Apply(context.Background(), models.Member{ID: "a"}, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, fake.sectorFetches, "members without a sector never trigger the fetch")
}
