package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/event-catalog-crawler/internal/catalog"
	"github.com/JakeFAU/event-catalog-crawler/internal/event"
)

func newEvent(title string, start time.Time) catalog.NewEvent {
	return catalog.NewEvent{
		Event: event.NormalizedEvent{Title: title, Start: &start, Category: "Театр"},
		Links: []string{"https://x.example/" + title},
	}
}

func TestCatalogStoreCommitAndRollback(t *testing.T) {
	s := NewCatalogStore()
	ctx := context.Background()
	start := time.Date(2025, 7, 1, 19, 0, 0, 0, time.UTC)

	err := s.InTx(ctx, func(r catalog.Repository) error {
		_, err := r.CreateEventWithEntities(ctx, newEvent("A", start), nil)
		return err
	})
	require.NoError(t, err)
	require.Len(t, s.Events(), 1)

	boom := errors.New("boom")
	err = s.InTx(ctx, func(r catalog.Repository) error {
		if _, err := r.CreateEventWithEntities(ctx, newEvent("B", start), nil); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Len(t, s.Events(), 1)
}

func TestCatalogStoreSavepoint(t *testing.T) {
	s := NewCatalogStore()
	ctx := context.Background()
	start := time.Date(2025, 7, 1, 19, 0, 0, 0, time.UTC)

	err := s.InTx(ctx, func(r catalog.Repository) error {
		require.NoError(t, r.Savepoint(ctx, func(r catalog.Repository) error {
			_, err := r.CreateEventWithEntities(ctx, newEvent("kept", start), nil)
			return err
		}))
		err := r.Savepoint(ctx, func(r catalog.Repository) error {
			if _, err := r.GetOrCreateEntitiesByName(ctx, []string{"ghost"}); err != nil {
				return err
			}
			_, err := r.CreateEventWithEntities(ctx, newEvent("kept", start), nil)
			return err
		})
		require.ErrorContains(t, err, "already exists")
		return nil
	})
	require.NoError(t, err)
	require.Len(t, s.Events(), 1)
	require.Empty(t, s.Entities(), "rolled back savepoint leaves no entities")
}

func TestCatalogStoreLookups(t *testing.T) {
	s := NewCatalogStore()
	ctx := context.Background()
	start := time.Date(2025, 7, 1, 22, 0, 0, 0, time.FixedZone("MSK", 3*3600))

	err := s.InTx(ctx, func(r catalog.Repository) error {
		ids, err := r.GetOrCreateEntitiesByName(ctx, []string{"Imagine Dragons", "imagine dragons ", ""})
		require.NoError(t, err)
		require.Len(t, ids, 1)

		city1, country1, err := r.GetOrCreateCityAndCountry(ctx, "Минск", "Беларусь")
		require.NoError(t, err)
		city2, country2, err := r.GetOrCreateCityAndCountry(ctx, "минск ", "беларусь")
		require.NoError(t, err)
		require.Equal(t, city1, city2)
		require.Equal(t, country1, country2)

		v1, err := r.GetOrCreateVenue(ctx, "Prime Hall", city1, country1)
		require.NoError(t, err)
		v2, err := r.GetOrCreateVenue(ctx, "prime hall", city1, country1)
		require.NoError(t, err)
		require.Equal(t, v1, v2)

		id, err := r.CreateEventWithEntities(ctx, newEvent("Show", start), ids)
		require.NoError(t, err)

		found, err := r.FindEventIDsBySignatures(ctx, []event.Signature{
			{Title: "Show", Start: start.UTC()},
			{Title: "Other", Start: start},
		})
		require.NoError(t, err)
		require.Equal(t, map[event.Signature]int64{{Title: "Show", Start: start.UTC()}: id}, found)

		require.ErrorIs(t, r.PatchEvent(ctx, 999, catalog.Patch{}), catalog.ErrNotFound)
		return nil
	})
	require.NoError(t, err)
}
