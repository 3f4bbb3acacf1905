package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/event-catalog-crawler/internal/event"
	"github.com/JakeFAU/event-catalog-crawler/internal/source"
)

var minsk = time.FixedZone("MSK", 3*60*60)

func TestNormalize(t *testing.T) {
	n := NewNormalizer(minsk, "", "")
	now := time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)
	rec := event.EnrichedRecord{
		RawStub: event.RawStub{
			Title:    "  Ляпис 98 ",
			DateText: "28 июня 2025, 19:00",
			Venue:    "Клуб Re:Public, Гродно",
			PriceMin: event.IntPtr(45),
			Link:     "https://kvitki.example/e/1",
		},
		PriceMax:    event.IntPtr(120),
		TicketCount: event.IntPtr(12),
	}
	d := source.Descriptor{Name: "kvitki", Country: "Беларусь", EventType: "Концерт"}

	ev, err := n.Normalize(rec, d, now)
	require.NoError(t, err)
	require.Equal(t, "Ляпис 98", ev.Title)
	require.NotNil(t, ev.Start)
	require.True(t, ev.Start.Equal(time.Date(2025, 6, 28, 19, 0, 0, 0, minsk)))
	require.Nil(t, ev.End)
	require.Equal(t, "Гродно", ev.City)
	require.Equal(t, "Беларусь", ev.Country)
	require.Equal(t, "Концерт", ev.Category)
	require.Equal(t, 45, *ev.PriceMin)
	require.Equal(t, 120, *ev.PriceMax)
	require.Equal(t, "12 билетов", ev.TicketsInfo)
	require.Empty(t, ev.Entities)

	d.City = "Москва"
	d.EventType = ""
	ev, err = n.Normalize(rec, d, now)
	require.NoError(t, err)
	require.Equal(t, "Москва", ev.City)
	require.Equal(t, "Другое", ev.Category)
}

func TestNormalizeDropsUndated(t *testing.T) {
	n := NewNormalizer(minsk, "", "")
	for _, text := range []string{"Постоянно", "", "скоро"} {
		rec := event.EnrichedRecord{RawStub: event.RawStub{Title: "Выставка", DateText: text}}
		_, err := n.Normalize(rec, source.Descriptor{}, time.Now())
		require.ErrorIs(t, err, ErrNoDate, text)
	}
}

func TestCityFromVenue(t *testing.T) {
	tests := []struct {
		venue string
		want  string
	}{
		{"", "Минск"},
		{"Минск-Арена, МИНСК", "Минск"},
		{"Ледовый дворец, Могилев", "Могилев"},
		{"Дворец культуры (Слоним)", "Слоним"},
		{"клуб бобруйск", "Бобруйск"},
		{"Арена", "Минск"},
		{"ул. Ленина 5", "Минск"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, CityFromVenue(tt.venue, "Минск"), tt.venue)
	}
}

func TestTicketsInfo(t *testing.T) {
	require.Empty(t, TicketsInfo(nil))
	require.Equal(t, "Нет в наличии", TicketsInfo(event.IntPtr(0)))
	require.Equal(t, "3 билетов", TicketsInfo(event.IntPtr(3)))
}
