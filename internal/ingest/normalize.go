package ingest

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/JakeFAU/event-catalog-crawler/internal/datetext"
	"github.com/JakeFAU/event-catalog-crawler/internal/event"
	"github.com/JakeFAU/event-catalog-crawler/internal/source"
)

// ErrNoDate marks a record whose date text resolved to no start.
var ErrNoDate = errors.New("no resolvable start date")

var knownCities = []string{
	"Минск", "Брест", "Витебск", "Гомель", "Гродно",
	"Могилев", "Лида", "Молодечно", "Сморгонь", "Несвиж",
}

// Normalizer turns enriched records into catalog-ready events.
type Normalizer struct {
	// Location is the zone listing dates are written in.
	Location        *time.Location
	DefaultCity     string
	DefaultCategory string
}

// NewNormalizer fills zero values with the defaults.
func NewNormalizer(loc *time.Location, defaultCity, defaultCategory string) Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	if defaultCity == "" {
		defaultCity = "Минск"
	}
	if defaultCategory == "" {
		defaultCategory = "Другое"
	}
	return Normalizer{Location: loc, DefaultCity: defaultCity, DefaultCategory: defaultCategory}
}

// Normalize builds the event for rec. Entities are left empty; they are
// resolved separately. Records without a start return ErrNoDate.
func (n Normalizer) Normalize(rec event.EnrichedRecord, d source.Descriptor, now time.Time) (event.NormalizedEvent, error) {
	loc := n.Location
	if loc == nil {
		loc = time.UTC
	}
	start, end := datetext.Parse(rec.DateText, now.In(loc))
	if start == nil {
		return event.NormalizedEvent{}, fmt.Errorf("%w: %q", ErrNoDate, rec.DateText)
	}
	city := d.City
	if city == "" {
		city = CityFromVenue(rec.Venue, n.DefaultCity)
	}
	category := d.EventType
	if category == "" {
		category = n.DefaultCategory
	}
	return event.NormalizedEvent{
		Title:       strings.TrimSpace(rec.Title),
		Start:       start,
		End:         end,
		Venue:       strings.TrimSpace(rec.Venue),
		City:        city,
		Country:     d.Country,
		Category:    category,
		PriceMin:    rec.PriceMin,
		PriceMax:    rec.PriceMax,
		TicketsInfo: TicketsInfo(rec.TicketCount),
		Link:        rec.Link,
	}, nil
}

// CityFromVenue picks a city out of free venue text: a known city anywhere
// in it, else a trailing alphabetic word, else fallback.
func CityFromVenue(venue, fallback string) string {
	if strings.TrimSpace(venue) == "" {
		return fallback
	}
	lower := strings.ToLower(venue)
	for _, c := range knownCities {
		if strings.Contains(lower, strings.ToLower(c)) {
			return c
		}
	}
	parts := strings.FieldsFunc(venue, func(r rune) bool {
		return unicode.IsSpace(r) || strings.ContainsRune("(),.", r)
	})
	if len(parts) > 1 && isAlpha(parts[len(parts)-1]) {
		return capitalize(parts[len(parts)-1])
	}
	return fallback
}

// TicketsInfo renders a known ticket count. Unknown counts give "".
func TicketsInfo(count *int) string {
	switch {
	case count == nil:
		return ""
	case *count > 0:
		return fmt.Sprintf("%d билетов", *count)
	default:
		return "Нет в наличии"
	}
}

func isAlpha(s string) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return s != ""
}

func capitalize(s string) string {
	r := []rune(strings.ToLower(s))
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
