package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/event-catalog-crawler/internal/catalog"
	"github.com/JakeFAU/event-catalog-crawler/internal/entity"
	"github.com/JakeFAU/event-catalog-crawler/internal/event"
)

// EventRow is a stored catalog event.
type EventRow struct {
	ID          int64
	Title       string
	Start       time.Time
	End         *time.Time
	VenueID     *int64
	Category    string
	PriceMin    *int
	PriceMax    *int
	TicketsInfo string
	Links       []string
	EntityIDs   []int64
}

type cityKey struct {
	name      string
	countryID int64
}

type venueKey struct {
	name   string
	cityID int64
}

type catalogState struct {
	nextID    int64
	events    map[int64]EventRow
	bySig     map[event.Signature]int64
	entities  map[string]int64
	countries map[string]int64
	cities    map[cityKey]int64
	venues    map[venueKey]int64
}

func newCatalogState() *catalogState {
	return &catalogState{
		events:    map[int64]EventRow{},
		bySig:     map[event.Signature]int64{},
		entities:  map[string]int64{},
		countries: map[string]int64{},
		cities:    map[cityKey]int64{},
		venues:    map[venueKey]int64{},
	}
}

func (s *catalogState) clone() *catalogState {
	events := make(map[int64]EventRow, len(s.events))
	for id, row := range s.events {
		row.Links = slices.Clone(row.Links)
		row.EntityIDs = slices.Clone(row.EntityIDs)
		events[id] = row
	}
	return &catalogState{
		nextID:    s.nextID,
		events:    events,
		bySig:     maps.Clone(s.bySig),
		entities:  maps.Clone(s.entities),
		countries: maps.Clone(s.countries),
		cities:    maps.Clone(s.cities),
		venues:    maps.Clone(s.venues),
	}
}

func (s *catalogState) id() int64 {
	s.nextID++
	return s.nextID
}

// CatalogStore is an in-memory catalog. Transactions are serialized and
// roll back by restoring a snapshot taken when they began.
type CatalogStore struct {
	mu    sync.Mutex
	state *catalogState
}

var _ catalog.Store = (*CatalogStore)(nil)

// NewCatalogStore returns an empty catalog.
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{state: newCatalogState()}
}

// InTx runs fn against a working copy that replaces the catalog only when
// fn succeeds.
func (s *CatalogStore) InTx(ctx context.Context, fn func(catalog.Repository) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.state.clone()
	if err := fn(&catalogTx{st: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.state = work
	return nil
}

// Events returns committed events ordered by id.
func (s *CatalogStore) Events() []EventRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := slices.Sorted(maps.Keys(s.state.events))
	out := make([]EventRow, 0, len(ids))
	for _, id := range ids {
		row := s.state.events[id]
		row.Links = slices.Clone(row.Links)
		row.EntityIDs = slices.Clone(row.EntityIDs)
		out = append(out, row)
	}
	return out
}

// Entities returns committed entity ids by canonical name.
func (s *CatalogStore) Entities() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return maps.Clone(s.state.entities)
}

// Venues returns the number of committed venues.
func (s *CatalogStore) Venues() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.state.venues)
}

type catalogTx struct {
	st *catalogState
}

func (t *catalogTx) FindEventIDsBySignatures(_ context.Context, sigs []event.Signature) (map[event.Signature]int64, error) {
	out := make(map[event.Signature]int64)
	for _, sig := range sigs {
		if id, ok := t.st.bySig[normalizeSig(sig)]; ok {
			out[sig] = id
		}
	}
	return out, nil
}

func (t *catalogTx) PatchEvent(_ context.Context, id int64, p catalog.Patch) error {
	row, ok := t.st.events[id]
	if !ok {
		return fmt.Errorf("event %d: %w", id, catalog.ErrNotFound)
	}
	if p.PriceMin != nil {
		row.PriceMin = p.PriceMin
	}
	if p.PriceMax != nil {
		row.PriceMax = p.PriceMax
	}
	if p.TicketsInfo != nil {
		row.TicketsInfo = *p.TicketsInfo
	}
	if p.End != nil {
		row.End = p.End
	}
	for _, l := range p.Links {
		if !slices.Contains(row.Links, l) {
			row.Links = append(row.Links, l)
		}
	}
	t.st.events[id] = row
	return nil
}

func (t *catalogTx) GetOrCreateEntitiesByName(_ context.Context, names []string) (map[string]int64, error) {
	out := make(map[string]int64, len(names))
	for _, n := range names {
		c := entity.Canonicalize(n)
		if c == "" {
			continue
		}
		id, ok := t.st.entities[c]
		if !ok {
			id = t.st.id()
			t.st.entities[c] = id
		}
		out[c] = id
	}
	return out, nil
}

func (t *catalogTx) GetOrCreateCityAndCountry(_ context.Context, city, country string) (int64, int64, error) {
	country = strings.TrimSpace(country)
	countryID, ok := t.st.countries[strings.ToLower(country)]
	if !ok {
		countryID = t.st.id()
		t.st.countries[strings.ToLower(country)] = countryID
	}
	ck := cityKey{name: strings.ToLower(strings.TrimSpace(city)), countryID: countryID}
	cityID, ok := t.st.cities[ck]
	if !ok {
		cityID = t.st.id()
		t.st.cities[ck] = cityID
	}
	return cityID, countryID, nil
}

func (t *catalogTx) GetOrCreateVenue(_ context.Context, name string, cityID, _ int64) (int64, error) {
	vk := venueKey{name: strings.ToLower(strings.TrimSpace(name)), cityID: cityID}
	id, ok := t.st.venues[vk]
	if !ok {
		id = t.st.id()
		t.st.venues[vk] = id
	}
	return id, nil
}

func (t *catalogTx) CreateEventWithEntities(_ context.Context, ev catalog.NewEvent, entityIDs map[string]int64) (int64, error) {
	if ev.Event.Start == nil {
		return 0, fmt.Errorf("event %q has no start", ev.Event.Title)
	}
	sig := normalizeSig(ev.Event.Signature())
	if _, dup := t.st.bySig[sig]; dup {
		return 0, fmt.Errorf("event %q at %s already exists", sig.Title, sig.Start)
	}
	row := EventRow{
		ID:          t.st.id(),
		Title:       sig.Title,
		Start:       sig.Start,
		End:         ev.Event.End,
		VenueID:     ev.VenueID,
		Category:    ev.Event.Category,
		PriceMin:    ev.Event.PriceMin,
		PriceMax:    ev.Event.PriceMax,
		TicketsInfo: ev.Event.TicketsInfo,
		Links:       slices.Clone(ev.Links),
	}
	for _, name := range slices.Sorted(maps.Keys(entityIDs)) {
		row.EntityIDs = append(row.EntityIDs, entityIDs[name])
	}
	t.st.events[row.ID] = row
	t.st.bySig[sig] = row.ID
	return row.ID, nil
}

func (t *catalogTx) Savepoint(_ context.Context, fn func(catalog.Repository) error) error {
	snap := t.st.clone()
	if err := fn(t); err != nil {
		*t.st = *snap
		return err
	}
	return nil
}

// normalizeSig makes signatures comparable regardless of time zone.
func normalizeSig(sig event.Signature) event.Signature {
	return event.Signature{Title: strings.TrimSpace(sig.Title), Start: sig.Start.UTC()}
}
