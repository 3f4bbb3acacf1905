package catalog

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-catalog-crawler/internal/entity"
	"github.com/JakeFAU/event-catalog-crawler/internal/event"
)

// Isolation selects the failure boundary of a merge.
type Isolation string

// Isolation modes.
const (
	// IsolationBatch rolls back the whole batch on any failure.
	IsolationBatch Isolation = "batch"
	// IsolationEvent wraps each event in a savepoint; failing events are
	// reported and skipped while the rest commit.
	IsolationEvent Isolation = "event"
)

// ParseIsolation validates an isolation name. Empty means batch.
func ParseIsolation(s string) (Isolation, error) {
	switch Isolation(strings.ToLower(strings.TrimSpace(s))) {
	case "", IsolationBatch:
		return IsolationBatch, nil
	case IsolationEvent:
		return IsolationEvent, nil
	default:
		return "", fmt.Errorf("unknown merge isolation %q", s)
	}
}

// MergeReport summarizes one merge.
type MergeReport struct {
	Received   int
	Duplicates int
	Created    int
	Patched    int
	Entities   int
	Skipped    []event.Skip
}

// Engine merges batches of normalized events into a Store.
type Engine struct {
	store     Store
	isolation Isolation
	logger    *zap.Logger
}

// NewEngine builds an Engine.
func NewEngine(store Store, isolation Isolation, logger *zap.Logger) *Engine {
	if isolation == "" {
		isolation = IsolationBatch
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: store, isolation: isolation, logger: logger}
}

type candidate struct {
	ev    event.NormalizedEvent
	sig   event.Signature
	links []string
}

// Merge upserts batch in one transaction. Existing events (matched on
// title and start) get their mutable fields patched; the rest are created
// along with their places and entities. In batch isolation any failure
// rolls everything back and is returned.
func (e *Engine) Merge(ctx context.Context, batch []event.NormalizedEvent) (MergeReport, error) {
	report := MergeReport{Received: len(batch)}
	cands, skipped := collapse(batch)
	report.Skipped = append(report.Skipped, skipped...)
	report.Duplicates = len(batch) - len(cands) - len(skipped)
	if len(cands) == 0 {
		return report, nil
	}

	var txReport MergeReport
	err := e.store.InTx(ctx, func(repo Repository) error {
		txReport = MergeReport{}
		return e.merge(ctx, repo, cands, &txReport)
	})
	if err != nil {
		e.logger.Error("merge rolled back", zap.Int("events", len(cands)), zap.Error(err))
		return report, fmt.Errorf("merge batch of %d events: %w", len(cands), err)
	}
	report.Created = txReport.Created
	report.Patched = txReport.Patched
	report.Entities = txReport.Entities
	report.Skipped = append(report.Skipped, txReport.Skipped...)
	e.logger.Info("merge committed",
		zap.Int("created", report.Created),
		zap.Int("patched", report.Patched),
		zap.Int("entities", report.Entities),
		zap.Int("skipped", len(report.Skipped)),
	)
	return report, nil
}

func (e *Engine) merge(ctx context.Context, repo Repository, cands []candidate, report *MergeReport) error {
	sigs := make([]event.Signature, len(cands))
	for i, c := range cands {
		sigs[i] = c.sig
	}
	existing, err := repo.FindEventIDsBySignatures(ctx, sigs)
	if err != nil {
		return fmt.Errorf("find existing events: %w", err)
	}

	var toCreate []candidate
	for _, c := range cands {
		id, ok := existing[c.sig]
		if !ok {
			toCreate = append(toCreate, c)
			continue
		}
		err := e.isolate(ctx, repo, func(r Repository) error {
			return r.PatchEvent(ctx, id, patchFor(c))
		})
		if err != nil {
			if e.isolation == IsolationBatch {
				return fmt.Errorf("patch event %d: %w", id, err)
			}
			report.Skipped = append(report.Skipped, mergeSkip(c, err))
			continue
		}
		report.Patched++
	}
	if len(toCreate) == 0 {
		return nil
	}

	// every entity shared across the batch is resolved exactly once
	names := entity.NewSet()
	for _, c := range toCreate {
		names.Add(c.ev.Entities...)
	}
	entityIDs := map[string]int64{}
	if names.Len() > 0 {
		entityIDs, err = repo.GetOrCreateEntitiesByName(ctx, names.Names())
		if err != nil {
			return fmt.Errorf("resolve entities: %w", err)
		}
	}
	report.Entities = len(entityIDs)

	places := newPlaceCache()
	for _, c := range toCreate {
		err := e.isolate(ctx, repo, func(r Repository) error {
			venueID, err := places.venue(ctx, r, c.ev)
			if err != nil {
				return err
			}
			_, err = r.CreateEventWithEntities(ctx, NewEvent{Event: c.ev, VenueID: venueID, Links: c.links}, subset(entityIDs, c.ev.Entities))
			return err
		})
		if err != nil {
			if e.isolation == IsolationBatch {
				return fmt.Errorf("create event %q: %w", c.sig.Title, err)
			}
			places.forget()
			report.Skipped = append(report.Skipped, mergeSkip(c, err))
			continue
		}
		report.Created++
	}
	return nil
}

func (e *Engine) isolate(ctx context.Context, repo Repository, fn func(Repository) error) error {
	if e.isolation == IsolationEvent {
		return repo.Savepoint(ctx, fn)
	}
	return fn(repo)
}

// collapse drops undated events and folds repeated signatures into the
// first occurrence, later values winning for mutable fields.
func collapse(batch []event.NormalizedEvent) ([]candidate, []event.Skip) {
	var (
		out   []candidate
		skips []event.Skip
		index = make(map[event.Signature]int)
	)
	for _, ev := range batch {
		if ev.Start == nil {
			skips = append(skips, event.Skip{Reason: event.SkipNoDate, Ref: ev.Link, Detail: ev.Title})
			continue
		}
		sig := ev.Signature()
		i, dup := index[sig]
		if !dup {
			index[sig] = len(out)
			c := candidate{ev: ev, sig: sig}
			c.addLink(ev.Link)
			out = append(out, c)
			continue
		}
		c := &out[i]
		if ev.PriceMin != nil {
			c.ev.PriceMin = ev.PriceMin
		}
		if ev.PriceMax != nil {
			c.ev.PriceMax = ev.PriceMax
		}
		if ev.TicketsInfo != "" {
			c.ev.TicketsInfo = ev.TicketsInfo
		}
		if ev.End != nil {
			c.ev.End = ev.End
		}
		c.ev.Entities = append(c.ev.Entities, ev.Entities...)
		c.addLink(ev.Link)
	}
	return out, skips
}

func (c *candidate) addLink(link string) {
	if link == "" {
		return
	}
	for _, l := range c.links {
		if l == link {
			return
		}
	}
	c.links = append(c.links, link)
}

func patchFor(c candidate) Patch {
	p := Patch{
		PriceMin: c.ev.PriceMin,
		PriceMax: c.ev.PriceMax,
		End:      c.ev.End,
		Links:    c.links,
	}
	if c.ev.TicketsInfo != "" {
		info := c.ev.TicketsInfo
		p.TicketsInfo = &info
	}
	return p
}

func subset(ids map[string]int64, names []string) map[string]int64 {
	out := make(map[string]int64, len(names))
	for _, n := range names {
		c := entity.Canonicalize(n)
		if id, ok := ids[c]; ok {
			out[c] = id
		}
	}
	return out
}

func mergeSkip(c candidate, err error) event.Skip {
	return event.Skip{Reason: event.SkipMergeFailed, Ref: c.ev.Link, Detail: err.Error()}
}

type placeKey struct{ a, b string }

type venueKey struct {
	name   string
	cityID int64
}

// placeCache memoizes place lookups within one transaction.
type placeCache struct {
	cities map[placeKey][2]int64
	venues map[venueKey]int64
}

func newPlaceCache() *placeCache {
	return &placeCache{cities: map[placeKey][2]int64{}, venues: map[venueKey]int64{}}
}

// forget drops memoized ids, which may belong to a rolled-back savepoint.
func (p *placeCache) forget() {
	clear(p.cities)
	clear(p.venues)
}

func (p *placeCache) venue(ctx context.Context, repo Repository, ev event.NormalizedEvent) (*int64, error) {
	venue := strings.TrimSpace(ev.Venue)
	city := strings.TrimSpace(ev.City)
	if venue == "" || city == "" {
		return nil, nil
	}
	ck := placeKey{a: strings.ToLower(city), b: strings.ToLower(strings.TrimSpace(ev.Country))}
	ids, ok := p.cities[ck]
	if !ok {
		cityID, countryID, err := repo.GetOrCreateCityAndCountry(ctx, city, strings.TrimSpace(ev.Country))
		if err != nil {
			return nil, fmt.Errorf("resolve city %q: %w", city, err)
		}
		ids = [2]int64{cityID, countryID}
		p.cities[ck] = ids
	}
	vk := venueKey{name: strings.ToLower(venue), cityID: ids[0]}
	id, ok := p.venues[vk]
	if !ok {
		var err error
		id, err = repo.GetOrCreateVenue(ctx, venue, ids[0], ids[1])
		if err != nil {
			return nil, fmt.Errorf("resolve venue %q: %w", venue, err)
		}
		p.venues[vk] = id
	}
	return &id, nil
}
