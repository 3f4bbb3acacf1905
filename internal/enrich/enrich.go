// Package enrich visits detail pages with a bounded pool of browser tabs and
// augments listing stubs with detail-only fields.
package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/event-catalog-crawler/internal/browser"
	"github.com/JakeFAU/event-catalog-crawler/internal/challenge"
	"github.com/JakeFAU/event-catalog-crawler/internal/event"
	"github.com/JakeFAU/event-catalog-crawler/internal/listing"
	"github.com/JakeFAU/event-catalog-crawler/internal/metrics"
	"github.com/JakeFAU/event-catalog-crawler/internal/source"
)

// ErrRedirected marks a detail page that landed outside the source.
var ErrRedirected = errors.New("unexpected redirect")

// Tab is a browser tab owned by one worker.
type Tab interface {
	challenge.Page
	Navigate(ctx context.Context, url string) (browser.Response, error)
	Close()
}

// Opener opens tabs on the shared browser session.
type Opener interface {
	NewPage(ctx context.Context) (Tab, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context) (Tab, error)

// NewPage calls f.
func (f OpenerFunc) NewPage(ctx context.Context) (Tab, error) { return f(ctx) }

// Report holds enriched records in input order plus the dropped items.
type Report struct {
	Records []event.EnrichedRecord
	Skipped []event.Skip
}

// Config tunes the enricher.
type Config struct {
	// PageTimeout bounds one detail page, challenges included.
	PageTimeout time.Duration
	// DefaultConcurrency applies when a source sets no limit.
	DefaultConcurrency int
}

// Enricher fans detail fetches out over a bounded pool.
type Enricher struct {
	cfg      Config
	opener   Opener
	resolver listing.ChallengeResolver
	logger   *zap.Logger
}

// New builds an Enricher.
func New(cfg Config, opener Opener, resolver listing.ChallengeResolver, logger *zap.Logger) *Enricher {
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 90 * time.Second
	}
	if cfg.DefaultConcurrency <= 0 {
		cfg.DefaultConcurrency = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enricher{cfg: cfg, opener: opener, resolver: resolver, logger: logger}
}

type outcome struct {
	record event.EnrichedRecord
	skip   *event.Skip
}

// Enrich visits every stub's detail page with at most
// d.MaxConcurrentDetailFetches tabs open. Failed items are dropped and
// reported; they never abort siblings.
func (e *Enricher) Enrich(ctx context.Context, d source.Descriptor, stubs []event.RawStub) Report {
	if len(stubs) == 0 {
		return Report{}
	}
	limit := d.MaxConcurrentDetailFetches
	if limit <= 0 {
		limit = e.cfg.DefaultConcurrency
	}
	if limit > len(stubs) {
		limit = len(stubs)
	}
	results := make([]outcome, len(stubs))
	jobs := make(chan int)
	log := e.logger.With(zap.String("source", d.Name))

	var g errgroup.Group
	g.SetLimit(limit)
	for w := 0; w < limit; w++ {
		g.Go(func() error {
			e.work(ctx, d, log, stubs, jobs, results)
			return nil
		})
	}
	go func() {
		defer close(jobs)
		for i := range stubs {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()
	_ = g.Wait() // workers never return errors

	var rep Report
	for i, r := range results {
		switch {
		case r.skip != nil:
			rep.Skipped = append(rep.Skipped, *r.skip)
		case r.record.Link != "":
			rep.Records = append(rep.Records, r.record)
		default:
			rep.Skipped = append(rep.Skipped, event.Skip{Reason: event.SkipCanceled, Ref: stubs[i].Link})
		}
	}
	for reason, n := range event.SkipCounts(rep.Skipped) {
		metrics.ObserveSkip(d.Name, string(reason), n)
	}
	log.Info("detail enrichment complete",
		zap.Int("stubs", len(stubs)),
		zap.Int("records", len(rep.Records)),
		zap.Int("skipped", len(rep.Skipped)),
		zap.Int("workers", limit),
	)
	return rep
}

// work processes jobs on one tab until the channel closes, reopening the tab
// when an earlier open failed.
func (e *Enricher) work(
	ctx context.Context,
	d source.Descriptor,
	log *zap.Logger,
	stubs []event.RawStub,
	jobs <-chan int,
	results []outcome,
) {
	var tab Tab
	defer func() {
		if tab != nil {
			tab.Close()
		}
	}()
	for i := range jobs {
		stub := stubs[i]
		// A failed open only costs the job in hand; the next job tries again.
		if tab == nil {
			t, err := e.opener.NewPage(ctx)
			if err != nil {
				log.Error("open detail tab", zap.Error(err))
				results[i] = skipped(event.SkipNavigation, stub.Link, err)
				continue
			}
			tab = t
		}
		rec, reason, err := e.enrichOne(ctx, tab, d, stub)
		if err != nil {
			if ctx.Err() != nil {
				reason = event.SkipCanceled
			}
			log.Warn("detail page dropped",
				zap.String("link", stub.Link),
				zap.String("reason", string(reason)),
				zap.Error(err),
			)
			results[i] = skipped(reason, stub.Link, err)
			continue
		}
		results[i] = outcome{record: rec}
	}
}

func skipped(reason event.SkipReason, ref string, err error) outcome {
	return outcome{skip: &event.Skip{Reason: reason, Ref: ref, Detail: err.Error()}}
}

func (e *Enricher) enrichOne(
	ctx context.Context,
	tab Tab,
	d source.Descriptor,
	stub event.RawStub,
) (event.EnrichedRecord, event.SkipReason, error) {
	metrics.IncEnrichInFlight()
	defer metrics.DecEnrichInFlight()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.PageTimeout)
	defer cancel()

	resp, err := tab.Navigate(ctx, stub.Link)
	if err != nil {
		metrics.ObservePage(d.Name, "detail", "failed")
		return event.EnrichedRecord{}, event.SkipNavigation, fmt.Errorf("navigate: %w", err)
	}
	if err := checkRedirect(d, resp.URL); err != nil {
		metrics.ObservePage(d.Name, "detail", "redirected")
		metrics.ObserveRedirect(d.Name, resp.URL)
		return event.EnrichedRecord{}, event.SkipRedirected, err
	}
	if e.resolver != nil {
		if _, err := e.resolver.Resolve(ctx, tab, d.Name, detailMarkers(d)); err != nil {
			metrics.ObservePage(d.Name, "detail", "challenge")
			return event.EnrichedRecord{}, event.SkipChallenge, err
		}
	}
	html, err := tab.HTML(ctx)
	if err != nil {
		return event.EnrichedRecord{}, event.SkipNavigation, fmt.Errorf("read detail html: %w", err)
	}
	sel := d.Selectors
	if sel.More != "" && hasElement(html, sel.More) {
		if err := tab.Click(ctx, sel.More); err != nil {
			e.logger.Debug("expand description", zap.String("link", stub.Link), zap.Error(err))
		} else if expanded, err := tab.HTML(ctx); err == nil {
			html = expanded
		}
	}
	rec, err := ParseDetail(html, d, stub)
	if err != nil {
		return event.EnrichedRecord{}, event.SkipNavigation, err
	}
	metrics.ObservePage(d.Name, "detail", "ok")
	return rec, "", nil
}

func detailMarkers(d source.Descriptor) challenge.Markers {
	content := d.Selectors.DetailContent
	if content == "" {
		content = d.Selectors.Description
	}
	if content == "" {
		content = "h1"
	}
	return challenge.DefaultMarkers(content)
}

// checkRedirect rejects a final URL outside the source's hosts or on an error page.
func checkRedirect(d source.Descriptor, final string) error {
	if final == "" {
		return nil
	}
	u, err := url.Parse(final)
	if err != nil {
		return fmt.Errorf("%w: unparsable location %q", ErrRedirected, final)
	}
	if len(d.AllowedHosts) > 0 && !d.AllowsHost(u.Hostname()) {
		return fmt.Errorf("%w: landed on %s", ErrRedirected, final)
	}
	if strings.Contains(strings.ToLower(u.Path), "error") {
		return fmt.Errorf("%w: error page %s", ErrRedirected, final)
	}
	return nil
}

// ParseDetail reads detail-only fields from a rendered detail page.
func ParseDetail(html string, d source.Descriptor, stub event.RawStub) (event.EnrichedRecord, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return event.EnrichedRecord{}, fmt.Errorf("parse detail html: %w", err)
	}
	sel := d.Selectors
	rec := event.EnrichedRecord{RawStub: stub}
	if sel.Performer != "" {
		seen := make(map[string]struct{})
		doc.Find(sel.Performer).Each(func(_ int, s *goquery.Selection) {
			name := clean(s.Text())
			if name == "" {
				return
			}
			if _, dup := seen[name]; dup {
				return
			}
			seen[name] = struct{}{}
			rec.PerformerTags = append(rec.PerformerTags, name)
		})
	}
	if sel.Description != "" {
		rec.Description = clean(doc.Find(sel.Description).First().Text())
	}
	if sel.PriceMax != "" {
		rec.PriceMax = listing.ParsePrice(doc.Find(sel.PriceMax).First().Text())
	}
	if sel.TicketCount != "" {
		rec.TicketCount = listing.ParsePrice(doc.Find(sel.TicketCount).First().Text())
	}
	return rec, nil
}

func hasElement(html, selector string) bool {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return false
	}
	return doc.Find(selector).Length() > 0
}

func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
