package ingest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-catalog-crawler/internal/browser/browsertest"
	"github.com/JakeFAU/event-catalog-crawler/internal/catalog"
	"github.com/JakeFAU/event-catalog-crawler/internal/challenge"
	"github.com/JakeFAU/event-catalog-crawler/internal/clock/system"
	"github.com/JakeFAU/event-catalog-crawler/internal/enrich"
	"github.com/JakeFAU/event-catalog-crawler/internal/entity"
	"github.com/JakeFAU/event-catalog-crawler/internal/id/uuid"
	"github.com/JakeFAU/event-catalog-crawler/internal/listing"
	pubmemory "github.com/JakeFAU/event-catalog-crawler/internal/publisher/memory"
	"github.com/JakeFAU/event-catalog-crawler/internal/runlock"
	"github.com/JakeFAU/event-catalog-crawler/internal/source"
	"github.com/JakeFAU/event-catalog-crawler/internal/storage/memory"
)

type testBrowser struct {
	*browsertest.Browser

	mu       sync.Mutex
	closed   bool
	launches int
}

func (b *testBrowser) NewPage(ctx context.Context) (enrich.Tab, error) {
	p, err := b.Browser.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (b *testBrowser) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *testBrowser) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *testBrowser) launcher() Launcher {
	return func(context.Context) (Browser, error) {
		b.mu.Lock()
		b.launches++
		b.mu.Unlock()
		return b, nil
	}
}

type failingStore struct{}

func (failingStore) InTx(context.Context, func(catalog.Repository) error) error {
	return errors.New("database unavailable")
}

func afishaDescriptor() source.Descriptor {
	return source.Descriptor{
		Name:        "afisha",
		Mode:        source.ModeBrowser,
		URLTemplate: "https://afisha.example/list?page={page}",
		MaxPages:    5,
		NeedsDetail: true,
		Country:     "Беларусь",
		EventType:   "Концерт",
		Selectors: source.Selectors{
			Card:          "div.card",
			Link:          "a.link",
			Title:         "h2",
			Date:          "span.date",
			Venue:         "span.venue",
			Price:         "span.price",
			DetailContent: "h1",
			Performer:     "a.person",
			Description:   "div.description",
			TicketCount:   "span.count",
		},
	}
}

type card struct {
	link, title, date, venue string
}

var afishaCards = []card{
	{"/event/1", "Imagine Dragons", "28 июня 2025, 19:00", "Минск-Арена, Минск"},
	{"/event/2", "Летний фестиваль", "1 июля 2025", "Ледовый дворец, Гродно"},
	{"/event/3", "Музей сна", "Постоянно", "Галерея"},
}

func listingHTML(cards []card) string {
	var b strings.Builder
	b.WriteString("<html><body>")
	for _, c := range cards {
		fmt.Fprintf(&b, `<div class="card"><a class="link" href="%s"><h2>%s</h2></a>`+
			`<span class="date">%s</span><span class="venue">%s</span><span class="price">от 50 руб.</span></div>`,
			c.link, c.title, c.date, c.venue)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func afishaSite() *browsertest.Site {
	site := &browsertest.Site{Pages: map[string]string{
		"https://afisha.example/list?page=1": listingHTML(afishaCards),
		"https://afisha.example/list?page=2": listingHTML(afishaCards),
	}}
	performers := map[string]string{
		"/event/1": `<a class="person">Imagine Dragons</a>`,
		"/event/2": `<a class="person">IMAGINE DRAGONS</a><a class="person">OneRepublic</a>`,
		"/event/3": ``,
	}
	for path, chips := range performers {
		site.Pages["https://afisha.example"+path] = fmt.Sprintf(
			`<html><body><h1>Event</h1>%s<div class="description">Text</div><span class="count">12</span></body></html>`, chips)
	}
	return site
}

type harness struct {
	runner  *Runner
	store   *memory.CatalogStore
	pub     *pubmemory.Publisher
	browser *testBrowser
}

func newHarness(t *testing.T, store catalog.Store, locker *runlock.Locker, descs ...source.Descriptor) *harness {
	t.Helper()
	reg, err := source.New(descs...)
	require.NoError(t, err)

	mem := memory.NewCatalogStore()
	if store == nil {
		store = mem
	}
	h := &harness{
		store:   mem,
		pub:     pubmemory.New(),
		browser: &testBrowser{Browser: browsertest.NewBrowser(afishaSite())},
	}
	challenges := challenge.NewResolver(challenge.Config{
		WaitTimeout:  50 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, nil, nil, nil, zap.NewNop())

	h.runner, err = NewRunner(Config{
		Listing:    listing.Config{MinDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond},
		Enrich:     enrich.Config{PageTimeout: time.Second},
		Normalizer: NewNormalizer(minsk, "", ""),
	}, Deps{
		Registry:   reg,
		Challenges: challenges,
		Entities:   entity.NewResolver(entity.Config{}, nil, nil, zap.NewNop()),
		Engine:     catalog.NewEngine(store, catalog.IsolationBatch, zap.NewNop()),
		Locker:     locker,
		Launcher:   h.browser.launcher(),
		Publisher:  h.pub,
		IDs:        uuid.New(),
		Clock:      system.NewFixed(time.Date(2025, 6, 1, 7, 0, 0, 0, time.UTC)),
	}, zap.NewNop())
	require.NoError(t, err)
	return h
}

func TestRunSourceEndToEnd(t *testing.T) {
	h := newHarness(t, nil, nil, afishaDescriptor())
	ctx := context.Background()

	rep, err := h.runner.RunSource(ctx, "afisha")
	require.NoError(t, err)
	require.Equal(t, StatusSucceeded, rep.Status)
	require.NotEmpty(t, rep.RunID)
	require.Equal(t, 2, rep.Pages)
	require.Equal(t, string(listing.StopNoNewLinks), rep.StopReason)
	require.Equal(t, 3, rep.Listed)
	require.Equal(t, 3, rep.Enriched)
	require.Equal(t, 2, rep.Normalized)
	require.Equal(t, 2, rep.Created)
	require.Equal(t, 0, rep.Patched)
	require.Equal(t, map[string]int{"no_date": 1}, rep.Skipped)

	require.True(t, h.browser.Closed())
	require.Equal(t, 0, h.browser.Open())

	events := h.store.Events()
	require.Len(t, events, 2)
	entities := h.store.Entities()
	require.Len(t, entities, 2)
	require.Contains(t, entities, "imagine dragons")
	require.Contains(t, entities, "onerepublic")

	again, err := h.runner.RunSource(ctx, "afisha")
	require.NoError(t, err)
	require.Equal(t, 0, again.Created)
	require.Equal(t, 2, again.Patched)
	require.NotEqual(t, rep.RunID, again.RunID)
	require.Len(t, h.store.Events(), 2)

	msgs := h.pub.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, ReportTopic, msgs[0].Topic)
	require.Equal(t, "afisha", msgs[0].Attributes["source"])
	var published RunReport
	require.NoError(t, msgs[0].Decode(&published))
	require.Equal(t, rep.RunID, published.RunID)
	require.Equal(t, 2, published.Created)
}

func TestRunSourceEmbeddedNeedsNoBrowser(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") != "1" {
			fmt.Fprint(w, "<html></html>")
			return
		}
		fmt.Fprint(w, `<script>window.events = [
			{"title": "Ляпис 98", "date": "28 июня 2025, 19:00", "venue": "Минск-Арена", "link": "/e/1"}
		];</script>`)
	}))
	defer srv.Close()

	d := source.Descriptor{
		Name:        "kvitki",
		Mode:        source.ModeEmbeddedJSON,
		URLTemplate: srv.URL + "/list?page={page}",
		JSONPattern: `window\.events\s*=\s*(\[.*?\]);`,
		JSONKeys:    source.JSONKeys{Title: "title", Date: "date", Venue: "venue", Link: "link"},
		City:        "Минск",
	}
	h := newHarness(t, nil, nil, d)

	rep, err := h.runner.RunSource(context.Background(), "kvitki")
	require.NoError(t, err)
	require.Equal(t, 1, rep.Created)
	require.Equal(t, string(listing.StopEmptyPage), rep.StopReason)
	require.Zero(t, h.browser.launches)

	events := h.store.Events()
	require.Len(t, events, 1)
	require.Equal(t, "Ляпис 98", events[0].Title)
	require.Contains(t, h.store.Entities(), "ляпис 98")
}

func TestRunSourceReportsMergeFailure(t *testing.T) {
	h := newHarness(t, failingStore{}, nil, afishaDescriptor())

	rep, err := h.runner.RunSource(context.Background(), "afisha")
	require.ErrorContains(t, err, "database unavailable")
	require.Equal(t, StatusFailed, rep.Status)
	require.Contains(t, rep.Error, "merge")

	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, StatusFailed, msgs[0].Attributes["status"])
	_, busy := h.runner.Active("afisha")
	require.False(t, busy)
}

func TestRunSourceHonorsDistributedLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	locker := runlock.New(client, "", time.Minute)
	h := newHarness(t, nil, locker, afishaDescriptor())
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "afisha", "other-process")
	require.NoError(t, err)

	_, err = h.runner.RunSource(ctx, "afisha")
	require.ErrorIs(t, err, ErrBusy)
	require.Empty(t, h.pub.Messages())
	require.Zero(t, h.browser.launches)

	require.NoError(t, held.Release(ctx))
	rep, err := h.runner.RunSource(ctx, "afisha")
	require.NoError(t, err)
	require.Equal(t, 2, rep.Created)
	require.False(t, mr.Exists("eventcrawler:lock:afisha"))
}

func TestStartRejectsOverlappingRun(t *testing.T) {
	h := newHarness(t, nil, nil, afishaDescriptor())
	h.browser.Site.Latency = 20 * time.Millisecond
	ctx := context.Background()

	id, done, err := h.runner.Start(ctx, "afisha")
	require.NoError(t, err)
	active, ok := h.runner.Active("afisha")
	require.True(t, ok)
	require.Equal(t, id, active)

	_, err = h.runner.RunSource(ctx, "afisha")
	require.ErrorIs(t, err, ErrBusy)

	select {
	case rep := <-done:
		require.Equal(t, id, rep.RunID)
		require.Equal(t, StatusSucceeded, rep.Status)
	case <-time.After(10 * time.Second):
		t.Fatal("background run did not finish")
	}
	_, ok = h.runner.Active("afisha")
	require.False(t, ok)
}

func TestRunAllContinuesAfterFailure(t *testing.T) {
	broken := afishaDescriptor()
	broken.Name = "broken"
	broken.URLTemplate = "https://missing.example/list?page={page}"
	h := newHarness(t, nil, nil, broken, afishaDescriptor())

	reports, err := h.runner.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, reports, 2)
	require.Equal(t, "broken", reports[0].Source)
	require.Zero(t, reports[0].Created)
	require.Equal(t, 2, reports[0].Skipped["navigation_failed"])
	require.Equal(t, 2, reports[1].Created)
}

func TestRunSourceUnknown(t *testing.T) {
	h := newHarness(t, nil, nil, afishaDescriptor())
	_, err := h.runner.RunSource(context.Background(), "nope")
	require.ErrorIs(t, err, source.ErrUnknownSource)
}

func TestNewRunnerValidatesDeps(t *testing.T) {
	_, err := NewRunner(Config{}, Deps{}, nil)
	require.Error(t, err)
}
