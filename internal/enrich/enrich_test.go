package enrich

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-catalog-crawler/internal/browser/browsertest"
	"github.com/JakeFAU/event-catalog-crawler/internal/challenge"
	"github.com/JakeFAU/event-catalog-crawler/internal/event"
	"github.com/JakeFAU/event-catalog-crawler/internal/source"
)

// countingResolver records how many detail pages are being worked on at once.
type countingResolver struct {
	delay time.Duration
	fail  map[string]bool

	mu      sync.Mutex
	current int
	max     int
}

func (r *countingResolver) Resolve(ctx context.Context, page challenge.Page, _ string, _ challenge.Markers) (challenge.Outcome, error) {
	r.mu.Lock()
	r.current++
	if r.current > r.max {
		r.max = r.current
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.current--
		r.mu.Unlock()
	}()
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	loc, _ := page.Location(ctx)
	if r.fail[loc] {
		return challenge.Outcome{Final: challenge.Failed}, challenge.ErrUnresolved
	}
	return challenge.Outcome{Final: challenge.ContentReady}, nil
}

func (r *countingResolver) Max() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.max
}

func detailDescriptor(limit int) source.Descriptor {
	return source.Descriptor{
		Name:                       "afisha",
		Mode:                       source.ModeBrowser,
		URLTemplate:                "https://afisha.example/list?page={page}",
		AllowedHosts:               []string{"afisha.example"},
		MaxConcurrentDetailFetches: limit,
		NeedsDetail:                true,
		Selectors: source.Selectors{
			DetailContent: "h1",
			Performer:     "a.person",
			More:          "button.more",
			Description:   "div.description",
			PriceMax:      "span.max",
			TicketCount:   "span.count",
		},
	}
}

func detailURL(i int) string {
	return fmt.Sprintf("https://afisha.example/event/%d", i)
}

func detailHTML(i int) string {
	return fmt.Sprintf(`<html><body><h1>Event %d</h1>
		<a class="person">Imagine Dragons</a><a class="person"> Imagine  Dragons </a><a class="person">OneRepublic</a>
		<div class="description">Short</div>
		<span class="max">до 5 000 ₽</span><span class="count">Осталось 12 билетов</span>
	</body></html>`, i)
}

func stubs(n int) []event.RawStub {
	out := make([]event.RawStub, n)
	for i := range out {
		out[i] = event.RawStub{Title: fmt.Sprintf("Event %d", i), Link: detailURL(i)}
	}
	return out
}

func opener(b *browsertest.Browser) Opener {
	return OpenerFunc(func(ctx context.Context) (Tab, error) {
		p, err := b.NewPage(ctx)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}

func TestEnrichBoundsConcurrency(t *testing.T) {
	site := &browsertest.Site{Pages: map[string]string{}}
	for i := 0; i < 20; i++ {
		site.Pages[detailURL(i)] = detailHTML(i)
	}
	b := browsertest.NewBrowser(site)
	r := &countingResolver{delay: 10 * time.Millisecond}
	e := New(Config{}, opener(b), r, zap.NewNop())

	rep := e.Enrich(context.Background(), detailDescriptor(5), stubs(20))

	require.Len(t, rep.Records, 20)
	require.Empty(t, rep.Skipped)
	require.LessOrEqual(t, r.Max(), 5)
	require.GreaterOrEqual(t, r.Max(), 1)
	require.LessOrEqual(t, b.MaxOpen(), 5)
	require.Zero(t, b.Open(), "every tab is closed")
	for i, rec := range rep.Records {
		require.Equal(t, detailURL(i), rec.Link, "records keep input order")
	}
}

func TestEnrichReadsDetailFields(t *testing.T) {
	site := &browsertest.Site{
		Pages: map[string]string{detailURL(0): detailHTML(0)},
		Expanded: map[string]string{
			detailURL(0): `<html><body><h1>Event</h1><div class="description">Full   story
				of the show</div></body></html>`,
		},
	}
	site.Pages[detailURL(0)] = `<html><body><h1>Event</h1><a class="person">Artist</a>
		<div class="description">Short</div><button class="more">ещё</button>
		<span class="max">до 5 000 ₽</span><span class="count">Осталось 12 билетов</span></body></html>`
	b := browsertest.NewBrowser(site)
	e := New(Config{}, opener(b), &countingResolver{}, zap.NewNop())

	rep := e.Enrich(context.Background(), detailDescriptor(2), stubs(1))
	require.Len(t, rep.Records, 1)
	rec := rep.Records[0]
	require.Equal(t, "Full story of the show", rec.Description)
	require.Empty(t, rec.PerformerTags, "expanded document replaces the original")
}

func TestParseDetail(t *testing.T) {
	stub := event.RawStub{Title: "Show", Link: detailURL(1)}
	rec, err := ParseDetail(detailHTML(1), detailDescriptor(1), stub)
	require.NoError(t, err)
	require.Equal(t, stub, rec.RawStub)
	require.Equal(t, []string{"Imagine Dragons", "OneRepublic"}, rec.PerformerTags)
	require.Equal(t, "Short", rec.Description)
	require.Equal(t, 5000, *rec.PriceMax)
	require.Equal(t, 12, *rec.TicketCount)

	d := detailDescriptor(1)
	d.Selectors = source.Selectors{}
	rec, err = ParseDetail(detailHTML(1), d, stub)
	require.NoError(t, err)
	require.Nil(t, rec.PerformerTags)
	require.Nil(t, rec.PriceMax)
	require.Nil(t, rec.TicketCount)
}

func TestEnrichDropsFailedItemsOnly(t *testing.T) {
	site := &browsertest.Site{
		Pages: map[string]string{
			detailURL(0):                            detailHTML(0),
			detailURL(2):                            detailHTML(2),
			detailURL(3):                            detailHTML(3),
			"https://elsewhere.example/promo":       "<html><h1>promo</h1></html>",
			"https://afisha.example/error?code=404": "<html><h1>oops</h1></html>",
		},
		Redirects: map[string]string{
			detailURL(1): "https://elsewhere.example/promo",
			detailURL(4): "https://afisha.example/error?code=404",
		},
	}
	site.Pages[detailURL(5)] = detailHTML(5)
	r := &countingResolver{fail: map[string]bool{detailURL(3): true}}
	e := New(Config{}, opener(browsertest.NewBrowser(site)), r, zap.NewNop())

	in := stubs(7) // detailURL(6) is not served
	rep := e.Enrich(context.Background(), detailDescriptor(3), in)

	require.Len(t, rep.Records, 3)
	require.Equal(t, detailURL(0), rep.Records[0].Link)
	require.Equal(t, detailURL(2), rep.Records[1].Link)
	require.Equal(t, detailURL(5), rep.Records[2].Link)

	counts := event.SkipCounts(rep.Skipped)
	require.Equal(t, 2, counts[event.SkipRedirected])
	require.Equal(t, 1, counts[event.SkipChallenge])
	require.Equal(t, 1, counts[event.SkipNavigation])
}

func TestEnrichOpenFailure(t *testing.T) {
	failing := OpenerFunc(func(context.Context) (Tab, error) {
		return nil, fmt.Errorf("browser gone")
	})
	e := New(Config{}, failing, nil, zap.NewNop())
	rep := e.Enrich(context.Background(), detailDescriptor(2), stubs(3))
	require.Empty(t, rep.Records)
	require.Equal(t, 3, event.SkipCounts(rep.Skipped)[event.SkipNavigation])
}

func TestEnrichRetriesOpenOnNextJob(t *testing.T) {
	site := &browsertest.Site{Pages: map[string]string{}}
	for i := 0; i < 3; i++ {
		site.Pages[detailURL(i)] = detailHTML(i)
	}
	b := browsertest.NewBrowser(site)
	var calls atomic.Int32
	flaky := OpenerFunc(func(ctx context.Context) (Tab, error) {
		if calls.Add(1) == 1 {
			return nil, fmt.Errorf("tab crashed")
		}
		return opener(b).NewPage(ctx)
	})
	e := New(Config{}, flaky, &countingResolver{}, zap.NewNop())

	rep := e.Enrich(context.Background(), detailDescriptor(1), stubs(3))
	require.Len(t, rep.Records, 2)
	require.Len(t, rep.Skipped, 1)
	require.Equal(t, event.SkipNavigation, rep.Skipped[0].Reason)
	require.Equal(t, detailURL(0), rep.Skipped[0].Ref)
	require.Equal(t, int32(2), calls.Load(), "one failed open, one tab reused afterwards")
	require.Zero(t, b.Open())
}

func TestEnrichCanceled(t *testing.T) {
	site := &browsertest.Site{Pages: map[string]string{detailURL(0): detailHTML(0)}, Latency: time.Second}
	e := New(Config{}, opener(browsertest.NewBrowser(site)), &countingResolver{}, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rep := e.Enrich(ctx, detailDescriptor(2), stubs(4))
	require.Empty(t, rep.Records)
	require.Equal(t, 4, event.SkipCounts(rep.Skipped)[event.SkipCanceled])
}

func TestEnrichEmpty(t *testing.T) {
	e := New(Config{}, nil, nil, zap.NewNop())
	require.Equal(t, Report{}, e.Enrich(context.Background(), detailDescriptor(2), nil))
}

func TestCheckRedirect(t *testing.T) {
	d := detailDescriptor(1)
	require.NoError(t, checkRedirect(d, detailURL(1)))
	require.NoError(t, checkRedirect(d, ""))
	require.ErrorIs(t, checkRedirect(d, "https://other.example/x"), ErrRedirected)
	require.ErrorIs(t, checkRedirect(d, "https://afisha.example/Error/500"), ErrRedirected)
}
