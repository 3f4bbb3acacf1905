// Package listing walks a source's paginated listing and turns item cards
// into raw stubs.
package listing

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-catalog-crawler/internal/browser"
	"github.com/JakeFAU/event-catalog-crawler/internal/challenge"
	"github.com/JakeFAU/event-catalog-crawler/internal/event"
	"github.com/JakeFAU/event-catalog-crawler/internal/metrics"
	"github.com/JakeFAU/event-catalog-crawler/internal/source"
)

// Navigator is a browser tab the fetcher can drive.
type Navigator interface {
	challenge.Page
	Navigate(ctx context.Context, url string) (browser.Response, error)
}

// ChallengeResolver clears anti-bot challenges on a loaded page.
type ChallengeResolver interface {
	Resolve(ctx context.Context, page challenge.Page, source string, markers challenge.Markers) (challenge.Outcome, error)
}

// StopReason records why pagination ended.
type StopReason string

// Stop reasons.
const (
	StopPageCap     StopReason = "page_cap"
	StopEmptyPage   StopReason = "empty_page"
	StopNoNewLinks  StopReason = "no_new_links"
	StopFailures    StopReason = "consecutive_failures"
	StopInterrupted StopReason = "interrupted"
)

// Result is the outcome of one listing walk.
type Result struct {
	Stubs   []event.RawStub
	Pages   int
	Stopped StopReason
	Skipped []event.Skip
}

// Config tunes pagination.
type Config struct {
	// MinDelay and MaxDelay bound the jittered pause between pages.
	MinDelay time.Duration
	MaxDelay time.Duration
	// MaxConsecutiveFailures stops the walk after this many aborted pages in a row.
	MaxConsecutiveFailures int
	// UserAgent and HTTPTimeout apply to static fetches.
	UserAgent   string
	HTTPTimeout time.Duration
}

// Fetcher walks listing pages.
type Fetcher struct {
	cfg      Config
	resolver ChallengeResolver
	logger   *zap.Logger
	now      func() time.Time
}

// New builds a Fetcher. resolver may be nil for sources that never use the browser.
func New(cfg Config, resolver ChallengeResolver, logger *zap.Logger) *Fetcher {
	if cfg.MinDelay <= 0 {
		cfg.MinDelay = 2 * time.Second
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay + 2*time.Second
	}
	if cfg.MaxConsecutiveFailures <= 0 {
		cfg.MaxConsecutiveFailures = 2
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{cfg: cfg, resolver: resolver, logger: logger, now: time.Now}
}

// Fetch walks the listing of d. page is required in browser mode and
// ignored otherwise.
func (f *Fetcher) Fetch(ctx context.Context, page Navigator, d source.Descriptor) (Result, error) {
	switch d.Mode {
	case source.ModeBrowser:
		if page == nil {
			return Result{}, fmt.Errorf("source %s: browser mode needs a page", d.Name)
		}
		return f.browse(ctx, page, d)
	case source.ModeEmbeddedJSON:
		return f.fetchEmbedded(ctx, d)
	default:
		return Result{}, fmt.Errorf("source %s: unsupported mode %q", d.Name, d.Mode)
	}
}

type pageFunc func(ctx context.Context, n int, url string) ([]event.RawStub, []event.Skip, error)

// walk drives the shared pagination loop and its stop rules. A pageFunc
// error aborts that page only.
func (f *Fetcher) walk(ctx context.Context, d source.Descriptor, kind string, fetchPage pageFunc) (Result, error) {
	var (
		res      Result
		seen     = make(map[string]struct{})
		failures int
		pacer    = newPacer(f.cfg.MinDelay, f.cfg.MaxDelay)
	)
	log := f.logger.With(zap.String("source", d.Name), zap.String("mode", string(d.Mode)))
	now := f.now()

	for n := 1; ; n++ {
		if n > d.MaxPages {
			res.Stopped = StopPageCap
			break
		}
		if n > 1 {
			if err := pacer.Wait(ctx); err != nil {
				res.Stopped = StopInterrupted
				return res, fmt.Errorf("pace listing page %d: %w", n, err)
			}
		}
		url := d.PageURL(n, now)
		stubs, skips, err := fetchPage(ctx, n, url)
		res.Pages++
		res.Skipped = append(res.Skipped, skips...)
		if err != nil {
			if ctx.Err() != nil {
				res.Stopped = StopInterrupted
				return res, fmt.Errorf("listing page %d: %w", n, ctx.Err())
			}
			metrics.ObservePage(d.Name, kind, "failed")
			failures++
			log.Warn("listing page aborted", zap.Int("page", n), zap.String("url", url), zap.Error(err))
			if failures >= f.cfg.MaxConsecutiveFailures {
				res.Stopped = StopFailures
				break
			}
			continue
		}
		failures = 0

		if len(stubs) == 0 && len(skips) == 0 {
			metrics.ObservePage(d.Name, kind, "empty")
			res.Stopped = StopEmptyPage
			break
		}
		fresh := 0
		for _, s := range stubs {
			if _, dup := seen[s.Link]; dup {
				continue
			}
			seen[s.Link] = struct{}{}
			res.Stubs = append(res.Stubs, s)
			fresh++
		}
		metrics.ObservePage(d.Name, kind, "ok")
		log.Debug("listing page parsed", zap.Int("page", n), zap.Int("cards", len(stubs)), zap.Int("new", fresh))
		if fresh == 0 {
			res.Stopped = StopNoNewLinks
			break
		}
	}
	log.Info("listing complete",
		zap.Int("pages", res.Pages),
		zap.Int("stubs", len(res.Stubs)),
		zap.Int("skipped", len(res.Skipped)),
		zap.String("stopped", string(res.Stopped)),
	)
	return res, nil
}
