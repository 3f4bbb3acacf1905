// Package browsertest provides an in-memory browser for exercising page
// driving code without Chrome.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/event-catalog-crawler/internal/browser"
	"github.com/JakeFAU/event-catalog-crawler/internal/challenge"
)

// ErrNotFound is returned when navigating to a URL the site does not serve.
var ErrNotFound = errors.New("browsertest: page not found")

// Site is a set of canned documents keyed by URL.
type Site struct {
	// Pages maps a URL to its rendered HTML.
	Pages map[string]string
	// Redirects maps a URL to the location the browser ends up at.
	Redirects map[string]string
	// Expanded maps a URL to the HTML shown after any click on that page.
	Expanded map[string]string
	// Latency delays every navigation.
	Latency time.Duration
}

// Browser opens pages against a Site and tracks how many are open at once.
type Browser struct {
	Site *Site

	mu          sync.Mutex
	open        int
	maxOpen     int
	navigations []string
}

// NewBrowser returns a Browser serving site.
func NewBrowser(site *Site) *Browser {
	return &Browser{Site: site}
}

// NewPage opens a tab.
func (b *Browser) NewPage(_ context.Context) (*Page, error) {
	b.mu.Lock()
	b.open++
	if b.open > b.maxOpen {
		b.maxOpen = b.open
	}
	b.mu.Unlock()
	return &Page{browser: b, site: b.Site}, nil
}

// MaxOpen reports the highest number of simultaneously open tabs.
func (b *Browser) MaxOpen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxOpen
}

// Open reports the number of currently open tabs.
func (b *Browser) Open() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Navigations returns every URL navigated to, in order.
func (b *Browser) Navigations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.navigations...)
}

// Page is a fake tab. It satisfies challenge.Page.
type Page struct {
	browser *Browser
	site    *Site

	mu       sync.Mutex
	location string
	html     string
	clicks   []string
	closed   bool
}

var _ challenge.Page = (*Page)(nil)

// NewPage returns a standalone tab serving site.
func NewPage(site *Site) *Page {
	return &Page{site: site}
}

// Close releases the tab.
func (p *Page) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	if p.browser != nil {
		p.browser.mu.Lock()
		p.browser.open--
		p.browser.mu.Unlock()
	}
}

// Navigate loads url from the site.
func (p *Page) Navigate(ctx context.Context, url string) (browser.Response, error) {
	if p.browser != nil {
		p.browser.mu.Lock()
		p.browser.navigations = append(p.browser.navigations, url)
		p.browser.mu.Unlock()
	}
	if p.site.Latency > 0 {
		t := time.NewTimer(p.site.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return browser.Response{}, ctx.Err()
		case <-t.C:
		}
	}
	final := url
	if to, ok := p.site.Redirects[url]; ok {
		final = to
	}
	html, ok := p.site.Pages[final]
	if !ok {
		return browser.Response{}, fmt.Errorf("%w: %s", ErrNotFound, final)
	}
	p.mu.Lock()
	p.location = final
	p.html = html
	p.mu.Unlock()
	return browser.Response{Status: 200, URL: final}, nil
}

// HTML returns the current document.
func (p *Page) HTML(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

// Location returns the current URL.
func (p *Page) Location(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.location, nil
}

// Clicks returns the selectors clicked on this tab.
func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

// Click records the click and swaps in the expanded document, if any.
func (p *Page) Click(_ context.Context, selector string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clicks = append(p.clicks, selector)
	if expanded, ok := p.site.Expanded[p.location]; ok {
		p.html = expanded
	}
	return nil
}

// JSClick behaves like Click.
func (p *Page) JSClick(ctx context.Context, selector string) error {
	return p.Click(ctx, selector)
}

// SetValue is a no-op.
func (p *Page) SetValue(context.Context, string, string) error { return nil }

// Submit is a no-op.
func (p *Page) Submit(context.Context, string) error { return nil }

// ElementScreenshot returns a fixed payload.
func (p *Page) ElementScreenshot(context.Context, string) ([]byte, error) {
	return []byte("element"), nil
}

// BoundingBox returns a fixed box.
func (p *Page) BoundingBox(context.Context, string) (challenge.Rect, error) {
	return challenge.Rect{Width: 100, Height: 100}, nil
}

// ClickAt is a no-op.
func (p *Page) ClickAt(context.Context, float64, float64) error { return nil }

// Screenshot returns a fixed payload.
func (p *Page) Screenshot(context.Context) ([]byte, error) {
	return []byte("page"), nil
}
