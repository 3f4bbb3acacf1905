package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/event-catalog-crawler/internal/challenge"
)

// Response is what the main document navigation returned.
type Response struct {
	Status int
	URL    string
}

// Page is one browser tab.
type Page struct {
	tabCtx        context.Context
	cancel        context.CancelFunc
	release       func()
	navTimeout    time.Duration
	actionTimeout time.Duration
	meta          *responseMeta
	closeOnce     sync.Once
}

var _ challenge.Page = (*Page)(nil)

// Close closes the tab and frees its slot.
func (p *Page) Close() {
	p.closeOnce.Do(func() {
		p.cancel()
		p.release()
	})
}

// Navigate loads rawURL and waits for the body to be ready.
func (p *Page) Navigate(ctx context.Context, rawURL string) (Response, error) {
	p.meta.reset()
	var final string
	err := p.run(ctx, p.navTimeout,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&final),
	)
	if err != nil {
		return Response{}, fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	return p.meta.snapshot(rawURL, final), nil
}

// HTML returns the current DOM.
func (p *Page) HTML(ctx context.Context) (string, error) {
	var html string
	if err := p.run(ctx, p.actionTimeout, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("read html: %w", err)
	}
	return html, nil
}

// Location returns the current URL.
func (p *Page) Location(ctx context.Context) (string, error) {
	var u string
	if err := p.run(ctx, p.actionTimeout, chromedp.Location(&u)); err != nil {
		return "", fmt.Errorf("read location: %w", err)
	}
	return u, nil
}

// Exists reports whether selector matches an element right now, without waiting.
func (p *Page) Exists(ctx context.Context, selector string) (bool, error) {
	var found bool
	expr := fmt.Sprintf(`document.querySelector(%s) !== null`, jsString(selector))
	if err := p.run(ctx, p.actionTimeout, chromedp.Evaluate(expr, &found)); err != nil {
		return false, fmt.Errorf("query %s: %w", selector, err)
	}
	return found, nil
}

// Click performs a real pointer click on the first visible match.
func (p *Page) Click(ctx context.Context, selector string) error {
	if err := p.run(ctx, p.actionTimeout, chromedp.Click(selector, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return fmt.Errorf("click %s: %w", selector, err)
	}
	return nil
}

// JSClick clicks through script so overlays cannot intercept the event.
func (p *Page) JSClick(ctx context.Context, selector string) error {
	var clicked bool
	expr := fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return false; el.click(); return true; })()`, jsString(selector))
	if err := p.run(ctx, p.actionTimeout, chromedp.Evaluate(expr, &clicked)); err != nil {
		return fmt.Errorf("js click %s: %w", selector, err)
	}
	if !clicked {
		return fmt.Errorf("js click %s: element not found", selector)
	}
	return nil
}

// SetValue assigns an input value, including hidden inputs.
func (p *Page) SetValue(ctx context.Context, selector, value string) error {
	var ok bool
	expr := fmt.Sprintf(`(() => { const el = document.querySelector(%s); if (!el) return false; el.value = %s; el.dispatchEvent(new Event('input', {bubbles: true})); return true; })()`,
		jsString(selector), jsString(value))
	if err := p.run(ctx, p.actionTimeout, chromedp.Evaluate(expr, &ok)); err != nil {
		return fmt.Errorf("set value %s: %w", selector, err)
	}
	if !ok {
		return fmt.Errorf("set value %s: element not found", selector)
	}
	return nil
}

// Submit submits the form matched by formSelector.
func (p *Page) Submit(ctx context.Context, formSelector string) error {
	if err := p.run(ctx, p.actionTimeout, chromedp.Submit(formSelector, chromedp.ByQuery)); err != nil {
		return fmt.Errorf("submit %s: %w", formSelector, err)
	}
	return nil
}

// Text returns the visible text of the first match.
func (p *Page) Text(ctx context.Context, selector string) (string, error) {
	var text string
	if err := p.run(ctx, p.actionTimeout, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
		return "", fmt.Errorf("text %s: %w", selector, err)
	}
	return text, nil
}

// ElementScreenshot captures a PNG cropped to the first match.
func (p *Page) ElementScreenshot(ctx context.Context, selector string) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, p.actionTimeout, chromedp.Screenshot(selector, &buf, chromedp.ByQuery, chromedp.NodeVisible)); err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", selector, err)
	}
	return buf, nil
}

// BoundingBox returns the viewport rectangle of the first match.
func (p *Page) BoundingBox(ctx context.Context, selector string) (challenge.Rect, error) {
	var rect struct {
		Found  bool    `json:"found"`
		X      float64 `json:"x"`
		Y      float64 `json:"y"`
		Width  float64 `json:"width"`
		Height float64 `json:"height"`
	}
	expr := fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return {found: false, x: 0, y: 0, width: 0, height: 0};
		const r = el.getBoundingClientRect();
		return {found: true, x: r.left, y: r.top, width: r.width, height: r.height};
	})()`, jsString(selector))
	if err := p.run(ctx, p.actionTimeout, chromedp.Evaluate(expr, &rect)); err != nil {
		return challenge.Rect{}, fmt.Errorf("bounding box %s: %w", selector, err)
	}
	if !rect.Found {
		return challenge.Rect{}, fmt.Errorf("bounding box %s: element not found", selector)
	}
	return challenge.Rect{X: rect.X, Y: rect.Y, Width: rect.Width, Height: rect.Height}, nil
}

// ClickAt dispatches a mouse click at viewport coordinates.
func (p *Page) ClickAt(ctx context.Context, x, y float64) error {
	if err := p.run(ctx, p.actionTimeout, chromedp.MouseClickXY(x, y)); err != nil {
		return fmt.Errorf("click at %.0f,%.0f: %w", x, y, err)
	}
	return nil
}

// Screenshot captures the whole page.
func (p *Page) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, p.actionTimeout, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, fmt.Errorf("full screenshot: %w", err)
	}
	return buf, nil
}

func (p *Page) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithTimeout(p.tabCtx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		return err
	}
	return nil
}

func jsString(s string) string {
	b, err := json.Marshal(s)
	if err != nil {
		return `""`
	}
	return string(b)
}

type responseMeta struct {
	mu     sync.RWMutex
	status int
	url    string
}

func newResponseMeta() *responseMeta {
	return &responseMeta{}
}

func (m *responseMeta) reset() {
	m.mu.Lock()
	m.status = 0
	m.url = ""
	m.mu.Unlock()
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.url = resp.Response.URL
	m.mu.Unlock()
}

func (m *responseMeta) snapshot(requestURL, finalURL string) Response {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := Response{Status: m.status, URL: m.url}
	switch {
	case finalURL != "":
		out.URL = finalURL
	case out.URL == "":
		out.URL = requestURL
	}
	if out.Status == 0 {
		out.Status = http.StatusOK
	}
	return out
}
