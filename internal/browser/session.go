// Package browser owns the headless Chrome session shared by one ingestion run.
//
// A Session is started once per run and closed on every exit path. Each
// worker opens its own Page (a tab); tabs are never shared between workers.
package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/go-rod/stealth"
	"go.uber.org/zap"
)

// ErrSessionClosed is returned when a page is requested from a closed session.
var ErrSessionClosed = errors.New("browser session closed")

// Config controls the browser session.
type Config struct {
	Headless          bool
	UserAgent         string
	NavigationTimeout time.Duration
	ActionTimeout     time.Duration
	// Stealth injects evasion patches into every new document.
	Stealth bool
	// MaxTabs bounds concurrently open pages; zero means unbounded.
	MaxTabs      int
	ExecPath     string
	WindowWidth  int
	WindowHeight int
}

// Session is a run-scoped browser.
type Session struct {
	cfg           Config
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabs          chan struct{}
	logger        *zap.Logger
	closeOnce     sync.Once
	closed        chan struct{}
}

// NewSession starts a browser bound to ctx. Canceling ctx tears the browser down.
func NewSession(ctx context.Context, cfg Config, logger *zap.Logger) (*Session, error) {
	cfg = withDefaults(cfg)
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxTabs < 0 {
		return nil, fmt.Errorf("max tabs must be >= 0")
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(ctx, allocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	var tabs chan struct{}
	if cfg.MaxTabs > 0 {
		tabs = make(chan struct{}, cfg.MaxTabs)
	}
	logger.Named("browser").Info("browser session started",
		zap.Bool("headless", cfg.Headless),
		zap.Bool("stealth", cfg.Stealth),
		zap.Int("max_tabs", cfg.MaxTabs),
	)
	return &Session{
		cfg:           cfg,
		allocCancel:   allocCancel,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		tabs:          tabs,
		logger:        logger.Named("browser"),
		closed:        make(chan struct{}),
	}, nil
}

// Close shuts the browser down. It is safe to call more than once.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.closeOnce.Do(func() {
		close(s.closed)
		s.browserCancel()
		s.allocCancel()
		s.logger.Info("browser session closed")
	})
}

// NewPage opens a tab. The caller must Close it.
func (s *Session) NewPage(ctx context.Context) (*Page, error) {
	select {
	case <-s.closed:
		return nil, ErrSessionClosed
	default:
	}
	release, err := s.acquireTab(ctx)
	if err != nil {
		return nil, err
	}

	tabCtx, tabCancel := chromedp.NewContext(s.browserCtx)
	p := &Page{
		tabCtx:        tabCtx,
		cancel:        tabCancel,
		release:       release,
		navTimeout:    s.cfg.NavigationTimeout,
		actionTimeout: s.cfg.ActionTimeout,
		meta:          newResponseMeta(),
	}
	chromedp.ListenTarget(tabCtx, p.meta.captureEvent)
	if err := p.run(ctx, s.cfg.ActionTimeout, s.setupActions()...); err != nil {
		p.Close()
		return nil, fmt.Errorf("prepare tab: %w", err)
	}
	return p, nil
}

func (s *Session) setupActions() []chromedp.Action {
	actions := []chromedp.Action{network.Enable()}
	if s.cfg.UserAgent != "" {
		actions = append(actions, emulation.SetUserAgentOverride(s.cfg.UserAgent))
	}
	if s.cfg.Stealth {
		actions = append(actions, chromedp.ActionFunc(func(ctx context.Context) error {
			if _, err := cdppage.AddScriptToEvaluateOnNewDocument(stealth.JS).Do(ctx); err != nil {
				return fmt.Errorf("inject stealth script: %w", err)
			}
			return nil
		}))
	}
	return actions
}

func (s *Session) acquireTab(ctx context.Context) (func(), error) {
	if s.tabs == nil {
		return func() {}, nil
	}
	select {
	case s.tabs <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-s.tabs }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire browser tab: %w", ctx.Err())
	}
}

func allocatorOptions(cfg Config) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if cfg.Headless {
		opts = append(opts, chromedp.Flag("headless", "new"))
	} else {
		opts = append(opts, chromedp.Flag("headless", false))
	}
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(cfg.WindowWidth, cfg.WindowHeight),
	)
	if cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(cfg.UserAgent))
	}
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}
	return opts
}

func withDefaults(cfg Config) Config {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 45 * time.Second
	}
	if cfg.ActionTimeout <= 0 {
		cfg.ActionTimeout = 15 * time.Second
	}
	if cfg.WindowWidth <= 0 {
		cfg.WindowWidth = 1366
	}
	if cfg.WindowHeight <= 0 {
		cfg.WindowHeight = 900
	}
	return cfg
}

// forwardCancel cancels the tab-scoped operation when the caller's context ends.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
