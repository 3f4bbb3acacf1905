// Package challenge detects and clears anti-bot defenses standing between a
// loaded page and its content.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-catalog-crawler/internal/metrics"
	"github.com/JakeFAU/event-catalog-crawler/internal/solver"
)

var (
	// ErrUnresolved wraps every terminal failure of the resolver.
	ErrUnresolved = errors.New("challenge unresolved")
	// ErrUnknownChallenge marks a blocked page whose challenge shape is not recognized.
	ErrUnknownChallenge = errors.New("unknown challenge")
	// ErrTimeout marks a page that showed neither content nor a challenge in time.
	ErrTimeout = errors.New("timed out waiting for content or challenge")
	// ErrNoSolver is returned when a challenge needs the solver but none is configured.
	ErrNoSolver = errors.New("no solver configured")
)

// Config tunes the resolver loop.
type Config struct {
	// MaxIterations bounds the number of detect/resolve rounds per page.
	MaxIterations int
	// WaitTimeout bounds how long one round waits for any known marker.
	WaitTimeout time.Duration
	// PollInterval is the DOM re-inspection interval while waiting.
	PollInterval time.Duration
	// SettleDelay is the pause after each resolution action.
	SettleDelay time.Duration
	// DiagnosticsPrefix is the blob path prefix for failure snapshots.
	DiagnosticsPrefix string
}

// Outcome describes one resolver run.
type Outcome struct {
	Final       State
	Path        []State
	Diagnostics []string
}

// Resolver clears challenges on a page until content shows up or it gives up.
type Resolver struct {
	cfg    Config
	solver Solver
	blobs  BlobStore
	ids    IDGenerator
	logger *zap.Logger
}

// NewResolver builds a Resolver. solver and blobs may be nil: token and grid
// challenges then fail, and failures are not snapshotted.
func NewResolver(cfg Config, s Solver, blobs BlobStore, ids IDGenerator, logger *zap.Logger) *Resolver {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 5
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.DiagnosticsPrefix == "" {
		cfg.DiagnosticsPrefix = "diagnostics"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		cfg:    cfg,
		solver: s,
		blobs:  blobs,
		ids:    ids,
		logger: logger.Named("challenge"),
	}
}

// WithSolver returns a copy of r that uses s.
func (r *Resolver) WithSolver(s Solver) *Resolver {
	cp := *r
	cp.solver = s
	return &cp
}

// Resolve drives page to ContentReady. On failure it captures a DOM and
// screenshot snapshot and returns an error wrapping ErrUnresolved; the caller
// should abandon this page only.
func (r *Resolver) Resolve(ctx context.Context, page Page, source string, markers Markers) (Outcome, error) {
	var out Outcome
	logger := r.logger.With(zap.String("source", source))

	for i := 0; i < r.cfg.MaxIterations; i++ {
		state, err := r.await(ctx, page, markers)
		out.Path = append(out.Path, state)
		metrics.ObserveChallenge(source, string(state))

		switch state {
		case ContentReady:
			out.Final = ContentReady
			if i > 0 {
				logger.Info("challenge cleared", zap.Int("rounds", i), zap.Any("path", out.Path))
			}
			return out, nil
		case Failed:
			if err == nil {
				err = ErrUnknownChallenge
			}
			return r.fail(ctx, page, source, &out, err)
		}

		logger.Debug("resolving challenge", zap.String("state", string(state)), zap.Int("round", i+1))
		if err := r.resolveState(ctx, page, state, markers); err != nil {
			return r.fail(ctx, page, source, &out, fmt.Errorf("%s: %w", state, err))
		}
		if err := pause(ctx, r.cfg.SettleDelay); err != nil {
			return r.fail(ctx, page, source, &out, err)
		}
	}
	return r.fail(ctx, page, source, &out, fmt.Errorf("retry budget of %d rounds exceeded", r.cfg.MaxIterations))
}

// await re-inspects the DOM until a known state shows up or WaitTimeout passes.
func (r *Resolver) await(ctx context.Context, page Page, markers Markers) (State, error) {
	deadline := time.Now().Add(r.cfg.WaitTimeout)
	for {
		html, err := page.HTML(ctx)
		if err != nil {
			return Failed, fmt.Errorf("read dom: %w", err)
		}
		if state := Detect(html, markers); state != Loading {
			return state, nil
		}
		if time.Now().After(deadline) {
			return Failed, ErrTimeout
		}
		if err := pause(ctx, r.cfg.PollInterval); err != nil {
			return Failed, err
		}
	}
}

func (r *Resolver) resolveState(ctx context.Context, page Page, state State, m Markers) error {
	switch state {
	case CookieBanner:
		return page.JSClick(ctx, m.CookieButton)
	case Checkbox:
		return page.Click(ctx, m.CheckboxTarget)
	case TokenChallenge:
		return r.resolveToken(ctx, page, m)
	case GridChallenge:
		return r.resolveGrid(ctx, page, m)
	default:
		return fmt.Errorf("no resolution for state %q", state)
	}
}

func (r *Resolver) resolveToken(ctx context.Context, page Page, m Markers) error {
	if r.solver == nil {
		return ErrNoSolver
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return fmt.Errorf("read dom: %w", err)
	}
	siteKey := SiteKey(html, m)
	if siteKey == "" {
		return fmt.Errorf("site key not found")
	}
	pageURL, err := page.Location(ctx)
	if err != nil {
		return fmt.Errorf("read location: %w", err)
	}
	jobID, err := r.solver.Submit(ctx, solver.Task{Kind: solver.KindToken, SiteKey: siteKey, PageURL: pageURL})
	if err != nil {
		return err
	}
	token, err := r.solver.Await(ctx, jobID)
	if err != nil {
		return err
	}
	if err := page.SetValue(ctx, m.TokenInput, token); err != nil {
		return fmt.Errorf("inject token: %w", err)
	}
	if err := page.Submit(ctx, m.TokenForm); err != nil {
		return fmt.Errorf("submit token form: %w", err)
	}
	return nil
}

func (r *Resolver) resolveGrid(ctx context.Context, page Page, m Markers) error {
	if r.solver == nil {
		return ErrNoSolver
	}
	html, err := page.HTML(ctx)
	if err != nil {
		return fmt.Errorf("read dom: %w", err)
	}
	imageSel, instructionSel := gridSelectors(html, m)
	image, err := page.ElementScreenshot(ctx, imageSel)
	if err != nil {
		return fmt.Errorf("capture puzzle: %w", err)
	}
	instructions, err := page.ElementScreenshot(ctx, instructionSel)
	if err != nil {
		r.logger.Debug("instruction icon not captured", zap.Error(err))
		instructions = nil
	}
	jobID, err := r.solver.Submit(ctx, solver.Task{Kind: solver.KindGrid, Image: image, Instructions: instructions})
	if err != nil {
		return err
	}
	answer, err := r.solver.Await(ctx, jobID)
	if err != nil {
		return err
	}
	points, err := ParseClickPoints(answer)
	if err != nil {
		return fmt.Errorf("parse solver answer: %w", err)
	}
	box, err := page.BoundingBox(ctx, imageSel)
	if err != nil {
		return fmt.Errorf("locate puzzle: %w", err)
	}
	for _, p := range points {
		if err := page.ClickAt(ctx, box.X+float64(p.X), box.Y+float64(p.Y)); err != nil {
			return fmt.Errorf("click %d,%d: %w", p.X, p.Y, err)
		}
	}
	if err := page.Click(ctx, m.GridSubmit); err != nil {
		return fmt.Errorf("submit grid: %w", err)
	}
	return nil
}

func (r *Resolver) fail(ctx context.Context, page Page, source string, out *Outcome, cause error) (Outcome, error) {
	out.Final = Failed
	if last := len(out.Path); last == 0 || out.Path[last-1] != Failed {
		out.Path = append(out.Path, Failed)
		metrics.ObserveChallenge(source, string(Failed))
	}
	out.Diagnostics = r.capture(ctx, page, source)
	r.logger.Warn("challenge failed",
		zap.String("source", source),
		zap.Any("path", out.Path),
		zap.Strings("diagnostics", out.Diagnostics),
		zap.Error(cause),
	)
	return *out, fmt.Errorf("%w: %w", ErrUnresolved, cause)
}

func pause(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait canceled: %w", ctx.Err())
	}
}
