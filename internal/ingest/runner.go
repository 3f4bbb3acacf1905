// Package ingest runs one source end to end: list, enrich, normalize,
// resolve entities, merge, report.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-catalog-crawler/internal/browser"
	"github.com/JakeFAU/event-catalog-crawler/internal/catalog"
	"github.com/JakeFAU/event-catalog-crawler/internal/challenge"
	"github.com/JakeFAU/event-catalog-crawler/internal/enrich"
	"github.com/JakeFAU/event-catalog-crawler/internal/entity"
	"github.com/JakeFAU/event-catalog-crawler/internal/event"
	"github.com/JakeFAU/event-catalog-crawler/internal/listing"
	"github.com/JakeFAU/event-catalog-crawler/internal/logging"
	"github.com/JakeFAU/event-catalog-crawler/internal/metrics"
	"github.com/JakeFAU/event-catalog-crawler/internal/runlock"
	"github.com/JakeFAU/event-catalog-crawler/internal/solver"
	"github.com/JakeFAU/event-catalog-crawler/internal/source"
)

// ErrBusy is returned when a run for the source is already in progress.
var ErrBusy = errors.New("source run already in progress")

// ReportTopic is the message kind attached to published run reports.
const ReportTopic = "run_report"

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Browser is a run-scoped browser handing out tabs.
type Browser interface {
	enrich.Opener
	Close()
}

// Launcher starts a browser for one run.
type Launcher func(ctx context.Context) (Browser, error)

// Publisher ships run reports.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any, attrs map[string]string) (string, error)
}

// IDGenerator names runs.
type IDGenerator interface {
	NewID() (string, error)
}

// Clock supplies the reference time for date parsing.
type Clock interface {
	Now() time.Time
}

// RunReport summarizes one source run.
type RunReport struct {
	RunID      string         `json:"run_id"`
	Source     string         `json:"source"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Pages      int            `json:"pages"`
	StopReason string         `json:"stop_reason,omitempty"`
	Listed     int            `json:"stubs_listed"`
	Enriched   int            `json:"records_enriched"`
	Normalized int            `json:"events_normalized"`
	Duplicates int            `json:"duplicates"`
	Created    int            `json:"created"`
	Patched    int            `json:"patched"`
	Entities   int            `json:"entities"`
	Skipped    map[string]int `json:"skipped"`
}

// Config tunes the runner.
type Config struct {
	Listing    listing.Config
	Enrich     enrich.Config
	Normalizer Normalizer
	// LockRefresh is how often a held run lock is extended.
	LockRefresh time.Duration
}

// Deps are the collaborators of a Runner. Solver, Locker, Launcher and
// Publisher may be nil.
type Deps struct {
	Registry   *source.Registry
	Challenges *challenge.Resolver
	Solver     *solver.Client
	Entities   *entity.Resolver
	Engine     *catalog.Engine
	Locker     *runlock.Locker
	Launcher   Launcher
	Publisher  Publisher
	IDs        IDGenerator
	Clock      Clock
}

// Runner executes source runs. At most one run per source is active.
type Runner struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu     sync.Mutex
	active map[string]string
}

// NewRunner validates deps and builds a Runner.
func NewRunner(cfg Config, deps Deps, logger *zap.Logger) (*Runner, error) {
	switch {
	case deps.Registry == nil:
		return nil, fmt.Errorf("runner: registry is required")
	case deps.Challenges == nil:
		return nil, fmt.Errorf("runner: challenge resolver is required")
	case deps.Entities == nil:
		return nil, fmt.Errorf("runner: entity resolver is required")
	case deps.Engine == nil:
		return nil, fmt.Errorf("runner: merge engine is required")
	case deps.IDs == nil || deps.Clock == nil:
		return nil, fmt.Errorf("runner: id generator and clock are required")
	}
	if cfg.LockRefresh <= 0 {
		cfg.LockRefresh = 10 * time.Minute
	}
	cfg.Normalizer = NewNormalizer(cfg.Normalizer.Location, cfg.Normalizer.DefaultCity, cfg.Normalizer.DefaultCategory)
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:    cfg,
		deps:   deps,
		logger: logger.Named("ingest"),
		active: make(map[string]string),
	}, nil
}

// Sources lists the registered source names.
func (r *Runner) Sources() []source.Descriptor {
	return r.deps.Registry.All()
}

// Active returns the run id of the in-process run of name, if any.
func (r *Runner) Active(name string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.active[name]
	return id, ok
}

type run struct {
	id      string
	d       source.Descriptor
	lease   *runlock.Lease
	started time.Time
}

// RunSource runs name to completion. The report is returned, and published,
// even when the run fails.
func (r *Runner) RunSource(ctx context.Context, name string) (RunReport, error) {
	rn, err := r.claim(ctx, name)
	if err != nil {
		return RunReport{Source: name}, err
	}
	return r.execute(ctx, rn)
}

// Start claims name and runs it in the background. The returned channel
// yields the report once the run finishes.
func (r *Runner) Start(ctx context.Context, name string) (string, <-chan RunReport, error) {
	rn, err := r.claim(ctx, name)
	if err != nil {
		return "", nil, err
	}
	done := make(chan RunReport, 1)
	go func() {
		defer close(done)
		rep, _ := r.execute(ctx, rn)
		done <- rep
	}()
	return rn.id, done, nil
}

// RunAll runs every registered source in order. Busy sources are skipped;
// other failures are collected and the loop continues.
func (r *Runner) RunAll(ctx context.Context) ([]RunReport, error) {
	var (
		reports []RunReport
		errs    []error
	)
	for _, name := range r.deps.Registry.Names() {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		rep, err := r.RunSource(ctx, name)
		switch {
		case errors.Is(err, ErrBusy):
			r.logger.Info("source busy, skipping", zap.String(logging.SourceKey, name))
			continue
		case err != nil:
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
		reports = append(reports, rep)
	}
	return reports, errors.Join(errs...)
}

// claim resolves the source and takes both the in-process and the
// distributed run lock.
func (r *Runner) claim(ctx context.Context, name string) (*run, error) {
	d, err := r.deps.Registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	id, err := r.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("new run id: %w", err)
	}

	r.mu.Lock()
	if holder, ok := r.active[d.Name]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s (run %s)", ErrBusy, d.Name, holder)
	}
	r.active[d.Name] = id
	r.mu.Unlock()

	rn := &run{id: id, d: d, started: r.deps.Clock.Now()}
	if r.deps.Locker != nil {
		lease, err := r.deps.Locker.Acquire(ctx, d.Name, id)
		if err != nil {
			r.unclaim(d.Name)
			if errors.Is(err, runlock.ErrLocked) {
				return nil, fmt.Errorf("%w: %s", ErrBusy, d.Name)
			}
			return nil, err
		}
		rn.lease = lease
	}
	return rn, nil
}

func (r *Runner) unclaim(name string) {
	r.mu.Lock()
	delete(r.active, name)
	r.mu.Unlock()
}

func (r *Runner) execute(ctx context.Context, rn *run) (RunReport, error) {
	log := logging.ForRun(r.logger, rn.d.Name, rn.id)
	defer r.unclaim(rn.d.Name)
	if rn.lease != nil {
		stop := r.keepAlive(ctx, rn.lease, log)
		defer func() {
			stop()
			if err := rn.lease.Release(context.WithoutCancel(ctx)); err != nil {
				log.Warn("release run lock", zap.Error(err))
			}
		}()
	}

	log.Info("run started", zap.String("mode", string(rn.d.Mode)))
	rep := RunReport{RunID: rn.id, Source: rn.d.Name, StartedAt: rn.started}
	var skipped []event.Skip
	err := r.pipeline(ctx, rn, &rep, &skipped, log)

	rep.FinishedAt = r.deps.Clock.Now()
	rep.Skipped = make(map[string]int)
	for reason, n := range event.SkipCounts(skipped) {
		rep.Skipped[string(reason)] = n
	}
	rep.Status = StatusSucceeded
	if err != nil {
		rep.Status = StatusFailed
		rep.Error = err.Error()
		log.Error("run failed", zap.Error(err))
	} else {
		log.Info("run finished",
			zap.Int("listed", rep.Listed),
			zap.Int("created", rep.Created),
			zap.Int("patched", rep.Patched),
			zap.Any("skipped", rep.Skipped),
		)
	}
	metrics.ObserveRun(rn.d.Name, rep.Status, rep.FinishedAt.Sub(rep.StartedAt))
	r.publish(ctx, rep, log)
	return rep, err
}

func (r *Runner) pipeline(ctx context.Context, rn *run, rep *RunReport, skipped *[]event.Skip, log *zap.Logger) error {
	d := rn.d
	resolver := r.deps.Challenges
	if r.deps.Solver != nil {
		resolver = resolver.WithSolver(r.deps.Solver.WithAPIKey(d.SolverAPIKey))
	}

	var (
		br  Browser
		tab enrich.Tab
	)
	if d.Mode == source.ModeBrowser {
		if r.deps.Launcher == nil {
			return fmt.Errorf("source %s needs a browser but none is configured", d.Name)
		}
		var err error
		br, err = r.deps.Launcher(ctx)
		if err != nil {
			return fmt.Errorf("launch browser: %w", err)
		}
		defer br.Close()
		tab, err = br.NewPage(ctx)
		if err != nil {
			return fmt.Errorf("open listing tab: %w", err)
		}
		defer tab.Close()
	}

	var nav listing.Navigator
	if tab != nil {
		nav = tab
	}
	listed, err := listing.New(r.cfg.Listing, resolver, log).Fetch(ctx, nav, d)
	rep.Pages = listed.Pages
	rep.StopReason = string(listed.Stopped)
	rep.Listed = len(listed.Stubs)
	*skipped = append(*skipped, listed.Skipped...)
	observeSkips(d.Name, listed.Skipped)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	records := make([]event.EnrichedRecord, 0, len(listed.Stubs))
	if d.NeedsDetail && br != nil {
		enriched := enrich.New(r.cfg.Enrich, br, resolver, log).Enrich(ctx, d, listed.Stubs)
		records = enriched.Records
		*skipped = append(*skipped, enriched.Skipped...)
	} else {
		for _, s := range listed.Stubs {
			records = append(records, event.EnrichedRecord{RawStub: s})
		}
	}
	rep.Enriched = len(records)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enrich: %w", err)
	}

	now := r.deps.Clock.Now()
	batch := make([]event.NormalizedEvent, 0, len(records))
	var undated []event.Skip
	for _, rec := range records {
		ev, err := r.cfg.Normalizer.Normalize(rec, d, now)
		if err != nil {
			undated = append(undated, event.Skip{Reason: event.SkipNoDate, Ref: rec.Link, Detail: err.Error()})
			continue
		}
		ev.Entities = r.deps.Entities.Resolve(ctx, rec, ev.Category)
		batch = append(batch, ev)
	}
	rep.Normalized = len(batch)
	*skipped = append(*skipped, undated...)
	observeSkips(d.Name, undated)

	merged, err := r.deps.Engine.Merge(ctx, batch)
	rep.Duplicates = merged.Duplicates
	rep.Created = merged.Created
	rep.Patched = merged.Patched
	rep.Entities = merged.Entities
	*skipped = append(*skipped, merged.Skipped...)
	observeSkips(d.Name, merged.Skipped)
	if err != nil {
		return fmt.Errorf("merge: %w", err)
	}
	metrics.ObserveMerge(d.Name, "created", merged.Created)
	metrics.ObserveMerge(d.Name, "patched", merged.Patched)
	metrics.ObserveMerge(d.Name, "duplicate", merged.Duplicates)
	return nil
}

// keepAlive extends lease until the returned stop func is called.
func (r *Runner) keepAlive(ctx context.Context, lease *runlock.Lease, log *zap.Logger) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.LockRefresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := lease.Extend(ctx); err != nil {
					log.Warn("extend run lock", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func (r *Runner) publish(ctx context.Context, rep RunReport, log *zap.Logger) {
	if r.deps.Publisher == nil {
		return
	}
	attrs := map[string]string{"source": rep.Source, "run_id": rep.RunID, "status": rep.Status}
	id, err := r.deps.Publisher.Publish(context.WithoutCancel(ctx), ReportTopic, rep, attrs)
	if err != nil {
		log.Warn("publish run report", zap.Error(err))
		return
	}
	log.Debug("run report published", zap.String("message_id", id))
}

func observeSkips(source string, skips []event.Skip) {
	for reason, n := range event.SkipCounts(skips) {
		metrics.ObserveSkip(source, string(reason), n)
	}
}

// ChromeLauncher starts a chromedp session per run.
func ChromeLauncher(cfg browser.Config, logger *zap.Logger) Launcher {
	return func(ctx context.Context) (Browser, error) {
		s, err := browser.NewSession(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return chromeBrowser{session: s}, nil
	}
}

type chromeBrowser struct {
	session *browser.Session
}

func (b chromeBrowser) NewPage(ctx context.Context) (enrich.Tab, error) {
	p, err := b.session.NewPage(ctx)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (b chromeBrowser) Close() { b.session.Close() }
