package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-catalog-crawler/internal/ingest"
	"github.com/JakeFAU/event-catalog-crawler/internal/metrics"
	"github.com/JakeFAU/event-catalog-crawler/internal/source"
)

// Runner starts source runs.
type Runner interface {
	Sources() []source.Descriptor
	Start(ctx context.Context, name string) (string, <-chan ingest.RunReport, error)
	Active(name string) (string, bool)
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Options configures a Server.
type Options struct {
	// APIKey, when set, is required on every /v1 request.
	APIKey string
	// Checks run on /readyz.
	Checks []Check
	// RequestTimeout bounds synchronous handlers.
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the ingestion runner.
type Server struct {
	router chi.Router
	runner Runner
	opts   Options
	base   context.Context
	logger *zap.Logger

	mu   sync.RWMutex
	runs map[string]*runView
	wg   sync.WaitGroup
}

type runView struct {
	RunID  string            `json:"run_id"`
	Source string            `json:"source"`
	State  string            `json:"state"`
	Report *ingest.RunReport `json:"report,omitempty"`
}

// NewServer constructs a Server with middleware and routes. Background runs
// inherit base, so canceling it interrupts them.
func NewServer(base context.Context, runner Runner, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	s := &Server{
		runner: runner,
		opts:   opts,
		base:   base,
		logger: logger.Named("api"),
		runs:   make(map[string]*runView),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/sources", s.listSources)
		r.Post("/sources/{name}/runs", s.startRun)
		r.Get("/runs/{run_id}", s.getRun)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Wait blocks until every background run started by this server has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	failed := map[string]string{}
	for _, c := range s.opts.Checks {
		if err := c.Fn(r.Context()); err != nil {
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type sourceView struct {
	Name        string   `json:"name"`
	Mode        string   `json:"mode"`
	City        string   `json:"city,omitempty"`
	Country     string   `json:"country,omitempty"`
	EventType   string   `json:"event_type,omitempty"`
	MaxPages    int      `json:"max_pages"`
	NeedsDetail bool     `json:"needs_detail"`
	Hosts       []string `json:"allowed_hosts"`
	ActiveRun   string   `json:"active_run,omitempty"`
}

func (s *Server) listSources(w http.ResponseWriter, _ *http.Request) {
	descs := s.runner.Sources()
	out := make([]sourceView, 0, len(descs))
	for _, d := range descs {
		v := sourceView{
			Name:        d.Name,
			Mode:        string(d.Mode),
			City:        d.City,
			Country:     d.Country,
			EventType:   d.EventType,
			MaxPages:    d.MaxPages,
			NeedsDetail: d.NeedsDetail,
			Hosts:       d.AllowedHosts,
		}
		if id, ok := s.runner.Active(d.Name); ok {
			v.ActiveRun = id
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	runID, done, err := s.runner.Start(s.base, name)
	switch {
	case errors.Is(err, source.ErrUnknownSource):
		writeError(w, http.StatusNotFound, err.Error())
		return
	case errors.Is(err, ingest.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	view := &runView{RunID: runID, Source: name, State: "running"}
	s.mu.Lock()
	s.runs[runID] = view
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rep, ok := <-done
		s.mu.Lock()
		defer s.mu.Unlock()
		view.State = "finished"
		if ok {
			view.Report = &rep
			view.State = rep.Status
		}
	}()
	s.logger.Info("run started via api", zap.String("source", name), zap.String("run_id", runID))
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "source": name})
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "run_id")
	s.mu.RLock()
	view, ok := s.runs[id]
	var cp runView
	if ok {
		cp = *view
	}
	s.mu.RUnlock()
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("X-API-Key") != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
