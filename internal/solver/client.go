// Package solver talks to the external captcha-solving service.
//
// The service follows a submit/poll contract: a task is submitted and a job
// id comes back, then the job is polled at a fixed interval until a result
// is available or the poll budget runs out.
package solver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/dghubble/sling"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-catalog-crawler/internal/metrics"
)

var (
	// ErrNotReady is returned by Poll while the job is still being solved.
	ErrNotReady = errors.New("solver job not ready")
	// ErrExhausted is returned by Await when the poll budget runs out.
	ErrExhausted = errors.New("solver poll budget exhausted")
)

const notReady = "CAPCHA_NOT_READY"

// Kind selects the payload shape of a task.
type Kind string

// Supported task kinds.
const (
	KindToken Kind = "token"
	KindGrid  Kind = "grid"
)

// Task is one challenge handed to the solver.
type Task struct {
	Kind         Kind
	SiteKey      string
	PageURL      string
	Image        []byte
	Instructions []byte
}

// Config controls the solver client.
type Config struct {
	BaseURL      string
	APIKey       string
	PollInterval time.Duration
	MaxPolls     int
	Timeout      time.Duration
	HTTPClient   *http.Client
}

// Client submits tasks and polls for their results.
type Client struct {
	cfg    Config
	base   *sling.Sling
	logger *zap.Logger
}

type tokenForm struct {
	Key     string `url:"key"`
	Method  string `url:"method"`
	SiteKey string `url:"sitekey"`
	PageURL string `url:"pageurl"`
	JSON    int    `url:"json"`
}

type pollQuery struct {
	Key    string `url:"key"`
	Action string `url:"action"`
	ID     string `url:"id"`
	JSON   int    `url:"json"`
}

type apiResponse struct {
	Status  int             `json:"status"`
	Request json.RawMessage `json:"request"`
}

// New builds a Client. Zero poll settings fall back to 5s x 24.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("solver base url is required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 24
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := strings.TrimSuffix(cfg.BaseURL, "/") + "/"
	return &Client{
		cfg:    cfg,
		base:   sling.New().Client(httpClient).Base(base),
		logger: logger.Named("solver"),
	}, nil
}

// Submit posts a task and returns the solver job id.
func (c *Client) Submit(ctx context.Context, task Task) (string, error) {
	key := c.cfg.APIKey
	if key == "" {
		return "", fmt.Errorf("solver api key is required")
	}
	var (
		req *http.Request
		err error
	)
	switch task.Kind {
	case KindToken:
		if task.SiteKey == "" {
			return "", fmt.Errorf("token task requires a site key")
		}
		req, err = c.base.New().Post("in.php").BodyForm(tokenForm{
			Key:     key,
			Method:  "yandex",
			SiteKey: task.SiteKey,
			PageURL: task.PageURL,
			JSON:    1,
		}).Request()
	case KindGrid:
		if len(task.Image) == 0 {
			return "", fmt.Errorf("grid task requires an image")
		}
		req, err = c.gridRequest(key, task)
	default:
		return "", fmt.Errorf("unsupported task kind %q", task.Kind)
	}
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}

	id, err := c.do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("submit %s task: %w", task.Kind, err)
	}
	c.logger.Debug("task submitted", zap.String("kind", string(task.Kind)), zap.String("job_id", id))
	return id, nil
}

// Poll fetches the current state of a job. It returns ErrNotReady while the
// job is pending.
func (c *Client) Poll(ctx context.Context, jobID string) (string, error) {
	req, err := c.base.New().Get("res.php").QueryStruct(pollQuery{
		Key:    c.cfg.APIKey,
		Action: "get",
		ID:     jobID,
		JSON:   1,
	}).Request()
	if err != nil {
		return "", fmt.Errorf("build poll request: %w", err)
	}
	result, err := c.do(ctx, req)
	if err != nil {
		return "", fmt.Errorf("poll job %s: %w", jobID, err)
	}
	return result, nil
}

// Await polls a job at the configured interval until it is solved, fails, or
// the poll budget is spent.
func (c *Client) Await(ctx context.Context, jobID string) (string, error) {
	if err := sleep(ctx, c.cfg.PollInterval); err != nil {
		return "", err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.PollInterval), uint64(c.cfg.MaxPolls-1)),
		ctx,
	)
	var result string
	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		r, err := c.Poll(ctx, jobID)
		switch {
		case errors.Is(err, ErrNotReady):
			metrics.ObserveSolverPoll("not_ready")
			return err
		case err != nil:
			metrics.ObserveSolverPoll("error")
			return backoff.Permanent(err)
		}
		metrics.ObserveSolverPoll("solved")
		result = r
		return nil
	}, policy)
	if err != nil {
		if errors.Is(err, ErrNotReady) {
			return "", fmt.Errorf("%w: job %s after %d polls", ErrExhausted, jobID, attempts)
		}
		return "", err
	}
	return result, nil
}

func (c *Client) gridRequest(key string, task Task) (*http.Request, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := map[string]string{
		"key":    key,
		"method": "grid",
		"json":   "1",
	}
	for name, value := range fields {
		if err := w.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("write field %s: %w", name, err)
		}
	}
	if err := writeFile(w, "file", "challenge.png", task.Image); err != nil {
		return nil, err
	}
	if len(task.Instructions) > 0 {
		if err := writeFile(w, "imginstructions", "instructions.png", task.Instructions); err != nil {
			return nil, err
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close multipart body: %w", err)
	}
	return c.base.New().
		Post("in.php").
		Set("Content-Type", w.FormDataContentType()).
		Body(&body).
		Request()
}

func (c *Client) do(ctx context.Context, req *http.Request) (string, error) {
	var resp apiResponse
	httpResp, err := c.base.Do(req.WithContext(ctx), &resp, nil)
	if err != nil {
		return "", err
	}
	if httpResp.StatusCode >= http.StatusBadRequest {
		return "", fmt.Errorf("unexpected status %d", httpResp.StatusCode)
	}
	value, err := requestValue(resp.Request)
	if err != nil {
		return "", err
	}
	if resp.Status != 1 {
		if value == notReady {
			return "", ErrNotReady
		}
		return "", fmt.Errorf("solver error: %s", value)
	}
	return value, nil
}

// WithAPIKey returns a copy of the client using key, for sources that carry
// their own solver credentials. An empty key returns c unchanged.
func (c *Client) WithAPIKey(key string) *Client {
	if key == "" || key == c.cfg.APIKey {
		return c
	}
	cp := *c
	cp.cfg.APIKey = key
	return &cp
}

// requestValue flattens the "request" field. Coordinate answers may arrive as
// a list of {x, y} objects and are rendered as "x=..,y=..;x=..,y=..".
func requestValue(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var points []map[string]any
	if err := json.Unmarshal(raw, &points); err != nil {
		return "", fmt.Errorf("decode solver request field: %w", err)
	}
	parts := make([]string, 0, len(points))
	for _, p := range points {
		parts = append(parts, fmt.Sprintf("x=%v,y=%v", p["x"], p["y"]))
	}
	return strings.Join(parts, ";"), nil
}

func writeFile(w *multipart.Writer, field, name string, data []byte) error {
	part, err := w.CreateFormFile(field, name)
	if err != nil {
		return fmt.Errorf("create form file %s: %w", field, err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write form file %s: %w", field, err)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("solver wait canceled: %w", ctx.Err())
	}
}
