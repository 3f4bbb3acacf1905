package entity

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dghubble/sling"
	"go.uber.org/zap"
)

// GeminiConfig configures the generateContent client.
type GeminiConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// GeminiExtractor asks a Gemini model to isolate names.
type GeminiExtractor struct {
	cfg    GeminiConfig
	base   *sling.Sling
	logger *zap.Logger
}

type keyQuery struct {
	Key string `url:"key"`
}

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

type apiError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

// NewGeminiExtractor builds a GeminiExtractor.
func NewGeminiExtractor(cfg GeminiConfig, logger *zap.Logger) (*GeminiExtractor, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://generativelanguage.googleapis.com/v1beta/"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-flash"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GeminiExtractor{
		cfg:    cfg,
		base:   sling.New().Client(client).Base(strings.TrimSuffix(cfg.BaseURL, "/") + "/"),
		logger: logger.Named("gemini"),
	}, nil
}

// Extract sends one generateContent request and splits the answer.
func (g *GeminiExtractor) Extract(ctx context.Context, kind PromptKind, text string) ([]string, error) {
	prompt, err := Prompt(kind, text)
	if err != nil {
		return nil, err
	}
	req, err := g.base.New().
		Post("models/"+g.cfg.Model+":generateContent").
		QueryStruct(keyQuery{Key: g.cfg.APIKey}).
		BodyJSON(generateRequest{Contents: []content{{Parts: []part{{Text: prompt}}}}}).
		Request()
	if err != nil {
		return nil, fmt.Errorf("build generateContent request: %w", err)
	}
	var (
		out    generateResponse
		failed apiError
	)
	resp, err := g.base.Do(req.WithContext(ctx), &out, &failed)
	if err != nil {
		return nil, fmt.Errorf("generateContent: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, fmt.Errorf("generateContent: status %d: %s", resp.StatusCode, failed.Error.Message)
	}
	var answer strings.Builder
	if len(out.Candidates) > 0 {
		for _, p := range out.Candidates[0].Content.Parts {
			answer.WriteString(p.Text)
		}
	}
	names := SplitNames(answer.String())
	g.logger.Debug("names extracted", zap.String("kind", string(kind)), zap.Int("names", len(names)))
	return names, nil
}
