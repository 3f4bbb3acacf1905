// Package entity decides which performer or competitor names an event is
// associated with.
package entity

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-catalog-crawler/internal/event"
)

var defaultCompetitionCategories = []string{
	"спорт", "sport", "хоккей", "hockey", "футбол", "football", "баскетбол", "basketball", "волейбол", "volleyball",
}

// Config tunes the Resolver.
type Config struct {
	// CompetitionCategories are category substrings treated as competitions.
	CompetitionCategories []string
	// ExtractTimeout bounds a single extraction call.
	ExtractTimeout time.Duration
}

// Resolver picks entity names for an enriched record.
type Resolver struct {
	cfg       Config
	extractor Extractor
	lexicon   *Lexicon
	logger    *zap.Logger
}

// NewResolver builds a Resolver. extractor and lexicon are optional.
func NewResolver(cfg Config, extractor Extractor, lexicon *Lexicon, logger *zap.Logger) *Resolver {
	if len(cfg.CompetitionCategories) == 0 {
		cfg.CompetitionCategories = defaultCompetitionCategories
	}
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{cfg: cfg, extractor: extractor, lexicon: lexicon, logger: logger}
}

// Resolve returns canonical entity names for rec, trying in order: the
// record's performer tags, competitors extracted from the title for
// competition categories, performers extracted from the description, and
// finally the title itself. Extraction failures fall back to the title.
func (r *Resolver) Resolve(ctx context.Context, rec event.EnrichedRecord, category string) []string {
	names := NewSet(rec.PerformerTags...)
	if names.Len() > 0 {
		return names.Names()
	}

	switch {
	case r.IsCompetition(category):
		names.Add(r.extract(ctx, PromptCompetitors, rec.Title)...)
	case strings.TrimSpace(rec.Description) != "":
		names.Add(r.extract(ctx, PromptPerformers, rec.Description)...)
	}
	names.Add(r.lexicon.Match(rec.Title)...)

	if names.Len() == 0 {
		names.Add(rec.Title)
	}
	return names.Names()
}

// IsCompetition reports whether category names a sport or competition.
func (r *Resolver) IsCompetition(category string) bool {
	c := Canonicalize(category)
	if c == "" {
		return false
	}
	for _, k := range r.cfg.CompetitionCategories {
		if strings.Contains(c, Canonicalize(k)) {
			return true
		}
	}
	return false
}

func (r *Resolver) extract(ctx context.Context, kind PromptKind, text string) []string {
	if r.extractor == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.ExtractTimeout)
	defer cancel()
	names, err := r.extractor.Extract(ctx, kind, text)
	if err != nil {
		r.logger.Warn("entity extraction failed, using fallback",
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
		return nil
	}
	return names
}
