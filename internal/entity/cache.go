package entity

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-catalog-crawler/internal/hash/sha256"
)

// CachedExtractor memoizes another Extractor in Redis. Cache failures fall
// through to the wrapped extractor.
type CachedExtractor struct {
	next   Extractor
	client redis.Cmdable
	ttl    time.Duration
	prefix string
	hasher *sha256.Hasher
	logger *zap.Logger
}

// NewCachedExtractor wraps next. A zero ttl keeps entries forever.
func NewCachedExtractor(next Extractor, client redis.Cmdable, prefix string, ttl time.Duration, logger *zap.Logger) *CachedExtractor {
	if prefix == "" {
		prefix = "eventcrawler:entities"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedExtractor{
		next:   next,
		client: client,
		ttl:    ttl,
		prefix: prefix,
		hasher: sha256.New(),
		logger: logger,
	}
}

// Extract returns cached names for (kind, text) or asks the wrapped extractor
// and stores the answer. Errors are never cached.
func (c *CachedExtractor) Extract(ctx context.Context, kind PromptKind, text string) ([]string, error) {
	key := c.prefix + ":" + c.hasher.Key(string(kind), text)

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var names []string
		if jsonErr := json.Unmarshal(raw, &names); jsonErr == nil {
			return names, nil
		}
		c.logger.Warn("discarding corrupt cache entry", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("entity cache read failed", zap.Error(err))
	}

	names, err := c.next.Extract(ctx, kind, text)
	if err != nil {
		return nil, err
	}
	if names == nil {
		names = []string{}
	}
	payload, err := json.Marshal(names)
	if err != nil {
		return names, nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.Warn("entity cache write failed", zap.Error(err))
	}
	return names, nil
}
