package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/event-catalog-crawler/internal/event"
	"github.com/JakeFAU/event-catalog-crawler/internal/source"
)

func (f *Fetcher) fetchEmbedded(ctx context.Context, d source.Descriptor) (Result, error) {
	pattern, err := regexp.Compile(`(?s)` + d.JSONPattern)
	if err != nil {
		return Result{}, fmt.Errorf("source %s: compile json_pattern: %w", d.Name, err)
	}
	base := colly.NewCollector(colly.Async(false))
	base.AllowURLRevisit = true
	base.SetRequestTimeout(f.cfg.HTTPTimeout)
	if f.cfg.UserAgent != "" {
		base.UserAgent = f.cfg.UserAgent
	}

	return f.walk(ctx, d, "embedded", func(ctx context.Context, _ int, url string) ([]event.RawStub, []event.Skip, error) {
		body, err := visit(ctx, base.Clone(), url)
		if err != nil {
			return nil, []event.Skip{{Reason: event.SkipNavigation, Ref: url, Detail: err.Error()}}, err
		}
		return DecodeEmbedded(body, pattern, d)
	})
}

// visit GETs url with a cloned collector and returns the body. The request
// carries ctx, so cancellation aborts it in flight.
func visit(ctx context.Context, c *colly.Collector, url string) ([]byte, error) {
	c.Context = ctx
	var (
		body     []byte
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode >= http.StatusBadRequest {
			fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(url)
	}()
	select {
	case <-ctx.Done():
		<-done
		return nil, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case err := <-done:
		if fetchErr != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, fetchErr)
		}
		if err != nil {
			return nil, fmt.Errorf("visit %s: %w", url, err)
		}
		return body, nil
	}
}

// DecodeEmbedded extracts the JSON array captured by pattern's first group
// and maps its objects to stubs. A page without a match has no cards.
func DecodeEmbedded(body []byte, pattern *regexp.Regexp, d source.Descriptor) ([]event.RawStub, []event.Skip, error) {
	m := pattern.FindSubmatch(body)
	if m == nil {
		return nil, nil, nil
	}
	raw := m[0]
	if len(m) > 1 {
		raw = m[1]
	}
	var items []map[string]any
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, nil, errors.Join(errors.New("decode embedded json"), err)
	}
	keys := d.JSONKeys
	var (
		stubs []event.RawStub
		skips []event.Skip
	)
	for i, item := range items {
		title := field(item, keys.Title)
		link := d.AbsoluteLink(field(item, keys.Link))
		if title == "" || link == "" {
			skips = append(skips, event.Skip{
				Reason: event.SkipMalformedCard,
				Ref:    fmt.Sprintf("item %d", i),
				Detail: fmt.Sprintf("title=%q link=%q", title, link),
			})
			continue
		}
		stub := event.RawStub{
			Title:    title,
			DateText: field(item, keys.Date),
			Venue:    field(item, keys.Venue),
			Link:     link,
		}
		if keys.Price != "" {
			stub.PriceMin = ParsePrice(field(item, keys.Price))
		}
		stubs = append(stubs, stub)
	}
	return stubs, skips, nil
}

func field(item map[string]any, key string) string {
	if key == "" {
		return ""
	}
	switch v := item[key].(type) {
	case string:
		return strings.Join(strings.Fields(v), " ")
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}
