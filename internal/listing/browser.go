package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-catalog-crawler/internal/challenge"
	"github.com/JakeFAU/event-catalog-crawler/internal/event"
	"github.com/JakeFAU/event-catalog-crawler/internal/source"
)

// ErrNoResolver is returned when a browser source is walked without a resolver.
var ErrNoResolver = errors.New("listing: no challenge resolver")

func (f *Fetcher) browse(ctx context.Context, page Navigator, d source.Descriptor) (Result, error) {
	if f.resolver == nil {
		return Result{}, ErrNoResolver
	}
	markers := challenge.DefaultMarkers(d.Selectors.ListContent)
	if d.Selectors.ListContent == "" {
		markers = markers.WithContent(d.Selectors.Card)
	}
	return f.walk(ctx, d, "list", func(ctx context.Context, n int, url string) ([]event.RawStub, []event.Skip, error) {
		if _, err := page.Navigate(ctx, url); err != nil {
			return nil, []event.Skip{{Reason: event.SkipNavigation, Ref: url, Detail: err.Error()}}, err
		}
		if _, err := f.resolver.Resolve(ctx, page, d.Name, markers); err != nil {
			return nil, []event.Skip{{Reason: event.SkipChallenge, Ref: url, Detail: err.Error()}}, err
		}
		html, err := page.HTML(ctx)
		if err != nil {
			return nil, []event.Skip{{Reason: event.SkipNavigation, Ref: url, Detail: err.Error()}}, err
		}
		stubs, skips, err := ExtractCards(html, d)
		for _, s := range skips {
			f.logger.Warn("malformed card skipped",
				zap.String("source", d.Name),
				zap.Int("page", n),
				zap.String("ref", s.Ref),
				zap.String("detail", s.Detail),
			)
		}
		return stubs, skips, err
	})
}

// ExtractCards reads item cards from a rendered listing page. Cards without
// a title or link become malformed-card skips.
func ExtractCards(html string, d source.Descriptor) ([]event.RawStub, []event.Skip, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, nil, fmt.Errorf("parse listing html: %w", err)
	}
	sel := d.Selectors
	var (
		stubs []event.RawStub
		skips []event.Skip
	)
	doc.Find(sel.Card).Each(func(i int, card *goquery.Selection) {
		title := text(pick(card, sel.Title))
		href, _ := pick(card, sel.Link).Attr("href")
		link := d.AbsoluteLink(href)
		if title == "" || link == "" {
			skips = append(skips, event.Skip{
				Reason: event.SkipMalformedCard,
				Ref:    fmt.Sprintf("card %d", i),
				Detail: fmt.Sprintf("title=%q link=%q", title, link),
			})
			return
		}
		stub := event.RawStub{
			Title:    title,
			DateText: text(pick(card, sel.Date)),
			Venue:    text(pick(card, sel.Venue)),
			Link:     link,
		}
		if sel.Price != "" {
			stub.PriceMin = ParsePrice(text(pick(card, sel.Price)))
		}
		stubs = append(stubs, stub)
	})
	return stubs, skips, nil
}

// pick finds selector under card, matching the card itself as a fallback.
func pick(card *goquery.Selection, selector string) *goquery.Selection {
	if selector == "" {
		return card.Slice(0, 0)
	}
	if found := card.Find(selector); found.Length() > 0 {
		return found.First()
	}
	if card.Is(selector) {
		return card
	}
	return card.Slice(0, 0)
}

func text(s *goquery.Selection) string {
	return strings.Join(strings.Fields(s.Text()), " ")
}
