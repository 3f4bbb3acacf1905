// Package event defines the typed records handed between ingestion stages.
package event

import (
	"strings"
	"time"
)

// RawStub is the minimal per-event data extracted from a listing page.
type RawStub struct {
	Title    string
	DateText string
	Venue    string
	PriceMin *int
	Link     string
}

// EnrichedRecord is a RawStub augmented with detail-page fields.
type EnrichedRecord struct {
	RawStub
	Description   string
	PerformerTags []string
	PriceMax      *int
	TicketCount   *int
}

// NormalizedEvent is the canonical record merged into the catalog.
type NormalizedEvent struct {
	Title       string
	Start       *time.Time
	End         *time.Time
	Venue       string
	City        string
	Country     string
	Category    string
	PriceMin    *int
	PriceMax    *int
	TicketsInfo string
	Link        string
	Entities    []string
}

// Signature is the natural key of a catalog event.
type Signature struct {
	Title string
	Start time.Time
}

// Signature returns the natural key of the event. The event must have a start.
func (e NormalizedEvent) Signature() Signature {
	var start time.Time
	if e.Start != nil {
		start = e.Start.UTC()
	}
	return Signature{Title: strings.TrimSpace(e.Title), Start: start}
}

// SkipReason explains why an item was dropped from a batch.
type SkipReason string

// Skip reasons reported across stages.
const (
	SkipMalformedCard SkipReason = "malformed_card"
	SkipChallenge     SkipReason = "challenge_unresolved"
	SkipNavigation    SkipReason = "navigation_failed"
	SkipRedirected    SkipReason = "redirected"
	SkipNoDate        SkipReason = "no_date"
	SkipCanceled      SkipReason = "canceled"
	SkipMergeFailed   SkipReason = "merge_failed"
)

// Skip records one dropped item.
type Skip struct {
	Reason SkipReason
	Ref    string
	Detail string
}

// SkipCounts aggregates skips by reason.
func SkipCounts(skips []Skip) map[SkipReason]int {
	out := make(map[SkipReason]int, len(skips))
	for _, s := range skips {
		out[s.Reason]++
	}
	return out
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int {
	return &v
}
