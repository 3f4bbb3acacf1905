// Package source holds the static per-site descriptors the pipeline crawls.
package source

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrUnknownSource is returned when a name is not in the registry.
var ErrUnknownSource = errors.New("unknown source")

// Mode selects how listing pages are acquired.
type Mode string

// Supported modes.
const (
	// ModeBrowser renders listing pages in the browser and reads cards by selector.
	ModeBrowser Mode = "browser"
	// ModeEmbeddedJSON fetches pages statically and decodes an embedded JSON array.
	ModeEmbeddedJSON Mode = "embedded_json"
)

const (
	defaultMaxPages    = 30
	defaultDetailLimit = 5
	defaultPeriod      = 365
)

// Selectors maps record fields to CSS selectors. Card-level selectors are
// evaluated relative to each card.
type Selectors struct {
	Card          string `yaml:"card"`
	Link          string `yaml:"link"`
	Title         string `yaml:"title"`
	Date          string `yaml:"date"`
	Venue         string `yaml:"venue"`
	Price         string `yaml:"price"`
	ListContent   string `yaml:"list_content"`
	DetailContent string `yaml:"detail_content"`
	Performer     string `yaml:"performer"`
	More          string `yaml:"more"`
	Description   string `yaml:"description"`
	PriceMax      string `yaml:"price_max"`
	TicketCount   string `yaml:"ticket_count"`
}

// JSONKeys maps record fields to keys of the embedded JSON objects.
type JSONKeys struct {
	Title string `yaml:"title"`
	Date  string `yaml:"date"`
	Venue string `yaml:"venue"`
	Price string `yaml:"price"`
	Link  string `yaml:"link"`
}

// Target expands one descriptor into per-city variants.
type Target struct {
	Slug    string `yaml:"slug"`
	City    string `yaml:"city"`
	Country string `yaml:"country"`
}

// Descriptor is the static description of one source.
type Descriptor struct {
	Name                       string    `yaml:"name"`
	Mode                       Mode      `yaml:"mode"`
	URLTemplate                string    `yaml:"url_template"`
	LinkPrefix                 string    `yaml:"link_prefix"`
	AllowedHosts               []string  `yaml:"allowed_hosts"`
	Selectors                  Selectors `yaml:"selectors"`
	JSONPattern                string    `yaml:"json_pattern"`
	JSONKeys                   JSONKeys  `yaml:"json_keys"`
	EventType                  string    `yaml:"event_type"`
	Country                    string    `yaml:"country"`
	City                       string    `yaml:"city"`
	Period                     int       `yaml:"period"`
	MaxPages                   int       `yaml:"max_pages"`
	MaxConcurrentDetailFetches int       `yaml:"max_concurrent_detail_fetches"`
	NeedsDetail                bool      `yaml:"needs_detail"`
	SolverAPIKey               string    `yaml:"solver_api_key"`
	Targets                    []Target  `yaml:"targets"`
}

// Validate checks the descriptor is usable.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("source name is required")
	}
	if d.URLTemplate == "" {
		return fmt.Errorf("source %s: url_template is required", d.Name)
	}
	if !strings.Contains(d.URLTemplate, "{page}") {
		return fmt.Errorf("source %s: url_template must contain {page}", d.Name)
	}
	switch d.Mode {
	case ModeBrowser:
		if d.Selectors.Card == "" || d.Selectors.Link == "" || d.Selectors.Title == "" {
			return fmt.Errorf("source %s: selectors.card, selectors.link and selectors.title are required", d.Name)
		}
	case ModeEmbeddedJSON:
		if d.JSONPattern == "" || d.JSONKeys.Title == "" || d.JSONKeys.Link == "" {
			return fmt.Errorf("source %s: json_pattern, json_keys.title and json_keys.link are required", d.Name)
		}
	default:
		return fmt.Errorf("source %s: unsupported mode %q", d.Name, d.Mode)
	}
	if d.MaxPages < 0 || d.MaxConcurrentDetailFetches < 0 {
		return fmt.Errorf("source %s: limits must be >= 0", d.Name)
	}
	if d.NeedsDetail && d.Mode != ModeBrowser {
		return fmt.Errorf("source %s: detail enrichment requires browser mode", d.Name)
	}
	return nil
}

func (d Descriptor) withDefaults() Descriptor {
	if d.Mode == "" {
		d.Mode = ModeBrowser
	}
	if d.MaxPages == 0 {
		d.MaxPages = defaultMaxPages
	}
	if d.MaxConcurrentDetailFetches == 0 {
		d.MaxConcurrentDetailFetches = defaultDetailLimit
	}
	if d.Period == 0 {
		d.Period = defaultPeriod
	}
	if len(d.AllowedHosts) == 0 {
		if u, err := url.Parse(d.URLTemplate); err == nil && u.Hostname() != "" {
			d.AllowedHosts = []string{strings.ToLower(u.Hostname())}
		}
	}
	return d
}

// PageURL renders the listing URL for a 1-based page number.
func (d Descriptor) PageURL(page int, now time.Time) string {
	return strings.NewReplacer(
		"{page}", strconv.Itoa(page),
		"{date}", now.Format("2006-01-02"),
		"{period}", strconv.Itoa(d.Period),
	).Replace(d.URLTemplate)
}

// AbsoluteLink resolves a possibly relative href against the link prefix.
func (d Descriptor) AbsoluteLink(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	if u, err := url.Parse(href); err == nil && u.IsAbs() {
		return href
	}
	base := d.LinkPrefix
	if base == "" {
		if u, err := url.Parse(d.URLTemplate); err == nil {
			base = u.Scheme + "://" + u.Host
		}
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return baseURL.ResolveReference(ref).String()
}

// AllowsHost reports whether a detail page on host belongs to this source.
func (d Descriptor) AllowsHost(host string) bool {
	host = strings.ToLower(host)
	for _, h := range d.AllowedHosts {
		if strings.EqualFold(h, host) {
			return true
		}
	}
	return false
}
