package challenge

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// State is a node of the resolver state machine.
type State string

// Resolver states.
const (
	// Loading means neither content nor a known challenge is on the page yet.
	Loading        State = "loading"
	ContentReady   State = "content_ready"
	CookieBanner   State = "cookie_banner"
	Checkbox       State = "checkbox"
	TokenChallenge State = "token_challenge"
	GridChallenge  State = "grid_challenge"
	Failed         State = "failed"
)

// Markers are the selectors that identify each state on a page.
type Markers struct {
	Content string

	CookieButton string

	Checkbox       string
	CheckboxTarget string

	TokenContainer string
	SiteKeyAttr    string
	TokenInput     string
	TokenForm      string

	Grid                string
	GridSilhouette      string
	GridSilhouetteImage string
	GridSilhouetteTask  string
	GridImage           string
	GridInstructions    string
	GridSubmit          string

	// Blocked lists selectors that mean "some challenge" without saying which.
	Blocked []string
}

// DefaultMarkers returns the SmartCaptcha selectors used by the supported
// listing sites, with content as the selector that proves real content.
func DefaultMarkers(content string) Markers {
	return Markers{
		Content:             content,
		CookieButton:        "#gdpr-popup-v3-button-all",
		Checkbox:            `[data-testid="checkbox-captcha"], .CheckboxCaptcha`,
		CheckboxTarget:      `input[role="checkbox"], .CheckboxCaptcha-Button`,
		TokenContainer:      "#captcha-container[data-sitekey]",
		SiteKeyAttr:         "data-sitekey",
		TokenInput:          `input[name="smart-token"]`,
		TokenForm:           "#j-captcha-form",
		Grid:                ".AdvancedCaptcha",
		GridSilhouette:      `[class*="AdvancedCaptcha_silhouette"]`,
		GridSilhouetteImage: ".AdvancedCaptcha-ImageWrapper",
		GridSilhouetteTask:  ".TaskImage",
		GridImage:           ".AdvancedCaptcha-Image",
		GridInstructions:    ".AdvancedCaptcha-TaskIcons",
		GridSubmit:          `[data-testid="submit"]`,
		Blocked:             []string{"#captcha-container", "form#j-captcha-form", ".Captcha"},
	}
}

// WithContent returns a copy of m with a different content selector.
func (m Markers) WithContent(content string) Markers {
	m.Content = content
	return m
}

// Detect classifies a DOM snapshot. Challenges are checked in fixed
// priority, cookie banner first because it can cover everything else.
// Blocked pages that match no known challenge shape are Failed.
func Detect(html string, m Markers) State {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Loading
	}
	switch {
	case exists(doc, m.CookieButton):
		return CookieBanner
	case exists(doc, m.Checkbox):
		return Checkbox
	case exists(doc, m.Grid):
		return GridChallenge
	case exists(doc, m.TokenContainer):
		return TokenChallenge
	case exists(doc, m.Content):
		return ContentReady
	}
	for _, sel := range m.Blocked {
		if exists(doc, sel) {
			return Failed
		}
	}
	return Loading
}

// SiteKey reads the token challenge site key from a DOM snapshot.
func SiteKey(html string, m Markers) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	key, _ := doc.Find(m.TokenContainer).First().Attr(m.SiteKeyAttr)
	return strings.TrimSpace(key)
}

// gridSelectors picks the puzzle and instruction elements for the grid
// variant present in the snapshot.
func gridSelectors(html string, m Markers) (image, instructions string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err == nil && exists(doc, m.GridSilhouette) {
		return m.GridSilhouetteImage, m.GridSilhouetteTask
	}
	return m.GridImage, m.GridInstructions
}

func exists(doc *goquery.Document, selector string) bool {
	if strings.TrimSpace(selector) == "" {
		return false
	}
	return doc.Find(selector).Length() > 0
}
