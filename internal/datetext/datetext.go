// Package datetext turns free-text listing dates into start/end timestamps.
//
// Parse is pure: the reference time is passed in and every timestamp is built
// in the reference time's location. Rules are tried in a fixed order and the
// first one that yields a date wins:
//
//  1. relative keywords (today, tomorrow) with an optional time of day
//  2. numeric dates (2025-06-28, 28.06.2025)
//  3. named-month ranges ("с 1 по 3 июля", "1 и 3 июля", "1-3 июля")
//  4. several "D month" occurrences, spanning the earliest to the latest
//  5. a single "D month", a one-day event without an end
//  6. month names without a day, spanning the whole month(s)
//
// Strings marking permanent events and strings matching no rule return
// (nil, nil).
package datetext

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	timeOfDayRe   = regexp.MustCompile(`(\d{1,2}):(\d{2})`)
	weekdayRe     = regexp.MustCompile(`^(понедельник|вторник|среда|четверг|пятница|суббота|воскресенье|пн|вт|ср|чт|пт|сб|вс|mon|tue|wed|thu|fri|sat|sun)[a-z]*\.?,?\s+`)
	yearSuffixRe  = regexp.MustCompile(`(\d{4})\s*г(?:ода|\.)?(\s|,|$)`)
	isoDateRe     = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	dottedDateRe  = regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{4})\b`)
	fromToRe      = regexp.MustCompile(`(?:^|\s)(?:с|from)\s+(\d{1,2})\s+(?:([a-zа-я]+)\.?\s+)?(?:по|to|till|until)\s+(\d{1,2})\s+([a-zа-я]+)\.?(?:\s+(\d{4}))?`)
	pairRe        = regexp.MustCompile(`\b(\d{1,2})\s*(?:и|and|-)\s*(\d{1,2})\s+([a-zа-я]+)\.?(?:\s+(\d{4}))?`)
	dayListRe     = regexp.MustCompile(`\b((?:\d{1,2}\s*(?:,|и|and)\s*)*\d{1,2})\s+([a-zа-я]+)\.?(?:\s+(\d{4}))?`)
	dayDigitsRe   = regexp.MustCompile(`\d{1,2}`)
	wordRe        = regexp.MustCompile(`[a-zа-я]+`)
	yearRe        = regexp.MustCompile(`\b(\d{4})\b`)
	todayWords    = []string{"сегодня", "today"}
	tomorrowWords = []string{"завтра", "tomorrow"}
	permanentWord = []string{"постоянно", "permanent", "ongoing"}
)

var months = map[string]time.Month{
	"январь": time.January, "января": time.January, "янв": time.January,
	"февраль": time.February, "февраля": time.February, "фев": time.February,
	"март": time.March, "марта": time.March, "мар": time.March,
	"апрель": time.April, "апреля": time.April, "апр": time.April,
	"май": time.May, "мая": time.May,
	"июнь": time.June, "июня": time.June, "июн": time.June,
	"июль": time.July, "июля": time.July, "июл": time.July,
	"август": time.August, "августа": time.August, "авг": time.August,
	"сентябрь": time.September, "сентября": time.September, "сен": time.September, "сент": time.September,
	"октябрь": time.October, "октября": time.October, "окт": time.October,
	"ноябрь": time.November, "ноября": time.November, "ноя": time.November,
	"декабрь": time.December, "декабря": time.December, "дек": time.December,
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March,
	"april": time.April, "apr": time.April,
	"may":  time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sep": time.September, "sept": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

// LookupMonth resolves a month name in any supported language and case form.
func LookupMonth(word string) (time.Month, bool) {
	m, ok := months[strings.TrimSuffix(strings.ToLower(strings.TrimSpace(word)), ".")]
	return m, ok
}

type clock struct {
	hour, minute int
	set          bool
}

type parser struct {
	now   time.Time
	loc   *time.Location
	today time.Time
	tod   clock
}

// Parse maps free text to a (start, end) pair. End is nil for single-moment
// events; both are nil when nothing could be resolved.
func Parse(text string, now time.Time) (*time.Time, *time.Time) {
	s := normalize(text)
	if s == "" || containsAny(s, permanentWord) {
		return nil, nil
	}
	loc := now.Location()
	p := &parser{
		now:   now,
		loc:   loc,
		today: time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc),
	}
	s = p.extractTimeOfDay(s)

	rules := []func(string) (*time.Time, *time.Time, bool){
		p.relative,
		p.numeric,
		p.namedRange,
		p.dayMonthList,
		p.monthsOnly,
	}
	for _, rule := range rules {
		if start, end, ok := rule(s); ok {
			return start, end
		}
	}
	return nil, nil
}

func normalize(text string) string {
	s := strings.ToLower(strings.TrimSpace(text))
	s = strings.NewReplacer("\u00a0", " ", "ё", "е", "\u2014", "-", "\u2013", "-").Replace(s)
	s = weekdayRe.ReplaceAllString(s, "")
	s = yearSuffixRe.ReplaceAllString(s, "$1$2")
	return strings.Join(strings.Fields(s), " ")
}

func (p *parser) extractTimeOfDay(s string) string {
	m := timeOfDayRe.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	h, _ := strconv.Atoi(m[1])
	mi, _ := strconv.Atoi(m[2])
	if h < 24 && mi < 60 {
		p.tod = clock{hour: h, minute: mi, set: true}
	}
	return strings.TrimSpace(timeOfDayRe.ReplaceAllString(s, " "))
}

func (p *parser) relative(s string) (*time.Time, *time.Time, bool) {
	var day time.Time
	switch {
	case containsAny(s, tomorrowWords):
		day = p.today.AddDate(0, 0, 1)
	case containsAny(s, todayWords):
		day = p.today
	default:
		return nil, nil, false
	}
	start := p.at(day)
	return &start, nil, true
}

func (p *parser) numeric(s string) (*time.Time, *time.Time, bool) {
	var dates []time.Time
	for _, m := range isoDateRe.FindAllStringSubmatch(s, -1) {
		if d, ok := explicitDate(m[1], m[2], m[3], p.loc); ok {
			dates = append(dates, d)
		}
	}
	for _, m := range dottedDateRe.FindAllStringSubmatch(s, -1) {
		if d, ok := explicitDate(m[3], m[2], m[1], p.loc); ok {
			dates = append(dates, d)
		}
	}
	return p.span(dates)
}

func (p *parser) namedRange(s string) (*time.Time, *time.Time, bool) {
	if m := fromToRe.FindStringSubmatch(s); m != nil {
		endMonth, ok := LookupMonth(m[4])
		if ok {
			startMonth := endMonth
			if m[2] != "" {
				if sm, ok := LookupMonth(m[2]); ok {
					startMonth = sm
				}
			}
			if start, end, ok := p.rangeOf(m[1], startMonth, m[3], endMonth, m[5]); ok {
				return start, end, true
			}
		}
	}
	if idx := pairRe.FindStringSubmatchIndex(s); idx != nil && !strings.HasSuffix(strings.TrimSpace(s[:idx[0]]), ",") {
		m := submatches(s, idx)
		if month, ok := LookupMonth(m[3]); ok {
			if start, end, ok := p.rangeOf(m[1], month, m[2], month, m[4]); ok {
				return start, end, true
			}
		}
	}
	return nil, nil, false
}

func (p *parser) rangeOf(d1 string, m1 time.Month, d2 string, m2 time.Month, year string) (*time.Time, *time.Time, bool) {
	first, ok := p.dayInMonth(atoi(d1), m1, year)
	if !ok {
		return nil, nil, false
	}
	last, ok := p.dayInMonth(atoi(d2), m2, year)
	if !ok {
		return nil, nil, false
	}
	if last.Before(first) {
		last = last.AddDate(1, 0, 0)
	}
	start := p.at(first)
	end := endOfDay(last)
	return &start, &end, true
}

func (p *parser) dayMonthList(s string) (*time.Time, *time.Time, bool) {
	var dates []time.Time
	for _, m := range dayListRe.FindAllStringSubmatch(s, -1) {
		month, ok := LookupMonth(m[2])
		if !ok {
			continue
		}
		for _, day := range dayDigitsRe.FindAllString(m[1], -1) {
			if d, ok := p.dayInMonth(atoi(day), month, m[3]); ok {
				dates = append(dates, d)
			}
		}
	}
	return p.span(dates)
}

// span turns resolved calendar days into a start/end pair. A single distinct
// day yields no end.
func (p *parser) span(dates []time.Time) (*time.Time, *time.Time, bool) {
	if len(dates) == 0 {
		return nil, nil, false
	}
	lo, hi := dates[0], dates[0]
	for _, d := range dates[1:] {
		if d.Before(lo) {
			lo = d
		}
		if d.After(hi) {
			hi = d
		}
	}
	start := p.at(lo)
	if lo.Equal(hi) {
		return &start, nil, true
	}
	end := endOfDay(hi)
	return &start, &end, true
}

func (p *parser) monthsOnly(s string) (*time.Time, *time.Time, bool) {
	var named []time.Month
	for _, w := range wordRe.FindAllString(s, -1) {
		if m, ok := LookupMonth(w); ok {
			named = append(named, m)
		}
	}
	if len(named) == 0 {
		return nil, nil, false
	}
	first, last := named[0], named[len(named)-1]

	year := p.now.Year()
	if m := yearRe.FindStringSubmatch(s); m != nil {
		year = atoi(m[1])
	} else if time.Date(year, first, 1, 0, 0, 0, 0, p.loc).Before(p.today) {
		year++
	}
	endYear := year
	if last < first {
		endYear++
	}
	start := time.Date(year, first, 1, 0, 0, 0, 0, p.loc)
	end := endOfDay(lastDayOf(endYear, last, p.loc))
	return &start, &end, true
}

// dayInMonth builds a calendar day. Without an explicit year the current
// year is used unless that day is already behind today, in which case the
// next year is assumed.
func (p *parser) dayInMonth(day int, month time.Month, year string) (time.Time, bool) {
	y := p.now.Year()
	explicit := year != ""
	if explicit {
		y = atoi(year)
	}
	d := time.Date(y, month, day, 0, 0, 0, 0, p.loc)
	if d.Day() != day || d.Month() != month {
		return time.Time{}, false
	}
	if !explicit && d.Before(p.today) {
		d = time.Date(y+1, month, day, 0, 0, 0, 0, p.loc)
		if d.Day() != day {
			return time.Time{}, false
		}
	}
	return d, true
}

func (p *parser) at(day time.Time) time.Time {
	if !p.tod.set {
		return day
	}
	return time.Date(day.Year(), day.Month(), day.Day(), p.tod.hour, p.tod.minute, 0, 0, p.loc)
}

func explicitDate(year, month, day string, loc *time.Location) (time.Time, bool) {
	y, m, d := atoi(year), atoi(month), atoi(day)
	if m < 1 || m > 12 {
		return time.Time{}, false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, loc)
	if t.Day() != d {
		return time.Time{}, false
	}
	return t, true
}

func endOfDay(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), 23, 59, 0, 0, day.Location())
}

func lastDayOf(year int, month time.Month, loc *time.Location) time.Time {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, loc)
}

func submatches(s string, idx []int) []string {
	out := make([]string, len(idx)/2)
	for i := range out {
		if idx[2*i] >= 0 {
			out[i] = s[idx[2*i]:idx[2*i+1]]
		}
	}
	return out
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
