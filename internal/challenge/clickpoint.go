package challenge

import (
	"fmt"
	"strconv"
	"strings"
)

// ClickPoint is a pixel offset relative to the top-left corner of the puzzle.
type ClickPoint struct {
	X int
	Y int
}

// ParseClickPoints parses a semicolon-separated coordinate list. Entries may
// look like "click:12:34", "click:x=12,y=34", "x=12,y=34" or "12,34". A
// malformed entry rejects the whole answer, since a partial replay cannot
// pass the puzzle.
func ParseClickPoints(raw string) ([]ClickPoint, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("empty coordinate list")
	}
	var points []ClickPoint
	for _, entry := range strings.Split(raw, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		p, err := parseClickPoint(entry)
		if err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	if len(points) == 0 {
		return nil, fmt.Errorf("no coordinates in %q", raw)
	}
	return points, nil
}

func parseClickPoint(entry string) (ClickPoint, error) {
	body := entry
	if len(body) >= len("click:") && strings.EqualFold(body[:len("click:")], "click:") {
		body = body[len("click:"):]
	}
	sep := ","
	if !strings.Contains(body, ",") {
		sep = ":"
	}
	fields := strings.Split(body, sep)
	if len(fields) != 2 {
		return ClickPoint{}, fmt.Errorf("malformed coordinate %q", entry)
	}
	var (
		p            ClickPoint
		seenX, seenY bool
	)
	for i, f := range fields {
		name, value, found := strings.Cut(strings.TrimSpace(f), "=")
		if !found {
			value = name
			name = []string{"x", "y"}[i]
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return ClickPoint{}, fmt.Errorf("malformed coordinate %q: %w", entry, err)
		}
		if n < 0 {
			return ClickPoint{}, fmt.Errorf("negative coordinate %q", entry)
		}
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "x":
			if seenX {
				return ClickPoint{}, fmt.Errorf("duplicate x in %q", entry)
			}
			p.X, seenX = n, true
		case "y":
			if seenY {
				return ClickPoint{}, fmt.Errorf("duplicate y in %q", entry)
			}
			p.Y, seenY = n, true
		default:
			return ClickPoint{}, fmt.Errorf("unknown axis in %q", entry)
		}
	}
	return p, nil
}
