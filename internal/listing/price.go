package listing

import (
	"regexp"
	"strconv"
	"strings"
)

var priceRe = regexp.MustCompile(`\d{1,3}(?:[ \x{00a0}\x{202f}]\d{3})+|\d+`)

// ParsePrice returns the first integer amount in text such as "от 1 500 ₽".
func ParsePrice(text string) *int {
	m := priceRe.FindString(text)
	if m == "" {
		return nil
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, m)
	n, err := strconv.Atoi(digits)
	if err != nil {
		return nil
	}
	return &n
}
