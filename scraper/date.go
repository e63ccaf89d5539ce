package scraper

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/civil"
)

// Captions read like "Bollettino di criticità del 27 maggio 2025".
var captionDateRegex = regexp.MustCompile(`(?i)\bdel\s+(\d{1,2})\s+([a-zà-ù]+)\s+(\d{4})\b`)

var italianMonths = map[string]time.Month{
	"gennaio":   time.January,
	"febbraio":  time.February,
	"marzo":     time.March,
	"aprile":    time.April,
	"maggio":    time.May,
	"giugno":    time.June,
	"luglio":    time.July,
	"agosto":    time.August,
	"settembre": time.September,
	"ottobre":   time.October,
	"novembre":  time.November,
	"dicembre":  time.December,
}

// ParseDate extracts the bulletin date from a caption.
// Exactly one date must be present; anything else is an error.
func ParseDate(caption string) (civil.Date, error) {
	matches := captionDateRegex.FindAllStringSubmatch(caption, -1)
	switch len(matches) {
	case 0:
		return civil.Date{}, fmt.Errorf("no date in caption %q", caption)
	case 1:
	default:
		return civil.Date{}, fmt.Errorf("ambiguous date in caption %q", caption)
	}
	m := matches[0]

	day, err := strconv.Atoi(m[1])
	if err != nil {
		return civil.Date{}, fmt.Errorf("invalid day %q", m[1])
	}
	month, ok := italianMonths[strings.ToLower(m[2])]
	if !ok {
		return civil.Date{}, fmt.Errorf("unknown month %q", m[2])
	}
	year, err := strconv.Atoi(m[3])
	if err != nil {
		return civil.Date{}, fmt.Errorf("invalid year %q", m[3])
	}

	d := civil.Date{Year: year, Month: month, Day: day}
	if !d.IsValid() {
		return civil.Date{}, fmt.Errorf("invalid date %d %s %d", day, m[2], year)
	}
	return d, nil
}
