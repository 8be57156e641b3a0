package dataset

import (
	"strings"
	"time"
)

// DefaultDateFailureTolerance is the share of a column's values allowed to
// fail date parsing before the column is left as text.
const DefaultDateFailureTolerance = 0.2

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"2006/01/02",
	"01/02/2006",
	"01/02/2006 15:04:05",
	"02-Jan-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"2 Jan 2006",
}

// ParseDate tries the known layouts in order and returns the first match in UTC.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func FormatDate(t time.Time) string {
	t = t.UTC()
	if t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0 {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}

// DateProfile counts parseable date strings among non-missing cells.
type DateProfile struct {
	NonMissing int
	Parsed     int
}

func ProfileDates(vals []Value) DateProfile {
	var p DateProfile
	for _, v := range vals {
		switch v.Kind {
		case KindMissing:
		case KindDate:
			p.NonMissing++
			p.Parsed++
		case KindString:
			p.NonMissing++
			if _, ok := ParseDate(v.Str); ok {
				p.Parsed++
			}
		default:
			p.NonMissing++
		}
	}
	return p
}

// DateLike reports whether the failure share is within tolerance.
func (p DateProfile) DateLike(tolerance float64) bool {
	if p.NonMissing == 0 || p.Parsed == 0 {
		return false
	}
	failed := float64(p.NonMissing-p.Parsed) / float64(p.NonMissing)
	return failed <= tolerance
}
