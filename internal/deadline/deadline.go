// Package deadline finds the application deadline mentioned in a notice.
package deadline

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Detector finds a deadline in plain notice text. reference is the notice
// creation time; its location is used for the returned date.
type Detector interface {
	Detect(text string, reference time.Time) *time.Time
}

var (
	fullDate  = regexp.MustCompile(`(\d{4})\s*(?:[./\-]|년)\s*(\d{1,2})\s*(?:[./\-]|월)\s*(\d{1,2})`)
	monthDate = regexp.MustCompile(`(\d{1,2})\s*월\s*(\d{1,2})\s*일`)
)

// Scanner picks the latest date in the text that is not before the
// reference day. Dates without a year take the reference year, or the next
// one when that would put them in the past.
type Scanner struct{}

// Detect implements Detector.
func (Scanner) Detect(text string, reference time.Time) *time.Time {
	loc := reference.Location()
	today := time.Date(reference.Year(), reference.Month(), reference.Day(), 0, 0, 0, 0, loc)

	var latest *time.Time
	consider := func(d time.Time) {
		if d.Before(today) {
			return
		}
		if latest == nil || d.After(*latest) {
			d := d
			latest = &d
		}
	}

	for _, m := range fullDate.FindAllStringSubmatch(text, -1) {
		if d, ok := makeDate(atoi(m[1]), atoi(m[2]), atoi(m[3]), loc); ok {
			consider(d)
		}
	}

	rest := fullDate.ReplaceAllStringFunc(text, func(s string) string {
		return strings.Repeat(" ", len(s))
	})
	for _, m := range monthDate.FindAllStringSubmatch(rest, -1) {
		d, ok := makeDate(today.Year(), atoi(m[1]), atoi(m[2]), loc)
		if !ok {
			continue
		}
		if d.Before(today) {
			d = d.AddDate(1, 0, 0)
		}
		consider(d)
	}

	return latest
}

func makeDate(year, month, day int, loc *time.Location) (time.Time, bool) {
	if year < 2000 || year > 2100 || month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, false
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	// reject overflow such as 02.31
	if d.Month() != time.Month(month) || d.Day() != day {
		return time.Time{}, false
	}
	return d, true
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
