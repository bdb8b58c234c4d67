// Package timestamps converts vendor time encodings to UTC instants.
//
// Every parser either returns a non-zero UTC time or an error of type
// errors.ErrorTypeFormat. None of them substitute a zero time for input they
// cannot read.
package timestamps

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/nocturne/connectors/pkg/errors"
)

const (
	// TicksPerMillisecond is the number of 100ns ticks in one millisecond
	TicksPerMillisecond = 10_000
	// ticksEpochOffsetMillis is the distance from 0001-01-01 to the Unix epoch
	ticksEpochOffsetMillis int64 = 62_135_596_800_000
	// minTicksDigits separates tick strings from epoch milliseconds in Parse
	minTicksDigits = 17
)

var epochTemplate = regexp.MustCompile(`^/?Date\((-?\d+)([+-]\d{4})?\)/?$`)

// calendarLayouts is tried in order. Month-first layouts precede day-first
// ones; changing the order changes how ambiguous dates resolve.
var calendarLayouts = []string{
	// month first
	"1/2/2006 3:04:05 PM",
	"1/2/2006 3:04 PM",
	"1/2/2006 15:04:05",
	"1/2/2006 15:04",
	"1/2/2006",
	// day first
	"2/1/2006 15:04:05",
	"2/1/2006 3:04:05 PM",
	"2/1/2006 15:04",
	"2.1.2006 15:04:05",
	"2.1.2006 15:04",
	"2/1/2006",
	"2.1.2006",
}

// CalendarLayouts returns a copy of the ordered layout list used by ParseCalendar
func CalendarLayouts() []string {
	out := make([]string, len(calendarLayouts))
	copy(out, calendarLayouts)
	return out
}

// ParseEpochTemplate parses "/Date(1426292016000-0700)/". The leading integer
// is already UTC milliseconds; the offset suffix is ignored.
func ParseEpochTemplate(raw string) (time.Time, error) {
	m := epochTemplate.FindStringSubmatch(strings.TrimSpace(raw))
	if m == nil {
		return time.Time{}, formatError("epoch template", raw, nil)
	}
	ms, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return time.Time{}, formatError("epoch template", raw, err)
	}
	return nonZero(time.UnixMilli(ms).UTC(), "epoch template", raw)
}

// ParseCalendar parses a locale-ambiguous calendar string as UTC. The explicit
// layouts are attempted first, in order, then a best-effort parse.
func ParseCalendar(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, formatError("calendar", raw, nil)
	}
	for _, layout := range calendarLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return nonZero(t.UTC(), "calendar", raw)
		}
	}
	t, err := cast.ToTimeInDefaultLocationE(s, time.UTC)
	if err != nil {
		return time.Time{}, formatError("calendar", raw, err)
	}
	return nonZero(t.UTC(), "calendar", raw)
}

// ParseTicks converts 100ns ticks since 0001-01-01T00:00:00Z to an instant
func ParseTicks(ticks int64) (time.Time, error) {
	if ticks <= 0 {
		return time.Time{}, formatError("ticks", strconv.FormatInt(ticks, 10), nil)
	}
	ms := ticks/TicksPerMillisecond - ticksEpochOffsetMillis
	return nonZero(time.UnixMilli(ms).UTC(), "ticks", strconv.FormatInt(ticks, 10))
}

// ToTicks is the inverse of ParseTicks at millisecond resolution
func ToTicks(t time.Time) int64 {
	return (t.UnixMilli() + ticksEpochOffsetMillis) * TicksPerMillisecond
}

// Parse dispatches on the shape of raw: epoch templates, digit strings
// (ticks when at least 17 digits long, epoch milliseconds otherwise),
// RFC 3339, then calendar strings.
func Parse(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	switch {
	case s == "":
		return time.Time{}, formatError("timestamp", raw, nil)
	case strings.Contains(s, "Date("):
		return ParseEpochTemplate(s)
	case isDigits(s):
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return time.Time{}, formatError("timestamp", raw, err)
		}
		if len(s) >= minTicksDigits {
			return ParseTicks(n)
		}
		return nonZero(time.UnixMilli(n).UTC(), "epoch millis", raw)
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return nonZero(t.UTC(), "rfc3339", raw)
	}
	return ParseCalendar(s)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func nonZero(t time.Time, kind, raw string) (time.Time, error) {
	if t.IsZero() || t.Unix() <= 0 {
		return time.Time{}, formatError(kind, raw, nil)
	}
	return t, nil
}

func formatError(kind, raw string, cause error) error {
	msg := "unparsable " + kind + " timestamp"
	if cause != nil {
		return errors.Wrap(cause, errors.ErrorTypeFormat, msg).WithDetail("raw", raw)
	}
	return errors.New(errors.ErrorTypeFormat, msg).WithDetail("raw", raw)
}
