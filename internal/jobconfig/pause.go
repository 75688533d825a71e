package jobconfig

import (
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// monthDay is a calendar day without a year, ordered as month*100+day.
type monthDay int

type dateRange struct{ from, to monthDay }

// minuteOfDay is hour*60+minute.
type minuteOfDay int

type timeRange struct{ from, to minuteOfDay }

// PausePeriods is a parsed pair of pause specs.
//
// Date spec: "M/d-M/d,..." (e.g. "12/24-12/26,1/1-1/1").
// Time spec: "HH:mm-HH:mm,..." (e.g. "23:00-23:59,00:00-06:30").
// Ranges are inclusive at minute granularity and may wrap (year end, midnight).
type PausePeriods struct {
	dates []dateRange
	times []timeRange
}

// ParsePausePeriods parses both specs. Malformed segments are skipped and
// reported together in the returned error; the valid ones still apply.
func ParsePausePeriods(dateSpec, timeSpec string) (PausePeriods, error) {
	var p PausePeriods
	var errs error
	for _, seg := range splitSpec(dateSpec) {
		r, err := parseDateRange(seg)
		if err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		p.dates = append(p.dates, r)
	}
	for _, seg := range splitSpec(timeSpec) {
		r, err := parseTimeRange(seg)
		if err != nil {
			errs = errors.CombineErrors(errs, err)
			continue
		}
		p.times = append(p.times, r)
	}
	return p, errs
}

// IsZero reports whether no pause window is configured.
func (p PausePeriods) IsZero() bool { return len(p.dates) == 0 && len(p.times) == 0 }

// Contains reports whether t (already in the job's timezone) is paused: the
// date part must match when a date spec is set, and the time part must match
// when a time spec is set.
func (p PausePeriods) Contains(t time.Time) bool {
	if p.IsZero() {
		return false
	}
	if len(p.dates) > 0 {
		d := monthDay(int(t.Month())*100 + t.Day())
		if !matchDate(p.dates, d) {
			return false
		}
	}
	if len(p.times) > 0 {
		m := minuteOfDay(t.Hour()*60 + t.Minute())
		if !matchTime(p.times, m) {
			return false
		}
	}
	return true
}

func matchDate(ranges []dateRange, d monthDay) bool {
	for _, r := range ranges {
		if r.from <= r.to {
			if d >= r.from && d <= r.to {
				return true
			}
		} else if d >= r.from || d <= r.to {
			return true
		}
	}
	return false
}

func matchTime(ranges []timeRange, m minuteOfDay) bool {
	for _, r := range ranges {
		if r.from <= r.to {
			if m >= r.from && m <= r.to {
				return true
			}
		} else if m >= r.from || m <= r.to {
			return true
		}
	}
	return false
}

func splitSpec(spec string) []string {
	var out []string
	for _, seg := range strings.Split(spec, ",") {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func splitRange(seg string) (string, string, bool) {
	from, to, ok := strings.Cut(seg, "-")
	return strings.TrimSpace(from), strings.TrimSpace(to), ok
}

func parseDateRange(seg string) (dateRange, error) {
	from, to, ok := splitRange(seg)
	if !ok {
		return dateRange{}, errors.Newf("invalid pause date range %q, expected M/d-M/d", seg)
	}
	f, err := parseMonthDay(from)
	if err != nil {
		return dateRange{}, err
	}
	t, err := parseMonthDay(to)
	if err != nil {
		return dateRange{}, err
	}
	return dateRange{from: f, to: t}, nil
}

func parseMonthDay(s string) (monthDay, error) {
	ms, ds, ok := strings.Cut(s, "/")
	if !ok {
		return 0, errors.Newf("invalid date %q, expected M/d", s)
	}
	m, err := strconv.Atoi(strings.TrimSpace(ms))
	if err != nil || m < 1 || m > 12 {
		return 0, errors.Newf("invalid month in %q", s)
	}
	d, err := strconv.Atoi(strings.TrimSpace(ds))
	if err != nil || d < 1 || d > 31 {
		return 0, errors.Newf("invalid day in %q", s)
	}
	return monthDay(m*100 + d), nil
}

func parseTimeRange(seg string) (timeRange, error) {
	from, to, ok := splitRange(seg)
	if !ok {
		return timeRange{}, errors.Newf("invalid pause time range %q, expected HH:mm-HH:mm", seg)
	}
	f, err := parseHHMM(from)
	if err != nil {
		return timeRange{}, err
	}
	t, err := parseHHMM(to)
	if err != nil {
		return timeRange{}, err
	}
	return timeRange{from: f, to: t}, nil
}

func parseHHMM(s string) (minuteOfDay, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, errors.Newf("invalid time %q, expected HH:mm", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, errors.Newf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, errors.Newf("invalid minute in %q", s)
	}
	return minuteOfDay(h*60 + m), nil
}
