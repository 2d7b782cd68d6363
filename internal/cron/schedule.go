// Package cron evaluates cron expressions with seconds, years, and the
// Quartz day modifiers (L, LW, nW, n#k), including correct behavior across
// daylight-saving transitions.
package cron

import "time"

// horizonYears bounds the search for the next occurrence.
const horizonYears = 4

// Schedule is a parsed cron expression. It is immutable and safe for
// concurrent use.
type Schedule struct {
	source  string
	seconds field
	minutes field
	hours   field
	dom     domSpec
	months  field
	dow     dowSpec
	years   map[int]struct{}
}

// String returns the source expression.
func (s *Schedule) String() string { return s.source }

type domSpec struct {
	wildcard       bool
	days           field
	lastOffsets    []int // L is offset 0, L-3 is offset 3
	lastWeekday    bool
	nearestWeekday []int
}

func (d domSpec) matches(y int, m time.Month, day int) bool {
	if d.wildcard {
		return true
	}
	if d.days.contains(day) {
		return true
	}
	last := daysInMonth(y, m)
	for _, off := range d.lastOffsets {
		if day == last-off {
			return true
		}
	}
	if d.lastWeekday && day == lastWeekdayOfMonth(y, m) {
		return true
	}
	for _, n := range d.nearestWeekday {
		if day == nearestWeekday(y, m, n) {
			return true
		}
	}
	return false
}

type nthWeekday struct {
	weekday int
	k       int
}

type dowSpec struct {
	wildcard bool
	days     field
	lastOf   field // weekdays matching only on their last occurrence in the month
	nth      []nthWeekday
}

func (d dowSpec) matches(y int, m time.Month, day int) bool {
	if d.wildcard {
		return true
	}
	w := weekdayOf(y, m, day)
	if d.days.contains(w) {
		return true
	}
	if d.lastOf.contains(w) && day+7 > daysInMonth(y, m) {
		return true
	}
	for _, n := range d.nth {
		if w == n.weekday && (day-1)/7+1 == n.k {
			return true
		}
	}
	return false
}

// isDayValid applies the classical cron day rule: with both day fields
// restricted, either match suffices; with one restricted, it alone
// constrains; with neither, every day matches.
func (s *Schedule) isDayValid(y int, m time.Month, day int) bool {
	domRestricted := !s.dom.wildcard
	dowRestricted := !s.dow.wildcard
	switch {
	case domRestricted && dowRestricted:
		return s.dom.matches(y, m, day) || s.dow.matches(y, m, day)
	case domRestricted:
		return s.dom.matches(y, m, day)
	case dowRestricted:
		return s.dow.matches(y, m, day)
	default:
		return true
	}
}

// Next returns the first occurrence strictly after t, evaluated in t's
// location. ok is false when no occurrence exists within the search
// horizon or the year constraint.
func (s *Schedule) Next(t time.Time) (time.Time, bool) {
	loc := t.Location()
	cand := t.Add(time.Second)
	y, mo, d := cand.Date()
	hh, mm, ss := cand.Clock()

	limit := t.AddDate(horizonYears, 0, 0)
	ly, lmo, ld := limit.Date()
	limitWall := time.Date(ly, lmo, ld+1, 0, 0, 0, 0, time.UTC)

	for {
		if time.Date(y, mo, d, 0, 0, 0, 0, time.UTC).After(limitWall) {
			return time.Time{}, false
		}

		if s.years != nil {
			if _, ok := s.years[y]; !ok {
				next := -1
				for cy := y + 1; cy <= maxYear; cy++ {
					if _, ok := s.years[cy]; ok {
						next = cy
						break
					}
				}
				if next == -1 {
					return time.Time{}, false
				}
				y, mo, d, hh, mm, ss = next, time.January, 1, 0, 0, 0
				continue
			}
		}

		nm := s.months.nextAtOrAfter(int(mo))
		if nm == -1 {
			y, mo, d, hh, mm, ss = y+1, time.January, 1, 0, 0, 0
			continue
		}
		if nm != int(mo) {
			mo, d, hh, mm, ss = time.Month(nm), 1, 0, 0, 0
		}

		nd := -1
		for day := d; day <= daysInMonth(y, mo); day++ {
			if s.isDayValid(y, mo, day) {
				nd = day
				break
			}
		}
		if nd == -1 {
			mo++
			if mo > time.December {
				y, mo = y+1, time.January
			}
			d, hh, mm, ss = 1, 0, 0, 0
			continue
		}
		if nd != d {
			d, hh, mm, ss = nd, 0, 0, 0
		}

		nh := s.hours.nextAtOrAfter(hh)
		if nh == -1 {
			d, hh, mm, ss = d+1, 0, 0, 0
			continue
		}
		if nh != hh {
			hh, mm, ss = nh, 0, 0
		}

		nmin := s.minutes.nextAtOrAfter(mm)
		if nmin == -1 {
			hh, mm, ss = hh+1, 0, 0
			if hh > 23 {
				d, hh = d+1, 0
			}
			continue
		}
		if nmin != mm {
			mm, ss = nmin, 0
		}

		nsec := s.seconds.nextAtOrAfter(ss)
		if nsec == -1 {
			mm, ss = mm+1, 0
			if mm > 59 {
				hh, mm = hh+1, 0
				if hh > 23 {
					d, hh = d+1, 0
				}
			}
			continue
		}
		ss = nsec

		res, ok := resolveLocal(y, mo, d, hh, mm, ss, loc)
		if !ok {
			// Spring-forward gap: this wall clock does not exist. Skip
			// ahead one minute and rescan.
			mm, ss = mm+1, 0
			if mm > 59 {
				hh, mm = hh+1, 0
				if hh > 23 {
					d, hh = d+1, 0
				}
			}
			continue
		}
		if !res.After(t) {
			// Fall-back overlap can resolve to an instant at or before t
			// when t itself sits in the repeated hour. Keep scanning.
			ss++
			if ss > 59 {
				mm, ss = mm+1, 0
				if mm > 59 {
					hh, mm = hh+1, 0
					if hh > 23 {
						d, hh = d+1, 0
					}
				}
			}
			continue
		}
		if res.After(limit) {
			return time.Time{}, false
		}
		return res, true
	}
}

// EachOccurrence calls fn for every occurrence strictly after from and at
// or before to, in order, stopping early when fn returns false.
func (s *Schedule) EachOccurrence(from, to time.Time, fn func(time.Time) bool) {
	for t := from; ; {
		next, ok := s.Next(t)
		if !ok || next.After(to) {
			return
		}
		if !fn(next) {
			return
		}
		t = next
	}
}

// Occurrences collects every occurrence in (from, to].
func (s *Schedule) Occurrences(from, to time.Time) []time.Time {
	var out []time.Time
	s.EachOccurrence(from, to, func(t time.Time) bool {
		out = append(out, t)
		return true
	})
	return out
}

// resolveLocal maps a wall-clock tuple to an instant in loc. ok is false
// when the wall clock falls in a spring-forward gap. In a fall-back
// overlap the earlier instant (the larger UTC offset) wins.
func resolveLocal(y int, mo time.Month, d, hh, mm, ss int, loc *time.Location) (time.Time, bool) {
	wall := time.Date(y, mo, d, hh, mm, ss, 0, time.UTC).Unix()

	probe := time.Date(y, mo, d, hh, mm, ss, 0, loc)
	offsets := make([]int, 0, 3)
	seen := make(map[int]bool, 3)
	for _, pt := range []time.Time{probe.Add(-24 * time.Hour), probe, probe.Add(24 * time.Hour)} {
		_, off := pt.Zone()
		if !seen[off] {
			seen[off] = true
			offsets = append(offsets, off)
		}
	}

	var best time.Time
	found := false
	for _, off := range offsets {
		cand := time.Unix(wall-int64(off), 0).In(loc)
		cy, cmo, cd := cand.Date()
		chh, cmm, css := cand.Clock()
		if cy == y && cmo == mo && cd == d && chh == hh && cmm == mm && css == ss {
			if !found || cand.Before(best) {
				best, found = cand, true
			}
		}
	}
	return best, found
}

func daysInMonth(y int, m time.Month) int {
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, -1).Day()
}

func weekdayOf(y int, m time.Month, day int) int {
	return int(time.Date(y, m, day, 12, 0, 0, 0, time.UTC).Weekday())
}

// lastWeekdayOfMonth returns the last Monday-through-Friday day.
func lastWeekdayOfMonth(y int, m time.Month) int {
	d := daysInMonth(y, m)
	switch weekdayOf(y, m, d) {
	case 6: // Saturday
		return d - 1
	case 0: // Sunday
		return d - 2
	default:
		return d
	}
}

// nearestWeekday returns the weekday closest to day n without leaving the
// month: Saturday resolves to the Friday before (or the Monday after when
// n is the 1st), Sunday to the Monday after (or the Friday before when n
// is the last day).
func nearestWeekday(y int, m time.Month, n int) int {
	last := daysInMonth(y, m)
	if n > last {
		n = last
	}
	switch weekdayOf(y, m, n) {
	case 6: // Saturday
		if n == 1 {
			return 3
		}
		return n - 1
	case 0: // Sunday
		if n == last {
			return last - 2
		}
		return n + 1
	default:
		return n
	}
}
