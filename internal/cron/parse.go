package cron

import (
	"fmt"
	"strconv"
	"strings"
)

// FormatError reports a malformed cron expression together with the
// offending substring.
type FormatError struct {
	Expr   string
	Part   string
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid cron expression %q: %s in %q", e.Expr, e.Reason, e.Part)
}

const (
	minYear = 1970
	maxYear = 2099
)

type fieldBounds struct {
	name            string
	min, max        int
	names           map[string]int
	sevenIsSunday   bool
	allowWrapRanges bool
}

var (
	secondBounds = fieldBounds{name: "seconds", min: 0, max: 59}
	minuteBounds = fieldBounds{name: "minutes", min: 0, max: 59}
	hourBounds   = fieldBounds{name: "hours", min: 0, max: 23}
	domBounds    = fieldBounds{name: "day-of-month", min: 1, max: 31}
	monthBounds  = fieldBounds{name: "month", min: 1, max: 12, names: monthNames}
	dowBounds    = fieldBounds{name: "day-of-week", min: 0, max: 6, names: dowNames,
		sevenIsSunday: true, allowWrapRanges: true}
)

var monthNames = map[string]int{
	"JAN": 1, "FEB": 2, "MAR": 3, "APR": 4, "MAY": 5, "JUN": 6,
	"JUL": 7, "AUG": 8, "SEP": 9, "OCT": 10, "NOV": 11, "DEC": 12,
}

var dowNames = map[string]int{
	"SUN": 0, "MON": 1, "TUE": 2, "WED": 3, "THU": 4, "FRI": 5, "SAT": 6,
}

// Parse compiles a cron expression into a Schedule. Four shapes are
// accepted:
//
//	m h dom mon dow
//	s m h dom mon dow
//	m h dom mon dow year
//	s m h dom mon dow year
//
// A six-field expression is read as carrying a year when its last field
// contains a four-digit number, otherwise as carrying seconds. Month and
// weekday three-letter names are accepted, `?` equals `*`, and the
// day-of-month/day-of-week fields support the L, LW, nW and n#k modifiers.
func Parse(expr string) (*Schedule, error) {
	p := &parser{expr: expr}
	fields := strings.Fields(strings.TrimSpace(expr))

	var secTok, minTok, hourTok, domTok, monTok, dowTok, yearTok string
	switch len(fields) {
	case 5:
		secTok, yearTok = "0", "*"
		minTok, hourTok, domTok, monTok, dowTok = fields[0], fields[1], fields[2], fields[3], fields[4]
	case 6:
		if looksLikeYear(fields[5]) {
			secTok = "0"
			minTok, hourTok, domTok, monTok, dowTok, yearTok = fields[0], fields[1], fields[2], fields[3], fields[4], fields[5]
		} else {
			yearTok = "*"
			secTok, minTok, hourTok, domTok, monTok, dowTok = fields[0], fields[1], fields[2], fields[3], fields[4], fields[5]
		}
	case 7:
		secTok, minTok, hourTok, domTok, monTok, dowTok, yearTok = fields[0], fields[1], fields[2], fields[3], fields[4], fields[5], fields[6]
	default:
		return nil, &FormatError{Expr: expr, Part: expr, Reason: "expected 5, 6 or 7 fields"}
	}

	s := &Schedule{source: expr}
	var err error
	if s.seconds, err = p.parseField(secTok, secondBounds); err != nil {
		return nil, err
	}
	if s.minutes, err = p.parseField(minTok, minuteBounds); err != nil {
		return nil, err
	}
	if s.hours, err = p.parseField(hourTok, hourBounds); err != nil {
		return nil, err
	}
	if s.dom, err = p.parseDOM(domTok); err != nil {
		return nil, err
	}
	if s.months, err = p.parseField(monTok, monthBounds); err != nil {
		return nil, err
	}
	if s.dow, err = p.parseDOW(dowTok); err != nil {
		return nil, err
	}
	if s.years, err = p.parseYears(yearTok); err != nil {
		return nil, err
	}
	return s, nil
}

// MustParse is Parse that panics on error, for package-level schedules.
func MustParse(expr string) *Schedule {
	s, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return s
}

// looksLikeYear reports whether the token contains a run of four digits,
// which no seconds-through-weekday field can.
func looksLikeYear(tok string) bool {
	run := 0
	for i := 0; i < len(tok); i++ {
		if tok[i] >= '0' && tok[i] <= '9' {
			run++
			if run >= 4 {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

type parser struct {
	expr string
}

func (p *parser) errf(part, format string, args ...any) error {
	return &FormatError{Expr: p.expr, Part: part, Reason: fmt.Sprintf(format, args...)}
}

func (p *parser) value(tok string, b fieldBounds) (int, error) {
	if b.names != nil {
		if v, ok := b.names[strings.ToUpper(tok)]; ok {
			return v, nil
		}
	}
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, p.errf(tok, "not a number or %s name", b.name)
	}
	if b.sevenIsSunday && v == 7 {
		v = 0
	}
	if v < b.min || v > b.max {
		return 0, p.errf(tok, "%s out of range %d-%d", b.name, b.min, b.max)
	}
	return v, nil
}

// parsePart handles one comma-separated element: a wildcard, value, range,
// or any of those with a /step. The second return reports a plain `*`/`?`.
func (p *parser) parsePart(part string, b fieldBounds) (field, bool, error) {
	body, stepStr := part, ""
	if i := strings.IndexByte(part, '/'); i >= 0 {
		body, stepStr = part[:i], part[i+1:]
	}
	step := 1
	if stepStr != "" {
		n, err := strconv.Atoi(stepStr)
		if err != nil || n < 1 {
			return 0, false, p.errf(part, "step must be a positive number")
		}
		step = n
	}

	switch {
	case body == "*" || body == "?":
		return fieldRange(b.min, b.max, step), stepStr == "", nil
	case strings.Contains(body, "-"):
		i := strings.Index(body, "-")
		lo, err := p.value(body[:i], b)
		if err != nil {
			return 0, false, err
		}
		hi, err := p.value(body[i+1:], b)
		if err != nil {
			return 0, false, err
		}
		if hi < lo {
			if !b.allowWrapRanges {
				return 0, false, p.errf(part, "descending range")
			}
			return wrappedRange(lo, hi, step, b.min, b.max), false, nil
		}
		return fieldRange(lo, hi, step), false, nil
	default:
		v, err := p.value(body, b)
		if err != nil {
			return 0, false, err
		}
		if stepStr != "" {
			return fieldRange(v, b.max, step), false, nil
		}
		return fieldOf(v), false, nil
	}
}

func (p *parser) parseField(tok string, b fieldBounds) (field, error) {
	var f field
	for _, part := range strings.Split(tok, ",") {
		pf, _, err := p.parsePart(part, b)
		if err != nil {
			return 0, err
		}
		f |= pf
	}
	if f == 0 {
		return 0, p.errf(tok, "%s has no valid values", b.name)
	}
	return f, nil
}

func (p *parser) parseDOM(tok string) (domSpec, error) {
	var d domSpec
	if tok == "*" || tok == "?" {
		d.wildcard = true
		d.days = fieldRange(domBounds.min, domBounds.max, 1)
		return d, nil
	}
	for _, part := range strings.Split(tok, ",") {
		up := strings.ToUpper(part)
		switch {
		case up == "L":
			d.lastOffsets = append(d.lastOffsets, 0)
		case up == "LW":
			d.lastWeekday = true
		case strings.HasPrefix(up, "L-"):
			n, err := strconv.Atoi(up[2:])
			if err != nil || n < 0 || n > 30 {
				return d, p.errf(part, "last-day offset must be 0-30")
			}
			d.lastOffsets = append(d.lastOffsets, n)
		case strings.HasSuffix(up, "W") && up != "W":
			n, err := strconv.Atoi(up[:len(up)-1])
			if err != nil || n < 1 || n > 31 {
				return d, p.errf(part, "nearest-weekday day must be 1-31")
			}
			d.nearestWeekday = append(d.nearestWeekday, n)
		default:
			f, _, err := p.parsePart(part, domBounds)
			if err != nil {
				return d, err
			}
			d.days |= f
		}
	}
	if d.days == 0 && len(d.lastOffsets) == 0 && !d.lastWeekday && len(d.nearestWeekday) == 0 {
		return d, p.errf(tok, "day-of-month has no valid values")
	}
	return d, nil
}

func (p *parser) parseDOW(tok string) (dowSpec, error) {
	var d dowSpec
	if tok == "*" || tok == "?" {
		d.wildcard = true
		d.days = fieldRange(dowBounds.min, dowBounds.max, 1)
		return d, nil
	}
	for _, part := range strings.Split(tok, ",") {
		up := strings.ToUpper(part)
		switch {
		case strings.Contains(up, "#"):
			i := strings.Index(up, "#")
			w, err := p.value(part[:i], dowBounds)
			if err != nil {
				return d, err
			}
			k, kerr := strconv.Atoi(up[i+1:])
			if kerr != nil || k < 1 || k > 5 {
				return d, p.errf(part, "weekday occurrence must be 1-5")
			}
			d.nth = append(d.nth, nthWeekday{weekday: w, k: k})
		case strings.HasSuffix(up, "L") && up != "L":
			w, err := p.value(part[:len(part)-1], dowBounds)
			if err != nil {
				return d, err
			}
			d.lastOf |= fieldOf(w)
		default:
			f, _, err := p.parsePart(part, dowBounds)
			if err != nil {
				return d, err
			}
			d.days |= f
		}
	}
	if d.days == 0 && d.lastOf == 0 && len(d.nth) == 0 {
		return d, p.errf(tok, "day-of-week has no valid values")
	}
	return d, nil
}

// parseYears builds the valid-year set; nil means unconstrained. The year
// range exceeds 64 values, so this is the one field kept as a set.
func (p *parser) parseYears(tok string) (map[int]struct{}, error) {
	if tok == "*" || tok == "?" {
		return nil, nil
	}
	years := make(map[int]struct{})
	for _, part := range strings.Split(tok, ",") {
		body, stepStr := part, ""
		if i := strings.IndexByte(part, '/'); i >= 0 {
			body, stepStr = part[:i], part[i+1:]
		}
		step := 1
		if stepStr != "" {
			n, err := strconv.Atoi(stepStr)
			if err != nil || n < 1 {
				return nil, p.errf(part, "step must be a positive number")
			}
			step = n
		}
		lo, hi := 0, 0
		switch {
		case body == "*":
			lo, hi = minYear, maxYear
		case strings.Contains(body, "-"):
			i := strings.Index(body, "-")
			var err error
			if lo, err = p.yearValue(body[:i]); err != nil {
				return nil, err
			}
			if hi, err = p.yearValue(body[i+1:]); err != nil {
				return nil, err
			}
			if hi < lo {
				return nil, p.errf(part, "descending range")
			}
		default:
			var err error
			if lo, err = p.yearValue(body); err != nil {
				return nil, err
			}
			hi = lo
			if stepStr != "" {
				hi = maxYear
			}
		}
		for v := lo; v <= hi; v += step {
			years[v] = struct{}{}
		}
	}
	if len(years) == 0 {
		return nil, p.errf(tok, "year has no valid values")
	}
	return years, nil
}

func (p *parser) yearValue(tok string) (int, error) {
	v, err := strconv.Atoi(tok)
	if err != nil {
		return 0, p.errf(tok, "not a number")
	}
	if v < minYear || v > maxYear {
		return 0, p.errf(tok, "year out of range %d-%d", minYear, maxYear)
	}
	return v, nil
}
