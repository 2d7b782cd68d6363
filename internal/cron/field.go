package cron

import "math/bits"

// field is a set of integers in [0, 63] packed into a 64-bit mask.
type field uint64

func fieldOf(v int) field { return 1 << uint(v) }

// fieldRange returns {lo, lo+step, ...} capped at hi inclusive.
func fieldRange(lo, hi, step int) field {
	var f field
	for v := lo; v <= hi; v += step {
		f |= fieldOf(v)
	}
	return f
}

// wrappedRange builds a range that may wrap past max back to min, stepping
// through the wrapped sequence (SAT-MON means SAT, SUN, MON).
func wrappedRange(lo, hi, step, min, max int) field {
	if lo <= hi {
		return fieldRange(lo, hi, step)
	}
	span := max - min + 1
	length := hi + span - lo
	var f field
	for off := 0; off <= length; off += step {
		v := lo + off
		if v > max {
			v -= span
		}
		f |= fieldOf(v)
	}
	return f
}

func (f field) contains(v int) bool {
	return v >= 0 && v <= 63 && f&fieldOf(v) != 0
}

// firstSet returns the smallest member, or -1 when empty.
func (f field) firstSet() int {
	if f == 0 {
		return -1
	}
	return bits.TrailingZeros64(uint64(f))
}

// nextAtOrAfter returns the smallest member >= v, or -1 when none remains.
func (f field) nextAtOrAfter(v int) int {
	if v < 0 {
		v = 0
	}
	if v > 63 {
		return -1
	}
	masked := uint64(f) &^ (1<<uint(v) - 1)
	if masked == 0 {
		return -1
	}
	return bits.TrailingZeros64(masked)
}
