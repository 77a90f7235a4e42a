package tracker

import (
	"math"
	"time"
)

// boundary is a segment boundary on the unwrapped distance axis.
type boundary struct {
	odo float64 // unwrapped position
	pos float64 // position within the lap
}

type crossing struct {
	boundary
	at    time.Time
	valid bool
}

// boundariesBetween lists segment boundaries in (a, b] on the unwrapped
// axis. Boundaries sit every step km from 0, plus the route end. Loop
// routes restart the grid every lap.
func boundariesBetween(length, step float64, loop bool, a, b float64) []boundary {
	if b <= a || length <= 0 || step <= 0 {
		return nil
	}
	var out []boundary
	if !loop {
		for k := math.Floor(a/step) + 1; k*step < length && k*step <= b; k++ {
			out = append(out, boundary{odo: k * step, pos: k * step})
		}
		if a < length && b >= length {
			out = append(out, boundary{odo: length, pos: length})
		}
		return out
	}
	for base := math.Floor(a/length) * length; base <= b; base += length {
		for p := 0.0; p < length; p += step {
			u := base + p
			if u > b {
				break
			}
			if u > a {
				out = append(out, boundary{odo: u, pos: p})
			}
		}
	}
	return out
}

// interpolate returns when the vehicle passed odo, assuming constant speed
// between the two reports.
func interpolate(prev, cur sample, odo float64) time.Time {
	span := cur.odo - prev.odo
	if span <= 0 {
		return cur.at
	}
	frac := (odo - prev.odo) / span
	return prev.at.Add(time.Duration(frac * float64(cur.at.Sub(prev.at))))
}

// segmentEnd is the far boundary of the segment starting at from when the
// next boundary crossed is to.
func segmentEnd(from, to boundary, length float64) float64 {
	if to.pos > from.pos {
		return to.pos
	}
	return length
}
