package tracker

import "time"

type sample struct {
	dist float64 // projected route-distance
	odo  float64 // distance unwrapped across loop seams
	at   time.Time
}

// ring keeps the most recent reports of one vehicle.
type ring struct {
	buf  []sample
	next int
	n    int
}

func newRing(size int) ring { return ring{buf: make([]sample, size)} }

func (r *ring) push(s sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
}

func (r *ring) last() (sample, bool) {
	if r.n == 0 {
		return sample{}, false
	}
	return r.buf[(r.next-1+len(r.buf))%len(r.buf)], true
}

// first returns the oldest retained report.
func (r *ring) first() (sample, bool) {
	if r.n == 0 {
		return sample{}, false
	}
	return r.buf[(r.next-r.n+len(r.buf))%len(r.buf)], true
}

func (r *ring) len() int { return r.n }

func (r *ring) reset() { r.next, r.n = 0, 0 }
