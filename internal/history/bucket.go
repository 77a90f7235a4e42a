package history

import (
	"math"
	"time"
)

const (
	// BucketWidth is the fixed width of a time-of-day bucket.
	BucketWidth   = 30 * time.Minute
	BucketsPerDay = int(24 * time.Hour / BucketWidth)

	// NoData marks a velocity cell without samples. Real velocities are never negative.
	NoData = -1.0
)

// IsNoData reports whether v is the no-data sentinel.
func IsNoData(v float64) bool { return v < 0 }

// BucketOf returns the time-of-day bucket of t in loc.
func BucketOf(t time.Time, loc *time.Location) int {
	return secondOfDay(t, loc) / int(BucketWidth/time.Second)
}

// BucketOfHours returns the bucket containing a decimal-hours time of day.
// Values outside [0, 24) wrap around the day; NaN and infinities map to 0.
func BucketOfHours(h float64) int {
	if math.IsNaN(h) || math.IsInf(h, 0) {
		return 0
	}
	h = math.Mod(h, 24)
	if h < 0 {
		h += 24
	}
	return min(int(h*float64(time.Hour)/float64(BucketWidth)), BucketsPerDay-1)
}

func secondOfDay(t time.Time, loc *time.Location) int {
	if loc != nil {
		t = t.In(loc)
	}
	return t.Hour()*3600 + t.Minute()*60 + t.Second()
}

// dayNumber is the local calendar date of t as days since 1970-01-01.
func dayNumber(t time.Time, loc *time.Location) int32 {
	if loc != nil {
		t = t.In(loc)
	}
	y, m, d := t.Date()
	return int32(time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix() / 86400)
}

// DateRange restricts samples to service dates From..To inclusive. A zero
// bound is open.
type DateRange struct {
	From time.Time
	To   time.Time
}

func (r DateRange) IsZero() bool { return r.From.IsZero() && r.To.IsZero() }

type dayFilter struct {
	any      bool
	from, to int32
}

func (r DateRange) filter(loc *time.Location) dayFilter {
	if r.IsZero() {
		return dayFilter{any: true}
	}
	f := dayFilter{from: -1 << 30, to: 1 << 30}
	if !r.From.IsZero() {
		f.from = dayNumber(r.From, loc)
	}
	if !r.To.IsZero() {
		f.to = dayNumber(r.To, loc)
	}
	return f
}

func (f dayFilter) match(day int32) bool {
	return f.any || (day >= f.from && day <= f.to)
}
