package history

import (
	"fmt"
	"math"

	"transit-predictor/internal/transit"
)

// Span is a route-distance interval in km.
type Span struct {
	From float64
	To   float64
}

func (s Span) Length() float64 { return s.To - s.From }

const distEpsilon = 1e-6

// QuerySegments returns the elapsed seconds recorded in bucket for every
// segment lying within [from, to], ordered by segment start then by the
// order samples were flushed.
func (a *Aggregator) QuerySegments(routeID string, dir transit.Direction, from, to float64, bucket int) []float64 {
	if bucket < 0 || bucket >= BucketsPerDay {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	t := a.tables[transit.RouteKey{RouteID: routeID, Direction: dir}]
	if t == nil {
		return nil
	}
	var out []float64
	for _, seg := range t.order {
		if seg.start < from-distEpsilon || seg.end > to+distEpsilon {
			continue
		}
		for _, e := range seg.buckets[bucket] {
			out = append(out, e.elapsed)
		}
	}
	return out
}

// HasData reports whether any sample exists for the route variant.
func (a *Aggregator) HasData(routeID string, dir transit.Direction) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t := a.tables[transit.RouteKey{RouteID: routeID, Direction: dir}]
	return t != nil && t.totalSec > 0
}

// RouteAverage is the average velocity in km/h over every sample of the
// route variant whose date passes the filter.
func (a *Aggregator) RouteAverage(routeID string, dir transit.Direction, dates DateRange) (float64, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	kmPerSec, ok := a.routeAverage(routeID, dir, dates.filter(a.cfg.Location))
	return kmPerSec * 3600, ok
}

func (a *Aggregator) routeAverage(routeID string, dir transit.Direction, f dayFilter) (float64, bool) {
	t := a.tables[transit.RouteKey{RouteID: routeID, Direction: dir}]
	if t == nil {
		return 0, false
	}
	km, sec := t.totalKm, t.totalSec
	if !f.any {
		km, sec = 0, 0
		for _, seg := range t.order {
			for b := range seg.buckets {
				for _, e := range seg.buckets[b] {
					if f.match(e.day) {
						km += seg.length()
						sec += e.elapsed
					}
				}
			}
		}
	}
	if sec <= 0 {
		return 0, false
	}
	return km / sec, true
}

// mean returns the average elapsed seconds of a segment's samples in bucket.
func (s *segment) mean(bucket int, f dayFilter) (float64, bool) {
	sum, n := 0.0, 0
	for _, e := range s.buckets[bucket] {
		if f.match(e.day) {
			sum += e.elapsed
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// AverageVelocity is the historical velocity in km/h over the spans for a
// bucket, using only segments with samples in that bucket.
func (a *Aggregator) AverageVelocity(routeID string, dir transit.Direction, spans []Span, bucket int) (float64, bool) {
	if bucket < 0 || bucket >= BucketsPerDay {
		return 0, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	t := a.tables[transit.RouteKey{RouteID: routeID, Direction: dir}]
	if t == nil {
		return 0, false
	}
	all := dayFilter{any: true}
	km, sec := 0.0, 0.0
	for _, sp := range spans {
		for _, seg := range t.order {
			overlap := math.Min(seg.end, sp.To) - math.Max(seg.start, sp.From)
			if overlap <= 0 {
				continue
			}
			m, ok := seg.mean(bucket, all)
			if !ok {
				continue
			}
			km += overlap
			sec += m * overlap / seg.length()
		}
	}
	if sec <= 0 {
		return 0, false
	}
	return km / sec * 3600, true
}

// EstimateTraversal estimates the seconds needed to cover the spans in a
// bucket. Segments with samples in the bucket contribute their mean time;
// the rest of the distance is covered at the route-wide average velocity.
// It fails with ErrInsufficientData only when the route variant has no
// samples at all.
func (a *Aggregator) EstimateTraversal(routeID string, dir transit.Direction, spans []Span, bucket int, dates DateRange) (float64, error) {
	if bucket < 0 || bucket >= BucketsPerDay {
		return 0, transit.Malformed("bucket", "%d out of range", bucket)
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	f := dates.filter(a.cfg.Location)
	avg, ok := a.routeAverage(routeID, dir, f)
	if !ok {
		return 0, fmt.Errorf("%w for route %s %s", transit.ErrInsufficientData, routeID, dir)
	}
	t := a.tables[transit.RouteKey{RouteID: routeID, Direction: dir}]

	total, covered, length := 0.0, 0.0, 0.0
	for _, sp := range spans {
		if sp.Length() <= 0 {
			continue
		}
		length += sp.Length()
		for _, seg := range t.order {
			overlap := math.Min(seg.end, sp.To) - math.Max(seg.start, sp.From)
			if overlap <= 0 {
				continue
			}
			m, ok := seg.mean(bucket, f)
			if !ok {
				continue
			}
			total += m * overlap / seg.length()
			covered += overlap
		}
	}
	if rest := length - covered; rest > 0 {
		total += rest / avg
	}
	return total, nil
}
