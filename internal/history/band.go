package history

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/eko/gocache/lib/v4/store"

	"transit-predictor/internal/transit"
)

// maxBandCells bounds the size of a velocity band grid.
const maxBandCells = 100000

// BandQuery selects a distance by time-of-day grid. Times are decimal
// hours; an end time at or before the start wraps past midnight.
type BandQuery struct {
	StartDistance     float64
	EndDistance       float64
	DistanceIncrement float64
	StartTimeOfDay    float64
	EndTimeOfDay      float64
	TimeIncrement     float64
	Dates             DateRange
}

func (q BandQuery) window() float64 {
	w := q.EndTimeOfDay - q.StartTimeOfDay
	if w <= 0 {
		w += 24
	}
	return w
}

func (q BandQuery) dims() (rows, cols int, err error) {
	if !(q.DistanceIncrement > 0) {
		return 0, 0, transit.Malformed("distanceIncrement", "must be positive")
	}
	if !(q.TimeIncrement > 0) {
		return 0, 0, transit.Malformed("timeIncrement", "must be positive")
	}
	if !(q.EndDistance > q.StartDistance) {
		return 0, 0, transit.Malformed("distance", "end %.3f must be beyond start %.3f", q.EndDistance, q.StartDistance)
	}
	if q.StartTimeOfDay < 0 || q.StartTimeOfDay >= 24 || q.EndTimeOfDay < 0 || q.EndTimeOfDay > 24 {
		return 0, 0, transit.Malformed("time", "time of day must be within 0..24 hours")
	}
	rows = int(math.Ceil((q.EndDistance-q.StartDistance)/q.DistanceIncrement - 1e-9))
	cols = int(math.Ceil(q.window()/q.TimeIncrement - 1e-9))
	if rows*cols > maxBandCells {
		return 0, 0, transit.Malformed("increment", "grid of %dx%d cells is too large", rows, cols)
	}
	return rows, cols, nil
}

func (q BandQuery) cacheKey(routeID string, dir transit.Direction) string {
	var from, to int64
	if !q.Dates.From.IsZero() {
		from = q.Dates.From.Unix()
	}
	if !q.Dates.To.IsZero() {
		to = q.Dates.To.Unix()
	}
	return fmt.Sprintf("transitd:band:%s:%s:%g:%g:%g:%g:%g:%g:%d:%d", routeID, dir,
		q.StartDistance, q.EndDistance, q.DistanceIncrement,
		q.StartTimeOfDay, q.EndTimeOfDay, q.TimeIncrement, from, to)
}

// VelocityBand returns the historical average velocity in km/h for each
// distance cell (rows) and time-of-day cell (columns). Cells without samples
// hold NoData.
func (a *Aggregator) VelocityBand(ctx context.Context, routeID string, dir transit.Direction, q BandQuery) ([][]float64, error) {
	rows, cols, err := q.dims()
	if err != nil {
		return nil, err
	}

	key := q.cacheKey(routeID, dir)
	if grid, ok := a.cachedBand(ctx, key, rows, cols); ok {
		return grid, nil
	}

	grid, err := a.computeBand(ctx, routeID, dir, q, rows, cols)
	if err != nil {
		return nil, err
	}

	if a.cache != nil {
		if b, err := json.Marshal(grid); err == nil {
			if err := a.cache.Set(ctx, key, string(b), store.WithExpiration(a.cfg.CacheTTL)); err != nil {
				a.logger.Debug().Err(err).Msg("Failed to cache velocity band")
			}
		}
	}
	return grid, nil
}

func (a *Aggregator) cachedBand(ctx context.Context, key string, rows, cols int) ([][]float64, bool) {
	if a.cache == nil {
		return nil, false
	}
	v, err := a.cache.Get(ctx, key)
	if err != nil {
		if a.metrics != nil {
			a.metrics.BandCacheLookups.WithLabelValues("miss").Inc()
		}
		return nil, false
	}
	var grid [][]float64
	if err := json.Unmarshal([]byte(v), &grid); err != nil || len(grid) != rows || (rows > 0 && len(grid[0]) != cols) {
		return nil, false
	}
	if a.metrics != nil {
		a.metrics.BandCacheLookups.WithLabelValues("hit").Inc()
	}
	return grid, true
}

func (a *Aggregator) computeBand(ctx context.Context, routeID string, dir transit.Direction, q BandQuery, rows, cols int) ([][]float64, error) {
	km := make([][]float64, rows)
	sec := make([][]float64, rows)
	for i := range km {
		km[i] = make([]float64, cols)
		sec[i] = make([]float64, cols)
	}

	f := q.Dates.filter(a.cfg.Location)
	window := q.window()

	a.mu.RLock()
	t := a.tables[transit.RouteKey{RouteID: routeID, Direction: dir}]
	if t != nil {
		for _, seg := range t.order {
			if err := ctx.Err(); err != nil {
				a.mu.RUnlock()
				return nil, transit.FromContext(err)
			}
			if seg.end <= q.StartDistance || seg.start >= q.EndDistance {
				continue
			}
			first := int(math.Max(0, math.Floor((seg.start-q.StartDistance)/q.DistanceIncrement)))
			for row := first; row < rows; row++ {
				lo := q.StartDistance + float64(row)*q.DistanceIncrement
				hi := math.Min(lo+q.DistanceIncrement, q.EndDistance)
				if lo >= seg.end {
					break
				}
				overlap := math.Min(seg.end, hi) - math.Max(seg.start, lo)
				if overlap <= 0 {
					continue
				}
				frac := overlap / seg.length()
				for b := range seg.buckets {
					for _, e := range seg.buckets[b] {
						if !f.match(e.day) {
							continue
						}
						off := float64(e.tod)/3600 - q.StartTimeOfDay
						if off < 0 {
							off += 24
						}
						if off >= window {
							continue
						}
						col := int(off / q.TimeIncrement)
						if col >= cols {
							continue
						}
						km[row][col] += overlap
						sec[row][col] += e.elapsed * frac
					}
				}
			}
		}
	}
	a.mu.RUnlock()

	grid := make([][]float64, rows)
	for i := range grid {
		grid[i] = make([]float64, cols)
		for j := range grid[i] {
			if sec[i][j] > 0 {
				grid[i][j] = km[i][j] / sec[i][j] * 3600
			} else {
				grid[i][j] = NoData
			}
		}
	}
	return grid, nil
}
