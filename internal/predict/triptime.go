package predict

import (
	"context"
	"errors"
	"time"

	"github.com/sourcegraph/conc/pool"

	"transit-predictor/internal/geo"
	"transit-predictor/internal/history"
	"transit-predictor/internal/transit"
)

// MaxSeriesRuns caps the runs of one TripTimeSeries call.
const MaxSeriesRuns = 1000

type TripOptions struct {
	// Route restricts the trip to one route; empty picks any shared route.
	Route string
	// At selects the time-of-day bucket; zero means now.
	At    time.Time
	Dates history.DateRange
}

// SeriesQuery describes a run of trip-time estimates across the day.
type SeriesQuery struct {
	Route     string
	Dates     history.DateRange
	StartTime float64 // decimal hours
	Increment float64 // decimal hours
	Runs      int
}

// TripTime estimates the seconds needed to ride from station1 to station2.
func (p *Predictor) TripTime(ctx context.Context, station1, station2 string, dir transit.Direction, opts TripOptions) (float64, error) {
	at := opts.At
	if at.IsZero() {
		at = p.clock.Now()
	}
	return p.tripTime(ctx, p.index.Snapshot(), station1, station2, dir, opts.Route, history.BucketOf(at, p.location()), opts.Dates)
}

// TripTimeSeries runs TripTime for StartTime + k*Increment, k < Runs.
// Runs with no data at all are nil.
func (p *Predictor) TripTimeSeries(ctx context.Context, station1, station2 string, dir transit.Direction, q SeriesQuery) ([]*float64, error) {
	if q.Runs <= 0 || q.Runs > MaxSeriesRuns {
		return nil, transit.Malformed("numberOfRuns", "must be between 1 and %d", MaxSeriesRuns)
	}
	if q.Runs > 1 && !(q.Increment > 0 && q.Increment <= 24) {
		return nil, transit.Malformed("seriesTimeIncrement", "must be within (0, 24] hours")
	}
	snap := p.index.Snapshot()
	// Surface unknown ids once rather than per run.
	if _, err := p.routesFor(snap, station1, station2, dir, q.Route); err != nil {
		return nil, err
	}

	out := make([]*float64, q.Runs)
	wp := pool.New().WithContext(ctx).WithMaxGoroutines(p.cfg.SeriesWorkers).WithCancelOnError()
	for k := 0; k < q.Runs; k++ {
		k := k
		bucket := history.BucketOfHours(q.StartTime + float64(k)*q.Increment)
		wp.Go(func(ctx context.Context) error {
			secs, err := p.tripTime(ctx, snap, station1, station2, dir, q.Route, bucket, q.Dates)
			switch {
			case errors.Is(err, transit.ErrInsufficientData):
				return nil
			case err != nil:
				return err
			}
			out[k] = &secs
			return nil
		})
	}
	if err := wp.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, transit.FromContext(ctxErr)
		}
		return nil, err
	}
	return out, nil
}

func (p *Predictor) tripTime(ctx context.Context, snap *geo.Snapshot, station1, station2 string, dir transit.Direction, routeID string, bucket int, dates history.DateRange) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, transit.FromContext(err)
	}
	routes, err := p.routesFor(snap, station1, station2, dir, routeID)
	if err != nil {
		return 0, err
	}
	if p.history == nil {
		return 0, transit.ErrInsufficientData
	}
	lastErr := error(transit.ErrInsufficientData)
	for _, id := range routes {
		route, err := snap.Route(id, dir)
		if err != nil {
			continue
		}
		d1, err1 := snap.StationDistance(station1, id, dir)
		d2, err2 := snap.StationDistance(station2, id, dir)
		if err1 != nil || err2 != nil {
			continue
		}
		if _, ok := remaining(route, d1, d2); !ok {
			continue
		}
		secs, err := p.history.EstimateTraversal(id, dir, spansBetween(route, d1, d2), bucket, dates)
		if err == nil {
			return secs, nil
		}
		lastErr = err
	}
	return 0, lastErr
}

// routesFor lists the candidate routes for a trip in order of preference.
func (p *Predictor) routesFor(snap *geo.Snapshot, station1, station2 string, dir transit.Direction, routeID string) ([]string, error) {
	if _, err := snap.Station(station1); err != nil {
		return nil, err
	}
	if _, err := snap.Station(station2); err != nil {
		return nil, err
	}
	if routeID != "" {
		if _, err := snap.StationDistance(station1, routeID, dir); err != nil {
			return nil, err
		}
		if _, err := snap.StationDistance(station2, routeID, dir); err != nil {
			return nil, err
		}
		return []string{routeID}, nil
	}
	routes := snap.SharedRoutes(station1, station2, dir)
	if len(routes) == 0 {
		return nil, &transit.UnknownEntityError{Kind: "route serving both stations", ID: station1 + " " + station2}
	}
	return routes, nil
}
