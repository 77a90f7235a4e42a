package predict

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"transit-predictor/internal/clock"
	"transit-predictor/internal/geo"
	"transit-predictor/internal/history"
	"transit-predictor/internal/metrics"
	"transit-predictor/internal/transit"
)

// Vehicles supplies the fresh vehicles of a route variant.
type Vehicles interface {
	ActiveVehicles(routeID string, dir transit.Direction) []transit.VehicleState
}

// History supplies historical traversal times.
type History interface {
	Location() *time.Location
	AverageVelocity(routeID string, dir transit.Direction, spans []history.Span, bucket int) (float64, bool)
	EstimateTraversal(routeID string, dir transit.Direction, spans []history.Span, bucket int, dates history.DateRange) (float64, error)
}

type Config struct {
	// InstantWeight is the share of the instantaneous velocity in a blend.
	InstantWeight   float64
	StoppedSpeedKmh float64
	DefaultSpeedKmh float64
	// SeriesWorkers bounds the parallelism of TripTimeSeries.
	SeriesWorkers int
}

func (c Config) withDefaults() Config {
	if c.InstantWeight < 0 || c.InstantWeight > 1 {
		c.InstantWeight = 0.5
	}
	if c.StoppedSpeedKmh <= 0 {
		c.StoppedSpeedKmh = 3
	}
	if c.DefaultSpeedKmh <= 0 {
		c.DefaultSpeedKmh = 15
	}
	if c.SeriesWorkers <= 0 {
		c.SeriesWorkers = 8
	}
	return c
}

type Predictor struct {
	index    *geo.Index
	vehicles Vehicles
	history  History
	cfg      Config
	clock    clock.Clock
	metrics  *metrics.Collector
	logger   zerolog.Logger
}

type Option func(*Predictor)

func WithClock(c clock.Clock) Option         { return func(p *Predictor) { p.clock = c } }
func WithMetrics(m *metrics.Collector) Option { return func(p *Predictor) { p.metrics = m } }

// New builds a predictor. hist may be nil, in which case only live
// velocities and the default speed are used.
func New(index *geo.Index, vehicles Vehicles, hist History, cfg Config, opts ...Option) *Predictor {
	p := &Predictor{
		index:    index,
		vehicles: vehicles,
		history:  hist,
		cfg:      cfg.withDefaults(),
		clock:    clock.RealClock{},
		logger:   log.With().Str("component", "predict").Logger(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Predictor) location() *time.Location {
	if p.history != nil && p.history.Location() != nil {
		return p.history.Location()
	}
	return time.Local
}

// Predict estimates when each fresh vehicle of the route variant reaches
// the station, soonest first. No fresh vehicles yields an empty result.
func (p *Predictor) Predict(ctx context.Context, stationID, routeID string, dir transit.Direction) ([]transit.ArrivalEstimate, error) {
	snap := p.index.Snapshot()
	target, err := snap.StationDistance(stationID, routeID, dir)
	if err != nil {
		return nil, err
	}
	route, err := snap.Route(routeID, dir)
	if err != nil {
		return nil, err
	}
	return p.estimate(ctx, route, stationID, target, nil)
}

// PredictAt is Predict for an arbitrary coordinate projected onto the route.
func (p *Predictor) PredictAt(ctx context.Context, lat, lon float64, routeID string, dir transit.Direction) ([]transit.ArrivalEstimate, error) {
	snap := p.index.Snapshot()
	route, err := snap.Route(routeID, dir)
	if err != nil {
		return nil, err
	}
	target := geo.ProjectOnto(route.Vertices, lat, lon).Distance
	return p.estimate(ctx, route, "", target, nil)
}

// TravelTo estimates arrivals at the second point for vehicles that have
// not yet passed the first.
func (p *Predictor) TravelTo(ctx context.Context, routeID string, dir transit.Direction, lat1, lon1, lat2, lon2 float64) ([]transit.ArrivalEstimate, error) {
	snap := p.index.Snapshot()
	route, err := snap.Route(routeID, dir)
	if err != nil {
		return nil, err
	}
	from := geo.ProjectOnto(route.Vertices, lat1, lon1).Distance
	to := geo.ProjectOnto(route.Vertices, lat2, lon2).Distance
	behind := func(v transit.VehicleState) bool {
		r1, ok1 := remaining(route, v.Distance, from)
		r2, ok2 := remaining(route, v.Distance, to)
		return ok1 && ok2 && r1 <= r2
	}
	return p.estimate(ctx, route, "", to, behind)
}

func (p *Predictor) estimate(ctx context.Context, route *transit.Route, stationID string, target float64, keep func(transit.VehicleState) bool) ([]transit.ArrivalEstimate, error) {
	start := time.Now()
	if p.metrics != nil {
		defer func() { p.metrics.PredictDuration.Observe(time.Since(start).Seconds()) }()
	}
	if err := ctx.Err(); err != nil {
		return nil, transit.FromContext(err)
	}

	now := p.clock.Now()
	bucket := history.BucketOf(now, p.location())
	out := []transit.ArrivalEstimate{}
	for _, v := range p.vehicles.ActiveVehicles(route.ID, route.Direction) {
		if err := ctx.Err(); err != nil {
			return nil, transit.FromContext(err)
		}
		if keep != nil && !keep(v) {
			continue
		}
		km, ok := remaining(route, v.Distance, target)
		if !ok {
			continue
		}
		spans := spansBetween(route, v.Distance, target)

		vHist, hasHist := 0.0, false
		if p.history != nil {
			vHist, hasHist = p.history.AverageVelocity(route.ID, route.Direction, spans, bucket)
			hasHist = hasHist && vHist > 0
		}
		speed, src := p.blend(v, vHist, hasHist)

		est := transit.ArrivalEstimate{
			VehicleID:   v.VehicleID,
			BlockID:     v.BlockID,
			StationID:   stationID,
			Arrival:     now.Add(hoursToDuration(km / speed)),
			Source:      src,
			RemainingKm: km,
			VelocityKmh: speed,
		}
		if hasHist {
			h := now.Add(hoursToDuration(km / vHist))
			est.HistoricalArrival = &h
		}
		out = append(out, est)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Arrival.Equal(out[j].Arrival) {
			return out[i].Arrival.Before(out[j].Arrival)
		}
		return out[i].VehicleID < out[j].VehicleID
	})
	return out, nil
}

// blend picks the effective velocity in km/h. The instantaneous share
// shrinks linearly to zero as the vehicle slows below the stopped speed.
func (p *Predictor) blend(v transit.VehicleState, vHist float64, hasHist bool) (float64, transit.VelocitySource) {
	vInst := v.VelocityKmh()
	moving := v.HasVelocity && vInst >= p.cfg.StoppedSpeedKmh
	switch {
	case v.HasVelocity && hasHist:
		w := p.cfg.InstantWeight
		if vInst < p.cfg.StoppedSpeedKmh {
			w *= vInst / p.cfg.StoppedSpeedKmh
		}
		if w <= 0 {
			return vHist, transit.SourceHistorical
		}
		return w*vInst + (1-w)*vHist, transit.SourceBlended
	case hasHist:
		return vHist, transit.SourceHistorical
	case moving:
		return vInst, transit.SourceInstantaneous
	default:
		return p.cfg.DefaultSpeedKmh, transit.SourceDefault
	}
}

// remaining is the distance left from a vehicle at from to target. Vehicles
// at or past the target are excluded unless the route loops.
func remaining(route *transit.Route, from, target float64) (float64, bool) {
	if from < target {
		return target - from, true
	}
	if route.Loop {
		return route.Length() - from + target, true
	}
	return 0, false
}

func spansBetween(route *transit.Route, from, to float64) []history.Span {
	if from <= to || !route.Loop {
		return []history.Span{{From: from, To: to}}
	}
	return []history.Span{{From: from, To: route.Length()}, {From: 0, To: to}}
}

func hoursToDuration(h float64) time.Duration {
	return time.Duration(h * float64(time.Hour))
}
