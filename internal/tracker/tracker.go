package tracker

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"transit-predictor/internal/clock"
	"transit-predictor/internal/geo"
	"transit-predictor/internal/metrics"
	"transit-predictor/internal/transit"
)

const shardCount = 32

var (
	ErrTooSoon    = errors.New("report too soon after previous")
	ErrOutOfOrder = errors.New("report not newer than previous")
	ErrOffRoute   = errors.New("report too far from route")
)

// CrossingSink receives one traversal per pair of consecutive segment
// boundary crossings.
type CrossingSink interface {
	RecordCrossing(vehicleID, routeID string, dir transit.Direction, from, to, elapsedSeconds float64, timestamp time.Time)
}

type Config struct {
	HistorySize   int
	Freshness     time.Duration
	MinInterval   time.Duration
	SegmentLength float64 // km
	MaxOffRoute   float64 // km, 0 disables the check
}

func (c Config) withDefaults() Config {
	if c.HistorySize < 2 {
		c.HistorySize = 4
	}
	if c.Freshness <= 0 {
		c.Freshness = 5 * time.Minute
	}
	if c.SegmentLength <= 0 {
		c.SegmentLength = 0.25
	}
	return c
}

type vehicle struct {
	id      string
	mu      sync.Mutex
	key     transit.RouteKey
	history ring
	reach   float64 // furthest unwrapped distance checked for crossings
	cross   crossing
	evicted bool
	state   atomic.Pointer[transit.VehicleState]
}

func (v *vehicle) reset(key transit.RouteKey) {
	v.key = key
	v.history.reset()
	v.reach = 0
	v.cross = crossing{}
}

type shard struct {
	mu       sync.RWMutex
	vehicles map[string]*vehicle
}

// Tracker keeps the latest state of every vehicle. Reports for different
// vehicles proceed in parallel; reports for one vehicle are serialized.
type Tracker struct {
	cfg     Config
	index   *geo.Index
	sink    CrossingSink
	clock   clock.Clock
	metrics *metrics.Collector
	logger  zerolog.Logger
	shards  [shardCount]shard

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Tracker)

func WithSink(s CrossingSink) Option         { return func(t *Tracker) { t.sink = s } }
func WithClock(c clock.Clock) Option         { return func(t *Tracker) { t.clock = c } }
func WithMetrics(m *metrics.Collector) Option { return func(t *Tracker) { t.metrics = m } }

func New(index *geo.Index, cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:    cfg.withDefaults(),
		index:  index,
		clock:  clock.RealClock{},
		logger: log.With().Str("component", "tracker").Logger(),
	}
	for i := range t.shards {
		t.shards[i].vehicles = make(map[string]*vehicle)
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

func (t *Tracker) Freshness() time.Duration { return t.cfg.Freshness }

func (t *Tracker) shardFor(id string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &t.shards[h.Sum32()%shardCount]
}

func (t *Tracker) vehicle(id string) *vehicle {
	sh := t.shardFor(id)
	sh.mu.RLock()
	v, ok := sh.vehicles[id]
	sh.mu.RUnlock()
	if ok {
		return v
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if v, ok = sh.vehicles[id]; ok {
		return v
	}
	v = &vehicle{id: id, history: newRing(t.cfg.HistorySize)}
	sh.vehicles[id] = v
	return v
}

// acquire returns the vehicle locked. A vehicle swept between lookup and
// lock is looked up again.
func (t *Tracker) acquire(id string) *vehicle {
	for {
		v := t.vehicle(id)
		v.mu.Lock()
		if !v.evicted {
			return v
		}
		v.mu.Unlock()
	}
}

// restartJump is how far a vehicle must fall back on a non-loop route to
// count as starting a new trip.
func (t *Tracker) restartJump(route *transit.Route) float64 {
	return max(2*t.cfg.SegmentLength, route.Length()/2)
}

// Ingest applies one position report. Reports that are older than the
// last retained one, or arrive within MinInterval of it, are discarded.
func (t *Tracker) Ingest(r transit.VehicleReport) error {
	if r.VehicleID == "" {
		return transit.Malformed("vehicle", "missing vehicle id")
	}
	if r.Timestamp.IsZero() {
		return transit.Malformed("timestamp", "missing timestamp")
	}
	route, err := t.index.Snapshot().Route(r.RouteID, r.Direction)
	if err != nil {
		return err
	}
	p := geo.ProjectOnto(route.Vertices, r.Lat, r.Lon)
	if t.cfg.MaxOffRoute > 0 && p.Offset > t.cfg.MaxOffRoute {
		return fmt.Errorf("%w: %.0f m from %s", ErrOffRoute, p.Offset*1000, route.ID)
	}

	key := transit.RouteKey{RouteID: route.ID, Direction: route.Direction}
	v := t.acquire(r.VehicleID)
	defer v.mu.Unlock()

	if v.key != key {
		v.reset(key)
	}
	prev, ok := v.history.last()
	if ok {
		gap := r.Timestamp.Sub(prev.at)
		switch {
		case gap <= 0:
			return ErrOutOfOrder
		case gap < t.cfg.MinInterval:
			return ErrTooSoon
		case gap > t.cfg.Freshness:
			// stale history
			v.reset(key)
			ok = false
		case !route.Loop && prev.dist-p.Distance > t.restartJump(route):
			// back near the start: a new trip on the same route
			v.reset(key)
			ok = false
		}
	}

	cur := sample{dist: p.Distance, at: r.Timestamp}
	st := &transit.VehicleState{
		VehicleID:  r.VehicleID,
		BlockID:    r.BlockID,
		RouteID:    route.ID,
		Direction:  route.Direction,
		Lat:        r.Lat,
		Lon:        r.Lon,
		Distance:   p.Distance,
		LastUpdate: r.Timestamp,
	}
	if ok {
		delta := p.Distance - prev.dist
		if route.Loop {
			length := route.Length()
			if delta < -length/2 {
				delta += length
			} else if delta > length/2 {
				delta -= length
			}
		}
		cur.odo = prev.odo + delta
		vel := delta / r.Timestamp.Sub(prev.at).Seconds()
		if first, _ := v.history.first(); vel < 0 && v.history.len() > 1 {
			// Position jitter; measure across the retained window instead.
			vel = (cur.odo - first.odo) / r.Timestamp.Sub(first.at).Seconds()
		}
		if vel < 0 {
			vel = 0
		}
		st.Velocity, st.HasVelocity = vel, true
		t.detectCrossings(v, route, prev, cur)
	} else {
		cur.odo = p.Distance
		v.reach = cur.odo
	}
	v.history.push(cur)
	v.state.Store(st)
	return nil
}

func (t *Tracker) detectCrossings(v *vehicle, route *transit.Route, prev, cur sample) {
	if cur.odo <= v.reach {
		return
	}
	length := route.Length()
	for _, b := range boundariesBetween(length, t.cfg.SegmentLength, route.Loop, v.reach, cur.odo) {
		at := interpolate(prev, cur, b.odo)
		if v.cross.valid && t.sink != nil {
			to := segmentEnd(v.cross.boundary, b, length)
			t.sink.RecordCrossing(v.id, route.ID, route.Direction, v.cross.pos, to, at.Sub(v.cross.at).Seconds(), v.cross.at)
		}
		v.cross = crossing{boundary: b, at: at, valid: true}
	}
	v.reach = cur.odo
}

// Vehicle returns the latest state of one vehicle.
func (t *Tracker) Vehicle(id string) (transit.VehicleState, bool) {
	sh := t.shardFor(id)
	sh.mu.RLock()
	v, ok := sh.vehicles[id]
	sh.mu.RUnlock()
	if !ok {
		return transit.VehicleState{}, false
	}
	st := v.state.Load()
	if st == nil {
		return transit.VehicleState{}, false
	}
	return *st, true
}

// ActiveVehicles returns the fresh vehicles on a route variant, ordered by
// vehicle id.
func (t *Tracker) ActiveVehicles(routeID string, dir transit.Direction) []transit.VehicleState {
	now := t.clock.Now()
	var out []transit.VehicleState
	t.each(func(st *transit.VehicleState) {
		if st.RouteID == routeID && st.Direction == dir && st.Fresh(now, t.cfg.Freshness) {
			out = append(out, *st)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

func (t *Tracker) each(fn func(st *transit.VehicleState)) {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.RLock()
		for _, v := range sh.vehicles {
			if st := v.state.Load(); st != nil {
				fn(st)
			}
		}
		sh.mu.RUnlock()
	}
}

// Counts returns how many vehicles are held and how many of them are fresh.
func (t *Tracker) Counts() (tracked, active int) {
	now := t.clock.Now()
	t.each(func(st *transit.VehicleState) {
		tracked++
		if st.Fresh(now, t.cfg.Freshness) {
			active++
		}
	})
	return tracked, active
}

// Sweep drops vehicles idle for longer than four freshness windows and
// returns how many were removed.
func (t *Tracker) Sweep() int {
	now := t.clock.Now()
	idle := 4 * t.cfg.Freshness
	removed, tracked, active := 0, 0, 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for id, v := range sh.vehicles {
			v.mu.Lock()
			st := v.state.Load()
			if st == nil || now.Sub(st.LastUpdate) > idle {
				v.evicted = true
				v.mu.Unlock()
				delete(sh.vehicles, id)
				removed++
				continue
			}
			v.mu.Unlock()
			tracked++
			if st.Fresh(now, t.cfg.Freshness) {
				active++
			}
		}
		sh.mu.Unlock()
	}
	if t.metrics != nil {
		t.metrics.TrackedVehicles.Set(float64(tracked))
		t.metrics.ActiveVehicles.Set(float64(active))
	}
	return removed
}

// Start runs Sweep periodically until Stop.
func (t *Tracker) Start(parent context.Context, every time.Duration) {
	ctx, cancel := context.WithCancel(parent)
	t.cancel = cancel
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := t.Sweep(); n > 0 {
					t.logger.Debug().Int("vehicles", n).Msg("Evicted idle vehicles")
				}
			}
		}
	}()
}

func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}
