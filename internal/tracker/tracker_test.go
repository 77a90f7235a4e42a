package tracker

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-predictor/internal/clock"
	"transit-predictor/internal/geo"
	"transit-predictor/internal/transit"
)

var t0 = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

// straight returns a 4 km route along the equator with one vertex per km.
func straight(id string, dir transit.Direction, loop bool) *transit.Route {
	vs := make([]transit.Vertex, 5)
	for i := range vs {
		vs[i] = transit.Vertex{Lat: 0, Lon: 0.01 * float64(i), Dist: float64(i)}
	}
	return &transit.Route{ID: id, Direction: dir, Loop: loop, Vertices: vs}
}

type crossingRec struct {
	vehicle  string
	from, to float64
	elapsed  float64
	entered  time.Time
}

type fakeSink struct {
	mu   sync.Mutex
	recs []crossingRec
}

func (f *fakeSink) RecordCrossing(vehicleID, _ string, _ transit.Direction, from, to, elapsed float64, ts time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recs = append(f.recs, crossingRec{vehicle: vehicleID, from: from, to: to, elapsed: elapsed, entered: ts})
}

func (f *fakeSink) all() []crossingRec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]crossingRec(nil), f.recs...)
}

func newTracker(t *testing.T, opts ...Option) (*Tracker, *clock.MockClock) {
	t.Helper()
	ix := geo.NewIndex(geo.Dataset{Routes: []*transit.Route{
		straight("10", transit.East, false),
		straight("20", transit.East, false),
		straight("L1", transit.North, true),
	}})
	clk := clock.NewMockClock(t0)
	cfg := Config{
		HistorySize:   4,
		Freshness:     5 * time.Minute,
		MinInterval:   5 * time.Second,
		SegmentLength: 0.25,
		MaxOffRoute:   0.3,
	}
	return New(ix, cfg, append([]Option{WithClock(clk)}, opts...)...), clk
}

// report places a vehicle km along the equator route.
func report(vehicle, route string, dir transit.Direction, km float64, at time.Time) transit.VehicleReport {
	return transit.VehicleReport{
		VehicleID: vehicle,
		RouteID:   route,
		Direction: dir,
		Timestamp: at,
		Lat:       0,
		Lon:       km * 0.01,
	}
}

func TestVelocityFromConsecutiveReports(t *testing.T) {
	tr, _ := newTracker(t)

	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 1, t0)))
	st, ok := tr.Vehicle("v1")
	require.True(t, ok)
	assert.False(t, st.HasVelocity)
	assert.Equal(t, 1.0, st.Distance)

	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 2, t0.Add(time.Minute))))
	st, _ = tr.Vehicle("v1")
	require.True(t, st.HasVelocity)
	assert.InDelta(t, 1.0/60, st.Velocity, 1e-12)
	assert.InDelta(t, 60, st.VelocityKmh(), 1e-9)
	assert.Equal(t, t0.Add(time.Minute), st.LastUpdate)
}

func TestBackwardsMovementFloorsVelocity(t *testing.T) {
	tr, _ := newTracker(t)
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 2, t0)))
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 1.9, t0.Add(30*time.Second))))
	st, _ := tr.Vehicle("v1")
	assert.True(t, st.HasVelocity)
	assert.Equal(t, 0.0, st.Velocity)
}

func TestDiscardsEarlyAndOutOfOrderReports(t *testing.T) {
	tr, _ := newTracker(t)
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 1, t0)))

	err := tr.Ingest(report("v1", "10", transit.East, 1.01, t0.Add(3*time.Second)))
	assert.ErrorIs(t, err, ErrTooSoon)

	err = tr.Ingest(report("v1", "10", transit.East, 0.9, t0.Add(-time.Minute)))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	err = tr.Ingest(report("v1", "10", transit.East, 0.9, t0))
	assert.ErrorIs(t, err, ErrOutOfOrder)

	st, _ := tr.Vehicle("v1")
	assert.Equal(t, 1.0, st.Distance)
	assert.Equal(t, t0, st.LastUpdate)
}

func TestRejectsInvalidReports(t *testing.T) {
	tr, _ := newTracker(t)

	err := tr.Ingest(report("v1", "99", transit.East, 1, t0))
	assert.ErrorIs(t, err, transit.ErrUnknownEntity)

	err = tr.Ingest(report("", "10", transit.East, 1, t0))
	assert.ErrorIs(t, err, transit.ErrMalformedRequest)

	off := report("v1", "10", transit.East, 1, t0)
	off.Lat = 0.01
	err = tr.Ingest(off)
	assert.ErrorIs(t, err, ErrOffRoute)

	_, ok := tr.Vehicle("v1")
	assert.False(t, ok)
}

func TestActiveVehiclesFreshness(t *testing.T) {
	tr, clk := newTracker(t)
	require.NoError(t, tr.Ingest(report("b", "10", transit.East, 1, t0)))
	require.NoError(t, tr.Ingest(report("a", "10", transit.East, 2, t0.Add(2*time.Minute))))
	require.NoError(t, tr.Ingest(report("c", "20", transit.East, 2, t0)))

	clk.Set(t0.Add(3 * time.Minute))
	active := tr.ActiveVehicles("10", transit.East)
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].VehicleID)
	assert.Equal(t, "b", active[1].VehicleID)

	clk.Set(t0.Add(6 * time.Minute))
	active = tr.ActiveVehicles("10", transit.East)
	require.Len(t, active, 1)
	assert.Equal(t, "a", active[0].VehicleID)

	assert.Empty(t, tr.ActiveVehicles("10", transit.West))
}

func TestRouteChangeResetsHistory(t *testing.T) {
	tr, _ := newTracker(t)
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 1, t0)))
	require.NoError(t, tr.Ingest(report("v1", "20", transit.East, 1.5, t0.Add(time.Minute))))

	st, _ := tr.Vehicle("v1")
	assert.Equal(t, "20", st.RouteID)
	assert.False(t, st.HasVelocity)
	assert.Empty(t, tr.ActiveVehicles("10", transit.East))
}

func TestStaleGapResetsHistory(t *testing.T) {
	sink := &fakeSink{}
	tr, _ := newTracker(t, WithSink(sink))
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 0.1, t0)))
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 0.6, t0.Add(10*time.Minute))))
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 0.9, t0.Add(11*time.Minute))))

	st, _ := tr.Vehicle("v1")
	assert.True(t, st.HasVelocity)
	assert.InDelta(t, 0.3/60, st.Velocity, 1e-6)
	// Only 0.75 was crossed since the restart.
	assert.Empty(t, sink.all())
}

func TestCrossingsEmitted(t *testing.T) {
	sink := &fakeSink{}
	tr, _ := newTracker(t, WithSink(sink))

	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 0.1, t0)))
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 0.6, t0.Add(100*time.Second))))
	recs := sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, 0.25, recs[0].from)
	assert.Equal(t, 0.5, recs[0].to)
	assert.InDelta(t, 50, recs[0].elapsed, 0.01)
	assert.WithinDuration(t, t0.Add(30*time.Second), recs[0].entered, 10*time.Millisecond)

	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 1.1, t0.Add(200*time.Second))))
	recs = sink.all()
	require.Len(t, recs, 3)
	assert.Equal(t, [2]float64{0.5, 0.75}, [2]float64{recs[1].from, recs[1].to})
	assert.Equal(t, [2]float64{0.75, 1.0}, [2]float64{recs[2].from, recs[2].to})
	assert.InDelta(t, 50, recs[1].elapsed, 0.01)
	assert.InDelta(t, 50, recs[2].elapsed, 0.01)
	for _, r := range recs {
		assert.Equal(t, "v1", r.vehicle)
	}
}

func TestJitterDoesNotRecross(t *testing.T) {
	sink := &fakeSink{}
	tr, _ := newTracker(t, WithSink(sink))

	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 0.2, t0)))
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 0.3, t0.Add(20*time.Second))))
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 0.24, t0.Add(40*time.Second))))
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 0.3, t0.Add(60*time.Second))))
	assert.Empty(t, sink.all())

	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 0.55, t0.Add(80*time.Second))))
	recs := sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, 0.25, recs[0].from)
	assert.Equal(t, 0.5, recs[0].to)
}

func TestReturnToRouteStartBeginsNewTrip(t *testing.T) {
	sink := &fakeSink{}
	tr, _ := newTracker(t, WithSink(sink))

	for i, km := range []float64{0.1, 1.1, 2.1, 3.1, 4.0} {
		require.NoError(t, tr.Ingest(report("v1", "10", transit.East, km, t0.Add(time.Duration(i)*time.Minute))))
	}
	firstTrip := len(sink.all())
	assert.Equal(t, 15, firstTrip)

	// Layover at the terminal, then the same route again.
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 0.05, t0.Add(400*time.Second))))
	st, _ := tr.Vehicle("v1")
	assert.False(t, st.HasVelocity)
	assert.InDelta(t, 0.05, st.Distance, 1e-6)

	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 1.05, t0.Add(460*time.Second))))
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 2.05, t0.Add(520*time.Second))))
	second := sink.all()[firstTrip:]
	require.Len(t, second, 7)
	assert.Equal(t, [2]float64{0.25, 0.5}, [2]float64{second[0].from, second[0].to})
	assert.Equal(t, [2]float64{1.75, 2.0}, [2]float64{second[6].from, second[6].to})
	assert.InDelta(t, 15, second[0].elapsed, 0.01)
}

func TestJitterUsesReportWindow(t *testing.T) {
	tr, _ := newTracker(t)
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 1.0, t0)))
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 1.5, t0.Add(60*time.Second))))
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 1.45, t0.Add(90*time.Second))))

	st, _ := tr.Vehicle("v1")
	require.True(t, st.HasVelocity)
	assert.InDelta(t, 0.45/90, st.Velocity, 1e-9)
	assert.InDelta(t, 1.45, st.Distance, 1e-6)
}

func TestFinalSegmentEndsAtRouteLength(t *testing.T) {
	sink := &fakeSink{}
	tr, _ := newTracker(t, WithSink(sink))

	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 3.6, t0)))
	require.NoError(t, tr.Ingest(report("v1", "10", transit.East, 4, t0.Add(40*time.Second))))
	recs := sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, 3.75, recs[0].from)
	assert.Equal(t, 4.0, recs[0].to)
}

func TestLoopWrap(t *testing.T) {
	sink := &fakeSink{}
	tr, _ := newTracker(t, WithSink(sink))

	require.NoError(t, tr.Ingest(report("v1", "L1", transit.North, 3.6, t0)))
	require.NoError(t, tr.Ingest(report("v1", "L1", transit.North, 3.9, t0.Add(60*time.Second))))
	require.NoError(t, tr.Ingest(report("v1", "L1", transit.North, 0.1, t0.Add(120*time.Second))))

	st, _ := tr.Vehicle("v1")
	assert.InDelta(t, 0.2/60, st.Velocity, 1e-6)
	assert.InDelta(t, 0.1, st.Distance, 1e-6)

	recs := sink.all()
	require.Len(t, recs, 1)
	assert.Equal(t, 3.75, recs[0].from)
	assert.Equal(t, 4.0, recs[0].to)
	assert.InDelta(t, 60, recs[0].elapsed, 0.01)

	require.NoError(t, tr.Ingest(report("v1", "L1", transit.North, 0.4, t0.Add(180*time.Second))))
	recs = sink.all()
	require.Len(t, recs, 2)
	assert.Equal(t, 0.0, recs[1].from)
	assert.Equal(t, 0.25, recs[1].to)
	assert.InDelta(t, 60, recs[1].elapsed, 0.01)
}

func TestBoundariesBetween(t *testing.T) {
	odo := func(bs []boundary) []float64 {
		var out []float64
		for _, b := range bs {
			out = append(out, b.odo)
		}
		return out
	}
	assert.Equal(t, []float64{0.25, 0.5}, odo(boundariesBetween(1, 0.25, false, 0.1, 0.6)))
	assert.Equal(t, []float64{0.75, 0.9}, odo(boundariesBetween(0.9, 0.25, false, 0.6, 1.2)))
	assert.Nil(t, boundariesBetween(1, 0.25, false, 0.6, 0.6))

	bs := boundariesBetween(1, 0.25, true, 0.6, 1.3)
	assert.Equal(t, []float64{0.75, 1, 1.25}, odo(bs))
	assert.Equal(t, 0.0, bs[1].pos)
	assert.Equal(t, 0.25, bs[2].pos)
}

func TestSweepEvictsIdleVehicles(t *testing.T) {
	tr, clk := newTracker(t)
	require.NoError(t, tr.Ingest(report("old", "10", transit.East, 1, t0)))
	require.NoError(t, tr.Ingest(report("new", "10", transit.East, 1, t0.Add(19*time.Minute))))

	clk.Set(t0.Add(21 * time.Minute))
	assert.Equal(t, 1, tr.Sweep())
	_, ok := tr.Vehicle("old")
	assert.False(t, ok)
	_, ok = tr.Vehicle("new")
	assert.True(t, ok)
}

func TestSweptVehicleIsLookedUpAgain(t *testing.T) {
	tr, clk := newTracker(t)
	require.NoError(t, tr.Ingest(report("old", "10", transit.East, 1, t0)))

	// A report that looked the vehicle up just before the sweep.
	held := tr.vehicle("old")
	clk.Set(t0.Add(21 * time.Minute))
	require.Equal(t, 1, tr.Sweep())

	held.mu.Lock()
	assert.True(t, held.evicted)
	held.mu.Unlock()

	v := tr.acquire("old")
	assert.NotSame(t, held, v)
	v.mu.Unlock()

	require.NoError(t, tr.Ingest(report("old", "10", transit.East, 1.2, t0.Add(21*time.Minute))))
	st, ok := tr.Vehicle("old")
	require.True(t, ok)
	assert.Equal(t, t0.Add(21*time.Minute), st.LastUpdate)
}

func TestConcurrentIngest(t *testing.T) {
	sink := &fakeSink{}
	tr, clk := newTracker(t, WithSink(sink))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for k := 0; k < 10; k++ {
				err := tr.Ingest(report(id, "10", transit.East, 0.1+0.3*float64(k), t0.Add(time.Duration(k)*30*time.Second)))
				if err != nil && !errors.Is(err, ErrTooSoon) {
					t.Errorf("ingest %s: %v", id, err)
				}
			}
		}(fmt.Sprintf("v%02d", i))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for k := 0; k < 100; k++ {
			_ = tr.ActiveVehicles("10", transit.East)
		}
	}()
	wg.Wait()

	clk.Set(t0.Add(5 * time.Minute))
	active := tr.ActiveVehicles("10", transit.East)
	require.Len(t, active, 50)
	for _, st := range active {
		assert.InDelta(t, 2.8, st.Distance, 1e-6)
		assert.InDelta(t, 0.01, st.Velocity, 1e-6)
	}
	// each vehicle crosses 0.25 .. 2.75 and closes ten segments
	assert.Len(t, sink.all(), 50*10)
}

func TestCounts(t *testing.T) {
	tr, clk := newTracker(t)
	require.NoError(t, tr.Ingest(report("a", "10", transit.East, 1, t0)))
	require.NoError(t, tr.Ingest(report("b", "10", transit.East, 1, t0.Add(4*time.Minute))))

	clk.Set(t0.Add(6 * time.Minute))
	tracked, active := tr.Counts()
	assert.Equal(t, 2, tracked)
	assert.Equal(t, 1, active)
}
