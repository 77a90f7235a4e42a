package history

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-predictor/internal/transit"
)

var day = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func at(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }

type fakePersister struct {
	mu      sync.Mutex
	batches [][]transit.SegmentSample
	fail    bool
}

func (f *fakePersister) InsertSamples(_ context.Context, s []transit.SegmentSample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("insert failed")
	}
	f.batches = append(f.batches, s)
	return nil
}

func newAgg(opts ...Option) *Aggregator {
	return New(Config{Location: time.UTC, FlushInterval: time.Hour}, opts...)
}

func TestBucketOf(t *testing.T) {
	assert.Equal(t, 0, BucketOf(at(0, 10), time.UTC))
	assert.Equal(t, 16, BucketOf(at(8, 0), time.UTC))
	assert.Equal(t, 17, BucketOf(at(8, 59), time.UTC))
	assert.Equal(t, 47, BucketOf(at(23, 45), time.UTC))
	assert.Equal(t, 15, BucketOfHours(7.5))
	assert.Equal(t, 1, BucketOfHours(24.5))
	assert.Equal(t, 46, BucketOfHours(-1))
	assert.Equal(t, 47, BucketOfHours(-1e-17))
	assert.Equal(t, 48, BucketsPerDay)
}

func TestBucketOfHoursHugeValues(t *testing.T) {
	for _, h := range []float64{1e20, -1e20, 8 + 1e20, math.MaxFloat64, math.Inf(1), math.NaN()} {
		b := BucketOfHours(h)
		assert.GreaterOrEqual(t, b, 0, "%g", h)
		assert.Less(t, b, BucketsPerDay, "%g", h)
	}
}

func TestRecordFlushQuery(t *testing.T) {
	p := &fakePersister{}
	a := newAgg(WithPersister(p))

	a.RecordCrossing("v1", "44", transit.East, 0.25, 0.5, 60, at(8, 1))
	a.RecordCrossing("v1", "44", transit.East, 0, 0.25, 45, at(8, 0))
	a.RecordCrossing("v2", "44", transit.East, 0, 0.25, 55, at(8, 10))
	a.RecordCrossing("v2", "44", transit.East, 0.5, 0.75, 30, at(17, 0))

	assert.Empty(t, a.QuerySegments("44", transit.East, 0, 1, 16), "unflushed samples are not visible")
	assert.Equal(t, 4, a.Pending())

	require.NoError(t, a.Flush(context.Background()))
	assert.Equal(t, 0, a.Pending())
	require.Len(t, p.batches, 1)
	assert.Len(t, p.batches[0], 4)

	assert.Equal(t, []float64{45, 55, 60}, a.QuerySegments("44", transit.East, 0, 1, 16))
	assert.Equal(t, []float64{45, 55}, a.QuerySegments("44", transit.East, 0, 0.3, 16))
	assert.Equal(t, []float64{30}, a.QuerySegments("44", transit.East, 0, 1, 34))
	assert.Empty(t, a.QuerySegments("44", transit.West, 0, 1, 16))
	assert.Empty(t, a.QuerySegments("44", transit.East, 0, 1, 99))
}

func TestRecordCrossingRejectsImplausible(t *testing.T) {
	a := newAgg()
	a.RecordCrossing("v", "44", transit.East, 1, 1, 10, at(8, 0))
	a.RecordCrossing("v", "44", transit.East, 1, 0.5, 10, at(8, 0))
	a.RecordCrossing("v", "44", transit.East, 0, 0.25, 0, at(8, 0))
	a.RecordCrossing("v", "44", transit.East, 0, 1, 5, at(8, 0)) // 720 km/h
	assert.Equal(t, 0, a.Pending())
}

func TestFlushKeepsSamplesWhenPersistFails(t *testing.T) {
	a := newAgg(WithPersister(&fakePersister{fail: true}))
	a.RecordCrossing("v", "44", transit.East, 0, 0.25, 45, at(8, 0))
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.Error(t, a.Flush(ctx))
	assert.Equal(t, []float64{45}, a.QuerySegments("44", transit.East, 0, 1, 16))
}

func TestEstimateTraversal(t *testing.T) {
	a := newAgg()
	// 0.25 km in 45 s and 60 s at 08:00, 0.25 km in 30 s at 17:00.
	a.Seed([]transit.SegmentSample{
		{RouteID: "44", Direction: transit.East, StartDist: 0, EndDist: 0.25, EnteredAt: at(8, 0), Elapsed: 45},
		{RouteID: "44", Direction: transit.East, StartDist: 0.25, EndDist: 0.5, EnteredAt: at(8, 2), Elapsed: 60},
		{RouteID: "44", Direction: transit.East, StartDist: 0.5, EndDist: 0.75, EnteredAt: at(17, 0), Elapsed: 30},
	})

	secs, err := a.EstimateTraversal("44", transit.East, []Span{{From: 0, To: 0.5}}, 16, DateRange{})
	require.NoError(t, err)
	assert.InDelta(t, 105, secs, 1e-9)

	// Half of the first segment.
	secs, err = a.EstimateTraversal("44", transit.East, []Span{{From: 0.125, To: 0.25}}, 16, DateRange{})
	require.NoError(t, err)
	assert.InDelta(t, 22.5, secs, 1e-9)

	// Nothing in bucket 30: route-wide average of 0.75 km / 135 s.
	secs, err = a.EstimateTraversal("44", transit.East, []Span{{From: 0, To: 0.5}}, 30, DateRange{})
	require.NoError(t, err)
	assert.InDelta(t, 90, secs, 1e-9)

	// Partially covered range: 0.5..0.75 sampled, 0.75..1.0 at the route average.
	secs, err = a.EstimateTraversal("44", transit.East, []Span{{From: 0.5, To: 1.0}}, 34, DateRange{})
	require.NoError(t, err)
	assert.InDelta(t, 30+45, secs, 1e-9)

	_, err = a.EstimateTraversal("44", transit.West, []Span{{From: 0, To: 0.5}}, 16, DateRange{})
	assert.True(t, errors.Is(err, transit.ErrInsufficientData))

	_, err = a.EstimateTraversal("44", transit.East, []Span{{From: 0, To: 0.5}}, 16, DateRange{From: day.AddDate(0, 0, 1)})
	assert.True(t, errors.Is(err, transit.ErrInsufficientData))
}

func TestAverageVelocity(t *testing.T) {
	a := newAgg()
	a.Seed([]transit.SegmentSample{
		{RouteID: "44", Direction: transit.East, StartDist: 0, EndDist: 0.25, EnteredAt: at(8, 0), Elapsed: 45},
		{RouteID: "44", Direction: transit.East, StartDist: 0, EndDist: 0.25, EnteredAt: at(8, 5), Elapsed: 45},
	})
	v, ok := a.AverageVelocity("44", transit.East, []Span{{From: 0, To: 2}}, 16)
	require.True(t, ok)
	assert.InDelta(t, 20, v, 1e-9)

	_, ok = a.AverageVelocity("44", transit.East, []Span{{From: 0, To: 2}}, 17)
	assert.False(t, ok)

	avg, ok := a.RouteAverage("44", transit.East, DateRange{})
	require.True(t, ok)
	assert.InDelta(t, 20, avg, 1e-9)
	assert.True(t, a.HasData("44", transit.East))
	assert.False(t, a.HasData("44", transit.West))
}

func TestVelocityBand(t *testing.T) {
	a := newAgg()
	a.Seed([]transit.SegmentSample{
		{RouteID: "44", Direction: transit.East, StartDist: 0, EndDist: 0.25, EnteredAt: at(8, 0), Elapsed: 45},
		{RouteID: "44", Direction: transit.East, StartDist: 0.25, EndDist: 0.5, EnteredAt: at(8, 40), Elapsed: 90},
	})
	grid, err := a.VelocityBand(context.Background(), "44", transit.East, BandQuery{
		StartDistance:     0,
		EndDistance:       1,
		DistanceIncrement: 0.5,
		StartTimeOfDay:    8,
		EndTimeOfDay:      9,
		TimeIncrement:     0.5,
	})
	require.NoError(t, err)
	require.Len(t, grid, 2)
	require.Len(t, grid[0], 2)
	assert.InDelta(t, 20, grid[0][0], 1e-9)
	assert.InDelta(t, 10, grid[0][1], 1e-9)
	assert.Equal(t, NoData, grid[1][0])
	assert.Equal(t, NoData, grid[1][1])
	assert.True(t, IsNoData(grid[1][1]))
}

func TestVelocityBandWrapsMidnight(t *testing.T) {
	a := newAgg()
	a.Seed([]transit.SegmentSample{
		{RouteID: "44", Direction: transit.East, StartDist: 0, EndDist: 0.25, EnteredAt: at(0, 15), Elapsed: 45},
	})
	grid, err := a.VelocityBand(context.Background(), "44", transit.East, BandQuery{
		EndDistance: 0.25, DistanceIncrement: 0.25,
		StartTimeOfDay: 23, EndTimeOfDay: 1, TimeIncrement: 1,
	})
	require.NoError(t, err)
	require.Len(t, grid[0], 2)
	assert.Equal(t, NoData, grid[0][0])
	assert.InDelta(t, 20, grid[0][1], 1e-9)
}

func TestVelocityBandValidates(t *testing.T) {
	a := newAgg()
	_, err := a.VelocityBand(context.Background(), "44", transit.East, BandQuery{EndDistance: 1, TimeIncrement: 1})
	assert.True(t, errors.Is(err, transit.ErrMalformedRequest))
	_, err = a.VelocityBand(context.Background(), "44", transit.East, BandQuery{EndDistance: 1000, DistanceIncrement: 0.001, TimeIncrement: 0.01})
	assert.True(t, errors.Is(err, transit.ErrMalformedRequest))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a.Seed([]transit.SegmentSample{{RouteID: "44", Direction: transit.East, StartDist: 0, EndDist: 0.25, EnteredAt: at(8, 0), Elapsed: 45}})
	_, err = a.VelocityBand(ctx, "44", transit.East, BandQuery{EndDistance: 1, DistanceIncrement: 1, EndTimeOfDay: 24, TimeIncrement: 1})
	assert.True(t, errors.Is(err, transit.ErrTimeout))
}

func TestVelocityBandCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := cache.New[string](redisstore.NewRedis(client, store.WithExpiration(time.Minute)))
	a := newAgg(WithCache(c))

	q := BandQuery{EndDistance: 0.5, DistanceIncrement: 0.5, StartTimeOfDay: 8, EndTimeOfDay: 9, TimeIncrement: 1}
	first, err := a.VelocityBand(context.Background(), "44", transit.East, q)
	require.NoError(t, err)
	assert.Equal(t, NoData, first[0][0])

	a.Seed([]transit.SegmentSample{{RouteID: "44", Direction: transit.East, StartDist: 0, EndDist: 0.5, EnteredAt: at(8, 0), Elapsed: 90}})
	cached, err := a.VelocityBand(context.Background(), "44", transit.East, q)
	require.NoError(t, err)
	assert.Equal(t, first, cached)

	mr.FlushAll()
	fresh, err := a.VelocityBand(context.Background(), "44", transit.East, q)
	require.NoError(t, err)
	assert.InDelta(t, 20, fresh[0][0], 1e-9)
}

func TestPrune(t *testing.T) {
	a := newAgg()
	a.Seed([]transit.SegmentSample{
		{RouteID: "44", Direction: transit.East, StartDist: 0, EndDist: 0.25, EnteredAt: at(8, 0).AddDate(0, 0, -10), Elapsed: 90},
		{RouteID: "44", Direction: transit.East, StartDist: 0, EndDist: 0.25, EnteredAt: at(8, 0), Elapsed: 45},
	})
	assert.Equal(t, 1, a.Prune(day.AddDate(0, 0, -1)))
	assert.Equal(t, []float64{45}, a.QuerySegments("44", transit.East, 0, 1, 16))
	avg, ok := a.RouteAverage("44", transit.East, DateRange{})
	require.True(t, ok)
	assert.InDelta(t, 20, avg, 1e-9)
}

func TestCloseFlushes(t *testing.T) {
	p := &fakePersister{}
	a := newAgg(WithPersister(p))
	a.Start(context.Background())
	a.RecordCrossing("v", "44", transit.East, 0, 0.25, 45, at(8, 0))
	require.NoError(t, a.Close(context.Background()))
	assert.Len(t, p.batches, 1)
	assert.Equal(t, []float64{45}, a.QuerySegments("44", transit.East, 0, 1, 16))
}
