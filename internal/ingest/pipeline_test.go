package ingest

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-predictor/internal/metrics"
	"transit-predictor/internal/tracker"
	"transit-predictor/internal/transit"
)

type recordingSink struct {
	mu   sync.Mutex
	seen map[string][]time.Time
	fail error
}

func (s *recordingSink) Ingest(r transit.VehicleReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if s.seen == nil {
		s.seen = map[string][]time.Time{}
	}
	s.seen[r.VehicleID] = append(s.seen[r.VehicleID], r.Timestamp)
	return nil
}

func validReport(vehicle string, at time.Time) transit.VehicleReport {
	return transit.VehicleReport{
		VehicleID: vehicle, RouteID: "10", Direction: transit.East,
		Timestamp: at, Lat: 0, Lon: 0.02,
	}
}

func TestPipelinePreservesPerVehicleOrder(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(sink, 4, 1000, nil)
	p.Start()

	base := time.Now().Add(-time.Hour)
	for k := 0; k < 50; k++ {
		for v := 0; v < 10; v++ {
			require.NoError(t, p.Submit(SourceNATS, validReport(fmt.Sprintf("v%d", v), base.Add(time.Duration(k)*time.Second))))
		}
	}
	p.Stop()

	require.Len(t, sink.seen, 10)
	for id, ts := range sink.seen {
		require.Len(t, ts, 50, id)
		for i := 1; i < len(ts); i++ {
			assert.True(t, ts[i].After(ts[i-1]), "%s out of order at %d", id, i)
		}
	}
}

func TestPipelineDropsInvalidAndCounts(t *testing.T) {
	m := metrics.NewCollector(5*time.Minute, time.Minute)
	sink := &recordingSink{}
	p := NewPipeline(sink, 1, 10, m)

	bad := validReport("", time.Now())
	err := p.Apply(SourceHTTP, bad)
	assert.ErrorIs(t, err, transit.ErrMalformedRequest)

	sink.fail = fmt.Errorf("wrapped: %w", tracker.ErrTooSoon)
	err = p.Apply(SourceHTTP, validReport("v1", time.Now()))
	assert.ErrorIs(t, err, tracker.ErrTooSoon)

	sink.fail = nil
	require.NoError(t, p.Apply(SourceHTTP, validReport("v1", time.Now())))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.ReportsReceived.WithLabelValues(SourceHTTP)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReportsDropped.WithLabelValues("malformed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReportsDropped.WithLabelValues("too_soon")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ReportsIngested))
}

func TestPipelineQueueFull(t *testing.T) {
	sink := &recordingSink{}
	p := NewPipeline(sink, 1, 1, nil)

	now := time.Now()
	require.NoError(t, p.Submit(SourceNATS, validReport("v1", now)))
	err := p.Submit(SourceNATS, validReport("v1", now.Add(time.Second)))
	assert.ErrorIs(t, err, errQueueFull)

	p.Start()
	p.Stop()
	assert.Len(t, sink.seen["v1"], 1)

	err = p.Submit(SourceNATS, validReport("v1", now.Add(2*time.Second)))
	assert.Error(t, err)
	assert.Equal(t, "shutdown", DropReason(err))
}

func TestDropReason(t *testing.T) {
	cases := map[string]error{
		"too_soon":      tracker.ErrTooSoon,
		"out_of_order":  fmt.Errorf("x: %w", tracker.ErrOutOfOrder),
		"off_route":     tracker.ErrOffRoute,
		"unknown_route": &transit.UnknownRouteError{RouteID: "9", Direction: transit.North},
		"malformed":     transit.Malformed("lat", "bad"),
		"queue_full":    errQueueFull,
		"other":         errors.New("boom"),
	}
	for want, err := range cases {
		assert.Equal(t, want, DropReason(err))
	}
}

func TestValidate(t *testing.T) {
	now := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	ok := validReport("v1", now)
	require.NoError(t, Validate(ok, now, time.Minute))

	mutate := func(f func(r *transit.VehicleReport)) transit.VehicleReport {
		r := ok
		f(&r)
		return r
	}
	bad := []transit.VehicleReport{
		mutate(func(r *transit.VehicleReport) { r.VehicleID = "" }),
		mutate(func(r *transit.VehicleReport) { r.RouteID = "" }),
		mutate(func(r *transit.VehicleReport) { r.Direction = "Up" }),
		mutate(func(r *transit.VehicleReport) { r.Timestamp = time.Time{} }),
		mutate(func(r *transit.VehicleReport) { r.Timestamp = now.Add(time.Hour) }),
		mutate(func(r *transit.VehicleReport) { r.Lat = 91 }),
		mutate(func(r *transit.VehicleReport) { r.Lon = math.NaN() }),
		mutate(func(r *transit.VehicleReport) { r.Lat, r.Lon = 0, 0 }),
	}
	for i, r := range bad {
		assert.ErrorIs(t, Validate(r, now, time.Minute), transit.ErrMalformedRequest, "case %d", i)
	}
}
