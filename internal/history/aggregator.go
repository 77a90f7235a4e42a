package history

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"transit-predictor/internal/metrics"
	"transit-predictor/internal/transit"
)

// Persister stores flushed samples durably.
type Persister interface {
	InsertSamples(ctx context.Context, samples []transit.SegmentSample) error
}

// Pruner deletes durable samples older than a cutoff.
type Pruner interface {
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type Config struct {
	FlushInterval time.Duration
	MaxSpeedKmh   float64
	Retention     time.Duration
	Location      *time.Location
	CacheTTL      time.Duration
}

type entry struct {
	elapsed float64
	day     int32
	tod     int32 // seconds after local midnight when the segment was entered
}

type segment struct {
	start, end float64
	buckets    [BucketsPerDay][]entry
}

func (s *segment) length() float64 { return s.end - s.start }

type segKey struct{ startM, endM int64 }

type table struct {
	segs     map[segKey]*segment
	order    []*segment // by start, then end
	totalKm  float64
	totalSec float64
}

// Aggregator stores segment traversal samples. Writes are buffered and
// applied by a background flush; queries see the last flushed state.
type Aggregator struct {
	cfg       Config
	persister Persister
	cache     *cache.Cache[string]
	metrics   *metrics.Collector
	logger    zerolog.Logger

	bufMu sync.Mutex
	buf   []transit.SegmentSample

	mu     sync.RWMutex
	tables map[transit.RouteKey]*table

	flushMu   sync.Mutex
	lastPrune time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Aggregator)

func WithPersister(p Persister) Option { return func(a *Aggregator) { a.persister = p } }

// WithCache caches velocity band grids.
func WithCache(c *cache.Cache[string]) Option { return func(a *Aggregator) { a.cache = c } }

func WithMetrics(m *metrics.Collector) Option { return func(a *Aggregator) { a.metrics = m } }

func New(cfg Config, opts ...Option) *Aggregator {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	if cfg.MaxSpeedKmh <= 0 {
		cfg.MaxSpeedKmh = 120
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	a := &Aggregator{
		cfg:    cfg,
		tables: make(map[transit.RouteKey]*table),
		logger: log.With().Str("component", "history").Logger(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Location is the time zone buckets are computed in.
func (a *Aggregator) Location() *time.Location { return a.cfg.Location }

// RecordCrossing queues a sample for a vehicle that traversed [from, to].
// Implausible samples are dropped.
func (a *Aggregator) RecordCrossing(vehicleID, routeID string, dir transit.Direction, from, to, elapsedSeconds float64, timestamp time.Time) {
	length := to - from
	if !(length > 0) || !(elapsedSeconds > 0) || math.IsInf(elapsedSeconds, 0) || length/elapsedSeconds*3600 > a.cfg.MaxSpeedKmh {
		if a.metrics != nil {
			a.metrics.SamplesRejected.Inc()
		}
		a.logger.Debug().
			Str("vehicle", vehicleID).
			Str("route", routeID).
			Float64("from", from).
			Float64("to", to).
			Float64("elapsed", elapsedSeconds).
			Msg("Rejected implausible segment sample")
		return
	}
	s := transit.SegmentSample{
		RouteID:   routeID,
		Direction: dir,
		StartDist: from,
		EndDist:   to,
		VehicleID: vehicleID,
		EnteredAt: timestamp,
		Elapsed:   elapsedSeconds,
	}
	a.bufMu.Lock()
	a.buf = append(a.buf, s)
	a.bufMu.Unlock()
	if a.metrics != nil {
		a.metrics.SegmentSamples.Inc()
	}
}

// Pending is the number of buffered samples not yet flushed.
func (a *Aggregator) Pending() int {
	a.bufMu.Lock()
	defer a.bufMu.Unlock()
	return len(a.buf)
}

// Flush applies buffered samples to the query tables and persists them.
// Samples stay queryable even when persisting fails.
func (a *Aggregator) Flush(ctx context.Context) error {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.bufMu.Lock()
	batch := a.buf
	a.buf = nil
	a.bufMu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	start := time.Now()
	a.mu.Lock()
	for _, s := range batch {
		a.apply(s)
	}
	a.mu.Unlock()

	var err error
	if a.persister != nil {
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
		err = backoff.Retry(func() error { return a.persister.InsertSamples(ctx, batch) }, b)
		if err != nil {
			if a.metrics != nil {
				a.metrics.FlushErrors.Inc()
			}
			a.logger.Error().Err(err).Int("samples", len(batch)).Msg("Failed to persist segment samples")
		}
	}
	if a.metrics != nil {
		a.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}
	return err
}

// Seed loads previously persisted samples without persisting them again.
func (a *Aggregator) Seed(samples []transit.SegmentSample) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range samples {
		a.apply(s)
	}
}

func (a *Aggregator) apply(s transit.SegmentSample) {
	key := transit.RouteKey{RouteID: s.RouteID, Direction: s.Direction}
	t := a.tables[key]
	if t == nil {
		t = &table{segs: make(map[segKey]*segment)}
		a.tables[key] = t
	}
	sk := segKey{startM: int64(math.Round(s.StartDist * 1000)), endM: int64(math.Round(s.EndDist * 1000))}
	seg := t.segs[sk]
	if seg == nil {
		seg = &segment{start: s.StartDist, end: s.EndDist}
		t.segs[sk] = seg
		i := sort.Search(len(t.order), func(i int) bool {
			o := t.order[i]
			return o.start > seg.start || (o.start == seg.start && o.end >= seg.end)
		})
		t.order = append(t.order, nil)
		copy(t.order[i+1:], t.order[i:])
		t.order[i] = seg
	}
	tod := secondOfDay(s.EnteredAt, a.cfg.Location)
	b := tod / int(BucketWidth/time.Second)
	seg.buckets[b] = append(seg.buckets[b], entry{
		elapsed: s.Elapsed,
		day:     dayNumber(s.EnteredAt, a.cfg.Location),
		tod:     int32(tod),
	})
	t.totalKm += seg.length()
	t.totalSec += s.Elapsed
}

// Prune drops samples whose service date is before cutoff.
func (a *Aggregator) Prune(cutoff time.Time) int {
	cut := dayNumber(cutoff, a.cfg.Location)
	removed := 0
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.tables {
		t.totalKm, t.totalSec = 0, 0
		for _, seg := range t.order {
			for b := range seg.buckets {
				kept := seg.buckets[b][:0]
				for _, e := range seg.buckets[b] {
					if e.day < cut {
						removed++
						continue
					}
					kept = append(kept, e)
					t.totalKm += seg.length()
					t.totalSec += e.elapsed
				}
				seg.buckets[b] = kept
			}
		}
	}
	return removed
}

// Start runs the periodic flush loop until Close.
func (a *Aggregator) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = a.Flush(ctx)
				a.maybePrune(ctx)
			}
		}
	}()
}

func (a *Aggregator) maybePrune(ctx context.Context) {
	if a.cfg.Retention <= 0 || time.Since(a.lastPrune) < time.Hour {
		return
	}
	a.lastPrune = time.Now()
	cutoff := time.Now().Add(-a.cfg.Retention)
	n := a.Prune(cutoff)
	if p, ok := a.persister.(Pruner); ok {
		if _, err := p.DeleteBefore(ctx, cutoff); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to prune persisted samples")
		}
	}
	if n > 0 {
		a.logger.Info().Int("samples", n).Time("cutoff", cutoff).Msg("Pruned segment samples")
	}
}

// Close stops the flush loop and flushes what is left.
func (a *Aggregator) Close(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	return a.Flush(ctx)
}
