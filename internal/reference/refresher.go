package reference

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"transit-predictor/internal/geo"
	"transit-predictor/internal/metrics"
)

// Refresher loads the route network from a Source into an index, once at
// startup and then periodically.
type Refresher struct {
	index    *geo.Index
	source   Source
	opts     Options
	interval time.Duration
	metrics  *metrics.Collector

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRefresher(index *geo.Index, source Source, opts Options, interval time.Duration, m *metrics.Collector) *Refresher {
	return &Refresher{index: index, source: source, opts: opts, interval: interval, metrics: m}
}

// Refresh loads the source and swaps the result into the index.
func (r *Refresher) Refresh(ctx context.Context) error {
	start := time.Now()
	feed, err := r.source.Load(ctx)
	if err == nil {
		var ds geo.Dataset
		if ds, err = Build(feed, r.opts); err == nil {
			snap := geo.NewSnapshot(ds)
			r.index.Swap(snap)
			if r.metrics != nil {
				r.metrics.ReferenceReloads.WithLabelValues("ok").Inc()
				r.metrics.ReferenceRoutes.Set(float64(snap.RouteCount()))
			}
			log.Info().
				Str("source", r.source.Name()).
				Int("routes", snap.RouteCount()).
				Int("stations", snap.StationCount()).
				Dur("took", time.Since(start)).
				Msg("Loaded route network")
			return nil
		}
	}
	if r.metrics != nil {
		r.metrics.ReferenceReloads.WithLabelValues("error").Inc()
	}
	return fmt.Errorf("load route network from %s: %w", r.source.Name(), err)
}

// Start launches the periodic reload loop. It does nothing when the
// interval is not positive.
func (r *Refresher) Start(parent context.Context) {
	if r.interval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(parent)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Refresh(ctx); err != nil {
					log.Error().Err(err).Msg("Route network reload failed, keeping previous")
				}
			}
		}
	}()
}

func (r *Refresher) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
