package ingest

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"transit-predictor/internal/metrics"
	"transit-predictor/internal/tracker"
	"transit-predictor/internal/transit"
)

// Sink applies a validated report to vehicle state.
type Sink interface {
	Ingest(r transit.VehicleReport) error
}

const (
	SourceNATS   = "nats"
	SourceGTFSRT = "gtfsrt"
	SourceHTTP   = "http"
)

var errQueueFull = errors.New("ingest queue full")

// Pipeline fans reports out to a fixed set of workers. A vehicle always
// lands on the same worker so its reports stay in order.
type Pipeline struct {
	sink    Sink
	queues  []chan transit.VehicleReport
	metrics *metrics.Collector
	logger  zerolog.Logger
	maxSkew time.Duration

	mu      sync.RWMutex
	stopped bool
	wg      conc.WaitGroup
}

func NewPipeline(sink Sink, workers, queueSize int, m *metrics.Collector) *Pipeline {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &Pipeline{
		sink:    sink,
		queues:  make([]chan transit.VehicleReport, workers),
		metrics: m,
		logger:  log.With().Str("component", "ingest").Logger(),
		maxSkew: 2 * time.Minute,
	}
	for i := range p.queues {
		p.queues[i] = make(chan transit.VehicleReport, queueSize)
	}
	return p
}

// Start launches the workers. They exit once Stop drains the queues.
func (p *Pipeline) Start() {
	for _, q := range p.queues {
		q := q
		p.wg.Go(func() {
			for r := range q {
				_ = p.apply(r)
			}
		})
	}
}

// Stop closes the queues and waits for queued reports to be applied.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		for _, q := range p.queues {
			close(q)
		}
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Submit validates a report and queues it. It never blocks: a full queue
// drops the report.
func (p *Pipeline) Submit(source string, r transit.VehicleReport) error {
	p.received(source)
	if err := Validate(r, time.Now(), p.maxSkew); err != nil {
		p.drop(err, r)
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		p.drop(context.Canceled, r)
		return context.Canceled
	}
	select {
	case p.queues[p.worker(r.VehicleID)] <- r:
		return nil
	default:
		p.drop(errQueueFull, r)
		return errQueueFull
	}
}

// Apply validates and applies a report synchronously.
func (p *Pipeline) Apply(source string, r transit.VehicleReport) error {
	p.received(source)
	if err := Validate(r, time.Now(), p.maxSkew); err != nil {
		p.drop(err, r)
		return err
	}
	return p.apply(r)
}

func (p *Pipeline) apply(r transit.VehicleReport) error {
	if err := p.sink.Ingest(r); err != nil {
		p.drop(err, r)
		return err
	}
	if p.metrics != nil {
		p.metrics.ReportsIngested.Inc()
	}
	return nil
}

func (p *Pipeline) worker(vehicleID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(vehicleID))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *Pipeline) received(source string) {
	if p.metrics != nil {
		p.metrics.ReportsReceived.WithLabelValues(source).Inc()
	}
}

func (p *Pipeline) drop(err error, r transit.VehicleReport) {
	reason := DropReason(err)
	if p.metrics != nil {
		p.metrics.ReportsDropped.WithLabelValues(reason).Inc()
	}
	ev := p.logger.Debug()
	if reason == "queue_full" || reason == "other" {
		ev = p.logger.Warn()
	}
	ev.Err(err).Str("vehicle", r.VehicleID).Str("route", r.RouteID).Str("reason", reason).Msg("Dropped report")
}

// DropReason maps an ingest error to a metrics label.
func DropReason(err error) string {
	switch {
	case errors.Is(err, tracker.ErrTooSoon):
		return "too_soon"
	case errors.Is(err, tracker.ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, tracker.ErrOffRoute):
		return "off_route"
	case errors.Is(err, transit.ErrUnknownEntity):
		return "unknown_route"
	case errors.Is(err, transit.ErrMalformedRequest):
		return "malformed"
	case errors.Is(err, errQueueFull):
		return "queue_full"
	case errors.Is(err, context.Canceled):
		return "shutdown"
	default:
		return "other"
	}
}

// Validate rejects reports no tracker could use.
func Validate(r transit.VehicleReport, now time.Time, maxSkew time.Duration) error {
	switch {
	case r.VehicleID == "":
		return transit.Malformed("vehicleId", "missing")
	case r.RouteID == "":
		return transit.Malformed("routeId", "missing")
	case !r.Direction.Valid():
		return transit.Malformed("direction", "%q is not a direction", r.Direction)
	case r.Timestamp.IsZero():
		return transit.Malformed("timestamp", "missing")
	case maxSkew > 0 && r.Timestamp.Sub(now) > maxSkew:
		return transit.Malformed("timestamp", "%s is in the future", r.Timestamp.Format(time.RFC3339))
	case math.IsNaN(r.Lat) || math.IsNaN(r.Lon) || r.Lat < -90 || r.Lat > 90 || r.Lon < -180 || r.Lon > 180:
		return transit.Malformed("position", "%f,%f out of range", r.Lat, r.Lon)
	case r.Lat == 0 && r.Lon == 0:
		return transit.Malformed("position", "missing fix")
	}
	return nil
}
