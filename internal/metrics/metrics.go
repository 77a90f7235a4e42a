package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Collector struct {
	reg *prometheus.Registry

	ReportsReceived *prometheus.CounterVec // source label: nats|gtfsrt|http
	ReportsDropped  *prometheus.CounterVec // reason label
	ReportsIngested prometheus.Counter
	ActiveVehicles  prometheus.Gauge
	TrackedVehicles prometheus.Gauge

	SegmentSamples  prometheus.Counter
	SamplesRejected prometheus.Counter
	FlushDuration   prometheus.Histogram
	FlushErrors     prometheus.Counter

	PredictDuration  prometheus.Histogram
	HTTPRequests     *prometheus.CounterVec // route, code
	QueryTimeouts    prometheus.Counter
	BandCacheLookups *prometheus.CounterVec // result: hit|miss

	NATSConnected    prometheus.Gauge
	GTFSRTPolls      *prometheus.CounterVec // result: ok|error
	ReferenceReloads *prometheus.CounterVec // result: ok|error
	ReferenceRoutes  prometheus.Gauge

	FreshnessSeconds prometheus.Gauge
	QueryTimeoutSecs prometheus.Gauge
}

func NewCollector(freshness, queryTimeout time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ReportsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitd_reports_received_total",
			Help: "Vehicle position reports received, by source.",
		}, []string{"source"}),
		ReportsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitd_reports_dropped_total",
			Help: "Vehicle position reports dropped, by reason.",
		}, []string{"reason"}),
		ReportsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitd_reports_ingested_total",
			Help: "Vehicle position reports applied to vehicle state.",
		}),
		ActiveVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitd_active_vehicles",
			Help: "Vehicles with a fresh position.",
		}),
		TrackedVehicles: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitd_tracked_vehicles",
			Help: "Vehicles held in the tracker, fresh or not.",
		}),
		SegmentSamples: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitd_segment_samples_total",
			Help: "Segment traversal samples recorded.",
		}),
		SamplesRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitd_segment_samples_rejected_total",
			Help: "Segment traversal samples rejected as implausible.",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transitd_history_flush_duration_seconds",
			Help:    "Duration of historical sample flushes.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		FlushErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitd_history_flush_errors_total",
			Help: "Historical sample batches that failed to persist.",
		}),
		PredictDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "transitd_predict_duration_seconds",
			Help:    "Duration of arrival predictions.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitd_http_requests_total",
			Help: "HTTP requests served, by route pattern and status code.",
		}, []string{"route", "code"}),
		QueryTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "transitd_query_timeouts_total",
			Help: "Queries abandoned after exceeding their time budget.",
		}),
		BandCacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitd_band_cache_lookups_total",
			Help: "Velocity band cache lookups, by result.",
		}, []string{"result"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitd_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		GTFSRTPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitd_gtfsrt_polls_total",
			Help: "GTFS-realtime vehicle position polls, by result.",
		}, []string{"result"}),
		ReferenceReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "transitd_reference_reloads_total",
			Help: "Route network reloads, by result.",
		}, []string{"result"}),
		ReferenceRoutes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitd_reference_routes",
			Help: "Route variants in the current route network.",
		}),
		FreshnessSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitd_freshness_threshold_seconds",
			Help: "Maximum report age for live predictions.",
		}),
		QueryTimeoutSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "transitd_query_timeout_seconds",
			Help: "Time budget of external queries.",
		}),
	}

	reg.MustRegister(
		c.ReportsReceived, c.ReportsDropped, c.ReportsIngested,
		c.ActiveVehicles, c.TrackedVehicles,
		c.SegmentSamples, c.SamplesRejected, c.FlushDuration, c.FlushErrors,
		c.PredictDuration, c.HTTPRequests, c.QueryTimeouts, c.BandCacheLookups,
		c.NATSConnected, c.GTFSRTPolls, c.ReferenceReloads, c.ReferenceRoutes,
		c.FreshnessSeconds, c.QueryTimeoutSecs,
	)

	c.FreshnessSeconds.Set(freshness.Seconds())
	c.QueryTimeoutSecs.Set(queryTimeout.Seconds())

	return c
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
