package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"transit-predictor/internal/clock"
	"transit-predictor/internal/geo"
	"transit-predictor/internal/history"
	"transit-predictor/internal/ingest"
	"transit-predictor/internal/metrics"
	"transit-predictor/internal/predict"
	"transit-predictor/internal/tracker"
)

// Deps are the services the HTTP API reads from. History may be nil when
// no historical store is configured.
type Deps struct {
	Index     *geo.Index
	Predictor *predict.Predictor
	History   *history.Aggregator
	Tracker   *tracker.Tracker
	Pipeline  *ingest.Pipeline
	Resolver  ingest.Resolver
	Metrics   *metrics.Collector
	Clock     clock.Clock
	Location  *time.Location
	// QueryTimeout bounds each request; zero disables the bound.
	QueryTimeout time.Duration
}

type server struct {
	index     *geo.Index
	predictor *predict.Predictor
	history   *history.Aggregator
	tracker   *tracker.Tracker
	pipeline  *ingest.Pipeline
	resolver  ingest.Resolver
	metrics   *metrics.Collector
	clock     clock.Clock
	loc       *time.Location
	timeout   time.Duration
}

func New(d Deps) *fiber.App {
	s := &server{
		index:     d.Index,
		predictor: d.Predictor,
		history:   d.History,
		tracker:   d.Tracker,
		pipeline:  d.Pipeline,
		resolver:  d.Resolver,
		metrics:   d.Metrics,
		clock:     d.Clock,
		loc:       d.Location,
		timeout:   d.QueryTimeout,
	}
	if s.clock == nil {
		s.clock = clock.RealClock{}
	}
	if s.loc == nil {
		s.loc = time.Local
	}

	webApp := fiber.New(fiber.Config{
		ErrorHandler:          s.errorHandler,
		DisableStartupMessage: true,
	})
	webApp.Use(NewLogger(d.Metrics))
	webApp.Use(s.withTimeout)

	webApp.Get("/healthz", s.health)

	s.StationsRouter(webApp.Group("/station"))
	s.MapsRouter(webApp.Group("/map"))
	s.TimesRouter(webApp)
	s.ReportsRouter(webApp.Group("/reports"))

	return webApp
}

func (s *server) withTimeout(c *fiber.Ctx) error {
	if s.timeout <= 0 {
		return c.Next()
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), s.timeout)
	defer cancel()
	c.SetUserContext(ctx)
	return c.Next()
}

func (s *server) health(c *fiber.Ctx) error {
	snap := s.index.Snapshot()
	vehicles := 0
	if s.tracker != nil {
		_, vehicles = s.tracker.Counts()
	}
	return c.JSON(fiber.Map{
		"status":   "ok",
		"routes":   snap.RouteCount(),
		"stations": snap.StationCount(),
		"vehicles": vehicles,
		"loadedAt": snap.LoadedAt().UTC().Format(time.RFC3339),
	})
}
