package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"

	"transit-predictor/internal/ingest"
	"transit-predictor/internal/transit"
)

const maxReportsPerRequest = 1000

// reportRequest is one vehicle position pushed over HTTP. A missing
// timestamp means now; a missing direction is resolved from the trip or
// inferred from the position.
type reportRequest struct {
	VehicleID string     `json:"vehicleId"`
	BlockID   string     `json:"blockId"`
	RouteID   string     `json:"routeId"`
	TripID    string     `json:"tripId"`
	Direction string     `json:"direction"`
	Timestamp *time.Time `json:"timestamp"`
	Lat       float64    `json:"lat"`
	Lon       float64    `json:"lon"`
	Bearing   *float64   `json:"bearing"`
}

type reportRejection struct {
	Index   int    `json:"index"`
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

func (s *server) ReportsRouter(router fiber.Router) {
	router.Post("/", s.postReports)
}

func (s *server) postReports(c *fiber.Ctx) error {
	var body []reportRequest
	if err := c.BodyParser(&body); err != nil {
		return transit.Malformed("body", "want a JSON array of reports: %v", err)
	}
	if len(body) > maxReportsPerRequest {
		return transit.Malformed("body", "at most %d reports per request", maxReportsPerRequest)
	}

	now := s.clock.Now()
	accepted := 0
	rejected := []reportRejection{}
	for i, req := range body {
		r, err := s.toReport(req, now)
		if err == nil {
			err = s.pipeline.Apply(ingest.SourceHTTP, r)
		}
		if err != nil {
			rejected = append(rejected, reportRejection{Index: i, Reason: ingest.DropReason(err), Message: err.Error()})
			continue
		}
		accepted++
	}
	if len(rejected) > 0 {
		log.Debug().Int("accepted", accepted).Int("rejected", len(rejected)).Msg("reports partially rejected")
	}
	return c.JSON(fiber.Map{
		"accepted": accepted,
		"rejected": rejected,
	})
}

func (s *server) toReport(req reportRequest, now time.Time) (transit.VehicleReport, error) {
	r := transit.VehicleReport{
		VehicleID: req.VehicleID,
		BlockID:   req.BlockID,
		RouteID:   req.RouteID,
		Timestamp: now,
		Lat:       req.Lat,
		Lon:       req.Lon,
	}
	if req.Timestamp != nil {
		r.Timestamp = *req.Timestamp
	}
	if req.Bearing != nil {
		r.Bearing, r.HasBearing = *req.Bearing, true
	}
	if req.Direction != "" {
		dir, err := transit.ParseDirection(req.Direction)
		if err != nil {
			return r, err
		}
		r.Direction = dir
	}
	if err := s.resolver.Resolve(&r, req.TripID); err != nil {
		return r, err
	}
	return r, nil
}
