package api

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"transit-predictor/internal/transit"
)

// nextView carries absolute UTC arrival times rather than minutes.
type nextView struct {
	BusID             string `json:"busId"`
	BlockID           string `json:"blockId"`
	Arrival           string `json:"arrival"`
	HistoricalArrival string `json:"historicalArrival,omitempty"`
}

func (s *server) TimesRouter(router fiber.Router) {
	router.Get("/time/:route/:direction", s.getTravelTime)
	router.Get("/next", s.getNext)
}

// getTravelTime lists minutes until each vehicle that has not passed the
// first point reaches the second.
func (s *server) getTravelTime(c *fiber.Ctx) error {
	dir, err := directionParam(c, "direction")
	if err != nil {
		return err
	}
	lat1, lon1, err := queryCoord(c, "lat1", "lon1")
	if err != nil {
		return err
	}
	lat2, lon2, err := queryCoord(c, "lat2", "lon2")
	if err != nil {
		return err
	}
	est, err := s.predictor.TravelTo(c.UserContext(), c.Params("route"), dir, lat1, lon1, lat2, lon2)
	if err != nil {
		return err
	}
	now := s.clock.Now()
	out := make([]float64, 0, len(est))
	for _, e := range est {
		out = append(out, minutesUntil(now, e.Arrival))
	}
	return s.respond(c, out)
}

func (s *server) getNext(c *fiber.Ctx) error {
	lat, lon, err := queryCoord(c, "lat", "lon")
	if err != nil {
		return err
	}
	route := c.Query("route")
	if route == "" {
		return transit.Malformed("route", "required")
	}
	dir, err := transit.ParseDirection(c.Query("direction"))
	if err != nil {
		return err
	}
	est, err := s.predictor.PredictAt(c.UserContext(), lat, lon, route, dir)
	if err != nil {
		return err
	}
	out := make([]nextView, 0, len(est))
	for _, e := range est {
		v := nextView{
			BusID:   e.VehicleID,
			BlockID: e.BlockID,
			Arrival: e.Arrival.UTC().Format(time.RFC3339),
		}
		if e.HistoricalArrival != nil {
			v.HistoricalArrival = e.HistoricalArrival.UTC().Format(time.RFC3339)
		}
		out = append(out, v)
	}
	return s.respond(c, out)
}
