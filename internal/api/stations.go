package api

import (
	"math"
	"time"

	"github.com/gofiber/fiber/v2"

	"transit-predictor/internal/history"
	"transit-predictor/internal/predict"
	"transit-predictor/internal/transit"
)

type stationView struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Lat    float64  `json:"lat"`
	Lon    float64  `json:"lon"`
	Routes []string `json:"routes"`
}

// arrivalView holds minutes until arrival: the blended estimate first, then
// the historical-only estimate when one exists.
type arrivalView struct {
	BusID   string    `json:"busId"`
	BlockID string    `json:"blockId"`
	Arrival []float64 `json:"arrival"`
}

func (s *server) StationsRouter(router fiber.Router) {
	router.Get("/:id", s.getStation)
	router.Get("/:id/routes", s.getStationRoutes)
	router.Get("/:id/bus/:route/:direction", s.getStationArrivals)
	router.Get("/:id/to/:dest/:direction", s.getTripTime)
}

func (s *server) getStation(c *fiber.Ctx) error {
	st, err := s.index.Snapshot().Station(c.Params("id"))
	if err != nil {
		return err
	}
	return s.respond(c, stationView{
		ID:     st.ID,
		Name:   st.Name,
		Lat:    st.Lat,
		Lon:    st.Lon,
		Routes: routeList(st),
	})
}

func (s *server) getStationRoutes(c *fiber.Ctx) error {
	st, err := s.index.Snapshot().Station(c.Params("id"))
	if err != nil {
		return err
	}
	return s.respond(c, routeList(st))
}

func routeList(st *transit.Station) []string {
	if st.Routes == nil {
		return []string{}
	}
	return st.Routes
}

func (s *server) getStationArrivals(c *fiber.Ctx) error {
	dir, err := directionParam(c, "direction")
	if err != nil {
		return err
	}
	est, err := s.predictor.Predict(c.UserContext(), c.Params("id"), c.Params("route"), dir)
	if err != nil {
		return err
	}
	return s.respond(c, s.arrivals(est))
}

func (s *server) arrivals(est []transit.ArrivalEstimate) []arrivalView {
	now := s.clock.Now()
	out := make([]arrivalView, 0, len(est))
	for _, e := range est {
		v := arrivalView{
			BusID:   e.VehicleID,
			BlockID: e.BlockID,
			Arrival: []float64{minutesUntil(now, e.Arrival)},
		}
		if e.HistoricalArrival != nil {
			v.Arrival = append(v.Arrival, minutesUntil(now, *e.HistoricalArrival))
		}
		out = append(out, v)
	}
	return out
}

// getTripTime answers with the trip time in minutes, or with a series of
// trip times when numberOfRuns or endTime is given.
func (s *server) getTripTime(c *fiber.Ctx) error {
	dir, err := directionParam(c, "direction")
	if err != nil {
		return err
	}
	from, err := queryEpochMillis(c, "startDate")
	if err != nil {
		return err
	}
	to, err := queryEpochMillis(c, "endDate")
	if err != nil {
		return err
	}
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return transit.Malformed("endDate", "before startDate")
	}
	dates := history.DateRange{From: from, To: to}
	route := c.Query("route")

	now := s.clock.Now()
	startTime, hasStart, err := queryHours(c, "startTime", hoursOfDay(now, s.loc))
	if err != nil {
		return err
	}
	// endTime may run past midnight, up to the end of the next day.
	endTime, hasEnd, err := queryFloat(c, "endTime", 0)
	if err != nil {
		return err
	}
	if endTime < 0 || endTime >= 48 {
		return transit.Malformed("endTime", "hours must be within 0..48")
	}
	incr, _, err := queryFloat(c, "seriesTimeIncrement", 0.5)
	if err != nil {
		return err
	}
	// numberOfRuns is often (end-start)/incr, a fraction; round up to cover
	// every start time in [start, end).
	fruns, hasRuns, err := queryFloat(c, "numberOfRuns", 0)
	if err != nil {
		return err
	}
	if hasRuns && (fruns <= 0 || fruns > predict.MaxSeriesRuns) {
		return transit.Malformed("numberOfRuns", "must be within (0, %d]", predict.MaxSeriesRuns)
	}
	runs := int(math.Ceil(fruns - 1e-9))

	ctx := c.UserContext()
	station1, station2 := c.Params("id"), c.Params("dest")

	if !hasRuns && !hasEnd {
		opts := predict.TripOptions{Route: route, Dates: dates}
		if hasStart {
			y, m, d := now.In(s.loc).Date()
			opts.At = time.Date(y, m, d, 0, 0, 0, 0, s.loc).Add(time.Duration(startTime * float64(time.Hour)))
		}
		secs, err := s.predictor.TripTime(ctx, station1, station2, dir, opts)
		if err != nil {
			return err
		}
		return s.respond(c, []float64{minutes(secs)})
	}

	if !(incr > 0 && incr <= 24) {
		return transit.Malformed("seriesTimeIncrement", "must be within (0, 24] hours")
	}
	if !hasRuns {
		window := math.Mod(endTime, 24) - startTime
		if window < 0 {
			window += 24
		}
		runs = int(math.Floor(window/incr+1e-9)) + 1
		if runs > predict.MaxSeriesRuns {
			return transit.Malformed("seriesTimeIncrement", "too small for the endTime window")
		}
	}
	series, err := s.predictor.TripTimeSeries(ctx, station1, station2, dir, predict.SeriesQuery{
		Route:     route,
		Dates:     dates,
		StartTime: startTime,
		Increment: incr,
		Runs:      runs,
	})
	if err != nil {
		return err
	}
	out := make([]*float64, len(series))
	for i, secs := range series {
		if secs != nil {
			m := minutes(*secs)
			out[i] = &m
		}
	}
	return s.respond(c, out)
}
