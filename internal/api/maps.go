package api

import (
	"math"

	"github.com/gofiber/fiber/v2"

	"transit-predictor/internal/geo"
	"transit-predictor/internal/history"
	"transit-predictor/internal/transit"
)

const maxIntervals = 200

type intervalView struct {
	StartDist float64     `json:"startDist"`
	EndDist   float64     `json:"endDist"`
	V         []*float64  `json:"v"`
	Pts       []geo.Point `json:"pts,omitempty"`
	Ival      struct {
		V []*float64 `json:"v"`
	} `json:"ival"`
}

func (s *server) MapsRouter(router fiber.Router) {
	// Registered first so "intervals" is never read as a route id.
	router.Get("/intervals/:route/:direction/:coord", s.getIntervals)
	router.Get("/:route/:from/to/:to", s.getPath)
}

// getPath returns the route polyline between two coordinates. Without a
// direction the first variant travelling from the first point towards the
// second is used.
func (s *server) getPath(c *fiber.Ctx) error {
	lat1, lon1, err := parseCoord("from", c.Params("from"))
	if err != nil {
		return err
	}
	lat2, lon2, err := parseCoord("to", c.Params("to"))
	if err != nil {
		return err
	}
	routeID := c.Params("route")
	snap := s.index.Snapshot()
	if !snap.HasRoute(routeID) {
		return &transit.UnknownEntityError{Kind: "route", ID: routeID}
	}

	dirs := snap.Directions(routeID)
	if q := c.Query("direction"); q != "" {
		dir, err := transit.ParseDirection(q)
		if err != nil {
			return err
		}
		dirs = []transit.Direction{dir}
	}

	var (
		route  *transit.Route
		d1, d2 float64
	)
	for _, dir := range dirs {
		r, err := snap.Route(routeID, dir)
		if err != nil {
			return err
		}
		a := geo.ProjectOnto(r.Vertices, lat1, lon1).Distance
		b := geo.ProjectOnto(r.Vertices, lat2, lon2).Distance
		if route == nil || (a <= b && d1 > d2) {
			route, d1, d2 = r, a, b
		}
	}

	var pts []geo.Point
	switch {
	case route.Loop && d1 > d2:
		pts = append(geo.PointsBetween(route.Vertices, d1, route.Length()), geo.PointsBetween(route.Vertices, 0, d2)...)
	default:
		pts = geo.PointsBetween(route.Vertices, d1, d2)
	}
	return s.respond(c, pts)
}

// getIntervals splits the route beyond a coordinate into n equal distance
// intervals and reports the historical velocity of each over a window of
// the day. v honours the optional date filter; ival.v always covers every
// recorded date.
func (s *server) getIntervals(c *fiber.Ctx) error {
	dir, err := directionParam(c, "direction")
	if err != nil {
		return err
	}
	lat, lon, err := parseCoord("coord", c.Params("coord"))
	if err != nil {
		return err
	}
	route, err := s.index.Snapshot().Route(c.Params("route"), dir)
	if err != nil {
		return err
	}

	n, _, err := queryInt(c, "n", 10)
	if err != nil {
		return err
	}
	if n < 1 || n > maxIntervals {
		return transit.Malformed("n", "must be between 1 and %d", maxIntervals)
	}
	start, _, err := queryHours(c, "time", hoursOfDay(s.clock.Now(), s.loc))
	if err != nil {
		return err
	}
	offset, _, err := queryFloat(c, "offset", 1)
	if err != nil {
		return err
	}
	if offset <= 0 || offset > 24 {
		return transit.Malformed("offset", "hours must be within 0..24")
	}
	incr, _, err := queryFloat(c, "incr", 0.5)
	if err != nil {
		return err
	}
	date, err := queryEpochMillis(c, "date")
	if err != nil {
		return err
	}
	withMap := c.QueryBool("map", false)

	if s.history == nil {
		return transit.ErrInsufficientData
	}

	from := geo.ProjectOnto(route.Vertices, lat, lon).Distance
	length := route.Length()
	if length-from < 1e-6 {
		return s.respond(c, []intervalView{})
	}
	step := (length - from) / float64(n)
	q := history.BandQuery{
		StartDistance:     from,
		EndDistance:       length,
		DistanceIncrement: step,
		StartTimeOfDay:    start,
		EndTimeOfDay:      math.Mod(start+offset, 24),
		TimeIncrement:     incr,
	}

	ctx := c.UserContext()
	all, err := s.history.VelocityBand(ctx, route.ID, dir, q)
	if err != nil {
		return err
	}
	dated := all
	if !date.IsZero() {
		q.Dates = history.DateRange{From: date, To: date}
		if dated, err = s.history.VelocityBand(ctx, route.ID, dir, q); err != nil {
			return err
		}
	}

	out := make([]intervalView, len(all))
	for i := range all {
		lo := from + float64(i)*step
		hi := math.Min(lo+step, length)
		out[i].StartDist = lo
		out[i].EndDist = hi
		out[i].V = nullable(dated[i])
		out[i].Ival.V = nullable(all[i])
		if withMap {
			out[i].Pts = geo.PointsBetween(route.Vertices, lo, hi)
		}
	}
	return s.respond(c, out)
}
