package reference

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"

	"transit-predictor/internal/geo"
	"transit-predictor/internal/gtfs"
	"transit-predictor/internal/transit"
)

// DefaultLoopToleranceKm is how close a shape's ends must be for the route
// to be treated as a loop.
const DefaultLoopToleranceKm = 0.05

type Options struct {
	// LoopRoutes forces the loop flag on for these route ids.
	LoopRoutes      map[string]bool
	LoopToleranceKm float64
}

type variantKey struct {
	routeID     string
	directionID string
}

// Build turns a GTFS feed into the route network. Each (route, direction_id)
// becomes one variant using its most common shape; its compass direction
// comes from the shape's overall heading.
func Build(feed *gtfs.Feed, opts Options) (geo.Dataset, error) {
	if opts.LoopToleranceKm <= 0 {
		opts.LoopToleranceKm = DefaultLoopToleranceKm
	}

	shapes := groupShapes(feed.Shapes)

	names := make(map[string]string, len(feed.Routes))
	for _, r := range feed.Routes {
		names[r.RouteID] = firstNonEmpty(r.ShortName, r.LongName, r.RouteID)
	}

	shapeCounts := make(map[variantKey]map[string]int)
	for _, t := range feed.Trips {
		if t.ShapeID == "" {
			continue
		}
		k := variantKey{routeID: t.RouteID, directionID: normDirectionID(t.DirectionID)}
		if shapeCounts[k] == nil {
			shapeCounts[k] = make(map[string]int)
		}
		shapeCounts[k][t.ShapeID]++
	}

	keys := make([]variantKey, 0, len(shapeCounts))
	for k := range shapeCounts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].routeID != keys[j].routeID {
			return keys[i].routeID < keys[j].routeID
		}
		return keys[i].directionID < keys[j].directionID
	})

	var ds geo.Dataset
	compass := make(map[variantKey]transit.Direction)
	used := make(map[string]map[transit.Direction]bool)
	for _, k := range keys {
		vs := geo.Cumulate(shapes[dominantShape(shapeCounts[k])])
		if len(vs) < 2 {
			log.Warn().Str("route", k.routeID).Str("direction_id", k.directionID).Msg("Skipping route variant without usable shape")
			continue
		}
		if used[k.routeID] == nil {
			used[k.routeID] = make(map[transit.Direction]bool)
		}
		dir, ok := pickDirection(transit.DirectionFromBearing(geo.OverallBearing(vs)), used[k.routeID])
		if !ok {
			log.Warn().Str("route", k.routeID).Str("direction_id", k.directionID).Msg("Skipping route variant, all directions taken")
			continue
		}
		used[k.routeID][dir] = true
		compass[k] = dir

		first, last := vs[0], vs[len(vs)-1]
		loop := opts.LoopRoutes[k.routeID] || geo.Haversine(first.Lat, first.Lon, last.Lat, last.Lon) <= opts.LoopToleranceKm
		ds.Routes = append(ds.Routes, &transit.Route{
			ID:        k.routeID,
			Direction: dir,
			Name:      names[k.routeID],
			Loop:      loop,
			Vertices:  vs,
		})
	}
	if len(ds.Routes) == 0 {
		return geo.Dataset{}, fmt.Errorf("gtfs feed has no route with a usable shape")
	}

	ds.Trips = make(map[string]geo.TripRef, len(feed.Trips))
	for _, t := range feed.Trips {
		dir, ok := compass[variantKey{routeID: t.RouteID, directionID: normDirectionID(t.DirectionID)}]
		if !ok {
			continue
		}
		ds.Trips[t.TripID] = geo.TripRef{RouteID: t.RouteID, Direction: dir, BlockID: firstNonEmpty(t.BlockID, t.TripID)}
	}

	stopRoutes := feed.StopRoutes
	if len(stopRoutes) == 0 {
		stopRoutes = deriveStopRoutes(feed)
	}
	ds.Serves = make(map[string][]transit.RouteKey)
	routeSets := make(map[string]map[string]bool)
	for _, sr := range stopRoutes {
		dir, ok := compass[variantKey{routeID: sr.RouteID, directionID: normDirectionID(sr.DirectionID)}]
		if !ok {
			continue
		}
		ds.Serves[sr.StopID] = append(ds.Serves[sr.StopID], transit.RouteKey{RouteID: sr.RouteID, Direction: dir})
		if routeSets[sr.StopID] == nil {
			routeSets[sr.StopID] = make(map[string]bool)
		}
		routeSets[sr.StopID][sr.RouteID] = true
	}

	for _, s := range feed.Stops {
		routes := make([]string, 0, len(routeSets[s.StopID]))
		for r := range routeSets[s.StopID] {
			routes = append(routes, r)
		}
		sort.Strings(routes)
		if _, ok := ds.Serves[s.StopID]; !ok {
			// Known to serve nothing; keeps the snapshot from guessing.
			ds.Serves[s.StopID] = nil
		}
		ds.Stations = append(ds.Stations, &transit.Station{
			ID:     s.StopID,
			Name:   s.StopName,
			Lat:    s.StopLat,
			Lon:    s.StopLon,
			Routes: routes,
		})
	}
	return ds, nil
}

func groupShapes(pts []gtfs.ShapePoint) map[string][]geo.Point {
	byShape := make(map[string][]gtfs.ShapePoint)
	for _, p := range pts {
		byShape[p.ShapeID] = append(byShape[p.ShapeID], p)
	}
	out := make(map[string][]geo.Point, len(byShape))
	for id, sp := range byShape {
		sort.SliceStable(sp, func(i, j int) bool { return sp[i].Sequence < sp[j].Sequence })
		line := make([]geo.Point, len(sp))
		for i, p := range sp {
			line[i] = geo.Point{Lat: p.Lat, Lon: p.Lon}
		}
		out[id] = line
	}
	return out
}

// dominantShape picks the shape most trips use; ties go to the smallest id.
func dominantShape(counts map[string]int) string {
	best, bestN := "", -1
	for id, n := range counts {
		if n > bestN || (n == bestN && id < best) {
			best, bestN = id, n
		}
	}
	return best
}

func pickDirection(want transit.Direction, used map[transit.Direction]bool) (transit.Direction, bool) {
	candidates := []transit.Direction{want, want.Opposite()}
	candidates = append(candidates, transit.Directions...)
	for _, d := range candidates {
		if !used[d] {
			return d, true
		}
	}
	return "", false
}

func deriveStopRoutes(feed *gtfs.Feed) []gtfs.StopRoute {
	trips := make(map[string]gtfs.Trip, len(feed.Trips))
	for _, t := range feed.Trips {
		trips[t.TripID] = t
	}
	seen := make(map[gtfs.StopRoute]bool)
	var out []gtfs.StopRoute
	for _, st := range feed.StopTimes {
		t, ok := trips[st.TripID]
		if !ok {
			continue
		}
		sr := gtfs.StopRoute{StopID: st.StopID, RouteID: t.RouteID, DirectionID: normDirectionID(t.DirectionID)}
		if !seen[sr] {
			seen[sr] = true
			out = append(out, sr)
		}
	}
	return out
}

func normDirectionID(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
