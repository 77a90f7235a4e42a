package geo

import (
	"sort"
	"sync/atomic"
	"time"

	"transit-predictor/internal/transit"
)

// TripRef links a feed trip id to the route variant and block it runs on.
type TripRef struct {
	RouteID   string
	Direction transit.Direction
	BlockID   string
}

// Dataset is the reference data an index snapshot is built from.
type Dataset struct {
	Routes   []*transit.Route
	Stations []*transit.Station
	// Serves lists the route variants stopping at each station. Stations
	// missing here are projected onto every direction of their routes.
	Serves map[string][]transit.RouteKey
	Trips  map[string]TripRef
}

type stationKey struct {
	station string
	route   transit.RouteKey
}

// Snapshot is an immutable view of the route network. It is never modified
// after NewSnapshot returns.
type Snapshot struct {
	routes      map[transit.RouteKey]*transit.Route
	directions  map[string][]transit.Direction
	stations    map[string]*transit.Station
	stationDist map[stationKey]float64
	trips       map[string]TripRef
	loadedAt    time.Time
}

func NewSnapshot(ds Dataset) *Snapshot {
	s := &Snapshot{
		routes:      make(map[transit.RouteKey]*transit.Route, len(ds.Routes)),
		directions:  make(map[string][]transit.Direction),
		stations:    make(map[string]*transit.Station, len(ds.Stations)),
		stationDist: make(map[stationKey]float64),
		trips:       ds.Trips,
		loadedAt:    time.Now(),
	}
	if s.trips == nil {
		s.trips = map[string]TripRef{}
	}
	for _, r := range ds.Routes {
		if r == nil || len(r.Vertices) < 2 {
			continue
		}
		key := transit.RouteKey{RouteID: r.ID, Direction: r.Direction}
		if _, dup := s.routes[key]; !dup {
			s.directions[r.ID] = append(s.directions[r.ID], r.Direction)
		}
		s.routes[key] = r
	}
	for id := range s.directions {
		sort.Slice(s.directions[id], func(i, j int) bool { return s.directions[id][i] < s.directions[id][j] })
	}
	for _, st := range ds.Stations {
		if st == nil {
			continue
		}
		s.stations[st.ID] = st
		keys, ok := ds.Serves[st.ID]
		if !ok {
			for _, rid := range st.Routes {
				for _, d := range s.directions[rid] {
					keys = append(keys, transit.RouteKey{RouteID: rid, Direction: d})
				}
			}
		}
		for _, key := range keys {
			r, ok := s.routes[key]
			if !ok {
				continue
			}
			s.stationDist[stationKey{station: st.ID, route: key}] = ProjectOnto(r.Vertices, st.Lat, st.Lon).Distance
		}
	}
	return s
}

func (s *Snapshot) LoadedAt() time.Time { return s.loadedAt }

func (s *Snapshot) RouteCount() int   { return len(s.routes) }
func (s *Snapshot) StationCount() int { return len(s.stations) }

// Route returns the geometry of a route variant.
func (s *Snapshot) Route(routeID string, dir transit.Direction) (*transit.Route, error) {
	r, ok := s.routes[transit.RouteKey{RouteID: routeID, Direction: dir}]
	if !ok {
		return nil, &transit.UnknownRouteError{RouteID: routeID, Direction: dir}
	}
	return r, nil
}

// Routes returns every indexed route variant ordered by id then direction.
func (s *Snapshot) Routes() []*transit.Route {
	out := make([]*transit.Route, 0, len(s.routes))
	for _, r := range s.routes {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Direction < out[j].Direction
	})
	return out
}

// StationsOn counts the stations projected onto a route variant.
func (s *Snapshot) StationsOn(routeID string, dir transit.Direction) int {
	key := transit.RouteKey{RouteID: routeID, Direction: dir}
	n := 0
	for k := range s.stationDist {
		if k.route == key {
			n++
		}
	}
	return n
}

func (s *Snapshot) HasRoute(routeID string) bool { return len(s.directions[routeID]) > 0 }

// Directions lists the indexed directions of a route.
func (s *Snapshot) Directions(routeID string) []transit.Direction { return s.directions[routeID] }

// Project maps a coordinate to a route-distance on the given route variant.
func (s *Snapshot) Project(lat, lon float64, routeID string, dir transit.Direction) (Projection, error) {
	r, err := s.Route(routeID, dir)
	if err != nil {
		return Projection{}, err
	}
	return ProjectOnto(r.Vertices, lat, lon), nil
}

func (s *Snapshot) Station(id string) (*transit.Station, error) {
	st, ok := s.stations[id]
	if !ok {
		return nil, &transit.UnknownEntityError{Kind: "station", ID: id}
	}
	return st, nil
}

// StationDistance returns the cached projection of a station onto a route variant.
func (s *Snapshot) StationDistance(stationID, routeID string, dir transit.Direction) (float64, error) {
	if _, err := s.Station(stationID); err != nil {
		return 0, err
	}
	if _, err := s.Route(routeID, dir); err != nil {
		return 0, err
	}
	d, ok := s.stationDist[stationKey{station: stationID, route: transit.RouteKey{RouteID: routeID, Direction: dir}}]
	if !ok {
		return 0, &transit.UnknownEntityError{Kind: "route for station " + stationID, ID: routeID + "/" + string(dir)}
	}
	return d, nil
}

// SharedRoutes lists routes whose dir variant serves both stations, sorted by id.
func (s *Snapshot) SharedRoutes(station1, station2 string, dir transit.Direction) []string {
	var out []string
	for key := range s.routes {
		if key.Direction != dir {
			continue
		}
		_, ok1 := s.stationDist[stationKey{station: station1, route: key}]
		_, ok2 := s.stationDist[stationKey{station: station2, route: key}]
		if ok1 && ok2 {
			out = append(out, key.RouteID)
		}
	}
	sort.Strings(out)
	return out
}

func (s *Snapshot) Trip(tripID string) (TripRef, bool) {
	t, ok := s.trips[tripID]
	return t, ok
}

// InferDirection picks the direction of routeID a report most plausibly
// travels in. With a bearing, the variant whose local heading is closest
// wins among those within maxOffsetKm; otherwise the nearest variant wins.
func (s *Snapshot) InferDirection(routeID string, lat, lon float64, bearing float64, hasBearing bool, maxOffsetKm float64) (transit.Direction, error) {
	dirs := s.directions[routeID]
	if len(dirs) == 0 {
		return "", &transit.UnknownEntityError{Kind: "route", ID: routeID}
	}
	var (
		best      transit.Direction
		bestScore = -1.0
	)
	for _, d := range dirs {
		r := s.routes[transit.RouteKey{RouteID: routeID, Direction: d}]
		p := ProjectOnto(r.Vertices, lat, lon)
		if maxOffsetKm > 0 && p.Offset > maxOffsetKm {
			continue
		}
		score := p.Offset
		if hasBearing {
			score = AngleDiff(bearing, BearingAt(r.Vertices, p.Distance))
		}
		if bestScore < 0 || score < bestScore {
			best, bestScore = d, score
		}
	}
	if bestScore < 0 {
		return "", transit.Malformed("position", "%.5f,%.5f is off every variant of route %s", lat, lon, routeID)
	}
	return best, nil
}

// Index holds the current snapshot. Reloads swap the pointer; readers that
// already loaded a snapshot keep using it undisturbed.
type Index struct {
	current atomic.Pointer[Snapshot]
}

func NewIndex(ds Dataset) *Index {
	ix := &Index{}
	ix.current.Store(NewSnapshot(ds))
	return ix
}

func (ix *Index) Snapshot() *Snapshot { return ix.current.Load() }

// Swap installs a new snapshot and returns the previous one.
func (ix *Index) Swap(s *Snapshot) *Snapshot { return ix.current.Swap(s) }

// Reload builds a snapshot from ds and installs it.
func (ix *Index) Reload(ds Dataset) { ix.current.Store(NewSnapshot(ds)) }

// Project maps a coordinate onto the current snapshot.
func (ix *Index) Project(lat, lon float64, routeID string, dir transit.Direction) (float64, error) {
	p, err := ix.Snapshot().Project(lat, lon, routeID, dir)
	if err != nil {
		return 0, err
	}
	return p.Distance, nil
}
