package geo

import (
	"math"
	"sort"

	"transit-predictor/internal/transit"
)

const earthRadiusKm = 6371.0

type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Projection is the closest point on a polyline to a query coordinate.
type Projection struct {
	// Distance is the route-distance of the closest point in km.
	Distance float64
	// Offset is the perpendicular distance from the query to the route in km.
	Offset  float64
	Segment int
}

// Haversine returns the great-circle distance in km.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Cumulate builds route vertices with cumulative distances. Points that do
// not advance the distance are dropped so distances stay strictly increasing.
func Cumulate(pts []Point) []transit.Vertex {
	out := make([]transit.Vertex, 0, len(pts))
	for _, p := range pts {
		if len(out) == 0 {
			out = append(out, transit.Vertex{Lat: p.Lat, Lon: p.Lon})
			continue
		}
		last := out[len(out)-1]
		next := last.Dist + Haversine(last.Lat, last.Lon, p.Lat, p.Lon)
		if next <= last.Dist {
			continue
		}
		out = append(out, transit.Vertex{Lat: p.Lat, Lon: p.Lon, Dist: next})
	}
	return out
}

// ProjectOnto finds the closest point on the polyline using an equirectangular
// plane centred on the query. Ties go to the earliest segment. A query that
// lands on a vertex gets that vertex's cumulative distance exactly.
func ProjectOnto(vs []transit.Vertex, lat, lon float64) Projection {
	n := len(vs)
	if n == 0 {
		return Projection{}
	}
	cosLat0 := math.Cos(lat * math.Pi / 180)
	toXY := func(v transit.Vertex) (x, y float64) {
		y = (v.Lat - lat) * math.Pi / 180 * earthRadiusKm
		x = (v.Lon - lon) * math.Pi / 180 * earthRadiusKm * cosLat0
		return
	}
	x0, y0 := toXY(vs[0])
	if n == 1 {
		return Projection{Distance: vs[0].Dist, Offset: math.Hypot(x0, y0)}
	}
	bestDist2 := math.MaxFloat64
	var best Projection
	for i := 1; i < n; i++ {
		x1, y1 := toXY(vs[i])
		dx := x1 - x0
		dy := y1 - y0
		segLen2 := dx*dx + dy*dy
		t := 0.0
		if segLen2 > 0 {
			t = -(x0*dx + y0*dy) / segLen2
			if t < 0 {
				t = 0
			} else if t > 1 {
				t = 1
			}
		}
		px := x0 + t*dx
		py := y0 + t*dy
		d2 := px*px + py*py
		if d2 < bestDist2 {
			bestDist2 = d2
			along := vs[i-1].Dist + t*(vs[i].Dist-vs[i-1].Dist)
			switch t {
			case 0:
				along = vs[i-1].Dist
			case 1:
				along = vs[i].Dist
			}
			best = Projection{Distance: along, Offset: math.Sqrt(d2), Segment: i - 1}
		}
		x0, y0 = x1, y1
	}
	return best
}

// segmentAt returns i such that vs[i-1].Dist <= d <= vs[i].Dist.
func segmentAt(vs []transit.Vertex, d float64) int {
	i := sort.Search(len(vs), func(i int) bool { return vs[i].Dist >= d })
	if i < 1 {
		i = 1
	}
	if i >= len(vs) {
		i = len(vs) - 1
	}
	return i
}

// PointAt interpolates the coordinate at route-distance d, clamped to the route.
func PointAt(vs []transit.Vertex, d float64) Point {
	n := len(vs)
	if n == 0 {
		return Point{}
	}
	if n == 1 || d <= vs[0].Dist {
		return Point{Lat: vs[0].Lat, Lon: vs[0].Lon}
	}
	if d >= vs[n-1].Dist {
		return Point{Lat: vs[n-1].Lat, Lon: vs[n-1].Lon}
	}
	i := segmentAt(vs, d)
	p0, p1 := vs[i-1], vs[i]
	frac := (d - p0.Dist) / (p1.Dist - p0.Dist)
	return Point{
		Lat: p0.Lat + (p1.Lat-p0.Lat)*frac,
		Lon: p0.Lon + (p1.Lon-p0.Lon)*frac,
	}
}

// BearingAt returns the bearing in degrees of the segment containing d.
func BearingAt(vs []transit.Vertex, d float64) float64 {
	if len(vs) < 2 {
		return 0
	}
	i := segmentAt(vs, d)
	return bearingDeg(vs[i-1].Lat, vs[i-1].Lon, vs[i].Lat, vs[i].Lon)
}

// PointsBetween returns the polyline from d1 to d2 with interpolated end
// points. When d1 > d2 the points run backwards along the route.
func PointsBetween(vs []transit.Vertex, d1, d2 float64) []Point {
	if len(vs) == 0 {
		return nil
	}
	reverse := d1 > d2
	if reverse {
		d1, d2 = d2, d1
	}
	pts := []Point{PointAt(vs, d1)}
	if d1 == d2 {
		return pts
	}
	for _, v := range vs {
		if v.Dist > d1 && v.Dist < d2 {
			pts = append(pts, Point{Lat: v.Lat, Lon: v.Lon})
		}
	}
	pts = append(pts, PointAt(vs, d2))
	if reverse {
		for i, j := 0, len(pts)-1; i < j; i, j = i+1, j-1 {
			pts[i], pts[j] = pts[j], pts[i]
		}
	}
	return pts
}

// DistanceBetween is the separation of two route-distances in km.
func DistanceBetween(d1, d2 float64) float64 { return math.Abs(d2 - d1) }

func bearingDeg(lat1, lon1, lat2, lon2 float64) float64 {
	y := math.Sin((lon2-lon1)*math.Pi/180.0) * math.Cos(lat2*math.Pi/180.0)
	x := math.Cos(lat1*math.Pi/180.0)*math.Sin(lat2*math.Pi/180.0) - math.Sin(lat1*math.Pi/180.0)*math.Cos(lat2*math.Pi/180.0)*math.Cos((lon2-lon1)*math.Pi/180.0)
	brng := math.Atan2(y, x) * 180.0 / math.Pi
	if brng < 0 {
		brng += 360
	}
	return brng
}

// AngleDiff is the absolute difference between two bearings in [0, 180].
func AngleDiff(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// OverallBearing is the bearing from the first vertex to the vertex farthest
// from it, which stays meaningful for routes that end where they start.
func OverallBearing(vs []transit.Vertex) float64 {
	if len(vs) < 2 {
		return 0
	}
	first := vs[0]
	far, farDist := vs[len(vs)-1], -1.0
	for _, v := range vs[1:] {
		if d := Haversine(first.Lat, first.Lon, v.Lat, v.Lon); d > farDist {
			far, farDist = v, d
		}
	}
	return bearingDeg(first.Lat, first.Lon, far.Lat, far.Lon)
}
