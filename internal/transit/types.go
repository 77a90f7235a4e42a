package transit

import "time"

// Vertex is a polyline point with its cumulative distance from the route start in km.
type Vertex struct {
	Lat  float64
	Lon  float64
	Dist float64
}

type Route struct {
	ID        string
	Direction Direction
	Name      string
	// Loop routes end where they start; distances wrap at the seam.
	Loop     bool
	Vertices []Vertex
}

// Length is the route length in km.
func (r *Route) Length() float64 {
	if len(r.Vertices) == 0 {
		return 0
	}
	return r.Vertices[len(r.Vertices)-1].Dist
}

type RouteKey struct {
	RouteID   string
	Direction Direction
}

func (k RouteKey) String() string { return k.RouteID + "/" + string(k.Direction) }

type Station struct {
	ID     string
	Name   string
	Lat    float64
	Lon    float64
	Routes []string
}

type VehicleReport struct {
	VehicleID string
	BlockID   string
	RouteID   string
	Direction Direction
	Timestamp time.Time
	Lat       float64
	Lon       float64
	// Bearing in degrees; only meaningful when HasBearing is set.
	Bearing    float64
	HasBearing bool
}

type VehicleState struct {
	VehicleID string
	BlockID   string
	RouteID   string
	Direction Direction
	Lat       float64
	Lon       float64
	// Distance is the projected route-distance in km.
	Distance float64
	// Velocity is in km per second along the route.
	Velocity    float64
	HasVelocity bool
	LastUpdate  time.Time
}

// VelocityKmh returns the instantaneous velocity in km/h.
func (s VehicleState) VelocityKmh() float64 { return s.Velocity * 3600 }

// Fresh reports whether the state was updated within maxAge of now.
func (s VehicleState) Fresh(now time.Time, maxAge time.Duration) bool {
	return now.Sub(s.LastUpdate) <= maxAge
}

type SegmentSample struct {
	RouteID   string
	Direction Direction
	StartDist float64
	EndDist   float64
	VehicleID string
	// EnteredAt is the interpolated time the vehicle crossed StartDist.
	EnteredAt time.Time
	Elapsed   float64 // seconds
}

// VelocitySource names which velocity model produced an estimate.
type VelocitySource string

const (
	SourceBlended       VelocitySource = "blended"
	SourceInstantaneous VelocitySource = "instantaneous"
	SourceHistorical    VelocitySource = "historical"
	SourceDefault       VelocitySource = "default"
)

type ArrivalEstimate struct {
	VehicleID   string
	BlockID     string
	StationID   string
	Arrival     time.Time
	Source      VelocitySource
	RemainingKm float64
	VelocityKmh float64
	// HistoricalArrival is set when historical data alone produced an estimate.
	HistoricalArrival *time.Time
}
