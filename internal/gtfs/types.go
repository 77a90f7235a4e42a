package gtfs

// Row types for the subset of GTFS static the service needs. The csv tags
// match the GTFS file headers.

type Route struct {
	RouteID   string `csv:"route_id"`
	ShortName string `csv:"route_short_name"`
	LongName  string `csv:"route_long_name"`
}

type Trip struct {
	TripID      string `csv:"trip_id"`
	RouteID     string `csv:"route_id"`
	ServiceID   string `csv:"service_id"`
	DirectionID string `csv:"direction_id"`
	ShapeID     string `csv:"shape_id"`
	BlockID     string `csv:"block_id"`
	Headsign    string `csv:"trip_headsign"`
}

type Stop struct {
	StopID   string  `csv:"stop_id"`
	StopName string  `csv:"stop_name"`
	StopLat  float64 `csv:"stop_lat"`
	StopLon  float64 `csv:"stop_lon"`
}

type StopTime struct {
	TripID       string `csv:"trip_id"`
	StopID       string `csv:"stop_id"`
	StopSequence int    `csv:"stop_sequence"`
}

type ShapePoint struct {
	ShapeID      string  `csv:"shape_id"`
	Lat          float64 `csv:"shape_pt_lat"`
	Lon          float64 `csv:"shape_pt_lon"`
	Sequence     int     `csv:"shape_pt_sequence"`
	DistTraveled float64 `csv:"shape_dist_traveled"`
}

// StopRoute records that a stop is served by a route in a GTFS direction.
type StopRoute struct {
	StopID      string
	RouteID     string
	DirectionID string
}

// Feed is a parsed GTFS static feed. StopRoutes may be filled directly by
// a database loader instead of deriving it from StopTimes.
type Feed struct {
	Routes     []Route
	Trips      []Trip
	Stops      []Stop
	StopTimes  []StopTime
	Shapes     []ShapePoint
	StopRoutes []StopRoute
}
