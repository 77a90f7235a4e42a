package ingest

import (
	"transit-predictor/internal/geo"
	"transit-predictor/internal/transit"
)

// Resolver fills in what feeds leave out of a report: the route direction
// and block, looked up by trip id or inferred from the position.
type Resolver struct {
	Index       *geo.Index
	MaxOffRoute float64 // km
}

func (rv Resolver) Resolve(r *transit.VehicleReport, tripID string) error {
	snap := rv.Index.Snapshot()
	if tripID != "" {
		if ref, ok := snap.Trip(tripID); ok {
			if r.RouteID == "" {
				r.RouteID = ref.RouteID
			}
			if r.BlockID == "" {
				r.BlockID = ref.BlockID
			}
			if r.Direction == "" && ref.RouteID == r.RouteID {
				r.Direction = ref.Direction
			}
		}
	}
	if r.VehicleID == "" {
		r.VehicleID = tripID
	}
	if r.RouteID == "" {
		return transit.Malformed("routeId", "missing and trip %q is unknown", tripID)
	}
	if r.Direction != "" {
		return nil
	}
	dir, err := snap.InferDirection(r.RouteID, r.Lat, r.Lon, r.Bearing, r.HasBearing, rv.MaxOffRoute)
	if err != nil {
		return err
	}
	r.Direction = dir
	return nil
}
