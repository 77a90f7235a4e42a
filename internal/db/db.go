package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"transit-predictor/internal/gtfs"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// FetchFeed loads the GTFS tables the route network is built from. Stop to
// route membership is resolved in SQL rather than loading all stop_times.
func FetchFeed(ctx context.Context, db *sql.DB) (*gtfs.Feed, error) {
	feed := &gtfs.Feed{}
	var err error
	if feed.Routes, err = fetchRoutes(ctx, db); err != nil {
		return nil, err
	}
	if feed.Trips, err = fetchTrips(ctx, db); err != nil {
		return nil, err
	}
	if feed.Shapes, err = fetchShapes(ctx, db); err != nil {
		return nil, err
	}
	if feed.Stops, err = fetchStops(ctx, db); err != nil {
		return nil, err
	}
	if feed.StopRoutes, err = fetchStopRoutes(ctx, db); err != nil {
		return nil, err
	}
	return feed, nil
}

func fetchRoutes(ctx context.Context, db *sql.DB) ([]gtfs.Route, error) {
	q := `SELECT route_id, COALESCE(route_short_name, ''), COALESCE(route_long_name, '') FROM routes`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rows.Close()
	var out []gtfs.Route
	for rows.Next() {
		var r gtfs.Route
		if err := rows.Scan(&r.RouteID, &r.ShortName, &r.LongName); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func fetchTrips(ctx context.Context, db *sql.DB) ([]gtfs.Trip, error) {
	q := `SELECT trip_id, route_id, COALESCE(service_id, ''), COALESCE(direction_id::text, '0'),
                 COALESCE(shape_id, ''), COALESCE(block_id, ''), COALESCE(trip_headsign, '')
          FROM trips`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query trips: %w", err)
	}
	defer rows.Close()
	var out []gtfs.Trip
	for rows.Next() {
		var t gtfs.Trip
		if err := rows.Scan(&t.TripID, &t.RouteID, &t.ServiceID, &t.DirectionID, &t.ShapeID, &t.BlockID, &t.Headsign); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func fetchShapes(ctx context.Context, db *sql.DB) ([]gtfs.ShapePoint, error) {
	// Either plain shape_pt_lat/lon columns or a PostGIS shape_pt_loc geography.
	cols, err := hasColumns(ctx, db, "public", "shapes", "shape_pt_lat", "shape_pt_lon", "shape_pt_loc")
	if err != nil {
		return nil, fmt.Errorf("introspect shapes columns: %w", err)
	}
	var q string
	switch {
	case cols["shape_pt_lat"] && cols["shape_pt_lon"]:
		q = `SELECT shape_id, shape_pt_lat, shape_pt_lon, shape_pt_sequence, COALESCE(shape_dist_traveled, 0)
             FROM shapes ORDER BY shape_id, shape_pt_sequence`
	case cols["shape_pt_loc"]:
		q = `SELECT shape_id, ST_Y(shape_pt_loc::geometry), ST_X(shape_pt_loc::geometry),
                    shape_pt_sequence, COALESCE(shape_dist_traveled, 0)
             FROM shapes ORDER BY shape_id, shape_pt_sequence`
	default:
		return nil, fmt.Errorf("shapes table missing expected columns (lat/lon or shape_pt_loc)")
	}
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query shapes: %w", err)
	}
	defer rows.Close()
	var pts []gtfs.ShapePoint
	for rows.Next() {
		var p gtfs.ShapePoint
		if err := rows.Scan(&p.ShapeID, &p.Lat, &p.Lon, &p.Sequence, &p.DistTraveled); err != nil {
			return nil, err
		}
		pts = append(pts, p)
	}
	return pts, rows.Err()
}

func fetchStops(ctx context.Context, db *sql.DB) ([]gtfs.Stop, error) {
	cols, err := hasColumns(ctx, db, "public", "stops", "stop_lat", "stop_lon", "stop_loc")
	if err != nil {
		return nil, fmt.Errorf("introspect stops columns: %w", err)
	}
	var q string
	switch {
	case cols["stop_lat"] && cols["stop_lon"]:
		q = `SELECT stop_id, COALESCE(stop_name, ''), COALESCE(stop_lat, 0), COALESCE(stop_lon, 0) FROM stops`
	case cols["stop_loc"]:
		q = `SELECT stop_id, COALESCE(stop_name, ''),
                    COALESCE(ST_Y(stop_loc::geometry), 0), COALESCE(ST_X(stop_loc::geometry), 0)
             FROM stops`
	default:
		return nil, fmt.Errorf("stops table missing expected columns (stop_lat/lon or stop_loc)")
	}
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()
	var out []gtfs.Stop
	for rows.Next() {
		var s gtfs.Stop
		if err := rows.Scan(&s.StopID, &s.StopName, &s.StopLat, &s.StopLon); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func fetchStopRoutes(ctx context.Context, db *sql.DB) ([]gtfs.StopRoute, error) {
	q := `SELECT DISTINCT st.stop_id, t.route_id, COALESCE(t.direction_id::text, '0')
          FROM stop_times st
          JOIN trips t ON t.trip_id = st.trip_id`
	rows, err := db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("query stop routes: %w", err)
	}
	defer rows.Close()
	var out []gtfs.StopRoute
	for rows.Next() {
		var sr gtfs.StopRoute
		if err := rows.Scan(&sr.StopID, &sr.RouteID, &sr.DirectionID); err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

// hasColumns returns a map of requested column names to existence for the given table.
func hasColumns(ctx context.Context, db *sql.DB, schema, table string, cols ...string) (map[string]bool, error) {
	res := make(map[string]bool, len(cols))
	if len(cols) == 0 {
		return res, nil
	}
	for _, c := range cols {
		res[c] = false
	}
	q := `SELECT column_name FROM information_schema.columns
          WHERE table_schema = $1 AND table_name = $2 AND column_name = ANY($3)`
	rows, err := db.QueryContext(ctx, q, schema, table, cols)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		res[name] = true
	}
	return res, rows.Err()
}
