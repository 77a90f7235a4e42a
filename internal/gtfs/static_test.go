package gtfs

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeZip(t *testing.T, files map[string]string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "feed.zip")
	f, err := os.Create(p)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return p
}

func TestParseZip(t *testing.T) {
	p := writeZip(t, map[string]string{
		"routes.txt": "route_id,route_short_name,route_long_name\n44,44,Crosstown\n",
		"trips.txt": "route_id,service_id,trip_id,direction_id,shape_id,block_id\n" +
			"44,wk,t1,0,sh1,b1\n44,wk,t2,1,sh2,b1\n",
		"stops.txt": "stop_id,stop_name,stop_lat,stop_lon\nA,Main St,40.0,-75.0\nB,Elm St,40.0,-74.99\n",
		"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\n" +
			"t1,08:00:00,08:00:00,A,1\nt1,08:05:00,08:05:00,B,2\n",
		"shapes.txt": "shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence,shape_dist_traveled\n" +
			"sh1,40.0,-75.0,1,\nsh1,40.0,-74.99,2,\nsh2,40.0,-74.99,1,0\nsh2,40.0,-75.0,2,0.85\n",
		"agency.txt": "agency_id,agency_name\n1,Transit\n",
	})

	feed, err := ParseZip(p)
	require.NoError(t, err)
	assert.Len(t, feed.Routes, 1)
	require.Len(t, feed.Trips, 2)
	assert.Equal(t, "1", feed.Trips[1].DirectionID)
	assert.Equal(t, "b1", feed.Trips[0].BlockID)
	require.Len(t, feed.Stops, 2)
	assert.Equal(t, "Elm St", feed.Stops[1].StopName)
	assert.Len(t, feed.StopTimes, 2)
	require.Len(t, feed.Shapes, 4)
	assert.Equal(t, 0.0, feed.Shapes[0].DistTraveled)
	assert.Equal(t, 0.85, feed.Shapes[3].DistTraveled)
}

func TestParseZipRequiresShapes(t *testing.T) {
	p := writeZip(t, map[string]string{
		"trips.txt": "route_id,service_id,trip_id\n44,wk,t1\n",
	})
	_, err := ParseZip(p)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shapes.txt")
}

func TestParseZipMissingFile(t *testing.T) {
	_, err := ParseZip(filepath.Join(t.TempDir(), "missing.zip"))
	require.Error(t, err)
}
