package api

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"transit-predictor/internal/history"
	"transit-predictor/internal/transit"
)

var callbackPattern = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$.]{0,63}$`)

func directionParam(c *fiber.Ctx, name string) (transit.Direction, error) {
	return transit.ParseDirection(c.Params(name))
}

// parseCoord reads "lat,lon".
func parseCoord(param, s string) (lat, lon float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, transit.Malformed(param, "want lat,lon, got %q", s)
	}
	lat, err1 := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	lon, err2 := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err1 != nil || err2 != nil {
		return 0, 0, transit.Malformed(param, "want lat,lon, got %q", s)
	}
	return lat, lon, checkLatLon(param, lat, lon)
}

func checkLatLon(param string, lat, lon float64) error {
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return transit.Malformed(param, "coordinate %g,%g out of range", lat, lon)
	}
	return nil
}

func queryFloat(c *fiber.Ctx, key string, def float64) (float64, bool, error) {
	v := c.Query(key)
	if v == "" {
		return def, false, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return def, false, transit.Malformed(key, "not a number: %q", v)
	}
	return f, true, nil
}

func queryInt(c *fiber.Ctx, key string, def int) (int, bool, error) {
	v := c.Query(key)
	if v == "" {
		return def, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, false, transit.Malformed(key, "not an integer: %q", v)
	}
	return n, true, nil
}

// queryCoord reads a latitude and longitude pair from two query keys.
func queryCoord(c *fiber.Ctx, latKey, lonKey string) (float64, float64, error) {
	if c.Query(latKey) == "" || c.Query(lonKey) == "" {
		return 0, 0, transit.Malformed(latKey+","+lonKey, "required")
	}
	lat, _, err := queryFloat(c, latKey, 0)
	if err != nil {
		return 0, 0, err
	}
	lon, _, err := queryFloat(c, lonKey, 0)
	if err != nil {
		return 0, 0, err
	}
	return lat, lon, checkLatLon(latKey+","+lonKey, lat, lon)
}

// queryEpochMillis reads a timestamp given in milliseconds since the epoch.
func queryEpochMillis(c *fiber.Ctx, key string) (time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms < 0 {
		return time.Time{}, transit.Malformed(key, "want epoch milliseconds, got %q", v)
	}
	return time.UnixMilli(ms), nil
}

// queryHours reads a decimal time of day in [0, 24).
func queryHours(c *fiber.Ctx, key string, def float64) (float64, bool, error) {
	h, set, err := queryFloat(c, key, def)
	if err != nil {
		return 0, false, err
	}
	if h < 0 || h >= 24 {
		return 0, false, transit.Malformed(key, "hours must be within 0..24")
	}
	return h, set, nil
}

func hoursOfDay(t time.Time, loc *time.Location) float64 {
	t = t.In(loc)
	return float64(t.Hour()) + float64(t.Minute())/60 + float64(t.Second())/3600
}

func minutes(seconds float64) float64 {
	return math.Round(seconds/60*100) / 100
}

func minutesUntil(now, at time.Time) float64 {
	return max(0, minutes(at.Sub(now).Seconds()))
}

// nullable maps NoData cells to nil so they render as JSON null.
func nullable(row []float64) []*float64 {
	out := make([]*float64, len(row))
	for i, v := range row {
		if !history.IsNoData(v) {
			out[i] = &row[i]
		}
	}
	return out
}
