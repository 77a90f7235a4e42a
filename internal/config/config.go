package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr  string
	MetricsAddr string
	Location    *time.Location

	// Reference data: a GTFS zip, or the GTFS tables of a Postgres database.
	DatabaseURL      string
	City             string
	GTFSStaticPath   string
	ReferenceRefresh time.Duration
	LoopRoutes       map[string]bool

	NATSURL            string
	NATSSubject        string
	NATSQueue          string
	NATSRoutes         []string
	GTFSRTURL          string
	GTFSRTPollInterval time.Duration
	IngestWorkers      int
	IngestQueueSize    int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	CacheTTL      time.Duration

	Freshness         time.Duration
	HistorySize       int
	MinReportInterval time.Duration
	SegmentLengthKm   float64
	MaxOffRouteKm     float64

	QueryTimeout     time.Duration
	FlushInterval    time.Duration
	HistoryRetention time.Duration
	MaxSpeedKmh      float64

	InstantWeight   float64
	StoppedSpeedKmh float64
	DefaultSpeedKmh float64
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		ListenAddr:     getenvDefault("LISTEN_ADDR", ":8080"),
		MetricsAddr:    os.Getenv("METRICS_ADDR"),
		City:           firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME")),
		GTFSStaticPath: os.Getenv("GTFS_STATIC_PATH"),
		NATSURL:        os.Getenv("NATS_URL"),
		NATSSubject:    getenvDefault("NATS_SUBJECT", "*.*"),
		NATSQueue:      os.Getenv("NATS_QUEUE"),
		NATSRoutes:     splitList(os.Getenv("NATS_ROUTES")),
		GTFSRTURL:      os.Getenv("GTFSRT_VEHICLE_POSITIONS_URL"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),
		LoopRoutes:     map[string]bool{},
	}
	for _, r := range splitList(os.Getenv("LOOP_ROUTES")) {
		cfg.LoopRoutes[r] = true
	}

	cfg.DatabaseURL = databaseURL()

	var errs []error
	seconds := func(key string, def int, allowZero bool) time.Duration {
		n, err := intVar(key, def, allowZero)
		errs = append(errs, err)
		return time.Duration(n) * time.Second
	}
	integer := func(key string, def int, allowZero bool) int {
		n, err := intVar(key, def, allowZero)
		errs = append(errs, err)
		return n
	}
	decimal := func(key string, def, lo, hi float64) float64 {
		f, err := floatVar(key, def, lo, hi)
		errs = append(errs, err)
		return f
	}

	cfg.ReferenceRefresh = seconds("REFERENCE_REFRESH_INTERVAL_SEC", 0, true)
	cfg.GTFSRTPollInterval = seconds("GTFSRT_POLL_INTERVAL_SEC", 15, false)
	cfg.IngestWorkers = integer("INGEST_WORKERS", 8, false)
	cfg.IngestQueueSize = integer("INGEST_QUEUE_SIZE", 1024, false)
	cfg.RedisDB = integer("REDIS_DB", 0, true)
	cfg.CacheTTL = seconds("CACHE_TTL_SEC", 30, false)
	cfg.Freshness = seconds("FRESHNESS_SEC", 300, false)
	cfg.HistorySize = integer("HISTORY_SIZE", 4, false)
	cfg.MinReportInterval = seconds("MIN_REPORT_INTERVAL_SEC", 5, true)
	cfg.SegmentLengthKm = decimal("SEGMENT_LENGTH_M", 250, 10, 10000) / 1000
	cfg.MaxOffRouteKm = decimal("MAX_OFF_ROUTE_M", 300, 0, 100000) / 1000
	cfg.QueryTimeout = seconds("QUERY_TIMEOUT_SEC", 55, false)
	cfg.HistoryRetention = time.Duration(integer("HISTORY_RETENTION_DAYS", 60, true)) * 24 * time.Hour
	cfg.MaxSpeedKmh = decimal("MAX_SPEED_KMH", 120, 1, 1000)
	cfg.InstantWeight = decimal("INSTANT_WEIGHT", 0.5, 0, 1)
	cfg.StoppedSpeedKmh = decimal("STOPPED_SPEED_KMH", 3, 0.1, 100)
	cfg.DefaultSpeedKmh = decimal("DEFAULT_SPEED_KMH", 15, 1, 200)

	flushMs, err := intVar("FLUSH_INTERVAL_MS", 2000, false)
	errs = append(errs, err)
	cfg.FlushInterval = time.Duration(flushMs) * time.Millisecond

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.HistorySize < 2 || cfg.HistorySize > 16 {
		return nil, fmt.Errorf("invalid HISTORY_SIZE: %d (want 2..16)", cfg.HistorySize)
	}

	// Time zone
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

// CheckReference fails when neither a GTFS zip nor a database is set.
func (c *Config) CheckReference() error {
	if c.GTFSStaticPath == "" && c.DatabaseURL == "" {
		return errors.New("GTFS_STATIC_PATH or a database (DATABASE_URL, PGDATABASE or CITY) must be set")
	}
	return nil
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars.
// An empty result means no database is configured.
func databaseURL() string {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn
	}
	db := os.Getenv("PGDATABASE")
	// If CITY is provided, default base DB to 'postgres' when PGDATABASE is not set.
	if db == "" && firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME")) != "" {
		db = "postgres"
	}
	if db == "" {
		return ""
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
}

func intVar(key string, def int, allowZero bool) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 || (n == 0 && !allowZero) {
		return def, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func floatVar(key string, def, lo, hi float64) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < lo || f > hi {
		return def, fmt.Errorf("invalid %s: %q", key, v)
	}
	return f, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
