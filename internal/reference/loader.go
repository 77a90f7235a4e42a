package reference

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"transit-predictor/internal/db"
	"transit-predictor/internal/gtfs"
)

// Source yields a GTFS static feed.
type Source interface {
	Name() string
	Load(ctx context.Context) (*gtfs.Feed, error)
}

// ZipSource reads a GTFS zip from disk.
type ZipSource struct {
	Path string
}

func (z ZipSource) Name() string { return "zip:" + z.Path }

func (z ZipSource) Load(ctx context.Context) (*gtfs.Feed, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return gtfs.ParseZip(z.Path)
}

// DBSource reads GTFS tables from Postgres. With City set it follows the
// newest import for that city, reconnecting when a newer import appears
// or the current connection stops answering.
type DBSource struct {
	BaseDSN string
	City    string

	mu      sync.Mutex
	conn    *sql.DB
	current string
}

func NewDBSource(baseDSN, city string) *DBSource {
	return &DBSource{BaseDSN: baseDSN, City: city}
}

func (s *DBSource) Name() string {
	if s.City != "" {
		return "postgres:city=" + s.City
	}
	return "postgres"
}

func (s *DBSource) Load(ctx context.Context) (*gtfs.Feed, error) {
	conn, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	return db.FetchFeed(ctx, conn)
}

func (s *DBSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

func (s *DBSource) connect(ctx context.Context) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := s.BaseDSN
	name := ""
	var imp db.Import
	if s.City != "" {
		var err error
		if imp, err = s.resolveCity(ctx); err != nil {
			if s.conn != nil {
				log.Warn().Err(err).Str("city", s.City).Msg("Keeping current GTFS database")
				return s.conn, nil
			}
			return nil, err
		}
		name = imp.Database
		if target, err = db.WithDBName(s.BaseDSN, name); err != nil {
			return nil, err
		}
	}

	if s.conn != nil && name == s.current {
		if err := db.Ping(ctx, s.conn); err == nil {
			return s.conn, nil
		}
		log.Warn().Str("database", s.current).Msg("GTFS database ping failed, reconnecting")
	}

	conn, err := db.Open(target)
	if err != nil {
		return nil, fmt.Errorf("open gtfs database: %w", err)
	}
	if err := db.Ping(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping gtfs database: %w", err)
	}
	if s.conn != nil {
		s.conn.Close()
	}
	if name != s.current {
		log.Info().Str("city", s.City).Str("from", s.current).Str("to", name).Time("imported_at", imp.ImportedAt).Msg("Switched GTFS database")
	}
	s.conn, s.current = conn, name
	return conn, nil
}

func (s *DBSource) resolveCity(ctx context.Context) (db.Import, error) {
	rootDSN, err := db.WithDBName(s.BaseDSN, "postgres")
	if err != nil {
		return db.Import{}, err
	}
	meta, err := db.Open(rootDSN)
	if err != nil {
		return db.Import{}, err
	}
	defer meta.Close()
	if err := db.Ping(ctx, meta); err != nil {
		return db.Import{}, fmt.Errorf("ping meta database: %w", err)
	}
	return db.LatestImport(ctx, meta, s.City)
}
