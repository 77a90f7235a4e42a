package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Import is one successful GTFS import recorded in the meta database.
type Import struct {
	Database   string
	ImportedAt time.Time
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// LatestImport finds the newest import whose database name contains city.
// meta must be connected to the database holding latest_successful_imports.
func LatestImport(ctx context.Context, meta *sql.DB, city string) (Import, error) {
	city = strings.TrimSpace(city)
	if city == "" {
		return Import{}, errors.New("city is required")
	}
	const q = `
SELECT db_name, imported_at
FROM public.latest_successful_imports
WHERE db_name ILIKE '%' || $1 || '%' AND db_name <> ''
ORDER BY imported_at DESC
LIMIT 1`
	var imp Import
	err := meta.QueryRowContext(ctx, q, likeEscaper.Replace(city)).Scan(&imp.Database, &imp.ImportedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Import{}, fmt.Errorf("no gtfs import found for city like %q", city)
	case err != nil:
		return Import{}, fmt.Errorf("resolve gtfs import for %q: %w", city, err)
	}
	return imp, nil
}
