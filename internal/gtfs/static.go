package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"path"

	"github.com/gocarina/gocsv"
	"github.com/rs/zerolog/log"
)

// ParseZip reads the files of a GTFS static zip that the route network is
// built from. Other files in the archive are ignored.
func ParseZip(zipPath string) (*Feed, error) {
	archive, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("open gtfs zip: %w", err)
	}
	defer archive.Close()
	return parseArchive(&archive.Reader)
}

func parseArchive(archive *zip.Reader) (*Feed, error) {
	// Tolerate records with missing trailing columns.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		r := csv.NewReader(in)
		r.FieldsPerRecord = -1
		r.LazyQuotes = true
		return r
	})

	feed := &Feed{}
	fileMap := map[string]interface{}{
		"routes.txt":     &feed.Routes,
		"trips.txt":      &feed.Trips,
		"stops.txt":      &feed.Stops,
		"stop_times.txt": &feed.StopTimes,
		"shapes.txt":     &feed.Shapes,
	}

	for _, zipFile := range archive.File {
		destination, ok := fileMap[path.Base(zipFile.Name)]
		if !ok {
			continue
		}
		log.Debug().Str("file", zipFile.Name).Msg("Loading GTFS file")
		if err := unmarshalZipFile(zipFile, destination); err != nil {
			return nil, fmt.Errorf("parse %s: %w", zipFile.Name, err)
		}
	}

	if len(feed.Shapes) == 0 {
		return nil, fmt.Errorf("gtfs feed has no shapes.txt")
	}
	if len(feed.Trips) == 0 {
		return nil, fmt.Errorf("gtfs feed has no trips.txt")
	}
	return feed, nil
}

func unmarshalZipFile(zipFile *zip.File, destination interface{}) error {
	r, err := zipFile.Open()
	if err != nil {
		return err
	}
	defer r.Close()
	return gocsv.Unmarshal(r, destination)
}
