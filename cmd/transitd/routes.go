package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"transit-predictor/internal/config"
	"transit-predictor/internal/geo"
	"transit-predictor/internal/reference"
)

func printRoutes(ctx context.Context, cfg *config.Config, out io.Writer) error {
	source := referenceSource(cfg)
	if closer, ok := source.(io.Closer); ok {
		defer closer.Close()
	}
	ix := geo.NewIndex(geo.Dataset{})
	if err := reference.NewRefresher(ix, source, referenceOptions(cfg), 0, nil).Refresh(ctx); err != nil {
		return err
	}
	snap := ix.Snapshot()

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ROUTE\tDIRECTION\tNAME\tLENGTH_KM\tLOOP\tSTATIONS")
	for _, r := range snap.Routes() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%t\t%d\n", r.ID, r.Direction, r.Name, r.Length(), r.Loop, snap.StationsOn(r.ID, r.Direction))
	}
	return w.Flush()
}
