package ingest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/protobuf/proto"

	"transit-predictor/internal/metrics"
	"transit-predictor/internal/transit"
)

// GTFSRTPoller fetches a GTFS-realtime VehiclePositions feed on an interval.
type GTFSRTPoller struct {
	url      string
	interval time.Duration
	client   *http.Client
	resolver Resolver
	pipe     *Pipeline
	metrics  *metrics.Collector
	logger   zerolog.Logger

	lastHeader uint64
}

func NewGTFSRTPoller(url string, interval time.Duration, resolver Resolver, pipe *Pipeline, m *metrics.Collector) *GTFSRTPoller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &GTFSRTPoller{
		url:      url,
		interval: interval,
		client:   &http.Client{Timeout: 12 * time.Second},
		resolver: resolver,
		pipe:     pipe,
		metrics:  m,
		logger:   log.With().Str("component", "gtfsrt").Logger(),
	}
}

// Run polls until ctx is done.
func (p *GTFSRTPoller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		n, err := p.pollWithRetry(ctx)
		if err != nil {
			p.logger.Error().Err(err).Str("url", p.url).Msg("Failed to poll vehicle positions")
		} else {
			p.logger.Debug().Int("reports", n).Msg("Polled vehicle positions")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *GTFSRTPoller) pollWithRetry(ctx context.Context) (int, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.MaxElapsedTime = p.interval
	var n int
	err := backoff.Retry(func() error {
		var err error
		n, err = p.Poll(ctx)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}, backoff.WithContext(eb, ctx))
	if p.metrics != nil {
		result := "ok"
		if err != nil {
			result = "error"
		}
		p.metrics.GTFSRTPolls.WithLabelValues(result).Inc()
	}
	return n, err
}

// Poll fetches the feed once and submits its vehicle positions. A feed whose
// header timestamp has not moved since the last poll is skipped.
func (p *GTFSRTPoller) Poll(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	req.Header.Set("Accept", "application/x-protobuf")
	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("gtfs-rt status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, err
	}
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return 0, fmt.Errorf("decode gtfs-rt: %w", err)
	}
	if ts := feed.GetHeader().GetTimestamp(); ts != 0 {
		if ts == p.lastHeader {
			return 0, nil
		}
		p.lastHeader = ts
	}

	n := 0
	for _, dr := range DecodeFeed(feed) {
		if err := p.resolver.Resolve(&dr.Report, dr.TripID); err != nil {
			p.logger.Debug().Err(err).Str("trip", dr.TripID).Msg("Unresolved vehicle position")
		}
		if p.pipe.Submit(SourceGTFSRT, dr.Report) == nil {
			n++
		}
	}
	return n, nil
}

// DecodedReport is a feed vehicle position before direction resolution.
type DecodedReport struct {
	Report transit.VehicleReport
	TripID string
}

// DecodeFeed extracts the vehicle positions of a feed. Entities without a
// position are skipped; a missing vehicle timestamp falls back to the
// header timestamp.
func DecodeFeed(feed *gtfs.FeedMessage) []DecodedReport {
	header := feed.GetHeader().GetTimestamp()
	var out []DecodedReport
	for _, e := range feed.GetEntity() {
		vp := e.GetVehicle()
		if vp == nil || vp.GetPosition() == nil || e.GetIsDeleted() {
			continue
		}
		pos := vp.GetPosition()
		ts := vp.GetTimestamp()
		if ts == 0 {
			ts = header
		}
		r := transit.VehicleReport{
			VehicleID:  vp.GetVehicle().GetId(),
			RouteID:    vp.GetTrip().GetRouteId(),
			Lat:        float64(pos.GetLatitude()),
			Lon:        float64(pos.GetLongitude()),
			Bearing:    float64(pos.GetBearing()),
			HasBearing: pos.Bearing != nil,
		}
		if ts != 0 {
			r.Timestamp = time.Unix(int64(ts), 0).UTC()
		}
		if r.VehicleID == "" {
			r.VehicleID = vp.GetVehicle().GetLabel()
		}
		out = append(out, DecodedReport{Report: r, TripID: vp.GetTrip().GetTripId()})
	}
	return out
}
