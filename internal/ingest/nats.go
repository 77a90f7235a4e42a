package ingest

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"transit-predictor/internal/metrics"
	"transit-predictor/internal/transit"
)

// PositionMessage is the JSON vehicle position published on
// "<route>.<trip>" subjects.
type PositionMessage struct {
	TripID    string    `json:"tripId"`
	RouteID   string    `json:"routeId"`
	Timestamp time.Time `json:"timestamp"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Bearing   float64   `json:"bearing"`
	Progress  float64   `json:"progress"`
	SpeedMps  float64   `json:"speedMps"`

	VehicleID string `json:"vehicleId,omitempty"`
	BlockID   string `json:"blockId,omitempty"`
	Direction string `json:"direction,omitempty"`
}

// Report converts the message. The subject's route token is used when the
// payload has no route.
func (m PositionMessage) Report(subject string, received time.Time) (transit.VehicleReport, string, error) {
	r := transit.VehicleReport{
		VehicleID:  m.VehicleID,
		BlockID:    m.BlockID,
		RouteID:    m.RouteID,
		Timestamp:  m.Timestamp,
		Lat:        m.Lat,
		Lon:        m.Lon,
		Bearing:    m.Bearing,
		HasBearing: m.Bearing != 0 || m.SpeedMps > 0,
	}
	if r.RouteID == "" {
		if tok, _, ok := strings.Cut(subject, "."); ok {
			r.RouteID = tok
		}
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = received
	}
	if m.Direction != "" {
		d, err := transit.ParseDirection(m.Direction)
		if err != nil {
			return r, m.TripID, err
		}
		r.Direction = d
	}
	return r, m.TripID, nil
}

type NATSOptions struct {
	Subject string
	Queue   string
	// Routes narrows the subscription to "<route>.*" for each route.
	Routes []string
}

func (o NATSOptions) subjects() []string {
	if len(o.Routes) > 0 {
		out := make([]string, 0, len(o.Routes))
		for _, r := range o.Routes {
			out = append(out, subjectToken(r)+".*")
		}
		return out
	}
	if o.Subject == "" {
		return []string{"*.*"}
	}
	return []string{o.Subject}
}

// NATSSubscriber feeds position messages into the pipeline.
type NATSSubscriber struct {
	nc       *nats.Conn
	subs     []*nats.Subscription
	pipe     *Pipeline
	resolver Resolver
	logger   zerolog.Logger
}

func NewNATSSubscriber(url string, opts NATSOptions, resolver Resolver, pipe *Pipeline, m *metrics.Collector) (*NATSSubscriber, error) {
	logger := log.With().Str("component", "nats").Logger()
	setConnected := func(up bool) {
		if m == nil {
			return
		}
		if up {
			m.NATSConnected.Set(1)
		} else {
			m.NATSConnected.Set(0)
		}
	}
	nc, err := nats.Connect(url,
		nats.Name("transitd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			setConnected(false)
			logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			setConnected(true)
			logger.Info().Str("url", c.ConnectedUrlRedacted()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			setConnected(false)
			logger.Info().Msg("NATS closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	setConnected(true)

	s := &NATSSubscriber{nc: nc, pipe: pipe, resolver: resolver, logger: logger}
	for _, subject := range opts.subjects() {
		var sub *nats.Subscription
		if opts.Queue != "" {
			sub, err = nc.QueueSubscribe(subject, opts.Queue, s.handle)
		} else {
			sub, err = nc.Subscribe(subject, s.handle)
		}
		if err != nil {
			nc.Close()
			return nil, err
		}
		s.subs = append(s.subs, sub)
		logger.Info().Str("subject", subject).Str("queue", opts.Queue).Msg("Subscribed to vehicle positions")
	}
	return s, nil
}

func (s *NATSSubscriber) handle(msg *nats.Msg) {
	_ = s.pipe.Submit(SourceNATS, s.decode(msg.Subject, msg.Data, time.Now()))
}

// decode never fails outright; a bad payload yields a report the pipeline
// rejects and counts.
func (s *NATSSubscriber) decode(subject string, data []byte, received time.Time) transit.VehicleReport {
	var pm PositionMessage
	if err := json.Unmarshal(data, &pm); err != nil {
		s.logger.Debug().Err(err).Str("subject", subject).Msg("Undecodable position")
		return transit.VehicleReport{}
	}
	r, tripID, err := pm.Report(subject, received)
	if err != nil {
		s.logger.Debug().Err(err).Str("subject", subject).Msg("Bad position")
		r.Direction = ""
		return r
	}
	if err := s.resolver.Resolve(&r, tripID); err != nil {
		s.logger.Debug().Err(err).Str("subject", subject).Msg("Unresolved position")
	}
	return r
}

func (s *NATSSubscriber) Close() {
	if s.nc != nil {
		_ = s.nc.Drain()
		s.nc.Close()
	}
}

// subjectToken makes an id safe to use as a NATS subject token.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
