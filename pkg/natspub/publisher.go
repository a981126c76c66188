// Package natspub exports normalized aircraft events onto NATS so the
// dashboard's CRUD/reporting side can consume live positions without holding
// a websocket. Fire-and-forget core publishes only; no stream, no replay.
package natspub

import (
	"fmt"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"gliderops-gateway/internal/metrics"
)

const (
	SubjectAircraftUpdate  = "gliderops.aircraft.update"
	SubjectAircraftRemoved = "gliderops.aircraft.removed"
)

// Publisher holds the NATS connection. A nil *Publisher is a valid no-op
// publisher, so callers never branch on whether export is configured.
type Publisher struct {
	conn    *nats.Conn
	logger  zerolog.Logger
	metrics *metrics.Metrics
}

// Connect opens the export connection. Returns (nil, nil) when url is empty,
// which disables export entirely.
func Connect(url string, maxReconnects int, reconnectWait nats.Option, logger zerolog.Logger, m *metrics.Metrics) (*Publisher, error) {
	if url == "" {
		return nil, nil
	}

	log := logger.With().Str("component", "natspub").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Info().Str("url", conn.ConnectedUrl()).Msg("nats reconnected")
		}),
	}
	if reconnectWait != nil {
		opts = append(opts, reconnectWait)
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	log.Info().Str("url", conn.ConnectedUrl()).Msg("nats export enabled")
	return &Publisher{conn: conn, logger: log, metrics: m}, nil
}

// Publish sends one event. Failures are counted and logged, never returned;
// the broadcast path must not care whether export worked.
func (p *Publisher) Publish(subject string, payload []byte) {
	if p == nil {
		return
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		p.metrics.ExportFailures.Inc()
		p.logger.Warn().Err(err).Str("subject", subject).Msg("event export failed")
	}
}

// Connected reports whether the export connection is up. False on a nil
// publisher, so the health endpoint can report it unconditionally.
func (p *Publisher) Connected() bool {
	return p != nil && p.conn.IsConnected()
}

// Close drains and closes the connection.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.conn.Close()
}
