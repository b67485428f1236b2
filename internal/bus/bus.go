// Package bus publishes engine events (cycle decisions, trade events,
// alerts) to NATS subjects for out-of-process consumers such as analytics
// jobs and the operator tooling.
package bus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Subjects carried by the bus.
const (
	SubjectDecision = "tradefabric.decision"
	SubjectTrade    = "tradefabric.trade"
	SubjectAlert    = "tradefabric.alert"
)

// Bus is a NATS publisher with automatic reconnects. A nil *Bus is a no-op
// publisher so callers do not branch on whether the bus is configured.
type Bus struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// Connect establishes the NATS connection. Reconnects are unlimited; publish
// calls during an outage buffer in the client until it recovers.
func Connect(url string) (*Bus, error) {
	nc, err := nats.Connect(
		url,
		nats.Name("tradefabric-engine"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info().Str("url", url).Msg("Event bus connected")
	return &Bus{
		nc:  nc,
		log: log.With().Str("component", "bus").Logger(),
	}, nil
}

// Publish marshals v to JSON and publishes it on subject.
func (b *Bus) Publish(subject string, v any) error {
	if b == nil || b.nc == nil {
		return nil
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	b.log.Debug().Str("subject", subject).Int("bytes", len(payload)).Msg("Event published")
	return nil
}

// Subscribe delivers raw payloads on subject to handler. Used by tests and
// downstream tooling.
func (b *Bus) Subscribe(subject string, handler func([]byte)) (*nats.Subscription, error) {
	if b == nil || b.nc == nil {
		return nil, fmt.Errorf("bus not connected")
	}
	return b.nc.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// Close drains and closes the connection.
func (b *Bus) Close() {
	if b == nil || b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.log.Warn().Err(err).Msg("NATS drain failed")
	}
	b.nc.Close()
}
