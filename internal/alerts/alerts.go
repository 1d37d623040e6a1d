// Package alerts publishes job-failure notifications over NATS for the
// scheduler's "alert_on_failure" option (§4.I). A Publisher with no URL
// configured degrades to a no-op rather than failing host startup, the
// same shape the reference host uses for its optional caches.
package alerts

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/corehost/pluginhost/internal/scheduler"
)

const subject = "pluginhost.job.failed"

// FailureEvent is the payload published for a job's final failure.
type FailureEvent struct {
	EventID   string    `json:"event_id"`
	Timestamp time.Time `json:"timestamp"`
	Plugin    string    `json:"plugin"`
	Job       string    `json:"job"`
	Message   string    `json:"message"`
}

// Publisher implements scheduler.Alerter over a NATS connection. The zero
// value (conn == nil) is a valid, inert publisher.
type Publisher struct {
	conn *nats.Conn
	log  zerolog.Logger
}

var _ scheduler.Alerter = (*Publisher)(nil)

// New connects to url and returns a Publisher. An empty url returns an
// inert Publisher without attempting a connection — alerting is optional
// infrastructure, not a startup dependency.
func New(url string, log zerolog.Logger) (*Publisher, error) {
	if url == "" {
		log.Info().Msg("alerts: no nats url configured, failure alerts disabled")
		return &Publisher{log: log}, nil
	}

	conn, err := nats.Connect(url,
		nats.Name("pluginhost"),
		nats.ReconnectWait(2*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("alerts: nats disconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("alerts: connect to nats: %w", err)
	}

	return &Publisher{conn: conn, log: log}, nil
}

// Publish sends a failure event. It is a no-op, returning nil, when the
// publisher was constructed without a NATS connection.
func (p *Publisher) Publish(ctx context.Context, plugin, job, message string) error {
	if p.conn == nil {
		return nil
	}

	event := FailureEvent{
		EventID:   uuid.New().String(),
		Timestamp: time.Now(),
		Plugin:    plugin,
		Job:       job,
		Message:   message,
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("alerts: marshal failure event: %w", err)
	}

	if err := p.conn.Publish(subject, data); err != nil {
		p.log.Warn().Err(err).Str("plugin", plugin).Str("job", job).Msg("alerts: publish failed")
		return err
	}
	return nil
}

// Close releases the underlying NATS connection, if any.
func (p *Publisher) Close() {
	if p.conn != nil {
		p.conn.Close()
	}
}
