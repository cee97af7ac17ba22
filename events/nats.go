package events

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// NATSPublisher forwards events to NATS on "<prefix>.source.<source_id>".
// Publishing is fire-and-forget; failures are logged.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATSPublisher wraps an established connection. prefix defaults to
// "sourceflow".
func NewNATSPublisher(nc *nats.Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if prefix == "" {
		prefix = "sourceflow"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject events of sourceID are published on.
func (p *NATSPublisher) Subject(sourceID string) string {
	return p.prefix + ".source." + sourceID
}

func (p *NATSPublisher) Publish(_ context.Context, e Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Warn("events: marshal", "error", err, "kind", e.Kind)
		return
	}
	if err := p.nc.Publish(p.Subject(e.SourceID), data); err != nil {
		p.logger.Warn("events: nats publish", "error", err, "source_id", e.SourceID, "kind", e.Kind)
	}
}
