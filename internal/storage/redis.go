package storage

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/securewatch/correlation-core/internal/correlation"
)

// IncidentChannel is the pub/sub channel downstream consumers subscribe to.
const IncidentChannel = "securewatch:incidents"

// incidentNotice is the published wire form: the incident plus whether this
// announcement opened it or folded an event into it.
type incidentNotice struct {
	Action   string                `json:"action"` // created or updated
	Incident *correlation.Incident `json:"incident"`
}

// RedisBus publishes incident lifecycle events on Redis pub/sub. Publishing
// is best effort: the incident is already persisted when the bus is told.
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisBus creates the bus around an existing client.
func NewRedisBus(client *redis.Client, logger *zap.Logger) *RedisBus {
	return &RedisBus{client: client, logger: logger}
}

// PublishIncident announces an incident create or update.
func (b *RedisBus) PublishIncident(ctx context.Context, inc *correlation.Incident, created bool) error {
	action := "updated"
	if created {
		action = "created"
	}
	payload, err := json.Marshal(incidentNotice{Action: action, Incident: inc})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, IncidentChannel, payload).Err(); err != nil {
		return err
	}
	b.logger.Debug("Incident published",
		zap.String("incident_id", inc.ID),
		zap.String("action", action))
	return nil
}

// Probe is the health check for the Redis connection.
func (b *RedisBus) Probe(ctx context.Context) error {
	return b.client.Ping(ctx).Err()
}
