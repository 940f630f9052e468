package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(t *testing.T) (*RedisBus, *redis.Client) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisBus(client, zap.NewNop()), client
}

func TestRedisBusPublishesCreatedIncident(t *testing.T) {
	bus, client := newTestBus(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, IncidentChannel)
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx) // wait for the subscription confirmation
	require.NoError(t, err)

	require.NoError(t, bus.PublishIncident(ctx, sampleIncident(), true))

	msg, err := sub.ReceiveTimeout(ctx, 2*time.Second)
	require.NoError(t, err)
	payload, ok := msg.(*redis.Message)
	require.True(t, ok)

	var notice struct {
		Action   string `json:"action"`
		Incident struct {
			ID         string `json:"id"`
			EventCount int    `json:"event_count"`
		} `json:"incident"`
	}
	require.NoError(t, json.Unmarshal([]byte(payload.Payload), &notice))
	assert.Equal(t, "created", notice.Action)
	assert.Equal(t, "inc-1", notice.Incident.ID)
	assert.Equal(t, 6, notice.Incident.EventCount)
}

func TestRedisBusUpdateAction(t *testing.T) {
	bus, client := newTestBus(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, IncidentChannel)
	t.Cleanup(func() { sub.Close() })
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, bus.PublishIncident(ctx, sampleIncident(), false))

	msg, err := sub.ReceiveTimeout(ctx, 2*time.Second)
	require.NoError(t, err)
	assert.Contains(t, msg.(*redis.Message).Payload, `"action":"updated"`)
}

func TestRedisBusProbe(t *testing.T) {
	bus, _ := newTestBus(t)
	assert.NoError(t, bus.Probe(context.Background()))
}
