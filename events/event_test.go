package events

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/VeridonNetzwerk/discord-universal-bot/config"
)

func TestNewEvent(t *testing.T) {
	ev := New(TicketClosed, "g1", "ticket-0001", "s1", ClosedPayload{Reason: "resolved"})

	_, err := uuid.Parse(ev.ID)
	require.NoError(t, err)
	assert.Equal(t, TicketClosed, ev.Type)
	assert.False(t, ev.Timestamp.IsZero())

	body, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"type":"ticket.closed"`)
	assert.Contains(t, string(body), `"reason":"resolved"`)
}

func TestLogPublisher(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	p := NewLogPublisher(zap.New(core))

	require.NoError(t, p.Publish(context.Background(), New(TicketOpened, "g1", "ticket-0002", "u1", nil)))

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "ticket.opened", fields["type"])
	assert.Equal(t, "ticket-0002", fields["ticket"])
}

func TestNewPublisherDrivers(t *testing.T) {
	p, err := NewPublisher(&config.EventsConfig{Driver: "none"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, Nop{}, p)

	p, err = NewPublisher(&config.EventsConfig{Driver: "log"}, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &LogPublisher{}, p)

	_, err = NewPublisher(&config.EventsConfig{Driver: "amqp", AMQP: config.AMQPConfig{URL: "amqp://127.0.0.1:1/", Exchange: "x"}}, zap.NewNop())
	assert.Error(t, err)
}
