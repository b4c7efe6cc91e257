package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/VeridonNetzwerk/discord-universal-bot/config"
)

func NewPublisher(cfg *config.EventsConfig, log *zap.Logger) (Publisher, error) {
	switch cfg.Driver {
	case "amqp":
		return DialAMQP(cfg.AMQP.URL, cfg.AMQP.Exchange, log)
	case "none":
		return Nop{}, nil
	default:
		return &LogPublisher{log: log}, nil
	}
}

type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// LogPublisher writes events to the logger only.
type LogPublisher struct {
	log *zap.Logger
}

func NewLogPublisher(log *zap.Logger) *LogPublisher { return &LogPublisher{log: log} }

func (p *LogPublisher) Publish(_ context.Context, ev Event) error {
	p.log.Info("event",
		zap.String("id", ev.ID),
		zap.String("type", string(ev.Type)),
		zap.String("guild", ev.GuildID),
		zap.String("ticket", ev.TicketID),
		zap.String("actor", ev.Actor),
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }

// AMQPPublisher publishes events to a topic exchange, routed by event type.
type AMQPPublisher struct {
	exchange string
	log      *zap.Logger

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

func DialAMQP(url, exchange string, log *zap.Logger) (*AMQPPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp exchange %s: %w", exchange, err)
	}
	log.Info("amqp publisher connected", zap.String("exchange", exchange))
	return &AMQPPublisher{exchange: exchange, log: log, conn: conn, ch: ch}, nil
}

func (p *AMQPPublisher) Publish(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch == nil {
		return fmt.Errorf("amqp publisher closed")
	}
	return p.ch.PublishWithContext(ctx, p.exchange, string(ev.Type), false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.ID,
		Timestamp:    ev.Timestamp,
		Type:         string(ev.Type),
		Body:         body,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		err := p.conn.Close()
		p.conn = nil
		return err
	}
	return nil
}
