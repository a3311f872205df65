package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const exportRoutingKey = "thumbnails.exported"

// ExportEvent announces a delivered download
type ExportEvent struct {
	Name       string    `json:"name"`
	Kind       string    `json:"kind"`
	Images     int       `json:"images"`
	SizeBytes  int       `json:"size_bytes"`
	ExportedAt time.Time `json:"exported_at"`
}

// Channel is the part of *amqp.Channel the publisher uses
type Channel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type Publisher struct {
	conn       *amqp.Connection
	channel    Channel
	exchange   string
	routingKey string
}

// Dial connects to the broker and opens a publishing channel
func Dial(url, exchange string) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open publisher channel: %w", err)
	}
	p := NewPublisher(ch, exchange)
	p.conn = conn
	return p, nil
}

func NewPublisher(ch Channel, exchange string) *Publisher {
	return &Publisher{channel: ch, exchange: exchange, routingKey: exportRoutingKey}
}

func (p *Publisher) PublishExport(ctx context.Context, ev ExportEvent) error {
	if ev.ExportedAt.IsZero() {
		ev.ExportedAt = time.Now().UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal export event: %w", err)
	}

	return p.channel.PublishWithContext(ctx,
		p.exchange,
		p.routingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    ev.ExportedAt,
		},
	)
}

func (p *Publisher) Close() error {
	err := p.channel.Close()
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
