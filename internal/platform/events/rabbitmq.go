package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// amqpChannel is the subset of *amqp.Channel the publisher uses.
type amqpChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

type connectFunc func() (amqpChannel, io.Closer, error)

// RabbitMQPublisher publishes persistent JSON messages to a durable topic
// exchange. A dropped connection is re-dialled on the next publish.
type RabbitMQPublisher struct {
	exchange string
	connect  connectFunc
	logger   zerolog.Logger

	mu   sync.Mutex
	ch   amqpChannel
	conn io.Closer
}

// NewRabbitMQPublisher dials url and declares the exchange.
func NewRabbitMQPublisher(url, exchange string, logger zerolog.Logger) (*RabbitMQPublisher, error) {
	p := newRabbitMQPublisher(exchange, logger, func() (amqpChannel, io.Closer, error) {
		conn, err := amqp.DialConfig(url, amqp.Config{
			Heartbeat: 10 * time.Second,
			Locale:    "en_US",
			Dial:      amqp.DefaultDial(10 * time.Second),
		})
		if err != nil {
			return nil, nil, err
		}
		ch, err := conn.Channel()
		if err != nil {
			conn.Close()
			return nil, nil, err
		}
		return ch, conn, nil
	})

	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

func newRabbitMQPublisher(exchange string, logger zerolog.Logger, connect connectFunc) *RabbitMQPublisher {
	return &RabbitMQPublisher{exchange: exchange, connect: connect, logger: logger}
}

func (p *RabbitMQPublisher) ensureLocked() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.closeLocked()

	ch, conn, err := p.connect()
	if err != nil {
		return fmt.Errorf("rabbitmq: connect: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		if conn != nil {
			_ = conn.Close()
		}
		return fmt.Errorf("rabbitmq: declare exchange %q: %w", p.exchange, err)
	}
	p.ch, p.conn = ch, conn
	p.logger.Info().Str("exchange", p.exchange).Msg("rabbitmq publisher connected")
	return nil
}

func (p *RabbitMQPublisher) closeLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
		p.ch = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

// Publish sends e with routing key prescription.<to>.
func (p *RabbitMQPublisher) Publish(ctx context.Context, e StatusChanged) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("rabbitmq: marshal event: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureLocked(); err != nil {
		return err
	}
	err = p.ch.PublishWithContext(ctx, p.exchange, e.RoutingKey(), false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    e.EventID,
		Timestamp:    e.OccurredAt,
		Type:         EventType,
		Body:         body,
	})
	if err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			p.closeLocked()
		}
		return fmt.Errorf("rabbitmq: publish %s: %w", e.RoutingKey(), err)
	}
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closeLocked()
	return nil
}
