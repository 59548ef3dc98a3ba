package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/streadway/amqp"
)

const publishTimeout = 30 * time.Second

// Publisher emits finalized-report events to a RabbitMQ exchange so
// downstream consumers (viewers, audit, notification) can react to new
// reports without polling the store.
type Publisher struct {
	mu         sync.Mutex
	amqpURL    string
	conn       *amqp.Connection
	channel    *amqp.Channel
	exchange   string
	routingKey string
}

// NewPublisher connects to RabbitMQ and declares the reports exchange.
func NewPublisher(amqpURL, exchange, routingKey string) (*Publisher, error) {
	p := &Publisher{
		amqpURL:    amqpURL,
		exchange:   exchange,
		routingKey: routingKey,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	return p, nil
}

// Publish sends a JSON-encoded report event with the configured routing key.
func (p *Publisher) Publish(message interface{}) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal report event: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now(),
	}

	return p.publish(ctx, publishing)
}

// Close closes the publisher connection and channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if p.channel != nil {
		if channelErr := p.channel.Close(); channelErr != nil {
			log.WithError(channelErr).Warn("failed to close AMQP channel")
			err = channelErr
		}
	}
	if p.conn != nil {
		if connErr := p.conn.Close(); connErr != nil {
			log.WithError(connErr).Warn("failed to close AMQP connection")
			if err == nil {
				err = connErr
			}
		}
	}
	return err
}

func (p *Publisher) connectLocked() error {
	conn, err := amqp.Dial(p.amqpURL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(
		p.exchange,
		"direct",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	p.conn = conn
	p.channel = ch
	return nil
}

func (p *Publisher) closeLocked() {
	if p.channel != nil {
		_ = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		_ = p.conn.Close()
		p.conn = nil
	}
}

func isConnClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	return strings.Contains(err.Error(), "channel/connection is not open")
}

// publish writes the event, reconnecting once if the broker dropped the
// connection since the last publish.
func (p *Publisher) publish(ctx context.Context, publishing amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil || p.conn.IsClosed() || p.channel == nil {
		p.closeLocked()
		if err := p.connectLocked(); err != nil {
			return err
		}
	}

	err := p.channel.Publish(p.exchange, p.routingKey, false, false, publishing)
	if err != nil && isConnClosedErr(err) {
		p.closeLocked()
		if connErr := p.connectLocked(); connErr != nil {
			return fmt.Errorf("failed to publish report event: %w (reconnect failed: %v)", err, connErr)
		}
		err = p.channel.Publish(p.exchange, p.routingKey, false, false, publishing)
	}
	if err != nil {
		return fmt.Errorf("failed to publish report event: %w", err)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("timed out publishing report event: %w", ctx.Err())
	default:
	}
	return nil
}

// IsConnected indicates whether the publisher currently has an open
// connection and channel.
func (p *Publisher) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn != nil && !p.conn.IsClosed() && p.channel != nil
}
