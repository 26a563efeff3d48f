// README: RabbitMQ client: topic exchange setup, confirmed publishing and manual-ack consumers.
package infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"
)

const publishTimeout = 5 * time.Second

type RabbitMQ struct {
	exchange string
	log      logrus.FieldLogger

	conn *amqp.Connection

	pubMu    sync.Mutex
	pubChan  *amqp.Channel
	confirms chan amqp.Confirmation
}

// DialRabbitMQ connects, declares the durable topic exchange and opens a
// publisher channel in confirm mode.
func DialRabbitMQ(url, exchange string, log logrus.FieldLogger) (*RabbitMQ, error) {
	conn, err := amqp.DialConfig(url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(30 * time.Second),
	})
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq declare exchange %s: %w", exchange, err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}

	return &RabbitMQ{
		exchange: exchange,
		log:      log,
		conn:     conn,
		pubChan:  ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 1)),
	}, nil
}

func (r *RabbitMQ) Exchange() string { return r.exchange }

// Publish sends a persistent JSON message and waits for the broker confirm.
func (r *RabbitMQ) Publish(ctx context.Context, routingKey string, body []byte) error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()

	if r.conn == nil || r.conn.IsClosed() || r.pubChan == nil || r.pubChan.IsClosed() {
		return errors.New("rabbitmq: publish channel is not open")
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	if err := r.pubChan.PublishWithContext(ctx, r.exchange, routingKey, false, false, amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		Timestamp:    time.Now(),
		Body:         body,
	}); err != nil {
		return fmt.Errorf("rabbitmq publish %s: %w", routingKey, err)
	}

	select {
	case c, ok := <-r.confirms:
		if !ok {
			return errors.New("rabbitmq: confirm channel closed")
		}
		if !c.Ack {
			return fmt.Errorf("rabbitmq: publish %s not acknowledged", routingKey)
		}
		return nil
	case <-ctx.Done():
		// Drain the pending confirm so the next publish reads its own.
		select {
		case <-r.confirms:
		case <-time.After(2 * time.Second):
		}
		return ctx.Err()
	}
}

// Consume declares queue, binds it to the exchange with each key and delivers
// messages to handler until ctx is done. An empty queue name declares a
// server-named exclusive queue so every instance sees every message.
// Handler errors drop the message.
func (r *RabbitMQ) Consume(ctx context.Context, queue string, keys []string, handler func(context.Context, amqp.Delivery) error) error {
	ch, err := r.conn.Channel()
	if err != nil {
		return fmt.Errorf("rabbitmq open consumer channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(16, 0, false); err != nil {
		return fmt.Errorf("rabbitmq qos: %w", err)
	}
	named := queue != ""
	q, err := ch.QueueDeclare(queue, named, !named, !named, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq declare queue %s: %w", queue, err)
	}
	for _, key := range keys {
		if err := ch.QueueBind(q.Name, key, r.exchange, false, nil); err != nil {
			return fmt.Errorf("rabbitmq bind %s to %s: %w", key, q.Name, err)
		}
	}

	deliveries, err := ch.Consume(q.Name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("rabbitmq consume %s: %w", q.Name, err)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case cerr := <-closed:
			if cerr != nil {
				return fmt.Errorf("rabbitmq channel closed while consuming %s: %w", q.Name, cerr)
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			hctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			err := handler(hctx, d)
			cancel()
			if err != nil {
				r.log.WithError(err).WithField("routing_key", d.RoutingKey).Warn("dropping message")
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (r *RabbitMQ) Close() error {
	r.pubMu.Lock()
	defer r.pubMu.Unlock()
	if r.pubChan != nil {
		_ = r.pubChan.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
