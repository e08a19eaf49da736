package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"printfarm/internal/config"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange and queue names of the printfarm topology.
const (
	OrdersExchange        = "orders_topic"
	UserEventsExchange    = "user_events"
	AuthEventsExchange    = "auth_events"
	NotificationsExchange = "notifications_fanout"
	DLX                   = "dlx"

	DispatchOrdersQueue   = "dispatch.orders.q"
	DispatchPresenceQueue = "dispatch.presence.q"
	DeadLetterQueue       = "dlq"
)

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	acks <-chan amqp.Confirmation
	mu   sync.Mutex // serializes Publish while waiting for confirms
}

func Dial(cfg config.RabbitMQConfig) (*Client, error) {
	if cfg.VHost == "" {
		cfg.VHost = "/"
	}
	url := fmt.Sprintf("amqp://%s:%s@%s:%d/%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.VHost)

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	acks := ch.NotifyPublish(make(chan amqp.Confirmation, 1))

	return &Client{conn: conn, ch: ch, acks: acks}, nil
}

func (c *Client) Channel() *amqp.Channel { return c.ch }

func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) Ping() error {
	if c.conn == nil || c.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// DeclareTopology declares the printfarm exchanges and queues. Idempotent.
//
// dispatch.orders.q receives order lifecycle commands (order.created,
// farmer.accept, farmer.reject, order.cancel); dispatch.presence.q receives
// user and auth events feeding the presence registry.
func (c *Client) DeclareTopology() error {
	if c == nil || c.ch == nil {
		return errors.New("nil channel")
	}
	ch := c.ch

	for _, ex := range []struct{ name, kind string }{
		{OrdersExchange, "topic"},
		{UserEventsExchange, "topic"},
		{AuthEventsExchange, "topic"},
		{NotificationsExchange, "fanout"},
		{DLX, "direct"},
	} {
		if err := ch.ExchangeDeclare(ex.name, ex.kind, true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare exchange %s: %w", ex.name, err)
		}
	}

	if _, err := ch.QueueDeclare(DispatchOrdersQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    DLX,
		"x-dead-letter-routing-key": DeadLetterQueue,
	}); err != nil {
		return fmt.Errorf("declare %s: %w", DispatchOrdersQueue, err)
	}
	if _, err := ch.QueueDeclare(DispatchPresenceQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", DispatchPresenceQueue, err)
	}
	if _, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare %s: %w", DeadLetterQueue, err)
	}

	for _, b := range []struct{ queue, key, exchange string }{
		{DispatchOrdersQueue, "order.created", OrdersExchange},
		{DispatchOrdersQueue, "farmer.*", OrdersExchange},
		{DispatchOrdersQueue, "order.cancel", OrdersExchange},
		{DispatchPresenceQueue, "user.*", UserEventsExchange},
		{DispatchPresenceQueue, "session.*", AuthEventsExchange},
		{DeadLetterQueue, DeadLetterQueue, DLX},
	} {
		if err := ch.QueueBind(b.queue, b.key, b.exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s: %w", b.queue, b.exchange, err)
		}
	}
	return nil
}

// DeclarePresenceFeed declares a private, server-named, auto-delete queue
// bound to the presence exchanges. Read-only presence views (tracking, ops
// subscriber) get their own copy of the stream without competing with the
// dispatch service's durable queue.
func (c *Client) DeclarePresenceFeed() (string, error) {
	q, err := c.ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return "", fmt.Errorf("declare presence feed: %w", err)
	}
	if err := c.ch.QueueBind(q.Name, "user.*", UserEventsExchange, false, nil); err != nil {
		return "", fmt.Errorf("bind presence feed: %w", err)
	}
	if err := c.ch.QueueBind(q.Name, "session.*", AuthEventsExchange, false, nil); err != nil {
		return "", fmt.Errorf("bind presence feed: %w", err)
	}
	return q.Name, nil
}

// Publish sends a persistent message and waits for the broker ack. Callers
// may race; the confirm wait is serialized with a mutex.
func (c *Client) Publish(ctx context.Context, exchange, key string, body []byte, messageID, correlationID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ch.PublishWithContext(
		ctx,
		exchange,
		key,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			DeliveryMode:  amqp.Persistent,
			ContentType:   "application/json",
			MessageId:     messageID,
			CorrelationId: correlationID,
			Timestamp:     time.Now().UTC(),
			Body:          body,
		},
	); err != nil {
		return err
	}

	select {
	case conf := <-c.acks:
		if conf.Ack {
			return nil
		}
		return errors.New("publish NACK from broker")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume opens a dedicated channel with the given prefetch and subscribes
// to the queue. Each consumer gets its own channel so acks don't interleave
// with the publisher confirms channel.
func (c *Client) Consume(queue, consumer string, prefetch int) (<-chan amqp.Delivery, *amqp.Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, nil, err
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	msgs, err := ch.Consume(queue, consumer, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, err
	}
	return msgs, ch, nil
}
