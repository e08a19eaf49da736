package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"printfarm/internal/common/logger"
	"printfarm/internal/connections/rabbitmq"
	"printfarm/internal/domain"
	"printfarm/internal/metrics"
)

// Bus is the transport the publisher writes to. rabbitmq.Client implements
// it; tests use a fake.
type Bus interface {
	Publish(ctx context.Context, exchange, key string, body []byte, messageID, correlationID string) error
}

type outbound struct {
	exchange string
	key      string
	body     []byte
	msgID    string
	corrID   string
}

// Publisher translates state-change records to bus messages with
// at-least-once delivery: messages enter a bounded buffer and a background
// flusher retries until the broker accepts each one. Duplicates on retry are
// expected; consumers are idempotent on (order id, state, attempt seq).
type Publisher struct {
	bus Bus
	buf chan outbound
	lg  *logger.Logger
}

func NewPublisher(bus Bus, buffer int) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{
		bus: bus,
		buf: make(chan outbound, buffer),
		lg:  logger.New("event-publisher"),
	}
}

// StateChanged enqueues the outbound notifications for a transition: a
// routing-keyed message on orders_topic for terminal-relevant states, plus a
// fanout copy for the UI/notification consumers on every transition.
func (p *Publisher) StateChanged(ctx context.Context, c domain.StateChange) error {
	env := &domain.Envelope{
		EventID:   uuid.NewString(),
		Type:      changeEventType(c.To),
		SubjectID: c.OrderID,
		Timestamp: c.At,
		Payload: map[string]any{
			"from":        string(c.From),
			"to":          string(c.To),
			"attempt_seq": c.AttemptSeq,
		},
	}
	if c.FarmerID != "" {
		env.Payload["farmer_id"] = c.FarmerID
	}
	if c.Reason != "" {
		env.Payload["reason"] = c.Reason
	}

	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode state change for order %s: %w", c.OrderID, err)
	}

	if env.Type != domain.EventOrderUpdated {
		if err := p.enqueue(ctx, outbound{
			exchange: rabbitmq.OrdersExchange,
			key:      string(env.Type),
			body:     body,
			msgID:    env.EventID,
			corrID:   c.OrderID,
		}); err != nil {
			return err
		}
	}
	return p.enqueue(ctx, outbound{
		exchange: rabbitmq.NotificationsExchange,
		body:     body,
		msgID:    env.EventID,
		corrID:   c.OrderID,
	})
}

// OfferOpened notifies the candidate farmer that a time-bounded offer is
// waiting for them.
func (p *Publisher) OfferOpened(ctx context.Context, orderID, farmerID string, attemptSeq int, expiresAt time.Time) error {
	env := &domain.Envelope{
		EventID:   uuid.NewString(),
		Type:      domain.EventOfferOpened,
		SubjectID: orderID,
		Timestamp: time.Now().UTC(),
		Payload: map[string]any{
			"farmer_id":   farmerID,
			"attempt_seq": attemptSeq,
			"expires_at":  expiresAt.Format(time.RFC3339),
		},
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode offer notice for order %s: %w", orderID, err)
	}
	if err := p.enqueue(ctx, outbound{
		exchange: rabbitmq.OrdersExchange,
		key:      string(domain.EventOfferOpened),
		body:     body,
		msgID:    env.EventID,
		corrID:   orderID,
	}); err != nil {
		return err
	}
	return p.enqueue(ctx, outbound{
		exchange: rabbitmq.NotificationsExchange,
		body:     body,
		msgID:    env.EventID,
		corrID:   orderID,
	})
}

func (p *Publisher) enqueue(ctx context.Context, o outbound) error {
	select {
	case p.buf <- o:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run flushes the buffer until ctx is cancelled, then drains what remains
// with a short grace period so shutdown doesn't drop notifications.
func (p *Publisher) Run(ctx context.Context) error {
	for {
		select {
		case o := <-p.buf:
			p.send(ctx, o)
		case <-ctx.Done():
			return p.drain()
		}
	}
}

// send retries with linear backoff until the broker accepts the message or
// the context ends. PublishFailure is never a silent drop: undelivered
// messages are logged and counted.
func (p *Publisher) send(ctx context.Context, o outbound) {
	backoff := 250 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := p.bus.Publish(ctx, o.exchange, o.key, o.body, o.msgID, o.corrID)
		if err == nil {
			return
		}
		metrics.PublishRetriesTotal.Inc()
		p.lg.Warn("publish_retry", err, map[string]any{
			"exchange": o.exchange, "routing_key": o.key, "attempt": attempt,
		})
		select {
		case <-time.After(time.Duration(attempt) * backoff):
		case <-ctx.Done():
			p.lg.Error("publish_abandoned", err, map[string]any{
				"exchange": o.exchange, "routing_key": o.key, "message_id": o.msgID,
			})
			return
		}
	}
}

func (p *Publisher) drain() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case o := <-p.buf:
			p.send(ctx, o)
		default:
			return nil
		}
	}
}

func changeEventType(to domain.OrderState) domain.EventType {
	switch to {
	case domain.StateAssigned:
		return domain.EventOrderAssigned
	case domain.StateUnassignable:
		return domain.EventOrderUnassignable
	case domain.StateCancelled:
		return domain.EventOrderCancelled
	default:
		return domain.EventOrderUpdated
	}
}
