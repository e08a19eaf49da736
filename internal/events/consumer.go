package events

import (
	"context"
	"encoding/json"
	"errors"

	"printfarm/internal/common/logger"
	"printfarm/internal/connections/rabbitmq"
	"printfarm/internal/domain"
)

// Handler is the inbound side; the dispatch coordinator implements it.
type Handler interface {
	Deliver(ctx context.Context, env *domain.Envelope) error
}

// Consumer pulls order commands off the dispatch queue and hands them to the
// coordinator. Ack discipline: malformed payloads go to the DLQ, business
// refusals (stale response, stale order) are acked — the command had its
// chance — and everything else is requeued as transient.
type Consumer struct {
	client  *rabbitmq.Client
	handler Handler
	lg      *logger.Logger
}

func NewConsumer(client *rabbitmq.Client, handler Handler) *Consumer {
	return &Consumer{client: client, handler: handler, lg: logger.New("order-consumer")}
}

func (c *Consumer) Run(ctx context.Context) error {
	msgs, ch, err := c.client.Consume(rabbitmq.DispatchOrdersQueue, "dispatch-core", 16)
	if err != nil {
		return err
	}
	defer ch.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return nil
			}
			var env domain.Envelope
			if err := json.Unmarshal(d.Body, &env); err != nil || env.SubjectID == "" || env.Type == "" {
				c.lg.Warn("order_event_malformed", err, map[string]any{"body_len": len(d.Body)})
				_ = d.Nack(false, false) // dead-letter
				continue
			}

			err := c.handler.Deliver(ctx, &env)
			switch {
			case err == nil:
				_ = d.Ack(false)
			case errors.Is(err, domain.ErrOfferExpired),
				errors.Is(err, domain.ErrStaleOrder),
				errors.Is(err, domain.ErrInvalidTransition),
				errors.Is(err, domain.ErrOrderNotFound):
				c.lg.Warn("order_event_refused", err, map[string]any{
					"event_type": string(env.Type), "subject_id": env.SubjectID,
				})
				_ = d.Ack(false)
			default:
				c.lg.Error("order_event_failed", err, map[string]any{
					"event_type": string(env.Type), "subject_id": env.SubjectID,
				})
				_ = d.Nack(false, true) // transient, retry
			}
		}
	}
}
