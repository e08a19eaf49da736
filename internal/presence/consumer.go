package presence

import (
	"context"
	"encoding/json"

	"printfarm/internal/common/logger"
	"printfarm/internal/connections/rabbitmq"
	"printfarm/internal/domain"
)

// Consumer feeds the registry from the presence queue (user and auth events).
type Consumer struct {
	client   *rabbitmq.Client
	registry *Registry
	queue    string
	lg       *logger.Logger
}

// NewConsumer consumes the given queue into the registry. The dispatch
// service uses the durable presence queue; read-only views pass a private
// feed from DeclarePresenceFeed.
func NewConsumer(client *rabbitmq.Client, registry *Registry, queue string) *Consumer {
	return &Consumer{client: client, registry: registry, queue: queue, lg: logger.New("presence-consumer")}
}

// Run consumes presence deliveries until ctx is done. Malformed payloads are
// acked and logged; the registry has nothing to do with them and the queue
// has no DLX.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, ch, err := c.client.Consume(c.queue, "presence-registry", 16)
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
			if err := json.Unmarshal(d.Body, &env); err != nil || env.SubjectID == "" {
				c.lg.Warn("presence_event_malformed", err, map[string]any{"body_len": len(d.Body)})
				_ = d.Ack(false)
				continue
			}
			c.registry.Apply(&env)
			c.lg.Debug("presence_event_applied", map[string]any{
				"farmer_id": env.SubjectID, "event_type": string(env.Type),
			})
			_ = d.Ack(false)
		}
	}
}
