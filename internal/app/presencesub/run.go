package presencesub

import (
	"context"
	"time"

	"printfarm/internal/common/logger"
	"printfarm/internal/config"
	"printfarm/internal/connections/rabbitmq"
	"printfarm/internal/presence"
)

// Run is the ops presence subscriber: a private feed off the presence
// exchanges and a periodic log line with the live snapshot.
func Run(ctx context.Context, cfg *config.Config) error {
	lg := logger.New("presence-subscriber")

	rmq, err := rabbitmq.Dial(cfg.RabbitMQ)
	if err != nil {
		return err
	}
	defer rmq.Close()
	if err := rmq.DeclareTopology(); err != nil {
		return err
	}
	feed, err := rmq.DeclarePresenceFeed()
	if err != nil {
		return err
	}

	registry := presence.NewRegistry()
	consumer := presence.NewConsumer(rmq, registry, feed)

	errCh := make(chan error, 1)
	go func() { errCh <- consumer.Run(ctx) }()

	t := time.NewTicker(30 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-t.C:
			online := registry.Snapshot()
			lg.Info("presence_snapshot", map[string]any{"online": online, "count": len(online)})
		}
	}
}
