package dispatchsvc

import (
	"context"

	"printfarm/internal/common/logger"
	"printfarm/internal/config"
	"printfarm/internal/connections/database"
	"printfarm/internal/connections/rabbitmq"
	"printfarm/internal/dispatch"
	"printfarm/internal/events"
	"printfarm/internal/presence"
	"printfarm/internal/repository"
)

// Run wires and runs the dispatch core: presence registry fed from the bus,
// candidate selector over the farmer directory, one sequential dispatcher
// per in-flight order, and the at-least-once event publisher.
func Run(ctx context.Context, cfg *config.Config) error {
	lg := logger.New("dispatch-service")

	db, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	lg.Info("database_connected", map[string]any{
		"host": cfg.Database.Host, "database": cfg.Database.Database,
	})

	rmq, err := rabbitmq.Dial(cfg.RabbitMQ)
	if err != nil {
		return err
	}
	defer rmq.Close()
	if err := rmq.DeclareTopology(); err != nil {
		return err
	}
	lg.Info("rabbitmq_connected", map[string]any{"host": cfg.RabbitMQ.Host})

	orders := repository.NewOrdersPG(db)
	farmers := repository.NewFarmersPG(db)

	registry := presence.NewRegistry()
	presenceConsumer := presence.NewConsumer(rmq, registry, rabbitmq.DispatchPresenceQueue)

	publisher := events.NewPublisher(rmq, cfg.Dispatch.PublishBuffer)

	sm := dispatch.NewStateMachine(orders, publisher)
	sel := dispatch.NewSelector(farmers, presence.Checker{Registry: registry}, cfg.Dispatch)
	coord := dispatch.NewCoordinator(ctx, orders, sm, sel, publisher, cfg.Dispatch)
	orderConsumer := events.NewConsumer(rmq, coord)

	errCh := make(chan error, 3)
	go func() { errCh <- publisher.Run(ctx) }()
	go func() { errCh <- presenceConsumer.Run(ctx) }()
	go func() { errCh <- orderConsumer.Run(ctx) }()

	// Pick up orders that were awaiting a farmer when we last stopped.
	if err := coord.Recover(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	lg.Info("graceful_shutdown", nil)
	coord.Wait()
	return nil
}
