package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"printfarm/internal/common/logger"
	"printfarm/internal/config"
	"printfarm/internal/domain"
	"printfarm/internal/repository"
)

// Publisher is the outbound side the coordinator hands to its dispatchers.
type Publisher interface {
	ChangeSink
	OfferNotifier
}

// Coordinator owns one dispatcher per in-flight order and routes inbound
// commands to it. Orders are independent: each actor runs its own goroutine;
// only delivery into an actor's queue synchronizes with it.
type Coordinator struct {
	store    repository.OrderStore
	sm       *StateMachine
	sel      *Selector
	pub      Publisher
	cfg      config.DispatchConfig
	lg       *logger.Logger
	lifetime context.Context

	mu     sync.Mutex
	actors map[string]*Dispatcher
	wg     sync.WaitGroup
}

func NewCoordinator(ctx context.Context, store repository.OrderStore, sm *StateMachine,
	sel *Selector, pub Publisher, cfg config.DispatchConfig) *Coordinator {
	return &Coordinator{
		store:    store,
		sm:       sm,
		sel:      sel,
		pub:      pub,
		cfg:      cfg,
		lg:       logger.New("dispatch-coordinator"),
		lifetime: ctx,
		actors:   make(map[string]*Dispatcher),
	}
}

// StartOrder launches a dispatcher for the order unless one is running.
func (c *Coordinator) StartOrder(ctx context.Context, order *domain.Order) error {
	if order.State != domain.StatePending && order.State != domain.StateDispatching {
		return fmt.Errorf("order %s in state %s: %w", order.ID, order.State, domain.ErrInvalidTransition)
	}

	c.mu.Lock()
	if _, running := c.actors[order.ID]; running {
		c.mu.Unlock()
		return nil
	}
	d := NewDispatcher(order, c.store, c.sm, c.sel, c.pub, c.cfg)
	c.actors[order.ID] = d
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.actors, order.ID)
			c.mu.Unlock()
		}()
		if err := d.Run(c.lifetime); err != nil {
			c.lg.Error("dispatch_run_failed", err, map[string]any{"order_id": order.ID})
		}
	}()
	return nil
}

// Recover restarts dispatch for orders that were awaiting a farmer when the
// service last stopped.
func (c *Coordinator) Recover(ctx context.Context) error {
	orders, err := c.store.FindPendingUnassigned(ctx)
	if err != nil {
		return fmt.Errorf("recover pending orders: %w", err)
	}
	for _, o := range orders {
		if err := c.StartOrder(ctx, o); err != nil {
			return err
		}
	}
	if len(orders) > 0 {
		c.lg.Info("orders_recovered", map[string]any{"count": len(orders)})
	}
	return nil
}

// Deliver routes an inbound bus event. The returned error classifies it for
// the consumer's ack decision: ErrOfferExpired and ErrStaleOrder are business
// refusals (ack, no side effect), others are transient.
func (c *Coordinator) Deliver(ctx context.Context, env *domain.Envelope) error {
	switch env.Type {
	case domain.EventOrderCreated:
		order, err := c.store.Get(ctx, env.SubjectID)
		if err != nil {
			return err
		}
		return c.StartOrder(ctx, order)

	case domain.EventFarmerAccept:
		return c.route(env.SubjectID, func(d *Dispatcher) error {
			return d.Accept(env.PayloadString("farmer_id"))
		})

	case domain.EventFarmerReject:
		return c.route(env.SubjectID, func(d *Dispatcher) error {
			return d.Reject(env.PayloadString("farmer_id"))
		})

	case domain.EventOrderCancel:
		return c.cancel(ctx, env.SubjectID, env.PayloadString("reason"))

	default:
		c.lg.Debug("event_ignored", map[string]any{"event_type": string(env.Type)})
		return nil
	}
}

func (c *Coordinator) route(orderID string, fn func(*Dispatcher) error) error {
	c.mu.Lock()
	d, ok := c.actors[orderID]
	c.mu.Unlock()
	if !ok {
		// No active offer run: the order is assigned, terminal or unknown.
		return fmt.Errorf("no open offer for order %s: %w", orderID, domain.ErrOfferExpired)
	}
	return fn(d)
}

// cancel goes through the actor when one is running so the cancellation and
// the in-flight offer resolve in the same place; otherwise it transitions
// the stored order directly.
func (c *Coordinator) cancel(ctx context.Context, orderID, reason string) error {
	c.mu.Lock()
	d, running := c.actors[orderID]
	c.mu.Unlock()
	if running {
		if err := d.Cancel(reason); !errors.Is(err, domain.ErrOfferExpired) {
			return err
		}
		// Actor finished between lookup and delivery; fall through.
	}
	order, err := c.store.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.State == domain.StateCancelled {
		return nil // duplicate delivery
	}
	return c.sm.Transition(ctx, order, domain.StateCancelled, Evidence{
		Version: order.Version,
		Reason:  reason,
	})
}

// Wait blocks until all actors have drained; call after the lifetime context
// is cancelled.
func (c *Coordinator) Wait() { c.wg.Wait() }

// Active reports whether an order currently has a dispatcher running.
func (c *Coordinator) Active(orderID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.actors[orderID]
	return ok
}
