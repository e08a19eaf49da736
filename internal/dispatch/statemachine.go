package dispatch

import (
	"context"
	"fmt"
	"time"

	"printfarm/internal/common/logger"
	"printfarm/internal/domain"
	"printfarm/internal/repository"
)

// ChangeSink receives the record emitted on every successful transition.
// The event publisher implements it; tests use a capture fake.
type ChangeSink interface {
	StateChanged(ctx context.Context, change domain.StateChange) error
}

// transitions is the single source of truth for the order lifecycle.
var transitions = map[domain.OrderState][]domain.OrderState{
	domain.StatePending:     {domain.StateDispatching, domain.StateCancelled},
	domain.StateDispatching: {domain.StateAssigned, domain.StateUnassignable, domain.StateCancelled},
	domain.StateAssigned:    {domain.StateInProgress, domain.StateCancelled},
	domain.StateInProgress:  {domain.StateCompleted, domain.StateCancelled},
}

func allowed(from, to domain.OrderState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Evidence carries what the caller knows about the order at transition time.
// Version must match the order's current version or the transition is refused
// with ErrStaleOrder — the guard against two dispatch cycles racing on one
// order.
type Evidence struct {
	Version    int
	FarmerID   string // required for ASSIGNED
	AttemptSeq int
	Reason     string // required for CANCELLED
}

// StateMachine applies lifecycle transitions: validates the edge, bumps the
// version, stamps timestamps and state-specific fields, persists, logs the
// transition and hands the change to the sink. No transition is ever skipped.
type StateMachine struct {
	store repository.OrderStore
	sink  ChangeSink
	lg    *logger.Logger
	now   func() time.Time
}

func NewStateMachine(store repository.OrderStore, sink ChangeSink) *StateMachine {
	return &StateMachine{
		store: store,
		sink:  sink,
		lg:    logger.New("order-lifecycle"),
		now:   time.Now,
	}
}

func (m *StateMachine) Transition(ctx context.Context, order *domain.Order, target domain.OrderState, ev Evidence) error {
	if !allowed(order.State, target) {
		m.lg.Error("transition_refused", domain.ErrInvalidTransition, map[string]any{
			"order_id": order.ID, "from": string(order.State), "to": string(target),
		})
		return fmt.Errorf("%s -> %s for order %s: %w", order.State, target, order.ID, domain.ErrInvalidTransition)
	}
	if ev.Version != order.Version {
		return fmt.Errorf("order %s at version %d, caller saw %d: %w",
			order.ID, order.Version, ev.Version, domain.ErrStaleOrder)
	}
	switch target {
	case domain.StateAssigned:
		if ev.FarmerID == "" {
			return fmt.Errorf("ASSIGNED without a farmer for order %s: %w", order.ID, domain.ErrInvalidTransition)
		}
	case domain.StateCancelled:
		if ev.Reason == "" {
			ev.Reason = "unspecified"
		}
	}

	now := m.now().UTC()
	change := domain.StateChange{
		OrderID:    order.ID,
		From:       order.State,
		To:         target,
		FarmerID:   ev.FarmerID,
		AttemptSeq: ev.AttemptSeq,
		Reason:     ev.Reason,
		At:         now,
	}

	order.State = target
	order.Version++
	order.UpdatedAt = now
	if target == domain.StateAssigned {
		order.AssignedFarmer = ev.FarmerID
	}
	if target == domain.StateCancelled {
		order.CancelReason = ev.Reason
	}
	if target.Terminal() {
		order.CompletedAt = now
	}

	if err := m.store.Save(ctx, order); err != nil {
		return fmt.Errorf("persist transition for order %s: %w", order.ID, err)
	}
	if err := m.store.AppendStatusLog(ctx, change); err != nil {
		// The order row is already updated; the timeline entry is best-effort.
		m.lg.Warn("status_log_append_failed", err, map[string]any{"order_id": order.ID})
	}

	m.lg.Info("order_state_changed", map[string]any{
		"order_id": order.ID, "from": string(change.From), "to": string(change.To),
		"farmer_id": change.FarmerID, "attempt_seq": change.AttemptSeq,
	})

	if err := m.sink.StateChanged(ctx, change); err != nil {
		// Local state is committed; publishing is at-least-once and retried
		// by the sink. Surfacing here would un-order the lifecycle.
		m.lg.Error("state_change_publish_failed", err, map[string]any{"order_id": order.ID})
	}
	return nil
}
