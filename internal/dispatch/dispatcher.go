package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"printfarm/internal/common/logger"
	"printfarm/internal/config"
	"printfarm/internal/domain"
	"printfarm/internal/metrics"
	"printfarm/internal/repository"
)

// OfferNotifier announces an opened offer to the candidate farmer.
type OfferNotifier interface {
	OfferOpened(ctx context.Context, orderID, farmerID string, attemptSeq int, expiresAt time.Time) error
}

type cmdKind int

const (
	cmdAccept cmdKind = iota
	cmdReject
	cmdCancel
)

type command struct {
	kind     cmdKind
	farmerID string
	reason   string
}

type offerOutcome int

const (
	offerAccepted offerOutcome = iota
	offerAdvance
	offerHalted
)

// Dispatcher drives the sequential offer protocol for a single order. All
// state for the order lives inside the Run goroutine, so accept, reject,
// timeout and cancel resolve to exactly one winner without extra locking —
// the losing signals find the attempt already closed.
type Dispatcher struct {
	order  *domain.Order
	store  repository.OrderStore
	sm     *StateMachine
	sel    *Selector
	notify OfferNotifier
	cfg    config.DispatchConfig
	lg     *logger.Logger
	now    func() time.Time

	cmds     chan command
	finished chan struct{}
}

func NewDispatcher(order *domain.Order, store repository.OrderStore, sm *StateMachine,
	sel *Selector, notify OfferNotifier, cfg config.DispatchConfig) *Dispatcher {
	return &Dispatcher{
		order:    order,
		store:    store,
		sm:       sm,
		sel:      sel,
		notify:   notify,
		cfg:      cfg,
		lg:       logger.New("dispatcher"),
		now:      time.Now,
		cmds:     make(chan command, 16),
		finished: make(chan struct{}),
	}
}

// Accept delivers a farmer's acceptance. ErrOfferExpired means the dispatch
// run already ended (assigned elsewhere, cancelled, or exhausted).
func (d *Dispatcher) Accept(farmerID string) error {
	return d.deliver(command{kind: cmdAccept, farmerID: farmerID})
}

func (d *Dispatcher) Reject(farmerID string) error {
	return d.deliver(command{kind: cmdReject, farmerID: farmerID})
}

func (d *Dispatcher) Cancel(reason string) error {
	return d.deliver(command{kind: cmdCancel, reason: reason})
}

func (d *Dispatcher) deliver(cmd command) error {
	select {
	case <-d.finished:
		return domain.ErrOfferExpired
	default:
	}
	select {
	case d.cmds <- cmd:
		return nil
	case <-d.finished:
		return domain.ErrOfferExpired
	}
}

// Run executes the dispatch cycle to completion. It returns nil when the
// order reached ASSIGNED, UNASSIGNABLE or CANCELLED, and an error only for
// internal failures (store unavailable, invariant violation).
func (d *Dispatcher) Run(ctx context.Context) error {
	defer func() {
		close(d.finished)
		d.drainRemaining(ctx)
	}()

	switch d.order.State {
	case domain.StatePending:
		if err := d.sm.Transition(ctx, d.order, domain.StateDispatching, Evidence{Version: d.order.Version}); err != nil {
			return err
		}
	case domain.StateDispatching:
		// recovery after a crash mid-dispatch
	default:
		return nil
	}

	prior, err := d.store.AttemptsForOrder(ctx, d.order.ID)
	if err != nil {
		return fmt.Errorf("load attempts for order %s: %w", d.order.ID, err)
	}
	// A pending attempt left behind by a crash is closed as expired before a
	// new one opens; only one attempt may ever be pending.
	for i := range prior {
		if prior[i].Outcome == domain.AttemptPending {
			prior[i].Outcome = domain.AttemptExpired
			prior[i].ClosedAt = d.now().UTC()
			if err := d.store.FinalizeAttempt(ctx, &prior[i]); err != nil && !errors.Is(err, domain.ErrOfferExpired) {
				return fmt.Errorf("close orphaned attempt %s/%d: %w", d.order.ID, prior[i].Seq, err)
			}
		}
	}

	seq, err := d.sel.Select(ctx, d.order, prior)
	if err != nil {
		return err
	}

	for {
		cand, err := seq.Next(ctx)
		if errors.Is(err, domain.ErrNoEligibleCandidates) {
			if halted, err := d.drainPending(ctx); halted || err != nil {
				return err
			}
			return d.exhausted(ctx)
		}
		if err != nil {
			return err
		}
		// A command may have arrived while no offer was open; candidate
		// re-validation can block in the presence retry loop.
		if halted, err := d.drainPending(ctx); halted || err != nil {
			return err
		}

		outcome, err := d.offer(ctx, seq, cand)
		if err != nil {
			return err
		}
		switch outcome {
		case offerAccepted, offerHalted:
			return nil
		case offerAdvance:
			// next candidate, freshly re-validated by seq.Next
		}
	}
}

func (d *Dispatcher) exhausted(ctx context.Context) error {
	metrics.OrdersTotal.WithLabelValues("unassignable").Inc()
	return d.sm.Transition(ctx, d.order, domain.StateUnassignable, Evidence{
		Version:    d.order.Version,
		AttemptSeq: d.order.DispatchAttempts,
	})
}

// offer opens one attempt for the candidate and waits for exactly one of:
// accept, reject, expiry, cancellation.
func (d *Dispatcher) offer(ctx context.Context, seq *Sequence, cand domain.FarmerCandidate) (offerOutcome, error) {
	now := d.now().UTC()
	d.order.DispatchAttempts++
	attempt := &domain.OfferAttempt{
		ID:        uuid.NewString(),
		OrderID:   d.order.ID,
		Seq:       d.order.DispatchAttempts,
		FarmerID:  cand.FarmerID,
		CreatedAt: now,
		ExpiresAt: now.Add(d.cfg.OfferExpiry),
		Outcome:   domain.AttemptPending,
	}
	if err := d.store.AppendAttempt(ctx, attempt); err != nil {
		return 0, fmt.Errorf("open attempt %s/%d: %w", d.order.ID, attempt.Seq, err)
	}
	if err := d.store.Save(ctx, d.order); err != nil {
		return 0, fmt.Errorf("persist attempt counter for order %s: %w", d.order.ID, err)
	}
	metrics.OffersOpenedTotal.Inc()
	d.lg.Info("offer_opened", map[string]any{
		"order_id": d.order.ID, "farmer_id": cand.FarmerID,
		"attempt_seq": attempt.Seq, "expires_at": attempt.ExpiresAt,
	})
	if err := d.notify.OfferOpened(ctx, d.order.ID, cand.FarmerID, attempt.Seq, attempt.ExpiresAt); err != nil {
		d.lg.Error("offer_notify_failed", err, map[string]any{"order_id": d.order.ID})
	}

	timer := time.NewTimer(attempt.ExpiresAt.Sub(d.now()))
	defer timer.Stop()

	for {
		select {
		case cmd := <-d.cmds:
			switch cmd.kind {
			case cmdAccept:
				if cmd.farmerID != attempt.FarmerID {
					d.refuseStale(cmd, attempt)
					continue
				}
				if err := d.finalize(ctx, attempt, domain.AttemptAccepted); err != nil {
					return 0, err
				}
				metrics.OrdersTotal.WithLabelValues("assigned").Inc()
				if err := d.sm.Transition(ctx, d.order, domain.StateAssigned, Evidence{
					Version:    d.order.Version,
					FarmerID:   attempt.FarmerID,
					AttemptSeq: attempt.Seq,
				}); err != nil {
					return 0, err
				}
				return offerAccepted, nil

			case cmdReject:
				if cmd.farmerID != attempt.FarmerID {
					d.refuseStale(cmd, attempt)
					continue
				}
				if err := d.finalize(ctx, attempt, domain.AttemptRejected); err != nil {
					return 0, err
				}
				seq.MarkRejected(attempt.FarmerID)
				return offerAdvance, nil

			case cmdCancel:
				// Invalidate the in-flight attempt with the same close path
				// the timer uses, then drive the order terminal. A late
				// accept cannot resurrect it: the run is over.
				if err := d.finalize(ctx, attempt, domain.AttemptExpired); err != nil {
					return 0, err
				}
				metrics.OrdersTotal.WithLabelValues("cancelled").Inc()
				if err := d.sm.Transition(ctx, d.order, domain.StateCancelled, Evidence{
					Version:    d.order.Version,
					AttemptSeq: attempt.Seq,
					Reason:     cmd.reason,
				}); err != nil {
					return 0, err
				}
				return offerHalted, nil
			}

		case <-timer.C:
			if err := d.finalize(ctx, attempt, domain.AttemptExpired); err != nil {
				return 0, err
			}
			d.lg.Info("offer_expired", map[string]any{
				"order_id": d.order.ID, "farmer_id": attempt.FarmerID, "attempt_seq": attempt.Seq,
			})
			return offerAdvance, nil

		case <-ctx.Done():
			// Shutdown: leave the attempt pending, recovery closes it.
			return offerHalted, nil
		}
	}
}

// drainPending settles commands that arrived while no offer was open. A
// cancellation halts the run; accepts and rejects have no open attempt and
// are refused as stale.
func (d *Dispatcher) drainPending(ctx context.Context) (bool, error) {
	for {
		select {
		case cmd := <-d.cmds:
			if cmd.kind != cmdCancel {
				d.refuseStale(cmd, nil)
				continue
			}
			metrics.OrdersTotal.WithLabelValues("cancelled").Inc()
			if err := d.sm.Transition(ctx, d.order, domain.StateCancelled, Evidence{
				Version: d.order.Version,
				Reason:  cmd.reason,
			}); err != nil {
				return true, err
			}
			return true, nil
		default:
			return false, nil
		}
	}
}

// drainRemaining settles commands buffered in the window between the run's
// last state change and the finished signal. A cancellation still applies
// while the order is not terminal; everything else is refused as stale.
func (d *Dispatcher) drainRemaining(ctx context.Context) {
	for {
		select {
		case cmd := <-d.cmds:
			if cmd.kind != cmdCancel {
				d.refuseStale(cmd, nil)
				continue
			}
			if d.order.State.Terminal() {
				d.lg.Warn("cancel_refused", domain.ErrInvalidTransition, map[string]any{
					"order_id": d.order.ID, "state": string(d.order.State),
				})
				continue
			}
			if err := d.sm.Transition(ctx, d.order, domain.StateCancelled, Evidence{
				Version: d.order.Version,
				Reason:  cmd.reason,
			}); err != nil {
				d.lg.Error("late_cancel_failed", err, map[string]any{"order_id": d.order.ID})
				continue
			}
			metrics.OrdersTotal.WithLabelValues("cancelled").Inc()
		default:
			return
		}
	}
}

func (d *Dispatcher) refuseStale(cmd command, attempt *domain.OfferAttempt) {
	metrics.StaleResponsesTotal.Inc()
	fields := map[string]any{"order_id": d.order.ID, "farmer_id": cmd.farmerID}
	if attempt != nil {
		fields["current_farmer"] = attempt.FarmerID
		fields["attempt_seq"] = attempt.Seq
	}
	d.lg.Warn("stale_response_refused", domain.ErrOfferExpired, fields)
}

// finalize closes the attempt exactly once. The store refuses a second close;
// that can only mean two outcomes won the race, which is an invariant
// violation, never reconciled silently.
func (d *Dispatcher) finalize(ctx context.Context, attempt *domain.OfferAttempt, outcome domain.AttemptOutcome) error {
	attempt.Outcome = outcome
	attempt.ClosedAt = d.now().UTC()
	if err := d.store.FinalizeAttempt(ctx, attempt); err != nil {
		d.lg.Error("attempt_double_close", err, map[string]any{
			"order_id": d.order.ID, "attempt_seq": attempt.Seq, "outcome": string(outcome),
		})
		return fmt.Errorf("finalize attempt %s/%d as %s: %w", d.order.ID, attempt.Seq, outcome, err)
	}
	metrics.OffersClosedTotal.WithLabelValues(string(outcome)).Inc()
	return nil
}
