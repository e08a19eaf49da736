package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printfarm/internal/config"
	"printfarm/internal/domain"
	"printfarm/internal/repository"
)

type rig struct {
	t     *testing.T
	store *repository.MemoryStore
	pres  *fakePresence
	pub   *capturePublisher
	coord *Coordinator
}

func newRig(t *testing.T, cfg config.DispatchConfig, farmers []domain.Farmer, online ...string) *rig {
	t.Helper()
	store := repository.NewMemoryStore()
	for _, f := range farmers {
		store.PutFarmer(f)
	}
	pres := newFakePresence(online...)
	pub := &capturePublisher{}
	sm := NewStateMachine(store, pub)
	sel := NewSelector(store, pres, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	coord := NewCoordinator(ctx, store, sm, sel, pub, cfg)
	t.Cleanup(func() {
		cancel()
		coord.Wait()
	})
	return &rig{t: t, store: store, pres: pres, pub: pub, coord: coord}
}

func (r *rig) start(order *domain.Order) {
	r.t.Helper()
	require.NoError(r.t, r.store.Save(context.Background(), order))
	require.NoError(r.t, r.coord.StartOrder(context.Background(), order))
}

func (r *rig) waitState(orderID string, want domain.OrderState) {
	r.t.Helper()
	require.Eventually(r.t, func() bool {
		o, err := r.store.Get(context.Background(), orderID)
		return err == nil && o.State == want
	}, 3*time.Second, 5*time.Millisecond, "order %s never reached %s", orderID, want)
}

// waitAttempt waits until the order's attempt with the given seq exists and
// is pending for the given farmer.
func (r *rig) waitAttempt(orderID string, seq int, farmerID string) {
	r.t.Helper()
	require.Eventually(r.t, func() bool {
		attempts, err := r.store.AttemptsForOrder(context.Background(), orderID)
		if err != nil || len(attempts) < seq {
			return false
		}
		a := attempts[seq-1]
		return a.FarmerID == farmerID && a.Outcome == domain.AttemptPending
	}, 3*time.Second, 5*time.Millisecond, "attempt %d for %s never opened to %s", seq, orderID, farmerID)
}

func (r *rig) attempts(orderID string) []domain.OfferAttempt {
	r.t.Helper()
	attempts, err := r.store.AttemptsForOrder(context.Background(), orderID)
	require.NoError(r.t, err)
	return attempts
}

func env(typ domain.EventType, subjectID string, payload map[string]any) *domain.Envelope {
	return &domain.Envelope{
		EventID:   uuid.NewString(),
		Type:      typ,
		SubjectID: subjectID,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

func slowConfig() config.DispatchConfig {
	cfg := testDispatchConfig()
	cfg.OfferExpiry = time.Minute // never fires within a test
	return cfg
}

// Scenario: the first candidate lets the offer expire, the second accepts.
func TestDispatchTimeoutThenAccept(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.OfferExpiry = 250 * time.Millisecond
	r := newRig(t, cfg, []domain.Farmer{
		farmer("F1", "Paris", 48.85, 2.35, 0.9),
		farmer("F2", "Paris", 48.85, 2.35, 0.8),
	}, "F1", "F2")

	r.start(newOrder("O1", "Paris"))
	r.waitAttempt("O1", 1, "F1")
	// F1 never answers; the dispatcher must advance on expiry.
	r.waitAttempt("O1", 2, "F2")

	require.NoError(t, r.coord.Deliver(context.Background(),
		env(domain.EventFarmerAccept, "O1", map[string]any{"farmer_id": "F2"})))
	r.waitState("O1", domain.StateAssigned)

	o, err := r.store.Get(context.Background(), "O1")
	require.NoError(t, err)
	assert.Equal(t, "F2", o.AssignedFarmer)

	attempts := r.attempts("O1")
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.AttemptExpired, attempts[0].Outcome)
	assert.Equal(t, "F1", attempts[0].FarmerID)
	assert.Equal(t, domain.AttemptAccepted, attempts[1].Outcome)
	assert.Equal(t, "F2", attempts[1].FarmerID)
}

// Scenario: no online farmer in reach; the order must become unassignable
// without a single attempt opened.
func TestDispatchExhaustionWithoutCandidates(t *testing.T) {
	r := newRig(t, slowConfig(), []domain.Farmer{
		farmer("F1", "Paris", 48.85, 2.35, 0.9),
	}) // F1 exists but is offline

	r.start(newOrder("O2", "Paris"))
	r.waitState("O2", domain.StateUnassignable)

	assert.Empty(t, r.attempts("O2"))

	changes := r.pub.Changes()
	require.Len(t, changes, 2)
	assert.Equal(t, domain.StateDispatching, changes[0].To)
	assert.Equal(t, domain.StateUnassignable, changes[1].To)
}

// Scenario: explicit reject advances to the next candidate; the pending
// offer's timer firing later must not add a second outcome.
func TestDispatchRejectAdvances(t *testing.T) {
	r := newRig(t, slowConfig(), []domain.Farmer{
		farmer("F1", "Paris", 48.85, 2.35, 0.9),
		farmer("F2", "Paris", 48.85, 2.35, 0.8),
	}, "F1", "F2")

	r.start(newOrder("O3", "Paris"))
	r.waitAttempt("O3", 1, "F1")

	require.NoError(t, r.coord.Deliver(context.Background(),
		env(domain.EventFarmerReject, "O3", map[string]any{"farmer_id": "F1"})))
	r.waitAttempt("O3", 2, "F2")

	attempts := r.attempts("O3")
	require.Len(t, attempts, 2)
	assert.Equal(t, domain.AttemptRejected, attempts[0].Outcome)
	assert.Equal(t, domain.AttemptPending, attempts[1].Outcome)

	o, err := r.store.Get(context.Background(), "O3")
	require.NoError(t, err)
	assert.Equal(t, domain.StateDispatching, o.State)
}

// Scenario: the creator cancels while an offer is pending; the in-flight
// attempt is invalidated and a late accept is refused.
func TestDispatchCancelInvalidatesPendingOffer(t *testing.T) {
	r := newRig(t, slowConfig(), []domain.Farmer{
		farmer("F3", "Paris", 48.85, 2.35, 0.9),
	}, "F3")

	r.start(newOrder("O4", "Paris"))
	r.waitAttempt("O4", 1, "F3")

	require.NoError(t, r.coord.Deliver(context.Background(),
		env(domain.EventOrderCancel, "O4", map[string]any{"reason": "creator cancelled"})))
	r.waitState("O4", domain.StateCancelled)

	attempts := r.attempts("O4")
	require.Len(t, attempts, 1)
	assert.True(t, attempts[0].Closed())

	// Late accept from F3 must be refused and change nothing.
	before, err := r.store.Get(context.Background(), "O4")
	require.NoError(t, err)
	err = r.coord.Deliver(context.Background(),
		env(domain.EventFarmerAccept, "O4", map[string]any{"farmer_id": "F3"}))
	require.ErrorIs(t, err, domain.ErrOfferExpired)

	after, err := r.store.Get(context.Background(), "O4")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, after.State)
	assert.Equal(t, before.Version, after.Version)
	assert.Empty(t, after.AssignedFarmer)
}

// A cancellation landing while the dispatcher sits between offers (here:
// stuck in the presence retry loop) must still drive the order to CANCELLED
// instead of letting the run exhaust to UNASSIGNABLE.
func TestDispatchCancelBetweenOffers(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.OfferExpiry = time.Minute
	cfg.PresenceRetries = 3
	cfg.PresenceBackoff = 200 * time.Millisecond
	r := newRig(t, cfg, []domain.Farmer{
		farmer("F1", "Paris", 48.85, 2.35, 0.9),
	}, "F1")
	r.pres.failNext("F1", 10) // holds the run in presence backoff

	r.start(newOrder("O10", "Paris"))
	r.waitState("O10", domain.StateDispatching)

	require.NoError(t, r.coord.Deliver(context.Background(),
		env(domain.EventOrderCancel, "O10", map[string]any{"reason": "creator cancelled"})))
	r.waitState("O10", domain.StateCancelled)

	o, err := r.store.Get(context.Background(), "O10")
	require.NoError(t, err)
	assert.Equal(t, "creator cancelled", o.CancelReason)
	assert.Empty(t, r.attempts("O10"))
}

// Commands delivered after the run ended are classified as refused, never
// silently buffered.
func TestDispatcherRefusesCommandsAfterRun(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryStore()
	store.PutFarmer(farmer("F1", "Paris", 48.85, 2.35, 0.9))
	pres := newFakePresence("F1")
	pub := &capturePublisher{}
	sm := NewStateMachine(store, pub)
	sel := NewSelector(store, pres, slowConfig())

	o := newOrder("O11", "Paris")
	require.NoError(t, store.Save(ctx, o))
	d := NewDispatcher(o, store, sm, sel, pub, slowConfig())

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		attempts, err := store.AttemptsForOrder(ctx, "O11")
		return err == nil && len(attempts) == 1 && attempts[0].Outcome == domain.AttemptPending
	}, 3*time.Second, 5*time.Millisecond)
	require.NoError(t, d.Accept("F1"))
	require.NoError(t, <-done)

	require.ErrorIs(t, d.Accept("F1"), domain.ErrOfferExpired)
	require.ErrorIs(t, d.Reject("F1"), domain.ErrOfferExpired)
	require.ErrorIs(t, d.Cancel("too late"), domain.ErrOfferExpired)

	got, err := store.Get(ctx, "O11")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAssigned, got.State)
	assert.Equal(t, "F1", got.AssignedFarmer)
}

// Replaying an accept must be refused without touching the order.
func TestDispatchAcceptIsIdempotent(t *testing.T) {
	r := newRig(t, slowConfig(), []domain.Farmer{
		farmer("F1", "Paris", 48.85, 2.35, 0.9),
	}, "F1")

	r.start(newOrder("O5", "Paris"))
	r.waitAttempt("O5", 1, "F1")

	accept := env(domain.EventFarmerAccept, "O5", map[string]any{"farmer_id": "F1"})
	require.NoError(t, r.coord.Deliver(context.Background(), accept))
	r.waitState("O5", domain.StateAssigned)

	before, err := r.store.Get(context.Background(), "O5")
	require.NoError(t, err)

	err = r.coord.Deliver(context.Background(), accept)
	require.ErrorIs(t, err, domain.ErrOfferExpired)

	after, err := r.store.Get(context.Background(), "O5")
	require.NoError(t, err)
	assert.Equal(t, before.Version, after.Version)
	assert.Equal(t, "F1", after.AssignedFarmer)

	accepted := 0
	for _, a := range r.attempts("O5") {
		if a.Outcome == domain.AttemptAccepted {
			accepted++
		}
	}
	assert.Equal(t, 1, accepted)
}

// An accept from a farmer who does not hold the current offer is ignored;
// the real candidate can still accept.
func TestDispatchRefusesAcceptFromWrongFarmer(t *testing.T) {
	r := newRig(t, slowConfig(), []domain.Farmer{
		farmer("F1", "Paris", 48.85, 2.35, 0.9),
		farmer("F2", "Paris", 48.85, 2.35, 0.8),
	}, "F1", "F2")

	r.start(newOrder("O6", "Paris"))
	r.waitAttempt("O6", 1, "F1")

	// F2 tries to grab the order out of turn.
	require.NoError(t, r.coord.Deliver(context.Background(),
		env(domain.EventFarmerAccept, "O6", map[string]any{"farmer_id": "F2"})))

	// Offer to F1 still stands.
	require.NoError(t, r.coord.Deliver(context.Background(),
		env(domain.EventFarmerAccept, "O6", map[string]any{"farmer_id": "F1"})))
	r.waitState("O6", domain.StateAssigned)

	o, err := r.store.Get(context.Background(), "O6")
	require.NoError(t, err)
	assert.Equal(t, "F1", o.AssignedFarmer)
}

// order.created events start dispatch through the coordinator.
func TestCoordinatorStartsOrderFromEvent(t *testing.T) {
	r := newRig(t, slowConfig(), []domain.Farmer{
		farmer("F1", "Paris", 48.85, 2.35, 0.9),
	}, "F1")

	o := newOrder("O7", "Paris")
	require.NoError(t, r.store.Save(context.Background(), o))
	require.NoError(t, r.coord.Deliver(context.Background(),
		env(domain.EventOrderCreated, "O7", nil)))

	r.waitAttempt("O7", 1, "F1")
	assert.True(t, r.coord.Active("O7"))
}

// Cancelling an order with no running dispatcher transitions it directly.
func TestCoordinatorCancelsIdleOrder(t *testing.T) {
	r := newRig(t, slowConfig(), nil)

	o := newOrder("O8", "Paris")
	require.NoError(t, r.store.Save(context.Background(), o))
	require.NoError(t, r.coord.Deliver(context.Background(),
		env(domain.EventOrderCancel, "O8", map[string]any{"reason": "typo in upload"})))

	got, err := r.store.Get(context.Background(), "O8")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, got.State)
	assert.Equal(t, "typo in upload", got.CancelReason)

	// Duplicate cancel deliveries are absorbed.
	require.NoError(t, r.coord.Deliver(context.Background(),
		env(domain.EventOrderCancel, "O8", map[string]any{"reason": "typo in upload"})))
}

// Attempt outcomes for one order are totally ordered: no attempt opens while
// a prior one is still pending, and a run that assigns has exactly one
// accepted attempt, held by the assigned farmer.
func TestDispatchAttemptsAreTotallyOrdered(t *testing.T) {
	cfg := testDispatchConfig()
	cfg.OfferExpiry = time.Minute
	farmers := []domain.Farmer{
		farmer("F1", "Paris", 48.85, 2.35, 0.9),
		farmer("F2", "Paris", 48.85, 2.35, 0.8),
		farmer("F3", "Paris", 48.85, 2.35, 0.7),
	}
	r := newRig(t, cfg, farmers, "F1", "F2", "F3")

	const orders = 5
	for i := 0; i < orders; i++ {
		r.start(newOrder(fmt.Sprintf("OP%d", i), "Paris"))
	}

	// Walk every order to ASSIGNED: reject the first two offers, accept the
	// third, interleaving across orders.
	for seqNum := 1; seqNum <= 3; seqNum++ {
		for i := 0; i < orders; i++ {
			id := fmt.Sprintf("OP%d", i)
			farmerID := fmt.Sprintf("F%d", seqNum)
			r.waitAttempt(id, seqNum, farmerID)
			typ := domain.EventFarmerReject
			if seqNum == 3 {
				typ = domain.EventFarmerAccept
			}
			require.NoError(t, r.coord.Deliver(context.Background(),
				env(typ, id, map[string]any{"farmer_id": farmerID})))
		}
	}

	for i := 0; i < orders; i++ {
		id := fmt.Sprintf("OP%d", i)
		r.waitState(id, domain.StateAssigned)

		o, err := r.store.Get(context.Background(), id)
		require.NoError(t, err)

		attempts := r.attempts(id)
		require.Len(t, attempts, 3)
		accepted := 0
		for j, a := range attempts {
			assert.Equal(t, j+1, a.Seq)
			assert.True(t, a.Closed(), "attempt %d left pending", a.Seq)
			if j > 0 {
				// No overlap: each attempt opens after the prior one closed.
				assert.False(t, a.CreatedAt.Before(attempts[j-1].ClosedAt))
			}
			if a.Outcome == domain.AttemptAccepted {
				accepted++
				assert.Equal(t, o.AssignedFarmer, a.FarmerID)
			}
		}
		assert.Equal(t, 1, accepted)
	}
}

// A dispatcher restarted over an order with an orphaned pending attempt
// closes it before opening a new one. The farmer behind the orphaned attempt
// is eligible again, same as after a regular expiry.
func TestDispatchRecoveryClosesOrphanedAttempt(t *testing.T) {
	r := newRig(t, slowConfig(), []domain.Farmer{
		farmer("F1", "Paris", 48.85, 2.35, 0.9),
	}, "F1")

	ctx := context.Background()
	o := newOrder("O9", "Paris")
	o.State = domain.StateDispatching
	o.Version = 1
	o.DispatchAttempts = 1
	require.NoError(t, r.store.Save(ctx, o))
	require.NoError(t, r.store.AppendAttempt(ctx, &domain.OfferAttempt{
		ID: uuid.NewString(), OrderID: "O9", Seq: 1, FarmerID: "F1",
		CreatedAt: time.Now().UTC().Add(-time.Hour),
		ExpiresAt: time.Now().UTC().Add(-58 * time.Minute),
		Outcome:   domain.AttemptPending,
	}))

	require.NoError(t, r.coord.StartOrder(ctx, o))
	r.waitAttempt("O9", 2, "F1")

	attempts := r.attempts("O9")
	assert.Equal(t, domain.AttemptExpired, attempts[0].Outcome)
}
