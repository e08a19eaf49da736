package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"printfarm/internal/connections/rabbitmq"
	"printfarm/internal/domain"
)

type published struct {
	exchange string
	key      string
	msgID    string
	corrID   string
	env      domain.Envelope
}

type fakeBus struct {
	mu       sync.Mutex
	failures int // publishes that error before one succeeds
	msgs     []published
}

func (b *fakeBus) Publish(_ context.Context, exchange, key string, body []byte, messageID, correlationID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures > 0 {
		b.failures--
		return errors.New("channel closed")
	}
	var env domain.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return err
	}
	b.msgs = append(b.msgs, published{
		exchange: exchange, key: key, msgID: messageID, corrID: correlationID, env: env,
	})
	return nil
}

func (b *fakeBus) published() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]published, len(b.msgs))
	copy(out, b.msgs)
	return out
}

func runPublisher(t *testing.T, bus *fakeBus) *Publisher {
	t.Helper()
	p := NewPublisher(bus, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func waitPublished(t *testing.T, bus *fakeBus, n int) []published {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(bus.published()) >= n
	}, 3*time.Second, 5*time.Millisecond)
	return bus.published()
}

func TestStateChangedRoutesTerminalStates(t *testing.T) {
	bus := &fakeBus{}
	p := runPublisher(t, bus)

	change := domain.StateChange{
		OrderID:    "O1",
		From:       domain.StateDispatching,
		To:         domain.StateAssigned,
		FarmerID:   "F1",
		AttemptSeq: 2,
		At:         time.Now().UTC(),
	}
	require.NoError(t, p.StateChanged(context.Background(), change))

	msgs := waitPublished(t, bus, 2)
	require.Len(t, msgs, 2)

	topic := msgs[0]
	assert.Equal(t, rabbitmq.OrdersExchange, topic.exchange)
	assert.Equal(t, string(domain.EventOrderAssigned), topic.key)
	assert.Equal(t, "O1", topic.corrID)
	assert.Equal(t, "O1", topic.env.SubjectID)
	assert.Equal(t, "F1", topic.env.PayloadString("farmer_id"))
	assert.Equal(t, 2, topic.env.PayloadInt("attempt_seq"))
	assert.Equal(t, string(domain.StateDispatching), topic.env.PayloadString("from"))

	fanout := msgs[1]
	assert.Equal(t, rabbitmq.NotificationsExchange, fanout.exchange)
	assert.Empty(t, fanout.key)
	assert.Equal(t, topic.msgID, fanout.msgID, "both copies carry the same event id")
}

func TestStateChangedInternalTransitionFanoutOnly(t *testing.T) {
	bus := &fakeBus{}
	p := runPublisher(t, bus)

	require.NoError(t, p.StateChanged(context.Background(), domain.StateChange{
		OrderID: "O1",
		From:    domain.StatePending,
		To:      domain.StateDispatching,
		At:      time.Now().UTC(),
	}))

	msgs := waitPublished(t, bus, 1)
	require.Len(t, msgs, 1)
	assert.Equal(t, rabbitmq.NotificationsExchange, msgs[0].exchange)
	assert.Equal(t, domain.EventOrderUpdated, msgs[0].env.Type)
}

func TestStateChangedCancellationCarriesReason(t *testing.T) {
	bus := &fakeBus{}
	p := runPublisher(t, bus)

	require.NoError(t, p.StateChanged(context.Background(), domain.StateChange{
		OrderID: "O1",
		From:    domain.StateDispatching,
		To:      domain.StateCancelled,
		Reason:  "creator cancelled",
		At:      time.Now().UTC(),
	}))

	msgs := waitPublished(t, bus, 2)
	assert.Equal(t, string(domain.EventOrderCancelled), msgs[0].key)
	assert.Equal(t, "creator cancelled", msgs[0].env.PayloadString("reason"))
}

func TestSendRetriesUntilBrokerAccepts(t *testing.T) {
	bus := &fakeBus{failures: 2}
	p := runPublisher(t, bus)

	require.NoError(t, p.StateChanged(context.Background(), domain.StateChange{
		OrderID: "O1",
		From:    domain.StateDispatching,
		To:      domain.StateUnassignable,
		At:      time.Now().UTC(),
	}))

	msgs := waitPublished(t, bus, 2)
	assert.Equal(t, string(domain.EventOrderUnassignable), msgs[0].key)
}

func TestOfferOpenedNotifiesFarmer(t *testing.T) {
	bus := &fakeBus{}
	p := runPublisher(t, bus)

	expires := time.Now().UTC().Add(2 * time.Minute).Truncate(time.Second)
	require.NoError(t, p.OfferOpened(context.Background(), "O1", "F1", 3, expires))

	msgs := waitPublished(t, bus, 2)
	require.Len(t, msgs, 2)

	topic := msgs[0]
	assert.Equal(t, rabbitmq.OrdersExchange, topic.exchange)
	assert.Equal(t, string(domain.EventOfferOpened), topic.key)
	assert.Equal(t, "O1", topic.env.SubjectID)
	assert.Equal(t, "F1", topic.env.PayloadString("farmer_id"))
	assert.Equal(t, 3, topic.env.PayloadInt("attempt_seq"))
	assert.Equal(t, expires.Format(time.RFC3339), topic.env.PayloadString("expires_at"))

	assert.Equal(t, rabbitmq.NotificationsExchange, msgs[1].exchange)
}
