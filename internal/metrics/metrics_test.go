package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(OffersClosedTotal.WithLabelValues("accepted"))
	OffersClosedTotal.WithLabelValues("accepted").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(OffersClosedTotal.WithLabelValues("accepted")))

	before = testutil.ToFloat64(OrdersTotal.WithLabelValues("assigned"))
	OrdersTotal.WithLabelValues("assigned").Add(2)
	assert.Equal(t, before+2, testutil.ToFloat64(OrdersTotal.WithLabelValues("assigned")))
}

func TestOnlineFarmersGauge(t *testing.T) {
	OnlineFarmers.Set(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(OnlineFarmers))
	OnlineFarmers.Set(0)
	assert.Equal(t, float64(0), testutil.ToFloat64(OnlineFarmers))
}
