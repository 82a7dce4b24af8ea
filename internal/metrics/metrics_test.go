package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Distribution(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveDistribution(ResultOK, 4)
	m.ObserveDistribution(ResultPending, 6)
	m.ObserveDistribution(ResultRejected, 11)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.Distributions.WithLabelValues(ResultOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Distributions.WithLabelValues(ResultRejected)))
	assert.Equal(t, 10.0, testutil.ToFloat64(m.DistributedAmount))
}

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveDonation(10)
	m.ObserveDonation(5)
	m.IncrementProjectionRetries()
	m.IncrementRepaired()
	m.IncrementMismatch("sum")
	m.ObserveLedgerCall("donate", time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Donations))
	assert.Equal(t, 15.0, testutil.ToFloat64(m.DonatedAmount))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProjectionRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ProjectionsRepaired))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Mismatches.WithLabelValues("sum")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.LedgerCallDuration))
}

func TestNew_SeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}
