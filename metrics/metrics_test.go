package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/circulation-engine/circulation"
)

func TestMetrics_RecordsCirculationEvents(t *testing.T) {
	p := New(prometheus.NewRegistry())

	p.LoanCreated()
	p.LoanCreated()
	p.LoanRenewed()
	p.LoanReturned(0)
	p.LoanReturned(3)
	p.LoansMarkedOverdue(4)
	p.FineIssued(circulation.FineLate, decimal.RequireFromString("150"))
	p.FineIssued(circulation.FineLate, decimal.RequireFromString("50.5"))
	p.FineSettled(circulation.FinePaid)
	p.Inconsistency("return")

	assert.Equal(t, 2.0, testutil.ToFloat64(p.LoansCreated))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.LoansRenewed))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.LoansReturned.WithLabelValues("true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.LoansReturned.WithLabelValues("false")))
	assert.Equal(t, 4.0, testutil.ToFloat64(p.MarkedOverdue))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.FinesIssued.WithLabelValues("late")))
	assert.InDelta(t, 200.5, testutil.ToFloat64(p.FineAmount.WithLabelValues("late")), 0.001)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.FinesSettled.WithLabelValues("paid")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Inconsistent.WithLabelValues("return")))
}

func TestMetrics_SeparateRegistries(t *testing.T) {
	// Two instances must not collide on registration.
	require.NotPanics(t, func() {
		New(prometheus.NewRegistry())
		New(prometheus.NewRegistry())
	})
}

func TestMetrics_ObserveRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	p := New(reg)

	p.ObserveRequest("GET", "/api/books", 200, 12*time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(p.RequestLatency))

	var nilRecorder *Metrics
	assert.NotPanics(t, func() { nilRecorder.ObserveRequest("GET", "/", 200, time.Millisecond) })
}
