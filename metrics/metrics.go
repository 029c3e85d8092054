/*
Package metrics exports circulation activity to Prometheus.

Metrics implements circulation.Recorder, so the library reports loan
and fine events without importing this package. HTTP request timings are
observed by the api middleware through ObserveRequest.

Metrics are registered on the registry passed to New, never the global
default, so tests can build as many instances as they like.
*/
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/warp/circulation-engine/circulation"
)

const namespace = "circulation"

// Metrics holds the engine's collectors.
type Metrics struct {
	LoansCreated   prometheus.Counter
	LoansRenewed   prometheus.Counter
	LoansReturned  *prometheus.CounterVec
	DaysLate       prometheus.Histogram
	MarkedOverdue  prometheus.Counter
	FinesIssued    *prometheus.CounterVec
	FineAmount     *prometheus.CounterVec
	FinesSettled   *prometheus.CounterVec
	Inconsistent   *prometheus.CounterVec
	RequestLatency *prometheus.HistogramVec
}

var _ circulation.Recorder = (*Metrics)(nil)

// New registers every collector on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		LoansCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loans_created_total",
			Help:      "Loans opened",
		}),
		LoansRenewed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loans_renewed_total",
			Help:      "Successful renewals",
		}),
		LoansReturned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loans_returned_total",
			Help:      "Loans closed, by whether they came back late",
		}, []string{"late"}),
		DaysLate: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "return_days_late",
			Help:      "Calendar days past due at return, late returns only",
			Buckets:   []float64{1, 2, 3, 5, 7, 14, 30, 60},
		}),
		MarkedOverdue: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loans_marked_overdue_total",
			Help:      "Loans moved to overdue by the sweep",
		}),
		FinesIssued: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fines_issued_total",
			Help:      "Fines issued by type",
		}, []string{"type"}),
		FineAmount: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fines_issued_amount_total",
			Help:      "Sum of issued fine amounts by type",
		}, []string{"type"}),
		FinesSettled: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fines_settled_total",
			Help:      "Fines paid or cancelled",
		}, []string{"status"}),
		Inconsistent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inconsistencies_total",
			Help:      "Operations that committed only partially",
		}, []string{"operation"}),
		RequestLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and status",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
}

func (p *Metrics) LoanCreated() { p.LoansCreated.Inc() }

func (p *Metrics) LoanRenewed() { p.LoansRenewed.Inc() }

func (p *Metrics) LoanReturned(daysLate int) {
	if daysLate > 0 {
		p.LoansReturned.WithLabelValues("true").Inc()
		p.DaysLate.Observe(float64(daysLate))
		return
	}
	p.LoansReturned.WithLabelValues("false").Inc()
}

func (p *Metrics) LoansMarkedOverdue(n int) { p.MarkedOverdue.Add(float64(n)) }

func (p *Metrics) FineIssued(t circulation.FineType, amount decimal.Decimal) {
	p.FinesIssued.WithLabelValues(string(t)).Inc()
	p.FineAmount.WithLabelValues(string(t)).Add(amount.InexactFloat64())
}

func (p *Metrics) FineSettled(s circulation.FineStatus) {
	p.FinesSettled.WithLabelValues(string(s)).Inc()
}

func (p *Metrics) Inconsistency(op string) {
	p.Inconsistent.WithLabelValues(op).Inc()
}

// ObserveRequest records one HTTP request. Safe on a nil receiver.
func (p *Metrics) ObserveRequest(method, route string, status int, d time.Duration) {
	if p == nil {
		return
	}
	p.RequestLatency.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}
