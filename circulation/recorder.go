package circulation

import "github.com/shopspring/decimal"

// Recorder receives circulation events for metrics. Implementations must
// be safe for concurrent use. See metrics.Metrics.
type Recorder interface {
	LoanCreated()
	LoanRenewed()
	LoanReturned(daysLate int)
	LoansMarkedOverdue(n int)
	FineIssued(t FineType, amount decimal.Decimal)
	FineSettled(s FineStatus)
	Inconsistency(op string)
}

type nopRecorder struct{}

func (nopRecorder) LoanCreated() {}
func (nopRecorder) LoanRenewed() {}
func (nopRecorder) LoanReturned(int) {}
func (nopRecorder) LoansMarkedOverdue(int) {}
func (nopRecorder) FineIssued(FineType, decimal.Decimal) {}
func (nopRecorder) FineSettled(FineStatus) {}
func (nopRecorder) Inconsistency(string) {}
