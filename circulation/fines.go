/*
fines.go - Fine ledger

TRANSITIONS:
  issue  -> Pending
  Pending --pay-->    Paid       (PaidDate = now)
  Pending --cancel--> Cancelled  (reason appended to Description)

Both transitions are compare-and-set on the fine's version, so two desks
paying the same fine cannot both succeed. Neither transition is reversible.

AGGREGATES:
  Arrears:    count and sum of one member's Pending fines
  Statistics: global counts and sums per status
*/
package circulation

import (
	"context"
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

type Fines struct {
	*core
}

// FineRequest is the input to Issue. LoanID is optional.
type FineRequest struct {
	LoanID      LoanID
	MemberID    MemberID
	Amount      decimal.Decimal
	Type        FineType
	Description string
}

type Arrears struct {
	MemberID MemberID
	Count    int
	Total    decimal.Decimal
	Fines    []Fine
}

type Statistics struct {
	Total     int
	Pending   int
	Paid      int
	Cancelled int

	PendingAmount   decimal.Decimal
	CollectedAmount decimal.Decimal
	CancelledAmount decimal.Decimal
}

// =============================================================================
// ISSUE
// =============================================================================

func (s *Fines) Issue(ctx context.Context, req FineRequest) (Fine, error) {
	var p problems
	p.required("member_id", string(req.MemberID))
	p.required("description", req.Description)
	if !req.Amount.IsPositive() {
		p.add("amount", "must be greater than zero")
	}
	if req.Type == "" {
		req.Type = FineOther
	}
	if !req.Type.Valid() {
		p.add("type", "unknown fine type "+string(req.Type))
	}
	if err := p.err("invalid fine"); err != nil {
		return Fine{}, err
	}

	m, err := s.store.GetMember(ctx, req.MemberID)
	if err != nil {
		return Fine{}, err
	}
	if m == nil {
		return Fine{}, ErrMemberNotFound
	}
	if req.LoanID != "" {
		l, err := s.store.GetLoan(ctx, req.LoanID)
		if err != nil {
			return Fine{}, err
		}
		if l == nil {
			return Fine{}, ErrLoanNotFound
		}
	}

	now := s.now().UTC()
	f, err := s.store.InsertFine(ctx, Fine{
		LoanID:      req.LoanID,
		MemberID:    req.MemberID,
		Amount:      req.Amount.Round(2),
		Type:        req.Type,
		Status:      FinePending,
		Description: strings.TrimSpace(req.Description),
		IssuedDate:  now,
		UpdatedAt:   now,
	})
	if err != nil {
		return Fine{}, translateStoreErr(err)
	}
	s.rec.FineIssued(f.Type, f.Amount)
	s.log.InfoContext(ctx, "fine issued",
		"fine_id", f.ID, "member_id", f.MemberID, "type", f.Type, "amount", f.Amount.StringFixed(2))
	return f, nil
}

// =============================================================================
// SETTLE
// =============================================================================

func (s *Fines) Pay(ctx context.Context, id FineID) (Fine, error) {
	f, err := s.settle(ctx, id, func(f *Fine) {
		at := f.UpdatedAt
		f.Status = FinePaid
		f.PaidDate = &at
	})
	if err != nil {
		return Fine{}, err
	}
	s.log.InfoContext(ctx, "fine paid", "fine_id", f.ID, "amount", f.Amount.StringFixed(2))
	return f, nil
}

// Cancel voids a pending fine. A non-empty reason is kept in the
// description for audit.
func (s *Fines) Cancel(ctx context.Context, id FineID, reason string) (Fine, error) {
	reason = strings.TrimSpace(reason)
	f, err := s.settle(ctx, id, func(f *Fine) {
		f.Status = FineCancelled
		if reason != "" {
			f.Description += " | CANCELLED - Reason: " + reason
		} else {
			f.Description += " | CANCELLED"
		}
	})
	if err != nil {
		return Fine{}, err
	}
	s.log.InfoContext(ctx, "fine cancelled", "fine_id", f.ID, "reason", reason)
	return f, nil
}

// settle moves a Pending fine to a terminal status with one conditional
// write. A concurrent settle that wins first leaves this one stale.
func (s *Fines) settle(ctx context.Context, id FineID, apply func(*Fine)) (Fine, error) {
	f, err := s.store.GetFine(ctx, id)
	if err != nil {
		return Fine{}, err
	}
	if f == nil {
		return Fine{}, ErrFineNotFound
	}
	if f.Status != FinePending {
		return Fine{}, ErrFineNotPending
	}
	f.UpdatedAt = s.now().UTC()
	apply(f)
	updated, err := s.store.UpdateFine(ctx, *f)
	if errors.Is(err, ErrStaleWrite) {
		return Fine{}, ErrFineNotPending
	}
	if err != nil {
		return Fine{}, translateStoreErr(err)
	}
	s.rec.FineSettled(updated.Status)
	return updated, nil
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Fines) Get(ctx context.Context, id FineID) (FineView, error) {
	f, err := s.store.GetFine(ctx, id)
	if err != nil {
		return FineView{}, err
	}
	if f == nil {
		return FineView{}, ErrFineNotFound
	}
	return newResolver(s.store).fineView(ctx, *f)
}

// View attaches the member and loan summaries to a fine already in hand.
func (s *Fines) View(ctx context.Context, f Fine) (FineView, error) {
	return newResolver(s.store).fineView(ctx, f)
}

func (s *Fines) List(ctx context.Context, f FineFilter) ([]FineView, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, validationError("unknown fine status", "status: "+string(st))
		}
	}
	fines, err := s.store.FindFines(ctx, f)
	if err != nil {
		return nil, err
	}
	return newResolver(s.store).fineViews(ctx, fines)
}

func (s *Fines) ListByMember(ctx context.Context, id MemberID) ([]FineView, error) {
	if err := s.requireMember(ctx, id); err != nil {
		return nil, err
	}
	return s.List(ctx, FineFilter{MemberID: id})
}

// Arrears sums the member's pending fines, rounded to two decimals.
func (s *Fines) Arrears(ctx context.Context, id MemberID) (Arrears, error) {
	if err := s.requireMember(ctx, id); err != nil {
		return Arrears{}, err
	}
	pending, err := s.store.FindFines(ctx, FineFilter{MemberID: id, Statuses: []FineStatus{FinePending}})
	if err != nil {
		return Arrears{}, err
	}
	total := decimal.Zero
	for _, f := range pending {
		total = total.Add(f.Amount)
	}
	return Arrears{MemberID: id, Count: len(pending), Total: total.Round(2), Fines: pending}, nil
}

func (s *Fines) Statistics(ctx context.Context) (Statistics, error) {
	all, err := s.store.FindFines(ctx, FineFilter{})
	if err != nil {
		return Statistics{}, err
	}
	st := Statistics{
		PendingAmount:   decimal.Zero,
		CollectedAmount: decimal.Zero,
		CancelledAmount: decimal.Zero,
	}
	for _, f := range all {
		st.Total++
		switch f.Status {
		case FinePending:
			st.Pending++
			st.PendingAmount = st.PendingAmount.Add(f.Amount)
		case FinePaid:
			st.Paid++
			st.CollectedAmount = st.CollectedAmount.Add(f.Amount)
		case FineCancelled:
			st.Cancelled++
			st.CancelledAmount = st.CancelledAmount.Add(f.Amount)
		}
	}
	st.PendingAmount = st.PendingAmount.Round(2)
	st.CollectedAmount = st.CollectedAmount.Round(2)
	st.CancelledAmount = st.CancelledAmount.Round(2)
	return st, nil
}

func (s *Fines) requireMember(ctx context.Context, id MemberID) error {
	m, err := s.store.GetMember(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return ErrMemberNotFound
	}
	return nil
}
