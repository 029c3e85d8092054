/*
loans.go - Loan lifecycle orchestration

STATE MACHINE:

  create --> Active --(sweep, due day passed)--> Overdue
               |  \                                 |
               |   renew (due += n)                 |
               v                                    v
            Returned <--------- return -------------+

  - Active -> Overdue is written lazily by Sweep. Between sweeps the store
    may still say Active for a loan whose due day has passed. Renew and
    Return evaluate the due date themselves and do not rely on the stored
    status being fresh.
  - Returned is terminal; ReturnDate is set in the same write.

ATOMIC BOUNDARIES:
  create: eligibility check + book reservation + loan insert   (one tx)
  return: loan close + book release                            (one tx)
          fines are issued afterwards as compensating steps; a failure
          there leaves the return committed and is reported as
          ErrInconsistency alongside the result

SEE ALSO:
  - availability.go: reservation primitive
  - eligibility.go:  borrower checks
  - fees.go:         late fee arithmetic
*/
package circulation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Loans owns the loan state machine.
type Loans struct {
	*core
	fines *Fines
}

// LoanRequest is the input to Create. A nil DueDate means the policy default.
type LoanRequest struct {
	BookID   BookID
	MemberID MemberID
	DueDate  *time.Time
	Notes    string
}

// ReturnResult is the outcome of a return. FinesIncomplete is set when at
// least one fine that was owed could not be issued.
type ReturnResult struct {
	Loan            Loan
	Fines           []Fine
	FinesIncomplete bool
	DaysLate        int
}

// =============================================================================
// CREATE
// =============================================================================

func (s *Loans) Create(ctx context.Context, req LoanRequest) (Loan, error) {
	var p problems
	p.required("book_id", string(req.BookID))
	p.required("member_id", string(req.MemberID))
	if err := p.err("invalid loan request"); err != nil {
		return Loan{}, err
	}

	now := s.now()
	due := addDays(now, s.policy.LoanDays, s.location)
	if req.DueDate != nil {
		due = req.DueDate.UTC()
	}
	if DaysBetween(now, due, s.location) <= 0 {
		return Loan{}, validationError("due date must fall after the loan date",
			"due_date: "+due.Format(time.DateOnly))
	}

	var created Loan
	err := s.store.WithTx(ctx, func(tx Store) error {
		if err := NewGate(tx).CheckCanBorrow(ctx, req.MemberID); err != nil {
			return err
		}
		if err := (availability{store: tx}).reserve(ctx, req.BookID, now); err != nil {
			return err
		}
		l, err := tx.InsertLoan(ctx, Loan{
			BookID:    req.BookID,
			MemberID:  req.MemberID,
			LoanDate:  now.UTC(),
			DueDate:   due,
			Status:    LoanActive,
			Notes:     req.Notes,
			CreatedAt: now.UTC(),
			UpdatedAt: now.UTC(),
		})
		if err != nil {
			return err
		}
		created = l
		return nil
	})
	if err != nil {
		return Loan{}, translateStoreErr(err)
	}

	s.rec.LoanCreated()
	s.log.InfoContext(ctx, "loan created",
		"loan_id", created.ID, "book_id", created.BookID,
		"member_id", created.MemberID, "due", created.DueDate.Format(time.DateOnly))
	return created, nil
}

// =============================================================================
// RETURN
// =============================================================================

func (s *Loans) Return(ctx context.Context, id LoanID, cond Condition) (*ReturnResult, error) {
	if cond == "" {
		cond = ConditionGood
	}
	if cond != ConditionGood && cond != ConditionDamaged {
		return nil, validationError("unknown book condition", "condition: "+string(cond))
	}

	now := s.now()
	var (
		returned Loan
		title    string
	)
	err := s.store.WithTx(ctx, func(tx Store) error {
		l, err := tx.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		if l == nil {
			return ErrLoanNotFound
		}
		if !l.Status.IsOpen() {
			return ErrLoanAlreadyClosed
		}
		at := now.UTC()
		l.Status = LoanReturned
		l.ReturnDate = &at
		l.UpdatedAt = at
		updated, err := tx.UpdateLoan(ctx, *l)
		if errors.Is(err, ErrStaleWrite) {
			return ErrLoanAlreadyClosed
		}
		if err != nil {
			return err
		}
		if err := (availability{store: tx}).release(ctx, l.BookID, at); err != nil {
			return err
		}
		b, err := tx.GetBook(ctx, l.BookID)
		if err != nil {
			return fmt.Errorf("look up returned book: %w", err)
		}
		if b != nil {
			title = b.Title
		}
		returned = updated
		return nil
	})
	if err != nil {
		return nil, translateStoreErr(err)
	}

	res := &ReturnResult{Loan: returned, Fines: []Fine{}, DaysLate: DaysLate(returned.DueDate, now)}
	s.rec.LoanReturned(res.DaysLate)
	s.log.InfoContext(ctx, "loan returned",
		"loan_id", returned.ID, "book_id", returned.BookID,
		"days_late", res.DaysLate, "condition", cond)

	var owed []FineRequest
	if fee := LateFee(returned.DueDate, now, s.fees.DailyLateFee); fee.IsPositive() {
		owed = append(owed, FineRequest{
			LoanID:      returned.ID,
			MemberID:    returned.MemberID,
			Amount:      fee,
			Type:        FineLate,
			Description: fmt.Sprintf("Late return of %q: %d day(s)", bookLabel(title, returned.BookID), res.DaysLate),
		})
	}
	if cond == ConditionDamaged {
		owed = append(owed, FineRequest{
			LoanID:      returned.ID,
			MemberID:    returned.MemberID,
			Amount:      s.fees.DamageFee,
			Type:        FineDamage,
			Description: fmt.Sprintf("Damage to %q", bookLabel(title, returned.BookID)),
		})
	}

	var failures []error
	for _, req := range owed {
		f, err := s.fines.Issue(ctx, req)
		if err != nil {
			failures = append(failures, fmt.Errorf("issue %s fine: %w", req.Type, err))
			continue
		}
		res.Fines = append(res.Fines, f)
	}
	if len(failures) == 0 {
		return res, nil
	}

	res.FinesIncomplete = true
	cause := errors.Join(failures...)
	s.rec.Inconsistency("return")
	s.log.ErrorContext(ctx, "loan returned but fines incomplete",
		"loan_id", returned.ID, "member_id", returned.MemberID,
		"owed", len(owed), "issued", len(res.Fines), "error", cause)
	return res, &Error{
		Kind:    ErrInconsistency,
		Code:    CodeFineIssuanceFailed,
		Message: "loan returned but not every fine could be issued",
		cause:   cause,
	}
}

func bookLabel(title string, id BookID) string {
	if title != "" {
		return title
	}
	return string(id)
}

// =============================================================================
// RENEW
// =============================================================================

// MaxRenewalDays caps a single renewal.
const MaxRenewalDays = 365

// Renew pushes the due date out by extraDays from its current value. Zero
// means the policy default.
func (s *Loans) Renew(ctx context.Context, id LoanID, extraDays int) (Loan, error) {
	if extraDays == 0 {
		extraDays = s.policy.RenewalDays
	}
	if extraDays < 0 || extraDays > MaxRenewalDays {
		return Loan{}, validationError(
			fmt.Sprintf("extra days must be between 1 and %d", MaxRenewalDays),
			fmt.Sprintf("extra_days: %d", extraDays))
	}

	now := s.now()
	var renewed Loan
	err := s.store.WithTx(ctx, func(tx Store) error {
		l, err := tx.GetLoan(ctx, id)
		if err != nil {
			return err
		}
		if l == nil {
			return ErrLoanNotFound
		}
		switch {
		case l.Status == LoanReturned:
			return ErrLoanAlreadyClosed
		case l.Status == LoanOverdue:
			return ErrLoanNotRenewable.with("loan is overdue and can only be returned")
		case DaysBetween(l.DueDate, now, s.location) > 0:
			return ErrLoanNotRenewable.with("loan is past its due date and can only be returned")
		}
		if err := NewGate(tx).CheckCanBorrow(ctx, l.MemberID); err != nil {
			return err
		}
		l.DueDate = addDays(l.DueDate, extraDays, s.location)
		l.UpdatedAt = now.UTC()
		updated, err := tx.UpdateLoan(ctx, *l)
		if errors.Is(err, ErrStaleWrite) {
			return ErrConcurrentUpdate.wrap(err)
		}
		if err != nil {
			return err
		}
		renewed = updated
		return nil
	})
	if err != nil {
		return Loan{}, translateStoreErr(err)
	}

	s.rec.LoanRenewed()
	s.log.InfoContext(ctx, "loan renewed",
		"loan_id", renewed.ID, "extra_days", extraDays,
		"due", renewed.DueDate.Format(time.DateOnly))
	return renewed, nil
}

// =============================================================================
// OVERDUE SWEEP
// =============================================================================

// Sweep reclassifies Active loans whose due day has passed as Overdue,
// persists the change, and returns every loan stored as Overdue afterward.
// Loans that change under the sweep are skipped and picked up next time.
func (s *Loans) Sweep(ctx context.Context) ([]Loan, error) {
	now := s.now()
	active, err := s.store.FindLoans(ctx, LoanFilter{Statuses: []LoanStatus{LoanActive}})
	if err != nil {
		return nil, err
	}

	marked := 0
	for _, l := range active {
		if DaysBetween(l.DueDate, now, s.location) <= 0 {
			continue
		}
		l.Status = LoanOverdue
		l.UpdatedAt = now.UTC()
		if _, err := s.store.UpdateLoan(ctx, l); err != nil {
			if errors.Is(err, ErrStaleWrite) {
				s.log.DebugContext(ctx, "sweep skipped loan changed concurrently", "loan_id", l.ID)
				continue
			}
			return nil, err
		}
		marked++
	}
	if marked > 0 {
		s.rec.LoansMarkedOverdue(marked)
		s.log.InfoContext(ctx, "overdue sweep", "marked", marked, "scanned", len(active))
	}

	return s.store.FindLoans(ctx, LoanFilter{Statuses: []LoanStatus{LoanOverdue}})
}

// =============================================================================
// QUERIES
// =============================================================================

func (s *Loans) Get(ctx context.Context, id LoanID) (LoanView, error) {
	l, err := s.store.GetLoan(ctx, id)
	if err != nil {
		return LoanView{}, err
	}
	if l == nil {
		return LoanView{}, ErrLoanNotFound
	}
	return newResolver(s.store).loanView(ctx, *l)
}

// View attaches the book and member summaries to a loan already in hand.
func (s *Loans) View(ctx context.Context, l Loan) (LoanView, error) {
	return newResolver(s.store).loanView(ctx, l)
}

func (s *Loans) List(ctx context.Context, f LoanFilter) ([]LoanView, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, validationError("unknown loan status", "status: "+string(st))
		}
	}
	loans, err := s.store.FindLoans(ctx, f)
	if err != nil {
		return nil, err
	}
	return newResolver(s.store).loanViews(ctx, loans)
}

// ListActive returns loans stored as Active. It may include loans whose
// due day has passed if no sweep ran since.
func (s *Loans) ListActive(ctx context.Context) ([]LoanView, error) {
	return s.List(ctx, LoanFilter{Statuses: []LoanStatus{LoanActive}})
}

// ListOverdue runs the sweep and returns its result.
func (s *Loans) ListOverdue(ctx context.Context) ([]LoanView, error) {
	overdue, err := s.Sweep(ctx)
	if err != nil {
		return nil, err
	}
	return newResolver(s.store).loanViews(ctx, overdue)
}

// LogValue implements slog.LogValuer.
func (l Loan) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", string(l.ID)),
		slog.String("book_id", string(l.BookID)),
		slog.String("member_id", string(l.MemberID)),
		slog.String("status", string(l.Status)),
	)
}
