/*
eligibility.go - Whether a member may take on more circulation

RULES (checked in this order, first failure wins):
  1. member exists           else NotFound(MemberNotFound)
  2. member is active        else Conflict(MemberInactive)
  3. no pending fines        else Conflict(MemberHasArrears)

The same three checks gate new loans and renewals. Deactivation swaps rule
2 for "no open loans".

A Gate reads through whatever Store it was built on. Services build one
over the transactional view so the check and the write that depends on it
commit together.
*/
package circulation

import "context"

type Gate struct {
	store Store
}

func NewGate(s Store) *Gate { return &Gate{store: s} }

// CheckCanBorrow returns nil when the member may borrow or renew.
func (g *Gate) CheckCanBorrow(ctx context.Context, id MemberID) error {
	m, err := g.store.GetMember(ctx, id)
	if err != nil {
		return err
	}
	if m == nil {
		return ErrMemberNotFound
	}
	if !m.Active {
		return ErrMemberInactive
	}
	pending, err := g.HasArrears(ctx, id)
	if err != nil {
		return err
	}
	if pending {
		return ErrMemberHasArrears
	}
	return nil
}

// HasArrears reports whether the member owes any pending fine.
func (g *Gate) HasArrears(ctx context.Context, id MemberID) (bool, error) {
	fines, err := g.store.FindFines(ctx, FineFilter{
		MemberID: id,
		Statuses: []FineStatus{FinePending},
		Limit:    1,
	})
	if err != nil {
		return false, err
	}
	return len(fines) > 0, nil
}

// HasOpenLoans reports whether the member holds any active or overdue loan.
func (g *Gate) HasOpenLoans(ctx context.Context, id MemberID) (bool, error) {
	loans, err := g.store.FindLoans(ctx, LoanFilter{
		MemberID: id,
		Statuses: OpenLoanStatuses,
		Limit:    1,
	})
	if err != nil {
		return false, err
	}
	return len(loans) > 0, nil
}

// CheckCanDeactivate returns the member when it may be deactivated.
func (g *Gate) CheckCanDeactivate(ctx context.Context, id MemberID) (*Member, error) {
	m, err := g.store.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, ErrMemberNotFound
	}
	if !m.Active {
		return nil, ErrMemberInactive.with("member is already inactive")
	}
	open, err := g.HasOpenLoans(ctx, id)
	if err != nil {
		return nil, err
	}
	if open {
		return nil, ErrMemberHasOpenLoans
	}
	pending, err := g.HasArrears(ctx, id)
	if err != nil {
		return nil, err
	}
	if pending {
		return nil, ErrMemberHasArrears
	}
	return m, nil
}
