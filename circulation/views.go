/*
views.go - Read models for loans and fines

PURPOSE:
  Loan and fine reads carry a short summary of the records they point at,
  so a desk listing can show a title and a member number without one
  lookup per row.

MISSING REFERENCES:
  A book may be deleted while loans still point at it. A summary whose
  record is gone is left nil; the read itself still succeeds. Store
  failures during the lookup are returned as errors.

SEE ALSO:
  - loans.go: Get, List, ListActive, ListOverdue
  - fines.go: Get, List, ListByMember
*/
package circulation

import "context"

type BookSummary struct {
	ID     BookID
	Title  string
	Author string
	ISBN   string
}

type MemberSummary struct {
	ID           MemberID
	Name         string
	MemberNumber string
	DocumentID   string
}

// LoanView is a loan with its book and borrower. Either summary is nil
// when the record no longer exists.
type LoanView struct {
	Loan
	Book   *BookSummary
	Member *MemberSummary
}

// FineView is a fine with its member and, for loan fines, the loan.
type FineView struct {
	Fine
	Member *MemberSummary
	Loan   *LoanView
}

func summarizeBook(b *Book) *BookSummary {
	if b == nil {
		return nil
	}
	return &BookSummary{ID: b.ID, Title: b.Title, Author: b.Author, ISBN: b.ISBN}
}

func summarizeMember(m *Member) *MemberSummary {
	if m == nil {
		return nil
	}
	return &MemberSummary{ID: m.ID, Name: m.Name, MemberNumber: m.MemberNumber, DocumentID: m.DocumentID}
}

// resolver memoizes lookups for the duration of one read.
type resolver struct {
	store   Store
	books   map[BookID]*BookSummary
	members map[MemberID]*MemberSummary
	loans   map[LoanID]*LoanView
}

func newResolver(s Store) *resolver {
	return &resolver{
		store:   s,
		books:   map[BookID]*BookSummary{},
		members: map[MemberID]*MemberSummary{},
		loans:   map[LoanID]*LoanView{},
	}
}

func (r *resolver) book(ctx context.Context, id BookID) (*BookSummary, error) {
	if s, ok := r.books[id]; ok {
		return s, nil
	}
	b, err := r.store.GetBook(ctx, id)
	if err != nil {
		return nil, err
	}
	r.books[id] = summarizeBook(b)
	return r.books[id], nil
}

func (r *resolver) member(ctx context.Context, id MemberID) (*MemberSummary, error) {
	if s, ok := r.members[id]; ok {
		return s, nil
	}
	m, err := r.store.GetMember(ctx, id)
	if err != nil {
		return nil, err
	}
	r.members[id] = summarizeMember(m)
	return r.members[id], nil
}

func (r *resolver) loanView(ctx context.Context, l Loan) (LoanView, error) {
	b, err := r.book(ctx, l.BookID)
	if err != nil {
		return LoanView{}, err
	}
	m, err := r.member(ctx, l.MemberID)
	if err != nil {
		return LoanView{}, err
	}
	return LoanView{Loan: l, Book: b, Member: m}, nil
}

func (r *resolver) loanByID(ctx context.Context, id LoanID) (*LoanView, error) {
	if v, ok := r.loans[id]; ok {
		return v, nil
	}
	l, err := r.store.GetLoan(ctx, id)
	if err != nil {
		return nil, err
	}
	var v *LoanView
	if l != nil {
		lv, err := r.loanView(ctx, *l)
		if err != nil {
			return nil, err
		}
		v = &lv
	}
	r.loans[id] = v
	return v, nil
}

func (r *resolver) fineView(ctx context.Context, f Fine) (FineView, error) {
	m, err := r.member(ctx, f.MemberID)
	if err != nil {
		return FineView{}, err
	}
	v := FineView{Fine: f, Member: m}
	if f.HasLoan() {
		if v.Loan, err = r.loanByID(ctx, f.LoanID); err != nil {
			return FineView{}, err
		}
	}
	return v, nil
}

func (r *resolver) loanViews(ctx context.Context, loans []Loan) ([]LoanView, error) {
	out := make([]LoanView, 0, len(loans))
	for _, l := range loans {
		v, err := r.loanView(ctx, l)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func (r *resolver) fineViews(ctx context.Context, fines []Fine) ([]FineView, error) {
	out := make([]FineView, 0, len(fines))
	for _, f := range fines {
		v, err := r.fineView(ctx, f)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
