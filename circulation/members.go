package circulation

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Members is the borrower registry. Deactivation is one-way.
type Members struct {
	*core
}

type MemberInput struct {
	DocumentID string
	Name       string
	Email      string
	Phone      string
	Address    string
	BirthDate  *time.Time
}

// MemberPatch carries the contact fields to change. The document id and
// member number are fixed at registration.
type MemberPatch struct {
	Name      *string
	Email     *string
	Phone     *string
	Address   *string
	BirthDate *time.Time
}

func (s *Members) validate(m *Member) error {
	var p problems
	m.DocumentID = strings.TrimSpace(m.DocumentID)
	m.Name = strings.TrimSpace(m.Name)
	m.Email = strings.TrimSpace(m.Email)
	m.Phone = strings.TrimSpace(m.Phone)
	switch {
	case m.DocumentID == "":
		p.add("document_id", "is required")
	case !documentIDPat.MatchString(m.DocumentID):
		p.add("document_id", "must be 6 to 20 digits")
	}
	p.required("name", m.Name)
	if m.Email != "" && !emailPattern.MatchString(m.Email) {
		p.add("email", "is not a valid address")
	}
	if m.Phone != "" && !phonePattern.MatchString(m.Phone) {
		p.add("phone", "is not a valid phone number")
	}
	if m.BirthDate != nil && m.BirthDate.After(s.now()) {
		p.add("birth_date", "must not be in the future")
	}
	return p.err("invalid member")
}

func (s *Members) Register(ctx context.Context, in MemberInput) (Member, error) {
	now := s.now()
	m := Member{
		DocumentID: in.DocumentID,
		Name:       in.Name,
		Email:      in.Email,
		Phone:      in.Phone,
		Address:    strings.TrimSpace(in.Address),
		BirthDate:  in.BirthDate,
		Active:     true,
		JoinedAt:   now.UTC(),
		UpdatedAt:  now.UTC(),
	}
	if err := s.validate(&m); err != nil {
		return Member{}, err
	}

	for attempt := 1; ; attempt++ {
		m.MemberNumber = s.codes.MemberNumber(now)
		created, err := s.store.InsertMember(ctx, m)
		if err == nil {
			s.log.InfoContext(ctx, "member registered",
				"member_id", created.ID, "member_number", created.MemberNumber)
			return created, nil
		}
		var dup *DuplicateKeyError
		if errors.As(err, &dup) && dup.Field == FieldMemberNumber && attempt < maxCodeAttempts {
			s.log.DebugContext(ctx, "member number collision, retrying", "attempt", attempt)
			continue
		}
		return Member{}, translateStoreErr(err)
	}
}

func (s *Members) Get(ctx context.Context, id MemberID) (Member, error) {
	m, err := s.store.GetMember(ctx, id)
	if err != nil {
		return Member{}, err
	}
	if m == nil {
		return Member{}, ErrMemberNotFound
	}
	return *m, nil
}

func (s *Members) GetByDocumentID(ctx context.Context, doc string) (Member, error) {
	return s.findOne(ctx, MemberFilter{DocumentID: strings.TrimSpace(doc)})
}

func (s *Members) GetByMemberNumber(ctx context.Context, number string) (Member, error) {
	return s.findOne(ctx, MemberFilter{MemberNumber: strings.TrimSpace(number)})
}

func (s *Members) findOne(ctx context.Context, f MemberFilter) (Member, error) {
	found, err := s.store.FindMembers(ctx, f)
	if err != nil {
		return Member{}, err
	}
	if len(found) == 0 {
		return Member{}, ErrMemberNotFound
	}
	return found[0], nil
}

func (s *Members) List(ctx context.Context, f MemberFilter) ([]Member, error) {
	return s.store.FindMembers(ctx, f)
}

func (s *Members) Update(ctx context.Context, id MemberID, patch MemberPatch) (Member, error) {
	m, err := s.Get(ctx, id)
	if err != nil {
		return Member{}, err
	}
	applyString(&m.Name, patch.Name)
	applyString(&m.Email, patch.Email)
	applyString(&m.Phone, patch.Phone)
	applyString(&m.Address, patch.Address)
	if patch.BirthDate != nil {
		m.BirthDate = patch.BirthDate
	}
	if err := s.validate(&m); err != nil {
		return Member{}, err
	}
	m.UpdatedAt = s.now().UTC()

	updated, err := s.store.UpdateMember(ctx, m)
	if errors.Is(err, ErrStaleWrite) {
		return Member{}, ErrConcurrentUpdate.wrap(err)
	}
	if err != nil {
		return Member{}, translateStoreErr(err)
	}
	return updated, nil
}

// Deactivate closes a membership. It fails while the member holds an open
// loan or owes a pending fine.
func (s *Members) Deactivate(ctx context.Context, id MemberID) (Member, error) {
	var out Member
	err := s.store.WithTx(ctx, func(tx Store) error {
		m, err := NewGate(tx).CheckCanDeactivate(ctx, id)
		if err != nil {
			return err
		}
		m.Active = false
		m.UpdatedAt = s.now().UTC()
		updated, err := tx.UpdateMember(ctx, *m)
		if errors.Is(err, ErrStaleWrite) {
			return ErrConcurrentUpdate.wrap(err)
		}
		if err != nil {
			return err
		}
		out = updated
		return nil
	})
	if err != nil {
		return Member{}, translateStoreErr(err)
	}
	s.log.InfoContext(ctx, "member deactivated", "member_id", id)
	return out, nil
}

// Delete removes a member that never borrowed and was never fined.
func (s *Members) Delete(ctx context.Context, id MemberID) error {
	err := s.store.WithTx(ctx, func(tx Store) error {
		m, err := tx.GetMember(ctx, id)
		if err != nil {
			return err
		}
		if m == nil {
			return ErrMemberNotFound
		}
		loans, err := tx.FindLoans(ctx, LoanFilter{MemberID: id, Limit: 1})
		if err != nil {
			return err
		}
		fines, err := tx.FindFines(ctx, FineFilter{MemberID: id, Limit: 1})
		if err != nil {
			return err
		}
		if len(loans) > 0 || len(fines) > 0 {
			return ErrMemberHasHistory
		}
		err = tx.DeleteMember(ctx, id, m.Version)
		if errors.Is(err, ErrStaleWrite) {
			return ErrConcurrentUpdate.wrap(err)
		}
		return err
	})
	if err != nil {
		return translateStoreErr(err)
	}
	s.log.InfoContext(ctx, "member deleted", "member_id", id)
	return nil
}

func (s *Members) Loans(ctx context.Context, id MemberID) ([]LoanView, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	loans, err := s.store.FindLoans(ctx, LoanFilter{MemberID: id})
	if err != nil {
		return nil, err
	}
	return newResolver(s.store).loanViews(ctx, loans)
}

func (s *Members) Fines(ctx context.Context, id MemberID) ([]FineView, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	fines, err := s.store.FindFines(ctx, FineFilter{MemberID: id})
	if err != nil {
		return nil, err
	}
	return newResolver(s.store).fineViews(ctx, fines)
}
