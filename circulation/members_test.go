package circulation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/circulation-engine/circulation"
)

func TestMembers_Register_AssignsMemberNumber(t *testing.T) {
	f := newFixture(t)

	m, err := f.lib.Members.Register(context.Background(), circulation.MemberInput{
		DocumentID: " 1032456789 ",
		Name:       "Luis Gómez",
		Phone:      "+57 300 123 4567",
	})

	require.NoError(t, err)
	assert.Equal(t, "1032456789", m.DocumentID)
	assert.Regexp(t, `^SOC-20240301-\d{5}$`, m.MemberNumber)
	assert.True(t, m.Active)
	assert.Equal(t, t0, m.JoinedAt)
}

func TestMembers_Register_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	future := t0.AddDate(1, 0, 0)

	tests := []struct {
		name string
		in   circulation.MemberInput
	}{
		{"missing document", circulation.MemberInput{Name: "A"}},
		{"spaced document", circulation.MemberInput{DocumentID: "123 456", Name: "A"}},
		{"letters in document", circulation.MemberInput{DocumentID: "12345AB", Name: "A"}},
		{"missing name", circulation.MemberInput{DocumentID: "12345678"}},
		{"bad email", circulation.MemberInput{DocumentID: "12345678", Name: "A", Email: "nope"}},
		{"bad phone", circulation.MemberInput{DocumentID: "12345678", Name: "A", Phone: "call me"}},
		{"born in the future", circulation.MemberInput{DocumentID: "12345678", Name: "A", BirthDate: &future}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.lib.Members.Register(ctx, tt.in)
			assert.True(t, circulation.IsValidation(err), "got %v", err)
		})
	}
}

func TestMembers_Register_LooseDocumentAndPhone_Accepted(t *testing.T) {
	// GIVEN: A three digit document id and a short extension-style phone
	// WHEN: Registering
	// THEN: Any all-digit document and any digits/space/-+() phone is accepted

	f := newFixture(t)

	m, err := f.lib.Members.Register(context.Background(), circulation.MemberInput{
		DocumentID: "123",
		Name:       "Short Doc",
		Phone:      "(01) 42",
	})

	require.NoError(t, err)
	assert.Equal(t, "123", m.DocumentID)
	assert.Equal(t, "(01) 42", m.Phone)
}

func TestMembers_Register_DuplicateDocument_Conflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := circulation.MemberInput{DocumentID: "55555555", Name: "A"}

	_, err := f.lib.Members.Register(ctx, in)
	require.NoError(t, err)
	_, err = f.lib.Members.Register(ctx, in)

	assert.ErrorIs(t, err, circulation.ErrDuplicate)
}

func TestMembers_Lookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.member(t)

	byDoc, err := f.lib.Members.GetByDocumentID(ctx, m.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, m.ID, byDoc.ID)

	byNumber, err := f.lib.Members.GetByMemberNumber(ctx, m.MemberNumber)
	require.NoError(t, err)
	assert.Equal(t, m.ID, byNumber.ID)

	_, err = f.lib.Members.GetByDocumentID(ctx, "00000000")
	assert.ErrorIs(t, err, circulation.ErrMemberNotFound)
}

func TestMembers_Update_ContactFields(t *testing.T) {
	f := newFixture(t)
	m := f.member(t)

	email := "nuevo@example.com"
	f.clock.Advance(time.Hour)
	updated, err := f.lib.Members.Update(context.Background(), m.ID, circulation.MemberPatch{Email: &email})

	require.NoError(t, err)
	assert.Equal(t, email, updated.Email)
	assert.Equal(t, m.MemberNumber, updated.MemberNumber)
	assert.Equal(t, m.JoinedAt, updated.JoinedAt)
	assert.True(t, updated.UpdatedAt.After(m.UpdatedAt))
}

func TestMembers_Deactivate_BlockedByActiveLoan(t *testing.T) {
	// GIVEN: A member holding a loan
	// WHEN: The member is deactivated
	// THEN: MemberHasOpenLoans; after the return deactivation succeeds and
	//       a second attempt reports the member is already inactive

	f := newFixture(t)
	ctx := context.Background()
	m := f.member(t)
	l := f.loan(t, f.book(t), m)

	_, err := f.lib.Members.Deactivate(ctx, m.ID)
	assert.ErrorIs(t, err, circulation.ErrMemberHasOpenLoans)

	_, err = f.lib.Loans.Return(ctx, l.ID, circulation.ConditionGood)
	require.NoError(t, err)

	deactivated, err := f.lib.Members.Deactivate(ctx, m.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.Active)

	_, err = f.lib.Members.Deactivate(ctx, m.ID)
	assert.ErrorIs(t, err, circulation.ErrMemberInactive)
}

func TestMembers_Deactivate_BlockedByArrears(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.member(t)
	_, err := f.lib.Fines.Issue(ctx, circulation.FineRequest{MemberID: m.ID, Amount: dec("5"), Description: "x"})
	require.NoError(t, err)

	_, err = f.lib.Members.Deactivate(ctx, m.ID)

	assert.ErrorIs(t, err, circulation.ErrMemberHasArrears)
}

func TestMembers_Delete_OnlyWithoutHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fresh := f.member(t)
	borrower := f.member(t)
	l := f.loan(t, f.book(t), borrower)
	_, err := f.lib.Loans.Return(ctx, l.ID, circulation.ConditionGood)
	require.NoError(t, err)

	err = f.lib.Members.Delete(ctx, borrower.ID)
	assert.ErrorIs(t, err, circulation.ErrMemberHasHistory)

	require.NoError(t, f.lib.Members.Delete(ctx, fresh.ID))
	_, err = f.lib.Members.Get(ctx, fresh.ID)
	assert.ErrorIs(t, err, circulation.ErrMemberNotFound)
}

func TestMembers_LoansAndFines(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.member(t)
	l := f.loan(t, f.book(t), m)
	f.clock.AdvanceDays(20)
	_, err := f.lib.Loans.Return(ctx, l.ID, circulation.ConditionGood)
	require.NoError(t, err)

	loans, err := f.lib.Members.Loans(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, loans, 1)

	fines, err := f.lib.Members.Fines(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, fines, 1)
	assert.Equal(t, "300.00", fines[0].Amount.StringFixed(2))

	_, err = f.lib.Members.Loans(ctx, "ghost")
	assert.ErrorIs(t, err, circulation.ErrMemberNotFound)
}

func TestGate_CheckCanBorrow_Order(t *testing.T) {
	// An inactive member with arrears reports inactivity first.
	f := newFixture(t)
	ctx := context.Background()
	m := f.member(t)
	_, err := f.lib.Members.Deactivate(ctx, m.ID)
	require.NoError(t, err)
	_, err = f.lib.Fines.Issue(ctx, circulation.FineRequest{MemberID: m.ID, Amount: dec("5"), Description: "x"})
	require.NoError(t, err)

	err = f.lib.Gate.CheckCanBorrow(ctx, m.ID)
	assert.ErrorIs(t, err, circulation.ErrMemberInactive)

	owes, err := f.lib.Gate.HasArrears(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, owes)
}
