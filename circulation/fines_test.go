package circulation_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/circulation-engine/circulation"
)

func TestFines_Issue_DefaultsAndRounding(t *testing.T) {
	f := newFixture(t)
	m := f.member(t)

	fine, err := f.lib.Fines.Issue(context.Background(), circulation.FineRequest{
		MemberID: m.ID, Amount: dec("12.345"), Description: "  lost card  ",
	})

	require.NoError(t, err)
	assert.Equal(t, circulation.FineOther, fine.Type)
	assert.Equal(t, circulation.FinePending, fine.Status)
	assert.Equal(t, "12.35", fine.Amount.StringFixed(2))
	assert.Equal(t, "lost card", fine.Description)
	assert.False(t, fine.HasLoan())
	assert.Equal(t, t0, fine.IssuedDate)
	assert.Nil(t, fine.PaidDate)
}

func TestFines_Issue_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.member(t)

	tests := []struct {
		name string
		req  circulation.FineRequest
	}{
		{"zero amount", circulation.FineRequest{MemberID: m.ID, Amount: dec("0"), Description: "x"}},
		{"negative amount", circulation.FineRequest{MemberID: m.ID, Amount: dec("-5"), Description: "x"}},
		{"missing description", circulation.FineRequest{MemberID: m.ID, Amount: dec("5")}},
		{"missing member", circulation.FineRequest{Amount: dec("5"), Description: "x"}},
		{"unknown type", circulation.FineRequest{MemberID: m.ID, Amount: dec("5"), Description: "x", Type: "parking"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.lib.Fines.Issue(ctx, tt.req)
			assert.True(t, circulation.IsValidation(err), "got %v", err)
		})
	}
}

func TestFines_Issue_UnknownReferences_NotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.lib.Fines.Issue(ctx, circulation.FineRequest{MemberID: "ghost", Amount: dec("5"), Description: "x"})
	assert.ErrorIs(t, err, circulation.ErrMemberNotFound)

	_, err = f.lib.Fines.Issue(ctx, circulation.FineRequest{
		MemberID: f.member(t).ID, LoanID: "ghost", Amount: dec("5"), Description: "x",
	})
	assert.ErrorIs(t, err, circulation.ErrLoanNotFound)
}

func TestFines_Pay_Twice_NotPending(t *testing.T) {
	// GIVEN: A pending fine
	// WHEN: It is paid, then paid again
	// THEN: The first payment stamps PaidDate; the second fails

	f := newFixture(t)
	ctx := context.Background()
	fine, err := f.lib.Fines.Issue(ctx, circulation.FineRequest{
		MemberID: f.member(t).ID, Amount: dec("50"), Description: "late",
	})
	require.NoError(t, err)

	f.clock.AdvanceDays(1)
	paid, err := f.lib.Fines.Pay(ctx, fine.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.FinePaid, paid.Status)
	require.NotNil(t, paid.PaidDate)
	assert.Equal(t, f.clock.Now(), *paid.PaidDate)

	_, err = f.lib.Fines.Pay(ctx, fine.ID)
	assert.ErrorIs(t, err, circulation.ErrFineNotPending)

	_, err = f.lib.Fines.Cancel(ctx, fine.ID, "too late")
	assert.ErrorIs(t, err, circulation.ErrFineNotPending)
	assert.Equal(t, 1, f.rec.settled[circulation.FinePaid])
}

func TestFines_Pay_Concurrent_OneSucceeds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	fine, err := f.lib.Fines.Issue(ctx, circulation.FineRequest{
		MemberID: f.member(t).ID, Amount: dec("50"), Description: "late",
	})
	require.NoError(t, err)

	const desks = 6
	var wg sync.WaitGroup
	errs := make([]error, desks)
	for i := range desks {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.lib.Fines.Pay(ctx, fine.ID)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, circulation.ErrFineNotPending)
	}
	assert.Equal(t, 1, ok)
}

func TestFines_Cancel_KeepsReasonInDescription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.member(t)

	withReason, err := f.lib.Fines.Issue(ctx, circulation.FineRequest{MemberID: m.ID, Amount: dec("10"), Description: "Damage"})
	require.NoError(t, err)
	noReason, err := f.lib.Fines.Issue(ctx, circulation.FineRequest{MemberID: m.ID, Amount: dec("10"), Description: "Other"})
	require.NoError(t, err)

	c1, err := f.lib.Fines.Cancel(ctx, withReason.ID, "  waived by director ")
	require.NoError(t, err)
	assert.Equal(t, circulation.FineCancelled, c1.Status)
	assert.Equal(t, "Damage | CANCELLED - Reason: waived by director", c1.Description)
	assert.Nil(t, c1.PaidDate)

	c2, err := f.lib.Fines.Cancel(ctx, noReason.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "Other | CANCELLED", c2.Description)

	_, err = f.lib.Fines.Cancel(ctx, "ghost", "")
	assert.ErrorIs(t, err, circulation.ErrFineNotFound)
}

func TestFines_Arrears_SumsPendingOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.member(t)
	for _, amt := range []string{"1.10", "2.20", "0.333"} {
		_, err := f.lib.Fines.Issue(ctx, circulation.FineRequest{MemberID: m.ID, Amount: dec(amt), Description: "x"})
		require.NoError(t, err)
	}
	paid, err := f.lib.Fines.Issue(ctx, circulation.FineRequest{MemberID: m.ID, Amount: dec("99"), Description: "x"})
	require.NoError(t, err)
	_, err = f.lib.Fines.Pay(ctx, paid.ID)
	require.NoError(t, err)

	arrears, err := f.lib.Fines.Arrears(ctx, m.ID)

	require.NoError(t, err)
	assert.Equal(t, 3, arrears.Count)
	assert.Equal(t, "3.63", arrears.Total.StringFixed(2))
	assert.Len(t, arrears.Fines, 3)

	clean, err := f.lib.Fines.Arrears(ctx, f.member(t).ID)
	require.NoError(t, err)
	assert.Equal(t, 0, clean.Count)
	assert.True(t, clean.Total.IsZero())

	_, err = f.lib.Fines.Arrears(ctx, "ghost")
	assert.ErrorIs(t, err, circulation.ErrMemberNotFound)
}

func TestFines_Statistics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.member(t)
	issue := func(amount string) circulation.Fine {
		fine, err := f.lib.Fines.Issue(ctx, circulation.FineRequest{MemberID: m.ID, Amount: dec(amount), Description: "x"})
		require.NoError(t, err)
		return fine
	}
	issue("10")
	issue("5.50")
	p := issue("20")
	c := issue("30")
	_, err := f.lib.Fines.Pay(ctx, p.ID)
	require.NoError(t, err)
	_, err = f.lib.Fines.Cancel(ctx, c.ID, "duplicate")
	require.NoError(t, err)

	st, err := f.lib.Fines.Statistics(ctx)

	require.NoError(t, err)
	assert.Equal(t, 4, st.Total)
	assert.Equal(t, 2, st.Pending)
	assert.Equal(t, 1, st.Paid)
	assert.Equal(t, 1, st.Cancelled)
	assert.Equal(t, "15.50", st.PendingAmount.StringFixed(2))
	assert.Equal(t, "20.00", st.CollectedAmount.StringFixed(2))
	assert.Equal(t, "30.00", st.CancelledAmount.StringFixed(2))
}

func TestFines_List_ByStatusAndMember(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, b := f.member(t), f.member(t)
	for _, m := range []circulation.Member{a, a, b} {
		_, err := f.lib.Fines.Issue(ctx, circulation.FineRequest{MemberID: m.ID, Amount: dec("1"), Description: "x"})
		require.NoError(t, err)
	}

	mine, err := f.lib.Fines.ListByMember(ctx, a.ID)
	require.NoError(t, err)
	assert.Len(t, mine, 2)

	all, err := f.lib.Fines.List(ctx, circulation.FineFilter{Statuses: []circulation.FineStatus{circulation.FinePending}})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = f.lib.Fines.List(ctx, circulation.FineFilter{Statuses: []circulation.FineStatus{"forgiven"}})
	assert.True(t, circulation.IsValidation(err))
}

func TestFines_Reads_EmbedMemberAndLoan(t *testing.T) {
	// GIVEN: A late fine issued by a return and a manual fine with no loan
	// WHEN: The fines are read by id, listed, and listed by member
	// THEN: Each carries the member; only the late fine carries the loan and its book

	f := newFixture(t)
	ctx := context.Background()
	b, m := f.book(t), f.member(t)
	l := f.loan(t, b, m)
	f.clock.AdvanceDays(16)
	res, err := f.lib.Loans.Return(ctx, l.ID, circulation.ConditionGood)
	require.NoError(t, err)
	require.Len(t, res.Fines, 1)
	manual, err := f.lib.Fines.Issue(ctx, circulation.FineRequest{
		MemberID: m.ID, Amount: dec("5"), Type: circulation.FineOther, Description: "Lost card",
	})
	require.NoError(t, err)

	late, err := f.lib.Fines.Get(ctx, res.Fines[0].ID)
	require.NoError(t, err)
	require.NotNil(t, late.Member)
	assert.Equal(t, m.MemberNumber, late.Member.MemberNumber)
	require.NotNil(t, late.Loan)
	assert.Equal(t, l.ID, late.Loan.ID)
	require.NotNil(t, late.Loan.Book)
	assert.Equal(t, b.Title, late.Loan.Book.Title)

	other, err := f.lib.Fines.Get(ctx, manual.ID)
	require.NoError(t, err)
	assert.Nil(t, other.Loan)
	assert.Equal(t, m.Name, other.Member.Name)

	listed, err := f.lib.Fines.List(ctx, circulation.FineFilter{})
	require.NoError(t, err)
	require.Len(t, listed, 2)
	for _, v := range listed {
		assert.Equal(t, m.ID, v.Member.ID)
	}

	mine, err := f.lib.Fines.ListByMember(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	withLoan := 0
	for _, v := range mine {
		if v.Loan != nil {
			withLoan++
		}
	}
	assert.Equal(t, 1, withLoan)
}

func TestFines_Get_DeletedBook_KeepsLoanWithoutBook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b := f.book(t)
	l := f.loan(t, b, f.member(t))
	res, err := f.lib.Loans.Return(ctx, l.ID, circulation.ConditionDamaged)
	require.NoError(t, err)
	require.Len(t, res.Fines, 1)
	require.NoError(t, f.lib.Books.Delete(ctx, b.ID))

	got, err := f.lib.Fines.Get(ctx, res.Fines[0].ID)

	require.NoError(t, err)
	require.NotNil(t, got.Loan)
	assert.Nil(t, got.Loan.Book)
	assert.NotNil(t, got.Loan.Member)
}
