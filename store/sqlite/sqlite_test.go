package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/circulation/storetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) circulation.TxStore { return newTestStore(t) })
}

func TestReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "circulation.db")

	// GIVEN a file database with one book
	s, err := New(path)
	require.NoError(t, err)
	b, err := s.InsertBook(ctx, circulation.Book{
		ISBN: "9780000000001", AccessNumber: "LIB-00001", Title: "T", Author: "A",
		Status: circulation.BookAvailable, CreatedAt: time.Now(), UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// WHEN reopened (migration runs again)
	s, err = New(path)
	require.NoError(t, err)
	defer s.Close()

	// THEN the book is still there
	got, err := s.GetBook(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "LIB-00001", got.AccessNumber)
}

func TestReturnDateCheckConstraint(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

	m, err := s.InsertMember(ctx, circulation.Member{
		DocumentID: "12345678", MemberNumber: "SOC-20240110-00001", Name: "M",
		Active: true, JoinedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	// A returned loan without a return date violates the table check.
	_, err = s.InsertLoan(ctx, circulation.Loan{
		BookID: "b", MemberID: m.ID, LoanDate: now, DueDate: now.AddDate(0, 0, 14),
		Status: circulation.LoanReturned, CreatedAt: now, UpdatedAt: now,
	})
	assert.Error(t, err)
}

func TestTimeLayoutSortsChronologically(t *testing.T) {
	a := time.Date(2024, 1, 10, 9, 0, 0, 5, time.UTC)
	b := time.Date(2024, 1, 10, 9, 0, 0, 400000000, time.UTC)
	assert.Less(t, formatTime(a), formatTime(b))
	got, err := parseTime(formatTime(a))
	require.NoError(t, err)
	assert.True(t, a.Equal(got))
}

func TestCorruptTimestamp_FailsRead(t *testing.T) {
	// GIVEN a book whose created_at was overwritten with garbage
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	b, err := s.InsertBook(ctx, circulation.Book{
		ISBN: "9780000000001", AccessNumber: "LIB-00001", Title: "T", Author: "A",
		Status: circulation.BookAvailable, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	_, err = s.db.ExecContext(ctx, `UPDATE books SET created_at = 'yesterday' WHERE id = ?`, b.ID)
	require.NoError(t, err)

	// WHEN it is read back
	_, getErr := s.GetBook(ctx, b.ID)
	_, findErr := s.FindBooks(ctx, circulation.BookFilter{})

	// THEN both reads fail instead of returning a zero time
	require.Error(t, getErr)
	assert.Contains(t, getErr.Error(), `bad timestamp "yesterday"`)
	assert.Error(t, findErr)
}

func TestFindLoans_FiltersAndLimit(t *testing.T) {
	// GIVEN one member with an active, an overdue and a returned loan
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	m, err := s.InsertMember(ctx, circulation.Member{
		DocumentID: "12345678", MemberNumber: "SOC-20240110-00001", Name: "M",
		Active: true, JoinedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	returned := now.AddDate(0, 0, 3)
	for i, st := range []circulation.LoanStatus{circulation.LoanActive, circulation.LoanOverdue, circulation.LoanReturned} {
		l := circulation.Loan{
			BookID: circulation.BookID(fmt.Sprintf("b-%d", i)), MemberID: m.ID,
			LoanDate: now.Add(time.Duration(i) * time.Hour), DueDate: now.AddDate(0, 0, 14),
			Status: st, CreatedAt: now, UpdatedAt: now,
		}
		if st == circulation.LoanReturned {
			l.ReturnDate = &returned
		}
		_, err := s.InsertLoan(ctx, l)
		require.NoError(t, err)
	}

	// WHEN filtering on open statuses, by member, and with a limit
	open, err := s.FindLoans(ctx, circulation.LoanFilter{Statuses: circulation.OpenLoanStatuses, MemberID: m.ID})
	require.NoError(t, err)
	first, err := s.FindLoans(ctx, circulation.LoanFilter{Limit: 1})
	require.NoError(t, err)
	none, err := s.FindLoans(ctx, circulation.LoanFilter{MemberID: "ghost"})
	require.NoError(t, err)

	// THEN each query narrows as asked, oldest first
	require.Len(t, open, 2)
	assert.Equal(t, circulation.LoanActive, open[0].Status)
	assert.Equal(t, circulation.LoanOverdue, open[1].Status)
	require.Len(t, first, 1)
	assert.Equal(t, circulation.BookID("b-0"), first[0].BookID)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func TestFindMembers_ActiveFilter(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	for i, active := range []bool{true, false} {
		_, err := s.InsertMember(ctx, circulation.Member{
			DocumentID: fmt.Sprintf("1000000%d", i), MemberNumber: fmt.Sprintf("SOC-20240110-0000%d", i),
			Name: "M", Active: active, JoinedAt: now, UpdatedAt: now,
		})
		require.NoError(t, err)
	}

	yes, no := true, false
	active, err := s.FindMembers(ctx, circulation.MemberFilter{Active: &yes})
	require.NoError(t, err)
	inactive, err := s.FindMembers(ctx, circulation.MemberFilter{Active: &no})
	require.NoError(t, err)

	require.Len(t, active, 1)
	assert.Equal(t, "10000000", active[0].DocumentID)
	require.Len(t, inactive, 1)
	assert.Equal(t, "10000001", inactive[0].DocumentID)
}

func TestDialect_UsesPlaceholders(t *testing.T) {
	conds := in(nil, "status", []string{"active", "overdue"})
	conds = eq(conds, "member_id", "m-1")
	conds = eq(conds, "book_id", "")

	query, args, err := dialect.From("loans").Prepared(true).Select(goqu.L("id")).Where(conds...).ToSQL()

	require.NoError(t, err)
	assert.Contains(t, query, "IN (?, ?)")
	assert.NotContains(t, query, "book_id")
	assert.Equal(t, []any{"active", "overdue", "m-1"}, args)
}
