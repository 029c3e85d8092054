/*
Package storetest is the contract suite for circulation.TxStore.

Every implementation runs the same cases:

	func TestContract(t *testing.T) {
	    storetest.Run(t, func(t *testing.T) circulation.TxStore { return newStore(t) })
	}

The factory must return an empty store per call.
*/
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/circulation-engine/circulation"
)

// Factory returns a fresh, empty store.
type Factory func(t *testing.T) circulation.TxStore

var t0 = time.Date(2024, 1, 10, 9, 30, 0, 0, time.UTC)

func Run(t *testing.T, newStore Factory) {
	t.Run("BookRoundTrip", func(t *testing.T) { testBookRoundTrip(t, newStore(t)) })
	t.Run("BookUniqueness", func(t *testing.T) { testBookUniqueness(t, newStore(t)) })
	t.Run("BookFilters", func(t *testing.T) { testBookFilters(t, newStore(t)) })
	t.Run("BookVersioning", func(t *testing.T) { testBookVersioning(t, newStore(t)) })
	t.Run("SetBookStatus", func(t *testing.T) { testSetBookStatus(t, newStore(t)) })
	t.Run("MemberRoundTrip", func(t *testing.T) { testMemberRoundTrip(t, newStore(t)) })
	t.Run("MemberUniqueness", func(t *testing.T) { testMemberUniqueness(t, newStore(t)) })
	t.Run("LoanRoundTripAndOrder", func(t *testing.T) { testLoanRoundTrip(t, newStore(t)) })
	t.Run("OneOpenLoanPerBook", func(t *testing.T) { testOneOpenLoanPerBook(t, newStore(t)) })
	t.Run("FineRoundTrip", func(t *testing.T) { testFineRoundTrip(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("TxCommit", func(t *testing.T) { testTxCommit(t, newStore(t)) })
	t.Run("ConcurrentReservation", func(t *testing.T) { testConcurrentReservation(t, newStore(t)) })
}

// =============================================================================
// FIXTURES
// =============================================================================

func book(n int) circulation.Book {
	return circulation.Book{
		ISBN:         fmt.Sprintf("978000000%04d", n),
		AccessNumber: fmt.Sprintf("LIB-%05d", n),
		Title:        fmt.Sprintf("Book %d", n),
		Author:       "Author",
		Status:       circulation.BookAvailable,
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func member(n int) circulation.Member {
	return circulation.Member{
		DocumentID:   fmt.Sprintf("1000%04d", n),
		MemberNumber: fmt.Sprintf("SOC-20240110-%05d", n),
		Name:         fmt.Sprintf("Member %d", n),
		Active:       true,
		JoinedAt:     t0,
		UpdatedAt:    t0,
	}
}

func loan(b circulation.BookID, m circulation.MemberID, at time.Time) circulation.Loan {
	return circulation.Loan{
		BookID:    b,
		MemberID:  m,
		LoanDate:  at,
		DueDate:   at.AddDate(0, 0, 14),
		Status:    circulation.LoanActive,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func mustBook(t *testing.T, s circulation.Store, n int) circulation.Book {
	t.Helper()
	b, err := s.InsertBook(context.Background(), book(n))
	require.NoError(t, err)
	return b
}

func mustMember(t *testing.T, s circulation.Store, n int) circulation.Member {
	t.Helper()
	m, err := s.InsertMember(context.Background(), member(n))
	require.NoError(t, err)
	return m
}

func assertDuplicate(t *testing.T, err error, field string) {
	t.Helper()
	var dup *circulation.DuplicateKeyError
	require.True(t, errors.As(err, &dup), "expected DuplicateKeyError, got %v", err)
	assert.Equal(t, field, dup.Field)
}

// =============================================================================
// BOOKS
// =============================================================================

func testBookRoundTrip(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()

	// GIVEN a stored book
	in := book(1)
	in.Publisher = "Pub"
	in.PublicationYear = 1999
	in.PageCount = 320
	b, err := s.InsertBook(ctx, in)
	require.NoError(t, err)

	// THEN it has an id and version 1
	assert.NotEmpty(t, b.ID)
	assert.Equal(t, 1, b.Version)

	got, err := s.GetBook(ctx, b.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, in.ISBN, got.ISBN)
	assert.Equal(t, "Pub", got.Publisher)
	assert.Equal(t, 1999, got.PublicationYear)
	assert.Equal(t, 320, got.PageCount)
	assert.Equal(t, circulation.BookAvailable, got.Status)
	assert.True(t, t0.Equal(got.CreatedAt))

	// AND a missing id returns nil without error
	missing, err := s.GetBook(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, missing)

	// AND delete honours the version
	assert.ErrorIs(t, s.DeleteBook(ctx, b.ID, 99), circulation.ErrStaleWrite)
	require.NoError(t, s.DeleteBook(ctx, b.ID, got.Version))
	gone, err := s.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func testBookUniqueness(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	mustBook(t, s, 1)

	sameISBN := book(2)
	sameISBN.ISBN = book(1).ISBN
	_, err := s.InsertBook(ctx, sameISBN)
	assertDuplicate(t, err, circulation.FieldISBN)

	sameAccess := book(3)
	sameAccess.AccessNumber = book(1).AccessNumber
	_, err = s.InsertBook(ctx, sameAccess)
	assertDuplicate(t, err, circulation.FieldAccessNumber)

	// Changing ISBN onto another book's value is also rejected.
	b4 := mustBook(t, s, 4)
	b4.ISBN = book(1).ISBN
	_, err = s.UpdateBook(ctx, b4)
	assertDuplicate(t, err, circulation.FieldISBN)
}

func testBookFilters(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	b1 := mustBook(t, s, 1)
	b2in := book(2)
	b2in.Author = "Other"
	b3 := mustBook(t, s, 3)
	_, err := s.InsertBook(ctx, b2in)
	require.NoError(t, err)
	require.NoError(t, s.SetBookStatus(ctx, b3.ID, circulation.BookAvailable, circulation.BookLoaned, t0))

	all, err := s.FindBooks(ctx, circulation.BookFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	avail, err := s.FindBooks(ctx, circulation.BookFilter{Status: circulation.BookAvailable})
	require.NoError(t, err)
	assert.Len(t, avail, 2)

	byAuthor, err := s.FindBooks(ctx, circulation.BookFilter{Author: "Other"})
	require.NoError(t, err)
	require.Len(t, byAuthor, 1)
	assert.Equal(t, b2in.ISBN, byAuthor[0].ISBN)

	byISBN, err := s.FindBooks(ctx, circulation.BookFilter{ISBN: b1.ISBN})
	require.NoError(t, err)
	require.Len(t, byISBN, 1)
	assert.Equal(t, b1.ID, byISBN[0].ID)

	byAccess, err := s.FindBooks(ctx, circulation.BookFilter{AccessNumber: b1.AccessNumber})
	require.NoError(t, err)
	require.Len(t, byAccess, 1)

	none, err := s.FindBooks(ctx, circulation.BookFilter{Author: "Nobody"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)
}

func testBookVersioning(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	b := mustBook(t, s, 1)

	// WHEN updated with the current version
	b.Title = "Renamed"
	updated, err := s.UpdateBook(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.Version)
	assert.Equal(t, "Renamed", updated.Title)

	// THEN a writer holding the old version loses
	b.Title = "Stale"
	_, err = s.UpdateBook(ctx, b)
	assert.ErrorIs(t, err, circulation.ErrStaleWrite)

	// AND UpdateBook never touches status
	updated.Status = circulation.BookLoaned
	_, err = s.UpdateBook(ctx, updated)
	require.NoError(t, err)
	got, err := s.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.BookAvailable, got.Status)
	assert.Equal(t, 3, got.Version)
}

func testSetBookStatus(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	b := mustBook(t, s, 1)
	later := t0.Add(time.Hour)

	require.NoError(t, s.SetBookStatus(ctx, b.ID, circulation.BookAvailable, circulation.BookLoaned, later))
	got, err := s.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.BookLoaned, got.Status)
	assert.Equal(t, 2, got.Version, "status change bumps version")
	assert.True(t, later.Equal(got.UpdatedAt))

	// Second reservation sees Loaned and loses.
	err = s.SetBookStatus(ctx, b.ID, circulation.BookAvailable, circulation.BookLoaned, later)
	assert.ErrorIs(t, err, circulation.ErrStaleWrite)

	err = s.SetBookStatus(ctx, "missing", circulation.BookAvailable, circulation.BookLoaned, later)
	assert.ErrorIs(t, err, circulation.ErrStaleWrite)
}

// =============================================================================
// MEMBERS
// =============================================================================

func testMemberRoundTrip(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	in := member(1)
	bd := time.Date(1990, 5, 17, 0, 0, 0, 0, time.UTC)
	in.BirthDate = &bd
	in.Email = "a@example.com"
	m, err := s.InsertMember(ctx, in)
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)

	got, err := s.GetMember(ctx, m.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Active)
	assert.Equal(t, "a@example.com", got.Email)
	require.NotNil(t, got.BirthDate)
	assert.True(t, bd.Equal(*got.BirthDate))

	got.Active = false
	updated, err := s.UpdateMember(ctx, *got)
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, 2, updated.Version)

	active := true
	found, err := s.FindMembers(ctx, circulation.MemberFilter{Active: &active})
	require.NoError(t, err)
	assert.Empty(t, found)

	inactive := false
	found, err = s.FindMembers(ctx, circulation.MemberFilter{Active: &inactive})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	found, err = s.FindMembers(ctx, circulation.MemberFilter{MemberNumber: in.MemberNumber})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	assert.ErrorIs(t, s.DeleteMember(ctx, m.ID, 1), circulation.ErrStaleWrite)
	require.NoError(t, s.DeleteMember(ctx, m.ID, 2))
	gone, err := s.GetMember(ctx, m.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func testMemberUniqueness(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	mustMember(t, s, 1)

	sameDoc := member(2)
	sameDoc.DocumentID = member(1).DocumentID
	_, err := s.InsertMember(ctx, sameDoc)
	assertDuplicate(t, err, circulation.FieldDocumentID)

	sameNumber := member(3)
	sameNumber.MemberNumber = member(1).MemberNumber
	_, err = s.InsertMember(ctx, sameNumber)
	assertDuplicate(t, err, circulation.FieldMemberNumber)
}

// =============================================================================
// LOANS
// =============================================================================

func testLoanRoundTrip(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	m := mustMember(t, s, 1)
	b1 := mustBook(t, s, 1)
	b2 := mustBook(t, s, 2)

	// Inserted out of date order; listings come back oldest first.
	late, err := s.InsertLoan(ctx, loan(b1.ID, m.ID, t0.AddDate(0, 0, 2)))
	require.NoError(t, err)
	early := loan(b2.ID, m.ID, t0)
	early.Notes = "window seat"
	early, err = s.InsertLoan(ctx, early)
	require.NoError(t, err)

	all, err := s.FindLoans(ctx, circulation.LoanFilter{MemberID: m.ID})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, early.ID, all[0].ID)
	assert.Equal(t, late.ID, all[1].ID)
	assert.Equal(t, "window seat", all[0].Notes)
	assert.Nil(t, all[0].ReturnDate)

	limited, err := s.FindLoans(ctx, circulation.LoanFilter{MemberID: m.ID, Limit: 1})
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	// Close one and filter by status set.
	ret := t0.AddDate(0, 0, 3)
	early.Status = circulation.LoanReturned
	early.ReturnDate = &ret
	closed, err := s.UpdateLoan(ctx, early)
	require.NoError(t, err)
	assert.Equal(t, 2, closed.Version)

	open, err := s.FindLoans(ctx, circulation.LoanFilter{Statuses: circulation.OpenLoanStatuses})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, late.ID, open[0].ID)

	byBook, err := s.FindLoans(ctx, circulation.LoanFilter{BookID: b2.ID})
	require.NoError(t, err)
	require.Len(t, byBook, 1)
	require.NotNil(t, byBook[0].ReturnDate)
	assert.True(t, ret.Equal(*byBook[0].ReturnDate))

	// Stale version loses.
	_, err = s.UpdateLoan(ctx, early)
	assert.ErrorIs(t, err, circulation.ErrStaleWrite)

	missing, err := s.GetLoan(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func testOneOpenLoanPerBook(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	m := mustMember(t, s, 1)
	b := mustBook(t, s, 1)

	first, err := s.InsertLoan(ctx, loan(b.ID, m.ID, t0))
	require.NoError(t, err)

	_, err = s.InsertLoan(ctx, loan(b.ID, m.ID, t0))
	assertDuplicate(t, err, circulation.FieldOpenLoan)

	// Once returned, the book may be lent again.
	ret := t0.AddDate(0, 0, 1)
	first.Status = circulation.LoanReturned
	first.ReturnDate = &ret
	_, err = s.UpdateLoan(ctx, first)
	require.NoError(t, err)

	_, err = s.InsertLoan(ctx, loan(b.ID, m.ID, t0.AddDate(0, 0, 2)))
	require.NoError(t, err)
}

// =============================================================================
// FINES
// =============================================================================

func testFineRoundTrip(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	m := mustMember(t, s, 1)
	b := mustBook(t, s, 1)
	l, err := s.InsertLoan(ctx, loan(b.ID, m.ID, t0))
	require.NoError(t, err)

	withLoan, err := s.InsertFine(ctx, circulation.Fine{
		LoanID: l.ID, MemberID: m.ID, Amount: decimal.RequireFromString("150.00"),
		Type: circulation.FineLate, Status: circulation.FinePending,
		Description: "late", IssuedDate: t0.Add(time.Minute), UpdatedAt: t0,
	})
	require.NoError(t, err)
	manual, err := s.InsertFine(ctx, circulation.Fine{
		MemberID: m.ID, Amount: decimal.RequireFromString("12.5"),
		Type: circulation.FineOther, Status: circulation.FinePending,
		Description: "lost card", IssuedDate: t0, UpdatedAt: t0,
	})
	require.NoError(t, err)

	got, err := s.GetFine(ctx, manual.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.HasLoan())
	assert.True(t, decimal.RequireFromString("12.5").Equal(got.Amount))
	assert.Nil(t, got.PaidDate)

	// Ordered by issue date.
	all, err := s.FindFines(ctx, circulation.FineFilter{MemberID: m.ID})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, manual.ID, all[0].ID)
	assert.Equal(t, withLoan.ID, all[1].ID)

	byLoan, err := s.FindFines(ctx, circulation.FineFilter{LoanID: l.ID})
	require.NoError(t, err)
	require.Len(t, byLoan, 1)
	assert.Equal(t, l.ID, byLoan[0].LoanID)

	// Pay and re-read.
	paidAt := t0.AddDate(0, 0, 1)
	got.Status = circulation.FinePaid
	got.PaidDate = &paidAt
	paid, err := s.UpdateFine(ctx, *got)
	require.NoError(t, err)
	assert.Equal(t, 2, paid.Version)

	_, err = s.UpdateFine(ctx, *got)
	assert.ErrorIs(t, err, circulation.ErrStaleWrite)

	pending, err := s.FindFines(ctx, circulation.FineFilter{Statuses: []circulation.FineStatus{circulation.FinePending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, withLoan.ID, pending[0].ID)

	reread, err := s.GetFine(ctx, manual.ID)
	require.NoError(t, err)
	require.NotNil(t, reread.PaidDate)
	assert.True(t, paidAt.Equal(*reread.PaidDate))
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func testTxRollback(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	m := mustMember(t, s, 1)
	b := mustBook(t, s, 1)
	boom := errors.New("boom")

	// WHEN a transaction reserves the book, inserts a loan, then fails
	err := s.WithTx(ctx, func(tx circulation.Store) error {
		if err := tx.SetBookStatus(ctx, b.ID, circulation.BookAvailable, circulation.BookLoaned, t0); err != nil {
			return err
		}
		if _, err := tx.InsertLoan(ctx, loan(b.ID, m.ID, t0)); err != nil {
			return err
		}
		// Writes are visible inside the transaction.
		inside, err := tx.GetBook(ctx, b.ID)
		if err != nil {
			return err
		}
		if inside.Status != circulation.BookLoaned {
			return fmt.Errorf("expected loaned inside tx, got %s", inside.Status)
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	// THEN nothing is left behind
	got, err := s.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.BookAvailable, got.Status)
	assert.Equal(t, 1, got.Version)

	loans, err := s.FindLoans(ctx, circulation.LoanFilter{BookID: b.ID})
	require.NoError(t, err)
	assert.Empty(t, loans)
}

func testTxCommit(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	m := mustMember(t, s, 1)
	b := mustBook(t, s, 1)

	var loanID circulation.LoanID
	err := s.WithTx(ctx, func(tx circulation.Store) error {
		if err := tx.SetBookStatus(ctx, b.ID, circulation.BookAvailable, circulation.BookLoaned, t0); err != nil {
			return err
		}
		l, err := tx.InsertLoan(ctx, loan(b.ID, m.ID, t0))
		loanID = l.ID
		return err
	})
	require.NoError(t, err)

	got, err := s.GetBook(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, circulation.BookLoaned, got.Status)

	l, err := s.GetLoan(ctx, loanID)
	require.NoError(t, err)
	require.NotNil(t, l)
	assert.Equal(t, circulation.LoanActive, l.Status)
}

func testConcurrentReservation(t *testing.T, s circulation.TxStore) {
	ctx := context.Background()
	m := mustMember(t, s, 1)
	b := mustBook(t, s, 1)

	const racers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx circulation.Store) error {
				if err := tx.SetBookStatus(ctx, b.ID, circulation.BookAvailable, circulation.BookLoaned, t0); err != nil {
					return err
				}
				_, err := tx.InsertLoan(ctx, loan(b.ID, m.ID, t0))
				return err
			})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins, "exactly one reservation wins")
	open, err := s.FindLoans(ctx, circulation.LoanFilter{BookID: b.ID, Statuses: circulation.OpenLoanStatuses})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}
