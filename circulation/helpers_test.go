package circulation_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/warp/circulation-engine/circulation"
	"github.com/warp/circulation-engine/circulation/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

// t0 is a Friday morning. Default loans from t0 fall due on 2024-03-15.
var t0 = time.Date(2024, time.March, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	lib   *circulation.Library
	clock *circulation.FixedClock
	store *store.Memory
	rec   *countingRecorder
	opts  []circulation.Option
}

func newFixture(t *testing.T, opts ...circulation.Option) *fixture {
	t.Helper()
	f := &fixture{
		clock: circulation.NewFixedClock(t0),
		store: store.NewMemory(),
		rec:   &countingRecorder{},
	}
	f.opts = append([]circulation.Option{
		circulation.WithClock(f.clock),
		circulation.WithRecorder(f.rec),
		circulation.WithCodeGenerator(&sequentialCodes{}),
		circulation.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	f.lib = circulation.New(f.store, f.opts...)
	return f
}

// over builds a second library with the same wiring on top of s.
func (f *fixture) over(s circulation.TxStore) *circulation.Library {
	return circulation.New(s, f.opts...)
}

var isbnSeq atomic.Int64

func (f *fixture) book(t *testing.T) circulation.Book {
	t.Helper()
	n := isbnSeq.Add(1)
	b, err := f.lib.Books.Register(context.Background(), circulation.BookInput{
		ISBN:   fmt.Sprintf("978%010d", n),
		Title:  fmt.Sprintf("Book %d", n),
		Author: "Gabriel García Márquez",
	})
	require.NoError(t, err)
	return b
}

var docSeq atomic.Int64

func (f *fixture) member(t *testing.T) circulation.Member {
	t.Helper()
	m, err := f.lib.Members.Register(context.Background(), circulation.MemberInput{
		DocumentID: fmt.Sprintf("%08d", 10000000+docSeq.Add(1)),
		Name:       "Ana Pérez",
		Email:      "ana@example.com",
	})
	require.NoError(t, err)
	return m
}

func (f *fixture) loan(t *testing.T, b circulation.Book, m circulation.Member) circulation.Loan {
	t.Helper()
	l, err := f.lib.Loans.Create(context.Background(), circulation.LoanRequest{BookID: b.ID, MemberID: m.ID})
	require.NoError(t, err)
	return l
}

func (f *fixture) bookStatus(t *testing.T, id circulation.BookID) circulation.BookStatus {
	t.Helper()
	b, err := f.lib.Books.Get(context.Background(), id)
	require.NoError(t, err)
	return b.Status
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// =============================================================================
// FAKES
// =============================================================================

// sequentialCodes hands out unique codes in order.
type sequentialCodes struct {
	mu sync.Mutex
	n  int
}

func (c *sequentialCodes) AccessNumber() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return fmt.Sprintf("LIB-%05d", c.n)
}

func (c *sequentialCodes) MemberNumber(at time.Time) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
	return fmt.Sprintf("SOC-%s-%05d", at.Format("20060102"), c.n)
}

// stuckCodes always returns the same codes, so the second registration
// collides.
type stuckCodes struct{}

func (stuckCodes) AccessNumber() string          { return "LIB-00001" }
func (stuckCodes) MemberNumber(time.Time) string { return "SOC-20240301-00001" }

type countingRecorder struct {
	mu              sync.Mutex
	created         int
	renewed         int
	returned        []int
	markedOverdue   int
	issued          map[circulation.FineType]int
	settled         map[circulation.FineStatus]int
	inconsistencies []string
}

func (r *countingRecorder) LoanCreated() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created++
}

func (r *countingRecorder) LoanRenewed() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.renewed++
}

func (r *countingRecorder) LoanReturned(daysLate int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.returned = append(r.returned, daysLate)
}

func (r *countingRecorder) LoansMarkedOverdue(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.markedOverdue += n
}

func (r *countingRecorder) FineIssued(t circulation.FineType, _ decimal.Decimal) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.issued == nil {
		r.issued = map[circulation.FineType]int{}
	}
	r.issued[t]++
}

func (r *countingRecorder) FineSettled(s circulation.FineStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled == nil {
		r.settled = map[circulation.FineStatus]int{}
	}
	r.settled[s]++
}

func (r *countingRecorder) Inconsistency(op string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inconsistencies = append(r.inconsistencies, op)
}

// failingFines wraps a store and fails fine inserts of the given types.
type failingFines struct {
	circulation.TxStore
	fail map[circulation.FineType]bool
}

var errDiskFull = errors.New("disk full")

func (s *failingFines) InsertFine(ctx context.Context, f circulation.Fine) (circulation.Fine, error) {
	if s.fail[f.Type] {
		return circulation.Fine{}, errDiskFull
	}
	return s.TxStore.InsertFine(ctx, f)
}

// failingBookReads fails every GetBook made inside a transaction.
type failingBookReads struct {
	circulation.TxStore
}

func (s *failingBookReads) WithTx(ctx context.Context, fn func(circulation.Store) error) error {
	return s.TxStore.WithTx(ctx, func(tx circulation.Store) error {
		return fn(bookReadFailure{tx})
	})
}

type bookReadFailure struct {
	circulation.Store
}

func (bookReadFailure) GetBook(context.Context, circulation.BookID) (*circulation.Book, error) {
	return nil, errDiskFull
}

// failingMemberReads fails every GetMember outside a transaction.
type failingMemberReads struct {
	circulation.TxStore
}

func (*failingMemberReads) GetMember(context.Context, circulation.MemberID) (*circulation.Member, error) {
	return nil, errDiskFull
}
