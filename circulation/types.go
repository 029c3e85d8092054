/*
Package circulation provides the library circulation lifecycle engine.

PURPOSE:
  Owns the cross-entity rules of a lending library: when a book may be
  loaned, how a loan moves between active, overdue and returned, how fines
  are computed and how pending fines gate further circulation.

KEY CONCEPTS IN THIS FILE (types.go):
  - Book:   catalogue entry whose status flips Available <-> Loaned
  - Member: registered borrower, active until deactivated
  - Loan:   a single lending of one book to one member
  - Fine:   an amount owed by a member, optionally tied to a loan

INVARIANTS (see loans.go, availability.go, fines.go):
  1. Book.Status = Loaned  <=>  exactly one open loan (Active|Overdue) references it
  2. Loan.ReturnDate != nil <=> Loan.Status = Returned
  3. Fine.Amount > 0; Fine.Status leaves Pending exactly once
  4. Pending fines block new loans, renewals and deactivation
  5. Open loans block deactivation

VERSIONING:
  Every record carries a Version that the Store bumps on each write. Updates
  are compare-and-set on that version, so two writers racing on the same
  record cannot both win.

SEE ALSO:
  - store.go: persistence contract
  - errors.go: error taxonomy
*/
package circulation

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS - Opaque, store-assigned
// =============================================================================

type BookID string
type MemberID string
type LoanID string
type FineID string

// =============================================================================
// BOOK
// =============================================================================

type BookStatus string

const (
	BookAvailable BookStatus = "available"
	BookLoaned    BookStatus = "loaned"
)

func (s BookStatus) Valid() bool { return s == BookAvailable || s == BookLoaned }

type Book struct {
	ID           BookID
	ISBN         string
	AccessNumber string
	Title        string
	Author       string

	// Descriptive metadata, not behaviorally relevant.
	Publisher       string
	Genre           string
	PublicationYear int
	PageCount       int
	Description     string

	Status    BookStatus
	Version   int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// =============================================================================
// MEMBER
// =============================================================================

type Member struct {
	ID           MemberID
	DocumentID   string
	MemberNumber string
	Name         string
	Email        string
	Phone        string
	Address      string
	BirthDate    *time.Time
	Active       bool
	Version      int
	JoinedAt     time.Time
	UpdatedAt    time.Time
}

// =============================================================================
// LOAN
// =============================================================================

type LoanStatus string

const (
	LoanActive   LoanStatus = "active"
	LoanOverdue  LoanStatus = "overdue"
	LoanReturned LoanStatus = "returned"
)

func (s LoanStatus) Valid() bool {
	return s == LoanActive || s == LoanOverdue || s == LoanReturned
}

// IsOpen reports whether the loan still holds its book.
func (s LoanStatus) IsOpen() bool { return s == LoanActive || s == LoanOverdue }

// OpenLoanStatuses is the filter value for loans that still hold a book.
var OpenLoanStatuses = []LoanStatus{LoanActive, LoanOverdue}

type Loan struct {
	ID         LoanID
	BookID     BookID
	MemberID   MemberID
	LoanDate   time.Time
	DueDate    time.Time
	ReturnDate *time.Time
	Status     LoanStatus
	Notes      string
	Version    int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// =============================================================================
// FINE
// =============================================================================

type FineType string

const (
	FineLate   FineType = "late"
	FineDamage FineType = "damage"
	FineOther  FineType = "other"
)

func (t FineType) Valid() bool { return t == FineLate || t == FineDamage || t == FineOther }

type FineStatus string

const (
	FinePending   FineStatus = "pending"
	FinePaid      FineStatus = "paid"
	FineCancelled FineStatus = "cancelled"
)

func (s FineStatus) Valid() bool {
	return s == FinePending || s == FinePaid || s == FineCancelled
}

type Fine struct {
	ID FineID
	// LoanID is empty for manually issued fines.
	LoanID      LoanID
	MemberID    MemberID
	Amount      decimal.Decimal
	Type        FineType
	Status      FineStatus
	Description string
	IssuedDate  time.Time
	PaidDate    *time.Time
	Version     int
	UpdatedAt   time.Time
}

// HasLoan reports whether the fine was issued against a loan.
func (f Fine) HasLoan() bool { return f.LoanID != "" }

// =============================================================================
// FILTERS - Equality matches; zero values match everything
// =============================================================================

type BookFilter struct {
	Status       BookStatus
	Author       string
	ISBN         string
	AccessNumber string
}

type MemberFilter struct {
	Active       *bool
	DocumentID   string
	MemberNumber string
}

type LoanFilter struct {
	Statuses []LoanStatus
	MemberID MemberID
	BookID   BookID
	// Limit caps the result size; 0 means no limit.
	Limit int
}

type FineFilter struct {
	Statuses []FineStatus
	MemberID MemberID
	LoanID   LoanID
	Limit    int
}
