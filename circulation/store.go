/*
store.go - Persistence interface for circulation records

PURPOSE:
  Defines the interface between the circulation rules and the database.
  Services never touch SQL; they read and write whole records through Store
  and group multi-record changes inside TxStore.WithTx.

COMPARE-AND-SET CONTRACT:
  - Insert*: assigns ID, sets Version = 1, returns the stored record
  - Update*: writes only if the stored Version equals the given Version,
             bumps it and returns the stored record; otherwise ErrStaleWrite
  - SetBookStatus: writes only if the stored status equals from; this is the
             reservation primitive that keeps two loans off one book
  - Delete*: same version guard as Update*

UNIQUENESS (reported as *DuplicateKeyError):
  - books.isbn, books.access_number
  - members.document_id, members.member_number
  - at most one open (active|overdue) loan per book_id

MISSING RECORDS:
  Get* returns (nil, nil) when the record does not exist. Callers decide
  which NotFound error applies.

IMPLEMENTATIONS:
  - circulation/store/memory.go: In-memory for testing and --db-driver=memory
  - store/sqlite/sqlite.go: SQLite via database/sql
  - store/postgres/postgres.go: PostgreSQL via pgx + goqu

SEE ALSO:
  - circulation/storetest: contract suite every implementation runs
*/
package circulation

import (
	"context"
	"time"
)

// =============================================================================
// STORE
// =============================================================================

type Store interface {
	BookStore
	MemberStore
	LoanStore
	FineStore
}

type BookStore interface {
	InsertBook(ctx context.Context, b Book) (Book, error)
	GetBook(ctx context.Context, id BookID) (*Book, error)
	FindBooks(ctx context.Context, f BookFilter) ([]Book, error)
	// UpdateBook writes descriptive fields. Status is left untouched.
	UpdateBook(ctx context.Context, b Book) (Book, error)
	SetBookStatus(ctx context.Context, id BookID, from, to BookStatus, at time.Time) error
	DeleteBook(ctx context.Context, id BookID, version int) error
}

type MemberStore interface {
	InsertMember(ctx context.Context, m Member) (Member, error)
	GetMember(ctx context.Context, id MemberID) (*Member, error)
	FindMembers(ctx context.Context, f MemberFilter) ([]Member, error)
	UpdateMember(ctx context.Context, m Member) (Member, error)
	DeleteMember(ctx context.Context, id MemberID, version int) error
}

type LoanStore interface {
	InsertLoan(ctx context.Context, l Loan) (Loan, error)
	GetLoan(ctx context.Context, id LoanID) (*Loan, error)
	// FindLoans returns loans ordered by LoanDate, oldest first.
	FindLoans(ctx context.Context, f LoanFilter) ([]Loan, error)
	UpdateLoan(ctx context.Context, l Loan) (Loan, error)
}

type FineStore interface {
	InsertFine(ctx context.Context, f Fine) (Fine, error)
	GetFine(ctx context.Context, id FineID) (*Fine, error)
	// FindFines returns fines ordered by IssuedDate, oldest first.
	FindFines(ctx context.Context, f FineFilter) ([]Fine, error)
	UpdateFine(ctx context.Context, f Fine) (Fine, error)
}

// =============================================================================
// TX STORE - Atomic multi-record writes
// =============================================================================

// TxStore runs fn against a transactional view of the store. If fn returns
// an error every write made through the view is discarded.
type TxStore interface {
	Store
	WithTx(ctx context.Context, fn func(tx Store) error) error
}
