/*
Package sqlite provides a SQLite-backed circulation.TxStore.

KEY TABLES:
  books:   catalogue; status flips available <-> loaned
  members: borrowers; active flips to false once
  loans:   one row per lending, never deleted
  fines:   one row per charge, never deleted

INDEXES:
  - UNIQUE books(isbn), books(access_number)
  - UNIQUE members(document_id), members(member_number)
  - idx_loans_one_open: UNIQUE loans(book_id) WHERE status IN ('active','overdue')
    This is the database half of the one-open-loan-per-book rule; the
    conditional status update in SetBookStatus is the other half.

CONCURRENCY:
  Uses sync.RWMutex plus a single connection. WithTx holds the write lock
  for the whole transaction and the transactional view talks only to the
  sql.Tx, never back to the Store.

WAL MODE:
  Opened with WAL and a busy timeout so a second process sharing the file
  waits instead of failing.

TIMESTAMPS:
  Stored as fixed-width UTC text so ORDER BY on the column is chronological.

USAGE:
  store, err := sqlite.New("./data/circulation.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()
  lib := circulation.New(store)

SEE ALSO:
  - circulation/store.go: interface definitions
  - circulation/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/warp/circulation-engine/circulation"
)

const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// dialect builds the filtered listing queries. Fixed-shape statements stay
// as plain SQL.
var dialect = goqu.Dialect("sqlite3")

// Store implements circulation.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ circulation.TxStore = (*Store)(nil)

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for a throwaway database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per-connection, and the
	// write lock already serializes access.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS books (
		id TEXT PRIMARY KEY,
		isbn TEXT NOT NULL,
		access_number TEXT NOT NULL,
		title TEXT NOT NULL,
		author TEXT NOT NULL,
		publisher TEXT NOT NULL DEFAULT '',
		genre TEXT NOT NULL DEFAULT '',
		publication_year INTEGER NOT NULL DEFAULT 0,
		page_count INTEGER NOT NULL DEFAULT 0,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN ('available', 'loaned')),
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_books_isbn ON books(isbn);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_books_access_number ON books(access_number);
	CREATE INDEX IF NOT EXISTS idx_books_status ON books(status);
	CREATE INDEX IF NOT EXISTS idx_books_author ON books(author);

	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		member_number TEXT NOT NULL,
		name TEXT NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		phone TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		birth_date TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		version INTEGER NOT NULL DEFAULT 1,
		joined_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_members_document_id ON members(document_id);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_members_member_number ON members(member_number);

	-- book_id has no foreign key: a book may be deleted while its loan
	-- history is kept.
	CREATE TABLE IF NOT EXISTS loans (
		id TEXT PRIMARY KEY,
		book_id TEXT NOT NULL,
		member_id TEXT NOT NULL REFERENCES members(id),
		loan_date TEXT NOT NULL,
		due_date TEXT NOT NULL,
		return_date TEXT,
		status TEXT NOT NULL CHECK (status IN ('active', 'overdue', 'returned')),
		notes TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		CHECK ((status = 'returned') = (return_date IS NOT NULL))
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_one_open
		ON loans(book_id) WHERE status IN ('active', 'overdue');
	CREATE INDEX IF NOT EXISTS idx_loans_member ON loans(member_id);
	CREATE INDEX IF NOT EXISTS idx_loans_status_due ON loans(status, due_date);

	CREATE TABLE IF NOT EXISTS fines (
		id TEXT PRIMARY KEY,
		loan_id TEXT REFERENCES loans(id),
		member_id TEXT NOT NULL REFERENCES members(id),
		amount TEXT NOT NULL,
		fine_type TEXT NOT NULL CHECK (fine_type IN ('late', 'damage', 'other')),
		status TEXT NOT NULL CHECK (status IN ('pending', 'paid', 'cancelled')),
		description TEXT NOT NULL,
		issued_date TEXT NOT NULL,
		paid_date TEXT,
		version INTEGER NOT NULL DEFAULT 1,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fines_member_status ON fines(member_id, status);
	CREATE INDEX IF NOT EXISTS idx_fines_loan ON fines(loan_id) WHERE loan_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(circulation.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(repo{q: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (s *Store) conn() repo { return repo{q: s.db} }

// =============================================================================
// LOCKED DELEGATES
// =============================================================================

func (s *Store) InsertBook(ctx context.Context, b circulation.Book) (circulation.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().InsertBook(ctx, b)
}

func (s *Store) GetBook(ctx context.Context, id circulation.BookID) (*circulation.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetBook(ctx, id)
}

func (s *Store) FindBooks(ctx context.Context, f circulation.BookFilter) ([]circulation.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().FindBooks(ctx, f)
}

func (s *Store) UpdateBook(ctx context.Context, b circulation.Book) (circulation.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().UpdateBook(ctx, b)
}

func (s *Store) SetBookStatus(ctx context.Context, id circulation.BookID, from, to circulation.BookStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().SetBookStatus(ctx, id, from, to, at)
}

func (s *Store) DeleteBook(ctx context.Context, id circulation.BookID, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().DeleteBook(ctx, id, version)
}

func (s *Store) InsertMember(ctx context.Context, m circulation.Member) (circulation.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().InsertMember(ctx, m)
}

func (s *Store) GetMember(ctx context.Context, id circulation.MemberID) (*circulation.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetMember(ctx, id)
}

func (s *Store) FindMembers(ctx context.Context, f circulation.MemberFilter) ([]circulation.Member, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().FindMembers(ctx, f)
}

func (s *Store) UpdateMember(ctx context.Context, m circulation.Member) (circulation.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().UpdateMember(ctx, m)
}

func (s *Store) DeleteMember(ctx context.Context, id circulation.MemberID, version int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().DeleteMember(ctx, id, version)
}

func (s *Store) InsertLoan(ctx context.Context, l circulation.Loan) (circulation.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().InsertLoan(ctx, l)
}

func (s *Store) GetLoan(ctx context.Context, id circulation.LoanID) (*circulation.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetLoan(ctx, id)
}

func (s *Store) FindLoans(ctx context.Context, f circulation.LoanFilter) ([]circulation.Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().FindLoans(ctx, f)
}

func (s *Store) UpdateLoan(ctx context.Context, l circulation.Loan) (circulation.Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().UpdateLoan(ctx, l)
}

func (s *Store) InsertFine(ctx context.Context, f circulation.Fine) (circulation.Fine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().InsertFine(ctx, f)
}

func (s *Store) GetFine(ctx context.Context, id circulation.FineID) (*circulation.Fine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().GetFine(ctx, id)
}

func (s *Store) FindFines(ctx context.Context, f circulation.FineFilter) ([]circulation.Fine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn().FindFines(ctx, f)
}

func (s *Store) UpdateFine(ctx context.Context, f circulation.Fine) (circulation.Fine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn().UpdateFine(ctx, f)
}

// =============================================================================
// REPO - SQL against either *sql.DB or *sql.Tx
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type repo struct {
	q querier
}

// --- books ---

const bookColumns = `id, isbn, access_number, title, author, publisher, genre,
	publication_year, page_count, description, status, version, created_at, updated_at`

func (r repo) InsertBook(ctx context.Context, b circulation.Book) (circulation.Book, error) {
	b.ID = circulation.BookID(uuid.NewString())
	b.Version = 1
	_, err := r.q.ExecContext(ctx, `INSERT INTO books (`+bookColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.ISBN, b.AccessNumber, b.Title, b.Author, b.Publisher, b.Genre,
		b.PublicationYear, b.PageCount, b.Description, b.Status, b.Version,
		formatTime(b.CreatedAt), formatTime(b.UpdatedAt),
	)
	if err != nil {
		return circulation.Book{}, mapError("insert book", err)
	}
	return b, nil
}

func (r repo) GetBook(ctx context.Context, id circulation.BookID) (*circulation.Book, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+bookColumns+` FROM books WHERE id = ?`, id)
	b, err := scanBook(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get book: %w", err)
	}
	return &b, nil
}

func (r repo) FindBooks(ctx context.Context, f circulation.BookFilter) ([]circulation.Book, error) {
	var conds []exp.Expression
	conds = eq(conds, "status", string(f.Status))
	conds = eq(conds, "author", f.Author)
	conds = eq(conds, "isbn", f.ISBN)
	conds = eq(conds, "access_number", f.AccessNumber)
	ds := dialect.From("books").Prepared(true).Select(goqu.L(bookColumns)).Where(conds...).
		Order(goqu.C("created_at").Asc(), goqu.L("rowid").Asc())

	rows, err := r.query(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("failed to query books: %w", err)
	}
	defer rows.Close()

	out := []circulation.Book{}
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan book: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (r repo) UpdateBook(ctx context.Context, b circulation.Book) (circulation.Book, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE books SET isbn = ?, title = ?, author = ?, publisher = ?, genre = ?,
			publication_year = ?, page_count = ?, description = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		b.ISBN, b.Title, b.Author, b.Publisher, b.Genre,
		b.PublicationYear, b.PageCount, b.Description,
		formatTime(b.UpdatedAt), b.ID, b.Version,
	)
	if err := expectOne(res, err, "update book"); err != nil {
		return circulation.Book{}, err
	}
	got, err := r.GetBook(ctx, b.ID)
	if err != nil || got == nil {
		return circulation.Book{}, errors.Join(circulation.ErrStaleWrite, err)
	}
	return *got, nil
}

func (r repo) SetBookStatus(ctx context.Context, id circulation.BookID, from, to circulation.BookStatus, at time.Time) error {
	res, err := r.q.ExecContext(ctx, `
		UPDATE books SET status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND status = ?`,
		to, formatTime(at), id, from,
	)
	return expectOne(res, err, "set book status")
}

func (r repo) DeleteBook(ctx context.Context, id circulation.BookID, version int) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM books WHERE id = ? AND version = ?`, id, version)
	return expectOne(res, err, "delete book")
}

// --- members ---

const memberColumns = `id, document_id, member_number, name, email, phone, address,
	birth_date, active, version, joined_at, updated_at`

func (r repo) InsertMember(ctx context.Context, m circulation.Member) (circulation.Member, error) {
	m.ID = circulation.MemberID(uuid.NewString())
	m.Version = 1
	_, err := r.q.ExecContext(ctx, `INSERT INTO members (`+memberColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.DocumentID, m.MemberNumber, m.Name, m.Email, m.Phone, m.Address,
		formatTimePtr(m.BirthDate), m.Active, m.Version,
		formatTime(m.JoinedAt), formatTime(m.UpdatedAt),
	)
	if err != nil {
		return circulation.Member{}, mapError("insert member", err)
	}
	return m, nil
}

func (r repo) GetMember(ctx context.Context, id circulation.MemberID) (*circulation.Member, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE id = ?`, id)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	return &m, nil
}

func (r repo) FindMembers(ctx context.Context, f circulation.MemberFilter) ([]circulation.Member, error) {
	var conds []exp.Expression
	if f.Active != nil {
		conds = append(conds, goqu.C("active").Eq(*f.Active))
	}
	conds = eq(conds, "document_id", f.DocumentID)
	conds = eq(conds, "member_number", f.MemberNumber)
	ds := dialect.From("members").Prepared(true).Select(goqu.L(memberColumns)).Where(conds...).
		Order(goqu.C("joined_at").Asc(), goqu.L("rowid").Asc())

	rows, err := r.query(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer rows.Close()

	out := []circulation.Member{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r repo) UpdateMember(ctx context.Context, m circulation.Member) (circulation.Member, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE members SET document_id = ?, name = ?, email = ?, phone = ?, address = ?,
			birth_date = ?, active = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		m.DocumentID, m.Name, m.Email, m.Phone, m.Address,
		formatTimePtr(m.BirthDate), m.Active, formatTime(m.UpdatedAt),
		m.ID, m.Version,
	)
	if err := expectOne(res, err, "update member"); err != nil {
		return circulation.Member{}, err
	}
	got, err := r.GetMember(ctx, m.ID)
	if err != nil || got == nil {
		return circulation.Member{}, errors.Join(circulation.ErrStaleWrite, err)
	}
	return *got, nil
}

func (r repo) DeleteMember(ctx context.Context, id circulation.MemberID, version int) error {
	res, err := r.q.ExecContext(ctx, `DELETE FROM members WHERE id = ? AND version = ?`, id, version)
	return expectOne(res, err, "delete member")
}

// --- loans ---

const loanColumns = `id, book_id, member_id, loan_date, due_date, return_date,
	status, notes, version, created_at, updated_at`

func (r repo) InsertLoan(ctx context.Context, l circulation.Loan) (circulation.Loan, error) {
	l.ID = circulation.LoanID(uuid.NewString())
	l.Version = 1
	_, err := r.q.ExecContext(ctx, `INSERT INTO loans (`+loanColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.BookID, l.MemberID, formatTime(l.LoanDate), formatTime(l.DueDate),
		formatTimePtr(l.ReturnDate), l.Status, l.Notes, l.Version,
		formatTime(l.CreatedAt), formatTime(l.UpdatedAt),
	)
	if err != nil {
		return circulation.Loan{}, mapError("insert loan", err)
	}
	return l, nil
}

func (r repo) GetLoan(ctx context.Context, id circulation.LoanID) (*circulation.Loan, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+loanColumns+` FROM loans WHERE id = ?`, id)
	l, err := scanLoan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get loan: %w", err)
	}
	return &l, nil
}

func (r repo) FindLoans(ctx context.Context, f circulation.LoanFilter) ([]circulation.Loan, error) {
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	conds := in(nil, "status", statuses)
	conds = eq(conds, "member_id", string(f.MemberID))
	conds = eq(conds, "book_id", string(f.BookID))
	ds := dialect.From("loans").Prepared(true).Select(goqu.L(loanColumns)).Where(conds...).
		Order(goqu.C("loan_date").Asc(), goqu.L("rowid").Asc())
	if f.Limit > 0 {
		ds = ds.Limit(uint(f.Limit))
	}

	rows, err := r.query(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("failed to query loans: %w", err)
	}
	defer rows.Close()

	out := []circulation.Loan{}
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan loan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r repo) UpdateLoan(ctx context.Context, l circulation.Loan) (circulation.Loan, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE loans SET due_date = ?, return_date = ?, status = ?, notes = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		formatTime(l.DueDate), formatTimePtr(l.ReturnDate), l.Status, l.Notes,
		formatTime(l.UpdatedAt), l.ID, l.Version,
	)
	if err := expectOne(res, err, "update loan"); err != nil {
		return circulation.Loan{}, err
	}
	got, err := r.GetLoan(ctx, l.ID)
	if err != nil || got == nil {
		return circulation.Loan{}, errors.Join(circulation.ErrStaleWrite, err)
	}
	return *got, nil
}

// --- fines ---

const fineColumns = `id, loan_id, member_id, amount, fine_type, status, description,
	issued_date, paid_date, version, updated_at`

func (r repo) InsertFine(ctx context.Context, f circulation.Fine) (circulation.Fine, error) {
	f.ID = circulation.FineID(uuid.NewString())
	f.Version = 1
	_, err := r.q.ExecContext(ctx, `INSERT INTO fines (`+fineColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.ID, nullString(string(f.LoanID)), f.MemberID, f.Amount.String(), f.Type, f.Status,
		f.Description, formatTime(f.IssuedDate), formatTimePtr(f.PaidDate), f.Version,
		formatTime(f.UpdatedAt),
	)
	if err != nil {
		return circulation.Fine{}, mapError("insert fine", err)
	}
	return f, nil
}

func (r repo) GetFine(ctx context.Context, id circulation.FineID) (*circulation.Fine, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+fineColumns+` FROM fines WHERE id = ?`, id)
	f, err := scanFine(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fine: %w", err)
	}
	return &f, nil
}

func (r repo) FindFines(ctx context.Context, f circulation.FineFilter) ([]circulation.Fine, error) {
	statuses := make([]string, len(f.Statuses))
	for i, st := range f.Statuses {
		statuses[i] = string(st)
	}
	conds := in(nil, "status", statuses)
	conds = eq(conds, "member_id", string(f.MemberID))
	conds = eq(conds, "loan_id", string(f.LoanID))
	ds := dialect.From("fines").Prepared(true).Select(goqu.L(fineColumns)).Where(conds...).
		Order(goqu.C("issued_date").Asc(), goqu.L("rowid").Asc())
	if f.Limit > 0 {
		ds = ds.Limit(uint(f.Limit))
	}

	rows, err := r.query(ctx, ds)
	if err != nil {
		return nil, fmt.Errorf("failed to query fines: %w", err)
	}
	defer rows.Close()

	out := []circulation.Fine{}
	for rows.Next() {
		fine, err := scanFine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fine: %w", err)
		}
		out = append(out, fine)
	}
	return out, rows.Err()
}

func (r repo) UpdateFine(ctx context.Context, f circulation.Fine) (circulation.Fine, error) {
	res, err := r.q.ExecContext(ctx, `
		UPDATE fines SET status = ?, description = ?, paid_date = ?,
			version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?`,
		f.Status, f.Description, formatTimePtr(f.PaidDate),
		formatTime(f.UpdatedAt), f.ID, f.Version,
	)
	if err := expectOne(res, err, "update fine"); err != nil {
		return circulation.Fine{}, err
	}
	got, err := r.GetFine(ctx, f.ID)
	if err != nil || got == nil {
		return circulation.Fine{}, errors.Join(circulation.ErrStaleWrite, err)
	}
	return *got, nil
}

// =============================================================================
// SCANNING
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanBook(row scanner) (circulation.Book, error) {
	var (
		b                    circulation.Book
		createdAt, updatedAt string
	)
	err := row.Scan(&b.ID, &b.ISBN, &b.AccessNumber, &b.Title, &b.Author, &b.Publisher,
		&b.Genre, &b.PublicationYear, &b.PageCount, &b.Description, &b.Status, &b.Version,
		&createdAt, &updatedAt)
	if err != nil {
		return b, err
	}
	err = parseTimes(timeField{createdAt, &b.CreatedAt}, timeField{updatedAt, &b.UpdatedAt})
	return b, err
}

func scanMember(row scanner) (circulation.Member, error) {
	var (
		m                   circulation.Member
		birth               sql.NullString
		joinedAt, updatedAt string
	)
	err := row.Scan(&m.ID, &m.DocumentID, &m.MemberNumber, &m.Name, &m.Email, &m.Phone,
		&m.Address, &birth, &m.Active, &m.Version, &joinedAt, &updatedAt)
	if err != nil {
		return m, err
	}
	if m.BirthDate, err = parseTimePtr(birth); err != nil {
		return m, err
	}
	err = parseTimes(timeField{joinedAt, &m.JoinedAt}, timeField{updatedAt, &m.UpdatedAt})
	return m, err
}

func scanLoan(row scanner) (circulation.Loan, error) {
	var (
		l                                       circulation.Loan
		loanDate, dueDate, createdAt, updatedAt string
		returnDate                              sql.NullString
	)
	err := row.Scan(&l.ID, &l.BookID, &l.MemberID, &loanDate, &dueDate, &returnDate,
		&l.Status, &l.Notes, &l.Version, &createdAt, &updatedAt)
	if err != nil {
		return l, err
	}
	if l.ReturnDate, err = parseTimePtr(returnDate); err != nil {
		return l, err
	}
	err = parseTimes(
		timeField{loanDate, &l.LoanDate},
		timeField{dueDate, &l.DueDate},
		timeField{createdAt, &l.CreatedAt},
		timeField{updatedAt, &l.UpdatedAt},
	)
	return l, err
}

func scanFine(row scanner) (circulation.Fine, error) {
	var (
		f                     circulation.Fine
		loanID, paidDate      sql.NullString
		amount                string
		issuedDate, updatedAt string
	)
	err := row.Scan(&f.ID, &loanID, &f.MemberID, &amount, &f.Type, &f.Status,
		&f.Description, &issuedDate, &paidDate, &f.Version, &updatedAt)
	if err != nil {
		return f, err
	}
	f.LoanID = circulation.LoanID(loanID.String)
	f.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return f, fmt.Errorf("bad amount %q: %w", amount, err)
	}
	if f.PaidDate, err = parseTimePtr(paidDate); err != nil {
		return f, err
	}
	err = parseTimes(timeField{issuedDate, &f.IssuedDate}, timeField{updatedAt, &f.UpdatedAt})
	return f, err
}

// =============================================================================
// HELPERS
// =============================================================================

func (r repo) query(ctx context.Context, ds *goqu.SelectDataset) (*sql.Rows, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return r.q.QueryContext(ctx, query, args...)
}

// eq appends col = value unless value is empty.
func eq(conds []exp.Expression, col, value string) []exp.Expression {
	if value == "" {
		return conds
	}
	return append(conds, goqu.C(col).Eq(value))
}

// in appends col IN (values) unless values is empty.
func in(conds []exp.Expression, col string, values []string) []exp.Expression {
	if len(values) == 0 {
		return conds
	}
	return append(conds, goqu.C(col).In(values))
}

// expectOne turns a zero-row conditional write into ErrStaleWrite.
func expectOne(res sql.Result, err error, op string) error {
	if err != nil {
		return mapError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if n == 0 {
		return circulation.ErrStaleWrite
	}
	return nil
}

// uniqueFields maps "table.column" from SQLite's constraint message to the
// field reported in DuplicateKeyError.
var uniqueFields = map[string]string{
	"books.isbn":            circulation.FieldISBN,
	"books.access_number":   circulation.FieldAccessNumber,
	"members.document_id":   circulation.FieldDocumentID,
	"members.member_number": circulation.FieldMemberNumber,
	"loans.book_id":         circulation.FieldOpenLoan,
}

func mapError(op string, err error) error {
	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && sqErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		msg := sqErr.Error()
		for col, field := range uniqueFields {
			if strings.Contains(msg, col) {
				return &circulation.DuplicateKeyError{Field: field}
			}
		}
		return &circulation.DuplicateKeyError{Field: "unknown"}
	}
	if errors.As(err, &sqErr) && sqErr.Code == sqlite3.ErrBusy {
		return fmt.Errorf("failed to %s: %w", op, circulation.ErrConcurrentModification)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		var err2 error
		if t, err2 = time.Parse(time.RFC3339Nano, s); err2 != nil {
			return time.Time{}, fmt.Errorf("bad timestamp %q: %w", s, err)
		}
	}
	return t.UTC(), nil
}

func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// timeField is one stored timestamp column and its destination.
type timeField struct {
	src string
	dst *time.Time
}

func parseTimes(fields ...timeField) error {
	for _, f := range fields {
		t, err := parseTime(f.src)
		if err != nil {
			return err
		}
		*f.dst = t
	}
	return nil
}
