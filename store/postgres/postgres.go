/*
Package postgres provides a PostgreSQL-backed circulation.TxStore.

Queries are built with goqu (postgres dialect, prepared placeholders) and
run over a pgx pool. WithTx opens a SERIALIZABLE transaction; when the
server aborts it because of a concurrent writer the error carries
circulation.ErrConcurrentModification and the call is safe to repeat.

Conditional writes use UPDATE ... WHERE version = $n RETURNING, so a lost
race shows up as no row and is reported as circulation.ErrStaleWrite.

USAGE:
  pool, _ := pgxpool.New(ctx, "postgres://...")
  store, err := postgres.New(ctx, pool)
  lib := circulation.New(store)
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/warp/circulation-engine/circulation"
)

const (
	dialectPostgres = "postgres"

	tableBooks   = "books"
	tableMembers = "members"
	tableLoans   = "loans"
	tableFines   = "fines"

	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

var dialect = goqu.Dialect(dialectPostgres)

const schema = `
CREATE TABLE IF NOT EXISTS books (
	seq BIGINT GENERATED ALWAYS AS IDENTITY,
	id TEXT PRIMARY KEY,
	isbn TEXT NOT NULL CONSTRAINT books_isbn_key UNIQUE,
	access_number TEXT NOT NULL CONSTRAINT books_access_number_key UNIQUE,
	title TEXT NOT NULL,
	author TEXT NOT NULL,
	publisher TEXT NOT NULL DEFAULT '',
	genre TEXT NOT NULL DEFAULT '',
	publication_year INTEGER NOT NULL DEFAULT 0,
	page_count INTEGER NOT NULL DEFAULT 0,
	description TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL CHECK (status IN ('available', 'loaned')),
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_books_status ON books(status);
CREATE INDEX IF NOT EXISTS idx_books_author ON books(author);

CREATE TABLE IF NOT EXISTS members (
	seq BIGINT GENERATED ALWAYS AS IDENTITY,
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL CONSTRAINT members_document_id_key UNIQUE,
	member_number TEXT NOT NULL CONSTRAINT members_member_number_key UNIQUE,
	name TEXT NOT NULL,
	email TEXT NOT NULL DEFAULT '',
	phone TEXT NOT NULL DEFAULT '',
	address TEXT NOT NULL DEFAULT '',
	birth_date TIMESTAMPTZ,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	version INTEGER NOT NULL DEFAULT 1,
	joined_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS loans (
	seq BIGINT GENERATED ALWAYS AS IDENTITY,
	id TEXT PRIMARY KEY,
	book_id TEXT NOT NULL,
	member_id TEXT NOT NULL REFERENCES members(id),
	loan_date TIMESTAMPTZ NOT NULL,
	due_date TIMESTAMPTZ NOT NULL,
	return_date TIMESTAMPTZ,
	status TEXT NOT NULL CHECK (status IN ('active', 'overdue', 'returned')),
	notes TEXT NOT NULL DEFAULT '',
	version INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CHECK ((status = 'returned') = (return_date IS NOT NULL))
);
CREATE UNIQUE INDEX IF NOT EXISTS loans_one_open_per_book
	ON loans(book_id) WHERE status IN ('active', 'overdue');
CREATE INDEX IF NOT EXISTS idx_loans_member ON loans(member_id);
CREATE INDEX IF NOT EXISTS idx_loans_status_due ON loans(status, due_date);

CREATE TABLE IF NOT EXISTS fines (
	seq BIGINT GENERATED ALWAYS AS IDENTITY,
	id TEXT PRIMARY KEY,
	loan_id TEXT REFERENCES loans(id),
	member_id TEXT NOT NULL REFERENCES members(id),
	amount NUMERIC(12, 2) NOT NULL CHECK (amount > 0),
	fine_type TEXT NOT NULL CHECK (fine_type IN ('late', 'damage', 'other')),
	status TEXT NOT NULL CHECK (status IN ('pending', 'paid', 'cancelled')),
	description TEXT NOT NULL,
	issued_date TIMESTAMPTZ NOT NULL,
	paid_date TIMESTAMPTZ,
	version INTEGER NOT NULL DEFAULT 1,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fines_member_status ON fines(member_id, status);
`

// uniqueFields maps constraint names to DuplicateKeyError fields.
var uniqueFields = map[string]string{
	"books_isbn_key":            circulation.FieldISBN,
	"books_access_number_key":   circulation.FieldAccessNumber,
	"members_document_id_key":   circulation.FieldDocumentID,
	"members_member_number_key": circulation.FieldMemberNumber,
	"loans_one_open_per_book":   circulation.FieldOpenLoan,
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements circulation.TxStore on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	repo
}

var _ circulation.TxStore = (*Store)(nil)

// New migrates the schema and returns a store over pool. The caller owns
// the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Store{pool: pool, repo: repo{q: pool}}, nil
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx executes fn within a serializable transaction.
func (s *Store) WithTx(ctx context.Context, fn func(circulation.Store) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(repo{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError("commit", err)
	}
	return nil
}

// =============================================================================
// REPO
// =============================================================================

type repo struct {
	q querier
}

// --- books ---

var bookCols = []any{"id", "isbn", "access_number", "title", "author", "publisher", "genre",
	"publication_year", "page_count", "description", "status", "version", "created_at", "updated_at"}

func (r repo) InsertBook(ctx context.Context, b circulation.Book) (circulation.Book, error) {
	b.ID = circulation.BookID(uuid.NewString())
	b.Version = 1
	query, args, err := dialect.Insert(tableBooks).Prepared(true).Rows(goqu.Record{
		"id":               string(b.ID),
		"isbn":             b.ISBN,
		"access_number":    b.AccessNumber,
		"title":            b.Title,
		"author":           b.Author,
		"publisher":        b.Publisher,
		"genre":            b.Genre,
		"publication_year": b.PublicationYear,
		"page_count":       b.PageCount,
		"description":      b.Description,
		"status":           string(b.Status),
		"version":          b.Version,
		"created_at":       b.CreatedAt.UTC(),
		"updated_at":       b.UpdatedAt.UTC(),
	}).ToSQL()
	if err != nil {
		return circulation.Book{}, fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := r.q.Exec(ctx, query, args...); err != nil {
		return circulation.Book{}, mapError("insert book", err)
	}
	return b, nil
}

func (r repo) GetBook(ctx context.Context, id circulation.BookID) (*circulation.Book, error) {
	ds := dialect.From(tableBooks).Prepared(true).Select(bookCols...).Where(goqu.C("id").Eq(string(id)))
	books, err := r.queryBooks(ctx, ds)
	if err != nil || len(books) == 0 {
		return nil, err
	}
	return &books[0], nil
}

func (r repo) FindBooks(ctx context.Context, f circulation.BookFilter) ([]circulation.Book, error) {
	var conds []exp.Expression
	conds = eq(conds, "status", string(f.Status))
	conds = eq(conds, "author", f.Author)
	conds = eq(conds, "isbn", f.ISBN)
	conds = eq(conds, "access_number", f.AccessNumber)
	ds := dialect.From(tableBooks).Prepared(true).Select(bookCols...).Where(conds...).
		Order(goqu.C("created_at").Asc(), goqu.C("seq").Asc())
	return r.queryBooks(ctx, ds)
}

func (r repo) UpdateBook(ctx context.Context, b circulation.Book) (circulation.Book, error) {
	ds := dialect.Update(tableBooks).Prepared(true).Set(goqu.Record{
		"isbn":             b.ISBN,
		"title":            b.Title,
		"author":           b.Author,
		"publisher":        b.Publisher,
		"genre":            b.Genre,
		"publication_year": b.PublicationYear,
		"page_count":       b.PageCount,
		"description":      b.Description,
		"version":          goqu.L("version + 1"),
		"updated_at":       b.UpdatedAt.UTC(),
	}).Where(goqu.C("id").Eq(string(b.ID)), goqu.C("version").Eq(b.Version)).Returning(bookCols...)
	query, args, err := ds.ToSQL()
	if err != nil {
		return circulation.Book{}, fmt.Errorf("failed to build update: %w", err)
	}
	out, err := scanBook(r.q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return circulation.Book{}, circulation.ErrStaleWrite
	}
	if err != nil {
		return circulation.Book{}, mapError("update book", err)
	}
	return out, nil
}

func (r repo) SetBookStatus(ctx context.Context, id circulation.BookID, from, to circulation.BookStatus, at time.Time) error {
	query, args, err := dialect.Update(tableBooks).Prepared(true).Set(goqu.Record{
		"status":     string(to),
		"version":    goqu.L("version + 1"),
		"updated_at": at.UTC(),
	}).Where(goqu.C("id").Eq(string(id)), goqu.C("status").Eq(string(from))).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	return r.execOne(ctx, "set book status", query, args)
}

func (r repo) DeleteBook(ctx context.Context, id circulation.BookID, version int) error {
	query, args, err := dialect.Delete(tableBooks).Prepared(true).
		Where(goqu.C("id").Eq(string(id)), goqu.C("version").Eq(version)).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	return r.execOne(ctx, "delete book", query, args)
}

func (r repo) queryBooks(ctx context.Context, ds *goqu.SelectDataset) ([]circulation.Book, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("query books", err)
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

func scanBook(row pgx.Row) (circulation.Book, error) {
	var (
		b                    circulation.Book
		id, status           string
		createdAt, updatedAt time.Time
	)
	err := row.Scan(&id, &b.ISBN, &b.AccessNumber, &b.Title, &b.Author, &b.Publisher, &b.Genre,
		&b.PublicationYear, &b.PageCount, &b.Description, &status, &b.Version, &createdAt, &updatedAt)
	b.ID = circulation.BookID(id)
	b.Status = circulation.BookStatus(status)
	b.CreatedAt = createdAt.UTC()
	b.UpdatedAt = updatedAt.UTC()
	return b, err
}

// --- members ---

var memberCols = []any{"id", "document_id", "member_number", "name", "email", "phone", "address",
	"birth_date", "active", "version", "joined_at", "updated_at"}

func (r repo) InsertMember(ctx context.Context, m circulation.Member) (circulation.Member, error) {
	m.ID = circulation.MemberID(uuid.NewString())
	m.Version = 1
	query, args, err := dialect.Insert(tableMembers).Prepared(true).Rows(goqu.Record{
		"id":            string(m.ID),
		"document_id":   m.DocumentID,
		"member_number": m.MemberNumber,
		"name":          m.Name,
		"email":         m.Email,
		"phone":         m.Phone,
		"address":       m.Address,
		"birth_date":    utcPtr(m.BirthDate),
		"active":        m.Active,
		"version":       m.Version,
		"joined_at":     m.JoinedAt.UTC(),
		"updated_at":    m.UpdatedAt.UTC(),
	}).ToSQL()
	if err != nil {
		return circulation.Member{}, fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := r.q.Exec(ctx, query, args...); err != nil {
		return circulation.Member{}, mapError("insert member", err)
	}
	return m, nil
}

func (r repo) GetMember(ctx context.Context, id circulation.MemberID) (*circulation.Member, error) {
	ds := dialect.From(tableMembers).Prepared(true).Select(memberCols...).Where(goqu.C("id").Eq(string(id)))
	members, err := r.queryMembers(ctx, ds)
	if err != nil || len(members) == 0 {
		return nil, err
	}
	return &members[0], nil
}

func (r repo) FindMembers(ctx context.Context, f circulation.MemberFilter) ([]circulation.Member, error) {
	var conds []exp.Expression
	if f.Active != nil {
		conds = append(conds, goqu.C("active").Eq(*f.Active))
	}
	conds = eq(conds, "document_id", f.DocumentID)
	conds = eq(conds, "member_number", f.MemberNumber)
	ds := dialect.From(tableMembers).Prepared(true).Select(memberCols...).Where(conds...).
		Order(goqu.C("joined_at").Asc(), goqu.C("seq").Asc())
	return r.queryMembers(ctx, ds)
}

func (r repo) UpdateMember(ctx context.Context, m circulation.Member) (circulation.Member, error) {
	query, args, err := dialect.Update(tableMembers).Prepared(true).Set(goqu.Record{
		"document_id": m.DocumentID,
		"name":        m.Name,
		"email":       m.Email,
		"phone":       m.Phone,
		"address":     m.Address,
		"birth_date":  utcPtr(m.BirthDate),
		"active":      m.Active,
		"version":     goqu.L("version + 1"),
		"updated_at":  m.UpdatedAt.UTC(),
	}).Where(goqu.C("id").Eq(string(m.ID)), goqu.C("version").Eq(m.Version)).
		Returning(memberCols...).ToSQL()
	if err != nil {
		return circulation.Member{}, fmt.Errorf("failed to build update: %w", err)
	}
	out, err := scanMember(r.q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return circulation.Member{}, circulation.ErrStaleWrite
	}
	if err != nil {
		return circulation.Member{}, mapError("update member", err)
	}
	return out, nil
}

func (r repo) DeleteMember(ctx context.Context, id circulation.MemberID, version int) error {
	query, args, err := dialect.Delete(tableMembers).Prepared(true).
		Where(goqu.C("id").Eq(string(id)), goqu.C("version").Eq(version)).ToSQL()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	return r.execOne(ctx, "delete member", query, args)
}

func (r repo) queryMembers(ctx context.Context, ds *goqu.SelectDataset) ([]circulation.Member, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("query members", err)
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

func scanMember(row pgx.Row) (circulation.Member, error) {
	var (
		m                   circulation.Member
		id                  string
		birth               *time.Time
		joinedAt, updatedAt time.Time
	)
	err := row.Scan(&id, &m.DocumentID, &m.MemberNumber, &m.Name, &m.Email, &m.Phone, &m.Address,
		&birth, &m.Active, &m.Version, &joinedAt, &updatedAt)
	m.ID = circulation.MemberID(id)
	m.BirthDate = utcPtr(birth)
	m.JoinedAt = joinedAt.UTC()
	m.UpdatedAt = updatedAt.UTC()
	return m, err
}

// --- loans ---

var loanCols = []any{"id", "book_id", "member_id", "loan_date", "due_date", "return_date",
	"status", "notes", "version", "created_at", "updated_at"}

func (r repo) InsertLoan(ctx context.Context, l circulation.Loan) (circulation.Loan, error) {
	l.ID = circulation.LoanID(uuid.NewString())
	l.Version = 1
	query, args, err := dialect.Insert(tableLoans).Prepared(true).Rows(goqu.Record{
		"id":          string(l.ID),
		"book_id":     string(l.BookID),
		"member_id":   string(l.MemberID),
		"loan_date":   l.LoanDate.UTC(),
		"due_date":    l.DueDate.UTC(),
		"return_date": utcPtr(l.ReturnDate),
		"status":      string(l.Status),
		"notes":       l.Notes,
		"version":     l.Version,
		"created_at":  l.CreatedAt.UTC(),
		"updated_at":  l.UpdatedAt.UTC(),
	}).ToSQL()
	if err != nil {
		return circulation.Loan{}, fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := r.q.Exec(ctx, query, args...); err != nil {
		return circulation.Loan{}, mapError("insert loan", err)
	}
	return l, nil
}

func (r repo) GetLoan(ctx context.Context, id circulation.LoanID) (*circulation.Loan, error) {
	ds := dialect.From(tableLoans).Prepared(true).Select(loanCols...).Where(goqu.C("id").Eq(string(id)))
	loans, err := r.queryLoans(ctx, ds)
	if err != nil || len(loans) == 0 {
		return nil, err
	}
	return &loans[0], nil
}

func (r repo) FindLoans(ctx context.Context, f circulation.LoanFilter) ([]circulation.Loan, error) {
	var conds []exp.Expression
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		conds = append(conds, goqu.C("status").In(statuses))
	}
	conds = eq(conds, "member_id", string(f.MemberID))
	conds = eq(conds, "book_id", string(f.BookID))
	ds := dialect.From(tableLoans).Prepared(true).Select(loanCols...).Where(conds...).
		Order(goqu.C("loan_date").Asc(), goqu.C("seq").Asc())
	if f.Limit > 0 {
		ds = ds.Limit(uint(f.Limit))
	}
	return r.queryLoans(ctx, ds)
}

func (r repo) UpdateLoan(ctx context.Context, l circulation.Loan) (circulation.Loan, error) {
	query, args, err := dialect.Update(tableLoans).Prepared(true).Set(goqu.Record{
		"due_date":    l.DueDate.UTC(),
		"return_date": utcPtr(l.ReturnDate),
		"status":      string(l.Status),
		"notes":       l.Notes,
		"version":     goqu.L("version + 1"),
		"updated_at":  l.UpdatedAt.UTC(),
	}).Where(goqu.C("id").Eq(string(l.ID)), goqu.C("version").Eq(l.Version)).
		Returning(loanCols...).ToSQL()
	if err != nil {
		return circulation.Loan{}, fmt.Errorf("failed to build update: %w", err)
	}
	out, err := scanLoan(r.q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return circulation.Loan{}, circulation.ErrStaleWrite
	}
	if err != nil {
		return circulation.Loan{}, mapError("update loan", err)
	}
	return out, nil
}

func (r repo) queryLoans(ctx context.Context, ds *goqu.SelectDataset) ([]circulation.Loan, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("query loans", err)
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

func scanLoan(row pgx.Row) (circulation.Loan, error) {
	var (
		l                                       circulation.Loan
		id, bookID, memberID, status            string
		loanDate, dueDate, createdAt, updatedAt time.Time
		returnDate                              *time.Time
	)
	err := row.Scan(&id, &bookID, &memberID, &loanDate, &dueDate, &returnDate,
		&status, &l.Notes, &l.Version, &createdAt, &updatedAt)
	l.ID = circulation.LoanID(id)
	l.BookID = circulation.BookID(bookID)
	l.MemberID = circulation.MemberID(memberID)
	l.Status = circulation.LoanStatus(status)
	l.LoanDate = loanDate.UTC()
	l.DueDate = dueDate.UTC()
	l.ReturnDate = utcPtr(returnDate)
	l.CreatedAt = createdAt.UTC()
	l.UpdatedAt = updatedAt.UTC()
	return l, err
}

// --- fines ---

// amount is read back as text so it lands in decimal.Decimal untouched.
var fineCols = []any{"id", "loan_id", "member_id", goqu.L("amount::text"), "fine_type", "status",
	"description", "issued_date", "paid_date", "version", "updated_at"}

func (r repo) InsertFine(ctx context.Context, f circulation.Fine) (circulation.Fine, error) {
	f.ID = circulation.FineID(uuid.NewString())
	f.Version = 1
	var loanID *string
	if f.LoanID != "" {
		s := string(f.LoanID)
		loanID = &s
	}
	query, args, err := dialect.Insert(tableFines).Prepared(true).Rows(goqu.Record{
		"id":          string(f.ID),
		"loan_id":     loanID,
		"member_id":   string(f.MemberID),
		"amount":      f.Amount.StringFixed(2),
		"fine_type":   string(f.Type),
		"status":      string(f.Status),
		"description": f.Description,
		"issued_date": f.IssuedDate.UTC(),
		"paid_date":   utcPtr(f.PaidDate),
		"version":     f.Version,
		"updated_at":  f.UpdatedAt.UTC(),
	}).ToSQL()
	if err != nil {
		return circulation.Fine{}, fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := r.q.Exec(ctx, query, args...); err != nil {
		return circulation.Fine{}, mapError("insert fine", err)
	}
	return f, nil
}

func (r repo) GetFine(ctx context.Context, id circulation.FineID) (*circulation.Fine, error) {
	ds := dialect.From(tableFines).Prepared(true).Select(fineCols...).Where(goqu.C("id").Eq(string(id)))
	fines, err := r.queryFines(ctx, ds)
	if err != nil || len(fines) == 0 {
		return nil, err
	}
	return &fines[0], nil
}

func (r repo) FindFines(ctx context.Context, f circulation.FineFilter) ([]circulation.Fine, error) {
	var conds []exp.Expression
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		conds = append(conds, goqu.C("status").In(statuses))
	}
	conds = eq(conds, "member_id", string(f.MemberID))
	conds = eq(conds, "loan_id", string(f.LoanID))
	ds := dialect.From(tableFines).Prepared(true).Select(fineCols...).Where(conds...).
		Order(goqu.C("issued_date").Asc(), goqu.C("seq").Asc())
	if f.Limit > 0 {
		ds = ds.Limit(uint(f.Limit))
	}
	return r.queryFines(ctx, ds)
}

func (r repo) UpdateFine(ctx context.Context, f circulation.Fine) (circulation.Fine, error) {
	query, args, err := dialect.Update(tableFines).Prepared(true).Set(goqu.Record{
		"status":      string(f.Status),
		"description": f.Description,
		"paid_date":   utcPtr(f.PaidDate),
		"version":     goqu.L("version + 1"),
		"updated_at":  f.UpdatedAt.UTC(),
	}).Where(goqu.C("id").Eq(string(f.ID)), goqu.C("version").Eq(f.Version)).
		Returning(fineCols...).ToSQL()
	if err != nil {
		return circulation.Fine{}, fmt.Errorf("failed to build update: %w", err)
	}
	out, err := scanFine(r.q.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return circulation.Fine{}, circulation.ErrStaleWrite
	}
	if err != nil {
		return circulation.Fine{}, mapError("update fine", err)
	}
	return out, nil
}

func (r repo) queryFines(ctx context.Context, ds *goqu.SelectDataset) ([]circulation.Fine, error) {
	query, args, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapError("query fines", err)
	}
	defer rows.Close()
	out := []circulation.Fine{}
	for rows.Next() {
		f, err := scanFine(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan fine: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func scanFine(row pgx.Row) (circulation.Fine, error) {
	var (
		f                     circulation.Fine
		id, memberID, amount  string
		fineType, status      string
		loanID                *string
		issuedDate, updatedAt time.Time
		paidDate              *time.Time
	)
	err := row.Scan(&id, &loanID, &memberID, &amount, &fineType, &status,
		&f.Description, &issuedDate, &paidDate, &f.Version, &updatedAt)
	if err != nil {
		return f, err
	}
	f.ID = circulation.FineID(id)
	if loanID != nil {
		f.LoanID = circulation.LoanID(*loanID)
	}
	f.MemberID = circulation.MemberID(memberID)
	f.Type = circulation.FineType(fineType)
	f.Status = circulation.FineStatus(status)
	f.IssuedDate = issuedDate.UTC()
	f.PaidDate = utcPtr(paidDate)
	f.UpdatedAt = updatedAt.UTC()
	f.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return f, fmt.Errorf("bad amount %q: %w", amount, err)
	}
	return f, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func eq(conds []exp.Expression, col, value string) []exp.Expression {
	if value == "" {
		return conds
	}
	return append(conds, goqu.C(col).Eq(value))
}

func (r repo) execOne(ctx context.Context, op, query string, args []any) error {
	tag, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return mapError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return circulation.ErrStaleWrite
	}
	return nil
}

func mapError(op string, err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		if field, ok := uniqueFields[pgErr.ConstraintName]; ok {
			return &circulation.DuplicateKeyError{Field: field}
		}
		return &circulation.DuplicateKeyError{Field: pgErr.ConstraintName}
	case pgSerializationFailure, pgDeadlockDetected:
		return fmt.Errorf("failed to %s: %w", op, errors.Join(circulation.ErrConcurrentModification, err))
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
