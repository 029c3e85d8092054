// Package store provides the in-memory circulation.TxStore.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps every record in maps guarded by one lock. Transactions work
// on a private copy that replaces the live data on commit.
type Memory struct {
	mu sync.RWMutex
	d  *data
}

var _ circulation.TxStore = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{d: newData()}
}

// WithTx runs fn against a copy of the data. The copy becomes the live
// state only if fn returns nil.
func (m *Memory) WithTx(ctx context.Context, fn func(circulation.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	working := m.d.clone()
	if err := fn(working); err != nil {
		return err
	}
	m.d = working
	return nil
}

// =============================================================================
// LOCKED DELEGATES
// =============================================================================

func (m *Memory) InsertBook(ctx context.Context, b circulation.Book) (circulation.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.InsertBook(ctx, b)
}

func (m *Memory) GetBook(ctx context.Context, id circulation.BookID) (*circulation.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetBook(ctx, id)
}

func (m *Memory) FindBooks(ctx context.Context, f circulation.BookFilter) ([]circulation.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.FindBooks(ctx, f)
}

func (m *Memory) UpdateBook(ctx context.Context, b circulation.Book) (circulation.Book, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.UpdateBook(ctx, b)
}

func (m *Memory) SetBookStatus(ctx context.Context, id circulation.BookID, from, to circulation.BookStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.SetBookStatus(ctx, id, from, to, at)
}

func (m *Memory) DeleteBook(ctx context.Context, id circulation.BookID, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.DeleteBook(ctx, id, version)
}

func (m *Memory) InsertMember(ctx context.Context, mem circulation.Member) (circulation.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.InsertMember(ctx, mem)
}

func (m *Memory) GetMember(ctx context.Context, id circulation.MemberID) (*circulation.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetMember(ctx, id)
}

func (m *Memory) FindMembers(ctx context.Context, f circulation.MemberFilter) ([]circulation.Member, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.FindMembers(ctx, f)
}

func (m *Memory) UpdateMember(ctx context.Context, mem circulation.Member) (circulation.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.UpdateMember(ctx, mem)
}

func (m *Memory) DeleteMember(ctx context.Context, id circulation.MemberID, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.DeleteMember(ctx, id, version)
}

func (m *Memory) InsertLoan(ctx context.Context, l circulation.Loan) (circulation.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.InsertLoan(ctx, l)
}

func (m *Memory) GetLoan(ctx context.Context, id circulation.LoanID) (*circulation.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetLoan(ctx, id)
}

func (m *Memory) FindLoans(ctx context.Context, f circulation.LoanFilter) ([]circulation.Loan, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.FindLoans(ctx, f)
}

func (m *Memory) UpdateLoan(ctx context.Context, l circulation.Loan) (circulation.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.UpdateLoan(ctx, l)
}

func (m *Memory) InsertFine(ctx context.Context, f circulation.Fine) (circulation.Fine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.InsertFine(ctx, f)
}

func (m *Memory) GetFine(ctx context.Context, id circulation.FineID) (*circulation.Fine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.GetFine(ctx, id)
}

func (m *Memory) FindFines(ctx context.Context, f circulation.FineFilter) ([]circulation.Fine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.d.FindFines(ctx, f)
}

func (m *Memory) UpdateFine(ctx context.Context, f circulation.Fine) (circulation.Fine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.d.UpdateFine(ctx, f)
}

// =============================================================================
// DATA - Unlocked record set; also serves as the transactional view
// =============================================================================

type data struct {
	books   map[circulation.BookID]circulation.Book
	members map[circulation.MemberID]circulation.Member
	loans   map[circulation.LoanID]circulation.Loan
	fines   map[circulation.FineID]circulation.Fine

	// Insertion order, used as the tie-breaker in listings.
	bookOrder   []circulation.BookID
	memberOrder []circulation.MemberID
	loanOrder   []circulation.LoanID
	fineOrder   []circulation.FineID
}

func newData() *data {
	return &data{
		books:   make(map[circulation.BookID]circulation.Book),
		members: make(map[circulation.MemberID]circulation.Member),
		loans:   make(map[circulation.LoanID]circulation.Loan),
		fines:   make(map[circulation.FineID]circulation.Fine),
	}
}

// clone copies every record. Pointer fields are never mutated in place, so
// sharing them between copies is safe.
func (d *data) clone() *data {
	c := &data{
		books:       make(map[circulation.BookID]circulation.Book, len(d.books)),
		members:     make(map[circulation.MemberID]circulation.Member, len(d.members)),
		loans:       make(map[circulation.LoanID]circulation.Loan, len(d.loans)),
		fines:       make(map[circulation.FineID]circulation.Fine, len(d.fines)),
		bookOrder:   slices.Clone(d.bookOrder),
		memberOrder: slices.Clone(d.memberOrder),
		loanOrder:   slices.Clone(d.loanOrder),
		fineOrder:   slices.Clone(d.fineOrder),
	}
	for k, v := range d.books {
		c.books[k] = v
	}
	for k, v := range d.members {
		c.members[k] = v
	}
	for k, v := range d.loans {
		c.loans[k] = v
	}
	for k, v := range d.fines {
		c.fines[k] = v
	}
	return c
}

// --- books ---

func (d *data) InsertBook(_ context.Context, b circulation.Book) (circulation.Book, error) {
	for _, other := range d.books {
		if other.ISBN == b.ISBN {
			return circulation.Book{}, &circulation.DuplicateKeyError{Field: circulation.FieldISBN}
		}
		if other.AccessNumber == b.AccessNumber {
			return circulation.Book{}, &circulation.DuplicateKeyError{Field: circulation.FieldAccessNumber}
		}
	}
	b.ID = circulation.BookID(uuid.NewString())
	b.Version = 1
	d.books[b.ID] = b
	d.bookOrder = append(d.bookOrder, b.ID)
	return b, nil
}

func (d *data) GetBook(_ context.Context, id circulation.BookID) (*circulation.Book, error) {
	b, ok := d.books[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (d *data) FindBooks(_ context.Context, f circulation.BookFilter) ([]circulation.Book, error) {
	out := []circulation.Book{}
	for _, id := range d.bookOrder {
		b := d.books[id]
		if f.Status != "" && b.Status != f.Status {
			continue
		}
		if f.Author != "" && b.Author != f.Author {
			continue
		}
		if f.ISBN != "" && b.ISBN != f.ISBN {
			continue
		}
		if f.AccessNumber != "" && b.AccessNumber != f.AccessNumber {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

func (d *data) UpdateBook(_ context.Context, b circulation.Book) (circulation.Book, error) {
	cur, ok := d.books[b.ID]
	if !ok || cur.Version != b.Version {
		return circulation.Book{}, circulation.ErrStaleWrite
	}
	for id, other := range d.books {
		if id != b.ID && other.ISBN == b.ISBN {
			return circulation.Book{}, &circulation.DuplicateKeyError{Field: circulation.FieldISBN}
		}
	}
	b.Status = cur.Status
	b.AccessNumber = cur.AccessNumber
	b.CreatedAt = cur.CreatedAt
	b.Version = cur.Version + 1
	d.books[b.ID] = b
	return b, nil
}

func (d *data) SetBookStatus(_ context.Context, id circulation.BookID, from, to circulation.BookStatus, at time.Time) error {
	cur, ok := d.books[id]
	if !ok || cur.Status != from {
		return circulation.ErrStaleWrite
	}
	cur.Status = to
	cur.UpdatedAt = at.UTC()
	cur.Version++
	d.books[id] = cur
	return nil
}

func (d *data) DeleteBook(_ context.Context, id circulation.BookID, version int) error {
	cur, ok := d.books[id]
	if !ok || cur.Version != version {
		return circulation.ErrStaleWrite
	}
	delete(d.books, id)
	d.bookOrder = slices.DeleteFunc(d.bookOrder, func(x circulation.BookID) bool { return x == id })
	return nil
}

// --- members ---

func (d *data) InsertMember(_ context.Context, m circulation.Member) (circulation.Member, error) {
	for _, other := range d.members {
		if other.DocumentID == m.DocumentID {
			return circulation.Member{}, &circulation.DuplicateKeyError{Field: circulation.FieldDocumentID}
		}
		if other.MemberNumber == m.MemberNumber {
			return circulation.Member{}, &circulation.DuplicateKeyError{Field: circulation.FieldMemberNumber}
		}
	}
	m.ID = circulation.MemberID(uuid.NewString())
	m.Version = 1
	d.members[m.ID] = m
	d.memberOrder = append(d.memberOrder, m.ID)
	return m, nil
}

func (d *data) GetMember(_ context.Context, id circulation.MemberID) (*circulation.Member, error) {
	m, ok := d.members[id]
	if !ok {
		return nil, nil
	}
	return &m, nil
}

func (d *data) FindMembers(_ context.Context, f circulation.MemberFilter) ([]circulation.Member, error) {
	out := []circulation.Member{}
	for _, id := range d.memberOrder {
		m := d.members[id]
		if f.Active != nil && m.Active != *f.Active {
			continue
		}
		if f.DocumentID != "" && m.DocumentID != f.DocumentID {
			continue
		}
		if f.MemberNumber != "" && m.MemberNumber != f.MemberNumber {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

func (d *data) UpdateMember(_ context.Context, m circulation.Member) (circulation.Member, error) {
	cur, ok := d.members[m.ID]
	if !ok || cur.Version != m.Version {
		return circulation.Member{}, circulation.ErrStaleWrite
	}
	for id, other := range d.members {
		if id != m.ID && other.DocumentID == m.DocumentID {
			return circulation.Member{}, &circulation.DuplicateKeyError{Field: circulation.FieldDocumentID}
		}
	}
	m.MemberNumber = cur.MemberNumber
	m.JoinedAt = cur.JoinedAt
	m.Version = cur.Version + 1
	d.members[m.ID] = m
	return m, nil
}

func (d *data) DeleteMember(_ context.Context, id circulation.MemberID, version int) error {
	cur, ok := d.members[id]
	if !ok || cur.Version != version {
		return circulation.ErrStaleWrite
	}
	delete(d.members, id)
	d.memberOrder = slices.DeleteFunc(d.memberOrder, func(x circulation.MemberID) bool { return x == id })
	return nil
}

// --- loans ---

func (d *data) openLoanFor(book circulation.BookID, except circulation.LoanID) bool {
	for id, l := range d.loans {
		if id != except && l.BookID == book && l.Status.IsOpen() {
			return true
		}
	}
	return false
}

func (d *data) InsertLoan(_ context.Context, l circulation.Loan) (circulation.Loan, error) {
	if l.Status.IsOpen() && d.openLoanFor(l.BookID, "") {
		return circulation.Loan{}, &circulation.DuplicateKeyError{Field: circulation.FieldOpenLoan}
	}
	l.ID = circulation.LoanID(uuid.NewString())
	l.Version = 1
	d.loans[l.ID] = l
	d.loanOrder = append(d.loanOrder, l.ID)
	return l, nil
}

func (d *data) GetLoan(_ context.Context, id circulation.LoanID) (*circulation.Loan, error) {
	l, ok := d.loans[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (d *data) FindLoans(_ context.Context, f circulation.LoanFilter) ([]circulation.Loan, error) {
	out := []circulation.Loan{}
	for _, id := range d.loanOrder {
		l := d.loans[id]
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, l.Status) {
			continue
		}
		if f.MemberID != "" && l.MemberID != f.MemberID {
			continue
		}
		if f.BookID != "" && l.BookID != f.BookID {
			continue
		}
		out = append(out, l)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].LoanDate.Before(out[j].LoanDate) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (d *data) UpdateLoan(_ context.Context, l circulation.Loan) (circulation.Loan, error) {
	cur, ok := d.loans[l.ID]
	if !ok || cur.Version != l.Version {
		return circulation.Loan{}, circulation.ErrStaleWrite
	}
	if l.Status.IsOpen() && d.openLoanFor(l.BookID, l.ID) {
		return circulation.Loan{}, &circulation.DuplicateKeyError{Field: circulation.FieldOpenLoan}
	}
	l.CreatedAt = cur.CreatedAt
	l.Version = cur.Version + 1
	d.loans[l.ID] = l
	return l, nil
}

// --- fines ---

func (d *data) InsertFine(_ context.Context, f circulation.Fine) (circulation.Fine, error) {
	f.ID = circulation.FineID(uuid.NewString())
	f.Version = 1
	d.fines[f.ID] = f
	d.fineOrder = append(d.fineOrder, f.ID)
	return f, nil
}

func (d *data) GetFine(_ context.Context, id circulation.FineID) (*circulation.Fine, error) {
	f, ok := d.fines[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (d *data) FindFines(_ context.Context, f circulation.FineFilter) ([]circulation.Fine, error) {
	out := []circulation.Fine{}
	for _, id := range d.fineOrder {
		fine := d.fines[id]
		if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, fine.Status) {
			continue
		}
		if f.MemberID != "" && fine.MemberID != f.MemberID {
			continue
		}
		if f.LoanID != "" && fine.LoanID != f.LoanID {
			continue
		}
		out = append(out, fine)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].IssuedDate.Before(out[j].IssuedDate) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (d *data) UpdateFine(_ context.Context, f circulation.Fine) (circulation.Fine, error) {
	cur, ok := d.fines[f.ID]
	if !ok || cur.Version != f.Version {
		return circulation.Fine{}, circulation.ErrStaleWrite
	}
	f.IssuedDate = cur.IssuedDate
	f.Version = cur.Version + 1
	d.fines[f.ID] = f
	return f, nil
}
