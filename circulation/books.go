package circulation

import (
	"context"
	"errors"
	"strings"
)

// Books is the catalogue registry. Status changes are owned by the loan
// service; nothing here moves a book between Available and Loaned.
type Books struct {
	*core
}

type BookInput struct {
	ISBN            string
	Title           string
	Author          string
	Publisher       string
	Genre           string
	PublicationYear int
	PageCount       int
	Description     string
}

// BookPatch carries the fields to change. Nil fields are left alone.
type BookPatch struct {
	ISBN            *string
	Title           *string
	Author          *string
	Publisher       *string
	Genre           *string
	PublicationYear *int
	PageCount       *int
	Description     *string
}

func (s *Books) validate(b *Book) error {
	var p problems
	b.ISBN = NormalizeISBN(b.ISBN)
	b.Title = strings.TrimSpace(b.Title)
	b.Author = strings.TrimSpace(b.Author)
	switch {
	case b.ISBN == "":
		p.add("isbn", "is required")
	case !ValidISBN(b.ISBN):
		p.add("isbn", "must be a valid ISBN-10 or ISBN-13")
	}
	p.required("title", b.Title)
	p.required("author", b.Author)
	if y := b.PublicationYear; y != 0 && (y < 1000 || y > s.now().Year()+1) {
		p.add("publication_year", "is out of range")
	}
	if b.PageCount < 0 {
		p.add("page_count", "must not be negative")
	}
	return p.err("invalid book")
}

func (s *Books) Register(ctx context.Context, in BookInput) (Book, error) {
	now := s.now().UTC()
	b := Book{
		ISBN:            in.ISBN,
		Title:           in.Title,
		Author:          in.Author,
		Publisher:       strings.TrimSpace(in.Publisher),
		Genre:           strings.TrimSpace(in.Genre),
		PublicationYear: in.PublicationYear,
		PageCount:       in.PageCount,
		Description:     strings.TrimSpace(in.Description),
		Status:          BookAvailable,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := s.validate(&b); err != nil {
		return Book{}, err
	}

	for attempt := 1; ; attempt++ {
		b.AccessNumber = s.codes.AccessNumber()
		created, err := s.store.InsertBook(ctx, b)
		if err == nil {
			s.log.InfoContext(ctx, "book registered",
				"book_id", created.ID, "isbn", created.ISBN, "access_number", created.AccessNumber)
			return created, nil
		}
		var dup *DuplicateKeyError
		if errors.As(err, &dup) && dup.Field == FieldAccessNumber && attempt < maxCodeAttempts {
			s.log.DebugContext(ctx, "access number collision, retrying", "attempt", attempt)
			continue
		}
		return Book{}, translateStoreErr(err)
	}
}

func (s *Books) Get(ctx context.Context, id BookID) (Book, error) {
	b, err := s.store.GetBook(ctx, id)
	if err != nil {
		return Book{}, err
	}
	if b == nil {
		return Book{}, ErrBookNotFound
	}
	return *b, nil
}

func (s *Books) GetByISBN(ctx context.Context, isbn string) (Book, error) {
	found, err := s.store.FindBooks(ctx, BookFilter{ISBN: NormalizeISBN(isbn)})
	if err != nil {
		return Book{}, err
	}
	if len(found) == 0 {
		return Book{}, ErrBookNotFound
	}
	return found[0], nil
}

func (s *Books) List(ctx context.Context, f BookFilter) ([]Book, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, validationError("unknown book status", "status: "+string(f.Status))
	}
	return s.store.FindBooks(ctx, f)
}

func (s *Books) ListAvailable(ctx context.Context) ([]Book, error) {
	return s.store.FindBooks(ctx, BookFilter{Status: BookAvailable})
}

// CheckAvailable reports whether the book can be loaned right now.
func (s *Books) CheckAvailable(ctx context.Context, id BookID) (bool, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return false, err
	}
	return b.Status == BookAvailable, nil
}

// Update edits descriptive fields. A book on loan cannot be edited.
func (s *Books) Update(ctx context.Context, id BookID, patch BookPatch) (Book, error) {
	b, err := s.Get(ctx, id)
	if err != nil {
		return Book{}, err
	}
	if b.Status != BookAvailable {
		return Book{}, ErrBookNotAvailable.with("book is on loan and cannot be edited")
	}
	applyString(&b.ISBN, patch.ISBN)
	applyString(&b.Title, patch.Title)
	applyString(&b.Author, patch.Author)
	applyString(&b.Publisher, patch.Publisher)
	applyString(&b.Genre, patch.Genre)
	applyString(&b.Description, patch.Description)
	if patch.PublicationYear != nil {
		b.PublicationYear = *patch.PublicationYear
	}
	if patch.PageCount != nil {
		b.PageCount = *patch.PageCount
	}
	if err := s.validate(&b); err != nil {
		return Book{}, err
	}
	b.UpdatedAt = s.now().UTC()

	updated, err := s.store.UpdateBook(ctx, b)
	if errors.Is(err, ErrStaleWrite) {
		return Book{}, ErrConcurrentUpdate.wrap(err)
	}
	if err != nil {
		return Book{}, translateStoreErr(err)
	}
	return updated, nil
}

// Delete removes a book that is not on loan. Loan history keeps its
// book_id; the store does not cascade.
func (s *Books) Delete(ctx context.Context, id BookID) error {
	b, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if b.Status != BookAvailable {
		return ErrBookNotAvailable.with("book is on loan and cannot be deleted")
	}
	err = s.store.DeleteBook(ctx, id, b.Version)
	if errors.Is(err, ErrStaleWrite) {
		return ErrConcurrentUpdate.wrap(err)
	}
	if err != nil {
		return err
	}
	s.log.InfoContext(ctx, "book deleted", "book_id", id, "isbn", b.ISBN)
	return nil
}

func applyString(dst *string, src *string) {
	if src != nil {
		*dst = strings.TrimSpace(*src)
	}
}
