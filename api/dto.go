/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the circulation model from the wire contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

WIRE FORMAT:
  - Instants are RFC 3339 in UTC; birth dates are YYYY-MM-DD
  - Money is a decimal string with two places ("150.00")
  - Optional request fields are pointers so "absent" and "empty" differ

VALIDATION:
  Validation is done by the circulation services, not in DTOs. Handlers
  only reject bodies that cannot be decoded.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// BOOKS
// =============================================================================

type BookDTO struct {
	ID              string `json:"id"`
	ISBN            string `json:"isbn"`
	AccessNumber    string `json:"access_number"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	Publisher       string `json:"publisher,omitempty"`
	Genre           string `json:"genre,omitempty"`
	PublicationYear int    `json:"publication_year,omitempty"`
	PageCount       int    `json:"page_count,omitempty"`
	Description     string `json:"description,omitempty"`
	Status          string `json:"status"`
	Version         int    `json:"version"`
	CreatedAt       string `json:"created_at"`
	UpdatedAt       string `json:"updated_at"`
}

// CreateBookRequest is the body of POST /api/books.
type CreateBookRequest struct {
	ISBN            string `json:"isbn"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	Publisher       string `json:"publisher"`
	Genre           string `json:"genre"`
	PublicationYear int    `json:"publication_year"`
	PageCount       int    `json:"page_count"`
	Description     string `json:"description"`
}

// UpdateBookRequest is the body of PUT /api/books/{id}.
type UpdateBookRequest struct {
	ISBN            *string `json:"isbn"`
	Title           *string `json:"title"`
	Author          *string `json:"author"`
	Publisher       *string `json:"publisher"`
	Genre           *string `json:"genre"`
	PublicationYear *int    `json:"publication_year"`
	PageCount       *int    `json:"page_count"`
	Description     *string `json:"description"`
}

type AvailabilityDTO struct {
	BookID    string `json:"book_id"`
	Available bool   `json:"available"`
}

// =============================================================================
// MEMBERS
// =============================================================================

type MemberDTO struct {
	ID           string `json:"id"`
	DocumentID   string `json:"document_id"`
	MemberNumber string `json:"member_number"`
	Name         string `json:"name"`
	Email        string `json:"email,omitempty"`
	Phone        string `json:"phone,omitempty"`
	Address      string `json:"address,omitempty"`
	BirthDate    string `json:"birth_date,omitempty"`
	Active       bool   `json:"active"`
	Version      int    `json:"version"`
	JoinedAt     string `json:"joined_at"`
	UpdatedAt    string `json:"updated_at"`
}

type CreateMemberRequest struct {
	DocumentID string `json:"document_id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	BirthDate  string `json:"birth_date"`
}

type UpdateMemberRequest struct {
	Name      *string `json:"name"`
	Email     *string `json:"email"`
	Phone     *string `json:"phone"`
	Address   *string `json:"address"`
	BirthDate *string `json:"birth_date"`
}

// =============================================================================
// LOANS
// =============================================================================

// LoanDTO carries the book and borrower summaries on reads. Either is
// omitted when the record no longer exists.
type LoanDTO struct {
	ID         string            `json:"id"`
	BookID     string            `json:"book_id"`
	MemberID   string            `json:"member_id"`
	LoanDate   string            `json:"loan_date"`
	DueDate    string            `json:"due_date"`
	ReturnDate *string           `json:"return_date"`
	Status     string            `json:"status"`
	Notes      string            `json:"notes,omitempty"`
	Version    int               `json:"version"`
	Book       *BookSummaryDTO   `json:"book,omitempty"`
	Member     *MemberSummaryDTO `json:"member,omitempty"`
}

type BookSummaryDTO struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Author string `json:"author"`
	ISBN   string `json:"isbn"`
}

type MemberSummaryDTO struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MemberNumber string `json:"member_number"`
	DocumentID   string `json:"document_id"`
}

// CreateLoanRequest is the body of POST /api/loans. DueDate accepts RFC
// 3339 or YYYY-MM-DD; empty means the default loan period.
type CreateLoanRequest struct {
	BookID   string `json:"book_id"`
	MemberID string `json:"member_id"`
	DueDate  string `json:"due_date"`
	Notes    string `json:"notes"`
}

type ReturnLoanRequest struct {
	Condition string `json:"condition"`
}

type RenewLoanRequest struct {
	ExtraDays int `json:"extra_days"`
}

// ReturnDTO reports a return. Warning is set when FinesIncomplete is.
type ReturnDTO struct {
	Loan            LoanDTO   `json:"loan"`
	Fines           []FineDTO `json:"fines"`
	DaysLate        int       `json:"days_late"`
	FinesIncomplete bool      `json:"fines_incomplete"`
	Warning         string    `json:"warning,omitempty"`
}

// =============================================================================
// FINES
// =============================================================================

type FineDTO struct {
	ID          string            `json:"id"`
	LoanID      *string           `json:"loan_id"`
	MemberID    string            `json:"member_id"`
	Amount      string            `json:"amount"`
	Type        string            `json:"type"`
	Status      string            `json:"status"`
	Description string            `json:"description"`
	IssuedDate  string            `json:"issued_date"`
	PaidDate    *string           `json:"paid_date"`
	Version     int               `json:"version"`
	Member      *MemberSummaryDTO `json:"member,omitempty"`
	Loan        *LoanDTO          `json:"loan,omitempty"`
}

type CreateFineRequest struct {
	LoanID      string          `json:"loan_id"`
	MemberID    string          `json:"member_id"`
	Amount      decimal.Decimal `json:"amount"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
}

type CancelFineRequest struct {
	Reason string `json:"reason"`
}

type ArrearsDTO struct {
	MemberID string    `json:"member_id"`
	Count    int       `json:"count"`
	Total    string    `json:"total"`
	Fines    []FineDTO `json:"fines"`
}

type StatisticsDTO struct {
	Total           int    `json:"total"`
	Pending         int    `json:"pending"`
	Paid            int    `json:"paid"`
	Cancelled       int    `json:"cancelled"`
	PendingAmount   string `json:"pending_amount"`
	CollectedAmount string `json:"collected_amount"`
	CancelledAmount string `json:"cancelled_amount"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error   string   `json:"error"`
	Code    string   `json:"code,omitempty"`
	Details []string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339) }

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func money(d decimal.Decimal) string { return d.StringFixed(2) }

func toBookDTO(b circulation.Book) BookDTO {
	return BookDTO{
		ID:              string(b.ID),
		ISBN:            b.ISBN,
		AccessNumber:    b.AccessNumber,
		Title:           b.Title,
		Author:          b.Author,
		Publisher:       b.Publisher,
		Genre:           b.Genre,
		PublicationYear: b.PublicationYear,
		PageCount:       b.PageCount,
		Description:     b.Description,
		Status:          string(b.Status),
		Version:         b.Version,
		CreatedAt:       formatTime(b.CreatedAt),
		UpdatedAt:       formatTime(b.UpdatedAt),
	}
}

func toMemberDTO(m circulation.Member) MemberDTO {
	dto := MemberDTO{
		ID:           string(m.ID),
		DocumentID:   m.DocumentID,
		MemberNumber: m.MemberNumber,
		Name:         m.Name,
		Email:        m.Email,
		Phone:        m.Phone,
		Address:      m.Address,
		Active:       m.Active,
		Version:      m.Version,
		JoinedAt:     formatTime(m.JoinedAt),
		UpdatedAt:    formatTime(m.UpdatedAt),
	}
	if m.BirthDate != nil {
		dto.BirthDate = m.BirthDate.Format(time.DateOnly)
	}
	return dto
}

func toLoanDTO(l circulation.Loan) LoanDTO {
	return LoanDTO{
		ID:         string(l.ID),
		BookID:     string(l.BookID),
		MemberID:   string(l.MemberID),
		LoanDate:   formatTime(l.LoanDate),
		DueDate:    formatTime(l.DueDate),
		ReturnDate: formatTimePtr(l.ReturnDate),
		Status:     string(l.Status),
		Notes:      l.Notes,
		Version:    l.Version,
	}
}

func toBookSummaryDTO(b *circulation.BookSummary) *BookSummaryDTO {
	if b == nil {
		return nil
	}
	return &BookSummaryDTO{ID: string(b.ID), Title: b.Title, Author: b.Author, ISBN: b.ISBN}
}

func toMemberSummaryDTO(m *circulation.MemberSummary) *MemberSummaryDTO {
	if m == nil {
		return nil
	}
	return &MemberSummaryDTO{
		ID:           string(m.ID),
		Name:         m.Name,
		MemberNumber: m.MemberNumber,
		DocumentID:   m.DocumentID,
	}
}

func toLoanViewDTO(v circulation.LoanView) LoanDTO {
	dto := toLoanDTO(v.Loan)
	dto.Book = toBookSummaryDTO(v.Book)
	dto.Member = toMemberSummaryDTO(v.Member)
	return dto
}

func toFineViewDTO(v circulation.FineView) FineDTO {
	dto := toFineDTO(v.Fine)
	dto.Member = toMemberSummaryDTO(v.Member)
	if v.Loan != nil {
		l := toLoanViewDTO(*v.Loan)
		dto.Loan = &l
	}
	return dto
}

func toFineDTO(f circulation.Fine) FineDTO {
	dto := FineDTO{
		ID:          string(f.ID),
		MemberID:    string(f.MemberID),
		Amount:      money(f.Amount),
		Type:        string(f.Type),
		Status:      string(f.Status),
		Description: f.Description,
		IssuedDate:  formatTime(f.IssuedDate),
		PaidDate:    formatTimePtr(f.PaidDate),
		Version:     f.Version,
	}
	if f.HasLoan() {
		id := string(f.LoanID)
		dto.LoanID = &id
	}
	return dto
}

func mapSlice[T, D any](in []T, fn func(T) D) []D {
	out := make([]D, len(in))
	for i, v := range in {
		out[i] = fn(v)
	}
	return out
}
