/*
handlers.go - HTTP API handlers for the circulation engine

PURPOSE:
  Exposes the circulation services via REST. Handles HTTP request and
  response, JSON serialization, and delegates every rule to the library.

ENDPOINTS:
  Books:
    POST   /api/books                         Register book
    GET    /api/books?status=&author=         List books
    GET    /api/books/available               Books on the shelf
    GET    /api/books/isbn/{isbn}             Lookup by ISBN
    GET    /api/books/{id}                    Get book
    PUT    /api/books/{id}                    Edit metadata
    DELETE /api/books/{id}                    Remove book
    GET    /api/books/{id}/available          Availability check

  Members:
    POST   /api/members                       Register member
    GET    /api/members?active=               List members
    GET    /api/members/document/{documentId} Lookup by document
    GET    /api/members/number/{number}       Lookup by member number
    GET    /api/members/{id}                  Get member
    PUT    /api/members/{id}                  Edit contact data
    DELETE /api/members/{id}                  Remove member without history
    PUT    /api/members/{id}/deactivate       Close membership
    GET    /api/members/{id}/loans            Loan history
    GET    /api/members/{id}/fines            Fine history

  Loans:
    POST   /api/loans                         Create loan
    GET    /api/loans?status=&member_id=&book_id=&limit=
    GET    /api/loans/active                  Stored as active
    GET    /api/loans/overdue                 Runs the sweep
    GET    /api/loans/{id}                    Get loan
    PUT    /api/loans/{id}/return             Return {condition}
    PUT    /api/loans/{id}/renew              Renew {extra_days}

  Fines:
    POST   /api/fines                         Issue manual fine
    GET    /api/fines?status=&member_id=&loan_id=&limit=
    GET    /api/fines/statistics              Totals per status
    GET    /api/fines/member/{memberId}       Member fines
    GET    /api/fines/member/{memberId}/arrears
    GET    /api/fines/{id}                    Get fine
    PUT    /api/fines/{id}/pay                Pay
    PUT    /api/fines/{id}/cancel             Cancel {reason}

ERROR HANDLING:
  Errors are returned as JSON with a status derived from the error kind:
  - 400: Validation
  - 404: NotFound
  - 409: Conflict
  - 500: anything else (details are logged, not returned)
  A return whose compensating fines failed still answers 200, with
  fines_incomplete=true and a warning.

SEE ALSO:
  - dto.go:    Request/response data structures
  - server.go: Router setup and middleware
  - auth.go:   Bearer token middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/warp/circulation-engine/circulation"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Library *circulation.Library

	log  *slog.Logger
	loc  *time.Location
	ping func(context.Context) error
}

// NewHandler creates a handler over lib. Dates without a time are read in
// UTC unless WithLocation says otherwise.
func NewHandler(lib *circulation.Library, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{Library: lib, log: log.With("component", "api"), loc: time.UTC}
}

func (h *Handler) WithLocation(loc *time.Location) *Handler {
	if loc != nil {
		h.loc = loc
	}
	return h
}

// WithHealthCheck sets the store check used by /healthz.
func (h *Handler) WithHealthCheck(ping func(context.Context) error) *Handler {
	h.ping = ping
	return h
}

// Health reports whether the store answers.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			h.log.ErrorContext(r.Context(), "health check failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// BOOK HANDLERS
// =============================================================================

func (h *Handler) CreateBook(w http.ResponseWriter, r *http.Request) {
	var req CreateBookRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.Library.Books.Register(r.Context(), circulation.BookInput{
		ISBN:            req.ISBN,
		Title:           req.Title,
		Author:          req.Author,
		Publisher:       req.Publisher,
		Genre:           req.Genre,
		PublicationYear: req.PublicationYear,
		PageCount:       req.PageCount,
		Description:     req.Description,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toBookDTO(b))
}

func (h *Handler) ListBooks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	books, err := h.Library.Books.List(r.Context(), circulation.BookFilter{
		Status: circulation.BookStatus(q.Get("status")),
		Author: q.Get("author"),
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(books, toBookDTO))
}

func (h *Handler) ListAvailableBooks(w http.ResponseWriter, r *http.Request) {
	books, err := h.Library.Books.ListAvailable(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(books, toBookDTO))
}

func (h *Handler) GetBookByISBN(w http.ResponseWriter, r *http.Request) {
	b, err := h.Library.Books.GetByISBN(r.Context(), chi.URLParam(r, "isbn"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookDTO(b))
}

func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	b, err := h.Library.Books.Get(r.Context(), circulation.BookID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookDTO(b))
}

func (h *Handler) UpdateBook(w http.ResponseWriter, r *http.Request) {
	var req UpdateBookRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.Library.Books.Update(r.Context(), circulation.BookID(chi.URLParam(r, "id")), circulation.BookPatch{
		ISBN:            req.ISBN,
		Title:           req.Title,
		Author:          req.Author,
		Publisher:       req.Publisher,
		Genre:           req.Genre,
		PublicationYear: req.PublicationYear,
		PageCount:       req.PageCount,
		Description:     req.Description,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toBookDTO(b))
}

func (h *Handler) DeleteBook(w http.ResponseWriter, r *http.Request) {
	if err := h.Library.Books.Delete(r.Context(), circulation.BookID(chi.URLParam(r, "id"))); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) CheckBookAvailable(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := h.Library.Books.CheckAvailable(r.Context(), circulation.BookID(id))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, AvailabilityDTO{BookID: id, Available: ok})
}

// =============================================================================
// MEMBER HANDLERS
// =============================================================================

func (h *Handler) CreateMember(w http.ResponseWriter, r *http.Request) {
	var req CreateMemberRequest
	if !decode(w, r, &req) {
		return
	}
	birth, err := parseDate(req.BirthDate, h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid birth_date format (use YYYY-MM-DD)", err)
		return
	}
	m, err := h.Library.Members.Register(r.Context(), circulation.MemberInput{
		DocumentID: req.DocumentID,
		Name:       req.Name,
		Email:      req.Email,
		Phone:      req.Phone,
		Address:    req.Address,
		BirthDate:  birth,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toMemberDTO(m))
}

func (h *Handler) ListMembers(w http.ResponseWriter, r *http.Request) {
	var f circulation.MemberFilter
	if raw := r.URL.Query().Get("active"); raw != "" {
		active, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid active filter (use true or false)", err)
			return
		}
		f.Active = &active
	}
	members, err := h.Library.Members.List(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(members, toMemberDTO))
}

func (h *Handler) GetMemberByDocument(w http.ResponseWriter, r *http.Request) {
	m, err := h.Library.Members.GetByDocumentID(r.Context(), chi.URLParam(r, "documentId"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

func (h *Handler) GetMemberByNumber(w http.ResponseWriter, r *http.Request) {
	m, err := h.Library.Members.GetByMemberNumber(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

func (h *Handler) GetMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.Library.Members.Get(r.Context(), memberID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

func (h *Handler) UpdateMember(w http.ResponseWriter, r *http.Request) {
	var req UpdateMemberRequest
	if !decode(w, r, &req) {
		return
	}
	patch := circulation.MemberPatch{
		Name:    req.Name,
		Email:   req.Email,
		Phone:   req.Phone,
		Address: req.Address,
	}
	if req.BirthDate != nil {
		birth, err := parseDate(*req.BirthDate, h.loc)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid birth_date format (use YYYY-MM-DD)", err)
			return
		}
		patch.BirthDate = birth
	}
	m, err := h.Library.Members.Update(r.Context(), memberID(r), patch)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

func (h *Handler) DeleteMember(w http.ResponseWriter, r *http.Request) {
	if err := h.Library.Members.Delete(r.Context(), memberID(r)); err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) DeactivateMember(w http.ResponseWriter, r *http.Request) {
	m, err := h.Library.Members.Deactivate(r.Context(), memberID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toMemberDTO(m))
}

func (h *Handler) ListMemberLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.Library.Members.Loans(r.Context(), memberID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(loans, toLoanViewDTO))
}

func (h *Handler) ListMemberFines(w http.ResponseWriter, r *http.Request) {
	fines, err := h.Library.Members.Fines(r.Context(), memberID(r))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(fines, toFineViewDTO))
}

func memberID(r *http.Request) circulation.MemberID {
	return circulation.MemberID(chi.URLParam(r, "id"))
}

// =============================================================================
// LOAN HANDLERS
// =============================================================================

func (h *Handler) CreateLoan(w http.ResponseWriter, r *http.Request) {
	var req CreateLoanRequest
	if !decode(w, r, &req) {
		return
	}
	due, err := parseInstant(req.DueDate, h.loc)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid due_date format (use RFC 3339 or YYYY-MM-DD)", err)
		return
	}
	l, err := h.Library.Loans.Create(r.Context(), circulation.LoanRequest{
		BookID:   circulation.BookID(req.BookID),
		MemberID: circulation.MemberID(req.MemberID),
		DueDate:  due,
		Notes:    req.Notes,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.loanView(r, l))
}

func (h *Handler) ListLoans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	f := circulation.LoanFilter{
		MemberID: circulation.MemberID(q.Get("member_id")),
		BookID:   circulation.BookID(q.Get("book_id")),
		Limit:    limit,
	}
	for _, s := range splitCSV(q.Get("status")) {
		f.Statuses = append(f.Statuses, circulation.LoanStatus(s))
	}
	loans, err := h.Library.Loans.List(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(loans, toLoanViewDTO))
}

func (h *Handler) ListActiveLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.Library.Loans.ListActive(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(loans, toLoanViewDTO))
}

// ListOverdueLoans runs the overdue sweep and returns its result.
func (h *Handler) ListOverdueLoans(w http.ResponseWriter, r *http.Request) {
	loans, err := h.Library.Loans.ListOverdue(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(loans, toLoanViewDTO))
}

func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	l, err := h.Library.Loans.Get(r.Context(), circulation.LoanID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toLoanViewDTO(l))
}

func (h *Handler) ReturnLoan(w http.ResponseWriter, r *http.Request) {
	var req ReturnLoanRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	cond, err := circulation.ParseCondition(req.Condition)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}

	res, err := h.Library.Loans.Return(r.Context(), circulation.LoanID(chi.URLParam(r, "id")), cond)
	if err != nil && !(circulation.IsInconsistency(err) && res != nil) {
		h.writeDomainError(w, r, err)
		return
	}
	dto := ReturnDTO{
		Loan:            h.loanView(r, res.Loan),
		Fines:           mapSlice(res.Fines, toFineDTO),
		DaysLate:        res.DaysLate,
		FinesIncomplete: res.FinesIncomplete,
	}
	if err != nil {
		dto.Warning = err.Error()
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) RenewLoan(w http.ResponseWriter, r *http.Request) {
	var req RenewLoanRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	l, err := h.Library.Loans.Renew(r.Context(), circulation.LoanID(chi.URLParam(r, "id")), req.ExtraDays)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.loanView(r, l))
}

// loanView attaches summaries to a loan that was just written. The write
// already committed, so a failed lookup only costs the summaries.
func (h *Handler) loanView(r *http.Request, l circulation.Loan) LoanDTO {
	v, err := h.Library.Loans.View(r.Context(), l)
	if err != nil {
		h.log.WarnContext(r.Context(), "loan summaries unavailable", "loan_id", l.ID, "error", err)
		return toLoanDTO(l)
	}
	return toLoanViewDTO(v)
}

// =============================================================================
// FINE HANDLERS
// =============================================================================

func (h *Handler) CreateFine(w http.ResponseWriter, r *http.Request) {
	var req CreateFineRequest
	if !decode(w, r, &req) {
		return
	}
	f, err := h.Library.Fines.Issue(r.Context(), circulation.FineRequest{
		LoanID:      circulation.LoanID(req.LoanID),
		MemberID:    circulation.MemberID(req.MemberID),
		Amount:      req.Amount,
		Type:        circulation.FineType(req.Type),
		Description: req.Description,
	})
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.fineView(r, f))
}

func (h *Handler) ListFines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, ok := parseLimit(w, q.Get("limit"))
	if !ok {
		return
	}
	f := circulation.FineFilter{
		MemberID: circulation.MemberID(q.Get("member_id")),
		LoanID:   circulation.LoanID(q.Get("loan_id")),
		Limit:    limit,
	}
	for _, s := range splitCSV(q.Get("status")) {
		f.Statuses = append(f.Statuses, circulation.FineStatus(s))
	}
	fines, err := h.Library.Fines.List(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(fines, toFineViewDTO))
}

func (h *Handler) FineStatistics(w http.ResponseWriter, r *http.Request) {
	st, err := h.Library.Fines.Statistics(r.Context())
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, StatisticsDTO{
		Total:           st.Total,
		Pending:         st.Pending,
		Paid:            st.Paid,
		Cancelled:       st.Cancelled,
		PendingAmount:   money(st.PendingAmount),
		CollectedAmount: money(st.CollectedAmount),
		CancelledAmount: money(st.CancelledAmount),
	})
}

func (h *Handler) ListFinesByMember(w http.ResponseWriter, r *http.Request) {
	fines, err := h.Library.Fines.ListByMember(r.Context(), circulation.MemberID(chi.URLParam(r, "memberId")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, mapSlice(fines, toFineViewDTO))
}

func (h *Handler) MemberArrears(w http.ResponseWriter, r *http.Request) {
	a, err := h.Library.Fines.Arrears(r.Context(), circulation.MemberID(chi.URLParam(r, "memberId")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ArrearsDTO{
		MemberID: string(a.MemberID),
		Count:    a.Count,
		Total:    money(a.Total),
		Fines:    mapSlice(a.Fines, toFineDTO),
	})
}

func (h *Handler) GetFine(w http.ResponseWriter, r *http.Request) {
	f, err := h.Library.Fines.Get(r.Context(), circulation.FineID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFineViewDTO(f))
}

func (h *Handler) PayFine(w http.ResponseWriter, r *http.Request) {
	f, err := h.Library.Fines.Pay(r.Context(), circulation.FineID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.fineView(r, f))
}

func (h *Handler) CancelFine(w http.ResponseWriter, r *http.Request) {
	var req CancelFineRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	f, err := h.Library.Fines.Cancel(r.Context(), circulation.FineID(chi.URLParam(r, "id")), req.Reason)
	if err != nil {
		h.writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h.fineView(r, f))
}

func (h *Handler) fineView(r *http.Request, f circulation.Fine) FineDTO {
	v, err := h.Library.Fines.View(r.Context(), f)
	if err != nil {
		h.log.WarnContext(r.Context(), "fine summaries unavailable", "fine_id", f.ID, "error", err)
		return toFineDTO(f)
	}
	return toFineViewDTO(v)
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message, Code: string(circulation.CodeInvalidInput)}
	if err != nil {
		resp.Details = []string{err.Error()}
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps an error kind to a status. Unclassified errors are
// logged and answered with an opaque 500.
func (h *Handler) writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case circulation.IsValidation(err):
		status = http.StatusBadRequest
	case circulation.IsNotFound(err):
		status = http.StatusNotFound
	case circulation.IsConflict(err):
		status = http.StatusConflict
	}

	var coded *circulation.Error
	if status == http.StatusInternalServerError || !errors.As(err, &coded) {
		h.log.ErrorContext(r.Context(), "request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "internal error"})
		return
	}
	writeJSON(w, status, ErrorResponse{Error: coded.Message, Code: string(coded.Code), Details: coded.Details})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

// decodeOptional accepts an empty body.
func decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func parseDate(s string, loc *time.Location) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(time.DateOnly, s, loc)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// parseInstant accepts RFC 3339, or a bare date read in loc.
func parseInstant(s string, loc *time.Location) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	return parseDate(s, loc)
}

func parseLimit(w http.ResponseWriter, raw string) (int, bool) {
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "Invalid limit (use a non-negative integer)", err)
		return 0, false
	}
	return n, true
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
