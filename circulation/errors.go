/*
errors.go - Centralized error types for the circulation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every failure an operation reports falls into one of four kinds, and the
  transport layer maps kinds to status codes without knowing about codes.

ERROR KINDS (match with errors.Is):
  1. ErrValidation    - malformed or missing input
  2. ErrNotFound      - a referenced record does not exist
  3. ErrConflict      - a state rule forbids the operation right now
  4. ErrInconsistency - a multi-step operation committed only partially

CODED ERRORS:
  *Error carries a Kind plus a machine-readable Code. The package-level
  coded values (ErrBookNotFound, ErrMemberHasArrears, ...) match any *Error
  with the same Code, so callers can be as broad or as narrow as they like:

    errors.Is(err, circulation.ErrConflict)          // any conflict
    errors.Is(err, circulation.ErrMemberHasArrears)  // this one only

STORE ERRORS:
  Stores report ErrStaleWrite, ErrConcurrentModification and
  *DuplicateKeyError. Services translate them into coded errors before
  they leave the package.

SEE ALSO:
  - api/handlers.go: maps kinds to HTTP status
*/
package circulation

import (
	"errors"
	"strings"
)

// =============================================================================
// KIND SENTINELS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation    = errors.New("validation failed")
	ErrNotFound      = errors.New("not found")
	ErrConflict      = errors.New("conflict")
	ErrInconsistency = errors.New("inconsistent state")
)

// =============================================================================
// STORE SENTINELS
// =============================================================================

var (
	// ErrStaleWrite is returned by compare-and-set writes when the record
	// is missing or no longer matches the expected version or status.
	ErrStaleWrite = errors.New("stale write: record changed or missing")

	// ErrConcurrentModification is returned when the backend aborts a
	// transaction because of a concurrent writer. Safe to retry.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// Unique fields reported by DuplicateKeyError.
const (
	FieldISBN         = "isbn"
	FieldAccessNumber = "access_number"
	FieldDocumentID   = "document_id"
	FieldMemberNumber = "member_number"
	FieldOpenLoan     = "open_loan"
)

// DuplicateKeyError reports a unique constraint violation on Field.
type DuplicateKeyError struct {
	Field string
}

func (e *DuplicateKeyError) Error() string {
	return "duplicate value for unique field " + e.Field
}

// =============================================================================
// CODED ERRORS
// =============================================================================

type Code string

const (
	CodeInvalidInput       Code = "invalid_input"
	CodeMemberNotFound     Code = "member_not_found"
	CodeMemberInactive     Code = "member_inactive"
	CodeMemberHasArrears   Code = "member_has_arrears"
	CodeMemberHasOpenLoans Code = "member_has_open_loans"
	CodeMemberHasHistory   Code = "member_has_history"
	CodeBookNotFound       Code = "book_not_found"
	CodeBookNotAvailable   Code = "book_not_available"
	CodeLoanNotFound       Code = "loan_not_found"
	CodeLoanAlreadyClosed  Code = "loan_already_closed"
	CodeLoanNotRenewable   Code = "loan_not_renewable"
	CodeFineNotFound       Code = "fine_not_found"
	CodeFineNotPending     Code = "fine_not_pending"
	CodeDuplicate          Code = "duplicate"
	CodeConcurrentUpdate   Code = "concurrent_update"
	CodeFineIssuanceFailed Code = "fine_issuance_failed"
)

// Error is a classified failure. Kind is one of the kind sentinels above.
type Error struct {
	Kind    error
	Code    Code
	Message string
	// Details lists per-field problems for validation failures.
	Details []string

	cause error
}

func (e *Error) Error() string {
	if len(e.Details) == 0 {
		return e.Message
	}
	return e.Message + ": " + strings.Join(e.Details, "; ")
}

func (e *Error) Unwrap() []error {
	if e.cause != nil {
		return []error{e.Kind, e.cause}
	}
	return []error{e.Kind}
}

// Is matches any *Error that carries the same Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code != "" && t.Code == e.Code
}

// with returns a copy of e with a specific message.
func (e *Error) with(msg string) *Error {
	c := *e
	c.Message = msg
	return &c
}

func (e *Error) wrap(cause error) *Error {
	c := *e
	c.cause = cause
	return &c
}

var (
	ErrMemberNotFound     = &Error{Kind: ErrNotFound, Code: CodeMemberNotFound, Message: "member not found"}
	ErrMemberInactive     = &Error{Kind: ErrConflict, Code: CodeMemberInactive, Message: "member is not active"}
	ErrMemberHasArrears   = &Error{Kind: ErrConflict, Code: CodeMemberHasArrears, Message: "member has pending fines"}
	ErrMemberHasOpenLoans = &Error{Kind: ErrConflict, Code: CodeMemberHasOpenLoans, Message: "member has open loans"}
	ErrMemberHasHistory   = &Error{Kind: ErrConflict, Code: CodeMemberHasHistory, Message: "member has loan or fine history"}
	ErrBookNotFound       = &Error{Kind: ErrNotFound, Code: CodeBookNotFound, Message: "book not found"}
	ErrBookNotAvailable   = &Error{Kind: ErrConflict, Code: CodeBookNotAvailable, Message: "book is not available"}
	ErrLoanNotFound       = &Error{Kind: ErrNotFound, Code: CodeLoanNotFound, Message: "loan not found"}
	ErrLoanAlreadyClosed  = &Error{Kind: ErrConflict, Code: CodeLoanAlreadyClosed, Message: "loan is already returned"}
	ErrLoanNotRenewable   = &Error{Kind: ErrConflict, Code: CodeLoanNotRenewable, Message: "loan cannot be renewed"}
	ErrFineNotFound       = &Error{Kind: ErrNotFound, Code: CodeFineNotFound, Message: "fine not found"}
	ErrFineNotPending     = &Error{Kind: ErrConflict, Code: CodeFineNotPending, Message: "fine is not pending"}
	ErrDuplicate          = &Error{Kind: ErrConflict, Code: CodeDuplicate, Message: "duplicate value"}
	ErrConcurrentUpdate   = &Error{Kind: ErrConflict, Code: CodeConcurrentUpdate, Message: "record was modified concurrently, retry"}
)

func validationError(msg string, details ...string) *Error {
	return &Error{Kind: ErrValidation, Code: CodeInvalidInput, Message: msg, Details: details}
}

// translateStoreErr maps backend-level failures onto coded errors. Errors
// that are already classified pass through unchanged.
func translateStoreErr(err error) error {
	if err == nil {
		return nil
	}
	var coded *Error
	if errors.As(err, &coded) {
		return err
	}
	if errors.Is(err, ErrConcurrentModification) {
		return ErrConcurrentUpdate.wrap(err)
	}
	var dup *DuplicateKeyError
	if errors.As(err, &dup) {
		switch dup.Field {
		case FieldISBN:
			return ErrDuplicate.with("a book with this ISBN already exists").wrap(err)
		case FieldDocumentID:
			return ErrDuplicate.with("a member with this document id already exists").wrap(err)
		case FieldOpenLoan:
			return ErrBookNotAvailable.wrap(err)
		default:
			return ErrDuplicate.wrap(err)
		}
	}
	return err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

func IsInconsistency(err error) bool { return errors.Is(err, ErrInconsistency) }

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// CodeOf returns the code of a classified error, or "" for anything else.
func CodeOf(err error) Code {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ""
}
