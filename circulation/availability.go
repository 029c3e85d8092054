package circulation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// availability flips a book between Available and Loaned with a single
// conditional write. Built over a transactional view by the loan service.
type availability struct {
	store Store
}

// reserve marks the book Loaned if, and only if, it is Available now.
// Of two concurrent reservations exactly one succeeds.
func (a availability) reserve(ctx context.Context, id BookID, at time.Time) error {
	err := a.store.SetBookStatus(ctx, id, BookAvailable, BookLoaned, at)
	if err == nil {
		return nil
	}
	if !errors.Is(err, ErrStaleWrite) {
		return err
	}
	b, getErr := a.store.GetBook(ctx, id)
	if getErr != nil {
		return getErr
	}
	if b == nil {
		return ErrBookNotFound
	}
	return ErrBookNotAvailable
}

// release marks a Loaned book Available again. A book that is not Loaned
// here means the open-loan invariant was already broken.
func (a availability) release(ctx context.Context, id BookID, at time.Time) error {
	err := a.store.SetBookStatus(ctx, id, BookLoaned, BookAvailable, at)
	if errors.Is(err, ErrStaleWrite) {
		return fmt.Errorf("release book %s: not on loan: %w", id, err)
	}
	return err
}
