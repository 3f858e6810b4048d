// Package engine implements the invariant-preserving borrow/return and copy
// management operations over the inventory store. Every mutation runs inside
// the store's per-book exclusive lock, so check-then-mutate sequences on one
// book never interleave.
package engine

import (
	"context"
	"errors"
	"time"

	"biblio.org/internal/ids"
	"biblio.org/internal/inventory"
)

// DefaultLoanPeriod matches the original deployment's 14-day loan.
const DefaultLoanPeriod = 14 * 24 * time.Hour

var (
	ErrBookUnavailable       = errors.New("engine: no copies available")
	ErrAlreadyBorrowed       = errors.New("engine: user already holds an active loan for this book")
	ErrAlreadyReturned       = errors.New("engine: loan already returned")
	ErrLoanNotFound          = errors.New("engine: loan not found")
	ErrInsufficientAvailable = errors.New("engine: not enough available copies")
	ErrUserDisabled          = errors.New("engine: user account is disabled")
	ErrInvalidCount          = errors.New("engine: copy count must be positive")
)

// Engine executes loan operations against a Store.
type Engine struct {
	store      inventory.Store
	loanPeriod time.Duration
	now        func() time.Time
}

// Option configures Engine behavior.
type Option func(*Engine)

// WithLoanPeriod overrides the default loan period.
func WithLoanPeriod(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.loanPeriod = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.now = fn
		}
	}
}

// New constructs an Engine.
func New(store inventory.Store, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		loanPeriod: DefaultLoanPeriod,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Borrow lends one copy of bookID to userID. Exactly one of two racing
// borrows for the last copy succeeds; the other observes ErrBookUnavailable.
func (e *Engine) Borrow(ctx context.Context, userID, bookID string) (inventory.Loan, error) {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return inventory.Loan{}, err
	}
	if user.Disabled {
		return inventory.Loan{}, ErrUserDisabled
	}

	var loan inventory.Loan
	err = e.store.WithBookLock(ctx, bookID, func(ctx context.Context) error {
		book, err := e.store.GetBook(ctx, bookID)
		if err != nil {
			return err
		}
		if book.AvailableCopies == 0 {
			return ErrBookUnavailable
		}
		if _, err := e.store.ActiveLoan(ctx, userID, bookID); err == nil {
			return ErrAlreadyBorrowed
		} else if !errors.Is(err, inventory.ErrNotFound) {
			return err
		}

		now := e.now().UTC()
		loan = inventory.Loan{
			ID:         ids.New(),
			UserID:     userID,
			BookID:     bookID,
			BorrowedAt: now,
			DueAt:      now.Add(e.loanPeriod),
			Status:     inventory.LoanActive,
		}
		if err := e.store.UpdateCopies(ctx, bookID, book.TotalCopies, book.AvailableCopies-1); err != nil {
			return err
		}
		return e.store.CreateLoan(ctx, &loan)
	})
	if err != nil {
		return inventory.Loan{}, err
	}
	return loan, nil
}

// Return closes a loan by id. Retrying a successful return fails with
// ErrAlreadyReturned so duplicate client retries stay detectable.
func (e *Engine) Return(ctx context.Context, loanID string) (inventory.Loan, error) {
	probe, err := e.store.GetLoan(ctx, loanID)
	if err != nil {
		if errors.Is(err, inventory.ErrNotFound) {
			return inventory.Loan{}, ErrLoanNotFound
		}
		return inventory.Loan{}, err
	}

	var loan inventory.Loan
	err = e.store.WithBookLock(ctx, probe.BookID, func(ctx context.Context) error {
		// Re-read under the lock; the probe may be stale.
		cur, err := e.store.GetLoan(ctx, loanID)
		if err != nil {
			if errors.Is(err, inventory.ErrNotFound) {
				return ErrLoanNotFound
			}
			return err
		}
		if cur.Status == inventory.LoanReturned {
			return ErrAlreadyReturned
		}

		now := e.now().UTC()
		cur.ReturnedAt = &now
		cur.Status = inventory.LoanReturned

		book, err := e.store.GetBook(ctx, cur.BookID)
		if err != nil {
			return err
		}
		available := book.AvailableCopies + 1
		if available > book.TotalCopies {
			available = book.TotalCopies
		}
		if err := e.store.UpdateCopies(ctx, book.ID, book.TotalCopies, available); err != nil {
			return err
		}
		if err := e.store.UpdateLoan(ctx, &cur); err != nil {
			return err
		}
		loan = cur
		return nil
	})
	if err != nil {
		return inventory.Loan{}, err
	}
	return loan, nil
}

// AddCopies grows a book's pool; the new copies are immediately available.
func (e *Engine) AddCopies(ctx context.Context, bookID string, n int) (inventory.Book, error) {
	if n <= 0 {
		return inventory.Book{}, ErrInvalidCount
	}
	var out inventory.Book
	err := e.store.WithBookLock(ctx, bookID, func(ctx context.Context) error {
		book, err := e.store.GetBook(ctx, bookID)
		if err != nil {
			return err
		}
		if err := e.store.UpdateCopies(ctx, bookID, book.TotalCopies+n, book.AvailableCopies+n); err != nil {
			return err
		}
		out, err = e.store.GetBook(ctx, bookID)
		return err
	})
	return out, err
}

// RemoveCopies shrinks a book's pool. Copies currently on loan cannot be
// reclaimed: removing more than the available count fails.
func (e *Engine) RemoveCopies(ctx context.Context, bookID string, n int) (inventory.Book, error) {
	if n <= 0 {
		return inventory.Book{}, ErrInvalidCount
	}
	var out inventory.Book
	err := e.store.WithBookLock(ctx, bookID, func(ctx context.Context) error {
		book, err := e.store.GetBook(ctx, bookID)
		if err != nil {
			return err
		}
		if n > book.AvailableCopies {
			return ErrInsufficientAvailable
		}
		if err := e.store.UpdateCopies(ctx, bookID, book.TotalCopies-n, book.AvailableCopies-n); err != nil {
			return err
		}
		out, err = e.store.GetBook(ctx, bookID)
		return err
	})
	return out, err
}

// ListOverdue returns active loans whose due date has passed as of the given
// instant, reported with the derived overdue status. Nothing is written back:
// overdue is recomputed per query so it always agrees with the clock.
func (e *Engine) ListOverdue(ctx context.Context, asOf time.Time) ([]inventory.Loan, error) {
	if asOf.IsZero() {
		asOf = e.now()
	}
	loans, err := e.store.ListLoans(ctx, inventory.LoanFilter{
		Status:    inventory.LoanActive,
		DueBefore: asOf.UTC(),
	})
	if err != nil {
		return nil, err
	}
	for i := range loans {
		loans[i].Status = inventory.LoanOverdue
	}
	return loans, nil
}

// ListUserLoans returns a user's loan history, optionally filtered by status.
// Active loans past due are reported as overdue.
func (e *Engine) ListUserLoans(ctx context.Context, userID string, status inventory.LoanStatus) ([]inventory.Loan, error) {
	f := inventory.LoanFilter{UserID: userID}
	if status == inventory.LoanActive || status == inventory.LoanReturned {
		f.Status = status
	}
	loans, err := e.store.ListLoans(ctx, f)
	if err != nil {
		return nil, err
	}
	loans = e.markOverdue(loans)
	if status == inventory.LoanOverdue {
		var out []inventory.Loan
		for _, l := range loans {
			if l.Status == inventory.LoanOverdue {
				out = append(out, l)
			}
		}
		return out, nil
	}
	return loans, nil
}

// ListBookLoans returns the loan history of one book.
func (e *Engine) ListBookLoans(ctx context.Context, bookID string) ([]inventory.Loan, error) {
	loans, err := e.store.ListLoans(ctx, inventory.LoanFilter{BookID: bookID})
	if err != nil {
		return nil, err
	}
	return e.markOverdue(loans), nil
}

func (e *Engine) markOverdue(loans []inventory.Loan) []inventory.Loan {
	now := e.now().UTC()
	for i, l := range loans {
		if l.Status == inventory.LoanActive && l.DueAt.Before(now) {
			loans[i].Status = inventory.LoanOverdue
		}
	}
	return loans
}
