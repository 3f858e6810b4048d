package inventory

import (
	"context"
	"strings"
	"time"
)

// BookFilter narrows ListBooks. Empty fields match everything; Query is a
// substring match against title, author and ISBN (the original client's
// search box semantics).
type BookFilter struct {
	Title    string
	Author   string
	Category string
	Query    string
}

// Matches applies the filter to one book.
func (f BookFilter) Matches(b Book) bool {
	if f.Title != "" && !containsFold(b.Title, f.Title) {
		return false
	}
	if f.Author != "" && !containsFold(b.Author, f.Author) {
		return false
	}
	if f.Category != "" && !strings.EqualFold(b.Category, f.Category) {
		return false
	}
	if f.Query != "" {
		if !containsFold(b.Title, f.Query) && !containsFold(b.Author, f.Query) && !containsFold(b.ISBN, f.Query) {
			return false
		}
	}
	return true
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// LoanFilter narrows ListLoans. Zero values match everything.
type LoanFilter struct {
	UserID    string
	BookID    string
	Status    LoanStatus
	DueBefore time.Time
}

// Matches applies the filter to one loan.
func (f LoanFilter) Matches(l Loan) bool {
	if f.UserID != "" && l.UserID != f.UserID {
		return false
	}
	if f.BookID != "" && l.BookID != f.BookID {
		return false
	}
	if f.Status != "" && l.Status != f.Status {
		return false
	}
	if !f.DueBefore.IsZero() && !l.DueAt.Before(f.DueBefore) {
		return false
	}
	return true
}

// Store is the persistence contract for books, users and loans. It exclusively
// owns those records; callers receive copies.
//
// WithBookLock runs fn with exclusive access to one book's copy counters.
// Operations on the same book are serialized, unrelated books proceed
// concurrently, and acquisition has a bounded wait after which the caller
// receives ErrLockTimeout. Store methods invoked inside fn observe and
// mutate the locked book atomically with respect to other locked sections.
type Store interface {
	CreateBook(ctx context.Context, b *Book) error
	GetBook(ctx context.Context, id string) (Book, error)
	GetBookByISBN(ctx context.Context, isbn string) (Book, error)
	ListBooks(ctx context.Context, f BookFilter) ([]Book, error)
	UpdateBook(ctx context.Context, b *Book) error
	DeleteBook(ctx context.Context, id string) error
	// UpdateCopies rewrites a book's counters. Only valid inside WithBookLock.
	UpdateCopies(ctx context.Context, bookID string, total, available int) error

	CreateUser(ctx context.Context, u *User) error
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUser(ctx context.Context, u *User) error
	// DisableUser soft-deletes an account; loans keep referencing it.
	DisableUser(ctx context.Context, id string) error

	CreateLoan(ctx context.Context, l *Loan) error
	GetLoan(ctx context.Context, id string) (Loan, error)
	UpdateLoan(ctx context.Context, l *Loan) error
	ListLoans(ctx context.Context, f LoanFilter) ([]Loan, error)
	// ActiveLoan returns the single active loan for (user, book), or
	// ErrNotFound when there is none.
	ActiveLoan(ctx context.Context, userID, bookID string) (Loan, error)

	WithBookLock(ctx context.Context, bookID string, fn func(ctx context.Context) error) error

	Ping(ctx context.Context) error
	Close() error
}
