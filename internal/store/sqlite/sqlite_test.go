package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"biblio.org/internal/engine"
	"biblio.org/internal/inventory"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "library.db"), time.Second)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestBookRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	in := inventory.Book{
		ID: "b1", Title: "Dune", Author: "Frank Herbert",
		ISBN: "978-0441013593", Publisher: "Ace", PublicationYear: 1965,
		Category: "sci-fi", TotalCopies: 3, AvailableCopies: 3,
	}
	if err := s.CreateBook(ctx, &in); err != nil {
		t.Fatalf("CreateBook: %v", err)
	}

	got, err := s.GetBook(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if got.Title != in.Title || got.ISBN != in.ISBN || got.AvailableCopies != 3 {
		t.Fatalf("round trip mismatch: %+v", got)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Fatal("timestamps not persisted")
	}

	byISBN, err := s.GetBookByISBN(ctx, in.ISBN)
	if err != nil || byISBN.ID != "b1" {
		t.Fatalf("GetBookByISBN: %v %+v", err, byISBN)
	}
}

func TestDuplicateISBNRejected(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	if err := s.CreateBook(ctx, &inventory.Book{ID: "b1", Title: "A", Author: "x", ISBN: "dup"}); err != nil {
		t.Fatal(err)
	}
	err := s.CreateBook(ctx, &inventory.Book{ID: "b2", Title: "B", Author: "y", ISBN: "dup"})
	if !errors.Is(err, inventory.ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}

	// Empty ISBNs are exempt from the uniqueness rule.
	if err := s.CreateBook(ctx, &inventory.Book{ID: "b3", Title: "C", Author: "z"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateBook(ctx, &inventory.Book{ID: "b4", Title: "D", Author: "w"}); err != nil {
		t.Fatalf("second empty-ISBN book rejected: %v", err)
	}
}

func TestOneActiveLoanIndex(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	now := time.Now().UTC()

	seedUserAndBook(t, s)

	first := inventory.Loan{
		ID: "l1", UserID: "u1", BookID: "b1",
		BorrowedAt: now, DueAt: now.Add(24 * time.Hour), Status: inventory.LoanActive,
	}
	if err := s.CreateLoan(ctx, &first); err != nil {
		t.Fatalf("CreateLoan: %v", err)
	}

	second := first
	second.ID = "l2"
	if err := s.CreateLoan(ctx, &second); !errors.Is(err, inventory.ErrConstraint) {
		t.Fatalf("second active loan for same (user, book) accepted: %v", err)
	}

	// Once the first is returned the pair may borrow again.
	ret := now.Add(time.Hour)
	first.ReturnedAt = &ret
	first.Status = inventory.LoanReturned
	if err := s.UpdateLoan(ctx, &first); err != nil {
		t.Fatalf("UpdateLoan: %v", err)
	}
	if err := s.CreateLoan(ctx, &second); err != nil {
		t.Fatalf("borrow after return rejected: %v", err)
	}
}

// An error from the locked section must undo everything the section wrote;
// otherwise every failed borrow would leak a decremented copy counter.
func TestLockSectionRollsBackOnError(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	seedUserAndBook(t, s)

	boom := errors.New("boom")
	err := s.WithBookLock(ctx, "b1", func(ctx context.Context) error {
		if err := s.UpdateCopies(ctx, "b1", 2, 1); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithBookLock: %v", err)
	}

	book, err := s.GetBook(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if book.AvailableCopies != 2 {
		t.Fatalf("partial write survived the failed section: %+v", book)
	}
}

func TestLockSectionCommitsOnSuccess(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	seedUserAndBook(t, s)

	err := s.WithBookLock(ctx, "b1", func(ctx context.Context) error {
		return s.UpdateCopies(ctx, "b1", 2, 1)
	})
	if err != nil {
		t.Fatalf("WithBookLock: %v", err)
	}

	book, err := s.GetBook(ctx, "b1")
	if err != nil || book.AvailableCopies != 1 {
		t.Fatalf("committed write not visible: %v %+v", err, book)
	}
}

// Same guarantee as the in-memory store: a metadata update carrying stale
// counters never writes them back.
func TestUpdateBookLeavesCountersAlone(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	seedUserAndBook(t, s)

	stale, err := s.GetBook(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateCopies(ctx, "b1", 2, 1); err != nil {
		t.Fatal(err)
	}

	stale.Title = "Dune (Reissue)"
	if err := s.UpdateBook(ctx, &stale); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetBook(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Dune (Reissue)" {
		t.Fatalf("metadata not updated: %+v", got)
	}
	if got.AvailableCopies != 1 || got.TotalCopies != 2 {
		t.Fatalf("counters clobbered by metadata update: %d/%d", got.AvailableCopies, got.TotalCopies)
	}
}

func TestUnknownIDsMapToNotFound(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	if _, err := s.GetBook(ctx, "nope"); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("GetBook: %v", err)
	}
	if _, err := s.GetUserByUsername(ctx, "nobody"); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("GetUserByUsername: %v", err)
	}
	if err := s.UpdateCopies(ctx, "nope", 1, 1); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("UpdateCopies: %v", err)
	}
	if err := s.DisableUser(ctx, "nope"); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("DisableUser: %v", err)
	}
}

func TestEngineOverSQLite(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	seedUserAndBook(t, s)
	eng := engine.New(s)

	loan, err := eng.Borrow(ctx, "u1", "b1")
	if err != nil {
		t.Fatalf("Borrow: %v", err)
	}
	book, err := s.GetBook(ctx, "b1")
	if err != nil || book.AvailableCopies != 1 {
		t.Fatalf("after borrow: %v %+v", err, book)
	}

	if _, err := eng.Return(ctx, loan.ID); err != nil {
		t.Fatalf("Return: %v", err)
	}
	if _, err := eng.Return(ctx, loan.ID); !errors.Is(err, engine.ErrAlreadyReturned) {
		t.Fatalf("duplicate return: %v", err)
	}

	book, err = s.GetBook(ctx, "b1")
	if err != nil || book.AvailableCopies != 2 {
		t.Fatalf("after return: %v %+v", err, book)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "library.db")
	ctx := context.Background()

	s, err := Open(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateBook(ctx, &inventory.Book{ID: "b1", Title: "Dune", Author: "Herbert", TotalCopies: 1, AvailableCopies: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(path, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	book, err := s2.GetBook(ctx, "b1")
	if err != nil || book.Title != "Dune" {
		t.Fatalf("data lost across reopen: %v %+v", err, book)
	}
}

func TestLoanFilters(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	seedUserAndBook(t, s)
	now := time.Now().UTC()

	loans := []inventory.Loan{
		{ID: "l1", UserID: "u1", BookID: "b1", BorrowedAt: now.Add(-48 * time.Hour), DueAt: now.Add(-time.Hour), Status: inventory.LoanActive},
		{ID: "l2", UserID: "u2", BookID: "b1", BorrowedAt: now, DueAt: now.Add(24 * time.Hour), Status: inventory.LoanActive},
	}
	for i := range loans {
		if err := s.CreateLoan(ctx, &loans[i]); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListLoans(ctx, inventory.LoanFilter{Status: inventory.LoanActive, DueBefore: now})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "l1" {
		t.Fatalf("due-before filter: %+v", got)
	}

	if _, err := s.ActiveLoan(ctx, "u1", "b1"); err != nil {
		t.Fatalf("ActiveLoan: %v", err)
	}
	if _, err := s.ActiveLoan(ctx, "u1", "b2"); !errors.Is(err, inventory.ErrNotFound) {
		t.Fatalf("ActiveLoan for unloaned book: %v", err)
	}
}

func seedUserAndBook(t *testing.T, s *Store) {
	t.Helper()
	ctx := context.Background()
	for _, u := range []inventory.User{
		{ID: "u1", Username: "alice", PasswordHash: "x", Role: inventory.RoleMember},
		{ID: "u2", Username: "bob", PasswordHash: "x", Role: inventory.RoleMember},
	} {
		uu := u
		if err := s.CreateUser(ctx, &uu); err != nil {
			t.Fatalf("CreateUser: %v", err)
		}
	}
	if err := s.CreateBook(ctx, &inventory.Book{
		ID: "b1", Title: "Dune", Author: "Herbert", TotalCopies: 2, AvailableCopies: 2,
	}); err != nil {
		t.Fatalf("CreateBook: %v", err)
	}
}
