package inventory

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBookCRUD(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()

	b := Book{ID: "b1", Title: "Dune", Author: "Frank Herbert", ISBN: "978-0441013593", TotalCopies: 3, AvailableCopies: 3}
	if err := s.CreateBook(ctx, &b); err != nil {
		t.Fatalf("CreateBook: %v", err)
	}

	got, err := s.GetBook(ctx, "b1")
	if err != nil {
		t.Fatalf("GetBook: %v", err)
	}
	if got.Title != "Dune" || got.AvailableCopies != 3 {
		t.Fatalf("unexpected book: %+v", got)
	}

	byISBN, err := s.GetBookByISBN(ctx, "978-0441013593")
	if err != nil || byISBN.ID != "b1" {
		t.Fatalf("GetBookByISBN: %v %+v", err, byISBN)
	}

	got.Title = "Dune (Reissue)"
	if err := s.UpdateBook(ctx, &got); err != nil {
		t.Fatalf("UpdateBook: %v", err)
	}
	again, _ := s.GetBook(ctx, "b1")
	if again.Title != "Dune (Reissue)" {
		t.Fatalf("update not applied: %+v", again)
	}

	if err := s.DeleteBook(ctx, "b1"); err != nil {
		t.Fatalf("DeleteBook: %v", err)
	}
	if _, err := s.GetBook(ctx, "b1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

// A metadata update built from a stale read must not write the stale copy
// counters back: a title edit racing a borrow would otherwise resurrect the
// copy that just went out on loan.
func TestUpdateBookLeavesCountersAlone(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.CreateBook(ctx, &Book{ID: "b1", Title: "Dune", Author: "Herbert", TotalCopies: 1, AvailableCopies: 1}); err != nil {
		t.Fatal(err)
	}

	stale, err := s.GetBook(ctx, "b1")
	if err != nil {
		t.Fatal(err)
	}

	// A borrow lands between the read and the write-back.
	if err := s.UpdateCopies(ctx, "b1", 1, 0); err != nil {
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
	if got.AvailableCopies != 0 || got.TotalCopies != 1 {
		t.Fatalf("counters clobbered by metadata update: %d/%d", got.AvailableCopies, got.TotalCopies)
	}
}

func TestCreateBookDuplicateISBN(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.CreateBook(ctx, &Book{ID: "b1", Title: "A", ISBN: "x"}); err != nil {
		t.Fatalf("CreateBook: %v", err)
	}
	err := s.CreateBook(ctx, &Book{ID: "b2", Title: "B", ISBN: "x"})
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
}

func TestDeleteBookWithActiveLoan(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.CreateBook(ctx, &Book{ID: "b1", Title: "A", TotalCopies: 1, AvailableCopies: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateLoan(ctx, &Loan{ID: "l1", UserID: "u1", BookID: "b1", Status: LoanActive}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteBook(ctx, "b1"); !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
}

func TestUpdateCopiesBounds(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.CreateBook(ctx, &Book{ID: "b1", Title: "A", TotalCopies: 2, AvailableCopies: 2}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateCopies(ctx, "b1", 2, 3); !errors.Is(err, ErrConstraint) {
		t.Fatalf("available > total must fail, got %v", err)
	}
	if err := s.UpdateCopies(ctx, "b1", 2, -1); !errors.Is(err, ErrConstraint) {
		t.Fatalf("negative available must fail, got %v", err)
	}
	if err := s.UpdateCopies(ctx, "b1", 5, 4); err != nil {
		t.Fatalf("valid update failed: %v", err)
	}
}

func TestUserUniqueUsername(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.CreateUser(ctx, &User{ID: "u1", Username: "alice", Role: RoleMember}); err != nil {
		t.Fatal(err)
	}
	err := s.CreateUser(ctx, &User{ID: "u2", Username: "alice", Role: RoleMember})
	if !errors.Is(err, ErrConstraint) {
		t.Fatalf("expected ErrConstraint, got %v", err)
	}
	u, err := s.GetUserByUsername(ctx, "alice")
	if err != nil || u.ID != "u1" {
		t.Fatalf("GetUserByUsername: %v %+v", err, u)
	}
}

func TestDisableUserKeepsRecord(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.CreateUser(ctx, &User{ID: "u1", Username: "alice", Role: RoleMember}); err != nil {
		t.Fatal(err)
	}
	if err := s.DisableUser(ctx, "u1"); err != nil {
		t.Fatalf("DisableUser: %v", err)
	}
	u, err := s.GetUser(ctx, "u1")
	if err != nil {
		t.Fatalf("disabled user must stay readable: %v", err)
	}
	if !u.Disabled {
		t.Fatal("user not marked disabled")
	}
}

func TestActiveLoanLookup(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	if err := s.CreateLoan(ctx, &Loan{ID: "l1", UserID: "u1", BookID: "b1", Status: LoanActive}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateLoan(ctx, &Loan{ID: "l2", UserID: "u1", BookID: "b2", Status: LoanReturned}); err != nil {
		t.Fatal(err)
	}

	l, err := s.ActiveLoan(ctx, "u1", "b1")
	if err != nil || l.ID != "l1" {
		t.Fatalf("ActiveLoan: %v %+v", err, l)
	}
	if _, err := s.ActiveLoan(ctx, "u1", "b2"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("returned loan must not count as active, got %v", err)
	}
}

func TestListLoansFilter(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	now := time.Now().UTC()
	loans := []Loan{
		{ID: "l1", UserID: "u1", BookID: "b1", DueAt: now.Add(-time.Hour), Status: LoanActive},
		{ID: "l2", UserID: "u1", BookID: "b2", DueAt: now.Add(time.Hour), Status: LoanActive},
		{ID: "l3", UserID: "u2", BookID: "b1", DueAt: now.Add(-time.Hour), Status: LoanReturned},
	}
	for i := range loans {
		if err := s.CreateLoan(ctx, &loans[i]); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.ListLoans(ctx, LoanFilter{Status: LoanActive, DueBefore: now})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "l1" {
		t.Fatalf("expected only l1 overdue-active, got %+v", got)
	}

	got, err = s.ListLoans(ctx, LoanFilter{UserID: "u1"})
	if err != nil || len(got) != 2 {
		t.Fatalf("user filter: %v %+v", err, got)
	}
}

func TestBookFilterMatches(t *testing.T) {
	b := Book{Title: "The Go Programming Language", Author: "Donovan", ISBN: "978-0134190440", Category: "programming"}
	cases := []struct {
		f    BookFilter
		want bool
	}{
		{BookFilter{}, true},
		{BookFilter{Query: "go programming"}, true},
		{BookFilter{Query: "0134190440"}, true},
		{BookFilter{Query: "rust"}, false},
		{BookFilter{Title: "go"}, true},
		{BookFilter{Author: "donovan"}, true},
		{BookFilter{Category: "fiction"}, false},
	}
	for i, c := range cases {
		if got := c.f.Matches(b); got != c.want {
			t.Errorf("case %d: Matches = %v, want %v", i, got, c.want)
		}
	}
}
