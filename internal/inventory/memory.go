package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemory implements Store with in-process concurrency safety. It backs the
// test suite and the `-store memory` development mode; durable deployments
// use the sqlite or pg backends.
type InMemory struct {
	locks *KeyedLock

	mu        sync.RWMutex
	books     map[string]*Book
	byISBN    map[string]string // isbn -> book id
	users     map[string]*User
	byName    map[string]string // username -> user id
	loans     map[string]*Loan
	loanOrder []string
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		locks:  NewKeyedLock(DefaultLockWait),
		books:  make(map[string]*Book),
		byISBN: make(map[string]string),
		users:  make(map[string]*User),
		byName: make(map[string]string),
		loans:  make(map[string]*Loan),
	}
}

// WithLockWait overrides the book-lock acquisition wait. Intended for tests
// that exercise ErrLockTimeout.
func (s *InMemory) WithLockWait(wait time.Duration) *InMemory {
	s.locks = NewKeyedLock(wait)
	return s
}

func (s *InMemory) CreateBook(ctx context.Context, b *Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b.ISBN != "" {
		if _, exists := s.byISBN[b.ISBN]; exists {
			return ErrConstraint
		}
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	cp := *b
	s.books[b.ID] = &cp
	if b.ISBN != "" {
		s.byISBN[b.ISBN] = b.ID
	}
	return nil
}

func (s *InMemory) GetBook(ctx context.Context, id string) (Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[id]
	if !ok {
		return Book{}, ErrNotFound
	}
	return *b, nil
}

func (s *InMemory) GetBookByISBN(ctx context.Context, isbn string) (Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byISBN[isbn]
	if !ok {
		return Book{}, ErrNotFound
	}
	return *s.books[id], nil
}

func (s *InMemory) ListBooks(ctx context.Context, f BookFilter) ([]Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Book, 0, len(s.books))
	for _, b := range s.books {
		if f.Matches(*b) {
			out = append(out, *b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) UpdateBook(ctx context.Context, b *Book) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.books[b.ID]
	if !ok {
		return ErrNotFound
	}
	if b.ISBN != "" {
		if id, exists := s.byISBN[b.ISBN]; exists && id != b.ID {
			return ErrConstraint
		}
	}
	if cur.ISBN != "" && cur.ISBN != b.ISBN {
		delete(s.byISBN, cur.ISBN)
	}
	b.CreatedAt = cur.CreatedAt
	// Counters change only through UpdateCopies under the book lock; a
	// metadata update carrying stale counts must not clobber them.
	b.TotalCopies = cur.TotalCopies
	b.AvailableCopies = cur.AvailableCopies
	b.UpdatedAt = time.Now().UTC()
	cp := *b
	s.books[b.ID] = &cp
	if b.ISBN != "" {
		s.byISBN[b.ISBN] = b.ID
	}
	return nil
}

func (s *InMemory) DeleteBook(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[id]
	if !ok {
		return ErrNotFound
	}
	for _, l := range s.loans {
		if l.BookID == id && l.Status == LoanActive {
			return ErrConstraint
		}
	}
	if b.ISBN != "" {
		delete(s.byISBN, b.ISBN)
	}
	delete(s.books, id)
	return nil
}

func (s *InMemory) UpdateCopies(ctx context.Context, bookID string, total, available int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[bookID]
	if !ok {
		return ErrNotFound
	}
	if total < 0 || available < 0 || available > total {
		return ErrConstraint
	}
	b.TotalCopies = total
	b.AvailableCopies = available
	b.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) CreateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[u.Username]; exists {
		return ErrConstraint
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	cp := *u
	s.users[u.ID] = &cp
	s.byName[u.Username] = u.ID
	return nil
}

func (s *InMemory) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *InMemory) GetUserByUsername(ctx context.Context, username string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[username]
	if !ok {
		return User{}, ErrNotFound
	}
	return *s.users[id], nil
}

func (s *InMemory) ListUsers(ctx context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *InMemory) UpdateUser(ctx context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.users[u.ID]
	if !ok {
		return ErrNotFound
	}
	if id, exists := s.byName[u.Username]; exists && id != u.ID {
		return ErrConstraint
	}
	if cur.Username != u.Username {
		delete(s.byName, cur.Username)
	}
	u.CreatedAt = cur.CreatedAt
	u.UpdatedAt = time.Now().UTC()
	cp := *u
	s.users[u.ID] = &cp
	s.byName[u.Username] = u.ID
	return nil
}

func (s *InMemory) DisableUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return ErrNotFound
	}
	u.Disabled = true
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemory) CreateLoan(ctx context.Context, l *Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *l
	s.loans[l.ID] = &cp
	s.loanOrder = append(s.loanOrder, l.ID)
	return nil
}

func (s *InMemory) GetLoan(ctx context.Context, id string) (Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.loans[id]
	if !ok {
		return Loan{}, ErrNotFound
	}
	return *l, nil
}

func (s *InMemory) UpdateLoan(ctx context.Context, l *Loan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.loans[l.ID]; !ok {
		return ErrNotFound
	}
	cp := *l
	s.loans[l.ID] = &cp
	return nil
}

func (s *InMemory) ListLoans(ctx context.Context, f LoanFilter) ([]Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Loan
	for _, id := range s.loanOrder {
		l := s.loans[id]
		if f.Matches(*l) {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (s *InMemory) ActiveLoan(ctx context.Context, userID, bookID string) (Loan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, l := range s.loans {
		if l.UserID == userID && l.BookID == bookID && l.Status == LoanActive {
			return *l, nil
		}
	}
	return Loan{}, ErrNotFound
}

func (s *InMemory) WithBookLock(ctx context.Context, bookID string, fn func(ctx context.Context) error) error {
	release, err := s.locks.Acquire(ctx, bookID)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (s *InMemory) Ping(ctx context.Context) error { return nil }

func (s *InMemory) Close() error { return nil }
