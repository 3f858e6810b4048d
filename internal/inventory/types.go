package inventory

import (
	"errors"
	"time"
)

// Role distinguishes administrative staff from regular members.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Valid reports whether the role is one of the known values.
func (r Role) Valid() bool { return r == RoleAdmin || r == RoleMember }

// Satisfies reports whether a session with role r may perform an operation
// that requires the given role. Admin satisfies every requirement.
func (r Role) Satisfies(required Role) bool {
	if r == RoleAdmin {
		return true
	}
	return r == required
}

// Book is one title with a pool of physical copies.
// Invariant: 0 <= AvailableCopies <= TotalCopies.
type Book struct {
	ID              string    `json:"id"`
	Title           string    `json:"title"`
	Author          string    `json:"author"`
	ISBN            string    `json:"isbn,omitempty"`
	Publisher       string    `json:"publisher,omitempty"`
	PublicationYear int       `json:"publication_year,omitempty"`
	Category        string    `json:"category,omitempty"`
	Description     string    `json:"description,omitempty"`
	TotalCopies     int       `json:"total_copies"`
	AvailableCopies int       `json:"available_copies"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// User is a library account. Users are never hard-deleted; Disabled marks
// accounts that may no longer log in.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	FullName     string    `json:"full_name,omitempty"`
	Email        string    `json:"email,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Address      string    `json:"address,omitempty"`
	Disabled     bool      `json:"disabled,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// LoanStatus enumerates loan states. Overdue is derived from the clock at
// query time and is never written to storage.
type LoanStatus string

const (
	LoanActive   LoanStatus = "active"
	LoanReturned LoanStatus = "returned"
	LoanOverdue  LoanStatus = "overdue"
)

// Loan records one borrow of one copy. The history is append-only: a return
// updates ReturnedAt/Status but loans are never deleted.
type Loan struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	BookID     string     `json:"book_id"`
	BorrowedAt time.Time  `json:"borrowed_at"`
	DueAt      time.Time  `json:"due_at"`
	ReturnedAt *time.Time `json:"returned_at,omitempty"`
	Status     LoanStatus `json:"status"`
}

var (
	// ErrNotFound is returned when an identifier does not resolve.
	ErrNotFound = errors.New("inventory: not found")
	// ErrConstraint is returned when a uniqueness or referential invariant
	// would be broken (duplicate ISBN/username, delete with active loans).
	ErrConstraint = errors.New("inventory: constraint violation")
	// ErrStorageUnavailable is returned when the durable backend cannot be
	// reached. Callers may retry once the store is reachable again.
	ErrStorageUnavailable = errors.New("inventory: storage unavailable")
	// ErrLockTimeout is returned when a per-book lock cannot be acquired
	// within the configured wait.
	ErrLockTimeout = errors.New("inventory: lock timeout")
)
