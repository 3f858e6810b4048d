// Package sqlite is the default durable inventory backend, matching the
// original deployment's embedded database. One server process owns the file,
// so per-book serialization uses the shared keyed lock rather than row locks.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"biblio.org/internal/inventory"
)

// Store implements inventory.Store on a SQLite file.
type Store struct {
	db    *sql.DB
	locks *inventory.KeyedLock
}

var _ inventory.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and bootstraps the
// schema.
func Open(path string, lockWait time.Duration) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The driver serializes writes; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	s := &Store{db: db, locks: inventory.NewKeyedLock(lockWait)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS books (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			author TEXT NOT NULL,
			isbn TEXT NOT NULL DEFAULT '',
			publisher TEXT NOT NULL DEFAULT '',
			publication_year INTEGER NOT NULL DEFAULT 0,
			category TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			total_copies INTEGER NOT NULL DEFAULT 0,
			available_copies INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			CHECK (available_copies >= 0 AND available_copies <= total_copies)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_books_isbn ON books(isbn) WHERE isbn <> ''`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			username TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			role TEXT NOT NULL,
			full_name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			phone TEXT NOT NULL DEFAULT '',
			address TEXT NOT NULL DEFAULT '',
			disabled INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS loans (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL REFERENCES users(id),
			book_id TEXT NOT NULL REFERENCES books(id),
			borrowed_at TIMESTAMP NOT NULL,
			due_at TIMESTAMP NOT NULL,
			returned_at TIMESTAMP,
			status TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_loans_user ON loans(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_loans_book ON loans(book_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_loans_one_active
			ON loans(user_id, book_id) WHERE status = 'active'`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("sqlite migrate: %w", err)
		}
	}
	return nil
}

// mapErr normalizes driver errors onto the inventory error kinds.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return inventory.ErrNotFound
	}
	msg := err.Error()
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "UNIQUE") {
		return fmt.Errorf("%w: %v", inventory.ErrConstraint, err)
	}
	return fmt.Errorf("%w: %v", inventory.ErrStorageUnavailable, err)
}

// querier is the subset of *sql.DB and *sql.Tx the data methods run on.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txContextKey struct{}

// q returns the transaction carried by ctx inside a WithBookLock section,
// otherwise the shared handle.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txContextKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

const bookCols = `id, title, author, isbn, publisher, publication_year, category,
	description, total_copies, available_copies, created_at, updated_at`

func scanBook(row interface{ Scan(...any) error }) (inventory.Book, error) {
	var b inventory.Book
	err := row.Scan(&b.ID, &b.Title, &b.Author, &b.ISBN, &b.Publisher,
		&b.PublicationYear, &b.Category, &b.Description,
		&b.TotalCopies, &b.AvailableCopies, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return inventory.Book{}, mapErr(err)
	}
	return b, nil
}

func (s *Store) CreateBook(ctx context.Context, b *inventory.Book) error {
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO books (`+bookCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		b.ID, b.Title, b.Author, b.ISBN, b.Publisher, b.PublicationYear,
		b.Category, b.Description, b.TotalCopies, b.AvailableCopies,
		b.CreatedAt, b.UpdatedAt)
	return mapErr(err)
}

func (s *Store) GetBook(ctx context.Context, id string) (inventory.Book, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+bookCols+` FROM books WHERE id = ?`, id)
	return scanBook(row)
}

func (s *Store) GetBookByISBN(ctx context.Context, isbn string) (inventory.Book, error) {
	if isbn == "" {
		return inventory.Book{}, inventory.ErrNotFound
	}
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+bookCols+` FROM books WHERE isbn = ?`, isbn)
	return scanBook(row)
}

func (s *Store) ListBooks(ctx context.Context, f inventory.BookFilter) ([]inventory.Book, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT `+bookCols+` FROM books ORDER BY id`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := make([]inventory.Book, 0)
	for rows.Next() {
		b, err := scanBook(rows)
		if err != nil {
			return nil, err
		}
		// Substring filters run in Go to keep search semantics identical
		// across backends.
		if f.Matches(b) {
			out = append(out, b)
		}
	}
	return out, mapErr(rows.Err())
}

func (s *Store) UpdateBook(ctx context.Context, b *inventory.Book) error {
	b.UpdatedAt = time.Now().UTC()
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE books SET title=?, author=?, isbn=?, publisher=?,
			publication_year=?, category=?, description=?, updated_at=?
		WHERE id = ?`,
		b.Title, b.Author, b.ISBN, b.Publisher, b.PublicationYear,
		b.Category, b.Description, b.UpdatedAt, b.ID)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (s *Store) DeleteBook(ctx context.Context, id string) error {
	var active int
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT count(*) FROM loans WHERE book_id = ? AND status = 'active'`, id).Scan(&active)
	if err != nil {
		return mapErr(err)
	}
	if active > 0 {
		return inventory.ErrConstraint
	}
	res, err := s.q(ctx).ExecContext(ctx, `DELETE FROM books WHERE id = ?`, id)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (s *Store) UpdateCopies(ctx context.Context, bookID string, total, available int) error {
	if total < 0 || available < 0 || available > total {
		return inventory.ErrConstraint
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE books SET total_copies=?, available_copies=?, updated_at=?
		WHERE id = ?`,
		total, available, time.Now().UTC(), bookID)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

const userCols = `id, username, password_hash, role, full_name, email, phone,
	address, disabled, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (inventory.User, error) {
	var u inventory.User
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.Role, &u.FullName,
		&u.Email, &u.Phone, &u.Address, &u.Disabled, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return inventory.User{}, mapErr(err)
	}
	return u, nil
}

func (s *Store) CreateUser(ctx context.Context, u *inventory.User) error {
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO users (`+userCols+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Username, u.PasswordHash, u.Role, u.FullName, u.Email,
		u.Phone, u.Address, u.Disabled, u.CreatedAt, u.UpdatedAt)
	return mapErr(err)
}

func (s *Store) GetUser(ctx context.Context, id string) (inventory.User, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (inventory.User, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE username = ?`, username)
	return scanUser(row)
}

func (s *Store) ListUsers(ctx context.Context) ([]inventory.User, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT `+userCols+` FROM users ORDER BY username`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	out := make([]inventory.User, 0)
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) UpdateUser(ctx context.Context, u *inventory.User) error {
	u.UpdatedAt = time.Now().UTC()
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE users SET username=?, password_hash=?, role=?, full_name=?,
			email=?, phone=?, address=?, disabled=?, updated_at=?
		WHERE id = ?`,
		u.Username, u.PasswordHash, u.Role, u.FullName, u.Email, u.Phone,
		u.Address, u.Disabled, u.UpdatedAt, u.ID)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (s *Store) DisableUser(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE users SET disabled = 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

const loanCols = `id, user_id, book_id, borrowed_at, due_at, returned_at, status`

func scanLoan(row interface{ Scan(...any) error }) (inventory.Loan, error) {
	var l inventory.Loan
	var returned sql.NullTime
	err := row.Scan(&l.ID, &l.UserID, &l.BookID, &l.BorrowedAt, &l.DueAt, &returned, &l.Status)
	if err != nil {
		return inventory.Loan{}, mapErr(err)
	}
	if returned.Valid {
		t := returned.Time
		l.ReturnedAt = &t
	}
	return l, nil
}

func (s *Store) CreateLoan(ctx context.Context, l *inventory.Loan) error {
	var returned any
	if l.ReturnedAt != nil {
		returned = *l.ReturnedAt
	}
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO loans (`+loanCols+`) VALUES (?,?,?,?,?,?,?)`,
		l.ID, l.UserID, l.BookID, l.BorrowedAt, l.DueAt, returned, l.Status)
	return mapErr(err)
}

func (s *Store) GetLoan(ctx context.Context, id string) (inventory.Loan, error) {
	row := s.q(ctx).QueryRowContext(ctx, `SELECT `+loanCols+` FROM loans WHERE id = ?`, id)
	return scanLoan(row)
}

func (s *Store) UpdateLoan(ctx context.Context, l *inventory.Loan) error {
	var returned any
	if l.ReturnedAt != nil {
		returned = *l.ReturnedAt
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		UPDATE loans SET returned_at = ?, status = ?, due_at = ? WHERE id = ?`,
		returned, l.Status, l.DueAt, l.ID)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (s *Store) ListLoans(ctx context.Context, f inventory.LoanFilter) ([]inventory.Loan, error) {
	query := `SELECT ` + loanCols + ` FROM loans WHERE 1=1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.BookID != "" {
		query += ` AND book_id = ?`
		args = append(args, f.BookID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	if !f.DueBefore.IsZero() {
		query += ` AND due_at < ?`
		args = append(args, f.DueBefore)
	}
	query += ` ORDER BY borrowed_at`
	rows, err := s.q(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []inventory.Loan
	for rows.Next() {
		l, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, mapErr(rows.Err())
}

func (s *Store) ActiveLoan(ctx context.Context, userID, bookID string) (inventory.Loan, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT `+loanCols+` FROM loans
		WHERE user_id = ? AND book_id = ? AND status = 'active'`, userID, bookID)
	return scanLoan(row)
}

// WithBookLock serializes on the keyed lock, then runs fn inside a
// transaction carried through the context. An error from fn rolls back
// everything written in the section, so a failed borrow cannot leave the
// copy counters decremented.
func (s *Store) WithBookLock(ctx context.Context, bookID string, fn func(ctx context.Context) error) error {
	release, err := s.locks.Acquire(ctx, bookID)
	if err != nil {
		return err
	}
	defer release()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txContextKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", inventory.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func noneUpdated(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return mapErr(err)
	}
	if n == 0 {
		return inventory.ErrNotFound
	}
	return nil
}
