// Package pg implements the inventory store on PostgreSQL. Per-book
// serialization uses row locks: WithBookLock opens a transaction, takes
// SELECT ... FOR UPDATE on the book row, and runs the callback's store calls
// inside that transaction via the context.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"biblio.org/internal/inventory"
)

// Store implements inventory.Store on Postgres.
type Store struct {
	db       *sql.DB
	lockWait time.Duration
}

var _ inventory.Store = (*Store)(nil)

// Open connects to the DSN with pool settings tuned for a single service.
func Open(dsn string, lockWait time.Duration) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if lockWait <= 0 {
		lockWait = inventory.DefaultLockWait
	}
	return &Store{db: db, lockWait: lockWait}, nil
}

// NewWithDB wraps an existing handle; used by tests with sqlmock.
func NewWithDB(db *sql.DB, lockWait time.Duration) *Store {
	if lockWait <= 0 {
		lockWait = inventory.DefaultLockWait
	}
	return &Store{db: db, lockWait: lockWait}
}

func (s *Store) Close() error { return s.db.Close() }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txContextKey struct{}

// q returns the transaction carried by ctx when running inside WithBookLock,
// otherwise the pooled handle.
func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txContextKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// WithBookLock serializes operations on one book via a row lock. The bounded
// wait maps lock contention to ErrLockTimeout instead of hanging the caller.
func (s *Store) WithBookLock(ctx context.Context, bookID string, fn func(ctx context.Context) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return mapErr(err)
	}
	defer func() { _ = tx.Rollback() }()

	lockCtx, cancel := context.WithTimeout(ctx, s.lockWait)
	var one int
	err = tx.QueryRowContext(lockCtx, `select 1 from books where id = $1 for update`, bookID).Scan(&one)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return inventory.ErrLockTimeout
		}
		if errors.Is(err, sql.ErrNoRows) {
			return inventory.ErrNotFound
		}
		return mapErr(err)
	}

	if err := fn(context.WithValue(ctx, txContextKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return mapErr(err)
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
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505" || pgErr.Code == "23514" || pgErr.Code == "23503":
			return fmt.Errorf("%w: %v", inventory.ErrConstraint, err)
		case strings.HasPrefix(pgErr.Code, "08"), pgErr.Code == "57P01":
			return fmt.Errorf("%w: %v", inventory.ErrStorageUnavailable, err)
		}
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", inventory.ErrStorageUnavailable, err)
	}
	// Driver-level failures (dial errors, closed pool) have no SQLSTATE.
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "connect") {
		return fmt.Errorf("%w: %v", inventory.ErrStorageUnavailable, err)
	}
	return err
}

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
		insert into books (id, title, author, isbn, publisher, publication_year,
			category, description, total_copies, available_copies, created_at, updated_at)
		values ($1,$2,$3,nullif($4,''),$5,$6,$7,$8,$9,$10,$11,$12)`,
		b.ID, b.Title, b.Author, b.ISBN, b.Publisher, b.PublicationYear,
		b.Category, b.Description, b.TotalCopies, b.AvailableCopies,
		b.CreatedAt, b.UpdatedAt)
	return mapErr(err)
}

func (s *Store) GetBook(ctx context.Context, id string) (inventory.Book, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		select id, title, author, coalesce(isbn,''), publisher, publication_year,
			category, description, total_copies, available_copies, created_at, updated_at
		from books where id = $1`, id)
	return scanBook(row)
}

func (s *Store) GetBookByISBN(ctx context.Context, isbn string) (inventory.Book, error) {
	if isbn == "" {
		return inventory.Book{}, inventory.ErrNotFound
	}
	row := s.q(ctx).QueryRowContext(ctx, `
		select id, title, author, coalesce(isbn,''), publisher, publication_year,
			category, description, total_copies, available_copies, created_at, updated_at
		from books where isbn = $1`, isbn)
	return scanBook(row)
}

func (s *Store) ListBooks(ctx context.Context, f inventory.BookFilter) ([]inventory.Book, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		select id, title, author, coalesce(isbn,''), publisher, publication_year,
			category, description, total_copies, available_copies, created_at, updated_at
		from books order by id`)
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
		if f.Matches(b) {
			out = append(out, b)
		}
	}
	return out, mapErr(rows.Err())
}

func (s *Store) UpdateBook(ctx context.Context, b *inventory.Book) error {
	b.UpdatedAt = time.Now().UTC()
	res, err := s.q(ctx).ExecContext(ctx, `
		update books set title=$2, author=$3, isbn=nullif($4,''), publisher=$5,
			publication_year=$6, category=$7, description=$8, updated_at=$9
		where id = $1`,
		b.ID, b.Title, b.Author, b.ISBN, b.Publisher, b.PublicationYear,
		b.Category, b.Description, b.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (s *Store) DeleteBook(ctx context.Context, id string) error {
	var active int
	err := s.q(ctx).QueryRowContext(ctx, `
		select count(*) from loans where book_id = $1 and status = 'active'`, id).Scan(&active)
	if err != nil {
		return mapErr(err)
	}
	if active > 0 {
		return inventory.ErrConstraint
	}
	res, err := s.q(ctx).ExecContext(ctx, `delete from books where id = $1`, id)
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
		update books set total_copies=$2, available_copies=$3, updated_at=$4
		where id = $1`,
		bookID, total, available, time.Now().UTC())
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
		insert into users (`+userCols+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		u.ID, u.Username, u.PasswordHash, u.Role, u.FullName, u.Email,
		u.Phone, u.Address, u.Disabled, u.CreatedAt, u.UpdatedAt)
	return mapErr(err)
}

func (s *Store) GetUser(ctx context.Context, id string) (inventory.User, error) {
	row := s.q(ctx).QueryRowContext(ctx, `select `+userCols+` from users where id = $1`, id)
	return scanUser(row)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (inventory.User, error) {
	row := s.q(ctx).QueryRowContext(ctx, `select `+userCols+` from users where username = $1`, username)
	return scanUser(row)
}

func (s *Store) ListUsers(ctx context.Context) ([]inventory.User, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `select `+userCols+` from users order by username`)
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
		update users set username=$2, password_hash=$3, role=$4, full_name=$5,
			email=$6, phone=$7, address=$8, disabled=$9, updated_at=$10
		where id = $1`,
		u.ID, u.Username, u.PasswordHash, u.Role, u.FullName, u.Email,
		u.Phone, u.Address, u.Disabled, u.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (s *Store) DisableUser(ctx context.Context, id string) error {
	res, err := s.q(ctx).ExecContext(ctx, `
		update users set disabled = true, updated_at = $2 where id = $1`,
		id, time.Now().UTC())
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
		insert into loans (`+loanCols+`) values ($1,$2,$3,$4,$5,$6,$7)`,
		l.ID, l.UserID, l.BookID, l.BorrowedAt, l.DueAt, returned, l.Status)
	return mapErr(err)
}

func (s *Store) GetLoan(ctx context.Context, id string) (inventory.Loan, error) {
	row := s.q(ctx).QueryRowContext(ctx, `select `+loanCols+` from loans where id = $1`, id)
	return scanLoan(row)
}

func (s *Store) UpdateLoan(ctx context.Context, l *inventory.Loan) error {
	var returned any
	if l.ReturnedAt != nil {
		returned = *l.ReturnedAt
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		update loans set returned_at = $2, status = $3, due_at = $4 where id = $1`,
		l.ID, returned, l.Status, l.DueAt)
	if err != nil {
		return mapErr(err)
	}
	return noneUpdated(res)
}

func (s *Store) ListLoans(ctx context.Context, f inventory.LoanFilter) ([]inventory.Loan, error) {
	query := `select ` + loanCols + ` from loans where true`
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.UserID != "" {
		query += ` and user_id = ` + arg(f.UserID)
	}
	if f.BookID != "" {
		query += ` and book_id = ` + arg(f.BookID)
	}
	if f.Status != "" {
		query += ` and status = ` + arg(string(f.Status))
	}
	if !f.DueBefore.IsZero() {
		query += ` and due_at < ` + arg(f.DueBefore)
	}
	query += ` order by borrowed_at`
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
		select `+loanCols+` from loans
		where user_id = $1 and book_id = $2 and status = 'active'`, userID, bookID)
	return scanLoan(row)
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", inventory.ErrStorageUnavailable, err)
	}
	return nil
}

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
