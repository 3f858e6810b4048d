// Package client is the bundled protocol client used by libctl and the
// integration tests. It stands in for the out-of-scope GUI front end.
package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"biblio.org/internal/inventory"
	"biblio.org/internal/wire"
)

// Client is a synchronous connection to one library server. It is safe for
// use by one goroutine at a time; guard concurrent use externally or open one
// client per goroutine.
type Client struct {
	mu      sync.Mutex
	conn    net.Conn
	token   string
	timeout time.Duration
}

// Dial connects to addr.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{conn: conn, timeout: timeout}, nil
}

// Close tears down the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Token returns the session token obtained by Login, if any.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// do sends one request and decodes the response payload into out (when out is
// non-nil). Error responses come back as *wire.ProtocolError.
func (c *Client) do(op string, data any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := &wire.Request{Op: op, RequestID: uuid.NewString(), Token: c.token}
	if data != nil {
		payload, err := wire.MarshalData(data)
		if err != nil {
			return err
		}
		req.Data = payload
	}

	_ = c.conn.SetDeadline(time.Now().Add(c.timeout))
	if err := wire.WriteRequest(c.conn, req); err != nil {
		return err
	}
	resp, err := wire.ReadResponse(c.conn)
	if err != nil {
		return err
	}
	if err := resp.Err(); err != nil {
		return err
	}
	if out != nil {
		return wire.UnmarshalData(resp.Data, out)
	}
	return nil
}

// LoginResult mirrors the login response payload.
type LoginResult struct {
	Token     string         `json:"token"`
	UserID    string         `json:"user_id"`
	Username  string         `json:"username"`
	Role      inventory.Role `json:"role"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Login authenticates and stores the returned token for later calls.
func (c *Client) Login(username, password string) (LoginResult, error) {
	var res LoginResult
	err := c.do("login", map[string]string{"username": username, "password": password}, &res)
	if err != nil {
		return LoginResult{}, err
	}
	c.mu.Lock()
	c.token = res.Token
	c.mu.Unlock()
	return res, nil
}

// Logout invalidates the current session.
func (c *Client) Logout() error {
	err := c.do("logout", nil, nil)
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
	return err
}

// SetToken installs a previously obtained token (e.g. across reconnects).
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// BookFields carries catalog metadata for create/update calls.
type BookFields struct {
	ID              string `json:"id,omitempty"`
	Title           string `json:"title,omitempty"`
	Author          string `json:"author,omitempty"`
	ISBN            string `json:"isbn,omitempty"`
	Publisher       string `json:"publisher,omitempty"`
	PublicationYear int    `json:"publication_year,omitempty"`
	Category        string `json:"category,omitempty"`
	Description     string `json:"description,omitempty"`
	TotalCopies     int    `json:"total_copies,omitempty"`
}

func (c *Client) ListBooks(f inventory.BookFilter) ([]inventory.Book, error) {
	var books []inventory.Book
	err := c.do("book_list", map[string]string{
		"title": f.Title, "author": f.Author, "category": f.Category, "query": f.Query,
	}, &books)
	return books, err
}

func (c *Client) GetBook(id string) (inventory.Book, error) {
	var book inventory.Book
	err := c.do("book_get", map[string]string{"id": id}, &book)
	return book, err
}

func (c *Client) GetBookByISBN(isbn string) (inventory.Book, error) {
	var book inventory.Book
	err := c.do("book_get_by_isbn", map[string]string{"isbn": isbn}, &book)
	return book, err
}

func (c *Client) SearchBooks(query string) ([]inventory.Book, error) {
	var books []inventory.Book
	err := c.do("book_search", map[string]string{"query": query}, &books)
	return books, err
}

func (c *Client) CreateBook(fields BookFields) (inventory.Book, error) {
	var book inventory.Book
	err := c.do("book_create", fields, &book)
	return book, err
}

func (c *Client) UpdateBook(fields BookFields) (inventory.Book, error) {
	var book inventory.Book
	err := c.do("book_update", fields, &book)
	return book, err
}

func (c *Client) DeleteBook(id string) error {
	return c.do("book_delete", map[string]string{"id": id}, nil)
}

func (c *Client) AddCopies(bookID string, n int) (inventory.Book, error) {
	var book inventory.Book
	err := c.do("book_add_copies", map[string]any{"id": bookID, "count": n}, &book)
	return book, err
}

func (c *Client) RemoveCopies(bookID string, n int) (inventory.Book, error) {
	var book inventory.Book
	err := c.do("book_remove_copies", map[string]any{"id": bookID, "count": n}, &book)
	return book, err
}

func (c *Client) Borrow(bookID string) (inventory.Loan, error) {
	var loan inventory.Loan
	err := c.do("borrow", map[string]string{"book_id": bookID}, &loan)
	return loan, err
}

func (c *Client) Return(loanID string) (inventory.Loan, error) {
	var loan inventory.Loan
	err := c.do("return", map[string]string{"loan_id": loanID}, &loan)
	return loan, err
}

func (c *Client) ListMyLoans(status inventory.LoanStatus) ([]inventory.Loan, error) {
	var loans []inventory.Loan
	err := c.do("loan_list_mine", map[string]string{"status": string(status)}, &loans)
	return loans, err
}

func (c *Client) ListOverdue(asOf time.Time) ([]inventory.Loan, error) {
	args := map[string]any{}
	if !asOf.IsZero() {
		args["as_of"] = asOf
	}
	var loans []inventory.Loan
	err := c.do("loan_list_overdue", args, &loans)
	return loans, err
}

func (c *Client) ListBookLoans(bookID string) ([]inventory.Loan, error) {
	var loans []inventory.Loan
	err := c.do("loan_list_for_book", map[string]string{"book_id": bookID}, &loans)
	return loans, err
}

// UserFields carries account data for create/update calls.
type UserFields struct {
	ID       string         `json:"id,omitempty"`
	Username string         `json:"username,omitempty"`
	Password string         `json:"password,omitempty"`
	Role     inventory.Role `json:"role,omitempty"`
	FullName string         `json:"full_name,omitempty"`
	Email    string         `json:"email,omitempty"`
	Phone    string         `json:"phone,omitempty"`
	Address  string         `json:"address,omitempty"`
}

func (c *Client) ListUsers() ([]inventory.User, error) {
	var users []inventory.User
	err := c.do("user_list", nil, &users)
	return users, err
}

func (c *Client) GetUser(id string) (inventory.User, error) {
	var user inventory.User
	err := c.do("user_get", map[string]string{"id": id}, &user)
	return user, err
}

func (c *Client) CreateUser(fields UserFields) (inventory.User, error) {
	var user inventory.User
	err := c.do("user_create", fields, &user)
	return user, err
}

func (c *Client) UpdateUser(fields UserFields) (inventory.User, error) {
	var user inventory.User
	err := c.do("user_update", fields, &user)
	return user, err
}

func (c *Client) DeleteUser(id string) error {
	return c.do("user_delete", map[string]string{"id": id}, nil)
}
