package server

import (
	"context"
	"strings"
	"time"

	"biblio.org/internal/audit"
	"biblio.org/internal/ids"
	"biblio.org/internal/inventory"
	"biblio.org/internal/session"
	"biblio.org/internal/wire"
)

// Wire operation names. Admin-only operations are gated in the route table,
// not inside individual handlers, so every handler runs post-authorization.
const (
	opLogin            = "login"
	opLogout           = "logout"
	opBookList         = "book_list"
	opBookGet          = "book_get"
	opBookGetByISBN    = "book_get_by_isbn"
	opBookSearch       = "book_search"
	opBookCreate       = "book_create"
	opBookUpdate       = "book_update"
	opBookDelete       = "book_delete"
	opBookAddCopies    = "book_add_copies"
	opBookRemoveCopies = "book_remove_copies"
	opBorrow           = "borrow"
	opReturn           = "return"
	opLoanListMine     = "loan_list_mine"
	opLoanListOverdue  = "loan_list_overdue"
	opLoanListForBook  = "loan_list_for_book"
	opUserList         = "user_list"
	opUserGet          = "user_get"
	opUserCreate       = "user_create"
	opUserUpdate       = "user_update"
	opUserDelete       = "user_delete"
)

type handler struct {
	role    inventory.Role
	mutates bool
	fn      func(ctx context.Context, req *wire.Request) (any, error)
}

func (s *Server) routes() map[string]handler {
	member, admin := inventory.RoleMember, inventory.RoleAdmin
	return map[string]handler{
		opLogin:  {role: member, fn: s.handleLogin},
		opLogout: {role: member, fn: s.handleLogout},

		opBookList:         {role: member, fn: s.handleBookList},
		opBookGet:          {role: member, fn: s.handleBookGet},
		opBookGetByISBN:    {role: member, fn: s.handleBookGetByISBN},
		opBookSearch:       {role: member, fn: s.handleBookSearch},
		opBookCreate:       {role: admin, mutates: true, fn: s.handleBookCreate},
		opBookUpdate:       {role: admin, mutates: true, fn: s.handleBookUpdate},
		opBookDelete:       {role: admin, mutates: true, fn: s.handleBookDelete},
		opBookAddCopies:    {role: admin, mutates: true, fn: s.handleBookAddCopies},
		opBookRemoveCopies: {role: admin, mutates: true, fn: s.handleBookRemoveCopies},

		opBorrow:          {role: member, mutates: true, fn: s.handleBorrow},
		opReturn:          {role: member, mutates: true, fn: s.handleReturn},
		opLoanListMine:    {role: member, fn: s.handleLoanListMine},
		opLoanListOverdue: {role: admin, fn: s.handleLoanListOverdue},
		opLoanListForBook: {role: admin, fn: s.handleLoanListForBook},

		opUserList:   {role: admin, fn: s.handleUserList},
		opUserGet:    {role: member, fn: s.handleUserGet},
		opUserCreate: {role: admin, mutates: true, fn: s.handleUserCreate},
		opUserUpdate: {role: member, mutates: true, fn: s.handleUserUpdate},
		opUserDelete: {role: admin, mutates: true, fn: s.handleUserDelete},
	}
}

type loginArgs struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResult struct {
	Token     string         `json:"token"`
	UserID    string         `json:"user_id"`
	Username  string         `json:"username"`
	Role      inventory.Role `json:"role"`
	ExpiresAt time.Time      `json:"expires_at"`
}

func (s *Server) handleLogin(ctx context.Context, req *wire.Request) (any, error) {
	var args loginArgs
	if err := wire.UnmarshalData(req.Data, &args); err != nil {
		return nil, badRequestf("malformed login payload")
	}
	sess, err := s.sessions.Login(ctx, args.Username, args.Password)
	if err != nil {
		_ = audit.LogEvent(audit.WithRequestID(ctx, req.RequestID), "login_failed", map[string]any{
			"username": args.Username,
		})
		return nil, err
	}
	_ = audit.LogEvent(audit.WithRequestID(ctx, req.RequestID), "login", map[string]any{
		"user_id": sess.UserID,
	})
	return loginResult{
		Token:     sess.Token,
		UserID:    sess.UserID,
		Username:  sess.Username,
		Role:      sess.Role,
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

type okResult struct {
	OK bool `json:"ok"`
}

func (s *Server) handleLogout(ctx context.Context, req *wire.Request) (any, error) {
	s.sessions.Logout(req.Token)
	return okResult{OK: true}, nil
}

type bookListArgs struct {
	Title    string `json:"title,omitempty"`
	Author   string `json:"author,omitempty"`
	Category string `json:"category,omitempty"`
	Query    string `json:"query,omitempty"`
}

func (s *Server) handleBookList(ctx context.Context, req *wire.Request) (any, error) {
	var args bookListArgs
	if err := wire.UnmarshalData(req.Data, &args); err != nil {
		return nil, badRequestf("malformed filter payload")
	}
	return s.store.ListBooks(ctx, inventory.BookFilter{
		Title:    args.Title,
		Author:   args.Author,
		Category: args.Category,
		Query:    args.Query,
	})
}

type idArgs struct {
	ID string `json:"id"`
}

func (s *Server) handleBookGet(ctx context.Context, req *wire.Request) (any, error) {
	var args idArgs
	if err := wire.UnmarshalData(req.Data, &args); err != nil || args.ID == "" {
		return nil, badRequestf("book id is required")
	}
	return s.store.GetBook(ctx, args.ID)
}

func (s *Server) handleBookGetByISBN(ctx context.Context, req *wire.Request) (any, error) {
	var args struct {
		ISBN string `json:"isbn"`
	}
	if err := wire.UnmarshalData(req.Data, &args); err != nil || args.ISBN == "" {
		return nil, badRequestf("isbn is required")
	}
	return s.store.GetBookByISBN(ctx, args.ISBN)
}

func (s *Server) handleBookSearch(ctx context.Context, req *wire.Request) (any, error) {
	var args struct {
		Query string `json:"query"`
	}
	if err := wire.UnmarshalData(req.Data, &args); err != nil {
		return nil, badRequestf("malformed search payload")
	}
	if strings.TrimSpace(args.Query) == "" {
		return nil, badRequestf("search query is required")
	}
	return s.store.ListBooks(ctx, inventory.BookFilter{Query: args.Query})
}

type bookArgs struct {
	ID              string `json:"id,omitempty"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	ISBN            string `json:"isbn,omitempty"`
	Publisher       string `json:"publisher,omitempty"`
	PublicationYear int    `json:"publication_year,omitempty"`
	Category        string `json:"category,omitempty"`
	Description     string `json:"description,omitempty"`
	TotalCopies     int    `json:"total_copies"`
}

func (s *Server) handleBookCreate(ctx context.Context, req *wire.Request) (any, error) {
	var args bookArgs
	if err := wire.UnmarshalData(req.Data, &args); err != nil {
		return nil, badRequestf("malformed book payload")
	}
	if strings.TrimSpace(args.Title) == "" || strings.TrimSpace(args.Author) == "" {
		return nil, badRequestf("title and author are required")
	}
	if args.TotalCopies < 0 {
		return nil, badRequestf("total_copies must not be negative")
	}
	book := inventory.Book{
		ID:              ids.New(),
		Title:           args.Title,
		Author:          args.Author,
		ISBN:            args.ISBN,
		Publisher:       args.Publisher,
		PublicationYear: args.PublicationYear,
		Category:        args.Category,
		Description:     args.Description,
		TotalCopies:     args.TotalCopies,
		AvailableCopies: args.TotalCopies,
	}
	if err := s.store.CreateBook(ctx, &book); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(audit.WithRequestID(ctx, req.RequestID), "book_created", map[string]any{
		"book_id": book.ID, "title": book.Title,
	})
	return book, nil
}

// handleBookUpdate rewrites catalog metadata only. Copy counters change
// exclusively through add/remove copies so they stay under the book lock.
func (s *Server) handleBookUpdate(ctx context.Context, req *wire.Request) (any, error) {
	var args bookArgs
	if err := wire.UnmarshalData(req.Data, &args); err != nil || args.ID == "" {
		return nil, badRequestf("book id is required")
	}
	book, err := s.store.GetBook(ctx, args.ID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Title) != "" {
		book.Title = args.Title
	}
	if strings.TrimSpace(args.Author) != "" {
		book.Author = args.Author
	}
	book.ISBN = args.ISBN
	book.Publisher = args.Publisher
	book.PublicationYear = args.PublicationYear
	book.Category = args.Category
	book.Description = args.Description
	if err := s.store.UpdateBook(ctx, &book); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(audit.WithRequestID(ctx, req.RequestID), "book_updated", map[string]any{
		"book_id": book.ID,
	})
	return book, nil
}

func (s *Server) handleBookDelete(ctx context.Context, req *wire.Request) (any, error) {
	var args idArgs
	if err := wire.UnmarshalData(req.Data, &args); err != nil || args.ID == "" {
		return nil, badRequestf("book id is required")
	}
	if err := s.store.DeleteBook(ctx, args.ID); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(audit.WithRequestID(ctx, req.RequestID), "book_deleted", map[string]any{
		"book_id": args.ID,
	})
	return okResult{OK: true}, nil
}

type copiesArgs struct {
	ID    string `json:"id"`
	Count int    `json:"count"`
}

func (s *Server) handleBookAddCopies(ctx context.Context, req *wire.Request) (any, error) {
	var args copiesArgs
	if err := wire.UnmarshalData(req.Data, &args); err != nil || args.ID == "" {
		return nil, badRequestf("book id is required")
	}
	book, err := s.engine.AddCopies(ctx, args.ID, args.Count)
	if err != nil {
		return nil, err
	}
	_ = audit.LogEvent(audit.WithRequestID(ctx, req.RequestID), "copies_added", map[string]any{
		"book_id": args.ID, "count": args.Count,
	})
	return book, nil
}

func (s *Server) handleBookRemoveCopies(ctx context.Context, req *wire.Request) (any, error) {
	var args copiesArgs
	if err := wire.UnmarshalData(req.Data, &args); err != nil || args.ID == "" {
		return nil, badRequestf("book id is required")
	}
	book, err := s.engine.RemoveCopies(ctx, args.ID, args.Count)
	if err != nil {
		return nil, err
	}
	_ = audit.LogEvent(audit.WithRequestID(ctx, req.RequestID), "copies_removed", map[string]any{
		"book_id": args.ID, "count": args.Count,
	})
	return book, nil
}

func (s *Server) handleBorrow(ctx context.Context, req *wire.Request) (any, error) {
	id, _ := session.IdentityFromContext(ctx)
	var args struct {
		BookID string `json:"book_id"`
	}
	if err := wire.UnmarshalData(req.Data, &args); err != nil || args.BookID == "" {
		return nil, badRequestf("book_id is required")
	}
	return s.engine.Borrow(ctx, id.UserID, args.BookID)
}

func (s *Server) handleReturn(ctx context.Context, req *wire.Request) (any, error) {
	var args struct {
		LoanID string `json:"loan_id"`
	}
	if err := wire.UnmarshalData(req.Data, &args); err != nil || args.LoanID == "" {
		return nil, badRequestf("loan_id is required")
	}
	return s.engine.Return(ctx, args.LoanID)
}

func (s *Server) handleLoanListMine(ctx context.Context, req *wire.Request) (any, error) {
	id, _ := session.IdentityFromContext(ctx)
	var args struct {
		Status inventory.LoanStatus `json:"status,omitempty"`
	}
	if err := wire.UnmarshalData(req.Data, &args); err != nil {
		return nil, badRequestf("malformed filter payload")
	}
	return s.engine.ListUserLoans(ctx, id.UserID, args.Status)
}

func (s *Server) handleLoanListOverdue(ctx context.Context, req *wire.Request) (any, error) {
	var args struct {
		AsOf time.Time `json:"as_of,omitempty"`
	}
	if err := wire.UnmarshalData(req.Data, &args); err != nil {
		return nil, badRequestf("malformed filter payload")
	}
	return s.engine.ListOverdue(ctx, args.AsOf)
}

func (s *Server) handleLoanListForBook(ctx context.Context, req *wire.Request) (any, error) {
	var args struct {
		BookID string `json:"book_id"`
	}
	if err := wire.UnmarshalData(req.Data, &args); err != nil || args.BookID == "" {
		return nil, badRequestf("book_id is required")
	}
	return s.engine.ListBookLoans(ctx, args.BookID)
}

func (s *Server) handleUserList(ctx context.Context, req *wire.Request) (any, error) {
	return s.store.ListUsers(ctx)
}

type userArgs struct {
	ID       string         `json:"id,omitempty"`
	Username string         `json:"username,omitempty"`
	Password string         `json:"password,omitempty"`
	Role     inventory.Role `json:"role,omitempty"`
	FullName string         `json:"full_name,omitempty"`
	Email    string         `json:"email,omitempty"`
	Phone    string         `json:"phone,omitempty"`
	Address  string         `json:"address,omitempty"`
}

// handleUserGet serves admins for any account, members for their own.
func (s *Server) handleUserGet(ctx context.Context, req *wire.Request) (any, error) {
	id, _ := session.IdentityFromContext(ctx)
	var args idArgs
	if err := wire.UnmarshalData(req.Data, &args); err != nil {
		return nil, badRequestf("malformed payload")
	}
	target := args.ID
	if target == "" {
		target = id.UserID
	}
	if target != id.UserID && id.Role != inventory.RoleAdmin {
		return nil, session.ErrInsufficientRole
	}
	return s.store.GetUser(ctx, target)
}

func (s *Server) handleUserCreate(ctx context.Context, req *wire.Request) (any, error) {
	var args userArgs
	if err := wire.UnmarshalData(req.Data, &args); err != nil {
		return nil, badRequestf("malformed user payload")
	}
	args.Username = strings.TrimSpace(args.Username)
	if args.Username == "" || args.Password == "" {
		return nil, badRequestf("username and password are required")
	}
	if args.Role == "" {
		args.Role = inventory.RoleMember
	}
	if !args.Role.Valid() {
		return nil, badRequestf("unknown role " + string(args.Role))
	}
	hash, err := session.HashPassword(args.Password)
	if err != nil {
		return nil, badRequestf("unusable password")
	}
	user := inventory.User{
		ID:           ids.New(),
		Username:     args.Username,
		PasswordHash: hash,
		Role:         args.Role,
		FullName:     args.FullName,
		Email:        args.Email,
		Phone:        args.Phone,
		Address:      args.Address,
	}
	if err := s.store.CreateUser(ctx, &user); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(audit.WithRequestID(ctx, req.RequestID), "user_created", map[string]any{
		"user_id": user.ID, "username": user.Username, "role": string(user.Role),
	})
	return user, nil
}

// handleUserUpdate lets admins edit anyone and members edit their own profile
// and password. Role changes are admin-only.
func (s *Server) handleUserUpdate(ctx context.Context, req *wire.Request) (any, error) {
	id, _ := session.IdentityFromContext(ctx)
	var args userArgs
	if err := wire.UnmarshalData(req.Data, &args); err != nil {
		return nil, badRequestf("malformed user payload")
	}
	target := args.ID
	if target == "" {
		target = id.UserID
	}
	isAdmin := id.Role == inventory.RoleAdmin
	if target != id.UserID && !isAdmin {
		return nil, session.ErrInsufficientRole
	}
	if args.Role != "" && !isAdmin {
		return nil, session.ErrInsufficientRole
	}

	user, err := s.store.GetUser(ctx, target)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Username) != "" {
		user.Username = strings.TrimSpace(args.Username)
	}
	if args.Role != "" {
		if !args.Role.Valid() {
			return nil, badRequestf("unknown role " + string(args.Role))
		}
		user.Role = args.Role
	}
	if args.FullName != "" {
		user.FullName = args.FullName
	}
	if args.Email != "" {
		user.Email = args.Email
	}
	if args.Phone != "" {
		user.Phone = args.Phone
	}
	if args.Address != "" {
		user.Address = args.Address
	}
	if args.Password != "" {
		hash, err := session.HashPassword(args.Password)
		if err != nil {
			return nil, badRequestf("unusable password")
		}
		user.PasswordHash = hash
	}
	if err := s.store.UpdateUser(ctx, &user); err != nil {
		return nil, err
	}
	_ = audit.LogEvent(audit.WithRequestID(ctx, req.RequestID), "user_updated", map[string]any{
		"user_id": user.ID,
	})
	return user, nil
}

// handleUserDelete soft-disables the account (loans keep referencing it) and
// revokes any live sessions it holds.
func (s *Server) handleUserDelete(ctx context.Context, req *wire.Request) (any, error) {
	id, _ := session.IdentityFromContext(ctx)
	var args idArgs
	if err := wire.UnmarshalData(req.Data, &args); err != nil || args.ID == "" {
		return nil, badRequestf("user id is required")
	}
	if args.ID == id.UserID {
		return nil, badRequestf("cannot disable own account")
	}
	if err := s.store.DisableUser(ctx, args.ID); err != nil {
		return nil, err
	}
	s.sessions.Revoke(args.ID)
	_ = audit.LogEvent(audit.WithRequestID(ctx, req.RequestID), "user_disabled", map[string]any{
		"user_id": args.ID,
	})
	return okResult{OK: true}, nil
}
