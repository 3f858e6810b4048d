// libctl is the operator command line for a running libraryd. It speaks the
// native framed protocol, so it doubles as a smoke test of the full stack.
package main

import (
	"fmt"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"biblio.org/internal/client"
	"biblio.org/internal/ids"
	"biblio.org/internal/inventory"
	"biblio.org/internal/session"
	"biblio.org/internal/store/pg"
	"biblio.org/internal/store/sqlite"
)

var (
	flagAddr    string
	flagUser    string
	flagTimeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "libctl",
		Short:         "Operate a running library server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagAddr, "addr", envOr("LIBRARY_ADDR", "127.0.0.1:9000"), "server address")
	root.PersistentFlags().StringVarP(&flagUser, "user", "u", "", "username to authenticate as")
	root.PersistentFlags().DurationVar(&flagTimeout, "timeout", 10*time.Second, "per-request timeout")

	root.AddCommand(
		bootstrapCmd(),
		bookCmd(),
		borrowCmd(),
		returnCmd(),
		loansCmd(),
		overdueCmd(),
		userCmd(),
		smokeCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "libctl:", err)
		os.Exit(1)
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// connect dials the server and logs in with --user, prompting for the
// password on the terminal.
func connect() (*client.Client, error) {
	if flagUser == "" {
		return nil, fmt.Errorf("missing --user")
	}
	c, err := client.Dial(flagAddr, flagTimeout)
	if err != nil {
		return nil, err
	}
	password, err := readPassword(fmt.Sprintf("Password for %s: ", flagUser))
	if err != nil {
		c.Close()
		return nil, err
	}
	if _, err := c.Login(flagUser, password); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func readPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	raw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(raw)), nil
}

// bootstrapCmd creates the first admin by writing straight to the store,
// bypassing the server. Every later account goes through `libctl user add`.
func bootstrapCmd() *cobra.Command {
	var (
		fullName   string
		sqlitePath string
		pgDSN      string
	)
	cmd := &cobra.Command{
		Use:   "bootstrap USERNAME",
		Short: "Create the first admin account directly in the store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var store inventory.Store
			var err error
			switch {
			case pgDSN != "":
				store, err = pg.Open(pgDSN, 0)
			default:
				store, err = sqlite.Open(sqlitePath, 0)
			}
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			password, err := readPassword(fmt.Sprintf("New password for %s: ", args[0]))
			if err != nil {
				return err
			}
			if password == "" {
				return fmt.Errorf("password cannot be empty")
			}
			hash, err := session.HashPassword(password)
			if err != nil {
				return err
			}
			u := inventory.User{
				ID:           ids.New(),
				Username:     args[0],
				PasswordHash: hash,
				Role:         inventory.RoleAdmin,
				FullName:     fullName,
			}
			if err := store.CreateUser(cmd.Context(), &u); err != nil {
				return fmt.Errorf("create admin: %w", err)
			}
			fmt.Printf("created admin %s (%s)\n", u.Username, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&fullName, "full-name", "", "display name")
	cmd.Flags().StringVar(&sqlitePath, "sqlite", envOr("LIBRARY_SQLITE_PATH", "library.db"), "SQLite database path")
	cmd.Flags().StringVar(&pgDSN, "pg", os.Getenv("LIBRARY_PG_DSN"), "PostgreSQL DSN (overrides --sqlite)")
	return cmd
}

func bookCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "book", Short: "Manage the catalog"}

	var fields client.BookFields
	add := &cobra.Command{
		Use:   "add TITLE",
		Short: "Add a title to the catalog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			fields.Title = args[0]
			b, err := c.CreateBook(fields)
			if err != nil {
				return err
			}
			fmt.Printf("created %s (%s), %d copies\n", b.Title, b.ID, b.TotalCopies)
			return nil
		},
	}
	add.Flags().StringVar(&fields.Author, "author", "", "author")
	add.Flags().StringVar(&fields.ISBN, "isbn", "", "ISBN")
	add.Flags().StringVar(&fields.Publisher, "publisher", "", "publisher")
	add.Flags().IntVar(&fields.PublicationYear, "year", 0, "publication year")
	add.Flags().StringVar(&fields.Category, "category", "", "category")
	add.Flags().IntVar(&fields.TotalCopies, "copies", 1, "initial copy count")

	var query string
	list := &cobra.Command{
		Use:   "list",
		Short: "List or search the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			books, err := c.ListBooks(inventory.BookFilter{Query: query})
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tAUTHOR\tAVAILABLE")
			for _, b := range books {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\n", b.ID, b.Title, b.Author, b.AvailableCopies, b.TotalCopies)
			}
			return w.Flush()
		},
	}
	list.Flags().StringVarP(&query, "query", "q", "", "substring match on title, author or ISBN")

	var count int
	copies := &cobra.Command{
		Use:   "copies BOOK_ID",
		Short: "Add or remove copies (negative count removes)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			var b inventory.Book
			if count >= 0 {
				b, err = c.AddCopies(args[0], count)
			} else {
				b, err = c.RemoveCopies(args[0], -count)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s now has %d/%d copies available\n", b.Title, b.AvailableCopies, b.TotalCopies)
			return nil
		},
	}
	copies.Flags().IntVarP(&count, "count", "n", 1, "copies to add (negative to remove)")

	cmd.AddCommand(add, list, copies)
	return cmd
}

func borrowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "borrow BOOK_ID",
		Short: "Borrow one copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			loan, err := c.Borrow(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("loan %s, due %s\n", loan.ID, loan.DueAt.Format("2006-01-02"))
			return nil
		},
	}
}

func returnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "return LOAN_ID",
		Short: "Return a borrowed copy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			loan, err := c.Return(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("returned at %s\n", loan.ReturnedAt.Format(time.RFC3339))
			return nil
		},
	}
}

func loansCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "loans",
		Short: "List your loans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			loans, err := c.ListMyLoans(inventory.LoanStatus(status))
			if err != nil {
				return err
			}
			printLoans(loans)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter: active, returned or overdue")
	return cmd
}

func overdueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overdue",
		Short: "List overdue loans across all users (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			loans, err := c.ListOverdue(time.Time{})
			if err != nil {
				return err
			}
			printLoans(loans)
			return nil
		},
	}
}

func printLoans(loans []inventory.Loan) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "LOAN\tBOOK\tUSER\tDUE\tSTATUS")
	for _, l := range loans {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", l.ID, l.BookID, l.UserID, l.DueAt.Format("2006-01-02"), l.Status)
	}
	_ = w.Flush()
}

// smokeCmd runs a full borrow/return walkthrough against a live server using
// a throwaway title, checking the availability counter at every step.
func smokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "smoke",
		Short: "End-to-end borrow/return check against a running server (admin)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()

			book, err := c.CreateBook(client.BookFields{
				Title:       fmt.Sprintf("smoke-%d", time.Now().UnixNano()),
				Author:      "libctl",
				TotalCopies: 1,
			})
			if err != nil {
				return fmt.Errorf("create book: %w", err)
			}
			defer func() { _ = c.DeleteBook(book.ID) }()

			loan, err := c.Borrow(book.ID)
			if err != nil {
				return fmt.Errorf("borrow: %w", err)
			}
			if b, err := c.GetBook(book.ID); err != nil || b.AvailableCopies != 0 {
				return fmt.Errorf("availability after borrow: %d (err %v)", b.AvailableCopies, err)
			}

			if _, err := c.Return(loan.ID); err != nil {
				return fmt.Errorf("return: %w", err)
			}
			if _, err := c.Return(loan.ID); err == nil {
				return fmt.Errorf("duplicate return unexpectedly succeeded")
			}
			if b, err := c.GetBook(book.ID); err != nil || b.AvailableCopies != 1 {
				return fmt.Errorf("availability after return: %d (err %v)", b.AvailableCopies, err)
			}

			fmt.Printf("smoke test passed: book=%s loan=%s\n", book.ID, loan.ID)
			return nil
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage accounts (admin)"}

	var fields client.UserFields
	var admin bool
	add := &cobra.Command{
		Use:   "add USERNAME",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			password, err := readPassword(fmt.Sprintf("New password for %s: ", args[0]))
			if err != nil {
				return err
			}
			fields.Username = args[0]
			fields.Password = password
			fields.Role = inventory.RoleMember
			if admin {
				fields.Role = inventory.RoleAdmin
			}
			u, err := c.CreateUser(fields)
			if err != nil {
				return err
			}
			fmt.Printf("created %s %s (%s)\n", u.Role, u.Username, u.ID)
			return nil
		},
	}
	add.Flags().BoolVar(&admin, "admin", false, "grant the admin role")
	add.Flags().StringVar(&fields.FullName, "full-name", "", "display name")
	add.Flags().StringVar(&fields.Email, "email", "", "contact email")

	list := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			users, err := c.ListUsers()
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tUSERNAME\tROLE\tDISABLED")
			for _, u := range users {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", u.ID, u.Username, u.Role, u.Disabled)
			}
			return w.Flush()
		},
	}

	disable := &cobra.Command{
		Use:   "disable USER_ID",
		Short: "Disable an account and revoke its sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := connect()
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.DeleteUser(args[0]); err != nil {
				return err
			}
			fmt.Println("disabled", args[0])
			return nil
		},
	}

	cmd.AddCommand(add, list, disable)
	return cmd
}
