package migrate

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	src := `
create table books (id text primary key);
insert into books (id) values ('a;b');
insert into books (id) values ('O''Reilly');`

	stmts := splitStatements(src)
	if len(stmts) != 3 {
		t.Fatalf("got %d statements: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[1], "'a;b'") {
		t.Fatalf("semicolon inside string split the statement: %q", stmts[1])
	}
	if !strings.Contains(stmts[2], "O''Reilly") {
		t.Fatalf("escaped quote mishandled: %q", stmts[2])
	}
}

func TestSplitStatementsTrailingWithoutSemicolon(t *testing.T) {
	stmts := splitStatements("select 1")
	if len(stmts) != 1 || strings.TrimSpace(stmts[0]) != "select 1" {
		t.Fatalf("unexpected: %q", stmts)
	}
	if got := splitStatements("  \n\t "); len(got) != 0 {
		t.Fatalf("whitespace-only input produced statements: %q", got)
	}
}

func TestListSQLOrderAndFilter(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0002_users.up.sql", "0001_init.up.sql", "0001_init.down.sql", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("select 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	files, err := listSQL(dir, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 {
		t.Fatalf("got %d files: %v", len(files), files)
	}
	if filepath.Base(files[0]) != "0001_init.up.sql" || filepath.Base(files[1]) != "0002_users.up.sql" {
		t.Fatalf("wrong order: %v", files)
	}
}

func TestListSQLMissingDir(t *testing.T) {
	files, err := listSQL(filepath.Join(t.TempDir(), "does-not-exist"), ".sql")
	if err != nil {
		t.Fatalf("missing dir must not error: %v", err)
	}
	if len(files) != 0 {
		t.Fatalf("unexpected files: %v", files)
	}
}
