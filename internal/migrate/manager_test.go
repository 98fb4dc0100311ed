package migrate

import (
	"context"
	"database/sql"
	"testing"
	"testing/fstest"

	_ "modernc.org/sqlite"
)

func openSQLite(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestUpDownStatus(t *testing.T) {
	db := openSQLite(t)
	files := fstest.MapFS{
		"sql/0001_a.up.sql":   {Data: []byte("-- first; table\ncreate table a (id text primary key, note text default 'x;y');")},
		"sql/0001_a.down.sql": {Data: []byte("drop table a;")},
		"sql/0002_b.up.sql":   {Data: []byte("create table b (id text);\ncreate index b_id on b (id);")},
		"sql/0002_b.down.sql": {Data: []byte("drop index b_id;\ndrop table b;")},
		"sql/README.md":       {Data: []byte("ignored")},
	}
	m := NewManager(db, files, "sql", WithPlaceholder(func(int) string { return "?" }))
	ctx := context.Background()

	pending, err := m.Pending(ctx)
	if err != nil || len(pending) != 2 {
		t.Fatalf("pending: %v %v", pending, err)
	}
	if err := m.Up(ctx); err != nil {
		t.Fatalf("up: %v", err)
	}
	if err := m.Up(ctx); err != nil {
		t.Fatalf("second up must be a no-op: %v", err)
	}
	applied, err := m.Status(ctx)
	if err != nil || len(applied) != 2 || applied[1] != "0002_b.up.sql" {
		t.Fatalf("status: %v %v", applied, err)
	}
	if _, err := db.Exec(`insert into a(id) values ('1')`); err != nil {
		t.Fatalf("table a missing: %v", err)
	}

	if err := m.Down(ctx); err != nil {
		t.Fatalf("down: %v", err)
	}
	if _, err := db.Exec(`insert into b(id) values ('1')`); err == nil {
		t.Fatal("table b should be dropped")
	}
	applied, _ = m.Status(ctx)
	if len(applied) != 1 {
		t.Fatalf("expected one applied migration, got %v", applied)
	}
}

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("-- comment; here\ncreate table t (v text default 'a;b');\ninsert into t values ('c');")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
}
