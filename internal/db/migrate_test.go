package db

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"testing/fstest"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestMigrateFreshDatabase(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	res, err := Migrate(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applied) != 2 {
		t.Fatalf("expected 2 steps applied, got %v", res.Applied)
	}
	if res.Skipped != 0 {
		t.Errorf("expected no skipped statements on a fresh db, got %d", res.Skipped)
	}

	for _, table := range []string{"channels", "chats", "tasks", "messages"} {
		var name string
		err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name)
		if err != nil {
			t.Errorf("table %s missing: %v", table, err)
		}
	}

	var idx string
	if err := db.QueryRowContext(ctx, `SELECT name FROM sqlite_master WHERE type='index' AND name='messages_starred_idx'`).Scan(&idx); err != nil {
		t.Errorf("starred index missing: %v", err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := Migrate(ctx, db); err != nil {
		t.Fatal(err)
	}
	before, err := Applied(ctx, db)
	if err != nil {
		t.Fatal(err)
	}

	res, err := Migrate(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applied) != 0 || res.Statements != 0 {
		t.Errorf("expected nothing applied on second run, got %+v", res)
	}

	after, err := Applied(ctx, db)
	if err != nil {
		t.Fatal(err)
	}
	if len(before) != len(after) {
		t.Fatalf("ledger changed: %v -> %v", before, after)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("ledger entry %d changed: %s -> %s", i, before[i], after[i])
		}
	}
}

func TestApplySkipsAlreadyApplied(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ExecContext(ctx, `CREATE TABLE t (a integer, b integer)`); err != nil {
		t.Fatal(err)
	}

	steps := []Step{{
		Seq:  0,
		Name: "0000_t",
		Statements: []string{
			"CREATE TABLE t (a integer)",
			"ALTER TABLE t ADD COLUMN b integer",
			"ALTER TABLE t ADD COLUMN c integer",
		},
	}}
	res, err := Apply(ctx, db, steps)
	if err != nil {
		t.Fatal(err)
	}
	if res.Skipped != 2 {
		t.Errorf("expected 2 skipped statements, got %d", res.Skipped)
	}
	if res.Statements != 1 {
		t.Errorf("expected 1 applied statement, got %d", res.Statements)
	}

	names, _ := Applied(ctx, db)
	if len(names) != 1 || names[0] != "0000_t" {
		t.Errorf("expected step recorded in ledger, got %v", names)
	}
}

func TestApplyAbortsOnRealFailure(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	steps := []Step{
		{Seq: 0, Name: "0000_ok", Statements: []string{"CREATE TABLE ok (a integer)"}},
		{Seq: 1, Name: "0001_bad", Statements: []string{
			"CREATE TABLE partial (a integer)",
			"INSERT INTO missing_table VALUES (1)",
		}},
		{Seq: 2, Name: "0002_never", Statements: []string{"CREATE TABLE never (a integer)"}},
	}

	res, err := Apply(ctx, db, steps)
	if !errors.Is(err, ErrMigration) {
		t.Fatalf("expected ErrMigration, got %v", err)
	}
	if len(res.Applied) != 1 {
		t.Errorf("expected only the first step applied, got %v", res.Applied)
	}

	names, _ := Applied(ctx, db)
	if len(names) != 1 {
		t.Errorf("failed step must not be recorded, ledger: %v", names)
	}

	var n int
	db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE name IN ('partial', 'never')`).Scan(&n)
	if n != 0 {
		t.Errorf("expected failed step rolled back and later steps skipped, found %d tables", n)
	}
}

func TestTimestampCheckConstraint(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	if _, err := Migrate(ctx, db); err != nil {
		t.Fatal(err)
	}

	insert := `INSERT INTO messages (stable_id, chat_id, sender_id, sender_type, timestamp, network_state, type)
		VALUES (?, 'c1', 'u1', 'user', ?, 'sent', 'content_message')`

	// Seconds instead of milliseconds.
	if _, err := db.ExecContext(ctx, insert, "m1", int64(1700000000)); err == nil {
		t.Error("expected check constraint to reject second-resolution timestamp")
	}
	if _, err := db.ExecContext(ctx, insert, "m2", int64(1700000000000)); err != nil {
		t.Errorf("expected millisecond timestamp to be accepted: %v", err)
	}
}

func TestLoadSteps(t *testing.T) {
	fsys := fstest.MapFS{
		"m/journal.json": {Data: []byte(`{"entries":[{"idx":0,"tag":"0000_a"},{"idx":1,"tag":"0001_b"}]}`)},
		"m/0000_a.sql":   {Data: []byte("CREATE TABLE a (x int);\n--> statement-breakpoint\n\nCREATE INDEX a_x ON a (x);\n")},
		"m/0001_b.sql":   {Data: []byte("CREATE TABLE b (x int);")},
	}

	steps, err := LoadSteps(fsys, "m")
	if err != nil {
		t.Fatal(err)
	}
	if len(steps) != 2 {
		t.Fatalf("expected 2 steps, got %d", len(steps))
	}
	if len(steps[0].Statements) != 2 {
		t.Errorf("expected 2 statements in first step, got %v", steps[0].Statements)
	}
	if steps[1].Name != "0001_b" || steps[1].Seq != 1 {
		t.Errorf("unexpected step %+v", steps[1])
	}
}

func TestLoadStepsMissingFile(t *testing.T) {
	fsys := fstest.MapFS{
		"m/journal.json": {Data: []byte(`{"entries":[{"idx":0,"tag":"0000_a"}]}`)},
	}
	if _, err := LoadSteps(fsys, "m"); err == nil {
		t.Fatal("expected error for missing migration file")
	}
}
