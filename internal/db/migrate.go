package db

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path"
	"strings"
	"time"
)

//go:embed migrations/*.sql migrations/journal.json
var embedded embed.FS

// ErrMigration marks a migration statement that failed for a reason other
// than the object already being in the target state.
var ErrMigration = errors.New("migration failed")

// Breakpoint separates statements inside a migration file.
const Breakpoint = "--> statement-breakpoint"

const ledgerTable = "__migrations"

// Step is one entry of the migration manifest.
type Step struct {
	Seq        int
	Name       string
	Statements []string
}

// MigrateResult summarizes a run.
type MigrateResult struct {
	Applied    []string
	Statements int
	Skipped    int
}

type journal struct {
	Entries []struct {
		Idx int    `json:"idx"`
		Tag string `json:"tag"`
	} `json:"entries"`
}

// LoadSteps reads the journal manifest and the SQL files it names from
// fsys, rooted at dir.
func LoadSteps(fsys fs.FS, dir string) ([]Step, error) {
	raw, err := fs.ReadFile(fsys, path.Join(dir, "journal.json"))
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	var j journal
	if err := json.Unmarshal(raw, &j); err != nil {
		return nil, fmt.Errorf("parsing journal: %w", err)
	}

	steps := make([]Step, 0, len(j.Entries))
	for i, e := range j.Entries {
		if e.Idx != i {
			return nil, fmt.Errorf("journal entry %d has idx %d", i, e.Idx)
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, e.Tag+".sql"))
		if err != nil {
			return nil, fmt.Errorf("reading migration %s: %w", e.Tag, err)
		}
		steps = append(steps, Step{Seq: e.Idx, Name: e.Tag, Statements: SplitStatements(string(body))})
	}
	return steps, nil
}

// SplitStatements splits a migration body on the breakpoint marker and
// drops empty chunks.
func SplitStatements(body string) []string {
	var out []string
	for _, chunk := range strings.Split(body, Breakpoint) {
		if s := strings.TrimSpace(chunk); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Migrate applies the embedded migrations.
func Migrate(ctx context.Context, db *sql.DB) (*MigrateResult, error) {
	steps, err := LoadSteps(embedded, "migrations")
	if err != nil {
		return nil, err
	}
	return Apply(ctx, db, steps)
}

// Apply runs every step missing from the ledger, in order. Each step runs in
// its own transaction and is recorded in the ledger on success.
func Apply(ctx context.Context, db *sql.DB, steps []Step) (*MigrateResult, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+ledgerTable+` (
		seq INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("creating migration ledger: %w", err)
	}

	applied, err := appliedSeqs(ctx, db)
	if err != nil {
		return nil, err
	}

	res := &MigrateResult{}
	for _, step := range steps {
		if applied[step.Seq] {
			continue
		}
		n, skipped, err := applyStep(ctx, db, step)
		if err != nil {
			return res, err
		}
		res.Applied = append(res.Applied, step.Name)
		res.Statements += n
		res.Skipped += skipped
		slog.Info("migration applied", "seq", step.Seq, "name", step.Name, "statements", n, "skipped", skipped)
	}
	return res, nil
}

// Applied returns the ledger contents in sequence order.
func Applied(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT name FROM `+ledgerTable+` ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("reading migration ledger: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func appliedSeqs(ctx context.Context, db *sql.DB) (map[int]bool, error) {
	rows, err := db.QueryContext(ctx, `SELECT seq FROM `+ledgerTable)
	if err != nil {
		return nil, fmt.Errorf("reading migration ledger: %w", err)
	}
	defer rows.Close()
	seqs := make(map[int]bool)
	for rows.Next() {
		var seq int
		if err := rows.Scan(&seq); err != nil {
			return nil, err
		}
		seqs[seq] = true
	}
	return seqs, rows.Err()
}

func applyStep(ctx context.Context, db *sql.DB, step Step) (applied, skipped int, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin migration %s: %w", step.Name, err)
	}
	defer tx.Rollback()

	for i, stmt := range step.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			if alreadyApplied(err) {
				slog.Warn("skipping migration statement", "name", step.Name, "statement", i, "error", err)
				skipped++
				continue
			}
			return applied, skipped, fmt.Errorf("%w: %s statement %d: %w", ErrMigration, step.Name, i, err)
		}
		applied++
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO `+ledgerTable+` (seq, name, applied_at) VALUES (?, ?, ?)`,
		step.Seq, step.Name, time.Now().UnixMilli()); err != nil {
		return applied, skipped, fmt.Errorf("recording migration %s: %w", step.Name, err)
	}
	if err := tx.Commit(); err != nil {
		return applied, skipped, fmt.Errorf("commit migration %s: %w", step.Name, err)
	}
	return applied, skipped, nil
}

// alreadyApplied reports errors meaning the statement's effect is already
// present in the database.
func alreadyApplied(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "duplicate column") ||
		strings.Contains(msg, "no such column")
}
