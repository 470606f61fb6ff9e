// Package migrate applies the registry schema and optional seed data to
// PostgreSQL, recording what ran in bookkeeping tables.
package migrate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"slices"
	"strings"
	"time"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
)

// Applied is one row of a bookkeeping table.
type Applied struct {
	Name      string
	AppliedAt time.Time
}

// track is a set of SQL files plus the table remembering which of them ran.
type track struct {
	files  fs.FS
	table  string
	suffix string
}

// Manager runs migrations and seeds read from file systems, typically the
// schema embedded in the store package.
type Manager struct {
	db         *sql.DB
	migrations track
	seeds      track
	now        func() time.Time
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrations.table = name
		}
	}
}

// WithSeedsTable overrides the seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.seeds.table = name
		}
	}
}

// NewManager constructs a Manager. seeds may be nil.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		migrations: track{files: migrations, table: defaultMigrationsTable, suffix: ".up.sql"},
		seeds:      track{files: seeds, table: defaultSeedsTable, suffix: ".sql"},
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies every pending migration in name order.
func (m *Manager) Up(ctx context.Context) error {
	return m.apply(ctx, m.migrations)
}

// Seed applies every seed file that has not run yet.
func (m *Manager) Seed(ctx context.Context) error {
	return m.apply(ctx, m.seeds)
}

// Status lists applied migrations, oldest first.
func (m *Manager) Status(ctx context.Context) ([]Applied, error) {
	if err := m.ensureTables(ctx); err != nil {
		return nil, err
	}
	return m.history(ctx, m.migrations.table)
}

// Down reverts the latest applied migration using its .down.sql twin.
func (m *Manager) Down(ctx context.Context) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := m.history(ctx, m.migrations.table)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return errors.New("migrate: no migrations applied")
	}
	last := applied[len(applied)-1].Name
	down := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	body, err := fs.ReadFile(m.migrations.files, down)
	if err != nil {
		return fmt.Errorf("migrate: missing down migration for %s", last)
	}
	forget := fmt.Sprintf(`delete from %s where name = $1`, m.migrations.table)
	err = m.inTx(ctx, string(body), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, forget, last)
		return err
	})
	if err != nil {
		return fmt.Errorf("migrate: rollback %s: %w", last, err)
	}
	return nil
}

func (m *Manager) apply(ctx context.Context, t track) error {
	if err := m.ensureTables(ctx); err != nil {
		return err
	}
	applied, err := m.history(ctx, t.table)
	if err != nil {
		return err
	}
	done := make(map[string]bool, len(applied))
	for _, a := range applied {
		done[a.Name] = true
	}
	names, err := collectSQL(t.files, t.suffix)
	if err != nil {
		return err
	}

	record := fmt.Sprintf(`insert into %s (name, applied_at) values ($1, $2)`, t.table)
	for _, name := range names {
		if done[name] {
			continue
		}
		body, err := fs.ReadFile(t.files, name)
		if err != nil {
			return err
		}
		// The script and its bookkeeping row commit together.
		err = m.inTx(ctx, string(body), func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, record, name, m.now())
			return err
		})
		if err != nil {
			return fmt.Errorf("migrate: apply %s: %w", name, err)
		}
	}
	return nil
}

func (m *Manager) inTx(ctx context.Context, script string, after func(*sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(script) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if err := after(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) ensureTables(ctx context.Context) error {
	for _, table := range []string{m.migrations.table, m.seeds.table} {
		ddl := fmt.Sprintf(`create table if not exists %s (
			name text primary key,
			applied_at timestamptz not null default now()
		)`, table)
		if _, err := m.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("migrate: create %s: %w", table, err)
		}
	}
	return nil
}

func (m *Manager) history(ctx context.Context, table string) ([]Applied, error) {
	rows, err := m.db.QueryContext(ctx, fmt.Sprintf(`select name, applied_at from %s order by applied_at, name`, table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Applied
	for rows.Next() {
		var a Applied
		if err := rows.Scan(&a.Name, &a.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// collectSQL returns the top-level file names of fsys ending in suffix, sorted.
func collectSQL(fsys fs.FS, suffix string) ([]string, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, ".")
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), suffix) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	return names, nil
}

// splitStatements cuts a script at semicolons outside quoted strings and
// drops "--" line comments and empty statements.
func splitStatements(script string) []string {
	var (
		stmts   []string
		current strings.Builder
		quoted  bool
	)
	flush := func() {
		if stmt := strings.TrimSpace(current.String()); stmt != "" {
			stmts = append(stmts, stmt)
		}
		current.Reset()
	}
	for _, line := range strings.Split(script, "\n") {
		for i := 0; i < len(line); i++ {
			c := line[i]
			if !quoted && c == '-' && i+1 < len(line) && line[i+1] == '-' {
				break
			}
			current.WriteByte(c)
			switch {
			case c == '\'':
				quoted = !quoted
			case c == ';' && !quoted:
				flush()
			}
		}
		current.WriteByte('\n')
	}
	flush()
	return stmts
}
