package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added index on commits.digest
const currentSchemaVersion = 1

// SQLite is a Journal backed by a SQLite database in WAL mode.
type SQLite struct {
	db *sql.DB
}

var _ Journal = (*SQLite)(nil)

// Open creates or opens a SQLite journal at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
//
// Opening the same path twice is safe.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores c. A commit whose seq is already journaled is left as is.
func (s *SQLite) Append(ctx context.Context, c Commit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO commits (seq, digest, messages, state, duration_ns, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(seq) DO NOTHING
	`, c.Seq, c.Digest, string(c.Messages), string(c.State), int64(c.Duration),
		c.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append commit %d: %w", c.Seq, err)
	}
	return nil
}

const selectCommit = `SELECT seq, digest, messages, state, duration_ns, created_at FROM commits`

// Get returns the commit with the given seq.
func (s *SQLite) Get(ctx context.Context, seq int64) (Commit, error) {
	row := s.db.QueryRowContext(ctx, selectCommit+` WHERE seq = ?`, seq)
	c, err := scanCommit(row)
	if err != nil {
		return Commit{}, fmt.Errorf("get commit %d: %w", seq, err)
	}
	return c, nil
}

// Latest returns the commit with the highest seq.
func (s *SQLite) Latest(ctx context.Context) (Commit, error) {
	row := s.db.QueryRowContext(ctx, selectCommit+` ORDER BY seq DESC LIMIT 1`)
	c, err := scanCommit(row)
	if err != nil {
		return Commit{}, fmt.Errorf("latest commit: %w", err)
	}
	return c, nil
}

// List returns up to limit commits starting at seq from, in seq order.
func (s *SQLite) List(ctx context.Context, from int64, limit int) ([]Commit, error) {
	if limit <= 0 {
		limit = -1 // SQLite: negative LIMIT means no limit
	}
	rows, err := s.db.QueryContext(ctx, selectCommit+` WHERE seq >= ? ORDER BY seq ASC LIMIT ?`, from, limit)
	if err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	defer rows.Close()

	var out []Commit
	for rows.Next() {
		c, err := scanCommit(rows)
		if err != nil {
			return nil, fmt.Errorf("list commits: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list commits: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommit(row scanner) (Commit, error) {
	var (
		c         Commit
		messages  string
		state     string
		duration  int64
		createdAt string
	)
	err := row.Scan(&c.Seq, &c.Digest, &messages, &state, &duration, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Commit{}, ErrNotFound
	}
	if err != nil {
		return Commit{}, err
	}
	c.Messages = []byte(messages)
	c.State = []byte(state)
	c.Duration = time.Duration(duration)
	c.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return Commit{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	return c, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// migrateToV1 indexes commits by digest so the log command can find the
// first commit that reached a given state.
func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_commits_digest ON commits(digest)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// FindDigest returns the lowest seq whose state has the given digest.
func (s *SQLite) FindDigest(ctx context.Context, digest string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MIN(seq) FROM commits WHERE digest = ?`, digest).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("find digest: %w", err)
	}
	if !seq.Valid {
		return 0, ErrNotFound
	}
	return seq.Int64, nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
