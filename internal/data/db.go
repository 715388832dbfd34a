// Package data provides the SQLite-based persistence layer for conversations,
// profiles and debug traces. It uses modernc.org/sqlite for pure-Go, CGO-free
// database access.
package data

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

//go:embed migrations/001_router_schema.sql
var routerSchema string

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// Store provides access to the SQLite database.
type Store struct {
	db *sql.DB
}

// Open creates a database connection at path and initializes the schema.
// Pass MemoryPath for an ephemeral database.
func Open(path string) (*Store, error) {
	if path != MemoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// A single connection serialises writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db}

	if err := store.initPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize pragmas: %w", err)
	}

	if err := store.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

// initPragmas configures SQLite for safety and reasonable throughput.
func (s *Store) initPragmas() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA cache_size = -16000", // 16MB
		"PRAGMA temp_store = MEMORY",
	}

	for _, pragma := range pragmas {
		if _, err := s.db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}

	return nil
}

// Migrate runs all embedded schema migrations. It is idempotent.
func (s *Store) Migrate() error {
	migrations := []struct {
		name   string
		schema string
	}{
		{"router_schema", routerSchema},
	}

	for _, m := range migrations {
		if err := s.runMigration(m.name, m.schema); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}

	return nil
}

func (s *Store) runMigration(name, schema string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		for i, stmt := range splitSQL(schema) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("execute statement %d: %w\nSQL: %s", i+1, err, stmt)
			}
		}
		log.Debug().Str("migration", name).Msg("migration applied")
		return nil
	})
}

// Health checks if the database connection is alive and responsive.
func (s *Store) Health(ctx context.Context) error {
	var result int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if result != 1 {
		return fmt.Errorf("health check returned unexpected value: %d", result)
	}
	return nil
}

// Close flushes the WAL and closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Warn().Err(err).Msg("WAL checkpoint failed")
	}

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}

	return nil
}

// DB returns the underlying *sql.DB.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithTx executes fn within a transaction. If fn returns an error the
// transaction is rolled back, otherwise it is committed.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	return nil
}

// splitSQL splits a multi-statement SQL string into individual statements,
// skipping comment lines and keeping quoted semicolons intact.
func splitSQL(script string) []string {
	var statements []string
	var current strings.Builder
	inString := false
	stringChar := rune(0)

	for _, line := range strings.Split(script, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "--") {
			continue
		}

		for _, ch := range line {
			switch {
			case (ch == '\'' || ch == '"') && !inString:
				inString = true
				stringChar = ch
			case inString && ch == stringChar:
				inString = false
				stringChar = 0
			}

			current.WriteRune(ch)

			if ch == ';' && !inString {
				if stmt := strings.TrimSpace(current.String()); stmt != "" {
					statements = append(statements, stmt)
				}
				current.Reset()
			}
		}
		current.WriteRune('\n')
	}

	if final := strings.TrimSpace(current.String()); final != "" {
		statements = append(statements, final)
	}

	return statements
}

// UnixMillis converts t to the integer timestamps stored by this package.
func UnixMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// FromUnixMillis converts a stored timestamp back to UTC time.
func FromUnixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
