// Package store durably records completed/failed transfer jobs in sqlite
// so their history outlives the RSYNCS redis hash entry, which is deleted
// when the transfer ends.
package store

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	db *sql.DB
}

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
	return fmt.Errorf("create migrations table: %w", err)
}

entries, err := migrationsFS.ReadDir("migrations")
if err != nil {
	return fmt.Errorf("read migrations dir: %w", err)
}

var files []string
for _, e := range entries {
	if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
		files = append(files, e.Name())
	}
}
sort.Strings(files)

for _, f := range files {
	var applied int
	err := s.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied)
	if err != nil {
		return fmt.Errorf("check migration %s: %w", f, err)
	}
	if applied > 0 {
		continue
	}

	content, err := migrationsFS.ReadFile("migrations/" + f)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", f, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx for %s: %w", f, err)
	}
	if _, err := tx.Exec(string(content)); err != nil {
		tx.Rollback()
		return fmt.Errorf("exec migration %s: %w", f, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
		tx.Rollback()
		return fmt.Errorf("record migration %s: %w", f, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %s: %w", f, err)
	}
}
return nil
}
