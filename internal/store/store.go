package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// currentVersion tracks the schema evolution: v1 bare reminders, v2 repeat
// days/completion/notes, v3 location trigger + fire instant, v4 checklists.
const currentVersion = 4

// Store is the canonical persistence layer for reminders and checklists.
// It owns the records; trigger resolution only reads them.
type Store struct {
	db *sql.DB

	watchMu  sync.Mutex
	watchers map[int]chan struct{}
	nextID   int
}

// New opens (or creates) the SQLite database at dbPath and runs migrations.
func New(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("exec pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, watchers: make(map[int]chan struct{})}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// NewMemory creates an in-memory store for testing.
func NewMemory() (*Store, error) {
	return New(":memory:")
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Watch returns a channel that receives a signal after every mutation, and a
// cancel function that releases it. This is the reactive-query surface the
// API uses to stream list updates.
func (s *Store) Watch() (<-chan struct{}, func()) {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan struct{}, 1)
	s.watchers[id] = ch
	return ch, func() {
		s.watchMu.Lock()
		defer s.watchMu.Unlock()
		delete(s.watchers, id)
	}
}

// notify wakes all watchers without blocking; a watcher with a pending
// signal is not signalled again.
func (s *Store) notify() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}

	if version >= currentVersion {
		return nil
	}

	migrations := []func() error{
		s.migrateV1,
		s.migrateV2,
		s.migrateV3,
		s.migrateV4,
	}
	for v := version; v < currentVersion; v++ {
		if err := migrations[v](); err != nil {
			return fmt.Errorf("migrate to v%d: %w", v+1, err)
		}
	}

	_, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentVersion))
	return err
}

func (s *Store) migrateV1() error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS reminders (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		title      TEXT NOT NULL,
		date_time  TEXT NOT NULL DEFAULT '',
		icon       TEXT NOT NULL DEFAULT 'bell',
		status     TEXT NOT NULL DEFAULT 'PENDING'
	);
	`
	_, err := s.db.Exec(ddl)
	return err
}

func (s *Store) migrateV2() error {
	stmts := []string{
		`ALTER TABLE reminders ADD COLUMN repeat_days TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE reminders ADD COLUMN is_completed INTEGER NOT NULL DEFAULT 0`,
		`ALTER TABLE reminders ADD COLUMN notes TEXT NOT NULL DEFAULT ''`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) migrateV3() error {
	stmts := []string{
		`ALTER TABLE reminders ADD COLUMN latitude REAL`,
		`ALTER TABLE reminders ADD COLUMN longitude REAL`,
		`ALTER TABLE reminders ADD COLUMN radius REAL`,
		`ALTER TABLE reminders ADD COLUMN trigger_type TEXT`,
		`ALTER TABLE reminders ADD COLUMN fire_at TEXT`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) migrateV4() error {
	const ddl = `
	CREATE TABLE IF NOT EXISTS checklist_lists (
		id    INTEGER PRIMARY KEY AUTOINCREMENT,
		name  TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS checklist_items (
		id       INTEGER PRIMARY KEY AUTOINCREMENT,
		list_id  INTEGER NOT NULL REFERENCES checklist_lists(id) ON DELETE CASCADE,
		title    TEXT NOT NULL,
		checked  INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_checklist_items_list ON checklist_items(list_id);
	`
	_, err := s.db.Exec(ddl)
	return err
}
