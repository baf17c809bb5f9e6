// Package sqlitestore is an optional alternate Lesson Store backend using
// modernc.org/sqlite (pure Go, no cgo). The spec's reference persistence is
// JSONL (internal/lesson.JSONLPersister); this backend exists to exercise a
// second storage dependency the spec explicitly leaves free ("implementation
// is free; no external DB required") without contradicting it — it is never
// the default.
package sqlitestore

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/artemgetmann/cortex/pkg/models"
)

// Store implements lesson.Persister over a single-table sqlite database.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the lessons table at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: ping %s: %w", path, err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS lessons (
	id TEXT PRIMARY KEY,
	domain_key TEXT NOT NULL,
	status TEXT NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_lessons_domain ON lessons(domain_key);
CREATE INDEX IF NOT EXISTS idx_lessons_status ON lessons(status);
`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlitestore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Load returns every lesson row, decoded from its JSON blob column.
func (s *Store) Load() ([]*models.Lesson, error) {
	rows, err := s.db.Query(`SELECT data FROM lessons ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: query: %w", err)
	}
	defer rows.Close()

	var out []*models.Lesson
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan: %w", err)
		}
		var l models.Lesson
		if err := json.Unmarshal([]byte(data), &l); err != nil {
			return nil, fmt.Errorf("sqlitestore: decode: %w", err)
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

// Save replaces the entire table contents in one transaction, mirroring the
// JSONL backend's full-rewrite semantics so both Persister implementations
// behave identically from the Store's point of view.
func (s *Store) Save(lessons []*models.Lesson) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("sqlitestore: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM lessons`); err != nil {
		return fmt.Errorf("sqlitestore: clear: %w", err)
	}
	stmt, err := tx.Prepare(`INSERT INTO lessons (id, domain_key, status, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlitestore: prepare: %w", err)
	}
	defer stmt.Close()

	for _, l := range lessons {
		data, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("sqlitestore: encode lesson %s: %w", l.ID, err)
		}
		if _, err := stmt.Exec(l.ID, l.DomainKey, string(l.Status), string(data)); err != nil {
			return fmt.Errorf("sqlitestore: insert lesson %s: %w", l.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlitestore: commit: %w", err)
	}
	return nil
}
