package quota

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const usageSchema = `
CREATE TABLE IF NOT EXISTS quota_usage (
    source     TEXT PRIMARY KEY,
    usage_json TEXT     NOT NULL,
    updated_at DATETIME NOT NULL
);
`

// SQLStore persists quota usage in SQLite (pure Go driver, no CGo).
type SQLStore struct {
	db *sql.DB
}

// NewSQLStore opens (or creates) the usage database at path.
func NewSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open quota db %q: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(usageSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply quota schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

// Load restores usage for source. An unseen source yields empty usage,
// not an error.
func (s *SQLStore) Load(source string) (Usage, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT usage_json FROM quota_usage WHERE source = ?`, source,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Usage{DailyCalls: make(map[string]int)}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("load quota usage: %w", err)
	}

	var u Usage
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		return Usage{}, fmt.Errorf("decode quota usage: %w", err)
	}
	if u.DailyCalls == nil {
		u.DailyCalls = make(map[string]int)
	}
	return u, nil
}

// Save upserts usage for source.
func (s *SQLStore) Save(source string, usage Usage) error {
	raw, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("encode quota usage: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO quota_usage (source, usage_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(source) DO UPDATE SET usage_json = excluded.usage_json, updated_at = excluded.updated_at`,
		source, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save quota usage: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
