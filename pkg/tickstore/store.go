// Package tickstore archives processed telemetry ticks to SQLite for
// offline analysis and model debugging.
package tickstore

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS matches (
	id TEXT PRIMARY KEY,
	provider_match_id TEXT NOT NULL UNIQUE,
	radiant_name TEXT NOT NULL DEFAULT '',
	dire_name TEXT NOT NULL DEFAULT '',
	radiant_win INTEGER,
	created_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS ticks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	match_id TEXT NOT NULL REFERENCES matches(id),
	game_time REAL NOT NULL,
	gold_diff REAL NOT NULL,
	xp_diff REAL NOT NULL,
	radiant_score REAL NOT NULL,
	dire_score REAL NOT NULL,
	win_probability REAL NOT NULL,
	received_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ticks_match ON ticks(match_id, game_time);
`

// TickRow is one archived tick.
type TickRow struct {
	MatchRowID     string
	GameTime       float64
	GoldDiff       float64
	XPDiff         float64
	RadiantScore   float64
	DireScore      float64
	WinProbability float64
	ReceivedAt     time.Time
}

// Store is the SQLite tick archive.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the archive at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open tick archive: %w", err)
	}
	// Single writer keeps the pure-Go driver out of SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tick archive schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// EnsureMatch returns the archive row id for a provider match id,
// creating the row on first sight.
func (s *Store) EnsureMatch(providerMatchID, radiantName, direName string) (string, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM matches WHERE provider_match_id = ?`, providerMatchID,
	).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("look up match: %w", err)
	}

	id = uuid.NewString()
	_, err = s.db.Exec(
		`INSERT INTO matches (id, provider_match_id, radiant_name, dire_name, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		id, providerMatchID, radiantName, direName, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert match: %w", err)
	}
	return id, nil
}

// SetWinner records the final result for a provider match id.
func (s *Store) SetWinner(providerMatchID string, radiantWin bool) error {
	res, err := s.db.Exec(
		`UPDATE matches SET radiant_win = ? WHERE provider_match_id = ?`,
		boolToInt(radiantWin), providerMatchID,
	)
	if err != nil {
		return fmt.Errorf("set winner: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set winner: unknown match %s", providerMatchID)
	}
	return nil
}

// InsertTicks writes a batch of ticks in one transaction.
func (s *Store) InsertTicks(rows []TickRow) error {
	if len(rows) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tick batch: %w", err)
	}
	stmt, err := tx.Prepare(
		`INSERT INTO ticks (match_id, game_time, gold_diff, xp_diff,
		 radiant_score, dire_score, win_probability, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("prepare tick insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.Exec(
			r.MatchRowID, r.GameTime, r.GoldDiff, r.XPDiff,
			r.RadiantScore, r.DireScore, r.WinProbability, r.ReceivedAt.UTC(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert tick: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tick batch: %w", err)
	}
	return nil
}

// TickCount returns the number of archived ticks for a provider match.
func (s *Store) TickCount(providerMatchID string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM ticks t JOIN matches m ON t.match_id = m.id
		 WHERE m.provider_match_id = ?`, providerMatchID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count ticks: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
