// Package training owns the outcome corpus, the trainer, and the
// autonomous retraining scheduler.
package training

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNoTrainingData is returned when a training run finds an empty
// corpus.
var ErrNoTrainingData = errors.New("no training data")

// rollingWindowRows caps how much history a training run loads. Older
// rows age out of the window rather than being deleted from disk.
const rollingWindowRows = 50000

// Row is one labelled training example: the serving feature schema plus
// outcome.
type Row struct {
	MatchID    int64     `json:"match_id"`
	GameTime   float64   `json:"game_time"`
	Features   []float64 `json:"features"`
	RadiantWin int       `json:"radiant_win"`
	StartTime  time.Time `json:"start_time,omitempty"`
}

// syncState is the persisted corpus cursor.
type syncState struct {
	LastMatchID int64     `json:"last_match_id"`
	LastSync    time.Time `json:"last_sync_time"`
	TotalRows   int64     `json:"total_rows"`
}

// Dataset is an append-only JSONL corpus with a sync cursor, de-
// duplicated by source match id.
type Dataset struct {
	dir     string
	seen    map[int64]bool
	state   syncState
	windowN int
}

// OpenDataset opens (or initializes) the corpus in dir.
func OpenDataset(dir string) (*Dataset, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create dataset dir: %w", err)
	}
	d := &Dataset{
		dir:     dir,
		seen:    make(map[int64]bool),
		windowN: rollingWindowRows,
	}
	if err := d.loadState(); err != nil {
		return nil, err
	}
	if err := d.scanSeen(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dataset) dataPath() string  { return filepath.Join(d.dir, "training_data.jsonl") }
func (d *Dataset) statePath() string { return filepath.Join(d.dir, "sync_state.json") }

func (d *Dataset) loadState() error {
	data, err := os.ReadFile(d.statePath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read sync state: %w", err)
	}
	if err := json.Unmarshal(data, &d.state); err != nil {
		return fmt.Errorf("decode sync state: %w", err)
	}
	return nil
}

// scanSeen rebuilds the in-memory dedup set from the corpus file.
func (d *Dataset) scanSeen() error {
	f, err := os.Open(d.dataPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var row Row
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			continue // tolerate a torn trailing line
		}
		d.seen[row.MatchID] = true
	}
	return scanner.Err()
}

// Append adds rows to the corpus, skipping any match id already present.
// Returns how many rows were written.
func (d *Dataset) Append(rows []Row) (int, error) {
	fresh := make([]Row, 0, len(rows))
	freshMatches := make(map[int64]bool)
	for _, row := range rows {
		if d.seen[row.MatchID] {
			continue
		}
		fresh = append(fresh, row)
		freshMatches[row.MatchID] = true
	}
	if len(fresh) == 0 {
		return 0, nil
	}

	f, err := os.OpenFile(d.dataPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open corpus for append: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, row := range fresh {
		line, err := json.Marshal(row)
		if err != nil {
			return 0, fmt.Errorf("encode row: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return 0, fmt.Errorf("append row: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return 0, fmt.Errorf("flush corpus: %w", err)
	}

	for id := range freshMatches {
		d.seen[id] = true
		if id > d.state.LastMatchID {
			d.state.LastMatchID = id
		}
	}
	d.state.TotalRows += int64(len(fresh))
	d.state.LastSync = time.Now().UTC()
	if err := d.saveState(); err != nil {
		return len(fresh), err
	}
	return len(fresh), nil
}

func (d *Dataset) saveState() error {
	data, err := json.MarshalIndent(d.state, "", "  ")
	if err != nil {
		return fmt.Errorf("encode sync state: %w", err)
	}
	if err := os.WriteFile(d.statePath(), data, 0o644); err != nil {
		return fmt.Errorf("write sync state: %w", err)
	}
	return nil
}

// Load returns the most recent rows within the rolling window.
func (d *Dataset) Load() ([]Row, error) {
	f, err := os.Open(d.dataPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoTrainingData
	}
	if err != nil {
		return nil, fmt.Errorf("open corpus: %w", err)
	}
	defer f.Close()

	var rows []Row
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var row Row
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			continue
		}
		rows = append(rows, row)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan corpus: %w", err)
	}
	if len(rows) == 0 {
		return nil, ErrNoTrainingData
	}
	if len(rows) > d.windowN {
		rows = rows[len(rows)-d.windowN:]
	}
	return rows, nil
}

// LastMatchID returns the corpus catch-up cursor.
func (d *Dataset) LastMatchID() int64 {
	return d.state.LastMatchID
}

// TotalRows returns the lifetime row count.
func (d *Dataset) TotalRows() int64 {
	return d.state.TotalRows
}
