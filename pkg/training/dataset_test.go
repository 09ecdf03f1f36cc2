package training

import (
	"errors"
	"testing"
	"time"
)

func makeRow(matchID int64, gameTime float64) Row {
	features := make([]float64, 13)
	features[0] = gameTime
	return Row{
		MatchID:    matchID,
		GameTime:   gameTime,
		Features:   features,
		RadiantWin: 1,
		StartTime:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestDatasetAppendAndLoad(t *testing.T) {
	d, err := OpenDataset(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDataset: %v", err)
	}

	added, err := d.Append([]Row{
		makeRow(100, 0), makeRow(100, 30), makeRow(101, 0),
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if added != 3 {
		t.Errorf("added = %d, want 3", added)
	}
	if d.LastMatchID() != 101 {
		t.Errorf("LastMatchID = %d, want 101", d.LastMatchID())
	}
	if d.TotalRows() != 3 {
		t.Errorf("TotalRows = %d, want 3", d.TotalRows())
	}

	rows, err := d.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(rows) != 3 {
		t.Errorf("loaded %d rows, want 3", len(rows))
	}
}

func TestDatasetDeduplicatesByMatch(t *testing.T) {
	d, err := OpenDataset(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDataset: %v", err)
	}

	if _, err := d.Append([]Row{makeRow(100, 0), makeRow(100, 30)}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	added, err := d.Append([]Row{makeRow(100, 60), makeRow(102, 0)})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if added != 1 {
		t.Errorf("added = %d, want 1 (match 100 already ingested)", added)
	}
	if d.TotalRows() != 3 {
		t.Errorf("TotalRows = %d, want 3", d.TotalRows())
	}
}

func TestDatasetPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	d, err := OpenDataset(dir)
	if err != nil {
		t.Fatalf("OpenDataset: %v", err)
	}
	if _, err := d.Append([]Row{makeRow(100, 0), makeRow(101, 0)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	reopened, err := OpenDataset(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.LastMatchID() != 101 {
		t.Errorf("LastMatchID after reopen = %d, want 101", reopened.LastMatchID())
	}
	if reopened.TotalRows() != 2 {
		t.Errorf("TotalRows after reopen = %d, want 2", reopened.TotalRows())
	}

	// The rebuilt dedup set still rejects known matches.
	added, err := reopened.Append([]Row{makeRow(100, 90)})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if added != 0 {
		t.Errorf("added = %d, want 0", added)
	}
}

func TestDatasetLoadEmpty(t *testing.T) {
	d, err := OpenDataset(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDataset: %v", err)
	}
	if _, err := d.Load(); !errors.Is(err, ErrNoTrainingData) {
		t.Errorf("Load on empty corpus = %v, want ErrNoTrainingData", err)
	}
	if !IsNoData(ErrNoTrainingData) {
		t.Error("IsNoData should recognize the sentinel")
	}
}

func TestDatasetRollingWindow(t *testing.T) {
	d, err := OpenDataset(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDataset: %v", err)
	}
	d.windowN = 5

	rows := make([]Row, 8)
	for i := range rows {
		rows[i] = makeRow(int64(200+i), float64(i*30))
	}
	if _, err := d.Append(rows); err != nil {
		t.Fatalf("Append: %v", err)
	}

	loaded, err := d.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded) != 5 {
		t.Fatalf("loaded %d rows, want window of 5", len(loaded))
	}
	if loaded[0].MatchID != 203 {
		t.Errorf("window starts at match %d, want 203 (newest rows win)", loaded[0].MatchID)
	}
}
