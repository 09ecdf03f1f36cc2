package tickstore

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	// batchSize is how many pending ticks force an immediate flush.
	batchSize = 100

	// DefaultFlushInterval bounds how stale the archive can run.
	DefaultFlushInterval = 5 * time.Second
)

// BatchWriter accumulates ticks and flushes them to the store in
// batches, either when the batch fills or on a timer.
type BatchWriter struct {
	store    *Store
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	pending []TickRow
}

// NewBatchWriter creates a batch writer. interval <= 0 uses the
// default.
func NewBatchWriter(store *Store, interval time.Duration, logger *zap.Logger) *BatchWriter {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BatchWriter{store: store, interval: interval, logger: logger}
}

// Enqueue adds a tick to the pending batch, flushing when the batch
// fills. A failed flush keeps the rows pending for the next attempt.
func (w *BatchWriter) Enqueue(row TickRow) {
	w.mu.Lock()
	w.pending = append(w.pending, row)
	full := len(w.pending) >= batchSize
	w.mu.Unlock()

	if full {
		if err := w.Flush(); err != nil {
			w.logger.Error("tick batch flush failed", zap.Error(err))
		}
	}
}

// Flush writes all pending ticks now.
func (w *BatchWriter) Flush() error {
	w.mu.Lock()
	rows := w.pending
	w.pending = nil
	w.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}
	if err := w.store.InsertTicks(rows); err != nil {
		w.mu.Lock()
		w.pending = append(rows, w.pending...)
		w.mu.Unlock()
		return err
	}
	return nil
}

// Pending returns the number of rows awaiting a flush.
func (w *BatchWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// Run flushes on the configured interval until ctx is cancelled, then
// performs a final flush so shutdown loses nothing.
func (w *BatchWriter) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := w.Flush(); err != nil {
				w.logger.Error("final tick flush failed", zap.Error(err))
			}
			return
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				w.logger.Error("tick batch flush failed", zap.Error(err))
			}
		}
	}
}
