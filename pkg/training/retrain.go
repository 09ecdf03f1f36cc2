package training

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/velkara/matchsight/pkg/providers/history"
	"github.com/velkara/matchsight/pkg/registry"
)

// Scheduler defaults.
const (
	retrainHourUTC  = 4 // low-traffic window
	fetchLimit      = 200
	politenessDelay = time.Second
	errorBackoff    = time.Minute

	// aucTolerance is the allowed AUC regression at the promotion gate.
	// A candidate trained on more data may dip slightly and still ship.
	aucTolerance = 0.005
)

// MatchSource supplies completed professional matches for training.
type MatchSource interface {
	RecentProMatches(ctx context.Context, limit int) ([]history.ProMatch, error)
	MatchDetail(ctx context.Context, matchID int64) (*history.MatchDetail, error)
}

// CycleMetrics receives retraining lifecycle measurements.
type CycleMetrics interface {
	RecordRetrainCycle(outcome string)
	RecordGateDecision(promoted bool)
	UpdateTrainingRows(rows int)
}

// CycleResult summarizes one retraining cycle for logging and metrics.
type CycleResult struct {
	MatchesProcessed int
	RowsAppended     int
	Candidate        *registry.Version
	Promoted         bool
	Skipped          bool
}

// Retrainer runs the zero-touch daily retraining cycle: catch up on
// completed matches, extend the corpus, train a candidate, and promote
// it through the non-regression gate.
type Retrainer struct {
	source    MatchSource
	collector *Collector
	dataset   *Dataset
	trainer   *Trainer
	registry  *registry.Registry
	logger    *zap.Logger
	tag       string
	metrics   CycleMetrics

	mu        sync.Mutex
	isRunning bool
}

// NewRetrainer wires the retraining cycle.
func NewRetrainer(source MatchSource, dataset *Dataset, trainer *Trainer, reg *registry.Registry, tag string, logger *zap.Logger) *Retrainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retrainer{
		source:    source,
		collector: NewCollector(),
		dataset:   dataset,
		trainer:   trainer,
		registry:  reg,
		logger:    logger,
		tag:       tag,
	}
}

// SetMetrics attaches lifecycle metrics. Call before Run.
func (r *Retrainer) SetMetrics(m CycleMetrics) {
	r.metrics = m
}

func (r *Retrainer) observeCycle(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordRetrainCycle(outcome)
	}
}

// Run blocks until ctx is cancelled, waking daily at the scheduled hour.
// A failed cycle logs and waits for the next day; a tight error loop is
// prevented by a short backoff.
func (r *Retrainer) Run(ctx context.Context) {
	r.logger.Info("retraining scheduler started",
		zap.Int("hour_utc", retrainHourUTC))

	for {
		wait := untilNextRun(time.Now().UTC())
		r.logger.Info("retraining scheduler sleeping",
			zap.Duration("wait", wait))

		select {
		case <-ctx.Done():
			r.logger.Info("retraining scheduler stopped")
			return
		case <-time.After(wait):
		}

		if _, err := r.RunCycle(ctx); err != nil {
			r.logger.Error("retraining cycle failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(errorBackoff):
			}
		}
	}
}

func untilNextRun(now time.Time) time.Duration {
	target := time.Date(now.Year(), now.Month(), now.Day(), retrainHourUTC, 0, 0, 0, time.UTC)
	if !now.Before(target) {
		target = target.Add(24 * time.Hour)
	}
	return target.Sub(now)
}

// RunCycle executes one full cycle. Re-entrant triggers while a cycle is
// in flight are skipped, not queued. Any error aborts the cycle and
// leaves the production model untouched.
func (r *Retrainer) RunCycle(ctx context.Context) (CycleResult, error) {
	r.mu.Lock()
	if r.isRunning {
		r.mu.Unlock()
		r.logger.Warn("retraining cycle already running, skipping")
		r.observeCycle("skipped")
		return CycleResult{Skipped: true}, nil
	}
	r.isRunning = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.isRunning = false
		r.mu.Unlock()
	}()

	result := CycleResult{}

	rows, processed, err := r.catchUp(ctx)
	if err != nil {
		r.observeCycle("error")
		return result, fmt.Errorf("catch up: %w", err)
	}
	result.MatchesProcessed = processed

	if len(rows) == 0 {
		r.logger.Info("no new matches to train on")
		r.observeCycle("no_new_matches")
		return result, nil
	}

	added, err := r.dataset.Append(rows)
	if err != nil {
		r.observeCycle("error")
		return result, fmt.Errorf("extend corpus: %w", err)
	}
	result.RowsAppended = added
	if r.metrics != nil {
		r.metrics.UpdateTrainingRows(int(r.dataset.TotalRows()))
	}
	if added == 0 {
		r.logger.Info("all fetched rows were duplicates, skipping training")
		r.observeCycle("no_new_rows")
		return result, nil
	}

	parent := 0
	if current, ok := r.registry.Current(); ok {
		parent = current.Version
	}

	candidate, err := r.trainer.Train(r.tag, parent)
	if err != nil {
		r.observeCycle("error")
		return result, fmt.Errorf("train candidate: %w", err)
	}
	result.Candidate = &candidate

	promote, reason := r.gate(candidate)
	r.logger.Info("promotion gate",
		zap.Int("candidate", candidate.Version),
		zap.Bool("promote", promote),
		zap.String("reason", reason))
	if r.metrics != nil {
		r.metrics.RecordGateDecision(promote)
	}

	if promote {
		if err := r.registry.SetCurrent(candidate.Version); err != nil {
			r.observeCycle("error")
			return result, fmt.Errorf("promote candidate: %w", err)
		}
		result.Promoted = true
		r.observeCycle("promoted")
	} else {
		r.observeCycle("rejected")
	}
	return result, nil
}

// catchUp fetches completed matches newer than the corpus cursor and
// converts them to training rows.
func (r *Retrainer) catchUp(ctx context.Context) ([]Row, int, error) {
	lastID := r.dataset.LastMatchID()

	matches, err := r.source.RecentProMatches(ctx, fetchLimit)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch recent matches: %w", err)
	}

	var rows []Row
	processed := 0
	for _, m := range matches {
		if lastID != 0 && m.MatchID <= lastID {
			continue
		}

		detail, err := r.source.MatchDetail(ctx, m.MatchID)
		if err != nil {
			// One bad match must not sink the cycle's other matches.
			r.logger.Warn("match detail fetch failed",
				zap.Int64("match_id", m.MatchID), zap.Error(err))
			continue
		}
		rows = append(rows, r.collector.Rows(detail)...)
		processed++

		select {
		case <-ctx.Done():
			return nil, processed, ctx.Err()
		case <-time.After(politenessDelay):
		}
	}
	return rows, processed, nil
}

// gate decides promotion: unconditional with no incumbent, otherwise
// the candidate's AUC may trail the incumbent's by at most aucTolerance.
func (r *Retrainer) gate(candidate registry.Version) (bool, string) {
	current, ok := r.registry.Current()
	if !ok {
		return true, "no current model"
	}
	if candidate.Metrics.AUC >= current.Metrics.AUC-aucTolerance {
		return true, fmt.Sprintf("candidate auc %.4f vs current %.4f",
			candidate.Metrics.AUC, current.Metrics.AUC)
	}
	return false, fmt.Sprintf("regression: candidate auc %.4f vs current %.4f",
		candidate.Metrics.AUC, current.Metrics.AUC)
}
