// Package orchestrator drives the per-tick pipeline: dedup, state
// update, feature extraction, inference, broadcast, and archival.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/velkara/matchsight/pkg/buffer"
	"github.com/velkara/matchsight/pkg/features"
	"github.com/velkara/matchsight/pkg/inference"
	"github.com/velkara/matchsight/pkg/metrics"
	"github.com/velkara/matchsight/pkg/providers/metadata"
	"github.com/velkara/matchsight/pkg/state"
	"github.com/velkara/matchsight/pkg/telemetry"
	"github.com/velkara/matchsight/pkg/tickstore"
)

// Stage identifies a step of the tick pipeline.
type Stage string

const (
	StageReceived  Stage = "received"
	StageDedup     Stage = "dedup"
	StageBuffered  Stage = "buffered"
	StageExtracted Stage = "extracted"
	StageInferred  Stage = "inferred"
	StageBroadcast Stage = "broadcast"
	StagePersisted Stage = "persisted"
)

const (
	defaultQueueSize      = 256
	defaultOddsInterval   = 20 * time.Second
	defaultOddsStaleAfter = 2 * time.Minute
)

// Broadcaster receives the live state after each processed tick.
type Broadcaster interface {
	BroadcastUpdate(payload interface{})
}

// Orchestrator owns the bounded tick queue and its single consumer.
type Orchestrator struct {
	ticks     chan telemetry.RawTick
	ring      *buffer.Ring
	store     *state.Store
	extractor *features.Extractor
	predictor *inference.Predictor
	logger    *zap.Logger

	hub        Broadcaster
	archive    *tickstore.Store
	batcher    *tickstore.BatchWriter
	engMetrics *metrics.EngineMetrics
	mockOdds   *metadata.MockOddsGenerator
	onStage    func(Stage, telemetry.RawTick)

	oddsInterval   time.Duration
	oddsStaleAfter time.Duration

	matchRowIDs map[string]string
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithHub attaches the streaming hub.
func WithHub(hub Broadcaster) Option {
	return func(o *Orchestrator) { o.hub = hub }
}

// WithArchive attaches the tick archive and its batch writer.
func WithArchive(archive *tickstore.Store, batcher *tickstore.BatchWriter) Option {
	return func(o *Orchestrator) {
		o.archive = archive
		o.batcher = batcher
	}
}

// WithMetrics attaches the metrics collector.
func WithMetrics(em *metrics.EngineMetrics) Option {
	return func(o *Orchestrator) { o.engMetrics = em }
}

// WithMockOdds enables periodic mock odds generation.
func WithMockOdds(gen *metadata.MockOddsGenerator) Option {
	return func(o *Orchestrator) { o.mockOdds = gen }
}

// WithQueueSize sets the tick queue capacity.
func WithQueueSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.ticks = make(chan telemetry.RawTick, n)
		}
	}
}

// WithStageCallback registers a hook fired after each pipeline stage.
func WithStageCallback(fn func(Stage, telemetry.RawTick)) Option {
	return func(o *Orchestrator) { o.onStage = fn }
}

// New creates an orchestrator.
func New(store *state.Store, ring *buffer.Ring, predictor *inference.Predictor, logger *zap.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		ticks:          make(chan telemetry.RawTick, defaultQueueSize),
		ring:           ring,
		store:          store,
		extractor:      features.NewExtractor(),
		predictor:      predictor,
		logger:         logger,
		oddsInterval:   defaultOddsInterval,
		oddsStaleAfter: defaultOddsStaleAfter,
		matchRowIDs:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit enqueues a tick without blocking. It reports false when the
// queue is full and the tick was dropped.
func (o *Orchestrator) Submit(tick telemetry.RawTick) bool {
	select {
	case o.ticks <- tick:
		return true
	default:
		if o.engMetrics != nil {
			o.engMetrics.RecordDrop("queue_full")
		}
		o.logger.Warn("tick queue full, dropping tick",
			zap.String("match_id", tick.MatchID))
		return false
	}
}

// QueueDepth returns the number of ticks awaiting processing.
func (o *Orchestrator) QueueDepth() int {
	return len(o.ticks)
}

// Run consumes the tick queue until ctx is cancelled, then flushes the
// archive so shutdown loses nothing.
func (o *Orchestrator) Run(ctx context.Context) {
	o.logger.Info("orchestrator started")

	oddsTicker := time.NewTicker(o.oddsInterval)
	defer oddsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if o.batcher != nil {
				if err := o.batcher.Flush(); err != nil {
					o.logger.Error("shutdown flush failed", zap.Error(err))
				}
			}
			o.logger.Info("orchestrator stopped")
			return

		case tick := <-o.ticks:
			o.process(tick)

		case <-oddsTicker.C:
			o.refreshOdds()
		}
	}
}

// process runs one tick through the full pipeline.
func (o *Orchestrator) process(tick telemetry.RawTick) {
	start := time.Now()
	o.stage(StageReceived, tick)
	if o.engMetrics != nil {
		o.engMetrics.RecordTick("ingest")
	}

	if current, ok := o.store.Current(); !ok || current.MatchID != tick.MatchID {
		o.store.StartMatch(tick.MatchID, "", "", "", false)
		o.logger.Info("tracking new match", zap.String("match_id", tick.MatchID))
	}

	if !o.ring.Add(tick) {
		o.stage(StageDedup, tick)
		if o.engMetrics != nil {
			o.engMetrics.RecordDedup()
		}
		return
	}
	o.stage(StageBuffered, tick)

	if err := o.store.UpdateGameState(tick.GameTime,
		tick.RadiantGold, tick.DireGold, tick.RadiantXP, tick.DireXP); err != nil {
		o.logger.Error("state update failed", zap.Error(err))
		return
	}

	velocity, hasVelocity, draftDiff, lateDiff, seriesDiff, err := o.store.FeatureContext()
	if err != nil {
		o.logger.Error("feature context failed", zap.Error(err))
		return
	}
	vec := o.extractor.Extract(tick, features.Context{
		NetworthVelocity:  velocity,
		HasVelocity:       hasVelocity,
		DraftScoreDiff:    draftDiff,
		LateGameScoreDiff: lateDiff,
		SeriesScoreDiff:   seriesDiff,
	})
	o.stage(StageExtracted, tick)

	result := o.predictor.Predict(vec.ModelVector())
	if err := o.store.UpdatePrediction(result.Probability); err != nil {
		o.logger.Error("prediction update failed", zap.Error(err))
		return
	}
	o.stage(StageInferred, tick)
	if o.engMetrics != nil {
		o.engMetrics.RecordPrediction(result.Source, result.Confidence, result.Probability)
		if current, ok := o.store.Current(); ok && current.HasPrediction {
			o.engMetrics.RecordMispricing(current.MispricingIndex)
		}
	}

	if o.hub != nil {
		o.hub.BroadcastUpdate(o.store.Payload())
	}
	o.stage(StageBroadcast, tick)

	o.persist(tick, result.Probability)
	o.stage(StagePersisted, tick)

	if o.engMetrics != nil {
		o.engMetrics.RecordStage("pipeline", time.Since(start).Seconds())
	}
}

// persist archives the tick when an archive is configured.
func (o *Orchestrator) persist(tick telemetry.RawTick, probability float64) {
	if o.archive == nil || o.batcher == nil {
		return
	}
	rowID, ok := o.matchRowIDs[tick.MatchID]
	if !ok {
		current, _ := o.store.Current()
		id, err := o.archive.EnsureMatch(tick.MatchID, current.RadiantTeam, current.DireTeam)
		if err != nil {
			o.logger.Error("archive match registration failed", zap.Error(err))
			return
		}
		rowID = id
		o.matchRowIDs[tick.MatchID] = rowID
	}
	o.batcher.Enqueue(tickstore.TickRow{
		MatchRowID:     rowID,
		GameTime:       tick.GameTime,
		GoldDiff:       tick.GoldDiff(),
		XPDiff:         tick.XPDiff(),
		RadiantScore:   tick.RadiantScore,
		DireScore:      tick.DireScore,
		WinProbability: probability,
		ReceivedAt:     tick.ReceivedAt,
	})
}

// refreshOdds keeps market context current: mock odds are regenerated
// from the latest game state, and real odds past their freshness
// window are flagged stale.
func (o *Orchestrator) refreshOdds() {
	current, ok := o.store.Current()
	if !ok {
		return
	}

	if !current.Odds.IsMock && !current.Odds.UpdatedAt.IsZero() {
		if time.Since(current.Odds.UpdatedAt) > o.oddsStaleAfter {
			if err := o.store.MarkOddsStale(); err != nil && !errors.Is(err, state.ErrNoActiveMatch) {
				o.logger.Error("mark odds stale failed", zap.Error(err))
			}
		}
		return
	}

	if o.mockOdds == nil {
		return
	}
	odds := o.mockOdds.Generate(current.Game.GameTime, current.Game.GoldDiff)
	if err := o.store.UpdateMarketOdds(odds); err != nil && !errors.Is(err, state.ErrNoActiveMatch) {
		o.logger.Error("mock odds update failed", zap.Error(err))
	}
}

func (o *Orchestrator) stage(s Stage, tick telemetry.RawTick) {
	if o.onStage != nil {
		o.onStage(s, tick)
	}
}
