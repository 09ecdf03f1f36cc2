// Package metrics provides Prometheus metrics for the prediction engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// EngineMetrics collects and exposes the engine's Prometheus metrics.
type EngineMetrics struct {
	registry *prometheus.Registry

	// Ingestion metrics
	TicksReceived *prometheus.CounterVec
	TicksDeduped  *prometheus.CounterVec
	TicksDropped  *prometheus.CounterVec
	StageLatency  *prometheus.HistogramVec

	// Prediction metrics
	PredictionsTotal *prometheus.CounterVec
	WinProbability   *prometheus.HistogramVec
	MispricingIndex  *prometheus.HistogramVec

	// Streaming metrics
	ConnectedClients *prometheus.GaugeVec

	// Provider metrics
	ProviderCalls  *prometheus.CounterVec
	ProviderErrors *prometheus.CounterVec
	QuotaUsagePct  *prometheus.GaugeVec

	// Lifecycle metrics
	RetrainCycles  *prometheus.CounterVec
	GateDecisions  *prometheus.CounterVec
	CurrentVersion *prometheus.GaugeVec
	TrainingRows   *prometheus.GaugeVec
}

// NewEngineMetrics creates an engine metrics collector on its own
// registry.
func NewEngineMetrics() *EngineMetrics {
	registry := prometheus.NewRegistry()

	em := &EngineMetrics{
		registry: registry,

		// Ingestion metrics
		TicksReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchsight_ticks_received_total",
				Help: "Total telemetry ticks received",
			},
			[]string{"source"},
		),
		TicksDeduped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchsight_ticks_deduped_total",
				Help: "Ticks rejected as duplicates of the current game clock",
			},
			[]string{},
		),
		TicksDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchsight_ticks_dropped_total",
				Help: "Ticks dropped before processing",
			},
			[]string{"reason"},
		),
		StageLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matchsight_stage_latency_seconds",
				Help:    "Pipeline stage latency",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
			},
			[]string{"stage"},
		),

		// Prediction metrics
		PredictionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchsight_predictions_total",
				Help: "Total predictions scored",
			},
			[]string{"source", "confidence"},
		),
		WinProbability: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matchsight_win_probability",
				Help:    "Distribution of model win probabilities",
				Buckets: prometheus.LinearBuckets(0, 0.1, 11),
			},
			[]string{},
		),
		MispricingIndex: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "matchsight_mispricing_index",
				Help:    "Model probability minus market implied probability",
				Buckets: prometheus.LinearBuckets(-0.5, 0.1, 11),
			},
			[]string{},
		),

		// Streaming metrics
		ConnectedClients: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "matchsight_ws_clients",
				Help: "Connected WebSocket clients",
			},
			[]string{},
		),

		// Provider metrics
		ProviderCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchsight_provider_calls_total",
				Help: "Total upstream API calls",
			},
			[]string{"source"},
		),
		ProviderErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchsight_provider_errors_total",
				Help: "Total upstream API failures",
			},
			[]string{"source"},
		),
		QuotaUsagePct: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "matchsight_quota_usage_pct",
				Help: "API budget consumed per source and window",
			},
			[]string{"source", "window"},
		),

		// Lifecycle metrics
		RetrainCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchsight_retrain_cycles_total",
				Help: "Total retraining cycles by outcome",
			},
			[]string{"outcome"},
		),
		GateDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "matchsight_gate_decisions_total",
				Help: "Promotion gate decisions",
			},
			[]string{"decision"},
		),
		CurrentVersion: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "matchsight_model_version",
				Help: "Currently served model version",
			},
			[]string{},
		),
		TrainingRows: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "matchsight_training_rows",
				Help: "Rows in the training corpus",
			},
			[]string{},
		),
	}

	em.registerAll()
	return em
}

func (em *EngineMetrics) registerAll() {
	em.registry.MustRegister(
		em.TicksReceived,
		em.TicksDeduped,
		em.TicksDropped,
		em.StageLatency,
		em.PredictionsTotal,
		em.WinProbability,
		em.MispricingIndex,
		em.ConnectedClients,
		em.ProviderCalls,
		em.ProviderErrors,
		em.QuotaUsagePct,
		em.RetrainCycles,
		em.GateDecisions,
		em.CurrentVersion,
		em.TrainingRows,
	)
}

// Registry returns the prometheus registry.
func (em *EngineMetrics) Registry() *prometheus.Registry {
	return em.registry
}

// --- Helper methods for recording metrics ---

// RecordTick records a received tick.
func (em *EngineMetrics) RecordTick(source string) {
	em.TicksReceived.WithLabelValues(source).Inc()
}

// RecordDedup records a duplicate tick rejection.
func (em *EngineMetrics) RecordDedup() {
	em.TicksDeduped.WithLabelValues().Inc()
}

// RecordDrop records a dropped tick.
func (em *EngineMetrics) RecordDrop(reason string) {
	em.TicksDropped.WithLabelValues(reason).Inc()
}

// RecordStage records a pipeline stage execution.
func (em *EngineMetrics) RecordStage(stage string, durationSec float64) {
	em.StageLatency.WithLabelValues(stage).Observe(durationSec)
}

// RecordPrediction records one scored prediction.
func (em *EngineMetrics) RecordPrediction(source, confidence string, probability float64) {
	em.PredictionsTotal.WithLabelValues(source, confidence).Inc()
	em.WinProbability.WithLabelValues().Observe(probability)
}

// RecordMispricing records a model-vs-market gap.
func (em *EngineMetrics) RecordMispricing(index float64) {
	em.MispricingIndex.WithLabelValues().Observe(index)
}

// UpdateClients updates the connected client gauge.
func (em *EngineMetrics) UpdateClients(count int) {
	em.ConnectedClients.WithLabelValues().Set(float64(count))
}

// RecordProviderCall records an upstream API call.
func (em *EngineMetrics) RecordProviderCall(source string) {
	em.ProviderCalls.WithLabelValues(source).Inc()
}

// RecordProviderError records an upstream API failure.
func (em *EngineMetrics) RecordProviderError(source string) {
	em.ProviderErrors.WithLabelValues(source).Inc()
}

// UpdateQuota updates the budget gauge for one source window.
func (em *EngineMetrics) UpdateQuota(source, window string, usedPct float64) {
	em.QuotaUsagePct.WithLabelValues(source, window).Set(usedPct)
}

// RecordRetrainCycle records a completed retraining cycle.
func (em *EngineMetrics) RecordRetrainCycle(outcome string) {
	em.RetrainCycles.WithLabelValues(outcome).Inc()
}

// RecordGateDecision records a promotion gate decision.
func (em *EngineMetrics) RecordGateDecision(promoted bool) {
	if promoted {
		em.GateDecisions.WithLabelValues("promote").Inc()
	} else {
		em.GateDecisions.WithLabelValues("reject").Inc()
	}
}

// UpdateModelVersion updates the served model version gauge.
func (em *EngineMetrics) UpdateModelVersion(version int) {
	em.CurrentVersion.WithLabelValues().Set(float64(version))
}

// UpdateTrainingRows updates the corpus size gauge.
func (em *EngineMetrics) UpdateTrainingRows(rows int) {
	em.TrainingRows.WithLabelValues().Set(float64(rows))
}
