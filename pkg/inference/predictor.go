// Package inference scores feature vectors with the current trained
// model, falling back to a closed-form heuristic when no model can
// answer.
package inference

import (
	"math"
	"os"
	"sync"

	"go.uber.org/zap"
)

// Confidence bands attached to every prediction.
const (
	ConfidenceLow    = "low"
	ConfidenceMedium = "medium"
	ConfidenceHigh   = "high"
)

// Prediction sources.
const (
	SourceModel     = "model"
	SourceHeuristic = "heuristic"
)

// Heuristic tuning. The heuristic reads the schema positions of
// game_time, gold_diff_normalized, xp_diff_normalized and
// networth_velocity.
const (
	heuristicGoldWeight     = 0.6
	heuristicXPWeight       = 0.4
	heuristicMomentumWeight = 0.2
	heuristicSteepness      = 3.0

	idxGameTime = 0
	idxGoldNorm = 3
	idxXPNorm   = 5
	idxVelocity = 6
)

// Result is one scored prediction.
type Result struct {
	Probability float64 `json:"probability"`
	Source      string  `json:"source"`
	Confidence  string  `json:"confidence"`
}

// Predictor scores feature vectors. The model and calibrator are held
// behind a RWMutex so the registry can hot-swap them while serving.
type Predictor struct {
	mu         sync.RWMutex
	model      *Model
	calibrator *Calibrator

	modelPath      string
	calibratorPath string
	logger         *zap.Logger
}

// NewPredictor creates a predictor bound to the current-model artifact
// paths. Missing artifacts are not an error; the heuristic serves until
// a model is promoted.
func NewPredictor(modelPath, calibratorPath string, logger *zap.Logger) *Predictor {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Predictor{
		modelPath:      modelPath,
		calibratorPath: calibratorPath,
		logger:         logger,
	}
	if err := p.Reload(); err != nil {
		logger.Warn("no model loaded, serving heuristic", zap.Error(err))
	}
	return p
}

// Reload re-reads the current artifact pair from disk. Called by the
// registry's swap hook after a promotion.
func (p *Predictor) Reload() error {
	model, err := LoadModel(p.modelPath)
	if err != nil {
		return err
	}

	var calibrator *Calibrator
	if p.calibratorPath != "" {
		if _, statErr := os.Stat(p.calibratorPath); statErr == nil {
			calibrator, err = LoadCalibrator(p.calibratorPath)
			if err != nil {
				p.logger.Warn("calibrator load failed, serving uncalibrated", zap.Error(err))
				calibrator = nil
			}
		}
	}

	p.mu.Lock()
	p.model = model
	p.calibrator = calibrator
	p.mu.Unlock()

	p.logger.Info("model loaded",
		zap.Int("version", model.Version),
		zap.String("tag", model.Tag),
		zap.Bool("calibrated", calibrator != nil))
	return nil
}

// HasModel reports whether a trained model is currently loaded.
func (p *Predictor) HasModel() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.model != nil
}

// ModelVersion returns the loaded model's version, 0 when serving the
// heuristic.
func (p *Predictor) ModelVersion() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return 0
	}
	return p.model.Version
}

// FeatureImportance returns the loaded model's normalized importance
// map, nil when serving the heuristic.
func (p *Predictor) FeatureImportance() map[string]float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.model == nil {
		return nil
	}
	return p.model.FeatureImportance()
}

// Predict scores a feature vector. Any model-path failure, including a
// schema mismatch, falls through to the heuristic; the returned
// probability is always within [0.01, 0.99].
func (p *Predictor) Predict(features []float64) Result {
	p.mu.RLock()
	model := p.model
	calibrator := p.calibrator
	p.mu.RUnlock()

	gameTime := 0.0
	if len(features) > idxGameTime {
		gameTime = features[idxGameTime]
	}

	if model != nil {
		prob, err := model.Predict(features)
		if err == nil {
			if calibrator != nil {
				prob = calibrator.Calibrate(prob)
			}
			prob = clampProb(prob)
			return Result{
				Probability: prob,
				Source:      SourceModel,
				Confidence:  Confidence(gameTime, prob),
			}
		}
		p.logger.Warn("model predict failed, falling back to heuristic", zap.Error(err))
	}

	prob := Heuristic(features)
	return Result{
		Probability: prob,
		Source:      SourceHeuristic,
		Confidence:  Confidence(gameTime, prob),
	}
}

// Heuristic is the deterministic closed-form fallback: a weighted
// economy signal through a steep logistic, blended toward 0.5 in the
// early game where leads mean little.
func Heuristic(features []float64) float64 {
	var gameTime, goldNorm, xpNorm, velocity float64
	if len(features) > idxGameTime {
		gameTime = features[idxGameTime]
	}
	if len(features) > idxGoldNorm {
		goldNorm = features[idxGoldNorm]
	}
	if len(features) > idxXPNorm {
		xpNorm = features[idxXPNorm]
	}
	if len(features) > idxVelocity {
		velocity = features[idxVelocity]
	}

	combined := goldNorm*heuristicGoldWeight +
		xpNorm*heuristicXPWeight +
		(velocity/100)*heuristicMomentumWeight

	base := 1.0 / (1.0 + math.Exp(-heuristicSteepness*combined))

	timeWeight := math.Min(1.0, gameTime/1200)
	prob := 0.5 + (base-0.5)*timeWeight

	return clampProb(prob)
}

// Confidence bands a prediction by game time and decisiveness. Early
// game is always low; past 20 minutes a decisive probability earns
// high.
func Confidence(gameTime, prob float64) string {
	switch {
	case gameTime < 600:
		return ConfidenceLow
	case gameTime <= 1200:
		return ConfidenceMedium
	case math.Abs(prob-0.5) > 0.2:
		return ConfidenceHigh
	default:
		return ConfidenceMedium
	}
}

func clampProb(p float64) float64 {
	if p < 0.01 {
		return 0.01
	}
	if p > 0.99 {
		return 0.99
	}
	return p
}
