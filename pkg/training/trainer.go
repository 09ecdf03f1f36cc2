package training

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"go.uber.org/zap"

	"github.com/velkara/matchsight/pkg/features"
	"github.com/velkara/matchsight/pkg/inference"
	"github.com/velkara/matchsight/pkg/registry"
)

// Training hyperparameters. The seed is fixed so a rerun over the same
// corpus reproduces the same candidate.
const (
	trainSeed    = 42
	testFraction = 0.2
	epochs       = 400
	learningRate = 0.1
	l2Penalty    = 1e-4
)

// Trainer fits a candidate model over the corpus and registers it.
type Trainer struct {
	dataset  *Dataset
	registry *registry.Registry
	logger   *zap.Logger
}

// NewTrainer creates a trainer over the given corpus and registry.
func NewTrainer(dataset *Dataset, reg *registry.Registry, logger *zap.Logger) *Trainer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trainer{dataset: dataset, registry: reg, logger: logger}
}

// Train fits a candidate on the rolling corpus window, evaluates it on a
// held-out split, writes the artifacts, and registers the version.
// parentVersion warm-starts the weights when it names a registered
// version with a matching schema; zero trains from scratch.
func (t *Trainer) Train(tag string, parentVersion int) (registry.Version, error) {
	rows, err := t.dataset.Load()
	if err != nil {
		return registry.Version{}, err
	}

	schema := features.ModelFeatureNames
	X := make([][]float64, 0, len(rows))
	y := make([]float64, 0, len(rows))
	for _, row := range rows {
		if len(row.Features) != len(schema) {
			continue // rows from an older schema age out of the window
		}
		X = append(X, row.Features)
		y = append(y, float64(row.RadiantWin))
	}
	if len(X) < 10 {
		return registry.Version{}, fmt.Errorf("%w: %d usable rows", ErrNoTrainingData, len(X))
	}

	// Deterministic shuffled split.
	rng := rand.New(rand.NewSource(trainSeed))
	perm := rng.Perm(len(X))
	nTest := int(float64(len(X)) * testFraction)
	if nTest == 0 {
		nTest = 1
	}
	testIdx := perm[:nTest]
	trainIdx := perm[nTest:]

	means, scales := standardization(X, trainIdx)

	weights := make([]float64, len(schema))
	var bias float64
	if parentVersion > 0 {
		if parent, ok := t.registry.Get(parentVersion); ok {
			if pm, err := inference.LoadModel(parent.ModelPath(t.registry.Dir())); err == nil && len(pm.Weights) == len(schema) {
				copy(weights, pm.Weights)
				bias = pm.Bias
				t.logger.Info("warm start from parent",
					zap.Int("parent_version", parentVersion))
			}
		}
	}

	fitLogistic(X, y, trainIdx, means, scales, weights, &bias)

	model := &inference.Model{
		Version:      t.registry.NextVersion(),
		Tag:          tag,
		FeatureNames: schema,
		Weights:      weights,
		Bias:         bias,
		Means:        means,
		Scales:       scales,
	}

	// Held-out evaluation.
	testPreds := make([]float64, len(testIdx))
	testLabels := make([]float64, len(testIdx))
	for i, idx := range testIdx {
		p, err := model.Predict(X[idx])
		if err != nil {
			return registry.Version{}, fmt.Errorf("evaluate candidate: %w", err)
		}
		testPreds[i] = p
		testLabels[i] = y[idx]
	}

	calibrator, err := inference.FitIsotonic(testPreds, testLabels)
	if err != nil {
		return registry.Version{}, fmt.Errorf("fit calibrator: %w", err)
	}
	calibrated := make([]float64, len(testPreds))
	for i, p := range testPreds {
		calibrated[i] = calibrator.Calibrate(p)
	}

	metrics := registry.Metrics{
		LogLoss:           LogLoss(testPreds, testLabels),
		Accuracy:          Accuracy(testPreds, testLabels),
		AUC:               AUC(testPreds, testLabels),
		CalibratedLogLoss: LogLoss(calibrated, testLabels),
	}

	version := registry.Version{
		Version:           model.Version,
		Tag:               tag,
		TrainingSamples:   len(trainIdx),
		TestSamples:       len(testIdx),
		Metrics:           metrics,
		FeatureImportance: model.FeatureImportance(),
		LastSourceID:      t.dataset.LastMatchID(),
		ParentVersion:     parentVersion,
	}

	if err := model.Save(version.ModelPath(t.registry.Dir())); err != nil {
		return registry.Version{}, err
	}
	if err := calibrator.Save(version.CalibratorPath(t.registry.Dir())); err != nil {
		return registry.Version{}, err
	}
	if err := t.registry.Register(version); err != nil {
		return registry.Version{}, err
	}

	t.logger.Info("candidate trained",
		zap.Int("version", version.Version),
		zap.Int("train_samples", version.TrainingSamples),
		zap.Int("test_samples", version.TestSamples),
		zap.Float64("auc", metrics.AUC),
		zap.Float64("logloss", metrics.LogLoss))
	return version, nil
}

// standardization computes per-feature means and standard deviations
// over the training split.
func standardization(X [][]float64, trainIdx []int) (means, scales []float64) {
	nFeatures := len(X[0])
	means = make([]float64, nFeatures)
	scales = make([]float64, nFeatures)

	for _, idx := range trainIdx {
		for j, v := range X[idx] {
			means[j] += v
		}
	}
	n := float64(len(trainIdx))
	for j := range means {
		means[j] /= n
	}
	for _, idx := range trainIdx {
		for j, v := range X[idx] {
			d := v - means[j]
			scales[j] += d * d
		}
	}
	for j := range scales {
		scales[j] = math.Sqrt(scales[j] / n)
		if scales[j] == 0 {
			scales[j] = 1
		}
	}
	return means, scales
}

// fitLogistic runs full-batch gradient descent on the standardized
// training split, updating weights and bias in place.
func fitLogistic(X [][]float64, y []float64, trainIdx []int, means, scales, weights []float64, bias *float64) {
	n := float64(len(trainIdx))
	grad := make([]float64, len(weights))

	for epoch := 0; epoch < epochs; epoch++ {
		for j := range grad {
			grad[j] = 0
		}
		var gradBias float64

		for _, idx := range trainIdx {
			z := *bias
			for j, v := range X[idx] {
				z += weights[j] * (v - means[j]) / scales[j]
			}
			err := 1.0/(1.0+math.Exp(-z)) - y[idx]
			for j, v := range X[idx] {
				grad[j] += err * (v - means[j]) / scales[j]
			}
			gradBias += err
		}

		for j := range weights {
			weights[j] -= learningRate * (grad[j]/n + l2Penalty*weights[j])
		}
		*bias -= learningRate * gradBias / n
	}
}

// LogLoss is the mean negative log-likelihood. Predictions are clamped
// away from 0 and 1 first.
func LogLoss(preds, labels []float64) float64 {
	if len(preds) == 0 {
		return 0
	}
	var sum float64
	for i, p := range preds {
		p = math.Min(math.Max(p, 1e-7), 1-1e-7)
		if labels[i] > 0.5 {
			sum -= math.Log(p)
		} else {
			sum -= math.Log(1 - p)
		}
	}
	return sum / float64(len(preds))
}

// Accuracy is the fraction of correct calls at the 0.5 threshold.
func Accuracy(preds, labels []float64) float64 {
	if len(preds) == 0 {
		return 0
	}
	var correct int
	for i, p := range preds {
		if (p >= 0.5) == (labels[i] > 0.5) {
			correct++
		}
	}
	return float64(correct) / float64(len(preds))
}

// AUC computes the area under the ROC curve via the Mann-Whitney rank
// statistic. Degenerate single-class inputs score 0.5.
func AUC(preds, labels []float64) float64 {
	type scored struct {
		p     float64
		label float64
	}
	s := make([]scored, len(preds))
	for i := range preds {
		s[i] = scored{preds[i], labels[i]}
	}
	sort.Slice(s, func(i, j int) bool { return s[i].p < s[j].p })

	// Average ranks across ties.
	ranks := make([]float64, len(s))
	for i := 0; i < len(s); {
		j := i
		for j < len(s) && s[j].p == s[i].p {
			j++
		}
		avg := float64(i+j+1) / 2.0 // 1-based average rank of the tie block
		for k := i; k < j; k++ {
			ranks[k] = avg
		}
		i = j
	}

	var nPos, nNeg, rankSum float64
	for i, sc := range s {
		if sc.label > 0.5 {
			nPos++
			rankSum += ranks[i]
		} else {
			nNeg++
		}
	}
	if nPos == 0 || nNeg == 0 {
		return 0.5
	}
	return (rankSum - nPos*(nPos+1)/2) / (nPos * nNeg)
}

// IsNoData reports whether err means the corpus had nothing to train on.
func IsNoData(err error) bool {
	return errors.Is(err, ErrNoTrainingData)
}
