package training

import (
	"testing"

	"github.com/velkara/matchsight/pkg/inference"
	"github.com/velkara/matchsight/pkg/registry"
)

// syntheticRows builds a corpus where the normalized gold feature fully
// determines the outcome.
func syntheticRows(n int) []Row {
	rows := make([]Row, n)
	for i := range rows {
		win := i % 2
		sign := -1.0
		if win == 1 {
			sign = 1.0
		}
		features := make([]float64, 13)
		features[0] = float64((i % 40) * 30)             // game time
		features[1] = features[0] / 3600                 // normalized
		features[2] = sign * (5000 + float64(i%7)*1000)  // gold diff
		features[3] = sign * (0.1 + float64(i%7)*0.02)   // gold diff norm
		features[4] = sign * (2000 + float64(i%5)*500)   // xp diff
		features[5] = sign * (0.07 + float64(i%5)*0.015) // xp diff norm
		features[7] = 0.3
		features[12] = 1.0
		rows[i] = Row{MatchID: int64(1000 + i), GameTime: features[0],
			Features: features, RadiantWin: win}
	}
	return rows
}

func newTrainedCandidate(t *testing.T) (registry.Version, *registry.Registry) {
	t.Helper()

	dataset, err := OpenDataset(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDataset: %v", err)
	}
	if _, err := dataset.Append(syntheticRows(200)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	reg, err := registry.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	trainer := NewTrainer(dataset, reg, nil)
	candidate, err := trainer.Train("test", 0)
	if err != nil {
		t.Fatalf("Train: %v", err)
	}
	return candidate, reg
}

func TestTrainProducesSeparatingModel(t *testing.T) {
	candidate, reg := newTrainedCandidate(t)

	if candidate.Version != 1 {
		t.Errorf("Version = %d, want 1", candidate.Version)
	}
	if candidate.TrainingSamples+candidate.TestSamples != 200 {
		t.Errorf("samples = %d + %d, want 200 total",
			candidate.TrainingSamples, candidate.TestSamples)
	}
	if candidate.TestSamples != 40 {
		t.Errorf("TestSamples = %d, want 40 (20%% split)", candidate.TestSamples)
	}
	if candidate.Metrics.AUC < 0.95 {
		t.Errorf("AUC = %f on a separable corpus, want >= 0.95", candidate.Metrics.AUC)
	}
	if candidate.Metrics.Accuracy < 0.9 {
		t.Errorf("Accuracy = %f, want >= 0.9", candidate.Metrics.Accuracy)
	}
	if candidate.LastSourceID != 1199 {
		t.Errorf("LastSourceID = %d, want 1199", candidate.LastSourceID)
	}

	// Artifacts must exist and load back.
	model, err := inference.LoadModel(candidate.ModelPath(reg.Dir()))
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	if len(model.Weights) != 13 {
		t.Errorf("model has %d weights, want 13", len(model.Weights))
	}
	if _, err := inference.LoadCalibrator(candidate.CalibratorPath(reg.Dir())); err != nil {
		t.Fatalf("LoadCalibrator: %v", err)
	}
}

func TestTrainIsDeterministic(t *testing.T) {
	c1, reg1 := newTrainedCandidate(t)
	c2, reg2 := newTrainedCandidate(t)

	if c1.Metrics != c2.Metrics {
		t.Errorf("metrics differ across identical runs: %+v vs %+v", c1.Metrics, c2.Metrics)
	}

	m1, err := inference.LoadModel(c1.ModelPath(reg1.Dir()))
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	m2, err := inference.LoadModel(c2.ModelPath(reg2.Dir()))
	if err != nil {
		t.Fatalf("LoadModel: %v", err)
	}
	for j := range m1.Weights {
		if m1.Weights[j] != m2.Weights[j] {
			t.Fatalf("weight %d differs: %f vs %f", j, m1.Weights[j], m2.Weights[j])
		}
	}
	if m1.Bias != m2.Bias {
		t.Errorf("bias differs: %f vs %f", m1.Bias, m2.Bias)
	}
}

func TestTrainRequiresData(t *testing.T) {
	dataset, err := OpenDataset(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDataset: %v", err)
	}
	if _, err := dataset.Append(syntheticRows(5)); err != nil {
		t.Fatalf("Append: %v", err)
	}
	reg, err := registry.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	trainer := NewTrainer(dataset, reg, nil)
	if _, err := trainer.Train("test", 0); !IsNoData(err) {
		t.Errorf("Train on 5 rows = %v, want no-data error", err)
	}
}

func TestMetricHelpers(t *testing.T) {
	preds := []float64{0.9, 0.8, 0.3, 0.2}
	labels := []float64{1, 1, 0, 0}

	if auc := AUC(preds, labels); auc != 1.0 {
		t.Errorf("AUC = %f on perfect ranking, want 1.0", auc)
	}
	if acc := Accuracy(preds, labels); acc != 1.0 {
		t.Errorf("Accuracy = %f, want 1.0", acc)
	}
	if ll := LogLoss(preds, labels); ll <= 0 || ll > 0.3 {
		t.Errorf("LogLoss = %f, want small positive", ll)
	}

	// Reversed ranking scores zero.
	if auc := AUC(preds, []float64{0, 0, 1, 1}); auc != 0 {
		t.Errorf("AUC = %f on inverted ranking, want 0", auc)
	}
	// Ties average out to chance.
	if auc := AUC([]float64{0.5, 0.5, 0.5, 0.5}, labels); auc != 0.5 {
		t.Errorf("AUC = %f on constant predictions, want 0.5", auc)
	}
	// Single-class inputs are degenerate.
	if auc := AUC(preds, []float64{1, 1, 1, 1}); auc != 0.5 {
		t.Errorf("AUC = %f on single-class labels, want 0.5", auc)
	}
}
