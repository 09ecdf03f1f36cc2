package inference

import (
	"math"
	"path/filepath"
	"testing"

	"github.com/velkara/matchsight/pkg/features"
	"github.com/velkara/matchsight/pkg/telemetry"
)

func extractVector(t *testing.T, tick telemetry.RawTick) []float64 {
	t.Helper()
	return features.NewExtractor().Extract(tick, features.Context{}).ModelVector()
}

func TestHeuristicDeterministic(t *testing.T) {
	vec := extractVector(t, telemetry.RawTick{GameTime: 600, RadiantGold: 30000, DireGold: 25000})
	first := Heuristic(vec)
	for i := 0; i < 10; i++ {
		if got := Heuristic(vec); got != first {
			t.Fatalf("heuristic not deterministic: %v != %v", got, first)
		}
	}
}

func TestHeuristicReferenceValue(t *testing.T) {
	// 10 minutes in, +5000 gold, +2000 xp, no velocity signal.
	vec := extractVector(t, telemetry.RawTick{
		GameTime: 600, RadiantGold: 30000, DireGold: 25000,
		RadiantXP: 28000, DireXP: 26000,
	})

	combined := 0.1*0.6 + (2000.0/30000.0)*0.4
	base := 1.0 / (1.0 + math.Exp(-3.0*combined))
	want := 0.5 + (base-0.5)*(600.0/1200.0)

	if got := Heuristic(vec); math.Abs(got-want) > 1e-9 {
		t.Errorf("Heuristic = %v, want %v", got, want)
	}
}

func TestHeuristicBounds(t *testing.T) {
	tests := []struct {
		name string
		tick telemetry.RawTick
	}{
		{"landslide radiant", telemetry.RawTick{GameTime: 3600, RadiantGold: 99000, RadiantXP: 80000}},
		{"landslide dire", telemetry.RawTick{GameTime: 3600, DireGold: 99000, DireXP: 80000}},
		{"zero tick", telemetry.RawTick{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Heuristic(extractVector(t, tt.tick))
			if got < 0.01 || got > 0.99 {
				t.Errorf("Heuristic = %v, want within [0.01, 0.99]", got)
			}
		})
	}
}

func TestHeuristicEarlyGameBlendsToHalf(t *testing.T) {
	// Same lead, minute one vs minute thirty.
	early := Heuristic(extractVector(t, telemetry.RawTick{GameTime: 60, RadiantGold: 10000, DireGold: 5000}))
	late := Heuristic(extractVector(t, telemetry.RawTick{GameTime: 1800, RadiantGold: 10000, DireGold: 5000}))

	if math.Abs(early-0.5) >= math.Abs(late-0.5) {
		t.Errorf("early-game prediction %v should sit closer to 0.5 than %v", early, late)
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		gameTime float64
		prob     float64
		want     string
	}{
		{0, 0.9, ConfidenceLow},
		{599, 0.95, ConfidenceLow},
		{600, 0.5, ConfidenceMedium},
		{1200, 0.9, ConfidenceMedium},
		{1201, 0.75, ConfidenceHigh},
		{1800, 0.55, ConfidenceMedium},
		{2400, 0.25, ConfidenceHigh},
	}
	for _, tt := range tests {
		if got := Confidence(tt.gameTime, tt.prob); got != tt.want {
			t.Errorf("Confidence(%v, %v) = %q, want %q", tt.gameTime, tt.prob, got, tt.want)
		}
	}
}

func TestPredictorFallsBackWithoutModel(t *testing.T) {
	p := NewPredictor(filepath.Join(t.TempDir(), "missing.json"), "", nil)
	vec := extractVector(t, telemetry.RawTick{GameTime: 600, RadiantGold: 30000, DireGold: 25000})

	res := p.Predict(vec)
	if res.Source != SourceHeuristic {
		t.Errorf("Source = %q, want heuristic", res.Source)
	}
	if want := Heuristic(vec); res.Probability != want {
		t.Errorf("Probability = %v, want %v", res.Probability, want)
	}
}

func TestPredictorSchemaMismatchFallsBack(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.json")
	m := &Model{
		Version:      1,
		FeatureNames: []string{"a", "b"},
		Weights:      []float64{1, -1},
	}
	if err := m.Save(modelPath); err != nil {
		t.Fatalf("Save: %v", err)
	}

	p := NewPredictor(modelPath, "", nil)
	if !p.HasModel() {
		t.Fatal("model should be loaded")
	}

	// 13-wide serving vector against a 2-wide model: heuristic, not a
	// truncated model call.
	vec := extractVector(t, telemetry.RawTick{GameTime: 1500, RadiantGold: 40000, DireGold: 20000})
	res := p.Predict(vec)
	if res.Source != SourceHeuristic {
		t.Errorf("Source = %q, want heuristic on schema mismatch", res.Source)
	}
}

func TestPredictorModelPathCalibrated(t *testing.T) {
	dir := t.TempDir()
	modelPath := filepath.Join(dir, "model.json")
	calPath := filepath.Join(dir, "cal.json")

	m := &Model{
		Version:      3,
		FeatureNames: features.ModelFeatureNames,
		Weights:      make([]float64, len(features.ModelFeatureNames)),
	}
	m.Weights[3] = 4.0 // gold_diff_normalized
	if err := m.Save(modelPath); err != nil {
		t.Fatalf("Save model: %v", err)
	}
	cal := &Calibrator{X: []float64{0, 1}, Y: []float64{0.2, 0.8}}
	if err := cal.Save(calPath); err != nil {
		t.Fatalf("Save calibrator: %v", err)
	}

	p := NewPredictor(modelPath, calPath, nil)
	vec := extractVector(t, telemetry.RawTick{GameTime: 1500, RadiantGold: 40000, DireGold: 20000})

	res := p.Predict(vec)
	if res.Source != SourceModel {
		t.Fatalf("Source = %q, want model", res.Source)
	}
	raw, err := m.Predict(vec)
	if err != nil {
		t.Fatalf("raw predict: %v", err)
	}
	want := clampProb(cal.Calibrate(raw))
	if math.Abs(res.Probability-want) > 1e-9 {
		t.Errorf("Probability = %v, want calibrated %v", res.Probability, want)
	}
	if p.ModelVersion() != 3 {
		t.Errorf("ModelVersion = %d, want 3", p.ModelVersion())
	}
}

func TestCalibratorMonotone(t *testing.T) {
	preds := []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 0.15, 0.85}
	labels := []float64{0, 0, 1, 0, 0, 1, 1, 1, 1, 0, 1}

	cal, err := FitIsotonic(preds, labels)
	if err != nil {
		t.Fatalf("FitIsotonic: %v", err)
	}

	prev := -1.0
	for p := 0.0; p <= 1.0; p += 0.01 {
		got := cal.Calibrate(p)
		if got < prev-1e-12 {
			t.Fatalf("calibration not monotone at %v: %v < %v", p, got, prev)
		}
		prev = got
	}
}

func TestCalibratorBoundaryClamping(t *testing.T) {
	cal := &Calibrator{X: []float64{0.3, 0.7}, Y: []float64{0.25, 0.75}}
	if got := cal.Calibrate(0.1); got != 0.25 {
		t.Errorf("below range = %v, want 0.25", got)
	}
	if got := cal.Calibrate(0.9); got != 0.75 {
		t.Errorf("above range = %v, want 0.75", got)
	}
	if got := cal.Calibrate(0.5); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("midpoint = %v, want 0.5", got)
	}
}

func TestModelSchemaMismatchIsError(t *testing.T) {
	m := &Model{FeatureNames: []string{"a", "b", "c"}, Weights: []float64{1, 2, 3}}
	if _, err := m.Predict([]float64{1, 2}); err == nil {
		t.Fatal("short vector should be a hard error")
	}
	if _, err := m.Predict([]float64{1, 2, 3, 4}); err == nil {
		t.Fatal("long vector should be a hard error")
	}
}
