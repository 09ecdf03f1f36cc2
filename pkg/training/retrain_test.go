package training

import (
	"context"
	"testing"

	"github.com/velkara/matchsight/pkg/inference"
	"github.com/velkara/matchsight/pkg/providers/history"
	"github.com/velkara/matchsight/pkg/registry"
)

type stubSource struct {
	matches []history.ProMatch
	details map[int64]*history.MatchDetail
}

func (s *stubSource) RecentProMatches(ctx context.Context, limit int) ([]history.ProMatch, error) {
	return s.matches, nil
}

func (s *stubSource) MatchDetail(ctx context.Context, matchID int64) (*history.MatchDetail, error) {
	detail, ok := s.details[matchID]
	if !ok {
		return nil, context.Canceled
	}
	return detail, nil
}

// longMatchDetail yields enough rows per match for a training run.
func longMatchDetail(matchID int64, radiantWin bool) *history.MatchDetail {
	adv := make([]float64, 11) // ten minutes
	xp := make([]float64, 11)
	gold := make([]float64, 11)
	for i := range adv {
		sign := -1.0
		if radiantWin {
			sign = 1.0
		}
		adv[i] = sign * float64(i) * 1200
		xp[i] = sign * float64(i) * 700
		gold[i] = 600 + float64(i)*900
	}
	return &history.MatchDetail{
		MatchID:        matchID,
		StartTime:      1750000000,
		Duration:       600,
		RadiantWin:     radiantWin,
		RadiantGoldAdv: adv,
		RadiantXPAdv:   xp,
		Players: []history.PlayerTimeline{
			{IsRadiant: true, GoldT: gold},
			{IsRadiant: false, GoldT: gold},
		},
	}
}

type cycleMetricsStub struct {
	outcomes  []string
	decisions []bool
	rows      int
}

func (m *cycleMetricsStub) RecordRetrainCycle(outcome string) { m.outcomes = append(m.outcomes, outcome) }
func (m *cycleMetricsStub) RecordGateDecision(promoted bool)  { m.decisions = append(m.decisions, promoted) }
func (m *cycleMetricsStub) UpdateTrainingRows(rows int)       { m.rows = rows }

func newTestRetrainer(t *testing.T, source MatchSource) (*Retrainer, *registry.Registry, *Dataset) {
	t.Helper()
	dataset, err := OpenDataset(t.TempDir())
	if err != nil {
		t.Fatalf("OpenDataset: %v", err)
	}
	reg, err := registry.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	trainer := NewTrainer(dataset, reg, nil)
	return NewRetrainer(source, dataset, trainer, reg, "nightly", nil), reg, dataset
}

func TestRunCyclePromotesFirstModel(t *testing.T) {
	source := &stubSource{
		matches: []history.ProMatch{
			{MatchID: 8000001}, {MatchID: 8000002},
		},
		details: map[int64]*history.MatchDetail{
			8000001: longMatchDetail(8000001, true),
			8000002: longMatchDetail(8000002, false),
		},
	}
	r, reg, dataset := newTestRetrainer(t, source)
	stub := &cycleMetricsStub{}
	r.SetMetrics(stub)

	result, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.Skipped {
		t.Fatal("cycle should not be skipped")
	}
	if result.MatchesProcessed != 2 {
		t.Errorf("MatchesProcessed = %d, want 2", result.MatchesProcessed)
	}
	if result.RowsAppended == 0 {
		t.Error("expected rows appended")
	}
	if result.Candidate == nil {
		t.Fatal("expected a trained candidate")
	}
	if !result.Promoted {
		t.Error("first model should promote unconditionally")
	}
	current, ok := reg.Current()
	if !ok || current.Version != result.Candidate.Version {
		t.Errorf("current = %+v, want candidate v%d", current, result.Candidate.Version)
	}
	if dataset.LastMatchID() != 8000002 {
		t.Errorf("cursor = %d, want 8000002", dataset.LastMatchID())
	}
	if len(stub.outcomes) != 1 || stub.outcomes[0] != "promoted" {
		t.Errorf("cycle outcomes = %v, want [promoted]", stub.outcomes)
	}
	if len(stub.decisions) != 1 || !stub.decisions[0] {
		t.Errorf("gate decisions = %v, want [true]", stub.decisions)
	}
	if stub.rows != result.RowsAppended {
		t.Errorf("training rows gauge = %d, want %d", stub.rows, result.RowsAppended)
	}
}

func TestRunCycleSkipsStaleMatches(t *testing.T) {
	source := &stubSource{
		matches: []history.ProMatch{{MatchID: 100}, {MatchID: 200}},
		details: map[int64]*history.MatchDetail{},
	}
	r, _, dataset := newTestRetrainer(t, source)
	if _, err := dataset.Append([]Row{makeRow(500, 0)}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	result, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if result.MatchesProcessed != 0 {
		t.Errorf("MatchesProcessed = %d, want 0 (all below cursor)", result.MatchesProcessed)
	}
	if result.Candidate != nil {
		t.Error("no training should run without new matches")
	}
}

func TestRunCycleReentrancySkip(t *testing.T) {
	r, _, _ := newTestRetrainer(t, &stubSource{})
	stub := &cycleMetricsStub{}
	r.SetMetrics(stub)

	r.mu.Lock()
	r.isRunning = true
	r.mu.Unlock()

	result, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if !result.Skipped {
		t.Error("concurrent cycle should be skipped")
	}
	if len(stub.outcomes) != 1 || stub.outcomes[0] != "skipped" {
		t.Errorf("cycle outcomes = %v, want [skipped]", stub.outcomes)
	}
}

func registerIncumbent(t *testing.T, reg *registry.Registry, auc float64) {
	t.Helper()
	v := registry.Version{
		Version: reg.NextVersion(),
		Tag:     "incumbent",
		Metrics: registry.Metrics{AUC: auc},
	}
	model := &inference.Model{
		Version:      v.Version,
		Tag:          v.Tag,
		FeatureNames: []string{"a", "b"},
		Weights:      []float64{0.1, 0.2},
	}
	if err := model.Save(v.ModelPath(reg.Dir())); err != nil {
		t.Fatalf("save incumbent model: %v", err)
	}
	if err := reg.Register(v); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.SetCurrent(v.Version); err != nil {
		t.Fatalf("SetCurrent: %v", err)
	}
}

func TestGateToleratesSmallRegression(t *testing.T) {
	r, reg, _ := newTestRetrainer(t, &stubSource{})
	registerIncumbent(t, reg, 0.80)

	tests := []struct {
		name         string
		candidateAUC float64
		want         bool
	}{
		{"clear improvement", 0.83, true},
		{"within tolerance", 0.797, true},
		{"just inside tolerance", 0.796, true},
		{"regression", 0.79, false},
		{"large regression", 0.70, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidate := registry.Version{
				Version: 99,
				Metrics: registry.Metrics{AUC: tt.candidateAUC},
			}
			promote, reason := r.gate(candidate)
			if promote != tt.want {
				t.Errorf("gate(auc=%.3f) = %v (%s), want %v",
					tt.candidateAUC, promote, reason, tt.want)
			}
		})
	}
}

func TestGatePromotesWithoutIncumbent(t *testing.T) {
	r, _, _ := newTestRetrainer(t, &stubSource{})
	promote, _ := r.gate(registry.Version{Version: 1, Metrics: registry.Metrics{AUC: 0.4}})
	if !promote {
		t.Error("gate should promote unconditionally with no incumbent")
	}
}
