package features

import (
	"math"
	"testing"

	"github.com/velkara/matchsight/pkg/telemetry"
)

func TestExtractReferenceValues(t *testing.T) {
	e := NewExtractor()
	tick := telemetry.RawTick{
		GameTime:    600,
		RadiantGold: 30000,
		DireGold:    25000,
	}

	v := e.Extract(tick, Context{})

	if v.GoldDiff != 5000 {
		t.Errorf("GoldDiff = %v, want 5000", v.GoldDiff)
	}
	if v.GoldDiffNormalized != 0.1 {
		t.Errorf("GoldDiffNormalized = %v, want 0.1", v.GoldDiffNormalized)
	}
	if math.Abs(v.GameTimeNormalized-600.0/3600.0) > 1e-9 {
		t.Errorf("GameTimeNormalized = %v, want %v", v.GameTimeNormalized, 600.0/3600.0)
	}
}

func TestExtractBounds(t *testing.T) {
	e := NewExtractor()
	tests := []struct {
		name string
		tick telemetry.RawTick
		ctx  Context
	}{
		{"zero tick", telemetry.RawTick{}, Context{}},
		{"extreme lead", telemetry.RawTick{GameTime: 9000, RadiantGold: 500000, RadiantXP: 400000}, Context{}},
		{"extreme deficit", telemetry.RawTick{GameTime: 100, DireGold: 900000, DireXP: 800000}, Context{NetworthVelocity: -1e9, HasVelocity: true}},
		{"negative clock", telemetry.RawTick{GameTime: -80}, Context{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := e.Extract(tt.tick, tt.ctx)
			checkRange := func(name string, got, lo, hi float64) {
				if got < lo || got > hi {
					t.Errorf("%s = %v, want within [%v, %v]", name, got, lo, hi)
				}
			}
			checkRange("GameTimeNormalized", v.GameTimeNormalized, 0, 1)
			checkRange("GoldDiffNormalized", v.GoldDiffNormalized, -1, 1)
			checkRange("XPDiffNormalized", v.XPDiffNormalized, -1, 1)
			checkRange("NetworthGini", v.NetworthGini, 0, 1)
			checkRange("CarryEfficiencyIndex", v.CarryEfficiencyIndex, 0.5, 2.0)
			checkRange("LeadFragility", v.LeadFragility, 0, 1)
			checkRange("MomentumScore", v.MomentumScore, -1, 1)
			checkRange("KillDiffNormalized", v.KillDiffNormalized, -1, 1)
		})
	}
}

func TestExtractZeroTickYieldsDefaults(t *testing.T) {
	e := NewExtractor()
	v := e.Extract(telemetry.RawTick{}, Context{})
	if v.CarryEfficiencyIndex != 1.0 {
		t.Errorf("CarryEfficiencyIndex = %v, want 1.0 default", v.CarryEfficiencyIndex)
	}
	if v.NetworthGini != 0 {
		t.Errorf("NetworthGini = %v, want 0 for no players", v.NetworthGini)
	}
}

func TestModelVectorSchema(t *testing.T) {
	v := Defaults()
	mv := v.ModelVector()
	if len(mv) != len(ModelFeatureNames) {
		t.Fatalf("ModelVector length %d != schema length %d", len(mv), len(ModelFeatureNames))
	}
}

func TestGini(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want float64
	}{
		{"empty", nil, 0},
		{"single", []float64{5000}, 0},
		{"zero total", []float64{0, 0, 0}, 0},
		{"perfectly equal", []float64{1000, 1000, 1000, 1000, 1000}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Gini(tt.in); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("Gini(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestGiniMonotonicity(t *testing.T) {
	even := Gini([]float64{4000, 4000, 4000, 4000, 4000})
	mild := Gini([]float64{2000, 3000, 4000, 5000, 6000})
	concentrated := Gini([]float64{500, 500, 500, 500, 18000})

	if !(even < mild && mild < concentrated) {
		t.Errorf("Gini should rise with concentration: even=%v mild=%v concentrated=%v",
			even, mild, concentrated)
	}
	if concentrated > 1 {
		t.Errorf("Gini = %v, want <= 1", concentrated)
	}
}

func TestGiniOrderInvariant(t *testing.T) {
	a := Gini([]float64{500, 18000, 500, 500, 500})
	b := Gini([]float64{18000, 500, 500, 500, 500})
	if a != b {
		t.Errorf("Gini should not depend on input order: %v != %v", a, b)
	}
}

func TestCarryEfficiency(t *testing.T) {
	tests := []struct {
		name     string
		networth []float64
		gameTime float64
		want     float64
	}{
		{"on benchmark at 10min", []float64{4000, 2000, 1500}, 600, 1.0},
		{"overperforming", []float64{8000, 2000}, 600, 2.0},
		{"underperforming clamps low", []float64{500}, 600, 0.5},
		{"no players", nil, 600, 1.0},
		{"past last benchmark", []float64{50000}, 7200, 1.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CarryEfficiency(tt.networth, tt.gameTime); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("CarryEfficiency = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLeadFragility(t *testing.T) {
	// A huge early lead is stable; a tiny late lead against a
	// late-scaling opponent is fragile.
	stable := LeadFragility(20000, 600, 0)
	fragile := LeadFragility(2000, 2400, -2.0)
	if stable >= fragile {
		t.Errorf("stable=%v should be below fragile=%v", stable, fragile)
	}
	if fragile > 1 || stable < 0 {
		t.Errorf("fragility out of [0,1]: stable=%v fragile=%v", stable, fragile)
	}
}

func TestLeadFragilityLateScalingOnlyWhenTrailingSideScales(t *testing.T) {
	// Radiant leads and also out-scales: no late-game penalty.
	aligned := LeadFragility(6000, 1200, 2.0)
	opposed := LeadFragility(6000, 1200, -2.0)
	if aligned >= opposed {
		t.Errorf("opposed scaling should raise fragility: aligned=%v opposed=%v", aligned, opposed)
	}
}

func TestExtractUsesLeadingSideForGini(t *testing.T) {
	e := NewExtractor()
	// Dire leads on net worth; its distribution is concentrated.
	tick := telemetry.RawTick{
		GameTime: 1200,
		Players: []telemetry.PlayerSnapshot{
			{Side: telemetry.SideRadiant, NetWorth: 3000},
			{Side: telemetry.SideRadiant, NetWorth: 3000},
			{Side: telemetry.SideDire, NetWorth: 12000},
			{Side: telemetry.SideDire, NetWorth: 1000},
		},
	}
	v := e.Extract(tick, Context{})
	if v.NetworthGini == 0 {
		t.Error("expected nonzero Gini from the leading (dire) side's spread")
	}
}
