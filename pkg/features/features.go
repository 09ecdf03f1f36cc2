// Package features turns raw telemetry ticks into the fixed-schema
// vectors the win-probability model consumes.
package features

import (
	"sort"

	"github.com/velkara/matchsight/pkg/telemetry"
)

// Normalization constants. Values past these bounds are clamped, not
// rejected.
const (
	MaxGameTime = 3600  // 60 minutes
	MaxGoldDiff = 50000 // a ±50k gold lead is already decided
	MaxXPDiff   = 30000
)

// ModelFeatureNames is the column schema the trained model expects, in
// order. Training and serving must agree on this exactly.
var ModelFeatureNames = []string{
	"game_time",
	"game_time_normalized",
	"gold_diff",
	"gold_diff_normalized",
	"xp_diff",
	"xp_diff_normalized",
	"networth_velocity",
	"networth_gini",
	"buyback_power_ratio",
	"draft_score_diff",
	"late_game_score_diff",
	"series_score_diff",
	"carry_efficiency_index",
}

// Carry gold benchmarks by game time, approximate for a position-one
// farming core.
var carryGoldBenchmarks = []struct {
	time float64
	gold float64
}{
	{600, 4000},
	{1200, 10000},
	{1800, 18000},
	{2400, 28000},
	{3000, 38000},
	{3600, 50000},
}

// Vector is the full derived feature set for one tick. The 13 model
// columns are returned by ModelVector; the remaining fields feed the
// broadcast and analysis paths only.
type Vector struct {
	GameTime             float64 `json:"game_time"`
	GameTimeNormalized   float64 `json:"game_time_normalized"`
	GoldDiff             float64 `json:"gold_diff"`
	GoldDiffNormalized   float64 `json:"gold_diff_normalized"`
	XPDiff               float64 `json:"xp_diff"`
	XPDiffNormalized     float64 `json:"xp_diff_normalized"`
	NetworthVelocity     float64 `json:"networth_velocity"`
	NetworthGini         float64 `json:"networth_gini"`
	BuybackPowerRatio    float64 `json:"buyback_power_ratio"`
	DraftScoreDiff       float64 `json:"draft_score_diff"`
	LateGameScoreDiff    float64 `json:"late_game_score_diff"`
	SeriesScoreDiff      float64 `json:"series_score_diff"`
	CarryEfficiencyIndex float64 `json:"carry_efficiency_index"`

	// Derived diagnostics, not part of the model schema.
	KillDiff           float64 `json:"kill_diff"`
	KillDiffNormalized float64 `json:"kill_diff_normalized"`
	TowerAdvantage     float64 `json:"tower_advantage"`
	MomentumScore      float64 `json:"momentum_score"`
	LeadFragility      float64 `json:"lead_fragility"`
}

// Defaults returns the neutral vector used when extraction has nothing
// to work with.
func Defaults() Vector {
	return Vector{CarryEfficiencyIndex: 1.0}
}

// ModelVector returns the 13 model columns in schema order.
func (v Vector) ModelVector() []float64 {
	return []float64{
		v.GameTime,
		v.GameTimeNormalized,
		v.GoldDiff,
		v.GoldDiffNormalized,
		v.XPDiff,
		v.XPDiffNormalized,
		v.NetworthVelocity,
		v.NetworthGini,
		v.BuybackPowerRatio,
		v.DraftScoreDiff,
		v.LateGameScoreDiff,
		v.SeriesScoreDiff,
		v.CarryEfficiencyIndex,
	}
}

// Context carries match-level signals the tick itself does not contain.
type Context struct {
	NetworthVelocity  float64
	HasVelocity       bool
	DraftScoreDiff    float64
	LateGameScoreDiff float64
	SeriesScoreDiff   float64
}

// Extractor derives feature vectors. Stateless; safe for concurrent use.
type Extractor struct{}

// NewExtractor creates a feature extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Extract derives the feature vector for one tick. Pure: no I/O, no
// retained state, and it never panics on degenerate input. Any value it
// cannot derive stays at its neutral default.
func (e *Extractor) Extract(tick telemetry.RawTick, ctx Context) Vector {
	v := Defaults()

	v.GameTime = tick.GameTime
	v.GameTimeNormalized = clamp(tick.GameTime/MaxGameTime, 0, 1)

	v.GoldDiff = tick.GoldDiff()
	v.GoldDiffNormalized = clamp(v.GoldDiff/MaxGoldDiff, -1, 1)

	v.XPDiff = tick.XPDiff()
	v.XPDiffNormalized = clamp(v.XPDiff/MaxXPDiff, -1, 1)

	if ctx.HasVelocity {
		v.NetworthVelocity = ctx.NetworthVelocity
	}

	radiantNW := tick.NetWorths(telemetry.SideRadiant)
	direNW := tick.NetWorths(telemetry.SideDire)
	leadingNW := leadingSide(radiantNW, direNW)

	v.NetworthGini = Gini(leadingNW)
	v.CarryEfficiencyIndex = CarryEfficiency(leadingNW, tick.GameTime)

	v.KillDiff = tick.RadiantScore - tick.DireScore
	expectedKills := max1(tick.GameTime / 60) // roughly one kill per minute
	v.KillDiffNormalized = clamp(v.KillDiff/(expectedKills*2), -1, 1)

	// Large gold leads track tower advantage closely enough to estimate.
	v.TowerAdvantage = clamp(v.GoldDiff/5000, -6, 6)

	v.DraftScoreDiff = ctx.DraftScoreDiff
	v.LateGameScoreDiff = ctx.LateGameScoreDiff
	v.SeriesScoreDiff = ctx.SeriesScoreDiff

	v.MomentumScore = momentum(tick, ctx)
	v.LeadFragility = LeadFragility(v.GoldDiff, tick.GameTime, ctx.LateGameScoreDiff)

	return v
}

// leadingSide picks the net-worth slice of whichever side holds more
// total net worth. Ties go to radiant.
func leadingSide(radiant, dire []float64) []float64 {
	var rt, dt float64
	for _, nw := range radiant {
		rt += nw
	}
	for _, nw := range dire {
		dt += nw
	}
	if dt > rt {
		return dire
	}
	return radiant
}

// Gini computes the discrete Gini coefficient of a net-worth
// distribution. High values mean the lead is concentrated on few
// entities and therefore fragile. Returns 0 for fewer than two entities
// or a zero total.
func Gini(networths []float64) float64 {
	if len(networths) < 2 {
		return 0
	}
	sorted := make([]float64, len(networths))
	copy(sorted, networths)
	sort.Float64s(sorted)

	n := float64(len(sorted))
	var total, giniSum float64
	for _, nw := range sorted {
		total += nw
	}
	if total == 0 {
		return 0
	}
	for i, nw := range sorted {
		giniSum += (2*float64(i+1) - n - 1) * nw
	}
	return clamp(giniSum/(n*total), 0, 1)
}

// CarryEfficiency compares the leading side's richest entity against the
// gold benchmark for the current game time. Above 1.0 is overperforming.
func CarryEfficiency(leadingNW []float64, gameTime float64) float64 {
	benchmark := carryGoldBenchmarks[len(carryGoldBenchmarks)-1].gold
	for _, b := range carryGoldBenchmarks {
		if gameTime <= b.time {
			benchmark = b.gold
			break
		}
	}
	if benchmark == 0 || len(leadingNW) == 0 {
		return 1.0
	}
	carry := leadingNW[0]
	for _, nw := range leadingNW[1:] {
		if nw > carry {
			carry = nw
		}
	}
	return clamp(carry/benchmark, 0.5, 2.0)
}

// LeadFragility scores how reversible the current lead is, 0 stable to
// 1 fragile. Small leads, late game time, and superior late-game scaling
// for the trailing side all raise it.
func LeadFragility(goldDiff, gameTime, lateGameScoreDiff float64) float64 {
	absLead := goldDiff
	if absLead < 0 {
		absLead = -absLead
	}

	var sizeFragility float64
	switch {
	case absLead > 15000:
		sizeFragility = 0.1
	case absLead > 10000:
		sizeFragility = 0.3
	case absLead > 5000:
		sizeFragility = 0.5
	default:
		sizeFragility = 0.8
	}

	timeFactor := clamp(gameTime/2400, 0, 1)

	var lateGameFactor float64
	if (goldDiff > 0 && lateGameScoreDiff < 0) || (goldDiff < 0 && lateGameScoreDiff > 0) {
		lateGameFactor = lateGameScoreDiff * 0.3
		if lateGameFactor < 0 {
			lateGameFactor = -lateGameFactor
		}
	}

	return clamp(sizeFragility*0.5+timeFactor*0.3+lateGameFactor*0.2, 0, 1)
}

// momentum scores short-term swing in radiant's favor, -1 to 1. Prefers
// the net-worth velocity when the state store has one; otherwise falls
// back to the kill-rate differential.
func momentum(tick telemetry.RawTick, ctx Context) float64 {
	if ctx.HasVelocity {
		return clamp(ctx.NetworthVelocity/100, -1, 1)
	}
	killRateDiff := (tick.RadiantScore - tick.DireScore) / max1(tick.GameTime/60)
	return clamp(killRateDiff/2, -1, 1)
}

func clamp(x, lo, hi float64) float64 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

func max1(x float64) float64 {
	if x < 1 {
		return 1
	}
	return x
}
