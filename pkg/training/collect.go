package training

import (
	"time"

	"github.com/velkara/matchsight/pkg/features"
	"github.com/velkara/matchsight/pkg/providers/history"
)

// rowInterval is how often a completed match is sampled into a training
// row.
const rowInterval = 30 // seconds

// velocityWindow matches the serving-side velocity lookback.
const velocityWindow = 60 // seconds

// InterpolateMinuteSeries linearly expands a minute-indexed series into
// a second-indexed one. A single-element input is held flat for one
// minute.
func InterpolateMinuteSeries(minuteData []float64) []float64 {
	if len(minuteData) == 0 {
		return nil
	}
	if len(minuteData) == 1 {
		out := make([]float64, 60)
		for i := range out {
			out[i] = minuteData[0]
		}
		return out
	}

	out := make([]float64, 0, (len(minuteData)-1)*60+1)
	for i := 0; i < len(minuteData)-1; i++ {
		start, end := minuteData[i], minuteData[i+1]
		for sec := 0; sec < 60; sec++ {
			t := float64(sec) / 60.0
			out = append(out, start+(end-start)*t)
		}
	}
	return append(out, minuteData[len(minuteData)-1])
}

// velocitySeries computes the per-second rate of change over a trailing
// window. The first window seconds carry zero.
func velocitySeries(series []float64, window int) []float64 {
	if len(series) < window {
		return make([]float64, len(series))
	}
	out := make([]float64, window, len(series))
	for i := window; i < len(series); i++ {
		out = append(out, (series[i]-series[i-window])/float64(window))
	}
	return out
}

// Collector converts completed-match details into labelled training
// rows using the same derivations the serving path applies, so training
// and serving distributions agree.
type Collector struct{}

// NewCollector creates a collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Rows samples a completed match into training rows, one every
// rowInterval seconds up to the match duration.
func (c *Collector) Rows(detail *history.MatchDetail) []Row {
	if detail == nil || len(detail.RadiantGoldAdv) == 0 || detail.Duration <= 0 {
		return nil
	}

	goldSeries := InterpolateMinuteSeries(detail.RadiantGoldAdv)
	xpSeries := InterpolateMinuteSeries(detail.RadiantXPAdv)
	velocities := velocitySeries(goldSeries, velocityWindow)

	// Per-player gold timelines, expanded to seconds once up front.
	type playerSeries struct {
		isRadiant bool
		goldT     []float64
	}
	var players []playerSeries
	for _, p := range detail.Players {
		if len(p.GoldT) == 0 {
			continue
		}
		players = append(players, playerSeries{
			isRadiant: p.IsRadiant,
			goldT:     InterpolateMinuteSeries(p.GoldT),
		})
	}

	label := 0
	if detail.RadiantWin {
		label = 1
	}

	var rows []Row
	for sec := 0; sec < len(goldSeries); sec += rowInterval {
		t := float64(sec)
		if t >= detail.Duration {
			break
		}

		goldDiff := goldSeries[sec]
		var xpDiff float64
		if sec < len(xpSeries) {
			xpDiff = xpSeries[sec]
		}
		var velocity float64
		if sec < len(velocities) {
			velocity = velocities[sec]
		}

		// Leading side's gold distribution at this second.
		radiantLeads := goldDiff >= 0
		var leadingNW []float64
		for _, p := range players {
			if p.isRadiant != radiantLeads {
				continue
			}
			idx := sec
			if idx >= len(p.goldT) {
				idx = len(p.goldT) - 1
			}
			leadingNW = append(leadingNW, p.goldT[idx])
		}

		gini := features.Gini(leadingNW)
		efficiency := features.CarryEfficiency(leadingNW, t)

		rows = append(rows, Row{
			MatchID:    detail.MatchID,
			GameTime:   t,
			StartTime:  time.Unix(detail.StartTime, 0).UTC(),
			RadiantWin: label,
			Features: []float64{
				t,
				clamp(t/features.MaxGameTime, 0, 1),
				goldDiff,
				clamp(goldDiff/features.MaxGoldDiff, -1, 1),
				xpDiff,
				clamp(xpDiff/features.MaxXPDiff, -1, 1),
				velocity,
				gini,
				0, // buyback power needs live item data the replay feed lacks
				0, // draft score
				0, // late game score
				0, // series score
				efficiency,
			},
		})
	}
	return rows
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
