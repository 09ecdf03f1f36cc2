// Package telemetry defines the inbound live-match record model and its
// tolerant wire parsing.
package telemetry

import (
	"encoding/json"
	"fmt"
	"time"
)

// Side identifies one of the two teams in a match.
type Side string

const (
	SideRadiant Side = "radiant"
	SideDire    Side = "dire"
)

// PlayerSnapshot is a single entity's economy snapshot inside a tick.
type PlayerSnapshot struct {
	Side     Side    `json:"side"`
	Gold     float64 `json:"gold"`
	NetWorth float64 `json:"net_worth"`
}

// RawTick is one normalized telemetry record. Fields absent from the
// provider payload carry their zero value; consumers treat zero as
// "unknown", never as an error.
type RawTick struct {
	MatchID      string           `json:"match_id,omitempty"`
	GameTime     float64          `json:"game_time"`
	RadiantGold  float64          `json:"radiant_gold"`
	DireGold     float64          `json:"dire_gold"`
	RadiantXP    float64          `json:"radiant_xp"`
	DireXP       float64          `json:"dire_xp"`
	RadiantScore float64          `json:"radiant_score"`
	DireScore    float64          `json:"dire_score"`
	Players      []PlayerSnapshot `json:"players,omitempty"`
	ReceivedAt   time.Time        `json:"received_at"`
}

// GoldDiff returns the radiant-minus-dire gold difference. Falls back to
// summing per-player gold when team totals are absent.
func (t RawTick) GoldDiff() float64 {
	if t.RadiantGold != 0 || t.DireGold != 0 {
		return t.RadiantGold - t.DireGold
	}
	var radiant, dire float64
	for _, p := range t.Players {
		if p.Side == SideRadiant {
			radiant += p.Gold
		} else {
			dire += p.Gold
		}
	}
	return radiant - dire
}

// XPDiff returns the radiant-minus-dire experience difference.
func (t RawTick) XPDiff() float64 {
	return t.RadiantXP - t.DireXP
}

// NetWorths returns the per-entity net worths for one side. Entities with
// no net worth reported fall back to their raw gold.
func (t RawTick) NetWorths(side Side) []float64 {
	var out []float64
	for _, p := range t.Players {
		if p.Side != side {
			continue
		}
		nw := p.NetWorth
		if nw == 0 {
			nw = p.Gold
		}
		out = append(out, nw)
	}
	return out
}

// wireTick mirrors the provider's nested spectator payload.
type wireTick struct {
	Map struct {
		ClockTime    float64 `json:"clock_time"`
		RadiantGold  float64 `json:"radiant_gold"`
		DireGold     float64 `json:"dire_gold"`
		RadiantXP    float64 `json:"radiant_xp"`
		DireXP       float64 `json:"dire_xp"`
		RadiantScore float64 `json:"radiant_score"`
		DireScore    float64 `json:"dire_score"`
		MatchID      string  `json:"matchid"`
	} `json:"map"`
	Players    map[string]wirePlayer `json:"players"`
	AllPlayers map[string]wirePlayer `json:"allplayers"`
}

type wirePlayer struct {
	TeamName       string   `json:"team_name"`
	TeamSlot       *int     `json:"team_slot"`
	Gold           float64  `json:"gold"`
	GoldReliable   float64  `json:"gold_reliable"`
	GoldUnreliable float64  `json:"gold_unreliable"`
	NetWorth       float64  `json:"net_worth"`
	XPPerMin       *float64 `json:"xp_per_min"`
}

func (p wirePlayer) side() Side {
	if p.TeamName == string(SideRadiant) {
		return SideRadiant
	}
	if p.TeamName == string(SideDire) {
		return SideDire
	}
	// Spectator payloads without team names use slots 0-4 for radiant.
	if p.TeamSlot != nil && *p.TeamSlot < 5 {
		return SideRadiant
	}
	return SideDire
}

// ParseTick decodes a provider payload into a RawTick. Missing fields
// default to zero; only undecodable payloads return an error, and even
// then the zero tick is returned so callers can log and move on.
func ParseTick(data []byte) (RawTick, error) {
	var w wireTick
	if err := json.Unmarshal(data, &w); err != nil {
		return RawTick{}, fmt.Errorf("decode tick: %w", err)
	}

	tick := RawTick{
		MatchID:      w.Map.MatchID,
		GameTime:     w.Map.ClockTime,
		RadiantGold:  w.Map.RadiantGold,
		DireGold:     w.Map.DireGold,
		RadiantXP:    w.Map.RadiantXP,
		DireXP:       w.Map.DireXP,
		RadiantScore: w.Map.RadiantScore,
		DireScore:    w.Map.DireScore,
		ReceivedAt:   time.Now().UTC(),
	}

	players := w.AllPlayers
	if len(players) == 0 {
		players = w.Players
	}
	for _, p := range players {
		gold := p.Gold + p.GoldReliable + p.GoldUnreliable
		tick.Players = append(tick.Players, PlayerSnapshot{
			Side:     p.side(),
			Gold:     gold,
			NetWorth: p.NetWorth,
		})
	}

	// Team gold totals missing from the payload are reconstructed from
	// the per-player breakdown when present.
	if tick.RadiantGold == 0 && tick.DireGold == 0 {
		for _, p := range tick.Players {
			if p.Side == SideRadiant {
				tick.RadiantGold += p.Gold
			} else {
				tick.DireGold += p.Gold
			}
		}
	}

	return tick, nil
}
