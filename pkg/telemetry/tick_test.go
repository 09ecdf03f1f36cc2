package telemetry

import (
	"testing"
)

func TestParseTickSpectatorPayload(t *testing.T) {
	payload := []byte(`{
		"map": {
			"clock_time": 600,
			"radiant_gold": 30000,
			"dire_gold": 25000,
			"radiant_xp": 28000,
			"dire_xp": 26000,
			"radiant_score": 12,
			"dire_score": 8,
			"matchid": "812345"
		}
	}`)

	tick, err := ParseTick(payload)
	if err != nil {
		t.Fatalf("ParseTick: %v", err)
	}
	if tick.GameTime != 600 {
		t.Errorf("GameTime = %v, want 600", tick.GameTime)
	}
	if got := tick.GoldDiff(); got != 5000 {
		t.Errorf("GoldDiff = %v, want 5000", got)
	}
	if got := tick.XPDiff(); got != 2000 {
		t.Errorf("XPDiff = %v, want 2000", got)
	}
	if tick.MatchID != "812345" {
		t.Errorf("MatchID = %q, want 812345", tick.MatchID)
	}
}

func TestParseTickPlayerFallback(t *testing.T) {
	// No team totals: gold diff must come from the per-player breakdown.
	payload := []byte(`{
		"map": {"clock_time": 120},
		"allplayers": {
			"p1": {"team_name": "radiant", "gold": 1500, "net_worth": 2000},
			"p2": {"team_name": "radiant", "gold": 1200, "net_worth": 1600},
			"p3": {"team_name": "dire", "gold": 1000, "net_worth": 1400},
			"p4": {"team_slot": 7, "gold": 900, "net_worth": 1100}
		}
	}`)

	tick, err := ParseTick(payload)
	if err != nil {
		t.Fatalf("ParseTick: %v", err)
	}
	if got := tick.GoldDiff(); got != 800 {
		t.Errorf("GoldDiff = %v, want 800", got)
	}
	if got := len(tick.NetWorths(SideRadiant)); got != 2 {
		t.Errorf("radiant net worths = %d, want 2", got)
	}
	if got := len(tick.NetWorths(SideDire)); got != 2 {
		t.Errorf("dire net worths = %d, want 2", got)
	}
}

func TestParseTickGarbage(t *testing.T) {
	tick, err := ParseTick([]byte("not json"))
	if err == nil {
		t.Fatal("expected error for garbage payload")
	}
	if tick.GameTime != 0 || len(tick.Players) != 0 {
		t.Errorf("garbage payload should yield zero tick, got %+v", tick)
	}
}

func TestParseTickMissingFieldsDefault(t *testing.T) {
	tick, err := ParseTick([]byte(`{}`))
	if err != nil {
		t.Fatalf("ParseTick: %v", err)
	}
	if tick.GameTime != 0 || tick.GoldDiff() != 0 || tick.XPDiff() != 0 {
		t.Errorf("empty payload should default to zeros, got %+v", tick)
	}
}
