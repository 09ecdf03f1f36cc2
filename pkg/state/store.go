// Package state holds the authoritative in-memory view of the match
// currently being served.
package state

import (
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoActiveMatch is returned by operations that need a live match when
// none has been started.
var ErrNoActiveMatch = errors.New("no active match")

// goldHistoryWindow bounds the retained (game time, gold diff) samples.
const goldHistoryWindow = 120 // game seconds

// velocityLookback is how far back the velocity numerator reaches.
const velocityLookback = 60 // game seconds

// DraftContext carries pre-game draft quality scores.
type DraftContext struct {
	RadiantDraftScore    float64 `json:"radiant_draft_score"`
	DireDraftScore       float64 `json:"dire_draft_score"`
	RadiantLateGameScore float64 `json:"radiant_late_game_score"`
	DireLateGameScore    float64 `json:"dire_late_game_score"`
}

// MarketOdds is the market view of the match. Odds are decimal-format
// (payout multipliers); ImpliedProbability is derived from the radiant
// side.
type MarketOdds struct {
	RadiantOdds        decimal.Decimal `json:"radiant_odds"`
	DireOdds           decimal.Decimal `json:"dire_odds"`
	ImpliedProbability float64         `json:"implied_probability"`
	IsMock             bool            `json:"is_mock"`
	Stale              bool            `json:"stale"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// goldSample is one point of the retained gold-diff history, keyed by
// the in-game clock so a bursty or replayed feed cannot stall the
// velocity window.
type goldSample struct {
	gameTime float64
	goldDiff float64
}

// GameState is the rolling live-telemetry view.
type GameState struct {
	GameTime         float64 `json:"game_time"`
	RadiantGold      float64 `json:"radiant_gold"`
	DireGold         float64 `json:"dire_gold"`
	GoldDiff         float64 `json:"gold_diff"`
	RadiantXP        float64 `json:"radiant_xp"`
	DireXP           float64 `json:"dire_xp"`
	XPDiff           float64 `json:"xp_diff"`
	NetworthVelocity float64 `json:"networth_velocity"`
	HasVelocity      bool    `json:"-"`

	history []goldSample
}

// SeriesContext tracks best-of series standing.
type SeriesContext struct {
	BestOf      int `json:"best_of"`
	RadiantWins int `json:"radiant_wins"`
	DireWins    int `json:"dire_wins"`
}

// ScoreDiff returns radiant wins minus dire wins.
func (s SeriesContext) ScoreDiff() float64 {
	return float64(s.RadiantWins - s.DireWins)
}

// MatchState is everything known about one match.
type MatchState struct {
	MatchID     string        `json:"match_id"`
	RadiantTeam string        `json:"radiant_team"`
	DireTeam    string        `json:"dire_team"`
	League      string        `json:"league"`
	IsVerified  bool          `json:"is_verified"`
	StartedAt   time.Time     `json:"started_at"`
	Draft       DraftContext  `json:"draft"`
	Odds        MarketOdds    `json:"odds"`
	Game        GameState     `json:"game"`
	Series      SeriesContext `json:"series"`

	ModelWinProbability float64 `json:"model_win_probability"`
	MispricingIndex     float64 `json:"mispricing_index"`
	HasPrediction       bool    `json:"-"`
}

// BroadcastPayload is the flat snapshot pushed to streaming clients.
type BroadcastPayload struct {
	Type                     string  `json:"type"`
	MatchID                  string  `json:"match_id"`
	IsVerified               bool    `json:"is_verified"`
	GameTime                 float64 `json:"game_time"`
	GoldDiff                 float64 `json:"gold_diff"`
	XPDiff                   float64 `json:"xp_diff"`
	NetworthVelocity         float64 `json:"networth_velocity"`
	ModelWinProbability      float64 `json:"model_win_probability"`
	MarketImpliedProbability float64 `json:"market_implied_probability"`
	MarketOddsRadiant        string  `json:"market_odds_radiant"`
	MispricingIndex          float64 `json:"mispricing_index"`
	DraftScoreDiff           float64 `json:"draft_score_diff"`
	SeriesScoreDiff          float64 `json:"series_score_diff"`
	IsMockOdds               bool    `json:"is_mock_odds"`
}

// NoMatchPayload is broadcast when nothing is live.
type NoMatchPayload struct {
	Status string `json:"status"`
}

// Store is the live state store. One mutex guards every read-modify-write
// so a full update is atomic with respect to readers.
type Store struct {
	mu      sync.Mutex
	current *MatchState
	history map[string]*MatchState
	clock   func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		history: make(map[string]*MatchState),
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// StartMatch makes matchID the active match. Any previously active match
// is archived into history first, so a restarted feed never silently
// overwrites a finished match's final state.
func (s *Store) StartMatch(matchID, radiantTeam, direTeam, league string, verified bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil {
		s.history[s.current.MatchID] = s.current
	}
	s.current = &MatchState{
		MatchID:     matchID,
		RadiantTeam: radiantTeam,
		DireTeam:    direTeam,
		League:      league,
		IsVerified:  verified,
		StartedAt:   s.clock(),
	}
}

// UpdateGameState folds a telemetry snapshot into the active match:
// recomputes diffs, appends to the gold history, trims samples older
// than the retention window, and recomputes the net-worth velocity.
func (s *Store) UpdateGameState(gameTime, radiantGold, direGold, radiantXP, direXP float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoActiveMatch
	}

	g := &s.current.Game
	g.GameTime = gameTime
	g.RadiantGold = radiantGold
	g.DireGold = direGold
	g.GoldDiff = radiantGold - direGold
	g.RadiantXP = radiantXP
	g.DireXP = direXP
	g.XPDiff = radiantXP - direXP

	g.history = append(g.history, goldSample{gameTime: gameTime, goldDiff: g.GoldDiff})

	cutoff := gameTime - goldHistoryWindow
	trimmed := g.history[:0]
	for _, sample := range g.history {
		if sample.gameTime > cutoff {
			trimmed = append(trimmed, sample)
		}
	}
	g.history = trimmed

	// Velocity: gold/sec gained over the last minute of game time,
	// using the newest retained sample at least velocityLookback back.
	lookback := gameTime - velocityLookback
	g.HasVelocity = false
	for i := len(g.history) - 1; i >= 0; i-- {
		if g.history[i].gameTime <= lookback {
			g.NetworthVelocity = (g.GoldDiff - g.history[i].goldDiff) / velocityLookback
			g.HasVelocity = true
			break
		}
	}

	// A stale prediction no longer matches the telemetry it was made on.
	s.recomputeMispricing()
	return nil
}

// UpdateMarketOdds replaces the market view for the active match.
func (s *Store) UpdateMarketOdds(odds MarketOdds) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoActiveMatch
	}
	if odds.UpdatedAt.IsZero() {
		odds.UpdatedAt = s.clock()
	}
	s.current.Odds = odds
	s.recomputeMispricing()
	return nil
}

// MarkOddsStale flags the market view as outdated without discarding it.
func (s *Store) MarkOddsStale() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoActiveMatch
	}
	s.current.Odds.Stale = true
	return nil
}

// UpdateDraftContext replaces the draft scores for the active match.
func (s *Store) UpdateDraftContext(draft DraftContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoActiveMatch
	}
	s.current.Draft = draft
	return nil
}

// UpdateSeries replaces the series standing for the active match.
func (s *Store) UpdateSeries(series SeriesContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoActiveMatch
	}
	s.current.Series = series
	return nil
}

// UpdatePrediction records the latest model output and recomputes the
// mispricing index against the market's implied probability.
func (s *Store) UpdatePrediction(probability float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return ErrNoActiveMatch
	}
	s.current.ModelWinProbability = probability
	s.current.HasPrediction = true
	s.recomputeMispricing()
	return nil
}

func (s *Store) recomputeMispricing() {
	if s.current == nil || !s.current.HasPrediction {
		return
	}
	s.current.MispricingIndex = s.current.ModelWinProbability - s.current.Odds.ImpliedProbability
}

// FeatureContext returns the match-level feature inputs for the active
// match.
func (s *Store) FeatureContext() (velocity float64, hasVelocity bool, draftDiff, lateDiff, seriesDiff float64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return 0, false, 0, 0, 0, ErrNoActiveMatch
	}
	c := s.current
	return c.Game.NetworthVelocity, c.Game.HasVelocity,
		c.Draft.RadiantDraftScore - c.Draft.DireDraftScore,
		c.Draft.RadiantLateGameScore - c.Draft.DireLateGameScore,
		c.Series.ScoreDiff(), nil
}

// Current returns a copy of the active match state.
func (s *Store) Current() (MatchState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return MatchState{}, false
	}
	return *s.current, true
}

// History returns the archived state for a finished match.
func (s *Store) History(matchID string) (MatchState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.history[matchID]
	if !ok {
		return MatchState{}, false
	}
	return *m, true
}

// Payload builds the broadcast snapshot. With no active match it returns
// the no-match sentinel instead.
func (s *Store) Payload() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == nil {
		return NoMatchPayload{Status: "no_match"}
	}
	c := s.current
	return BroadcastPayload{
		Type:                     "update",
		MatchID:                  c.MatchID,
		IsVerified:               c.IsVerified,
		GameTime:                 c.Game.GameTime,
		GoldDiff:                 c.Game.GoldDiff,
		XPDiff:                   c.Game.XPDiff,
		NetworthVelocity:         c.Game.NetworthVelocity,
		ModelWinProbability:      c.ModelWinProbability,
		MarketImpliedProbability: c.Odds.ImpliedProbability,
		MarketOddsRadiant:        c.Odds.RadiantOdds.String(),
		MispricingIndex:          c.MispricingIndex,
		DraftScoreDiff:           c.Draft.RadiantDraftScore - c.Draft.DireDraftScore,
		SeriesScoreDiff:          c.Series.ScoreDiff(),
		IsMockOdds:               c.Odds.IsMock,
	}
}

// SetClock overrides the store's time source for tests.
func (s *Store) SetClock(clock func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = clock
}
