package metadata

import (
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/velkara/matchsight/pkg/state"
)

// bookmakerMargin is the overround applied to mock odds.
const bookmakerMargin = 0.05

// MockOddsGenerator fabricates market odds that loosely track the game
// state, for development and for feeds without an odds subscription.
// Generated odds are always flagged IsMock.
type MockOddsGenerator struct {
	rng *rand.Rand
}

// NewMockOddsGenerator creates a generator. Seed 0 uses the clock.
func NewMockOddsGenerator(seed int64) *MockOddsGenerator {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MockOddsGenerator{rng: rand.New(rand.NewSource(seed))}
}

// Generate produces mock odds from the current gold lead, with noise to
// simulate market inefficiency.
func (g *MockOddsGenerator) Generate(gameTime, goldDiff float64) state.MarketOdds {
	baseProb := 0.5 + goldDiff/50000
	baseProb = math.Max(0.2, math.Min(0.8, baseProb))

	noise := g.rng.Float64()*0.1 - 0.05
	implied := math.Max(0.1, math.Min(0.9, baseProb+noise))

	radiantOdds := 1 / (implied + bookmakerMargin/2)
	direOdds := 1 / ((1 - implied) + bookmakerMargin/2)

	return state.MarketOdds{
		RadiantOdds:        decimal.NewFromFloat(radiantOdds).Round(2),
		DireOdds:           decimal.NewFromFloat(direOdds).Round(2),
		ImpliedProbability: math.Round(implied*10000) / 10000,
		IsMock:             true,
		UpdatedAt:          time.Now().UTC(),
	}
}
