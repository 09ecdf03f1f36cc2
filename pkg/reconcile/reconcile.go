// Package reconcile joins the three provider views of the professional
// scene into one list of live matches with model predictions and market
// context.
package reconcile

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/velkara/matchsight/pkg/features"
	"github.com/velkara/matchsight/pkg/inference"
	"github.com/velkara/matchsight/pkg/providers/livestats"
	"github.com/velkara/matchsight/pkg/providers/metadata"
	"github.com/velkara/matchsight/pkg/state"
)

// edgeThreshold is the model-vs-market gap that counts as a signal.
const edgeThreshold = 0.1

// Edge classifies the model's disagreement with the market.
type Edge string

const (
	EdgeRadiantValue Edge = "RADIANT_VALUE"
	EdgeDireValue    Edge = "DIRE_VALUE"
	EdgeNone         Edge = "NO_EDGE"
)

// LiveSource supplies the live scoreboards.
type LiveSource interface {
	LiveMatches(ctx context.Context) ([]livestats.LiveMatch, error)
}

// MetadataSource supplies running match records and odds.
type MetadataSource interface {
	Available() bool
	RunningMatches(ctx context.Context) ([]metadata.Match, error)
	MatchOdds(ctx context.Context, matchID int64) (state.MarketOdds, error)
}

// LeagueSource supplies the verified-league set.
type LeagueSource interface {
	VerifiedLeagues(ctx context.Context) (map[int64]bool, map[int64]string, error)
}

// MatchView is one reconciled live match.
type MatchView struct {
	LiveMatchID         int64            `json:"live_match_id"`
	MetadataMatchID     int64            `json:"metadata_match_id,omitempty"`
	RadiantName         string           `json:"radiant_name"`
	DireName            string           `json:"dire_name"`
	LeagueID            int64            `json:"league_id"`
	LeagueName          string           `json:"league_name,omitempty"`
	IsVerified          bool             `json:"is_verified"`
	Spectators          int              `json:"spectators"`
	GameTime            float64          `json:"game_time"`
	GoldDiff            float64          `json:"gold_diff"`
	XPDiff              float64          `json:"xp_diff"`
	ModelWinProbability float64          `json:"model_win_probability"`
	PredictionSource    string           `json:"prediction_source"`
	Confidence          string           `json:"confidence"`
	Odds                *state.MarketOdds `json:"odds,omitempty"`
	MispricingIndex     float64          `json:"mispricing_index"`
	Edge                Edge             `json:"edge"`
}

// Reconciler fetches the three sources in parallel and merges them.
type Reconciler struct {
	live      LiveSource
	meta      MetadataSource
	leagues   LeagueSource
	extractor *features.Extractor
	predictor *inference.Predictor
	mock      *metadata.MockOddsGenerator
	logger    *zap.Logger
}

// NewReconciler wires a reconciler. mock supplies odds when the
// metadata feed is unavailable; it may be nil to disable mock odds.
func NewReconciler(live LiveSource, meta MetadataSource, leagues LeagueSource, predictor *inference.Predictor, mock *metadata.MockOddsGenerator, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		live:      live,
		meta:      meta,
		leagues:   leagues,
		extractor: features.NewExtractor(),
		predictor: predictor,
		mock:      mock,
		logger:    logger,
	}
}

// LiveProMatches produces the reconciled view, sorted by spectators
// descending. Unmatched live games survive only when their league is
// verified. Per-match failures are logged and skipped so one bad record
// cannot empty the list.
func (r *Reconciler) LiveProMatches(ctx context.Context) ([]MatchView, error) {
	var (
		liveMatches []livestats.LiveMatch
		running     []metadata.Match
		verified    map[int64]bool
		leagueNames map[int64]string
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		liveMatches, err = r.live.LiveMatches(gctx)
		if err != nil {
			return fmt.Errorf("live matches: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if !r.meta.Available() {
			return nil
		}
		var err error
		running, err = r.meta.RunningMatches(gctx)
		if err != nil {
			// Metadata enriches but must not block the live view.
			r.logger.Warn("running matches unavailable", zap.Error(err))
		}
		return nil
	})
	g.Go(func() error {
		var err error
		verified, leagueNames, err = r.leagues.VerifiedLeagues(gctx)
		if err != nil {
			r.logger.Warn("league registry unavailable", zap.Error(err))
			verified = map[int64]bool{}
			leagueNames = map[int64]string{}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	matched := make(map[int64]bool, len(running))
	views := make([]MatchView, 0, len(liveMatches))

	for _, lm := range liveMatches {
		view := MatchView{
			LiveMatchID: lm.MatchID,
			RadiantName: lm.RadiantName,
			DireName:    lm.DireName,
			LeagueID:    lm.LeagueID,
			LeagueName:  leagueNames[lm.LeagueID],
			IsVerified:  verified[lm.LeagueID],
			Spectators:  lm.Spectators,
			GameTime:    lm.Duration,
		}

		if meta, ok := r.matchMetadata(lm, running, matched); ok {
			view.MetadataMatchID = meta.ID
			if meta.League.Name != "" {
				view.LeagueName = meta.League.Name
			}
		} else if !view.IsVerified {
			continue
		}

		tick := lm.FeatureInput()
		view.GoldDiff = tick.GoldDiff()
		view.XPDiff = tick.XPDiff()

		vec := r.extractor.Extract(tick, features.Context{})
		result := r.predictor.Predict(vec.ModelVector())
		view.ModelWinProbability = result.Probability
		view.PredictionSource = result.Source
		view.Confidence = result.Confidence

		r.attachOdds(ctx, &view)
		views = append(views, view)
	}

	sort.SliceStable(views, func(i, j int) bool {
		return views[i].Spectators > views[j].Spectators
	})
	return views, nil
}

// attachOdds pulls market odds for a matched metadata record, or mock
// odds when the feed has none, then derives mispricing and edge.
func (r *Reconciler) attachOdds(ctx context.Context, view *MatchView) {
	var odds state.MarketOdds
	haveOdds := false

	if view.MetadataMatchID != 0 && r.meta.Available() {
		fetched, err := r.meta.MatchOdds(ctx, view.MetadataMatchID)
		if err != nil {
			r.logger.Warn("odds fetch failed",
				zap.Int64("metadata_match_id", view.MetadataMatchID),
				zap.Error(err))
		} else {
			odds = fetched
			haveOdds = true
		}
	}
	if !haveOdds && r.mock != nil {
		odds = r.mock.Generate(view.GameTime, view.GoldDiff)
		haveOdds = true
	}
	if !haveOdds {
		view.Edge = EdgeNone
		return
	}

	view.Odds = &odds
	view.MispricingIndex = view.ModelWinProbability - odds.ImpliedProbability
	switch {
	case view.MispricingIndex > edgeThreshold:
		view.Edge = EdgeRadiantValue
	case view.MispricingIndex < -edgeThreshold:
		view.Edge = EdgeDireValue
	default:
		view.Edge = EdgeNone
	}
}

// matchMetadata finds the first unmatched metadata record whose team
// names fuzzily agree with the live scoreboard, in feed order.
func (r *Reconciler) matchMetadata(lm livestats.LiveMatch, running []metadata.Match, matched map[int64]bool) (metadata.Match, bool) {
	for _, m := range running {
		if matched[m.ID] {
			continue
		}
		a, b, ok := m.Teams()
		if !ok {
			continue
		}
		straight := teamNamesMatch(lm.RadiantName, a.Name) && teamNamesMatch(lm.DireName, b.Name)
		crossed := teamNamesMatch(lm.RadiantName, b.Name) && teamNamesMatch(lm.DireName, a.Name)
		if straight || crossed {
			matched[m.ID] = true
			return m, true
		}
	}
	return metadata.Match{}, false
}

var nameNormalizer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// normalizeTeamName lowercases, strips diacritics and the word "team",
// and collapses whitespace, so "Team Liquid" matches "liquid".
func normalizeTeamName(name string) string {
	out, _, err := transform.String(nameNormalizer, name)
	if err != nil {
		out = name
	}
	out = strings.ToLower(out)
	out = strings.ReplaceAll(out, "team", "")
	return strings.Join(strings.Fields(out), " ")
}

// teamNamesMatch reports whether two provider spellings plausibly name
// the same team: equal after normalization, or one contains the other.
func teamNamesMatch(a, b string) bool {
	na, nb := normalizeTeamName(a), normalizeTeamName(b)
	if na == "" || nb == "" {
		return false
	}
	return na == nb || strings.Contains(na, nb) || strings.Contains(nb, na)
}
