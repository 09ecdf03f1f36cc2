// Package metadata is the match-metadata source: running and upcoming
// professional matches with league and team records, plus market odds.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/velkara/matchsight/pkg/quota"
	"github.com/velkara/matchsight/pkg/state"
)

const (
	// DefaultBaseURL is the esports metadata API.
	DefaultBaseURL = "https://api.pandascore.co/dota2"

	// Source names this client against the quota governor.
	Source = "metadata"

	defaultRateLimit = 2.0
	defaultBurst     = 2

	retryBackoff = 5 * time.Second
)

// Team is one side of a metadata match record.
type Team struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Match is one running or upcoming match from the metadata feed.
type Match struct {
	ID      int64     `json:"id"`
	Name    string    `json:"name"`
	Status  string    `json:"status"`
	BeginAt time.Time `json:"begin_at"`
	League  struct {
		Name string `json:"name"`
	} `json:"league"`
	Serie struct {
		FullName string `json:"full_name"`
	} `json:"serie"`
	Opponents []struct {
		Opponent Team `json:"opponent"`
	} `json:"opponents"`
	NumberOfGames int `json:"number_of_games"`
}

// Teams returns the two opponents, if both are present.
func (m Match) Teams() (Team, Team, bool) {
	if len(m.Opponents) < 2 {
		return Team{}, Team{}, false
	}
	return m.Opponents[0].Opponent, m.Opponents[1].Opponent, true
}

// QuotaGate is the budget check this client consults before every call.
type QuotaGate interface {
	CanCall(source string) bool
	RecordCall(source string)
}

// Recorder counts upstream calls and failures for metrics.
type Recorder interface {
	RecordProviderCall(source string)
	RecordProviderError(source string)
}

// Client is the metadata API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	gate       QuotaGate
	recorder   Recorder
	logger     *zap.Logger

	mu             sync.Mutex
	cachedRunning  []Match
	cachedUpcoming []Match
	cachedOdds     map[int64]state.MarketOdds
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithToken sets the bearer token.
func WithToken(token string) ClientOption {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithRateLimit sets custom rate limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMetrics attaches a call recorder.
func WithMetrics(rec Recorder) ClientOption {
	return func(c *Client) {
		c.recorder = rec
	}
}

// NewClient creates a metadata client. gate may be nil (no budget).
func NewClient(gate QuotaGate, logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter:    rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		gate:       gate,
		logger:     logger,
		cachedOdds: make(map[int64]state.MarketOdds),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Available reports whether the client can reach the real feed. Without
// a token callers should fall back to mock data.
func (c *Client) Available() bool {
	return c.token != ""
}

// RunningMatches fetches matches currently in play. A quota refusal or
// upstream failure serves the last good response.
func (c *Client) RunningMatches(ctx context.Context) ([]Match, error) {
	params := url.Values{}
	params.Set("sort", "begin_at")

	var matches []Match
	if err := c.get(ctx, "/matches/running", params, &matches); err != nil {
		c.mu.Lock()
		cached := c.cachedRunning
		c.mu.Unlock()
		if cached != nil {
			c.logger.Warn("serving cached running matches", zap.Error(err))
			return cached, nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.cachedRunning = matches
	c.mu.Unlock()
	return matches, nil
}

// UpcomingMatches fetches the next scheduled matches.
func (c *Client) UpcomingMatches(ctx context.Context, limit int) ([]Match, error) {
	params := url.Values{}
	params.Set("sort", "begin_at")
	if limit > 0 {
		params.Set("per_page", strconv.Itoa(limit))
	}

	var matches []Match
	if err := c.get(ctx, "/matches/upcoming", params, &matches); err != nil {
		c.mu.Lock()
		cached := c.cachedUpcoming
		c.mu.Unlock()
		if cached != nil {
			c.logger.Warn("serving cached upcoming matches", zap.Error(err))
			return cached, nil
		}
		return nil, err
	}
	c.mu.Lock()
	c.cachedUpcoming = matches
	c.mu.Unlock()
	return matches, nil
}

// MatchOdds fetches market odds for one match. Failures serve the last
// good odds for that match when available.
func (c *Client) MatchOdds(ctx context.Context, matchID int64) (state.MarketOdds, error) {
	var rows []struct {
		RadiantOdds float64 `json:"radiant_odds"`
		DireOdds    float64 `json:"dire_odds"`
	}
	err := c.get(ctx, fmt.Sprintf("/matches/%d/odds", matchID), nil, &rows)
	if err == nil && len(rows) > 0 {
		radiant := rows[0].RadiantOdds
		dire := rows[0].DireOdds
		implied := 0.5
		if radiant > 0 {
			implied = 1 / radiant
		}
		odds := state.MarketOdds{
			RadiantOdds:        decimal.NewFromFloat(radiant),
			DireOdds:           decimal.NewFromFloat(dire),
			ImpliedProbability: implied,
			UpdatedAt:          time.Now().UTC(),
		}
		c.mu.Lock()
		c.cachedOdds[matchID] = odds
		c.mu.Unlock()
		return odds, nil
	}

	c.mu.Lock()
	cached, ok := c.cachedOdds[matchID]
	c.mu.Unlock()
	if ok {
		cached.Stale = true
		return cached, nil
	}
	if err == nil {
		err = fmt.Errorf("no odds published for match %d", matchID)
	}
	return state.MarketOdds{}, err
}

// get performs a budgeted, rate-limited GET with one bounded retry on
// 429.
func (c *Client) get(ctx context.Context, path string, params url.Values, result interface{}) error {
	if c.gate != nil && !c.gate.CanCall(Source) {
		return fmt.Errorf("%s: %w", Source, quota.ErrQuotaExceeded)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	for attempt := 0; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if c.recorder != nil {
				c.recorder.RecordProviderError(Source)
			}
			return fmt.Errorf("http request: %w", err)
		}
		if c.gate != nil {
			c.gate.RecordCall(Source)
		}
		if c.recorder != nil {
			c.recorder.RecordProviderCall(Source)
		}

		if resp.StatusCode == http.StatusTooManyRequests && attempt == 0 {
			resp.Body.Close()
			c.logger.Warn("rate limited upstream, backing off", zap.String("path", path))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retryBackoff):
			}
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			if c.recorder != nil {
				c.recorder.RecordProviderError(Source)
			}
			return fmt.Errorf("api error %d: %s", resp.StatusCode, string(body))
		}
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
}
