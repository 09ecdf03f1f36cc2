// Package history is the completed-match source: recent professional
// matches, full match details for training, and the verified-league set
// used to vet live matches.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/velkara/matchsight/pkg/quota"
)

const (
	// DefaultBaseURL is the public match-history API.
	DefaultBaseURL = "https://api.opendota.com/api"

	// Source names this client against the quota governor.
	Source = "history"

	defaultRateLimit = 1.0 // free tier: keep a second between calls
	defaultBurst     = 1

	retryBackoff = 10 * time.Second
)

// ProMatch is one entry of the recent professional match feed.
type ProMatch struct {
	MatchID     int64  `json:"match_id"`
	StartTime   int64  `json:"start_time"`
	Duration    int    `json:"duration"`
	LeagueID    int64  `json:"leagueid"`
	LeagueName  string `json:"league_name"`
	RadiantName string `json:"radiant_name"`
	DireName    string `json:"dire_name"`
	RadiantWin  bool   `json:"radiant_win"`
}

// PlayerTimeline is one player's minute-indexed economy series from a
// completed match.
type PlayerTimeline struct {
	IsRadiant bool      `json:"isRadiant"`
	GoldT     []float64 `json:"gold_t"`
	Kills     int       `json:"kills"`
}

// MatchDetail is the full completed-match record used for training.
type MatchDetail struct {
	MatchID        int64            `json:"match_id"`
	StartTime      int64            `json:"start_time"`
	Duration       float64          `json:"duration"`
	RadiantWin     bool             `json:"radiant_win"`
	RadiantGoldAdv []float64        `json:"radiant_gold_adv"`
	RadiantXPAdv   []float64        `json:"radiant_xp_adv"`
	Players        []PlayerTimeline `json:"players"`
}

// League is one professional league record.
type League struct {
	LeagueID int64  `json:"leagueid"`
	Name     string `json:"name"`
	Tier     string `json:"tier"`
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

// Client is the match-history API client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	gate       QuotaGate
	recorder   Recorder
	logger     *zap.Logger

	mu            sync.Mutex
	cachedMatches []ProMatch
	cachedLeagues []League
}

// ClientOption configures the client.
type ClientOption func(*Client)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) ClientOption {
	return func(c *Client) {
		c.baseURL = url
	}
}

// WithAPIKey sets the API key appended to every request.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = key
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

// NewClient creates a match-history client. gate may be nil (no budget).
func NewClient(gate QuotaGate, logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		limiter: rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		gate:    gate,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RecentProMatches fetches the newest professional matches. A quota
// refusal serves the last good response instead of erroring.
func (c *Client) RecentProMatches(ctx context.Context, limit int) ([]ProMatch, error) {
	var matches []ProMatch
	if err := c.get(ctx, "/proMatches", nil, &matches); err != nil {
		c.mu.Lock()
		cached := c.cachedMatches
		c.mu.Unlock()
		if cached != nil {
			c.logger.Warn("serving cached pro matches", zap.Error(err))
			return cached, nil
		}
		return nil, err
	}
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	c.mu.Lock()
	c.cachedMatches = matches
	c.mu.Unlock()
	return matches, nil
}

// MatchDetail fetches the full record for one completed match.
func (c *Client) MatchDetail(ctx context.Context, matchID int64) (*MatchDetail, error) {
	var detail MatchDetail
	if err := c.get(ctx, fmt.Sprintf("/matches/%d", matchID), nil, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// VerifiedLeagues returns the set of professional league ids and their
// names. Matches from leagues outside this set are treated as
// unverified.
func (c *Client) VerifiedLeagues(ctx context.Context) (map[int64]bool, map[int64]string, error) {
	var leagues []League
	if err := c.get(ctx, "/leagues", nil, &leagues); err != nil {
		c.mu.Lock()
		cached := c.cachedLeagues
		c.mu.Unlock()
		if cached != nil {
			c.logger.Warn("serving cached leagues", zap.Error(err))
			leagues = cached
		} else {
			return nil, nil, err
		}
	} else {
		c.mu.Lock()
		c.cachedLeagues = leagues
		c.mu.Unlock()
	}

	verified := make(map[int64]bool, len(leagues))
	names := make(map[int64]string, len(leagues))
	for _, l := range leagues {
		if l.Tier == "professional" || l.Tier == "premium" {
			verified[l.LeagueID] = true
		}
		names[l.LeagueID] = l.Name
	}
	return verified, names, nil
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

	if c.apiKey != "" {
		if params == nil {
			params = url.Values{}
		}
		params.Set("api_key", c.apiKey)
	}
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

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

	if resp.StatusCode == http.StatusTooManyRequests {
		resp.Body.Close()
		c.logger.Warn("rate limited upstream, backing off", zap.String("path", path))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryBackoff):
		}
		return c.getOnce(ctx, u, result)
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

// getOnce is the single 429 retry: no further retries.
func (c *Client) getOnce(ctx context.Context, u string, result interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if c.recorder != nil {
			c.recorder.RecordProviderError(Source)
		}
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()
	if c.gate != nil {
		c.gate.RecordCall(Source)
	}
	if c.recorder != nil {
		c.recorder.RecordProviderCall(Source)
	}

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
